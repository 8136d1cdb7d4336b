package jobs

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospector/internal/matching"
	"github.com/sells-group/prospector/internal/model"
)

// Matcher runs matching cycles and embedding backfills.
type Matcher interface {
	MapRun(ctx context.Context, runID string, attempt int) (matching.Outcome, error)
	EmbedRun(ctx context.Context, runID string) (int, error)
}

// BatchDiscoverer runs discovery for extra queries against an existing run.
type BatchDiscoverer interface {
	DiscoverBatch(ctx context.Context, runID string, queries []string) (int, error)
}

// decode unmarshals a job payload. Malformed payloads can never succeed, so
// they are permanent failures.
func decode(job *model.Job, v any) error {
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return Permanent(eris.Wrapf(err, "jobs: decode %s payload", job.Type))
	}
	return nil
}

// NewMatchHandler returns the match_entities handler. Deferral, give-up and
// lock contention are normal outcomes and complete the job.
func NewMatchHandler(m Matcher) Handler {
	return func(ctx context.Context, job *model.Job) error {
		var p model.MatchPayload
		if err := decode(job, &p); err != nil {
			return err
		}
		if p.RunID == "" {
			return Permanent(eris.New("jobs: match payload missing run_id"))
		}
		if p.Attempt < 1 {
			p.Attempt = 1
		}

		out, err := m.MapRun(ctx, p.RunID, p.Attempt)
		if err != nil {
			return eris.Wrapf(err, "jobs: match run %s", p.RunID)
		}
		zap.L().Debug("jobs: match cycle finished",
			zap.String("run_id", p.RunID),
			zap.String("status", string(out.Status)),
			zap.Int("mapped", out.Mapped),
		)
		return nil
	}
}

// NewRecomputeHandler returns the recompute_embeddings handler.
func NewRecomputeHandler(m Matcher) Handler {
	return func(ctx context.Context, job *model.Job) error {
		var p model.RunPayload
		if err := decode(job, &p); err != nil {
			return err
		}
		if p.RunID == "" {
			return Permanent(eris.New("jobs: recompute payload missing run_id"))
		}

		n, err := m.EmbedRun(ctx, p.RunID)
		if err != nil {
			return eris.Wrapf(err, "jobs: recompute embeddings for run %s", p.RunID)
		}
		zap.L().Info("jobs: embeddings recomputed", zap.String("run_id", p.RunID), zap.Int("written", n))
		return nil
	}
}

// NewBatchDiscoveryHandler returns the batch_discovery handler.
func NewBatchDiscoveryHandler(d BatchDiscoverer) Handler {
	return func(ctx context.Context, job *model.Job) error {
		var p model.BatchDiscoveryPayload
		if err := decode(job, &p); err != nil {
			return err
		}
		if p.RunID == "" || len(p.Queries) == 0 {
			return Permanent(eris.New("jobs: batch discovery payload needs run_id and queries"))
		}

		n, err := d.DiscoverBatch(ctx, p.RunID, p.Queries)
		if err != nil {
			return eris.Wrapf(err, "jobs: batch discovery for run %s", p.RunID)
		}
		zap.L().Info("jobs: batch discovery finished", zap.String("run_id", p.RunID), zap.Int("inserted", n))
		return nil
	}
}

// RegisterDefaults wires the standard handlers. Each handler gets at most
// maxAttempts executions before its job is buried.
func RegisterDefaults(r *Registry, m Matcher, d BatchDiscoverer, maxAttempts int) {
	r.Register(model.JobTypeMatchEntities, WithMaxAttempts(maxAttempts, NewMatchHandler(m)))
	r.Register(model.JobTypeRecomputeEmbeddings, WithMaxAttempts(maxAttempts, NewRecomputeHandler(m)))
	if d != nil {
		r.Register(model.JobTypeBatchDiscovery, WithMaxAttempts(maxAttempts, NewBatchDiscoveryHandler(d)))
	}
}
