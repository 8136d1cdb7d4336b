package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospector/internal/model"
)

// Enqueuer adds jobs to the durable queue.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, jobType string, payload json.RawMessage, runAfter time.Time) (*model.Job, error)
}

// Enqueue marshals payload and adds a job of jobType that is due now.
func Enqueue(ctx context.Context, q Enqueuer, jobType string, payload any) (*model.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, eris.Wrapf(err, "jobs: marshal %s payload", jobType)
	}
	job, err := q.EnqueueJob(ctx, jobType, raw, time.Now())
	if err != nil {
		return nil, eris.Wrapf(err, "jobs: enqueue %s", jobType)
	}
	return job, nil
}

// EnqueueBatchDiscovery queues extra discovery queries for an existing run.
func EnqueueBatchDiscovery(ctx context.Context, q Enqueuer, runID string, queries []string) (*model.Job, error) {
	if runID == "" || len(queries) == 0 {
		return nil, eris.New("jobs: batch discovery needs a run id and at least one query")
	}
	return Enqueue(ctx, q, model.JobTypeBatchDiscovery, model.BatchDiscoveryPayload{RunID: runID, Queries: queries})
}
