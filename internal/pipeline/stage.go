package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospector/internal/metrics"
	"github.com/sells-group/prospector/internal/model"
	"github.com/sells-group/prospector/internal/resilience"
)

// ErrStageTimeout is returned when a stage exceeds its timeout.
var ErrStageTimeout = eris.New("pipeline: stage timed out")

// stage describes one unit of work within a run.
type stage[T any] struct {
	name    string
	timeout time.Duration
	// run produces the stage result. It is retried on rate limits.
	run func(ctx context.Context) (T, error)
	// fallback produces placeholder content when run fails. Nil for stages
	// whose output cannot be substituted.
	fallback func() (T, error)
	// commit persists the result. It only runs for results that arrived
	// within the timeout.
	commit func(ctx context.Context, out T, degraded bool) error
}

// runStage executes s with timeout, rate-limit retry and fallback, and
// records the outcome on the stage's task row. Stages already succeeded in
// an earlier execution are skipped.
func runStage[T any](ctx context.Context, ex *execution, s stage[T]) error {
	log := ex.log.With(zap.String("stage", s.name))
	if ex.done[s.name] {
		log.Info("pipeline: stage already succeeded, skipping")
		return nil
	}
	if err := ex.o.store.StartTask(ctx, ex.run.ID, s.name); err != nil {
		return eris.Wrapf(err, "pipeline: start task %s", s.name)
	}

	retry := resilience.RateLimitRetryConfig(ex.o.cfg.RateLimitRetries, ex.o.cfg.RetryBackoff)
	retry.OnRetry = resilience.RetryLogger("pipeline", s.name)

	start := ex.o.now()
	out, err := raceTimeout(ctx, s.timeout, func(ctx context.Context) (T, error) {
		return resilience.DoVal(ctx, retry, s.run)
	})

	degraded := false
	if err != nil && s.fallback != nil && ctx.Err() == nil {
		log.Warn("pipeline: stage failed, using fallback content",
			zap.String("error_class", resilience.ClassifyError(err)),
			zap.Error(err),
		)
		fb, ferr := s.fallback()
		if ferr != nil {
			err = eris.Wrapf(ferr, "pipeline: %s fallback", s.name)
		} else {
			out, err, degraded = fb, nil, true
		}
	}
	if err == nil && s.commit != nil {
		err = s.commit(ctx, out, degraded)
	}

	record := context.WithoutCancel(ctx)
	elapsed := ex.o.now().Sub(start)
	if err != nil {
		metrics.StageRuns.WithLabelValues(s.name, "failed").Inc()
		log.Error("pipeline: stage failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		if terr := ex.o.store.FinishTask(record, ex.run.ID, s.name, model.TaskStatusFailed, false, err.Error()); terr != nil {
			log.Error("pipeline: record task failure", zap.Error(terr))
		}
		return err
	}

	outcome := "succeeded"
	if degraded {
		outcome = "degraded"
	}
	metrics.StageRuns.WithLabelValues(s.name, outcome).Inc()
	log.Info("pipeline: stage complete", zap.Duration("elapsed", elapsed), zap.Bool("degraded", degraded))
	if err := ex.o.store.FinishTask(record, ex.run.ID, s.name, model.TaskStatusSucceeded, degraded, ""); err != nil {
		return eris.Wrapf(err, "pipeline: finish task %s", s.name)
	}
	return nil
}

// raceTimeout runs fn on its own goroutine and returns whichever comes
// first: its result or the timeout. A result arriving after the timeout is
// discarded.
func raceTimeout[T any](ctx context.Context, d time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{val: v, err: err}
	}()

	var zero T
	select {
	case r := <-ch:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, eris.Wrapf(ErrStageTimeout, "after %s", d)
		}
		return r.val, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, eris.Wrapf(ErrStageTimeout, "after %s", d)
		}
		return zero, ctx.Err()
	}
}
