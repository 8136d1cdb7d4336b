// Package jobs dispatches durable background jobs to handlers by type.
//
// A dispatcher tick claims a bounded number of jobs one at a time, so a
// short-lived invocation (a cron hit, a serverless function) does a fixed
// amount of work and exits. Execution is at-least-once: handlers must be
// idempotent.
package jobs

import (
	"context"
	"errors"

	"github.com/sells-group/prospector/internal/model"
)

// Handler executes one claimed job. A nil return completes the job; an error
// fails it back to the queue with backoff, unless it is Permanent.
type Handler func(ctx context.Context, job *model.Job) error

// permanentError marks a failure that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the dispatcher buries the job instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// WithMaxAttempts makes the final allowed attempt's failure permanent.
// job.Attempt counts earlier failures, so the running execution is attempt
// job.Attempt+1.
func WithMaxAttempts(n int, h Handler) Handler {
	return func(ctx context.Context, job *model.Job) error {
		err := h(ctx, job)
		if err != nil && job.Attempt+1 >= n {
			return Permanent(err)
		}
		return err
	}
}
