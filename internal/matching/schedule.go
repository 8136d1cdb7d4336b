package matching

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospector/internal/async"
	"github.com/sells-group/prospector/internal/model"
)

// Scheduler arranges for a matching cycle to run later. The pipeline uses it
// with a zero delay to trigger matching after inserting entities; the engine
// uses it to defer itself until profiles exist.
type Scheduler interface {
	Schedule(ctx context.Context, runID string, attempt int, delay time.Duration) error
}

// JobEnqueuer is the slice of the job store JobScheduler needs.
type JobEnqueuer interface {
	EnqueueJob(ctx context.Context, jobType string, payload json.RawMessage, runAfter time.Time) (*model.Job, error)
}

// JobScheduler enqueues match_entities jobs. Deferred cycles survive process
// restarts and run on whichever instance claims them.
type JobScheduler struct {
	jobs JobEnqueuer
	now  func() time.Time
}

// NewJobScheduler creates a job-backed scheduler.
func NewJobScheduler(jobs JobEnqueuer) *JobScheduler {
	return &JobScheduler{jobs: jobs, now: time.Now}
}

// Schedule implements Scheduler.
func (s *JobScheduler) Schedule(ctx context.Context, runID string, attempt int, delay time.Duration) error {
	payload, err := json.Marshal(model.MatchPayload{RunID: runID, Attempt: attempt})
	if err != nil {
		return eris.Wrap(err, "matching: marshal match payload")
	}
	if _, err := s.jobs.EnqueueJob(ctx, model.JobTypeMatchEntities, payload, s.now().Add(delay)); err != nil {
		return eris.Wrapf(err, "matching: enqueue match for run %s", runID)
	}
	return nil
}

// CycleFunc runs one matching cycle.
type CycleFunc func(ctx context.Context, runID string, attempt int) error

// LocalScheduler runs cycles on tracked in-process timers. Pending cycles are
// lost if the process exits.
type LocalScheduler struct {
	tracker *async.Tracker

	mu    sync.RWMutex
	cycle CycleFunc
}

// NewLocalScheduler creates a scheduler on tracker. Bind must be called
// before the first Schedule.
func NewLocalScheduler(tracker *async.Tracker) *LocalScheduler {
	return &LocalScheduler{tracker: tracker}
}

// Bind sets the cycle to run. It breaks the construction cycle between the
// engine and its scheduler.
func (s *LocalScheduler) Bind(fn CycleFunc) {
	s.mu.Lock()
	s.cycle = fn
	s.mu.Unlock()
}

// Schedule implements Scheduler.
func (s *LocalScheduler) Schedule(_ context.Context, runID string, attempt int, delay time.Duration) error {
	s.mu.RLock()
	cycle := s.cycle
	s.mu.RUnlock()
	if cycle == nil {
		return eris.New("matching: local scheduler is not bound")
	}

	name := "match:" + runID
	run := func(ctx context.Context) error { return cycle(ctx, runID, attempt) }
	if delay <= 0 {
		return s.tracker.Go(name, run)
	}
	return s.tracker.After(delay, name, run)
}
