// Package monitoring watches run outcomes and the job queue, and raises
// webhook alerts when either looks unhealthy.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospector/internal/metrics"
	"github.com/sells-group/prospector/internal/model"
	"github.com/sells-group/prospector/internal/store"
)

// scanLimit caps rows read per status per collection.
const scanLimit = 10000

// Snapshot holds a point-in-time view of system health.
type Snapshot struct {
	// Runs created within the lookback window.
	RunsTotal     int     `json:"runs_total"`
	RunsCompleted int     `json:"runs_completed"`
	RunsFailed    int     `json:"runs_failed"`
	RunsCancelled int     `json:"runs_cancelled"`
	RunsInFlight  int     `json:"runs_in_flight"`
	RunFailRate   float64 `json:"run_fail_rate"`

	// Queue state. DeadJobs counts jobs buried within the window.
	JobsPending int `json:"jobs_pending"`
	JobsRunning int `json:"jobs_running"`
	JobsStale   int `json:"jobs_stale"`
	DeadJobs    int `json:"dead_jobs"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Source is the slice of the store the collector reads.
type Source interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]model.Job, error)
}

// Collector gathers snapshots from the store.
type Collector struct {
	src        Source
	staleAfter time.Duration
	now        func() time.Time
}

// NewCollector creates a collector. Running jobs older than staleAfter are
// counted as stale; zero disables the count.
func NewCollector(src Source, staleAfter time.Duration) *Collector {
	return &Collector{src: src, staleAfter: staleAfter, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window and publishes
// the queue depth gauges.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := c.now().UTC()
	snap := &Snapshot{LookbackHours: lookbackHours, CollectedAt: now}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.src.ListRuns(ctx, store.RunFilter{Limit: scanLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}
	for _, r := range runs {
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusCompleted:
			snap.RunsCompleted++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusCancelled:
			snap.RunsCancelled++
		default:
			snap.RunsInFlight++
		}
	}
	if finished := snap.RunsCompleted + snap.RunsFailed; finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}

	pending, err := c.src.ListJobs(ctx, store.JobFilter{Status: model.JobStatusPending, Limit: scanLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list pending jobs")
	}
	snap.JobsPending = len(pending)

	running, err := c.src.ListJobs(ctx, store.JobFilter{Status: model.JobStatusRunning, Limit: scanLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list running jobs")
	}
	snap.JobsRunning = len(running)
	if c.staleAfter > 0 {
		for _, j := range running {
			if now.Sub(j.UpdatedAt) >= c.staleAfter {
				snap.JobsStale++
			}
		}
	}

	dead, err := c.src.ListJobs(ctx, store.JobFilter{Status: model.JobStatusFailed, Limit: scanLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list failed jobs")
	}
	for _, j := range dead {
		if !j.UpdatedAt.Before(cutoff) {
			snap.DeadJobs++
		}
	}

	metrics.JobQueueDepth.WithLabelValues(string(model.JobStatusPending)).Set(float64(snap.JobsPending))
	metrics.JobQueueDepth.WithLabelValues(string(model.JobStatusRunning)).Set(float64(snap.JobsRunning))
	metrics.JobQueueDepth.WithLabelValues(string(model.JobStatusFailed)).Set(float64(len(dead)))

	return snap, nil
}
