// Package store persists jobs, runs, tasks, entities, profiles, cache entries
// and leases. Postgres is the production backend; SQLite serves single-node
// deployments and tests.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/prospector/internal/model"
	"github.com/sells-group/prospector/internal/resilience"
)

var (
	// ErrNotFound is returned when a row addressed by id does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrNotHeld is returned when a job is not running under the given worker.
	ErrNotHeld = eris.New("store: job not held by worker")
)

// JobStore is the durable job queue contract.
type JobStore interface {
	EnqueueJob(ctx context.Context, jobType string, payload json.RawMessage, runAfter time.Time) (*model.Job, error)
	// ClaimJob atomically moves one eligible pending job to running under
	// workerID. It returns (nil, nil) when nothing is eligible.
	ClaimJob(ctx context.Context, workerID string, types []string) (*model.Job, error)
	CompleteJob(ctx context.Context, jobID, workerID string) error
	FailJob(ctx context.Context, jobID, workerID, errText string, backoff time.Duration) error
	BuryJob(ctx context.Context, jobID, workerID, errText string) error
	RecoverStaleJobs(ctx context.Context, olderThan time.Duration) (int, error)
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)
}

// RunStore persists runs and their per-stage tasks.
type RunStore interface {
	// CreateRun inserts a run for key or returns the existing one. created
	// reports whether this call inserted it.
	CreateRun(ctx context.Context, key, ownerID string, search model.SearchContext) (run *model.Run, created bool, err error)
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	// AdvanceRun moves a non-terminal run to phase. Progress never decreases.
	// It returns false when the run is already terminal.
	AdvanceRun(ctx context.Context, runID string, phase model.Phase, progress int) (bool, error)
	// FinishRun sets a terminal status unless the run is already terminal.
	FinishRun(ctx context.Context, runID string, status model.RunStatus, errText string) (bool, error)
	SetRunInsights(ctx context.Context, runID string, insights *model.Insights) error

	EnsureTasks(ctx context.Context, runID string, names []string) error
	ListTasks(ctx context.Context, runID string) ([]model.Task, error)
	StartTask(ctx context.Context, runID, name string) error
	FinishTask(ctx context.Context, runID, name string, status model.TaskStatus, degraded bool, errText string) error
}

// EntityStore persists discovered entities and segment profiles.
type EntityStore interface {
	InsertEntities(ctx context.Context, entities []model.Entity) (int, error)
	GetEntity(ctx context.Context, entityID string) (*model.Entity, error)
	ListEntities(ctx context.Context, filter EntityFilter) ([]model.Entity, error)
	// UpdateEntityMatch assigns a persona only if the entity has none yet.
	UpdateEntityMatch(ctx context.Context, entityID, personaID string, score int, tier model.MatchTier) (bool, error)
	UpdateEntityEmbedding(ctx context.Context, entityID string, embedding []float32) error
	// TopProfiles returns up to k profiles of the entity's run ranked by
	// cosine similarity. Profiles without embeddings are not candidates.
	TopProfiles(ctx context.Context, entityID string, k int) ([]model.ProfileScore, error)

	InsertProfiles(ctx context.Context, profiles []model.SegmentProfile) error
	ListProfiles(ctx context.Context, runID string) ([]model.SegmentProfile, error)
	UpdateProfileEmbedding(ctx context.Context, profileID string, embedding []float32) error
}

// CacheStore is the durable tier of the result cache.
type CacheStore interface {
	// GetCacheEntry returns nil when the key is absent or expired.
	GetCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error)
	PutCacheEntry(ctx context.Context, entry model.CacheEntry) error
	// PruneCache deletes expired entries and entries created before cutoff.
	PruneCache(ctx context.Context, cutoff time.Time) (int, error)
}

// LeaseStore provides named, expiring mutual-exclusion rows.
type LeaseStore interface {
	// AcquireLease takes name for holder until ttl elapses. It succeeds when
	// the lease is free, expired, or already held by holder, which extends it.
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) (bool, error)
}

// Store is the full persistence interface.
type Store interface {
	JobStore
	RunStore
	EntityStore
	CacheStore
	LeaseStore

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status model.JobStatus `json:"status,omitempty"`
	Type   string          `json:"type,omitempty"`
	Limit  int             `json:"limit,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status  model.RunStatus `json:"status,omitempty"`
	OwnerID string          `json:"owner_id,omitempty"`
	Limit   int             `json:"limit,omitempty"`
	Offset  int             `json:"offset,omitempty"`
}

// EntityFilter specifies criteria for listing entities.
type EntityFilter struct {
	RunID     string           `json:"run_id"`
	Kind      model.EntityKind `json:"kind,omitempty"`
	Unmatched bool             `json:"unmatched,omitempty"`
	Limit     int              `json:"limit,omitempty"`
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return 1000
	}
	return n
}

// prepareEntities fills missing ids and timestamps and rejects invalid
// entities before anything is written.
func prepareEntities(entities []model.Entity, now time.Time) error {
	for i := range entities {
		e := &entities[i]
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if err := e.Validate(); err != nil {
			return resilience.NewValidationError(err)
		}
	}
	return nil
}
