package model

import (
	"encoding/json"
	"time"
)

// JobStatus represents the state of a queued job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	// JobStatusFailed is terminal: the handler gave up on the job.
	JobStatusFailed JobStatus = "failed"
)

// Job types consumed by the dispatcher.
const (
	JobTypeBatchDiscovery      = "batch_discovery"
	JobTypeRecomputeEmbeddings = "recompute_embeddings"
	JobTypeMatchEntities       = "match_entities"
)

// Job is a durable unit of background work.
type Job struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Status        JobStatus       `json:"status"`
	Attempt       int             `json:"attempt"`
	WorkerID      string          `json:"worker_id,omitempty"`
	NextVisibleAt time.Time       `json:"next_visible_at"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// MatchPayload is the payload of a match_entities job.
type MatchPayload struct {
	RunID   string `json:"run_id"`
	Attempt int    `json:"attempt"`
}

// RunPayload is the payload of a recompute_embeddings job.
type RunPayload struct {
	RunID string `json:"run_id"`
}

// BatchDiscoveryPayload is the payload of a batch_discovery job.
type BatchDiscoveryPayload struct {
	RunID   string   `json:"run_id"`
	Queries []string `json:"queries"`
}
