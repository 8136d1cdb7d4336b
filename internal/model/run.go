// Package model defines the domain types shared by the pipeline, the matching
// engine and the job dispatcher.
package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusStarting  RunStatus = "starting"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further phase transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// Phase is one step of the fixed run state machine.
type Phase string

const (
	PhaseStarting       Phase = "starting"
	PhasePersonas       Phase = "personas"
	PhaseDiscovery      Phase = "discovery"
	PhaseDecisionMakers Phase = "decision_makers"
	PhaseMarketInsights Phase = "market_insights"
	PhaseCompleted      Phase = "completed"
)

// phaseOrder is the canonical phase sequence with its progress percentage.
var phaseOrder = []struct {
	phase    Phase
	progress int
}{
	{PhaseStarting, 0},
	{PhasePersonas, 10},
	{PhaseDiscovery, 40},
	{PhaseDecisionMakers, 75},
	{PhaseMarketInsights, 90},
	{PhaseCompleted, 100},
}

// Index returns the position of p in the canonical order, or -1.
func (p Phase) Index() int {
	for i, po := range phaseOrder {
		if po.phase == p {
			return i
		}
	}
	return -1
}

// Progress returns the progress percentage reached once p is entered.
func (p Phase) Progress() int {
	if i := p.Index(); i >= 0 {
		return phaseOrder[i].progress
	}
	return 0
}

// StageNames lists the stages that get a task row per run.
var StageNames = []string{
	string(PhasePersonas),
	string(PhaseDiscovery),
	string(PhaseDecisionMakers),
	string(PhaseMarketInsights),
}

// SearchContext is the run's own input. It is validated and persisted when
// the run starts and is never replaced by fallback content.
type SearchContext struct {
	Industry    string   `json:"industry"`
	Location    string   `json:"location"`
	Keywords    []string `json:"keywords,omitempty"`
	CompanySize string   `json:"company_size,omitempty"`
	MaxResults  int      `json:"max_results,omitempty"`
}

// Validate checks the fields every stage depends on.
func (s SearchContext) Validate() error {
	if s.Industry == "" {
		return eris.New("search context: industry is required")
	}
	if s.Location == "" {
		return eris.New("search context: location is required")
	}
	if s.MaxResults < 0 {
		return eris.New("search context: max_results must be >= 0")
	}
	return nil
}

// Insights holds the market analysis produced for a run.
type Insights struct {
	Summary  string   `json:"summary"`
	Trends   []string `json:"trends,omitempty"`
	Sources  []string `json:"sources,omitempty"`
	Degraded bool     `json:"degraded,omitempty"`
}

// Run is one end-to-end pipeline execution for a logical search.
type Run struct {
	ID          string        `json:"id"`
	Key         string        `json:"key"`
	OwnerID     string        `json:"owner_id"`
	Search      SearchContext `json:"search"`
	Phase       Phase         `json:"phase"`
	Status      RunStatus     `json:"status"`
	ProgressPct int           `json:"progress_pct"`
	Error       string        `json:"error,omitempty"`
	Insights    *Insights     `json:"insights,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// TaskStatus represents the state of a stage within a run.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task records one stage of a run so an interrupted run can resume.
type Task struct {
	ID         string     `json:"id"`
	RunID      string     `json:"run_id"`
	Name       string     `json:"name"`
	Status     TaskStatus `json:"status"`
	Attempt    int        `json:"attempt"`
	Degraded   bool       `json:"degraded"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}
