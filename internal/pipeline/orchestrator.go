// Package pipeline runs the fixed phase machine for a lead-generation run:
// personas, then discovery with market insights started alongside it, then
// decision makers, then the insights join.
//
// Every stage runs under a timeout, retries only on rate-limit signals, and
// generative stages fall back to deterministic placeholder content. Stage
// outcomes are recorded on per-run task rows so an interrupted run resumes
// from its first unfinished stage.
package pipeline

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospector/internal/cache"
	"github.com/sells-group/prospector/internal/config"
	"github.com/sells-group/prospector/internal/matching"
	"github.com/sells-group/prospector/internal/model"
	"github.com/sells-group/prospector/internal/resilience"
	"github.com/sells-group/prospector/internal/store"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	store.RunStore
	store.EntityStore
	store.LeaseStore
}

// Config controls stage execution.
type Config struct {
	MaxConcurrent          int
	RateLimitRetries       int
	RetryBackoff           time.Duration
	PersonasTimeout        time.Duration
	DiscoveryTimeout       time.Duration
	DecisionMakersTimeout  time.Duration
	InsightsTimeout        time.Duration
	DiscoveryBudget        time.Duration
	DecisionMakersBudget   time.Duration
	PersonaCount           int
	MaxContactsPerBusiness int
	// ExecutionLease bounds how long a run stays claimed by an executor
	// that stops renewing. It is renewed at every phase boundary.
	ExecutionLease time.Duration
}

// DefaultConfig returns the standard stage settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:          3,
		RateLimitRetries:       2,
		RetryBackoff:           500 * time.Millisecond,
		PersonasTimeout:        60 * time.Second,
		DiscoveryTimeout:       180 * time.Second,
		DecisionMakersTimeout:  240 * time.Second,
		InsightsTimeout:        90 * time.Second,
		DiscoveryBudget:        120 * time.Second,
		DecisionMakersBudget:   180 * time.Second,
		PersonaCount:           3,
		MaxContactsPerBusiness: 3,
		ExecutionLease:         10 * time.Minute,
	}
}

// ConfigFrom converts the loaded pipeline settings.
func ConfigFrom(c config.PipelineConfig) Config {
	return Config{
		MaxConcurrent:          c.MaxConcurrent,
		RateLimitRetries:       c.RateLimitRetries,
		RetryBackoff:           time.Duration(c.RetryBackoffMs) * time.Millisecond,
		PersonasTimeout:        config.Seconds(c.PersonasTimeoutSecs),
		DiscoveryTimeout:       config.Seconds(c.DiscoveryTimeoutSecs),
		DecisionMakersTimeout:  config.Seconds(c.DecisionMakersTimeoutSec),
		InsightsTimeout:        config.Seconds(c.InsightsTimeoutSecs),
		DiscoveryBudget:        config.Seconds(c.DiscoveryBudgetSecs),
		DecisionMakersBudget:   config.Seconds(c.DecisionMakersBudgetSecs),
		PersonaCount:           c.PersonaCount,
		MaxContactsPerBusiness: c.MaxContactsPerBusiness,
	}
}

// Orchestrator drives runs through their phases.
type Orchestrator struct {
	cfg       Config
	store     Store
	collab    Collaborators
	embedder  matching.Embedder
	scheduler matching.Scheduler
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEmbedder embeds profiles as they are created so the similarity tier
// can use them immediately.
func WithEmbedder(e matching.Embedder) Option {
	return func(o *Orchestrator) { o.embedder = e }
}

// WithScheduler triggers a matching cycle whenever entities or profiles are
// persisted.
func WithScheduler(s matching.Scheduler) Option {
	return func(o *Orchestrator) { o.scheduler = s }
}

// New creates an orchestrator.
func New(cfg Config, st Store, collab Collaborators, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.RateLimitRetries < 0 {
		cfg.RateLimitRetries = 0
	}
	if cfg.PersonaCount <= 0 {
		cfg.PersonaCount = def.PersonaCount
	}
	if cfg.MaxContactsPerBusiness <= 0 {
		cfg.MaxContactsPerBusiness = def.MaxContactsPerBusiness
	}
	if cfg.ExecutionLease <= 0 {
		cfg.ExecutionLease = def.ExecutionLease
	}
	o := &Orchestrator{cfg: cfg, store: st, collab: collab, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartRequest creates or resumes a run.
type StartRequest struct {
	// Key makes Start idempotent. When empty it is derived from the owner
	// and the search.
	Key     string              `json:"key,omitempty"`
	OwnerID string              `json:"owner_id"`
	Search  model.SearchContext `json:"search"`
}

// RunKey derives the idempotency key for an owner's search.
func RunKey(ownerID string, s model.SearchContext) string {
	return cache.Key("run", strings.Join([]string{
		ownerID, s.Industry, s.Location, s.CompanySize,
		strings.Join(s.Keywords, ","), strconv.Itoa(s.MaxResults),
	}, "|"))
}

// Start validates the request, then creates the run and its task rows. An
// existing run with the same key is returned as is; created reports which
// happened. Validation failures are resilience.ValidationError.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*model.Run, bool, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, false, resilience.NewValidationError(eris.New("pipeline: owner_id is required"))
	}
	if err := req.Search.Validate(); err != nil {
		return nil, false, resilience.NewValidationError(err)
	}
	key := req.Key
	if key == "" {
		key = RunKey(req.OwnerID, req.Search)
	}

	run, created, err := o.store.CreateRun(ctx, key, req.OwnerID, req.Search)
	if err != nil {
		return nil, false, eris.Wrap(err, "pipeline: create run")
	}
	if err := o.store.EnsureTasks(ctx, run.ID, model.StageNames); err != nil {
		return nil, false, eris.Wrap(err, "pipeline: ensure tasks")
	}

	zap.L().Info("pipeline: run started",
		zap.String("run_id", run.ID),
		zap.String("owner_id", req.OwnerID),
		zap.Bool("created", created),
	)
	return run, created, nil
}

// Run starts and executes a run, returning its final state.
func (o *Orchestrator) Run(ctx context.Context, req StartRequest) (*model.Run, error) {
	run, _, err := o.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	execErr := o.Execute(ctx, run.ID)
	final, err := o.store.GetRun(context.WithoutCancel(ctx), run.ID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: reload run")
	}
	return final, execErr
}

// Cancel marks a run cancelled. The executing orchestrator observes it at
// the next phase boundary. It reports false when the run was already
// terminal.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) (bool, error) {
	ok, err := o.store.FinishRun(ctx, runID, model.RunStatusCancelled, "cancelled by request")
	if err != nil {
		return false, eris.Wrapf(err, "pipeline: cancel run %s", runID)
	}
	if ok {
		zap.L().Info("pipeline: run cancelled", zap.String("run_id", runID))
	}
	return ok, nil
}

// Execute runs the phases of an existing run. Stages whose task already
// succeeded are skipped. A cancelled run stops at the next phase boundary
// and Execute returns nil. Stage failures are recorded on the run and also
// returned.
//
// Only one executor works on a run at a time. A call that finds the run
// claimed by another executor returns nil without running anything.
func (o *Orchestrator) Execute(ctx context.Context, runID string) error {
	log := zap.L().With(zap.String("run_id", runID))

	lease := executionLeaseKey(runID)
	holder := uuid.NewString()
	claimed, err := o.store.AcquireLease(ctx, lease, holder, o.cfg.ExecutionLease)
	if err != nil {
		return eris.Wrapf(err, "pipeline: claim run %s", runID)
	}
	if !claimed {
		log.Info("pipeline: run already executing elsewhere")
		return nil
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := o.store.ReleaseLease(rctx, lease, holder); err != nil {
			log.Warn("pipeline: release execution lease", zap.Error(err))
		}
	}()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return eris.Wrapf(err, "pipeline: load run %s", runID)
	}
	if run.Status.Terminal() {
		log.Info("pipeline: run already finished", zap.String("status", string(run.Status)))
		return nil
	}

	tasks, err := o.store.ListTasks(ctx, runID)
	if err != nil {
		return eris.Wrapf(err, "pipeline: list tasks %s", runID)
	}
	ex := &execution{o: o, run: run, log: log, lease: lease, holder: holder, done: make(map[string]bool)}
	for _, t := range tasks {
		if t.Status == model.TaskStatusSucceeded {
			ex.done[t.Name] = true
		}
	}

	log.Info("pipeline: executing run",
		zap.String("industry", run.Search.Industry),
		zap.String("location", run.Search.Location),
		zap.Int("stages_done", len(ex.done)),
	)
	start := o.now()

	if ok, err := ex.enter(ctx, model.PhasePersonas); !ok || err != nil {
		return err
	}
	if err := ex.personas(ctx); err != nil {
		return ex.fail(ctx, model.PhasePersonas, err)
	}

	if ok, err := ex.enter(ctx, model.PhaseDiscovery); !ok || err != nil {
		return err
	}

	insightsCtx, stopInsights := context.WithCancel(ctx)
	defer stopInsights()
	insightsDone := make(chan error, 1)
	go func() { insightsDone <- ex.insights(insightsCtx) }()
	abandon := func() {
		stopInsights()
		<-insightsDone
	}

	if err := ex.discovery(ctx); err != nil {
		abandon()
		return ex.fail(ctx, model.PhaseDiscovery, err)
	}

	if ok, err := ex.enter(ctx, model.PhaseDecisionMakers); !ok || err != nil {
		abandon()
		return err
	}
	if err := ex.decisionMakers(ctx); err != nil {
		abandon()
		return ex.fail(ctx, model.PhaseDecisionMakers, err)
	}

	if ok, err := ex.enter(ctx, model.PhaseMarketInsights); !ok || err != nil {
		abandon()
		return err
	}
	if err := <-insightsDone; err != nil {
		return ex.fail(ctx, model.PhaseMarketInsights, err)
	}

	if ex.cancelled(ctx) {
		return nil
	}
	finished, err := o.store.FinishRun(ctx, runID, model.RunStatusCompleted, "")
	if err != nil {
		return eris.Wrapf(err, "pipeline: complete run %s", runID)
	}
	if !finished {
		log.Info("pipeline: run finished elsewhere before completion")
		return nil
	}
	log.Info("pipeline: run completed", zap.Duration("elapsed", o.now().Sub(start)))
	return nil
}

// execution is the state of one Execute call.
type execution struct {
	o      *Orchestrator
	run    *model.Run
	log    *zap.Logger
	lease  string
	holder string
	done   map[string]bool
}

// cancelled re-reads the run and reports whether it was finished externally.
func (ex *execution) cancelled(ctx context.Context) bool {
	run, err := ex.o.store.GetRun(ctx, ex.run.ID)
	if err != nil {
		ex.log.Warn("pipeline: reload run for cancellation check", zap.Error(err))
		return false
	}
	if run.Status.Terminal() {
		ex.log.Info("pipeline: run stopped externally", zap.String("status", string(run.Status)))
		return true
	}
	return false
}

// enter checks for cancellation and advances the run to phase. It returns
// false when the run must stop.
func (ex *execution) enter(ctx context.Context, phase model.Phase) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if ex.cancelled(ctx) {
		return false, nil
	}
	renewed, err := ex.o.store.AcquireLease(ctx, ex.lease, ex.holder, ex.o.cfg.ExecutionLease)
	if err != nil {
		return false, eris.Wrapf(err, "pipeline: renew execution lease for %s", phase)
	}
	if !renewed {
		ex.log.Warn("pipeline: execution lease lost, stopping", zap.String("phase", string(phase)))
		return false, nil
	}
	ok, err := ex.o.store.AdvanceRun(ctx, ex.run.ID, phase, phase.Progress())
	if err != nil {
		return false, eris.Wrapf(err, "pipeline: advance run to %s", phase)
	}
	if !ok {
		ex.log.Info("pipeline: run became terminal before phase", zap.String("phase", string(phase)))
		return false, nil
	}
	ex.log.Debug("pipeline: phase entered", zap.String("phase", string(phase)), zap.Int("progress", phase.Progress()))
	return true, nil
}

// fail records a stage failure on the run. Completed stages are kept.
func (ex *execution) fail(ctx context.Context, phase model.Phase, err error) error {
	ex.log.Error("pipeline: run failed", zap.String("phase", string(phase)), zap.Error(err))
	if _, ferr := ex.o.store.FinishRun(context.WithoutCancel(ctx), ex.run.ID, model.RunStatusFailed, err.Error()); ferr != nil {
		ex.log.Error("pipeline: record run failure", zap.Error(ferr))
	}
	return eris.Wrapf(err, "pipeline: %s stage", phase)
}

func executionLeaseKey(runID string) string {
	return "run:" + runID
}

// triggerMatching schedules an immediate matching cycle. Failures are logged:
// the entities stay unmatched until the next trigger.
func (o *Orchestrator) triggerMatching(ctx context.Context, runID string) {
	if o.scheduler == nil {
		return
	}
	if err := o.scheduler.Schedule(ctx, runID, 1, 0); err != nil {
		zap.L().Warn("pipeline: schedule matching", zap.String("run_id", runID), zap.Error(err))
	}
}
