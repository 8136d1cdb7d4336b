package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospector/internal/metrics"
	"github.com/sells-group/prospector/internal/model"
	"github.com/sells-group/prospector/internal/store"
)

// Config bounds a dispatcher tick.
type Config struct {
	// MaxClaimsPerTick caps the jobs claimed in one tick.
	MaxClaimsPerTick int
	// FailBackoff is the delay before a failed job is claimable again.
	FailBackoff time.Duration
	// TickBudget stops claiming once this much of the tick has elapsed.
	// Zero disables the budget.
	TickBudget time.Duration
	// StaleAfter is the age at which Run resets running jobs left behind by
	// crashed invocations. Zero disables recovery.
	StaleAfter time.Duration
	// Types restricts claims to these job types. Empty claims any type.
	Types []string
	// UnknownMaxAttempts is how many times a job with no registered handler
	// is failed back before it is buried.
	UnknownMaxAttempts int
}

// DefaultConfig returns the standard dispatcher settings.
func DefaultConfig() Config {
	return Config{
		MaxClaimsPerTick: 10,
		FailBackoff:      30 * time.Second,
		TickBudget:       50 * time.Second,
		StaleAfter:       10 * time.Minute,

		UnknownMaxAttempts: 5,
	}
}

// TickResult summarizes one tick.
type TickResult struct {
	Claimed   int `json:"claimed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Buried    int `json:"buried"`
	Unknown   int `json:"unknown"`
	// BudgetSpent is true when the tick stopped on its time budget.
	BudgetSpent bool `json:"budget_spent"`
}

// Dispatcher claims jobs and runs their handlers.
type Dispatcher struct {
	cfg      Config
	store    store.JobStore
	registry *Registry
	workerID string
	now      func() time.Time
}

// NewDispatcher creates a dispatcher with a random worker id.
func NewDispatcher(cfg Config, st store.JobStore, registry *Registry) *Dispatcher {
	def := DefaultConfig()
	if cfg.MaxClaimsPerTick <= 0 {
		cfg.MaxClaimsPerTick = def.MaxClaimsPerTick
	}
	if cfg.FailBackoff <= 0 {
		cfg.FailBackoff = def.FailBackoff
	}
	if cfg.UnknownMaxAttempts <= 0 {
		cfg.UnknownMaxAttempts = def.UnknownMaxAttempts
	}
	return &Dispatcher{
		cfg:      cfg,
		store:    st,
		registry: registry,
		workerID: "worker-" + uuid.NewString(),
		now:      time.Now,
	}
}

// WorkerID identifies this dispatcher in claimed rows.
func (d *Dispatcher) WorkerID() string { return d.workerID }

// Tick claims and executes up to MaxClaimsPerTick jobs sequentially. A claim
// error ends the tick early and is returned along with what was done so far.
func (d *Dispatcher) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult
	start := d.now()

	for res.Claimed < d.cfg.MaxClaimsPerTick {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if d.cfg.TickBudget > 0 && d.now().Sub(start) >= d.cfg.TickBudget {
			res.BudgetSpent = true
			zap.L().Info("dispatcher: tick budget spent", zap.Int("claimed", res.Claimed))
			break
		}

		job, err := d.store.ClaimJob(ctx, d.workerID, d.cfg.Types)
		if err != nil {
			return res, eris.Wrap(err, "dispatcher: claim")
		}
		if job == nil {
			break
		}
		res.Claimed++
		d.execute(ctx, job, &res)
	}

	return res, nil
}

func (d *Dispatcher) execute(ctx context.Context, job *model.Job, res *TickResult) {
	log := zap.L().With(
		zap.String("job_id", job.ID),
		zap.String("type", job.Type),
		zap.Int("attempt", job.Attempt),
	)

	h, ok := d.registry.Lookup(job.Type)
	if !ok {
		res.Unknown++
		metrics.JobsProcessed.WithLabelValues(job.Type, "unknown").Inc()
		msg := "no handler registered for " + job.Type
		if job.Attempt+1 >= d.cfg.UnknownMaxAttempts {
			log.Error("dispatcher: no handler for job type, burying", zap.Int("max_attempts", d.cfg.UnknownMaxAttempts))
			if err := d.store.BuryJob(ctx, job.ID, d.workerID, msg); err != nil {
				log.Error("dispatcher: bury job", zap.Error(err))
			}
			return
		}
		log.Warn("dispatcher: no handler for job type, failing back")
		if err := d.store.FailJob(ctx, job.ID, d.workerID, msg, d.cfg.FailBackoff); err != nil {
			log.Error("dispatcher: fail job", zap.Error(err))
		}
		return
	}

	start := d.now()
	err := runHandler(ctx, h, job)
	elapsed := d.now().Sub(start)

	switch {
	case err == nil:
		res.Succeeded++
		metrics.JobsProcessed.WithLabelValues(job.Type, "succeeded").Inc()
		if cerr := d.store.CompleteJob(ctx, job.ID, d.workerID); cerr != nil {
			log.Error("dispatcher: complete job", zap.Error(cerr))
			return
		}
		log.Info("dispatcher: job completed", zap.Duration("elapsed", elapsed))

	case IsPermanent(err):
		res.Buried++
		metrics.JobsProcessed.WithLabelValues(job.Type, "buried").Inc()
		log.Error("dispatcher: job failed permanently", zap.Error(err))
		if berr := d.store.BuryJob(ctx, job.ID, d.workerID, err.Error()); berr != nil {
			log.Error("dispatcher: bury job", zap.Error(berr))
		}

	default:
		res.Failed++
		metrics.JobsProcessed.WithLabelValues(job.Type, "failed").Inc()
		log.Warn("dispatcher: job failed, will retry",
			zap.Duration("backoff", d.cfg.FailBackoff),
			zap.Error(err),
		)
		if ferr := d.store.FailJob(ctx, job.ID, d.workerID, err.Error(), d.cfg.FailBackoff); ferr != nil {
			log.Error("dispatcher: fail job", zap.Error(ferr))
		}
	}
}

// runHandler converts handler panics into errors so one bad job cannot end
// the tick.
func runHandler(ctx context.Context, h Handler, job *model.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("dispatcher: handler panicked: %v", r)
		}
	}()
	return h(ctx, job)
}

// Run ticks every interval until ctx is cancelled. A tick that claimed a
// full batch is followed immediately by another.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	zap.L().Info("dispatcher: started", zap.String("worker_id", d.workerID), zap.Duration("interval", interval))

	var lastRecovery time.Time
	for {
		if d.cfg.StaleAfter > 0 && d.now().Sub(lastRecovery) >= d.cfg.StaleAfter/2 {
			lastRecovery = d.now()
			if n, err := d.store.RecoverStaleJobs(ctx, d.cfg.StaleAfter); err != nil {
				zap.L().Error("dispatcher: recover stale jobs", zap.Error(err))
			} else if n > 0 {
				zap.L().Info("dispatcher: reclaimed stale jobs", zap.Int("count", n))
			}
		}

		res, err := d.Tick(ctx)
		if err != nil && ctx.Err() == nil {
			zap.L().Error("dispatcher: tick aborted", zap.Error(err))
		}
		if res.Claimed >= d.cfg.MaxClaimsPerTick && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			zap.L().Info("dispatcher: stopping", zap.String("worker_id", d.workerID))
			return nil
		case <-ticker.C:
		}
	}
}
