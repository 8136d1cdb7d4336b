// Package matching assigns discovered entities to a run's segment profiles.
//
// Each unmatched entity goes through three tiers, first success wins:
// vector similarity, a generative tie-break for near-ties, and a
// deterministic heuristic that always succeeds once profiles exist. One
// cycle runs per run at a time; cycles that find no profiles yet defer
// themselves a bounded number of times.
package matching

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospector/internal/metrics"
	"github.com/sells-group/prospector/internal/model"
	"github.com/sells-group/prospector/internal/store"
)

// Store is the persistence the engine needs.
type Store interface {
	store.EntityStore
	JobEnqueuer
}

// Config tunes the engine.
type Config struct {
	// TieThreshold is the minimum similarity gap between the top two
	// profiles for tier 1 to decide alone.
	TieThreshold float64
	// MaxAttempts bounds how many cycles may find no profiles before the
	// engine gives up on a run.
	MaxAttempts int
	// RetryDelay is the wait before a deferred cycle.
	RetryDelay time.Duration
}

// DefaultConfig returns the standard engine settings.
func DefaultConfig() Config {
	return Config{TieThreshold: 0.03, MaxAttempts: 12, RetryDelay: 5 * time.Second}
}

// Status is the overall result of one cycle.
type Status string

const (
	StatusMapped      Status = "mapped"
	StatusDeferred    Status = "deferred"
	StatusBusy        Status = "busy"
	StatusGaveUp      Status = "gave_up"
	StatusNothingToDo Status = "nothing_to_do"
)

// Outcome reports what a cycle did.
type Outcome struct {
	Status   Status                  `json:"status"`
	Attempt  int                     `json:"attempt"`
	Mapped   int                     `json:"mapped"`
	Skipped  int                     `json:"skipped"`
	ByTier   map[model.MatchTier]int `json:"by_tier,omitempty"`
	Embedded int                     `json:"embedded"`
}

// Engine runs matching cycles.
type Engine struct {
	cfg        Config
	store      Store
	embedder   Embedder
	tieBreaker TieBreaker
	locker     Locker
	scheduler  Scheduler

	// followUps holds run ids with a follow-up cycle scheduled but not yet
	// started.
	followUps sync.Map
}

// Option configures an Engine.
type Option func(*Engine)

// WithTieBreaker enables tier 2. Without it near-ties go to the heuristic.
func WithTieBreaker(tb TieBreaker) Option {
	return func(e *Engine) { e.tieBreaker = tb }
}

// WithLocker replaces the default in-memory locker.
func WithLocker(l Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// NewEngine creates an engine. scheduler receives deferred cycles.
func NewEngine(cfg Config, st Store, embedder Embedder, scheduler Scheduler, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	e := &Engine{
		cfg:       cfg,
		store:     st,
		embedder:  embedder,
		scheduler: scheduler,
		locker:    NewMemoryLocker(2 * time.Minute),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// MapRun runs one matching cycle for runID. attempt counts cycles that found
// no profiles, starting at 1.
func (e *Engine) MapRun(ctx context.Context, runID string, attempt int) (Outcome, error) {
	attempt = max(attempt, 1)
	log := zap.L().With(zap.String("run_id", runID), zap.Int("attempt", attempt))
	out := Outcome{Attempt: attempt}

	release, ok, err := e.locker.Acquire(ctx, lockKey(runID))
	if err != nil {
		return out, err
	}
	if !ok {
		out.Status = StatusBusy
		metrics.MatchCycles.WithLabelValues(string(out.Status)).Inc()
		e.requestFollowUp(ctx, log, runID, attempt)
		return out, nil
	}
	defer release()
	// Cleared before listing so a busy caller that saw the flag set is
	// covered by this cycle.
	e.followUps.Delete(runID)

	out, err = e.cycle(ctx, log, runID, attempt)
	if err != nil {
		metrics.MatchCycles.WithLabelValues("error").Inc()
		return out, err
	}
	metrics.MatchCycles.WithLabelValues(string(out.Status)).Inc()
	return out, nil
}

// requestFollowUp schedules one more cycle after the in-flight one so
// entities saved while it runs still get matched. Requests coalesce until a
// cycle takes the lock.
func (e *Engine) requestFollowUp(ctx context.Context, log *zap.Logger, runID string, attempt int) {
	if _, pending := e.followUps.LoadOrStore(runID, struct{}{}); pending {
		log.Debug("matching: cycle in flight, follow-up already pending")
		return
	}
	if err := e.scheduler.Schedule(ctx, runID, attempt, e.cfg.RetryDelay); err != nil {
		e.followUps.Delete(runID)
		log.Warn("matching: schedule follow-up cycle", zap.Error(err))
		return
	}
	log.Debug("matching: cycle in flight, follow-up scheduled", zap.Duration("delay", e.cfg.RetryDelay))
}

func (e *Engine) cycle(ctx context.Context, log *zap.Logger, runID string, attempt int) (Outcome, error) {
	out := Outcome{Attempt: attempt}

	profiles, err := e.store.ListProfiles(ctx, runID)
	if err != nil {
		return out, eris.Wrap(err, "matching: list profiles")
	}
	if len(profiles) == 0 {
		return e.deferCycle(ctx, log, runID, attempt)
	}

	entities, err := e.store.ListEntities(ctx, store.EntityFilter{RunID: runID, Unmatched: true})
	if err != nil {
		return out, eris.Wrap(err, "matching: list unmatched entities")
	}
	if len(entities) == 0 {
		out.Status = StatusNothingToDo
		return out, nil
	}

	similarity := true
	if missing := countUnembedded(profiles); missing > 0 {
		log.Info("matching: profiles lack embeddings, skipping similarity tier", zap.Int("missing", missing))
		similarity = false
		if err := e.enqueueRecompute(ctx, runID); err != nil {
			log.Warn("matching: enqueue recompute_embeddings failed", zap.Error(err))
		}
	}

	if similarity {
		n, err := e.embedEntities(ctx, entities)
		if err != nil {
			log.Warn("matching: entity embedding failed, similarity tier limited", zap.Error(err))
		}
		out.Embedded = n
	}

	byID := make(map[string]model.SegmentProfile, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
	}

	out.ByTier = make(map[model.MatchTier]int)
	for i := range entities {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		ent := &entities[i]

		pid, score, tier := e.assign(ctx, log, ent, profiles, byID, similarity && len(ent.Embedding) > 0)

		updated, err := e.store.UpdateEntityMatch(ctx, ent.ID, pid, score, tier)
		if err != nil {
			return out, eris.Wrapf(err, "matching: update entity %s", ent.ID)
		}
		if !updated {
			out.Skipped++
			continue
		}
		out.Mapped++
		out.ByTier[tier]++
		metrics.MatchAssignments.WithLabelValues(string(tier)).Inc()
	}

	out.Status = StatusMapped
	log.Info("matching: cycle complete",
		zap.Int("mapped", out.Mapped),
		zap.Int("skipped", out.Skipped),
		zap.Int("similarity", out.ByTier[model.MatchTierSimilarity]),
		zap.Int("generative", out.ByTier[model.MatchTierGenerative]),
		zap.Int("heuristic", out.ByTier[model.MatchTierHeuristic]),
	)
	return out, nil
}

// assign runs the tiers for one entity. It always returns a profile.
func (e *Engine) assign(ctx context.Context, log *zap.Logger, ent *model.Entity, profiles []model.SegmentProfile, byID map[string]model.SegmentProfile, similarity bool) (string, int, model.MatchTier) {
	candidates := profiles

	if similarity {
		top, err := e.store.TopProfiles(ctx, ent.ID, 2)
		switch {
		case err != nil:
			log.Warn("matching: similarity search failed", zap.String("entity_id", ent.ID), zap.Error(err))
		case len(top) == 1 || (len(top) == 2 && e.decisive(top[0].Score, top[1].Score)):
			return top[0].ProfileID, similarityScore(top[0].Score), model.MatchTierSimilarity
		case len(top) == 2:
			candidates = []model.SegmentProfile{byID[top[0].ProfileID], byID[top[1].ProfileID]}
		}
	}

	if e.tieBreaker != nil {
		choice, err := e.tieBreaker.ChooseBest(ctx, candidates, ent.Describe())
		switch {
		case err != nil:
			log.Warn("matching: tie-break failed, using heuristic", zap.String("entity_id", ent.ID), zap.Error(err))
		case choice != nil && inCandidates(choice.ProfileID, candidates):
			return choice.ProfileID, clampConfident(choice.Score), model.MatchTierGenerative
		case choice != nil:
			log.Warn("matching: tie-break chose unknown profile", zap.String("entity_id", ent.ID), zap.String("profile_id", choice.ProfileID))
		}
	}

	best, score := bestHeuristic(ent, profiles)
	return best.ID, score, model.MatchTierHeuristic
}

func (e *Engine) deferCycle(ctx context.Context, log *zap.Logger, runID string, attempt int) (Outcome, error) {
	out := Outcome{Attempt: attempt}
	if attempt >= e.cfg.MaxAttempts {
		log.Warn("matching: no profiles after max attempts, giving up", zap.Int("max_attempts", e.cfg.MaxAttempts))
		out.Status = StatusGaveUp
		return out, nil
	}
	if err := e.scheduler.Schedule(ctx, runID, attempt+1, e.cfg.RetryDelay); err != nil {
		return out, eris.Wrap(err, "matching: defer cycle")
	}
	log.Info("matching: profiles not ready, deferred", zap.Duration("delay", e.cfg.RetryDelay))
	out.Status = StatusDeferred
	return out, nil
}

// embedEntities embeds and persists entities missing vectors, updating the
// slice in place.
func (e *Engine) embedEntities(ctx context.Context, entities []model.Entity) (int, error) {
	var idx []int
	var texts []string
	for i := range entities {
		if len(entities[i].Embedding) == 0 {
			idx = append(idx, i)
			texts = append(texts, entities[i].Describe())
		}
	}
	if len(idx) == 0 {
		return 0, nil
	}

	vecs, err := e.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, eris.Wrap(err, "matching: embed entities")
	}

	n := 0
	for j, i := range idx {
		if err := e.store.UpdateEntityEmbedding(ctx, entities[i].ID, vecs[j]); err != nil {
			return n, eris.Wrapf(err, "matching: store embedding for %s", entities[i].ID)
		}
		entities[i].Embedding = vecs[j]
		n++
	}
	return n, nil
}

// EmbedRun backfills embeddings for a run's profiles and unmatched entities.
// It returns how many vectors were written.
func (e *Engine) EmbedRun(ctx context.Context, runID string) (int, error) {
	profiles, err := e.store.ListProfiles(ctx, runID)
	if err != nil {
		return 0, eris.Wrap(err, "matching: list profiles")
	}

	var pending []model.SegmentProfile
	var texts []string
	for _, p := range profiles {
		if len(p.Embedding) == 0 {
			pending = append(pending, p)
			texts = append(texts, p.Describe())
		}
	}

	n := 0
	if len(pending) > 0 {
		vecs, err := e.embedder.Embed(ctx, texts)
		if err != nil {
			return 0, eris.Wrap(err, "matching: embed profiles")
		}
		for i, p := range pending {
			if err := e.store.UpdateProfileEmbedding(ctx, p.ID, vecs[i]); err != nil {
				return n, eris.Wrapf(err, "matching: store embedding for profile %s", p.ID)
			}
			n++
		}
	}

	entities, err := e.store.ListEntities(ctx, store.EntityFilter{RunID: runID, Unmatched: true})
	if err != nil {
		return n, eris.Wrap(err, "matching: list unmatched entities")
	}
	m, err := e.embedEntities(ctx, entities)
	return n + m, err
}

func (e *Engine) enqueueRecompute(ctx context.Context, runID string) error {
	payload, err := json.Marshal(model.RunPayload{RunID: runID})
	if err != nil {
		return eris.Wrap(err, "matching: marshal recompute payload")
	}
	_, err = e.store.EnqueueJob(ctx, model.JobTypeRecomputeEmbeddings, payload, time.Now())
	return err
}

func countUnembedded(profiles []model.SegmentProfile) int {
	n := 0
	for _, p := range profiles {
		if len(p.Embedding) == 0 {
			n++
		}
	}
	return n
}

func inCandidates(id string, candidates []model.SegmentProfile) bool {
	for _, c := range candidates {
		if c.ID == id {
			return true
		}
	}
	return false
}

// scoreEpsilon absorbs float32 rounding in stored vectors so a nominal gap
// equal to the threshold counts as a near-tie.
const scoreEpsilon = 1e-6

// decisive reports whether the best similarity beats the runner-up by more
// than the tie threshold.
func (e *Engine) decisive(best, runnerUp float64) bool {
	return best-runnerUp > e.cfg.TieThreshold+scoreEpsilon
}

// similarityScore maps a cosine similarity onto the match score scale.
func similarityScore(sim float64) int {
	return clampConfident(int(math.Round(sim * 100)))
}
