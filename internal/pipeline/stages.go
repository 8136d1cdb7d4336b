package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/prospector/internal/model"
	"github.com/sells-group/prospector/internal/resilience"
	"github.com/sells-group/prospector/internal/store"
)

const defaultMaxResults = 20

func (ex *execution) personas(ctx context.Context) error {
	o := ex.o
	search := ex.run.Search
	return runStage(ctx, ex, stage[[]model.SegmentProfile]{
		name:    string(model.PhasePersonas),
		timeout: o.cfg.PersonasTimeout,
		run: func(ctx context.Context) ([]model.SegmentProfile, error) {
			if o.collab.Personas == nil {
				return nil, resilience.NewUnavailableError("personas", eris.New("no persona generator configured"))
			}
			return o.collab.Personas.GeneratePersonas(ctx, search, o.cfg.PersonaCount)
		},
		fallback: func() ([]model.SegmentProfile, error) {
			return FallbackPersonas(search, o.cfg.PersonaCount)
		},
		commit: func(ctx context.Context, profiles []model.SegmentProfile, _ bool) error {
			return o.saveProfiles(ctx, ex.run.ID, profiles)
		},
	})
}

// saveProfiles embeds and persists profiles, then triggers matching for any
// entities that arrived first. Embedding failures leave the vectors empty
// for the matching engine to backfill.
func (o *Orchestrator) saveProfiles(ctx context.Context, runID string, profiles []model.SegmentProfile) error {
	for i := range profiles {
		profiles[i].ID = ""
		profiles[i].RunID = runID
		profiles[i].Rank = i + 1
	}
	if o.embedder != nil {
		texts := make([]string, len(profiles))
		for i := range profiles {
			texts[i] = profiles[i].Describe()
		}
		vecs, err := o.embedder.Embed(ctx, texts)
		if err != nil {
			zap.L().Warn("pipeline: embed profiles", zap.String("run_id", runID), zap.Error(err))
		} else {
			for i := range profiles {
				profiles[i].Embedding = vecs[i]
			}
		}
	}
	if err := o.store.InsertProfiles(ctx, profiles); err != nil {
		return eris.Wrap(err, "pipeline: insert profiles")
	}
	o.triggerMatching(ctx, runID)
	return nil
}

func (ex *execution) discovery(ctx context.Context) error {
	o := ex.o
	search := ex.run.Search
	return runStage(ctx, ex, stage[[]model.Entity]{
		name:    string(model.PhaseDiscovery),
		timeout: o.cfg.DiscoveryTimeout,
		run: func(ctx context.Context) ([]model.Entity, error) {
			return o.discover(ctx, ex.run.ID, search, discoveryQueries(search))
		},
		commit: func(ctx context.Context, found []model.Entity, _ bool) error {
			_, err := o.saveEntities(ctx, ex.run.ID, found)
			return err
		},
	})
}

// discoveryQueries expands a search into text queries: the base query plus
// one per keyword.
func discoveryQueries(s model.SearchContext) []string {
	base := fmt.Sprintf("%s in %s", s.Industry, s.Location)
	queries := []string{base}
	for _, kw := range s.Keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			queries = append(queries, fmt.Sprintf("%s %s in %s", kw, s.Industry, s.Location))
		}
	}
	return queries
}

// DiscoverBatch runs discovery for extra queries under an existing run and
// persists new businesses.
func (o *Orchestrator) DiscoverBatch(ctx context.Context, runID string, queries []string) (int, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return 0, eris.Wrapf(err, "pipeline: load run %s", runID)
	}
	if run.Status == model.RunStatusCancelled {
		zap.L().Info("pipeline: skipping batch discovery for cancelled run", zap.String("run_id", runID))
		return 0, nil
	}
	found, err := o.discover(ctx, runID, run.Search, queries)
	if err != nil {
		return 0, err
	}
	return o.saveEntities(ctx, runID, found)
}

// discover fans queries out to the business finder. New queries stop being
// issued once the discovery budget is spent; results found so far are kept.
// Businesses already stored for the run are skipped.
func (o *Orchestrator) discover(ctx context.Context, runID string, search model.SearchContext, queries []string) ([]model.Entity, error) {
	if o.collab.Finder == nil {
		return nil, resilience.NewUnavailableError("discovery", eris.New("no business finder configured"))
	}
	existing, err := o.store.ListEntities(ctx, store.EntityFilter{RunID: runID, Kind: model.EntityKindBusiness})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list existing businesses")
	}
	seen := make(map[string]bool, len(existing))
	for i := range existing {
		seen[dedupeKey(&existing[i])] = true
	}

	limit := search.MaxResults
	if limit <= 0 {
		limit = defaultMaxResults
	}
	deadline := o.deadline(o.cfg.DiscoveryBudget)

	var (
		mu       sync.Mutex
		found    []model.Entity
		firstErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxConcurrent)
	for _, q := range queries {
		if o.spent(deadline) {
			zap.L().Info("pipeline: discovery budget spent", zap.String("run_id", runID))
			break
		}
		g.Go(func() error {
			ents, err := o.collab.Finder.FindBusinesses(gctx, q, search, limit)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				zap.L().Warn("pipeline: discovery query failed", zap.String("query", q), zap.Error(err))
				if firstErr == nil {
					firstErr = err
				}
				return nil
			}
			for i := range ents {
				key := dedupeKey(&ents[i])
				if seen[key] || len(found) >= limit {
					continue
				}
				seen[key] = true
				found = append(found, ents[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(found) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return found, nil
}

func (ex *execution) decisionMakers(ctx context.Context) error {
	o := ex.o
	search := ex.run.Search
	return runStage(ctx, ex, stage[[]model.Entity]{
		name:    string(model.PhaseDecisionMakers),
		timeout: o.cfg.DecisionMakersTimeout,
		run: func(ctx context.Context) ([]model.Entity, error) {
			return o.findContacts(ctx, ex.run.ID, search)
		},
		commit: func(ctx context.Context, contacts []model.Entity, _ bool) error {
			_, err := o.saveEntities(ctx, ex.run.ID, contacts)
			return err
		},
	})
}

// findContacts looks up decision makers for every business of the run that
// has none yet. Lookups for individual businesses may fail; the stage only
// fails when every lookup did.
func (o *Orchestrator) findContacts(ctx context.Context, runID string, search model.SearchContext) ([]model.Entity, error) {
	if o.collab.Contacts == nil {
		zap.L().Info("pipeline: no contact finder configured, skipping decision makers", zap.String("run_id", runID))
		return nil, nil
	}
	entities, err := o.store.ListEntities(ctx, store.EntityFilter{RunID: runID})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list entities")
	}
	hasContacts := make(map[string]bool)
	var businesses []model.Entity
	for _, e := range entities {
		switch e.Kind {
		case model.EntityKindContact:
			hasContacts[e.ParentID] = true
		case model.EntityKindBusiness:
			businesses = append(businesses, e)
		}
	}

	deadline := o.deadline(o.cfg.DecisionMakersBudget)
	var (
		mu       sync.Mutex
		found    []model.Entity
		attempts int
		failures int
		firstErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxConcurrent)
	for _, b := range businesses {
		if hasContacts[b.ID] {
			continue
		}
		if o.spent(deadline) {
			zap.L().Info("pipeline: decision makers budget spent", zap.String("run_id", runID))
			break
		}
		attempts++
		g.Go(func() error {
			contacts, err := o.collab.Contacts.FindContacts(gctx, b, search, o.cfg.MaxContactsPerBusiness)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				zap.L().Warn("pipeline: contact lookup failed", zap.String("business", b.Name), zap.Error(err))
				failures++
				if firstErr == nil {
					firstErr = err
				}
				return nil
			}
			for _, c := range contacts {
				c.ParentID = b.ID
				if c.Industry == "" {
					c.Industry = b.Industry
				}
				if c.City == "" && c.State == "" {
					c.City, c.State = b.City, b.State
				}
				if c.EmployeeCount == 0 {
					c.EmployeeCount = b.EmployeeCount
				}
				found = append(found, c)
			}
			return nil
		})
	}
	_ = g.Wait()

	if attempts > 0 && failures == attempts {
		return nil, firstErr
	}
	return found, nil
}

func (ex *execution) insights(ctx context.Context) error {
	o := ex.o
	search := ex.run.Search
	return runStage(ctx, ex, stage[*model.Insights]{
		name:    string(model.PhaseMarketInsights),
		timeout: o.cfg.InsightsTimeout,
		run: func(ctx context.Context) (*model.Insights, error) {
			if o.collab.Analyst == nil {
				return nil, resilience.NewUnavailableError("insights", eris.New("no market analyst configured"))
			}
			return o.collab.Analyst.AnalyzeMarket(ctx, search)
		},
		fallback: func() (*model.Insights, error) {
			return FallbackInsights(search), nil
		},
		commit: func(ctx context.Context, in *model.Insights, degraded bool) error {
			in.Degraded = degraded
			return eris.Wrap(o.store.SetRunInsights(ctx, ex.run.ID, in), "pipeline: save insights")
		},
	})
}

// saveEntities assigns the run id, persists the valid entities and triggers
// matching. Invalid entities are dropped, never coerced.
func (o *Orchestrator) saveEntities(ctx context.Context, runID string, entities []model.Entity) (int, error) {
	valid := entities[:0]
	for _, e := range entities {
		e.RunID = runID
		if err := e.Validate(); err != nil {
			zap.L().Warn("pipeline: rejecting invalid entity", zap.String("run_id", runID), zap.Error(err))
			continue
		}
		valid = append(valid, e)
	}
	if len(valid) == 0 {
		return 0, nil
	}
	n, err := o.store.InsertEntities(ctx, valid)
	if err != nil {
		return 0, eris.Wrap(err, "pipeline: insert entities")
	}
	zap.L().Info("pipeline: entities saved", zap.String("run_id", runID), zap.Int("count", n))
	o.triggerMatching(ctx, runID)
	return n, nil
}

func dedupeKey(e *model.Entity) string {
	if e.SourceRef != "" {
		return e.Source + ":" + e.SourceRef
	}
	return strings.ToLower(strings.TrimSpace(e.Name))
}

func (o *Orchestrator) deadline(budget time.Duration) time.Time {
	if budget <= 0 {
		return time.Time{}
	}
	return o.now().Add(budget)
}

func (o *Orchestrator) spent(deadline time.Time) bool {
	return !deadline.IsZero() && !o.now().Before(deadline)
}
