package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospector/internal/model"
	"github.com/sells-group/prospector/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testSearch() model.SearchContext {
	return model.SearchContext{Industry: "dental", Location: "Austin, TX", MaxResults: 10}
}

// fastConfig keeps retries and timeouts short.
func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	cfg.PersonasTimeout = 5 * time.Second
	cfg.DiscoveryTimeout = 5 * time.Second
	cfg.DecisionMakersTimeout = 5 * time.Second
	cfg.InsightsTimeout = 5 * time.Second
	cfg.DiscoveryBudget = 0
	cfg.DecisionMakersBudget = 0
	return cfg
}

// fixedFinder returns the same businesses for every query.
type fixedFinder struct {
	n     int
	calls atomic.Int32
	err   error
	// onCall runs before returning.
	onCall func()
}

func (f *fixedFinder) FindBusinesses(_ context.Context, _ string, search model.SearchContext, limit int) ([]model.Entity, error) {
	f.calls.Add(1)
	if f.onCall != nil {
		f.onCall()
	}
	if f.err != nil {
		return nil, f.err
	}
	var out []model.Entity
	for i := 1; i <= f.n && i <= limit; i++ {
		out = append(out, model.Entity{
			Kind:          model.EntityKindBusiness,
			Name:          "Smile Dental " + string(rune('A'+i-1)),
			Industry:      search.Industry,
			EmployeeCount: 5 * i,
			City:          "Austin",
			State:         "TX",
			Source:        "test",
			SourceRef:     "biz-" + string(rune('a'+i-1)),
		})
	}
	return out, nil
}

// countingContacts records which businesses were looked up.
type countingContacts struct {
	mu      sync.Mutex
	looked  []string
	err     error
	failFor map[string]bool
}

func (c *countingContacts) FindContacts(_ context.Context, business model.Entity, _ model.SearchContext, _ int) ([]model.Entity, error) {
	c.mu.Lock()
	c.looked = append(c.looked, business.Name)
	c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	if c.failFor[business.Name] {
		return nil, errors.New("no results for " + business.Name)
	}
	return []model.Entity{{
		Kind:       model.EntityKindContact,
		Name:       "Owner of " + business.Name,
		Title:      "Owner",
		Department: "executive",
		Seniority:  "owner",
		Source:     "test",
	}}, nil
}

func (c *countingContacts) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.looked)
}

// personasFunc adapts a function to PersonaGenerator.
type personasFunc func(ctx context.Context, search model.SearchContext, count int) ([]model.SegmentProfile, error)

func (f personasFunc) GeneratePersonas(ctx context.Context, search model.SearchContext, count int) ([]model.SegmentProfile, error) {
	return f(ctx, search, count)
}

// analystFunc adapts a function to MarketAnalyst.
type analystFunc func(ctx context.Context, search model.SearchContext) (*model.Insights, error)

func (f analystFunc) AnalyzeMarket(ctx context.Context, search model.SearchContext) (*model.Insights, error) {
	return f(ctx, search)
}

func tasksByName(t *testing.T, st store.RunStore, runID string) map[string]model.Task {
	t.Helper()
	tasks, err := st.ListTasks(context.Background(), runID)
	require.NoError(t, err)
	out := make(map[string]model.Task, len(tasks))
	for _, task := range tasks {
		out[task.Name] = task
	}
	return out
}
