package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospector/internal/config"
	"github.com/sells-group/prospector/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		Store:     config.StoreConfig{Driver: "sqlite"},
		Anthropic: config.AnthropicConfig{Model: "claude-haiku-4-5-20251001", MaxTokens: 1024},
		Embedding: config.EmbeddingConfig{Provider: "local", Dimensions: 64},
		Pipeline: config.PipelineConfig{
			MaxConcurrent:            2,
			RateLimitRetries:         1,
			RetryBackoffMs:           1,
			PersonasTimeoutSecs:      5,
			DiscoveryTimeoutSecs:     5,
			DecisionMakersTimeoutSec: 5,
			InsightsTimeoutSecs:      5,
			PersonaCount:             3,
			MaxContactsPerBusiness:   2,
		},
		Cache:      config.CacheConfig{TTLHours: 1, MaxEntries: 100},
		Matching:   config.MatchingConfig{TieThreshold: 0.03, MaxAttempts: 3, LockTimeoutSecs: 30, LockBackend: "memory", DeferMode: "job"},
		Dispatcher: config.DispatcherConfig{MaxClaimsPerTick: 10, FailBackoffSecs: 1, JobMaxAttempts: 3},
		Server:     config.ServerConfig{AllowedOrigins: []string{"*"}},
	}
}

// newTestEnv wires a stubbed environment on a fresh SQLite database.
func newTestEnv(t *testing.T, mutate ...func(c *config.Config)) *env {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "cmd.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))

	c := testConfig()
	for _, m := range mutate {
		m(c)
	}

	e, err := buildEnv(ctx, c, st, true)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	return v
}

func dentalSearch() map[string]any {
	return map[string]any{
		"owner_id": "owner-1",
		"search": map[string]any{
			"industry":    "dental",
			"location":    "Austin, TX",
			"max_results": 5,
		},
	}
}
