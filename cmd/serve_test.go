package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospector/internal/config"
	"github.com/sells-group/prospector/internal/jobs"
	"github.com/sells-group/prospector/internal/matching"
	"github.com/sells-group/prospector/internal/model"
	"github.com/sells-group/prospector/internal/monitoring"
	"github.com/sells-group/prospector/internal/store"
)

func createRun(t *testing.T, h http.Handler) *model.Run {
	t.Helper()
	rr := doRequest(t, h, http.MethodPost, "/runs", dentalSearch())
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decodeBody[*model.Run](t, rr)
}

func TestHealthEndpoint(t *testing.T) {
	e := newTestEnv(t)
	h := buildRouter(e, nil)

	rr := doRequest(t, h, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	assert.Equal(t, "ok", decodeBody[map[string]string](t, rr)["status"])
}

func TestHealthEndpoint_StoreDown(t *testing.T) {
	e := newTestEnv(t)
	h := buildRouter(e, nil)
	require.NoError(t, e.Store.Close())

	rr := doRequest(t, h, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := buildRouter(newTestEnv(t), nil)

	rr := doRequest(t, h, http.MethodGet, "/metrics", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}

func TestStatusEndpoint(t *testing.T) {
	h := buildRouter(newTestEnv(t), nil)
	createRun(t, h)

	rr := doRequest(t, h, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	snap := decodeBody[monitoring.Snapshot](t, rr)
	assert.Equal(t, 1, snap.RunsTotal)
	assert.Equal(t, 1, snap.RunsInFlight)
	assert.Equal(t, 24, snap.LookbackHours)

	rr = doRequest(t, h, http.MethodGet, "/status?hours=2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 2, decodeBody[monitoring.Snapshot](t, rr).LookbackHours)

	rr = doRequest(t, h, http.MethodGet, "/status?hours=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := buildRouter(newTestEnv(t), []string{"*"})

	req := httptest.NewRequest(http.MethodOptions, "/runs", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestCreateRun(t *testing.T) {
	h := buildRouter(newTestEnv(t), nil)

	run := createRun(t, h)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusStarting, run.Status)
	assert.Equal(t, "owner-1", run.OwnerID)

	// Same owner and search resolves to the same run.
	rr := doRequest(t, h, http.MethodPost, "/runs", dentalSearch())
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, run.ID, decodeBody[*model.Run](t, rr).ID)
}

func TestCreateRun_Validation(t *testing.T) {
	h := buildRouter(newTestEnv(t), nil)

	tests := []struct {
		name string
		body map[string]any
		want string
	}{
		{"missing industry", map[string]any{"owner_id": "o", "search": map[string]any{"location": "Austin, TX"}}, "industry"},
		{"missing location", map[string]any{"owner_id": "o", "search": map[string]any{"industry": "dental"}}, "location"},
		{"missing owner", map[string]any{"search": map[string]any{"industry": "dental", "location": "Austin, TX"}}, "owner_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(t, h, http.MethodPost, "/runs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Contains(t, rr.Body.String(), tt.want)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/runs", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStartRun_Rejections(t *testing.T) {
	h := buildRouter(newTestEnv(t), nil)
	run := createRun(t, h)

	rr := doRequest(t, h, http.MethodPost, "/runs/does-not-exist/start", map[string]string{"owner_id": "owner-1"})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doRequest(t, h, http.MethodPost, "/runs/"+run.ID+"/start", map[string]string{"owner_id": "someone-else"})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doRequest(t, h, http.MethodPost, "/runs/"+run.ID+"/start", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "owner_id is required")
}

func TestDiscover_QueuesBatchJob(t *testing.T) {
	e := newTestEnv(t)
	h := buildRouter(e, nil)
	run := createRun(t, h)

	rr := doRequest(t, h, http.MethodPost, "/runs/"+run.ID+"/discover", map[string]any{"owner_id": "owner-1", "queries": []string{" ", ""}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doRequest(t, h, http.MethodPost, "/runs/"+run.ID+"/discover", map[string]any{"owner_id": "someone-else", "queries": []string{"dentist"}})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doRequest(t, h, http.MethodPost, "/runs/"+run.ID+"/discover", map[string]any{
		"owner_id": "owner-1",
		"queries":  []string{"pediatric dentist austin", "cosmetic dentist austin"},
	})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	ack := decodeBody[map[string]string](t, rr)
	assert.Equal(t, "queued", ack["status"])

	job, err := e.Store.GetJob(context.Background(), ack["job_id"])
	require.NoError(t, err)
	assert.Equal(t, model.JobTypeBatchDiscovery, job.Type)

	res, err := e.Dispatcher.Tick(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Succeeded, 1)

	job, err = e.Store.GetJob(context.Background(), ack["job_id"])
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusSucceeded, job.Status)
}

func TestStartRun_AcceptsThenCompletes(t *testing.T) {
	e := newTestEnv(t)
	h := buildRouter(e, nil)
	run := createRun(t, h)

	rr := doRequest(t, h, http.MethodPost, "/runs/"+run.ID+"/start", map[string]string{"owner_id": "owner-1"})
	require.Equal(t, http.StatusAccepted, rr.Code)
	ack := decodeBody[map[string]string](t, rr)
	assert.Equal(t, "accepted", ack["status"])
	assert.Equal(t, run.ID, ack["run_id"])

	e.Tracker.Wait()

	rr = doRequest(t, h, http.MethodGet, "/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	detail := decodeBody[runDetail](t, rr)
	assert.Equal(t, model.RunStatusCompleted, detail.Run.Status)
	assert.Equal(t, 100, detail.Run.ProgressPct)
	require.NotNil(t, detail.Run.Insights)
	require.Len(t, detail.Tasks, len(model.StageNames))
	for _, task := range detail.Tasks {
		assert.Equal(t, model.TaskStatusSucceeded, task.Status, task.Name)
	}

	// Matching was deferred to the queue; one tick drains it.
	rr = doRequest(t, h, http.MethodPost, "/jobs/tick", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	res := decodeBody[jobs.TickResult](t, rr)
	assert.Positive(t, res.Claimed)
	assert.Equal(t, res.Claimed, res.Succeeded)

	unmatched, err := e.Store.ListEntities(context.Background(), store.EntityFilter{RunID: run.ID, Unmatched: true})
	require.NoError(t, err)
	assert.Empty(t, unmatched)

	all, err := e.Store.ListEntities(context.Background(), store.EntityFilter{RunID: run.ID})
	require.NoError(t, err)
	assert.NotEmpty(t, all)
	for _, ent := range all {
		assert.GreaterOrEqual(t, ent.MatchScore, 0)
		assert.LessOrEqual(t, ent.MatchScore, 100)
	}
}

func TestCancelRun(t *testing.T) {
	e := newTestEnv(t)
	h := buildRouter(e, nil)
	run := createRun(t, h)

	rr := doRequest(t, h, http.MethodPost, "/runs/"+run.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decodeBody[map[string]any](t, rr)["cancelled"])

	rr = doRequest(t, h, http.MethodPost, "/runs/"+run.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, decodeBody[map[string]any](t, rr)["cancelled"])

	// Starting a cancelled run is still acknowledged but does nothing.
	rr = doRequest(t, h, http.MethodPost, "/runs/"+run.ID+"/start", map[string]string{"owner_id": "owner-1"})
	require.Equal(t, http.StatusAccepted, rr.Code)
	e.Tracker.Wait()

	got, err := e.Store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, got.Status)

	rr = doRequest(t, h, http.MethodPost, "/runs/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListRuns(t *testing.T) {
	h := buildRouter(newTestEnv(t), nil)
	createRun(t, h)

	other := dentalSearch()
	other["owner_id"] = "owner-2"
	rr := doRequest(t, h, http.MethodPost, "/runs", other)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = doRequest(t, h, http.MethodGet, "/runs?owner_id=owner-2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	runs := decodeBody[[]model.Run](t, rr)
	require.Len(t, runs, 1)
	assert.Equal(t, "owner-2", runs[0].OwnerID)

	rr = doRequest(t, h, http.MethodGet, "/runs?status=completed", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decodeBody[[]model.Run](t, rr))

	rr = doRequest(t, h, http.MethodGet, "/runs?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestBuildEnv_LocalDeferAndStoreLocks(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) {
		c.Matching.DeferMode = "local"
		c.Matching.LockBackend = "store"
		c.Embedding.Provider = "jina"
	})
	h := buildRouter(e, nil)
	run := createRun(t, h)

	rr := doRequest(t, h, http.MethodPost, "/runs/"+run.ID+"/start", map[string]string{"owner_id": "owner-1"})
	require.Equal(t, http.StatusAccepted, rr.Code)
	e.Tracker.Wait()

	got, err := e.Store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)

	// Cycles triggered while another held the lock were dropped; a final
	// cycle maps whatever is left.
	out, err := e.Engine.MapRun(context.Background(), run.ID, 1)
	require.NoError(t, err)
	assert.Contains(t, []matching.Status{matching.StatusMapped, matching.StatusNothingToDo}, out.Status)

	unmatched, err := e.Store.ListEntities(context.Background(), store.EntityFilter{RunID: run.ID, Unmatched: true})
	require.NoError(t, err)
	assert.Empty(t, unmatched)

	pending, err := e.Store.ListJobs(context.Background(), store.JobFilter{Type: model.JobTypeMatchEntities})
	require.NoError(t, err)
	assert.Empty(t, pending, "local defer mode must not enqueue match jobs")
}

func TestBuildEnv_RejectsUnknownStrategy(t *testing.T) {
	st, err := store.NewSQLite(t.TempDir() + "/bad.db")
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	c := testConfig()
	c.Matching.DeferMode = "cron"
	_, err = buildEnv(context.Background(), c, st, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "defer mode")
}
