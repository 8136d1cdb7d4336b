package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospector/internal/matching"
	"github.com/sells-group/prospector/internal/model"
)

type fakeMatcher struct {
	mapCalls   []model.MatchPayload
	embedCalls []string
	err        error
}

func (f *fakeMatcher) MapRun(_ context.Context, runID string, attempt int) (matching.Outcome, error) {
	f.mapCalls = append(f.mapCalls, model.MatchPayload{RunID: runID, Attempt: attempt})
	if f.err != nil {
		return matching.Outcome{}, f.err
	}
	return matching.Outcome{Status: matching.StatusMapped, Attempt: attempt}, nil
}

func (f *fakeMatcher) EmbedRun(_ context.Context, runID string) (int, error) {
	f.embedCalls = append(f.embedCalls, runID)
	return 4, f.err
}

type fakeDiscoverer struct {
	runID   string
	queries []string
}

func (f *fakeDiscoverer) DiscoverBatch(_ context.Context, runID string, queries []string) (int, error) {
	f.runID = runID
	f.queries = queries
	return len(queries), nil
}

func jobWith(jobType, payload string) *model.Job {
	return &model.Job{ID: "j1", Type: jobType, Payload: json.RawMessage(payload)}
}

func TestMatchHandler(t *testing.T) {
	m := &fakeMatcher{}
	h := NewMatchHandler(m)

	require.NoError(t, h(context.Background(), jobWith(model.JobTypeMatchEntities, `{"run_id":"r1","attempt":3}`)))
	require.NoError(t, h(context.Background(), jobWith(model.JobTypeMatchEntities, `{"run_id":"r2"}`)))

	assert.Equal(t, []model.MatchPayload{{RunID: "r1", Attempt: 3}, {RunID: "r2", Attempt: 1}}, m.mapCalls)
}

func TestMatchHandler_Errors(t *testing.T) {
	m := &fakeMatcher{err: errors.New("db down")}
	h := NewMatchHandler(m)

	err := h(context.Background(), jobWith(model.JobTypeMatchEntities, `{"run_id":"r1","attempt":1}`))
	require.Error(t, err)
	assert.False(t, IsPermanent(err), "store errors are retried")

	err = h(context.Background(), jobWith(model.JobTypeMatchEntities, `not json`))
	assert.True(t, IsPermanent(err))

	err = h(context.Background(), jobWith(model.JobTypeMatchEntities, `{"attempt":1}`))
	assert.True(t, IsPermanent(err))
}

func TestRecomputeHandler(t *testing.T) {
	m := &fakeMatcher{}
	h := NewRecomputeHandler(m)

	require.NoError(t, h(context.Background(), jobWith(model.JobTypeRecomputeEmbeddings, `{"run_id":"r9"}`)))
	assert.Equal(t, []string{"r9"}, m.embedCalls)

	err := h(context.Background(), jobWith(model.JobTypeRecomputeEmbeddings, `{}`))
	assert.True(t, IsPermanent(err))
}

func TestBatchDiscoveryHandler(t *testing.T) {
	d := &fakeDiscoverer{}
	h := NewBatchDiscoveryHandler(d)

	require.NoError(t, h(context.Background(), jobWith(model.JobTypeBatchDiscovery, `{"run_id":"r1","queries":["dentists austin","orthodontists austin"]}`)))
	assert.Equal(t, "r1", d.runID)
	assert.Equal(t, []string{"dentists austin", "orthodontists austin"}, d.queries)

	err := h(context.Background(), jobWith(model.JobTypeBatchDiscovery, `{"run_id":"r1","queries":[]}`))
	assert.True(t, IsPermanent(err))
}

func TestRegisterDefaults(t *testing.T) {
	r := NewRegistry()
	RegisterDefaults(r, &fakeMatcher{}, nil, 3)
	assert.Equal(t, []string{model.JobTypeMatchEntities, model.JobTypeRecomputeEmbeddings}, r.Types())

	r = NewRegistry()
	RegisterDefaults(r, &fakeMatcher{}, &fakeDiscoverer{}, 3)
	assert.Len(t, r.Types(), 3)
}

func TestMatchJobEndToEnd(t *testing.T) {
	st := newTestStore(t)
	m := &fakeMatcher{}
	reg := NewRegistry()
	RegisterDefaults(reg, m, nil, 3)

	payload, err := json.Marshal(model.MatchPayload{RunID: "r1", Attempt: 2})
	require.NoError(t, err)
	job := enqueue(t, st, model.JobTypeMatchEntities, string(payload))

	d := NewDispatcher(Config{MaxClaimsPerTick: 5, Types: reg.Types()}, st, reg)
	res, err := d.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, []model.MatchPayload{{RunID: "r1", Attempt: 2}}, m.mapCalls)
	assert.Equal(t, model.JobStatusSucceeded, jobStatus(t, st, job.ID).Status)
}
