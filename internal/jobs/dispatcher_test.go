package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospector/internal/model"
	"github.com/sells-group/prospector/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func enqueue(t *testing.T, st store.JobStore, jobType, payload string) *model.Job {
	t.Helper()
	job, err := st.EnqueueJob(context.Background(), jobType, json.RawMessage(payload), time.Time{})
	require.NoError(t, err)
	return job
}

func jobStatus(t *testing.T, st store.JobStore, id string) *model.Job {
	t.Helper()
	job, err := st.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestDispatcher_TickCompletesJobs(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry()
	var calls atomic.Int32
	reg.Register("noop", func(_ context.Context, _ *model.Job) error {
		calls.Add(1)
		return nil
	})

	ids := []string{
		enqueue(t, st, "noop", `{}`).ID,
		enqueue(t, st, "noop", `{}`).ID,
		enqueue(t, st, "noop", `{}`).ID,
	}

	d := NewDispatcher(Config{MaxClaimsPerTick: 10, FailBackoff: time.Minute}, st, reg)
	res, err := d.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Claimed)
	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, int32(3), calls.Load())
	for _, id := range ids {
		assert.Equal(t, model.JobStatusSucceeded, jobStatus(t, st, id).Status)
	}
}

func TestDispatcher_TickCapsClaims(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry()
	reg.Register("noop", func(_ context.Context, _ *model.Job) error { return nil })
	for i := 0; i < 5; i++ {
		enqueue(t, st, "noop", `{}`)
	}

	d := NewDispatcher(Config{MaxClaimsPerTick: 2, FailBackoff: time.Minute}, st, reg)
	res, err := d.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Claimed)

	pending, err := st.ListJobs(context.Background(), store.JobFilter{Status: model.JobStatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestDispatcher_FailureBacksOff(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry()
	reg.Register("flaky", func(_ context.Context, _ *model.Job) error {
		return errors.New("upstream timeout")
	})
	job := enqueue(t, st, "flaky", `{}`)

	d := NewDispatcher(Config{MaxClaimsPerTick: 5, FailBackoff: time.Hour}, st, reg)
	res, err := d.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 1, res.Failed)

	got := jobStatus(t, st, job.ID)
	assert.Equal(t, model.JobStatusPending, got.Status)
	assert.Equal(t, 1, got.Attempt)
	assert.Contains(t, got.LastError, "upstream timeout")
	assert.True(t, got.NextVisibleAt.After(time.Now().Add(30*time.Minute)))

	// Not visible again until the backoff elapses.
	res, err = d.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Claimed)
}

func TestDispatcher_PermanentErrorBuries(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry()
	reg.Register("bad", func(_ context.Context, _ *model.Job) error {
		return Permanent(errors.New("payload rejected"))
	})
	job := enqueue(t, st, "bad", `{}`)

	d := NewDispatcher(Config{MaxClaimsPerTick: 5, FailBackoff: time.Millisecond}, st, reg)
	res, err := d.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Buried)

	got := jobStatus(t, st, job.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Contains(t, got.LastError, "payload rejected")
}

func TestDispatcher_MaxAttemptsBuriesFinalFailure(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry()
	reg.Register("flaky", WithMaxAttempts(2, func(_ context.Context, _ *model.Job) error {
		return errors.New("still broken")
	}))
	job := enqueue(t, st, "flaky", `{}`)

	d := NewDispatcher(Config{MaxClaimsPerTick: 1, FailBackoff: time.Millisecond}, st, reg)

	res, err := d.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, model.JobStatusPending, jobStatus(t, st, job.ID).Status)

	require.Eventually(t, func() bool {
		res, err = d.Tick(context.Background())
		return err == nil && res.Claimed == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, res.Buried)
	assert.Equal(t, model.JobStatusFailed, jobStatus(t, st, job.ID).Status)
}

func TestDispatcher_UnknownTypeFailsBack(t *testing.T) {
	st := newTestStore(t)
	job := enqueue(t, st, "mystery", `{}`)

	d := NewDispatcher(Config{MaxClaimsPerTick: 5, FailBackoff: time.Hour}, st, NewRegistry())
	res, err := d.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 1, res.Unknown)

	got := jobStatus(t, st, job.ID)
	assert.Equal(t, model.JobStatusPending, got.Status)
	assert.Contains(t, got.LastError, "no handler")
}

func TestDispatcher_UnknownTypeBuriedAfterMaxAttempts(t *testing.T) {
	st := newTestStore(t)
	job := enqueue(t, st, "retired_type", `{}`)

	d := NewDispatcher(Config{MaxClaimsPerTick: 1, FailBackoff: time.Millisecond, UnknownMaxAttempts: 2}, st, NewRegistry())

	res, err := d.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unknown)
	got := jobStatus(t, st, job.ID)
	assert.Equal(t, model.JobStatusPending, got.Status)
	assert.Equal(t, 1, got.Attempt)

	require.Eventually(t, func() bool {
		res, err = d.Tick(context.Background())
		return err == nil && res.Claimed == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, res.Unknown)

	got = jobStatus(t, st, job.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Contains(t, got.LastError, "no handler registered for retired_type")

	res, err = d.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Claimed, "buried jobs are not claimed again")
}

func TestDispatcher_PanicIsContained(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry()
	reg.Register("boom", func(_ context.Context, _ *model.Job) error { panic("nil map") })
	reg.Register("noop", func(_ context.Context, _ *model.Job) error { return nil })
	boom := enqueue(t, st, "boom", `{}`)
	enqueue(t, st, "noop", `{}`)

	d := NewDispatcher(Config{MaxClaimsPerTick: 5, FailBackoff: time.Hour}, st, reg)
	res, err := d.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Claimed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Succeeded)
	assert.Contains(t, jobStatus(t, st, boom.ID).LastError, "panicked")
}

func TestDispatcher_TypeFilter(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry()
	reg.Register("wanted", func(_ context.Context, _ *model.Job) error { return nil })
	other := enqueue(t, st, "other", `{}`)
	enqueue(t, st, "wanted", `{}`)

	d := NewDispatcher(Config{MaxClaimsPerTick: 5, Types: reg.Types()}, st, reg)
	res, err := d.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, model.JobStatusPending, jobStatus(t, st, other.ID).Status)
}

func TestDispatcher_TickBudget(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry()

	var mu sync.Mutex
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	reg.Register("slow", func(_ context.Context, _ *model.Job) error {
		mu.Lock()
		clock = clock.Add(time.Minute)
		mu.Unlock()
		return nil
	})
	for i := 0; i < 5; i++ {
		enqueue(t, st, "slow", `{}`)
	}

	d := NewDispatcher(Config{MaxClaimsPerTick: 5, TickBudget: 90 * time.Second}, st, reg)
	d.now = now

	res, err := d.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Claimed)
	assert.True(t, res.BudgetSpent)
}

// claimFailStore fails every claim after the first n.
type claimFailStore struct {
	store.JobStore
	n     int
	calls int
}

func (s *claimFailStore) ClaimJob(ctx context.Context, workerID string, types []string) (*model.Job, error) {
	s.calls++
	if s.calls > s.n {
		return nil, errors.New("connection reset")
	}
	return s.JobStore.ClaimJob(ctx, workerID, types)
}

func TestDispatcher_ClaimErrorAbortsTick(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry()
	reg.Register("noop", func(_ context.Context, _ *model.Job) error { return nil })
	for i := 0; i < 3; i++ {
		enqueue(t, st, "noop", `{}`)
	}

	d := NewDispatcher(Config{MaxClaimsPerTick: 5}, &claimFailStore{JobStore: st, n: 1}, reg)
	res, err := d.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 1, res.Succeeded)
}

func TestDispatcher_TickCancelledContext(t *testing.T) {
	st := newTestStore(t)
	enqueue(t, st, "noop", `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDispatcher(DefaultConfig(), st, NewRegistry())
	res, err := d.Tick(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, res.Claimed)
}

func TestDispatcher_RunUntilCancelled(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry()
	var calls atomic.Int32
	reg.Register("noop", func(_ context.Context, _ *model.Job) error {
		calls.Add(1)
		return nil
	})
	enqueue(t, st, "noop", `{}`)
	enqueue(t, st, "noop", `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	d := NewDispatcher(Config{MaxClaimsPerTick: 1, StaleAfter: time.Minute}, st, reg)
	go func() { done <- d.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)

	// Jobs enqueued while running are picked up on a later tick.
	enqueue(t, st, "noop", `{}`)
	require.Eventually(t, func() bool { return calls.Load() == 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))

	base := errors.New("bad input")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Lookup("x")
	assert.False(t, ok)

	r.Register("b", func(_ context.Context, _ *model.Job) error { return nil })
	r.Register("a", func(_ context.Context, _ *model.Job) error { return nil })
	_, ok = r.Lookup("a")
	assert.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, r.Types())
}
