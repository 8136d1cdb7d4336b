package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospector/internal/model"
)

// fakeDurable is an in-memory store.CacheStore with failure injection.
type fakeDurable struct {
	mu      sync.Mutex
	entries map[string]model.CacheEntry
	fail    bool
	prunes  int
	now     func() time.Time
}

func newFakeDurable(now func() time.Time) *fakeDurable {
	return &fakeDurable{entries: map[string]model.CacheEntry{}, now: now}
}

var errDurable = errors.New("durable tier down")

func (f *fakeDurable) GetCacheEntry(_ context.Context, key string) (*model.CacheEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errDurable
	}
	e, ok := f.entries[key]
	if !ok || !f.now().Before(e.ExpiresAt) {
		return nil, nil
	}
	return &e, nil
}

func (f *fakeDurable) PutCacheEntry(_ context.Context, entry model.CacheEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errDurable
	}
	f.entries[entry.Key] = entry
	return nil
}

func (f *fakeDurable) PruneCache(_ context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prunes++
	if f.fail {
		return 0, errDurable
	}
	n := 0
	for k, e := range f.entries {
		if !f.now().Before(e.ExpiresAt) || e.CreatedAt.Before(cutoff) {
			delete(f.entries, k)
			n++
		}
	}
	return n, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(t *testing.T, opts Options) (*Cache, *fakeDurable, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	durable := newFakeDurable(clock.Now)
	c := New(durable, opts)
	c.now = clock.Now
	return c, durable, clock
}

func TestCache_SetGetExpire(t *testing.T) {
	c, _, clock := newTestCache(t, Options{})
	ctx := context.Background()

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)

	c.Set(ctx, "k", []byte("v"), time.Minute)
	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v", string(got))

	clock.Advance(time.Minute)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok, "entries are misses once expired")
}

func TestCache_CallersCannotMutateEntries(t *testing.T) {
	c, durable, clock := newTestCache(t, Options{})
	ctx := context.Background()

	in := []byte(`{"name":"Lakeline Dental"}`)
	c.Set(ctx, "biz", in, time.Hour)
	in[2] = 'X'

	first, ok := c.Get(ctx, "biz")
	require.True(t, ok)
	assert.Equal(t, `{"name":"Lakeline Dental"}`, string(first))
	first[2] = 'Y'

	second, ok := c.Get(ctx, "biz")
	require.True(t, ok)
	assert.Equal(t, `{"name":"Lakeline Dental"}`, string(second))

	durable.entries["warm"] = model.CacheEntry{Key: "warm", Payload: []byte("durable"), ExpiresAt: clock.Now().Add(time.Hour), CreatedAt: clock.Now()}
	hydrated, ok := c.Get(ctx, "warm")
	require.True(t, ok)
	hydrated[0] = 'X'

	again, ok := c.Get(ctx, "warm")
	require.True(t, ok)
	assert.Equal(t, "durable", string(again))
}

func TestCache_EvictsNearestExpiry(t *testing.T) {
	c, _, _ := newTestCache(t, Options{MaxEntries: 2})
	c.durable = nil
	ctx := context.Background()

	c.Set(ctx, "a", []byte("a"), time.Hour)
	c.Set(ctx, "b", []byte("b"), 10*time.Minute)
	c.Set(ctx, "c", []byte("c"), 2*time.Hour)

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get(ctx, "b")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "a")
	assert.True(t, ok)
	_, ok = c.Get(ctx, "c")
	assert.True(t, ok)
}

func TestCache_DurableFallbackHydratesMemory(t *testing.T) {
	c, durable, clock := newTestCache(t, Options{})
	ctx := context.Background()

	durable.entries["k"] = model.CacheEntry{Key: "k", Payload: []byte("shared"), ExpiresAt: clock.Now().Add(time.Hour), CreatedAt: clock.Now()}

	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "shared", string(got))
	assert.Equal(t, 1, c.Len())

	// Memory now answers even with the durable tier down.
	durable.fail = true
	got, ok = c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "shared", string(got))
}

func TestCache_DurableFailureDegradesToMemory(t *testing.T) {
	c, durable, _ := newTestCache(t, Options{})
	durable.fail = true
	ctx := context.Background()

	_, ok := c.Get(ctx, "missing")
	assert.False(t, ok)

	c.Set(ctx, "k", []byte("v"), time.Hour)
	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v", string(got))
}

func TestCache_WritesBothTiers(t *testing.T) {
	c, durable, _ := newTestCache(t, Options{})
	c.Set(context.Background(), "k", []byte("v"), time.Hour)

	durable.mu.Lock()
	defer durable.mu.Unlock()
	assert.Equal(t, "v", string(durable.entries["k"].Payload))
}

func TestCache_PrunesAtMostOncePerInterval(t *testing.T) {
	c, durable, clock := newTestCache(t, Options{PruneInterval: 10 * time.Minute})
	ctx := context.Background()

	c.Set(ctx, "a", []byte("a"), time.Minute)
	c.Set(ctx, "b", []byte("b"), time.Minute)
	assert.Equal(t, 1, durable.prunes)

	clock.Advance(11 * time.Minute)
	c.Set(ctx, "c", []byte("c"), time.Hour)
	assert.Equal(t, 2, durable.prunes)

	durable.mu.Lock()
	defer durable.mu.Unlock()
	assert.NotContains(t, durable.entries, "a")
	assert.NotContains(t, durable.entries, "b")
	assert.Contains(t, durable.entries, "c")
}

type choice struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

func TestFetch_ProducerCalledOncePerTTL(t *testing.T) {
	c, _, clock := newTestCache(t, Options{})
	ctx := context.Background()
	var calls int32

	producer := func(context.Context) (choice, error) {
		atomic.AddInt32(&calls, 1)
		return choice{ID: "p1", Reason: "best fit"}, nil
	}

	for range 3 {
		v, err := Fetch(ctx, c, Key("anthropic", "tie-break"), time.Hour, producer)
		require.NoError(t, err)
		assert.Equal(t, "p1", v.ID)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	clock.Advance(time.Hour)
	_, err := Fetch(ctx, c, Key("anthropic", "tie-break"), time.Hour, producer)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestFetch_ErrorsAreNotCached(t *testing.T) {
	c, _, _ := newTestCache(t, Options{})
	ctx := context.Background()
	var calls int

	_, err := Fetch(ctx, c, "k", time.Hour, func(context.Context) (string, error) {
		calls++
		return "", errors.New("provider down")
	})
	require.Error(t, err)

	v, err := Fetch(ctx, c, "k", time.Hour, func(context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 2, calls)
}

func TestFetch_ConcurrentCallersShareProducer(t *testing.T) {
	c, _, _ := newTestCache(t, Options{})
	ctx := context.Background()
	var calls int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := Fetch(ctx, c, "same", time.Hour, func(context.Context) (string, error) {
				atomic.AddInt32(&calls, 1)
				<-release
				return "value", nil
			})
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, r := range results {
		assert.Equal(t, "value", r)
	}
}

func TestKey_Normalization(t *testing.T) {
	assert.Equal(t, Key("places", "Dental Clinics  in\tAustin"), Key("places", "  dental clinics in austin "))
	assert.Equal(t, Key("places", "Ｄｅｎｔａｌ"), Key("places", "dental"))
	assert.Equal(t, Key("places", "STRASSE"), Key("places", "straße"))
	assert.NotEqual(t, Key("places", "dental"), Key("jina", "dental"))
	assert.Len(t, Key("places", "x"), 64)
}
