// Package cache is a two-tier TTL cache for outbound collaborator results.
// The memory tier is per process; the durable tier is shared through the
// store and survives restarts.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/prospector/internal/metrics"
	"github.com/sells-group/prospector/internal/model"
	"github.com/sells-group/prospector/internal/store"
)

// Options configures a Cache.
type Options struct {
	// TTL applies when Set is called with ttl <= 0.
	TTL time.Duration
	// MaxEntries caps the memory tier. The entry closest to expiry is evicted.
	MaxEntries int
	// Retention bounds how long durable entries are kept regardless of TTL.
	Retention time.Duration
	// PruneInterval is the minimum gap between durable prunes.
	PruneInterval time.Duration
}

// DefaultOptions returns the standard cache configuration.
func DefaultOptions() Options {
	return Options{
		TTL:           24 * time.Hour,
		MaxEntries:    1000,
		Retention:     7 * 24 * time.Hour,
		PruneInterval: 10 * time.Minute,
	}
}

type memEntry struct {
	payload   []byte
	expiresAt time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	opts    Options
	durable store.CacheStore

	mu        sync.Mutex
	entries   map[string]memEntry
	lastPrune time.Time

	group singleflight.Group
	now   func() time.Time
}

// New creates a cache. durable may be nil for a memory-only cache.
func New(durable store.CacheStore, opts Options) *Cache {
	def := DefaultOptions()
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = def.MaxEntries
	}
	if opts.Retention <= 0 {
		opts.Retention = def.Retention
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = def.PruneInterval
	}
	return &Cache{
		opts:    opts,
		durable: durable,
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

// Get returns a copy of the payload for key if a live entry exists in
// either tier.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	now := c.now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && !now.Before(e.expiresAt) {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()
	if ok {
		metrics.CacheLookups.WithLabelValues("memory", "hit").Inc()
		return bytes.Clone(e.payload), true
	}
	metrics.CacheLookups.WithLabelValues("memory", "miss").Inc()

	if c.durable == nil {
		return nil, false
	}
	entry, err := c.durable.GetCacheEntry(ctx, key)
	if err != nil {
		zap.L().Warn("cache: durable tier read failed, continuing memory-only",
			zap.String("key", shortKey(key)), zap.Error(err))
		return nil, false
	}
	if entry == nil || !now.Before(entry.ExpiresAt) {
		metrics.CacheLookups.WithLabelValues("durable", "miss").Inc()
		return nil, false
	}
	metrics.CacheLookups.WithLabelValues("durable", "hit").Inc()

	c.mu.Lock()
	c.putLocked(key, memEntry{payload: entry.Payload, expiresAt: entry.ExpiresAt})
	c.mu.Unlock()
	return bytes.Clone(entry.Payload), true
}

// Set writes payload to both tiers. Durable failures are logged, not returned.
func (c *Cache) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.opts.TTL
	}
	now := c.now()
	expiresAt := now.Add(ttl)

	payload = bytes.Clone(payload)

	c.mu.Lock()
	c.putLocked(key, memEntry{payload: payload, expiresAt: expiresAt})
	prune := c.durable != nil && now.Sub(c.lastPrune) >= c.opts.PruneInterval
	if prune {
		c.lastPrune = now
	}
	c.mu.Unlock()

	if c.durable == nil {
		return
	}
	if prune {
		if n, err := c.durable.PruneCache(ctx, now.Add(-c.opts.Retention)); err != nil {
			zap.L().Warn("cache: prune failed", zap.Error(err))
		} else if n > 0 {
			zap.L().Debug("cache: pruned durable entries", zap.Int("count", n))
		}
	}
	err := c.durable.PutCacheEntry(ctx, model.CacheEntry{
		Key:       key,
		Payload:   payload,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	})
	if err != nil {
		zap.L().Warn("cache: durable tier write failed, entry kept in memory",
			zap.String("key", shortKey(key)), zap.Error(err))
	}
}

// Len returns the number of entries in the memory tier.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// putLocked stores e and evicts the entry nearest to expiry while over cap.
// Caller holds c.mu.
func (c *Cache) putLocked(key string, e memEntry) {
	c.entries[key] = e
	for len(c.entries) > c.opts.MaxEntries {
		var victim string
		var soonest time.Time
		for k, v := range c.entries {
			if victim == "" || v.expiresAt.Before(soonest) {
				victim, soonest = k, v.expiresAt
			}
		}
		delete(c.entries, victim)
	}
}

// Fetch returns the cached value for key or calls producer once, caching its
// result. Concurrent callers for the same key share one producer call.
// Producer errors are returned and not cached.
func Fetch[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, producer func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if payload, ok := c.Get(ctx, key); ok {
		var v T
		if err := json.Unmarshal(payload, &v); err == nil {
			return v, nil
		}
		zap.L().Warn("cache: dropping undecodable entry", zap.String("key", shortKey(key)))
	}

	res, err, _ := c.group.Do(key, func() (any, error) {
		v, err := producer(ctx)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(v)
		if err != nil {
			return nil, eris.Wrap(err, "cache: marshal value")
		}
		c.Set(ctx, key, payload, ttl)
		return v, nil
	})
	if err != nil {
		return zero, err
	}
	return res.(T), nil
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
