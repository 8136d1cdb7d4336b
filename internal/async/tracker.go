// Package async runs tracked background tasks. Every task is logged on
// failure and awaited on shutdown instead of being fired and forgotten.
package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrClosed is returned when a task is submitted after Shutdown.
var ErrClosed = eris.New("async: tracker is shutting down")

// Tracker owns a set of background goroutines.
type Tracker struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight int
	timers   map[*time.Timer]struct{}
}

// NewTracker creates a tracker. Tasks receive a context derived from parent
// that is cancelled when Shutdown gives up waiting.
func NewTracker(parent context.Context) *Tracker {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	return &Tracker{ctx: ctx, cancel: cancel, timers: make(map[*time.Timer]struct{})}
}

// Go starts fn in the background.
func (t *Tracker) Go(name string, fn func(ctx context.Context) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.startLocked(name, fn)
	return nil
}

// After runs fn once d has elapsed. Pending timers are stopped by Shutdown.
func (t *Tracker) After(d time.Duration, name string, fn func(ctx context.Context) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}

	t.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		defer t.wg.Done()
		t.mu.Lock()
		delete(t.timers, timer)
		if t.closed {
			t.mu.Unlock()
			zap.L().Info("async: dropping delayed task at shutdown", zap.String("task", name))
			return
		}
		t.startLocked(name, fn)
		t.mu.Unlock()
	})
	t.timers[timer] = struct{}{}
	return nil
}

// startLocked launches fn. Caller holds t.mu.
func (t *Tracker) startLocked(name string, fn func(ctx context.Context) error) {
	t.wg.Add(1)
	t.inflight++
	go func() {
		defer t.wg.Done()
		defer func() {
			t.mu.Lock()
			t.inflight--
			t.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				zap.L().Error("async: task panicked", zap.String("task", name), zap.String("panic", fmt.Sprint(r)))
			}
		}()

		start := time.Now()
		if err := fn(t.ctx); err != nil {
			zap.L().Error("async: task failed",
				zap.String("task", name),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err),
			)
			return
		}
		zap.L().Debug("async: task done", zap.String("task", name), zap.Duration("elapsed", time.Since(start)))
	}()
}

// InFlight returns the number of running tasks, excluding pending timers.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inflight
}

// Wait blocks until all running and scheduled tasks finish.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

// Shutdown stops accepting tasks, drops pending timers and waits for running
// tasks. If ctx ends first, running tasks are cancelled and ctx's error is
// returned.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		for timer := range t.timers {
			if timer.Stop() {
				t.wg.Done()
			}
			delete(t.timers, timer)
		}
	}
	t.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); t.wg.Wait() }()

	select {
	case <-done:
		t.cancel()
		return nil
	case <-ctx.Done():
		t.cancel()
		zap.L().Warn("async: shutdown interrupted, cancelling running tasks", zap.Int("inflight", t.InFlight()))
		return ctx.Err()
	}
}
