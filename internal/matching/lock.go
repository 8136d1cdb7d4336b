package matching

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospector/internal/store"
)

// Release ends a held lock. Calling it more than once, or after the lock
// expired and was taken by someone else, is a no-op.
type Release func()

// Locker guards matching cycles so only one runs per run id. Acquire never
// waits: ok is false when another cycle holds the lock.
type Locker interface {
	Acquire(ctx context.Context, key string) (release Release, ok bool, err error)
}

// MemoryLocker is a process-local lock registry. It only excludes cycles in
// the same process; use StoreLocker when several instances match the same
// runs.
type MemoryLocker struct {
	timeout time.Duration
	now     func() time.Time

	mu   sync.Mutex
	held map[string]memLease
}

type memLease struct {
	token     string
	expiresAt time.Time
}

// NewMemoryLocker creates a registry whose locks expire after timeout even if
// never released.
func NewMemoryLocker(timeout time.Duration) *MemoryLocker {
	return &MemoryLocker{
		timeout: timeout,
		now:     time.Now,
		held:    make(map[string]memLease),
	}
}

// Acquire implements Locker.
func (l *MemoryLocker) Acquire(_ context.Context, key string) (Release, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.held[key]; ok && now.Before(cur.expiresAt) {
		return nil, false, nil
	}

	token := uuid.NewString()
	l.held[key] = memLease{token: token, expiresAt: now.Add(l.timeout)}

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.held[key]; ok && cur.token == token {
			delete(l.held, key)
		}
	}, true, nil
}

// Held reports whether key is currently locked.
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.held[key]
	return ok && l.now().Before(cur.expiresAt)
}

// StoreLocker uses lease rows so the exclusion holds across instances.
type StoreLocker struct {
	leases   store.LeaseStore
	timeout  time.Duration
	instance string
}

// NewStoreLocker creates a durable locker. instance identifies this process
// in lease rows.
func NewStoreLocker(leases store.LeaseStore, timeout time.Duration, instance string) *StoreLocker {
	if instance == "" {
		instance = uuid.NewString()
	}
	return &StoreLocker{leases: leases, timeout: timeout, instance: instance}
}

// Acquire implements Locker.
func (l *StoreLocker) Acquire(ctx context.Context, key string) (Release, bool, error) {
	holder := l.instance + "/" + uuid.NewString()
	ok, err := l.leases.AcquireLease(ctx, key, holder, l.timeout)
	if err != nil {
		return nil, false, eris.Wrapf(err, "matching: acquire lease %s", key)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release even when the cycle's context was cancelled.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if _, err := l.leases.ReleaseLease(rctx, key, holder); err != nil {
				zap.L().Warn("matching: release lease failed", zap.String("lease", key), zap.Error(err))
			}
		})
	}, true, nil
}

func lockKey(runID string) string {
	return "match:" + runID
}
