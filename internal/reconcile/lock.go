package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"vms-registry/internal/store"
)

// Locker provides named, time-bounded mutual exclusion. Acquire blocks up
// to timeout and returns ErrContended when the lock stays busy; the
// returned release func is safe to call exactly once per acquisition and
// must run on every exit path (callers defer it).
type Locker interface {
	Acquire(ctx context.Context, name string, timeout time.Duration) (release func(), err error)
}

// KVLocker implements lease locks over a KV backend (Redis in production).
// The lease TTL is a deadlock safety net: a holder that crashes mid-mutation
// loses the lock when the lease expires instead of wedging all future
// writers for that key.
type KVLocker struct {
	kv    store.KV
	lease time.Duration
}

const lockRetryInterval = 50 * time.Millisecond

func NewKVLocker(kv store.KV, lease time.Duration) *KVLocker {
	return &KVLocker{kv: kv, lease: lease}
}

func (l *KVLocker) Acquire(ctx context.Context, name string, timeout time.Duration) (func(), error) {
	key := "lock:" + name
	token := uuid.NewString()
	deadline := time.Now().Add(timeout)

	for {
		ok, err := l.kv.SetNX(ctx, key, token, l.lease)
		if err != nil {
			return nil, err
		}
		if ok {
			var once sync.Once
			release := func() {
				once.Do(func() {
					// release must not depend on the caller's context,
					// which may already be cancelled
					rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					_ = l.kv.DelIfEquals(rctx, key, token)
				})
			}
			return release, nil
		}

		if time.Now().After(deadline) {
			return nil, ErrContended
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

// MemoryLocker serializes writers inside a single process. Suitable when
// only one registry instance runs (and for unit tests).
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]chan struct{})}
}

func (l *MemoryLocker) Acquire(ctx context.Context, name string, timeout time.Duration) (func(), error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		l.mu.Lock()
		ch, held := l.locks[name]
		if !held {
			done := make(chan struct{})
			l.locks[name] = done
			l.mu.Unlock()

			var once sync.Once
			release := func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.locks, name)
					l.mu.Unlock()
					close(done)
				})
			}
			return release, nil
		}
		l.mu.Unlock()

		select {
		case <-ch:
			// holder released, try again
		case <-timer.C:
			return nil, ErrContended
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
