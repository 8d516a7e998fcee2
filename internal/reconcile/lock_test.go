package reconcile_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vms-registry/internal/reconcile"
	"vms-registry/internal/store"
)

func TestKVLockerMutualExclusion(t *testing.T) {
	kv := store.NewMemoryKV()
	locker := reconcile.NewKVLocker(kv, 5*time.Second)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "mutate:device:dev-1", time.Second)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "mutate:device:dev-1", 150*time.Millisecond)
	require.ErrorIs(t, err, reconcile.ErrContended)

	// a different name is a different lock
	release2, err := locker.Acquire(ctx, "mutate:device:dev-2", 150*time.Millisecond)
	require.NoError(t, err)
	release2()

	release()

	release3, err := locker.Acquire(ctx, "mutate:device:dev-1", time.Second)
	require.NoError(t, err)
	release3()
}

func TestKVLockerReleaseIsIdempotent(t *testing.T) {
	kv := store.NewMemoryKV()
	locker := reconcile.NewKVLocker(kv, 5*time.Second)

	release, err := locker.Acquire(context.Background(), "mutate:device:dev-1", time.Second)
	require.NoError(t, err)
	release()
	release() // second call is a no-op

	release2, err := locker.Acquire(context.Background(), "mutate:device:dev-1", time.Second)
	require.NoError(t, err)
	release2()
}

func TestKVLockerLeaseExpiryUnblocksWriters(t *testing.T) {
	kv := store.NewMemoryKV()
	locker := reconcile.NewKVLocker(kv, 50*time.Millisecond)
	ctx := context.Background()

	// simulate a holder that crashed: acquire and never release
	_, err := locker.Acquire(ctx, "mutate:device:dev-1", time.Second)
	require.NoError(t, err)

	release, err := locker.Acquire(ctx, "mutate:device:dev-1", time.Second)
	require.NoError(t, err, "lease expiry lets the next writer in")
	release()
}

func TestKVLockerStaleReleaseKeepsNewHolder(t *testing.T) {
	kv := store.NewMemoryKV()
	locker := reconcile.NewKVLocker(kv, 50*time.Millisecond)
	ctx := context.Background()

	staleRelease, err := locker.Acquire(ctx, "mutate:device:dev-1", time.Second)
	require.NoError(t, err)

	// lease expires, someone else takes the lock
	time.Sleep(80 * time.Millisecond)
	release, err := locker.Acquire(ctx, "mutate:device:dev-1", time.Second)
	require.NoError(t, err)
	defer release()

	// the old holder's deferred release fires late; it must not free the
	// new holder's lock
	staleRelease()

	_, err = locker.Acquire(ctx, "mutate:device:dev-1", 100*time.Millisecond)
	assert.ErrorIs(t, err, reconcile.ErrContended)
}

func TestMemoryLockerSerializesWriters(t *testing.T) {
	locker := reconcile.NewMemoryLocker()
	ctx := context.Background()

	var inCritical, maxInCritical int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(ctx, "mutate:device:dev-1", 5*time.Second)
			if err != nil {
				return
			}
			defer release()

			mu.Lock()
			inCritical++
			if inCritical > maxInCritical {
				maxInCritical = inCritical
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			inCritical--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInCritical, "only one writer inside the guarded region at a time")
}

func TestMemoryLockerTimeout(t *testing.T) {
	locker := reconcile.NewMemoryLocker()
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "mutate:device:dev-1", time.Second)
	require.NoError(t, err)
	defer release()

	start := time.Now()
	_, err = locker.Acquire(ctx, "mutate:device:dev-1", 100*time.Millisecond)
	require.ErrorIs(t, err, reconcile.ErrContended)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
