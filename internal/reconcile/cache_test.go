package reconcile_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vms-registry/internal/domain"
	"vms-registry/internal/reconcile"
	"vms-registry/internal/store"
)

func testRecord() *domain.Record {
	return &domain.Record{
		ID:           "id-1",
		Kind:         "device",
		NaturalKey:   "dev-1",
		SecondaryKey: "tok-1",
		Status:       domain.StatusOnline,
		Attributes:   map[string]string{"name": "cam"},
	}
}

func TestCachePutStoresEveryKey(t *testing.T) {
	kv := store.NewMemoryKV()
	cache := reconcile.NewCache(kv, "device", time.Minute, zap.NewNop())
	ctx := context.Background()

	rec := testRecord()
	cache.Put(ctx, rec)

	for _, key := range []string{
		cache.SurrogateKey("id-1"),
		cache.NaturalKey("dev-1"),
		cache.SecondaryKey("tok-1"),
	} {
		got, ok := cache.Get(ctx, key)
		require.True(t, ok, "key %s", key)
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, "cam", got.Attr("name"))
	}
}

func TestCacheKeysSkipEmptyFields(t *testing.T) {
	cache := reconcile.NewCache(store.NewMemoryKV(), "device", time.Minute, zap.NewNop())

	rec := testRecord()
	rec.SecondaryKey = ""
	keys := cache.Keys(rec)

	assert.ElementsMatch(t, []string{
		cache.SurrogateKey("id-1"),
		cache.NaturalKey("dev-1"),
	}, keys)
}

func TestCacheEvict(t *testing.T) {
	kv := store.NewMemoryKV()
	cache := reconcile.NewCache(kv, "device", time.Minute, zap.NewNop())
	ctx := context.Background()

	rec := testRecord()
	cache.Put(ctx, rec)
	cache.Evict(ctx, cache.Keys(rec)...)

	for _, key := range cache.Keys(rec) {
		_, ok := cache.Get(ctx, key)
		assert.False(t, ok, "key %s survived eviction", key)
	}
}

func TestCacheMissIsNotAnError(t *testing.T) {
	cache := reconcile.NewCache(store.NewMemoryKV(), "device", time.Minute, zap.NewNop())

	_, ok := cache.Get(context.Background(), cache.NaturalKey("nobody"))
	assert.False(t, ok)
}

func TestCacheDropsPoisonedEntry(t *testing.T) {
	kv := store.NewMemoryKV()
	cache := reconcile.NewCache(kv, "device", time.Minute, zap.NewNop())
	ctx := context.Background()

	key := cache.NaturalKey("dev-1")
	require.NoError(t, kv.Set(ctx, key, "{not json", time.Minute))

	_, ok := cache.Get(ctx, key)
	assert.False(t, ok)

	_, err := kv.Get(ctx, key)
	assert.ErrorIs(t, err, store.ErrMiss, "poisoned entry was deleted")
}
