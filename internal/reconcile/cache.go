package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"vms-registry/internal/domain"
	"vms-registry/internal/store"
)

// Cache 实体记录的读穿缓存（一条记录按三类键各存一份）
//
// Key shapes: <kind>:id:<surrogate>, <kind>:nk:<naturalKey>,
// <kind>:sk:<secondaryKey>. Lookup misses are never cached: a record
// created moments after a failed lookup must become visible on the next
// read without waiting out a negative-cache TTL. Only the engine writes or
// evicts these keys.
type Cache struct {
	kv     store.KV
	kind   string
	ttl    time.Duration
	logger *zap.Logger
}

func NewCache(kv store.KV, kind string, ttl time.Duration, logger *zap.Logger) *Cache {
	return &Cache{kv: kv, kind: kind, ttl: ttl, logger: logger}
}

func (c *Cache) SurrogateKey(id string) string  { return c.kind + ":id:" + id }
func (c *Cache) NaturalKey(key string) string   { return c.kind + ":nk:" + key }
func (c *Cache) SecondaryKey(key string) string { return c.kind + ":sk:" + key }

// Get returns the cached record for a fully qualified cache key. A backend
// error counts as a miss; the read path falls through to the store.
func (c *Cache) Get(ctx context.Context, cacheKey string) (*domain.Record, bool) {
	raw, err := c.kv.Get(ctx, cacheKey)
	if err != nil {
		if err != store.ErrMiss {
			c.logger.Warn("cache get failed",
				zap.String("key", cacheKey),
				zap.Error(err),
			)
		}
		return nil, false
	}
	var rec domain.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		// poisoned entry, drop it
		_ = c.kv.Del(ctx, cacheKey)
		return nil, false
	}
	return &rec, true
}

// Put stores the record under every key it currently answers to.
func (c *Cache) Put(ctx context.Context, rec *domain.Record) {
	raw, err := json.Marshal(rec)
	if err != nil {
		c.logger.Warn("cache marshal failed", zap.String("kind", c.kind), zap.Error(err))
		return
	}
	for _, key := range c.Keys(rec) {
		if err := c.kv.Set(ctx, key, string(raw), c.ttl); err != nil {
			c.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// Keys returns the live cache key set for a record.
func (c *Cache) Keys(rec *domain.Record) []string {
	keys := make([]string, 0, 3)
	if rec.ID != "" {
		keys = append(keys, c.SurrogateKey(rec.ID))
	}
	if rec.NaturalKey != "" {
		keys = append(keys, c.NaturalKey(rec.NaturalKey))
	}
	if rec.SecondaryKey != "" {
		keys = append(keys, c.SecondaryKey(rec.SecondaryKey))
	}
	return keys
}

// Evict removes the given keys. Failures are logged, never propagated: the
// mutation already committed, and at worst a stale entry lives until its
// TTL or the next write.
func (c *Cache) Evict(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := c.kv.Del(ctx, keys...); err != nil {
		c.logger.Warn("cache evict failed",
			zap.String("kind", c.kind),
			zap.Strings("keys", keys),
			zap.Error(err),
		)
	}
}
