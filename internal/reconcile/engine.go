package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vms-registry/internal/domain"
	"vms-registry/internal/repository"
)

// Source marks where a mutation came from. Administrative callers get
// errors surfaced; notification callers log-and-drop because the external
// system redelivers on its own schedule.
type Source string

const (
	SourceAdmin  Source = "admin"
	SourceNotify Source = "notify"
)

// Mutation is an immutable snapshot of one incoming state report. A caller
// performing an update may know only the surrogate id from a prior create;
// a notification-driven caller knows only the natural key. Either is enough.
type Mutation struct {
	SurrogateID string
	NaturalKey  string
	Attributes  map[string]string
	Source      Source
}

// Engine serializes racing mutations per natural key and keeps the store
// and cache consistent. One instance per entity kind; all instances share
// the Locker and KV backends.
type Engine struct {
	kind   Kind
	store  repository.RecordStore
	cache  *Cache
	locker Locker
	logger *zap.Logger

	lockTimeout time.Duration
	now         func() time.Time
}

// Options 引擎可调参数
type Options struct {
	LockTimeout time.Duration // max wait for the mutation lock (default 3s)
}

func NewEngine(kind Kind, st repository.RecordStore, cache *Cache, locker Locker, logger *zap.Logger, opts Options) *Engine {
	timeout := opts.LockTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Engine{
		kind:        kind,
		store:       st,
		cache:       cache,
		locker:      locker,
		logger:      logger.With(zap.String("kind", kind.Name)),
		lockTimeout: timeout,
		now:         time.Now,
	}
}

// Kind returns the engine's identity descriptor.
func (e *Engine) Kind() Kind { return e.kind }

// Store exposes the underlying record store for the admin list/export read
// side, which is paginated and deliberately uncached.
func (e *Engine) Store() repository.RecordStore { return e.store }

// Reconcile merges an incoming state report into the authoritative record,
// creating it when absent. Exactly one surrogate id is ever produced for a
// given natural key: concurrent creators serialize on the lock and the
// loser converges on the winner's row via the natural-key fallback lookup.
func (e *Engine) Reconcile(ctx context.Context, in Mutation) (*domain.Record, error) {
	if in.SurrogateID == "" && in.NaturalKey == "" {
		return nil, ErrNoIdentity
	}

	lockKey := in.NaturalKey
	if lockKey == "" {
		// surrogate-only update: the natural key names the lock, so resolve
		// it before acquiring; the row is re-resolved under the lock
		existing, err := e.store.FindBySurrogate(ctx, in.SurrogateID)
		if err != nil {
			return nil, fmt.Errorf("resolve before lock: %w", err)
		}
		if existing == nil {
			return nil, ErrNotFound
		}
		lockKey = existing.NaturalKey
	}

	release, err := e.locker.Acquire(ctx, e.kind.LockName(lockKey), e.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	existing, err := e.resolve(ctx, in.SurrogateID, in.NaturalKey)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		return e.create(ctx, in)
	}
	return e.merge(ctx, existing, in.Attributes, time.Time{})
}

// resolve looks up the existing row: surrogate id first when the caller
// supplied one, natural key as the fallback. Both identity shapes must
// converge on the same row.
func (e *Engine) resolve(ctx context.Context, surrogateID, naturalKey string) (*domain.Record, error) {
	if surrogateID != "" {
		rec, err := e.store.FindBySurrogate(ctx, surrogateID)
		if err != nil {
			return nil, fmt.Errorf("resolve by surrogate: %w", err)
		}
		if rec != nil {
			return rec, nil
		}
	}
	if naturalKey != "" {
		rec, err := e.store.FindByNatural(ctx, naturalKey)
		if err != nil {
			return nil, fmt.Errorf("resolve by natural key: %w", err)
		}
		return rec, nil
	}
	return nil, nil
}

func (e *Engine) create(ctx context.Context, in Mutation) (*domain.Record, error) {
	if in.NaturalKey == "" {
		// update addressed by surrogate id for a row that no longer exists
		return nil, ErrNotFound
	}

	now := e.now()
	rec := &domain.Record{
		Kind:       e.kind.Name,
		NaturalKey: in.NaturalKey,
		Status:     domain.StatusRegistered,
		Attributes: mergeAttrs(e.kind.Defaults, in.Attributes),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if st, ok := rec.Attributes["status"]; ok {
		rec.Status = domain.Status(st)
		delete(rec.Attributes, "status")
	}
	if e.kind.SecondaryAttr != "" {
		rec.SecondaryKey = rec.Attr(e.kind.SecondaryAttr)
	}

	id, err := e.store.Insert(ctx, rec)
	if errors.Is(err, repository.ErrDuplicateNaturalKey) {
		// Another writer slipped in between our lookup and insert. With a
		// healthy lock backend this cannot happen; degrade to an update so
		// the one-row-per-natural-key invariant holds regardless.
		e.logger.Warn("insert lost natural-key race, converting to update",
			zap.String("natural_key", in.NaturalKey),
		)
		existing, ferr := e.store.FindByNatural(ctx, in.NaturalKey)
		if ferr != nil {
			return nil, fmt.Errorf("re-resolve after duplicate insert: %w", ferr)
		}
		if existing == nil {
			return nil, fmt.Errorf("insert duplicate but natural key %q unresolvable", in.NaturalKey)
		}
		return e.merge(ctx, existing, in.Attributes, time.Time{})
	}
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", e.kind.Name, err)
	}
	rec.ID = id

	// a reader that missed moments ago may race the insert; nothing was
	// cached for these keys (misses are never cached), so eviction is a
	// no-op kept for symmetry with the update path
	e.cache.Evict(ctx, e.cache.Keys(rec)...)

	e.logger.Info("record created",
		zap.String("id", rec.ID),
		zap.String("natural_key", rec.NaturalKey),
		zap.String("source", string(in.Source)),
	)
	return rec, nil
}

// merge applies caller attributes over the existing row (caller fields win,
// unspecified fields survive), rotates the secondary key when the payload
// carries a new one, persists, then evicts the full closure of cache keys
// referencing the pre-mutation state.
func (e *Engine) merge(ctx context.Context, existing *domain.Record, attrs map[string]string, seenAt time.Time) (*domain.Record, error) {
	rec := existing.Clone()
	rec.Attributes = mergeAttrs(rec.Attributes, attrs)
	rec.UpdatedAt = e.now()
	if !seenAt.IsZero() {
		rec.LastSeen = seenAt
	}
	if st, ok := attrs["status"]; ok {
		rec.Status = domain.Status(st)
		delete(rec.Attributes, "status")
	}

	oldSecondary := existing.SecondaryKey
	if e.kind.SecondaryAttr != "" {
		if v, ok := attrs[e.kind.SecondaryAttr]; ok && v != "" {
			rec.SecondaryKey = v
		}
	}

	if err := e.store.Update(ctx, rec); err != nil {
		// cache untouched: both layers still reflect the pre-mutation state
		return nil, fmt.Errorf("update %s %s: %w", e.kind.Name, rec.ID, err)
	}

	// eviction closure: surrogate + natural (never change) + both secondary
	// bindings when the token rotated
	keys := e.cache.Keys(rec)
	if oldSecondary != "" && oldSecondary != rec.SecondaryKey {
		keys = append(keys, e.cache.SecondaryKey(oldSecondary))
	}
	e.cache.Evict(ctx, keys...)

	return rec, nil
}

// Delete removes the record by surrogate id, evicting every cache key that
// referenced it. Deleting an absent record succeeds: the delete path is
// idempotent because administrative retries are common.
func (e *Engine) Delete(ctx context.Context, surrogateID string) error {
	// the natural key names the lock, so resolve before locking
	existing, err := e.store.FindBySurrogate(ctx, surrogateID)
	if err != nil {
		return fmt.Errorf("resolve before delete: %w", err)
	}
	if existing == nil {
		return nil
	}

	release, err := e.locker.Acquire(ctx, e.kind.LockName(existing.NaturalKey), e.lockTimeout)
	if err != nil {
		return err
	}
	defer release()

	// re-read under the lock: the pre-lock snapshot may predate a secondary
	// key rotation, and eviction must cover the committed bindings
	existing, err = e.store.FindBySurrogate(ctx, surrogateID)
	if err != nil {
		return fmt.Errorf("resolve before delete: %w", err)
	}
	if existing == nil {
		return nil
	}

	if err := e.store.Delete(ctx, surrogateID); err != nil {
		return fmt.Errorf("delete %s %s: %w", e.kind.Name, surrogateID, err)
	}

	e.cache.Evict(ctx, e.cache.Keys(existing)...)

	e.logger.Info("record deleted",
		zap.String("id", surrogateID),
		zap.String("natural_key", existing.NaturalKey),
	)
	return nil
}

// MarkOnline records a liveness report. It upserts: a keepalive may arrive
// before the administrative create for a freshly registered endpoint, and
// must still produce exactly one row. secondaryKey, when non-empty, rotates
// the stored token.
func (e *Engine) MarkOnline(ctx context.Context, naturalKey, secondaryKey string, at time.Time) (*domain.Record, error) {
	if naturalKey == "" {
		return nil, ErrNoIdentity
	}
	if at.IsZero() {
		at = e.now()
	}

	release, err := e.locker.Acquire(ctx, e.kind.LockName(naturalKey), e.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	attrs := map[string]string{"status": string(domain.StatusOnline)}
	if secondaryKey != "" && e.kind.SecondaryAttr != "" {
		attrs[e.kind.SecondaryAttr] = secondaryKey
	}

	existing, err := e.store.FindByNatural(ctx, naturalKey)
	if err != nil {
		return nil, fmt.Errorf("resolve by natural key: %w", err)
	}
	if existing == nil {
		now := e.now()
		rec := &domain.Record{
			Kind:         e.kind.Name,
			NaturalKey:   naturalKey,
			SecondaryKey: secondaryKey,
			Status:       domain.StatusOnline,
			Attributes:   mergeAttrs(e.kind.Defaults, nil),
			LastSeen:     at,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		id, ierr := e.store.Insert(ctx, rec)
		if errors.Is(ierr, repository.ErrDuplicateNaturalKey) {
			existing, ferr := e.store.FindByNatural(ctx, naturalKey)
			if ferr != nil || existing == nil {
				return nil, fmt.Errorf("re-resolve after duplicate insert: %w", ferr)
			}
			return e.merge(ctx, existing, attrs, at)
		}
		if ierr != nil {
			return nil, fmt.Errorf("insert %s: %w", e.kind.Name, ierr)
		}
		rec.ID = id
		e.logger.Info("record created by liveness report",
			zap.String("id", rec.ID),
			zap.String("natural_key", naturalKey),
		)
		return rec, nil
	}

	return e.merge(ctx, existing, attrs, at)
}

// MarkOffline records a loss-of-liveness report. Unlike MarkOnline it does
// not upsert: an offline report for an unknown endpoint carries no
// registration information worth fabricating, so it returns ErrNotFound.
func (e *Engine) MarkOffline(ctx context.Context, naturalKey string, at time.Time) (*domain.Record, error) {
	if naturalKey == "" {
		return nil, ErrNoIdentity
	}
	if at.IsZero() {
		at = e.now()
	}

	release, err := e.locker.Acquire(ctx, e.kind.LockName(naturalKey), e.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	existing, err := e.store.FindByNatural(ctx, naturalKey)
	if err != nil {
		return nil, fmt.Errorf("resolve by natural key: %w", err)
	}
	if existing == nil {
		return nil, ErrNotFound
	}

	return e.merge(ctx, existing, map[string]string{"status": string(domain.StatusOffline)}, at)
}

// GetBySurrogate is cache-aside: no lock is taken, and only found rows are
// cached. A read may observe a value committed-but-not-yet-evicted by a
// concurrent writer; the eviction closure bounds that window.
func (e *Engine) GetBySurrogate(ctx context.Context, id string) (*domain.Record, error) {
	return e.read(ctx, e.cache.SurrogateKey(id), func(ctx context.Context) (*domain.Record, error) {
		return e.store.FindBySurrogate(ctx, id)
	})
}

func (e *Engine) GetByNatural(ctx context.Context, naturalKey string) (*domain.Record, error) {
	return e.read(ctx, e.cache.NaturalKey(naturalKey), func(ctx context.Context) (*domain.Record, error) {
		return e.store.FindByNatural(ctx, naturalKey)
	})
}

func (e *Engine) GetBySecondary(ctx context.Context, secondaryKey string) (*domain.Record, error) {
	return e.read(ctx, e.cache.SecondaryKey(secondaryKey), func(ctx context.Context) (*domain.Record, error) {
		return e.store.FindBySecondary(ctx, secondaryKey)
	})
}

func (e *Engine) read(ctx context.Context, cacheKey string, find func(context.Context) (*domain.Record, error)) (*domain.Record, error) {
	if rec, ok := e.cache.Get(ctx, cacheKey); ok {
		return rec, nil
	}
	rec, err := find(ctx)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", e.kind.Name, err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	e.cache.Put(ctx, rec)
	return rec, nil
}

// mergeAttrs layers over on top of base without mutating either.
func mergeAttrs(base, over map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}
