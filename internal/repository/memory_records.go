package repository

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"vms-registry/internal/domain"
)

// MemoryRecords supports registry operation when DB is disabled (single
// instance, dev mode) and backs the unit tests. It enforces the same
// natural-key uniqueness the Postgres schema does.
type MemoryRecords struct {
	mu   sync.RWMutex
	kind string
	byID map[string]*domain.Record
	byNK map[string]string // naturalKey -> record_id
}

func NewMemoryRecords(kind string) *MemoryRecords {
	return &MemoryRecords{
		kind: kind,
		byID: map[string]*domain.Record{},
		byNK: map[string]string{},
	}
}

func (r *MemoryRecords) FindBySurrogate(_ context.Context, id string) (*domain.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id].Clone(), nil
}

func (r *MemoryRecords) FindByNatural(_ context.Context, naturalKey string) (*domain.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.byNK[naturalKey]; ok {
		return r.byID[id].Clone(), nil
	}
	return nil, nil
}

func (r *MemoryRecords) FindBySecondary(_ context.Context, secondaryKey string) (*domain.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if secondaryKey == "" {
		return nil, nil
	}
	for _, rec := range r.byID {
		if rec.SecondaryKey == secondaryKey {
			return rec.Clone(), nil
		}
	}
	return nil, nil
}

func (r *MemoryRecords) Insert(_ context.Context, rec *domain.Record) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byNK[rec.NaturalKey]; exists {
		return "", ErrDuplicateNaturalKey
	}
	id := uuid.NewString()
	stored := rec.Clone()
	stored.ID = id
	stored.Kind = r.kind
	r.byID[id] = stored
	r.byNK[stored.NaturalKey] = id
	return id, nil
}

func (r *MemoryRecords) Update(_ context.Context, rec *domain.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[rec.ID]; !ok {
		return ErrRecordVanished
	}
	stored := rec.Clone()
	stored.Kind = r.kind
	r.byID[rec.ID] = stored
	r.byNK[stored.NaturalKey] = rec.ID
	return nil
}

func (r *MemoryRecords) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.byID[id]; ok {
		delete(r.byNK, rec.NaturalKey)
		delete(r.byID, id)
	}
	return nil
}

func (r *MemoryRecords) List(_ context.Context, filters ListFilters, page, size int) ([]*domain.Record, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*domain.Record, 0, len(r.byID))
	for _, rec := range r.byID {
		if len(filters.Status) > 0 && !containsStatus(filters.Status, string(rec.Status)) {
			continue
		}
		if kw := strings.TrimSpace(filters.SearchKeyword); kw != "" &&
			!strings.Contains(strings.ToLower(rec.NaturalKey), strings.ToLower(kw)) {
			continue
		}
		all = append(all, rec.Clone())
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].NaturalKey < all[j].NaturalKey
	})

	total := len(all)
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func containsStatus(statuses []string, s string) bool {
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}
