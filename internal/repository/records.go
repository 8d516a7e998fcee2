package repository

import (
	"context"
	"errors"

	"vms-registry/internal/domain"
)

// ErrDuplicateNaturalKey is returned by Insert when the natural key is
// already bound to a row. The engine converts it into an update.
var ErrDuplicateNaturalKey = errors.New("repository: natural key already exists")

// ErrRecordVanished is returned by Update when the addressed row no longer
// exists (deleted between resolve and write).
var ErrRecordVanished = errors.New("repository: record vanished")

// RecordStore 注册表记录的持久化边界（无缓存、无锁、无重试）
//
// Find* return (nil, nil) when no row matches; any non-nil error is a store
// failure. Insert assigns and returns the surrogate id.
type RecordStore interface {
	FindBySurrogate(ctx context.Context, id string) (*domain.Record, error)
	FindByNatural(ctx context.Context, naturalKey string) (*domain.Record, error)
	FindBySecondary(ctx context.Context, secondaryKey string) (*domain.Record, error)

	Insert(ctx context.Context, rec *domain.Record) (string, error)
	Update(ctx context.Context, rec *domain.Record) error

	// Delete removes the row. Deleting an absent row is not an error.
	Delete(ctx context.Context, id string) error

	// List returns a page of records ordered by natural key, plus the
	// total count. Used by the admin read side only.
	List(ctx context.Context, filters ListFilters, page, size int) ([]*domain.Record, int, error)
}

// ListFilters 注册表列表查询过滤器
type ListFilters struct {
	Status        []string // 状态过滤（registered, online, offline）
	SearchKeyword string   // 按 natural key 模糊搜索
}
