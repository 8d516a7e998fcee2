package repository_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vms-registry/internal/domain"
	"vms-registry/internal/repository"
)

func TestMemoryRecordsInsertEnforcesNaturalKeyUniqueness(t *testing.T) {
	repo := repository.NewMemoryRecords("device")
	ctx := context.Background()

	id, err := repo.Insert(ctx, &domain.Record{NaturalKey: "dev-1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = repo.Insert(ctx, &domain.Record{NaturalKey: "dev-1"})
	require.ErrorIs(t, err, repository.ErrDuplicateNaturalKey)
}

func TestMemoryRecordsFindPaths(t *testing.T) {
	repo := repository.NewMemoryRecords("device")
	ctx := context.Background()

	id, err := repo.Insert(ctx, &domain.Record{
		NaturalKey:   "dev-1",
		SecondaryKey: "tok-1",
		Status:       domain.StatusRegistered,
	})
	require.NoError(t, err)

	byID, err := repo.FindBySurrogate(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "dev-1", byID.NaturalKey)

	byNK, err := repo.FindByNatural(ctx, "dev-1")
	require.NoError(t, err)
	require.NotNil(t, byNK)
	assert.Equal(t, id, byNK.ID)

	bySK, err := repo.FindBySecondary(ctx, "tok-1")
	require.NoError(t, err)
	require.NotNil(t, bySK)
	assert.Equal(t, id, bySK.ID)

	missing, err := repo.FindByNatural(ctx, "dev-none")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryRecordsReturnsClones(t *testing.T) {
	repo := repository.NewMemoryRecords("device")
	ctx := context.Background()

	id, err := repo.Insert(ctx, &domain.Record{
		NaturalKey: "dev-1",
		Attributes: map[string]string{"name": "cam"},
	})
	require.NoError(t, err)

	first, err := repo.FindBySurrogate(ctx, id)
	require.NoError(t, err)
	first.Attributes["name"] = "tampered"

	second, err := repo.FindBySurrogate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "cam", second.Attributes["name"], "stored record is isolated from callers")
}

func TestMemoryRecordsUpdateMissingRow(t *testing.T) {
	repo := repository.NewMemoryRecords("device")

	err := repo.Update(context.Background(), &domain.Record{ID: "ghost", NaturalKey: "dev-1"})
	require.ErrorIs(t, err, repository.ErrRecordVanished)
}

func TestMemoryRecordsDeleteIsIdempotent(t *testing.T) {
	repo := repository.NewMemoryRecords("device")
	ctx := context.Background()

	id, err := repo.Insert(ctx, &domain.Record{NaturalKey: "dev-1"})
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, id))
	require.NoError(t, repo.Delete(ctx, id))

	got, err := repo.FindBySurrogate(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryRecordsList(t *testing.T) {
	repo := repository.NewMemoryRecords("device")
	ctx := context.Background()

	for _, rec := range []*domain.Record{
		{NaturalKey: "dev-a", Status: domain.StatusOnline},
		{NaturalKey: "dev-b", Status: domain.StatusOffline},
		{NaturalKey: "dev-c", Status: domain.StatusOnline},
		{NaturalKey: "cam-d", Status: domain.StatusRegistered},
	} {
		_, err := repo.Insert(ctx, rec)
		require.NoError(t, err)
	}

	all, total, err := repo.List(ctx, repository.ListFilters{}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, all, 4)
	assert.Equal(t, "cam-d", all[0].NaturalKey, "ordered by natural key")

	online, total, err := repo.List(ctx, repository.ListFilters{Status: []string{"online"}}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, online, 2)

	search, total, err := repo.List(ctx, repository.ListFilters{SearchKeyword: "cam"}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, search, 1)
	assert.Equal(t, "cam-d", search[0].NaturalKey)

	page2, total, err := repo.List(ctx, repository.ListFilters{}, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, page2, 1)
}
