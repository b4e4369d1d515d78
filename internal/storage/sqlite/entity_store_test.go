package sqlite

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statetrace/statetrace/internal/storage"
	"github.com/statetrace/statetrace/pkg/types"
)

func TestUpsertEntities_CreatesThenResolves(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.UpsertEntities(ctx, []types.EntityCandidate{
		{Type: types.EntityTypeProject, Name: "API Migration"},
	})
	require.NoError(t, err)
	require.True(t, first[0].Created)
	require.NotEmpty(t, first[0].Entity.ID)

	// Same identity under a different surface form resolves, never creates.
	second, err := store.UpsertEntities(ctx, []types.EntityCandidate{
		{Type: types.EntityTypeProject, Name: "  api   migration "},
	})
	require.NoError(t, err)
	assert.False(t, second[0].Created)
	assert.Equal(t, first[0].Entity.ID, second[0].Entity.ID)

	// Display name stays as first observed.
	assert.Equal(t, "API Migration", second[0].Entity.Name)
}

func TestUpsertEntities_SameNameDifferentTypeAreDistinct(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	results, err := store.UpsertEntities(ctx, []types.EntityCandidate{
		{Type: types.EntityTypeProject, Name: "Phoenix"},
		{Type: types.EntityTypeTeam, Name: "Phoenix"},
	})
	require.NoError(t, err)
	require.True(t, results[0].Created)
	require.True(t, results[1].Created)
	assert.NotEqual(t, results[0].Entity.ID, results[1].Entity.ID)
}

func TestUpsertEntities_InBatchDedup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	results, err := store.UpsertEntities(ctx, []types.EntityCandidate{
		{Type: types.EntityTypeProject, Name: "API Migration"},
		{Type: types.EntityTypeProject, Name: "api migration"},
	})
	require.NoError(t, err)
	assert.True(t, results[0].Created)
	assert.False(t, results[1].Created)
	assert.Equal(t, results[0].Entity.ID, results[1].Entity.ID)
}

func TestUpsertEntities_InvalidCandidateDoesNotAbortBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	results, err := store.UpsertEntities(ctx, []types.EntityCandidate{
		{Type: types.EntityTypeProject, Name: ""},
		{Type: "starship", Name: "Enterprise"},
		{Type: types.EntityTypePerson, Name: "Sarah Chen"},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.ErrorIs(t, results[0].Err, storage.ErrInvalidInput)
	assert.ErrorIs(t, results[1].Err, storage.ErrInvalidInput)
	require.NoError(t, results[2].Err)
	assert.True(t, results[2].Created)
}

func TestGetEntities_MissingIDsAbsentNotError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entity := mustCreateEntity(t, store, types.EntityTypePerson, "Sarah Chen")

	entities, err := store.GetEntities(ctx, []string{entity.ID, "ent:person:missing"})
	require.NoError(t, err)
	assert.Len(t, entities, 1)
	assert.Equal(t, entity.ID, entities[entity.ID].ID)

	empty, err := store.GetEntities(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestGetEntityByKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entity := mustCreateEntity(t, store, types.EntityTypeProject, "API Migration")

	got, err := store.GetEntityByKey(ctx, "api migration", types.EntityTypeProject)
	require.NoError(t, err)
	assert.Equal(t, entity.ID, got.ID)

	_, err = store.GetEntityByKey(ctx, "api migration", types.EntityTypeTask)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRenameEntity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entity := mustCreateEntity(t, store, types.EntityTypePerson, "Sarah")

	require.NoError(t, store.RenameEntity(ctx, entity.ID, "Sarah Chen"))

	got, err := store.GetEntityByKey(ctx, "sarah chen", types.EntityTypePerson)
	require.NoError(t, err)
	assert.Equal(t, entity.ID, got.ID, "identity survives rename")
	assert.Equal(t, "Sarah Chen", got.Name)
}

func TestRenameEntity_Errors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entity := mustCreateEntity(t, store, types.EntityTypePerson, "Sarah")
	mustCreateEntity(t, store, types.EntityTypePerson, "Sarah Chen")

	err := store.RenameEntity(ctx, entity.ID, "sarah chen")
	assert.ErrorIs(t, err, storage.ErrInvalidInput, "rename into an existing key is rejected")

	assert.ErrorIs(t, store.RenameEntity(ctx, "ent:person:missing", "Anyone"), storage.ErrNotFound)
	assert.ErrorIs(t, store.RenameEntity(ctx, entity.ID, "   "), storage.ErrInvalidInput)
}

func TestListEntities_PaginationAndFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		mustCreateEntity(t, store, types.EntityTypeTask, fmt.Sprintf("Task %d", i))
	}
	mustCreateEntity(t, store, types.EntityTypeProject, "API Migration")

	page, err := store.ListEntities(ctx, storage.ListOptions{Type: types.EntityTypeTask, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, 5, page.Total)
	assert.True(t, page.HasMore)

	last, err := store.ListEntities(ctx, storage.ListOptions{Type: types.EntityTypeTask, Limit: 2, Page: 3})
	require.NoError(t, err)
	assert.Len(t, last.Items, 1)
	assert.False(t, last.HasMore)

	// Hostile sort fields fall back to the whitelist default.
	all, err := store.ListEntities(ctx, storage.ListOptions{SortBy: "name; DROP TABLE entities"})
	require.NoError(t, err)
	assert.Equal(t, 6, all.Total)
}

func TestCountByType(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustCreateEntity(t, store, types.EntityTypeTask, "Task A")
	mustCreateEntity(t, store, types.EntityTypeTask, "Task B")
	mustCreateEntity(t, store, types.EntityTypePerson, "Sarah Chen")

	counts, err := store.CountByType(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{
		types.EntityTypeTask:   2,
		types.EntityTypePerson: 1,
	}, counts)
}

func TestUpsertEntities_ErrorsAreDistinguishable(t *testing.T) {
	store := newTestStore(t)

	results, err := store.UpsertEntities(context.Background(), []types.EntityCandidate{
		{Type: "nope", Name: "x"},
	})
	require.NoError(t, err)
	require.Error(t, results[0].Err)
	assert.True(t, errors.Is(results[0].Err, storage.ErrInvalidInput))
	assert.False(t, errors.Is(results[0].Err, storage.ErrNotFound))
}
