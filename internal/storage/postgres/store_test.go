package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statetrace/statetrace/internal/storage"
	"github.com/statetrace/statetrace/pkg/types"
)

// newTestStore connects to the database named by STATETRACE_TEST_POSTGRES_DSN,
// skipping the test when none is configured. Each test uses unique entity
// names, so a shared database is fine.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("STATETRACE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("STATETRACE_TEST_POSTGRES_DSN not set; skipping PostgreSQL integration tests")
	}

	store, err := NewStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func uniqueName(t *testing.T) string {
	return t.Name() + "-" + time.Now().UTC().Format("20060102150405.000000000")
}

func TestPostgres_UpsertResolveAndRename(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	name := uniqueName(t)

	first, err := store.UpsertEntities(ctx, []types.EntityCandidate{
		{Type: types.EntityTypeProject, Name: name},
	})
	require.NoError(t, err)
	require.True(t, first[0].Created)

	second, err := store.UpsertEntities(ctx, []types.EntityCandidate{
		{Type: types.EntityTypeProject, Name: "  " + name + "  "},
	})
	require.NoError(t, err)
	assert.False(t, second[0].Created)
	assert.Equal(t, first[0].Entity.ID, second[0].Entity.ID)

	require.NoError(t, store.RenameEntity(ctx, first[0].Entity.ID, name+" v2"))
	got, err := store.GetEntityByKey(ctx, types.NormalizeName(name+" v2"), types.EntityTypeProject)
	require.NoError(t, err)
	assert.Equal(t, first[0].Entity.ID, got.ID)
}

func TestPostgres_SnapshotTransitionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	results, err := store.UpsertEntities(ctx, []types.EntityCandidate{
		{Type: types.EntityTypeTask, Name: uniqueName(t)},
	})
	require.NoError(t, err)
	entity := results[0].Entity

	at := time.Now().UTC().Truncate(time.Microsecond)
	snapshot := &types.Snapshot{
		ID:            types.NewSnapshotID(),
		EntityID:      entity.ID,
		Attributes:    types.Attributes{"status": "in_progress"},
		AttrHash:      "h1",
		SourceEventID: "pg-meeting-1-" + entity.ID,
		Timestamp:     at,
		Confidence:    1.0,
	}
	require.NoError(t, store.AppendSnapshots(ctx, []*types.Snapshot{snapshot}))
	assert.Greater(t, snapshot.Seq, int64(0), "BIGSERIAL seq returned via RETURNING")

	transition := &types.Transition{
		ID:            types.NewTransitionID(),
		EntityID:      entity.ID,
		ToSnapshotID:  snapshot.ID,
		ChangedFields: []string{"status"},
		Reason:        types.ReasonInitialObservation,
		Confidence:    1.0,
		SourceEventID: snapshot.SourceEventID,
		Timestamp:     at,
	}
	require.NoError(t, store.AppendTransitions(ctx, []*types.Transition{transition}))
	assert.Greater(t, transition.Seq, int64(0))

	// Replay of the same triple is dropped.
	replay := &types.Transition{
		ID:            types.NewTransitionID(),
		EntityID:      entity.ID,
		ToSnapshotID:  snapshot.ID,
		ChangedFields: []string{"status"},
		Reason:        types.ReasonInitialObservation,
		Confidence:    1.0,
		SourceEventID: snapshot.SourceEventID,
		Timestamp:     at,
	}
	require.NoError(t, store.AppendTransitions(ctx, []*types.Transition{replay}))
	assert.Zero(t, replay.Seq)

	latest, err := store.GetLatestSnapshots(ctx, []string{entity.ID})
	require.NoError(t, err)
	require.Contains(t, latest, entity.ID)
	assert.Equal(t, snapshot.ID, latest[entity.ID].ID)

	page, err := store.Timeline(ctx, entity.ID, storage.TimelineOptions{})
	require.NoError(t, err)
	assert.Len(t, page.Transitions, 1)
}

func TestPostgres_AppendChangesIsOneUnit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	results, err := store.UpsertEntities(ctx, []types.EntityCandidate{
		{Type: types.EntityTypeProject, Name: uniqueName(t)},
	})
	require.NoError(t, err)
	entity := results[0].Entity
	at := time.Now().UTC().Truncate(time.Microsecond)

	snapshot := &types.Snapshot{
		ID:            types.NewSnapshotID(),
		EntityID:      entity.ID,
		Attributes:    types.Attributes{"status": "planned"},
		AttrHash:      "h1",
		SourceEventID: "pg-changes-" + entity.ID,
		Timestamp:     at,
		Confidence:    1.0,
	}
	bad := &types.Transition{
		ID:            types.NewTransitionID(),
		EntityID:      entity.ID,
		ToSnapshotID:  "", // rejected mid-transaction
		Reason:        types.ReasonInitialObservation,
		SourceEventID: snapshot.SourceEventID,
		Timestamp:     at,
	}

	err = store.AppendChanges(ctx, []*types.Snapshot{snapshot}, []*types.Transition{bad})
	require.Error(t, err)

	latest, err := store.GetLatestSnapshots(ctx, []string{entity.ID})
	require.NoError(t, err)
	assert.Empty(t, latest, "failed transition rolls the snapshot back too")

	good := &types.Transition{
		ID:            types.NewTransitionID(),
		EntityID:      entity.ID,
		ToSnapshotID:  snapshot.ID,
		ChangedFields: []string{"status"},
		Reason:        types.ReasonInitialObservation,
		Confidence:    1.0,
		SourceEventID: snapshot.SourceEventID,
		Timestamp:     at,
	}
	require.NoError(t, store.AppendChanges(ctx, []*types.Snapshot{snapshot}, []*types.Transition{good}))
	assert.Greater(t, snapshot.Seq, int64(0))
	assert.Greater(t, good.Seq, int64(0))
}

func TestPostgres_EventLedger(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	eventID := "pg-ledger-" + uniqueName(t)

	_, err := store.GetEvent(ctx, eventID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.RecordEvent(ctx, &storage.IngestionEvent{
		SourceEventID:   eventID,
		ProcessedAt:     time.Now().UTC(),
		EntityCount:     2,
		TransitionCount: 1,
	}))

	got, err := store.GetEvent(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.EntityCount)
}
