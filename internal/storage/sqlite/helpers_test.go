package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/statetrace/statetrace/pkg/types"
)

// newTestStore creates a SQLite store backed by a temp file. NewStore applies
// the full schema, so no additional DDL is required in tests.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// mustCreateEntity upserts one entity and returns it.
func mustCreateEntity(t *testing.T, store *Store, entityType, name string) *types.Entity {
	t.Helper()
	results, err := store.UpsertEntities(context.Background(), []types.EntityCandidate{
		{Type: entityType, Name: name},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	return results[0].Entity
}

// newSnapshot builds an unpersisted snapshot for tests.
func newSnapshot(entityID, sourceEventID string, at time.Time, attrs types.Attributes) *types.Snapshot {
	return &types.Snapshot{
		ID:            types.NewSnapshotID(),
		EntityID:      entityID,
		Attributes:    attrs,
		AttrHash:      "hash-" + sourceEventID,
		SourceEventID: sourceEventID,
		Timestamp:     at,
		Confidence:    1.0,
	}
}

// newTransition builds an unpersisted transition for tests.
func newTransition(entityID, fromID, toID, sourceEventID string, at time.Time) *types.Transition {
	return &types.Transition{
		ID:             types.NewTransitionID(),
		EntityID:       entityID,
		FromSnapshotID: fromID,
		ToSnapshotID:   toID,
		ChangedFields:  []string{"status"},
		Reason:         "status: planned -> in_progress",
		Confidence:     1.0,
		SourceEventID:  sourceEventID,
		Timestamp:      at,
	}
}
