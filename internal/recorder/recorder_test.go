package recorder

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statetrace/statetrace/internal/detect"
	"github.com/statetrace/statetrace/internal/resolve"
	"github.com/statetrace/statetrace/internal/storage"
	"github.com/statetrace/statetrace/internal/storage/sqlite"
	"github.com/statetrace/statetrace/pkg/types"
)

// newTestRecorder creates a recorder over a temp SQLite store with a purely
// syntactic detector.
func newTestRecorder(t *testing.T, opts ...Option) (*Recorder, storage.Store) {
	t.Helper()
	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, detect.New(), opts...), store
}

func observedAt(day int) time.Time {
	return time.Date(2025, 3, day, 10, 0, 0, 0, time.UTC)
}

func TestRecordObservations_InitialObservation(t *testing.T) {
	rec, store := newTestRecorder(t)
	ctx := context.Background()

	result, err := rec.RecordObservations(ctx, Event{
		SourceEventID: "meeting-001",
		ObservedAt:    observedAt(1),
		Observations: []types.Observation{{
			Type: types.EntityTypeProject,
			Name: "API Migration",
			Attributes: types.Attributes{
				"status":   "in progress",
				"progress": "30 percent",
			},
		}},
	})
	require.NoError(t, err)

	require.Len(t, result.Entities, 1)
	assert.Equal(t, 1, result.Created)
	require.Len(t, result.Transitions, 1)

	transition := result.Transitions[0]
	assert.Empty(t, transition.FromSnapshotID, "first transition has no prior snapshot")
	assert.Equal(t, types.ReasonInitialObservation, transition.Reason)
	assert.Equal(t, []string{"progress", "status"}, transition.ChangedFields)
	assert.Equal(t, 1.0, transition.Confidence)

	// Snapshot stores the canonical form.
	latest, err := store.GetLatestSnapshots(ctx, []string{result.Entities[0].ID})
	require.NoError(t, err)
	snapshot := latest[result.Entities[0].ID]
	require.NotNil(t, snapshot)
	assert.Equal(t, "in_progress", snapshot.Attributes["status"])
	assert.Equal(t, "30%", snapshot.Attributes["progress"])
	assert.Equal(t, snapshot.ID, transition.ToSnapshotID)
}

func TestRecordObservations_ChangeCarriesForwardUnobservedFields(t *testing.T) {
	rec, store := newTestRecorder(t)
	ctx := context.Background()

	_, err := rec.RecordObservations(ctx, Event{
		SourceEventID: "meeting-001",
		ObservedAt:    observedAt(1),
		Observations: []types.Observation{{
			Type: types.EntityTypeProject,
			Name: "API Migration",
			Attributes: types.Attributes{
				"status":      "in progress",
				"assigned_to": "Sarah Chen",
			},
		}},
	})
	require.NoError(t, err)

	result, err := rec.RecordObservations(ctx, Event{
		SourceEventID: "meeting-002",
		ObservedAt:    observedAt(8),
		Observations: []types.Observation{{
			Type:       types.EntityTypeProject,
			Name:       "api migration",
			Attributes: types.Attributes{"status": "blocked"},
		}},
	})
	require.NoError(t, err)

	assert.Zero(t, result.Created, "second event resolves the existing entity")
	require.Len(t, result.Transitions, 1)
	assert.Equal(t, []string{"status"}, result.Transitions[0].ChangedFields)
	assert.NotEmpty(t, result.Transitions[0].FromSnapshotID)

	latest, err := store.GetLatestSnapshots(ctx, []string{result.Entities[0].ID})
	require.NoError(t, err)
	snapshot := latest[result.Entities[0].ID]
	assert.Equal(t, "blocked", snapshot.Attributes["status"])
	assert.Equal(t, "Sarah Chen", snapshot.Attributes["assigned_to"], "unobserved field is carried forward, not removed")
}

func TestRecordObservations_CanonicalEqualObservationIsNoOp(t *testing.T) {
	rec, store := newTestRecorder(t)
	ctx := context.Background()

	first, err := rec.RecordObservations(ctx, Event{
		SourceEventID: "meeting-001",
		ObservedAt:    observedAt(1),
		Observations: []types.Observation{{
			Type:       types.EntityTypeProject,
			Name:       "API Migration",
			Attributes: types.Attributes{"status": "in_progress"},
		}},
	})
	require.NoError(t, err)
	entityID := first.Entities[0].ID

	second, err := rec.RecordObservations(ctx, Event{
		SourceEventID: "meeting-002",
		ObservedAt:    observedAt(8),
		Observations: []types.Observation{{
			Type:       types.EntityTypeProject,
			Name:       "API Migration",
			Attributes: types.Attributes{"status": "In Progress"},
		}},
	})
	require.NoError(t, err)
	assert.Empty(t, second.Transitions, "cosmetic variant never produces a transition")

	page, err := store.Timeline(ctx, entityID, storage.TimelineOptions{})
	require.NoError(t, err)
	assert.Len(t, page.Transitions, 1)

	// The no-op event is still on the ledger, distinguishable from a lost write.
	event, err := store.GetEvent(ctx, "meeting-002")
	require.NoError(t, err)
	assert.Zero(t, event.TransitionCount)
}

func TestRecordObservations_Idempotence(t *testing.T) {
	rec, store := newTestRecorder(t)
	ctx := context.Background()

	event := Event{
		SourceEventID: "meeting-001",
		ObservedAt:    observedAt(1),
		Observations: []types.Observation{{
			Type:       types.EntityTypeProject,
			Name:       "API Migration",
			Attributes: types.Attributes{"status": "planned"},
		}},
	}

	first, err := rec.RecordObservations(ctx, event)
	require.NoError(t, err)
	require.Len(t, first.Transitions, 1)

	second, err := rec.RecordObservations(ctx, event)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Empty(t, second.Transitions)

	page, err := store.Timeline(ctx, first.Entities[0].ID, storage.TimelineOptions{})
	require.NoError(t, err)
	assert.Len(t, page.Transitions, 1, "replay adds no transitions")
}

func TestRecordObservations_InvalidObservationsSkippedNotFatal(t *testing.T) {
	rec, _ := newTestRecorder(t)
	ctx := context.Background()

	result, err := rec.RecordObservations(ctx, Event{
		SourceEventID: "meeting-001",
		ObservedAt:    observedAt(1),
		Observations: []types.Observation{
			{Type: "starship", Name: "Enterprise", Attributes: types.Attributes{"status": "warp"}},
			{Type: types.EntityTypeTask, Name: "Load Testing", Attributes: types.Attributes{"status": "planned"}},
		},
	})
	require.NoError(t, err)

	require.Len(t, result.Skipped, 1)
	assert.ErrorIs(t, result.Skipped[0].Err, storage.ErrInvalidInput)
	require.Len(t, result.Entities, 1)
	assert.Len(t, result.Transitions, 1)
}

func TestRecordObservations_MissingEventIDRejected(t *testing.T) {
	rec, _ := newTestRecorder(t)

	_, err := rec.RecordObservations(context.Background(), Event{})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestRecordObservations_EmptyAttributesNeverTransition(t *testing.T) {
	rec, store := newTestRecorder(t)
	ctx := context.Background()

	result, err := rec.RecordObservations(ctx, Event{
		SourceEventID: "meeting-001",
		ObservedAt:    observedAt(1),
		Observations: []types.Observation{{
			Type: types.EntityTypeProject,
			Name: "API Migration",
		}},
	})
	require.NoError(t, err)

	assert.Len(t, result.Entities, 1, "entity is still resolved")
	assert.Empty(t, result.Transitions)

	latest, err := store.GetLatestSnapshots(ctx, []string{result.Entities[0].ID})
	require.NoError(t, err)
	assert.Empty(t, latest, "no snapshot for an empty observation")
}

func TestRecordObservations_MergesSameEntityObservations(t *testing.T) {
	rec, store := newTestRecorder(t)
	ctx := context.Background()

	result, err := rec.RecordObservations(ctx, Event{
		SourceEventID: "meeting-001",
		ObservedAt:    observedAt(1),
		Observations: []types.Observation{
			{Type: types.EntityTypeProject, Name: "API Migration", Attributes: types.Attributes{"status": "planned"}},
			{Type: types.EntityTypeProject, Name: "api migration", Attributes: types.Attributes{"progress": "10%"}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Created)
	require.Len(t, result.Transitions, 1, "one transition for the merged observation")

	latest, err := store.GetLatestSnapshots(ctx, []string{result.Entities[0].ID})
	require.NoError(t, err)
	snapshot := latest[result.Entities[0].ID]
	assert.Equal(t, "planned", snapshot.Attributes["status"])
	assert.Equal(t, "10%", snapshot.Attributes["progress"])
}

// failingComparer always errors, forcing degraded detection.
type failingComparer struct{}

func (failingComparer) CompareBatch(ctx context.Context, pairs []detect.ComparePair) ([]detect.Comparison, error) {
	return nil, errors.New("service unavailable")
}

func TestRecordObservations_DegradedDetectionStillRecords(t *testing.T) {
	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rec := New(store, detect.New(detect.WithComparer(failingComparer{})))
	ctx := context.Background()

	_, err = rec.RecordObservations(ctx, Event{
		SourceEventID: "meeting-001",
		ObservedAt:    observedAt(1),
		Observations: []types.Observation{{
			Type:       types.EntityTypeProject,
			Name:       "API Migration",
			Attributes: types.Attributes{"status": "planned"},
		}},
	})
	require.NoError(t, err)

	result, err := rec.RecordObservations(ctx, Event{
		SourceEventID: "meeting-002",
		ObservedAt:    observedAt(8),
		Observations: []types.Observation{{
			Type:       types.EntityTypeProject,
			Name:       "API Migration",
			Attributes: types.Attributes{"status": "underway"},
		}},
	})
	require.NoError(t, err, "semantic-tier failure never fails ingestion")

	assert.True(t, result.Degraded)
	require.Len(t, result.Transitions, 1)
	assert.True(t, result.Transitions[0].Degraded)
	assert.Equal(t, 0.75, result.Transitions[0].Confidence)
	assert.Contains(t, result.Transitions[0].Reason, "syntactic result stands")

	event, err := store.GetEvent(ctx, "meeting-002")
	require.NoError(t, err)
	assert.True(t, event.Degraded)
}

// stubResolver always returns the configured match.
type stubResolver struct {
	match *resolve.Match
}

func (s stubResolver) Resolve(ctx context.Context, name, entityType string) (*resolve.Match, error) {
	return s.match, nil
}

func TestRecordObservations_FuzzyResolverMatchReusesEntity(t *testing.T) {
	rec, store := newTestRecorder(t)
	ctx := context.Background()

	seed, err := rec.RecordObservations(ctx, Event{
		SourceEventID: "meeting-001",
		ObservedAt:    observedAt(1),
		Observations: []types.Observation{{
			Type:       types.EntityTypePerson,
			Name:       "Sarah Chen",
			Attributes: types.Attributes{"status": "active"},
		}},
	})
	require.NoError(t, err)
	sarahID := seed.Entities[0].ID

	fuzzy := New(store, detect.New(), WithResolver(stubResolver{
		match: &resolve.Match{EntityID: sarahID, Name: "Sarah Chen", Confidence: 0.93},
	}))

	result, err := fuzzy.RecordObservations(ctx, Event{
		SourceEventID: "meeting-002",
		ObservedAt:    observedAt(8),
		Observations: []types.Observation{{
			Type:       types.EntityTypePerson,
			Name:       "Sarah",
			Attributes: types.Attributes{"status": "on leave"},
		}},
	})
	require.NoError(t, err)

	assert.Zero(t, result.Created, "fuzzy match reuses the existing entity")
	require.Len(t, result.Entities, 1)
	assert.Equal(t, sarahID, result.Entities[0].ID)
}

func TestRecordObservations_LowConfidenceMatchFallsBackToExact(t *testing.T) {
	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rec := New(store, detect.New(), WithResolver(stubResolver{
		match: &resolve.Match{EntityID: "ent:person:someone-else", Confidence: 0.40},
	}))

	result, err := rec.RecordObservations(context.Background(), Event{
		SourceEventID: "meeting-001",
		ObservedAt:    observedAt(1),
		Observations: []types.Observation{{
			Type:       types.EntityTypePerson,
			Name:       "Sarah",
			Attributes: types.Attributes{"status": "active"},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created, "below-threshold match is ignored")
}

func TestRecordObservations_TwoNamesResolvingToOneEntityMerge(t *testing.T) {
	rec, store := newTestRecorder(t)
	ctx := context.Background()

	seed, err := rec.RecordObservations(ctx, Event{
		SourceEventID: "meeting-001",
		ObservedAt:    observedAt(1),
		Observations: []types.Observation{{
			Type:       types.EntityTypePerson,
			Name:       "Sarah Chen",
			Attributes: types.Attributes{"status": "active"},
		}},
	})
	require.NoError(t, err)
	sarahID := seed.Entities[0].ID

	fuzzy := New(store, detect.New(), WithResolver(stubResolver{
		match: &resolve.Match{EntityID: sarahID, Name: "Sarah Chen", Confidence: 0.95},
	}))

	result, err := fuzzy.RecordObservations(ctx, Event{
		SourceEventID: "meeting-002",
		ObservedAt:    observedAt(8),
		Observations: []types.Observation{
			{Type: types.EntityTypePerson, Name: "Sarah", Attributes: types.Attributes{"status": "on leave"}},
			{Type: types.EntityTypePerson, Name: "Sarah Chen", Attributes: types.Attributes{"location": "remote"}},
		},
	})
	require.NoError(t, err)

	require.Len(t, result.Entities, 1, "both names resolve to one entity")
	require.Len(t, result.Transitions, 1, "one entity, one transition per event")

	latest, err := store.GetLatestSnapshots(ctx, []string{sarahID})
	require.NoError(t, err)
	snapshot := latest[sarahID]
	require.NotNil(t, snapshot)
	assert.Equal(t, "on_leave", snapshot.Attributes["status"])
	assert.Equal(t, "remote", snapshot.Attributes["location"])

	page, err := store.Timeline(ctx, sarahID, storage.TimelineOptions{})
	require.NoError(t, err)
	assert.Len(t, page.Transitions, 2, "seed plus one merged update")
}

// indexingResolver records indexed entities and never matches anything.
type indexingResolver struct {
	mu      sync.Mutex
	indexed []string
}

func (r *indexingResolver) Resolve(ctx context.Context, name, entityType string) (*resolve.Match, error) {
	return nil, nil
}

func (r *indexingResolver) IndexEntity(ctx context.Context, entity *types.Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexed = append(r.indexed, entity.ID)
	return nil
}

func TestRecordObservations_CreatedEntitiesAreIndexedForResolution(t *testing.T) {
	ir := &indexingResolver{}
	rec, _ := newTestRecorder(t, WithResolver(ir))
	ctx := context.Background()

	result, err := rec.RecordObservations(ctx, Event{
		SourceEventID: "meeting-001",
		ObservedAt:    observedAt(1),
		Observations: []types.Observation{
			{Type: types.EntityTypePerson, Name: "Sarah Chen", Attributes: types.Attributes{"status": "active"}},
			{Type: types.EntityTypeProject, Name: "API Migration", Attributes: types.Attributes{"status": "planned"}},
		},
	})
	require.NoError(t, err)
	require.Len(t, result.Entities, 2)

	assert.ElementsMatch(t, []string{result.Entities[0].ID, result.Entities[1].ID}, ir.indexed)

	// Resolving existing entities indexes nothing new.
	_, err = rec.RecordObservations(ctx, Event{
		SourceEventID: "meeting-002",
		ObservedAt:    observedAt(8),
		Observations: []types.Observation{{
			Type:       types.EntityTypePerson,
			Name:       "Sarah Chen",
			Attributes: types.Attributes{"status": "on leave"},
		}},
	})
	require.NoError(t, err)
	assert.Len(t, ir.indexed, 2)
}

// transitionDroppingStore persists the snapshots handed to AppendChanges but
// silently loses the transitions.
type transitionDroppingStore struct {
	storage.Store
}

func (s *transitionDroppingStore) AppendChanges(ctx context.Context, snapshots []*types.Snapshot, transitions []*types.Transition) error {
	return s.Store.AppendSnapshots(ctx, snapshots)
}

func TestRecordObservations_HealsSnapshotWithoutTransition(t *testing.T) {
	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rec := New(&transitionDroppingStore{Store: store}, detect.New())
	ctx := context.Background()

	result, err := rec.RecordObservations(ctx, Event{
		SourceEventID: "meeting-001",
		ObservedAt:    observedAt(1),
		Observations: []types.Observation{{
			Type:       types.EntityTypeProject,
			Name:       "API Migration",
			Attributes: types.Attributes{"status": "planned", "owner": "Sarah Chen"},
		}},
	})
	require.NoError(t, err)

	healed := false
	for _, transition := range result.Transitions {
		if transition.AutoHealed {
			healed = true
		}
	}
	assert.True(t, healed, "the gap is reported on the result")

	entityID := result.Entities[0].ID
	page, err := store.Timeline(ctx, entityID, storage.TimelineOptions{})
	require.NoError(t, err)
	require.Len(t, page.Transitions, 1, "the lost transition is synthesized")

	transition := page.Transitions[0]
	assert.True(t, transition.AutoHealed)
	assert.Equal(t, types.ReasonAutoHealed, transition.Reason)
	assert.ElementsMatch(t, []string{"owner", "status"}, transition.ChangedFields)
	assert.Equal(t, "meeting-001", transition.SourceEventID)

	latest, err := store.GetLatestSnapshots(ctx, []string{entityID})
	require.NoError(t, err)
	assert.Equal(t, latest[entityID].ID, transition.ToSnapshotID, "state and timeline agree again")
}

// failingChangesStore rejects every atomic write.
type failingChangesStore struct {
	storage.Store
}

func (s *failingChangesStore) AppendChanges(ctx context.Context, snapshots []*types.Snapshot, transitions []*types.Transition) error {
	return errors.New("disk full")
}

func TestRecordObservations_PersistFailureLeavesNothingVisible(t *testing.T) {
	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broken := New(&failingChangesStore{Store: store}, detect.New())
	ctx := context.Background()

	event := Event{
		SourceEventID: "meeting-001",
		ObservedAt:    observedAt(1),
		Observations: []types.Observation{{
			Type:       types.EntityTypeProject,
			Name:       "API Migration",
			Attributes: types.Attributes{"status": "planned"},
		}},
	}

	_, err = broken.RecordObservations(ctx, event)
	var persistErr *PersistError
	require.ErrorAs(t, err, &persistErr)
	require.Len(t, persistErr.Transitions, 1, "computed transitions survive for the retry")
	entityID := persistErr.Transitions[0].EntityID

	// No orphan snapshot and no ledger row: the failed event is fully retryable.
	latest, err := store.GetLatestSnapshots(ctx, []string{entityID})
	require.NoError(t, err)
	assert.Empty(t, latest)
	_, err = store.GetEvent(ctx, "meeting-001")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Retrying against the healthy store records the full change.
	result, err := New(store, detect.New()).RecordObservations(ctx, event)
	require.NoError(t, err)
	require.Len(t, result.Transitions, 1)
	assert.Equal(t, types.ReasonInitialObservation, result.Transitions[0].Reason)

	page, err := store.Timeline(ctx, result.Entities[0].ID, storage.TimelineOptions{})
	require.NoError(t, err)
	require.Len(t, page.Transitions, 1)

	latest, err = store.GetLatestSnapshots(ctx, []string{result.Entities[0].ID})
	require.NoError(t, err)
	assert.Equal(t, latest[result.Entities[0].ID].ID, page.Transitions[0].ToSnapshotID)
}

func TestWithRetry_ExpiredContextSkipsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	boom := errors.New("boom")
	err := withRetry(ctx, func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls, "no second attempt once the budget is spent")
}

func TestRecordObservations_ConcurrentEvents(t *testing.T) {
	rec, store := newTestRecorder(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = rec.RecordObservations(ctx, Event{
				SourceEventID: fmt.Sprintf("meeting-%03d", i),
				ObservedAt:    observedAt(1).Add(time.Duration(i) * time.Hour),
				Observations: []types.Observation{{
					Type:       types.EntityTypeTask,
					Name:       fmt.Sprintf("Task %d", i),
					Attributes: types.Attributes{"status": "planned"},
				}},
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "event %d", i)
	}

	counts, err := store.CountByType(ctx)
	require.NoError(t, err)
	assert.Equal(t, workers, counts[types.EntityTypeTask])
}
