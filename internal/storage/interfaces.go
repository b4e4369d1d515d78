// Package storage provides composable storage interfaces for the statetrace
// engine.
//
// The layer is split into two small interfaces with exclusive ownership:
// EntityStore owns entity records, HistoryStore owns snapshots, transitions,
// and the ingestion event ledger, referencing entities by id only. Both are
// batch-oriented by contract: every multi-item operation is a single storage
// round-trip, and every multi-row write is atomic.
package storage

import (
	"context"

	"github.com/statetrace/statetrace/pkg/types"
)

// UpsertResult is the per-candidate outcome of a batched entity upsert.
// Exactly one of Entity or Err is set: a malformed candidate is rejected with
// a validation error without aborting the rest of the batch.
type UpsertResult struct {
	// Candidate is the input this result corresponds to.
	Candidate types.EntityCandidate

	// Entity is the resolved or newly created entity.
	Entity *types.Entity

	// Created is true when the entity was created by this call rather than
	// resolved to an existing record.
	Created bool

	// Err is the per-candidate validation error, wrapping ErrInvalidInput.
	Err error
}

// EntityStore provides durable upsert and lookup of entities by identity.
type EntityStore interface {
	// UpsertEntities resolves or creates entities for the given candidates
	// as one atomic unit: either every valid candidate is resolved/created,
	// or none are. An existing (normalized_name, type) match returns the
	// existing entity with its name unchanged; renames require
	// RenameEntity. Results are returned in candidate order.
	UpsertEntities(ctx context.Context, candidates []types.EntityCandidate) ([]UpsertResult, error)

	// GetEntities is a batched lookup performed in a single round-trip
	// regardless of list size. Missing ids are simply absent from the
	// result map, not an error.
	GetEntities(ctx context.Context, ids []string) (map[string]*types.Entity, error)

	// GetEntityByKey looks up a single entity by its dedup key.
	// Returns ErrNotFound if no such entity exists.
	GetEntityByKey(ctx context.Context, normalizedName, entityType string) (*types.Entity, error)

	// RenameEntity corrects an entity's display name. Identity (id) is
	// immutable; the normalized dedup key is re-derived from the new name.
	// Fails with ErrInvalidInput if the new key collides with another
	// entity of the same type. Returns ErrNotFound for unknown ids.
	RenameEntity(ctx context.Context, id, newName string) error

	// ListEntities retrieves entities with pagination and optional type
	// filtering.
	ListEntities(ctx context.Context, opts ListOptions) (*PaginatedResult[types.Entity], error)

	// CountByType returns entity counts keyed by entity type.
	CountByType(ctx context.Context) (map[string]int, error)
}

// HistoryStore provides append-only persistence and retrieval of snapshots,
// transitions, and the ingestion event ledger.
type HistoryStore interface {
	// GetLatestSnapshots returns the most recent snapshot per entity in one
	// query regardless of list size. Entities with no prior snapshot are
	// absent from the result map.
	GetLatestSnapshots(ctx context.Context, entityIDs []string) (map[string]*types.Snapshot, error)

	// AppendSnapshots atomically inserts the batch; no partial writes on
	// failure. Store-assigned Seq values are written back into the slice.
	AppendSnapshots(ctx context.Context, snapshots []*types.Snapshot) error

	// AppendTransitions atomically inserts the batch, same guarantee as
	// AppendSnapshots. Replays of an already-recorded
	// (entity, source_event, to_snapshot) triple are ignored, keeping
	// event re-processing idempotent.
	AppendTransitions(ctx context.Context, transitions []*types.Transition) error

	// AppendChanges persists a snapshot batch and its transition batch in
	// one transaction: on failure nothing from either batch is visible, so
	// an entity's state never advances without its transition committing
	// with it. Replayed transitions are ignored as in AppendTransitions.
	// Store-assigned Seq values are written back into both slices.
	AppendChanges(ctx context.Context, snapshots []*types.Snapshot, transitions []*types.Transition) error

	// Timeline returns one page of an entity's transitions ordered by
	// timestamp ascending, ties broken by insertion order. The returned
	// cursor lets the caller page until exhaustion: a limit bounds the page
	// size but never silently truncates the sequence.
	Timeline(ctx context.Context, entityID string, opts TimelineOptions) (*TimelinePage, error)

	// GetTransitionsByEvent returns every transition recorded for one
	// source event, in one query. Used by self-healing validation to find
	// entities whose state changed without a matching transition.
	GetTransitionsByEvent(ctx context.Context, sourceEventID string) ([]types.Transition, error)

	// RecordEvent upserts the ledger row for one processed ingestion event.
	RecordEvent(ctx context.Context, event *IngestionEvent) error

	// GetEvent returns the ledger row for a source event id.
	// Returns ErrNotFound when the event has never been processed.
	GetEvent(ctx context.Context, sourceEventID string) (*IngestionEvent, error)
}

// Store combines both storage interfaces behind one backend handle.
type Store interface {
	EntityStore
	HistoryStore

	// Close releases any resources held by the store.
	Close() error
}
