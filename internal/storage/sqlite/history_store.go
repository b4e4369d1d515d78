package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/statetrace/statetrace/internal/storage"
	"github.com/statetrace/statetrace/pkg/types"
)

// GetLatestSnapshots returns the most recent snapshot per entity in one query.
// "Most recent" is by observation timestamp, insertion order breaking ties.
// Entities with no prior snapshot are simply absent from the result map.
func (s *Store) GetLatestSnapshots(ctx context.Context, entityIDs []string) (map[string]*types.Snapshot, error) {
	latest := make(map[string]*types.Snapshot, len(entityIDs))
	if len(entityIDs) == 0 {
		return latest, nil
	}

	query := `
		SELECT seq, id, entity_id, attributes, attr_hash, source_event_id, timestamp, confidence
		FROM (
			SELECT s.*,
			       ROW_NUMBER() OVER (
			           PARTITION BY entity_id
			           ORDER BY timestamp DESC, seq DESC
			       ) AS rn
			FROM snapshots s
			WHERE entity_id IN (` + placeholders(len(entityIDs)) + `)
		)
		WHERE rn = 1`

	rows, err := s.db.QueryContext(ctx, query, stringArgs(entityIDs)...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get latest snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		latest[snapshot.EntityID] = snapshot
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: error iterating snapshots: %w", err)
	}

	return latest, nil
}

// AppendSnapshots atomically inserts the batch. Store-assigned Seq values are
// written back into the slice; on any failure the transaction rolls back and
// nothing from the batch is visible.
func (s *Store) AppendSnapshots(ctx context.Context, snapshots []*types.Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	for _, snapshot := range snapshots {
		if err := insertSnapshotTx(ctx, tx, snapshot); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit snapshots: %w", err)
	}

	return nil
}

// insertSnapshotTx inserts one snapshot inside an open transaction and writes
// the assigned seq back.
func insertSnapshotTx(ctx context.Context, tx *sql.Tx, snapshot *types.Snapshot) error {
	if snapshot.ID == "" || snapshot.EntityID == "" {
		return fmt.Errorf("%w: snapshot ID and entity ID are required", storage.ErrInvalidInput)
	}

	attrsJSON, err := json.Marshal(snapshot.Attributes)
	if err != nil {
		return fmt.Errorf("sqlite: failed to marshal snapshot attributes: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (id, entity_id, attributes, attr_hash, source_event_id, timestamp, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, snapshot.ID, snapshot.EntityID, string(attrsJSON), snapshot.AttrHash,
		snapshot.SourceEventID, utc(snapshot.Timestamp), snapshot.Confidence)
	if err != nil {
		return fmt.Errorf("sqlite: failed to insert snapshot %s: %w", snapshot.ID, err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: failed to read snapshot seq: %w", err)
	}
	snapshot.Seq = seq
	return nil
}

// AppendTransitions atomically inserts the batch. A replay of an already
// recorded (entity, source_event, to_snapshot) triple is ignored rather than
// duplicated, which keeps event re-processing idempotent.
func (s *Store) AppendTransitions(ctx context.Context, transitions []*types.Transition) error {
	if len(transitions) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin transition transaction: %w", err)
	}
	defer tx.Rollback()

	for _, transition := range transitions {
		if err := insertTransitionTx(ctx, tx, transition); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit transitions: %w", err)
	}

	return nil
}

// insertTransitionTx inserts one transition inside an open transaction,
// ignoring replays of an already-recorded triple.
func insertTransitionTx(ctx context.Context, tx *sql.Tx, transition *types.Transition) error {
	if transition.ID == "" || transition.EntityID == "" || transition.ToSnapshotID == "" {
		return fmt.Errorf("%w: transition ID, entity ID, and to-snapshot ID are required", storage.ErrInvalidInput)
	}

	fieldsJSON, err := json.Marshal(transition.ChangedFields)
	if err != nil {
		return fmt.Errorf("sqlite: failed to marshal changed fields: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO transitions (
			id, entity_id, from_snapshot_id, to_snapshot_id,
			changed_fields, reason, confidence, degraded, auto_healed,
			source_event_id, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, source_event_id, to_snapshot_id) DO NOTHING
	`, transition.ID, transition.EntityID, nullableString(transition.FromSnapshotID),
		transition.ToSnapshotID, string(fieldsJSON), transition.Reason,
		transition.Confidence, boolInt(transition.Degraded), boolInt(transition.AutoHealed),
		transition.SourceEventID, utc(transition.Timestamp))
	if err != nil {
		return fmt.Errorf("sqlite: failed to insert transition %s: %w", transition.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Replayed transition: already recorded by an earlier run of the
		// same event. Seq stays zero.
		return nil
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: failed to read transition seq: %w", err)
	}
	transition.Seq = seq
	return nil
}

// AppendChanges inserts the snapshot batch and the transition batch in one
// transaction. A failure anywhere rolls back both, so an entity's state never
// becomes visible without the transition that explains it.
func (s *Store) AppendChanges(ctx context.Context, snapshots []*types.Snapshot, transitions []*types.Transition) error {
	if len(snapshots) == 0 && len(transitions) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin changes transaction: %w", err)
	}
	defer tx.Rollback()

	for _, snapshot := range snapshots {
		if err := insertSnapshotTx(ctx, tx, snapshot); err != nil {
			return err
		}
	}
	for _, transition := range transitions {
		if err := insertTransitionTx(ctx, tx, transition); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit changes: %w", err)
	}

	return nil
}

// Timeline returns one page of an entity's transitions ordered by timestamp
// ascending, insertion order breaking ties. The cursor is the Seq of the last
// transition already seen; the row-value comparison resumes strictly after it
// in (timestamp, seq) order, so paging is restartable and never truncates.
func (s *Store) Timeline(ctx context.Context, entityID string, opts storage.TimelineOptions) (*storage.TimelinePage, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}
	opts.Normalize()

	query := `
		SELECT seq, id, entity_id, from_snapshot_id, to_snapshot_id,
		       changed_fields, reason, confidence, degraded, auto_healed,
		       source_event_id, timestamp
		FROM transitions
		WHERE entity_id = ?
		  AND (? = 0 OR (timestamp, seq) > (
		      SELECT timestamp, seq FROM transitions WHERE seq = ?
		  ))
		ORDER BY timestamp ASC, seq ASC
		LIMIT ?`

	// Fetch one extra row to learn whether more pages exist.
	rows, err := s.db.QueryContext(ctx, query, entityID, opts.AfterSeq, opts.AfterSeq, opts.Limit+1)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to read timeline: %w", err)
	}
	defer rows.Close()

	var transitions []types.Transition
	for rows.Next() {
		transition, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		transitions = append(transitions, *transition)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: error iterating timeline: %w", err)
	}

	page := &storage.TimelinePage{}
	if len(transitions) > opts.Limit {
		transitions = transitions[:opts.Limit]
		page.HasMore = true
	}
	page.Transitions = transitions
	if page.HasMore && len(transitions) > 0 {
		page.NextCursor = transitions[len(transitions)-1].Seq
	}

	return page, nil
}

// GetTransitionsByEvent returns every transition recorded for one source
// event in a single query.
func (s *Store) GetTransitionsByEvent(ctx context.Context, sourceEventID string) ([]types.Transition, error) {
	if sourceEventID == "" {
		return nil, fmt.Errorf("%w: source event ID is required", storage.ErrInvalidInput)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, entity_id, from_snapshot_id, to_snapshot_id,
		       changed_fields, reason, confidence, degraded, auto_healed,
		       source_event_id, timestamp
		FROM transitions
		WHERE source_event_id = ?
		ORDER BY seq ASC
	`, sourceEventID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get transitions by event: %w", err)
	}
	defer rows.Close()

	var transitions []types.Transition
	for rows.Next() {
		transition, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		transitions = append(transitions, *transition)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: error iterating event transitions: %w", err)
	}

	return transitions, nil
}

// RecordEvent upserts the ledger row for one processed ingestion event.
func (s *Store) RecordEvent(ctx context.Context, event *storage.IngestionEvent) error {
	if event == nil || event.SourceEventID == "" {
		return fmt.Errorf("%w: source event ID is required", storage.ErrInvalidInput)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingestion_events (source_event_id, processed_at, entity_count, transition_count, degraded)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_event_id) DO UPDATE SET
			processed_at = excluded.processed_at,
			entity_count = excluded.entity_count,
			transition_count = excluded.transition_count,
			degraded = excluded.degraded
	`, event.SourceEventID, utc(event.ProcessedAt), event.EntityCount,
		event.TransitionCount, boolInt(event.Degraded))
	if err != nil {
		return fmt.Errorf("sqlite: failed to record ingestion event: %w", err)
	}

	return nil
}

// GetEvent returns the ledger row for a source event id.
func (s *Store) GetEvent(ctx context.Context, sourceEventID string) (*storage.IngestionEvent, error) {
	if sourceEventID == "" {
		return nil, fmt.Errorf("%w: source event ID is required", storage.ErrInvalidInput)
	}

	var event storage.IngestionEvent
	var degraded int
	err := s.db.QueryRowContext(ctx, `
		SELECT source_event_id, processed_at, entity_count, transition_count, degraded
		FROM ingestion_events
		WHERE source_event_id = ?
	`, sourceEventID).Scan(&event.SourceEventID, &event.ProcessedAt,
		&event.EntityCount, &event.TransitionCount, &degraded)

	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get ingestion event: %w", err)
	}

	event.Degraded = degraded != 0
	return &event, nil
}

// scanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanSnapshot scans one snapshots row.
func scanSnapshot(row scanner) (*types.Snapshot, error) {
	var snapshot types.Snapshot
	var attrsJSON string

	if err := row.Scan(&snapshot.Seq, &snapshot.ID, &snapshot.EntityID, &attrsJSON,
		&snapshot.AttrHash, &snapshot.SourceEventID, &snapshot.Timestamp, &snapshot.Confidence); err != nil {
		return nil, fmt.Errorf("sqlite: failed to scan snapshot: %w", err)
	}

	if attrsJSON != "" {
		if err := json.Unmarshal([]byte(attrsJSON), &snapshot.Attributes); err != nil {
			return nil, fmt.Errorf("sqlite: failed to unmarshal snapshot attributes: %w", err)
		}
	}

	return &snapshot, nil
}

// scanTransition scans one transitions row.
func scanTransition(row scanner) (*types.Transition, error) {
	var transition types.Transition
	var fromSnapshot sql.NullString
	var fieldsJSON string
	var degraded, autoHealed int

	if err := row.Scan(&transition.Seq, &transition.ID, &transition.EntityID, &fromSnapshot,
		&transition.ToSnapshotID, &fieldsJSON, &transition.Reason, &transition.Confidence,
		&degraded, &autoHealed, &transition.SourceEventID, &transition.Timestamp); err != nil {
		return nil, fmt.Errorf("sqlite: failed to scan transition: %w", err)
	}

	if fromSnapshot.Valid {
		transition.FromSnapshotID = fromSnapshot.String
	}
	transition.Degraded = degraded != 0
	transition.AutoHealed = autoHealed != 0

	if fieldsJSON != "" {
		if err := json.Unmarshal([]byte(fieldsJSON), &transition.ChangedFields); err != nil {
			return nil, fmt.Errorf("sqlite: failed to unmarshal changed fields: %w", err)
		}
	}

	return &transition, nil
}

// boolInt converts a bool to the 0/1 form SQLite stores.
func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
