package sqlite

// Schema is the complete SQLite schema for the statetrace store.
//
// entities is owned by the EntityStore; snapshots, transitions, and
// ingestion_events by the HistoryStore. Snapshots and transitions are
// append-only: no UPDATE or DELETE statement in this package ever touches
// them. The AUTOINCREMENT seq columns provide the insertion-order tie-break
// for equal timestamps.
const Schema = `
CREATE TABLE IF NOT EXISTS entities (
	id              TEXT PRIMARY KEY,
	type            TEXT NOT NULL,
	name            TEXT NOT NULL,
	normalized_name TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL,
	UNIQUE (normalized_name, type)
);

CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(type);

CREATE TABLE IF NOT EXISTS snapshots (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT NOT NULL UNIQUE,
	entity_id       TEXT NOT NULL REFERENCES entities(id),
	attributes      TEXT NOT NULL,
	attr_hash       TEXT NOT NULL,
	source_event_id TEXT NOT NULL,
	timestamp       TIMESTAMP NOT NULL,
	confidence      REAL NOT NULL DEFAULT 1.0
);

CREATE INDEX IF NOT EXISTS idx_snapshots_entity
	ON snapshots(entity_id, timestamp, seq);

CREATE TABLE IF NOT EXISTS transitions (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	id               TEXT NOT NULL UNIQUE,
	entity_id        TEXT NOT NULL REFERENCES entities(id),
	from_snapshot_id TEXT REFERENCES snapshots(id),
	to_snapshot_id   TEXT NOT NULL REFERENCES snapshots(id),
	changed_fields   TEXT NOT NULL,
	reason           TEXT NOT NULL,
	confidence       REAL NOT NULL DEFAULT 1.0,
	degraded         INTEGER NOT NULL DEFAULT 0,
	auto_healed      INTEGER NOT NULL DEFAULT 0,
	source_event_id  TEXT NOT NULL,
	timestamp        TIMESTAMP NOT NULL,
	UNIQUE (entity_id, source_event_id, to_snapshot_id)
);

CREATE INDEX IF NOT EXISTS idx_transitions_entity
	ON transitions(entity_id, timestamp, seq);

CREATE TABLE IF NOT EXISTS ingestion_events (
	source_event_id  TEXT PRIMARY KEY,
	processed_at     TIMESTAMP NOT NULL,
	entity_count     INTEGER NOT NULL DEFAULT 0,
	transition_count INTEGER NOT NULL DEFAULT 0,
	degraded         INTEGER NOT NULL DEFAULT 0
);
`
