// Package postgres provides PostgreSQL implementations of storage interfaces.
package postgres

// Schema contains the SQL statements to create the database schema for
// PostgreSQL. All statements are idempotent (IF NOT EXISTS) so the schema can
// be applied on every startup.
const Schema = `
-- Entities: one row per tracked real-world thing. Identity is
-- (normalized_name, type); display name is corrected via rename, never by
-- silent overwrite.
CREATE TABLE IF NOT EXISTS entities (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    name TEXT NOT NULL,
    normalized_name TEXT NOT NULL,

    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    UNIQUE(normalized_name, type)
);

CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(type);
CREATE INDEX IF NOT EXISTS idx_entities_name ON entities(name);

-- Snapshots: append-only observed states. seq is the insertion-order
-- tie-break for equal timestamps.
CREATE TABLE IF NOT EXISTS snapshots (
    seq BIGSERIAL PRIMARY KEY,
    id TEXT NOT NULL UNIQUE,
    entity_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,

    attributes JSONB NOT NULL,
    attr_hash TEXT NOT NULL,

    source_event_id TEXT NOT NULL,
    timestamp TIMESTAMPTZ NOT NULL,
    confidence REAL NOT NULL DEFAULT 1.0
);

CREATE INDEX IF NOT EXISTS idx_snapshots_entity_time ON snapshots(entity_id, timestamp, seq);
CREATE INDEX IF NOT EXISTS idx_snapshots_source_event ON snapshots(source_event_id);

-- Transitions: append-only detected changes. The unique triple makes event
-- replays idempotent at the storage layer.
CREATE TABLE IF NOT EXISTS transitions (
    seq BIGSERIAL PRIMARY KEY,
    id TEXT NOT NULL UNIQUE,
    entity_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,

    from_snapshot_id TEXT,
    to_snapshot_id TEXT NOT NULL,

    changed_fields JSONB NOT NULL,
    reason TEXT NOT NULL,
    confidence REAL NOT NULL DEFAULT 1.0,
    degraded BOOLEAN NOT NULL DEFAULT FALSE,
    auto_healed BOOLEAN NOT NULL DEFAULT FALSE,

    source_event_id TEXT NOT NULL,
    timestamp TIMESTAMPTZ NOT NULL,

    UNIQUE(entity_id, source_event_id, to_snapshot_id)
);

CREATE INDEX IF NOT EXISTS idx_transitions_entity_time ON transitions(entity_id, timestamp, seq);
CREATE INDEX IF NOT EXISTS idx_transitions_source_event ON transitions(source_event_id);

-- Ingestion ledger: one row per processed source event, written last, so a
-- present row means the event completed.
CREATE TABLE IF NOT EXISTS ingestion_events (
    source_event_id TEXT PRIMARY KEY,
    processed_at TIMESTAMPTZ NOT NULL,
    entity_count INTEGER NOT NULL DEFAULT 0,
    transition_count INTEGER NOT NULL DEFAULT 0,
    degraded BOOLEAN NOT NULL DEFAULT FALSE
);
`

// MigrationPgvector contains SQL to add fuzzy name resolution support. Only
// applied when the vector extension is available. Safe to run multiple times.
const MigrationPgvector = `
-- Name embeddings for fuzzy entity resolution.
CREATE TABLE IF NOT EXISTS entity_name_embeddings (
    entity_id TEXT PRIMARY KEY REFERENCES entities(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    model TEXT NOT NULL,
    embedding vector,

    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- Create ivfflat index for approximate nearest-neighbor search.
-- IMPORTANT: ivfflat requires at least one row to exist; we guard with a DO block.
DO $$
BEGIN
  IF NOT EXISTS (
    SELECT 1 FROM pg_indexes WHERE indexname = 'idx_entity_name_embeddings_cosine'
  ) THEN
    IF EXISTS (SELECT 1 FROM entity_name_embeddings LIMIT 1) THEN
      EXECUTE 'CREATE INDEX idx_entity_name_embeddings_cosine ON entity_name_embeddings USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)';
    END IF;
  END IF;
END$$;
`
