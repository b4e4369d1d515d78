package types

import "time"

// Attributes is an open mapping from field name to observed value. It is a
// versioned document, not a fixed schema: any field the extractor reports is
// stored, after canonicalization.
type Attributes map[string]any

// Clone returns a shallow copy of the attribute map. Nil stays nil.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Snapshot is one observed state of an entity at a point in time. Snapshots
// are append-only: once written they are never mutated or deleted. The current
// state of an entity is the attributes of its most recent snapshot.
type Snapshot struct {
	// ID is the snapshot identifier (format: snap:slug).
	ID string `json:"id"`

	// EntityID is the owning entity.
	EntityID string `json:"entity_id"`

	// Seq is the store-assigned insertion order, used to break timestamp
	// ties. Zero until the snapshot has been persisted.
	Seq int64 `json:"seq,omitempty"`

	// Attributes holds the canonicalized observed state.
	Attributes Attributes `json:"attributes"`

	// AttrHash is the canonical-form hash of Attributes, used for cheap
	// equality checks and idempotent replays.
	AttrHash string `json:"attr_hash,omitempty"`

	// SourceEventID identifies the ingestion event (e.g. meeting id) that
	// produced this snapshot.
	SourceEventID string `json:"source_event_id"`

	// Timestamp is the observation time; per-entity sequences are ordered by
	// this field, ties broken by Seq.
	Timestamp time.Time `json:"timestamp"`

	// Confidence is the extraction confidence in [0,1], propagated from the
	// upstream extractor.
	Confidence float64 `json:"confidence"`
}
