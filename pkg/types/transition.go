package types

import "time"

// Reason strings for transitions the engine generates itself.
const (
	// ReasonInitialObservation marks an entity's first-ever snapshot.
	ReasonInitialObservation = "initial observation"

	// ReasonAutoHealed marks a transition synthesized by self-healing
	// validation when a state change was persisted without one.
	ReasonAutoHealed = "state change detected without explicit transition"
)

// Transition is a recorded, detected change between two consecutive snapshots
// of one entity. Transitions are immutable and exist if and only if the change
// detector found a meaningful change (or self-healing repaired a gap).
type Transition struct {
	// ID is the transition identifier (format: tr:slug).
	ID string `json:"id"`

	// EntityID is the entity this transition belongs to.
	EntityID string `json:"entity_id"`

	// FromSnapshotID is the prior snapshot; empty for the entity's
	// first-ever snapshot.
	FromSnapshotID string `json:"from_snapshot_id,omitempty"`

	// ToSnapshotID is the snapshot this transition leads to.
	ToSnapshotID string `json:"to_snapshot_id"`

	// ChangedFields lists the attribute names that differ, sorted.
	ChangedFields []string `json:"changed_fields"`

	// Reason is a human-readable explanation, possibly auto-generated.
	Reason string `json:"reason"`

	// Confidence is the detection confidence in [0,1]. Degraded detection
	// carries a penalty.
	Confidence float64 `json:"confidence"`

	// Degraded is true when the semantic tier was unavailable and the
	// syntactic result stood in for it.
	Degraded bool `json:"degraded,omitempty"`

	// AutoHealed is true for transitions synthesized by self-healing
	// validation rather than recorded by the normal detection path.
	AutoHealed bool `json:"auto_healed,omitempty"`

	// SourceEventID identifies the ingestion event that produced this
	// transition.
	SourceEventID string `json:"source_event_id"`

	// Timestamp is the to-snapshot observation time, the ordering key for
	// timelines. Ties are broken by Seq.
	Timestamp time.Time `json:"timestamp"`

	// Seq is the store-assigned insertion order. Zero until persisted.
	Seq int64 `json:"seq,omitempty"`
}
