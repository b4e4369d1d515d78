package types

import (
	"strings"
	"time"
)

// Entity represents a tracked real-world thing (project, person, feature...)
// with a stable identity. Identity is immutable once assigned: names may be
// corrected via an explicit rename, but the ID never changes and entities are
// never deleted, only superseded by newer snapshots.
type Entity struct {
	// ID is the opaque unique identifier (format: ent:type:slug).
	ID string `json:"id"`

	// Type is one of the ValidEntityTypes constants.
	Type string `json:"type"`

	// Name is the canonical display name, full and never truncated.
	Name string `json:"name"`

	// NormalizedName is the lowercase/trimmed dedup key. Uniqueness is
	// enforced on (NormalizedName, Type); semantic equivalence of different
	// names is the resolver's job, not this field's.
	NormalizedName string `json:"normalized_name"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntityCandidate is an unresolved (type, name) pair from one ingestion event.
type EntityCandidate struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// Key returns the dedup key for this candidate: normalized name plus type.
func (c EntityCandidate) Key() string {
	return NormalizeName(c.Name) + "\x00" + c.Type
}

// NormalizeName produces the dedup lookup key for an entity name: trimmed,
// lowercased, inner whitespace collapsed to single spaces.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
