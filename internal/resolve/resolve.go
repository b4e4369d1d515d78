// Package resolve defines the entity resolution contract. Exact resolution by
// (normalized name, type) is authoritative and lives in the storage layer; a
// Resolver is an optional fuzzy refinement consulted before falling back to
// exact upsert, e.g. the pgvector-backed name matcher. Resolver failures are
// never fatal to ingestion.
package resolve

import (
	"context"

	"github.com/statetrace/statetrace/pkg/types"
)

// DefaultConfidenceThreshold is the minimum match confidence at which a fuzzy
// match is trusted over creating a new entity.
const DefaultConfidenceThreshold = 0.85

// Match is one fuzzy resolution candidate.
type Match struct {
	// EntityID is the id of the matched entity.
	EntityID string

	// Name is the matched entity's display name.
	Name string

	// Confidence is the match confidence in [0,1].
	Confidence float64
}

// Resolver maps a free-form observed name to an existing entity of the same
// type. A nil match with nil error means no candidate was found; the caller
// then falls back to exact upsert.
type Resolver interface {
	Resolve(ctx context.Context, name, entityType string) (*Match, error)
}

// Indexer is implemented by resolvers that maintain their own match index. A
// resolver can only match names it has indexed, so callers feed it every
// created entity and every rename. Indexing failures degrade future matches
// rather than failing the write that triggered them.
type Indexer interface {
	IndexEntity(ctx context.Context, entity *types.Entity) error
}

// EmbeddingGenerator produces the vector used for similarity search. Satisfied
// by the semantic embedding client.
type EmbeddingGenerator interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	GetModel() string
}
