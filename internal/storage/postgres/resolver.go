package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/statetrace/statetrace/internal/resolve"
	"github.com/statetrace/statetrace/pkg/types"
)

// Resolver implements fuzzy entity resolution using pgvector cosine similarity
// over entity name embeddings. "Sarah" and "Sarah Chen" embed close together;
// exact (normalized_name, type) matching stays authoritative and is handled by
// the entity store, not here.
type Resolver struct {
	store    *Store
	embedder resolve.EmbeddingGenerator
}

// Compile-time checks against the resolution contracts.
var (
	_ resolve.Resolver = (*Resolver)(nil)
	_ resolve.Indexer  = (*Resolver)(nil)
)

// NewResolver creates a fuzzy resolver on top of an open store and an
// embedding generator.
func NewResolver(store *Store, embedder resolve.EmbeddingGenerator) *Resolver {
	return &Resolver{store: store, embedder: embedder}
}

// IndexEntity stores or refreshes the name embedding for one entity. Called
// after entity creation and after renames; an indexing failure only degrades
// future fuzzy matches, so callers may treat it as non-fatal.
func (r *Resolver) IndexEntity(ctx context.Context, entity *types.Entity) error {
	if !r.store.pgvectorAvailable {
		return nil
	}
	if entity == nil || entity.ID == "" {
		return fmt.Errorf("postgres: entity with ID is required for indexing")
	}

	embedding, err := r.embedder.Embed(ctx, entity.NormalizedName)
	if err != nil {
		return fmt.Errorf("postgres: failed to embed entity name %q: %w", entity.Name, err)
	}

	now := time.Now().UTC()
	_, err = r.store.db.ExecContext(ctx, `
		INSERT INTO entity_name_embeddings (entity_id, name, model, embedding, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (entity_id) DO UPDATE SET
			name = EXCLUDED.name,
			model = EXCLUDED.model,
			embedding = EXCLUDED.embedding,
			updated_at = EXCLUDED.updated_at
	`, entity.ID, entity.NormalizedName, r.embedder.GetModel(), pgvector.NewVector(embedding), now)
	if err != nil {
		return fmt.Errorf("postgres: failed to index entity name embedding: %w", err)
	}

	return nil
}

// Resolve returns the closest same-type entity by name similarity, or nil when
// no candidate exists. Callers apply their own confidence threshold.
func (r *Resolver) Resolve(ctx context.Context, name, entityType string) (*resolve.Match, error) {
	if !r.store.pgvectorAvailable {
		return nil, nil
	}

	embedding, err := r.embedder.Embed(ctx, types.NormalizeName(name))
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to embed query name %q: %w", name, err)
	}
	vec := pgvector.NewVector(embedding)

	var match resolve.Match
	err = r.store.db.QueryRowContext(ctx, `
		SELECT e.id, e.name, 1 - (emb.embedding <=> $1) AS similarity
		FROM entity_name_embeddings emb
		JOIN entities e ON e.id = emb.entity_id
		WHERE e.type = $2 AND emb.model = $3
		ORDER BY emb.embedding <=> $1
		LIMIT 1
	`, vec, entityType, r.embedder.GetModel()).Scan(&match.EntityID, &match.Name, &match.Confidence)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: fuzzy resolution query failed: %w", err)
	}

	return &match, nil
}
