package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/statetrace/statetrace/internal/storage"
	"github.com/statetrace/statetrace/pkg/types"
)

// UpsertEntities resolves or creates entities for the given candidates inside
// a single transaction. Malformed candidates (empty name, unknown type) get a
// per-candidate validation error and do not abort the batch; any storage
// failure rolls the whole batch back so no partial inserts survive.
func (s *Store) UpsertEntities(ctx context.Context, candidates []types.EntityCandidate) ([]storage.UpsertResult, error) {
	results := make([]storage.UpsertResult, len(candidates))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to begin upsert transaction: %w", err)
	}
	defer tx.Rollback()

	// Candidates inside one batch dedup against each other as well as
	// against the store.
	resolved := make(map[string]*types.Entity)

	now := time.Now().UTC()

	for i, candidate := range candidates {
		results[i].Candidate = candidate

		if err := validateCandidate(candidate); err != nil {
			results[i].Err = err
			continue
		}

		key := candidate.Key()
		if entity, ok := resolved[key]; ok {
			results[i].Entity = entity
			continue
		}

		normalized := types.NormalizeName(candidate.Name)

		entity, err := getEntityByKeyTx(ctx, tx, normalized, candidate.Type)
		switch {
		case err == nil:
			// Existing entity: id returned unchanged, name never
			// silently overwritten.
		case err == sql.ErrNoRows:
			entity = &types.Entity{
				ID:             types.NewEntityID(candidate.Type),
				Type:           candidate.Type,
				Name:           strings.TrimSpace(candidate.Name),
				NormalizedName: normalized,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO entities (id, type, name, normalized_name, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, entity.ID, entity.Type, entity.Name, entity.NormalizedName, entity.CreatedAt, entity.UpdatedAt); err != nil {
				return nil, fmt.Errorf("postgres: failed to insert entity %q: %w", candidate.Name, err)
			}
			results[i].Created = true
		default:
			return nil, fmt.Errorf("postgres: failed to look up entity %q: %w", candidate.Name, err)
		}

		resolved[key] = entity
		results[i].Entity = entity
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres: failed to commit entity upsert: %w", err)
	}

	return results, nil
}

// GetEntities performs a batched lookup in a single query regardless of list
// size. Missing ids are absent from the result map, not an error.
func (s *Store) GetEntities(ctx context.Context, ids []string) (map[string]*types.Entity, error) {
	entities := make(map[string]*types.Entity, len(ids))
	if len(ids) == 0 {
		return entities, nil
	}

	query := `
		SELECT id, type, name, normalized_name, created_at, updated_at
		FROM entities
		WHERE id IN (` + placeholders(1, len(ids)) + `)`

	rows, err := s.db.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get entities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e types.Entity
		if err := rows.Scan(&e.ID, &e.Type, &e.Name, &e.NormalizedName, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan entity: %w", err)
		}
		entities[e.ID] = &e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: error iterating entities: %w", err)
	}

	return entities, nil
}

// GetEntityByKey looks up a single entity by its dedup key.
func (s *Store) GetEntityByKey(ctx context.Context, normalizedName, entityType string) (*types.Entity, error) {
	var e types.Entity
	err := s.db.QueryRowContext(ctx, `
		SELECT id, type, name, normalized_name, created_at, updated_at
		FROM entities
		WHERE normalized_name = $1 AND type = $2
	`, normalizedName, entityType).Scan(&e.ID, &e.Type, &e.Name, &e.NormalizedName, &e.CreatedAt, &e.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get entity by key: %w", err)
	}
	return &e, nil
}

// RenameEntity corrects an entity's display name. Identity is immutable, so
// only name and normalized_name change. A dedup-key collision with another
// entity of the same type is an input error, not a silent merge.
func (s *Store) RenameEntity(ctx context.Context, id, newName string) error {
	newName = strings.TrimSpace(newName)
	if id == "" {
		return fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}
	if newName == "" {
		return fmt.Errorf("%w: entity name is required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE entities
		SET name = $1, normalized_name = $2, updated_at = $3
		WHERE id = $4
	`, newName, types.NormalizeName(newName), time.Now().UTC(), id)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: an entity with that name and type already exists", storage.ErrInvalidInput)
		}
		return fmt.Errorf("postgres: failed to rename entity: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// ListEntities retrieves entities with pagination and optional type filtering.
func (s *Store) ListEntities(ctx context.Context, opts storage.ListOptions) (*storage.PaginatedResult[types.Entity], error) {
	// Normalize before ORDER BY construction: SortBy/SortOrder are
	// whitelist-validated there.
	opts.Normalize()

	query := `
		SELECT id, type, name, normalized_name, created_at, updated_at
		FROM entities`

	var whereClause string
	var args []interface{}

	if opts.Type != "" {
		whereClause = " WHERE type = $1"
		args = append(args, opts.Type)
	}
	query += whereClause

	query += fmt.Sprintf(" ORDER BY %s %s", opts.SortBy, opts.SortOrder)
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, opts.Limit, opts.Offset())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list entities: %w", err)
	}
	defer rows.Close()

	var entities []types.Entity
	for rows.Next() {
		var e types.Entity
		if err := rows.Scan(&e.ID, &e.Type, &e.Name, &e.NormalizedName, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: error iterating entities: %w", err)
	}

	countQuery := "SELECT COUNT(*) FROM entities" + whereClause
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args[:len(args)-2]...).Scan(&total); err != nil {
		return nil, fmt.Errorf("postgres: failed to count entities: %w", err)
	}

	return &storage.PaginatedResult[types.Entity]{
		Items:    entities,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.Limit,
		HasMore:  opts.Offset()+len(entities) < total,
	}, nil
}

// CountByType returns entity counts keyed by entity type.
func (s *Store) CountByType(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT type, COUNT(*) FROM entities GROUP BY type")
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to count entities by type: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var entityType string
		var count int
		if err := rows.Scan(&entityType, &count); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan entity count: %w", err)
		}
		counts[entityType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: error iterating entity counts: %w", err)
	}

	return counts, nil
}

// getEntityByKeyTx looks up an entity inside an open transaction. Returns
// sql.ErrNoRows directly so the caller can branch on existence.
func getEntityByKeyTx(ctx context.Context, tx *sql.Tx, normalizedName, entityType string) (*types.Entity, error) {
	var e types.Entity
	err := tx.QueryRowContext(ctx, `
		SELECT id, type, name, normalized_name, created_at, updated_at
		FROM entities
		WHERE normalized_name = $1 AND type = $2
	`, normalizedName, entityType).Scan(&e.ID, &e.Type, &e.Name, &e.NormalizedName, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// validateCandidate rejects malformed candidates with an ErrInvalidInput wrap.
func validateCandidate(c types.EntityCandidate) error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: entity name is required", storage.ErrInvalidInput)
	}
	if !types.IsValidEntityType(c.Type) {
		return fmt.Errorf("%w: unknown entity type %q", storage.ErrInvalidInput, c.Type)
	}
	return nil
}
