package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/microsoft/TeamCloud-sub005/pkg/engine"
)

func decodeEntity(doc string, version int64) (*engine.Entity, error) {
	entity := &engine.Entity{}
	if err := json.Unmarshal([]byte(doc), entity); err != nil {
		return nil, fmt.Errorf("failed to decode entity: %w", err)
	}
	entity.Version = version
	return entity, nil
}

// GetEntity retrieves an entity document.
func (s *SQLiteStore) GetEntity(ctx context.Context, kind engine.EntityKind, id string) (*engine.Entity, error) {
	var (
		doc     string
		version int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT document, version FROM entities WHERE kind = ? AND id = ?`, kind, id).
		Scan(&doc, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError(string(kind), id)
	}
	if err != nil {
		return nil, storeError("get entity", err)
	}
	return decodeEntity(doc, version)
}

// ListEntities returns every entity of a kind ordered by ID.
func (s *SQLiteStore) ListEntities(ctx context.Context, kind engine.EntityKind) ([]*engine.Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document, version FROM entities WHERE kind = ? ORDER BY id ASC`, kind)
	if err != nil {
		return nil, storeError("list entities", err)
	}
	defer rows.Close()

	entities := []*engine.Entity{}
	for rows.Next() {
		var (
			doc     string
			version int64
		)
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entity, err := decodeEntity(doc, version)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}
	return entities, nil
}

// SetEntity inserts a new document (Version 0) or replaces the document at
// the given version. A version mismatch yields a conflict error.
func (s *SQLiteStore) SetEntity(ctx context.Context, entity *engine.Entity) (*engine.Entity, error) {
	out := entity.Clone()
	now := time.Now().UTC()
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	out.UpdatedAt = now
	out.Version = entity.Version + 1

	doc, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entity: %w", err)
	}

	if entity.Version == 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO entities (kind, id, version, document, updated_at) VALUES (?, ?, ?, ?, ?)`,
			out.Kind, out.ID, out.Version, string(doc), now)
		if err != nil {
			if isConstraintViolation(err) {
				return nil, engine.NewConflictError("entity already exists", err).
					WithCode(engine.ErrCodeAlreadyExists).
					WithResource(out.Ref().String())
			}
			return nil, storeError("insert entity", err)
		}
		return out, nil
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE entities SET version = ?, document = ?, updated_at = ? WHERE kind = ? AND id = ? AND version = ?`,
		out.Version, string(doc), now, out.Kind, out.ID, entity.Version)
	if err != nil {
		return nil, storeError("update entity", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, engine.NewConflictError("entity was modified concurrently", nil).
			WithResource(out.Ref().String()).
			WithDetail("version", entity.Version)
	}
	return out, nil
}

// RemoveEntity deletes an entity document.
func (s *SQLiteStore) RemoveEntity(ctx context.Context, kind engine.EntityKind, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE kind = ? AND id = ?`, kind, id); err != nil {
		return storeError("remove entity", err)
	}
	return nil
}
