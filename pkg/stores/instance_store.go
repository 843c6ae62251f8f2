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

const instanceColumns = `id, name, input, status, custom_status, output, error,
	parent_id, root_id, generation, resume_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*engine.Instance, error) {
	var (
		inst     engine.Instance
		input    sql.NullString
		output   sql.NullString
		errDoc   sql.NullString
		resumeAt sql.NullTime
	)
	err := row.Scan(
		&inst.ID,
		&inst.Name,
		&input,
		&inst.Status,
		&inst.CustomStatus,
		&output,
		&errDoc,
		&inst.ParentID,
		&inst.RootID,
		&inst.Generation,
		&resumeAt,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if input.Valid {
		inst.Input = json.RawMessage(input.String)
	}
	if output.Valid {
		inst.Output = json.RawMessage(output.String)
	}
	if errDoc.Valid {
		inst.Error = &engine.ErrorDescriptor{}
		if err := json.Unmarshal([]byte(errDoc.String), inst.Error); err != nil {
			return nil, fmt.Errorf("failed to decode instance error: %w", err)
		}
	}
	if resumeAt.Valid {
		t := resumeAt.Time
		inst.ResumeAt = &t
	}
	return &inst, nil
}

func encodeDescriptor(d *engine.ErrorDescriptor) (sql.NullString, error) {
	if d == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode error descriptor: %w", err)
	}
	return nullBytes(data), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// CreateInstance inserts a new orchestration instance.
func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *engine.Instance) error {
	errDoc, err := encodeDescriptor(inst.Error)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO instances (` + instanceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		inst.ID,
		inst.Name,
		nullBytes(inst.Input),
		inst.Status,
		inst.CustomStatus,
		nullBytes(inst.Output),
		errDoc,
		inst.ParentID,
		inst.RootID,
		inst.Generation,
		nullTime(inst.ResumeAt),
		inst.CreatedAt,
		inst.UpdatedAt,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return engine.NewConflictError("instance already exists", err).
				WithCode(engine.ErrCodeAlreadyExists).
				WithResource(inst.ID)
		}
		return storeError("create instance", err)
	}
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*engine.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE id = ?`

	inst, err := scanInstance(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("instance", id)
	}
	if err != nil {
		return nil, storeError("get instance", err)
	}
	return inst, nil
}

// UpdateInstance persists the mutable fields of a non-terminal instance.
func (s *SQLiteStore) UpdateInstance(ctx context.Context, inst *engine.Instance) error {
	errDoc, err := encodeDescriptor(inst.Error)
	if err != nil {
		return err
	}

	query := `
		UPDATE instances
		SET status = ?, custom_status = ?, output = ?, error = ?, resume_at = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed')
	`
	result, err := s.db.ExecContext(ctx, query,
		inst.Status,
		inst.CustomStatus,
		nullBytes(inst.Output),
		errDoc,
		nullTime(inst.ResumeAt),
		inst.UpdatedAt,
		inst.ID,
	)
	if err != nil {
		return storeError("update instance", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetInstance(ctx, inst.ID); err != nil {
			return err
		}
		return engine.NewConflictError("instance already finished", nil).
			WithCode(engine.ErrCodeResultFinal).
			WithResource(inst.ID)
	}
	return nil
}

// ListActiveInstances returns pending and running top-level instances,
// oldest first.
func (s *SQLiteStore) ListActiveInstances(ctx context.Context) ([]*engine.Instance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM instances
		WHERE parent_id = '' AND status IN ('pending', 'running')
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storeError("list instances", err)
	}
	defer rows.Close()

	instances := []*engine.Instance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}
	return instances, nil
}

// ListChildInstances returns the sub-orchestrations of an instance.
func (s *SQLiteStore) ListChildInstances(ctx context.Context, parentID string) ([]*engine.Instance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM instances
		WHERE parent_id = ?
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, parentID)
	if err != nil {
		return nil, storeError("list child instances", err)
	}
	defer rows.Close()

	instances := []*engine.Instance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}
	return instances, nil
}

// PurgeInstance deletes a finished instance and its sub-orchestration tree.
// History and inbox rows are removed by cascade. A pending or running
// instance is refused with a conflict error.
func (s *SQLiteStore) PurgeInstance(ctx context.Context, id string) error {
	query := `
		WITH RECURSIVE tree(id) AS (
			SELECT id FROM instances WHERE id = ? AND status IN ('completed', 'failed')
			UNION ALL
			SELECT i.id FROM instances i JOIN tree t ON i.parent_id = t.id
		)
		DELETE FROM instances WHERE id IN (SELECT id FROM tree)
	`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return storeError("purge instance", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetInstance(ctx, id); err != nil {
			return err
		}
		return engine.NewConflictError("instance is still active", nil).WithResource(id)
	}
	return nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, ev *engine.HistoryEvent) error {
	errDoc, err := encodeDescriptor(ev.Error)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO history (instance_id, seq, type, name, payload, error, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query,
		ev.InstanceID,
		ev.Seq,
		ev.Type,
		ev.Name,
		nullBytes(ev.Payload),
		errDoc,
		ev.Timestamp,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return engine.NewConflictError("history record already exists", err).
				WithResource(fmt.Sprintf("%s#%d", ev.InstanceID, ev.Seq))
		}
		return storeError("append history", err)
	}
	return nil
}

// AppendHistory appends a step log record.
func (s *SQLiteStore) AppendHistory(ctx context.Context, ev *engine.HistoryEvent) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertHistory(ctx, tx, ev)
	})
}

// LoadHistory returns the step log of an instance in seq order.
func (s *SQLiteStore) LoadHistory(ctx context.Context, instanceID string) ([]engine.HistoryEvent, error) {
	query := `
		SELECT instance_id, seq, type, name, payload, error, timestamp
		FROM history
		WHERE instance_id = ?
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, storeError("load history", err)
	}
	defer rows.Close()

	events := []engine.HistoryEvent{}
	for rows.Next() {
		var (
			ev      engine.HistoryEvent
			payload sql.NullString
			errDoc  sql.NullString
		)
		if err := rows.Scan(&ev.InstanceID, &ev.Seq, &ev.Type, &ev.Name, &payload, &errDoc, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		if errDoc.Valid {
			ev.Error = &engine.ErrorDescriptor{}
			if err := json.Unmarshal([]byte(errDoc.String), ev.Error); err != nil {
				return nil, fmt.Errorf("failed to decode history error: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return events, nil
}

// ContinueAsNew truncates the step log and starts the next generation.
// Pending inbox events are carried over.
func (s *SQLiteStore) ContinueAsNew(ctx context.Context, instanceID string, input json.RawMessage, resumeAt time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM history WHERE instance_id = ?`, instanceID); err != nil {
			return storeError("truncate history", err)
		}

		query := `
			UPDATE instances
			SET input = ?, generation = generation + 1, resume_at = ?, updated_at = ?
			WHERE id = ? AND status NOT IN ('completed', 'failed')
		`
		result, err := tx.ExecContext(ctx, query, nullBytes(input), resumeAt, time.Now().UTC(), instanceID)
		if err != nil {
			return storeError("continue as new", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return engine.NewNotFoundError("active instance", instanceID)
		}
		return nil
	})
}

// EnqueueEvent stores an external event in the instance inbox.
func (s *SQLiteStore) EnqueueEvent(ctx context.Context, instanceID, name string, payload json.RawMessage) error {
	query := `INSERT INTO inbox (instance_id, name, payload, created_at) VALUES (?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query, instanceID, name, nullBytes(payload), time.Now().UTC())
	if err != nil {
		return storeError("enqueue event", err)
	}
	return nil
}

// ConsumeEvent moves the oldest inbox event named name into the step log.
func (s *SQLiteStore) ConsumeEvent(ctx context.Context, instanceID, name string, ev *engine.HistoryEvent) (bool, error) {
	found := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			id      int64
			payload sql.NullString
		)
		query := `
			SELECT id, payload FROM inbox
			WHERE instance_id = ? AND name = ?
			ORDER BY id ASC
			LIMIT 1
		`
		err := tx.QueryRowContext(ctx, query, instanceID, name).Scan(&id, &payload)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return storeError("read inbox", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM inbox WHERE id = ?`, id); err != nil {
			return storeError("consume event", err)
		}

		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		if err := insertHistory(ctx, tx, ev); err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}
