package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/microsoft/TeamCloud-sub005/pkg/engine"
)

// statusRank orders runtime statuses; stored results never move to a lower rank.
func statusRank(s engine.RuntimeStatus) int {
	switch s {
	case engine.RuntimeStatusPending:
		return 0
	case engine.RuntimeStatusRunning:
		return 1
	default:
		return 2
	}
}

// CreateResult inserts the Pending result of a command.
func (s *SQLiteStore) CreateResult(ctx context.Context, result *engine.CommandResult) error {
	doc, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode command result: %w", err)
	}

	query := `
		INSERT INTO command_results (command_id, project_id, kind, action, runtime_status, document, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		result.CommandID,
		result.ProjectID,
		result.Kind,
		result.Action,
		result.RuntimeStatus,
		string(doc),
		result.CreatedAt,
		result.UpdatedAt,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return engine.NewConflictError("command result already exists", err).
				WithCode(engine.ErrCodeAlreadyExists).
				WithResource(result.CommandID)
		}
		return storeError("create result", err)
	}
	return nil
}

// GetResult retrieves the result of a command.
func (s *SQLiteStore) GetResult(ctx context.Context, commandID string) (*engine.CommandResult, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM command_results WHERE command_id = ?`, commandID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("command result", commandID)
	}
	if err != nil {
		return nil, storeError("get result", err)
	}

	result := &engine.CommandResult{}
	if err := json.Unmarshal([]byte(doc), result); err != nil {
		return nil, fmt.Errorf("failed to decode command result: %w", err)
	}
	return result, nil
}

// UpdateResult overwrites a non-terminal result. The statement refuses to
// touch a terminal row or to lower the runtime status.
func (s *SQLiteStore) UpdateResult(ctx context.Context, result *engine.CommandResult) error {
	doc, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode command result: %w", err)
	}

	query := `
		UPDATE command_results
		SET runtime_status = ?, document = ?, updated_at = ?
		WHERE command_id = ?
		  AND runtime_status NOT IN ('completed', 'failed')
		  AND (CASE runtime_status WHEN 'pending' THEN 0 WHEN 'running' THEN 1 ELSE 2 END) <= ?
	`
	res, err := s.db.ExecContext(ctx, query,
		result.RuntimeStatus,
		string(doc),
		result.UpdatedAt,
		result.CommandID,
		statusRank(result.RuntimeStatus),
	)
	if err != nil {
		return storeError("update result", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetResult(ctx, result.CommandID); err != nil {
			return err
		}
		return engine.NewConflictError("command result is final or newer", nil).
			WithCode(engine.ErrCodeResultFinal).
			WithResource(result.CommandID)
	}
	return nil
}

// ListResults returns the results of a project, newest first. An empty
// projectID lists every result.
func (s *SQLiteStore) ListResults(ctx context.Context, projectID string, limit, offset int) ([]*engine.CommandResult, error) {
	query := `
		SELECT document FROM command_results
		WHERE (? = '' OR project_id = ?)
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, projectID, projectID, limit, offset)
	if err != nil {
		return nil, storeError("list results", err)
	}
	defer rows.Close()

	results := []*engine.CommandResult{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan command result: %w", err)
		}
		result := &engine.CommandResult{}
		if err := json.Unmarshal([]byte(doc), result); err != nil {
			return nil, fmt.Errorf("failed to decode command result: %w", err)
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating command results: %w", err)
	}
	return results, nil
}
