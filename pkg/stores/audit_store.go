package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/microsoft/TeamCloud-sub005/pkg/engine"
)

// RecordAudit appends an audit entry for cmd at its current result status.
func (s *SQLiteStore) RecordAudit(ctx context.Context, cmd *engine.Command, result *engine.CommandResult) error {
	entry := &AuditEntry{
		CommandID:     cmd.InstanceID(),
		Kind:          cmd.Kind,
		Action:        cmd.Action,
		Principal:     cmd.IssuedBy.ID,
		EntityID:      cmd.Payload.ID,
		RuntimeStatus: engine.RuntimeStatusPending,
		Timestamp:     time.Now().UTC(),
	}
	if result != nil {
		entry.RuntimeStatus = result.RuntimeStatus
		if len(result.Errors) > 0 {
			data, err := json.Marshal(result.Errors)
			if err != nil {
				return fmt.Errorf("failed to encode audit details: %w", err)
			}
			details := string(data)
			entry.Details = &details
		}
	}
	return s.CreateAuditEntry(ctx, entry)
}

// CreateAuditEntry creates a new audit trail entry.
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	query := `
		INSERT INTO audit (command_id, kind, action, principal, entity_id, runtime_status, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.CommandID,
		entry.Kind,
		entry.Action,
		entry.Principal,
		entry.EntityID,
		entry.RuntimeStatus,
		entry.Details,
		entry.Timestamp,
	)
	if err != nil {
		return storeError("create audit entry", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}
	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries, optionally for one command, oldest first.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, commandID *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, command_id, kind, action, principal, entity_id, runtime_status, details, timestamp
		FROM audit
		WHERE (? IS NULL OR command_id = ?)
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, commandID, commandID, limit, offset)
	if err != nil {
		return nil, storeError("list audit entries", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.CommandID,
			&entry.Kind,
			&entry.Action,
			&entry.Principal,
			&entry.EntityID,
			&entry.RuntimeStatus,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}
