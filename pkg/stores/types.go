package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/microsoft/TeamCloud-sub005/pkg/engine"
)

// AuditEntry is a row of the command audit trail.
type AuditEntry struct {
	ID            int64                `json:"id"`
	CommandID     string               `json:"command_id"`
	Kind          engine.EntityKind    `json:"kind"`
	Action        engine.CommandAction `json:"action"`
	Principal     string               `json:"principal"`
	EntityID      string               `json:"entity_id"`
	RuntimeStatus engine.RuntimeStatus `json:"runtime_status"`
	Details       *string              `json:"details,omitempty"` // JSON blob
	Timestamp     time.Time            `json:"timestamp"`
}

// Store is the persistence layer of the engine.
type Store interface {
	engine.InstanceStore
	engine.LockStore
	engine.ResultStore
	engine.EntityRepository
	engine.AuditSink

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Audit queries
	ListAuditEntries(ctx context.Context, commandID *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

var _ Store = (*SQLiteStore)(nil)
