package engine

import (
	"context"
	"encoding/json"
	"time"
)

// EntityRepository persists domain documents with optimistic concurrency.
type EntityRepository interface {
	// GetEntity retrieves an entity. Missing entities yield a NOT_FOUND error.
	GetEntity(ctx context.Context, kind EntityKind, id string) (*Entity, error)

	// ListEntities returns every entity of a kind.
	ListEntities(ctx context.Context, kind EntityKind) ([]*Entity, error)

	// SetEntity creates or replaces an entity. The stored version must match
	// entity.Version (zero for new documents); a mismatch yields a conflict
	// error. The returned copy carries the new version.
	SetEntity(ctx context.Context, entity *Entity) (*Entity, error)

	// RemoveEntity deletes an entity. Removing a missing entity is not an error.
	RemoveEntity(ctx context.Context, kind EntityKind, id string) error
}

// ResourceManager is the cloud provider abstraction.
type ResourceManager interface {
	// EnsureResourceGroup creates the named resource container if missing and
	// returns its resource ID.
	EnsureResourceGroup(ctx context.Context, name string, tags map[string]string) (string, error)

	// DeleteResourceGroup removes a resource container and everything in it.
	DeleteResourceGroup(ctx context.Context, resourceID string) error

	// StartDeployment submits a template deployment.
	StartDeployment(ctx context.Context, req DeploymentRequest) (*Deployment, error)

	// GetDeployment reports the current state, outputs, and errors of a deployment.
	GetDeployment(ctx context.Context, deploymentID string) (*Deployment, error)

	// DeleteDeployment removes a finished deployment record.
	DeleteDeployment(ctx context.Context, deploymentID string) error

	// SetTags merges tags onto a resource.
	SetTags(ctx context.Context, resourceID string, tags map[string]string) error

	// SetRoleAssignments replaces the role assignments (principal ID to role) on a resource.
	SetRoleAssignments(ctx context.Context, resourceID string, assignments map[string]string) error
}

// Directory resolves identities.
type Directory interface {
	ResolvePrincipal(ctx context.Context, id string) (*Principal, error)
}

// AuditSink records command audit entries.
type AuditSink interface {
	RecordAudit(ctx context.Context, cmd *Command, result *CommandResult) error
}

// ResultStore persists command results.
type ResultStore interface {
	// CreateResult inserts a Pending result. An existing result for the same
	// command yields an ALREADY_EXISTS conflict error.
	CreateResult(ctx context.Context, result *CommandResult) error

	// GetResult retrieves a result. Missing results yield a NOT_FOUND error.
	GetResult(ctx context.Context, commandID string) (*CommandResult, error)

	// UpdateResult overwrites a result. Updating a terminal result, or moving
	// the runtime status backwards, yields a RESULT_FINAL conflict error.
	UpdateResult(ctx context.Context, result *CommandResult) error
}

// InstanceStore persists orchestration instances and their step logs.
type InstanceStore interface {
	// CreateInstance inserts a new instance. An existing instance with the same
	// ID yields an ALREADY_EXISTS conflict error.
	CreateInstance(ctx context.Context, inst *Instance) error

	// GetInstance retrieves an instance. Missing instances yield a NOT_FOUND error.
	GetInstance(ctx context.Context, id string) (*Instance, error)

	// UpdateInstance persists the status, custom status, output, and error of an instance.
	UpdateInstance(ctx context.Context, inst *Instance) error

	// ListActiveInstances returns every pending or running top-level instance.
	ListActiveInstances(ctx context.Context) ([]*Instance, error)

	// PurgeInstance removes a finished instance with its history, inbox, and
	// children. Purging a pending or running instance yields a conflict error.
	PurgeInstance(ctx context.Context, id string) error

	// AppendHistory appends a record to the step log. The (instance, seq)
	// pair is unique.
	AppendHistory(ctx context.Context, ev *HistoryEvent) error

	// LoadHistory returns the step log of the current generation in seq order.
	LoadHistory(ctx context.Context, instanceID string) ([]HistoryEvent, error)

	// ContinueAsNew replaces the input, truncates the step log, bumps the
	// generation, and schedules the next generation at resumeAt.
	ContinueAsNew(ctx context.Context, instanceID string, input json.RawMessage, resumeAt time.Time) error

	// EnqueueEvent stores an external event in the instance inbox.
	EnqueueEvent(ctx context.Context, instanceID, name string, payload json.RawMessage) error

	// ConsumeEvent atomically removes the oldest inbox event with the given
	// name and appends ev (with its payload filled in) to the step log.
	ConsumeEvent(ctx context.Context, instanceID, name string, ev *HistoryEvent) (bool, error)
}

// LockStore persists resource locks.
type LockStore interface {
	// TryAcquireLock takes the lock for owner if it is free or already held
	// by owner. It reports whether the lock is now held by owner.
	TryAcquireLock(ctx context.Context, key, owner string) (bool, error)

	// ReleaseLock frees the lock if it is held by owner.
	ReleaseLock(ctx context.Context, key, owner string) error

	// ReleaseOwnerLocks frees every lock held by owner.
	ReleaseOwnerLocks(ctx context.Context, owner string) (int, error)

	// LockHolder returns the owner of a lock, or "" when free.
	LockHolder(ctx context.Context, key string) (string, error)

	// SweepOrphanedLocks frees locks whose owner instance is terminal or missing.
	SweepOrphanedLocks(ctx context.Context) (int, error)
}

// Admission decides whether a command may be accepted.
type Admission interface {
	Admit(ctx context.Context, cmd *Command) error
}
