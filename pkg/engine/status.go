package engine

import (
	"fmt"
)

// RuntimeStatus is the lifecycle position of an orchestration instance or command.
type RuntimeStatus string

const (
	// RuntimeStatusPending indicates the instance is accepted but not yet running.
	RuntimeStatusPending RuntimeStatus = "pending"

	// RuntimeStatusRunning indicates the instance is executing.
	RuntimeStatusRunning RuntimeStatus = "running"

	// RuntimeStatusCompleted indicates the instance finished successfully.
	RuntimeStatusCompleted RuntimeStatus = "completed"

	// RuntimeStatusFailed indicates the instance finished with an error.
	RuntimeStatusFailed RuntimeStatus = "failed"
)

// IsTerminal returns true if the status represents a final state.
func (s RuntimeStatus) IsTerminal() bool {
	return s == RuntimeStatusCompleted || s == RuntimeStatusFailed
}

// IsActive returns true if the instance is pending or running.
func (s RuntimeStatus) IsActive() bool {
	return s == RuntimeStatusPending || s == RuntimeStatusRunning
}

func (s RuntimeStatus) rank() int {
	switch s {
	case RuntimeStatusPending:
		return 0
	case RuntimeStatusRunning:
		return 1
	case RuntimeStatusCompleted, RuntimeStatusFailed:
		return 2
	default:
		return -1
	}
}

// CanAdvanceTo reports whether a transition from s to next is allowed.
// Status only moves forward, and a terminal status never changes.
func (s RuntimeStatus) CanAdvanceTo(next RuntimeStatus) bool {
	if s.IsTerminal() {
		return false
	}
	return next.rank() >= s.rank()
}

// Validate checks if the runtime status is valid.
func (s RuntimeStatus) Validate() error {
	switch s {
	case RuntimeStatusPending, RuntimeStatusRunning, RuntimeStatusCompleted, RuntimeStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid runtime status: %s", s)
	}
}

// ResourceState is the provisioning state of an entity.
type ResourceState string

const (
	ResourceStatePending      ResourceState = "pending"
	ResourceStateInitializing ResourceState = "initializing"
	ResourceStateProvisioning ResourceState = "provisioning"
	ResourceStateSucceeded    ResourceState = "succeeded"
	ResourceStateFailed       ResourceState = "failed"
	ResourceStateDeleting     ResourceState = "deleting"
)

// IsFinal returns true once provisioning has ended either way.
func (s ResourceState) IsFinal() bool {
	return s == ResourceStateSucceeded || s == ResourceStateFailed
}

// IsProgress returns true while the entity is still being worked on.
func (s ResourceState) IsProgress() bool {
	return !s.IsFinal()
}

// DeploymentState is the state of a provider deployment.
type DeploymentState string

const (
	DeploymentAccepted  DeploymentState = "accepted"
	DeploymentRunning   DeploymentState = "running"
	DeploymentSucceeded DeploymentState = "succeeded"
	DeploymentFailed    DeploymentState = "failed"
	DeploymentCancelled DeploymentState = "cancelled"
	DeploymentDeleting  DeploymentState = "deleting"
)

// IsProgress returns true while the deployment has not finished.
func (s DeploymentState) IsProgress() bool {
	switch s {
	case DeploymentSucceeded, DeploymentFailed, DeploymentCancelled:
		return false
	default:
		return true
	}
}

// IsError returns true if the deployment ended unsuccessfully.
func (s DeploymentState) IsError() bool {
	return s == DeploymentFailed || s == DeploymentCancelled
}
