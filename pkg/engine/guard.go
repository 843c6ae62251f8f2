package engine

import (
	"context"
	"fmt"
	"time"
)

// ActivityEntityGuard is the registered name of the ancestor readiness check.
const ActivityEntityGuard = "entity-guard"

// StatusWaitingForAncestor is the custom status set while a workflow defers
// itself until its ancestors finish provisioning.
const StatusWaitingForAncestor = "waiting for ancestor"

// GuardOptions bounds how long a workflow waits for its ancestors.
type GuardOptions struct {
	// Delay is the pause between two readiness checks.
	Delay time.Duration `yaml:"delay" mapstructure:"delay"`

	// MaxDeferrals caps the number of checks. Zero means unbounded.
	MaxDeferrals int `yaml:"max_deferrals" mapstructure:"max_deferrals" validate:"gte=0"`
}

// DefaultGuardOptions returns a two second delay bounded to about one hour.
func DefaultGuardOptions() GuardOptions {
	return GuardOptions{
		Delay:        2 * time.Second,
		MaxDeferrals: 1800,
	}
}

// Guard checks whether the ancestors of an entity are provisioned.
type Guard struct {
	repo EntityRepository
}

// NewGuard creates a guard reading ancestors from repo.
func NewGuard(repo EntityRepository) *Guard {
	return &Guard{repo: repo}
}

// Ready reports whether every ancestor of entity has succeeded. An ancestor
// still in progress yields false; a failed ancestor yields a permanent
// DEPENDENCY_FAILED error; a missing ancestor yields a validation error.
func (g *Guard) Ready(ctx context.Context, entity *Entity) (bool, error) {
	for _, ref := range entity.Ancestors() {
		if ref.ID == "" {
			return false, NewValidationError(fmt.Sprintf("%s reference is required", ref.Kind), nil).
				WithResource(entity.ID)
		}

		ancestor, err := g.repo.GetEntity(ctx, ref.Kind, ref.ID)
		if err != nil {
			if IsNotFound(err) {
				return false, NewValidationError(fmt.Sprintf("%s does not exist", ref), err).
					WithCode(ErrCodeNotFound).
					WithResource(entity.ID)
			}
			return false, err
		}

		switch ancestor.ResourceState {
		case ResourceStateSucceeded:
			continue
		case ResourceStateFailed:
			return false, NewPermanentError(fmt.Sprintf("%s failed to provision", ref), nil).
				WithCode(ErrCodeDependencyFailed).
				WithResource(entity.ID)
		default:
			return false, nil
		}
	}
	return true, nil
}

// RegisterGuard registers the readiness check as an activity.
func RegisterGuard(reg *Registry, repo EntityRepository) {
	g := NewGuard(repo)
	reg.RegisterActivity(ActivityEntityGuard, Activity(func(ctx context.Context, e Entity) (bool, error) {
		return g.Ready(ctx, &e)
	}), nil)
}

// AwaitAncestors runs the guard for entity. When an ancestor is still in
// progress it sets the waiting custom status and returns false; the caller
// is expected to continue as new with deferrals+1 after opts.Delay. Once
// opts.MaxDeferrals checks have been spent it fails with a permanent
// DEPENDENCY_FAILED error.
func AwaitAncestors(octx *OrchestrationContext, entity *Entity, deferrals int, opts GuardOptions) (bool, error) {
	ready, err := CallActivity[bool](octx, ActivityEntityGuard, entity)
	if err != nil || ready {
		return ready, err
	}

	if opts.MaxDeferrals > 0 && deferrals >= opts.MaxDeferrals {
		return false, NewPermanentError("gave up waiting for ancestors", nil).
			WithCode(ErrCodeDependencyFailed).
			WithResource(entity.ID).
			WithDetail("deferrals", deferrals)
	}

	octx.SetCustomStatus(StatusWaitingForAncestor)
	octx.Logger().Debugf("ancestors of %s not ready, deferral %d", entity.Ref(), deferrals+1)
	return false, nil
}
