package orchestrations

import (
	"github.com/microsoft/TeamCloud-sub005/pkg/engine"
)

// PrepareInput is the input of the component prepare sub-orchestration.
// Refresh reloads the component under the prepare lock and skips a
// component that is no longer provisioned.
type PrepareInput struct {
	Component engine.Entity    `json:"component"`
	IssuedBy  engine.Principal `json:"issued_by"`
	Refresh   bool             `json:"refresh,omitempty"`
}

// initializer runs the kind-specific steps between Initializing and the
// deployment and returns the deployment to start.
type initializer func(e *engine.Entity) (*engine.Entity, engine.DeploymentRequest, error)

// targetOf returns the entity a command targets.
func targetOf(cmd *engine.Command) *engine.Entity {
	e := cmd.Payload.Clone()
	e.Kind = cmd.Kind
	return e
}

func (o *Orchestrator) setState(octx *engine.OrchestrationContext, ref engine.EntityRef, state engine.ResourceState, props map[string]string) (*engine.Entity, error) {
	return engine.CallActivity[*engine.Entity](octx, ActivityEntityState, StateInput{
		Ref:        ref,
		State:      state,
		Properties: props,
	})
}

// fail marks the entity Failed and returns cause.
func (o *Orchestrator) fail(octx *engine.OrchestrationContext, ref engine.EntityRef, cause error) (*engine.Entity, error) {
	if _, err := o.setState(octx, ref, engine.ResourceStateFailed, nil); err != nil {
		octx.Logger().WithError(err).Warnf("failed to mark %s failed", ref)
	}
	return nil, cause
}

// awaitAncestors runs the guard for the command target. While an ancestor
// is still provisioning it returns a continue-as-new error that re-runs the
// workflow after the guard delay.
func (o *Orchestrator) awaitAncestors(octx *engine.OrchestrationContext, in engine.CommandInput) error {
	ready, err := engine.AwaitAncestors(octx, targetOf(&in.Command), in.Deferrals, o.opts.Guard)
	if err != nil || ready {
		return err
	}
	in.Deferrals++
	return octx.ContinueAsNew(in, o.opts.Guard.Delay)
}

// deploy drives entity through Initializing, the kind-specific initializer,
// the deployment, and Provisioning to Succeeded. Any failure marks the
// entity Failed.
func (o *Orchestrator) deploy(octx *engine.OrchestrationContext, entity *engine.Entity, initialize initializer) (*engine.Entity, error) {
	ref := entity.Ref()

	entity, err := o.setState(octx, ref, engine.ResourceStateInitializing, nil)
	if err != nil {
		return o.fail(octx, ref, err)
	}

	entity, req, err := initialize(entity)
	if err != nil {
		return o.fail(octx, ref, err)
	}
	req.Callback = &engine.DeploymentCallback{InstanceID: octx.InstanceID(), CommandID: octx.RootID()}

	token, err := engine.StartDeployment(octx, ActivityDeploymentStart, req, o.opts.Deployment)
	if err != nil {
		return o.fail(octx, ref, err)
	}

	if _, err := o.setState(octx, ref, engine.ResourceStateProvisioning, nil); err != nil {
		return o.fail(octx, ref, err)
	}

	outputs, err := engine.WaitForDeploymentOutput(octx, token, o.opts.Deployment.OutputTimeout)
	if err != nil {
		return o.fail(octx, ref, err)
	}

	entity, err = o.setState(octx, ref, engine.ResourceStateSucceeded, outputProperties(outputs))
	if err != nil {
		return o.fail(octx, ref, err)
	}
	octx.Logger().Infof("%s provisioned", ref)
	return entity, nil
}

// allocate ensures the resource group of e and refreshes its tags.
func (o *Orchestrator) allocate(octx *engine.OrchestrationContext, e *engine.Entity) (*engine.Entity, error) {
	e, err := engine.CallActivity[*engine.Entity](octx, ActivityResourceGroupEnsure, e)
	if err != nil {
		return nil, err
	}
	err = octx.CallActivity(ActivityResourceTags, TagsInput{ResourceID: e.ResourceID, Tags: resourceTags(e)}, nil)
	return e, err
}

// grantOwner resolves the issuing principal and assigns it the owner role
// on the resource of e.
func (o *Orchestrator) grantOwner(octx *engine.OrchestrationContext, e *engine.Entity, issuer engine.Principal) error {
	if issuer.ID == "" {
		return nil
	}
	principal, err := engine.CallActivity[*engine.Principal](octx, ActivityPrincipalResolve, issuer.ID)
	if err != nil {
		return err
	}
	return octx.CallActivity(ActivityRoleAssignments, RoleInput{
		ResourceID:  e.ResourceID,
		Assignments: map[string]string{principal.ID: o.opts.OwnerRole},
	}, nil)
}

func deploymentRequest(e *engine.Entity, resourceID string) engine.DeploymentRequest {
	params := map[string]interface{}{
		"id":   e.ID,
		"kind": string(e.Kind),
	}
	if e.Name != "" {
		params["name"] = e.Name
	}
	if e.Organization != "" {
		params["organization"] = e.Organization
	}
	if e.ProjectID != "" {
		params["project"] = e.ProjectID
	}
	return engine.DeploymentRequest{
		ResourceID: resourceID,
		Template:   e.Template,
		Parameters: params,
	}
}

func (o *Orchestrator) organizationDeploy(octx *engine.OrchestrationContext, in engine.CommandInput) (*engine.Entity, error) {
	cmd := in.Command

	lock, err := octx.Lock(engine.EntityLockKey(targetOf(&cmd)))
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	entity, err := engine.CallActivity[*engine.Entity](octx, ActivityEntityUpsert, cmd)
	if err != nil {
		return nil, err
	}

	return o.deploy(octx, entity, func(e *engine.Entity) (*engine.Entity, engine.DeploymentRequest, error) {
		e, err := o.allocate(octx, e)
		if err != nil {
			return nil, engine.DeploymentRequest{}, err
		}
		return e, deploymentRequest(e, e.ResourceID), nil
	})
}

func (o *Orchestrator) projectDeploy(octx *engine.OrchestrationContext, in engine.CommandInput) (*engine.Entity, error) {
	if err := o.awaitAncestors(octx, in); err != nil {
		return nil, err
	}
	cmd := in.Command

	lock, err := octx.Lock(engine.EntityLockKey(targetOf(&cmd)))
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	entity, err := engine.CallActivity[*engine.Entity](octx, ActivityEntityUpsert, cmd)
	if err != nil {
		return nil, err
	}

	return o.deploy(octx, entity, func(e *engine.Entity) (*engine.Entity, engine.DeploymentRequest, error) {
		e, err := o.allocate(octx, e)
		if err != nil {
			return nil, engine.DeploymentRequest{}, err
		}
		if err := o.grantOwner(octx, e, cmd.IssuedBy); err != nil {
			return nil, engine.DeploymentRequest{}, err
		}
		return e, deploymentRequest(e, e.ResourceID), nil
	})
}

func (o *Orchestrator) componentDeploy(octx *engine.OrchestrationContext, in engine.CommandInput) (*engine.Entity, error) {
	if err := o.awaitAncestors(octx, in); err != nil {
		return nil, err
	}
	cmd := in.Command

	lock, err := octx.Lock(engine.EntityLockKey(targetOf(&cmd)))
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	entity, err := engine.CallActivity[*engine.Entity](octx, ActivityEntityUpsert, cmd)
	if err != nil {
		return nil, err
	}

	entity, err = o.deploy(octx, entity, func(e *engine.Entity) (*engine.Entity, engine.DeploymentRequest, error) {
		e, err := engine.CallSubOrchestration[*engine.Entity](octx, WorkflowComponentPrepare, "",
			PrepareInput{Component: *e, IssuedBy: cmd.IssuedBy})
		if err != nil {
			return nil, engine.DeploymentRequest{}, err
		}
		return e, deploymentRequest(e, e.ResourceID), nil
	})
	if err != nil {
		return nil, err
	}
	o.ensureMonitor(octx, entity)
	return entity, nil
}

// componentPrepare sets up the identity, resource group, and permissions
// of a component. It locks the component with the "prepare" qualifier so
// it runs while the calling workflow holds the component lock.
func (o *Orchestrator) componentPrepare(octx *engine.OrchestrationContext, in PrepareInput) (*engine.Entity, error) {
	lock, err := octx.Lock(engine.EntityLockKey(&in.Component, "prepare"))
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	if in.Refresh {
		current, err := engine.CallActivity[*engine.Entity](octx, ActivityEntityGet, in.Component.Ref())
		if engine.IsNotFound(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if current.ResourceState != engine.ResourceStateSucceeded {
			return current, nil
		}
		in.Component = *current
	}

	octx.SetCustomStatus("preparing component")
	e, err := o.allocate(octx, &in.Component)
	if err != nil {
		return nil, err
	}
	if err := o.grantOwner(octx, e, in.IssuedBy); err != nil {
		return nil, err
	}
	return e, nil
}

// componentTaskRun runs a task deployment against the resources of its
// component. The component lock keeps tasks from overlapping with
// component deployments.
func (o *Orchestrator) componentTaskRun(octx *engine.OrchestrationContext, in engine.CommandInput) (*engine.Entity, error) {
	if err := o.awaitAncestors(octx, in); err != nil {
		return nil, err
	}
	cmd := in.Command
	component := &engine.Entity{Kind: engine.KindComponent, ID: cmd.Payload.ComponentID}

	lock, err := octx.Lock(engine.EntityLockKey(component))
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	task, err := engine.CallActivity[*engine.Entity](octx, ActivityEntityUpsert, cmd)
	if err != nil {
		return nil, err
	}

	return o.deploy(octx, task, func(t *engine.Entity) (*engine.Entity, engine.DeploymentRequest, error) {
		c, err := engine.CallActivity[*engine.Entity](octx, ActivityEntityGet, component.Ref())
		if err != nil {
			return nil, engine.DeploymentRequest{}, err
		}
		return t, deploymentRequest(t, c.ResourceID), nil
	})
}

func (o *Orchestrator) deploymentScopeUpdate(octx *engine.OrchestrationContext, in engine.CommandInput) (*engine.Entity, error) {
	cmd := in.Command

	lock, err := octx.Lock(engine.EntityLockKey(targetOf(&cmd)))
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	entity, err := engine.CallActivity[*engine.Entity](octx, ActivityEntityUpsert, cmd)
	if err != nil {
		return nil, err
	}
	return o.setState(octx, entity.Ref(), engine.ResourceStateSucceeded, nil)
}

// entityDelete tears down the resources of an entity and removes its
// document. The result carries the last snapshot of the entity. Components
// are also locked against preparation so a monitor pass cannot recreate
// their resources.
func (o *Orchestrator) entityDelete(octx *engine.OrchestrationContext, in engine.CommandInput) (*engine.Entity, error) {
	target := targetOf(&in.Command)
	ref := target.Ref()

	keys := []engine.LockKey{engine.EntityLockKey(target)}
	if target.Kind == engine.KindComponent {
		keys = append(keys, engine.EntityLockKey(target, "prepare"))
	}
	lock, err := octx.Lock(keys...)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	if _, err := engine.CallActivity[*engine.Entity](octx, ActivityEntityGet, ref); err != nil {
		return nil, err
	}

	entity, err := o.setState(octx, ref, engine.ResourceStateDeleting, nil)
	if err != nil {
		return nil, err
	}
	if entity.Kind == engine.KindComponent {
		o.stopMonitor(octx, entity.ID)
	}

	if entity.ResourceID != "" && ownsResourceGroup(entity.Kind) {
		if err := octx.CallActivity(ActivityResourceGroupDelete, entity.ResourceID, nil); err != nil {
			return o.fail(octx, ref, err)
		}
	}

	if err := octx.CallActivity(ActivityEntityRemove, ref, nil); err != nil {
		return o.fail(octx, ref, err)
	}
	octx.Logger().Infof("%s deleted", ref)
	return entity, nil
}

func ownsResourceGroup(kind engine.EntityKind) bool {
	switch kind {
	case engine.KindOrganization, engine.KindProject, engine.KindComponent:
		return true
	default:
		return false
	}
}
