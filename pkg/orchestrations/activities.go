package orchestrations

import (
	"context"
	"fmt"
	"time"

	"github.com/microsoft/TeamCloud-sub005/pkg/engine"
)

// AuditInput is the input of the audit activity.
type AuditInput struct {
	Command engine.Command        `json:"command"`
	Result  *engine.CommandResult `json:"result,omitempty"`
}

// FinalizeInput carries what the command workflow learned about the command.
type FinalizeInput struct {
	Command engine.Command           `json:"command"`
	Entity  *engine.Entity           `json:"entity,omitempty"`
	Errors  []engine.ErrorDescriptor `json:"errors,omitempty"`
}

// StateInput moves an entity to a new resource state.
type StateInput struct {
	Ref        engine.EntityRef     `json:"ref"`
	State      engine.ResourceState `json:"state"`
	Properties map[string]string    `json:"properties,omitempty"`
}

// TagsInput merges tags onto a provider resource.
type TagsInput struct {
	ResourceID string            `json:"resource_id"`
	Tags       map[string]string `json:"tags"`
}

// RoleInput replaces the role assignments on a provider resource.
type RoleInput struct {
	ResourceID  string            `json:"resource_id"`
	Assignments map[string]string `json:"assignments"`
}

func (o *Orchestrator) auditCommand(ctx context.Context, in AuditInput) (struct{}, error) {
	if o.deps.Audit == nil {
		return struct{}{}, nil
	}
	return struct{}{}, o.deps.Audit.RecordAudit(ctx, &in.Command, in.Result)
}

// finalizeResult writes the terminal command result. A result that is
// already terminal is returned unchanged so retries are harmless.
func (o *Orchestrator) finalizeResult(ctx context.Context, in FinalizeInput) (*engine.CommandResult, error) {
	result, err := o.deps.Results.GetResult(ctx, in.Command.InstanceID())
	if engine.IsNotFound(err) {
		result = engine.NewCommandResult(&in.Command)
		if err := o.deps.Results.CreateResult(ctx, result); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	if result.RuntimeStatus.IsTerminal() {
		return result, nil
	}

	result.Result = in.Entity
	result.Errors = append(result.Errors, in.Errors...)
	result.Finalize()
	if err := o.deps.Results.UpdateResult(ctx, result); err != nil {
		if engine.CodeOf(err) == engine.ErrCodeResultFinal {
			return o.deps.Results.GetResult(ctx, in.Command.InstanceID())
		}
		return nil, err
	}
	return result, nil
}

// upsertEntity persists the payload of cmd. Create is idempotent while the
// stored entity is still in progress and rejects an entity that already
// finished provisioning. Update merges the payload into the stored entity.
// Custom re-runs a finished entity.
func (o *Orchestrator) upsertEntity(ctx context.Context, cmd engine.Command) (*engine.Entity, error) {
	payload := cmd.Payload.Clone()
	payload.Kind = cmd.Kind
	if err := o.validate.Struct(payload); err != nil {
		return nil, engine.NewValidationError("invalid entity", err).WithResource(payload.ID)
	}

	existing, err := o.deps.Entities.GetEntity(ctx, payload.Kind, payload.ID)
	if err != nil {
		if !engine.IsNotFound(err) {
			return nil, err
		}
		if cmd.Action == engine.ActionUpdate {
			return nil, engine.NewValidationError(fmt.Sprintf("%s does not exist", payload.Ref()), err).
				WithCode(engine.ErrCodeNotFound).
				WithResource(payload.ID)
		}
		now := time.Now().UTC()
		payload.ResourceID = ""
		payload.ResourceState = engine.ResourceStatePending
		payload.Version = 0
		payload.CreatedAt = now
		payload.UpdatedAt = now
		return o.deps.Entities.SetEntity(ctx, payload)
	}

	if existing.ResourceState == engine.ResourceStateDeleting {
		return nil, engine.NewValidationError(fmt.Sprintf("%s is being deleted", existing.Ref()), nil).
			WithCode(engine.ErrCodeConflict).
			WithResource(existing.ID)
	}

	switch cmd.Action {
	case engine.ActionCreate:
		if existing.ResourceState.IsFinal() {
			return nil, engine.NewValidationError(fmt.Sprintf("%s already exists", existing.Ref()), nil).
				WithCode(engine.ErrCodeAlreadyExists).
				WithResource(existing.ID)
		}
		return existing, nil
	case engine.ActionCustom:
		if !existing.ResourceState.IsFinal() {
			return existing, nil
		}
	}

	merged := existing.Clone()
	if payload.Name != "" {
		merged.Name = payload.Name
	}
	if payload.Template != "" {
		merged.Template = payload.Template
	}
	if payload.DeploymentScopeID != "" {
		merged.DeploymentScopeID = payload.DeploymentScopeID
	}
	merged.Tags = mergeMaps(merged.Tags, payload.Tags)
	merged.Properties = mergeMaps(merged.Properties, payload.Properties)
	merged.ResourceState = engine.ResourceStatePending
	merged.UpdatedAt = time.Now().UTC()
	return o.deps.Entities.SetEntity(ctx, merged)
}

func (o *Orchestrator) getEntity(ctx context.Context, ref engine.EntityRef) (*engine.Entity, error) {
	return o.deps.Entities.GetEntity(ctx, ref.Kind, ref.ID)
}

// snapshotEntity returns the stored entity, or nil when it does not exist.
func (o *Orchestrator) snapshotEntity(ctx context.Context, ref engine.EntityRef) (*engine.Entity, error) {
	e, err := o.deps.Entities.GetEntity(ctx, ref.Kind, ref.ID)
	if engine.IsNotFound(err) {
		return nil, nil
	}
	return e, err
}

// setEntityState re-reads the entity and writes the new state on top of the
// latest version.
func (o *Orchestrator) setEntityState(ctx context.Context, in StateInput) (*engine.Entity, error) {
	current, err := o.deps.Entities.GetEntity(ctx, in.Ref.Kind, in.Ref.ID)
	if err != nil {
		return nil, err
	}

	previous := current.ResourceState
	next := current.Clone()
	next.ResourceState = in.State
	next.Properties = mergeMaps(next.Properties, in.Properties)
	next.UpdatedAt = time.Now().UTC()

	saved, err := o.deps.Entities.SetEntity(ctx, next)
	if err != nil {
		return nil, err
	}

	if previous != in.State {
		info, _ := engine.ActivityInfoFromContext(ctx)
		_ = o.deps.Telemetry.Events.PublishEntityStateChanged(info.InstanceID, in.Ref.String(), string(previous), string(in.State))
		o.logger.WithInstanceID(info.InstanceID).
			WithEntity(string(in.Ref.Kind), in.Ref.ID).
			Debugf("resource state %s -> %s", previous, in.State)
	}
	return saved, nil
}

func (o *Orchestrator) removeEntity(ctx context.Context, ref engine.EntityRef) (struct{}, error) {
	return struct{}{}, o.deps.Entities.RemoveEntity(ctx, ref.Kind, ref.ID)
}

// ensureResourceGroup allocates the resource group backing e and stores its
// resource ID on the entity.
func (o *Orchestrator) ensureResourceGroup(ctx context.Context, e engine.Entity) (*engine.Entity, error) {
	id, err := o.deps.Resources.EnsureResourceGroup(ctx, resourceGroupName(&e), resourceTags(&e))
	if err != nil {
		return nil, err
	}

	current, err := o.deps.Entities.GetEntity(ctx, e.Kind, e.ID)
	if err != nil {
		return nil, err
	}
	if current.ResourceID == id {
		return current, nil
	}
	current.ResourceID = id
	current.UpdatedAt = time.Now().UTC()
	return o.deps.Entities.SetEntity(ctx, current)
}

func (o *Orchestrator) deleteResourceGroup(ctx context.Context, resourceID string) (struct{}, error) {
	return struct{}{}, o.deps.Resources.DeleteResourceGroup(ctx, resourceID)
}

func (o *Orchestrator) setResourceTags(ctx context.Context, in TagsInput) (struct{}, error) {
	return struct{}{}, o.deps.Resources.SetTags(ctx, in.ResourceID, in.Tags)
}

func (o *Orchestrator) resolvePrincipal(ctx context.Context, id string) (*engine.Principal, error) {
	if o.deps.Directory == nil {
		return &engine.Principal{ID: id}, nil
	}
	return o.deps.Directory.ResolvePrincipal(ctx, id)
}

func (o *Orchestrator) setRoleAssignments(ctx context.Context, in RoleInput) (struct{}, error) {
	return struct{}{}, o.deps.Resources.SetRoleAssignments(ctx, in.ResourceID, in.Assignments)
}

// startDeployment submits a template deployment. A request without a
// template deploys nothing and returns an empty deployment.
func (o *Orchestrator) startDeployment(ctx context.Context, req engine.DeploymentRequest) (*engine.Deployment, error) {
	if req.Template == "" {
		return &engine.Deployment{ResourceID: req.ResourceID, State: engine.DeploymentSucceeded}, nil
	}
	return o.deps.Resources.StartDeployment(ctx, req)
}

// resourceGroupName derives the provider resource group name of e.
func resourceGroupName(e *engine.Entity) string {
	switch e.Kind {
	case engine.KindProject:
		return fmt.Sprintf("tc-%s-%s", e.Organization, e.ID)
	case engine.KindComponent:
		return fmt.Sprintf("tc-%s-%s-%s", e.Organization, e.ProjectID, e.ID)
	default:
		return "tc-" + e.ID
	}
}

// resourceTags returns the tags propagated onto the resources of e.
func resourceTags(e *engine.Entity) map[string]string {
	tags := map[string]string{
		"teamcloud-kind": string(e.Kind),
		"teamcloud-id":   e.ID,
	}
	if e.Organization != "" {
		tags["teamcloud-organization"] = e.Organization
	}
	if e.ProjectID != "" {
		tags["teamcloud-project"] = e.ProjectID
	}
	return mergeMaps(tags, e.Tags)
}

func mergeMaps(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// outputProperties flattens deployment outputs into entity properties.
func outputProperties(outputs map[string]interface{}) map[string]string {
	if len(outputs) == 0 {
		return nil
	}
	props := make(map[string]string, len(outputs))
	for k, v := range outputs {
		props[k] = fmt.Sprint(v)
	}
	return props
}
