package engine

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntityKind identifies the type of a managed domain entity.
type EntityKind string

const (
	// KindOrganization is the top-level tenant entity.
	KindOrganization EntityKind = "organization"

	// KindDeploymentScope is a target environment owned by an organization.
	KindDeploymentScope EntityKind = "deployment_scope"

	// KindProject is a project inside an organization.
	KindProject EntityKind = "project"

	// KindComponent is a deployable component inside a project.
	KindComponent EntityKind = "component"

	// KindComponentTask is a task executed against a component.
	KindComponentTask EntityKind = "component_task"
)

// Validate checks if the entity kind is known.
func (k EntityKind) Validate() error {
	switch k {
	case KindOrganization, KindDeploymentScope, KindProject, KindComponent, KindComponentTask:
		return nil
	default:
		return NewValidationError("unknown entity kind: "+string(k), nil)
	}
}

// CommandAction is the verb of a command.
type CommandAction string

const (
	// ActionCreate provisions a new entity.
	ActionCreate CommandAction = "create"

	// ActionUpdate re-applies an existing entity.
	ActionUpdate CommandAction = "update"

	// ActionDelete tears an entity down.
	ActionDelete CommandAction = "delete"

	// ActionCustom runs a kind-specific operation such as a component task.
	ActionCustom CommandAction = "custom"
)

// Principal is the identity a command is issued by.
type Principal struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
}

// Entity is a persisted domain document (organization, project, component...).
type Entity struct {
	// ID is the unique identifier for this entity.
	ID string `json:"id" validate:"required"`

	// Kind is the entity kind.
	Kind EntityKind `json:"kind" validate:"required"`

	// Name is the human-readable name of the entity.
	Name string `json:"name,omitempty"`

	// Organization is the owning organization ID.
	Organization string `json:"organization,omitempty"`

	// ProjectID is the owning project ID, for project-scoped kinds.
	ProjectID string `json:"project_id,omitempty"`

	// ComponentID is the owning component ID, for component tasks.
	ComponentID string `json:"component_id,omitempty"`

	// DeploymentScopeID links a project or component to its target environment.
	DeploymentScopeID string `json:"deployment_scope_id,omitempty"`

	// Template names the deployment template used to provision the entity.
	Template string `json:"template,omitempty"`

	// ResourceID is the provider resource backing this entity.
	ResourceID string `json:"resource_id,omitempty"`

	// ResourceState is the provisioning state of the entity.
	ResourceState ResourceState `json:"resource_state,omitempty"`

	// Tags are propagated onto provider resources.
	Tags map[string]string `json:"tags,omitempty"`

	// Properties holds free-form values, including deployment outputs.
	Properties map[string]string `json:"properties,omitempty"`

	// CreatedAt is when the entity was first persisted.
	CreatedAt time.Time `json:"created_at,omitempty"`

	// UpdatedAt is when the entity was last persisted.
	UpdatedAt time.Time `json:"updated_at,omitempty"`

	// Version is the document version for optimistic concurrency.
	Version int64 `json:"version"`
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Tags = cloneMap(e.Tags)
	c.Properties = cloneMap(e.Properties)
	return &c
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Ref returns a lightweight reference to the entity.
func (e *Entity) Ref() EntityRef {
	return EntityRef{Kind: e.Kind, ID: e.ID}
}

// Ancestors returns the entities this entity depends on, outermost first.
func (e *Entity) Ancestors() []EntityRef {
	var refs []EntityRef
	switch e.Kind {
	case KindDeploymentScope, KindProject:
		refs = append(refs, EntityRef{Kind: KindOrganization, ID: e.Organization})
	case KindComponent:
		refs = append(refs,
			EntityRef{Kind: KindOrganization, ID: e.Organization},
			EntityRef{Kind: KindProject, ID: e.ProjectID})
	case KindComponentTask:
		refs = append(refs,
			EntityRef{Kind: KindOrganization, ID: e.Organization},
			EntityRef{Kind: KindProject, ID: e.ProjectID},
			EntityRef{Kind: KindComponent, ID: e.ComponentID})
	}
	return refs
}

// EntityRef identifies an entity by kind and ID.
type EntityRef struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

// String renders the reference as "kind/id".
func (r EntityRef) String() string {
	return string(r.Kind) + "/" + r.ID
}

// Command is a request to mutate a domain entity.
type Command struct {
	// ID is the unique command identifier; it doubles as the orchestration instance ID.
	ID uuid.UUID `json:"id"`

	// Action is the verb to apply.
	Action CommandAction `json:"action" validate:"required,oneof=create update delete custom"`

	// Kind is the entity kind the command targets.
	Kind EntityKind `json:"kind" validate:"required,oneof=organization deployment_scope project component component_task"`

	// ProjectID scopes the command to a project, when applicable.
	ProjectID string `json:"project_id,omitempty"`

	// Payload is the entity snapshot the command carries.
	Payload Entity `json:"payload"`

	// IssuedBy is the principal that issued the command.
	IssuedBy Principal `json:"issued_by"`

	// CreatedAt is when the command was submitted.
	CreatedAt time.Time `json:"created_at"`
}

// InstanceID returns the orchestration instance ID for the command.
func (c *Command) InstanceID() string {
	return c.ID.String()
}

// Envelope is the status record of an asynchronous operation producing a T.
type Envelope[T any] struct {
	// CommandID is the ID of the command this result belongs to.
	CommandID string `json:"command_id"`

	// ProjectID scopes the result to a project, when applicable.
	ProjectID string `json:"project_id,omitempty"`

	// Kind and Action echo the command.
	Kind   EntityKind    `json:"kind"`
	Action CommandAction `json:"action"`

	// RuntimeStatus is the lifecycle position of the operation.
	RuntimeStatus RuntimeStatus `json:"runtime_status"`

	// CustomStatus is a free-form progress string set by the workflow.
	CustomStatus string `json:"custom_status,omitempty"`

	// Result is the payload produced by the operation.
	Result *T `json:"result,omitempty"`

	// Errors collects every failure observed while processing.
	Errors []ErrorDescriptor `json:"errors,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CommandResult is the status record of a command.
type CommandResult = Envelope[Entity]

// NewCommandResult creates a Pending result for cmd.
func NewCommandResult(cmd *Command) *CommandResult {
	now := time.Now().UTC()
	return &CommandResult{
		CommandID:     cmd.InstanceID(),
		ProjectID:     cmd.ProjectID,
		Kind:          cmd.Kind,
		Action:        cmd.Action,
		RuntimeStatus: RuntimeStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// AddError appends err to the result's error list.
func (r *Envelope[T]) AddError(err error) {
	if d := Describe(err); d != nil {
		r.Errors = append(r.Errors, *d)
	}
}

// Failed reports whether any error has been recorded.
func (r *Envelope[T]) Failed() bool {
	return len(r.Errors) > 0
}

// Finalize sets the terminal runtime status according to the recorded errors.
func (r *Envelope[T]) Finalize() {
	if r.Failed() {
		r.RuntimeStatus = RuntimeStatusFailed
	} else {
		r.RuntimeStatus = RuntimeStatusCompleted
	}
	r.UpdatedAt = time.Now().UTC()
}

// Deployment is a provider deployment as seen by the engine.
type Deployment struct {
	ID         string                 `json:"id"`
	ResourceID string                 `json:"resource_id"`
	State      DeploymentState        `json:"state"`
	Outputs    map[string]interface{} `json:"outputs,omitempty"`
	Errors     []string               `json:"errors,omitempty"`
}

// DeploymentRequest asks a provider to start a deployment.
type DeploymentRequest struct {
	ResourceID string                 `json:"resource_id"`
	Template   string                 `json:"template"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Callback   *DeploymentCallback    `json:"callback,omitempty"`
}

// DeploymentCallback tells a provider where to report the outcome of a
// deployment: a DeploymentOutcome posted to the callback endpoint as
// /callbacks/{InstanceID}/{CommandID}.
type DeploymentCallback struct {
	InstanceID string `json:"instance_id"`
	CommandID  string `json:"command_id"`
}

// Instance is a persisted orchestration instance.
type Instance struct {
	// ID is the unique instance identifier.
	ID string `json:"id"`

	// Name is the registered workflow name.
	Name string `json:"name"`

	// Input is the JSON-encoded workflow input of the current generation.
	Input json.RawMessage `json:"input,omitempty"`

	// Status is the runtime status of the instance.
	Status RuntimeStatus `json:"status"`

	// CustomStatus is the last progress string set by the workflow.
	CustomStatus string `json:"custom_status,omitempty"`

	// Output is the JSON-encoded return value once completed.
	Output json.RawMessage `json:"output,omitempty"`

	// Error describes the failure once failed.
	Error *ErrorDescriptor `json:"error,omitempty"`

	// ParentID is set for sub-orchestrations.
	ParentID string `json:"parent_id,omitempty"`

	// RootID is the top-level instance this instance runs under.
	RootID string `json:"root_id"`

	// Generation counts continue-as-new restarts.
	Generation int `json:"generation"`

	// ResumeAt delays execution of the current generation.
	ResumeAt *time.Time `json:"resume_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HistoryEventType identifies a step log record.
type HistoryEventType string

const (
	EventActivityCompleted        HistoryEventType = "activity_completed"
	EventActivityFailed           HistoryEventType = "activity_failed"
	EventSubOrchestrationComplete HistoryEventType = "sub_orchestration_completed"
	EventSubOrchestrationFailed   HistoryEventType = "sub_orchestration_failed"
	EventOrchestrationStarted     HistoryEventType = "orchestration_started"
	EventTimerCreated             HistoryEventType = "timer_created"
	EventTimerFired               HistoryEventType = "timer_fired"
	EventExternalEventReceived    HistoryEventType = "event_received"
	EventExternalEventTimedOut    HistoryEventType = "event_timed_out"
	EventEventRaised              HistoryEventType = "event_raised"
	EventLockAcquired             HistoryEventType = "lock_acquired"
	EventLockReleased             HistoryEventType = "lock_released"
	EventGUIDCreated              HistoryEventType = "guid_created"
	EventTimeRecorded             HistoryEventType = "time_recorded"
)

// HistoryEvent is one entry of an instance's step log.
type HistoryEvent struct {
	InstanceID string           `json:"instance_id"`
	Seq        int              `json:"seq"`
	Type       HistoryEventType `json:"type"`
	Name       string           `json:"name"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
	Error      *ErrorDescriptor `json:"error,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// LockKind orders lockable resource kinds. Locks are always acquired in
// ascending LockKind order so two workflows never wait on each other.
type LockKind int

const (
	LockOrganization LockKind = iota
	LockDeploymentScope
	LockProject
	LockComponent
	LockComponentTask
	LockCustom
)

var lockKindNames = map[LockKind]string{
	LockOrganization:    "organization",
	LockDeploymentScope: "deployment_scope",
	LockProject:         "project",
	LockComponent:       "component",
	LockComponentTask:   "component_task",
	LockCustom:          "custom",
}

// String returns the lock kind name.
func (k LockKind) String() string {
	if n, ok := lockKindNames[k]; ok {
		return n
	}
	return "unknown"
}

// LockKey names a lockable resource.
type LockKey struct {
	Kind       LockKind `json:"kind"`
	ID         string   `json:"id"`
	Qualifiers []string `json:"qualifiers,omitempty"`
}

// String renders the canonical lock key "{kind}|{id}|{q1,q2...}".
func (k LockKey) String() string {
	return k.Kind.String() + "|" + k.ID + "|" + strings.Join(k.Qualifiers, ",")
}

// EntityLockKey returns the lock key guarding e.
func EntityLockKey(e *Entity, qualifiers ...string) LockKey {
	kind := LockCustom
	switch e.Kind {
	case KindOrganization:
		kind = LockOrganization
	case KindDeploymentScope:
		kind = LockDeploymentScope
	case KindProject:
		kind = LockProject
	case KindComponent:
		kind = LockComponent
	case KindComponentTask:
		kind = LockComponentTask
	}
	return LockKey{Kind: kind, ID: e.ID, Qualifiers: qualifiers}
}
