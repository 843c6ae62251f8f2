package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// WorkflowFunc is a registered orchestration body. It receives the raw
// input of the current generation and returns a value to be stored as the
// instance output.
type WorkflowFunc func(octx *OrchestrationContext, input json.RawMessage) (any, error)

// ActivityFunc is a registered side-effecting step.
type ActivityFunc func(ctx context.Context, input json.RawMessage) (any, error)

// Workflow adapts a typed workflow body to a WorkflowFunc.
func Workflow[I any, O any](fn func(octx *OrchestrationContext, input I) (O, error)) WorkflowFunc {
	return func(octx *OrchestrationContext, raw json.RawMessage) (any, error) {
		var in I
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, NewValidationError("failed to decode workflow input", err)
			}
		}
		return fn(octx, in)
	}
}

// Activity adapts a typed activity to an ActivityFunc.
func Activity[I any, O any](fn func(ctx context.Context, input I) (O, error)) ActivityFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var in I
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, NewValidationError("failed to decode activity input", err)
			}
		}
		return fn(ctx, in)
	}
}

type activityEntry struct {
	fn     ActivityFunc
	policy *RetryPolicy
}

type commandRoute struct {
	kind   EntityKind
	action CommandAction
}

// EternalWorkflow describes a singleton workflow kept alive by the supervisor.
type EternalWorkflow struct {
	Name       string `json:"name"`
	InstanceID string `json:"instance_id"`
	Input      any    `json:"input,omitempty"`
}

// EternalSource lists the singleton workflows of one family that should be
// running right now, such as one monitor per provisioned component.
type EternalSource func(ctx context.Context) ([]EternalWorkflow, error)

type eternalFamily struct {
	prefix string
	list   EternalSource
}

// Registry maps names to workflow and activity implementations and routes
// commands to the workflow that handles them. It is populated once at
// startup; lookups are safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	workflows  map[string]WorkflowFunc
	activities map[string]activityEntry
	routes     map[commandRoute]string
	eternal    map[string]EternalWorkflow
	families   []eternalFamily
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workflows:  make(map[string]WorkflowFunc),
		activities: make(map[string]activityEntry),
		routes:     make(map[commandRoute]string),
		eternal:    make(map[string]EternalWorkflow),
	}
}

// RegisterWorkflow registers a workflow under name. Registering the same
// name twice panics.
func (r *Registry) RegisterWorkflow(name string, fn WorkflowFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[name]; exists {
		panic(fmt.Sprintf("workflow %q registered twice", name))
	}
	r.workflows[name] = fn
}

// RegisterActivity registers an activity under name. A nil policy means the
// invoker default applies.
func (r *Registry) RegisterActivity(name string, fn ActivityFunc, policy *RetryPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.activities[name]; exists {
		panic(fmt.Sprintf("activity %q registered twice", name))
	}
	r.activities[name] = activityEntry{fn: fn, policy: policy}
}

// RouteCommand routes commands of (kind, action) to workflow.
func (r *Registry) RouteCommand(kind EntityKind, action CommandAction, workflow string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[commandRoute{kind: kind, action: action}] = workflow
}

// RegisterEternal declares a singleton workflow for the supervisor.
func (r *Registry) RegisterEternal(wf EternalWorkflow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eternal[wf.InstanceID] = wf
}

// RegisterEternalSource declares a family of singleton workflows whose
// instance IDs start with prefix. The supervisor asks list for the members
// that should currently be running.
func (r *Registry) RegisterEternalSource(prefix string, list EternalSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.families = append(r.families, eternalFamily{prefix: prefix, list: list})
	sort.Slice(r.families, func(i, j int) bool { return r.families[i].prefix < r.families[j].prefix })
}

// EternalSources returns the registered singleton families ordered by prefix.
func (r *Registry) EternalSources() []EternalSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]EternalSource, 0, len(r.families))
	for _, f := range r.families {
		out = append(out, f.list)
	}
	return out
}

// Workflow looks up a workflow by name.
func (r *Registry) Workflow(name string) (WorkflowFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.workflows[name]
	return fn, ok
}

func (r *Registry) activity(name string) (activityEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.activities[name]
	return a, ok
}

// Resolve returns the workflow that handles cmd.
func (r *Registry) Resolve(cmd *Command) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.routes[commandRoute{kind: cmd.Kind, action: cmd.Action}]
	if !ok {
		return "", NewValidationError(
			fmt.Sprintf("no workflow handles %s %s", cmd.Action, cmd.Kind), nil).
			WithCode(ErrCodeNoRoute)
	}
	return name, nil
}

// Eternal returns the declared singleton workflows ordered by instance ID.
func (r *Registry) Eternal() []EternalWorkflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]EternalWorkflow, 0, len(r.eternal))
	for _, wf := range r.eternal {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// IsEternal reports whether instanceID belongs to a declared singleton or
// to a singleton family. Family members are returned with only their ID set.
func (r *Registry) IsEternal(instanceID string) (EternalWorkflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if wf, ok := r.eternal[instanceID]; ok {
		return wf, true
	}
	for _, f := range r.families {
		if strings.HasPrefix(instanceID, f.prefix) {
			return EternalWorkflow{InstanceID: instanceID}, true
		}
	}
	return EternalWorkflow{}, false
}
