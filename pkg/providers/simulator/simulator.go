package simulator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/microsoft/TeamCloud-sub005/pkg/engine"
	"github.com/microsoft/TeamCloud-sub005/pkg/telemetry"
)

// ProviderName is the name the simulator reports to telemetry.
const ProviderName = "simulator"

// Script describes how deployments of a template behave.
type Script struct {
	// Polls is the number of state checks that report Running before the
	// deployment reaches State.
	Polls int

	// State is the terminal state. Empty means Succeeded.
	State engine.DeploymentState

	// Hang keeps the deployment Running forever.
	Hang bool

	// Outputs are returned once the deployment succeeds.
	Outputs map[string]interface{}

	// Errors are returned once the deployment fails.
	Errors []string
}

type resourceGroup struct {
	name  string
	tags  map[string]string
	roles map[string]string
}

type deployment struct {
	dep      engine.Deployment
	script   Script
	polls    int
	callback *engine.DeploymentCallback
}

// ResourceManager is an in-memory engine.ResourceManager. Deployments
// progress one step per GetDeployment call according to the script
// registered for their template.
type ResourceManager struct {
	mu          sync.Mutex
	groups      map[string]*resourceGroup
	deployments map[string]*deployment
	scripts     map[string]Script
	fallback    Script
	failures    map[string][]error
	calls       []string
	gate        chan struct{}
}

// NewResourceManager creates an empty simulated resource manager.
func NewResourceManager() *ResourceManager {
	return &ResourceManager{
		groups:      make(map[string]*resourceGroup),
		deployments: make(map[string]*deployment),
		scripts:     make(map[string]Script),
		failures:    make(map[string][]error),
	}
}

// Script registers the behavior of deployments of template.
func (m *ResourceManager) Script(template string, s Script) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[template] = s
}

// ScriptDefault sets the behavior of templates without a script of their own.
func (m *ResourceManager) ScriptDefault(s Script) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = s
}

// FailNext makes the next len(errs) calls of operation return errs in order.
func (m *ResourceManager) FailNext(operation string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[operation] = append(m.failures[operation], errs...)
}

// Hold blocks StartDeployment until the returned function is called.
func (m *ResourceManager) Hold() (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.gate = gate
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.gate = nil
			m.mu.Unlock()
			close(gate)
		})
	}
}

// Calls returns the operations invoked so far, in order.
func (m *ResourceManager) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// CallCount returns how often operation was invoked.
func (m *ResourceManager) CallCount(operation string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == operation {
			n++
		}
	}
	return n
}

// ResourceGroup returns the tags and role assignments of a resource group.
func (m *ResourceManager) ResourceGroup(resourceID string) (tags, roles map[string]string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[resourceID]
	if !ok {
		return nil, nil, false
	}
	return copyMap(g.tags), copyMap(g.roles), true
}

// ResourceGroups returns the IDs of all resource groups, sorted.
func (m *ResourceManager) ResourceGroups() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.groups))
	for id := range m.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// call records operation and runs fn under the provider telemetry wrapper,
// returning an injected failure instead when one is queued.
func (m *ResourceManager) call(ctx context.Context, operation string, fn func() error) error {
	return telemetry.RecordProviderOperation(ctx, ProviderName, operation, func() error {
		m.mu.Lock()
		m.calls = append(m.calls, operation)
		if queued := m.failures[operation]; len(queued) > 0 {
			m.failures[operation] = queued[1:]
			m.mu.Unlock()
			return queued[0]
		}
		m.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return err
		}
		return fn()
	})
}

func resourceGroupID(name string) string {
	return "/resourceGroups/" + name
}

// EnsureResourceGroup creates the named resource group if missing.
func (m *ResourceManager) EnsureResourceGroup(ctx context.Context, name string, tags map[string]string) (string, error) {
	id := resourceGroupID(name)
	err := m.call(ctx, "EnsureResourceGroup", func() error {
		if name == "" {
			return engine.NewValidationError("resource group name is required", nil)
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		g, ok := m.groups[id]
		if !ok {
			g = &resourceGroup{name: name, tags: map[string]string{}, roles: map[string]string{}}
			m.groups[id] = g
		}
		for k, v := range tags {
			g.tags[k] = v
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// DeleteResourceGroup removes a resource group. Deleting a missing group
// succeeds.
func (m *ResourceManager) DeleteResourceGroup(ctx context.Context, resourceID string) error {
	return m.call(ctx, "DeleteResourceGroup", func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.groups, resourceID)
		return nil
	})
}

// StartDeployment submits a deployment of req.Template.
func (m *ResourceManager) StartDeployment(ctx context.Context, req engine.DeploymentRequest) (*engine.Deployment, error) {
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var out engine.Deployment
	err := m.call(ctx, "StartDeployment", func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if req.ResourceID != "" {
			if _, ok := m.groups[req.ResourceID]; !ok {
				return engine.NewNotFoundError("resource group", req.ResourceID)
			}
		}
		d := &deployment{
			dep: engine.Deployment{
				ID:         "deployment-" + uuid.NewString(),
				ResourceID: req.ResourceID,
				State:      engine.DeploymentAccepted,
			},
			script:   m.fallback,
			callback: req.Callback,
		}
		if s, ok := m.scripts[req.Template]; ok {
			d.script = s
		}
		m.deployments[d.dep.ID] = d
		out = cloneDeployment(d.dep)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetDeployment advances the deployment by one poll and returns its state.
func (m *ResourceManager) GetDeployment(ctx context.Context, deploymentID string) (*engine.Deployment, error) {
	var out engine.Deployment
	err := m.call(ctx, "GetDeployment", func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		d, ok := m.deployments[deploymentID]
		if !ok {
			return engine.NewNotFoundError("deployment", deploymentID)
		}
		d.advance()
		out = cloneDeployment(d.dep)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *deployment) advance() {
	if !d.dep.State.IsProgress() {
		return
	}
	d.dep.State = engine.DeploymentRunning
	if d.script.Hang || d.polls < d.script.Polls {
		d.polls++
		return
	}

	state := d.script.State
	if state == "" {
		state = engine.DeploymentSucceeded
	}
	d.dep.State = state
	if state == engine.DeploymentSucceeded {
		d.dep.Outputs = map[string]interface{}{"resourceId": d.dep.ResourceID}
		for k, v := range d.script.Outputs {
			d.dep.Outputs[k] = v
		}
	} else {
		d.dep.Errors = append([]string(nil), d.script.Errors...)
		if len(d.dep.Errors) == 0 {
			d.dep.Errors = []string{fmt.Sprintf("deployment %s", state)}
		}
	}
}

// Complete forces a deployment into a terminal state.
func (m *ResourceManager) Complete(deploymentID string, state engine.DeploymentState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[deploymentID]
	if !ok {
		return false
	}
	d.script = Script{State: state}
	d.advance()
	return true
}

// Callback returns the callback target a deployment was started with.
func (m *ResourceManager) Callback(deploymentID string) (engine.DeploymentCallback, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[deploymentID]
	if !ok || d.callback == nil {
		return engine.DeploymentCallback{}, false
	}
	return *d.callback, true
}

// Deployments returns the IDs of all known deployments, sorted.
func (m *ResourceManager) Deployments() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.deployments))
	for id := range m.deployments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DeleteDeployment forgets a deployment.
func (m *ResourceManager) DeleteDeployment(ctx context.Context, deploymentID string) error {
	return m.call(ctx, "DeleteDeployment", func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.deployments, deploymentID)
		return nil
	})
}

// SetTags merges tags onto a resource group.
func (m *ResourceManager) SetTags(ctx context.Context, resourceID string, tags map[string]string) error {
	return m.call(ctx, "SetTags", func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		g, ok := m.groups[resourceID]
		if !ok {
			return engine.NewNotFoundError("resource group", resourceID)
		}
		for k, v := range tags {
			g.tags[k] = v
		}
		return nil
	})
}

// SetRoleAssignments replaces the role assignments on a resource group.
func (m *ResourceManager) SetRoleAssignments(ctx context.Context, resourceID string, assignments map[string]string) error {
	return m.call(ctx, "SetRoleAssignments", func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		g, ok := m.groups[resourceID]
		if !ok {
			return engine.NewNotFoundError("resource group", resourceID)
		}
		g.roles = copyMap(assignments)
		return nil
	})
}

func cloneDeployment(d engine.Deployment) engine.Deployment {
	out := d
	if d.Outputs != nil {
		out.Outputs = make(map[string]interface{}, len(d.Outputs))
		for k, v := range d.Outputs {
			out.Outputs[k] = v
		}
	}
	out.Errors = append([]string(nil), d.Errors...)
	return out
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var _ engine.ResourceManager = (*ResourceManager)(nil)
