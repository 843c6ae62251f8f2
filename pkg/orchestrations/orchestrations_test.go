package orchestrations

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/microsoft/TeamCloud-sub005/pkg/engine"
	"github.com/microsoft/TeamCloud-sub005/pkg/providers/simulator"
	"github.com/microsoft/TeamCloud-sub005/pkg/stores"
	"github.com/microsoft/TeamCloud-sub005/pkg/telemetry"
)

type harness struct {
	store    *stores.SQLiteStore
	rm       *simulator.ResourceManager
	runner   *engine.Runner
	commands *engine.CommandService
	tel      *telemetry.Telemetry
}

func fastOptions() Options {
	return Options{
		Guard: engine.GuardOptions{Delay: 20 * time.Millisecond},
		Deployment: engine.DeploymentOptions{
			PollInterval:  10 * time.Millisecond,
			OutputTimeout: 5 * time.Second,
		},
		RegistrationInterval: time.Hour,
	}
}

// newHarness wires the workflows against a fresh store. setup may replace
// dependencies before they are registered.
func newHarness(t *testing.T, opts Options, setup ...func(*Dependencies)) *harness {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{
		Path: filepath.Join(t.TempDir(), "teamcloud.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	tel := telemetry.NewNopTelemetry()
	rm := simulator.NewResourceManager()
	dir := simulator.NewDirectory(engine.Principal{ID: "alice", Name: "Alice", Type: "user"})

	deps := Dependencies{
		Entities:  store,
		Results:   store,
		Audit:     store,
		Resources: rm,
		Directory: dir,
		Telemetry: tel,
		Options:   opts,
	}
	for _, fn := range setup {
		fn(&deps)
	}

	reg := engine.NewRegistry()
	Register(reg, deps)

	runner := engine.NewRunner(store, store, reg, engine.RunnerOptions{
		EventPollInterval: 10 * time.Millisecond,
		ActivityRetry: engine.RetryPolicy{
			MaxAttempts:        3,
			FirstInterval:      time.Millisecond,
			BackoffCoefficient: 1,
			MaxInterval:        10 * time.Millisecond,
		},
		Locks: engine.LockOptions{
			Timeout:      50 * time.Millisecond,
			PollInterval: 5 * time.Millisecond,
			Retry: engine.RetryPolicy{
				MaxAttempts:        500,
				FirstInterval:      10 * time.Millisecond,
				BackoffCoefficient: 1,
				MaxInterval:        10 * time.Millisecond,
			},
		},
	}, tel)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Shutdown(ctx)
	})

	return &harness{
		store:    store,
		rm:       rm,
		runner:   runner,
		commands: engine.NewCommandService(runner, store, nil, tel),
		tel:      tel,
	}
}

func (h *harness) seed(t *testing.T, e *engine.Entity) *engine.Entity {
	t.Helper()
	saved, err := h.store.SetEntity(context.Background(), e)
	if err != nil {
		t.Fatalf("failed to seed %s: %v", e.Ref(), err)
	}
	return saved
}

func (h *harness) setState(t *testing.T, kind engine.EntityKind, id string, state engine.ResourceState) {
	t.Helper()
	ctx := context.Background()
	e, err := h.store.GetEntity(ctx, kind, id)
	if err != nil {
		t.Fatalf("failed to get %s/%s: %v", kind, id, err)
	}
	e.ResourceState = state
	if _, err := h.store.SetEntity(ctx, e); err != nil {
		t.Fatalf("failed to update %s/%s: %v", kind, id, err)
	}
}

func (h *harness) submit(t *testing.T, action engine.CommandAction, payload engine.Entity) *engine.Command {
	t.Helper()
	cmd := &engine.Command{
		Action:   action,
		Kind:     payload.Kind,
		Payload:  payload,
		IssuedBy: engine.Principal{ID: "alice"},
	}
	if _, err := h.commands.Submit(context.Background(), cmd); err != nil {
		t.Fatalf("failed to submit %s %s: %v", action, payload.Ref(), err)
	}
	return cmd
}

func (h *harness) wait(t *testing.T, cmd *engine.Command) *engine.CommandResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	result, err := h.commands.WaitForResult(ctx, cmd.InstanceID())
	if err != nil {
		t.Fatalf("command %s did not finish: %v", cmd.InstanceID(), err)
	}
	return result
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func succeededOrg(id string) *engine.Entity {
	return &engine.Entity{
		ID:            id,
		Kind:          engine.KindOrganization,
		ResourceID:    "/resourceGroups/tc-" + id,
		ResourceState: engine.ResourceStateSucceeded,
	}
}

func succeededProject(org, id string) *engine.Entity {
	return &engine.Entity{
		ID:            id,
		Kind:          engine.KindProject,
		Organization:  org,
		ResourceID:    fmt.Sprintf("/resourceGroups/tc-%s-%s", org, id),
		ResourceState: engine.ResourceStateSucceeded,
	}
}

func TestOrganizationCreate(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.rm.Script("org", simulator.Script{Polls: 1, Outputs: map[string]interface{}{"endpoint": "https://contoso"}})

	cmd := h.submit(t, engine.ActionCreate, engine.Entity{
		ID:       "contoso",
		Kind:     engine.KindOrganization,
		Template: "org",
	})
	result := h.wait(t, cmd)

	if result.RuntimeStatus != engine.RuntimeStatusCompleted {
		t.Fatalf("expected completed, got %s: %+v", result.RuntimeStatus, result.Errors)
	}
	if result.Result == nil || result.Result.ResourceState != engine.ResourceStateSucceeded {
		t.Fatalf("expected succeeded entity in result, got %+v", result.Result)
	}
	if result.Result.ResourceID != "/resourceGroups/tc-contoso" {
		t.Errorf("unexpected resource id %q", result.Result.ResourceID)
	}
	if result.Result.Properties["endpoint"] != "https://contoso" {
		t.Errorf("expected deployment outputs on entity, got %v", result.Result.Properties)
	}

	stored, err := h.store.GetEntity(context.Background(), engine.KindOrganization, "contoso")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if stored.ResourceState != engine.ResourceStateSucceeded {
		t.Errorf("expected stored entity succeeded, got %s", stored.ResourceState)
	}

	tags, _, ok := h.rm.ResourceGroup(stored.ResourceID)
	if !ok || tags["teamcloud-kind"] != "organization" {
		t.Errorf("expected tagged resource group, got ok=%v tags=%v", ok, tags)
	}

	id := cmd.InstanceID()
	entries, err := h.store.ListAuditEntries(context.Background(), &id, 10, 0)
	if err != nil {
		t.Fatalf("ListAuditEntries failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected start and end audit entries, got %d", len(entries))
	}
	if entries[1].RuntimeStatus != engine.RuntimeStatusCompleted {
		t.Errorf("expected final audit entry completed, got %s", entries[1].RuntimeStatus)
	}

	holder, err := h.store.LockHolder(context.Background(), "organization|contoso|")
	if err != nil || holder != "" {
		t.Errorf("expected lock released, holder=%q err=%v", holder, err)
	}
}

func TestProjectWaitsForOrganization(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.seed(t, &engine.Entity{ID: "contoso", Kind: engine.KindOrganization, ResourceState: engine.ResourceStatePending})

	cmd := h.submit(t, engine.ActionCreate, engine.Entity{
		ID:           "p1",
		Kind:         engine.KindProject,
		Organization: "contoso",
		Template:     "project",
	})

	ctx := context.Background()
	waitFor(t, "guard deferrals", func() bool {
		r, err := h.commands.GetResult(ctx, cmd.InstanceID(), "p1")
		return err == nil &&
			r.RuntimeStatus == engine.RuntimeStatusRunning &&
			r.CustomStatus == engine.StatusWaitingForAncestor
	})

	// Let the guard re-check a few times.
	time.Sleep(100 * time.Millisecond)
	if n := h.rm.CallCount("EnsureResourceGroup"); n != 0 {
		t.Fatalf("expected no provisioning before the organization is ready, got %d calls", n)
	}
	if _, err := h.store.GetEntity(ctx, engine.KindProject, "p1"); !engine.IsNotFound(err) {
		t.Fatalf("expected project not to be persisted yet, got %v", err)
	}

	h.setState(t, engine.KindOrganization, "contoso", engine.ResourceStateSucceeded)
	result := h.wait(t, cmd)

	if result.RuntimeStatus != engine.RuntimeStatusCompleted {
		t.Fatalf("expected completed, got %s: %+v", result.RuntimeStatus, result.Errors)
	}
	if result.Result.ResourceState != engine.ResourceStateSucceeded || result.Result.ResourceID == "" {
		t.Errorf("unexpected project snapshot %+v", result.Result)
	}

	_, roles, ok := h.rm.ResourceGroup(result.Result.ResourceID)
	if !ok || roles["alice"] != "Owner" {
		t.Errorf("expected owner role for issuer, got ok=%v roles=%v", ok, roles)
	}
}

func TestProjectFailsWhenOrganizationFailed(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.seed(t, &engine.Entity{ID: "contoso", Kind: engine.KindOrganization, ResourceState: engine.ResourceStateFailed})

	cmd := h.submit(t, engine.ActionCreate, engine.Entity{
		ID:           "p1",
		Kind:         engine.KindProject,
		Organization: "contoso",
	})
	result := h.wait(t, cmd)

	if result.RuntimeStatus != engine.RuntimeStatusFailed {
		t.Fatalf("expected failed, got %s", result.RuntimeStatus)
	}
	if len(result.Errors) == 0 || result.Errors[0].Code != engine.ErrCodeDependencyFailed {
		t.Fatalf("expected DEPENDENCY_FAILED, got %+v", result.Errors)
	}
	if n := h.rm.CallCount("EnsureResourceGroup"); n != 0 {
		t.Errorf("expected no provisioning activities, got %d resource group calls", n)
	}

	inst, err := h.runner.GetStatus(context.Background(), cmd.InstanceID())
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if inst.Status != engine.RuntimeStatusFailed {
		t.Errorf("expected failed instance, got %s", inst.Status)
	}
}

func TestGuardGivesUpAfterMaxDeferrals(t *testing.T) {
	opts := fastOptions()
	opts.Guard.MaxDeferrals = 3
	h := newHarness(t, opts)
	h.seed(t, &engine.Entity{ID: "contoso", Kind: engine.KindOrganization, ResourceState: engine.ResourceStateProvisioning})

	cmd := h.submit(t, engine.ActionCreate, engine.Entity{
		ID:           "p1",
		Kind:         engine.KindProject,
		Organization: "contoso",
	})
	result := h.wait(t, cmd)

	if result.RuntimeStatus != engine.RuntimeStatusFailed {
		t.Fatalf("expected failed, got %s", result.RuntimeStatus)
	}
	if result.Errors[0].Code != engine.ErrCodeDependencyFailed {
		t.Errorf("expected DEPENDENCY_FAILED, got %s", result.Errors[0].Code)
	}
}

func TestDeploymentTimeoutMarksEntityFailed(t *testing.T) {
	opts := fastOptions()
	opts.Deployment.OutputTimeout = 200 * time.Millisecond
	h := newHarness(t, opts)
	h.rm.Script("stuck", simulator.Script{Hang: true})

	cmd := h.submit(t, engine.ActionCreate, engine.Entity{
		ID:       "contoso",
		Kind:     engine.KindOrganization,
		Template: "stuck",
	})
	result := h.wait(t, cmd)

	if result.RuntimeStatus != engine.RuntimeStatusFailed {
		t.Fatalf("expected failed, got %s", result.RuntimeStatus)
	}
	if result.Errors[0].Code != engine.ErrCodeTimeout {
		t.Errorf("expected TIMEOUT, got %+v", result.Errors[0])
	}
	if result.Result == nil || result.Result.ResourceState != engine.ResourceStateFailed {
		t.Errorf("expected failed snapshot on result, got %+v", result.Result)
	}

	stored, err := h.store.GetEntity(context.Background(), engine.KindOrganization, "contoso")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if stored.ResourceState != engine.ResourceStateFailed {
		t.Errorf("expected entity failed, got %s", stored.ResourceState)
	}
	if stored.ResourceID == "" {
		t.Error("expected partial progress to be kept")
	}
}

func TestDeploymentFailureAttachesErrors(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.rm.Script("broken", simulator.Script{State: engine.DeploymentFailed, Errors: []string{"quota exceeded"}})

	cmd := h.submit(t, engine.ActionCreate, engine.Entity{
		ID:       "contoso",
		Kind:     engine.KindOrganization,
		Template: "broken",
	})
	result := h.wait(t, cmd)

	if result.RuntimeStatus != engine.RuntimeStatusFailed {
		t.Fatalf("expected failed, got %s", result.RuntimeStatus)
	}
	d := result.Errors[0]
	if d.Code != engine.ErrCodeProviderFailed {
		t.Errorf("expected PROVIDER_FAILED, got %s", d.Code)
	}
	if !strings.Contains(fmt.Sprint(d.Details["errors"]), "quota exceeded") {
		t.Errorf("expected deployment errors in details, got %v", d.Details)
	}
}

func TestCreateExistingEntityFails(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.seed(t, succeededOrg("contoso"))

	cmd := h.submit(t, engine.ActionCreate, engine.Entity{ID: "contoso", Kind: engine.KindOrganization})
	result := h.wait(t, cmd)

	if result.RuntimeStatus != engine.RuntimeStatusFailed {
		t.Fatalf("expected failed, got %s", result.RuntimeStatus)
	}
	if result.Errors[0].Code != engine.ErrCodeAlreadyExists || result.Errors[0].Class != engine.ErrorClassValidation {
		t.Errorf("expected ALREADY_EXISTS validation error, got %+v", result.Errors[0])
	}

	stored, _ := h.store.GetEntity(context.Background(), engine.KindOrganization, "contoso")
	if stored.ResourceState != engine.ResourceStateSucceeded {
		t.Errorf("existing entity must not be touched, got %s", stored.ResourceState)
	}

	// Terminal results are immutable.
	result.RuntimeStatus = engine.RuntimeStatusRunning
	if err := h.store.UpdateResult(context.Background(), result); engine.CodeOf(err) != engine.ErrCodeResultFinal {
		t.Errorf("expected RESULT_FINAL, got %v", err)
	}
}

func TestDeleteWaitsForDeployLock(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.seed(t, succeededOrg("contoso"))
	h.seed(t, succeededProject("contoso", "p1"))
	h.rm.Script("web", simulator.Script{Hang: true})

	deploy := h.submit(t, engine.ActionCreate, engine.Entity{
		ID:           "web",
		Kind:         engine.KindComponent,
		Organization: "contoso",
		ProjectID:    "p1",
		Template:     "web",
	})

	ctx := context.Background()
	waitFor(t, "component provisioning", func() bool {
		e, err := h.store.GetEntity(ctx, engine.KindComponent, "web")
		return err == nil && e.ResourceState == engine.ResourceStateProvisioning
	})

	del := h.submit(t, engine.ActionDelete, engine.Entity{
		ID:           "web",
		Kind:         engine.KindComponent,
		Organization: "contoso",
		ProjectID:    "p1",
	})

	time.Sleep(200 * time.Millisecond)
	r, err := h.commands.GetResult(ctx, del.InstanceID(), "")
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if r.RuntimeStatus.IsTerminal() {
		t.Fatalf("delete must wait for the deploy lock, got %s", r.RuntimeStatus)
	}
	e, err := h.store.GetEntity(ctx, engine.KindComponent, "web")
	if err != nil || e.ResourceState != engine.ResourceStateProvisioning {
		t.Fatalf("expected component still provisioning, got %+v err=%v", e, err)
	}

	deployments := h.rm.Deployments()
	if len(deployments) != 1 {
		t.Fatalf("expected one deployment, got %v", deployments)
	}
	h.rm.Complete(deployments[0], engine.DeploymentSucceeded)

	deployed := h.wait(t, deploy)
	if deployed.RuntimeStatus != engine.RuntimeStatusCompleted {
		t.Fatalf("expected deploy completed, got %s: %+v", deployed.RuntimeStatus, deployed.Errors)
	}

	deleted := h.wait(t, del)
	if deleted.RuntimeStatus != engine.RuntimeStatusCompleted {
		t.Fatalf("expected delete completed, got %s: %+v", deleted.RuntimeStatus, deleted.Errors)
	}
	if deleted.Result == nil || deleted.Result.ResourceState != engine.ResourceStateDeleting {
		t.Errorf("expected last snapshot in deleting state, got %+v", deleted.Result)
	}
	if deleted.Result.ResourceID != deployed.Result.ResourceID {
		t.Errorf("delete ran before deploy finished: %q vs %q", deleted.Result.ResourceID, deployed.Result.ResourceID)
	}

	if _, err := h.store.GetEntity(ctx, engine.KindComponent, "web"); !engine.IsNotFound(err) {
		t.Errorf("expected component removed, got %v", err)
	}
	if _, _, ok := h.rm.ResourceGroup(deployed.Result.ResourceID); ok {
		t.Error("expected component resource group deleted")
	}
}

func TestComponentPrepareUsesQualifiedLock(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.seed(t, succeededOrg("contoso"))
	h.seed(t, succeededProject("contoso", "p1"))

	cmd := h.submit(t, engine.ActionCreate, engine.Entity{
		ID:           "api",
		Kind:         engine.KindComponent,
		Organization: "contoso",
		ProjectID:    "p1",
	})
	result := h.wait(t, cmd)

	if result.RuntimeStatus != engine.RuntimeStatusCompleted {
		t.Fatalf("expected completed, got %s: %+v", result.RuntimeStatus, result.Errors)
	}
	if result.Result.ResourceID != "/resourceGroups/tc-contoso-p1-api" {
		t.Errorf("unexpected resource id %q", result.Result.ResourceID)
	}

	ctx := context.Background()
	for _, key := range []string{"component|api|", "component|api|prepare"} {
		if holder, _ := h.store.LockHolder(ctx, key); holder != "" {
			t.Errorf("expected %s released, held by %s", key, holder)
		}
	}

	_, roles, _ := h.rm.ResourceGroup(result.Result.ResourceID)
	if roles["alice"] != "Owner" {
		t.Errorf("expected issuer to own the component, got %v", roles)
	}
}

func TestComponentTaskRun(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.seed(t, succeededOrg("contoso"))
	h.seed(t, succeededProject("contoso", "p1"))
	h.seed(t, &engine.Entity{
		ID:            "web",
		Kind:          engine.KindComponent,
		Organization:  "contoso",
		ProjectID:     "p1",
		ResourceID:    "/resourceGroups/tc-contoso-p1-web",
		ResourceState: engine.ResourceStateSucceeded,
	})
	if _, err := h.rm.EnsureResourceGroup(context.Background(), "tc-contoso-p1-web", nil); err != nil {
		t.Fatalf("EnsureResourceGroup failed: %v", err)
	}
	h.rm.Script("reset", simulator.Script{Outputs: map[string]interface{}{"exitCode": 0}})

	cmd := h.submit(t, engine.ActionCustom, engine.Entity{
		ID:           "task-1",
		Kind:         engine.KindComponentTask,
		Organization: "contoso",
		ProjectID:    "p1",
		ComponentID:  "web",
		Template:     "reset",
	})
	result := h.wait(t, cmd)

	if result.RuntimeStatus != engine.RuntimeStatusCompleted {
		t.Fatalf("expected completed, got %s: %+v", result.RuntimeStatus, result.Errors)
	}
	if result.Result.ResourceState != engine.ResourceStateSucceeded || result.Result.Properties["exitCode"] != "0" {
		t.Errorf("unexpected task snapshot %+v", result.Result)
	}
	if result.Result.ResourceID != "" {
		t.Errorf("tasks do not own resources, got %q", result.Result.ResourceID)
	}
}

func TestDeploymentScopeLifecycle(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.seed(t, succeededOrg("contoso"))

	created := h.wait(t, h.submit(t, engine.ActionCreate, engine.Entity{
		ID:           "prod",
		Kind:         engine.KindDeploymentScope,
		Organization: "contoso",
	}))
	if created.RuntimeStatus != engine.RuntimeStatusCompleted || created.Result.ResourceState != engine.ResourceStateSucceeded {
		t.Fatalf("unexpected create result %+v", created)
	}

	deleted := h.wait(t, h.submit(t, engine.ActionDelete, engine.Entity{
		ID:   "prod",
		Kind: engine.KindDeploymentScope,
	}))
	if deleted.RuntimeStatus != engine.RuntimeStatusCompleted {
		t.Fatalf("unexpected delete result %+v", deleted)
	}
	if _, err := h.store.GetEntity(context.Background(), engine.KindDeploymentScope, "prod"); !engine.IsNotFound(err) {
		t.Errorf("expected scope removed, got %v", err)
	}
}

func TestResultProjectScoping(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.seed(t, succeededOrg("contoso"))

	cmd := h.submit(t, engine.ActionCreate, engine.Entity{
		ID:           "p1",
		Kind:         engine.KindProject,
		Organization: "contoso",
	})
	h.wait(t, cmd)

	ctx := context.Background()
	if _, err := h.commands.GetResult(ctx, cmd.InstanceID(), "p1"); err != nil {
		t.Errorf("expected result for own project, got %v", err)
	}
	if _, err := h.commands.GetResult(ctx, cmd.InstanceID(), "p2"); !engine.IsNotFound(err) {
		t.Errorf("expected not found for other project, got %v", err)
	}
}

func TestProviderRegistrationIsEternal(t *testing.T) {
	h := newHarness(t, fastOptions())
	ctx := context.Background()

	rg, err := h.rm.EnsureResourceGroup(ctx, "tc-contoso", nil)
	if err != nil {
		t.Fatalf("EnsureResourceGroup failed: %v", err)
	}
	org := succeededOrg("contoso")
	org.ResourceID = rg
	h.seed(t, org)

	supervisor := engine.NewSupervisor(h.runner, engine.SupervisorOptions{
		Interval:     time.Hour,
		RestartDelay: 10 * time.Millisecond,
	}, h.tel)

	eternal := h.runner.Registry().Eternal()
	if len(eternal) != 1 || eternal[0].InstanceID != ProviderRegistrationInstanceID {
		t.Fatalf("unexpected eternal workflows %+v", eternal)
	}

	started, err := supervisor.Ensure(ctx, eternal[0])
	if err != nil || !started {
		t.Fatalf("expected registration to start, started=%v err=%v", started, err)
	}

	waitFor(t, "registration tag", func() bool {
		tags, _, _ := h.rm.ResourceGroup(rg)
		return tags[RegistrationTag] != ""
	})

	started, err = supervisor.Ensure(ctx, eternal[0])
	if err != nil || started {
		t.Errorf("expected Ensure to be a no-op while running, started=%v err=%v", started, err)
	}

	inst, err := h.runner.GetStatus(ctx, ProviderRegistrationInstanceID)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if inst.Status.IsTerminal() {
		t.Errorf("expected registration to keep running, got %s", inst.Status)
	}
}

// hangingOrganization submits an organization whose deployment never
// finishes by itself and waits until the deployment has been started.
func hangingOrganization(t *testing.T, h *harness) (*engine.Command, string) {
	t.Helper()
	h.rm.Script("stuck", simulator.Script{Hang: true})

	cmd := h.submit(t, engine.ActionCreate, engine.Entity{
		ID:       "contoso",
		Kind:     engine.KindOrganization,
		Template: "stuck",
	})

	ctx := context.Background()
	waitFor(t, "organization provisioning", func() bool {
		e, err := h.store.GetEntity(ctx, engine.KindOrganization, "contoso")
		return err == nil && e.ResourceState == engine.ResourceStateProvisioning && len(h.rm.Deployments()) == 1
	})
	return cmd, h.rm.Deployments()[0]
}

func TestDeploymentCompletesThroughCallback(t *testing.T) {
	h := newHarness(t, fastOptions())
	cmd, deploymentID := hangingOrganization(t, h)

	cb, ok := h.rm.Callback(deploymentID)
	if !ok {
		t.Fatal("expected the deployment to carry a callback target")
	}
	if cb.CommandID != cmd.InstanceID() || cb.InstanceID != engine.CommandRunInstanceID(cmd.InstanceID()) {
		t.Errorf("unexpected callback target %+v", cb)
	}

	// Addressed to the command itself, the callback reaches the workflow
	// waiting for the deployment.
	err := h.commands.RaiseCallback(context.Background(), cmd.InstanceID(), cb.CommandID, engine.DeploymentOutcome{
		DeploymentID: deploymentID,
		State:        engine.DeploymentSucceeded,
		Outputs:      map[string]interface{}{"endpoint": "https://callback.contoso"},
	})
	if err != nil {
		t.Fatalf("RaiseCallback failed: %v", err)
	}

	result := h.wait(t, cmd)
	if result.RuntimeStatus != engine.RuntimeStatusCompleted {
		t.Fatalf("expected completed, got %s: %+v", result.RuntimeStatus, result.Errors)
	}
	if result.Result == nil || result.Result.Properties["endpoint"] != "https://callback.contoso" {
		t.Errorf("expected callback outputs on entity, got %+v", result.Result)
	}
}

func TestDeploymentFailsThroughCallback(t *testing.T) {
	h := newHarness(t, fastOptions())
	cmd, deploymentID := hangingOrganization(t, h)

	cb, _ := h.rm.Callback(deploymentID)
	err := h.commands.RaiseCallback(context.Background(), cb.InstanceID, cb.CommandID, engine.DeploymentOutcome{
		DeploymentID: deploymentID,
		State:        engine.DeploymentFailed,
		Errors:       []string{"template rejected"},
	})
	if err != nil {
		t.Fatalf("RaiseCallback failed: %v", err)
	}

	result := h.wait(t, cmd)
	if result.RuntimeStatus != engine.RuntimeStatusFailed {
		t.Fatalf("expected failed, got %s", result.RuntimeStatus)
	}
	if result.Errors[0].Code != engine.ErrCodeProviderFailed {
		t.Errorf("expected PROVIDER_FAILED, got %+v", result.Errors[0])
	}

	stored, err := h.store.GetEntity(context.Background(), engine.KindOrganization, "contoso")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if stored.ResourceState != engine.ResourceStateFailed {
		t.Errorf("expected entity failed, got %s", stored.ResourceState)
	}
}

// stuckRemoval is an entity store that cannot delete documents.
type stuckRemoval struct {
	*stores.SQLiteStore
}

func (stuckRemoval) RemoveEntity(context.Context, engine.EntityKind, string) error {
	return engine.NewPermanentError("document store is read-only", nil)
}

func TestDeleteFailureMarksEntityFailed(t *testing.T) {
	h := newHarness(t, fastOptions(), func(d *Dependencies) {
		d.Entities = stuckRemoval{d.Entities.(*stores.SQLiteStore)}
	})
	h.seed(t, succeededOrg("contoso"))
	h.seed(t, &engine.Entity{
		ID:            "prod",
		Kind:          engine.KindDeploymentScope,
		Organization:  "contoso",
		ResourceState: engine.ResourceStateSucceeded,
	})

	result := h.wait(t, h.submit(t, engine.ActionDelete, engine.Entity{ID: "prod", Kind: engine.KindDeploymentScope}))
	if result.RuntimeStatus != engine.RuntimeStatusFailed {
		t.Fatalf("expected failed, got %s", result.RuntimeStatus)
	}

	stored, err := h.store.GetEntity(context.Background(), engine.KindDeploymentScope, "prod")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if stored.ResourceState != engine.ResourceStateFailed {
		t.Errorf("expected entity failed instead of stuck deleting, got %s", stored.ResourceState)
	}
}
