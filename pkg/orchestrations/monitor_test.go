package orchestrations

import (
	"context"
	"testing"
	"time"

	"github.com/microsoft/TeamCloud-sub005/pkg/engine"
)

func (h *harness) deployComponent(t *testing.T, action engine.CommandAction, id string) *engine.CommandResult {
	t.Helper()
	result := h.wait(t, h.submit(t, action, engine.Entity{
		ID:           id,
		Kind:         engine.KindComponent,
		Organization: "contoso",
		ProjectID:    "p1",
	}))
	if result.RuntimeStatus != engine.RuntimeStatusCompleted {
		t.Fatalf("expected %s %s completed, got %s: %+v", action, id, result.RuntimeStatus, result.Errors)
	}
	return result
}

func (h *harness) activeMonitors(t *testing.T) []string {
	t.Helper()
	active, err := h.store.ListActiveInstances(context.Background())
	if err != nil {
		t.Fatalf("ListActiveInstances failed: %v", err)
	}
	var ids []string
	for _, inst := range active {
		if inst.Name == WorkflowComponentMonitor {
			ids = append(ids, inst.ID)
		}
	}
	return ids
}

func TestComponentMonitorIsSingleton(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.seed(t, succeededOrg("contoso"))
	h.seed(t, succeededProject("contoso", "p1"))
	ctx := context.Background()

	h.deployComponent(t, engine.ActionCreate, "web")

	monitorID := ComponentMonitorInstanceID("web")
	inst, err := h.runner.GetStatus(ctx, monitorID)
	if err != nil {
		t.Fatalf("expected a monitor once the component succeeded: %v", err)
	}
	if inst.Status.IsTerminal() {
		t.Fatalf("expected the monitor to be active, got %s", inst.Status)
	}

	supervisor := engine.NewSupervisor(h.runner, engine.SupervisorOptions{Interval: time.Hour}, h.tel)
	eternal, err := supervisor.Eternal(ctx)
	if err != nil {
		t.Fatalf("Eternal failed: %v", err)
	}
	var monitor *engine.EternalWorkflow
	for i := range eternal {
		if eternal[i].InstanceID == monitorID {
			monitor = &eternal[i]
		}
	}
	if monitor == nil {
		t.Fatalf("expected the component monitor among %+v", eternal)
	}

	for i := 0; i < 3; i++ {
		started, err := supervisor.Ensure(ctx, *monitor)
		if err != nil || started {
			t.Fatalf("expected Ensure to leave the monitor alone, started=%v err=%v", started, err)
		}
	}
	if err := supervisor.EnsureAll(ctx); err != nil {
		t.Fatalf("EnsureAll failed: %v", err)
	}

	h.deployComponent(t, engine.ActionUpdate, "web")

	if ids := h.activeMonitors(t); len(ids) != 1 || ids[0] != monitorID {
		t.Errorf("expected exactly one monitor, got %v", ids)
	}
}

func TestComponentMonitorRefreshesUntilDeleted(t *testing.T) {
	opts := fastOptions()
	opts.MonitorInterval = 20 * time.Millisecond
	h := newHarness(t, opts)
	h.seed(t, succeededOrg("contoso"))
	h.seed(t, succeededProject("contoso", "p1"))
	ctx := context.Background()

	deployed := h.deployComponent(t, engine.ActionCreate, "api")

	before := h.rm.CallCount("EnsureResourceGroup")
	waitFor(t, "a monitor pass", func() bool {
		return h.rm.CallCount("EnsureResourceGroup") > before
	})

	deleted := h.wait(t, h.submit(t, engine.ActionDelete, engine.Entity{
		ID:           "api",
		Kind:         engine.KindComponent,
		Organization: "contoso",
		ProjectID:    "p1",
	}))
	if deleted.RuntimeStatus != engine.RuntimeStatusCompleted {
		t.Fatalf("expected delete completed, got %s: %+v", deleted.RuntimeStatus, deleted.Errors)
	}

	monitorID := ComponentMonitorInstanceID("api")
	waitFor(t, "the monitor to stop", func() bool {
		inst, err := h.runner.GetStatus(ctx, monitorID)
		return err == nil && inst.Status == engine.RuntimeStatusCompleted
	})

	supervisor := engine.NewSupervisor(h.runner, engine.SupervisorOptions{Interval: time.Hour}, h.tel)
	if err := supervisor.EnsureAll(ctx); err != nil {
		t.Fatalf("EnsureAll failed: %v", err)
	}
	if ids := h.activeMonitors(t); len(ids) != 0 {
		t.Errorf("expected no monitor for a deleted component, got %v", ids)
	}

	if _, _, ok := h.rm.ResourceGroup(deployed.Result.ResourceID); ok {
		t.Error("expected the component resource group to stay deleted")
	}
}
