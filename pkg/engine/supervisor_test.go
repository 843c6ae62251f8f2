package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/microsoft/TeamCloud-sub005/pkg/engine"
	"github.com/microsoft/TeamCloud-sub005/pkg/telemetry"
)

func TestSupervisor_Ensure(t *testing.T) {
	store := newStore(t)
	reg := engine.NewRegistry()
	reg.RegisterWorkflow("heartbeat", engine.Workflow(func(octx *engine.OrchestrationContext, _ struct{}) (struct{}, error) {
		return struct{}{}, octx.WaitForExternalEvent("stop", 0, nil)
	}))
	wf := engine.EternalWorkflow{Name: "heartbeat", InstanceID: "eternal:heartbeat"}
	reg.RegisterEternal(wf)

	r := newRunner(t, store, reg)
	sup := engine.NewSupervisor(r, engine.SupervisorOptions{Interval: time.Hour}, telemetry.NewNopTelemetry())
	ctx := context.Background()

	started, err := sup.Ensure(ctx, wf)
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	if !started {
		t.Error("Expected the first Ensure to start the instance")
	}

	started, err = sup.Ensure(ctx, wf)
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	if started {
		t.Error("Expected Ensure to leave a running instance alone")
	}

	if err := r.RaiseEvent(ctx, wf.InstanceID, "stop", nil); err != nil {
		t.Fatalf("RaiseEvent failed: %v", err)
	}
	if inst := waitDone(t, r, wf.InstanceID); inst.Status != engine.RuntimeStatusCompleted {
		t.Fatalf("Expected completed, got %s", inst.Status)
	}

	eventually(t, "restart", func() bool {
		started, err := sup.Ensure(ctx, wf)
		return err == nil && started
	})

	inst, err := r.GetStatus(ctx, wf.InstanceID)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if inst.Status.IsTerminal() {
		t.Errorf("Expected the restarted instance to be active, got %s", inst.Status)
	}
}

func TestSupervisor_RunRestartsFinishedInstances(t *testing.T) {
	store := newStore(t)
	reg := engine.NewRegistry()
	runs := make(chan struct{}, 16)
	reg.RegisterWorkflow("short-lived", engine.Workflow(func(octx *engine.OrchestrationContext, _ struct{}) (struct{}, error) {
		if !octx.IsReplaying() {
			select {
			case runs <- struct{}{}:
			default:
			}
		}
		return struct{}{}, nil
	}))
	reg.RegisterEternal(engine.EternalWorkflow{Name: "short-lived", InstanceID: "eternal:short-lived"})

	r := newRunner(t, store, reg)
	sup := engine.NewSupervisor(r, engine.SupervisorOptions{
		Interval:     50 * time.Millisecond,
		RestartDelay: 10 * time.Millisecond,
	}, telemetry.NewNopTelemetry())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	for i := 0; i < 3; i++ {
		select {
		case <-runs:
		case <-time.After(5 * time.Second):
			t.Fatalf("Expected run %d of the eternal workflow", i+1)
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned error: %v", err)
	}
}

func TestSupervisor_EnsureAllCoversFamilies(t *testing.T) {
	store := newStore(t)
	reg := engine.NewRegistry()
	reg.RegisterWorkflow("watch", engine.Workflow(func(octx *engine.OrchestrationContext, _ struct{}) (struct{}, error) {
		return struct{}{}, octx.WaitForExternalEvent("stop", 0, nil)
	}))

	var (
		mu      sync.Mutex
		members = []string{"watch:a", "watch:b"}
	)
	reg.RegisterEternalSource("watch:", func(context.Context) ([]engine.EternalWorkflow, error) {
		mu.Lock()
		defer mu.Unlock()
		out := make([]engine.EternalWorkflow, 0, len(members))
		for _, id := range members {
			out = append(out, engine.EternalWorkflow{Name: "watch", InstanceID: id})
		}
		return out, nil
	})

	r := newRunner(t, store, reg)
	sup := engine.NewSupervisor(r, engine.SupervisorOptions{Interval: time.Hour}, telemetry.NewNopTelemetry())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := sup.EnsureAll(ctx); err != nil {
			t.Fatalf("EnsureAll failed: %v", err)
		}
	}

	active, err := store.ListActiveInstances(ctx)
	if err != nil {
		t.Fatalf("ListActiveInstances failed: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("Expected one instance per family member, got %d", len(active))
	}
	if _, ok := reg.IsEternal("watch:b"); !ok {
		t.Error("Expected family members to count as eternal")
	}

	mu.Lock()
	members = members[:1]
	mu.Unlock()
	if err := r.RaiseEvent(ctx, "watch:b", "stop", nil); err != nil {
		t.Fatalf("RaiseEvent failed: %v", err)
	}
	waitDone(t, r, "watch:b")

	if err := sup.EnsureAll(ctx); err != nil {
		t.Fatalf("EnsureAll failed: %v", err)
	}
	inst, err := r.GetStatus(ctx, "watch:b")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if !inst.Status.IsTerminal() {
		t.Errorf("Expected a dropped member to stay finished, got %s", inst.Status)
	}
}

func TestSupervisor_ScheduleDoesNotLaunch(t *testing.T) {
	store := newStore(t)
	reg := engine.NewRegistry()
	reg.RegisterWorkflow("heartbeat", engine.Workflow(func(octx *engine.OrchestrationContext, _ struct{}) (struct{}, error) {
		return struct{}{}, octx.WaitForExternalEvent("stop", 0, nil)
	}))
	wf := engine.EternalWorkflow{Name: "heartbeat", InstanceID: "eternal:heartbeat"}
	reg.RegisterEternal(wf)

	scheduler := newRunner(t, store, reg)
	sup := engine.NewSupervisor(scheduler, engine.SupervisorOptions{Interval: time.Hour}, telemetry.NewNopTelemetry())
	ctx := context.Background()

	scheduled, err := sup.Schedule(ctx, wf)
	if err != nil || !scheduled {
		t.Fatalf("Expected the instance to be scheduled, scheduled=%v err=%v", scheduled, err)
	}

	time.Sleep(50 * time.Millisecond)
	inst, err := scheduler.GetStatus(ctx, wf.InstanceID)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if inst.Status != engine.RuntimeStatusPending {
		t.Fatalf("Expected a scheduled instance to stay pending, got %s", inst.Status)
	}

	server := newRunner(t, store, reg)
	if n, err := server.Recover(ctx); err != nil || n != 1 {
		t.Fatalf("Expected one recovered instance, got n=%d err=%v", n, err)
	}
	eventually(t, "running", func() bool {
		inst, err := server.GetStatus(ctx, wf.InstanceID)
		return err == nil && inst.Status == engine.RuntimeStatusRunning
	})
}
