package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/microsoft/TeamCloud-sub005/pkg/engine"
	"github.com/microsoft/TeamCloud-sub005/pkg/providers/simulator"
	"github.com/microsoft/TeamCloud-sub005/pkg/telemetry"
)

func newDeploymentRunner(t *testing.T, opts engine.DeploymentOptions) (*engine.Runner, *simulator.ResourceManager) {
	t.Helper()
	store := newStore(t)
	rm := simulator.NewResourceManager()
	reg := engine.NewRegistry()
	engine.RegisterDeploymentMonitor(reg, rm, telemetry.NewNopTelemetry())

	reg.RegisterActivity("start", engine.Activity(func(ctx context.Context, req engine.DeploymentRequest) (*engine.Deployment, error) {
		return rm.StartDeployment(ctx, req)
	}), nil)
	reg.RegisterWorkflow("deploy", engine.Workflow(func(octx *engine.OrchestrationContext, template string) (map[string]interface{}, error) {
		token, err := engine.StartDeployment(octx, "start", engine.DeploymentRequest{Template: template}, opts)
		if err != nil {
			return nil, err
		}
		return engine.WaitForDeploymentOutput(octx, token, opts.OutputTimeout)
	}))

	return newRunner(t, store, reg), rm
}

func TestDeploymentMonitor_Succeeded(t *testing.T) {
	r, rm := newDeploymentRunner(t, engine.DeploymentOptions{
		PollInterval:  5 * time.Millisecond,
		OutputTimeout: 5 * time.Second,
		Cleanup:       true,
	})
	rm.Script("web", simulator.Script{
		Polls:   2,
		Outputs: map[string]interface{}{"url": "https://web.contoso.test"},
	})

	id, err := r.Start(context.Background(), "deploy", "deploy-1", "web")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	inst := waitDone(t, r, id)
	if inst.Status != engine.RuntimeStatusCompleted {
		t.Fatalf("Expected completed, got %s (%v)", inst.Status, inst.Error)
	}
	if got := rm.CallCount("GetDeployment"); got != 3 {
		t.Errorf("Expected 3 state checks, got %d", got)
	}
	eventually(t, "cleanup", func() bool { return rm.CallCount("DeleteDeployment") == 1 })
}

func TestDeploymentMonitor_Failed(t *testing.T) {
	r, rm := newDeploymentRunner(t, engine.DeploymentOptions{
		PollInterval:  5 * time.Millisecond,
		OutputTimeout: 5 * time.Second,
	})
	rm.Script("broken", simulator.Script{
		State:  engine.DeploymentFailed,
		Errors: []string{"quota exceeded"},
	})

	id, err := r.Start(context.Background(), "deploy", "deploy-2", "broken")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	inst := waitDone(t, r, id)
	if inst.Status != engine.RuntimeStatusFailed {
		t.Fatalf("Expected failed, got %s", inst.Status)
	}
	if inst.Error.Code != engine.ErrCodeProviderFailed {
		t.Errorf("Expected %s, got %+v", engine.ErrCodeProviderFailed, inst.Error)
	}
}

func TestDeploymentMonitor_GivesUpOnHangingDeployment(t *testing.T) {
	r, rm := newDeploymentRunner(t, engine.DeploymentOptions{
		PollInterval:  5 * time.Millisecond,
		OutputTimeout: 50 * time.Millisecond,
	})
	rm.Script("stuck", simulator.Script{Hang: true})

	ctx := context.Background()
	id, err := r.Start(ctx, "deploy", "deploy-3", "stuck")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	inst := waitDone(t, r, id)
	if inst.Error == nil || inst.Error.Code != engine.ErrCodeTimeout {
		t.Fatalf("Expected the owner to time out, got %s %+v", inst.Status, inst.Error)
	}

	deployments := rm.Deployments()
	if len(deployments) != 1 {
		t.Fatalf("Expected 1 deployment, got %d", len(deployments))
	}

	// The detached monitor stops polling once its budget is spent.
	eventually(t, "monitor to stop polling", func() bool {
		before := rm.CallCount("GetDeployment")
		time.Sleep(30 * time.Millisecond)
		return before > 0 && rm.CallCount("GetDeployment") == before
	})
	if got := rm.CallCount("GetDeployment"); got > 22 {
		t.Errorf("Expected at most 22 state checks, got %d", got)
	}
}
