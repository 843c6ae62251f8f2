package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/microsoft/TeamCloud-sub005/pkg/engine"
	"github.com/microsoft/TeamCloud-sub005/pkg/stores"
	"github.com/microsoft/TeamCloud-sub005/pkg/telemetry"
)

type denyAll struct{}

func (denyAll) Admit(_ context.Context, cmd *engine.Command) error {
	return engine.NewValidationError("commands are frozen", nil).
		WithCode(engine.ErrCodePermissionDenied).
		WithResource(cmd.InstanceID())
}

// newCommandService registers body as the command workflow and routes
// project create and update commands to it.
func newCommandService(t *testing.T, body func(*engine.OrchestrationContext, engine.CommandInput) (*engine.Entity, error), admission engine.Admission) (*engine.CommandService, *engine.Runner, *stores.SQLiteStore) {
	t.Helper()
	store := newStore(t)
	reg := engine.NewRegistry()
	reg.RegisterWorkflow(engine.WorkflowCommand, engine.Workflow(body))
	reg.RouteCommand(engine.KindProject, engine.ActionCreate, engine.WorkflowCommand)
	reg.RouteCommand(engine.KindProject, engine.ActionUpdate, engine.WorkflowCommand)

	r := newRunner(t, store, reg)
	return engine.NewCommandService(r, store, admission, telemetry.NewNopTelemetry()), r, store
}

func projectCommand(id string) *engine.Command {
	return &engine.Command{
		Action:   engine.ActionCreate,
		Kind:     engine.KindProject,
		Payload:  engine.Entity{ID: id, Organization: "contoso"},
		IssuedBy: engine.Principal{ID: "alice"},
	}
}

func waitResult(t *testing.T, svc *engine.CommandService, commandID string) *engine.CommandResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := svc.WaitForResult(ctx, commandID)
	if err != nil {
		t.Fatalf("Command %s did not finish: %v", commandID, err)
	}
	return result
}

func TestCommandService_Submit(t *testing.T) {
	svc, _, _ := newCommandService(t, func(octx *engine.OrchestrationContext, in engine.CommandInput) (*engine.Entity, error) {
		return &in.Command.Payload, nil
	}, nil)

	cmd := projectCommand("p1")
	result, err := svc.Submit(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if cmd.ID == uuid.Nil {
		t.Error("Expected Submit to assign a command ID")
	}
	if result.RuntimeStatus != engine.RuntimeStatusPending {
		t.Errorf("Expected pending result, got %s", result.RuntimeStatus)
	}
	if result.ProjectID != "p1" {
		t.Errorf("Expected project scope p1, got %q", result.ProjectID)
	}

	final := waitResult(t, svc, result.CommandID)
	if final.RuntimeStatus != engine.RuntimeStatusCompleted {
		t.Errorf("Expected completed, got %s (%v)", final.RuntimeStatus, final.Errors)
	}
}

func TestCommandService_SubmitIsIdempotent(t *testing.T) {
	release := make(chan struct{})
	svc, r, store := newCommandService(t, func(octx *engine.OrchestrationContext, in engine.CommandInput) (*engine.Entity, error) {
		<-release
		return nil, nil
	}, nil)
	ctx := context.Background()

	cmd := projectCommand("p1")
	first, err := svc.Submit(ctx, cmd)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	again := projectCommand("p1")
	again.ID = cmd.ID
	second, err := svc.Submit(ctx, again)
	if err != nil {
		t.Fatalf("Expected resubmission to succeed, got: %v", err)
	}
	if second.CommandID != first.CommandID {
		t.Errorf("Expected the existing result, got %s", second.CommandID)
	}
	close(release)

	waitResult(t, svc, cmd.InstanceID())
	active, err := store.ListActiveInstances(ctx)
	if err != nil {
		t.Fatalf("ListActiveInstances failed: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("Expected no active instances, got %d", len(active))
	}
	if _, err := r.GetStatus(ctx, cmd.InstanceID()); err != nil {
		t.Errorf("Expected exactly one instance for the command: %v", err)
	}
}

func TestCommandService_SubmitRejects(t *testing.T) {
	svc, _, store := newCommandService(t, func(octx *engine.OrchestrationContext, in engine.CommandInput) (*engine.Entity, error) {
		return nil, nil
	}, nil)
	ctx := context.Background()

	noRoute := projectCommand("p1")
	noRoute.Action = engine.ActionDelete
	if _, err := svc.Submit(ctx, noRoute); engine.CodeOf(err) != engine.ErrCodeNoRoute {
		t.Errorf("Expected %s, got: %v", engine.ErrCodeNoRoute, err)
	}

	mismatch := projectCommand("p1")
	mismatch.Payload.Kind = engine.KindComponent
	if _, err := svc.Submit(ctx, mismatch); !engine.IsValidation(err) {
		t.Errorf("Expected validation error for a mismatched payload kind, got: %v", err)
	}

	anonymous := projectCommand("p1")
	anonymous.IssuedBy = engine.Principal{}
	if _, err := svc.Submit(ctx, anonymous); !engine.IsValidation(err) {
		t.Errorf("Expected validation error without an issuer, got: %v", err)
	}

	if _, err := store.GetResult(ctx, noRoute.InstanceID()); !engine.IsNotFound(err) {
		t.Errorf("Expected no result for a rejected command, got: %v", err)
	}
}

func TestCommandService_Admission(t *testing.T) {
	svc, _, store := newCommandService(t, func(octx *engine.OrchestrationContext, in engine.CommandInput) (*engine.Entity, error) {
		return nil, nil
	}, denyAll{})
	ctx := context.Background()

	cmd := projectCommand("p1")
	_, err := svc.Submit(ctx, cmd)
	if engine.CodeOf(err) != engine.ErrCodePermissionDenied {
		t.Fatalf("Expected %s, got: %v", engine.ErrCodePermissionDenied, err)
	}
	if _, err := store.GetResult(ctx, cmd.InstanceID()); !engine.IsNotFound(err) {
		t.Errorf("Expected no result for a denied command, got: %v", err)
	}
}

func TestCommandService_FailedWorkflowFinalizesResult(t *testing.T) {
	svc, _, _ := newCommandService(t, func(octx *engine.OrchestrationContext, in engine.CommandInput) (*engine.Entity, error) {
		return nil, engine.NewPermanentError("quota exceeded", nil).WithCode(engine.ErrCodeProviderFailed)
	}, nil)

	result, err := svc.Submit(context.Background(), projectCommand("p1"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	final := waitResult(t, svc, result.CommandID)
	if final.RuntimeStatus != engine.RuntimeStatusFailed {
		t.Fatalf("Expected failed, got %s", final.RuntimeStatus)
	}
	if len(final.Errors) == 0 || final.Errors[0].Code != engine.ErrCodeProviderFailed {
		t.Errorf("Expected the workflow error on the result, got %+v", final.Errors)
	}
}

func TestCommandService_MirrorsCustomStatus(t *testing.T) {
	svc, r, _ := newCommandService(t, func(octx *engine.OrchestrationContext, in engine.CommandInput) (*engine.Entity, error) {
		octx.SetCustomStatus("provisioning")
		return nil, octx.WaitForExternalEvent("continue", 0, nil)
	}, nil)
	ctx := context.Background()

	result, err := svc.Submit(ctx, projectCommand("p1"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	eventually(t, "custom status", func() bool {
		current, err := svc.GetResult(ctx, result.CommandID, "")
		return err == nil &&
			current.CustomStatus == "provisioning" &&
			current.RuntimeStatus == engine.RuntimeStatusRunning
	})

	if err := r.RaiseEvent(ctx, result.CommandID, "continue", nil); err != nil {
		t.Fatalf("RaiseEvent failed: %v", err)
	}
	if final := waitResult(t, svc, result.CommandID); final.RuntimeStatus != engine.RuntimeStatusCompleted {
		t.Errorf("Expected completed, got %s", final.RuntimeStatus)
	}
}

func TestCommandService_GetResultProjectScope(t *testing.T) {
	svc, _, _ := newCommandService(t, func(octx *engine.OrchestrationContext, in engine.CommandInput) (*engine.Entity, error) {
		return nil, nil
	}, nil)
	ctx := context.Background()

	result, err := svc.Submit(ctx, projectCommand("p1"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if _, err := svc.GetResult(ctx, result.CommandID, "p1"); err != nil {
		t.Errorf("Expected result within its project, got: %v", err)
	}
	if _, err := svc.GetResult(ctx, result.CommandID, "p2"); !engine.IsNotFound(err) {
		t.Errorf("Expected NOT_FOUND from another project, got: %v", err)
	}
}

func TestCommandService_RaiseCallback(t *testing.T) {
	svc, _, _ := newCommandService(t, func(octx *engine.OrchestrationContext, in engine.CommandInput) (*engine.Entity, error) {
		var payload engine.Entity
		if err := octx.WaitForExternalEvent(in.Command.InstanceID(), time.Second, &payload); err != nil {
			return nil, err
		}
		return &payload, nil
	}, nil)
	ctx := context.Background()

	result, err := svc.Submit(ctx, projectCommand("p1"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if err := svc.RaiseCallback(ctx, result.CommandID, "not-a-uuid", nil); !engine.IsValidation(err) {
		t.Errorf("Expected validation error for a malformed command ID, got: %v", err)
	}
	if err := svc.RaiseCallback(ctx, result.CommandID, result.CommandID, engine.Entity{ID: "p1"}); err != nil {
		t.Fatalf("RaiseCallback failed: %v", err)
	}

	if final := waitResult(t, svc, result.CommandID); final.RuntimeStatus != engine.RuntimeStatusCompleted {
		t.Errorf("Expected completed, got %s (%v)", final.RuntimeStatus, final.Errors)
	}
}
