package orchestrations

import (
	"github.com/microsoft/TeamCloud-sub005/pkg/engine"
)

// command is the top-level workflow of every command. It audits the
// command, runs the workflow routed for it as a sub-orchestration, and
// writes the terminal command result whatever the outcome.
func (o *Orchestrator) command(octx *engine.OrchestrationContext, in engine.CommandInput) (*engine.CommandResult, error) {
	cmd := in.Command
	ref := engine.EntityRef{Kind: cmd.Kind, ID: cmd.Payload.ID}

	octx.SetCustomStatus(StatusAuditing)
	o.audit(octx, &cmd, nil)

	octx.SetCustomStatus(StatusProcessing)
	var (
		entity *engine.Entity
		runErr error
	)
	workflow, err := o.registry.Resolve(&cmd)
	if err != nil {
		runErr = err
	} else {
		entity, runErr = engine.CallSubOrchestration[*engine.Entity](octx, workflow, engine.CommandRunInstanceID(cmd.InstanceID()),
			engine.CommandInput{Command: cmd})
	}

	finalize := FinalizeInput{Command: cmd, Entity: entity}
	if runErr != nil {
		octx.Logger().WithError(runErr).Warnf("%s %s failed", cmd.Action, ref)
		if d := engine.Describe(runErr); d != nil {
			finalize.Errors = append(finalize.Errors, *d)
		}
		if finalize.Entity == nil {
			snapshot, err := engine.CallActivity[*engine.Entity](octx, ActivityEntitySnapshot, ref)
			if err != nil {
				octx.Logger().WithError(err).Warn("failed to load entity snapshot")
			}
			finalize.Entity = snapshot
		}
	}

	octx.SetCustomStatus(StatusFinalizing)
	result, err := engine.CallActivity[*engine.CommandResult](octx, ActivityCommandFinalize, finalize)
	if err != nil {
		return nil, err
	}

	o.audit(octx, &cmd, result)

	if runErr != nil {
		return nil, runErr
	}
	return result, nil
}

// audit records an audit entry. Audit failures never fail the command.
func (o *Orchestrator) audit(octx *engine.OrchestrationContext, cmd *engine.Command, result *engine.CommandResult) {
	if err := octx.CallActivity(ActivityCommandAudit, AuditInput{Command: *cmd, Result: result}, nil); err != nil {
		octx.Logger().WithError(err).Warn("failed to audit command")
	}
}
