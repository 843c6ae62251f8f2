package engine

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/microsoft/TeamCloud-sub005/pkg/telemetry"
)

// WorkflowCommand is the top-level workflow every command runs in. It is
// registered by the orchestrations package.
const WorkflowCommand = "command"

// CommandInput is the input of the command workflow. Deferrals counts guard
// re-checks across continuations.
type CommandInput struct {
	Command   Command `json:"command"`
	Deferrals int     `json:"deferrals,omitempty"`
}

// CommandService accepts commands, starts their orchestrations, and keeps
// their results in step with the orchestration instances.
type CommandService struct {
	runner    *Runner
	results   ResultStore
	admission Admission
	validate  *validator.Validate
	tel       *telemetry.Telemetry
	logger    *telemetry.Logger
}

// NewCommandService creates a command service. admission may be nil.
func NewCommandService(runner *Runner, results ResultStore, admission Admission, tel *telemetry.Telemetry) *CommandService {
	s := &CommandService{
		runner:    runner,
		results:   results,
		admission: admission,
		validate:  validator.New(),
		tel:       tel,
		logger:    tel.Logger.NewComponentLogger("commands"),
	}
	runner.Observe(s.observe)
	return s
}

// Submit validates cmd, creates its Pending result, and starts its
// orchestration. Submitting a command ID twice returns the existing result.
func (s *CommandService) Submit(ctx context.Context, cmd *Command) (*CommandResult, error) {
	if cmd.ID == uuid.Nil {
		cmd.ID = uuid.New()
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now().UTC()
	}
	if cmd.Payload.Kind == "" {
		cmd.Payload.Kind = cmd.Kind
	}
	if cmd.ProjectID == "" {
		cmd.ProjectID = projectScope(&cmd.Payload)
	}

	if err := s.validate.Struct(cmd); err != nil {
		return nil, NewValidationError("invalid command", err).WithResource(cmd.InstanceID())
	}
	if cmd.Payload.Kind != cmd.Kind {
		return nil, NewValidationError("payload kind does not match command kind", nil).
			WithResource(cmd.InstanceID()).
			WithDetail("payload_kind", cmd.Payload.Kind)
	}
	if _, err := s.runner.Registry().Resolve(cmd); err != nil {
		return nil, err
	}
	if s.admission != nil {
		if err := s.admission.Admit(ctx, cmd); err != nil {
			return nil, err
		}
	}

	result := NewCommandResult(cmd)
	if err := s.results.CreateResult(ctx, result); err != nil {
		if CodeOf(err) == ErrCodeAlreadyExists {
			return s.results.GetResult(ctx, cmd.InstanceID())
		}
		return nil, err
	}

	log := s.logger.WithCommandID(cmd.InstanceID()).WithEntity(string(cmd.Kind), cmd.Payload.ID)
	if _, err := s.runner.Start(ctx, WorkflowCommand, cmd.InstanceID(), CommandInput{Command: *cmd}); err != nil {
		if CodeOf(err) != ErrCodeAlreadyExists {
			result.AddError(err)
			result.Finalize()
			if uerr := s.results.UpdateResult(ctx, result); uerr != nil {
				log.WithError(uerr).Warn("failed to finalize result of unstarted command")
			}
			return result, err
		}
	}

	s.tel.Metrics.RecordCommandSubmitted(string(cmd.Kind), string(cmd.Action))
	_ = s.tel.Events.PublishCommandAccepted(cmd.InstanceID(), string(cmd.Kind), string(cmd.Action), cmd.IssuedBy.ID)
	log.Infof("%s command accepted", cmd.Action)
	return result, nil
}

// GetResult returns the result of a command. A non-empty projectID scopes
// the lookup: results of other projects are reported as not found.
func (s *CommandService) GetResult(ctx context.Context, commandID, projectID string) (*CommandResult, error) {
	result, err := s.results.GetResult(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if projectID != "" && result.ProjectID != projectID {
		return nil, NewNotFoundError("command result", commandID)
	}
	return result, nil
}

// WaitForResult blocks until the command's result is terminal or ctx ends.
func (s *CommandService) WaitForResult(ctx context.Context, commandID string) (*CommandResult, error) {
	if _, err := s.runner.WaitForCompletion(ctx, commandID); err != nil {
		return nil, err
	}
	return s.results.GetResult(ctx, commandID)
}

// CommandRunInstanceID is the ID of the instance running the workflow
// routed for a command, a child of the command instance.
func CommandRunInstanceID(commandID string) string {
	return commandID + ":run"
}

// RaiseCallback delivers a provider callback for commandID as an event
// named after the command. A callback addressed to the command instance
// itself is handed to the routed workflow while that one is running.
func (s *CommandService) RaiseCallback(ctx context.Context, instanceID, commandID string, payload any) error {
	if _, err := uuid.Parse(commandID); err != nil {
		return NewValidationError("command id must be a UUID", err).WithResource(commandID)
	}

	target := instanceID
	if instanceID == commandID {
		run, err := s.runner.GetStatus(ctx, CommandRunInstanceID(commandID))
		switch {
		case err == nil && !run.Status.IsTerminal():
			target = run.ID
		case err != nil && !IsNotFound(err):
			return err
		}
	}

	if err := s.runner.RaiseEvent(ctx, target, commandID, payload); err != nil {
		return err
	}
	s.logger.WithCommandID(commandID).WithInstanceID(target).Debug("provider callback raised")
	return nil
}

// observe mirrors instance progress onto the command result of the
// instance tree's root.
func (s *CommandService) observe(ctx context.Context, inst *Instance) {
	if inst.RootID == "" {
		return
	}
	result, err := s.results.GetResult(ctx, inst.RootID)
	if err != nil {
		return
	}

	isRoot := inst.ID == inst.RootID
	log := s.logger.WithCommandID(inst.RootID).WithInstanceID(inst.ID)

	if !result.RuntimeStatus.IsTerminal() {
		changed := false
		if inst.CustomStatus != "" && inst.CustomStatus != result.CustomStatus {
			result.CustomStatus = inst.CustomStatus
			changed = true
		}
		if isRoot {
			switch inst.Status {
			case RuntimeStatusRunning:
				if result.RuntimeStatus == RuntimeStatusPending {
					result.RuntimeStatus = RuntimeStatusRunning
					changed = true
					_ = s.tel.Events.PublishCommandRunning(inst.RootID)
				}
			case RuntimeStatusCompleted, RuntimeStatusFailed:
				// The command workflow writes its terminal result itself;
				// reaching this point means it never got that far.
				if inst.Error != nil {
					result.Errors = append(result.Errors, *inst.Error)
				}
				if inst.Status == RuntimeStatusFailed && !result.Failed() {
					result.AddError(NewPermanentError("command orchestration failed", nil).WithCode(ErrCodeInternal))
				}
				result.Finalize()
				changed = true
			}
		}
		if changed {
			result.UpdatedAt = time.Now().UTC()
			if err := s.results.UpdateResult(ctx, result); err != nil && CodeOf(err) != ErrCodeResultFinal {
				log.WithError(err).Warn("failed to update command result")
			}
		}
	}

	if isRoot && inst.Status.IsTerminal() {
		s.finished(inst, result)
	}
}

func (s *CommandService) finished(inst *Instance, result *CommandResult) {
	duration := inst.UpdatedAt.Sub(result.CreatedAt)
	reason := ""
	if len(result.Errors) > 0 {
		reason = result.Errors[0].Message
	}
	s.tel.Metrics.RecordCommandCompleted(string(result.Kind), string(result.RuntimeStatus), duration)
	_ = s.tel.Events.PublishCommandFinished(result.CommandID, string(result.RuntimeStatus), duration, reason)
	s.logger.WithCommandID(result.CommandID).
		WithField("status", result.RuntimeStatus).
		WithField("duration", duration).
		Info("command finished")
}

// projectScope returns the project a payload belongs to, if any.
func projectScope(e *Entity) string {
	switch e.Kind {
	case KindProject:
		return e.ID
	case KindComponent, KindComponentTask:
		return e.ProjectID
	default:
		return ""
	}
}
