package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/microsoft/TeamCloud-sub005/pkg/telemetry"
)

// Names of the built-in deployment monitor workflow and its activities.
const (
	WorkflowDeploymentMonitor = "deployment-monitor"
	ActivityDeploymentState   = "deployment-state"
	ActivityDeploymentCleanup = "deployment-cleanup"
)

// DeploymentOptions configures deployment monitoring.
type DeploymentOptions struct {
	// PollInterval is the pause between two deployment state checks.
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`

	// OutputTimeout bounds WaitForDeploymentOutput.
	OutputTimeout time.Duration `yaml:"output_timeout" mapstructure:"output_timeout"`

	// Cleanup deletes the deployment record once it has finished.
	Cleanup bool `yaml:"cleanup" mapstructure:"cleanup"`
}

// DefaultDeploymentOptions polls every five seconds and waits up to five
// minutes for the outcome.
func DefaultDeploymentOptions() DeploymentOptions {
	return DeploymentOptions{
		PollInterval:  5 * time.Second,
		OutputTimeout: 5 * time.Minute,
	}
}

// DeploymentMonitorInput is the continue-as-new state of a deployment monitor.
type DeploymentMonitorInput struct {
	OwnerInstanceID string          `json:"owner_instance_id"`
	EventName       string          `json:"event_name"`
	StartActivity   string          `json:"start_activity"`
	StartInput      json.RawMessage `json:"start_input,omitempty"`
	DeploymentID    string          `json:"deployment_id,omitempty"`
	PollInterval    time.Duration   `json:"poll_interval"`
	Cleanup         bool            `json:"cleanup,omitempty"`
	Polls           int             `json:"polls"`
	MaxPolls        int             `json:"max_polls,omitempty"`
}

// DeploymentOutcome is raised on the owning instance when a deployment ends.
type DeploymentOutcome struct {
	DeploymentID string                 `json:"deployment_id,omitempty"`
	State        DeploymentState        `json:"state"`
	Outputs      map[string]interface{} `json:"outputs,omitempty"`
	Errors       []string               `json:"errors,omitempty"`
}

// StartDeployment starts a detached monitor that calls the given start
// activity and then polls the deployment until it finishes. It returns the
// token to pass to WaitForDeploymentOutput.
func StartDeployment(octx *OrchestrationContext, activity string, input any, opts DeploymentOptions) (string, error) {
	token, err := octx.NewGUID()
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(input)
	if err != nil {
		return "", NewValidationError("failed to encode deployment input", err)
	}

	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultDeploymentOptions().PollInterval
	}
	maxPolls := 0
	if opts.OutputTimeout > 0 {
		// The owner times out well before the monitor gives up.
		maxPolls = int(2*opts.OutputTimeout/interval) + 1
	}

	monitorID := fmt.Sprintf("%s:deployment:%s", octx.InstanceID(), token)
	err = octx.StartOrchestration(WorkflowDeploymentMonitor, monitorID, DeploymentMonitorInput{
		OwnerInstanceID: octx.InstanceID(),
		EventName:       token,
		StartActivity:   activity,
		StartInput:      data,
		PollInterval:    interval,
		Cleanup:         opts.Cleanup,
		MaxPolls:        maxPolls,
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// WaitForDeploymentOutput waits for the outcome of the deployment started
// with token. The outcome is reported either by the monitor or by a
// provider callback raised under the ID of the owning command. A failed or
// cancelled deployment yields a permanent PROVIDER_FAILED error; no outcome
// within timeout yields a permanent TIMEOUT error.
func WaitForDeploymentOutput(octx *OrchestrationContext, token string, timeout time.Duration) (map[string]interface{}, error) {
	if timeout <= 0 {
		timeout = DefaultDeploymentOptions().OutputTimeout
	}

	names := []string{token}
	if root := octx.RootID(); root != "" && root != token {
		names = append(names, root)
	}

	var outcome DeploymentOutcome
	source, err := octx.WaitForAnyExternalEvent(names, timeout, &outcome)
	if err != nil {
		return nil, err
	}
	if source != token {
		octx.Logger().Infof("deployment outcome %s reported by callback", outcome.State)
	}

	if outcome.State != DeploymentSucceeded {
		return nil, NewPermanentError(fmt.Sprintf("deployment ended in state %s", outcome.State), nil).
			WithCode(ErrCodeProviderFailed).
			WithResource(outcome.DeploymentID).
			WithDetail("errors", outcome.Errors)
	}
	return outcome.Outputs, nil
}

type deploymentMonitor struct {
	rm  ResourceManager
	tel *telemetry.Telemetry
}

// RegisterDeploymentMonitor registers the monitor workflow and the
// activities it polls with.
func RegisterDeploymentMonitor(reg *Registry, rm ResourceManager, tel *telemetry.Telemetry) {
	m := &deploymentMonitor{rm: rm, tel: tel}
	reg.RegisterWorkflow(WorkflowDeploymentMonitor, Workflow(m.run))
	reg.RegisterActivity(ActivityDeploymentState, Activity(m.state), nil)
	reg.RegisterActivity(ActivityDeploymentCleanup, Activity(m.cleanup), nil)
}

func (m *deploymentMonitor) run(octx *OrchestrationContext, in DeploymentMonitorInput) (*DeploymentOutcome, error) {
	if in.DeploymentID == "" {
		var dep Deployment
		if err := octx.CallActivity(in.StartActivity, in.StartInput, &dep); err != nil {
			return m.report(octx, in, &DeploymentOutcome{
				State:  DeploymentFailed,
				Errors: []string{err.Error()},
			})
		}
		if dep.ID == "" {
			// Nothing to deploy.
			return m.report(octx, in, &DeploymentOutcome{State: DeploymentSucceeded})
		}
		in.DeploymentID = dep.ID
		return nil, octx.ContinueAsNew(in, in.PollInterval)
	}

	dep, err := CallActivity[Deployment](octx, ActivityDeploymentState, in.DeploymentID)
	if err != nil {
		return m.report(octx, in, &DeploymentOutcome{
			DeploymentID: in.DeploymentID,
			State:        DeploymentFailed,
			Errors:       []string{err.Error()},
		})
	}

	if dep.State.IsProgress() {
		in.Polls++
		if in.MaxPolls > 0 && in.Polls > in.MaxPolls {
			return m.report(octx, in, &DeploymentOutcome{
				DeploymentID: dep.ID,
				State:        dep.State,
				Errors:       []string{fmt.Sprintf("deployment still %s after %d polls", dep.State, in.Polls)},
			})
		}
		return nil, octx.ContinueAsNew(in, in.PollInterval)
	}

	if in.Cleanup {
		if err := octx.CallActivity(ActivityDeploymentCleanup, dep.ID, nil); err != nil {
			octx.Logger().WithError(err).Warnf("failed to clean up deployment %s", dep.ID)
		}
	}

	return m.report(octx, in, &DeploymentOutcome{
		DeploymentID: dep.ID,
		State:        dep.State,
		Outputs:      dep.Outputs,
		Errors:       dep.Errors,
	})
}

func (m *deploymentMonitor) report(octx *OrchestrationContext, in DeploymentMonitorInput, outcome *DeploymentOutcome) (*DeploymentOutcome, error) {
	if err := octx.RaiseEvent(in.OwnerInstanceID, in.EventName, outcome); err != nil {
		octx.Logger().WithError(err).Warnf("owner %s is no longer waiting for the deployment", in.OwnerInstanceID)
	}
	return outcome, nil
}

func (m *deploymentMonitor) state(ctx context.Context, deploymentID string) (*Deployment, error) {
	dep, err := m.rm.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if !dep.State.IsProgress() {
		m.tel.Metrics.RecordDeployment(string(dep.State))
		info, _ := ActivityInfoFromContext(ctx)
		_ = m.tel.Events.PublishDeploymentFinished(info.InstanceID, dep.ID, string(dep.State))
	}
	return dep, nil
}

func (m *deploymentMonitor) cleanup(ctx context.Context, deploymentID string) (struct{}, error) {
	return struct{}{}, m.rm.DeleteDeployment(ctx, deploymentID)
}
