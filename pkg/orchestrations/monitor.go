package orchestrations

import (
	"context"

	"github.com/microsoft/TeamCloud-sub005/pkg/engine"
)

// ComponentMonitorPrefix starts the instance ID of every component monitor.
const ComponentMonitorPrefix = "eternal:component-monitor:"

// MonitorStopEvent ends a component monitor.
const MonitorStopEvent = "stop"

// ComponentMonitorInstanceID is the fixed instance ID of the monitor of a
// component.
func ComponentMonitorInstanceID(componentID string) string {
	return ComponentMonitorPrefix + componentID
}

// ComponentMonitorInput is the continue-as-new state of a component monitor.
type ComponentMonitorInput struct {
	Component engine.EntityRef `json:"component"`
	Runs      int              `json:"runs"`
}

// componentMonitor re-runs component preparation once per monitor interval
// for as long as the component is provisioned. It ends when it receives
// MonitorStopEvent or finds the component gone or being deleted.
func (o *Orchestrator) componentMonitor(octx *engine.OrchestrationContext, in ComponentMonitorInput) (*engine.Entity, error) {
	err := octx.WaitForExternalEvent(MonitorStopEvent, o.opts.MonitorInterval, nil)
	if err == nil {
		octx.Logger().Infof("monitor of %s stopped", in.Component)
		return nil, nil
	}
	if engine.CodeOf(err) != engine.ErrCodeTimeout {
		return nil, err
	}

	component, err := engine.CallActivity[*engine.Entity](octx, ActivityEntityGet, in.Component)
	switch {
	case engine.IsNotFound(err):
		octx.Logger().Infof("%s is gone, monitor ends", in.Component)
		return nil, nil
	case err != nil:
		octx.Logger().WithError(err).Warnf("failed to load %s", in.Component)
	case component.ResourceState == engine.ResourceStateDeleting:
		return component, nil
	case component.ResourceState == engine.ResourceStateSucceeded:
		_, err := engine.CallSubOrchestration[*engine.Entity](octx, WorkflowComponentPrepare, "",
			PrepareInput{Component: *component, Refresh: true})
		if err != nil {
			octx.Logger().WithError(err).Warnf("failed to prepare %s", in.Component)
		}
	}

	in.Runs++
	return nil, octx.ContinueAsNew(in, 0)
}

// ensureMonitor starts the monitor of a provisioned component unless one
// is already running.
func (o *Orchestrator) ensureMonitor(octx *engine.OrchestrationContext, component *engine.Entity) {
	err := octx.EnsureOrchestration(WorkflowComponentMonitor, ComponentMonitorInstanceID(component.ID),
		ComponentMonitorInput{Component: component.Ref()})
	if err != nil {
		octx.Logger().WithError(err).Warnf("failed to start the monitor of %s", component.Ref())
	}
}

// stopMonitor asks the monitor of a component to end. A missing or
// finished monitor is fine.
func (o *Orchestrator) stopMonitor(octx *engine.OrchestrationContext, componentID string) {
	err := octx.RaiseEvent(ComponentMonitorInstanceID(componentID), MonitorStopEvent, nil)
	if err != nil && !engine.IsNotFound(err) && engine.CodeOf(err) != engine.ErrCodeResultFinal {
		octx.Logger().WithError(err).Warnf("failed to stop the monitor of component %s", componentID)
	}
}

// componentMonitors lists a monitor for every provisioned component.
func (o *Orchestrator) componentMonitors(ctx context.Context) ([]engine.EternalWorkflow, error) {
	components, err := o.deps.Entities.ListEntities(ctx, engine.KindComponent)
	if err != nil {
		return nil, err
	}
	var out []engine.EternalWorkflow
	for _, c := range components {
		if c.ResourceState != engine.ResourceStateSucceeded {
			continue
		}
		out = append(out, engine.EternalWorkflow{
			Name:       WorkflowComponentMonitor,
			InstanceID: ComponentMonitorInstanceID(c.ID),
			Input:      ComponentMonitorInput{Component: c.Ref()},
		})
	}
	return out, nil
}
