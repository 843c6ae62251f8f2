// Package orchestrations contains the command workflows of TeamCloud.
//
// Every submitted command runs the command workflow registered under
// engine.WorkflowCommand. It audits the command, runs the workflow routed
// for the command kind and action as a sub-orchestration, and finalizes the
// command result.
//
// The entity workflows lock the target entity, wait for its ancestors to
// finish provisioning, persist the entity, and drive its resource state
// through Initializing and Provisioning to Succeeded or Failed:
//
//	organization-deploy      resource group, tags, deployment
//	project-deploy           resource group, tags, owner role, deployment
//	component-deploy         component-prepare, deployment
//	component-task-run       task deployment against the component resources
//	deployment-scope-update  document update only
//	entity-delete            resource group teardown, document removal
//
// The provider-registration workflow is eternal. It re-tags every
// provisioned resource and continues as new after the registration interval.
//
// Use Register to add all of the above to an engine.Registry:
//
//	reg := engine.NewRegistry()
//	orchestrations.Register(reg, orchestrations.Dependencies{
//		Entities:  store,
//		Results:   store,
//		Audit:     store,
//		Resources: rm,
//		Directory: dir,
//		Telemetry: tel,
//	})
package orchestrations
