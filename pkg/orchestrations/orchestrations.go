package orchestrations

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/microsoft/TeamCloud-sub005/pkg/engine"
	"github.com/microsoft/TeamCloud-sub005/pkg/telemetry"
)

// Workflow names.
const (
	WorkflowOrganizationDeploy    = "organization-deploy"
	WorkflowProjectDeploy         = "project-deploy"
	WorkflowComponentDeploy       = "component-deploy"
	WorkflowComponentPrepare      = "component-prepare"
	WorkflowComponentTaskRun      = "component-task-run"
	WorkflowDeploymentScopeUpdate = "deployment-scope-update"
	WorkflowEntityDelete          = "entity-delete"
	WorkflowProviderRegistration  = "provider-registration"
	WorkflowComponentMonitor      = "component-monitor"
)

// Activity names.
const (
	ActivityCommandAudit        = "command-audit"
	ActivityCommandFinalize     = "command-finalize"
	ActivityEntityUpsert        = "entity-upsert"
	ActivityEntityGet           = "entity-get"
	ActivityEntitySnapshot      = "entity-snapshot"
	ActivityEntityState         = "entity-state"
	ActivityEntityRemove        = "entity-remove"
	ActivityResourceGroupEnsure = "resource-group-ensure"
	ActivityResourceGroupDelete = "resource-group-delete"
	ActivityResourceTags        = "resource-tags"
	ActivityPrincipalResolve    = "principal-resolve"
	ActivityRoleAssignments     = "role-assignments"
	ActivityDeploymentStart     = "deployment-start"
	ActivityProviderRegister    = "provider-register"
)

// ProviderRegistrationInstanceID is the fixed instance ID of the eternal
// provider registration refresh.
const ProviderRegistrationInstanceID = "eternal:provider-registration"

// Custom status checkpoints of the command workflow.
const (
	StatusAuditing   = "auditing"
	StatusProcessing = "processing"
	StatusFinalizing = "finalizing"
)

// Options tunes the entity workflows.
type Options struct {
	// Guard bounds how long dependents wait for their ancestors.
	Guard engine.GuardOptions `yaml:"guard" mapstructure:"guard"`

	// Deployment configures deployment polling and output waits.
	Deployment engine.DeploymentOptions `yaml:"deployment" mapstructure:"deployment"`

	// RegistrationInterval is the period of the provider registration refresh.
	RegistrationInterval time.Duration `yaml:"registration_interval" mapstructure:"registration_interval"`

	// MonitorInterval is the period of the component monitors.
	MonitorInterval time.Duration `yaml:"monitor_interval" mapstructure:"monitor_interval"`

	// OwnerRole is the role assigned to the principal issuing a project or
	// component command.
	OwnerRole string `yaml:"owner_role" mapstructure:"owner_role"`
}

// DefaultOptions returns the workflow settings used when none are configured.
func DefaultOptions() Options {
	return Options{
		Guard:                engine.DefaultGuardOptions(),
		Deployment:           engine.DefaultDeploymentOptions(),
		RegistrationInterval: time.Hour,
		MonitorInterval:      5 * time.Minute,
		OwnerRole:            "Owner",
	}
}

// Dependencies are the collaborators the workflows and activities use.
type Dependencies struct {
	Entities  engine.EntityRepository
	Results   engine.ResultStore
	Audit     engine.AuditSink
	Resources engine.ResourceManager
	Directory engine.Directory
	Telemetry *telemetry.Telemetry
	Options   Options
}

// Orchestrator holds the workflows and activities of the command engine.
type Orchestrator struct {
	deps     Dependencies
	opts     Options
	registry *engine.Registry
	validate *validator.Validate
	logger   *telemetry.Logger
}

// Register wires every workflow, activity, command route, and eternal
// workflow into reg.
func Register(reg *engine.Registry, deps Dependencies) *Orchestrator {
	if deps.Telemetry == nil {
		deps.Telemetry = telemetry.NewNopTelemetry()
	}
	opts := deps.Options
	defaults := DefaultOptions()
	if opts.Guard.Delay <= 0 {
		opts.Guard.Delay = defaults.Guard.Delay
	}
	if opts.Deployment.PollInterval <= 0 {
		opts.Deployment.PollInterval = defaults.Deployment.PollInterval
	}
	if opts.Deployment.OutputTimeout <= 0 {
		opts.Deployment.OutputTimeout = defaults.Deployment.OutputTimeout
	}
	if opts.RegistrationInterval <= 0 {
		opts.RegistrationInterval = defaults.RegistrationInterval
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = defaults.MonitorInterval
	}
	if opts.OwnerRole == "" {
		opts.OwnerRole = defaults.OwnerRole
	}

	o := &Orchestrator{
		deps:     deps,
		opts:     opts,
		registry: reg,
		validate: validator.New(),
		logger:   deps.Telemetry.Logger.NewComponentLogger("orchestrations"),
	}

	engine.RegisterGuard(reg, deps.Entities)
	engine.RegisterDeploymentMonitor(reg, deps.Resources, deps.Telemetry)

	reg.RegisterWorkflow(engine.WorkflowCommand, engine.Workflow(o.command))
	reg.RegisterWorkflow(WorkflowOrganizationDeploy, engine.Workflow(o.organizationDeploy))
	reg.RegisterWorkflow(WorkflowProjectDeploy, engine.Workflow(o.projectDeploy))
	reg.RegisterWorkflow(WorkflowComponentDeploy, engine.Workflow(o.componentDeploy))
	reg.RegisterWorkflow(WorkflowComponentPrepare, engine.Workflow(o.componentPrepare))
	reg.RegisterWorkflow(WorkflowComponentTaskRun, engine.Workflow(o.componentTaskRun))
	reg.RegisterWorkflow(WorkflowDeploymentScopeUpdate, engine.Workflow(o.deploymentScopeUpdate))
	reg.RegisterWorkflow(WorkflowEntityDelete, engine.Workflow(o.entityDelete))
	reg.RegisterWorkflow(WorkflowProviderRegistration, engine.Workflow(o.providerRegistration))
	reg.RegisterWorkflow(WorkflowComponentMonitor, engine.Workflow(o.componentMonitor))

	reg.RegisterActivity(ActivityCommandAudit, engine.Activity(o.auditCommand), nil)
	reg.RegisterActivity(ActivityCommandFinalize, engine.Activity(o.finalizeResult), nil)
	reg.RegisterActivity(ActivityEntityUpsert, engine.Activity(o.upsertEntity), nil)
	reg.RegisterActivity(ActivityEntityGet, engine.Activity(o.getEntity), nil)
	reg.RegisterActivity(ActivityEntitySnapshot, engine.Activity(o.snapshotEntity), nil)
	reg.RegisterActivity(ActivityEntityState, engine.Activity(o.setEntityState), nil)
	reg.RegisterActivity(ActivityEntityRemove, engine.Activity(o.removeEntity), nil)
	reg.RegisterActivity(ActivityResourceGroupEnsure, engine.Activity(o.ensureResourceGroup), nil)
	reg.RegisterActivity(ActivityResourceGroupDelete, engine.Activity(o.deleteResourceGroup), nil)
	reg.RegisterActivity(ActivityResourceTags, engine.Activity(o.setResourceTags), nil)
	reg.RegisterActivity(ActivityPrincipalResolve, engine.Activity(o.resolvePrincipal), nil)
	reg.RegisterActivity(ActivityRoleAssignments, engine.Activity(o.setRoleAssignments), nil)
	reg.RegisterActivity(ActivityDeploymentStart, engine.Activity(o.startDeployment), nil)
	reg.RegisterActivity(ActivityProviderRegister, engine.Activity(o.registerProviders), nil)

	for _, action := range []engine.CommandAction{engine.ActionCreate, engine.ActionUpdate} {
		reg.RouteCommand(engine.KindOrganization, action, WorkflowOrganizationDeploy)
		reg.RouteCommand(engine.KindProject, action, WorkflowProjectDeploy)
		reg.RouteCommand(engine.KindComponent, action, WorkflowComponentDeploy)
		reg.RouteCommand(engine.KindDeploymentScope, action, WorkflowDeploymentScopeUpdate)
	}
	reg.RouteCommand(engine.KindComponentTask, engine.ActionCreate, WorkflowComponentTaskRun)
	reg.RouteCommand(engine.KindComponentTask, engine.ActionCustom, WorkflowComponentTaskRun)
	for _, kind := range []engine.EntityKind{
		engine.KindOrganization,
		engine.KindDeploymentScope,
		engine.KindProject,
		engine.KindComponent,
		engine.KindComponentTask,
	} {
		reg.RouteCommand(kind, engine.ActionDelete, WorkflowEntityDelete)
	}

	reg.RegisterEternal(engine.EternalWorkflow{
		Name:       WorkflowProviderRegistration,
		InstanceID: ProviderRegistrationInstanceID,
		Input:      RegistrationInput{},
	})
	reg.RegisterEternalSource(ComponentMonitorPrefix, o.componentMonitors)
	return o
}
