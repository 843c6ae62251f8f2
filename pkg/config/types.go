package config

import (
	"time"

	"github.com/microsoft/TeamCloud-sub005/pkg/engine"
	"github.com/microsoft/TeamCloud-sub005/pkg/orchestrations"
	"github.com/microsoft/TeamCloud-sub005/pkg/stores"
	"github.com/microsoft/TeamCloud-sub005/pkg/telemetry"
)

// Config models teamcloud.yaml.
type Config struct {
	// Database configures the SQLite store holding instances, results, and entities.
	Database stores.Config `yaml:"database" mapstructure:"database"`

	// Engine tunes the orchestration runtime and the entity workflows.
	Engine EngineConfig `yaml:"engine" mapstructure:"engine"`

	// Telemetry configures logging, tracing, metrics, and lifecycle events.
	Telemetry telemetry.Config `yaml:"telemetry" mapstructure:"telemetry"`

	// Server configures the HTTP API.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Policy configures command admission.
	Policy PolicyConfig `yaml:"policy" mapstructure:"policy"`

	// Providers selects the resource manager and directory implementations.
	Providers ProvidersConfig `yaml:"providers" mapstructure:"providers"`
}

// EngineConfig tunes the runner, locks, supervisor, and workflows.
type EngineConfig struct {
	// EventPollInterval is how often a waiting instance re-checks its inbox.
	EventPollInterval time.Duration `yaml:"event_poll_interval" mapstructure:"event_poll_interval" validate:"gt=0"`

	// ActivityRetry is the retry policy for activities registered without one.
	ActivityRetry engine.RetryPolicy `yaml:"activity_retry" mapstructure:"activity_retry"`

	Locks      engine.LockOptions       `yaml:"locks" mapstructure:"locks"`
	Supervisor engine.SupervisorOptions `yaml:"supervisor" mapstructure:"supervisor"`

	// Workflows holds guard, deployment, and registration settings.
	Workflows orchestrations.Options `yaml:"workflows" mapstructure:"workflows"`
}

// RunnerOptions returns the runner settings of the engine section.
func (c EngineConfig) RunnerOptions() engine.RunnerOptions {
	return engine.RunnerOptions{
		EventPollInterval: c.EventPollInterval,
		ActivityRetry:     c.ActivityRetry,
		Locks:             c.Locks,
	}
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Listen is the address the API binds to.
	Listen string `yaml:"listen" mapstructure:"listen" validate:"required,hostname_port"`

	// BasePath prefixes every API route.
	BasePath string `yaml:"base_path" mapstructure:"base_path" validate:"omitempty,startswith=/"`

	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// PolicyConfig configures the OPA admission engine.
type PolicyConfig struct {
	// Enabled turns admission policies on. The built-in policies always load.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Paths are .rego or .json files and directories with custom policies.
	Paths []string `yaml:"paths" mapstructure:"paths" validate:"dive,required"`

	// Bundles are JSON policy bundles.
	Bundles []string `yaml:"bundles" mapstructure:"bundles" validate:"dive,required"`

	// Disabled names policies, built-in or custom, that are loaded but not
	// evaluated.
	Disabled []string `yaml:"disabled" mapstructure:"disabled" validate:"dive,required"`

	// Watch reloads custom policies when files under Paths change.
	Watch bool `yaml:"watch" mapstructure:"watch"`
}

// ProvidersConfig selects provider implementations.
type ProvidersConfig struct {
	// Kind names the provider implementation. Only the in-process simulator
	// ships with the engine.
	Kind string `yaml:"kind" mapstructure:"kind" validate:"required,oneof=simulator"`

	// DeploymentPolls is how many state checks a simulated deployment stays running.
	DeploymentPolls int `yaml:"deployment_polls" mapstructure:"deployment_polls" validate:"gte=0"`

	// Principals seeds the simulated directory.
	Principals []engine.Principal `yaml:"principals" mapstructure:"principals" validate:"dive"`

	// AutoRegister resolves principals missing from Principals as users.
	AutoRegister bool `yaml:"auto_register" mapstructure:"auto_register"`
}
