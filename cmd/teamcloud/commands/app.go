package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/microsoft/TeamCloud-sub005/pkg/config"
	"github.com/microsoft/TeamCloud-sub005/pkg/engine"
	"github.com/microsoft/TeamCloud-sub005/pkg/orchestrations"
	"github.com/microsoft/TeamCloud-sub005/pkg/policy"
	"github.com/microsoft/TeamCloud-sub005/pkg/providers/simulator"
	"github.com/microsoft/TeamCloud-sub005/pkg/stores"
	"github.com/microsoft/TeamCloud-sub005/pkg/telemetry"
)

// app is a fully wired engine: store, providers, runner, policy admission,
// command service, and supervisor.
type app struct {
	cfg        *config.Config
	tel        *telemetry.Telemetry
	store      *stores.SQLiteStore
	resources  *simulator.ResourceManager
	directory  *simulator.Directory
	runner     *engine.Runner
	policies   *policy.Engine
	commands   *engine.CommandService
	supervisor *engine.Supervisor
}

func newApp(ctx context.Context, cfg *config.Config, version string) (*app, error) {
	telCfg := cfg.Telemetry
	if version != "" {
		telCfg.ServiceVersion = version
	}
	tel, err := telemetry.NewTelemetry(&telCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a := &app{cfg: cfg, tel: tel}
	if err := a.wire(ctx); err != nil {
		_ = a.close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	store, err := openStore(ctx, a.cfg.Database)
	if err != nil {
		return err
	}
	a.store = store

	a.resources = simulator.NewResourceManager()
	a.resources.ScriptDefault(simulator.Script{Polls: a.cfg.Providers.DeploymentPolls})
	a.directory = simulator.NewDirectory(a.cfg.Providers.Principals...)
	a.directory.AutoRegister = a.cfg.Providers.AutoRegister

	registry := engine.NewRegistry()
	orchestrations.Register(registry, orchestrations.Dependencies{
		Entities:  store,
		Results:   store,
		Audit:     store,
		Resources: a.resources,
		Directory: a.directory,
		Telemetry: a.tel,
		Options:   a.cfg.Engine.Workflows,
	})
	a.runner = engine.NewRunner(store, store, registry, a.cfg.Engine.RunnerOptions(), a.tel)

	var admission engine.Admission
	if a.cfg.Policy.Enabled {
		a.policies, err = loadPolicies(ctx, a.cfg.Policy, a.tel)
		if err != nil {
			return err
		}
		admission = a.policies
	}

	a.commands = engine.NewCommandService(a.runner, store, admission, a.tel)
	a.supervisor = engine.NewSupervisor(a.runner, a.cfg.Engine.Supervisor, a.tel)
	return nil
}

func openStore(ctx context.Context, cfg stores.Config) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

func loadPolicies(ctx context.Context, cfg config.PolicyConfig, tel *telemetry.Telemetry) (*policy.Engine, error) {
	pe, err := policy.NewEngine(tel)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(cfg.Paths) > 0 {
		if err := pe.LoadPolicies(ctx, cfg.Paths); err != nil {
			return nil, err
		}
	}
	for _, bundle := range cfg.Bundles {
		if err := pe.LoadBundle(ctx, bundle); err != nil {
			return nil, err
		}
	}
	for _, name := range cfg.Disabled {
		if err := pe.DisablePolicy(name); err != nil {
			return nil, fmt.Errorf("cannot disable policy %s: %w", name, err)
		}
	}
	return pe, nil
}

// close stops the runner and releases the store and telemetry.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.runner != nil {
		errs = append(errs, a.runner.Shutdown(ctx))
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	errs = append(errs, a.tel.Shutdown(ctx))
	return errors.Join(errs...)
}
