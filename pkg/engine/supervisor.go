package engine

import (
	"context"
	"errors"
	"time"

	"github.com/microsoft/TeamCloud-sub005/pkg/telemetry"
)

// SupervisorOptions configures the eternal orchestration supervisor.
type SupervisorOptions struct {
	// Interval is how often every eternal instance is re-checked.
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`

	// RestartDelay is the pause before a finished eternal instance is
	// started again.
	RestartDelay time.Duration `yaml:"restart_delay" mapstructure:"restart_delay"`
}

// DefaultSupervisorOptions checks every minute and restarts after five seconds.
func DefaultSupervisorOptions() SupervisorOptions {
	return SupervisorOptions{
		Interval:     time.Minute,
		RestartDelay: 5 * time.Second,
	}
}

// Supervisor keeps the registered eternal orchestrations running: exactly
// one pending or running instance per eternal instance ID. Besides the
// declared singletons it covers the families registered with
// Registry.RegisterEternalSource.
type Supervisor struct {
	runner *Runner
	opts   SupervisorOptions
	tel    *telemetry.Telemetry
	logger *telemetry.Logger

	restarts chan struct{}
}

// NewSupervisor creates a supervisor for the eternal workflows registered
// with runner's registry.
func NewSupervisor(runner *Runner, opts SupervisorOptions, tel *telemetry.Telemetry) *Supervisor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultSupervisorOptions().Interval
	}
	s := &Supervisor{
		runner:   runner,
		opts:     opts,
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("supervisor"),
		restarts: make(chan struct{}, 1),
	}
	runner.Observe(s.observe)
	return s
}

// Ensure makes sure the eternal instance described by wf is pending or
// running. An active instance is left alone, a finished one is purged and
// started again, and a missing one is started. It reports whether a new
// instance was started.
func (s *Supervisor) Ensure(ctx context.Context, wf EternalWorkflow) (bool, error) {
	return s.ensure(ctx, wf, true)
}

// Schedule is Ensure for processes that do not execute instances: a new
// instance is only persisted as Pending and runs once a serving runner
// recovers it at startup.
func (s *Supervisor) Schedule(ctx context.Context, wf EternalWorkflow) (bool, error) {
	return s.ensure(ctx, wf, false)
}

func (s *Supervisor) ensure(ctx context.Context, wf EternalWorkflow, launch bool) (bool, error) {
	created, err := s.runner.Ensure(ctx, wf.Name, wf.InstanceID, wf.Input, launch)
	if err != nil || !created {
		return false, err
	}

	s.tel.Metrics.RecordEternalRestart(wf.Name)
	_ = s.tel.Events.PublishEternalRestarted(wf.InstanceID, wf.Name)
	s.logger.WithInstanceID(wf.InstanceID).
		WithField("workflow", wf.Name).
		WithField("launched", launch).
		Info("eternal orchestration started")
	return true, nil
}

// Eternal lists every singleton that should be running: the declared ones
// followed by the current members of each family.
func (s *Supervisor) Eternal(ctx context.Context) ([]EternalWorkflow, error) {
	reg := s.runner.Registry()
	out := reg.Eternal()
	var errs []error
	for _, list := range reg.EternalSources() {
		members, err := list(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, members...)
	}
	return out, errors.Join(errs...)
}

// EnsureAll calls Ensure for every eternal workflow listed by Eternal.
func (s *Supervisor) EnsureAll(ctx context.Context) error {
	workflows, err := s.Eternal(ctx)
	errs := []error{err}
	if err != nil {
		s.logger.WithError(err).Warn("failed to list eternal orchestrations")
	}
	for _, wf := range workflows {
		if _, err := s.Ensure(ctx, wf); err != nil {
			s.logger.WithInstanceID(wf.InstanceID).WithError(err).Warn("failed to ensure eternal orchestration")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run ensures all eternal instances immediately and then on every interval
// or when one of them finishes, until ctx ends.
func (s *Supervisor) Run(ctx context.Context) error {
	_ = s.EnsureAll(ctx)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-s.restarts:
			if err := sleepUntil(ctx, time.Now().Add(s.opts.RestartDelay)); err != nil {
				return nil
			}
		}
		_ = s.EnsureAll(ctx)
	}
}

func (s *Supervisor) observe(_ context.Context, inst *Instance) {
	if !inst.Status.IsTerminal() || !s.isEternal(inst.ID) {
		return
	}
	select {
	case s.restarts <- struct{}{}:
	default:
	}
}

func (s *Supervisor) isEternal(instanceID string) bool {
	_, ok := s.runner.Registry().IsEternal(instanceID)
	return ok
}
