package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/microsoft/TeamCloud-sub005/pkg/telemetry"
)

// RunnerOptions configures the orchestration runner.
type RunnerOptions struct {
	// EventPollInterval is how often a waiting instance re-checks its inbox
	// when no in-process notification arrives.
	EventPollInterval time.Duration

	// ActivityRetry is the retry policy for activities registered without one.
	ActivityRetry RetryPolicy

	// Locks configures resource lock acquisition.
	Locks LockOptions
}

// DefaultRunnerOptions returns the runner settings used when none are configured.
func DefaultRunnerOptions() RunnerOptions {
	return RunnerOptions{
		EventPollInterval: time.Second,
		ActivityRetry:     DefaultRetryPolicy(),
		Locks:             DefaultLockOptions(),
	}
}

// StatusObserver is notified whenever an instance changes runtime status or
// custom status. Observers run synchronously on the instance goroutine.
type StatusObserver func(ctx context.Context, inst *Instance)

// ContinueAsNewError is returned by a workflow body to restart the instance
// with fresh input and an empty step log.
type ContinueAsNewError struct {
	Input json.RawMessage
	Delay time.Duration
}

// Error implements the error interface.
func (e *ContinueAsNewError) Error() string {
	return fmt.Sprintf("continue as new after %s", e.Delay)
}

// Runner executes orchestration instances durably: every step outcome is
// appended to the instance step log, and an interrupted instance is resumed
// by replaying its workflow body against that log.
type Runner struct {
	store    InstanceStore
	registry *Registry
	invoker  *ActivityInvoker
	locks    *LockManager
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	opts     RunnerOptions

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu          sync.Mutex
	active      map[string]bool
	signals     map[string]chan struct{}
	completions map[string]chan struct{}
	observers   []StatusObserver
}

// NewRunner creates a runner persisting to store and locking through locks.
func NewRunner(store InstanceStore, locks LockStore, registry *Registry, opts RunnerOptions, tel *telemetry.Telemetry) *Runner {
	if opts.EventPollInterval <= 0 {
		opts.EventPollInterval = DefaultRunnerOptions().EventPollInterval
	}
	if opts.ActivityRetry.MaxAttempts == 0 {
		opts.ActivityRetry = DefaultRetryPolicy()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:       store,
		registry:    registry,
		invoker:     NewActivityInvoker(registry, opts.ActivityRetry, tel),
		locks:       NewLockManager(locks, opts.Locks, tel),
		tel:         tel,
		logger:      tel.Logger.NewComponentLogger("runner"),
		opts:        opts,
		baseCtx:     ctx,
		cancel:      cancel,
		active:      make(map[string]bool),
		signals:     make(map[string]chan struct{}),
		completions: make(map[string]chan struct{}),
	}
}

// Locks returns the runner's lock manager.
func (r *Runner) Locks() *LockManager {
	return r.locks
}

// Registry returns the runner's registry.
func (r *Runner) Registry() *Registry {
	return r.registry
}

// Observe registers fn to be notified of status changes.
func (r *Runner) Observe(fn StatusObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Start creates a top-level instance of workflow name and begins executing
// it in the background. An empty instanceID gets a generated one. Starting
// an ID that already exists yields an ALREADY_EXISTS conflict error.
func (r *Runner) Start(ctx context.Context, name, instanceID string, input any) (string, error) {
	inst, err := r.create(ctx, name, instanceID, input)
	if err != nil {
		return "", err
	}
	r.launch(inst)
	return inst.ID, nil
}

// Create persists a Pending top-level instance without executing it. The
// instance runs once a runner recovers it.
func (r *Runner) Create(ctx context.Context, name, instanceID string, input any) (string, error) {
	inst, err := r.create(ctx, name, instanceID, input)
	if err != nil {
		return "", err
	}
	return inst.ID, nil
}

func (r *Runner) create(ctx context.Context, name, instanceID string, input any) (*Instance, error) {
	if _, ok := r.registry.Workflow(name); !ok {
		return nil, NewValidationError("workflow not registered", nil).
			WithCode(ErrCodeNotFound).
			WithResource(name)
	}
	if instanceID == "" {
		instanceID = uuid.New().String()
	}

	data, err := json.Marshal(input)
	if err != nil {
		return nil, NewValidationError("failed to encode workflow input", err)
	}

	now := time.Now().UTC()
	inst := &Instance{
		ID:        instanceID,
		Name:      name,
		Input:     data,
		Status:    RuntimeStatusPending,
		RootID:    instanceID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}

	r.logger.WithInstanceID(instanceID).WithField("workflow", name).Debug("instance created")
	return inst, nil
}

// Ensure makes sure instanceID is a pending or running instance of
// workflow name. An active instance is left alone, a finished one is purged
// and created again, and a missing one is created. With launch the new
// instance starts executing here; otherwise it waits to be recovered. It
// reports whether a new instance was created.
func (r *Runner) Ensure(ctx context.Context, name, instanceID string, input any, launch bool) (bool, error) {
	inst, err := r.store.GetInstance(ctx, instanceID)
	switch {
	case err == nil && !inst.Status.IsTerminal():
		return false, nil
	case err == nil:
		if err := r.Purge(ctx, instanceID); err != nil && !IsNotFound(err) {
			return false, err
		}
	case !IsNotFound(err):
		return false, err
	}

	if launch {
		_, err = r.Start(ctx, name, instanceID, input)
	} else {
		_, err = r.Create(ctx, name, instanceID, input)
	}
	if err != nil {
		if CodeOf(err) == ErrCodeAlreadyExists {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetStatus returns the persisted state of an instance.
func (r *Runner) GetStatus(ctx context.Context, instanceID string) (*Instance, error) {
	return r.store.GetInstance(ctx, instanceID)
}

// RaiseEvent delivers a named external event to a running instance.
func (r *Runner) RaiseEvent(ctx context.Context, instanceID, name string, payload any) error {
	inst, err := r.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.IsTerminal() {
		return NewConflictError("instance already finished", nil).
			WithCode(ErrCodeResultFinal).
			WithResource(instanceID)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return NewValidationError("failed to encode event payload", err)
	}
	if err := r.store.EnqueueEvent(ctx, instanceID, name, data); err != nil {
		return err
	}
	r.signal(instanceID)
	return nil
}

// Purge removes a finished instance together with its step log. Purging an
// instance executing in this process yields a conflict error.
func (r *Runner) Purge(ctx context.Context, instanceID string) error {
	r.mu.Lock()
	busy := r.active[instanceID]
	r.mu.Unlock()
	if busy {
		return NewConflictError("instance is executing", nil).WithResource(instanceID)
	}
	return r.store.PurgeInstance(ctx, instanceID)
}

// WaitForCompletion blocks until the instance is terminal or ctx ends.
func (r *Runner) WaitForCompletion(ctx context.Context, instanceID string) (*Instance, error) {
	for {
		done := r.completion(instanceID)
		inst, err := r.store.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if inst.Status.IsTerminal() {
			return inst, nil
		}

		select {
		case <-ctx.Done():
			return inst, ctx.Err()
		case <-done:
		case <-time.After(r.opts.EventPollInterval):
		}
	}
}

// Recover releases orphaned locks and resumes every unfinished top-level
// instance. It is called once at process startup.
func (r *Runner) Recover(ctx context.Context) (int, error) {
	if _, err := r.locks.Sweep(ctx); err != nil {
		return 0, err
	}

	instances, err := r.store.ListActiveInstances(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active instances: %w", err)
	}
	for _, inst := range instances {
		r.launch(inst)
	}
	if len(instances) > 0 {
		r.logger.Infof("resumed %d instance(s)", len(instances))
	}
	return len(instances), nil
}

// Shutdown stops all executing instances and waits for their goroutines to
// exit. Interrupted instances stay running in the store and are resumed by
// the next Recover.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runner shutdown timeout: %w", ctx.Err())
	}
}

func (r *Runner) launch(inst *Instance) {
	if !r.activate(inst.ID) {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.deactivate(inst.ID)
		if _, err := r.execute(r.baseCtx, inst); err != nil && r.baseCtx.Err() == nil {
			r.logger.WithInstanceID(inst.ID).WithError(err).Error("instance execution aborted")
		}
	}()
}

func (r *Runner) activate(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[id] {
		return false
	}
	r.active[id] = true
	return true
}

func (r *Runner) deactivate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
}

// execute drives inst until it is terminal, following continue-as-new
// restarts. It returns early only when ctx ends or the store fails.
func (r *Runner) execute(ctx context.Context, inst *Instance) (*Instance, error) {
	for {
		if inst.Status.IsTerminal() {
			return inst, nil
		}

		if inst.ResumeAt != nil {
			if err := sleepUntil(ctx, *inst.ResumeAt); err != nil {
				return inst, err
			}
		}

		wf, ok := r.registry.Workflow(inst.Name)
		if !ok {
			return r.finalize(ctx, inst, nil, NewPermanentError("workflow not registered", nil).
				WithCode(ErrCodeNotFound).
				WithResource(inst.Name))
		}

		history, err := r.store.LoadHistory(ctx, inst.ID)
		if err != nil {
			return inst, fmt.Errorf("failed to load history: %w", err)
		}

		if inst.Status == RuntimeStatusPending {
			inst.Status = RuntimeStatusRunning
			inst.UpdatedAt = time.Now().UTC()
			if err := r.store.UpdateInstance(ctx, inst); err != nil {
				return inst, err
			}
			_ = r.tel.Events.PublishOrchestrationStarted(inst.ID, inst.Name)
			r.notify(ctx, inst)
		}

		r.tel.Metrics.RecordInstanceStarted(inst.Name)
		spanCtx, span := r.tel.Tracer.StartInstanceSpan(ctx, inst.ID, inst.Name, inst.Generation)
		octx := newOrchestrationContext(spanCtx, r, inst, history)

		output, runErr := r.invoke(wf, octx, inst.Input)
		if octx.fatal != nil {
			runErr = octx.fatal
		}
		span.End()

		if ctx.Err() != nil {
			r.tel.Metrics.RecordInstanceFinished(inst.Name, "")
			return inst, ctx.Err()
		}

		var can *ContinueAsNewError
		if errors.As(runErr, &can) {
			r.tel.Metrics.RecordInstanceFinished(inst.Name, "")
			if err := r.continueAsNew(ctx, inst, can); err != nil {
				return inst, err
			}
			continue
		}

		inst, err = r.finalize(ctx, inst, output, runErr)
		r.tel.Metrics.RecordInstanceFinished(inst.Name, string(inst.Status))
		return inst, err
	}
}

func (r *Runner) invoke(wf WorkflowFunc, octx *OrchestrationContext, input json.RawMessage) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = NewPermanentError(fmt.Sprintf("workflow panicked: %v", p), nil).
				WithCode(ErrCodeInternal).
				WithResource(octx.instance.ID)
		}
	}()
	return wf(octx, input)
}

func (r *Runner) continueAsNew(ctx context.Context, inst *Instance, can *ContinueAsNewError) error {
	if err := r.locks.ReleaseAll(ctx, inst.ID); err != nil {
		return err
	}

	resumeAt := time.Now().Add(can.Delay).UTC()
	if err := r.store.ContinueAsNew(ctx, inst.ID, can.Input, resumeAt); err != nil {
		return fmt.Errorf("failed to continue as new: %w", err)
	}

	inst.Input = can.Input
	inst.Generation++
	inst.ResumeAt = &resumeAt

	r.tel.Metrics.RecordContinueAsNew(inst.Name)
	_ = r.tel.Events.PublishOrchestrationContinued(inst.ID, inst.Name, inst.Generation)
	return nil
}

func (r *Runner) finalize(ctx context.Context, inst *Instance, output any, runErr error) (*Instance, error) {
	if err := r.locks.ReleaseAll(ctx, inst.ID); err != nil {
		r.logger.WithInstanceID(inst.ID).WithError(err).Warn("failed to release locks on finalize")
	}

	if runErr == nil {
		data, err := json.Marshal(output)
		if err != nil {
			runErr = NewPermanentError("failed to encode workflow output", err)
		} else {
			inst.Output = data
		}
	}

	if runErr != nil {
		inst.Status = RuntimeStatusFailed
		inst.Error = Describe(runErr)
		classified := Classify(runErr)
		r.tel.Metrics.RecordError(string(classified.Class), classified.Code)
	} else {
		inst.Status = RuntimeStatusCompleted
	}
	inst.ResumeAt = nil
	inst.UpdatedAt = time.Now().UTC()

	if err := r.store.UpdateInstance(ctx, inst); err != nil {
		return inst, err
	}

	log := r.logger.WithInstanceID(inst.ID).WithField("workflow", inst.Name)
	if runErr != nil {
		log.WithError(runErr).Warn("instance failed")
	} else {
		log.Debug("instance completed")
	}

	_ = r.tel.Events.PublishOrchestrationFinished(inst.ID, inst.Name, string(inst.Status))
	r.notify(ctx, inst)
	r.complete(inst.ID)
	return inst, nil
}

// startChild loads or creates the sub-orchestration instance with the given ID.
func (r *Runner) startChild(ctx context.Context, parent *Instance, name, instanceID string, input any) (*Instance, error) {
	existing, err := r.store.GetInstance(ctx, instanceID)
	if err == nil {
		if existing.ParentID != parent.ID {
			return nil, NewConflictError("instance ID belongs to another parent", nil).
				WithCode(ErrCodeAlreadyExists).
				WithResource(instanceID)
		}
		return existing, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}

	if _, ok := r.registry.Workflow(name); !ok {
		return nil, NewPermanentError("workflow not registered", nil).
			WithCode(ErrCodeNotFound).
			WithResource(name)
	}
	data, err := json.Marshal(input)
	if err != nil {
		return nil, NewValidationError("failed to encode workflow input", err)
	}

	now := time.Now().UTC()
	child := &Instance{
		ID:        instanceID,
		Name:      name,
		Input:     data,
		Status:    RuntimeStatusPending,
		ParentID:  parent.ID,
		RootID:    parent.RootID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateInstance(ctx, child); err != nil {
		return nil, err
	}
	return child, nil
}

// runChild executes a sub-orchestration on the caller's goroutine.
func (r *Runner) runChild(ctx context.Context, child *Instance) (*Instance, error) {
	if !r.activate(child.ID) {
		return nil, NewConflictError("sub-orchestration already executing", nil).WithResource(child.ID)
	}
	defer r.deactivate(child.ID)
	return r.execute(ctx, child)
}

func (r *Runner) notify(ctx context.Context, inst *Instance) {
	r.mu.Lock()
	observers := append([]StatusObserver(nil), r.observers...)
	r.mu.Unlock()

	snapshot := *inst
	for _, fn := range observers {
		fn(ctx, &snapshot)
	}
}

func (r *Runner) subscribe(instanceID string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.signals[instanceID]
	if !ok {
		ch = make(chan struct{}, 1)
		r.signals[instanceID] = ch
	}
	return ch
}

func (r *Runner) unsubscribe(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.signals, instanceID)
}

func (r *Runner) signal(instanceID string) {
	r.mu.Lock()
	ch, ok := r.signals[instanceID]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (r *Runner) completion(instanceID string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.completions[instanceID]
	if !ok {
		ch = make(chan struct{})
		r.completions[instanceID] = ch
	}
	return ch
}

func (r *Runner) complete(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.completions[instanceID]; ok {
		close(ch)
		delete(r.completions, instanceID)
	}
}

func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
