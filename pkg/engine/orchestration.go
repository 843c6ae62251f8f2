package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/microsoft/TeamCloud-sub005/pkg/telemetry"
)

// OrchestrationContext is handed to workflow bodies. Every operation on it
// is recorded in the instance step log in call order; when an interrupted
// instance resumes, recorded outcomes are returned without repeating the
// side effect. Workflow bodies must therefore be deterministic: the same
// input and the same recorded outcomes must produce the same sequence of
// calls.
type OrchestrationContext struct {
	ctx      context.Context
	runner   *Runner
	instance *Instance
	history  []HistoryEvent
	seq      int
	logger   *telemetry.Logger
	fatal    error
}

func newOrchestrationContext(ctx context.Context, r *Runner, inst *Instance, history []HistoryEvent) *OrchestrationContext {
	return &OrchestrationContext{
		ctx:      ctx,
		runner:   r,
		instance: inst,
		history:  history,
		logger: r.tel.Logger.NewComponentLogger("orchestration").
			WithInstanceID(inst.ID).
			WithField("workflow", inst.Name),
	}
}

// Context returns the context bounding the current execution pass.
func (c *OrchestrationContext) Context() context.Context {
	return c.ctx
}

// InstanceID returns the ID of the executing instance.
func (c *OrchestrationContext) InstanceID() string {
	return c.instance.ID
}

// RootID returns the ID of the top-level instance.
func (c *OrchestrationContext) RootID() string {
	return c.instance.RootID
}

// Generation returns the continue-as-new generation.
func (c *OrchestrationContext) Generation() int {
	return c.instance.Generation
}

// IsReplaying reports whether the body is re-executing recorded steps.
func (c *OrchestrationContext) IsReplaying() bool {
	return c.seq < len(c.history)
}

// Logger returns a logger that is silent while replaying. Call it at each
// log site rather than caching the result.
func (c *OrchestrationContext) Logger() *telemetry.Logger {
	if c.IsReplaying() {
		return c.logger.Disabled()
	}
	return c.logger
}

// SetCustomStatus publishes a progress string for the instance.
func (c *OrchestrationContext) SetCustomStatus(status string) {
	if c.instance.CustomStatus == status {
		return
	}
	c.instance.CustomStatus = status
	if c.IsReplaying() || c.ctx.Err() != nil {
		return
	}
	c.instance.UpdatedAt = time.Now().UTC()
	if err := c.runner.store.UpdateInstance(c.ctx, c.instance); err != nil {
		c.logger.WithError(err).Warn("failed to persist custom status")
		return
	}
	c.runner.notify(c.ctx, c.instance)
}

// next consumes the recorded event at the current position. It returns nil
// when the log is exhausted and a NON_DETERMINISTIC error when the recorded
// event does not match the call being replayed.
func (c *OrchestrationContext) next(name string, types ...HistoryEventType) (*HistoryEvent, error) {
	return c.nextAny([]string{name}, types...)
}

// nextAny is next for a step that may have been recorded under any of names.
func (c *OrchestrationContext) nextAny(names []string, types ...HistoryEventType) (*HistoryEvent, error) {
	if c.fatal != nil {
		return nil, c.fatal
	}
	if c.seq >= len(c.history) {
		return nil, nil
	}

	ev := &c.history[c.seq]
	if !slices.Contains(names, ev.Name) || !slices.Contains(types, ev.Type) {
		c.fatal = NewPermanentError(fmt.Sprintf(
			"history mismatch at seq %d: recorded %s %q, replayed %v %q",
			c.seq, ev.Type, ev.Name, types, names), nil).
			WithCode(ErrCodeNonDeterministic).
			WithResource(c.instance.ID)
		return nil, c.fatal
	}
	c.seq++
	return ev, nil
}

// record appends a new event at the current position.
func (c *OrchestrationContext) record(typ HistoryEventType, name string, payload any, failure error) (*HistoryEvent, error) {
	if err := c.ctx.Err(); err != nil {
		return nil, err
	}

	ev := HistoryEvent{
		InstanceID: c.instance.ID,
		Seq:        c.seq,
		Type:       typ,
		Name:       name,
		Error:      Describe(failure),
		Timestamp:  time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, NewPermanentError("failed to encode history payload", err)
		}
		ev.Payload = data
	}

	if err := c.runner.store.AppendHistory(c.ctx, &ev); err != nil {
		return nil, NewTransientError("failed to append history", err).WithResource(c.instance.ID)
	}
	c.history = append(c.history, ev)
	c.seq++
	return &c.history[len(c.history)-1], nil
}

func decodePayload(payload json.RawMessage, out any) error {
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return NewPermanentError("failed to decode recorded payload", err)
	}
	return nil
}

// CallActivity runs the named activity with retry and decodes its result
// into out.
func (c *OrchestrationContext) CallActivity(name string, input, out any) error {
	ev, err := c.next(name, EventActivityCompleted, EventActivityFailed)
	if err != nil {
		return err
	}

	if ev == nil {
		data, err := json.Marshal(input)
		if err != nil {
			return NewValidationError("failed to encode activity input", err)
		}

		result, callErr := c.runner.invoker.Invoke(c.ctx, c.instance.ID, name, data)
		if c.ctx.Err() != nil {
			return c.ctx.Err()
		}
		if callErr != nil {
			ev, err = c.record(EventActivityFailed, name, nil, callErr)
		} else {
			ev, err = c.record(EventActivityCompleted, name, result, nil)
		}
		if err != nil {
			return err
		}
	}

	if ev.Type == EventActivityFailed {
		return ev.Error.Err()
	}
	return decodePayload(ev.Payload, out)
}

// CallSubOrchestration runs the named workflow as a child instance and
// waits for it. An empty instanceID derives a stable one from the parent.
func (c *OrchestrationContext) CallSubOrchestration(name, instanceID string, input, out any) error {
	if instanceID == "" {
		instanceID = fmt.Sprintf("%s:%d:%d", c.instance.ID, c.instance.Generation, c.seq)
	}

	ev, err := c.next(name, EventSubOrchestrationComplete, EventSubOrchestrationFailed)
	if err != nil {
		return err
	}

	if ev == nil {
		child, err := c.runner.startChild(c.ctx, c.instance, name, instanceID, input)
		if err != nil {
			return err
		}

		final, err := c.runner.runChild(c.ctx, child)
		if c.ctx.Err() != nil {
			return c.ctx.Err()
		}
		if err != nil {
			return err
		}

		if final.Status == RuntimeStatusFailed {
			ev, err = c.record(EventSubOrchestrationFailed, name, nil, final.Error.Err())
		} else {
			ev, err = c.record(EventSubOrchestrationComplete, name, final.Output, nil)
		}
		if err != nil {
			return err
		}
	}

	if ev.Type == EventSubOrchestrationFailed {
		return ev.Error.Err()
	}
	return decodePayload(ev.Payload, out)
}

// StartOrchestration starts a detached top-level instance that outlives
// the caller. Starting an ID that already exists is a no-op.
func (c *OrchestrationContext) StartOrchestration(name, instanceID string, input any) error {
	ev, err := c.next(name, EventOrchestrationStarted)
	if err != nil || ev != nil {
		return err
	}

	if _, err := c.runner.Start(c.ctx, name, instanceID, input); err != nil && CodeOf(err) != ErrCodeAlreadyExists {
		return err
	}
	_, err = c.record(EventOrchestrationStarted, name, instanceID, nil)
	return err
}

// EnsureOrchestration makes sure a detached top-level instance with the
// given ID is pending or running, replacing a finished one.
func (c *OrchestrationContext) EnsureOrchestration(name, instanceID string, input any) error {
	ev, err := c.next(name, EventOrchestrationStarted)
	if err != nil || ev != nil {
		return err
	}

	if _, err := c.runner.Ensure(c.ctx, name, instanceID, input, true); err != nil {
		return err
	}
	_, err = c.record(EventOrchestrationStarted, name, instanceID, nil)
	return err
}

// RaiseEvent delivers an external event to another instance.
func (c *OrchestrationContext) RaiseEvent(instanceID, name string, payload any) error {
	key := instanceID + "/" + name
	ev, err := c.next(key, EventEventRaised)
	if err != nil || ev != nil {
		return err
	}

	if err := c.runner.RaiseEvent(c.ctx, instanceID, name, payload); err != nil {
		return err
	}
	_, err = c.record(EventEventRaised, key, nil, nil)
	return err
}

// CreateTimer durably sleeps for d. A resumed instance only waits for the
// remainder of the recorded fire time.
func (c *OrchestrationContext) CreateTimer(d time.Duration) error {
	const name = "timer"

	ev, err := c.next(name, EventTimerCreated)
	if err != nil {
		return err
	}

	var fireAt time.Time
	if ev == nil {
		fireAt = time.Now().Add(d).UTC()
		if _, err := c.record(EventTimerCreated, name, fireAt, nil); err != nil {
			return err
		}
	} else if err := decodePayload(ev.Payload, &fireAt); err != nil {
		return err
	}

	fired, err := c.next(name, EventTimerFired)
	if err != nil || fired != nil {
		return err
	}

	if err := sleepUntil(c.ctx, fireAt); err != nil {
		return err
	}
	_, err = c.record(EventTimerFired, name, nil, nil)
	return err
}

// WaitForExternalEvent blocks until an event with the given name is raised
// on this instance and decodes its payload into out. A positive timeout
// bounds the wait; expiry yields a permanent TIMEOUT error.
func (c *OrchestrationContext) WaitForExternalEvent(name string, timeout time.Duration, out any) error {
	_, err := c.WaitForAnyExternalEvent([]string{name}, timeout, out)
	return err
}

// WaitForAnyExternalEvent waits for the first event raised under any of
// names and returns the name it arrived under. The timeout behaves as in
// WaitForExternalEvent.
func (c *OrchestrationContext) WaitForAnyExternalEvent(names []string, timeout time.Duration, out any) (string, error) {
	if len(names) == 0 {
		return "", NewValidationError("no event names to wait for", nil).WithResource(c.instance.ID)
	}

	var deadline time.Time
	if timeout > 0 {
		ev, err := c.next(names[0], EventTimerCreated)
		if err != nil {
			return "", err
		}
		if ev == nil {
			deadline = time.Now().Add(timeout).UTC()
			if _, err := c.record(EventTimerCreated, names[0], deadline, nil); err != nil {
				return "", err
			}
		} else if err := decodePayload(ev.Payload, &deadline); err != nil {
			return "", err
		}
	}

	ev, err := c.nextAny(names, EventExternalEventReceived, EventExternalEventTimedOut)
	if err != nil {
		return "", err
	}
	if ev == nil {
		if ev, err = c.awaitEvent(names, deadline); err != nil {
			return "", err
		}
	}

	if ev.Type == EventExternalEventTimedOut {
		return "", NewPermanentError("timed out waiting for external event", nil).
			WithCode(ErrCodeTimeout).
			WithResource(c.instance.ID).
			WithDetail("event", strings.Join(names, ",")).
			WithDetail("timeout", timeout.String())
	}
	return ev.Name, decodePayload(ev.Payload, out)
}

func (c *OrchestrationContext) awaitEvent(names []string, deadline time.Time) (*HistoryEvent, error) {
	signal := c.runner.subscribe(c.instance.ID)
	defer c.runner.unsubscribe(c.instance.ID)

	poll := time.NewTicker(c.runner.opts.EventPollInterval)
	defer poll.Stop()

	var expired <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		expired = t.C
	}

	for {
		for _, name := range names {
			ev := HistoryEvent{
				InstanceID: c.instance.ID,
				Seq:        c.seq,
				Type:       EventExternalEventReceived,
				Name:       name,
				Timestamp:  time.Now().UTC(),
			}
			found, err := c.runner.store.ConsumeEvent(c.ctx, c.instance.ID, name, &ev)
			if err != nil {
				if c.ctx.Err() != nil {
					return nil, c.ctx.Err()
				}
				return nil, NewTransientError("failed to read inbox", err).WithResource(c.instance.ID)
			}
			if found {
				c.history = append(c.history, ev)
				c.seq++
				return &c.history[len(c.history)-1], nil
			}
		}

		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return c.record(EventExternalEventTimedOut, names[0], nil, nil)
		}

		select {
		case <-c.ctx.Done():
			return nil, c.ctx.Err()
		case <-signal:
		case <-expired:
		case <-poll.C:
		}
	}
}

// NewGUID returns a new unique ID that stays stable across replays.
func (c *OrchestrationContext) NewGUID() (string, error) {
	const name = "guid"

	ev, err := c.next(name, EventGUIDCreated)
	if err != nil {
		return "", err
	}
	if ev == nil {
		if ev, err = c.record(EventGUIDCreated, name, uuid.New().String(), nil); err != nil {
			return "", err
		}
	}

	var id string
	err = decodePayload(ev.Payload, &id)
	return id, err
}

// CurrentTime returns the wall clock time, recorded on first execution.
func (c *OrchestrationContext) CurrentTime() (time.Time, error) {
	const name = "now"

	ev, err := c.next(name, EventTimeRecorded)
	if err != nil {
		return time.Time{}, err
	}
	if ev == nil {
		if ev, err = c.record(EventTimeRecorded, name, time.Now().UTC(), nil); err != nil {
			return time.Time{}, err
		}
	}

	var now time.Time
	err = decodePayload(ev.Payload, &now)
	return now, err
}

// ContinueAsNew builds the error a workflow body returns to restart itself
// after delay with input and an empty step log. Locks held by the instance
// are released before the restart.
func (c *OrchestrationContext) ContinueAsNew(input any, delay time.Duration) error {
	data, err := json.Marshal(input)
	if err != nil {
		return NewPermanentError("failed to encode continue-as-new input", err)
	}
	return &ContinueAsNewError{Input: data, Delay: delay}
}

// Lock acquires the given resource locks in global order and returns a
// LockSet releasing them. Acquisition retries LOCK_TIMEOUT failures with
// the runner's lock retry policy.
func (c *OrchestrationContext) Lock(keys ...LockKey) (*LockSet, error) {
	sorted := SortLockKeys(keys)
	set := &LockSet{octx: c}

	for _, key := range sorted {
		ev, err := c.next(key.String(), EventLockAcquired)
		if err != nil {
			return nil, err
		}
		if ev == nil {
			if err := c.runner.locks.AcquireWithRetry(c.ctx, c.instance.ID, key); err != nil {
				set.Release()
				return nil, err
			}
			if _, err := c.record(EventLockAcquired, key.String(), key, nil); err != nil {
				_ = c.runner.locks.Release(context.WithoutCancel(c.ctx), c.instance.ID, key)
				set.Release()
				return nil, err
			}
		}
		set.keys = append(set.keys, key)
	}
	return set, nil
}

// LockSet is a group of locks held by one instance.
type LockSet struct {
	octx *OrchestrationContext
	keys []LockKey
}

// Keys returns the held keys in acquisition order.
func (l *LockSet) Keys() []LockKey {
	return l.keys
}

// Release frees the locks in reverse acquisition order. Failures are
// logged; the runner frees anything left over when the instance finishes.
func (l *LockSet) Release() {
	c := l.octx
	for i := len(l.keys) - 1; i >= 0; i-- {
		key := l.keys[i]
		ev, err := c.next(key.String(), EventLockReleased)
		if err != nil {
			return
		}
		if ev != nil {
			continue
		}
		if c.ctx.Err() != nil {
			return
		}
		if err := c.runner.locks.Release(c.ctx, c.instance.ID, key); err != nil {
			c.Logger().WithError(err).Warnf("failed to release lock %s", key)
		}
		if _, err := c.record(EventLockReleased, key.String(), nil, nil); err != nil {
			return
		}
	}
	l.keys = nil
}

// CallActivity runs an activity and returns its typed result.
func CallActivity[O any](c *OrchestrationContext, name string, input any) (O, error) {
	var out O
	err := c.CallActivity(name, input, &out)
	return out, err
}

// CallSubOrchestration runs a child workflow and returns its typed result.
func CallSubOrchestration[O any](c *OrchestrationContext, name, instanceID string, input any) (O, error) {
	var out O
	err := c.CallSubOrchestration(name, instanceID, input, &out)
	return out, err
}
