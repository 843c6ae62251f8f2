package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a lifecycle event of the command engine.
type Event struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	Type       string                 `json:"type"`
	Source     string                 `json:"source"`
	InstanceID string                 `json:"instance_id,omitempty"`
	CommandID  string                 `json:"command_id,omitempty"`
	EntityID   string                 `json:"entity_id,omitempty"`
	Message    string                 `json:"message"`
	Level      string                 `json:"level"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

const (
	EventTypeCommandAccepted       = "command.accepted"
	EventTypeCommandRunning        = "command.running"
	EventTypeCommandCompleted      = "command.completed"
	EventTypeCommandFailed         = "command.failed"
	EventTypeOrchestrationStarted  = "orchestration.started"
	EventTypeOrchestrationFinished = "orchestration.finished"
	EventTypeOrchestrationContinue = "orchestration.continued"
	EventTypeEntityStateChanged    = "entity.state_changed"
	EventTypeLockTimeout           = "lock.timeout"
	EventTypeDeploymentFinished    = "deployment.finished"
	EventTypeEternalRestarted      = "eternal.restarted"
	EventTypePolicyViolation       = "policy.violation"
)

const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var levelRank = map[string]int{
	EventLevelInfo:    0,
	EventLevelWarning: 1,
	EventLevelError:   2,
}

var (
	// ErrEventDropped is returned by an async publisher whose buffer is full.
	ErrEventDropped = errors.New("event buffer full, event dropped")
	// ErrPublisherStopped is returned after Shutdown.
	ErrPublisherStopped = errors.New("event publisher stopped")
)

// EventSubscriber handles one event.
type EventSubscriber func(event Event)

// EventFilter reports whether a subscriber wants an event.
type EventFilter func(event Event) bool

type subscription struct {
	handle EventSubscriber
	filter EventFilter
}

// EventPublisher fans lifecycle events out to subscribers. Each delivery
// runs in its own goroutine, so a slow subscriber never holds up the engine.
// In async mode events are queued and delivered in batches; a full queue
// drops the event. A nil or disabled publisher ignores everything.
type EventPublisher struct {
	config EventsConfig

	mu   sync.RWMutex
	subs []subscription

	queue chan Event
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewEventPublisher creates a publisher and, in async mode, starts its
// delivery loop.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled {
		return ep, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	ep.stop = make(chan struct{})
	ep.done = make(chan struct{})
	if cfg.EnableAsync {
		ep.queue = make(chan Event, cfg.BufferSize)
		go ep.run()
	} else {
		close(ep.done)
	}
	return ep, nil
}

func (ep *EventPublisher) enabled() bool {
	return ep != nil && ep.config.Enabled
}

// Subscribe registers fn for events passing filter. A nil filter accepts
// every event.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	if !ep.enabled() {
		return
	}
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{handle: fn, filter: filter})
	ep.mu.Unlock()
}

// Publish stamps event with an ID and timestamp when missing and hands it
// to the subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.enabled() {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case <-ep.stop:
		return ErrPublisherStopped
	default:
	}

	if ep.queue == nil {
		ep.deliver(event)
		return nil
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return ErrEventDropped
	}
}

func (ep *EventPublisher) deliver(events ...Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, ev := range events {
		for _, s := range ep.subs {
			if s.filter == nil || s.filter(ev) {
				go s.handle(ev)
			}
		}
	}
}

// run delivers queued events once MaxBatchSize of them are pending or the
// flush interval passes. On shutdown it drains the queue.
func (ep *EventPublisher) run() {
	defer close(ep.done)

	size := max(ep.config.MaxBatchSize, 1)
	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]Event, 0, size)
	flush := func() {
		if len(batch) > 0 {
			ep.deliver(batch...)
			batch = make([]Event, 0, size)
		}
	}

	for {
		select {
		case ev := <-ep.queue:
			if batch = append(batch, ev); len(batch) >= size {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ep.stop:
			for {
				select {
				case ev := <-ep.queue:
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Shutdown stops accepting events and waits for queued ones to be handed
// to subscribers.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.enabled() {
		return nil
	}
	ep.once.Do(func() { close(ep.stop) })
	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// FilterByLevel accepts events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := levelRank[minLevel]
	return func(ev Event) bool { return levelRank[ev.Level] >= floor }
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(ev Event) bool {
		_, ok := set[ev.Type]
		return ok
	}
}

// FilterByCommandID accepts events of one command.
func FilterByCommandID(commandID string) EventFilter {
	return func(ev Event) bool { return ev.CommandID == commandID }
}

func (ep *EventPublisher) PublishCommandAccepted(commandID, kind, action, principal string) error {
	return ep.Publish(Event{
		Type:       EventTypeCommandAccepted,
		Source:     "commands",
		InstanceID: commandID,
		CommandID:  commandID,
		Level:      EventLevelInfo,
		Message:    fmt.Sprintf("%s %s accepted from %s", action, kind, principal),
		Data:       map[string]interface{}{"kind": kind, "action": action, "principal": principal},
	})
}

func (ep *EventPublisher) PublishCommandRunning(commandID string) error {
	return ep.Publish(Event{
		Type:       EventTypeCommandRunning,
		Source:     "commands",
		InstanceID: commandID,
		CommandID:  commandID,
		Level:      EventLevelInfo,
		Message:    "command running",
	})
}

// PublishCommandFinished reports a terminal command result. A non-empty
// reason makes it a command.failed error event.
func (ep *EventPublisher) PublishCommandFinished(commandID, status string, duration time.Duration, reason string) error {
	ev := Event{
		Type:       EventTypeCommandCompleted,
		Source:     "commands",
		InstanceID: commandID,
		CommandID:  commandID,
		Level:      EventLevelInfo,
		Message:    "command " + status,
		Data:       map[string]interface{}{"status": status, "duration": duration.Seconds()},
	}
	if reason != "" {
		ev.Type = EventTypeCommandFailed
		ev.Level = EventLevelError
		ev.Message = "command " + status + ": " + reason
		ev.Data["reason"] = reason
	}
	return ep.Publish(ev)
}

func (ep *EventPublisher) PublishOrchestrationStarted(instanceID, workflow string) error {
	return ep.Publish(Event{
		Type:       EventTypeOrchestrationStarted,
		Source:     "runner",
		InstanceID: instanceID,
		Level:      EventLevelInfo,
		Message:    workflow + " started",
		Data:       map[string]interface{}{"workflow": workflow},
	})
}

func (ep *EventPublisher) PublishOrchestrationFinished(instanceID, workflow, status string) error {
	level := EventLevelInfo
	if status == "failed" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:       EventTypeOrchestrationFinished,
		Source:     "runner",
		InstanceID: instanceID,
		Level:      level,
		Message:    workflow + " " + status,
		Data:       map[string]interface{}{"workflow": workflow, "status": status},
	})
}

func (ep *EventPublisher) PublishOrchestrationContinued(instanceID, workflow string, generation int) error {
	return ep.Publish(Event{
		Type:       EventTypeOrchestrationContinue,
		Source:     "runner",
		InstanceID: instanceID,
		Level:      EventLevelInfo,
		Message:    fmt.Sprintf("%s continued as generation %d", workflow, generation),
		Data:       map[string]interface{}{"workflow": workflow, "generation": generation},
	})
}

func (ep *EventPublisher) PublishEntityStateChanged(instanceID, entityRef, oldState, newState string) error {
	return ep.Publish(Event{
		Type:       EventTypeEntityStateChanged,
		Source:     "orchestrations",
		InstanceID: instanceID,
		EntityID:   entityRef,
		Level:      EventLevelInfo,
		Message:    fmt.Sprintf("%s %s -> %s", entityRef, oldState, newState),
		Data:       map[string]interface{}{"old_state": oldState, "new_state": newState},
	})
}

func (ep *EventPublisher) PublishLockTimeout(instanceID, key, holder string) error {
	return ep.Publish(Event{
		Type:       EventTypeLockTimeout,
		Source:     "locks",
		InstanceID: instanceID,
		Level:      EventLevelWarning,
		Message:    fmt.Sprintf("timed out waiting for %s held by %s", key, holder),
		Data:       map[string]interface{}{"key": key, "holder": holder},
	})
}

func (ep *EventPublisher) PublishDeploymentFinished(instanceID, deploymentID, state string) error {
	level := EventLevelInfo
	if state != "succeeded" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:       EventTypeDeploymentFinished,
		Source:     "deployments",
		InstanceID: instanceID,
		Level:      level,
		Message:    fmt.Sprintf("deployment %s %s", deploymentID, state),
		Data:       map[string]interface{}{"deployment_id": deploymentID, "state": state},
	})
}

// PublishEternalRestarted is a warning: eternal orchestrations only start
// on first boot or after they stopped.
func (ep *EventPublisher) PublishEternalRestarted(instanceID, workflow string) error {
	return ep.Publish(Event{
		Type:       EventTypeEternalRestarted,
		Source:     "supervisor",
		InstanceID: instanceID,
		Level:      EventLevelWarning,
		Message:    workflow + " (re)started",
		Data:       map[string]interface{}{"workflow": workflow},
	})
}

func (ep *EventPublisher) PublishPolicyViolation(commandID, policy, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypePolicyViolation,
		Source:    "policy",
		CommandID: commandID,
		Level:     EventLevelError,
		Message:   policy + ": " + reason,
		Data:      map[string]interface{}{"policy": policy, "reason": reason},
	})
}
