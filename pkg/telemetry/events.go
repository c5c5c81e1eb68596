package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event is one entry in the task execution timeline.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	TaskID    string                 `json:"task_id,omitempty"`
	StepID    string                 `json:"step_id,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeTaskSubmitted  = "task.submitted"
	EventTypeTaskPlanned    = "task.planned"
	EventTypeTaskStarted    = "task.started"
	EventTypeTaskReplanned  = "task.replanned"
	EventTypeTaskDebugging  = "task.debugging"
	EventTypeTaskCompleted  = "task.completed"
	EventTypeTaskFailed     = "task.failed"
	EventTypeTaskCancelled  = "task.cancelled"
	EventTypeStepStarted    = "step.started"
	EventTypeStepRetrying   = "step.retrying"
	EventTypeStepCompleted  = "step.completed"
	EventTypeStepFailed     = "step.failed"
	EventTypeStepUnverified = "step.unverified"
	EventTypePolicyDenied   = "policy.denied"
)

// Event levels, in increasing severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles one event.
type EventSubscriber func(event Event)

// EventFilter reports whether a subscriber wants an event. A nil filter
// accepts everything.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. In async mode each
// subscriber has its own queue and goroutine, so it sees events in publish
// order and a slow subscriber only loses its own events.
type EventPublisher struct {
	config EventsConfig

	mu          sync.RWMutex
	subscribers []*subscription
	closed      bool
	wg          sync.WaitGroup
	dropped     atomic.Uint64
}

type subscription struct {
	handle EventSubscriber
	filter EventFilter
	queue  chan Event
}

// NewEventPublisher creates a publisher. A disabled publisher accepts and
// discards everything.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if cfg.Enabled && cfg.EnableAsync && cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}
	return &EventPublisher{config: cfg}, nil
}

func (ep *EventPublisher) enabled() bool {
	return ep != nil && ep.config.Enabled
}

// Subscribe registers handle for events accepted by filter. Subscriptions
// made after Shutdown are ignored.
func (ep *EventPublisher) Subscribe(handle EventSubscriber, filter EventFilter) {
	if !ep.enabled() {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.closed {
		return
	}

	sub := &subscription{handle: handle, filter: filter}
	if ep.config.EnableAsync {
		sub.queue = make(chan Event, ep.config.BufferSize)
		ep.wg.Add(1)
		go func() {
			defer ep.wg.Done()
			for event := range sub.queue {
				sub.handle(event)
			}
		}()
	}
	ep.subscribers = append(ep.subscribers, sub)
}

// Publish stamps event with an ID and time when missing and delivers it.
// It never blocks on a subscriber in async mode; an event that does not fit
// a subscriber's queue is dropped for that subscriber and counted.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.enabled() {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if ep.closed {
		return fmt.Errorf("event publisher stopped")
	}

	var lost int
	for _, sub := range ep.subscribers {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		if sub.queue == nil {
			sub.handle(event)
			continue
		}
		select {
		case sub.queue <- event:
		default:
			lost++
		}
	}
	if lost > 0 {
		ep.dropped.Add(uint64(lost))
		return fmt.Errorf("event %s dropped for %d subscriber(s)", event.Type, lost)
	}
	return nil
}

// Dropped returns how many deliveries were lost to full queues.
func (ep *EventPublisher) Dropped() uint64 {
	if ep == nil {
		return 0
	}
	return ep.dropped.Load()
}

// PublishTaskEvent publishes an event about a task.
func (ep *EventPublisher) PublishTaskEvent(taskID, eventType, level, message string, data map[string]interface{}) error {
	return ep.Publish(Event{
		Type:    eventType,
		Source:  "engine",
		TaskID:  taskID,
		Message: message,
		Level:   level,
		Data:    data,
	})
}

// PublishStepEvent publishes an event about a step of a task.
func (ep *EventPublisher) PublishStepEvent(taskID, stepID, eventType, level, message string, data map[string]interface{}) error {
	return ep.Publish(Event{
		Type:    eventType,
		Source:  "engine",
		TaskID:  taskID,
		StepID:  stepID,
		Message: message,
		Level:   level,
		Data:    data,
	})
}

// PublishPolicyDenied publishes a policy denial for a step.
func (ep *EventPublisher) PublishPolicyDenied(taskID, stepID, policyName, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyDenied,
		Source:  "policy",
		TaskID:  taskID,
		StepID:  stepID,
		Message: fmt.Sprintf("Policy %s denied step %s: %s", policyName, stepID, reason),
		Level:   EventLevelError,
		Data:    map[string]interface{}{"policy": policyName, "reason": reason},
	})
}

// Shutdown stops accepting events and waits until every queued event has
// been handled or ctx is done.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.enabled() {
		return nil
	}

	ep.mu.Lock()
	if !ep.closed {
		ep.closed = true
		for _, sub := range ep.subscribers {
			if sub.queue != nil {
				close(sub.queue)
			}
		}
	}
	ep.mu.Unlock()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

var levelRank = map[string]int{
	EventLevelInfo:    0,
	EventLevelWarning: 1,
	EventLevelError:   2,
}

// FilterByLevel accepts events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := levelRank[minLevel]
	return func(event Event) bool {
		return levelRank[event.Level] >= floor
	}
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(event Event) bool {
		_, ok := set[event.Type]
		return ok
	}
}

// FilterByTaskID accepts events of one task.
func FilterByTaskID(taskID string) EventFilter {
	return func(event Event) bool {
		return event.TaskID == taskID
	}
}
