package eventbus

import (
	"context"
	"time"
)

// EventType represents the type of an event
type EventType string

// Standard event types
const (
	// Run lifecycle events
	EventRunStarted   EventType = "run_started"
	EventRunRejected  EventType = "run_rejected"
	EventRunCompleted EventType = "run_completed"
	EventRunPartial   EventType = "run_partial"
	EventRunFailed    EventType = "run_failed"

	// State machine events
	EventStateTransition EventType = "state_transition"

	// Batch events
	EventBatchStarted EventType = "batch_started"

	// Node events
	EventNodeSucceeded EventType = "node_succeeded"
	EventNodeFailed    EventType = "node_failed"
	EventNodeSkipped   EventType = "node_skipped"
	EventNodeTimedOut  EventType = "node_timed_out"

	// Async execution events
	EventAsyncSubmitted EventType = "async_submitted"
	EventAsyncCancelled EventType = "async_cancelled"

	// System events
	EventSystemError   EventType = "system_error"
	EventSystemWarning EventType = "system_warning"
)

// EventHandler is a function that handles events
type EventHandler func(context.Context, Event) error

// Event represents something that has happened within the engine
type Event interface {
	// Type returns the event type
	Type() EventType

	// Payload returns the event data
	Payload() any

	// Metadata returns additional information about the event
	Metadata() map[string]any

	// Timestamp returns when the event occurred
	Timestamp() int64

	// Source returns information about what generated the event
	Source() string
}

// EventBus is the central event dispatch system
type EventBus interface {
	// Publish queues an event for all subscribed handlers
	Publish(ctx context.Context, event Event) error

	// Subscribe registers a handler for specific event types and returns a
	// subscription ID that can be used to unsubscribe
	Subscribe(eventTypes []EventType, handler EventHandler) (string, error)

	// SubscribeAll registers a handler for all event types
	SubscribeAll(handler EventHandler) (string, error)

	// Unsubscribe removes a subscription by ID
	Unsubscribe(subscriptionID string) error

	// Close shuts down the event bus after draining queued events
	Close() error
}

// BaseEvent is a simple implementation of the Event interface
type BaseEvent struct {
	eventType  EventType
	payload    any
	metadata   map[string]any
	timestamp  int64
	sourceInfo string
}

// NewEvent creates a new BaseEvent
func NewEvent(eventType EventType, payload any, source string, metadata map[string]any) *BaseEvent {
	if metadata == nil {
		metadata = make(map[string]any)
	}

	return &BaseEvent{
		eventType:  eventType,
		payload:    payload,
		metadata:   metadata,
		timestamp:  time.Now().UnixNano(),
		sourceInfo: source,
	}
}

func (e *BaseEvent) Type() EventType          { return e.eventType }
func (e *BaseEvent) Payload() any             { return e.payload }
func (e *BaseEvent) Metadata() map[string]any { return e.metadata }
func (e *BaseEvent) Timestamp() int64         { return e.timestamp }
func (e *BaseEvent) Source() string           { return e.sourceInfo }

// WithMetadata adds or updates metadata and returns the same event
func (e *BaseEvent) WithMetadata(key string, value any) *BaseEvent {
	e.metadata[key] = value
	return e
}
