// Package eventbus provides the asynchronous event bus the engine publishes run,
// batch and node lifecycle events on.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChannelEventBus is an implementation of EventBus using Go channels
type ChannelEventBus struct {
	// subscribers maps event types to a map of subscription IDs to event handlers
	subscribers map[EventType]map[string]EventHandler

	// allSubscribers contains handlers that receive all events regardless of type
	allSubscribers map[string]EventHandler

	// subMu protects the subscriber maps
	subMu sync.RWMutex

	// eventChan is the queue workers drain
	eventChan chan eventWithContext

	// pubMu guards closed and serialises Close against in-flight Publish calls
	pubMu  sync.RWMutex
	closed bool

	// wg keeps track of active workers
	wg sync.WaitGroup

	logger *slog.Logger

	// Configuration
	bufferSize    int
	workerCount   int
	maxRetries    int
	retryInterval time.Duration
}

// eventWithContext bundles an event with its context for processing
type eventWithContext struct {
	ctx   context.Context
	event Event
}

// ChannelEventBusOption configures the channel-based event bus
type ChannelEventBusOption func(*ChannelEventBus)

// WithBufferSize sets the event channel buffer size
func WithBufferSize(size int) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		if size >= 0 {
			eb.bufferSize = size
		}
	}
}

// WithWorkerCount sets the number of event processing workers
func WithWorkerCount(count int) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		if count > 0 {
			eb.workerCount = count
		}
	}
}

// WithRetries configures the retry behavior for event handlers
func WithRetries(maxRetries int, retryInterval time.Duration) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		eb.maxRetries = maxRetries
		eb.retryInterval = retryInterval
	}
}

// WithLogger sets the logger handler failures are reported to
func WithLogger(logger *slog.Logger) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		if logger != nil {
			eb.logger = logger
		}
	}
}

// NewChannelEventBus creates a new channel-based event bus
func NewChannelEventBus(options ...ChannelEventBusOption) *ChannelEventBus {
	eb := &ChannelEventBus{
		subscribers:    make(map[EventType]map[string]EventHandler),
		allSubscribers: make(map[string]EventHandler),
		logger:         slog.Default(),

		// Default configuration
		bufferSize:    100,
		workerCount:   5,
		maxRetries:    3,
		retryInterval: time.Millisecond * 100,
	}

	for _, option := range options {
		option(eb)
	}

	eb.eventChan = make(chan eventWithContext, eb.bufferSize)

	for i := 0; i < eb.workerCount; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}

	return eb
}

// worker processes events until the channel is closed and drained
func (eb *ChannelEventBus) worker() {
	defer eb.wg.Done()
	for evt := range eb.eventChan {
		eb.processEvent(evt)
	}
}

// processEvent handles the event dispatch to all relevant subscribers
func (eb *ChannelEventBus) processEvent(evt eventWithContext) {
	if evt.ctx.Err() != nil {
		return
	}

	// Copy the handlers so none runs under the lock; handlers may subscribe or
	// unsubscribe.
	eb.subMu.RLock()
	handlers := make([]EventHandler, 0, len(eb.subscribers[evt.event.Type()])+len(eb.allSubscribers))
	for _, handler := range eb.subscribers[evt.event.Type()] {
		handlers = append(handlers, handler)
	}
	for _, handler := range eb.allSubscribers {
		handlers = append(handlers, handler)
	}
	eb.subMu.RUnlock()

	for _, handler := range handlers {
		eb.executeHandler(evt.ctx, evt.event, handler)
	}
}

// executeHandler runs a handler with retry logic
func (eb *ChannelEventBus) executeHandler(ctx context.Context, event Event, handler EventHandler) {
	var err error

	for attempt := 0; attempt <= eb.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return
		}

		if err = handler(ctx, event); err == nil {
			return
		}

		if attempt == eb.maxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(eb.retryInterval):
		}
	}

	eb.logger.Warn("Event handler error",
		"event_type", event.Type(),
		"retries", eb.maxRetries,
		"error", err,
	)
}

// Publish queues an event for all subscribed handlers. It blocks while the
// buffer is full, until ctx is done.
func (eb *ChannelEventBus) Publish(ctx context.Context, event Event) error {
	eb.pubMu.RLock()
	defer eb.pubMu.RUnlock()

	if eb.closed {
		return fmt.Errorf("event bus is closed")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case eb.eventChan <- eventWithContext{ctx: ctx, event: event}:
		return nil
	}
}

func (eb *ChannelEventBus) isClosed() bool {
	eb.pubMu.RLock()
	defer eb.pubMu.RUnlock()
	return eb.closed
}

// Subscribe registers a handler for specific event types
func (eb *ChannelEventBus) Subscribe(eventTypes []EventType, handler EventHandler) (string, error) {
	if eb.isClosed() {
		return "", fmt.Errorf("event bus is closed")
	}
	if handler == nil {
		return "", fmt.Errorf("handler cannot be nil")
	}
	if len(eventTypes) == 0 {
		return "", fmt.Errorf("at least one event type is required")
	}

	subscriptionID := uuid.New().String()

	eb.subMu.Lock()
	defer eb.subMu.Unlock()

	for _, eventType := range eventTypes {
		if _, exists := eb.subscribers[eventType]; !exists {
			eb.subscribers[eventType] = make(map[string]EventHandler)
		}
		eb.subscribers[eventType][subscriptionID] = handler
	}

	return subscriptionID, nil
}

// SubscribeAll registers a handler for all event types
func (eb *ChannelEventBus) SubscribeAll(handler EventHandler) (string, error) {
	if eb.isClosed() {
		return "", fmt.Errorf("event bus is closed")
	}
	if handler == nil {
		return "", fmt.Errorf("handler cannot be nil")
	}

	subscriptionID := uuid.New().String()

	eb.subMu.Lock()
	defer eb.subMu.Unlock()
	eb.allSubscribers[subscriptionID] = handler

	return subscriptionID, nil
}

// Unsubscribe removes a subscription by ID
func (eb *ChannelEventBus) Unsubscribe(subscriptionID string) error {
	if eb.isClosed() {
		return fmt.Errorf("event bus is closed")
	}

	eb.subMu.Lock()
	defer eb.subMu.Unlock()

	delete(eb.allSubscribers, subscriptionID)
	for eventType := range eb.subscribers {
		delete(eb.subscribers[eventType], subscriptionID)
	}

	return nil
}

// Close stops accepting events, lets the workers drain the queue and waits for
// them to exit.
func (eb *ChannelEventBus) Close() error {
	eb.pubMu.Lock()
	if eb.closed {
		eb.pubMu.Unlock()
		return nil
	}
	eb.closed = true
	close(eb.eventChan)
	eb.pubMu.Unlock()

	eb.wg.Wait()
	return nil
}
