// Package events provides an in-process event bus. The risk engine publishes
// decisions on it and audit sinks subscribe without the engine knowing them.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the risk services
const (
	EventRiskDecision  = "login.risk.decision"
	EventBaselineReset = "login.risk.baseline_reset"
	EventModelTrained  = "login.risk.model_trained"
)

// Event represents a domain event
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Subject   string                 `json:"subject,omitempty"`
	Payload   map[string]interface{} `json:"payload"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// NewEvent creates a new event with auto-generated ID and timestamp
func NewEvent(eventType, source string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
		Metadata:  make(map[string]string),
	}
}

// WithTraceID adds a trace ID to the event
func (e Event) WithTraceID(traceID string) Event {
	e.TraceID = traceID
	return e
}

// WithSubject records the identity the event is about
func (e Event) WithSubject(subject string) Event {
	e.Subject = subject
	return e
}

// WithMetadata adds metadata to the event
func (e Event) WithMetadata(key, value string) Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// JSON serializes the event to JSON
func (e Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// EventHandler processes events
type EventHandler func(ctx context.Context, event Event) error

// Subscription represents an event subscription
type Subscription struct {
	ID        string
	EventType string
	Handler   EventHandler
}

// Bus is the event bus interface
type Bus interface {
	Publish(ctx context.Context, event Event) error
	PublishAsync(ctx context.Context, event Event)
	Subscribe(eventType string, handler EventHandler) *Subscription
	SubscribeAll(handler EventHandler) *Subscription
	Unsubscribe(sub *Subscription)
	Close() error
}

// MemoryBus is an in-memory event bus implementation
type MemoryBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*Subscription
	allHandlers   []*Subscription
	closed        bool
	wg            sync.WaitGroup
	errorHandler  func(error)
}

// NewMemoryBus creates a new in-memory event bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subscriptions: make(map[string][]*Subscription),
		errorHandler:  func(err error) {},
	}
}

// SetErrorHandler sets the error handler for async operations
func (b *MemoryBus) SetErrorHandler(handler func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errorHandler = handler
}

// Publish delivers an event to every matching subscriber in registration
// order and returns the last handler error
func (b *MemoryBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}

	handlers := make([]*Subscription, 0, len(b.subscriptions[event.Type])+len(b.allHandlers))
	handlers = append(handlers, b.subscriptions[event.Type]...)
	handlers = append(handlers, b.allHandlers...)
	b.mu.RUnlock()

	var lastErr error
	for _, sub := range handlers {
		if err := sub.Handler(ctx, event); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

// PublishAsync publishes an event on a background goroutine. The caller's
// cancellation does not propagate so request completion never drops an event.
func (b *MemoryBus) PublishAsync(ctx context.Context, event Event) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	ctx = context.WithoutCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.Publish(ctx, event); err != nil {
			b.mu.RLock()
			handler := b.errorHandler
			b.mu.RUnlock()
			handler(err)
		}
	}()
}

// Subscribe subscribes to events of a specific type
func (b *MemoryBus) Subscribe(eventType string, handler EventHandler) *Subscription {
	sub := &Subscription{
		ID:        uuid.New().String(),
		EventType: eventType,
		Handler:   handler,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions[eventType] = append(b.subscriptions[eventType], sub)

	return sub
}

// SubscribeAll subscribes to all events
func (b *MemoryBus) SubscribeAll(handler EventHandler) *Subscription {
	sub := &Subscription{
		ID:        uuid.New().String(),
		EventType: "*",
		Handler:   handler,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.allHandlers = append(b.allHandlers, sub)

	return sub
}

// Unsubscribe removes a subscription
func (b *MemoryBus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subscriptions[sub.EventType]; ok {
		for i, s := range subs {
			if s.ID == sub.ID {
				b.subscriptions[sub.EventType] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}

	for i, s := range b.allHandlers {
		if s.ID == sub.ID {
			b.allHandlers = append(b.allHandlers[:i], b.allHandlers[i+1:]...)
			return
		}
	}
}

// Drain blocks until all in-flight async publications have completed
func (b *MemoryBus) Drain() {
	b.wg.Wait()
}

// Close stops accepting events and waits for async handlers to complete
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
