package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type EventType string

const (
	RunStarted   EventType = "run.started"
	RunExited    EventType = "run.exited"
	DataReceived EventType = "data.received"
	FrameDropped EventType = "frame.dropped"
	RunError     EventType = "run.error"
)

type Event struct {
	ID        string
	Type      EventType
	RunID     string
	Timestamp time.Time
	Data      map[string]interface{}
}

type Handler func(event Event)

// HandlerID uniquely identifies a subscription
type HandlerID string

type Bus struct {
	handlers  map[EventType]map[HandlerID]Handler
	mu        sync.RWMutex
	idCounter atomic.Uint64

	// Metrics for monitoring
	publishedEvents atomic.Uint64
	failedHandlers  atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType]map[HandlerID]Handler),
	}
}

// Subscribe adds a handler and returns an ID for unsubscribing
func (b *Bus) Subscribe(eventType EventType, handler Handler) HandlerID {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := HandlerID(fmt.Sprintf("%s-%d", eventType, b.idCounter.Add(1)))

	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[HandlerID]Handler)
	}
	b.handlers[eventType][id] = handler

	return id
}

// Unsubscribe removes a handler by ID
func (b *Bus) Unsubscribe(eventType EventType, id HandlerID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers, exists := b.handlers[eventType]
	if !exists {
		return fmt.Errorf("no handlers registered for event type %s", eventType)
	}
	if _, exists := handlers[id]; !exists {
		return fmt.Errorf("handler %s not found for event type %s", id, eventType)
	}

	delete(handlers, id)
	if len(handlers) == 0 {
		delete(b.handlers, eventType)
	}

	return nil
}

// UnsubscribeAll removes all handlers for an event type
func (b *Bus) UnsubscribeAll(eventType EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.handlers, eventType)
}

// Publish sends an event to all registered handlers. Delivery is
// synchronous: handlers run on the publishing goroutine, so events
// published from a single connection's read loop arrive in order.
func (b *Bus) Publish(event Event) {
	event.Timestamp = time.Now()
	event.ID = fmt.Sprintf("%d-%d", event.Timestamp.UnixNano(), b.idCounter.Add(1))

	b.publishedEvents.Add(1)

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type]))
	for _, h := range b.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.executeHandler(handler, event)
	}
}

// executeHandler runs a handler with panic recovery
func (b *Bus) executeHandler(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.failedHandlers.Add(1)
			fmt.Printf("event handler panic: %v\n", r)
		}
	}()
	handler(event)
}

// Metrics returns current bus counters
func (b *Bus) Metrics() map[string]uint64 {
	return map[string]uint64{
		"published_events": b.publishedEvents.Load(),
		"failed_handlers":  b.failedHandlers.Load(),
		"active_handlers":  uint64(b.handlerCount()),
	}
}

func (b *Bus) handlerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, handlers := range b.handlers {
		count += len(handlers)
	}
	return count
}
