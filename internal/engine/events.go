package engine

import (
	"sync"
	"time"
)

// EventType identifies an observability event published by the engine.
type EventType string

const (
	// EventItemEnqueued is published when a work item enters the queue.
	EventItemEnqueued EventType = "item_enqueued"
	// EventItemCompleted is published when an item completes successfully.
	EventItemCompleted EventType = "item_completed"
	// EventItemFailed is published exactly once, when an item fails
	// terminally (retries exhausted or non-retryable).
	EventItemFailed EventType = "item_failed"
	// EventValidationHeld is published when a handler diverts an item into
	// the validation hold set.
	EventValidationHeld EventType = "validation_held"
	// EventCeremonyPhaseAdvanced is published by ceremony phase handlers.
	EventCeremonyPhaseAdvanced EventType = "ceremony_phase_advanced"
)

// Event is one published engine event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// Subscriber receives events for a subscribed type.
type Subscriber func(Event)

// Bus is a non-blocking publish/subscribe event stream. Delivery is
// asynchronous through buffered channels; a full subscriber channel drops the
// event rather than blocking the drive loop.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	closed      bool
}

// NewBus creates an event bus with the given per-subscriber buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber for one event type and returns an
// unsubscribe function. The subscriber runs on its own goroutine; panics in
// it are swallowed so they cannot disrupt publishers.
func (b *Bus) Subscribe(t EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[t] = append(b.subscribers[t], ch)

	go func() {
		for ev := range ch {
			func() {
				defer func() { _ = recover() }()
				fn(ev)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[t]
		for i, c := range subs {
			if c == ch {
				b.subscribers[t] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

// Publish delivers an event to every subscriber of its type without blocking.
func (b *Bus) Publish(t EventType, data map[string]interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	ev := Event{Type: t, Timestamp: time.Now().UTC(), Data: data}
	for _, ch := range b.subscribers[t] {
		select {
		case ch <- ev:
		default:
			// Subscriber is behind; drop rather than stall the engine.
		}
	}
}

// Close shuts down delivery and releases all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for t, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, t)
	}
}
