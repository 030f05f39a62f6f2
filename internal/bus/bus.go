package bus

import (
	"context"
	"sync"
)

// EventBus is a buffered publish/subscribe channel for sandbox events.
// Publishing never blocks the monitor loops: when the buffer is full
// the oldest event is dropped.
type EventBus struct {
	events chan Event

	mu          sync.RWMutex
	subscribers map[string][]func(Event)

	closed    chan struct{}
	closeOnce sync.Once
}

// NewEventBus creates a bus with the given buffer size.
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &EventBus{
		events:      make(chan Event, bufferSize),
		subscribers: make(map[string][]func(Event)),
		closed:      make(chan struct{}),
	}
}

// Publish enqueues an event, dropping the oldest queued event if the
// buffer is full.
func (b *EventBus) Publish(evt Event) {
	select {
	case <-b.closed:
		return
	default:
	}
	for {
		select {
		case b.events <- evt:
			return
		default:
			select {
			case <-b.events:
			default:
			}
		}
	}
}

// Subscribe registers a callback for an event type. The empty string
// subscribes to every event.
func (b *EventBus) Subscribe(eventType string, callback func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], callback)
}

// Dispatch delivers queued events to subscribers until the context is
// cancelled or the bus is closed. Callbacks run on their own goroutine
// with panic recovery so a bad subscriber cannot break the loop.
func (b *EventBus) Dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.closed:
			return
		case evt := <-b.events:
			b.mu.RLock()
			callbacks := append([]func(Event){}, b.subscribers[evt.Type]...)
			callbacks = append(callbacks, b.subscribers[""]...)
			b.mu.RUnlock()

			for _, cb := range callbacks {
				go func(callback func(Event)) {
					defer func() {
						_ = recover()
					}()
					callback(evt)
				}(cb)
			}
		}
	}
}

// Pending returns the number of undelivered events.
func (b *EventBus) Pending() int {
	return len(b.events)
}

// Close shuts the bus down. Further publishes are discarded.
func (b *EventBus) Close() {
	b.closeOnce.Do(func() { close(b.closed) })
}
