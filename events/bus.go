package events

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Handler receives published events. Handlers must not block; long work
// belongs in the handler's own goroutine.
type Handler func(Event)

// Bus is an in-process pub/sub event bus with at-least-once delivery to
// local subscribers. Publish never blocks the publisher on a slow handler:
// delivery runs on a single dispatch goroutine per bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler // event type -> handlers
	wildcard []Handler            // receive everything

	queue  chan Event
	done   chan struct{}
	closed bool
}

// NewBus creates and starts a bus. Call Close on shutdown.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	b := &Bus{
		handlers: make(map[string][]Handler),
		queue:    make(chan Event, buffer),
		done:     make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe registers a handler for one event type
func (b *Bus) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// SubscribeAll registers a handler for every event
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcard = append(b.wildcard, h)
}

// Publish enqueues an event for delivery. Drops (with a warning) when the
// queue is full rather than blocking the trading path. The lock is held
// across the send so a racing Close cannot close the queue underneath it.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	select {
	case b.queue <- evt:
	default:
		log.Warn().
			Str("event", evt.EventType()).
			Msg("event bus queue full, dropping event")
	}
}

// Close drains and stops the dispatch goroutine
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.queue)
	<-b.done
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for evt := range b.queue {
		b.mu.RLock()
		typed := append([]Handler(nil), b.handlers[evt.EventType()]...)
		wild := append([]Handler(nil), b.wildcard...)
		b.mu.RUnlock()

		for _, h := range typed {
			b.deliver(h, evt)
		}
		for _, h := range wild {
			b.deliver(h, evt)
		}
	}
}

func (b *Bus) deliver(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", evt.EventType()).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	h(evt)
}
