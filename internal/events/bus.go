// Package events implements the asynchronous publish-subscribe spine of
// the supervisor and defines the event vocabulary flowing between the
// executor gateway, the supervisor, the notifiers and the CLI.
package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// Bus fans events out to subscribed handlers. Handlers run in their own
// goroutines so a slow consumer cannot stall an engine cycle.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]handlerEntry
	stopped  bool
	wg       sync.WaitGroup
}

type handlerEntry struct {
	name    string
	handler HandlerFunc
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Type][]handlerEntry)}
}

// Subscribe registers a named handler for an event type. The name is used
// for logging only.
func (b *Bus) Subscribe(eventType Type, name string, handler HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handlerEntry{name: name, handler: handler})
	log.Debug().Str("event", string(eventType)).Str("handler", name).Msg("subscribed to event")
}

// Emit publishes an event to all subscribed handlers asynchronously.
// Handler panics are recovered and logged; handler errors are logged.
func (b *Bus) Emit(ctx context.Context, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.stopped {
		return
	}
	handlers := b.handlers[event.Type]
	if len(handlers) == 0 {
		return
	}

	for _, h := range handlers {
		h := h
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Str("event", string(event.Type)).
						Str("handler", h.name).
						Interface("panic", r).
						Msg("event handler panicked")
				}
			}()
			if err := h.handler(ctx, event); err != nil {
				log.Error().
					Err(err).
					Str("event", string(event.Type)).
					Str("handler", h.name).
					Msg("event handler returned error")
			}
		}()
	}
}

// Stop rejects further events and waits for in-flight handlers.
func (b *Bus) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	b.wg.Wait()
	log.Info().Msg("event bus stopped")
}

// HandlerCount returns the number of handlers for an event type.
func (b *Bus) HandlerCount(eventType Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}
