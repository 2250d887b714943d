package inbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Handler processes one leased inbox message. A nil return marks the message
// processed; an error schedules a retry until the attempt budget runs out.
type Handler func(ctx context.Context, message *Message) error

// Registry stores handlers by event name.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register binds a handler to an event name. Binding the same name twice is
// an error; processing order must never depend on registration order.
func (registry *Registry) Register(eventName string, handler Handler) error {
	if registry == nil {
		return ErrRegistryRequired
	}

	normalizedName := strings.TrimSpace(eventName)
	if normalizedName == "" {
		return ErrEventNameRequired
	}

	if handler == nil {
		return ErrHandlerRequired
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if registry.handlers == nil {
		registry.handlers = make(map[string]Handler)
	}

	if _, exists := registry.handlers[normalizedName]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyBound, normalizedName)
	}

	registry.handlers[normalizedName] = handler

	return nil
}

// Lookup returns the handler bound to the event name.
func (registry *Registry) Lookup(eventName string) (Handler, bool) {
	if registry == nil {
		return nil, false
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	handler, ok := registry.handlers[strings.TrimSpace(eventName)]

	return handler, ok
}

// Handle routes the message to its handler.
func (registry *Registry) Handle(ctx context.Context, message *Message) error {
	if registry == nil {
		return ErrRegistryRequired
	}

	if message == nil {
		return ErrMessageRequired
	}

	handler, ok := registry.Lookup(message.EventName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandlerForEventName, message.EventName)
	}

	return handler(ctx, message)
}
