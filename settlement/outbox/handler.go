package outbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// EventHandler delivers one outbox event, usually to a broker. A nil error
// means the event may be marked PUBLISHED.
type EventHandler func(ctx context.Context, event *Event) error

// HandlerRegistry routes events to handlers by event type. Types are matched
// after trimming surrounding space.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: map[string]EventHandler{}}
}

// Register binds handler to eventType. A type may be bound once.
func (registry *HandlerRegistry) Register(eventType string, handler EventHandler) error {
	return registry.RegisterAll(handler, eventType)
}

// RegisterAll binds one handler to several event types, as when every
// listing event goes to the same exchange. Nothing is registered when any
// type is blank or already bound.
func (registry *HandlerRegistry) RegisterAll(handler EventHandler, eventTypes ...string) error {
	if registry == nil {
		return ErrHandlerRegistryRequired
	}

	if handler == nil {
		return ErrEventHandlerRequired
	}

	if len(eventTypes) == 0 {
		return ErrEventTypeRequired
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if registry.handlers == nil {
		registry.handlers = make(map[string]EventHandler)
	}

	normalized := make(map[string]struct{}, len(eventTypes))

	for _, eventType := range eventTypes {
		name := strings.TrimSpace(eventType)
		if name == "" {
			return ErrEventTypeRequired
		}

		_, bound := registry.handlers[name]
		_, repeated := normalized[name]

		if bound || repeated {
			return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, name)
		}

		normalized[name] = struct{}{}
	}

	for name := range normalized {
		registry.handlers[name] = handler
	}

	return nil
}

// Types returns the registered event types, sorted.
func (registry *HandlerRegistry) Types() []string {
	if registry == nil {
		return nil
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	types := make([]string, 0, len(registry.handlers))
	for name := range registry.handlers {
		types = append(types, name)
	}

	sort.Strings(types)

	return types
}

// Handle delivers event through the handler bound to its type.
// ErrHandlerNotRegistered is non-retryable, so the dispatcher parks such
// events as INVALID.
func (registry *HandlerRegistry) Handle(ctx context.Context, event *Event) error {
	if registry == nil {
		return ErrHandlerRegistryRequired
	}

	if event == nil {
		return ErrEventRequired
	}

	eventType := strings.TrimSpace(event.EventType)
	if eventType == "" {
		return ErrEventTypeRequired
	}

	registry.mu.RLock()
	handler, ok := registry.handlers[eventType]
	registry.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrHandlerNotRegistered, eventType)
	}

	return handler(ctx, event)
}
