package sweep

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/seventv/txcore/txcore/event"
)

// Handler reconciles one stored event. Returning nil marks the event as
// indexed.
type Handler func(ctx context.Context, ev event.StoredEvent) error

// HandlerRegistry routes stored events to handlers by event kind.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: map[string]Handler{}}
}

// Register binds handler to kind. A kind can be bound once.
func (registry *HandlerRegistry) Register(kind string, handler Handler) error {
	if registry == nil {
		return ErrHandlerRegistryRequired
	}

	kind = strings.TrimSpace(kind)
	if kind == "" {
		return ErrEventKindRequired
	}

	if handler == nil {
		return ErrEventHandlerRequired
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if registry.handlers == nil {
		registry.handlers = make(map[string]Handler)
	}

	if _, exists := registry.handlers[kind]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, kind)
	}

	registry.handlers[kind] = handler

	return nil
}

// SetFallback sets the handler for kinds without a dedicated one.
func (registry *HandlerRegistry) SetFallback(handler Handler) error {
	if registry == nil {
		return ErrHandlerRegistryRequired
	}

	if handler == nil {
		return ErrEventHandlerRequired
	}

	registry.mu.Lock()
	registry.fallback = handler
	registry.mu.Unlock()

	return nil
}

// Handle runs the handler bound to ev.Kind, or the fallback.
func (registry *HandlerRegistry) Handle(ctx context.Context, ev event.StoredEvent) error {
	if registry == nil {
		return ErrHandlerRegistryRequired
	}

	kind := strings.TrimSpace(ev.Kind)
	if kind == "" {
		return ErrEventKindRequired
	}

	registry.mu.RLock()
	handler, ok := registry.handlers[kind]
	if !ok {
		handler = registry.fallback
	}
	registry.mu.RUnlock()

	if handler == nil {
		return fmt.Errorf("%w: %s", ErrHandlerNotRegistered, kind)
	}

	return handler(ctx, ev)
}
