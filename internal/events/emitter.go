package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// InMemoryEventEmitter stores registered handlers in memory and dispatches
// events to them in registration order.
type InMemoryEventEmitter struct {
	handlers []namedHandler
	discards []namedDiscardHandler
	mu       sync.RWMutex
	logger   *slog.Logger
}

type namedHandler struct {
	name    string
	handler EventHandler
}

type namedDiscardHandler struct {
	name    string
	handler DiscardHandler
}

// NewInMemoryEventEmitter creates a new instance of InMemoryEventEmitter.
func NewInMemoryEventEmitter(logger *slog.Logger) *InMemoryEventEmitter {
	return &InMemoryEventEmitter{
		handlers: make([]namedHandler, 0),
		logger:   logger.With("component", "in_memory_event_emitter"),
	}
}

// RegisterHandler adds a new event handler to receive events. The name is only
// used for logging.
func (e *InMemoryEventEmitter) RegisterHandler(name string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, namedHandler{name: name, handler: handler})
	e.logger.Debug("registered new event handler", "handler", name, "handler_count", len(e.handlers))
}

// EmitEvent publishes the given event to all registered handlers.
// If any handler returns an error or panics, the event is still delivered to
// all other handlers, and the first error encountered is returned.
func (e *InMemoryEventEmitter) EmitEvent(ctx context.Context, event *CompletionEvent) error {
	e.mu.RLock()
	handlers := make([]namedHandler, len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.RUnlock()

	e.logger.Debug("emitting event",
		"event_id", event.ID,
		"task_id", event.TaskID,
		"outcome", event.Outcome,
		"handler_count", len(handlers))

	if len(handlers) == 0 {
		e.logger.Warn("no handlers registered for event",
			"event_id", event.ID,
			"task_id", event.TaskID)
		return nil
	}

	var firstErr error
	for _, h := range handlers {
		if err := safeHandle(ctx, h, event); err != nil {
			e.logger.Error("handler failed to process event",
				"error", err,
				"handler", h.name,
				"event_id", event.ID,
				"task_id", event.TaskID)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// safeHandle keeps a panicking handler from taking the emitting goroutine down.
func safeHandle(ctx context.Context, h namedHandler, event *CompletionEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", h.name, r)
		}
	}()
	return h.handler.HandleEvent(ctx, event)
}

// RegisterDiscardHandler adds a handler for discard events.
func (e *InMemoryEventEmitter) RegisterDiscardHandler(name string, handler DiscardHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.discards = append(e.discards, namedDiscardHandler{name: name, handler: handler})
	e.logger.Debug("registered new discard handler", "handler", name, "handler_count", len(e.discards))
}

// EmitDiscard delivers a discard event to every discard handler, with the same
// error and panic isolation as EmitEvent.
func (e *InMemoryEventEmitter) EmitDiscard(ctx context.Context, event *DiscardEvent) error {
	e.mu.RLock()
	handlers := make([]namedDiscardHandler, len(e.discards))
	copy(handlers, e.discards)
	e.mu.RUnlock()

	e.logger.Debug("emitting discard",
		"event_id", event.ID,
		"task_id", event.TaskID,
		"reason", event.Reason,
		"handler_count", len(handlers))

	var firstErr error
	for _, h := range handlers {
		if err := safeDiscard(ctx, h, event); err != nil {
			e.logger.Error("handler failed to process discard",
				"error", err,
				"handler", h.name,
				"event_id", event.ID,
				"task_id", event.TaskID)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func safeDiscard(ctx context.Context, h namedDiscardHandler, event *DiscardEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", h.name, r)
		}
	}()
	return h.handler.HandleDiscard(ctx, event)
}
