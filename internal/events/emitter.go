package events

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
)

// InMemoryEventEmitter delivers each event synchronously to its handlers in
// registration order.
type InMemoryEventEmitter struct {
	mu       sync.RWMutex
	handlers []EventHandler
	logger   *slog.Logger
}

var _ EventEmitter = (*InMemoryEventEmitter)(nil)

// NewInMemoryEventEmitter creates an emitter with no handlers.
func NewInMemoryEventEmitter(logger *slog.Logger) *InMemoryEventEmitter {
	return &InMemoryEventEmitter{logger: logger.With("component", "event_emitter")}
}

// RegisterHandler appends handler to the delivery list.
func (e *InMemoryEventEmitter) RegisterHandler(handler EventHandler) {
	e.mu.Lock()
	e.handlers = append(e.handlers, handler)
	n := len(e.handlers)
	e.mu.Unlock()
	e.logger.Debug("event handler registered", "handlers", n)
}

// EmitEvent hands event to every handler. A failing handler does not stop
// delivery to the rest; the returned error joins all failures.
func (e *InMemoryEventEmitter) EmitEvent(ctx context.Context, event *TaskEvent) error {
	e.mu.RLock()
	handlers := slices.Clone(e.handlers)
	e.mu.RUnlock()

	var errs []error
	for i, handler := range handlers {
		if err := handler.HandleEvent(ctx, event); err != nil {
			e.logger.WarnContext(ctx, "event handler failed",
				"handler", i,
				"event_type", event.Type,
				"task_id", event.TaskID,
				"status", string(event.Status),
				"error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
