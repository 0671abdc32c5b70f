package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/captionq/internal/domain"
)

// Event types.
const (
	TypeProgress = "task.progress"
	TypeTerminal = "task.terminal"
)

// TaskEvent is a notification about one task.
type TaskEvent struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	// Type is TypeProgress or TypeTerminal
	Type string `json:"type"`

	TaskID      string            `json:"task_id"`
	UserID      string            `json:"user_id"`
	Status      domain.TaskStatus `json:"status"`
	Progress    int               `json:"progress"`
	Message     string            `json:"message,omitempty"`
	ErrorDetail string            `json:"error_detail,omitempty"`
	Result      json.RawMessage   `json:"result,omitempty"`

	// CreatedAt is the timestamp when the event was created
	CreatedAt time.Time `json:"created_at"`
}

// NewProgressEvent builds a progress notification for task.
func NewProgressEvent(task *domain.Task) *TaskEvent {
	return &TaskEvent{
		ID:        uuid.New(),
		Type:      TypeProgress,
		TaskID:    task.ID,
		UserID:    task.UserID,
		Status:    task.Status,
		Progress:  task.Progress,
		Message:   task.ProgressMessage,
		CreatedAt: time.Now().UTC(),
	}
}

// NewTerminalEvent builds the final notification for task.
func NewTerminalEvent(task *domain.Task) *TaskEvent {
	return &TaskEvent{
		ID:          uuid.New(),
		Type:        TypeTerminal,
		TaskID:      task.ID,
		UserID:      task.UserID,
		Status:      task.Status,
		Progress:    task.Progress,
		Message:     task.ProgressMessage,
		ErrorDetail: task.ErrorDetail,
		Result:      task.Result,
		CreatedAt:   time.Now().UTC(),
	}
}

// EventHandler defines an interface for components that can handle events.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	// Returns an error if the event cannot be handled successfully.
	HandleEvent(ctx context.Context, event *TaskEvent) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, event *TaskEvent) error

// HandleEvent calls f.
func (f EventHandlerFunc) HandleEvent(ctx context.Context, event *TaskEvent) error {
	return f(ctx, event)
}

// EventEmitter defines an interface for components that can emit events.
// This allows the worker side to publish events without direct knowledge of
// who consumes them.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	// Returns an error if the event cannot be emitted.
	EmitEvent(ctx context.Context, event *TaskEvent) error
}
