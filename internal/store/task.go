package store

import (
	"context"
	"time"

	"github.com/phrazzld/captionq/internal/domain"
)

// TaskStore is the durable record of every task. It is the source of truth
// for completed work and the landing zone for tasks accepted while the broker
// is unreachable (rows with InBroker=false).
type TaskStore interface {
	// UpsertTask inserts or updates the row for task. inBroker records
	// whether the broker holds a copy. Returns ErrActiveTaskExists when
	// the write would give the user a second active row.
	UpsertTask(ctx context.Context, task *domain.Task, inBroker bool) error

	// CreateFallbackTask inserts a queued row that the broker does not know
	// about yet. Returns ErrActiveTaskExists when the user already has an
	// active row.
	CreateFallbackTask(ctx context.Context, task *domain.Task) error

	// RequeueFallback stores a queued task as a pending fallback row
	// (InBroker=false), inserting it when missing. A terminal row is left
	// unchanged.
	RequeueFallback(ctx context.Context, task *domain.Task) error

	// GetTask retrieves a task by ID. Returns ErrTaskNotFound if absent.
	GetTask(ctx context.Context, id string) (*domain.Task, error)

	// UpdateProgress records progress for a non-terminal task.
	UpdateProgress(ctx context.Context, id string, percent int, message string) error

	// ListPendingFallback returns up to limit queued rows not yet in the
	// broker, ordered by priority rank then creation time.
	ListPendingFallback(ctx context.Context, limit int) ([]*domain.Task, error)

	// MarkInBroker flags a fallback row as imported into the broker.
	MarkInBroker(ctx context.Context, id string) error

	// CountPendingFallback returns the number of rows ListPendingFallback
	// would eventually return.
	CountPendingFallback(ctx context.Context) (int, error)
}

// TaskEvent is one entry of a task's status history.
type TaskEvent struct {
	TaskID    string            `json:"task_id"`
	Status    domain.TaskStatus `json:"status"`
	Detail    string            `json:"detail,omitempty"`
	WorkerID  string            `json:"worker_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// TaskHistory is implemented by stores that keep a status history.
type TaskHistory interface {
	ListTaskEvents(ctx context.Context, id string) ([]TaskEvent, error)
}
