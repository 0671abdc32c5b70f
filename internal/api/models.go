package api

import (
	"encoding/json"
	"time"

	"github.com/phrazzld/captionq/internal/domain"
	"github.com/phrazzld/captionq/internal/health"
	"github.com/phrazzld/captionq/internal/queue"
	"github.com/phrazzld/captionq/internal/store"
	"github.com/phrazzld/captionq/internal/task"
)

// CreateTaskRequest is the body of POST /api/tasks.
type CreateTaskRequest struct {
	UserID   string `json:"user_id"  validate:"required,max=255"`
	Priority string `json:"priority"`
	// Kind defaults to caption_generation.
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"     validate:"required"`
	MaxRetries *int            `json:"max_retries" validate:"omitempty,gte=1,lte=20"`
}

// TaskResponse is the client view of a task.
type TaskResponse struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Priority        string          `json:"priority"`
	Kind            string          `json:"kind"`
	Status          string          `json:"status"`
	Progress        int             `json:"progress"`
	ProgressMessage string          `json:"progress_message,omitempty"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	ErrorDetail     string          `json:"error_detail,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	WorkerID        string          `json:"worker_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	EnqueuedAt      *time.Time      `json:"enqueued_at,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// DuplicateTaskResponse is returned with 409 when the user already has an
// active task.
type DuplicateTaskResponse struct {
	Error        string `json:"error"`
	ActiveTaskID string `json:"active_task_id,omitempty"`
	TraceID      string `json:"trace_id,omitempty"`
}

// CancelResponse is the body of DELETE /api/tasks/{id}.
type CancelResponse struct {
	ID      string `json:"id"`
	Outcome string `json:"outcome"`
}

// TaskEventsResponse lists a task's status history.
type TaskEventsResponse struct {
	ID     string            `json:"id"`
	Events []store.TaskEvent `json:"events"`
}

// ScaleRequest is the body of POST /api/workers/scale.
type ScaleRequest struct {
	Tier  string `json:"tier"  validate:"required,oneof=urgent high normal low"`
	Delta int    `json:"delta" validate:"ne=0,min=-64,max=64"`
}

// ScaleResponse reports the effect of a scale request.
type ScaleResponse struct {
	Tier    string `json:"tier"`
	Changed int    `json:"changed"`
	Units   int    `json:"units"`
}

// MigrateResponse reports a fallback drain.
type MigrateResponse struct {
	Imported int `json:"imported"`
	Pending  int `json:"pending"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Broker  health.Status     `json:"broker"`
	Queue   *queue.QueueStats `json:"queue,omitempty"`
	Workers *task.Health      `json:"workers,omitempty"`
}

func taskToResponse(t *domain.Task) TaskResponse {
	return TaskResponse{
		ID:              t.ID,
		UserID:          t.UserID,
		Priority:        string(t.Priority),
		Kind:            t.Payload.Kind,
		Status:          string(t.Status),
		Progress:        t.Progress,
		ProgressMessage: t.ProgressMessage,
		RetryCount:      t.RetryCount,
		MaxRetries:      t.Retry.MaxRetries,
		ErrorDetail:     t.ErrorDetail,
		Result:          t.Result,
		WorkerID:        t.WorkerID,
		CreatedAt:       t.CreatedAt,
		EnqueuedAt:      t.EnqueuedAt,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
	}
}
