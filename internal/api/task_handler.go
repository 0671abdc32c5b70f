package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/phrazzld/captionq/internal/api/shared"
	"github.com/phrazzld/captionq/internal/domain"
	"github.com/phrazzld/captionq/internal/queue"
	"github.com/phrazzld/captionq/internal/store"
)

// TaskQueue is the part of the queue manager used by producers.
type TaskQueue interface {
	Enqueue(ctx context.Context, task *domain.Task, priority domain.Priority) (string, error)
	Inspect(ctx context.Context, id string) (*domain.Task, error)
	Cancel(ctx context.Context, id string) (queue.CancelOutcome, error)
}

// TaskHandler serves the producer endpoints under /api/tasks.
type TaskHandler struct {
	queue   TaskQueue
	history store.TaskHistory
	retry   domain.RetryPolicy
	logger  *slog.Logger
}

// NewTaskHandler creates a TaskHandler. history may be nil, in which case
// the events endpoint answers 404. retry is attached to every new task;
// requests may only override its MaxRetries.
func NewTaskHandler(q TaskQueue, history store.TaskHistory, retry domain.RetryPolicy, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		queue:   q,
		history: history,
		retry:   retry,
		logger:  logger.With("component", "task_handler"),
	}
}

// CreateTask handles POST /api/tasks.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
		return
	}

	kind := strings.TrimSpace(req.Kind)
	if kind == "" {
		kind = domain.PayloadKindCaption
	}
	payload, err := domain.NewPayload(kind, req.Payload)
	if err != nil {
		HandleAPIError(w, r, err, "Invalid task payload")
		return
	}
	if kind == domain.PayloadKindCaption {
		if _, err := payload.CaptionRequest(); err != nil {
			HandleAPIError(w, r, err, "Invalid task payload")
			return
		}
	}

	retry := h.retry
	if req.MaxRetries != nil {
		retry.MaxRetries = *req.MaxRetries
	}

	// Unknown priorities are passed through so the queue manager records
	// the downgrade.
	requested := domain.Priority(req.Priority)
	priority, ok := domain.ParsePriority(req.Priority)
	if ok || strings.TrimSpace(req.Priority) == "" {
		requested = priority
	}

	task, err := domain.NewTask(req.UserID, priority, payload, retry)
	if err != nil {
		HandleAPIError(w, r, err, "Invalid task")
		return
	}

	if _, err := h.queue.Enqueue(r.Context(), task, requested); err != nil {
		var dup *domain.DuplicateActiveTaskError
		if errors.As(err, &dup) {
			shared.RespondWithJSON(w, r, http.StatusConflict, DuplicateTaskResponse{
				Error:        GetSafeErrorMessage(err),
				ActiveTaskID: dup.ActiveTaskID,
				TraceID:      shared.GetTraceID(r.Context()),
			})
			return
		}
		HandleAPIError(w, r, err, "Failed to enqueue task")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusAccepted, taskToResponse(task))
}

// GetTask handles GET /api/tasks/{id}.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := getPathTaskID(r)
	if err != nil {
		HandleAPIError(w, r, err, "Invalid task id")
		return
	}
	task, err := h.queue.Inspect(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to load task")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(task))
}

// CancelTask handles DELETE /api/tasks/{id}.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := getPathTaskID(r)
	if err != nil {
		HandleAPIError(w, r, err, "Invalid task id")
		return
	}
	outcome, err := h.queue.Cancel(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to cancel task")
		return
	}
	h.logger.InfoContext(r.Context(), "task cancel requested", "task_id", id, "outcome", string(outcome))
	shared.RespondWithJSON(w, r, http.StatusOK, CancelResponse{ID: id, Outcome: string(outcome)})
}

// GetTaskEvents handles GET /api/tasks/{id}/events.
func (h *TaskHandler) GetTaskEvents(w http.ResponseWriter, r *http.Request) {
	id, err := getPathTaskID(r)
	if err != nil {
		HandleAPIError(w, r, err, "Invalid task id")
		return
	}
	if h.history == nil {
		shared.RespondWithError(w, r, http.StatusNotFound, "Task history not available")
		return
	}
	events, err := h.history.ListTaskEvents(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to load task history")
		return
	}
	if len(events) == 0 {
		HandleAPIError(w, r, domain.ErrTaskNotFound, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, TaskEventsResponse{ID: id, Events: events})
}
