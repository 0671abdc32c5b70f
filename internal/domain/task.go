package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

// Possible task status values. Completed, failed and cancelled are terminal.
const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether s occupies the owning user's active slot.
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusQueued || s == TaskStatusRunning
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	return s.IsActive() || s.IsTerminal()
}

// MaxUserIDLength bounds the user identifier so broker keys stay small.
const MaxUserIDLength = 255

// Validation errors for Task.
var (
	ErrEmptyTaskID       = fmt.Errorf("%w: task ID cannot be empty", ErrValidation)
	ErrInvalidTaskID     = fmt.Errorf("%w: task ID must be a UUID", ErrValidation)
	ErrEmptyUserID       = fmt.Errorf("%w: user ID cannot be empty", ErrValidation)
	ErrUserIDTooLong     = fmt.Errorf("%w: user ID too long", ErrValidation)
	ErrInvalidPriority   = fmt.Errorf("%w: invalid priority", ErrValidation)
	ErrInvalidTaskStatus = fmt.Errorf("%w: invalid task status", ErrValidation)
	ErrInvalidMaxRetries = fmt.Errorf("%w: max retries cannot be negative", ErrValidation)
	ErrInvalidTransition = errors.New("invalid task status transition")
)

// Task is the unit of work carried through the broker. The serialized form
// of a Task is self-contained: workers need no secondary lookup to run it.
type Task struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Priority        Priority        `json:"priority"`
	Payload         Payload         `json:"payload"`
	Status          TaskStatus      `json:"status"`
	RetryCount      int             `json:"retry_count"`
	Retry           RetryPolicy     `json:"retry"`
	Progress        int             `json:"progress"`
	ProgressMessage string          `json:"progress_message,omitempty"`
	ErrorDetail     string          `json:"error_detail,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	WorkerID        string          `json:"worker_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	EnqueuedAt      *time.Time      `json:"enqueued_at,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// NewTask creates a queued task with a fresh UUID. Zero retry fields are
// filled from DefaultRetryPolicy.
func NewTask(userID string, priority Priority, payload Payload, retry RetryPolicy) (*Task, error) {
	t := &Task{
		ID:        uuid.NewString(),
		UserID:    userID,
		Priority:  priority,
		Payload:   payload,
		Status:    TaskStatusQueued,
		Retry:     retry.withDefaults(),
		CreatedAt: time.Now().UTC(),
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks the task's identity fields.
func (t *Task) Validate() error {
	if t.ID == "" {
		return ErrEmptyTaskID
	}
	if _, err := uuid.Parse(t.ID); err != nil {
		return ErrInvalidTaskID
	}
	if t.UserID == "" {
		return ErrEmptyUserID
	}
	if len(t.UserID) > MaxUserIDLength {
		return ErrUserIDTooLong
	}
	if !t.Priority.Valid() {
		return ErrInvalidPriority
	}
	if !t.Status.Valid() {
		return ErrInvalidTaskStatus
	}
	if t.Retry.MaxRetries < 0 {
		return ErrInvalidMaxRetries
	}
	return nil
}

// MarkEnqueued stamps the time the task entered a queue tier.
func (t *Task) MarkEnqueued(now time.Time) {
	now = now.UTC()
	t.EnqueuedAt = &now
}

// MarkRunning moves a queued task to running on behalf of workerID.
func (t *Task) MarkRunning(workerID string, now time.Time) error {
	if t.Status != TaskStatusQueued {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, TaskStatusRunning)
	}
	now = now.UTC()
	t.Status = TaskStatusRunning
	t.WorkerID = workerID
	t.StartedAt = &now
	return nil
}

// Release returns a running task to queued without consuming a retry, for
// example when its worker died or was stopped.
func (t *Task) Release() error {
	if t.Status != TaskStatusRunning && t.Status != TaskStatusQueued {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, TaskStatusQueued)
	}
	t.Status = TaskStatusQueued
	t.WorkerID = ""
	t.StartedAt = nil
	return nil
}

// Terminate moves the task to a terminal status. A task is terminated at
// most once; a second call returns ErrTaskTerminal.
func (t *Task) Terminate(status TaskStatus, detail string, now time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
	if t.Status.IsTerminal() {
		return ErrTaskTerminal
	}
	now = now.UTC()
	t.Status = status
	t.CompletedAt = &now
	t.WorkerID = ""
	if status == TaskStatusFailed {
		t.ErrorDetail = detail
	}
	if status == TaskStatusCompleted {
		t.Progress = 100
	}
	return nil
}

// ScheduleRetry records a failed attempt. It returns the delay before the
// next attempt, or exhausted=true when the retry budget is spent. On a retry
// the task is reset to queued so it can be pushed back onto its tier.
func (t *Task) ScheduleRetry() (delay time.Duration, exhausted bool) {
	t.RetryCount++
	if t.Retry.Exhausted(t.RetryCount) {
		return 0, true
	}
	t.Status = TaskStatusQueued
	t.WorkerID = ""
	t.StartedAt = nil
	t.Progress = 0
	t.ProgressMessage = ""
	return t.Retry.Backoff(t.RetryCount), false
}

// SetProgress records a progress update. percent is clamped to [0, 100] and
// the stored value is returned.
func (t *Task) SetProgress(percent int, message string) int {
	percent = max(0, min(100, percent))
	t.Progress = percent
	t.ProgressMessage = message
	return percent
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.Payload.Data = cloneRaw(t.Payload.Data)
	c.Result = cloneRaw(t.Result)
	c.EnqueuedAt = cloneTime(t.EnqueuedAt)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	return &c
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
