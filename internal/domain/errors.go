package domain

import (
	"errors"
	"fmt"
)

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidPayload is returned when a task payload cannot be interpreted
	// for its declared kind.
	ErrInvalidPayload = errors.New("invalid task payload")

	// ErrDuplicateActiveTask is returned when a user already has a task that
	// is queued or running. Use errors.As with *DuplicateActiveTaskError to
	// obtain the ID of the active task.
	ErrDuplicateActiveTask = errors.New("user already has an active task")

	// ErrBrokerUnavailable is returned when the broker cannot be reached.
	// Callers inspect it with errors.Is; the concrete error is
	// *BrokerUnavailableError.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrTaskNotFound is returned when neither the broker nor the durable
	// store knows the requested task.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskTerminal is returned when an operation requires a non-terminal
	// task but the task already completed, failed or was cancelled.
	ErrTaskTerminal = errors.New("task already in a terminal state")

	// ErrTaskCancelled is returned by execution checkpoints when a
	// cancellation was requested for the running task.
	ErrTaskCancelled = errors.New("task cancelled")

	// ErrUnsupportedSchemaVersion is returned when a serialized task carries a
	// schema version this build does not understand.
	ErrUnsupportedSchemaVersion = errors.New("unsupported schema version")
)

// DuplicateActiveTaskError reports that a user already owns an active task.
type DuplicateActiveTaskError struct {
	UserID       string
	ActiveTaskID string
}

// Error implements the error interface.
func (e *DuplicateActiveTaskError) Error() string {
	if e.ActiveTaskID == "" {
		return fmt.Sprintf("user %s: %s", e.UserID, ErrDuplicateActiveTask)
	}
	return fmt.Sprintf("user %s: %s (%s)", e.UserID, ErrDuplicateActiveTask, e.ActiveTaskID)
}

// Unwrap returns ErrDuplicateActiveTask so errors.Is works on the sentinel.
func (e *DuplicateActiveTaskError) Unwrap() error {
	return ErrDuplicateActiveTask
}

// BrokerUnavailableError wraps a connection-level failure talking to the
// broker.
type BrokerUnavailableError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *BrokerUnavailableError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, ErrBrokerUnavailable, e.Err)
}

// Unwrap returns the underlying connection error.
func (e *BrokerUnavailableError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrBrokerUnavailable.
func (e *BrokerUnavailableError) Is(target error) bool {
	return target == ErrBrokerUnavailable
}

// NewBrokerUnavailableError wraps err for the named broker operation.
func NewBrokerUnavailableError(op string, err error) *BrokerUnavailableError {
	return &BrokerUnavailableError{Op: op, Err: err}
}

// TaskExecutionError is raised by an executor when a unit of work fails.
// Retryable errors are re-enqueued according to the task's retry policy,
// others fail the task immediately.
type TaskExecutionError struct {
	TaskID    string
	Retryable bool
	Err       error
}

// Error implements the error interface.
func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %s execution failed: %v", e.TaskID, e.Err)
}

// Unwrap returns the underlying cause.
func (e *TaskExecutionError) Unwrap() error {
	return e.Err
}

// NewTaskExecutionError creates a TaskExecutionError.
func NewTaskExecutionError(taskID string, retryable bool, err error) *TaskExecutionError {
	return &TaskExecutionError{TaskID: taskID, Retryable: retryable, Err: err}
}

// SerializationError reports a task record that could not be encoded or
// decoded. A task that fails to decode is failed without retry.
type SerializationError struct {
	Op     string
	TaskID string
	Err    error
}

// Error implements the error interface.
func (e *SerializationError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("%s task %s: %v", e.Op, e.TaskID, e.Err)
	}
	return fmt.Sprintf("%s task: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SerializationError) Unwrap() error {
	return e.Err
}

// CoordinationError reports a failure of worker bookkeeping such as a lost
// heartbeat. The affected worker stops claiming new work.
type CoordinationError struct {
	WorkerID string
	Op       string
	Err      error
}

// Error implements the error interface.
func (e *CoordinationError) Error() string {
	return fmt.Sprintf("worker %s: %s: %v", e.WorkerID, e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *CoordinationError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err should trigger a retry of the task that
// produced it. Serialization errors and cancellations never retry; execution
// errors carry their own flag; anything else is treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTaskCancelled) {
		return false
	}
	var serr *SerializationError
	if errors.As(err, &serr) {
		return false
	}
	var execErr *TaskExecutionError
	if errors.As(err, &execErr) {
		return execErr.Retryable
	}
	return true
}
