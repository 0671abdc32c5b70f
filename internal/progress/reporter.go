// Package progress records task progress in the durable store and announces
// it to the notification layer.
package progress

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/captionq/internal/domain"
	"github.com/phrazzld/captionq/internal/events"
	"github.com/phrazzld/captionq/internal/redact"
	"github.com/phrazzld/captionq/internal/store"
)

// Reporter writes progress and terminal states. Store writes are the
// authoritative part; event delivery is best effort and its failures are
// only logged.
type Reporter struct {
	store   store.TaskStore
	emitter events.EventEmitter
	logger  *slog.Logger
}

// NewReporter creates a Reporter. emitter may be nil, in which case nothing
// is announced.
func NewReporter(taskStore store.TaskStore, emitter events.EventEmitter, logger *slog.Logger) (*Reporter, error) {
	if taskStore == nil {
		return nil, fmt.Errorf("task store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Reporter{
		store:   taskStore,
		emitter: emitter,
		logger:  logger.With("component", "progress_reporter"),
	}, nil
}

// Report records percent (clamped to 0..100) and message for a running task
// and emits a progress event. The event goes out even when the store write
// fails; the store error is returned afterwards.
func (r *Reporter) Report(ctx context.Context, task *domain.Task, percent int, message string) error {
	percent = task.SetProgress(percent, message)
	err := r.store.UpdateProgress(ctx, task.ID, percent, message)
	r.emit(ctx, events.NewProgressEvent(task))
	if err != nil {
		return fmt.Errorf("record progress for task %s: %w", task.ID, err)
	}
	return nil
}

// ReportStarted records that a worker picked up task.
func (r *Reporter) ReportStarted(ctx context.Context, task *domain.Task) error {
	if err := r.store.UpsertTask(ctx, task, true); err != nil {
		return fmt.Errorf("record start of task %s: %w", task.ID, err)
	}
	r.emit(ctx, events.NewProgressEvent(task))
	return nil
}

// ReportTerminal persists the terminal state of task and emits the final
// event. It satisfies queue.TerminalReporter.
func (r *Reporter) ReportTerminal(ctx context.Context, task *domain.Task) error {
	if !task.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", domain.ErrInvalidTransition, task.Status)
	}
	if err := r.store.UpsertTask(ctx, task, true); err != nil {
		return fmt.Errorf("record terminal state for task %s: %w", task.ID, err)
	}
	r.emit(ctx, events.NewTerminalEvent(task))
	return nil
}

func (r *Reporter) emit(ctx context.Context, event *events.TaskEvent) {
	if r.emitter == nil {
		return
	}
	if err := r.emitter.EmitEvent(ctx, event); err != nil {
		r.logger.WarnContext(ctx, "failed to emit task event",
			"task_id", event.TaskID,
			"event_type", event.Type,
			"error", redact.Error(err))
	}
}
