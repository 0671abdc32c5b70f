package task

import (
	"context"
	"log/slog"

	"github.com/phrazzld/captionq/internal/domain"
)

// Execution is the running task as seen by an Executor. Progress and
// Checkpoint are the cooperative cancellation points.
type Execution struct {
	Task *domain.Task

	queue    Queue
	reporter Reporter
	logger   *slog.Logger
}

// Logger returns a logger annotated with the task.
func (e *Execution) Logger() *slog.Logger {
	return e.logger
}

// Progress records percent and message, refreshes the broker copy, and
// then checks for cancellation. Recording failures are logged only.
func (e *Execution) Progress(ctx context.Context, percent int, message string) error {
	if err := e.reporter.Report(ctx, e.Task, percent, message); err != nil {
		e.logger.WarnContext(ctx, "failed to record progress", "percent", percent, "error", err)
	}
	if err := e.queue.Checkpoint(ctx, e.Task); err != nil {
		e.logger.WarnContext(ctx, "failed to checkpoint task", "error", err)
	}
	return e.Checkpoint(ctx)
}

// Checkpoint returns domain.ErrTaskCancelled when the task was cancelled and
// the context error when execution is being stopped. A broker error while
// reading the cancel flag does not stop the task.
func (e *Execution) Checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cancelled, err := e.queue.IsCancelRequested(ctx, e.Task.ID)
	if err != nil {
		e.logger.WarnContext(ctx, "failed to read cancel flag", "error", err)
		return nil
	}
	if cancelled {
		return domain.ErrTaskCancelled
	}
	return nil
}
