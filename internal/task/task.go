package task

import (
	"context"
	"encoding/json"
	"time"

	"github.com/phrazzld/captionq/internal/domain"
	"github.com/phrazzld/captionq/internal/queue"
)

// Queue is the broker-side surface used by worker units. queue.Manager
// implements it.
type Queue interface {
	Claim(ctx context.Context, workerID string, tiers []domain.Priority, timeout time.Duration) (*queue.Claimed, error)
	AckClaim(ctx context.Context, workerID string) error
	RestoreClaims(ctx context.Context, workerID string) (int, error)
	MarkRunning(ctx context.Context, task *domain.Task, workerID string) error
	Checkpoint(ctx context.Context, task *domain.Task) error
	Requeue(ctx context.Context, task *domain.Task, delay time.Duration) error
	RequeueFallback(ctx context.Context, task *domain.Task) error
	Finish(ctx context.Context, task *domain.Task) (bool, error)
	IsCancelRequested(ctx context.Context, id string) (bool, error)
	FailUndecodable(ctx context.Context, entry []byte, cause error)

	Heartbeat(ctx context.Context, info domain.WorkerInfo, ttl time.Duration) error
	Deregister(ctx context.Context, workerID string) error
	Workers(ctx context.Context) ([]queue.WorkerStatus, error)

	PromoteDue(ctx context.Context) (int, error)
	RecoverOrphans(ctx context.Context) (int, error)
}

var _ Queue = (*queue.Manager)(nil)

// Reporter records task progress durably and announces it.
// progress.Reporter implements it.
type Reporter interface {
	ReportStarted(ctx context.Context, task *domain.Task) error
	Report(ctx context.Context, task *domain.Task, percent int, message string) error
	ReportTerminal(ctx context.Context, task *domain.Task) error
}

// Executor performs the work described by a task payload.
type Executor interface {
	// Execute runs the task and returns its result document. Executors
	// should call exec.Progress or exec.Checkpoint between steps and stop
	// when either returns an error.
	Execute(ctx context.Context, exec *Execution) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, exec *Execution) (json.RawMessage, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, exec *Execution) (json.RawMessage, error) {
	return f(ctx, exec)
}
