package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/phrazzld/captionq/internal/domain"
	"github.com/phrazzld/captionq/internal/metrics"
	"github.com/phrazzld/captionq/internal/redact"
)

// unit is one worker goroutine bound to an ordered tier list.
type unit struct {
	id        string
	tiers     []domain.Priority
	hostname  string
	pid       int
	startedAt time.Time

	m      *Manager
	logger *slog.Logger

	// stopPolling ends the claim loop after the current task.
	stopPolling context.CancelFunc
	polling     context.Context
	// abort cancels the execution context of the current task.
	abort context.CancelFunc
	exec  context.Context
	done  chan struct{}

	// restoreClaims is set when the processing list may hold a claim that
	// was never started. Only the run goroutine touches it.
	restoreClaims bool

	mu            sync.RWMutex
	healthy       bool
	currentTaskID string
	lastHeartbeat time.Time
	lastError     string
}

func newUnitID(hostname string, pid int) string {
	return fmt.Sprintf("%s-%d-%s", hostname, pid, uuid.NewString()[:8])
}

func (u *unit) info() domain.WorkerInfo {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return domain.WorkerInfo{
		ID:            u.id,
		Hostname:      u.hostname,
		PID:           u.pid,
		Tiers:         u.tiers,
		CurrentTaskID: u.currentTaskID,
		StartedAt:     u.startedAt,
		LastHeartbeat: u.m.now(),
	}
}

func (u *unit) status() UnitStatus {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return UnitStatus{
		ID:            u.id,
		Tiers:         u.tiers,
		Healthy:       u.healthy,
		CurrentTaskID: u.currentTaskID,
		StartedAt:     u.startedAt,
		LastHeartbeat: u.lastHeartbeat,
		LastError:     u.lastError,
	}
}

func (u *unit) isHealthy() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.healthy
}

func (u *unit) setCurrent(taskID string) {
	u.mu.Lock()
	u.currentTaskID = taskID
	u.mu.Unlock()
}

// heartbeat publishes the unit's record once and updates its health.
func (u *unit) heartbeat(ctx context.Context) {
	info := u.info()
	err := u.m.queue.Heartbeat(ctx, info, u.m.cfg.HeartbeatTTL)

	u.mu.Lock()
	defer u.mu.Unlock()
	if err != nil {
		if u.healthy {
			u.logger.WarnContext(ctx, "worker heartbeat failed, pausing claims", "error", err)
		}
		u.healthy = false
		u.lastError = err.Error()
		return
	}
	if !u.healthy {
		u.logger.InfoContext(ctx, "worker heartbeat restored")
	}
	u.healthy = true
	u.lastError = ""
	u.lastHeartbeat = info.LastHeartbeat
}

// run is the unit's main loop. It returns once polling stopped and the
// current task, if any, has been settled.
func (u *unit) run() {
	defer close(u.done)
	ctx := u.exec

	var hbWG sync.WaitGroup
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	u.heartbeat(hbCtx)
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		ticker := time.NewTicker(u.m.cfg.heartbeatInterval())
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				u.heartbeat(hbCtx)
			}
		}
	}()

	defer func() {
		stopHeartbeat()
		hbWG.Wait()
		dereg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := u.m.queue.Deregister(dereg, u.id); err != nil {
			u.logger.WarnContext(dereg, "failed to deregister worker", "error", err)
		}
		u.logger.InfoContext(dereg, "worker unit stopped")
	}()

	u.logger.InfoContext(ctx, "worker unit started", "tiers", joinTiers(u.tiers))

	for {
		select {
		case <-u.polling.Done():
			return
		default:
		}

		if !u.isHealthy() {
			if !u.sleep(u.m.cfg.ClaimErrorBackoff) {
				return
			}
			continue
		}

		if u.restoreClaims {
			if _, err := u.m.queue.RestoreClaims(ctx, u.id); err != nil {
				u.logger.WarnContext(ctx, "failed to restore unstarted claims", "error", err)
				if !u.sleep(u.m.cfg.ClaimErrorBackoff) {
					return
				}
				continue
			}
			u.restoreClaims = false
		}

		// Claim uses the execution context rather than the polling one so a
		// graceful stop never abandons an entry the claim script already
		// moved. The pop timeout bounds how long the stop waits.
		claimed, err := u.m.queue.Claim(ctx, u.id, u.tiers, u.m.cfg.PopTimeout)
		if err != nil && claimed != nil {
			settle := context.WithoutCancel(ctx)
			u.m.queue.FailUndecodable(settle, claimed.Raw, err)
			if ackErr := u.m.queue.AckClaim(settle, u.id); ackErr != nil {
				u.restoreClaims = true
			}
			metrics.TasksProcessedTotal.WithLabelValues(string(claimed.Tier), string(domain.TaskStatusFailed)).Inc()
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			u.restoreClaims = true
			u.logger.WarnContext(ctx, "failed to claim task", "error", err)
			if !u.sleep(u.m.cfg.ClaimErrorBackoff) {
				return
			}
			continue
		}
		if claimed == nil {
			continue
		}

		u.process(ctx, claimed.Task)
	}
}

// sleep waits for d and reports false if polling stopped first.
func (u *unit) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-u.polling.Done():
		return false
	case <-t.C:
		return true
	}
}

// process runs one claimed task to a terminal state or back onto the queue.
func (u *unit) process(ctx context.Context, task *domain.Task) {
	log := u.logger.With("task_id", task.ID, "user_id", task.UserID, "tier", string(task.Priority))
	// Settlement writes must survive a forced stop of the execution context.
	settle := context.WithoutCancel(ctx)

	u.setCurrent(task.ID)
	defer u.setCurrent("")

	cancelled, err := u.m.queue.IsCancelRequested(ctx, task.ID)
	if err != nil {
		log.WarnContext(ctx, "failed to read cancel flag before start", "error", err)
	}
	if cancelled {
		u.terminate(settle, log, task, domain.TaskStatusCancelled, "")
		if err := u.m.queue.AckClaim(settle, u.id); err != nil {
			u.restoreClaims = true
		}
		return
	}

	if err := u.m.queue.MarkRunning(ctx, task, u.id); err != nil {
		// The entry is still on this unit's processing list; it goes back
		// to its tier before the next claim.
		u.restoreClaims = true
		log.ErrorContext(ctx, "failed to mark task running, returning it to the queue", "error", err)
		if relErr := task.Release(); relErr == nil && errors.Is(err, domain.ErrBrokerUnavailable) {
			if fbErr := u.m.queue.RequeueFallback(settle, task); fbErr != nil {
				log.ErrorContext(settle, "failed to record task in fallback store", "error", redact.Error(fbErr))
			}
		}
		return
	}
	if err := u.m.reporter.ReportStarted(ctx, task); err != nil {
		log.WarnContext(ctx, "failed to record task start", "error", redact.Error(err))
	}
	log.InfoContext(ctx, "task started", "attempt", task.RetryCount+1)

	start := time.Now()
	result, err := u.execute(ctx, log, task)
	metrics.TaskDurationSeconds.WithLabelValues(string(task.Priority)).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		task.Result = result
		u.terminate(settle, log, task, domain.TaskStatusCompleted, "")

	case errors.Is(err, domain.ErrTaskCancelled):
		u.terminate(settle, log, task, domain.TaskStatusCancelled, "")

	case ctx.Err() != nil:
		// Forced stop: hand the task back without spending a retry.
		if relErr := task.Release(); relErr != nil {
			log.ErrorContext(settle, "cannot release interrupted task", "error", relErr)
			return
		}
		if u.requeue(settle, log, task, 0) {
			log.WarnContext(settle, "task interrupted by shutdown and requeued")
		}

	case !domain.IsRetryable(err):
		u.terminate(settle, log, task, domain.TaskStatusFailed, redact.Detail(err))

	default:
		delay, exhausted := task.ScheduleRetry()
		if exhausted {
			log.WarnContext(settle, "retries exhausted", "retry_count", task.RetryCount, "error", err)
			u.terminate(settle, log, task, domain.TaskStatusFailed, redact.Detail(err))
			return
		}
		if !u.requeue(settle, log, task, delay) {
			return
		}
		metrics.TaskRetriesTotal.WithLabelValues(string(task.Priority)).Inc()
		log.WarnContext(settle, "task attempt failed, retry scheduled",
			"retry_count", task.RetryCount,
			"delay", delay.String(),
			"error", redact.Error(err))
	}
}

// settleWrite runs a broker write that settles a task, retrying with
// exponential backoff while the broker is unreachable.
func (u *unit) settleWrite(ctx context.Context, log *slog.Logger, op string, write func(context.Context) error) error {
	backoff := retry.WithMaxRetries(uint64(u.m.cfg.SettleRetries),
		retry.WithCappedDuration(u.m.cfg.SettleMaxBackoff, retry.NewExponential(u.m.cfg.SettleBackoff)))
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := write(ctx)
		if err != nil && errors.Is(err, domain.ErrBrokerUnavailable) {
			log.WarnContext(ctx, "broker unavailable while settling task", "op", op, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

// requeue returns a queued task to the broker after delay. When the broker
// stays unreachable the task goes to the fallback store instead and the
// migration brings it back. It reports whether the broker took the task.
func (u *unit) requeue(ctx context.Context, log *slog.Logger, task *domain.Task, delay time.Duration) bool {
	err := u.settleWrite(ctx, log, "requeue", func(ctx context.Context) error {
		return u.m.queue.Requeue(ctx, task, delay)
	})
	if err == nil {
		return true
	}
	log.ErrorContext(ctx, "failed to return task to the broker", "error", err)
	if fbErr := u.m.queue.RequeueFallback(ctx, task); fbErr != nil {
		// The in-flight entry is still in the broker; the orphan reaper
		// requeues it once the broker is back.
		log.ErrorContext(ctx, "failed to record task in fallback store", "error", redact.Error(fbErr))
	}
	return false
}

// execute runs the task's executor, converting panics into errors.
func (u *unit) execute(ctx context.Context, log *slog.Logger, task *domain.Task) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(ctx, "executor panicked", "panic", r)
			err = domain.NewTaskExecutionError(task.ID, false, fmt.Errorf("panic: %v", r))
		}
	}()

	exec, err := u.m.executors.Lookup(task.Payload)
	if err != nil {
		return nil, domain.NewTaskExecutionError(task.ID, false, err)
	}
	return exec.Execute(ctx, &Execution{
		Task:     task,
		queue:    u.m.queue,
		reporter: u.m.reporter,
		logger:   log,
	})
}

// terminate records a terminal outcome, releases the user's slot and
// announces the result.
func (u *unit) terminate(ctx context.Context, log *slog.Logger, task *domain.Task, status domain.TaskStatus, detail string) {
	if err := task.Terminate(status, detail, u.m.now()); err != nil {
		log.ErrorContext(ctx, "cannot terminate task", "status", string(status), "error", err)
		return
	}
	var released bool
	err := u.settleWrite(ctx, log, "finish", func(ctx context.Context) error {
		var err error
		released, err = u.m.queue.Finish(ctx, task)
		return err
	})
	if err != nil {
		// The durable row below is authoritative; the orphan reaper settles
		// the broker side from it.
		log.ErrorContext(ctx, "failed to settle task in broker", "error", err)
	}
	if err := u.m.reporter.ReportTerminal(ctx, task); err != nil {
		log.ErrorContext(ctx, "failed to record terminal state", "error", redact.Error(err))
	}
	metrics.TasksProcessedTotal.WithLabelValues(string(task.Priority), string(status)).Inc()

	attrs := []any{"status", string(status), "slot_released", released}
	if detail != "" {
		attrs = append(attrs, "detail", detail)
	}
	if status == domain.TaskStatusFailed {
		log.WarnContext(ctx, "task failed", attrs...)
	} else {
		log.InfoContext(ctx, "task finished", attrs...)
	}
}
