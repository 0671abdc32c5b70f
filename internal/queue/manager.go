package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/phrazzld/captionq/internal/domain"
	"github.com/phrazzld/captionq/internal/metrics"
	"github.com/phrazzld/captionq/internal/redact"
	"github.com/phrazzld/captionq/internal/store"
)

// Default manager settings.
const (
	DefaultActiveTTL       = 24 * time.Hour
	DefaultRetention       = 24 * time.Hour
	DefaultMigrationBatch  = 100
	DefaultStaleClaimAfter = time.Minute
)

// Config configures a Manager.
type Config struct {
	// Namespace prefixes every Redis key.
	Namespace string
	// ActiveTTL bounds how long a user slot can be held without being
	// released, so a lost release cannot lock a user out forever.
	ActiveTTL time.Duration
	// Retention is how long task records stay in the broker after their
	// last write, whatever the outcome.
	Retention time.Duration
	// MigrationBatch is the page size used when draining fallback records.
	MigrationBatch int
	// DefaultRetry is attached to tasks enqueued without a retry policy.
	DefaultRetry domain.RetryPolicy
	// StaleClaimAfter is how long an in-flight entry may go unconfirmed by
	// its live worker's heartbeat before the reaper takes it back. It must
	// exceed the heartbeat interval.
	StaleClaimAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.ActiveTTL <= 0 {
		c.ActiveTTL = DefaultActiveTTL
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.MigrationBatch <= 0 {
		c.MigrationBatch = DefaultMigrationBatch
	}
	if c.DefaultRetry == (domain.RetryPolicy{}) {
		c.DefaultRetry = domain.DefaultRetryPolicy()
	}
	if c.StaleClaimAfter <= 0 {
		c.StaleClaimAfter = DefaultStaleClaimAfter
	}
	return c
}

// FallbackState is consulted on every enqueue to decide whether the broker
// should be bypassed, and told about broker failures seen by the manager.
type FallbackState interface {
	IsFallbackActive() bool
	ReportBrokerError(err error)
}

// TerminalReporter persists and announces a task's terminal state.
type TerminalReporter interface {
	ReportTerminal(ctx context.Context, task *domain.Task) error
}

// CancelOutcome describes what Cancel did.
type CancelOutcome string

// Cancel outcomes.
const (
	// CancelRemoved means the task was still queued and is now cancelled.
	CancelRemoved CancelOutcome = "cancelled"
	// CancelRequested means a worker holds the task; it will stop at its
	// next checkpoint.
	CancelRequested CancelOutcome = "cancel_requested"
)

// Manager is the entry point for producers and worker units. It owns all
// broker-side task state and mirrors it into the durable store.
type Manager struct {
	rdb       redis.UniversalClient
	keys      keyspace
	tracker   *Tracker
	scheduler *Scheduler
	store     store.TaskStore
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time

	mu       sync.RWMutex
	fallback FallbackState
	reporter TerminalReporter
}

// Option configures optional Manager collaborators.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithTerminalReporter sets the reporter used when the manager itself
// terminates a task, for example on cancel.
func WithTerminalReporter(r TerminalReporter) Option {
	return func(m *Manager) { m.reporter = r }
}

// NewManager creates a Manager.
func NewManager(
	rdb redis.UniversalClient,
	taskStore store.TaskStore,
	logger *slog.Logger,
	cfg Config,
	opts ...Option,
) (*Manager, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if taskStore == nil {
		return nil, fmt.Errorf("task store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	cfg = cfg.withDefaults()
	m := &Manager{
		rdb:       rdb,
		keys:      newKeyspace(cfg.Namespace),
		tracker:   NewTracker(rdb, cfg.Namespace),
		scheduler: NewScheduler(rdb, cfg.Namespace),
		store:     taskStore,
		logger:    logger.With("component", "queue_manager"),
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// SetFallbackState wires the broker health monitor into the manager. It is
// a setter because the monitor itself drains through the manager.
func (m *Manager) SetFallbackState(fs FallbackState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = fs
}

// SetTerminalReporter replaces the terminal reporter.
func (m *Manager) SetTerminalReporter(r TerminalReporter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reporter = r
}

// Tracker exposes the user slot tracker.
func (m *Manager) Tracker() *Tracker { return m.tracker }

// Scheduler exposes the tier scheduler.
func (m *Manager) Scheduler() *Scheduler { return m.scheduler }

// Retention returns the configured record retention.
func (m *Manager) Retention() time.Duration { return m.cfg.Retention }

// Enqueue publishes task on the tier for priority. An unknown priority is
// downgraded to normal. The user must not already own a queued or running
// task; otherwise a *domain.DuplicateActiveTaskError is returned and
// nothing is written. When the broker is unreachable the task is accepted
// into the durable store instead and imported later.
func (m *Manager) Enqueue(ctx context.Context, task *domain.Task, priority domain.Priority) (string, error) {
	if task == nil {
		return "", fmt.Errorf("%w: task cannot be nil", domain.ErrValidation)
	}
	if !priority.Valid() {
		m.logger.WarnContext(ctx, "unknown priority, downgrading to normal",
			"task_id", task.ID,
			"user_id", task.UserID,
			"requested_priority", string(priority))
		metrics.PriorityDowngradesTotal.Inc()
		priority = domain.PriorityNormal
	}
	task.Priority = priority
	if task.Status == "" {
		task.Status = domain.TaskStatusQueued
	}
	if task.Status != domain.TaskStatusQueued {
		return "", fmt.Errorf("%w: cannot enqueue task in status %s", domain.ErrInvalidTransition, task.Status)
	}
	if task.Retry == (domain.RetryPolicy{}) {
		task.Retry = m.cfg.DefaultRetry
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = m.now().UTC()
	}
	task.MarkEnqueued(m.now())
	if err := task.Validate(); err != nil {
		return "", err
	}

	if m.fallbackActive() {
		return m.enqueueFallback(ctx, task)
	}

	err := m.enqueueBroker(ctx, task)
	if errors.Is(err, domain.ErrBrokerUnavailable) {
		m.reportBrokerError(err)
		m.logger.WarnContext(ctx, "broker unavailable, accepting task into fallback store",
			"task_id", task.ID,
			"error", err)
		return m.enqueueFallback(ctx, task)
	}
	if err != nil {
		return "", err
	}

	metrics.TasksEnqueuedTotal.WithLabelValues(string(priority), "broker").Inc()
	m.logger.InfoContext(ctx, "task enqueued",
		"task_id", task.ID,
		"user_id", task.UserID,
		"tier", string(priority))

	if err := m.store.UpsertTask(ctx, task, true); err != nil {
		m.logger.WarnContext(ctx, "failed to mirror enqueued task to durable store",
			"task_id", task.ID,
			"error", redact.Error(err))
	}
	return task.ID, nil
}

func (m *Manager) enqueueBroker(ctx context.Context, task *domain.Task) error {
	entry, err := Encode(task)
	if err != nil {
		return err
	}
	res, err := enqueueScript.Run(ctx, m.rdb,
		[]string{m.keys.active(task.UserID), m.keys.record(task.ID), m.keys.tier(task.Priority)},
		task.ID, entry, seconds(m.cfg.ActiveTTL), seconds(m.cfg.Retention),
	).Text()
	if err != nil {
		return brokerErr("enqueue", err)
	}
	if active, dup := strings.CutPrefix(res, "dup:"); dup {
		metrics.DuplicateRejectionsTotal.Inc()
		return &domain.DuplicateActiveTaskError{UserID: task.UserID, ActiveTaskID: active}
	}
	return nil
}

func (m *Manager) enqueueFallback(ctx context.Context, task *domain.Task) (string, error) {
	if err := m.store.CreateFallbackTask(ctx, task); err != nil {
		if store.IsDuplicateError(err) {
			metrics.DuplicateRejectionsTotal.Inc()
			return "", &domain.DuplicateActiveTaskError{UserID: task.UserID}
		}
		return "", fmt.Errorf("fallback enqueue: %w", err)
	}
	metrics.TasksEnqueuedTotal.WithLabelValues(string(task.Priority), "fallback").Inc()
	m.logger.InfoContext(ctx, "task accepted into fallback store",
		"task_id", task.ID,
		"user_id", task.UserID,
		"tier", string(task.Priority))
	return task.ID, nil
}

// Inspect returns the current state of a task, preferring the broker copy
// and falling back to the durable store.
func (m *Manager) Inspect(ctx context.Context, id string) (*domain.Task, error) {
	entry, err := m.rdb.Get(ctx, m.keys.record(id)).Bytes()
	switch {
	case err == nil:
		task, decodeErr := Decode(entry)
		if decodeErr == nil {
			return task, nil
		}
		m.logger.WarnContext(ctx, "undecodable task record in broker",
			"task_id", id,
			"error", decodeErr)
	case errors.Is(err, redis.Nil):
	default:
		m.logger.WarnContext(ctx, "broker lookup failed, using durable store",
			"task_id", id,
			"error", err)
	}

	task, err := m.store.GetTask(ctx, id)
	if err != nil {
		if store.IsNotFoundError(err) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, fmt.Errorf("inspect task: %w", err)
	}
	return task, nil
}

// Claim takes the next task for workerID serving tiers. See Scheduler.Pop.
func (m *Manager) Claim(ctx context.Context, workerID string, tiers []domain.Priority, timeout time.Duration) (*Claimed, error) {
	return m.scheduler.Pop(ctx, workerID, tiers, timeout)
}

// AckClaim empties workerID's processing list once its claim has been
// settled without running, for example when the task was cancelled before
// start or could not be decoded.
func (m *Manager) AckClaim(ctx context.Context, workerID string) error {
	if err := m.rdb.Del(ctx, m.keys.processing(workerID)).Err(); err != nil {
		return brokerErr("ack claim", err)
	}
	return nil
}

// RestoreClaims returns the entries left on workerID's processing list to
// the head of their tiers and reports how many went back. Entries whose
// task has finished, is in flight or is queued again are dropped.
func (m *Manager) RestoreClaims(ctx context.Context, workerID string) (int, error) {
	key := m.keys.processing(workerID)
	entries, err := m.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return 0, brokerErr("list claims", err)
	}

	restored := 0
	for _, raw := range entries {
		task, err := Decode([]byte(raw))
		if err != nil {
			m.FailUndecodable(ctx, []byte(raw), err)
			if err := m.rdb.LRem(ctx, key, 1, raw).Err(); err != nil {
				return restored, brokerErr("drop claim", err)
			}
			continue
		}
		finished, err := m.recordTerminal(ctx, task.ID)
		if err != nil {
			return restored, err
		}
		if finished {
			if err := m.rdb.LRem(ctx, key, 1, raw).Err(); err != nil {
				return restored, brokerErr("drop claim", err)
			}
			continue
		}
		n, err := restoreClaimScript.Run(ctx, m.rdb,
			[]string{key, m.keys.tier(task.Priority), m.keys.inflight(), m.keys.record(task.ID), m.keys.delayed(task.Priority)},
			raw, task.ID,
		).Int()
		if err != nil {
			return restored, brokerErr("restore claim", err)
		}
		if n == 1 {
			restored++
			m.logger.WarnContext(ctx, "returned unstarted claim to its tier",
				"task_id", task.ID,
				"worker_id", workerID,
				"tier", string(task.Priority))
		}
	}
	return restored, nil
}

// recordTerminal reports whether the broker record of id is terminal.
func (m *Manager) recordTerminal(ctx context.Context, id string) (bool, error) {
	entry, err := m.rdb.Get(ctx, m.keys.record(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, brokerErr("load task record", err)
	}
	task, err := Decode(entry)
	if err != nil {
		return false, nil
	}
	return task.Status.IsTerminal(), nil
}

// MarkRunning records that workerID has started task. The in-flight entry
// used for orphan recovery replaces the worker's processing list in one
// transaction.
func (m *Manager) MarkRunning(ctx context.Context, task *domain.Task, workerID string) error {
	if err := task.MarkRunning(workerID, m.now()); err != nil {
		return err
	}
	entry, err := Encode(task)
	if err != nil {
		return err
	}
	_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, m.keys.inflight(), task.ID, workerID)
		pipe.Set(ctx, m.keys.record(task.ID), entry, m.cfg.Retention)
		pipe.Del(ctx, m.keys.processing(workerID))
		return nil
	})
	if err != nil {
		return brokerErr("mark running", err)
	}
	return nil
}

// Checkpoint refreshes the broker copy of a running task, typically after a
// progress update.
func (m *Manager) Checkpoint(ctx context.Context, task *domain.Task) error {
	entry, err := Encode(task)
	if err != nil {
		return err
	}
	if err := m.rdb.Set(ctx, m.keys.record(task.ID), entry, m.cfg.Retention).Err(); err != nil {
		return brokerErr("checkpoint", err)
	}
	return nil
}

// Requeue puts a queued task back on its tier. With a positive delay the
// task waits in the tier's delayed set until PromoteDue moves it to the
// tail of the tier. The user's slot stays held.
func (m *Manager) Requeue(ctx context.Context, task *domain.Task, delay time.Duration) error {
	if task.Status != domain.TaskStatusQueued {
		return fmt.Errorf("%w: cannot requeue task in status %s", domain.ErrInvalidTransition, task.Status)
	}
	entry, err := Encode(task)
	if err != nil {
		return err
	}
	_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, m.keys.record(task.ID), entry, m.cfg.Retention)
		if delay > 0 {
			pipe.ZAdd(ctx, m.keys.delayed(task.Priority), delayUntil(m.now().Add(delay), entry))
		} else {
			pipe.RPush(ctx, m.keys.tier(task.Priority), entry)
		}
		pipe.HDel(ctx, m.keys.inflight(), task.ID)
		pipe.Expire(ctx, m.keys.active(task.UserID), m.cfg.ActiveTTL)
		return nil
	})
	if err != nil {
		return brokerErr("requeue", err)
	}
	return nil
}

// RequeueFallback hands a queued task to the durable store as a pending
// fallback row, for use when the broker cannot take it back. The next
// MigrateFromDurableStore imports it unless the broker still tracks it.
func (m *Manager) RequeueFallback(ctx context.Context, task *domain.Task) error {
	if task.Status != domain.TaskStatusQueued {
		return fmt.Errorf("%w: cannot requeue task in status %s", domain.ErrInvalidTransition, task.Status)
	}
	if err := m.store.RequeueFallback(ctx, task); err != nil {
		return fmt.Errorf("requeue task %s into fallback store: %w", task.ID, err)
	}
	metrics.TasksEnqueuedTotal.WithLabelValues(string(task.Priority), "fallback").Inc()
	m.logger.WarnContext(ctx, "task returned to fallback store",
		"task_id", task.ID,
		"user_id", task.UserID,
		"tier", string(task.Priority),
		"retry_count", task.RetryCount)
	return nil
}

// Finish stores a terminal task, clears its in-flight entry and cancel flag,
// and releases the user's slot if it still belongs to the task. It reports
// whether the slot was released.
func (m *Manager) Finish(ctx context.Context, task *domain.Task) (bool, error) {
	if !task.Status.IsTerminal() {
		return false, fmt.Errorf("%w: finish requires a terminal task, got %s", domain.ErrInvalidTransition, task.Status)
	}
	entry, err := Encode(task)
	if err != nil {
		return false, err
	}
	n, err := finishScript.Run(ctx, m.rdb,
		[]string{m.keys.record(task.ID), m.keys.inflight(), m.keys.cancel(task.ID), m.keys.active(task.UserID)},
		task.ID, entry, seconds(m.cfg.Retention),
	).Int()
	if err != nil {
		return false, brokerErr("finish", err)
	}
	return n == 1, nil
}

// ReleaseUserSlot frees the user's active slot unconditionally. Releasing
// a free slot is a no-op.
func (m *Manager) ReleaseUserSlot(ctx context.Context, userID string) error {
	return m.tracker.Clear(ctx, userID)
}

// ReleaseTaskSlot frees the user's slot only while it still belongs to task.
func (m *Manager) ReleaseTaskSlot(ctx context.Context, task *domain.Task) (bool, error) {
	return m.tracker.ClearIf(ctx, task.UserID, task.ID)
}

// IsCancelRequested reports whether Cancel flagged the running task id.
func (m *Manager) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	n, err := m.rdb.Exists(ctx, m.keys.cancel(id)).Result()
	if err != nil {
		return false, brokerErr("check cancel flag", err)
	}
	return n > 0, nil
}

// Cancel stops a task. A queued task is removed from its tier and
// terminated immediately. A task held by a worker is flagged and stops at
// its next checkpoint. Terminal tasks yield domain.ErrTaskTerminal.
func (m *Manager) Cancel(ctx context.Context, id string) (CancelOutcome, error) {
	entry, err := m.rdb.Get(ctx, m.keys.record(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return m.cancelDurable(ctx, id)
	}
	if err != nil {
		return "", brokerErr("cancel", err)
	}
	task, err := Decode(entry)
	if err != nil {
		return "", err
	}
	if task.Status.IsTerminal() {
		return "", domain.ErrTaskTerminal
	}

	res, err := cancelScript.Run(ctx, m.rdb,
		[]string{m.keys.record(id), m.keys.tier(task.Priority), m.keys.delayed(task.Priority), m.keys.cancel(id)},
		seconds(m.cfg.ActiveTTL),
	).Text()
	if err != nil {
		return "", brokerErr("cancel", err)
	}

	switch res {
	case "removed":
		if err := task.Terminate(domain.TaskStatusCancelled, "", m.now()); err != nil {
			return "", err
		}
		if _, err := m.Finish(ctx, task); err != nil {
			return "", err
		}
		metrics.TasksProcessedTotal.WithLabelValues(string(task.Priority), string(task.Status)).Inc()
		m.reportTerminal(ctx, task)
		m.logger.InfoContext(ctx, "queued task cancelled", "task_id", id, "user_id", task.UserID)
		return CancelRemoved, nil
	case "flagged":
		m.logger.InfoContext(ctx, "cancellation requested for running task", "task_id", id)
		return CancelRequested, nil
	default:
		return "", domain.ErrTaskNotFound
	}
}

// cancelDurable handles tasks the broker no longer or not yet holds.
func (m *Manager) cancelDurable(ctx context.Context, id string) (CancelOutcome, error) {
	task, err := m.store.GetTask(ctx, id)
	if err != nil {
		if store.IsNotFoundError(err) {
			return "", domain.ErrTaskNotFound
		}
		return "", fmt.Errorf("cancel: %w", err)
	}
	switch task.Status {
	case domain.TaskStatusQueued:
		if err := task.Terminate(domain.TaskStatusCancelled, "", m.now()); err != nil {
			return "", err
		}
		m.reportTerminal(ctx, task)
		return CancelRemoved, nil
	case domain.TaskStatusRunning:
		if err := m.rdb.Set(ctx, m.keys.cancel(id), "1", m.cfg.ActiveTTL).Err(); err != nil {
			return "", brokerErr("cancel", err)
		}
		return CancelRequested, nil
	default:
		return "", domain.ErrTaskTerminal
	}
}

// FailUndecodable terminates a claimed entry that could not be decoded. The
// task is never retried. The durable row is failed and the user's slot is
// released when the task identity can still be recovered from the entry.
func (m *Manager) FailUndecodable(ctx context.Context, entry []byte, cause error) {
	id, ok := decodeIdentity(entry)
	if !ok {
		m.logger.ErrorContext(ctx, "dropping undecodable task entry without identity",
			"error", cause,
			"bytes", len(entry))
		return
	}
	log := m.logger.With("task_id", id.ID, "user_id", id.UserID)
	log.ErrorContext(ctx, "failing undecodable task", "error", cause)

	if id.UserID != "" {
		if _, err := m.tracker.ClearIf(ctx, id.UserID, id.ID); err != nil {
			log.WarnContext(ctx, "failed to release slot of undecodable task", "error", err)
		}
	}
	if err := m.rdb.HDel(ctx, m.keys.inflight(), id.ID).Err(); err != nil {
		log.WarnContext(ctx, "failed to clear in-flight entry", "error", err)
	}

	task, err := m.store.GetTask(ctx, id.ID)
	if err != nil {
		log.WarnContext(ctx, "no durable row for undecodable task", "error", redact.Error(err))
		return
	}
	if err := task.Terminate(domain.TaskStatusFailed, redact.Error(cause), m.now()); err != nil {
		return
	}
	m.reportTerminal(ctx, task)
}

// PromoteDue moves delayed retries whose backoff has elapsed onto their tier.
func (m *Manager) PromoteDue(ctx context.Context) (int, error) {
	return m.scheduler.PromoteDue(ctx, m.now())
}

// Ping checks broker connectivity.
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.rdb.Ping(ctx).Err(); err != nil {
		return brokerErr("ping", err)
	}
	return nil
}

// EventsChannel returns the Pub/Sub channel used for task notifications.
func (m *Manager) EventsChannel() string {
	return m.keys.events()
}

// EventsChannel returns the Pub/Sub channel for namespace.
func EventsChannel(namespace string) string {
	return newKeyspace(namespace).events()
}

func (m *Manager) reportTerminal(ctx context.Context, task *domain.Task) {
	m.mu.RLock()
	reporter := m.reporter
	m.mu.RUnlock()

	var err error
	if reporter != nil {
		err = reporter.ReportTerminal(ctx, task)
	} else {
		err = m.store.UpsertTask(ctx, task, true)
	}
	if err != nil {
		m.logger.WarnContext(ctx, "failed to record terminal task state",
			"task_id", task.ID,
			"status", string(task.Status),
			"error", redact.Error(err))
	}
}

func (m *Manager) fallbackActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fallback != nil && m.fallback.IsFallbackActive()
}

func (m *Manager) reportBrokerError(err error) {
	m.mu.RLock()
	fs := m.fallback
	m.mu.RUnlock()
	if fs != nil {
		fs.ReportBrokerError(err)
	}
}

func seconds(d time.Duration) int64 {
	return max(1, int64(d/time.Second))
}
