package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/phrazzld/captionq/internal/domain"
	"github.com/phrazzld/captionq/internal/metrics"
	"github.com/phrazzld/captionq/internal/queue"
)

// Default manager settings.
const (
	DefaultHeartbeatTTL      = 30 * time.Second
	DefaultPromoteInterval   = time.Second
	DefaultClaimErrorBackoff = time.Second
	DefaultSettleRetries     = 6
	DefaultSettleBackoff     = 100 * time.Millisecond
	DefaultSettleMaxBackoff  = 2 * time.Second
	DefaultWorkerBinary      = "captionq-worker"
)

// ErrStopTimeout is returned by Stop when in-flight tasks had to be
// force-cancelled.
var ErrStopTimeout = errors.New("worker shutdown timed out")

// ErrManagerStopped is returned when starting units on a stopped manager.
var ErrManagerStopped = errors.New("worker manager stopped")

// Config configures a Manager.
type Config struct {
	// PopTimeout bounds each blocking claim and therefore how long a
	// graceful stop waits for an idle unit.
	PopTimeout time.Duration
	// HeartbeatTTL is the lifetime of a unit's heartbeat key. Units refresh
	// it every third of the TTL; the orphan reaper runs at the TTL.
	HeartbeatTTL time.Duration
	// PromoteInterval is how often delayed retries are promoted.
	PromoteInterval time.Duration
	// ClaimErrorBackoff is the pause after a failed claim.
	ClaimErrorBackoff time.Duration
	// SettleRetries bounds how often a unit retries a broker write that
	// settles a task (requeue, retry or finish) while the broker is
	// unreachable. Backoff doubles from SettleBackoff up to
	// SettleMaxBackoff.
	SettleRetries    int
	SettleBackoff    time.Duration
	SettleMaxBackoff time.Duration
	// WorkerBinary is the executable started by StartExternal.
	WorkerBinary string
	// DisableBackground skips the promoter and reaper loops.
	DisableBackground bool
}

func (c Config) withDefaults() Config {
	if c.PopTimeout <= 0 {
		c.PopTimeout = queue.DefaultPopTimeout
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = DefaultHeartbeatTTL
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = DefaultPromoteInterval
	}
	if c.ClaimErrorBackoff <= 0 {
		c.ClaimErrorBackoff = DefaultClaimErrorBackoff
	}
	if c.SettleRetries <= 0 {
		c.SettleRetries = DefaultSettleRetries
	}
	if c.SettleBackoff <= 0 {
		c.SettleBackoff = DefaultSettleBackoff
	}
	if c.SettleMaxBackoff < c.SettleBackoff {
		c.SettleMaxBackoff = max(DefaultSettleMaxBackoff, c.SettleBackoff)
	}
	if c.WorkerBinary == "" {
		c.WorkerBinary = DefaultWorkerBinary
	}
	return c
}

func (c Config) heartbeatInterval() time.Duration {
	return max(c.HeartbeatTTL/3, 10*time.Millisecond)
}

// Manager owns the worker units of one process.
type Manager struct {
	queue     Queue
	reporter  Reporter
	executors *Registry
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
	hostname  string

	mu        sync.Mutex
	base      context.Context
	units     []*unit
	retiring  sync.WaitGroup
	externals []*ExternalProcess
	stopLoops context.CancelFunc
	loopsDone chan struct{}
	stopped   bool
}

// NewManager creates a Manager. No units run until StartIntegrated.
func NewManager(q Queue, reporter Reporter, executors *Registry, logger *slog.Logger, cfg Config) (*Manager, error) {
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if reporter == nil {
		return nil, fmt.Errorf("reporter cannot be nil")
	}
	if executors == nil {
		return nil, fmt.Errorf("executor registry cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	return &Manager{
		queue:     q,
		reporter:  reporter,
		executors: executors,
		logger:    logger.With("component", "worker_manager"),
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		hostname:  hostname,
	}, nil
}

// StartIntegrated starts Count units for every set, plus the promoter and
// reaper loops on first use. Units run until Stop; ctx only supplies values
// such as the logger.
func (m *Manager) StartIntegrated(ctx context.Context, sets []TierSet) error {
	for _, set := range sets {
		if len(set.Tiers) == 0 || set.Count < 1 {
			return fmt.Errorf("%w: invalid tier set %s", domain.ErrValidation, set)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrManagerStopped
	}
	m.startLoopsLocked(ctx)
	for _, set := range sets {
		for i := 0; i < set.Count; i++ {
			m.startUnitLocked(set.Tiers)
		}
	}
	m.logger.InfoContext(ctx, "worker units started", "units", len(m.units))
	metrics.ActiveWorkers.Set(float64(len(m.units)))
	return nil
}

// ScaleTier adds delta units serving only tier, or for a negative delta
// gracefully retires units that serve tier. Units dedicated to tier go
// first, then shared units, most recently started first within each
// group. It returns the number of units changed.
func (m *Manager) ScaleTier(ctx context.Context, tier domain.Priority, delta int) (int, error) {
	if !tier.Valid() {
		return 0, fmt.Errorf("%w: unknown tier %q", domain.ErrValidation, tier)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return 0, ErrManagerStopped
	}

	changed := 0
	switch {
	case delta > 0:
		m.startLoopsLocked(ctx)
		for ; changed < delta; changed++ {
			m.startUnitLocked([]domain.Priority{tier})
		}
	case delta < 0:
		for _, dedicated := range []bool{true, false} {
			for i := len(m.units) - 1; i >= 0 && changed < -delta; i-- {
				u := m.units[i]
				if !slices.Contains(u.tiers, tier) || (len(u.tiers) == 1) != dedicated {
					continue
				}
				m.units = slices.Delete(m.units, i, i+1)
				m.retireLocked(u)
				changed++
			}
		}
	}
	metrics.ActiveWorkers.Set(float64(len(m.units)))
	m.logger.InfoContext(ctx, "scaled tier",
		"tier", string(tier),
		"requested", delta,
		"changed", changed,
		"units", len(m.units))
	return changed, nil
}

// retireLocked stops u polling and aborts it once its current task settled.
func (m *Manager) retireLocked(u *unit) {
	u.stopPolling()
	m.retiring.Add(1)
	go func() {
		defer m.retiring.Done()
		<-u.done
		u.abort()
	}()
}

// Stop shuts every unit and external process down. A graceful stop ends
// polling and waits up to timeout for in-flight tasks before cancelling
// them; otherwise execution is cancelled at once. Interrupted tasks are
// returned to their tier. ErrStopTimeout reports a forced cancellation.
func (m *Manager) Stop(graceful bool, timeout time.Duration) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	units := m.units
	m.units = nil
	externals := m.externals
	stopLoops, loopsDone := m.stopLoops, m.loopsDone
	m.mu.Unlock()

	m.logger.Info("stopping worker manager",
		"graceful", graceful,
		"timeout", timeout.String(),
		"units", len(units),
		"external_processes", len(externals))

	for _, u := range units {
		u.stopPolling()
		if !graceful {
			u.abort()
		}
	}
	for _, p := range externals {
		p.stop(graceful)
	}

	allDone := make(chan struct{})
	go func() {
		for _, u := range units {
			<-u.done
		}
		m.retiring.Wait()
		for _, p := range externals {
			<-p.Done()
		}
		close(allDone)
	}()

	var err error
	if graceful && timeout > 0 {
		timer := time.NewTimer(timeout)
		select {
		case <-allDone:
		case <-timer.C:
			m.logger.Warn("graceful stop timed out, cancelling in-flight tasks")
			err = ErrStopTimeout
			for _, u := range units {
				u.abort()
			}
			for _, p := range externals {
				p.stop(false)
			}
			<-allDone
		}
		timer.Stop()
	} else {
		for _, u := range units {
			u.abort()
		}
		<-allDone
	}
	for _, u := range units {
		u.abort()
	}

	if stopLoops != nil {
		stopLoops()
		<-loopsDone
	}
	metrics.ActiveWorkers.Set(0)
	m.logger.Info("worker manager stopped")
	return err
}

// UnitStatus describes one local worker unit.
type UnitStatus struct {
	ID            string            `json:"id"`
	Tiers         []domain.Priority `json:"tiers"`
	Healthy       bool              `json:"healthy"`
	CurrentTaskID string            `json:"current_task_id,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	LastError     string            `json:"last_error,omitempty"`
}

// Health is the worker part of the health surface.
type Health struct {
	Units         []UnitStatus         `json:"units"`
	External      []ExternalStatus     `json:"external,omitempty"`
	Registered    []queue.WorkerStatus `json:"registered"`
	RegistryError string               `json:"registry_error,omitempty"`
}

// WorkerHealth reports the local units, the external processes and every
// worker registered in the broker. A broker failure is reported in
// RegistryError rather than as an error.
func (m *Manager) WorkerHealth(ctx context.Context) *Health {
	m.mu.Lock()
	units := slices.Clone(m.units)
	externals := slices.Clone(m.externals)
	m.mu.Unlock()

	h := &Health{Units: make([]UnitStatus, 0, len(units))}
	for _, u := range units {
		h.Units = append(h.Units, u.status())
	}
	for _, p := range externals {
		h.External = append(h.External, p.Status())
	}
	registered, err := m.queue.Workers(ctx)
	if err != nil {
		h.RegistryError = err.Error()
	} else {
		h.Registered = registered
	}
	return h
}

// UnitCount returns the number of running local units.
func (m *Manager) UnitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.units)
}

func (m *Manager) startUnitLocked(tiers []domain.Priority) {
	if m.base == nil {
		m.base = context.Background()
	}
	exec, abort := context.WithCancel(m.base)
	polling, stopPolling := context.WithCancel(exec)
	pid := os.Getpid()
	u := &unit{
		id:          newUnitID(m.hostname, pid),
		tiers:       slices.Clone(tiers),
		hostname:    m.hostname,
		pid:         pid,
		startedAt:   m.now().UTC(),
		m:           m,
		exec:        exec,
		abort:       abort,
		polling:     polling,
		stopPolling: stopPolling,
		done:        make(chan struct{}),
	}
	u.logger = m.logger.With("worker_id", u.id)
	m.units = append(m.units, u)
	go u.run()
}

// startLoopsLocked starts the promoter and reaper once.
func (m *Manager) startLoopsLocked(ctx context.Context) {
	if m.base == nil {
		m.base = context.WithoutCancel(ctx)
	}
	if m.stopLoops != nil || m.cfg.DisableBackground {
		return
	}
	loopCtx, cancel := context.WithCancel(m.base)
	m.stopLoops = cancel
	m.loopsDone = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.every(loopCtx, m.cfg.PromoteInterval, func(ctx context.Context) {
			n, err := m.queue.PromoteDue(ctx)
			if err != nil {
				m.logger.DebugContext(ctx, "delayed task promotion failed", "error", err)
				return
			}
			if n > 0 {
				m.logger.DebugContext(ctx, "promoted delayed tasks", "count", n)
			}
		})
	}()
	go func() {
		defer wg.Done()
		m.every(loopCtx, m.cfg.HeartbeatTTL, func(ctx context.Context) {
			n, err := m.queue.RecoverOrphans(ctx)
			if err != nil {
				m.logger.DebugContext(ctx, "orphan recovery failed", "error", err)
				return
			}
			if n > 0 {
				m.logger.WarnContext(ctx, "requeued tasks from dead workers", "count", n)
			}
		})
	}()
	go func() {
		wg.Wait()
		close(m.loopsDone)
	}()
}

func (m *Manager) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
