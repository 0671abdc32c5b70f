// Package health tracks broker reachability and switches task intake to the
// durable fallback store while the broker is down.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/captionq/internal/domain"
	"github.com/phrazzld/captionq/internal/metrics"
)

// State is the broker health state.
type State string

// Broker health states.
const (
	StateHealthy        State = "healthy"
	StateDegraded       State = "degraded"
	StateFallbackActive State = "fallback_active"
	StateRecovering     State = "recovering"
)

var allStates = []State{StateHealthy, StateDegraded, StateFallbackActive, StateRecovering}

// Default monitor settings.
const (
	DefaultInterval         = 30 * time.Second
	DefaultFailureThreshold = 3
	DefaultPingTimeout      = 5 * time.Second
	maxDrainPasses          = 5
)

// Pinger checks broker connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Drainer moves fallback records into the broker.
type Drainer interface {
	MigrateFromDurableStore(ctx context.Context) (int, error)
	PendingFallbackCount(ctx context.Context) (int, error)
}

// Config configures a Monitor.
type Config struct {
	Interval         time.Duration
	FailureThreshold int
	PingTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	return c
}

// Status is a snapshot of the monitor.
type Status struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastCheck           time.Time `json:"last_check"`
	Since               time.Time `json:"since"`
	FallbackActive      bool      `json:"fallback_active"`
}

// Monitor runs the broker health state machine:
//
//	HEALTHY -> DEGRADED -> FALLBACK_ACTIVE -> RECOVERING -> HEALTHY
//
// A success while DEGRADED returns to HEALTHY. RECOVERING drains the
// fallback store and only reports HEALTHY once nothing is pending.
type Monitor struct {
	pinger  Pinger
	drainer Drainer
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time

	mu        sync.RWMutex
	state     State
	failures  int
	lastErr   error
	lastCheck time.Time
	since     time.Time

	// drainMu serialises drains started by overlapping checks.
	drainMu sync.Mutex
}

// NewMonitor creates a Monitor in the HEALTHY state.
func NewMonitor(pinger Pinger, drainer Drainer, logger *slog.Logger, cfg Config) (*Monitor, error) {
	if pinger == nil {
		return nil, fmt.Errorf("pinger cannot be nil")
	}
	if drainer == nil {
		return nil, fmt.Errorf("drainer cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	m := &Monitor{
		pinger:  pinger,
		drainer: drainer,
		logger:  logger.With("component", "broker_health_monitor"),
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		state:   StateHealthy,
	}
	m.since = m.now()
	m.publishState(StateHealthy)
	return m, nil
}

// Run checks the broker immediately and then every interval until ctx is
// done.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.InfoContext(ctx, "broker health monitor started",
		"interval", m.cfg.Interval.String(),
		"failure_threshold", m.cfg.FailureThreshold)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.InfoContext(ctx, "broker health monitor stopped")
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check pings the broker once, applies the transition, drains the fallback
// store when recovering, and returns the resulting state.
func (m *Monitor) Check(ctx context.Context) State {
	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
	err := m.pinger.Ping(pingCtx)
	cancel()

	m.mu.Lock()
	m.lastCheck = m.now()
	m.mu.Unlock()

	if err != nil {
		return m.recordFailure(ctx, err)
	}
	if m.recordSuccess(ctx) == StateRecovering {
		m.drain(ctx)
	}
	return m.State()
}

// ReportBrokerError counts a failed broker operation observed elsewhere as
// a failed ping.
func (m *Monitor) ReportBrokerError(err error) {
	if err == nil {
		return
	}
	m.recordFailure(context.Background(), err)
}

// IsFallbackActive reports whether new tasks must go to the durable store.
// It stays true while recovering so that intake does not race the drain.
func (m *Monitor) IsFallbackActive() bool {
	s := m.State()
	return s == StateFallbackActive || s == StateRecovering
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Status returns a snapshot for the health surface.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Status{
		State:               m.state,
		ConsecutiveFailures: m.failures,
		LastCheck:           m.lastCheck,
		Since:               m.since,
		FallbackActive:      m.state == StateFallbackActive || m.state == StateRecovering,
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

func (m *Monitor) recordFailure(ctx context.Context, err error) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failures++
	m.lastErr = err
	next := m.state
	switch m.state {
	case StateHealthy, StateDegraded:
		if m.failures >= m.cfg.FailureThreshold {
			next = StateFallbackActive
		} else {
			next = StateDegraded
		}
	case StateRecovering:
		next = StateFallbackActive
	}
	m.transitionLocked(ctx, next)
	return m.state
}

func (m *Monitor) recordSuccess(ctx context.Context) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failures = 0
	m.lastErr = nil
	switch m.state {
	case StateDegraded:
		m.transitionLocked(ctx, StateHealthy)
	case StateFallbackActive:
		m.transitionLocked(ctx, StateRecovering)
	}
	return m.state
}

// drain imports fallback records until none are pending. It leaves the
// monitor RECOVERING when records remain, so the next check resumes.
func (m *Monitor) drain(ctx context.Context) {
	m.drainMu.Lock()
	defer m.drainMu.Unlock()

	for pass := 0; pass < maxDrainPasses; pass++ {
		if m.State() != StateRecovering {
			return
		}
		migrated, err := m.drainer.MigrateFromDurableStore(ctx)
		if err != nil {
			m.logger.WarnContext(ctx, "fallback drain interrupted",
				"migrated", migrated,
				"error", err)
			if errors.Is(err, domain.ErrBrokerUnavailable) {
				m.recordFailure(ctx, err)
			}
			return
		}

		pending, err := m.drainer.PendingFallbackCount(ctx)
		if err != nil {
			m.logger.WarnContext(ctx, "failed to count pending fallback tasks", "error", err)
			return
		}
		m.logger.InfoContext(ctx, "fallback drain pass complete",
			"migrated", migrated,
			"pending", pending)
		if pending == 0 {
			m.mu.Lock()
			if m.state == StateRecovering {
				m.transitionLocked(ctx, StateHealthy)
			}
			m.mu.Unlock()
			return
		}
	}
}

func (m *Monitor) transitionLocked(ctx context.Context, next State) {
	if next == m.state {
		return
	}
	prev := m.state
	m.state = next
	m.since = m.now()
	m.publishState(next)

	attrs := []any{"from", string(prev), "to", string(next), "consecutive_failures", m.failures}
	if m.lastErr != nil {
		attrs = append(attrs, "error", m.lastErr)
	}
	switch next {
	case StateFallbackActive:
		m.logger.ErrorContext(ctx, "broker unreachable, fallback store active", attrs...)
	case StateDegraded:
		m.logger.WarnContext(ctx, "broker health degraded", attrs...)
	default:
		m.logger.InfoContext(ctx, "broker health state changed", attrs...)
	}
}

func (m *Monitor) publishState(current State) {
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1
		}
		metrics.BrokerState.WithLabelValues(string(s)).Set(v)
	}
}
