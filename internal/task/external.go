package task

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/phrazzld/captionq/internal/domain"
)

// ExternalSpec describes an external worker process.
type ExternalSpec struct {
	// Binary overrides Config.WorkerBinary.
	Binary    string
	Tiers     []domain.Priority
	RedisAddr string
	// Count is the number of units the child runs; zero lets it decide.
	Count int
	// ExtraArgs are appended after the generated flags.
	ExtraArgs []string
	// Env is added to the parent's environment.
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// ExternalStatus describes a running or exited external process.
type ExternalStatus struct {
	PID       int               `json:"pid"`
	Tiers     []domain.Priority `json:"tiers"`
	StartedAt time.Time         `json:"started_at"`
	Running   bool              `json:"running"`
	ExitError string            `json:"exit_error,omitempty"`
}

// ExternalProcess is a worker process started by StartExternal. The child
// registers its own heartbeats; the manager only signals and reaps it.
type ExternalProcess struct {
	cmd       *exec.Cmd
	tiers     []domain.Priority
	startedAt time.Time
	done      chan struct{}

	mu      sync.Mutex
	waitErr error
}

// StartExternal launches an external worker process serving spec.Tiers.
func (m *Manager) StartExternal(ctx context.Context, spec ExternalSpec) (*ExternalProcess, error) {
	tiers := domain.CanonicalTiers(spec.Tiers)
	if len(tiers) == 0 {
		return nil, fmt.Errorf("%w: external worker needs at least one tier", domain.ErrValidation)
	}
	if spec.RedisAddr == "" {
		return nil, fmt.Errorf("%w: external worker needs a redis address", domain.ErrValidation)
	}
	binary := spec.Binary
	if binary == "" {
		binary = m.cfg.WorkerBinary
	}

	args := []string{"--tiers", joinTiers(tiers), "--redis-addr", spec.RedisAddr}
	if spec.Count > 0 {
		args = append(args, "--count", strconv.Itoa(spec.Count))
	}
	args = append(args, spec.ExtraArgs...)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, ErrManagerStopped
	}

	cmd := exec.Command(binary, args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start external worker %s: %w", binary, err)
	}

	p := &ExternalProcess{
		cmd:       cmd,
		tiers:     tiers,
		startedAt: m.now().UTC(),
		done:      make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.done)
	}()
	m.externals = append(m.externals, p)

	m.logger.InfoContext(ctx, "external worker started",
		"pid", cmd.Process.Pid,
		"binary", binary,
		"tiers", joinTiers(tiers))
	return p, nil
}

// PID returns the process ID.
func (p *ExternalProcess) PID() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited and been reaped.
func (p *ExternalProcess) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits and returns its exit error.
func (p *ExternalProcess) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Status returns a snapshot of the process.
func (p *ExternalProcess) Status() ExternalStatus {
	s := ExternalStatus{
		PID:       p.PID(),
		Tiers:     p.tiers,
		StartedAt: p.startedAt,
	}
	select {
	case <-p.done:
		p.mu.Lock()
		if p.waitErr != nil {
			s.ExitError = p.waitErr.Error()
		}
		p.mu.Unlock()
	default:
		s.Running = true
	}
	return s
}

// stop asks the process to exit: SIGTERM when graceful, SIGKILL otherwise.
func (p *ExternalProcess) stop(graceful bool) {
	select {
	case <-p.done:
		return
	default:
	}
	if graceful {
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err == nil {
			return
		}
	}
	_ = p.cmd.Process.Kill()
}
