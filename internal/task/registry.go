package task

import (
	"fmt"
	"sync"

	"github.com/phrazzld/captionq/internal/domain"
)

// Registry maps payload kinds to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds kind to exec, replacing any previous binding.
func (r *Registry) Register(kind string, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[kind] = exec
}

// Lookup returns the executor for payload. Unknown kinds and unsupported
// payload versions are permanent failures.
func (r *Registry) Lookup(payload domain.Payload) (Executor, error) {
	if payload.Version > domain.PayloadVersion || payload.Version < 1 {
		return nil, fmt.Errorf("%w: payload version %d", domain.ErrUnsupportedSchemaVersion, payload.Version)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[payload.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: no executor for kind %q", domain.ErrInvalidPayload, payload.Kind)
	}
	return exec, nil
}

// Kinds returns the registered payload kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	return kinds
}
