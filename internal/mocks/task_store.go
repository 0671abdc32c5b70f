package mocks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/phrazzld/captionq/internal/domain"
	"github.com/phrazzld/captionq/internal/store"
)

// MockTaskStore is an in-memory store.TaskStore. It enforces the same
// one-active-task-per-user rule and terminal immutability as the PostgreSQL
// store. Function fields override the default behaviour.
type MockTaskStore struct {
	UpsertTaskFn           func(ctx context.Context, task *domain.Task, inBroker bool) error
	CreateFallbackTaskFn   func(ctx context.Context, task *domain.Task) error
	RequeueFallbackFn      func(ctx context.Context, task *domain.Task) error
	GetTaskFn              func(ctx context.Context, id string) (*domain.Task, error)
	UpdateProgressFn       func(ctx context.Context, id string, percent int, message string) error
	ListPendingFallbackFn  func(ctx context.Context, limit int) ([]*domain.Task, error)
	MarkInBrokerFn         func(ctx context.Context, id string) error
	CountPendingFallbackFn func(ctx context.Context) (int, error)

	mu       sync.Mutex
	tasks    map[string]*domain.Task
	inBroker map[string]bool
	events   map[string][]store.TaskEvent
}

var (
	_ store.TaskStore   = (*MockTaskStore)(nil)
	_ store.TaskHistory = (*MockTaskStore)(nil)
)

// NewMockTaskStore creates an empty MockTaskStore.
func NewMockTaskStore() *MockTaskStore {
	return &MockTaskStore{
		tasks:    make(map[string]*domain.Task),
		inBroker: make(map[string]bool),
		events:   make(map[string][]store.TaskEvent),
	}
}

// UpsertTask implements store.TaskStore.
func (m *MockTaskStore) UpsertTask(ctx context.Context, task *domain.Task, inBroker bool) error {
	if m.UpsertTaskFn != nil {
		return m.UpsertTaskFn(ctx, task, inBroker)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, exists := m.tasks[task.ID]
	if exists && prev.Status.IsTerminal() {
		return nil
	}
	if task.Status.IsActive() && m.activeConflict(task) {
		return store.ErrActiveTaskExists
	}
	m.tasks[task.ID] = task.Clone()
	m.inBroker[task.ID] = m.inBroker[task.ID] || inBroker
	if !exists || prev.Status != task.Status {
		m.appendEvent(task)
	}
	return nil
}

// CreateFallbackTask implements store.TaskStore.
func (m *MockTaskStore) CreateFallbackTask(ctx context.Context, task *domain.Task) error {
	if m.CreateFallbackTaskFn != nil {
		return m.CreateFallbackTaskFn(ctx, task)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[task.ID]; exists {
		return store.ErrDuplicate
	}
	if m.activeConflict(task) {
		return store.ErrActiveTaskExists
	}
	m.tasks[task.ID] = task.Clone()
	m.inBroker[task.ID] = false
	m.appendEvent(task)
	return nil
}

// RequeueFallback implements store.TaskStore.
func (m *MockTaskStore) RequeueFallback(ctx context.Context, task *domain.Task) error {
	if m.RequeueFallbackFn != nil {
		return m.RequeueFallbackFn(ctx, task)
	}
	if task.Status != domain.TaskStatusQueued {
		return fmt.Errorf("%w: fallback row must be queued, got %s", store.ErrInvalidEntity, task.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, exists := m.tasks[task.ID]
	if exists && prev.Status.IsTerminal() {
		return nil
	}
	if m.activeConflict(task) {
		return store.ErrActiveTaskExists
	}
	m.tasks[task.ID] = task.Clone()
	m.inBroker[task.ID] = false
	if !exists || prev.Status != task.Status {
		m.appendEvent(task)
	}
	return nil
}

// GetTask implements store.TaskStore.
func (m *MockTaskStore) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	if m.GetTaskFn != nil {
		return m.GetTaskFn(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return task.Clone(), nil
}

// UpdateProgress implements store.TaskStore.
func (m *MockTaskStore) UpdateProgress(ctx context.Context, id string, percent int, message string) error {
	if m.UpdateProgressFn != nil {
		return m.UpdateProgressFn(ctx, id, percent, message)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok || task.Status.IsTerminal() {
		return fmt.Errorf("%w: task %s missing or terminal", store.ErrUpdateFailed, id)
	}
	task.Progress = percent
	task.ProgressMessage = message
	return nil
}

// ListPendingFallback implements store.TaskStore.
func (m *MockTaskStore) ListPendingFallback(ctx context.Context, limit int) ([]*domain.Task, error) {
	if m.ListPendingFallbackFn != nil {
		return m.ListPendingFallbackFn(ctx, limit)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := m.pendingLocked()
	sort.SliceStable(pending, func(i, j int) bool {
		ri, rj := pending[i].Priority.Rank(), pending[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]*domain.Task, len(pending))
	for i, t := range pending {
		out[i] = t.Clone()
	}
	return out, nil
}

// MarkInBroker implements store.TaskStore.
func (m *MockTaskStore) MarkInBroker(ctx context.Context, id string) error {
	if m.MarkInBrokerFn != nil {
		return m.MarkInBrokerFn(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[id]; !ok {
		return store.ErrTaskNotFound
	}
	m.inBroker[id] = true
	return nil
}

// CountPendingFallback implements store.TaskStore.
func (m *MockTaskStore) CountPendingFallback(ctx context.Context) (int, error) {
	if m.CountPendingFallbackFn != nil {
		return m.CountPendingFallbackFn(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pendingLocked()), nil
}

// ListTaskEvents implements store.TaskHistory.
func (m *MockTaskStore) ListTaskEvents(ctx context.Context, id string) ([]store.TaskEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.TaskEvent(nil), m.events[id]...), nil
}

// InBroker reports whether the row for id is flagged as imported.
func (m *MockTaskStore) InBroker(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inBroker[id]
}

// Len returns the number of stored rows.
func (m *MockTaskStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func (m *MockTaskStore) pendingLocked() []*domain.Task {
	var pending []*domain.Task
	for id, t := range m.tasks {
		if t.Status == domain.TaskStatusQueued && !m.inBroker[id] {
			pending = append(pending, t)
		}
	}
	return pending
}

func (m *MockTaskStore) activeConflict(task *domain.Task) bool {
	for id, other := range m.tasks {
		if id != task.ID && other.UserID == task.UserID && other.Status.IsActive() {
			return true
		}
	}
	return false
}

func (m *MockTaskStore) appendEvent(task *domain.Task) {
	m.events[task.ID] = append(m.events[task.ID], store.TaskEvent{
		TaskID:    task.ID,
		Status:    task.Status,
		Detail:    task.ErrorDetail,
		WorkerID:  task.WorkerID,
		CreatedAt: time.Now().UTC(),
	})
}
