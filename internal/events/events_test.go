package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/captionq/internal/domain"
)

// MockEventHandler is a test implementation of EventHandler.
type MockEventHandler struct {
	mu sync.Mutex
	// The last event received by this handler
	LastEvent *TaskEvent
	// Error to return from HandleEvent
	HandlerError error
	// Count of events handled
	HandledCount int
}

// HandleEvent implements the EventHandler interface
func (h *MockEventHandler) HandleEvent(ctx context.Context, event *TaskEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.LastEvent = event
	h.HandledCount++
	return h.HandlerError
}

func (h *MockEventHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.HandledCount
}

func testTask(t *testing.T) *domain.Task {
	t.Helper()
	payload, err := domain.NewPayload(domain.PayloadKindCaption, map[string]any{"images": []string{}})
	require.NoError(t, err)
	task, err := domain.NewTask("user-1", domain.PriorityHigh, payload, domain.RetryPolicy{})
	require.NoError(t, err)
	return task
}

func TestNewProgressEvent(t *testing.T) {
	task := testTask(t)
	task.SetProgress(50, "halfway")

	ev := NewProgressEvent(task)
	assert.Equal(t, TypeProgress, ev.Type)
	assert.Equal(t, task.ID, ev.TaskID)
	assert.Equal(t, "user-1", ev.UserID)
	assert.Equal(t, 50, ev.Progress)
	assert.Equal(t, "halfway", ev.Message)
	assert.NotEqual(t, ev.ID, NewProgressEvent(task).ID)
}

func TestNewTerminalEvent(t *testing.T) {
	task := testTask(t)
	require.NoError(t, task.Terminate(domain.TaskStatusFailed, "generator unavailable", time.Now()))

	ev := NewTerminalEvent(task)
	assert.Equal(t, TypeTerminal, ev.Type)
	assert.Equal(t, domain.TaskStatusFailed, ev.Status)
	assert.Equal(t, "generator unavailable", ev.ErrorDetail)

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	var decoded TaskEvent
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, ev.TaskID, decoded.TaskID)
}

func TestEventHandlerFunc(t *testing.T) {
	var got *TaskEvent
	h := EventHandlerFunc(func(_ context.Context, ev *TaskEvent) error {
		got = ev
		return nil
	})
	ev := NewProgressEvent(testTask(t))
	require.NoError(t, h.HandleEvent(context.Background(), ev))
	assert.Same(t, ev, got)
}
