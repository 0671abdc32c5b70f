package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/captionq/internal/platform/logger"
)

func TestEmitWithoutHandlers(t *testing.T) {
	_, log := logger.NewTestLogger(t)
	emitter := NewInMemoryEventEmitter(log)
	assert.NoError(t, emitter.EmitEvent(context.Background(), NewProgressEvent(testTask(t))))
}

func TestEmitDeliversInRegistrationOrder(t *testing.T) {
	_, log := logger.NewTestLogger(t)
	emitter := NewInMemoryEventEmitter(log)

	var order []string
	for _, name := range []string{"store", "redis", "metrics"} {
		emitter.RegisterHandler(EventHandlerFunc(func(context.Context, *TaskEvent) error {
			order = append(order, name)
			return nil
		}))
	}

	event := NewProgressEvent(testTask(t))
	require.NoError(t, emitter.EmitEvent(context.Background(), event))
	assert.Equal(t, []string{"store", "redis", "metrics"}, order)
}

func TestEmitKeepsDeliveringAfterFailure(t *testing.T) {
	buf, log := logger.NewTestLogger(t)
	emitter := NewInMemoryEventEmitter(log)

	failing := &MockEventHandler{HandlerError: errors.New("handler error")}
	after := &MockEventHandler{}
	emitter.RegisterHandler(failing)
	emitter.RegisterHandler(after)

	task := testTask(t)
	event := NewTerminalEvent(task)
	err := emitter.EmitEvent(context.Background(), event)
	assert.EqualError(t, err, "handler error")
	assert.Equal(t, 1, after.count())
	assert.Same(t, event, after.LastEvent)

	entry := buf.Find("event handler failed")
	require.NotNil(t, entry)
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, task.ID, entry["task_id"])
	assert.Equal(t, TypeTerminal, entry["event_type"])
}

func TestEmitJoinsEveryFailure(t *testing.T) {
	_, log := logger.NewTestLogger(t)
	emitter := NewInMemoryEventEmitter(log)

	errA := errors.New("a failed")
	errB := errors.New("b failed")
	emitter.RegisterHandler(&MockEventHandler{HandlerError: errA})
	emitter.RegisterHandler(&MockEventHandler{})
	emitter.RegisterHandler(&MockEventHandler{HandlerError: errB})

	err := emitter.EmitEvent(context.Background(), NewProgressEvent(testTask(t)))
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
}
