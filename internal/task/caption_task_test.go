package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/captionq/internal/domain"
	"github.com/phrazzld/captionq/internal/generation"
	"github.com/phrazzld/captionq/internal/mocks"
)

func TestNewCaptionTask(t *testing.T) {
	_, err := NewCaptionTask(nil, discardLogger())
	assert.ErrorIs(t, err, ErrNilGenerator)
	_, err = NewCaptionTask(&mocks.MockCaptionGenerator{}, nil)
	assert.ErrorIs(t, err, ErrNilLogger)
}

func TestCaptionTaskExecute(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	newExecution := func(task *domain.Task) *Execution {
		return &Execution{Task: task, queue: h.queue, reporter: h.mgr.reporter, logger: discardLogger()}
	}

	t.Run("captions every image", func(t *testing.T) {
		gen := &mocks.MockCaptionGenerator{}
		captions, err := NewCaptionTask(gen, discardLogger())
		require.NoError(t, err)
		task := h.enqueue(t, "user-ok", domain.PriorityNormal, fastRetry, "x", "y", "z")

		raw, err := captions.Execute(ctx, newExecution(task))
		require.NoError(t, err)

		var result domain.CaptionResult
		require.NoError(t, json.Unmarshal(raw, &result))
		require.Len(t, result.Captions, 3)
		assert.Equal(t, "caption for z", result.Captions[2].Caption)
		assert.Equal(t, []string{"x", "y", "z"}, gen.Calls())
		assert.Equal(t, 100, task.Progress)
		assert.Equal(t, "captioned 3 of 3 images", task.ProgressMessage)
	})

	t.Run("transient generator error is retryable", func(t *testing.T) {
		gen := mocks.NewMockCaptionGeneratorWithError(fmt.Errorf("%w: 503", generation.ErrTransientFailure))
		captions, err := NewCaptionTask(gen, discardLogger())
		require.NoError(t, err)
		task := h.enqueue(t, "user-transient", domain.PriorityNormal, fastRetry)

		_, err = captions.Execute(ctx, newExecution(task))
		require.Error(t, err)
		assert.True(t, domain.IsRetryable(err))
		assert.ErrorIs(t, err, generation.ErrTransientFailure)
	})

	t.Run("permanent generator error is not retryable", func(t *testing.T) {
		gen := mocks.NewMockCaptionGeneratorWithError(generation.ErrImageUnavailable)
		captions, err := NewCaptionTask(gen, discardLogger())
		require.NoError(t, err)
		task := h.enqueue(t, "user-permanent", domain.PriorityNormal, fastRetry)

		_, err = captions.Execute(ctx, newExecution(task))
		require.Error(t, err)
		assert.False(t, domain.IsRetryable(err))
	})

	t.Run("invalid payload is not retryable", func(t *testing.T) {
		captions, err := NewCaptionTask(&mocks.MockCaptionGenerator{}, discardLogger())
		require.NoError(t, err)
		task := h.enqueue(t, "user-invalid", domain.PriorityNormal, fastRetry)
		task.Payload.Data = json.RawMessage(`{"images":[]}`)

		_, err = captions.Execute(ctx, newExecution(task))
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrInvalidPayload)
		assert.False(t, domain.IsRetryable(err))
	})

	t.Run("stops at checkpoint when cancelled", func(t *testing.T) {
		gen := &mocks.MockCaptionGenerator{}
		captions, err := NewCaptionTask(gen, discardLogger())
		require.NoError(t, err)
		task := h.enqueue(t, "user-cancel", domain.PriorityUrgent, fastRetry, "one", "two")

		// Simulate a worker holding the task so Cancel flags it.
		claimed, err := h.queue.Claim(ctx, "worker-1", []domain.Priority{domain.PriorityUrgent}, 0)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.Equal(t, task.ID, claimed.Task.ID)
		require.NoError(t, h.queue.MarkRunning(ctx, claimed.Task, "worker-1"))
		_, err = h.queue.Cancel(ctx, task.ID)
		require.NoError(t, err)

		_, err = captions.Execute(ctx, newExecution(claimed.Task))
		assert.True(t, errors.Is(err, domain.ErrTaskCancelled))
		assert.Empty(t, gen.Calls())
	})
}
