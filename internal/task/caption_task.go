package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phrazzld/captionq/internal/domain"
	"github.com/phrazzld/captionq/internal/generation"
)

// Common errors
var (
	ErrNilGenerator = errors.New("generator cannot be nil")
	ErrNilLogger    = errors.New("logger cannot be nil")
)

// CaptionTask executes caption_generation payloads: one caption per image,
// with progress reported after each image.
type CaptionTask struct {
	generator generation.CaptionGenerator
	logger    *slog.Logger
}

var _ Executor = (*CaptionTask)(nil)

// NewCaptionTask creates the caption executor.
func NewCaptionTask(generator generation.CaptionGenerator, logger *slog.Logger) (*CaptionTask, error) {
	if generator == nil {
		return nil, ErrNilGenerator
	}
	if logger == nil {
		return nil, ErrNilLogger
	}
	return &CaptionTask{
		generator: generator,
		logger:    logger.With("task_type", domain.PayloadKindCaption),
	}, nil
}

// Execute implements Executor.
func (t *CaptionTask) Execute(ctx context.Context, exec *Execution) (json.RawMessage, error) {
	task := exec.Task
	req, err := task.Payload.CaptionRequest()
	if err != nil {
		return nil, domain.NewTaskExecutionError(task.ID, false, err)
	}

	n := len(req.Images)
	result := domain.CaptionResult{Captions: make([]domain.ImageCaption, 0, n)}
	for i, image := range req.Images {
		if err := exec.Checkpoint(ctx); err != nil {
			return nil, err
		}

		caption, err := t.generator.GenerateCaption(ctx, image, req.Settings)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, domain.NewTaskExecutionError(task.ID, !generation.IsPermanent(err),
				fmt.Errorf("caption image %s: %w", image.ID, err))
		}
		result.Captions = append(result.Captions, domain.ImageCaption{ImageID: image.ID, Caption: caption})

		percent := (i + 1) * 100 / n
		if err := exec.Progress(ctx, percent, fmt.Sprintf("captioned %d of %d images", i+1, n)); err != nil {
			return nil, err
		}
	}

	t.logger.DebugContext(ctx, "captions generated", "task_id", task.ID, "images", n)
	data, err := json.Marshal(result)
	if err != nil {
		return nil, domain.NewTaskExecutionError(task.ID, false, err)
	}
	return data, nil
}
