package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"

	"github.com/phrazzld/captionq/internal/generation"
)

// classifyAPIError maps a genai call failure onto the generation sentinels.
func classifyAPIError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", generation.ErrTransientFailure, err)
	}

	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", generation.ErrTransientFailure, err)
	}
	switch {
	case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
		return fmt.Errorf("%w: %s (%d)", generation.ErrTransientFailure, apiErr.Message, apiErr.Code)
	case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
		return fmt.Errorf("%w: %s (%d)", generation.ErrInvalidConfig, apiErr.Message, apiErr.Code)
	default:
		return fmt.Errorf("%w: %s (%d)", generation.ErrInvalidInput, apiErr.Message, apiErr.Code)
	}
}
