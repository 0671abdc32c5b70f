package generation

import (
	"context"

	"github.com/phrazzld/captionq/internal/domain"
)

// CaptionGenerator writes a caption for a single image.
type CaptionGenerator interface {
	// GenerateCaption returns the caption for image, honoring settings.
	// Errors wrap one of the sentinels in errors.go so callers can decide
	// whether a retry can help.
	GenerateCaption(ctx context.Context, image domain.CaptionImage, settings domain.CaptionSettings) (string, error)
}
