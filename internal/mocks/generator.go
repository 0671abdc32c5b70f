package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/phrazzld/captionq/internal/domain"
	"github.com/phrazzld/captionq/internal/generation"
)

// MockCaptionGenerator implements generation.CaptionGenerator for testing
type MockCaptionGenerator struct {
	// GenerateCaptionFn allows test cases to mock the GenerateCaption behavior
	GenerateCaptionFn func(ctx context.Context, image domain.CaptionImage, settings domain.CaptionSettings) (string, error)

	// Err is returned by every call when GenerateCaptionFn is nil
	Err error

	// Call tracking for verification
	mu       sync.Mutex
	imageIDs []string
}

var _ generation.CaptionGenerator = (*MockCaptionGenerator)(nil)

// GenerateCaption implements the generation.CaptionGenerator interface. By
// default it returns "caption for <image id>".
func (m *MockCaptionGenerator) GenerateCaption(
	ctx context.Context,
	image domain.CaptionImage,
	settings domain.CaptionSettings,
) (string, error) {
	m.mu.Lock()
	m.imageIDs = append(m.imageIDs, image.ID)
	m.mu.Unlock()

	if m.GenerateCaptionFn != nil {
		return m.GenerateCaptionFn(ctx, image, settings)
	}
	if m.Err != nil {
		return "", m.Err
	}
	return fmt.Sprintf("caption for %s", image.ID), nil
}

// Calls returns the IDs of the images passed to GenerateCaption, in order.
func (m *MockCaptionGenerator) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.imageIDs))
	copy(out, m.imageIDs)
	return out
}

// NewMockCaptionGeneratorWithError creates a MockCaptionGenerator that fails every call with err
func NewMockCaptionGeneratorWithError(err error) *MockCaptionGenerator {
	return &MockCaptionGenerator{Err: err}
}
