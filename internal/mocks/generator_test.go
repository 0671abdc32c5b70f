package mocks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/captionq/internal/domain"
)

func TestMockCaptionGenerator(t *testing.T) {
	ctx := context.Background()

	t.Run("default caption", func(t *testing.T) {
		g := &MockCaptionGenerator{}
		caption, err := g.GenerateCaption(ctx, domain.CaptionImage{ID: "a"}, domain.CaptionSettings{})
		require.NoError(t, err)
		assert.Equal(t, "caption for a", caption)
		assert.Equal(t, []string{"a"}, g.Calls())
	})

	t.Run("error", func(t *testing.T) {
		boom := errors.New("boom")
		g := NewMockCaptionGeneratorWithError(boom)
		_, err := g.GenerateCaption(ctx, domain.CaptionImage{ID: "a"}, domain.CaptionSettings{})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("custom function", func(t *testing.T) {
		g := &MockCaptionGenerator{
			GenerateCaptionFn: func(_ context.Context, img domain.CaptionImage, s domain.CaptionSettings) (string, error) {
				return img.ID + "/" + s.Language, nil
			},
		}
		caption, err := g.GenerateCaption(ctx, domain.CaptionImage{ID: "b"}, domain.CaptionSettings{Language: "de"})
		require.NoError(t, err)
		assert.Equal(t, "b/de", caption)
	})
}
