package gemini

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/phrazzld/captionq/internal/domain"
	"github.com/phrazzld/captionq/internal/generation"
)

// fetchImage downloads image and returns its bytes and MIME type.
func (g *GeminiGenerator) fetchImage(ctx context.Context, image domain.CaptionImage) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, image.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: image %s: %v", generation.ErrImageUnavailable, image.ID, err)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", fmt.Errorf("%w: fetch image %s: %v", generation.ErrTransientFailure, image.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, "", fmt.Errorf("%w: fetch image %s: status %d",
			generation.ErrTransientFailure, image.ID, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, "", fmt.Errorf("%w: fetch image %s: status %d",
			generation.ErrImageUnavailable, image.ID, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, g.maxImageBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("%w: read image %s: %v", generation.ErrTransientFailure, image.ID, err)
	}
	if int64(len(data)) > g.maxImageBytes {
		return nil, "", fmt.Errorf("%w: image %s exceeds %d bytes",
			generation.ErrImageUnavailable, image.ID, g.maxImageBytes)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: image %s is empty", generation.ErrImageUnavailable, image.ID)
	}

	mimeType := image.MIMEType
	if mimeType == "" {
		mimeType = resp.Header.Get("Content-Type")
	}
	if mimeType == "" || !strings.HasPrefix(mimeType, "image/") {
		mimeType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, "", fmt.Errorf("%w: image %s has content type %s",
			generation.ErrImageUnavailable, image.ID, mimeType)
	}
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	return data, mimeType, nil
}
