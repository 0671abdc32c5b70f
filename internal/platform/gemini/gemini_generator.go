package gemini

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"text/template"

	"google.golang.org/genai"

	"github.com/phrazzld/captionq/internal/config"
	"github.com/phrazzld/captionq/internal/domain"
	"github.com/phrazzld/captionq/internal/generation"
)

const defaultPrompt = `Write a single caption for the attached image.
{{- if .Style}}
Style: {{.Style}}.
{{- end}}
{{- if .Language}}
Write the caption in {{.Language}}.
{{- end}}
{{- if gt .MaxLength 0}}
Use at most {{.MaxLength}} characters.
{{- end}}
Reply with the caption text only.`

const defaultMaxImageBytes = 10 << 20

// GeminiGenerator implements generation.CaptionGenerator using Google's
// Gemini API.
type GeminiGenerator struct {
	logger         *slog.Logger
	client         *genai.Client
	model          string
	promptTemplate *template.Template
	httpClient     *http.Client
	maxImageBytes  int64
}

var _ generation.CaptionGenerator = (*GeminiGenerator)(nil)

// Option configures a GeminiGenerator.
type Option func(*GeminiGenerator)

// WithHTTPClient sets the client used to download images.
func WithHTTPClient(c *http.Client) Option {
	return func(g *GeminiGenerator) { g.httpClient = c }
}

// NewGeminiGenerator creates a GeminiGenerator from cfg.
func NewGeminiGenerator(
	ctx context.Context,
	logger *slog.Logger,
	cfg config.LLMConfig,
	opts ...Option,
) (*GeminiGenerator, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", generation.ErrInvalidConfig)
	}
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", generation.ErrInvalidConfig)
	}

	promptText := defaultPrompt
	if cfg.PromptTemplatePath != "" {
		content, err := os.ReadFile(cfg.PromptTemplatePath)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read prompt template from %s: %v",
				generation.ErrInvalidConfig, cfg.PromptTemplatePath, err)
		}
		promptText = string(content)
	}
	promptTemplate, err := template.New("caption").Parse(promptText)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse prompt template: %v", generation.ErrInvalidConfig, err)
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientConfig.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", generation.ErrInvalidConfig, err)
	}

	g := &GeminiGenerator{
		logger:         logger.With("component", "gemini_generator", "model", cfg.ModelName),
		client:         client,
		model:          cfg.ModelName,
		promptTemplate: promptTemplate,
		httpClient:     &http.Client{Timeout: cfg.RequestTimeout},
		maxImageBytes:  cfg.MaxImageBytes,
	}
	if g.maxImageBytes <= 0 {
		g.maxImageBytes = defaultMaxImageBytes
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// GenerateCaption implements generation.CaptionGenerator.
func (g *GeminiGenerator) GenerateCaption(
	ctx context.Context,
	image domain.CaptionImage,
	settings domain.CaptionSettings,
) (string, error) {
	prompt, err := g.createPrompt(settings)
	if err != nil {
		return "", err
	}
	data, mimeType, err := g.fetchImage(ctx, image)
	if err != nil {
		return "", err
	}

	g.logger.DebugContext(ctx, "requesting caption",
		"image_id", image.ID,
		"mime_type", mimeType,
		"image_bytes", len(data))

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(prompt),
			genai.NewPartFromBytes(data, mimeType),
		}, genai.RoleUser),
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", classifyAPIError(err)
	}
	return g.parseResponse(resp, image, settings)
}

func (g *GeminiGenerator) createPrompt(settings domain.CaptionSettings) (string, error) {
	var buf bytes.Buffer
	if err := g.promptTemplate.Execute(&buf, settings); err != nil {
		return "", fmt.Errorf("%w: failed to execute prompt template: %v", generation.ErrInvalidConfig, err)
	}
	return buf.String(), nil
}

func (g *GeminiGenerator) parseResponse(
	resp *genai.GenerateContentResponse,
	image domain.CaptionImage,
	settings domain.CaptionSettings,
) (string, error) {
	if resp == nil {
		return "", fmt.Errorf("%w: nil response", generation.ErrInvalidResponse)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("%w: image %s: %s",
			generation.ErrContentBlocked, image.ID, resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("%w: no candidates for image %s", generation.ErrInvalidResponse, image.ID)
	}
	if resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return "", fmt.Errorf("%w: image %s", generation.ErrContentBlocked, image.ID)
	}

	caption := strings.TrimSpace(resp.Text())
	if caption == "" {
		return "", fmt.Errorf("%w: empty caption for image %s", generation.ErrInvalidResponse, image.ID)
	}
	if settings.MaxLength > 0 {
		if runes := []rune(caption); len(runes) > settings.MaxLength {
			caption = strings.TrimSpace(string(runes[:settings.MaxLength]))
		}
	}
	return caption, nil
}
