package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PayloadVersion is the payload schema version written by this build.
const PayloadVersion = 1

// PayloadKindCaption identifies caption generation work.
const PayloadKindCaption = "caption_generation"

// Payload is the opaque, versioned body of a task. Executors are selected by
// Kind and interpret Data themselves.
type Payload struct {
	Version int             `json:"version"`
	Kind    string          `json:"kind"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewPayload marshals data into a Payload of the given kind.
func NewPayload(kind string, data any) (Payload, error) {
	if strings.TrimSpace(kind) == "" {
		return Payload{}, fmt.Errorf("%w: payload kind cannot be empty", ErrValidation)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return Payload{Version: PayloadVersion, Kind: kind, Data: raw}, nil
}

// CaptionImage references one image to caption.
type CaptionImage struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	MIMEType string `json:"mime_type,omitempty"`
}

// CaptionSettings tunes the generated captions.
type CaptionSettings struct {
	MaxLength int    `json:"max_length,omitempty"`
	Language  string `json:"language,omitempty"`
	Style     string `json:"style,omitempty"`
}

// CaptionRequest is the Data of a caption_generation payload.
type CaptionRequest struct {
	Images   []CaptionImage  `json:"images"`
	Settings CaptionSettings `json:"settings"`
}

// Validate checks that at least one image is present and each has an ID and URL.
func (r *CaptionRequest) Validate() error {
	if len(r.Images) == 0 {
		return fmt.Errorf("%w: no images", ErrInvalidPayload)
	}
	for i, img := range r.Images {
		if img.ID == "" || img.URL == "" {
			return fmt.Errorf("%w: image %d missing id or url", ErrInvalidPayload, i)
		}
	}
	return nil
}

// ImageCaption is the caption generated for one image.
type ImageCaption struct {
	ImageID string `json:"image_id"`
	Caption string `json:"caption"`
}

// CaptionResult is stored as the task result of a completed caption task.
type CaptionResult struct {
	Captions []ImageCaption `json:"captions"`
}

// NewCaptionPayload wraps req in a caption_generation payload.
func NewCaptionPayload(req CaptionRequest) (Payload, error) {
	if err := req.Validate(); err != nil {
		return Payload{}, err
	}
	return NewPayload(PayloadKindCaption, req)
}

// CaptionRequest decodes the payload's Data as a CaptionRequest.
func (p Payload) CaptionRequest() (*CaptionRequest, error) {
	if p.Kind != PayloadKindCaption {
		return nil, fmt.Errorf("%w: kind %q is not %q", ErrInvalidPayload, p.Kind, PayloadKindCaption)
	}
	var req CaptionRequest
	if err := json.Unmarshal(p.Data, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}
