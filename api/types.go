package api

import (
	"time"

	"github.com/jmorganca/diffusion/batch"
	"github.com/jmorganca/diffusion/scheduler"
)

// ImageData is an encoded PNG or JPEG image, base64 in JSON.
type ImageData []byte

type GenerateRequest struct {
	// Model names a model set from the server's configuration.
	Model string `json:"model"`

	// Pipeline overrides the configured pipeline, or selects one for a model
	// that is not configured.
	Pipeline string `json:"pipeline,omitempty"`

	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`

	// Diffuser selects the variant, text_to_image when empty.
	Diffuser string `json:"diffuser,omitempty"`

	Image        ImageData `json:"image,omitempty"`
	Mask         ImageData `json:"mask,omitempty"`
	ControlImage ImageData `json:"control_image,omitempty"`

	// Options override the scheduler options by their JSON names, for
	// example {"scheduler": "ddim", "steps": 20, "seed": 42}.
	Options map[string]any `json:"options,omitempty"`

	// Stream reports progress as server-sent events. It defaults to true.
	Stream *bool `json:"stream,omitempty"`
}

type GenerateResponse struct {
	Session string    `json:"session"`
	Image   ImageData `json:"image"`

	// Options are the effective options, including the resolved seed.
	Options scheduler.Options `json:"options"`
	Steps   int               `json:"steps"`

	TotalDuration time.Duration `json:"total_duration"`
}

type ProgressResponse struct {
	// Index is the batch combination, always 0 for single generations.
	Index    int `json:"index"`
	Step     int `json:"step"`
	Total    int `json:"total"`
	Timestep int `json:"timestep"`
}

type BatchRequest struct {
	GenerateRequest

	Sweep batch.Sweep `json:"sweep"`

	// Policy is required: "continue" or "abort".
	Policy   string `json:"policy"`
	Parallel int    `json:"parallel,omitempty"`
}

type BatchResponse struct {
	Index   int               `json:"index"`
	Options scheduler.Options `json:"options"`
	Error   string            `json:"error,omitempty"`

	Result *GenerateResponse `json:"result,omitempty"`
}

type SchedulersResponse struct {
	Schedulers []string `json:"schedulers"`
	Diffusers  []string `json:"diffusers"`
	Pipelines  []string `json:"pipelines"`
}

// Server-sent event names.
const (
	EventProgress = "progress"
	EventResult   = "result"
	EventError    = "error"
)
