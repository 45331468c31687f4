package diffusion

import (
	"errors"
	"fmt"
	"image"
	"slices"
	"strings"

	"github.com/jmorganca/diffusion/scheduler"
	"github.com/jmorganca/diffusion/tensor"
)

var (
	ErrCancelled           = errors.New("generation cancelled")
	ErrNoTimesteps         = errors.New("strength leaves no timesteps to visit")
	ErrUnsupportedDiffuser = errors.New("unsupported diffuser")
	ErrMissingInput        = errors.New("missing input")
)

type PipelineType int

const (
	StableDiffusion PipelineType = iota
	StableDiffusionXL
	LatentConsistency
	LatentConsistencyXL
)

var pipelines = []PipelineType{StableDiffusion, StableDiffusionXL, LatentConsistency, LatentConsistencyXL}

func (p PipelineType) String() string {
	switch p {
	case StableDiffusion:
		return "stable_diffusion"
	case StableDiffusionXL:
		return "stable_diffusion_xl"
	case LatentConsistency:
		return "latent_consistency"
	case LatentConsistencyXL:
		return "latent_consistency_xl"
	default:
		return fmt.Sprintf("PipelineType(%d)", int(p))
	}
}

func PipelineTypes() []PipelineType {
	return pipelines
}

func ParsePipelineType(s string) (PipelineType, error) {
	for _, p := range pipelines {
		if normalize(s) == normalize(p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown pipeline %q", s)
}

func (p PipelineType) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *PipelineType) UnmarshalText(text []byte) (err error) {
	*p, err = ParsePipelineType(string(text))
	return err
}

// XL pipelines condition on pooled embeddings and time ids.
func (p PipelineType) XL() bool {
	return p == StableDiffusionXL || p == LatentConsistencyXL
}

// Consistency pipelines embed the guidance scale instead of running
// classifier-free guidance.
func (p PipelineType) Consistency() bool {
	return p == LatentConsistency || p == LatentConsistencyXL
}

type DiffuserType int

const (
	TextToImage DiffuserType = iota
	ImageToImage
	ImageInpaint
	ImageInpaintLegacy
	ControlNet
	ControlNetImage
)

var diffusers = []DiffuserType{TextToImage, ImageToImage, ImageInpaint, ImageInpaintLegacy, ControlNet, ControlNetImage}

// DiffuserTypes lists every supported variant.
func DiffuserTypes() []DiffuserType {
	return diffusers
}

func (d DiffuserType) String() string {
	switch d {
	case TextToImage:
		return "text_to_image"
	case ImageToImage:
		return "image_to_image"
	case ImageInpaint:
		return "image_inpaint"
	case ImageInpaintLegacy:
		return "image_inpaint_legacy"
	case ControlNet:
		return "controlnet"
	case ControlNetImage:
		return "controlnet_image"
	default:
		return fmt.Sprintf("DiffuserType(%d)", int(d))
	}
}

func ParseDiffuserType(s string) (DiffuserType, error) {
	for _, d := range diffusers {
		if normalize(s) == normalize(d.String()) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("%w %q", ErrUnsupportedDiffuser, s)
}

func (d DiffuserType) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *DiffuserType) UnmarshalText(text []byte) (err error) {
	*d, err = ParseDiffuserType(string(text))
	return err
}

// strength reports whether the variant walks a partial trajectory from an
// encoded input image.
func (d DiffuserType) strength() bool {
	return d == ImageToImage || d == ImageInpaintLegacy || d == ControlNetImage
}

func (d DiffuserType) control() bool {
	return d == ControlNet || d == ControlNetImage
}

func normalize(s string) string {
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToLower(s))
}

// ModelType distinguishes a base model from an XL refiner, which is
// conditioned on an aesthetic score instead of a target size.
type ModelType int

const (
	Base ModelType = iota
	Refiner
)

func (m ModelType) String() string {
	if m == Refiner {
		return "refiner"
	}
	return "base"
}

const (
	ScaleFactorSD = 0.18215
	ScaleFactorXL = 0.13025
)

type ModelOptions struct {
	Name     string       `json:"name"`
	Pipeline PipelineType `json:"pipeline"`

	// Diffusers lists the variants the model's weights support. An empty
	// list allows every variant.
	Diffusers []DiffuserType `json:"diffusers,omitempty"`

	// ScaleFactor maps VAE latents to the unit-variance space the UNet
	// works in.
	ScaleFactor float32   `json:"scale_factor"`
	ModelType   ModelType `json:"-"`
	SampleSize  int       `json:"sample_size"`
}

// DefaultModelOptions returns options with the scale factor and sample size
// of the pipeline's reference weights.
func DefaultModelOptions(name string, pipeline PipelineType) ModelOptions {
	m := ModelOptions{
		Name:        name,
		Pipeline:    pipeline,
		ScaleFactor: ScaleFactorSD,
		SampleSize:  512,
	}

	if pipeline.XL() {
		m.ScaleFactor = ScaleFactorXL
		m.SampleSize = 1024
	}
	return m
}

func (m ModelOptions) Supports(d DiffuserType) bool {
	return len(m.Diffusers) == 0 || slices.Contains(m.Diffusers, d)
}

// PromptOptions carries the text and images for one generation.
type PromptOptions struct {
	Prompt         string
	NegativePrompt string
	Diffuser       DiffuserType

	// InputImage seeds image-to-image, inpainting and ControlNetImage.
	InputImage image.Image

	// Mask selects the region to repaint by its alpha channel: opaque
	// pixels are generated, transparent pixels keep the input image.
	Mask image.Image

	ControlImage image.Image
}

// Validate checks that the images the diffuser needs are present.
func (p PromptOptions) Validate() error {
	switch {
	case (p.Diffuser.strength() || p.Diffuser == ImageInpaint) && p.InputImage == nil:
		return fmt.Errorf("%w: %s requires an input image", ErrMissingInput, p.Diffuser)
	case (p.Diffuser == ImageInpaint || p.Diffuser == ImageInpaintLegacy) && p.Mask == nil:
		return fmt.Errorf("%w: %s requires a mask", ErrMissingInput, p.Diffuser)
	case p.Diffuser.control() && p.ControlImage == nil:
		return fmt.Errorf("%w: %s requires a control image", ErrMissingInput, p.Diffuser)
	}
	return nil
}

// Progress is reported after every completed step.
type Progress struct {
	Step     int
	Total    int
	Timestep int
	Latents  *tensor.Tensor
}

// ProgressFunc is called synchronously from the denoising loop and must not
// block.
type ProgressFunc func(Progress)

type Result struct {
	Session string
	Image   *tensor.Tensor

	// Options are the effective options, including the resolved seed.
	Options scheduler.Options
	Steps   int
}
