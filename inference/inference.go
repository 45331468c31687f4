// Package inference defines the contract between the diffusion loop and the
// engine that executes the neural networks.
package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jmorganca/diffusion/tensor"
)

type ModelType int

const (
	Unet ModelType = iota
	VaeEncoder
	VaeDecoder
	ControlNet
	TextEncoder
	TextEncoder2
)

func (m ModelType) String() string {
	switch m {
	case Unet:
		return "unet"
	case VaeEncoder:
		return "vae_encoder"
	case VaeDecoder:
		return "vae_decoder"
	case ControlNet:
		return "controlnet"
	case TextEncoder:
		return "text_encoder"
	case TextEncoder2:
		return "text_encoder_2"
	default:
		return fmt.Sprintf("ModelType(%d)", int(m))
	}
}

// Tensor names shared by the engine and the diffusion loop.
const (
	Sample              = "sample"
	Timestep            = "timestep"
	EncoderHiddenStates = "encoder_hidden_states"
	TextEmbeds          = "text_embeds"
	TimeIDs             = "time_ids"
	TimestepCond        = "timestep_cond"
	ControlNetCond      = "controlnet_cond"
	ConditioningScale   = "conditioning_scale"
	OutSample           = "out_sample"
	LatentSample        = "latent_sample"
)

// Tensors maps tensor names to values.
type Tensors map[string]*tensor.Tensor

// Engine runs one forward pass of a model. Implementations must not retain
// the inputs after returning.
type Engine interface {
	Run(ctx context.Context, model ModelType, inputs Tensors) (Tensors, error)
}

// Func adapts a function to Engine.
type Func func(ctx context.Context, model ModelType, inputs Tensors) (Tensors, error)

func (f Func) Run(ctx context.Context, model ModelType, inputs Tensors) (Tensors, error) {
	return f(ctx, model, inputs)
}

var ErrMissingTensor = errors.New("missing tensor")

// Error is an engine failure attributed to a model and, where known, to the
// tensor that caused it.
type Error struct {
	Model  ModelType
	Tensor string
	Err    error
}

func (e *Error) Error() string {
	if e.Tensor != "" {
		return fmt.Sprintf("%s: %s: %v", e.Model, e.Tensor, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Model, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Output returns the named output or an *Error naming the missing tensor.
func Output(model ModelType, outputs Tensors, name string) (*tensor.Tensor, error) {
	t, ok := outputs[name]
	if !ok || t == nil {
		return nil, &Error{Model: model, Tensor: name, Err: ErrMissingTensor}
	}
	return t, nil
}

// Run calls e and wraps any failure that is not already an *Error.
func Run(ctx context.Context, e Engine, model ModelType, inputs Tensors) (Tensors, error) {
	outputs, err := e.Run(ctx, model, inputs)
	if err != nil {
		var ierr *Error
		if errors.As(err, &ierr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &Error{Model: model, Err: err}
	}
	return outputs, nil
}

// Serial wraps e so that at most one forward pass runs at a time, matching a
// single accelerator shared by concurrent generations.
func Serial(e Engine) Engine {
	return &serial{engine: e}
}

type serial struct {
	mu     sync.Mutex
	engine Engine
}

func (s *serial) Run(ctx context.Context, model ModelType, inputs Tensors) (Tensors, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.engine.Run(ctx, model, inputs)
}
