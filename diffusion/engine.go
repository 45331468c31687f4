// Package diffusion orchestrates a denoising generation: it resolves the
// timesteps to visit, prepares latents and conditioning for the requested
// variant, drives the scheduler against an inference engine and decodes the
// result.
package diffusion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/jmorganca/diffusion/inference"
	"github.com/jmorganca/diffusion/logutil"
	"github.com/jmorganca/diffusion/prompt"
	"github.com/jmorganca/diffusion/scheduler"
	"github.com/jmorganca/diffusion/tensor"
)

// Engine runs generations against an inference engine. It holds no
// per-generation state and is safe for concurrent use as long as its
// collaborators are.
type Engine struct {
	inference inference.Engine
	prompts   prompt.Provider
	logger    *slog.Logger
}

func New(engine inference.Engine, prompts prompt.Provider, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		inference: engine,
		prompts:   prompts,
		logger:    logger,
	}
}

func cancelled(err error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}

// Generate runs one generation and returns the decoded image tensor. A
// non-positive seed is replaced by a fresh random one, reported in the
// result's options.
func (e *Engine) Generate(ctx context.Context, model ModelOptions, p PromptOptions, opts scheduler.Options, fn ProgressFunc) (*Result, error) {
	if !model.Supports(p.Diffuser) {
		return nil, fmt.Errorf("%w: %s does not support %s", ErrUnsupportedDiffuser, model.Name, p.Diffuser)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	if model.ScaleFactor <= 0 {
		return nil, fmt.Errorf("%w: scale factor %v", scheduler.ErrInvalidOptions, model.ScaleFactor)
	}

	if opts.Seed <= 0 {
		opts.Seed = rand.Int64N(math.MaxInt32) + 1
	}

	guidance := opts.GuidanceScale > 1 && !model.Pipeline.Consistency()

	s, err := newSession(model, p, opts, guidance)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	s.timesteps = Visited(s.scheduler, opts, p.Diffuser)
	if len(s.timesteps) == 0 {
		return nil, fmt.Errorf("%w: strength %v over %d steps", ErrNoTimesteps, opts.Strength, opts.InferenceSteps)
	}

	start := time.Now()
	e.logger.Debug("generation started", "session", s.ID, "model", model.Name, "pipeline", model.Pipeline,
		"diffuser", p.Diffuser, "scheduler", opts.Type, "seed", opts.Seed, "steps", len(s.timesteps), "guidance", guidance)

	s.embeddings, err = e.prompts.Embeddings(ctx, prompt.Request{
		Model:          model.Name,
		Prompt:         p.Prompt,
		NegativePrompt: p.NegativePrompt,
		Guidance:       guidance,
		Pooled:         model.Pipeline.XL(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx.Err())
		}
		return nil, err
	}

	if err := s.embeddings.Validate(prompt.Request{Guidance: guidance, Pooled: model.Pipeline.XL()}); err != nil {
		return nil, err
	}

	if err := e.prepare(ctx, s); err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx.Err())
		}
		return nil, err
	}

	if err := e.denoise(ctx, s, fn); err != nil {
		return nil, err
	}

	// the last step may have been cancelled during its call or callback
	if err := ctx.Err(); err != nil {
		e.logger.Debug("generation cancelled", "session", s.ID, "step", s.step)
		return nil, cancelled(err)
	}

	image, err := e.decode(ctx, s)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx.Err())
		}
		return nil, err
	}

	e.logger.Info("generation completed", "session", s.ID, "steps", s.step, "duration", time.Since(start))
	return &Result{
		Session: s.ID,
		Image:   image,
		Options: opts,
		Steps:   s.step,
	}, nil
}

// Visited returns the timesteps a generation walks. Strength variants skip
// the noisiest part of the schedule; multi-evaluation schedulers skip whole
// groups of positions.
func Visited(sched scheduler.Scheduler, opts scheduler.Options, d DiffuserType) []int {
	timesteps := sched.Timesteps()
	if !d.strength() {
		return timesteps
	}

	steps := opts.InferenceSteps
	init := min(int(math.Round(float64(steps)*float64(opts.Strength))), steps)
	start := max(steps-init, 0) * sched.Order()
	return timesteps[min(start, len(timesteps)):]
}

func (e *Engine) denoise(ctx context.Context, s *Session, fn ProgressFunc) error {
	model := inference.Unet
	if s.Prompt.Diffuser.control() {
		model = inference.ControlNet
	}

	for i, t := range s.timesteps {
		if err := ctx.Err(); err != nil {
			e.logger.Debug("generation cancelled", "session", s.ID, "step", s.step)
			return cancelled(err)
		}

		stepStart := time.Now()

		inputs, err := e.inputs(s, t)
		if err != nil {
			return err
		}

		outputs, err := inference.Run(ctx, e.inference, model, inputs)
		if err != nil {
			if ctx.Err() != nil {
				return cancelled(ctx.Err())
			}
			return err
		}

		prediction, err := inference.Output(model, outputs, inference.OutSample)
		if err != nil {
			return err
		}

		if s.Guidance {
			uncond, cond, err := tensor.Split(prediction)
			if err != nil {
				return &inference.Error{Model: model, Tensor: inference.OutSample, Err: err}
			}

			prediction, err = tensor.Guidance(uncond, cond, s.Options.GuidanceScale)
			if err != nil {
				return err
			}
		}

		latents, err := s.scheduler.Step(prediction, t, s.latents)
		if err != nil {
			return err
		}

		if s.Prompt.Diffuser == ImageInpaintLegacy {
			latents, err = s.recompose(latents, t)
			if err != nil {
				return err
			}
		}

		s.latents = latents
		s.step++

		logutil.Trace(ctx, e.logger, "step completed", "session", s.ID, "step", s.step, "total", len(s.timesteps), "timestep", t, "duration", time.Since(stepStart))

		if fn != nil {
			fn(Progress{Step: i + 1, Total: len(s.timesteps), Timestep: t, Latents: s.latents})
		}
	}

	return nil
}

// inputs assembles the named tensors for the denoising model at timestep t.
func (e *Engine) inputs(s *Session, t int) (inference.Tensors, error) {
	sample, err := s.scheduler.ScaleInput(s.batched(s.latents), t)
	if err != nil {
		return nil, err
	}

	if s.Prompt.Diffuser == ImageInpaint {
		sample, err = tensor.Concat(1, sample, s.batched(s.mask), s.batched(s.maskedLatents))
		if err != nil {
			return nil, err
		}
	}

	inputs := inference.Tensors{
		inference.Sample:              sample,
		inference.Timestep:            tensor.Full(float32(t), 1),
		inference.EncoderHiddenStates: s.embeddings.Prompt,
	}

	for name, v := range s.extras {
		inputs[name] = v
	}

	return inputs, nil
}

func (e *Engine) decode(ctx context.Context, s *Session) (*tensor.Tensor, error) {
	latents := tensor.Scale(s.latents, 1/s.Model.ScaleFactor)

	outputs, err := inference.Run(ctx, e.inference, inference.VaeDecoder, inference.Tensors{inference.LatentSample: latents})
	if err != nil {
		return nil, err
	}

	return inference.Output(inference.VaeDecoder, outputs, inference.Sample)
}

// encode runs the VAE encoder over an image tensor, optionally perturbs the
// encoding with InitialNoiseLevel noise and scales it into latent space.
func (e *Engine) encode(ctx context.Context, s *Session, image *tensor.Tensor, perturb bool) (*tensor.Tensor, error) {
	outputs, err := inference.Run(ctx, e.inference, inference.VaeEncoder, inference.Tensors{inference.Sample: image})
	if err != nil {
		return nil, err
	}

	latents, err := inference.Output(inference.VaeEncoder, outputs, inference.LatentSample)
	if err != nil {
		return nil, err
	}

	if shape := s.Options.LatentShape(); !slices.Equal(latents.Shape(), shape) {
		return nil, &inference.Error{
			Model:  inference.VaeEncoder,
			Tensor: inference.LatentSample,
			Err:    fmt.Errorf("%w: got %v, want %v", tensor.ErrShapeMismatch, latents.Shape(), shape),
		}
	}

	if perturb && s.Options.InitialNoiseLevel > 0 {
		latents, err = tensor.Add(latents, s.scheduler.RandomSample(latents.Shape(), s.Options.InitialNoiseLevel))
		if err != nil {
			return nil, err
		}
	}

	return tensor.Scale(latents, s.Model.ScaleFactor), nil
}

// IsCancelled reports whether err ended a generation by cancellation rather
// than failure.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
