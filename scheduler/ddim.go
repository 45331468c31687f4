package scheduler

import (
	"math"

	"github.com/jmorganca/diffusion/tensor"
)

// ddimScheduler is the deterministic (eta = 0) DDIM sampler.
type ddimScheduler struct {
	base

	finalAlpha float64
}

func newDDIM(o Options) *ddimScheduler {
	s := &ddimScheduler{base: newBase(o), finalAlpha: 1}
	if !o.SetAlphaToOne {
		s.finalAlpha = s.alphasCumprod[0]
	}
	return s
}

func (s *ddimScheduler) InitNoiseSigma() float32 {
	return 1
}

func (s *ddimScheduler) ScaleInput(latents *tensor.Tensor, timestep int) (*tensor.Tensor, error) {
	if _, err := s.position(timestep); err != nil {
		return nil, err
	}
	return latents, nil
}

func (s *ddimScheduler) AddNoise(original, noise *tensor.Tensor, timesteps []int) (*tensor.Tensor, error) {
	return s.addNoiseAlpha(original, noise, timesteps)
}

func (s *ddimScheduler) Step(output *tensor.Tensor, timestep int, latents *tensor.Tensor) (*tensor.Tensor, error) {
	i, err := s.advance(timestep)
	if err != nil {
		return nil, err
	}

	alpha := s.alpha(timestep)
	alphaPrev := s.finalAlpha
	if prevT := s.previous(i); prevT >= 0 {
		alphaPrev = s.alpha(prevT)
	}

	x0, eps, err := s.originalSample(output, latents, alpha)
	if err != nil {
		return nil, err
	}

	return tensor.Axpy(float32(math.Sqrt(alphaPrev)), x0, tensor.Scale(eps, float32(math.Sqrt(1-alphaPrev))))
}
