package scheduler

import (
	"math"

	"github.com/jmorganca/diffusion/tensor"
)

// ddpmScheduler samples the posterior q(x_prev | x_t, x0) with the fixed
// small variance.
type ddpmScheduler struct {
	base
}

func newDDPM(o Options) *ddpmScheduler {
	return &ddpmScheduler{base: newBase(o)}
}

func (s *ddpmScheduler) InitNoiseSigma() float32 {
	return 1
}

func (s *ddpmScheduler) ScaleInput(latents *tensor.Tensor, timestep int) (*tensor.Tensor, error) {
	if _, err := s.position(timestep); err != nil {
		return nil, err
	}
	return latents, nil
}

func (s *ddpmScheduler) AddNoise(original, noise *tensor.Tensor, timesteps []int) (*tensor.Tensor, error) {
	return s.addNoiseAlpha(original, noise, timesteps)
}

func (s *ddpmScheduler) Step(output *tensor.Tensor, timestep int, latents *tensor.Tensor) (*tensor.Tensor, error) {
	i, err := s.advance(timestep)
	if err != nil {
		return nil, err
	}

	prevT := s.previous(i)
	alpha := s.alpha(timestep)
	alphaPrev := 1.0
	if prevT >= 0 {
		alphaPrev = s.alpha(prevT)
	}

	betaProd, betaProdPrev := 1-alpha, 1-alphaPrev
	currentAlpha := alpha / alphaPrev
	currentBeta := 1 - currentAlpha

	x0, _, err := s.originalSample(output, latents, alpha)
	if err != nil {
		return nil, err
	}

	c0 := math.Sqrt(alphaPrev) * currentBeta / betaProd
	ct := math.Sqrt(currentAlpha) * betaProdPrev / betaProd
	prev, err := tensor.Axpy(float32(c0), x0, tensor.Scale(latents, float32(ct)))
	if err != nil {
		return nil, err
	}

	if prevT < 0 {
		return prev, nil
	}

	variance := max(betaProdPrev/betaProd*currentBeta, 1e-20)
	noise := s.RandomSample(latents.Shape(), 1)
	return tensor.Axpy(float32(math.Sqrt(variance)), noise, prev)
}
