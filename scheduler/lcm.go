package scheduler

import (
	"math"

	"github.com/jmorganca/diffusion/tensor"
)

const (
	lcmSigmaData       = 0.5
	lcmTimestepScaling = 10.0
)

// lcmScheduler applies the latent consistency boundary condition, mapping a
// prediction straight to a clean estimate. Multi-step walks re-noise that
// estimate down to the next timestep.
type lcmScheduler struct {
	base
}

func newLCM(o Options) *lcmScheduler {
	s := &lcmScheduler{base: newBase(o)}
	s.timesteps = lcmTimesteps(o)
	return s
}

// lcmTimesteps picks N timesteps from the distillation grid.
func lcmTimesteps(o Options) []int {
	k := o.TrainTimesteps / o.OriginalInferenceSteps
	origin := make([]int, o.OriginalInferenceSteps)
	for i := range origin {
		origin[len(origin)-1-i] = (i+1)*k - 1
	}

	skip := max(len(origin)/o.InferenceSteps, 1)
	timesteps := make([]int, 0, o.InferenceSteps)
	for i := 0; i < len(origin) && len(timesteps) < o.InferenceSteps; i += skip {
		timesteps = append(timesteps, origin[i])
	}
	return timesteps
}

func (s *lcmScheduler) InitNoiseSigma() float32 {
	return 1
}

func (s *lcmScheduler) ScaleInput(latents *tensor.Tensor, timestep int) (*tensor.Tensor, error) {
	if _, err := s.position(timestep); err != nil {
		return nil, err
	}
	return latents, nil
}

func (s *lcmScheduler) AddNoise(original, noise *tensor.Tensor, timesteps []int) (*tensor.Tensor, error) {
	return s.addNoiseAlpha(original, noise, timesteps)
}

// boundary returns c_skip and c_out for timestep t.
func boundary(t int) (skip, out float64) {
	scaled := float64(t) * lcmTimestepScaling
	denom := scaled*scaled + lcmSigmaData*lcmSigmaData
	return lcmSigmaData * lcmSigmaData / denom, scaled / math.Sqrt(denom)
}

func (s *lcmScheduler) Step(output *tensor.Tensor, timestep int, latents *tensor.Tensor) (*tensor.Tensor, error) {
	i, err := s.advance(timestep)
	if err != nil {
		return nil, err
	}

	x0, _, err := s.originalSample(output, latents, s.alpha(timestep))
	if err != nil {
		return nil, err
	}

	cSkip, cOut := boundary(timestep)
	denoised, err := tensor.Axpy(float32(cOut), x0, tensor.Scale(latents, float32(cSkip)))
	if err != nil {
		return nil, err
	}

	prevT := s.previous(i)
	if prevT < 0 {
		return denoised, nil
	}

	alphaPrev := s.alpha(prevT)
	noise := s.RandomSample(latents.Shape(), 1)
	return tensor.Axpy(float32(math.Sqrt(alphaPrev)), denoised, tensor.Scale(noise, float32(math.Sqrt(1-alphaPrev))))
}
