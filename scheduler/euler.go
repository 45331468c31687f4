package scheduler

import "github.com/jmorganca/diffusion/tensor"

// eulerScheduler takes first order ODE steps between consecutive sigmas.
type eulerScheduler struct {
	sigmaBase
}

func newEuler(o Options) *eulerScheduler {
	return &eulerScheduler{sigmaBase: newSigmaBase(o)}
}

func (s *eulerScheduler) Step(output *tensor.Tensor, timestep int, latents *tensor.Tensor) (*tensor.Tensor, error) {
	i, err := s.advance(timestep)
	if err != nil {
		return nil, err
	}

	sigma, next := s.sigmas[i], s.sigmas[i+1]
	x0, err := s.denoised(output, latents, sigma)
	if err != nil {
		return nil, err
	}

	d, err := derivative(latents, x0, sigma)
	if err != nil {
		return nil, err
	}

	return tensor.Axpy(float32(next-sigma), d, latents)
}
