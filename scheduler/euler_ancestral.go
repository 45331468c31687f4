package scheduler

import (
	"math"

	"github.com/jmorganca/diffusion/tensor"
)

// eulerAncestralScheduler steps to a reduced sigma and then adds fresh noise
// to land on the next sigma of the schedule.
type eulerAncestralScheduler struct {
	sigmaBase
}

func newEulerAncestral(o Options) *eulerAncestralScheduler {
	return &eulerAncestralScheduler{sigmaBase: newSigmaBase(o)}
}

func (s *eulerAncestralScheduler) Step(output *tensor.Tensor, timestep int, latents *tensor.Tensor) (*tensor.Tensor, error) {
	i, err := s.advance(timestep)
	if err != nil {
		return nil, err
	}

	from, to := s.sigmas[i], s.sigmas[i+1]
	up := math.Sqrt(to * to * (from*from - to*to) / (from * from))
	down := math.Sqrt(to*to - up*up)

	x0, err := s.denoised(output, latents, from)
	if err != nil {
		return nil, err
	}

	d, err := derivative(latents, x0, from)
	if err != nil {
		return nil, err
	}

	prev, err := tensor.Axpy(float32(down-from), d, latents)
	if err != nil {
		return nil, err
	}

	if to == 0 {
		return prev, nil
	}

	noise := s.RandomSample(latents.Shape(), 1)
	return tensor.Axpy(float32(up), noise, prev)
}
