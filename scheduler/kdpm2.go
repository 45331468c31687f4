package scheduler

import (
	"fmt"
	"math"

	"github.com/jmorganca/diffusion/tensor"
)

// kdpm2Scheduler is a second order sampler. Each inference step is split
// into a predictor evaluation at the full sigma and a corrector evaluation at
// the log-space midpoint toward the next sigma, so the schedule interleaves
// full and midpoint timesteps: t0, t0.5, t1, t1.5, ..., tN-1.
type kdpm2Scheduler struct {
	sigmaBase

	// full and mid index the per-step sigma tables; the final step has no
	// midpoint evaluation.
	full []float64
	mid  []float64

	// sample is the latent cached between the two evaluations of a step.
	sample *tensor.Tensor
}

func newKDPM2(o Options) *kdpm2Scheduler {
	sb := newSigmaBase(o)
	n := len(sb.timesteps)

	s := &kdpm2Scheduler{
		full: sb.sigmas,
		mid:  make([]float64, n),
	}

	for i := range n {
		if next := s.full[i+1]; next > 0 {
			s.mid[i] = math.Exp((math.Log(s.full[i]) + math.Log(next)) / 2)
		}
	}

	timesteps := make([]int, 0, 2*n-1)
	sigmas := make([]float64, 0, 2*n)
	for i, t := range sb.timesteps {
		timesteps = append(timesteps, t)
		sigmas = append(sigmas, s.full[i])
		if i < n-1 {
			timesteps = append(timesteps, int(math.RoundToEven(sigmaToT(s.mid[i], sb.logSigmas))))
			sigmas = append(sigmas, s.mid[i])
		}
	}

	sb.timesteps = timesteps
	sb.sigmas = append(sigmas, 0)
	s.sigmaBase = sb
	return s
}

func (s *kdpm2Scheduler) Order() int {
	return 2
}

func (s *kdpm2Scheduler) Step(output *tensor.Tensor, timestep int, latents *tensor.Tensor) (*tensor.Tensor, error) {
	pos, err := s.advance(timestep)
	if err != nil {
		return nil, err
	}

	i := pos / 2
	sigma, mid := s.full[i], s.mid[i]

	if pos%2 == 0 {
		// predictor: Euler step to the midpoint sigma
		x0, err := s.denoised(output, latents, sigma)
		if err != nil {
			return nil, err
		}

		d, err := derivative(latents, x0, sigma)
		if err != nil {
			return nil, err
		}

		s.sample = latents.Clone()
		return tensor.Axpy(float32(mid-sigma), d, latents)
	}

	if s.sample == nil {
		return nil, fmt.Errorf("%w: corrector at timestep %d without a predictor", ErrInvalidStepOrder, timestep)
	}

	// corrector: midpoint derivative applied to the cached sample
	x0, err := s.denoised(output, latents, mid)
	if err != nil {
		return nil, err
	}

	d, err := derivative(latents, x0, mid)
	if err != nil {
		return nil, err
	}

	prev, err := tensor.Axpy(float32(s.full[i+1]-sigma), d, s.sample)
	s.sample = nil
	return prev, err
}

func (s *kdpm2Scheduler) Close() {
	s.sample = nil
	s.full = nil
	s.mid = nil
	s.sigmaBase.Close()
}
