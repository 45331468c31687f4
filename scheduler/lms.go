package scheduler

import (
	"slices"

	"github.com/emirpasic/gods/v2/queues/circularbuffer"
	"gonum.org/v1/gonum/integrate/quad"

	"github.com/jmorganca/diffusion/tensor"
)

const lmsOrder = 4

// lmsScheduler is a linear multistep method over the last lmsOrder
// derivatives.
type lmsScheduler struct {
	sigmaBase

	derivatives *circularbuffer.Queue[*tensor.Tensor]
}

func newLMS(o Options) *lmsScheduler {
	return &lmsScheduler{
		sigmaBase:   newSigmaBase(o),
		derivatives: circularbuffer.New[*tensor.Tensor](lmsOrder),
	}
}

func (s *lmsScheduler) Step(output *tensor.Tensor, timestep int, latents *tensor.Tensor) (*tensor.Tensor, error) {
	i, err := s.advance(timestep)
	if err != nil {
		return nil, err
	}

	sigma := s.sigmas[i]
	x0, err := s.denoised(output, latents, sigma)
	if err != nil {
		return nil, err
	}

	d, err := derivative(latents, x0, sigma)
	if err != nil {
		return nil, err
	}
	s.derivatives.Enqueue(d)

	// newest first
	history := s.derivatives.Values()
	slices.Reverse(history)

	prev := latents
	for k, d := range history {
		if prev, err = tensor.Axpy(float32(s.coefficient(len(history), i, k)), d, prev); err != nil {
			return nil, err
		}
	}
	return prev, nil
}

// coefficient integrates the Lagrange basis polynomial for history entry k
// across [sigmas[t], sigmas[t+1]].
func (s *lmsScheduler) coefficient(order, t, k int) float64 {
	basis := func(tau float64) float64 {
		prod := 1.0
		for j := range order {
			if j == k {
				continue
			}
			prod *= (tau - s.sigmas[t-j]) / (s.sigmas[t-k] - s.sigmas[t-j])
		}
		return prod
	}

	// sigmas descend, so integrate over the ascending interval and negate
	lo, hi := s.sigmas[t+1], s.sigmas[t]
	return -quad.Fixed(basis, lo, hi, order+1, quad.Legendre{}, 0)
}

func (s *lmsScheduler) Close() {
	s.derivatives.Clear()
	s.sigmaBase.Close()
}
