package scheduler

import (
	"fmt"
	"math"
	"slices"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/jmorganca/diffusion/tensor"
)

// base holds what every algorithm shares: the train tables, the visited
// timesteps, a position cursor enforcing step order and the session noise
// source.
type base struct {
	opts Options

	alphasCumprod []float64
	timesteps     []int

	// cursor is the schedule position after the last completed step.
	cursor int
	closed bool

	noise distuv.Normal
}

func newBase(o Options) base {
	return base{
		opts:          o,
		alphasCumprod: alphasCumprod(betas(o)),
		timesteps:     spacedTimesteps(o),
		noise:         distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(uint64(o.Seed))},
	}
}

func (b *base) Timesteps() []int {
	return slices.Clone(b.timesteps)
}

func (b *base) Order() int {
	return 1
}

func (b *base) RandomSample(shape []int, scale float32) *tensor.Tensor {
	data := make([]float32, tensor.Size(shape))
	for i := range data {
		data[i] = float32(b.noise.Rand()) * scale
	}

	t, err := tensor.New(slices.Clone(shape), data)
	if err != nil {
		panic(err)
	}
	return t
}

func (b *base) Close() {
	b.closed = true
	b.alphasCumprod = nil
	b.timesteps = nil
}

// position finds timestep at or after the cursor without consuming it.
func (b *base) position(timestep int) (int, error) {
	if b.closed {
		return 0, ErrClosed
	}

	for i := b.cursor; i < len(b.timesteps); i++ {
		if b.timesteps[i] == timestep {
			return i, nil
		}
	}

	if b.cursor > 0 {
		return 0, fmt.Errorf("%w: timestep %d does not follow %d", ErrInvalidStepOrder, timestep, b.timesteps[b.cursor-1])
	}
	return 0, fmt.Errorf("%w: timestep %d is not in the schedule", ErrInvalidStepOrder, timestep)
}

// advance validates timestep and moves the cursor past it.
func (b *base) advance(timestep int) (int, error) {
	i, err := b.position(timestep)
	if err != nil {
		return 0, err
	}
	b.cursor = i + 1
	return i, nil
}

// previous returns the timestep after position i, or -1 at the end of the walk.
func (b *base) previous(i int) int {
	if i+1 < len(b.timesteps) {
		return b.timesteps[i+1]
	}
	return -1
}

func (b *base) alpha(t int) float64 {
	return b.alphasCumprod[t]
}

// largest returns the noisiest of timesteps.
func largest(timesteps []int) (int, error) {
	if len(timesteps) == 0 {
		return 0, fmt.Errorf("%w: no timesteps to add noise at", ErrInvalidStepOrder)
	}
	return slices.Max(timesteps), nil
}

// addNoiseAlpha implements sqrt(acp)*x + sqrt(1-acp)*n for the discrete
// families.
func (b *base) addNoiseAlpha(original, noise *tensor.Tensor, timesteps []int) (*tensor.Tensor, error) {
	if b.closed {
		return nil, ErrClosed
	}

	t, err := largest(timesteps)
	if err != nil {
		return nil, err
	}

	a := b.alpha(t)
	scaled := tensor.Scale(original, float32(math.Sqrt(a)))
	return tensor.Axpy(float32(math.Sqrt(1-a)), noise, scaled)
}

// originalSample recovers the clean sample and the noise estimate from a
// model output under the configured prediction type.
func (b *base) originalSample(output, sample *tensor.Tensor, alpha float64) (x0, eps *tensor.Tensor, err error) {
	sa, sb := float32(math.Sqrt(alpha)), float32(math.Sqrt(1-alpha))

	switch b.opts.PredictionType {
	case VPrediction:
		if x0, err = tensor.Axpy(-sb, output, tensor.Scale(sample, sa)); err != nil {
			return nil, nil, err
		}
		eps, err = tensor.Axpy(sb, sample, tensor.Scale(output, sa))
	case Sample:
		x0 = output.Clone()
		eps, err = tensor.Axpy(-sa, x0, sample)
		if err == nil {
			eps = tensor.Scale(eps, 1/sb)
		}
	default:
		var diff *tensor.Tensor
		if diff, err = tensor.Axpy(-sb, output, sample); err != nil {
			return nil, nil, err
		}
		x0 = tensor.Scale(diff, 1/sa)
		eps = output.Clone()
	}
	if err != nil {
		return nil, nil, err
	}

	if b.opts.ClipSample {
		r := b.opts.ClipSampleRange
		x0 = tensor.Map(x0, func(v float32) float32 { return max(-r, min(r, v)) })
	}
	return x0, eps, nil
}
