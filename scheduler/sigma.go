package scheduler

import (
	"math"

	"github.com/jmorganca/diffusion/tensor"
)

// sigmaBase is shared by the continuous-time schedulers, which walk latents
// in sigma scale rather than alpha scale.
type sigmaBase struct {
	base

	// sigmas has one entry per schedule position plus a terminal zero.
	sigmas    []float64
	logSigmas []float64
	initSigma float64
}

func newSigmaBase(o Options) sigmaBase {
	s := sigmaBase{base: newBase(o)}
	train := trainSigmas(s.alphasCumprod)
	s.logSigmas = logs(train)

	sigmas := make([]float64, len(s.timesteps))
	for i, t := range s.timesteps {
		sigmas[i] = train[t]
	}

	if o.UseKarrasSigmas {
		karras := karrasSigmas(sigmas[0], sigmas[len(sigmas)-1], len(sigmas))
		timesteps := make([]int, 0, len(karras))
		sigmas = sigmas[:0]
		for _, sigma := range karras {
			// Karras sigmas crowd the low-noise end, where neighbours can
			// round onto the same train timestep. Keep the first so the walk
			// stays strictly decreasing.
			t := int(math.RoundToEven(sigmaToT(sigma, s.logSigmas)))
			if n := len(timesteps); n > 0 && t >= timesteps[n-1] {
				continue
			}
			timesteps = append(timesteps, t)
			sigmas = append(sigmas, sigma)
		}
		s.timesteps = timesteps
	}

	s.sigmas = append(sigmas, 0)

	hi := s.sigmas[0]
	for _, sigma := range s.sigmas {
		hi = max(hi, sigma)
	}

	s.initSigma = hi
	if o.TimestepSpacing == Leading {
		s.initSigma = math.Sqrt(hi*hi + 1)
	}
	return s
}

func (s *sigmaBase) InitNoiseSigma() float32 {
	return float32(s.initSigma)
}

func (s *sigmaBase) ScaleInput(latents *tensor.Tensor, timestep int) (*tensor.Tensor, error) {
	i, err := s.position(timestep)
	if err != nil {
		return nil, err
	}
	return scaleBySigma(latents, s.sigmas[i]), nil
}

func scaleBySigma(latents *tensor.Tensor, sigma float64) *tensor.Tensor {
	return tensor.Scale(latents, float32(1/math.Sqrt(sigma*sigma+1)))
}

// AddNoise returns original + sigma*noise at the noisiest timestep.
func (s *sigmaBase) AddNoise(original, noise *tensor.Tensor, timesteps []int) (*tensor.Tensor, error) {
	if s.closed {
		return nil, ErrClosed
	}

	t, err := largest(timesteps)
	if err != nil {
		return nil, err
	}

	sigma := s.sigmaAt(t)
	return tensor.Axpy(float32(sigma), noise, original)
}

// sigmaAt returns the sigma of the first schedule position holding t.
func (s *sigmaBase) sigmaAt(t int) float64 {
	for i, ts := range s.timesteps {
		if ts == t {
			return s.sigmas[i]
		}
	}
	return math.Exp(s.logSigmas[max(0, min(t, len(s.logSigmas)-1))])
}

// denoised estimates the clean sample from a model output at sigma.
func (s *sigmaBase) denoised(output, sample *tensor.Tensor, sigma float64) (*tensor.Tensor, error) {
	switch s.opts.PredictionType {
	case VPrediction:
		c := float32(-sigma / math.Sqrt(sigma*sigma+1))
		return tensor.Axpy(c, output, tensor.Scale(sample, float32(1/(sigma*sigma+1))))
	case Sample:
		return output.Clone(), nil
	default:
		return tensor.Axpy(float32(-sigma), output, sample)
	}
}

// derivative returns (sample - x0) / sigma.
func derivative(sample, x0 *tensor.Tensor, sigma float64) (*tensor.Tensor, error) {
	d, err := tensor.Sub(sample, x0)
	if err != nil {
		return nil, err
	}
	return tensor.Scale(d, float32(1/sigma)), nil
}

func (s *sigmaBase) Close() {
	s.base.Close()
	s.sigmas = nil
	s.logSigmas = nil
}
