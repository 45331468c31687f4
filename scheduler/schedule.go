package scheduler

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
)

// betas returns the training noise schedule.
func betas(o Options) []float64 {
	if len(o.TrainedBetas) > 0 {
		return slices.Clone(o.TrainedBetas)
	}

	n := o.TrainTimesteps
	b := make([]float64, n)
	switch o.BetaSchedule {
	case Linear:
		span(b, o.BetaStart, o.BetaEnd)
	case SquaredCosCapV2:
		alphaBar := func(t float64) float64 {
			c := math.Cos((t + 0.008) / 1.008 * math.Pi / 2)
			return c * c
		}
		for i := range b {
			t1, t2 := float64(i)/float64(n), float64(i+1)/float64(n)
			b[i] = min(1-alphaBar(t2)/alphaBar(t1), 0.999)
		}
	case Sigmoid:
		span(b, -6, 6)
		for i, v := range b {
			b[i] = 1/(1+math.Exp(-v))*(o.BetaEnd-o.BetaStart) + o.BetaStart
		}
	default:
		span(b, math.Sqrt(o.BetaStart), math.Sqrt(o.BetaEnd))
		for i, v := range b {
			b[i] = v * v
		}
	}
	return b
}

// span fills dst with evenly spaced values from lo to hi inclusive.
func span(dst []float64, lo, hi float64) {
	if len(dst) == 1 {
		dst[0] = lo
		return
	}
	floats.Span(dst, lo, hi)
}

// alphasCumprod returns the running product of 1-beta.
func alphasCumprod(betas []float64) []float64 {
	acp := make([]float64, len(betas))
	prod := 1.0
	for i, b := range betas {
		prod *= 1 - b
		acp[i] = prod
	}
	return acp
}

// trainSigmas converts cumulative alphas to noise levels, one per train
// timestep.
func trainSigmas(acp []float64) []float64 {
	sigmas := make([]float64, len(acp))
	for i, a := range acp {
		sigmas[i] = math.Sqrt((1 - a) / a)
	}
	return sigmas
}

// spacedTimesteps returns the descending timesteps visited by an N step walk.
func spacedTimesteps(o Options) []int {
	n, T := o.InferenceSteps, o.TrainTimesteps
	ts := make([]int, n)
	switch o.TimestepSpacing {
	case Leading:
		ratio := T / n
		for i := range ts {
			ts[n-1-i] = i*ratio + o.StepsOffset
		}
	case Trailing:
		ratio := float64(T) / float64(n)
		for i := range ts {
			ts[i] = int(math.RoundToEven(float64(T)-float64(i)*ratio)) - 1
		}
	default:
		pos := make([]float64, n)
		span(pos, 0, float64(T-1))
		for i, v := range pos {
			ts[n-1-i] = int(math.RoundToEven(v))
		}
	}

	for i, t := range ts {
		ts[i] = max(min(t, T-1), 0)
	}
	return ts
}

// karrasSigmas spaces n sigmas between hi and lo following Karras et al.
// (2022) with rho = 7.
func karrasSigmas(hi, lo float64, n int) []float64 {
	const rho = 7.0
	ramp := make([]float64, n)
	span(ramp, 0, 1)

	minInv, maxInv := math.Pow(lo, 1/rho), math.Pow(hi, 1/rho)
	sigmas := make([]float64, n)
	for i, r := range ramp {
		sigmas[i] = math.Pow(maxInv+r*(minInv-maxInv), rho)
	}
	return sigmas
}

// sigmaToT maps a noise level back to a fractional train timestep by linear
// interpolation in log-sigma space.
func sigmaToT(sigma float64, logSigmas []float64) float64 {
	ls := math.Log(max(sigma, 1e-10))

	low := 0
	for i, v := range logSigmas {
		if v <= ls {
			low = i
		}
	}
	low = min(low, len(logSigmas)-2)
	high := low + 1

	w := (logSigmas[low] - ls) / (logSigmas[low] - logSigmas[high])
	w = max(0, min(1, w))
	return (1-w)*float64(low) + w*float64(high)
}

func logs(xs []float64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = math.Log(x)
	}
	return out
}
