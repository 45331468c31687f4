package scheduler

import (
	"errors"
	"math"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/diffusion/tensor"
)

var latentShape = []int{1, 4, 8, 8}

func newScheduler(t *testing.T, typ Type, steps int) Scheduler {
	t.Helper()
	o := DefaultOptions()
	o.Type = typ
	o.InferenceSteps = steps
	o.Seed = 42

	s, err := New(o)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func abs32(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}

func assertClose(t *testing.T, want, got *tensor.Tensor, tol float32) {
	t.Helper()
	require.Equal(t, want.Shape(), got.Shape())
	for i, w := range want.Data() {
		if g := got.Data()[i]; abs32(g-w) > tol {
			t.Fatalf("element %d: got %v, want %v", i, g, w)
		}
	}
}

func TestParseType(t *testing.T) {
	for _, typ := range Types() {
		got, err := ParseType(typ.String())
		require.NoError(t, err)
		assert.Equal(t, typ, got)
	}

	got, err := ParseType("EulerAncestral")
	require.NoError(t, err)
	assert.Equal(t, EulerAncestral, got)

	_, err = ParseType("heun")
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Options){
		"zero steps":     func(o *Options) { o.InferenceSteps = 0 },
		"odd width":      func(o *Options) { o.Width = 500 },
		"zero height":    func(o *Options) { o.Height = 0 },
		"strength":       func(o *Options) { o.Strength = 1.5 },
		"too many steps": func(o *Options) { o.InferenceSteps = 1001 },
		"lcm grid":       func(o *Options) { o.Type = LCM; o.InferenceSteps = 51 },
		"trained betas":  func(o *Options) { o.TrainedBetas = []float64{0.1} },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			o := DefaultOptions()
			mutate(&o)
			_, err := New(o)
			require.ErrorIs(t, err, ErrInvalidOptions)
		})
	}

	o := DefaultOptions()
	o.Type = Type(99)
	_, err := New(o)
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestTimesteps(t *testing.T) {
	for _, typ := range Types() {
		t.Run(typ.String(), func(t *testing.T) {
			s := newScheduler(t, typ, 10)
			ts := s.Timesteps()

			want := 10
			if typ == KDPM2 {
				want = 19
			}
			require.Len(t, ts, want)
			assert.Equal(t, len(ts), 10*s.Order()-s.Order()+1)

			for i := 1; i < len(ts); i++ {
				assert.LessOrEqual(t, ts[i], ts[i-1], "position %d", i)
			}
		})
	}
}

func TestStepOrder(t *testing.T) {
	for _, typ := range Types() {
		t.Run(typ.String(), func(t *testing.T) {
			s := newScheduler(t, typ, 10)
			ts := s.Timesteps()
			latents := s.RandomSample(latentShape, s.InitNoiseSigma())
			output := tensor.Zeros(latentShape...)

			_, err := s.Step(output, ts[0], latents)
			require.NoError(t, err)
			_, err = s.Step(output, ts[1], latents)
			require.NoError(t, err)

			// repeating or going back is rejected
			_, err = s.Step(output, ts[1], latents)
			require.ErrorIs(t, err, ErrInvalidStepOrder)
			_, err = s.Step(output, ts[0], latents)
			require.ErrorIs(t, err, ErrInvalidStepOrder)

			// timesteps outside the schedule are rejected
			_, err = s.Step(output, 1234, latents)
			require.ErrorIs(t, err, ErrInvalidStepOrder)
			_, err = s.ScaleInput(latents, 1234)
			require.ErrorIs(t, err, ErrInvalidStepOrder)

			_, err = s.Step(output, ts[2], latents)
			require.NoError(t, err)

			s.Close()
			_, err = s.Step(output, ts[3], latents)
			require.ErrorIs(t, err, ErrClosed)
			require.True(t, errors.Is(err, ErrInvalidStepOrder))
		})
	}
}

func TestRandomSampleDeterminism(t *testing.T) {
	a := newScheduler(t, Euler, 10).RandomSample(latentShape, 1)
	b := newScheduler(t, Euler, 10).RandomSample(latentShape, 1)
	assert.True(t, a.Equal(b))

	o := DefaultOptions()
	o.Seed = 43
	other, err := New(o)
	require.NoError(t, err)
	defer other.Close()
	assert.False(t, a.Equal(other.RandomSample(latentShape, 1)))

	// scale multiplies the unit draw
	s := newScheduler(t, Euler, 10)
	scaled := s.RandomSample(latentShape, 2)
	assert.True(t, scaled.Equal(tensor.Scale(a, 2)))

	var sum, sq float64
	big := newScheduler(t, DDIM, 10).RandomSample([]int{1, 4, 64, 64}, 1)
	for _, v := range big.Data() {
		sum += float64(v)
		sq += float64(v) * float64(v)
	}
	n := float64(big.Len())
	assert.InDelta(t, 0, sum/n, 0.05)
	assert.InDelta(t, 1, sq/n, 0.05)
}

func TestInitNoiseSigma(t *testing.T) {
	train := trainSigmas(alphasCumprod(betas(DefaultOptions())))

	for _, typ := range []Type{Euler, EulerAncestral, LMS, KDPM2} {
		s := newScheduler(t, typ, 10)
		assert.InDelta(t, train[999], s.InitNoiseSigma(), 1e-4, typ.String())
	}

	for _, typ := range []Type{DDPM, DDIM, LCM} {
		assert.Equal(t, float32(1), newScheduler(t, typ, 10).InitNoiseSigma(), typ.String())
	}

	o := DefaultOptions()
	o.Type = Euler
	o.InferenceSteps = 10
	o.TimestepSpacing = Leading
	s, err := New(o)
	require.NoError(t, err)
	defer s.Close()
	assert.InDelta(t, math.Sqrt(train[900]*train[900]+1), s.InitNoiseSigma(), 1e-4)
}

func TestScaleInput(t *testing.T) {
	train := trainSigmas(alphasCumprod(betas(DefaultOptions())))
	ones := tensor.Full(1, latentShape...)

	s := newScheduler(t, Euler, 10)
	scaled, err := s.ScaleInput(ones, 999)
	require.NoError(t, err)
	want := float32(1 / math.Sqrt(train[999]*train[999]+1))
	assert.InDelta(t, want, scaled.Data()[0], 1e-6)

	for _, typ := range []Type{DDPM, DDIM, LCM} {
		s := newScheduler(t, typ, 10)
		scaled, err := s.ScaleInput(ones, s.Timesteps()[0])
		require.NoError(t, err)
		assert.True(t, scaled.Equal(ones), typ.String())
	}
}

func TestAddNoise(t *testing.T) {
	acp := alphasCumprod(betas(DefaultOptions()))
	train := trainSigmas(acp)
	original := tensor.Full(0.5, latentShape...)
	noise := tensor.Full(2, latentShape...)

	s := newScheduler(t, DDIM, 10)
	ts := s.Timesteps()
	noisy, err := s.AddNoise(original, noise, ts[3:])
	require.NoError(t, err)
	a := acp[ts[3]]
	assert.InDelta(t, 0.5*math.Sqrt(a)+2*math.Sqrt(1-a), noisy.Data()[0], 1e-5)

	e := newScheduler(t, Euler, 10)
	noisy, err = e.AddNoise(original, noise, []int{e.Timesteps()[5]})
	require.NoError(t, err)
	assert.InDelta(t, 0.5+2*train[e.Timesteps()[5]], noisy.Data()[0], 1e-4)

	_, err = e.AddNoise(original, noise, nil)
	require.ErrorIs(t, err, ErrInvalidStepOrder)

	_, err = e.AddNoise(original, tensor.Zeros(1, 4), []int{999})
	require.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

// walk runs a full schedule against a model that always predicts noise,
// which is exact when latents sit on the noising path of x0.
func walk(t *testing.T, s Scheduler, x0, noise *tensor.Tensor) *tensor.Tensor {
	t.Helper()
	ts := s.Timesteps()

	latents, err := s.AddNoise(x0, noise, ts)
	require.NoError(t, err)

	for _, timestep := range ts {
		_, err := s.ScaleInput(latents, timestep)
		require.NoError(t, err)

		latents, err = s.Step(noise, timestep, latents)
		require.NoError(t, err)
	}
	return latents
}

func TestWalkRecoversCleanSample(t *testing.T) {
	x0 := tensor.Full(0.5, latentShape...)

	for _, typ := range []Type{Euler, LMS, KDPM2} {
		t.Run(typ.String(), func(t *testing.T) {
			s := newScheduler(t, typ, 10)
			noise := s.RandomSample(latentShape, 1)
			assertClose(t, x0, walk(t, s, x0, noise), 1e-3)
		})
	}

	t.Run("ddim", func(t *testing.T) {
		o := DefaultOptions()
		o.Type = DDIM
		o.InferenceSteps = 10
		o.SetAlphaToOne = true
		s, err := New(o)
		require.NoError(t, err)
		defer s.Close()

		noise := s.RandomSample(latentShape, 1)
		assertClose(t, x0, walk(t, s, x0, noise), 1e-3)
	})

	t.Run("lcm", func(t *testing.T) {
		s := newScheduler(t, LCM, 1)
		noise := s.RandomSample(latentShape, 1)
		assertClose(t, x0, walk(t, s, x0, noise), 1e-3)
	})

	t.Run("karras", func(t *testing.T) {
		o := DefaultOptions()
		o.Type = Euler
		o.InferenceSteps = 12
		o.UseKarrasSigmas = true
		s, err := New(o)
		require.NoError(t, err)
		defer s.Close()

		noise := s.RandomSample(latentShape, 1)
		assertClose(t, x0, walk(t, s, x0, noise), 1e-3)
	})
}

func sigmaTable(s Scheduler) []float64 {
	switch s := s.(type) {
	case *eulerScheduler:
		return s.sigmas
	case *eulerAncestralScheduler:
		return s.sigmas
	case *lmsScheduler:
		return s.sigmas
	}
	return nil
}

func TestKarrasTimestepsDecrease(t *testing.T) {
	for _, typ := range []Type{Euler, EulerAncestral, LMS} {
		t.Run(typ.String(), func(t *testing.T) {
			o := DefaultOptions()
			o.Type = typ
			o.InferenceSteps = 100
			o.UseKarrasSigmas = true
			s, err := New(o)
			require.NoError(t, err)
			defer s.Close()

			timesteps := s.Timesteps()
			require.NotEmpty(t, timesteps)
			assert.LessOrEqual(t, len(timesteps), 100)
			for i := 1; i < len(timesteps); i++ {
				require.Less(t, timesteps[i], timesteps[i-1], "position %d of %v", i, timesteps)
			}

			sigmas := sigmaTable(s)
			require.Len(t, sigmas, len(timesteps)+1)
			for i := 1; i < len(sigmas); i++ {
				assert.Less(t, sigmas[i], sigmas[i-1])
			}

			latents := tensor.Full(1, latentShape...)
			output := tensor.Zeros(latentShape...)
			for _, ts := range timesteps {
				latents, err = s.Step(output, ts, latents)
				require.NoError(t, err)
			}

			_, err = s.Step(output, timesteps[len(timesteps)-1], latents)
			require.ErrorIs(t, err, ErrInvalidStepOrder)
		})
	}
}

func TestEulerStep(t *testing.T) {
	s := newScheduler(t, Euler, 10).(*eulerScheduler)
	latents := tensor.Full(3, latentShape...)
	output := tensor.Full(0.25, latentShape...)

	prev, err := s.Step(output, 999, latents)
	require.NoError(t, err)

	sigma, next := s.sigmas[0], s.sigmas[1]
	// x0 = x - sigma*eps, d = eps, prev = x + eps*(next - sigma)
	want := 3 + 0.25*(next-sigma)
	assert.InDelta(t, want, prev.Data()[0], 1e-4)
}

func TestFinalStepIsNoiseFree(t *testing.T) {
	for _, typ := range []Type{DDPM, EulerAncestral, LCM} {
		t.Run(typ.String(), func(t *testing.T) {
			run := func(seed int64, position int) *tensor.Tensor {
				o := DefaultOptions()
				o.Type = typ
				o.InferenceSteps = 4
				o.Seed = seed
				s, err := New(o)
				require.NoError(t, err)
				defer s.Close()

				latents := tensor.Full(1, latentShape...)
				output := tensor.Full(0.1, latentShape...)
				out, err := s.Step(output, s.Timesteps()[position], latents)
				require.NoError(t, err)
				return out
			}

			assert.True(t, run(1, 3).Equal(run(2, 3)), "final step depends on the noise seed")
			assert.False(t, run(1, 0).Equal(run(2, 0)), "intermediate step ignores the noise seed")
		})
	}
}

func TestLMSHistoryIsBounded(t *testing.T) {
	s := newScheduler(t, LMS, 10).(*lmsScheduler)
	latents := s.RandomSample(latentShape, s.InitNoiseSigma())
	output := tensor.Full(0.1, latentShape...)

	for i, timestep := range s.Timesteps()[:6] {
		var err error
		latents, err = s.Step(output, timestep, latents)
		require.NoError(t, err)
		assert.Equal(t, min(i+1, lmsOrder), s.derivatives.Size())
	}

	s.Close()
	assert.Equal(t, 0, s.derivatives.Size())
}

func TestLMSCoefficients(t *testing.T) {
	s := newScheduler(t, LMS, 10).(*lmsScheduler)

	// the basis sums to one, so the coefficients integrate to the interval
	for order := 1; order <= lmsOrder; order++ {
		i := 5
		var sum float64
		for k := range order {
			sum += s.coefficient(order, i, k)
		}
		assert.InDelta(t, s.sigmas[i+1]-s.sigmas[i], sum, 1e-9, "order %d", order)
	}

	// first order is plain Euler
	assert.InDelta(t, s.sigmas[1]-s.sigmas[0], s.coefficient(1, 0, 0), 1e-12)
}

func TestKDPM2Schedule(t *testing.T) {
	s := newScheduler(t, KDPM2, 10).(*kdpm2Scheduler)
	ts := s.Timesteps()
	require.Len(t, ts, 19)
	assert.Equal(t, 2, s.Order())

	for i := 0; i < 9; i++ {
		full, mid, next := ts[2*i], ts[2*i+1], ts[2*i+2]
		assert.LessOrEqual(t, mid, full)
		assert.GreaterOrEqual(t, mid, next)
		assert.Greater(t, s.full[i], s.mid[i])
		assert.Greater(t, s.mid[i], s.full[i+1])
	}
	assert.Zero(t, s.mid[9])

	latents := tensor.Full(1, latentShape...)
	output := tensor.Full(0.1, latentShape...)

	_, err := s.Step(output, ts[0], latents)
	require.NoError(t, err)
	require.NotNil(t, s.sample)

	_, err = s.Step(output, ts[1], latents)
	require.NoError(t, err)
	assert.Nil(t, s.sample)
}

func TestTimestepsAreCopied(t *testing.T) {
	s := newScheduler(t, DDIM, 10)
	ts := s.Timesteps()
	ts[0] = -5
	assert.True(t, slices.Contains(s.Timesteps(), 999))
}
