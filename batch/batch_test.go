package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/jmorganca/diffusion/diffusion"
	"github.com/jmorganca/diffusion/scheduler"
	"github.com/jmorganca/diffusion/tensor"
)

var errBoom = errors.New("boom")

// fakeGenerator echoes its options and fails for the seeds in fail.
type fakeGenerator struct {
	fail  map[int64]bool
	delay func(scheduler.Options) time.Duration

	mu     sync.Mutex
	seen   []scheduler.Options
	active atomic.Int32
	peak   atomic.Int32
}

func (f *fakeGenerator) Generate(ctx context.Context, _ diffusion.ModelOptions, _ diffusion.PromptOptions, o scheduler.Options, fn diffusion.ProgressFunc) (*diffusion.Result, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.seen = append(f.seen, o)
	f.mu.Unlock()

	if f.delay != nil {
		time.Sleep(f.delay(o))
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.Join(diffusion.ErrCancelled, err)
	}

	if f.fail[o.Seed] {
		return nil, errBoom
	}

	if fn != nil {
		fn(diffusion.Progress{Step: 1, Total: 1})
	}

	return &diffusion.Result{Image: tensor.Full(float32(o.Seed), 1), Options: o, Steps: 1}, nil
}

type pair struct {
	Seed     int64
	Guidance float32
}

func collect(t *testing.T, seq func(func(Result, error) bool)) ([]Result, []error) {
	t.Helper()

	var results []Result
	var errs []error
	for r, err := range seq {
		results = append(results, r)
		errs = append(errs, err)
	}
	return results, errs
}

func TestCardinality(t *testing.T) {
	g := &fakeGenerator{}
	sweep := Sweep{Seeds: []int64{1, 2}, GuidanceScales: []float32{5, 7}}
	assert.Equal(t, sweep.Len(), 4)

	results, errs := collect(t, Run(context.Background(), g, diffusion.ModelOptions{}, diffusion.PromptOptions{}, scheduler.DefaultOptions(), sweep, Options{Policy: AbortOnError}, nil))

	var got []pair
	for i, r := range results {
		assert.NilError(t, errs[i])
		assert.Equal(t, r.Index, i)
		got = append(got, pair{r.Options.Seed, r.Options.GuidanceScale})
		assert.Equal(t, r.Image().Data()[0], float32(r.Options.Seed))
	}

	assert.DeepEqual(t, got, []pair{{1, 5}, {1, 7}, {2, 5}, {2, 7}})
}

func TestCombinationsNesting(t *testing.T) {
	base := scheduler.DefaultOptions()
	sweep := Sweep{
		Steps: []int{10, 20},
		Sizes: []Size{{512, 512}, {768, 512}},
	}

	combinations := sweep.Combinations(base)
	assert.Assert(t, is.Len(combinations, 4))

	var got []string
	for _, o := range combinations {
		assert.Equal(t, o.Seed, base.Seed)
		got = append(got, fmt.Sprintf("%s@%d", Size{o.Width, o.Height}, o.InferenceSteps))
	}
	assert.DeepEqual(t, got, []string{"512x512@10", "768x512@10", "512x512@20", "768x512@20"})

	assert.Equal(t, Sweep{}.Len(), 1)
	assert.Assert(t, is.Len(Sweep{}.Combinations(base), 1))
}

func TestRestartable(t *testing.T) {
	g := &fakeGenerator{}
	seq := Run(context.Background(), g, diffusion.ModelOptions{}, diffusion.PromptOptions{}, scheduler.DefaultOptions(), Sweep{Seeds: []int64{1, 2, 3}}, Options{Policy: ContinueOnError}, nil)

	for r := range seq {
		assert.Equal(t, r.Options.Seed, int64(1))
		break
	}

	first, _ := collect(t, seq)
	assert.Assert(t, is.Len(first, 3))
	assert.Equal(t, first[0].Options.Seed, int64(1))

	// the first iteration stopped after one generation
	assert.Assert(t, is.Len(g.seen, 4))
}

func TestErrorPolicy(t *testing.T) {
	sweep := Sweep{Seeds: []int64{1, 2, 3}}
	base := scheduler.DefaultOptions()

	t.Run("unset", func(t *testing.T) {
		g := &fakeGenerator{}
		_, errs := collect(t, Run(context.Background(), g, diffusion.ModelOptions{}, diffusion.PromptOptions{}, base, sweep, Options{}, nil))
		assert.Assert(t, is.Len(errs, 1))
		assert.ErrorIs(t, errs[0], ErrNoPolicy)
		assert.Assert(t, is.Len(g.seen, 0))
	})

	t.Run("continue", func(t *testing.T) {
		g := &fakeGenerator{fail: map[int64]bool{2: true}}
		results, errs := collect(t, Run(context.Background(), g, diffusion.ModelOptions{}, diffusion.PromptOptions{}, base, sweep, Options{Policy: ContinueOnError}, nil))
		assert.Assert(t, is.Len(results, 3))
		assert.NilError(t, errs[0])
		assert.ErrorIs(t, errs[1], errBoom)
		assert.Equal(t, results[1].Options.Seed, int64(2))
		assert.Assert(t, results[1].Image() == nil)
		assert.NilError(t, errs[2])
	})

	t.Run("abort", func(t *testing.T) {
		g := &fakeGenerator{fail: map[int64]bool{2: true}}
		results, errs := collect(t, Run(context.Background(), g, diffusion.ModelOptions{}, diffusion.PromptOptions{}, base, sweep, Options{Policy: AbortOnError}, nil))
		assert.Assert(t, is.Len(results, 2))
		assert.ErrorIs(t, errs[1], errBoom)
		assert.Assert(t, is.Len(g.seen, 2))
	})
}

func TestCancellation(t *testing.T) {
	for _, parallel := range []int{1, 2} {
		ctx, cancel := context.WithCancel(context.Background())

		g := &fakeGenerator{delay: func(scheduler.Options) time.Duration { return 20 * time.Millisecond }}
		seq := Run(ctx, g, diffusion.ModelOptions{}, diffusion.PromptOptions{}, scheduler.DefaultOptions(), Sweep{Seeds: []int64{1, 2, 3, 4}}, Options{Policy: ContinueOnError, Parallel: parallel}, nil)

		var ok int
		var errs []error
		for r, err := range seq {
			if err != nil {
				errs = append(errs, err)
				continue
			}
			ok++
			if r.Index == 0 {
				cancel()
			}
		}
		cancel()

		assert.Assert(t, ok >= 1, "parallel %d", parallel)
		assert.Assert(t, is.Len(errs, 1), "parallel %d", parallel)
		assert.ErrorIs(t, errs[0], diffusion.ErrCancelled)
		assert.ErrorIs(t, errs[0], context.Canceled)
	}
}

func TestParallelKeepsOrder(t *testing.T) {
	g := &fakeGenerator{delay: func(o scheduler.Options) time.Duration {
		// later seeds finish first
		return time.Duration(5-o.Seed) * 5 * time.Millisecond
	}}

	var mu sync.Mutex
	progressed := map[int]int{}
	results, errs := collect(t, Run(context.Background(), g, diffusion.ModelOptions{}, diffusion.PromptOptions{}, scheduler.DefaultOptions(), Sweep{Seeds: []int64{1, 2, 3, 4}}, Options{Policy: AbortOnError, Parallel: 2}, func(i int, p diffusion.Progress) {
		mu.Lock()
		defer mu.Unlock()
		progressed[i] += p.Step
	}))

	assert.Assert(t, is.Len(results, 4))
	for i, r := range results {
		assert.NilError(t, errs[i])
		assert.Equal(t, r.Index, i)
		assert.Equal(t, r.Options.Seed, int64(i+1))
	}

	assert.Assert(t, g.peak.Load() <= 2)
	assert.DeepEqual(t, progressed, map[int]int{0: 1, 1: 1, 2: 1, 3: 1})
}

func TestRange(t *testing.T) {
	assert.DeepEqual(t, Range(5, 7, 1), []int{5, 6, 7})
	assert.DeepEqual(t, Range[float32](5, 7, 0.5), []float32{5, 5.5, 6, 6.5, 7})
	assert.DeepEqual(t, Range[int64](3, 3, 1), []int64{3})
	assert.DeepEqual(t, Range(1, 10, 0), []int{1})
}

func TestParseErrorPolicy(t *testing.T) {
	p, err := ParseErrorPolicy("abort")
	assert.NilError(t, err)
	assert.Equal(t, p, AbortOnError)

	_, err = ParseErrorPolicy("retry")
	assert.ErrorIs(t, err, ErrNoPolicy)
}
