package batch

import (
	"fmt"

	"github.com/jmorganca/diffusion/scheduler"
)

type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Sweep lists the values to vary. An empty list keeps the base value.
// Combinations nest in field order: seeds vary slowest, sizes fastest.
type Sweep struct {
	Seeds          []int64   `json:"seeds,omitempty"`
	GuidanceScales []float32 `json:"guidance_scales,omitempty"`
	Steps          []int     `json:"steps,omitempty"`
	Strengths      []float32 `json:"strengths,omitempty"`
	Sizes          []Size    `json:"sizes,omitempty"`
}

// Len returns the number of combinations.
func (s Sweep) Len() int {
	return max(len(s.Seeds), 1) *
		max(len(s.GuidanceScales), 1) *
		max(len(s.Steps), 1) *
		max(len(s.Strengths), 1) *
		max(len(s.Sizes), 1)
}

// Combinations expands the sweep over base.
func (s Sweep) Combinations(base scheduler.Options) []scheduler.Options {
	combinations := []scheduler.Options{base}

	combinations = expand(combinations, s.Seeds, func(o *scheduler.Options, v int64) { o.Seed = v })
	combinations = expand(combinations, s.GuidanceScales, func(o *scheduler.Options, v float32) { o.GuidanceScale = v })
	combinations = expand(combinations, s.Steps, func(o *scheduler.Options, v int) { o.InferenceSteps = v })
	combinations = expand(combinations, s.Strengths, func(o *scheduler.Options, v float32) { o.Strength = v })
	combinations = expand(combinations, s.Sizes, func(o *scheduler.Options, v Size) { o.Width, o.Height = v.Width, v.Height })

	return combinations
}

// expand replaces every combination with one copy per value, keeping the
// existing order outermost.
func expand[T any](combinations []scheduler.Options, values []T, set func(*scheduler.Options, T)) []scheduler.Options {
	if len(values) == 0 {
		return combinations
	}

	out := make([]scheduler.Options, 0, len(combinations)*len(values))
	for _, o := range combinations {
		for _, v := range values {
			set(&o, v)
			out = append(out, o)
		}
	}
	return out
}

type number interface {
	~int | ~int64 | ~float32 | ~float64
}

// Range returns from, from+increment, ... up to and including to. A
// non-positive increment or an empty interval yields only from.
func Range[T number](from, to, increment T) []T {
	if increment <= 0 || to <= from {
		return []T{from}
	}

	n := int(float64(to-from)/float64(increment)+1e-6) + 1
	values := make([]T, n)
	for i := range values {
		values[i] = from + T(i)*increment
	}
	return values
}
