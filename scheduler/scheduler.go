// Package scheduler implements the noise schedules and update rules that walk
// a latent from pure noise to a clean sample.
//
// A Scheduler is built for exactly one generation: construction computes the
// schedule, Step must then be called with the schedule's timesteps in order,
// and Close releases the tables and any step history. Instances are never
// shared between concurrent generations.
package scheduler

import (
	"errors"
	"fmt"

	"github.com/jmorganca/diffusion/tensor"
)

var (
	ErrInvalidStepOrder = errors.New("invalid step order")
	ErrClosed           = fmt.Errorf("%w: scheduler closed", ErrInvalidStepOrder)
	ErrUnknownType      = errors.New("unknown scheduler")
)

type Scheduler interface {
	// Timesteps returns the full descending schedule. Multi-evaluation
	// schedulers list every position that needs a model call.
	Timesteps() []int

	// Order is the number of schedule positions per inference step.
	Order() int

	// InitNoiseSigma scales unit noise into the first latent.
	InitNoiseSigma() float32

	// ScaleInput rescales latents before the model call at timestep.
	ScaleInput(latents *tensor.Tensor, timestep int) (*tensor.Tensor, error)

	// Step advances latents using the model output predicted at timestep.
	// Timesteps must be passed in schedule order.
	Step(output *tensor.Tensor, timestep int, latents *tensor.Tensor) (*tensor.Tensor, error)

	// AddNoise diffuses original forward to the largest of timesteps.
	AddNoise(original, noise *tensor.Tensor, timesteps []int) (*tensor.Tensor, error)

	// RandomSample draws standard normal noise multiplied by scale.
	RandomSample(shape []int, scale float32) *tensor.Tensor

	Close()
}

type Type int

const (
	LMS Type = iota
	Euler
	EulerAncestral
	DDPM
	DDIM
	KDPM2
	LCM
)

var types = []Type{LMS, Euler, EulerAncestral, DDPM, DDIM, KDPM2, LCM}

// Types lists every supported algorithm.
func Types() []Type {
	return types
}

func (t Type) String() string {
	switch t {
	case LMS:
		return "lms"
	case Euler:
		return "euler"
	case EulerAncestral:
		return "euler_ancestral"
	case DDPM:
		return "ddpm"
	case DDIM:
		return "ddim"
	case KDPM2:
		return "kdpm2"
	case LCM:
		return "lcm"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

func ParseType(s string) (Type, error) {
	for _, t := range types {
		if normalize(s) == normalize(t.String()) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w %q", ErrUnknownType, s)
}

func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Type) UnmarshalText(text []byte) (err error) {
	*t, err = ParseType(string(text))
	return err
}

// New builds the scheduler selected by o.Type and computes its schedule.
func New(o Options) (Scheduler, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}

	switch o.Type {
	case LMS:
		return newLMS(o), nil
	case Euler:
		return newEuler(o), nil
	case EulerAncestral:
		return newEulerAncestral(o), nil
	case DDPM:
		return newDDPM(o), nil
	case DDIM:
		return newDDIM(o), nil
	case KDPM2:
		return newKDPM2(o), nil
	case LCM:
		return newLCM(o), nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownType, o.Type)
	}
}
