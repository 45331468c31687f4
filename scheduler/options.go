package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

type BetaSchedule int

const (
	ScaledLinear BetaSchedule = iota
	Linear
	SquaredCosCapV2
	Sigmoid
)

func (b BetaSchedule) String() string {
	switch b {
	case Linear:
		return "linear"
	case ScaledLinear:
		return "scaled_linear"
	case SquaredCosCapV2:
		return "squaredcos_cap_v2"
	case Sigmoid:
		return "sigmoid"
	default:
		return fmt.Sprintf("BetaSchedule(%d)", int(b))
	}
}

type TimestepSpacing int

const (
	Linspace TimestepSpacing = iota
	Leading
	Trailing
)

func (s TimestepSpacing) String() string {
	switch s {
	case Linspace:
		return "linspace"
	case Leading:
		return "leading"
	case Trailing:
		return "trailing"
	default:
		return fmt.Sprintf("TimestepSpacing(%d)", int(s))
	}
}

type PredictionType int

const (
	Epsilon PredictionType = iota
	VPrediction
	Sample
)

func (p PredictionType) String() string {
	switch p {
	case Epsilon:
		return "epsilon"
	case VPrediction:
		return "v_prediction"
	case Sample:
		return "sample"
	default:
		return fmt.Sprintf("PredictionType(%d)", int(p))
	}
}

// Options configures one generation. Besides the schedule constants it
// carries the per-generation values the diffusion loop reads, so a single
// value describes a run end to end.
type Options struct {
	Type Type `json:"scheduler"`

	Width             int     `json:"width"`
	Height            int     `json:"height"`
	Seed              int64   `json:"seed"`
	InferenceSteps    int     `json:"steps"`
	GuidanceScale     float32 `json:"guidance_scale"`
	Strength          float32 `json:"strength"`
	InitialNoiseLevel float32 `json:"initial_noise_level"`

	TrainTimesteps  int             `json:"train_timesteps"`
	BetaStart       float64         `json:"beta_start"`
	BetaEnd         float64         `json:"beta_end"`
	TrainedBetas    []float64       `json:"trained_betas,omitempty"`
	BetaSchedule    BetaSchedule    `json:"beta_schedule"`
	TimestepSpacing TimestepSpacing `json:"timestep_spacing"`
	StepsOffset     int             `json:"steps_offset"`
	PredictionType  PredictionType  `json:"prediction_type"`
	UseKarrasSigmas bool            `json:"use_karras_sigmas"`
	ClipSample      bool            `json:"clip_sample"`
	ClipSampleRange float32         `json:"clip_sample_range"`
	SetAlphaToOne   bool            `json:"set_alpha_to_one"`

	// OriginalInferenceSteps is the distillation grid for LCM schedules.
	OriginalInferenceSteps int `json:"original_steps"`

	ConditioningScale      float32 `json:"conditioning_scale"`
	AestheticScore         float32 `json:"aesthetic_score"`
	AestheticNegativeScore float32 `json:"aesthetic_negative_score"`
}

// DefaultOptions returns the Stable Diffusion defaults.
func DefaultOptions() Options {
	return Options{
		Type:                   LMS,
		Width:                  512,
		Height:                 512,
		InferenceSteps:         30,
		GuidanceScale:          7.5,
		Strength:               0.6,
		TrainTimesteps:         1000,
		BetaStart:              0.00085,
		BetaEnd:                0.012,
		BetaSchedule:           ScaledLinear,
		TimestepSpacing:        Linspace,
		ClipSampleRange:        1,
		OriginalInferenceSteps: 50,
		ConditioningScale:      0.7,
		AestheticScore:         6,
		AestheticNegativeScore: 2.5,
	}
}

var ErrInvalidOptions = errors.New("invalid scheduler options")

// Validate reports the first option that cannot produce a schedule.
func (o Options) Validate() error {
	switch {
	case o.Width <= 0 || o.Height <= 0:
		return fmt.Errorf("%w: dimensions %dx%d", ErrInvalidOptions, o.Width, o.Height)
	case o.Width%8 != 0 || o.Height%8 != 0:
		return fmt.Errorf("%w: dimensions %dx%d are not multiples of 8", ErrInvalidOptions, o.Width, o.Height)
	case o.InferenceSteps < 1:
		return fmt.Errorf("%w: steps must be at least 1, got %d", ErrInvalidOptions, o.InferenceSteps)
	case o.TrainTimesteps < 1:
		return fmt.Errorf("%w: train timesteps must be at least 1, got %d", ErrInvalidOptions, o.TrainTimesteps)
	case o.InferenceSteps > o.TrainTimesteps:
		return fmt.Errorf("%w: %d steps exceed %d train timesteps", ErrInvalidOptions, o.InferenceSteps, o.TrainTimesteps)
	case o.Strength < 0 || o.Strength > 1:
		return fmt.Errorf("%w: strength %v outside [0, 1]", ErrInvalidOptions, o.Strength)
	case len(o.TrainedBetas) > 0 && len(o.TrainedBetas) != o.TrainTimesteps:
		return fmt.Errorf("%w: %d trained betas for %d train timesteps", ErrInvalidOptions, len(o.TrainedBetas), o.TrainTimesteps)
	case o.Type == LCM && o.InferenceSteps > o.OriginalInferenceSteps:
		return fmt.Errorf("%w: %d steps exceed the %d step LCM grid", ErrInvalidOptions, o.InferenceSteps, o.OriginalInferenceSteps)
	}
	return nil
}

// LatentShape returns the [1, 4, h/8, w/8] latent dimensions.
func (o Options) LatentShape() []int {
	return []int{1, 4, o.Height / 8, o.Width / 8}
}

func normalize(s string) string {
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToLower(s))
}

func ParseBetaSchedule(s string) (BetaSchedule, error) {
	for _, b := range []BetaSchedule{Linear, ScaledLinear, SquaredCosCapV2, Sigmoid} {
		if normalize(s) == normalize(b.String()) {
			return b, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown beta schedule %q", ErrInvalidOptions, s)
}

func ParseTimestepSpacing(s string) (TimestepSpacing, error) {
	for _, v := range []TimestepSpacing{Linspace, Leading, Trailing} {
		if normalize(s) == normalize(v.String()) {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown timestep spacing %q", ErrInvalidOptions, s)
}

func ParsePredictionType(s string) (PredictionType, error) {
	for _, v := range []PredictionType{Epsilon, VPrediction, Sample} {
		if normalize(s) == normalize(v.String()) {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown prediction type %q", ErrInvalidOptions, s)
}

func (b BetaSchedule) MarshalText() ([]byte, error) { return []byte(b.String()), nil }

func (b *BetaSchedule) UnmarshalText(text []byte) (err error) {
	*b, err = ParseBetaSchedule(string(text))
	return err
}

func (s TimestepSpacing) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *TimestepSpacing) UnmarshalText(text []byte) (err error) {
	*s, err = ParseTimestepSpacing(string(text))
	return err
}

func (p PredictionType) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *PredictionType) UnmarshalText(text []byte) (err error) {
	*p, err = ParsePredictionType(string(text))
	return err
}
