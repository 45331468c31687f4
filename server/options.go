package server

import (
	"fmt"
	"log/slog"

	"github.com/mitchellh/mapstructure"

	"github.com/jmorganca/diffusion/diffusion"
	"github.com/jmorganca/diffusion/envconfig"
	"github.com/jmorganca/diffusion/scheduler"
)

// DefaultOptions returns the options a request starts from: the scheduler
// defaults at the model's sample size, with the configured scheduler and
// step count. Consistency pipelines always start from LCM.
func DefaultOptions(model diffusion.ModelOptions) scheduler.Options {
	opts := scheduler.DefaultOptions()
	if model.SampleSize > 0 {
		opts.Width, opts.Height = model.SampleSize, model.SampleSize
	}

	if t, err := scheduler.ParseType(envconfig.Scheduler); err == nil {
		opts.Type = t
	} else {
		slog.Warn("invalid default scheduler", "DIFFUSION_SCHEDULER", envconfig.Scheduler, "error", err)
	}

	if envconfig.Steps > 0 {
		opts.InferenceSteps = envconfig.Steps
	}

	if model.Pipeline.Consistency() {
		opts.Type = scheduler.LCM
	}
	return opts
}

// DecodeOptions applies the request's options map onto opts. Keys are the
// options' JSON names; enumerations accept their string names.
func DecodeOptions(m map[string]any, opts *scheduler.Options) error {
	if len(m) == 0 {
		return nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.TextUnmarshallerHookFunc(),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		TagName:          "json",
		Result:           opts,
	})
	if err != nil {
		return err
	}

	if err := decoder.Decode(m); err != nil {
		return fmt.Errorf("%w: %w", scheduler.ErrInvalidOptions, err)
	}
	return nil
}
