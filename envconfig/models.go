package envconfig

import (
	"errors"
	"fmt"

	"github.com/jmorganca/diffusion/diffusion"
)

var ErrModelNotFound = errors.New("model not found")

// ModelOptions resolves the model set configured under name.
func (m ModelConfig) ModelOptions(name string) (diffusion.ModelOptions, error) {
	pipeline := diffusion.StableDiffusion
	if m.Pipeline != "" {
		var err error
		if pipeline, err = diffusion.ParsePipelineType(m.Pipeline); err != nil {
			return diffusion.ModelOptions{}, fmt.Errorf("model %s: %w", name, err)
		}
	}

	opts := diffusion.DefaultModelOptions(name, pipeline)
	if m.ScaleFactor > 0 {
		opts.ScaleFactor = m.ScaleFactor
	}

	if m.SampleSize > 0 {
		opts.SampleSize = m.SampleSize
	}

	if m.Refiner {
		opts.ModelType = diffusion.Refiner
	}

	for _, s := range m.Diffusers {
		d, err := diffusion.ParseDiffuserType(s)
		if err != nil {
			return diffusion.ModelOptions{}, fmt.Errorf("model %s: %w", name, err)
		}
		opts.Diffusers = append(opts.Diffusers, d)
	}

	return opts, nil
}

// Model returns the options of a model set from the config file. When
// pipeline is not empty and no set is configured under name, the pipeline's
// defaults are used instead.
func Model(name, pipeline string) (diffusion.ModelOptions, error) {
	if m, ok := Models()[name]; ok {
		if pipeline != "" {
			m.Pipeline = pipeline
		}
		return m.ModelOptions(name)
	}

	if pipeline == "" {
		return diffusion.ModelOptions{}, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}

	return ModelConfig{Pipeline: pipeline}.ModelOptions(name)
}
