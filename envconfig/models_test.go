package envconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/diffusion/diffusion"
)

func writeConfig(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("DIFFUSION_CONFIG", path)
	t.Cleanup(ReloadConfigFile)
	ReloadConfigFile()
}

func TestModel(t *testing.T) {
	writeConfig(t, `
[models.sdxl-refiner]
pipeline = "stable_diffusion_xl"
sample_size = 768
refiner = true
diffusers = ["image_to_image"]

[models.broken]
diffusers = ["upscale"]
`)

	m, err := Model("sdxl-refiner", "")
	require.NoError(t, err)
	assert.Equal(t, diffusion.ModelOptions{
		Name:        "sdxl-refiner",
		Pipeline:    diffusion.StableDiffusionXL,
		Diffusers:   []diffusion.DiffuserType{diffusion.ImageToImage},
		ScaleFactor: diffusion.ScaleFactorXL,
		ModelType:   diffusion.Refiner,
		SampleSize:  768,
	}, m)
	assert.False(t, m.Supports(diffusion.TextToImage))

	m, err = Model("sdxl-refiner", "latent_consistency")
	require.NoError(t, err)
	assert.Equal(t, diffusion.LatentConsistency, m.Pipeline)
	assert.Equal(t, 768, m.SampleSize)

	_, err = Model("missing", "")
	require.ErrorIs(t, err, ErrModelNotFound)

	m, err = Model("missing", "stable_diffusion")
	require.NoError(t, err)
	assert.Equal(t, diffusion.DefaultModelOptions("missing", diffusion.StableDiffusion), m)

	_, err = Model("broken", "")
	require.ErrorIs(t, err, diffusion.ErrUnsupportedDiffuser)

	_, err = Model("missing", "imagen")
	require.ErrorContains(t, err, "model missing")
}
