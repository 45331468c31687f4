package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmorganca/diffusion/api"
)

// optionNames maps scheduler flags to the option names the server decodes.
var optionNames = map[string]string{
	"scheduler":          "scheduler",
	"steps":              "steps",
	"strength":           "strength",
	"timestep-spacing":   "timestep_spacing",
	"beta-schedule":      "beta_schedule",
	"prediction-type":    "prediction_type",
	"karras":             "use_karras_sigmas",
	"seed":               "seed",
	"guidance":           "guidance_scale",
	"width":              "width",
	"height":             "height",
	"noise":              "initial_noise_level",
	"conditioning-scale": "conditioning_scale",
}

func schedulerFlags(cmd *cobra.Command) {
	cmd.Flags().String("scheduler", "", "Scheduler (lms, euler, euler_ancestral, ddpm, ddim, kdpm2, lcm)")
	cmd.Flags().Int("steps", 0, "Number of inference steps")
	cmd.Flags().Float32("strength", 0, "How much of the input image to repaint, 0 to 1")
	cmd.Flags().String("timestep-spacing", "", "Timestep spacing (linspace, leading, trailing)")
	cmd.Flags().String("beta-schedule", "", "Beta schedule (scaled_linear, linear, squaredcos_cap_v2, sigmoid)")
	cmd.Flags().String("prediction-type", "", "Prediction type (epsilon, v_prediction, sample)")
	cmd.Flags().Bool("karras", false, "Use Karras sigmas")
}

func optionFlags(cmd *cobra.Command) {
	schedulerFlags(cmd)

	cmd.Flags().StringP("model", "m", "", "Model set from the config file")
	cmd.Flags().String("pipeline", "", "Pipeline (stable_diffusion, stable_diffusion_xl, latent_consistency, latent_consistency_xl)")
	cmd.Flags().StringP("negative", "n", "", "Negative prompt")
	cmd.Flags().String("diffuser", "", "Diffuser (text_to_image, image_to_image, image_inpaint, image_inpaint_legacy, controlnet, controlnet_image)")
	cmd.Flags().String("image", "", "Input image path")
	cmd.Flags().String("mask", "", "Mask image path, opaque pixels are repainted")
	cmd.Flags().String("control-image", "", "ControlNet conditioning image path")

	cmd.Flags().Int64("seed", 0, "Random seed, 0 for a random one")
	cmd.Flags().Float32("guidance", 0, "Classifier-free guidance scale")
	cmd.Flags().Int("width", 0, "Image width")
	cmd.Flags().Int("height", 0, "Image height")
	cmd.Flags().Float32("noise", 0, "Noise added to encoded input images")
	cmd.Flags().Float32("conditioning-scale", 0, "ControlNet conditioning scale")
}

// options collects the scheduler flags that were set, keyed by option name.
func options(cmd *cobra.Command) map[string]any {
	m := make(map[string]any)
	for flag, name := range optionNames {
		f := cmd.Flags().Lookup(flag)
		if f != nil && f.Changed {
			m[name] = f.Value.String()
		}
	}
	return m
}

// generateRequest builds a request from the prompt argument and flags.
func generateRequest(cmd *cobra.Command, prompt string) (*api.GenerateRequest, error) {
	req := api.GenerateRequest{Prompt: prompt, Options: options(cmd)}

	var err error
	for _, s := range []struct {
		flag string
		dst  *string
	}{
		{"model", &req.Model},
		{"pipeline", &req.Pipeline},
		{"negative", &req.NegativePrompt},
		{"diffuser", &req.Diffuser},
	} {
		if *s.dst, err = cmd.Flags().GetString(s.flag); err != nil {
			return nil, err
		}
	}

	if req.Model == "" {
		return nil, fmt.Errorf("--model is required")
	}

	for _, f := range []struct {
		flag string
		dst  *api.ImageData
	}{
		{"image", &req.Image},
		{"mask", &req.Mask},
		{"control-image", &req.ControlImage},
	} {
		path, err := cmd.Flags().GetString(f.flag)
		if err != nil {
			return nil, err
		}

		if path == "" {
			continue
		}

		if *f.dst, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("--%s: %w", f.flag, err)
		}
	}

	return &req, nil
}
