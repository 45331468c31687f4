package diffusion

import (
	"context"

	"github.com/jmorganca/diffusion/imageproc"
	"github.com/jmorganca/diffusion/inference"
	"github.com/jmorganca/diffusion/tensor"
)

// prepare builds the initial latents and the per-variant conditioning.
func (e *Engine) prepare(ctx context.Context, s *Session) error {
	o := s.Options
	shape := o.LatentShape()
	h, w := shape[2], shape[3]

	switch s.Prompt.Diffuser {
	case TextToImage, ControlNet:
		s.latents = s.scheduler.RandomSample(shape, s.scheduler.InitNoiseSigma())

	case ImageToImage, ControlNetImage:
		original, err := e.encode(ctx, s, imageproc.ImageTensor(s.Prompt.InputImage, o.Width, o.Height), true)
		if err != nil {
			return err
		}

		s.latents, err = s.scheduler.AddNoise(original, s.scheduler.RandomSample(shape, 1), s.timesteps)
		if err != nil {
			return err
		}

	case ImageInpaintLegacy:
		original, err := e.encode(ctx, s, imageproc.ImageTensor(s.Prompt.InputImage, o.Width, o.Height), true)
		if err != nil {
			return err
		}

		s.original = original
		s.mask = imageproc.RepaintMask(s.Prompt.Mask, w, h)
		s.noise = s.scheduler.RandomSample(shape, 1)
		s.latents, err = s.scheduler.AddNoise(original, s.noise, s.timesteps)
		if err != nil {
			return err
		}

	case ImageInpaint:
		s.latents = s.scheduler.RandomSample(shape, s.scheduler.InitNoiseSigma())

		// the encoder sees the input image with the repaint region blanked
		keep := tensor.Map(imageproc.KeepMask(s.Prompt.Mask, o.Width, o.Height), func(v float32) float32 {
			if v > 0.5 {
				return 1
			}
			return 0
		})

		image := imageproc.ImageTensor(s.Prompt.InputImage, o.Width, o.Height)
		keep, err := tensor.Broadcast(keep, image.Shape())
		if err != nil {
			return err
		}

		masked, err := tensor.Mul(image, keep)
		if err != nil {
			return err
		}

		s.maskedLatents, err = e.encode(ctx, s, masked, false)
		if err != nil {
			return err
		}

		s.mask = imageproc.RepaintMask(s.Prompt.Mask, w, h)

	default:
		return ErrUnsupportedDiffuser
	}

	if s.Prompt.Diffuser.control() {
		s.extras[inference.ControlNetCond] = s.batched(imageproc.ControlTensor(s.Prompt.ControlImage, o.Width, o.Height))
		s.extras[inference.ConditioningScale] = tensor.Full(o.ConditioningScale, 1)
	}

	return e.conditioning(s)
}

// recompose restores the region outside the repaint mask after a legacy
// inpainting step: the encoded input, re-noised to timestep, is blended with
// the stepped latents as stepped*mask + original*(1-mask).
func (s *Session) recompose(stepped *tensor.Tensor, timestep int) (*tensor.Tensor, error) {
	original, err := s.scheduler.AddNoise(s.original, s.noise, []int{timestep})
	if err != nil {
		return nil, err
	}

	return tensor.Blend(stepped, original, s.mask)
}
