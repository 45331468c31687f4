package diffusion

import (
	"github.com/google/uuid"

	"github.com/jmorganca/diffusion/prompt"
	"github.com/jmorganca/diffusion/scheduler"
	"github.com/jmorganca/diffusion/tensor"
)

// Session holds the state of one generation. It is created by Generate,
// owned by a single goroutine and released on every exit path.
type Session struct {
	ID       string
	Model    ModelOptions
	Prompt   PromptOptions
	Options  scheduler.Options
	Guidance bool

	scheduler  scheduler.Scheduler
	embeddings *prompt.Embeddings
	timesteps  []int

	latents *tensor.Tensor

	// original and noise are retained by legacy inpainting, which re-noises
	// the encoded input at every step.
	original *tensor.Tensor
	noise    *tensor.Tensor

	// mask is the latent-resolution repaint mask.
	mask *tensor.Tensor

	// extras are variant and pipeline inputs constant across steps, already
	// batched for guidance.
	extras map[string]*tensor.Tensor

	// maskedLatents is the encoded unmasked region for 9-channel inpainting.
	maskedLatents *tensor.Tensor

	step int
}

func newSession(model ModelOptions, p PromptOptions, opts scheduler.Options, guidance bool) (*Session, error) {
	sched, err := scheduler.New(opts)
	if err != nil {
		return nil, err
	}

	return &Session{
		ID:        uuid.NewString(),
		Model:     model,
		Prompt:    p,
		Options:   opts,
		Guidance:  guidance,
		scheduler: sched,
		extras:    make(map[string]*tensor.Tensor),
	}, nil
}

// Step reports the number of completed denoising steps.
func (s *Session) Step() int {
	return s.step
}

// Close releases the scheduler and every tensor the session holds.
func (s *Session) Close() {
	if s.scheduler != nil {
		s.scheduler.Close()
	}

	s.embeddings = nil
	s.timesteps = nil
	s.latents = nil
	s.original = nil
	s.noise = nil
	s.mask = nil
	s.extras = nil
	s.maskedLatents = nil
}

// batched repeats t along the batch axis when guidance doubles the batch.
func (s *Session) batched(t *tensor.Tensor) *tensor.Tensor {
	if s.Guidance {
		return tensor.Repeat(t, 2)
	}
	return t
}
