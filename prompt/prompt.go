// Package prompt defines how text prompts become the embedding tensors the
// denoising model is conditioned on.
package prompt

import (
	"context"
	"fmt"

	"github.com/jmorganca/diffusion/tensor"
)

// Request describes the embeddings needed for one generation.
type Request struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`

	// Guidance requests the unconditional embedding as well, batched ahead
	// of the conditional one.
	Guidance bool `json:"guidance"`

	// Pooled requests the pooled text embedding used by XL pipelines.
	Pooled bool `json:"pooled"`
}

type Embeddings struct {
	// Prompt is [batch, tokens, dim]; batch is 2 under guidance.
	Prompt *tensor.Tensor

	// Pooled is [batch, dim] when requested.
	Pooled *tensor.Tensor
}

type Provider interface {
	Embeddings(ctx context.Context, req Request) (*Embeddings, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req Request) (*Embeddings, error)

func (f ProviderFunc) Embeddings(ctx context.Context, req Request) (*Embeddings, error) {
	return f(ctx, req)
}

// Validate checks the embeddings match what req asked for.
func (e *Embeddings) Validate(req Request) error {
	if e == nil || e.Prompt == nil {
		return fmt.Errorf("prompt embeddings missing")
	}

	batch := 1
	if req.Guidance {
		batch = 2
	}

	if e.Prompt.Dim(0) != batch {
		return fmt.Errorf("%w: prompt embeddings batch %d, want %d", tensor.ErrShapeMismatch, e.Prompt.Dim(0), batch)
	}

	if req.Pooled {
		if e.Pooled == nil {
			return fmt.Errorf("pooled embeddings missing")
		}
		if e.Pooled.Dim(0) != batch {
			return fmt.Errorf("%w: pooled embeddings batch %d, want %d", tensor.ErrShapeMismatch, e.Pooled.Dim(0), batch)
		}
	}
	return nil
}
