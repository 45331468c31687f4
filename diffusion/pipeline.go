package diffusion

import (
	"github.com/chewxy/math32"

	"github.com/jmorganca/diffusion/inference"
	"github.com/jmorganca/diffusion/tensor"
)

// guidanceEmbeddingDim is the width of the guidance-scale embedding
// consistency models are conditioned on.
const guidanceEmbeddingDim = 256

// conditioning adds the pipeline specific inputs: pooled embeddings and time
// ids for XL models, the guidance embedding for consistency models.
func (e *Engine) conditioning(s *Session) error {
	if s.Model.Pipeline.XL() {
		s.extras[inference.TextEmbeds] = s.embeddings.Pooled
		s.extras[inference.TimeIDs] = timeIDs(s)
	}

	if s.Model.Pipeline.Consistency() {
		s.extras[inference.TimestepCond] = guidanceEmbedding(s.Options.GuidanceScale, guidanceEmbeddingDim)
	}

	return nil
}

// timeIDs returns the XL size conditioning. Base models are conditioned on
// original size, crop offset and target size; refiners replace the target
// size with an aesthetic score, lowered for the unconditional half.
func timeIDs(s *Session) *tensor.Tensor {
	h, w := float32(s.Options.Height), float32(s.Options.Width)

	if s.Model.ModelType == Refiner {
		cond := []float32{h, w, 0, 0, s.Options.AestheticScore}
		if !s.Guidance {
			return must(tensor.New([]int{1, 5}, cond))
		}

		uncond := []float32{h, w, 0, 0, s.Options.AestheticNegativeScore}
		return must(tensor.New([]int{2, 5}, append(uncond, cond...)))
	}

	return s.batched(must(tensor.New([]int{1, 6}, []float32{h, w, 0, 0, h, w})))
}

// guidanceEmbedding is the sinusoidal embedding of (scale-1)*1000, laid out
// as [sin..., cos...]. It is computed in single precision.
func guidanceEmbedding(scale float32, dim int) *tensor.Tensor {
	w := (scale - 1) * 1000
	half := dim / 2
	freq := math32.Log(10000) / float32(half-1)

	data := make([]float32, dim)
	for i := range half {
		v := w * math32.Exp(-freq*float32(i))
		data[i] = math32.Sin(v)
		data[half+i] = math32.Cos(v)
	}

	return must(tensor.New([]int{1, dim}, data))
}

func must(t *tensor.Tensor, err error) *tensor.Tensor {
	if err != nil {
		panic(err)
	}
	return t
}
