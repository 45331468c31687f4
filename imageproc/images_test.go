package imageproc

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/diffusion/tensor"
)

func uniform(c color.Color, w, h int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestImageTensor(t *testing.T) {
	got := ImageTensor(uniform(color.NRGBA{R: 255, G: 0, B: 255, A: 255}, 32, 16), 8, 4)
	assert.Equal(t, []int{1, 3, 4, 8}, got.Shape())

	data := got.Data()
	assert.InDelta(t, 1, data[0], 1e-6)
	assert.InDelta(t, -1, data[32], 1e-6)
	assert.InDelta(t, 1, data[64], 1e-6)
}

func TestControlTensor(t *testing.T) {
	got := ControlTensor(uniform(color.NRGBA{R: 255, G: 51, B: 0, A: 255}, 4, 4), 4, 4)
	data := got.Data()
	assert.InDelta(t, 1, data[0], 1e-6)
	assert.InDelta(t, 0.2, data[16], 1e-6)
	assert.InDelta(t, 0, data[32], 1e-6)
}

func TestMasks(t *testing.T) {
	// left half transparent, right half opaque
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for y := range 16 {
		for x := 8; x < 16; x++ {
			img.Set(x, y, color.NRGBA{A: 255})
		}
	}

	keep := KeepMask(img, 2, 2)
	assert.Equal(t, []int{1, 1, 2, 2}, keep.Shape())
	assert.Equal(t, []float32{1, 0, 1, 0}, keep.Data())

	repaint := RepaintMask(img, 4, 1)
	assert.Equal(t, []float32{0, 0, 1, 1}, repaint.Data())
}

func TestTensorImage(t *testing.T) {
	data := make([]float32, 3*2*2)
	for i := range 4 {
		data[i] = 1
		data[4+i] = -1
		data[8+i] = 3
	}
	data[4] = 0

	x, err := tensor.New([]int{1, 3, 2, 2}, data)
	require.NoError(t, err)

	img, err := TensorImage(x)
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{R: 255, G: 128, B: 255, A: 255}, img.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{R: 255, G: 0, B: 255, A: 255}, img.RGBAAt(1, 1))

	_, err = TensorImage(tensor.Zeros(1, 4, 2, 2))
	require.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestEncodePNG(t *testing.T) {
	b, err := EncodePNG(tensor.Zeros(1, 3, 8, 8))
	require.NoError(t, err)

	img, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 8), img.Bounds())
}
