// Package imageproc converts between images and the tensors the diffusion
// models consume and produce.
package imageproc

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"

	"golang.org/x/image/draw"

	"github.com/jmorganca/diffusion/tensor"
)

// Composite returns an image with the alpha channel removed by drawing over a
// white background.
func Composite(img image.Image) image.Image {
	dst := image.NewRGBA(img.Bounds())
	draw.Draw(dst, dst.Bounds(), &image.Uniform{color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Over)
	return dst
}

// Resize scales img to width x height with the given interpolator.
func Resize(img image.Image, width, height int, kernel draw.Interpolator) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	kernel.Scale(dst, dst.Rect, img, img.Bounds(), draw.Src, nil)
	return dst
}

// ImageTensor returns img as a [1,3,height,width] tensor with values in
// [-1,1], the range the VAE encoder expects.
func ImageTensor(img image.Image, width, height int) *tensor.Tensor {
	return tensor.AddScalar(tensor.Scale(ControlTensor(img, width, height), 2), -1)
}

// ControlTensor returns img as a [1,3,height,width] tensor with values in
// [0,1].
func ControlTensor(img image.Image, width, height int) *tensor.Tensor {
	return channels(Resize(Composite(img), width, height, draw.BiLinear), func(v float32) float32 {
		return v / 255
	})
}

func channels(img *image.RGBA, fn func(float32) float32) *tensor.Tensor {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	plane := w * h

	t := tensor.Zeros(1, 3, h, w)
	data := t.Data()
	for y := range h {
		for x := range w {
			i := img.PixOffset(x, y)
			for c := range 3 {
				data[c*plane+y*w+x] = fn(float32(img.Pix[i+c]))
			}
		}
	}

	return t
}

// KeepMask rasterizes the alpha channel of mask into a [1,1,height,width]
// tensor of keep weights, 1 - A/255: transparent pixels keep the original
// image, opaque pixels are repainted. Scaling is nearest-neighbour so the
// mask stays hard-edged at latent resolution.
func KeepMask(mask image.Image, width, height int) *tensor.Tensor {
	return alpha(mask, width, height, func(a float32) float32 { return 1 - a })
}

// RepaintMask is the complement of KeepMask: A/255, 1 where the image is to
// be repainted.
func RepaintMask(mask image.Image, width, height int) *tensor.Tensor {
	return alpha(mask, width, height, func(a float32) float32 { return a })
}

func alpha(mask image.Image, width, height int, fn func(float32) float32) *tensor.Tensor {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.NearestNeighbor.Scale(img, img.Rect, mask, mask.Bounds(), draw.Src, nil)

	t := tensor.Zeros(1, 1, height, width)
	data := t.Data()
	for y := range height {
		for x := range width {
			data[y*width+x] = fn(float32(img.Pix[img.PixOffset(x, y)+3]) / 255)
		}
	}

	return t
}

// TensorImage converts a [1,3,H,W] decoder output in [-1,1] to an image.
// Values outside the range are clamped.
func TensorImage(t *tensor.Tensor) (*image.RGBA, error) {
	shape := t.Shape()
	if len(shape) != 4 || shape[0] != 1 || shape[1] != 3 {
		return nil, fmt.Errorf("%w: image tensor %v, want [1 3 H W]", tensor.ErrShapeMismatch, shape)
	}

	h, w := shape[2], shape[3]
	plane := w * h
	data := t.Data()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			i := img.PixOffset(x, y)
			for c := range 3 {
				img.Pix[i+c] = toByte(data[c*plane+y*w+x])
			}
			img.Pix[i+3] = 0xff
		}
	}

	return img, nil
}

func toByte(v float32) uint8 {
	v = (v + 1) * 127.5
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}

// EncodePNG converts t with TensorImage and encodes the result as PNG.
func EncodePNG(t *tensor.Tensor) ([]byte, error) {
	img, err := TensorImage(t)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if err := png.Encode(&b, img); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Decode reads an image in any registered format.
func Decode(b []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(b))
	return img, err
}
