package tensor

import (
	"errors"
	"fmt"
	"slices"

	pt "github.com/pdevine/tensor"
	"gorgonia.org/vecf32"
)

var ErrShapeMismatch = errors.New("shape mismatch")

func shapeError(op string, a, b []int) error {
	return fmt.Errorf("%s: %w: %v and %v", op, ErrShapeMismatch, a, b)
}

func sameShape(op string, a, b *Tensor) error {
	if !slices.Equal(a.Shape(), b.Shape()) {
		return shapeError(op, a.Shape(), b.Shape())
	}
	return nil
}

// Add returns a + b.
func Add(a, b *Tensor) (*Tensor, error) {
	if err := sameShape("add", a, b); err != nil {
		return nil, err
	}

	out := a.Clone()
	vecf32.Add(out.Data(), b.Data())
	return out, nil
}

// Sub returns a - b.
func Sub(a, b *Tensor) (*Tensor, error) {
	if err := sameShape("sub", a, b); err != nil {
		return nil, err
	}

	out := a.Clone()
	vecf32.Sub(out.Data(), b.Data())
	return out, nil
}

// Mul returns the elementwise product a * b.
func Mul(a, b *Tensor) (*Tensor, error) {
	if err := sameShape("mul", a, b); err != nil {
		return nil, err
	}

	out := a.Clone()
	vecf32.Mul(out.Data(), b.Data())
	return out, nil
}

// Scale returns a * k.
func Scale(a *Tensor, k float32) *Tensor {
	out := a.Clone()
	vecf32.Scale(out.Data(), k)
	return out
}

// AddScalar returns a + k.
func AddScalar(a *Tensor, k float32) *Tensor {
	out := a.Clone()
	vecf32.Trans(out.Data(), k)
	return out
}

// Axpy returns a*k + b, the fused form every scheduler update reduces to.
func Axpy(k float32, a, b *Tensor) (*Tensor, error) {
	if err := sameShape("axpy", a, b); err != nil {
		return nil, err
	}

	out := Scale(a, k)
	vecf32.Add(out.Data(), b.Data())
	return out, nil
}

// Map applies fn to every element.
func Map(a *Tensor, fn func(float32) float32) *Tensor {
	out := a.Clone()
	data := out.Data()
	for i, v := range data {
		data[i] = fn(v)
	}
	return out
}

// Repeat stacks n copies of a along the batch axis.
func Repeat(a *Tensor, n int) *Tensor {
	if n == 1 {
		return a.Clone()
	}

	copies := make([]pt.Tensor, n-1)
	for i := range copies {
		copies[i] = a.d
	}

	d, err := pt.Concat(0, a.d, copies...)
	if err != nil {
		panic(err)
	}

	shape := a.Shape()
	shape[0] *= n
	return must(fromDense(d, shape))
}

// Split partitions a along the batch axis into two equal halves. It is the
// inverse of Repeat(x, 2).
func Split(a *Tensor) (*Tensor, *Tensor, error) {
	shape := a.Shape()
	if shape[0]%2 != 0 {
		return nil, nil, fmt.Errorf("split: %w: batch %d is not even", ErrShapeMismatch, shape[0])
	}

	half := shape[0] / 2
	shape[0] = half

	first, err := batchSlice(a, 0, half, shape)
	if err != nil {
		return nil, nil, err
	}

	second, err := batchSlice(a, half, 2*half, shape)
	if err != nil {
		return nil, nil, err
	}

	return first, second, nil
}

// batchSlice copies rows [start, end) of the batch axis out of a.
func batchSlice(a *Tensor, start, end int, shape []int) (*Tensor, error) {
	v, err := a.d.Slice(pt.S(start, end))
	if err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}
	return fromDense(pt.Materialize(v), shape)
}

// Guidance combines the unconditional and conditional predictions as
// uncond + scale*(cond-uncond).
func Guidance(uncond, cond *Tensor, scale float32) (*Tensor, error) {
	diff, err := Sub(cond, uncond)
	if err != nil {
		return nil, fmt.Errorf("guidance: %w", err)
	}

	vecf32.Scale(diff.Data(), scale)
	vecf32.Add(diff.Data(), uncond.Data())
	return diff, nil
}

// Blend returns a*mask + b*(1-mask). The mask is broadcast to the shape of a,
// so a [1,1,h,w] mask weights every channel of a [n,c,h,w] latent equally.
func Blend(a, b, mask *Tensor) (*Tensor, error) {
	if err := sameShape("blend", a, b); err != nil {
		return nil, err
	}

	m, err := Broadcast(mask, a.Shape())
	if err != nil {
		return nil, fmt.Errorf("blend: %w", err)
	}

	out := a.Clone()
	dst, bs, ms := out.Data(), b.Data(), m.Data()
	for i := range dst {
		dst[i] = dst[i]*ms[i] + bs[i]*(1-ms[i])
	}
	return out, nil
}

// Broadcast expands axes of size 1 in a to match shape.
func Broadcast(a *Tensor, shape []int) (*Tensor, error) {
	src := a.Shape()
	if slices.Equal(src, shape) {
		return a.Clone(), nil
	}

	if len(src) != len(shape) {
		return nil, shapeError("broadcast", src, shape)
	}

	for i := range shape {
		if src[i] != shape[i] && src[i] != 1 {
			return nil, shapeError("broadcast", src, shape)
		}
	}

	srcStrides := strides(src)
	for i := range src {
		if src[i] == 1 {
			srcStrides[i] = 0
		}
	}

	dstStrides := strides(shape)
	in := a.Data()
	data := make([]float32, Size(shape))
	for i := range data {
		rem, offset := i, 0
		for axis, stride := range dstStrides {
			offset += (rem / stride) * srcStrides[axis]
			rem %= stride
		}
		data[i] = in[offset]
	}

	return New(slices.Clone(shape), data)
}

// Concat joins tensors along axis. All other dimensions must agree.
func Concat(axis int, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("concat: %w: no tensors", ErrShapeMismatch)
	}

	shape := ts[0].Shape()
	if axis < 0 || axis >= len(shape) {
		return nil, fmt.Errorf("concat: %w: axis %d out of range for %v", ErrShapeMismatch, axis, shape)
	}

	total := 0
	for _, t := range ts {
		s := t.Shape()
		if len(s) != len(shape) {
			return nil, shapeError("concat", shape, s)
		}
		for i := range s {
			if i != axis && s[i] != shape[i] {
				return nil, shapeError("concat", shape, s)
			}
		}
		total += s[axis]
	}

	out := slices.Clone(shape)
	out[axis] = total

	if len(ts) == 1 {
		return ts[0].Clone(), nil
	}

	others := make([]pt.Tensor, len(ts)-1)
	for i, t := range ts[1:] {
		others[i] = t.d
	}

	d, err := pt.Concat(axis, ts[0].d, others...)
	if err != nil {
		return nil, fmt.Errorf("concat: %w", err)
	}
	return fromDense(d, out)
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}
