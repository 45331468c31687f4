// Package tensor implements the dense float32 tensors that flow between the
// scheduler, the diffusion loop and the inference engine.
//
// Operations never mutate their operands. Every kernel is a plain elementwise
// loop, so identical inputs always produce bit-identical outputs.
package tensor

import (
	"fmt"
	"math"
	"slices"

	pt "github.com/pdevine/tensor"
)

// Tensor is a row-major float32 array with a fixed shape.
type Tensor struct {
	d *pt.Dense

	// data aliases the dense backing; Dense.Data collapses single-element
	// tensors to a scalar.
	data []float32
}

// New wraps data in a tensor of the given shape. The slice is not copied.
func New(shape []int, data []float32) (*Tensor, error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("%w: empty shape", ErrShapeMismatch)
	}

	n := 1
	for _, dim := range shape {
		if dim <= 0 {
			return nil, fmt.Errorf("%w: invalid dimension in %v", ErrShapeMismatch, shape)
		}
		n *= dim
	}

	if n != len(data) {
		return nil, fmt.Errorf("%w: shape %v needs %d values, got %d", ErrShapeMismatch, shape, n, len(data))
	}

	return &Tensor{d: pt.New(pt.WithShape(slices.Clone(shape)...), pt.WithBacking(data)), data: data}, nil
}

// fromDense copies the values of a dense result into a tensor of shape.
// Slicing drops unit axes and Dense.Data collapses single values, so the
// shape is passed explicitly.
func fromDense(d pt.Tensor, shape []int) (*Tensor, error) {
	var data []float32
	switch v := d.Data().(type) {
	case []float32:
		data = slices.Clone(v)
	case float32:
		data = []float32{v}
	default:
		return nil, fmt.Errorf("%w: unexpected %T values", ErrShapeMismatch, v)
	}
	return New(shape, data)
}

func must(t *Tensor, err error) *Tensor {
	if err != nil {
		panic(err)
	}
	return t
}

// Zeros returns a zero-filled tensor. It panics on a non-positive dimension.
func Zeros(shape ...int) *Tensor {
	return Full(0, shape...)
}

// Full returns a tensor with every element set to v. It panics on a
// non-positive dimension.
func Full(v float32, shape ...int) *Tensor {
	data := make([]float32, Size(shape))
	if v != 0 {
		for i := range data {
			data[i] = v
		}
	}

	t, err := New(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

// Size returns the number of elements a tensor of this shape holds.
func Size(shape []int) int {
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	return n
}

// Shape returns a copy of the tensor's dimensions.
func (t *Tensor) Shape() []int {
	return slices.Clone([]int(t.d.Shape()))
}

// Dim returns the size of axis i.
func (t *Tensor) Dim(i int) int {
	return t.d.Shape()[i]
}

// Len returns the total number of elements.
func (t *Tensor) Len() int {
	return len(t.data)
}

// Data returns the backing slice. Callers must treat it as read-only unless
// they own the tensor.
func (t *Tensor) Data() []float32 {
	return t.data
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	data := slices.Clone(t.data)
	return &Tensor{d: pt.New(pt.WithShape(t.Shape()...), pt.WithBacking(data)), data: data}
}

// Equal reports whether both tensors have the same shape and bitwise
// identical values.
func (t *Tensor) Equal(o *Tensor) bool {
	if t == nil || o == nil {
		return t == o
	}

	if !slices.Equal(t.Shape(), o.Shape()) {
		return false
	}

	a, b := t.Data(), o.Data()
	for i := range a {
		if math.Float32bits(a[i]) != math.Float32bits(b[i]) {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	return fmt.Sprintf("tensor%v", t.Shape())
}
