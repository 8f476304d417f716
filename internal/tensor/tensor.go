package tensor

import (
	"errors"
	"fmt"
)

var ErrShapeMismatch = errors.New("tensor shape mismatch")

// Tensor is a dense row-major float32 array. Image batches are laid out NCHW.
type Tensor struct {
	Shape []int
	Data  []float32
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func New(shape ...int) *Tensor {
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, numel(shape)),
	}
}

// FromData wraps data without copying it. Every dimension must be positive.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	if err := CheckShape(shape); err != nil {
		return nil, err
	}
	if n := numel(shape); n != len(data) {
		return nil, fmt.Errorf("%w: shape %v needs %d values, got %d", ErrShapeMismatch, shape, n, len(data))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// CheckShape rejects empty shapes and dimensions that are zero or negative.
func CheckShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("%w: empty shape", ErrShapeMismatch)
	}
	for _, d := range shape {
		if d <= 0 {
			return fmt.Errorf("%w: dimensions must be positive, got %v", ErrShapeMismatch, shape)
		}
	}
	return nil
}

func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// Height and Width are the last two dimensions.
func (t *Tensor) Height() int {
	return t.Shape[len(t.Shape)-2]
}

func (t *Tensor) Width() int {
	return t.Shape[len(t.Shape)-1]
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
	}
}

// Unsqueeze inserts a dimension of size 1. The result shares data with t.
func (t *Tensor) Unsqueeze(dim int) *Tensor {
	shape := make([]int, 0, len(t.Shape)+1)
	shape = append(shape, t.Shape[:dim]...)
	shape = append(shape, 1)
	shape = append(shape, t.Shape[dim:]...)
	return &Tensor{Shape: shape, Data: t.Data}
}

// Squeeze removes a dimension of size 1. The result shares data with t.
func (t *Tensor) Squeeze(dim int) (*Tensor, error) {
	if t.Shape[dim] != 1 {
		return nil, fmt.Errorf("%w: cannot squeeze dim %d of shape %v", ErrShapeMismatch, dim, t.Shape)
	}
	shape := make([]int, 0, len(t.Shape)-1)
	shape = append(shape, t.Shape[:dim]...)
	shape = append(shape, t.Shape[dim+1:]...)
	return &Tensor{Shape: shape, Data: t.Data}, nil
}

func (t *Tensor) sampleSize() int {
	return numel(t.Shape[1:])
}

// SliceBatch returns samples [from, to) of the leading dimension as a view.
func (t *Tensor) SliceBatch(from, to int) *Tensor {
	n := t.sampleSize()
	shape := append([]int{to - from}, t.Shape[1:]...)
	return &Tensor{Shape: shape, Data: t.Data[from*n : to*n]}
}

// Batch returns sample i, keeping the leading dimension (size 1).
func (t *Tensor) Batch(i int) *Tensor {
	return t.SliceBatch(i, i+1)
}

// Concat joins tensors along the leading dimension.
func Concat(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("%w: nothing to concatenate", ErrShapeMismatch)
	}
	inner := ts[0].Shape[1:]
	total := 0
	for _, t := range ts {
		if !equalShape(t.Shape[1:], inner) {
			return nil, fmt.Errorf("%w: cannot concatenate %v and %v", ErrShapeMismatch, ts[0].Shape, t.Shape)
		}
		total += t.Shape[0]
	}
	out := New(append([]int{total}, inner...)...)
	off := 0
	for _, t := range ts {
		off += copy(out.Data[off:], t.Data)
	}
	return out, nil
}

// FlipW mirrors the last dimension into a new tensor.
func (t *Tensor) FlipW() *Tensor {
	out := &Tensor{Shape: append([]int(nil), t.Shape...), Data: make([]float32, len(t.Data))}
	w := t.Width()
	for row := 0; row < len(t.Data); row += w {
		src := t.Data[row : row+w]
		dst := out.Data[row : row+w]
		for x := 0; x < w; x++ {
			dst[x] = src[w-1-x]
		}
	}
	return out
}

// Max returns the largest value over the whole tensor.
func (t *Tensor) Max() float32 {
	m := t.Data[0]
	for _, v := range t.Data[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// Clamp limits every value to [lo, hi] in place.
func (t *Tensor) Clamp(lo, hi float32) {
	for i, v := range t.Data {
		if v < lo {
			t.Data[i] = lo
		} else if v > hi {
			t.Data[i] = hi
		}
	}
}

func (t *Tensor) Scale(s float32) {
	for i := range t.Data {
		t.Data[i] *= s
	}
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
