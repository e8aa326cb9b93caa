// Package tensor holds the dense float tensors exchanged with the image model:
// initial latents, prompt embeddings and conditioning frames.
package tensor

import (
	"fmt"
	"strings"

	"github.com/ivlev/giffusion/internal/types"
)

// Tensor is a row-major float32 tensor. Axis 0 is the batch axis.
type Tensor struct {
	Shape []int     `json:"shape" yaml:"shape"`
	Data  []float32 `json:"data" yaml:"data"`
}

// NormSource draws standard normal values. schedule.Generator implements it.
type NormSource interface {
	NormFloat64() float64
}

// New returns a zero tensor of the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, numel(shape))}
}

// FromData wraps data, which must hold exactly prod(shape) values.
func FromData(shape []int, data []float32) (*Tensor, error) {
	if n := numel(shape); n != len(data) {
		return nil, types.Errorf(types.ErrShapeMismatch, "shape %v needs %d values, got %d", shape, n, len(data))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Randn fills a new tensor with standard normal draws from src.
func Randn(src NormSource, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = float32(src.NormFloat64())
	}
	return t
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Dim returns the size of axis i.
func (t *Tensor) Dim(i int) int { return t.Shape[i] }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: append([]int(nil), t.Shape...), Data: append([]float32(nil), t.Data...)}
}

// SameShape reports whether t and o have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	dims := make([]string, len(t.Shape))
	for i, d := range t.Shape {
		dims[i] = fmt.Sprint(d)
	}
	return "Tensor(" + strings.Join(dims, "x") + ")"
}

// Cat concatenates tensors along axis 0. Trailing axes must match.
func Cat(ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, types.NewError(types.ErrShapeMismatch, "cat of zero tensors")
	}
	first := ts[0]
	rows := 0
	size := 0
	for _, t := range ts {
		if len(t.Shape) != len(first.Shape) || len(t.Shape) == 0 {
			return nil, types.Errorf(types.ErrShapeMismatch, "cannot cat %s with %s", first, t)
		}
		for i := 1; i < len(t.Shape); i++ {
			if t.Shape[i] != first.Shape[i] {
				return nil, types.Errorf(types.ErrShapeMismatch, "cannot cat %s with %s", first, t)
			}
		}
		rows += t.Shape[0]
		size += len(t.Data)
	}

	out := &Tensor{Shape: append([]int{rows}, first.Shape[1:]...), Data: make([]float32, 0, size)}
	for _, t := range ts {
		out.Data = append(out.Data, t.Data...)
	}
	return out, nil
}

// Repeat stacks n copies of t along axis 0.
func Repeat(t *Tensor, n int) *Tensor {
	ts := make([]*Tensor, n)
	for i := range ts {
		ts[i] = t
	}
	out, _ := Cat(ts)
	return out
}

// PadAxis zero-pads t along axis so that it has size entries there.
// A tensor already at least that long is returned unchanged.
func PadAxis(t *Tensor, axis, size int) (*Tensor, error) {
	if axis <= 0 || axis >= len(t.Shape) {
		return nil, types.Errorf(types.ErrShapeMismatch, "cannot pad %s on axis %d", t, axis)
	}
	cur := t.Shape[axis]
	if cur >= size {
		return t, nil
	}

	outer := numel(t.Shape[:axis])
	inner := numel(t.Shape[axis+1:])
	shape := append([]int(nil), t.Shape...)
	shape[axis] = size
	out := New(shape...)
	for o := 0; o < outer; o++ {
		copy(out.Data[o*size*inner:], t.Data[o*cur*inner:(o+1)*cur*inner])
	}
	return out, nil
}

// PadToMatch pads the shorter of a and b along axis 1 (the token axis of
// prompt embeddings) and then requires identical shapes.
func PadToMatch(a, b *Tensor) (*Tensor, *Tensor, error) {
	if len(a.Shape) != len(b.Shape) || len(a.Shape) < 2 {
		return nil, nil, types.Errorf(types.ErrShapeMismatch, "cannot pad %s to %s", a, b)
	}
	size := max(a.Shape[1], b.Shape[1])
	pa, err := PadAxis(a, 1, size)
	if err != nil {
		return nil, nil, err
	}
	pb, err := PadAxis(b, 1, size)
	if err != nil {
		return nil, nil, err
	}
	if !pa.SameShape(pb) {
		return nil, nil, types.Errorf(types.ErrShapeMismatch, "shapes %s and %s differ after padding", pa, pb)
	}
	return pa, pb, nil
}

// Mean averages tensors elementwise. Shorter ones are padded on axis 1 first.
func Mean(ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, types.NewError(types.ErrShapeMismatch, "mean of zero tensors")
	}
	acc := ts[0].Clone()
	for _, t := range ts[1:] {
		a, b, err := PadToMatch(acc, t)
		if err != nil {
			return nil, err
		}
		acc = a
		for i := range acc.Data {
			acc.Data[i] += b.Data[i]
		}
	}
	n := float32(len(ts))
	for i := range acc.Data {
		acc.Data[i] /= n
	}
	return acc, nil
}
