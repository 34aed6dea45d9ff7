package tensor

import (
	"fmt"
	"math"
)

// Reshape returns a tensor sharing t's data with a new shape.
// One dimension may be -1 and is inferred from the others.
func (t *Tensor) Reshape(newShape ...int) (*Tensor, error) {
	shape := make([]int, len(newShape))
	copy(shape, newShape)

	known := 1
	inferred := -1
	for i, dim := range shape {
		switch {
		case dim == -1:
			if inferred >= 0 {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			inferred = i
		case dim <= 0:
			return nil, fmt.Errorf("dimension %d has invalid size %d", i, dim)
		default:
			known *= dim
		}
	}

	if inferred >= 0 {
		if t.NumElems%known != 0 {
			return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v", t.NumElems, newShape)
		}
		shape[inferred] = t.NumElems / known
		known *= shape[inferred]
	}

	if known != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v (size %d)", t.NumElems, shape, known)
	}

	return &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		DType:    t.DType,
		Data:     t.Data,
		NumElems: t.NumElems,
	}, nil
}

// Clone returns a deep copy of t
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	return &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		DType:    t.DType,
		Data:     data,
		NumElems: t.NumElems,
	}
}

// ZeroFill sets every element to zero
func (t *Tensor) ZeroFill() {
	clear(t.Data)
}

// Item returns the single value of a one-element tensor
func (t *Tensor) Item() (float32, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("item requires a single-element tensor, got %d elements", t.NumElems)
	}
	return t.Data[0], nil
}

// Row returns a view of row i of a 2D tensor
func (t *Tensor) Row(i int) []float32 {
	cols := t.Shape[len(t.Shape)-1]
	return t.Data[i*cols : (i+1)*cols]
}

// Stack concatenates equally shaped samples along a new leading batch dimension
func Stack(samples []*Tensor) (*Tensor, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot stack zero tensors")
	}
	first := samples[0]
	out := make([]float32, 0, len(samples)*first.NumElems)
	for i, s := range samples {
		if !s.SameShape(first) {
			return nil, fmt.Errorf("sample %d has shape %v, expected %v", i, s.Shape, first.Shape)
		}
		out = append(out, s.Data...)
	}
	shape := append([]int{len(samples)}, first.Shape...)
	return New(out, shape)
}

// HasNonFinite reports whether any element is NaN or infinite
func HasNonFinite(data []float32) bool {
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}

// AllClose reports whether a and b match within tol element-wise
func AllClose(a, b []float32, tol float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(float64(a[i])-float64(b[i])) > tol {
			return false
		}
	}
	return true
}
