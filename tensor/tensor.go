package tensor

import (
	"fmt"
)

// DType records the precision a tensor's values are held at. Storage is always
// float32; Float16 tensors have had every value rounded to half precision.
type DType int

const (
	Float32 DType = iota
	Float16
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Float16:
		return "Float16"
	default:
		return "Unknown"
	}
}

// Tensor is a dense, row-major float32 array on the CPU
type Tensor struct {
	Shape    []int
	Strides  []int
	DType    DType
	Data     []float32
	NumElems int
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, elements=%d)", t.Shape, t.DType, t.NumElems)
}

// New wraps data in a tensor of the given shape. The slice is not copied.
func New(data []float32, shape []int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	n := calculateNumElements(shape)
	if len(data) != n {
		return nil, fmt.Errorf("data length %d does not match shape %v (size %d)", len(data), shape, n)
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{
		Shape:    s,
		Strides:  calculateStrides(s),
		DType:    Float32,
		Data:     data,
		NumElems: n,
	}, nil
}

// Zeros allocates a zero-filled tensor
func Zeros(shape ...int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	return New(make([]float32, calculateNumElements(shape)), shape)
}

// MustZeros is Zeros for shapes that are known to be valid
func MustZeros(shape ...int) *Tensor {
	t, err := Zeros(shape...)
	if err != nil {
		panic(err)
	}
	return t
}

// Full allocates a tensor with every element set to value
func Full(value float32, shape ...int) (*Tensor, error) {
	t, err := Zeros(shape...)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// FromSlice copies data into a new tensor of the given shape
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	buf := make([]float32, len(data))
	copy(buf, data)
	return New(buf, shape)
}

// Dim returns the size of dimension i
func (t *Tensor) Dim(i int) int {
	return t.Shape[i]
}

// Rank returns the number of dimensions
func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// SameShape reports whether t and o have identical shapes
func (t *Tensor) SameShape(o *Tensor) bool {
	return ShapesEqual(t.Shape, o.Shape)
}

// ShapesEqual compares two shapes element by element
func ShapesEqual(a, b []int) bool {
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

// NumElements returns the element count of a shape
func NumElements(shape []int) int {
	return calculateNumElements(shape)
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: at least one dimension is required")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}
