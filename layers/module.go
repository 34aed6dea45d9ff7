package layers

import (
	"github.com/Sandiematt/Medi-Care/tensor"
)

// Module is a differentiable building block of a network.
//
// Forward caches whatever Backward needs when the module is in training mode
// and a gradient will flow through it. Backward accumulates into the Grad of
// every parameter that requires one and returns the gradient with respect to
// the input, or nil when the current Mode does not ask for it.
type Module interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*Parameter
	Buffers() []*Buffer
	SetMode(m Mode)
	Mode() Mode
	Describe(g *Graph, input string) string
}

// Mode controls how a module runs
type Mode struct {
	// Training selects batch statistics and active dropout
	Training bool
	// InputGrad is set when the caller needs the gradient of the input
	InputGrad bool
	// Half rounds convolution and linear outputs to half precision
	Half bool
}

// Parameter is a named learnable tensor
type Parameter struct {
	Name         string
	Value        *tensor.Tensor
	Grad         *tensor.Tensor
	RequiresGrad bool
}

// NewParameter allocates a trainable parameter with a zeroed gradient
func NewParameter(name string, value *tensor.Tensor) *Parameter {
	return &Parameter{
		Name:         name,
		Value:        value,
		Grad:         tensor.MustZeros(value.Shape...),
		RequiresGrad: true,
	}
}

// ZeroGrad clears the accumulated gradient
func (p *Parameter) ZeroGrad() {
	if p.Grad != nil {
		p.Grad.ZeroFill()
	}
}

// Buffer is named non-learnable state such as batch-norm running statistics
type Buffer struct {
	Name  string
	Value *tensor.Tensor
}

// ZeroGrad clears the gradients of all params
func ZeroGrad(params []*Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// Trainable filters params down to those that require gradients
func Trainable(params []*Parameter) []*Parameter {
	var out []*Parameter
	for _, p := range params {
		if p.RequiresGrad {
			out = append(out, p)
		}
	}
	return out
}

// HasTrainable reports whether any of m's parameters requires a gradient
func HasTrainable(m Module) bool {
	for _, p := range m.Parameters() {
		if p.RequiresGrad {
			return true
		}
	}
	return false
}

// needsBackward reports whether Backward will be called on m in its current mode
func needsBackward(m Module) bool {
	return m.Mode().InputGrad || HasTrainable(m)
}

// base carries the mode shared by every module
type base struct {
	mode Mode
}

func (b *base) SetMode(m Mode) { b.mode = m }

func (b *base) Mode() Mode { return b.mode }

func (b *base) Buffers() []*Buffer { return nil }

func (b *base) Parameters() []*Parameter { return nil }

// caching reports whether a module with the given parameters must keep
// forward state for a backward pass
func (b *base) caching(params ...*Parameter) bool {
	if !b.mode.Training {
		return false
	}
	if b.mode.InputGrad {
		return true
	}
	for _, p := range params {
		if p != nil && p.RequiresGrad {
			return true
		}
	}
	return false
}
