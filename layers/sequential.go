package layers

import (
	"github.com/Sandiematt/Medi-Care/tensor"
)

// Sequential chains modules, feeding each output to the next
type Sequential struct {
	base
	Modules []Module
}

// NewSequential creates a container over modules
func NewSequential(modules ...Module) *Sequential {
	return &Sequential{Modules: modules}
}

func (s *Sequential) Parameters() []*Parameter {
	var params []*Parameter
	for _, m := range s.Modules {
		params = append(params, m.Parameters()...)
	}
	return params
}

func (s *Sequential) Buffers() []*Buffer {
	var bufs []*Buffer
	for _, m := range s.Modules {
		bufs = append(bufs, m.Buffers()...)
	}
	return bufs
}

// SetMode propagates m to the children. A child needs its input gradient
// when the container does or when any earlier child is trainable.
func (s *Sequential) SetMode(m Mode) {
	s.mode = m
	setChainMode(s.Modules, m)
}

func setChainMode(modules []Module, m Mode) {
	upstream := m.InputGrad
	for _, child := range modules {
		cm := m
		cm.InputGrad = m.Training && upstream
		child.SetMode(cm)
		if HasTrainable(child) {
			upstream = true
		}
	}
}

func (s *Sequential) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return forwardChain(s.Modules, x)
}

func (s *Sequential) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	return backwardChain(s.Modules, gradOut)
}

func forwardChain(modules []Module, x *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for _, m := range modules {
		if x, err = m.Forward(x); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// backwardChain walks the modules in reverse and stops at the first one that
// neither owns a trainable parameter nor needs its input gradient.
func backwardChain(modules []Module, grad *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for i := len(modules) - 1; i >= 0; i-- {
		m := modules[i]
		if !needsBackward(m) {
			return nil, nil
		}
		if grad, err = m.Backward(grad); err != nil {
			return nil, err
		}
		if grad == nil {
			return nil, nil
		}
	}
	return grad, nil
}

func (s *Sequential) Describe(g *Graph, input string) string {
	for _, m := range s.Modules {
		input = m.Describe(g, input)
	}
	return input
}
