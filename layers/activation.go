package layers

import (
	"fmt"

	"github.com/Sandiematt/Medi-Care/tensor"
)

// ReLULayer applies max(0, x) element-wise
type ReLULayer struct {
	base
	name string
	mask []bool
}

// NewReLU creates a ReLU activation
func NewReLU(name string) *ReLULayer {
	return &ReLULayer{name: name}
}

func (r *ReLULayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out := x.Clone()
	cache := r.caching()
	if cache {
		r.mask = make([]bool, len(out.Data))
	} else {
		r.mask = nil
	}
	for i, v := range out.Data {
		if v > 0 {
			if cache {
				r.mask[i] = true
			}
		} else {
			out.Data[i] = 0
		}
	}
	return out, nil
}

func (r *ReLULayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if r.mask == nil {
		return nil, fmt.Errorf("%s: backward called without a cached forward pass", r.name)
	}
	grad := gradOut.Clone()
	for i, keep := range r.mask {
		if !keep {
			grad.Data[i] = 0
		}
	}
	r.mask = nil
	return grad, nil
}

func (r *ReLULayer) Describe(g *Graph, input string) string {
	return g.AddNode(ReLU, r.name, []string{input}, nil)
}
