package layers

import (
	"fmt"
	"math/rand"

	"github.com/Sandiematt/Medi-Care/tensor"
)

// LinearLayer computes y = x·Wᵀ + b over [N, in] input
type LinearLayer struct {
	base
	name    string
	in, out int
	Weight  *Parameter
	Bias    *Parameter
	input   *tensor.Tensor
}

// NewLinear creates a fully connected layer with PyTorch's default initialisation
func NewLinear(name string, in, out int, rng *rand.Rand) *LinearLayer {
	w := tensor.MustZeros(out, in)
	b := tensor.MustZeros(out)
	UniformFanIn(rng, w, in)
	UniformFanIn(rng, b, in)
	return &LinearLayer{
		name:   name,
		in:     in,
		out:    out,
		Weight: NewParameter(name+".weight", w),
		Bias:   NewParameter(name+".bias", b),
	}
}

func (l *LinearLayer) Parameters() []*Parameter {
	return []*Parameter{l.Weight, l.Bias}
}

func (l *LinearLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 2 || x.Shape[1] != l.in {
		return nil, fmt.Errorf("%s: expected input [N,%d], got %v", l.name, l.in, x.Shape)
	}
	n := x.Shape[0]
	out := tensor.MustZeros(n, l.out)
	tensor.Gemm(false, true, n, l.out, l.in, x.Data, l.Weight.Value.Data, out.Data, false)
	for i := 0; i < n; i++ {
		tensor.AddInPlace(out.Row(i), l.Bias.Value.Data)
	}
	if l.mode.Half {
		out.ToHalf()
	}

	l.input = nil
	if l.caching(l.Weight, l.Bias) {
		l.input = x
	}
	return out, nil
}

func (l *LinearLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.input == nil {
		return nil, fmt.Errorf("%s: backward called without a cached forward pass", l.name)
	}
	n := gradOut.Shape[0]
	if l.Weight.RequiresGrad {
		tensor.Gemm(true, false, l.out, l.in, n, gradOut.Data, l.input.Data, l.Weight.Grad.Data, true)
	}
	if l.Bias.RequiresGrad {
		for i := 0; i < n; i++ {
			tensor.AddInPlace(l.Bias.Grad.Data, gradOut.Row(i))
		}
	}
	l.input = nil

	if !l.mode.InputGrad {
		return nil, nil
	}
	gradIn := tensor.MustZeros(n, l.in)
	tensor.Gemm(false, false, n, l.in, l.out, gradOut.Data, l.Weight.Value.Data, gradIn.Data, false)
	if l.mode.Half {
		gradIn.ToHalf()
	}
	return gradIn, nil
}

func (l *LinearLayer) Describe(g *Graph, input string) string {
	return g.AddNode(Dense, l.name, []string{
		input,
		g.AddInitializer(l.Weight.Name, l.Weight.Value),
		g.AddInitializer(l.Bias.Name, l.Bias.Value),
	}, map[string]interface{}{
		"transB": int64(1),
	})
}
