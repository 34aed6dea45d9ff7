package layers

import (
	"fmt"
	"math/rand"

	"github.com/Sandiematt/Medi-Care/tensor"
)

// DropoutLayer zeroes elements with probability Rate during training and
// scales survivors by 1/(1-Rate). It is the identity in evaluation mode.
type DropoutLayer struct {
	base
	name string
	Rate float64
	rng  *rand.Rand
	mask []float32
}

// NewDropout creates a dropout layer drawing its masks from rng
func NewDropout(name string, rate float64, rng *rand.Rand) *DropoutLayer {
	return &DropoutLayer{name: name, Rate: rate, rng: rng}
}

func (d *DropoutLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	d.mask = nil
	if !d.mode.Training || d.Rate <= 0 {
		return x, nil
	}
	out := x.Clone()
	scale := float32(1 / (1 - d.Rate))
	mask := make([]float32, len(out.Data))
	for i := range out.Data {
		if d.rng.Float64() >= d.Rate {
			mask[i] = scale
		}
		out.Data[i] *= mask[i]
	}
	if d.caching() {
		d.mask = mask
	}
	return out, nil
}

func (d *DropoutLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if !d.mode.Training || d.Rate <= 0 {
		return gradOut, nil
	}
	if d.mask == nil {
		return nil, fmt.Errorf("%s: backward called without a cached forward pass", d.name)
	}
	grad := gradOut.Clone()
	for i, m := range d.mask {
		grad.Data[i] *= m
	}
	d.mask = nil
	return grad, nil
}

// Describe emits nothing: dropout is the identity at inference time
func (d *DropoutLayer) Describe(g *Graph, input string) string {
	return input
}
