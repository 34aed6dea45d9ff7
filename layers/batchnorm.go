package layers

import (
	"fmt"
	"math"

	"github.com/Sandiematt/Medi-Care/tensor"
)

// BatchNorm2DLayer normalises each channel of NCHW input.
// In training mode it uses batch statistics and updates the running
// estimates, whether or not its affine parameters are trainable.
type BatchNorm2DLayer struct {
	base
	name        string
	channels    int
	Eps         float64
	Momentum    float64
	Weight      *Parameter
	Bias        *Parameter
	RunningMean *Buffer
	RunningVar  *Buffer

	xhat   []float32
	invStd []float32
	shape  []int
}

// NewBatchNorm2D creates a batch-norm layer with unit scale and zero shift
func NewBatchNorm2D(name string, channels int) *BatchNorm2DLayer {
	w, _ := tensor.Full(1, channels)
	rv, _ := tensor.Full(1, channels)
	return &BatchNorm2DLayer{
		name:        name,
		channels:    channels,
		Eps:         1e-5,
		Momentum:    0.1,
		Weight:      NewParameter(name+".weight", w),
		Bias:        NewParameter(name+".bias", tensor.MustZeros(channels)),
		RunningMean: &Buffer{Name: name + ".running_mean", Value: tensor.MustZeros(channels)},
		RunningVar:  &Buffer{Name: name + ".running_var", Value: rv},
	}
}

func (bn *BatchNorm2DLayer) Parameters() []*Parameter {
	return []*Parameter{bn.Weight, bn.Bias}
}

func (bn *BatchNorm2DLayer) Buffers() []*Buffer {
	return []*Buffer{bn.RunningMean, bn.RunningVar}
}

func (bn *BatchNorm2DLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 4 || x.Shape[1] != bn.channels {
		return nil, fmt.Errorf("%s: expected input [N,%d,H,W], got %v", bn.name, bn.channels, x.Shape)
	}
	n, c, plane := x.Shape[0], x.Shape[1], x.Shape[2]*x.Shape[3]
	count := n * plane
	out := tensor.MustZeros(x.Shape...)
	gamma := bn.Weight.Value.Data
	beta := bn.Bias.Value.Data

	cache := bn.caching(bn.Weight, bn.Bias)
	if cache {
		bn.xhat = make([]float32, x.NumElems)
		bn.invStd = make([]float32, c)
		bn.shape = x.Shape
	} else {
		bn.xhat, bn.invStd = nil, nil
	}

	for ch := 0; ch < c; ch++ {
		var mean, variance float64
		if bn.mode.Training {
			for b := 0; b < n; b++ {
				for _, v := range x.Data[(b*c+ch)*plane : (b*c+ch+1)*plane] {
					mean += float64(v)
				}
			}
			mean /= float64(count)
			for b := 0; b < n; b++ {
				for _, v := range x.Data[(b*c+ch)*plane : (b*c+ch+1)*plane] {
					d := float64(v) - mean
					variance += d * d
				}
			}
			variance /= float64(count)

			unbiased := variance
			if count > 1 {
				unbiased = variance * float64(count) / float64(count-1)
			}
			rm := bn.RunningMean.Value.Data
			rv := bn.RunningVar.Value.Data
			rm[ch] = float32((1-bn.Momentum)*float64(rm[ch]) + bn.Momentum*mean)
			rv[ch] = float32((1-bn.Momentum)*float64(rv[ch]) + bn.Momentum*unbiased)
		} else {
			mean = float64(bn.RunningMean.Value.Data[ch])
			variance = float64(bn.RunningVar.Value.Data[ch])
		}

		inv := 1 / math.Sqrt(variance+bn.Eps)
		g, sh := float64(gamma[ch]), float64(beta[ch])
		for b := 0; b < n; b++ {
			off := (b*c + ch) * plane
			for i, v := range x.Data[off : off+plane] {
				xh := (float64(v) - mean) * inv
				out.Data[off+i] = float32(xh*g + sh)
				if cache {
					bn.xhat[off+i] = float32(xh)
				}
			}
		}
		if cache {
			bn.invStd[ch] = float32(inv)
		}
	}
	return out, nil
}

func (bn *BatchNorm2DLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if bn.xhat == nil {
		return nil, fmt.Errorf("%s: backward called without a cached forward pass", bn.name)
	}
	n, c := bn.shape[0], bn.shape[1]
	plane := bn.shape[2] * bn.shape[3]
	count := float64(n * plane)

	var gradIn *tensor.Tensor
	if bn.mode.InputGrad {
		gradIn = tensor.MustZeros(bn.shape...)
	}

	for ch := 0; ch < c; ch++ {
		var sumDy, sumDyXhat float64
		for b := 0; b < n; b++ {
			off := (b*c + ch) * plane
			for i, dy := range gradOut.Data[off : off+plane] {
				sumDy += float64(dy)
				sumDyXhat += float64(dy) * float64(bn.xhat[off+i])
			}
		}
		if bn.Weight.RequiresGrad {
			bn.Weight.Grad.Data[ch] += float32(sumDyXhat)
		}
		if bn.Bias.RequiresGrad {
			bn.Bias.Grad.Data[ch] += float32(sumDy)
		}
		if gradIn == nil {
			continue
		}

		gamma := float64(bn.Weight.Value.Data[ch])
		inv := float64(bn.invStd[ch])
		for b := 0; b < n; b++ {
			off := (b*c + ch) * plane
			for i, dy := range gradOut.Data[off : off+plane] {
				xh := float64(bn.xhat[off+i])
				gradIn.Data[off+i] = float32(gamma * inv * (float64(dy) - sumDy/count - xh*sumDyXhat/count))
			}
		}
	}
	bn.xhat, bn.invStd = nil, nil
	return gradIn, nil
}

func (bn *BatchNorm2DLayer) Describe(g *Graph, input string) string {
	inputs := []string{
		input,
		g.AddInitializer(bn.Weight.Name, bn.Weight.Value),
		g.AddInitializer(bn.Bias.Name, bn.Bias.Value),
		g.AddInitializer(bn.RunningMean.Name, bn.RunningMean.Value),
		g.AddInitializer(bn.RunningVar.Name, bn.RunningVar.Value),
	}
	return g.AddNode(BatchNorm, bn.name, inputs, map[string]interface{}{
		"epsilon":  float32(bn.Eps),
		"momentum": float32(1 - bn.Momentum),
	})
}
