package layers

import (
	"fmt"
	"math/rand"

	"github.com/Sandiematt/Medi-Care/memory"
	"github.com/Sandiematt/Medi-Care/tensor"
)

// Conv2DLayer is a 2D convolution over NCHW input computed with im2col + GEMM
type Conv2DLayer struct {
	base
	name                 string
	inChannels           int
	outChannels          int
	kernelSize           int
	stride, padding      int
	Weight, Bias         *Parameter
	input                *tensor.Tensor
	inputH, inputW, outH int
	outW                 int
}

// NewConv2D creates a square-kernel convolution. Parameters are named
// "<name>.weight" and, when useBias is set, "<name>.bias".
func NewConv2D(name string, inChannels, outChannels, kernelSize, stride, padding int, useBias bool, rng *rand.Rand) *Conv2DLayer {
	w := tensor.MustZeros(outChannels, inChannels, kernelSize, kernelSize)
	KaimingNormal(rng, w)
	c := &Conv2DLayer{
		name:        name,
		inChannels:  inChannels,
		outChannels: outChannels,
		kernelSize:  kernelSize,
		stride:      stride,
		padding:     padding,
		Weight:      NewParameter(name+".weight", w),
	}
	if useBias {
		b := tensor.MustZeros(outChannels)
		UniformFanIn(rng, b, inChannels*kernelSize*kernelSize)
		c.Bias = NewParameter(name+".bias", b)
	}
	return c
}

func (c *Conv2DLayer) Parameters() []*Parameter {
	if c.Bias != nil {
		return []*Parameter{c.Weight, c.Bias}
	}
	return []*Parameter{c.Weight}
}

func (c *Conv2DLayer) geometry(h, w int) tensor.ConvGeometry {
	return tensor.ConvGeometry{
		Channels: c.inChannels, Height: h, Width: w,
		KernelH: c.kernelSize, KernelW: c.kernelSize,
		StrideH: c.stride, StrideW: c.stride,
		PadH: c.padding, PadW: c.padding,
	}
}

// pointwise reports whether im2col is the identity for this layer
func (c *Conv2DLayer) pointwise() bool {
	return c.kernelSize == 1 && c.stride == 1 && c.padding == 0
}

func (c *Conv2DLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 4 || x.Shape[1] != c.inChannels {
		return nil, fmt.Errorf("%s: expected input [N,%d,H,W], got %v", c.name, c.inChannels, x.Shape)
	}
	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	g := c.geometry(h, w)
	oh, ow := g.OutputSize()
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("%s: input %dx%d too small for kernel %d", c.name, h, w, c.kernelSize)
	}

	out := tensor.MustZeros(n, c.outChannels, oh, ow)
	inSize := c.inChannels * h * w
	outSize := c.outChannels * oh * ow
	k := g.ColRows()
	plane := oh * ow

	var cols []float32
	if !c.pointwise() {
		cols = memory.Global().GetBuffer(k * plane)
		defer memory.Global().ReturnBuffer(cols)
	}
	for b := 0; b < n; b++ {
		img := x.Data[b*inSize : (b+1)*inSize]
		src := img
		if !c.pointwise() {
			tensor.Im2Col(img, g, cols)
			src = cols
		}
		dst := out.Data[b*outSize : (b+1)*outSize]
		tensor.Gemm(false, false, c.outChannels, plane, k, c.Weight.Value.Data, src, dst, false)
		if c.Bias != nil {
			for co := 0; co < c.outChannels; co++ {
				bv := c.Bias.Value.Data[co]
				row := dst[co*plane : (co+1)*plane]
				for i := range row {
					row[i] += bv
				}
			}
		}
	}
	if c.mode.Half {
		out.ToHalf()
	}

	c.input = nil
	if c.caching(c.Weight, c.Bias) {
		c.input = x
		c.inputH, c.inputW, c.outH, c.outW = h, w, oh, ow
	}
	return out, nil
}

func (c *Conv2DLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if c.input == nil {
		return nil, fmt.Errorf("%s: backward called without a cached forward pass", c.name)
	}
	n := gradOut.Shape[0]
	h, w := c.inputH, c.inputW
	g := c.geometry(h, w)
	plane := c.outH * c.outW
	k := g.ColRows()
	inSize := c.inChannels * h * w
	outSize := c.outChannels * plane

	var gradIn *tensor.Tensor
	if c.mode.InputGrad {
		gradIn = tensor.MustZeros(n, c.inChannels, h, w)
	}

	var cols, dcols []float32
	if c.Weight.RequiresGrad && !c.pointwise() {
		cols = memory.Global().GetBuffer(k * plane)
		defer memory.Global().ReturnBuffer(cols)
	}
	if gradIn != nil && !c.pointwise() {
		dcols = memory.Global().GetBuffer(k * plane)
		defer memory.Global().ReturnBuffer(dcols)
	}
	for b := 0; b < n; b++ {
		dout := gradOut.Data[b*outSize : (b+1)*outSize]
		if c.Weight.RequiresGrad {
			img := c.input.Data[b*inSize : (b+1)*inSize]
			src := img
			if !c.pointwise() {
				tensor.Im2Col(img, g, cols)
				src = cols
			}
			tensor.Gemm(false, true, c.outChannels, k, plane, dout, src, c.Weight.Grad.Data, true)
		}
		if c.Bias != nil && c.Bias.RequiresGrad {
			for co := 0; co < c.outChannels; co++ {
				var sum float32
				for _, v := range dout[co*plane : (co+1)*plane] {
					sum += v
				}
				c.Bias.Grad.Data[co] += sum
			}
		}
		if gradIn != nil {
			dimg := gradIn.Data[b*inSize : (b+1)*inSize]
			if c.pointwise() {
				tensor.Gemm(true, false, k, plane, c.outChannels, c.Weight.Value.Data, dout, dimg, false)
			} else {
				tensor.Gemm(true, false, k, plane, c.outChannels, c.Weight.Value.Data, dout, dcols, false)
				tensor.Col2Im(dcols, g, dimg)
			}
		}
	}
	c.input = nil

	if gradIn != nil && c.mode.Half {
		gradIn.ToHalf()
	}
	return gradIn, nil
}

func (c *Conv2DLayer) Describe(g *Graph, input string) string {
	inputs := []string{input, g.AddInitializer(c.Weight.Name, c.Weight.Value)}
	if c.Bias != nil {
		inputs = append(inputs, g.AddInitializer(c.Bias.Name, c.Bias.Value))
	}
	p := int64(c.padding)
	s := int64(c.stride)
	k := int64(c.kernelSize)
	return g.AddNode(Conv2D, c.name, inputs, map[string]interface{}{
		"kernel_shape": []int64{k, k},
		"strides":      []int64{s, s},
		"pads":         []int64{p, p, p, p},
		"dilations":    []int64{1, 1},
		"group":        int64(1),
	})
}
