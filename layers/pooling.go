package layers

import (
	"fmt"
	"math"

	"github.com/Sandiematt/Medi-Care/tensor"
)

// MaxPool2DLayer takes the maximum over square windows of NCHW input
type MaxPool2DLayer struct {
	base
	name            string
	kernel          int
	stride, padding int
	argmax          []int
	inShape         []int
}

// NewMaxPool2D creates a max-pooling layer
func NewMaxPool2D(name string, kernel, stride, padding int) *MaxPool2DLayer {
	return &MaxPool2DLayer{name: name, kernel: kernel, stride: stride, padding: padding}
}

func (m *MaxPool2DLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 4 {
		return nil, fmt.Errorf("%s: expected NCHW input, got %v", m.name, x.Shape)
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh := (h+2*m.padding-m.kernel)/m.stride + 1
	ow := (w+2*m.padding-m.kernel)/m.stride + 1
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("%s: input %dx%d too small for kernel %d", m.name, h, w, m.kernel)
	}
	out := tensor.MustZeros(n, c, oh, ow)

	cache := m.caching()
	if cache {
		m.argmax = make([]int, out.NumElems)
		m.inShape = x.Shape
	} else {
		m.argmax = nil
	}

	for nc := 0; nc < n*c; nc++ {
		src := x.Data[nc*h*w : (nc+1)*h*w]
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				best := float32(math.Inf(-1))
				bestIdx := -1
				for ky := 0; ky < m.kernel; ky++ {
					iy := y*m.stride + ky - m.padding
					if iy < 0 || iy >= h {
						continue
					}
					for kx := 0; kx < m.kernel; kx++ {
						ix := xx*m.stride + kx - m.padding
						if ix < 0 || ix >= w {
							continue
						}
						if v := src[iy*w+ix]; bestIdx < 0 || v > best {
							best, bestIdx = v, iy*w+ix
						}
					}
				}
				o := nc*oh*ow + y*ow + xx
				out.Data[o] = best
				if cache {
					m.argmax[o] = nc*h*w + bestIdx
				}
			}
		}
	}
	return out, nil
}

func (m *MaxPool2DLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if m.argmax == nil {
		return nil, fmt.Errorf("%s: backward called without a cached forward pass", m.name)
	}
	gradIn := tensor.MustZeros(m.inShape...)
	for o, idx := range m.argmax {
		gradIn.Data[idx] += gradOut.Data[o]
	}
	m.argmax = nil
	return gradIn, nil
}

func (m *MaxPool2DLayer) Describe(g *Graph, input string) string {
	k, s, p := int64(m.kernel), int64(m.stride), int64(m.padding)
	return g.AddNode(MaxPool2D, m.name, []string{input}, map[string]interface{}{
		"kernel_shape": []int64{k, k},
		"strides":      []int64{s, s},
		"pads":         []int64{p, p, p, p},
	})
}

// GlobalAvgPoolLayer averages each channel and flattens NCHW to [N, C]
type GlobalAvgPoolLayer struct {
	base
	name    string
	inShape []int
}

// NewGlobalAvgPool creates an adaptive average pool to 1×1 followed by flatten
func NewGlobalAvgPool(name string) *GlobalAvgPoolLayer {
	return &GlobalAvgPoolLayer{name: name}
}

func (p *GlobalAvgPoolLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 4 {
		return nil, fmt.Errorf("%s: expected NCHW input, got %v", p.name, x.Shape)
	}
	n, c, plane := x.Shape[0], x.Shape[1], x.Shape[2]*x.Shape[3]
	out := tensor.MustZeros(n, c)
	for i := 0; i < n*c; i++ {
		var sum float64
		for _, v := range x.Data[i*plane : (i+1)*plane] {
			sum += float64(v)
		}
		out.Data[i] = float32(sum / float64(plane))
	}
	p.inShape = x.Shape
	return out, nil
}

func (p *GlobalAvgPoolLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if p.inShape == nil {
		return nil, fmt.Errorf("%s: backward called without a forward pass", p.name)
	}
	plane := p.inShape[2] * p.inShape[3]
	gradIn := tensor.MustZeros(p.inShape...)
	scale := 1 / float32(plane)
	for i, g := range gradOut.Data {
		row := gradIn.Data[i*plane : (i+1)*plane]
		for j := range row {
			row[j] = g * scale
		}
	}
	return gradIn, nil
}

func (p *GlobalAvgPoolLayer) Describe(g *Graph, input string) string {
	pooled := g.AddNode(GlobalAvgPool, p.name, []string{input}, nil)
	return g.AddNode(Flatten, p.name+"_flatten", []string{pooled}, map[string]interface{}{
		"axis": int64(1),
	})
}
