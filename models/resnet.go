package models

import (
	"fmt"
	"math/rand"

	"github.com/Sandiematt/Medi-Care/layers"
	"github.com/Sandiematt/Medi-Care/tensor"
)

// ResNetConfig describes a bottleneck ResNet backbone
type ResNetConfig struct {
	Name         string `json:"name"`
	StemChannels int    `json:"stem_channels"`
	Blocks       [4]int `json:"blocks"`
	Widths       [4]int `json:"widths"`
	Expansion    int    `json:"expansion"`
}

// ResNet50Config is the torchvision ResNet-50 layout
func ResNet50Config() ResNetConfig {
	return ResNetConfig{
		Name:         "resnet50",
		StemChannels: 64,
		Blocks:       [4]int{3, 4, 6, 3},
		Widths:       [4]int{64, 128, 256, 512},
		Expansion:    4,
	}
}

// TinyResNetConfig keeps the ResNet-50 topology at a fraction of the width.
// It is meant for tests and smoke runs.
func TinyResNetConfig() ResNetConfig {
	return ResNetConfig{
		Name:         "resnet-tiny",
		StemChannels: 8,
		Blocks:       [4]int{1, 1, 1, 1},
		Widths:       [4]int{4, 8, 8, 16},
		Expansion:    4,
	}
}

// Features is the channel count produced by the final stage
func (c ResNetConfig) Features() int {
	return c.Widths[3] * c.Expansion
}

// Validate checks the configuration for impossible values
func (c ResNetConfig) Validate() error {
	if c.StemChannels <= 0 {
		return fmt.Errorf("stem channels must be positive, got %d", c.StemChannels)
	}
	if c.Expansion <= 0 {
		return fmt.Errorf("expansion must be positive, got %d", c.Expansion)
	}
	for i := range c.Blocks {
		if c.Blocks[i] <= 0 {
			return fmt.Errorf("stage %d must have at least one block, got %d", i+1, c.Blocks[i])
		}
		if c.Widths[i] <= 0 {
			return fmt.Errorf("stage %d width must be positive, got %d", i+1, c.Widths[i])
		}
	}
	return nil
}

// Bottleneck is the 1×1 → 3×3 → 1×1 residual block with the stride on the 3×3 conv
type Bottleneck struct {
	name       string
	mode       layers.Mode
	main       *layers.Sequential
	downsample *layers.Sequential
	relu       *layers.ReLULayer
}

func newBottleneck(name string, inChannels, width, stride, expansion int, rng *rand.Rand) *Bottleneck {
	out := width * expansion
	b := &Bottleneck{
		name: name,
		main: layers.NewSequential(
			layers.NewConv2D(name+".conv1", inChannels, width, 1, 1, 0, false, rng),
			layers.NewBatchNorm2D(name+".bn1", width),
			layers.NewReLU(name+".relu1"),
			layers.NewConv2D(name+".conv2", width, width, 3, stride, 1, false, rng),
			layers.NewBatchNorm2D(name+".bn2", width),
			layers.NewReLU(name+".relu2"),
			layers.NewConv2D(name+".conv3", width, out, 1, 1, 0, false, rng),
			layers.NewBatchNorm2D(name+".bn3", out),
		),
		relu: layers.NewReLU(name + ".relu"),
	}
	if stride != 1 || inChannels != out {
		b.downsample = layers.NewSequential(
			layers.NewConv2D(name+".downsample.0", inChannels, out, 1, stride, 0, false, rng),
			layers.NewBatchNorm2D(name+".downsample.1", out),
		)
	}
	return b
}

func (b *Bottleneck) Parameters() []*layers.Parameter {
	params := b.main.Parameters()
	if b.downsample != nil {
		params = append(params, b.downsample.Parameters()...)
	}
	return params
}

func (b *Bottleneck) Buffers() []*layers.Buffer {
	bufs := b.main.Buffers()
	if b.downsample != nil {
		bufs = append(bufs, b.downsample.Buffers()...)
	}
	return bufs
}

func (b *Bottleneck) Mode() layers.Mode { return b.mode }

func (b *Bottleneck) SetMode(m layers.Mode) {
	b.mode = m
	b.main.SetMode(m)
	if b.downsample != nil {
		b.downsample.SetMode(m)
	}
	rm := m
	rm.InputGrad = m.Training && (m.InputGrad || layers.HasTrainable(b))
	b.relu.SetMode(rm)
}

func (b *Bottleneck) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := b.main.Forward(x)
	if err != nil {
		return nil, err
	}
	shortcut := x
	if b.downsample != nil {
		if shortcut, err = b.downsample.Forward(x); err != nil {
			return nil, err
		}
	}
	if !out.SameShape(shortcut) {
		return nil, fmt.Errorf("%s: residual shape %v does not match %v", b.name, shortcut.Shape, out.Shape)
	}
	tensor.AddInPlace(out.Data, shortcut.Data)
	return b.relu.Forward(out)
}

func (b *Bottleneck) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if !b.relu.Mode().InputGrad {
		return nil, nil
	}
	g, err := b.relu.Backward(gradOut)
	if err != nil {
		return nil, err
	}

	gMain, err := b.main.Backward(g)
	if err != nil {
		return nil, err
	}
	gShort := g
	if b.downsample != nil {
		if gShort, err = b.downsample.Backward(g); err != nil {
			return nil, err
		}
	}
	if !b.mode.InputGrad {
		return nil, nil
	}
	if gMain == nil || gShort == nil {
		return nil, fmt.Errorf("%s: missing branch gradient", b.name)
	}
	tensor.AddInPlace(gMain.Data, gShort.Data)
	return gMain, nil
}

func (b *Bottleneck) Describe(g *layers.Graph, input string) string {
	out := b.main.Describe(g, input)
	shortcut := input
	if b.downsample != nil {
		shortcut = b.downsample.Describe(g, input)
	}
	sum := g.AddNode(layers.Add, b.name+".add", []string{out, shortcut}, nil)
	return b.relu.Describe(g, sum)
}

// NewResNet builds the backbone without its classification head:
// stem, four bottleneck stages, global average pool to [N, features].
func NewResNet(cfg ResNetConfig, rng *rand.Rand) (*layers.Sequential, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid backbone config: %w", err)
	}

	modules := []layers.Module{
		layers.NewConv2D("conv1", 3, cfg.StemChannels, 7, 2, 3, false, rng),
		layers.NewBatchNorm2D("bn1", cfg.StemChannels),
		layers.NewReLU("relu"),
		layers.NewMaxPool2D("maxpool", 3, 2, 1),
	}

	in := cfg.StemChannels
	for stage := 0; stage < 4; stage++ {
		for block := 0; block < cfg.Blocks[stage]; block++ {
			stride := 1
			if stage > 0 && block == 0 {
				stride = 2
			}
			name := fmt.Sprintf("layer%d.%d", stage+1, block)
			modules = append(modules, newBottleneck(name, in, cfg.Widths[stage], stride, cfg.Expansion, rng))
			in = cfg.Widths[stage] * cfg.Expansion
		}
	}
	modules = append(modules, layers.NewGlobalAvgPool("avgpool"))
	return layers.NewSequential(modules...), nil
}
