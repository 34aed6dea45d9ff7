package models

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/Sandiematt/Medi-Care/layers"
	"github.com/Sandiematt/Medi-Care/tensor"
)

// ClassifierConfig configures the backbone and the replacement head
type ClassifierConfig struct {
	Backbone      ResNetConfig
	NumClasses    int
	HeadHidden    int
	HeadDropout   float64
	HiddenDropout float64
	Freeze        FreezePolicy
	Seed          int64
}

// DefaultClassifierConfig returns the ResNet-50 classifier with the
// dropout(0.5) → linear(→512) → ReLU → dropout(0.3) → linear head
func DefaultClassifierConfig(numClasses int) ClassifierConfig {
	return ClassifierConfig{
		Backbone:      ResNet50Config(),
		NumClasses:    numClasses,
		HeadHidden:    512,
		HeadDropout:   0.5,
		HiddenDropout: 0.3,
		Freeze:        LastN{N: DefaultTrainableTensors},
		Seed:          42,
	}
}

func validateClassifierConfig(cfg ClassifierConfig) error {
	if cfg.NumClasses < 2 {
		return fmt.Errorf("number of classes must be at least 2, got %d", cfg.NumClasses)
	}
	if cfg.HeadHidden <= 0 {
		return fmt.Errorf("head hidden size must be positive, got %d", cfg.HeadHidden)
	}
	if cfg.HeadDropout < 0 || cfg.HeadDropout >= 1 {
		return fmt.Errorf("head dropout must be in [0, 1), got %g", cfg.HeadDropout)
	}
	if cfg.HiddenDropout < 0 || cfg.HiddenDropout >= 1 {
		return fmt.Errorf("hidden dropout must be in [0, 1), got %g", cfg.HiddenDropout)
	}
	return cfg.Backbone.Validate()
}

// Classifier is a ResNet backbone whose fc layer is replaced by a small
// dropout-regularised MLP head
type Classifier struct {
	config   ClassifierConfig
	backbone *layers.Sequential
	head     *layers.Sequential
	net      *layers.Sequential
	training bool
	half     bool
}

// NewClassifier builds the model and applies the freeze policy
func NewClassifier(cfg ClassifierConfig) (*Classifier, error) {
	if err := validateClassifierConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.Freeze == nil {
		cfg.Freeze = LastN{N: DefaultTrainableTensors}
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	backbone, err := NewResNet(cfg.Backbone, rng)
	if err != nil {
		return nil, err
	}
	head := layers.NewSequential(
		layers.NewDropout("fc.0", cfg.HeadDropout, rng),
		layers.NewLinear("fc.1", cfg.Backbone.Features(), cfg.HeadHidden, rng),
		layers.NewReLU("fc.2"),
		layers.NewDropout("fc.3", cfg.HiddenDropout, rng),
		layers.NewLinear("fc.4", cfg.HeadHidden, cfg.NumClasses, rng),
	)

	c := &Classifier{
		config:   cfg,
		backbone: backbone,
		head:     head,
		net:      layers.NewSequential(backbone, head),
	}
	if err := cfg.Freeze.Apply(c.Parameters()); err != nil {
		return nil, fmt.Errorf("failed to apply freeze policy %s: %w", cfg.Freeze, err)
	}
	c.Eval()
	return c, nil
}

// Config returns the configuration the model was built with
func (c *Classifier) Config() ClassifierConfig {
	return c.config
}

// NumClasses returns the output width of the head
func (c *Classifier) NumClasses() int {
	return c.config.NumClasses
}

// Architecture names the backbone
func (c *Classifier) Architecture() string {
	return c.config.Backbone.Name
}

// Forward maps [N,3,H,W] images to [N,numClasses] logits
func (c *Classifier) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 4 || x.Shape[1] != 3 {
		return nil, fmt.Errorf("expected input [N,3,H,W], got %v", x.Shape)
	}
	return c.net.Forward(x)
}

// Backward propagates the logits gradient into every trainable parameter
func (c *Classifier) Backward(gradLogits *tensor.Tensor) error {
	if !c.training {
		return fmt.Errorf("backward requires training mode")
	}
	_, err := c.net.Backward(gradLogits)
	return err
}

// Train switches to training mode. Parameter trainability is re-read so
// freeze changes made after construction take effect here.
func (c *Classifier) Train() {
	c.training = true
	c.net.SetMode(layers.Mode{Training: true, Half: c.half})
}

// Eval switches to inference mode
func (c *Classifier) Eval() {
	c.training = false
	c.net.SetMode(layers.Mode{Half: c.half})
}

// IsTraining reports the current mode
func (c *Classifier) IsTraining() bool {
	return c.training
}

// SetHalfPrecision toggles half-precision rounding of conv and linear outputs
func (c *Classifier) SetHalfPrecision(enabled bool) {
	c.half = enabled
	if c.training {
		c.Train()
	} else {
		c.Eval()
	}
}

// Parameters returns every parameter in torchvision declaration order
func (c *Classifier) Parameters() []*layers.Parameter {
	return c.net.Parameters()
}

// Buffers returns the batch-norm running statistics
func (c *Classifier) Buffers() []*layers.Buffer {
	return c.net.Buffers()
}

// TrainableParameters returns the parameters left unfrozen
func (c *Classifier) TrainableParameters() []*layers.Parameter {
	return layers.Trainable(c.Parameters())
}

// ParamGroups splits trainable parameters into the head (names containing
// "fc") and the fine-tuned part of the backbone
func (c *Classifier) ParamGroups() (head, backbone []*layers.Parameter) {
	for _, p := range c.TrainableParameters() {
		if strings.Contains(p.Name, "fc") {
			head = append(head, p)
		} else {
			backbone = append(backbone, p)
		}
	}
	return head, backbone
}

// Graph describes the inference dataflow from "input" to "output"
func (c *Classifier) Graph() (*layers.Graph, string) {
	g := &layers.Graph{}
	out := c.net.Describe(g, "input")
	return g, out
}

// Spec summarises the model for checkpoint metadata
func (c *Classifier) Spec(inputSize int) layers.ModelSpec {
	g, _ := c.Graph()
	return g.Spec(c.Architecture(), c.NumClasses(), []int{3, inputSize, inputSize})
}
