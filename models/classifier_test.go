package models

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/Sandiematt/Medi-Care/layers"
	"github.com/Sandiematt/Medi-Care/tensor"
)

func tinyConfig(numClasses int) ClassifierConfig {
	cfg := DefaultClassifierConfig(numClasses)
	cfg.Backbone = TinyResNetConfig()
	cfg.HeadHidden = 16
	return cfg
}

func randomImages(seed int64, n, size int) *tensor.Tensor {
	rng := rand.New(rand.NewSource(seed))
	x := tensor.MustZeros(n, 3, size, size)
	for i := range x.Data {
		x.Data[i] = float32(rng.NormFloat64())
	}
	return x
}

func TestClassifierForwardShape(t *testing.T) {
	c, err := NewClassifier(tinyConfig(2))
	if err != nil {
		t.Fatalf("Failed to build classifier: %v", err)
	}
	out, err := c.Forward(randomImages(1, 3, 32))
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if out.Shape[0] != 3 || out.Shape[1] != 2 {
		t.Errorf("Expected logits [3 2], got %v", out.Shape)
	}

	if _, err := c.Forward(tensor.MustZeros(1, 1, 32, 32)); err == nil {
		t.Error("Expected error for single-channel input")
	}
}

func TestClassifierEvalIsDeterministic(t *testing.T) {
	c, _ := NewClassifier(tinyConfig(3))
	x := randomImages(2, 2, 32)
	a, _ := c.Forward(x)
	b, _ := c.Forward(x)
	if !tensor.AllClose(a.Data, b.Data, 0) {
		t.Error("Expected identical logits in evaluation mode")
	}
}

func TestParameterNamesFollowTorchvision(t *testing.T) {
	c, _ := NewClassifier(tinyConfig(2))
	params := c.Parameters()
	if len(params) != 55 {
		t.Fatalf("Expected 55 parameter tensors, got %d", len(params))
	}
	if params[0].Name != "conv1.weight" {
		t.Errorf("Expected first parameter conv1.weight, got %s", params[0].Name)
	}
	if params[len(params)-1].Name != "fc.4.bias" {
		t.Errorf("Expected last parameter fc.4.bias, got %s", params[len(params)-1].Name)
	}

	names := make(map[string]bool)
	for _, p := range params {
		if names[p.Name] {
			t.Errorf("Duplicate parameter name %s", p.Name)
		}
		names[p.Name] = true
	}
	for _, want := range []string{"layer1.0.downsample.0.weight", "layer4.0.bn3.bias", "fc.1.weight"} {
		if !names[want] {
			t.Errorf("Missing parameter %s", want)
		}
	}

	bufs := c.Buffers()
	if len(bufs) == 0 || bufs[0].Name != "bn1.running_mean" {
		t.Errorf("Expected bn1.running_mean first, got %v", bufs)
	}
}

func TestLastNFreezing(t *testing.T) {
	c, _ := NewClassifier(tinyConfig(2))
	params := c.Parameters()
	trainable := c.TrainableParameters()
	if len(trainable) != DefaultTrainableTensors {
		t.Fatalf("Expected %d trainable tensors, got %d", DefaultTrainableTensors, len(trainable))
	}
	cut := len(params) - DefaultTrainableTensors
	for i, p := range params {
		if p.RequiresGrad != (i >= cut) {
			t.Errorf("Parameter %d (%s) requires grad = %v", i, p.Name, p.RequiresGrad)
		}
	}

	head, backbone := c.ParamGroups()
	if len(head) != 4 {
		t.Errorf("Expected 4 head tensors, got %d", len(head))
	}
	if len(head)+len(backbone) != DefaultTrainableTensors {
		t.Errorf("Groups should cover every trainable tensor")
	}
	for _, p := range head {
		if !strings.HasPrefix(p.Name, "fc.") {
			t.Errorf("Unexpected head parameter %s", p.Name)
		}
	}
}

func TestResNet50TrainableTail(t *testing.T) {
	if testing.Short() {
		t.Skip("builds the full ResNet-50")
	}
	c, err := NewClassifier(DefaultClassifierConfig(2))
	if err != nil {
		t.Fatalf("Failed to build classifier: %v", err)
	}
	params := c.Parameters()
	if len(params) != 163 {
		t.Fatalf("Expected 163 parameter tensors, got %d", len(params))
	}
	trainable := c.TrainableParameters()
	if trainable[0].Name != "layer3.5.bn3.weight" {
		t.Errorf("Expected layer3.5.bn3.weight to be the first trainable tensor, got %s", trainable[0].Name)
	}
	head, backbone := c.ParamGroups()
	if len(head) != 4 || len(backbone) != 32 {
		t.Errorf("Expected 4 head and 32 backbone tensors, got %d and %d", len(head), len(backbone))
	}
	if got := c.Config().Backbone.Features(); got != 2048 {
		t.Errorf("Expected 2048 features, got %d", got)
	}
}

func TestStagesPolicy(t *testing.T) {
	cfg := tinyConfig(2)
	cfg.Freeze = Stages{Prefixes: []string{"layer4.", "fc."}}
	c, err := NewClassifier(cfg)
	if err != nil {
		t.Fatalf("Failed to build classifier: %v", err)
	}
	for _, p := range c.Parameters() {
		want := strings.HasPrefix(p.Name, "layer4.") || strings.HasPrefix(p.Name, "fc.")
		if p.RequiresGrad != want {
			t.Errorf("%s requires grad = %v, expected %v", p.Name, p.RequiresGrad, want)
		}
	}

	cfg.Freeze = Stages{Prefixes: []string{"nothing."}}
	if _, err := NewClassifier(cfg); err == nil {
		t.Error("Expected error for a policy matching nothing")
	}
}

func TestParseFreezePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "last-36", false},
		{"last-10", "last-10", false},
		{"stages:layer4.,fc.", "stages(layer4.,fc.)", false},
		{"bogus", "", true},
		{"last-x", "", true},
	}
	for _, test := range tests {
		p, err := ParseFreezePolicy(test.in)
		if test.wantErr {
			if err == nil {
				t.Errorf("Expected error for %q", test.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("Unexpected error for %q: %v", test.in, err)
			continue
		}
		if p.String() != test.want {
			t.Errorf("ParseFreezePolicy(%q) = %s, expected %s", test.in, p, test.want)
		}
	}
}

func TestBackwardReachesOnlyTrainableParameters(t *testing.T) {
	cfg := tinyConfig(2)
	cfg.HeadDropout = 0
	cfg.HiddenDropout = 0
	c, _ := NewClassifier(cfg)
	c.Train()

	logits, err := c.Forward(randomImages(3, 4, 32))
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	grad := tensor.MustZeros(logits.Shape...)
	for i := range grad.Data {
		grad.Data[i] = 1
		if i%2 == 1 {
			grad.Data[i] = -1
		}
	}
	if err := c.Backward(grad); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	for _, p := range c.Parameters() {
		nonZero := false
		for _, v := range p.Grad.Data {
			if v != 0 {
				nonZero = true
				break
			}
		}
		if !p.RequiresGrad && nonZero {
			t.Errorf("Frozen parameter %s received a gradient", p.Name)
		}
	}
	head, _ := c.ParamGroups()
	for _, p := range head {
		if p.Name == "fc.4.bias" {
			if p.Grad.Data[0] == 0 && p.Grad.Data[1] == 0 {
				t.Error("Expected the output bias to receive a gradient")
			}
		}
	}

	c.Eval()
	if err := c.Backward(grad); err == nil {
		t.Error("Expected backward to fail in evaluation mode")
	}
}

func TestGraphCoversAllParameters(t *testing.T) {
	c, _ := NewClassifier(tinyConfig(2))
	g, out := c.Graph()
	if out != "fc.4.out" {
		t.Errorf("Expected graph output fc.4.out, got %s", out)
	}
	inits := make(map[string]bool)
	for _, init := range g.Initializers {
		inits[init.Name] = true
	}
	for _, p := range c.Parameters() {
		if !inits[p.Name] {
			t.Errorf("Parameter %s missing from graph", p.Name)
		}
	}
	adds := 0
	for _, n := range g.Nodes {
		if n.Type == layers.Add {
			adds++
		}
	}
	if adds != 4 {
		t.Errorf("Expected 4 residual adds, got %d", adds)
	}
	spec := c.Spec(32)
	if spec.NumClasses != 2 || spec.Architecture != "resnet-tiny" {
		t.Errorf("Unexpected spec %s", spec)
	}
}

func TestInvalidClassifierConfig(t *testing.T) {
	cfg := tinyConfig(1)
	if _, err := NewClassifier(cfg); err == nil {
		t.Error("Expected error for a single class")
	}
	cfg = tinyConfig(2)
	cfg.HeadDropout = 1
	if _, err := NewClassifier(cfg); err == nil {
		t.Error("Expected error for dropout of 1")
	}
}
