package models

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Sandiematt/Medi-Care/checkpoints"
	"github.com/Sandiematt/Medi-Care/tensor"
)

func TestBackboneConfig(t *testing.T) {
	cfg, err := BackboneConfig("resnet50")
	if err != nil || cfg.Features() != 2048 {
		t.Errorf("Expected resnet50 with 2048 features, got %+v (%v)", cfg, err)
	}
	if _, err := BackboneConfig("vgg16"); err == nil {
		t.Error("Expected error for an unknown architecture")
	}
}

func TestStateDictRoundTrip(t *testing.T) {
	src, _ := NewClassifier(tinyConfig(2))
	// Move the running statistics away from their defaults
	src.Train()
	if _, err := src.Forward(randomImages(3, 4, 32)); err != nil {
		t.Fatal(err)
	}
	src.Eval()

	state := src.StateDict()
	if len(state) != len(src.Parameters())+len(src.Buffers()) {
		t.Errorf("Expected %d tensors, got %d", len(src.Parameters())+len(src.Buffers()), len(state))
	}

	cfg := tinyConfig(2)
	cfg.Seed = 7
	dst, _ := NewClassifier(cfg)
	if err := dst.LoadStateDict(state); err != nil {
		t.Fatalf("LoadStateDict failed: %v", err)
	}

	x := randomImages(4, 2, 32)
	a, _ := src.Forward(x)
	b, _ := dst.Forward(x)
	if !tensor.AllClose(a.Data, b.Data, 1e-6) {
		t.Error("Expected identical logits after restoring the state")
	}
}

func TestLoadStateDictMismatch(t *testing.T) {
	src, _ := NewClassifier(tinyConfig(3))
	dst, _ := NewClassifier(tinyConfig(2))
	if err := dst.LoadStateDict(src.StateDict()); !errors.Is(err, checkpoints.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch for a different head, got %v", err)
	}

	state := src.StateDict()
	if err := src.LoadStateDict(state[1:]); !errors.Is(err, checkpoints.ErrMissingTensor) {
		t.Errorf("Expected ErrMissingTensor, got %v", err)
	}
}

func TestLoadClassifier(t *testing.T) {
	src, _ := NewClassifier(tinyConfig(2))
	names := []string{"Authentic", "Counterfeit"}
	x := randomImages(5, 2, 32)
	want, _ := src.Forward(x)

	for _, ext := range []string{".json", ".safetensors", ".onnx"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "model"+ext)
			saver, err := checkpoints.NewCheckpointSaverForPath(path)
			if err != nil {
				t.Fatal(err)
			}
			if err := saver.SaveCheckpoint(src.Checkpoint(32, names, "test"), path); err != nil {
				t.Fatalf("SaveCheckpoint failed: %v", err)
			}

			c, cp, err := LoadClassifier(path)
			if err != nil {
				t.Fatalf("LoadClassifier failed: %v", err)
			}
			if c.Config().HeadHidden != 16 || c.NumClasses() != 2 || c.Architecture() != "resnet-tiny" {
				t.Errorf("Unexpected restored config %+v", c.Config())
			}
			if len(cp.Metadata.ClassNames) != 2 || cp.Metadata.ClassNames[0] != "Authentic" {
				t.Errorf("Expected class names in metadata, got %v", cp.Metadata.ClassNames)
			}
			got, _ := c.Forward(x)
			if !tensor.AllClose(got.Data, want.Data, 1e-6) {
				t.Error("Expected the restored model to reproduce the logits")
			}
		})
	}
}

func TestLoadClassifierErrors(t *testing.T) {
	if _, _, err := LoadClassifier("model.pt"); err == nil {
		t.Error("Expected error for an unknown extension")
	}
	if _, _, err := LoadClassifier(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Expected error for a missing file")
	}
	if _, err := FromCheckpoint(&checkpoints.Checkpoint{}); err == nil {
		t.Error("Expected error for a checkpoint without a spec")
	}
}

func TestClassifierLoadPretrained(t *testing.T) {
	src, _ := NewClassifier(tinyConfig(2))
	var backbone []checkpoints.WeightTensor
	for _, w := range src.StateDict() {
		if !strings.HasPrefix(w.Name, "fc.") {
			backbone = append(backbone, w)
		}
	}
	data, err := checkpoints.MarshalSafeTensors(&checkpoints.Checkpoint{Weights: backbone})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "backbone.safetensors")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg := tinyConfig(2)
	cfg.Seed = 99
	dst, _ := NewClassifier(cfg)
	head := append([]float32(nil), dst.Parameters()[len(dst.Parameters())-1].Value.Data...)
	if err := dst.LoadPretrained(path); err != nil {
		t.Fatalf("LoadPretrained failed: %v", err)
	}
	if !tensor.AllClose(dst.Parameters()[0].Value.Data, src.Parameters()[0].Value.Data, 0) {
		t.Error("Expected backbone weights to be loaded")
	}
	if !tensor.AllClose(dst.Parameters()[len(dst.Parameters())-1].Value.Data, head, 0) {
		t.Error("Expected head weights to be untouched")
	}
}
