package models

import (
	"fmt"
	"time"

	"github.com/Sandiematt/Medi-Care/checkpoints"
	"k8s.io/klog/v2"
)

// BackboneConfig returns the ResNet configuration registered under name
func BackboneConfig(name string) (ResNetConfig, error) {
	for _, cfg := range []ResNetConfig{ResNet50Config(), TinyResNetConfig()} {
		if cfg.Name == name {
			return cfg, nil
		}
	}
	return ResNetConfig{}, fmt.Errorf("unknown backbone architecture %q", name)
}

// StateDict copies every parameter and batch-norm running statistic, keyed
// by torchvision name
func (c *Classifier) StateDict() []checkpoints.WeightTensor {
	return checkpoints.ExtractWeights(c.Parameters(), c.Buffers())
}

// LoadStateDict restores weights saved by StateDict. Every model tensor must
// be present with the same shape and nothing else may be stored.
func (c *Classifier) LoadStateDict(weights []checkpoints.WeightTensor) error {
	_, err := checkpoints.LoadWeights(weights, c.Parameters(), c.Buffers(), checkpoints.LoadOptions{})
	return err
}

// LoadPretrained initialises the backbone from a torchvision ImageNet
// safetensors file. The head keeps its random initialisation.
func (c *Classifier) LoadPretrained(path string) error {
	report, err := checkpoints.LoadPretrained(path, c.Parameters(), c.Buffers())
	if err != nil {
		return err
	}
	klog.Infof("Loaded %d pretrained tensors from %s (%d skipped)", len(report.Loaded), path, len(report.Skipped))
	return nil
}

// Checkpoint packages the current weights for export
func (c *Classifier) Checkpoint(inputSize int, classNames []string, description string) *checkpoints.Checkpoint {
	spec := c.Spec(inputSize)
	return &checkpoints.Checkpoint{
		ModelSpec: &spec,
		Weights:   c.StateDict(),
		Metadata: checkpoints.CheckpointMetadata{
			Version:     checkpoints.FormatVersion,
			Framework:   checkpoints.FrameworkName,
			CreatedAt:   time.Now(),
			Description: description,
			ClassNames:  classNames,
		},
	}
}

// FromCheckpoint rebuilds a classifier from a checkpoint. The backbone comes
// from the recorded architecture, the class count from the spec (or the
// class names) and the head width from the stored head weights.
func FromCheckpoint(cp *checkpoints.Checkpoint) (*Classifier, error) {
	if cp.ModelSpec == nil {
		return nil, fmt.Errorf("checkpoint has no model spec")
	}
	backbone, err := BackboneConfig(cp.ModelSpec.Architecture)
	if err != nil {
		return nil, err
	}
	numClasses := cp.ModelSpec.NumClasses
	if numClasses == 0 {
		numClasses = len(cp.Metadata.ClassNames)
	}

	cfg := DefaultClassifierConfig(numClasses)
	cfg.Backbone = backbone
	for _, w := range cp.Weights {
		if w.Name == "fc.1.weight" && len(w.Shape) == 2 {
			cfg.HeadHidden = w.Shape[0]
		}
	}

	c, err := NewClassifier(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.LoadStateDict(cp.Weights); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadClassifier reads a checkpoint file in any supported format and
// rebuilds the classifier it describes
func LoadClassifier(path string) (*Classifier, *checkpoints.Checkpoint, error) {
	saver, err := checkpoints.NewCheckpointSaverForPath(path)
	if err != nil {
		return nil, nil, err
	}
	cp, err := saver.LoadCheckpoint(path)
	if err != nil {
		return nil, nil, err
	}
	c, err := FromCheckpoint(cp)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to restore model from %s: %w", path, err)
	}
	return c, cp, nil
}
