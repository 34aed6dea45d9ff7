// Package pipeline drives splitting, training, evaluation and checking of
// drug package images
package pipeline

import (
	"fmt"
	"runtime"

	"github.com/Sandiematt/Medi-Care/models"
	"github.com/Sandiematt/Medi-Care/training"
)

// Config holds everything a run needs. Start from DefaultConfig: Validate
// rejects zero sizes and counts rather than filling them in.
type Config struct {
	DataDir   string
	Train     bool
	SplitData bool
	// Check is an image to classify; it takes precedence over training
	Check string

	Checkpoint   string // Best-model file; the extension picks the format
	Architecture string // Backbone registered in models.BackboneConfig
	HeadHidden   int
	Freeze       string // see models.ParseFreezePolicy
	Pretrained   string // ImageNet backbone weights in safetensors format
	Resume       string // Checkpoint of an earlier run to continue from
	InputSize    int

	Epochs    int
	Patience  int
	BatchSize int
	Workers   int
	CacheSize int // Evaluation samples kept decoded across epochs
	Precision string
	Optimizer string
	Scheduler string
	Seed      int64

	SaveOptimizer bool   // Store optimizer moments in the best checkpoint
	ExportONNX    string // Also write the best model as ONNX here
	ORTLibrary    string // Run .onnx checkpoints through ONNX Runtime
	AuditDB       string // Record every check in this SQLite file
	AuditReport   bool   // Summarise AuditDB instead of checking images
	JSON          bool   // Print check results as JSON
	Progress      bool
}

// DefaultConfig mirrors the original training recipe: ResNet-50, 30 epochs
// with patience 5, batches of 32 on four workers
func DefaultConfig() Config {
	trainer := training.DefaultTrainerConfig()
	return Config{
		DataDir:      "./data",
		Checkpoint:   training.DefaultCheckpointPath,
		Architecture: models.ResNet50Config().Name,
		HeadHidden:   512,
		InputSize:    224,
		Epochs:       trainer.Epochs,
		Patience:     trainer.Patience,
		BatchSize:    32,
		Workers:      min(4, runtime.NumCPU()),
		CacheSize:    1024,
		Precision:    string(trainer.Precision),
		Optimizer:    trainer.Optimizer,
		Scheduler:    trainer.Scheduler,
		Seed:         42,
		Progress:     true,
	}
}

// Validate checks the configuration before anything touches the disk
func (c Config) Validate() error {
	if c.DataDir == "" && c.Check == "" {
		return fmt.Errorf("data directory is required")
	}
	if c.Checkpoint == "" {
		return fmt.Errorf("checkpoint path is required")
	}
	if _, err := models.BackboneConfig(c.Architecture); err != nil {
		return err
	}
	if _, err := models.ParseFreezePolicy(c.Freeze); err != nil {
		return err
	}
	if c.HeadHidden <= 0 {
		return fmt.Errorf("head hidden size must be positive, got %d", c.HeadHidden)
	}
	if c.InputSize <= 0 {
		return fmt.Errorf("input size must be positive, got %d", c.InputSize)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", c.Workers)
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("cache size must be non-negative, got %d", c.CacheSize)
	}
	if _, err := training.ParsePrecision(c.Precision); err != nil {
		return err
	}
	if _, err := training.ParseScheduler(c.Scheduler); err != nil {
		return err
	}
	if c.AuditReport && c.AuditDB == "" {
		return fmt.Errorf("an audit report needs an audit database")
	}
	switch c.Optimizer {
	case "", "adamw", "sgd":
	default:
		return fmt.Errorf("unknown optimizer %q (want adamw or sgd)", c.Optimizer)
	}
	return c.trainerConfig(nil).Validate()
}

func (c Config) trainerConfig(classWeights []float32) training.TrainerConfig {
	tc := training.DefaultTrainerConfig()
	tc.Epochs = c.Epochs
	tc.Patience = c.Patience
	tc.Optimizer = c.Optimizer
	tc.Scheduler = c.Scheduler
	tc.Precision = training.Precision(c.Precision)
	tc.ClassWeights = classWeights
	tc.ShowProgress = c.Progress
	return tc
}

func (c Config) classifierConfig(numClasses int) (models.ClassifierConfig, error) {
	backbone, err := models.BackboneConfig(c.Architecture)
	if err != nil {
		return models.ClassifierConfig{}, err
	}
	freeze, err := models.ParseFreezePolicy(c.Freeze)
	if err != nil {
		return models.ClassifierConfig{}, err
	}
	mc := models.DefaultClassifierConfig(numClasses)
	mc.Backbone = backbone
	mc.HeadHidden = c.HeadHidden
	mc.Freeze = freeze
	mc.Seed = c.Seed
	return mc, nil
}
