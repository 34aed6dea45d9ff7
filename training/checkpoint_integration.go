package training

import (
	"fmt"

	"github.com/Sandiematt/Medi-Care/checkpoints"
	"github.com/Sandiematt/Medi-Care/layers"
	"github.com/Sandiematt/Medi-Care/optimizer"
	"k8s.io/klog/v2"
)

// DefaultCheckpointPath is where the best model is written unless configured
const DefaultCheckpointPath = "best_drug_package_model.safetensors"

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	Path          string   // File written on every improvement; the extension picks the format
	InputSize     int      // Square input edge recorded in the model spec
	ClassNames    []string // Stored in the metadata so predictions can be labelled
	Tags          []string
	SaveOptimizer bool // Also store optimizer moments
}

// DefaultCheckpointConfig returns a sensible default configuration
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Path:      DefaultCheckpointPath,
		InputSize: 224,
	}
}

// CheckpointSource is a model whose state can be written to a checkpoint
type CheckpointSource interface {
	Parameters() []*layers.Parameter
	Buffers() []*layers.Buffer
	Spec(inputSize int) layers.ModelSpec
}

// Checkpointer persists the model when an epoch improves on the best
// validation accuracy. It reports whether a file was written.
type Checkpointer interface {
	SaveBest(result EpochResult) (bool, error)
}

// BestCheckpointer keeps a single checkpoint of the most accurate epoch.
// The file is replaced only when accuracy is strictly higher than every
// accuracy seen before, so the first observed epoch always writes.
type BestCheckpointer struct {
	config    CheckpointConfig
	saver     *checkpoints.CheckpointSaver
	model     CheckpointSource
	optimizer optimizer.Optimizer
	best      float64
	saves     int
}

// NewBestCheckpointer creates a checkpointer writing to config.Path
func NewBestCheckpointer(model CheckpointSource, config CheckpointConfig) (*BestCheckpointer, error) {
	if config.Path == "" {
		config.Path = DefaultCheckpointPath
	}
	if config.InputSize <= 0 {
		return nil, fmt.Errorf("input size must be positive, got %d", config.InputSize)
	}
	saver, err := checkpoints.NewCheckpointSaverForPath(config.Path)
	if err != nil {
		return nil, err
	}
	return &BestCheckpointer{
		config: config,
		saver:  saver,
		model:  model,
		best:   -1,
	}, nil
}

// SetOptimizer attaches the optimizer whose state is saved with SaveOptimizer
func (bc *BestCheckpointer) SetOptimizer(opt optimizer.Optimizer) {
	bc.optimizer = opt
}

// Path returns the checkpoint file path
func (bc *BestCheckpointer) Path() string {
	return bc.config.Path
}

// BestAccuracy returns the accuracy of the saved checkpoint, -1 before any save
func (bc *BestCheckpointer) BestAccuracy() float64 {
	return bc.best
}

// Saves counts checkpoint writes
func (bc *BestCheckpointer) Saves() int {
	return bc.saves
}

// SaveBest writes the checkpoint when result.ValidAccuracy beats the best so far
func (bc *BestCheckpointer) SaveBest(result EpochResult) (bool, error) {
	if result.ValidAccuracy <= bc.best {
		return false, nil
	}
	cp, err := bc.createCheckpoint(result)
	if err != nil {
		return false, fmt.Errorf("failed to create checkpoint: %w", err)
	}
	if err := bc.saver.SaveCheckpoint(cp, bc.config.Path); err != nil {
		return false, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	bc.best = result.ValidAccuracy
	bc.saves++
	klog.V(1).Infof("Saved checkpoint %s (epoch %d, accuracy %.4f)", bc.config.Path, result.Epoch, result.ValidAccuracy)
	return true, nil
}

func (bc *BestCheckpointer) createCheckpoint(result EpochResult) (*checkpoints.Checkpoint, error) {
	spec := bc.model.Spec(bc.config.InputSize)
	cp := &checkpoints.Checkpoint{
		ModelSpec: &spec,
		Weights:   checkpoints.ExtractWeights(bc.model.Parameters(), bc.model.Buffers()),
		TrainingState: checkpoints.TrainingState{
			Epoch:        result.Epoch,
			Step:         result.Step,
			LearningRate: result.HeadLR,
			BestLoss:     float32(result.ValidLoss),
			BestAccuracy: float32(result.ValidAccuracy),
			TotalSteps:   result.Step,
		},
		Metadata: checkpoints.CheckpointMetadata{
			Framework:   checkpoints.FrameworkName,
			Version:     checkpoints.FormatVersion,
			Description: fmt.Sprintf("Best checkpoint - Loss: %.6f, Accuracy: %.2f%%", result.ValidLoss, result.ValidAccuracy*100),
			Tags:        bc.config.Tags,
			ClassNames:  bc.config.ClassNames,
		},
	}
	cp.Metadata.CreatedAt = result.Finished

	if bc.config.SaveOptimizer && bc.optimizer != nil {
		state, err := bc.optimizer.GetState()
		if err != nil {
			return nil, fmt.Errorf("failed to get optimizer state: %w", err)
		}
		cp.OptimizerState = state.ToCheckpoint()
	}
	return cp, nil
}
