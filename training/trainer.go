package training

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/Sandiematt/Medi-Care/layers"
	"github.com/Sandiematt/Medi-Care/optimizer"
	"github.com/Sandiematt/Medi-Care/tensor"
	"k8s.io/klog/v2"
)

// Precision selects the numeric mode of training
type Precision string

const (
	// PrecisionAuto uses full precision on the CPU engine
	PrecisionAuto Precision = "auto"
	PrecisionFP32 Precision = "fp32"
	// PrecisionFP16 rounds activations to half precision and scales the loss
	PrecisionFP16 Precision = "fp16"
)

// ParsePrecision reads a precision flag value
func ParsePrecision(s string) (Precision, error) {
	switch p := Precision(s); p {
	case "":
		return PrecisionAuto, nil
	case PrecisionAuto, PrecisionFP32, PrecisionFP16:
		return p, nil
	default:
		return "", fmt.Errorf("unknown precision %q (want auto, fp32 or fp16)", s)
	}
}

// resolve maps auto to the concrete mode used by this engine
func (p Precision) resolve() Precision {
	if p == PrecisionAuto || p == "" {
		return PrecisionFP32
	}
	return p
}

// TrainerConfig holds configuration for training
type TrainerConfig struct {
	Epochs   int
	Patience int // Epochs without a higher validation accuracy before stopping

	HeadLR      float32
	BackboneLR  float32
	WeightDecay float32
	Optimizer   string // "adamw" or "sgd"
	Scheduler   string // see ParseScheduler

	Precision    Precision
	Scaler       GradScalerConfig
	ClassWeights []float32

	ShowProgress bool
	LogEvery     int       // Log training stats every N batches (0 = never)
	Output       io.Writer // Epoch summaries and progress bars, nil discards
}

// DefaultTrainerConfig returns 30 epochs with patience 5, AdamW at 1e-3 for
// the head and 1e-5 for the backbone, and cosine annealing over 20 epochs
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		Epochs:      30,
		Patience:    5,
		HeadLR:      1e-3,
		BackboneLR:  1e-5,
		WeightDecay: 1e-4,
		Optimizer:   "adamw",
		Scheduler:   "cosine:20",
		Precision:   PrecisionAuto,
		Scaler:      DefaultGradScalerConfig(),
	}
}

// Validate checks the configuration for impossible values
func (c TrainerConfig) Validate() error {
	if c.Epochs <= 0 {
		return fmt.Errorf("number of epochs must be positive, got %d", c.Epochs)
	}
	if c.Patience <= 0 {
		return fmt.Errorf("patience must be positive, got %d", c.Patience)
	}
	if c.HeadLR < 0 || c.BackboneLR < 0 {
		return fmt.Errorf("learning rates cannot be negative, got head %g and backbone %g", c.HeadLR, c.BackboneLR)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("weight decay cannot be negative, got %g", c.WeightDecay)
	}
	if c.LogEvery < 0 {
		return fmt.Errorf("log interval cannot be negative, got %d", c.LogEvery)
	}
	if _, err := ParsePrecision(string(c.Precision)); err != nil {
		return err
	}
	for i, w := range c.ClassWeights {
		if w < 0 || math.IsNaN(float64(w)) {
			return fmt.Errorf("class weight %d must be non-negative, got %g", i, w)
		}
	}
	return nil
}

// Model is what the trainer drives
type Model interface {
	InferenceModel
	Backward(gradLogits *tensor.Tensor) error
	Train()
	Parameters() []*layers.Parameter
	ParamGroups() (head, backbone []*layers.Parameter)
	SetHalfPrecision(enabled bool)
	NumClasses() int
}

// EpochResult holds metrics for a single epoch
type EpochResult struct {
	Epoch          int // 1-based
	Step           int // optimizer steps taken so far
	TrainLoss      float64
	TrainAccuracy  float64
	ValidLoss      float64
	ValidAccuracy  float64
	HeadLR         float32
	BackboneLR     float32
	SkippedBatches int
	SkippedSteps   int
	Improved       bool
	Duration       time.Duration
	Finished       time.Time
}

// History is the per-epoch record of a Fit call
type History struct {
	Epochs       []EpochResult
	StoppedEarly bool
	BestEpoch    int     // 1-based, 0 when no epoch completed
	BestAccuracy float64 // -1 when no epoch completed
}

// Trainer manages the training process
type Trainer struct {
	model        Model
	config       TrainerConfig
	groups       []*optimizer.ParamGroup
	optimizer    optimizer.Optimizer
	scheduler    LRScheduler
	scaler       *GradScaler
	criterion    *CrossEntropyLoss
	checkpointer Checkpointer
	out          io.Writer
	steps        int
}

// NewTrainer builds the optimizer groups, scheduler, loss and scaler for model
func NewTrainer(model Model, config TrainerConfig) (*Trainer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	scheduler, err := ParseScheduler(config.Scheduler)
	if err != nil {
		return nil, err
	}

	head, backbone := model.ParamGroups()
	groups := []*optimizer.ParamGroup{optimizer.NewParamGroup("head", config.HeadLR, head)}
	if len(backbone) > 0 {
		groups = append(groups, optimizer.NewParamGroup("backbone", config.BackboneLR, backbone))
	}
	opt, err := optimizer.New(config.Optimizer, config.WeightDecay, groups...)
	if err != nil {
		return nil, fmt.Errorf("failed to create optimizer: %w", err)
	}

	half := config.Precision.resolve() == PrecisionFP16
	scalerConfig := config.Scaler
	scalerConfig.Enabled = half
	scaler, err := NewGradScaler(scalerConfig)
	if err != nil {
		return nil, err
	}
	model.SetHalfPrecision(half)

	out := config.Output
	if out == nil {
		out = io.Discard
	}
	return &Trainer{
		model:     model,
		config:    config,
		groups:    groups,
		optimizer: opt,
		scheduler: scheduler,
		scaler:    scaler,
		criterion: NewCrossEntropyLoss("mean", config.ClassWeights),
		out:       out,
	}, nil
}

// SetCheckpointer installs the hook called when validation accuracy improves
func (t *Trainer) SetCheckpointer(c Checkpointer) {
	t.checkpointer = c
}

// Optimizer returns the optimizer built for the model
func (t *Trainer) Optimizer() optimizer.Optimizer {
	return t.optimizer
}

// Scheduler returns the learning rate schedule
func (t *Trainer) Scheduler() LRScheduler {
	return t.scheduler
}

// Fit trains for up to config.Epochs epochs. Each epoch trains, moves the
// schedule one step and validates. A strictly higher validation accuracy
// resets the stall counter and triggers the checkpointer; Patience epochs
// without one stop training early.
func (t *Trainer) Fit(ctx context.Context, train, valid DataSource) (*History, error) {
	if train == nil || valid == nil {
		return nil, fmt.Errorf("training and validation data are required")
	}
	klog.Infof("Starting training for %d epochs: %d training and %d validation samples, optimizer %s, schedule %s, precision %s",
		t.config.Epochs, train.NumSamples(), valid.NumSamples(), t.config.Optimizer, t.scheduler.GetName(), t.config.Precision.resolve())

	history := &History{BestAccuracy: -1}
	stall := 0
	for epoch := 0; epoch < t.config.Epochs; epoch++ {
		start := time.Now()
		ApplySchedule(t.scheduler, t.groups, epoch)
		result := EpochResult{Epoch: epoch + 1, HeadLR: t.groups[0].LR}
		if len(t.groups) > 1 {
			result.BackboneLR = t.groups[1].LR
		}

		if err := t.trainEpoch(ctx, train, &result); err != nil {
			return history, fmt.Errorf("training epoch %d failed: %w", epoch+1, err)
		}

		var progress *ProgressBar
		if t.config.ShowProgress {
			progress = NewProgressBar(t.out, fmt.Sprintf("Epoch %d/%d [valid]", epoch+1, t.config.Epochs), valid.NumBatches())
		}
		eval, err := evaluate(ctx, t.model, valid, t.model.NumClasses(), t.criterion, progress)
		if progress != nil {
			progress.Finish()
		}
		if err != nil {
			return history, fmt.Errorf("validation epoch %d failed: %w", epoch+1, err)
		}
		result.ValidLoss = eval.Loss
		result.ValidAccuracy = eval.Accuracy
		result.SkippedBatches += eval.SkippedBatches
		result.Step = t.steps
		result.Duration = time.Since(start)
		result.Finished = time.Now()

		if result.ValidAccuracy > history.BestAccuracy {
			result.Improved = true
			history.BestAccuracy = result.ValidAccuracy
			history.BestEpoch = result.Epoch
			stall = 0
			if t.checkpointer != nil {
				if _, err := t.checkpointer.SaveBest(result); err != nil {
					return history, err
				}
			}
		} else {
			stall++
		}

		history.Epochs = append(history.Epochs, result)
		t.printEpochSummary(result)

		if stall >= t.config.Patience {
			history.StoppedEarly = true
			fmt.Fprintf(t.out, "Early stopping triggered after %d epochs\n", epoch+1)
			klog.Infof("Early stopping after %d epochs; best validation accuracy %.4f at epoch %d",
				epoch+1, history.BestAccuracy, history.BestEpoch)
			break
		}
	}
	return history, nil
}

// trainEpoch runs one pass over train and fills the training fields of result
func (t *Trainer) trainEpoch(ctx context.Context, train DataSource, result *EpochResult) error {
	t.model.Train()
	params := t.model.Parameters()

	var progress *ProgressBar
	if t.config.ShowProgress {
		progress = NewProgressBar(t.out, fmt.Sprintf("Epoch %d/%d [train]", result.Epoch, t.config.Epochs), train.NumBatches())
		defer progress.Finish()
	}

	var lossSum float64
	var correct, seen, batch int
	skippedBefore := t.scaler.SkippedSteps()
	err := train.ForEach(ctx, func(inputs *tensor.Tensor, labels []int) error {
		batch++
		loss, hits, err := t.trainBatch(inputs, labels, params)
		if err != nil {
			klog.Warningf("Skipping training batch %d of epoch %d: %v", batch, result.Epoch, err)
			result.SkippedBatches++
			return nil
		}
		lossSum += loss * float64(len(labels))
		correct += hits
		seen += len(labels)

		if t.config.LogEvery > 0 && batch%t.config.LogEvery == 0 {
			klog.Infof("Epoch %d batch %d/%d: loss=%.4f scale=%g", result.Epoch, batch, train.NumBatches(), loss, t.scaler.GetScale())
		}
		klog.V(2).Infof("epoch %d batch %d: loss=%.4f hits=%d/%d", result.Epoch, batch, loss, hits, len(labels))
		if progress != nil {
			progress.Update(batch, map[string]float64{"loss": lossSum / float64(seen), "acc": float64(correct) / float64(seen)})
		}
		return nil
	})
	if err != nil {
		return err
	}
	if seen == 0 {
		if result.SkippedBatches > 0 {
			return fmt.Errorf("all %d training batches failed: %w", result.SkippedBatches, errBatchSkipped)
		}
		return fmt.Errorf("training data produced no batches")
	}
	result.TrainLoss = lossSum / float64(seen)
	result.TrainAccuracy = float64(correct) / float64(seen)
	result.SkippedSteps = t.scaler.SkippedSteps() - skippedBefore
	return nil
}

// trainBatch runs forward, backward and the optimizer step for one batch.
// It returns the batch loss and the number of correct argmax predictions.
func (t *Trainer) trainBatch(inputs *tensor.Tensor, labels []int, params []*layers.Parameter) (float64, int, error) {
	t.optimizer.ZeroGrad()

	logits, err := t.model.Forward(inputs)
	if err != nil {
		return 0, 0, fmt.Errorf("forward pass failed: %w", err)
	}
	loss, grad, err := t.criterion.Compute(logits, labels, true)
	if err != nil {
		return 0, 0, err
	}

	t.scaler.ScaleGrad(grad)
	if err := t.model.Backward(grad); err != nil {
		return 0, 0, fmt.Errorf("backward pass failed: %w", err)
	}
	stepped, err := t.scaler.Step(t.optimizer, params)
	if err != nil {
		return 0, 0, fmt.Errorf("optimizer step failed: %w", err)
	}
	t.scaler.Update()
	if stepped {
		t.steps++
	} else {
		klog.V(1).Infof("Gradient overflow, step skipped; loss scale now %g", t.scaler.GetScale())
	}

	hits := 0
	for i, p := range tensor.ArgMaxRows(logits) {
		if p == labels[i] {
			hits++
		}
	}
	return loss, hits, nil
}

// printEpochSummary prints a summary of the epoch
func (t *Trainer) printEpochSummary(r EpochResult) {
	line := fmt.Sprintf("Epoch %d/%d: Train Loss=%.4f, Train Acc=%.2f%%, Valid Loss=%.4f, Valid Acc=%.2f%%, LR=%.2e, Time=%v",
		r.Epoch, t.config.Epochs, r.TrainLoss, r.TrainAccuracy*100, r.ValidLoss, r.ValidAccuracy*100, r.HeadLR, r.Duration.Round(time.Millisecond))
	if r.Improved {
		line += " (best)"
	}
	if r.SkippedBatches > 0 {
		line += fmt.Sprintf(", %d batches skipped", r.SkippedBatches)
	}
	fmt.Fprintln(t.out, line)
}
