package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Sandiematt/Medi-Care/checkpoints"
	"github.com/Sandiematt/Medi-Care/models"
	"github.com/Sandiematt/Medi-Care/optimizer"
	"github.com/Sandiematt/Medi-Care/training"
	"github.com/Sandiematt/Medi-Care/vision/dataloader"
	"github.com/Sandiematt/Medi-Care/vision/dataset"
	"github.com/Sandiematt/Medi-Care/vision/preprocessing"
	"k8s.io/klog/v2"
)

// ErrTooFewClasses is returned when the training images cover fewer than two
// class directories
var ErrTooFewClasses = errors.New("training needs at least two classes")

// TagValidationAsTest marks checkpoints whose test metrics were computed on
// the validation split
const TagValidationAsTest = "validation-reused-as-test"

// Split fractions used when the data has no val/ directory
const (
	fallbackTrainFraction = 0.8
	fallbackSplitSeed     = 42
)

// Layout is the set of corpora found under a data directory
type Layout struct {
	Train, Val, Test string // Empty when the directory does not exist
}

// ResolveLayout looks for train/, val/ and test/ under dir. Without train/
// the whole directory is the training corpus.
func ResolveLayout(dir string) Layout {
	sub := func(name string) string {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			return p
		}
		return ""
	}
	l := Layout{Train: sub(dataset.TrainDir), Val: sub(dataset.ValDir), Test: sub(dataset.TestDir)}
	if l.Train == "" {
		l.Train = dir
	}
	return l
}

// TrainResult summarises a training run
type TrainResult struct {
	ClassNames   []string
	ClassCounts  []int
	ClassWeights []float32
	History      *training.History
	Evaluation   *training.EvaluationResult
	Model        *models.Classifier // reloaded from the best checkpoint
	// ValidationAsTest is set when the test metrics were computed on the
	// validation images because the data had no val/ or no test/ directory
	ValidationAsTest bool
}

type corpora struct {
	train, val, test *dataset.ImageFolderDataset
	// full is the training directory before any validation hold-out;
	// class weights are computed from it
	full             *dataset.ImageFolderDataset
	heldOut          bool // val was split off train
	validationAsTest bool
}

func loadCorpora(dir string) (*corpora, error) {
	layout := ResolveLayout(dir)
	train, err := dataset.NewImageFolderDataset(layout.Train, nil)
	if err != nil {
		return nil, err
	}
	if train.IsEmpty() {
		return nil, fmt.Errorf("no training images in %s: %w", layout.Train, dataset.ErrNoClasses)
	}
	if train.NumClasses() < 2 {
		return nil, fmt.Errorf("%s has only class %v; add a directory of images for each class: %w",
			layout.Train, train.ClassNames(), ErrTooFewClasses)
	}

	if layout.Val == "" {
		trainPart, valPart, err := train.RandomSplit(fallbackTrainFraction, fallbackSplitSeed)
		if err != nil {
			return nil, err
		}
		klog.Warningf("No validation directory in %s: holding out %d of %d images for validation and reusing them as the test set",
			dir, valPart.Len(), train.Len())
		return &corpora{train: trainPart, val: valPart, test: valPart, full: train, heldOut: true, validationAsTest: true}, nil
	}

	val, err := dataset.NewImageFolderDataset(layout.Val, nil)
	if err != nil {
		return nil, err
	}
	c := &corpora{train: train, val: val, test: val, full: train}
	if layout.Test != "" {
		if c.test, err = dataset.NewImageFolderDataset(layout.Test, nil); err != nil {
			return nil, err
		}
	} else {
		c.validationAsTest = true
		klog.Warningf("No test directory in %s: reporting test metrics on the validation set", dir)
	}
	for name, d := range map[string]*dataset.ImageFolderDataset{"validation": c.val, "test": c.test} {
		if d.NumClasses() != train.NumClasses() {
			return nil, fmt.Errorf("%s set has %d classes, training set has %d", name, d.NumClasses(), train.NumClasses())
		}
	}
	return c, nil
}

// Train fits a classifier on the corpora under dataDir, keeps the most
// accurate epoch in cfg.Checkpoint, reloads it and evaluates it on the
// test set
func Train(ctx context.Context, cfg Config, dataDir string, out io.Writer) (*TrainResult, error) {
	c, err := loadCorpora(dataDir)
	if err != nil {
		return nil, err
	}
	classNames := c.train.ClassNames()
	counts := c.full.ClassCounts()
	weights, err := c.full.ClassWeights()
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "Using class names: %v\n", classNames)
	if c.heldOut {
		fmt.Fprintf(out, "Split dataset: %d training, %d validation samples\n", c.train.Len(), c.val.Len())
	}
	fmt.Fprintf(out, "Class distribution: %v\n", counts)
	fmt.Fprintf(out, "Class weights: %v\n", weights)

	evalTransform := preprocessing.EvalTransform(cfg.InputSize)
	trainSet := dataset.NewImageDataset(c.train, preprocessing.TrainTransform(cfg.InputSize, cfg.Seed), cfg.InputSize)
	valSet := dataset.NewImageDataset(c.val, evalTransform, cfg.InputSize)
	testSet := dataset.NewImageDataset(c.test, evalTransform, cfg.InputSize)

	loaderConfig := dataloader.DefaultConfig()
	loaderConfig.BatchSize = cfg.BatchSize
	loaderConfig.NumWorkers = cfg.Workers
	loaderConfig.Seed = cfg.Seed

	trainLoaderConfig := loaderConfig
	trainLoaderConfig.Shuffle = true
	trainLoader, err := dataloader.NewDataLoader(trainSet, trainLoaderConfig)
	if err != nil {
		return nil, err
	}
	// Validation and test read the same files when they are reused, so they
	// share one cache
	evalLoaderConfig := loaderConfig
	if cfg.CacheSize > 0 {
		evalLoaderConfig.Cache = dataloader.NewCacheManager(cfg.CacheSize)
	}
	valLoader, err := dataloader.NewDataLoader(valSet, evalLoaderConfig)
	if err != nil {
		return nil, err
	}
	testLoader, err := dataloader.NewDataLoader(testSet, evalLoaderConfig)
	if err != nil {
		return nil, err
	}

	modelConfig, err := cfg.classifierConfig(len(classNames))
	if err != nil {
		return nil, err
	}
	model, err := models.NewClassifier(modelConfig)
	if err != nil {
		return nil, err
	}
	var resume *checkpoints.Checkpoint
	switch {
	case cfg.Resume != "":
		if resume, err = loadResume(cfg.Resume, model); err != nil {
			return nil, err
		}
		fmt.Fprintf(out, "Resuming from %s (epoch %d, accuracy %.4f)\n",
			cfg.Resume, resume.TrainingState.Epoch, resume.TrainingState.BestAccuracy)
	case cfg.Pretrained != "":
		if err := model.LoadPretrained(cfg.Pretrained); err != nil {
			return nil, fmt.Errorf("failed to load pretrained backbone: %w", err)
		}
	default:
		klog.Warningf("No pretrained backbone given, training %s from random initialisation", cfg.Architecture)
	}
	head, backbone := model.ParamGroups()
	training.PrintParameterSummary(out, model.Architecture(), model.Parameters(), head, backbone)

	trainerConfig := cfg.trainerConfig(weights)
	trainerConfig.Output = out
	trainer, err := training.NewTrainer(model, trainerConfig)
	if err != nil {
		return nil, err
	}
	if resume != nil && resume.OptimizerState != nil {
		if err := trainer.Optimizer().LoadState(optimizer.FromCheckpoint(resume.OptimizerState)); err != nil {
			return nil, fmt.Errorf("failed to restore optimizer state from %s: %w", cfg.Resume, err)
		}
		fmt.Fprintf(out, "Restored %s optimizer state after %d steps\n",
			resume.OptimizerState.Type, trainer.Optimizer().GetStepCount())
	}

	checkpointConfig := training.DefaultCheckpointConfig()
	checkpointConfig.Path = cfg.Checkpoint
	checkpointConfig.InputSize = cfg.InputSize
	checkpointConfig.ClassNames = classNames
	checkpointConfig.SaveOptimizer = cfg.SaveOptimizer
	if c.validationAsTest {
		checkpointConfig.Tags = append(checkpointConfig.Tags, TagValidationAsTest)
	}
	checkpointer, err := training.NewBestCheckpointer(model, checkpointConfig)
	if err != nil {
		return nil, err
	}
	checkpointer.SetOptimizer(trainer.Optimizer())
	trainer.SetCheckpointer(checkpointer)

	fmt.Fprintln(out, "Starting training...")
	history, err := trainer.Fit(ctx, trainLoader, valLoader)
	if err != nil {
		return nil, err
	}
	if checkpointer.Saves() == 0 {
		return nil, fmt.Errorf("training finished without writing %s", cfg.Checkpoint)
	}
	klog.V(1).Infof("Evaluation cache: %s", valLoader.Stats())

	best, _, err := models.LoadClassifier(cfg.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to reload best model: %w", err)
	}

	fmt.Fprintln(out, "\nEvaluating model on test set...")
	if c.validationAsTest {
		fmt.Fprintln(out, "(test metrics are computed on the validation images)")
	}
	eval, err := training.Evaluate(ctx, best, testLoader, len(classNames))
	if err != nil {
		return nil, err
	}
	if err := eval.WriteSummary(out, classNames); err != nil {
		return nil, err
	}

	if cfg.ExportONNX != "" {
		cp := best.Checkpoint(cfg.InputSize, classNames, fmt.Sprintf("Best of %d epochs, validation accuracy %.4f", len(history.Epochs), history.BestAccuracy))
		if err := checkpoints.NewONNXExporter().ExportToONNX(cp, cfg.ExportONNX); err != nil {
			return nil, fmt.Errorf("failed to export ONNX model: %w", err)
		}
		fmt.Fprintf(out, "Exported ONNX model to %s\n", cfg.ExportONNX)
	}

	return &TrainResult{
		ClassNames:       classNames,
		ClassCounts:      counts,
		ClassWeights:     weights,
		History:          history,
		Evaluation:       eval,
		Model:            best,
		ValidationAsTest: c.validationAsTest,
	}, nil
}

// loadResume copies the weights of the checkpoint at path into model. The
// architecture must match exactly.
func loadResume(path string, model *models.Classifier) (*checkpoints.Checkpoint, error) {
	saver, err := checkpoints.NewCheckpointSaverForPath(path)
	if err != nil {
		return nil, err
	}
	cp, err := saver.LoadCheckpoint(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := model.LoadStateDict(cp.Weights); err != nil {
		return nil, fmt.Errorf("cannot resume from %s: %w", path, err)
	}
	return cp, nil
}
