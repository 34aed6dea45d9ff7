package predict

import (
	"fmt"
	"os"

	"github.com/Sandiematt/Medi-Care/checkpoints"
	"github.com/Sandiematt/Medi-Care/models"
	"k8s.io/klog/v2"
)

// LoadConfig selects the model file and how to run it
type LoadConfig struct {
	Checkpoint string
	// CorpusRoot supplies class names when the checkpoint has none
	CorpusRoot string
	InputSize  int
	// UseORT runs .onnx checkpoints through ONNX Runtime instead of
	// rebuilding the Go classifier from their initializers
	UseORT     bool
	ORTLibrary string
}

// Load builds a predictor from a checkpoint file. A missing file yields an
// error wrapping os.ErrNotExist.
func Load(cfg LoadConfig) (*Predictor, error) {
	if _, err := os.Stat(cfg.Checkpoint); err != nil {
		return nil, fmt.Errorf("model not found at %s: %w", cfg.Checkpoint, err)
	}

	var (
		engine Engine
		cp     *checkpoints.Checkpoint
	)
	format, err := checkpoints.FormatForPath(cfg.Checkpoint)
	if err != nil {
		return nil, err
	}
	if cfg.UseORT && format == checkpoints.FormatONNX {
		e, err := NewORTEngine(cfg.Checkpoint, cfg.ORTLibrary)
		if err != nil {
			return nil, err
		}
		engine, cp = e, e.Checkpoint()
	} else {
		model, c, err := models.LoadClassifier(cfg.Checkpoint)
		if err != nil {
			return nil, err
		}
		engine, cp = NewNativeEngine(model), c
	}

	classes, err := ResolveClassList(cp.Metadata.ClassNames, cfg.CorpusRoot, engine.NumClasses())
	if err != nil {
		engine.Close()
		return nil, err
	}
	inputSize := cfg.InputSize
	if inputSize <= 0 && cp.ModelSpec != nil && len(cp.ModelSpec.InputShape) == 3 {
		inputSize = cp.ModelSpec.InputShape[1]
	}
	p, err := NewPredictor(engine, classes, inputSize)
	if err != nil {
		engine.Close()
		return nil, err
	}
	klog.Infof("Loaded model from %s", cfg.Checkpoint)
	klog.Infof("Using class names: %v (%s)", classes.Names, classes.Source)
	return p, nil
}
