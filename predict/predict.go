// Package predict classifies single package images with a trained model
package predict

import (
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Sandiematt/Medi-Care/models"
	"github.com/Sandiematt/Medi-Care/tensor"
	"github.com/Sandiematt/Medi-Care/vision/dataset"
	"github.com/Sandiematt/Medi-Care/vision/preprocessing"
	"k8s.io/klog/v2"
)

// DefaultInputSize is the edge length images are resized to before inference
const DefaultInputSize = 224

// Engine turns a batch of preprocessed images into logits
type Engine interface {
	// Logits runs x [N,3,H,W] through the model and returns [N,C]
	Logits(x *tensor.Tensor) (*tensor.Tensor, error)
	NumClasses() int
	Close() error
}

// NativeEngine runs the Go classifier in evaluation mode
type NativeEngine struct {
	mu    sync.Mutex
	model *models.Classifier
}

// NewNativeEngine wraps model and switches it to evaluation mode
func NewNativeEngine(model *models.Classifier) *NativeEngine {
	model.Eval()
	return &NativeEngine{model: model}
}

// Logits runs one forward pass. Calls are serialised because layers keep
// activations for backward.
func (e *NativeEngine) Logits(x *tensor.Tensor) (*tensor.Tensor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model.Forward(x)
}

// NumClasses returns the width of the classifier head
func (e *NativeEngine) NumClasses() int {
	return e.model.NumClasses()
}

// Close is a no-op
func (e *NativeEngine) Close() error {
	return nil
}

// ClassSource records where a class list came from
type ClassSource int

const (
	// SourceDefault is the built-in Authentic/Counterfeit pair, used when
	// neither the checkpoint nor a corpus names the classes
	SourceDefault ClassSource = iota
	SourceCheckpoint
	SourceCorpus
)

func (s ClassSource) String() string {
	switch s {
	case SourceCheckpoint:
		return "checkpoint"
	case SourceCorpus:
		return "corpus"
	default:
		return "default"
	}
}

// DefaultClassNames label the two outputs of a model with no recorded classes
var DefaultClassNames = []string{"Authentic", "Counterfeit"}

// ClassList names the model outputs in index order
type ClassList struct {
	Names  []string
	Source ClassSource
}

// DefaultClassList returns the built-in binary labels
func DefaultClassList() ClassList {
	return ClassList{Names: append([]string(nil), DefaultClassNames...), Source: SourceDefault}
}

// IsDefault reports whether the names are the built-in fallback
func (c ClassList) IsDefault() bool {
	return c.Source == SourceDefault
}

// ResolveClassList picks the class names for a model with numClasses
// outputs: the names stored in the checkpoint, then the class folders of
// corpusRoot, then the default pair. A source whose length does not match
// numClasses is skipped.
func ResolveClassList(checkpointNames []string, corpusRoot string, numClasses int) (ClassList, error) {
	if len(checkpointNames) > 0 {
		if len(checkpointNames) == numClasses {
			return ClassList{Names: checkpointNames, Source: SourceCheckpoint}, nil
		}
		klog.Warningf("Checkpoint lists %d class names for a %d-class model, ignoring them", len(checkpointNames), numClasses)
	}
	if corpusRoot != "" {
		corpus, err := dataset.NewImageFolderDataset(corpusRoot, nil)
		switch {
		case err != nil:
			klog.V(1).Infof("Could not read class names from %s: %v", corpusRoot, err)
		case corpus.NumClasses() == numClasses:
			return ClassList{Names: corpus.ClassNames(), Source: SourceCorpus}, nil
		case corpus.NumClasses() > 0:
			klog.Warningf("Corpus %s has %d classes but the model has %d outputs", corpusRoot, corpus.NumClasses(), numClasses)
		}
	}
	if numClasses != len(DefaultClassNames) {
		return ClassList{}, fmt.Errorf("no class names available for a %d-class model", numClasses)
	}
	klog.Warningf("Using default class names %v", DefaultClassNames)
	return DefaultClassList(), nil
}

// Prediction is the outcome of classifying one image. A failed prediction
// has an empty Class, zero Confidence and the cause in Err.
type Prediction struct {
	Image         string
	Class         string
	Index         int
	Confidence    float64
	Probabilities []float64
	ClassNames    []string
	// DefaultLabels is set when ClassNames are the built-in fallback rather
	// than names recorded with the model or read from a corpus
	DefaultLabels bool
	Err           error
}

// OK reports whether a class was predicted
func (p Prediction) OK() bool {
	return p.Err == nil && p.Class != ""
}

// IsCounterfeit reports whether the predicted class is named counterfeit
func (p Prediction) IsCounterfeit() bool {
	return p.OK() && strings.EqualFold(p.Class, "counterfeit")
}

// Predictor classifies image files with an engine and the evaluation
// transform
type Predictor struct {
	engine    Engine
	classes   ClassList
	processor *preprocessing.ImageProcessor
}

// NewPredictor checks that classes matches the engine's output width
func NewPredictor(engine Engine, classes ClassList, inputSize int) (*Predictor, error) {
	if inputSize <= 0 {
		inputSize = DefaultInputSize
	}
	if len(classes.Names) != engine.NumClasses() {
		return nil, fmt.Errorf("model has %d outputs but %d class names were given", engine.NumClasses(), len(classes.Names))
	}
	return &Predictor{
		engine:    engine,
		classes:   classes,
		processor: preprocessing.NewImageProcessor(preprocessing.EvalTransform(inputSize)),
	}, nil
}

// Classes returns the class list in output order
func (p *Predictor) Classes() ClassList {
	return p.classes
}

// Close releases the engine
func (p *Predictor) Close() error {
	return p.engine.Close()
}

// Predict classifies the image at path. Failures never propagate: they are
// logged and returned as a prediction with no class and zero confidence.
func (p *Predictor) Predict(path string) Prediction {
	x, err := p.processor.ProcessFile(path)
	return p.classify(filepath.Base(path), x, err)
}

// PredictImage classifies an already decoded image labelled name
func (p *Predictor) PredictImage(name string, img image.Image) Prediction {
	x, err := p.processor.ProcessImage(img)
	return p.classify(name, x, err)
}

// PredictFiles classifies every path, decoding up to workers images at a
// time. Predictions keep the order of paths; each failure is reported in
// its own prediction.
func (p *Predictor) PredictFiles(paths []string, workers int) []Prediction {
	inputs, errs := p.processor.PreprocessBatch(paths, workers)
	out := make([]Prediction, len(paths))
	for i, path := range paths {
		out[i] = p.classify(filepath.Base(path), inputs[i], errs[i])
	}
	return out
}

// classify runs one preprocessed image x through the engine. err is a
// preprocessing failure to report instead.
func (p *Predictor) classify(name string, x *tensor.Tensor, err error) Prediction {
	if err != nil {
		return p.fail(name, err)
	}
	batch, err := x.Reshape(append([]int{1}, x.Shape...)...)
	if err != nil {
		return p.fail(name, err)
	}
	logits, err := p.engine.Logits(batch)
	if err != nil {
		return p.fail(name, err)
	}
	if logits.Rank() != 2 || logits.Shape[0] != 1 || logits.Shape[1] != len(p.classes.Names) {
		return p.fail(name, fmt.Errorf("expected logits [1 %d], got %v", len(p.classes.Names), logits.Shape))
	}
	if tensor.HasNonFinite(logits.Data) {
		return p.fail(name, errors.New("model produced non-finite logits"))
	}

	row := append([]float32(nil), logits.Row(0)...)
	tensor.SoftmaxInPlace(row)
	best := tensor.ArgMax(row)
	probs := make([]float64, len(row))
	for i, v := range row {
		probs[i] = float64(v)
	}
	return Prediction{
		Image:         name,
		Class:         p.classes.Names[best],
		Index:         best,
		Confidence:    probs[best],
		Probabilities: probs,
		ClassNames:    p.classes.Names,
		DefaultLabels: p.classes.IsDefault(),
	}
}

func (p *Predictor) fail(name string, err error) Prediction {
	klog.Errorf("Error during prediction for %s: %v", name, err)
	return Prediction{Image: name, Index: -1, ClassNames: p.classes.Names, DefaultLabels: p.classes.IsDefault(), Err: err}
}
