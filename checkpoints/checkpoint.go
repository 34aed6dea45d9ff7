package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Sandiematt/Medi-Care/layers"
	"github.com/Sandiematt/Medi-Care/tensor"
)

const (
	// FrameworkName is recorded in the metadata of every checkpoint
	FrameworkName = "medi-care"
	// FormatVersion is the checkpoint layout version
	FormatVersion = "1.0.0"
)

var (
	// ErrShapeMismatch is returned when a stored tensor does not fit the model
	ErrShapeMismatch = errors.New("checkpoint tensor shape does not match model")
	// ErrMissingTensor is returned when the model has a tensor the checkpoint lacks
	ErrMissingTensor = errors.New("checkpoint is missing a model tensor")
	// ErrUnexpectedTensor is returned in strict mode for tensors the model does not have
	ErrUnexpectedTensor = errors.New("checkpoint has a tensor the model does not")
)

// CheckpointFormat represents the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
	FormatSafeTensors
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	case FormatSafeTensors:
		return "SafeTensors"
	default:
		return "Unknown"
	}
}

// FormatForPath picks the format from a file extension
func FormatForPath(path string) (CheckpointFormat, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".onnx":
		return FormatONNX, nil
	case ".safetensors":
		return FormatSafeTensors, nil
	default:
		return 0, fmt.Errorf("cannot infer checkpoint format from %q (want .json, .onnx or .safetensors)", path)
	}
}

// Checkpoint represents a complete model checkpoint
type Checkpoint struct {
	ModelSpec      *layers.ModelSpec  `json:"model_spec,omitempty"`
	Weights        []WeightTensor     `json:"weights"`
	TrainingState  TrainingState      `json:"training_state"`
	OptimizerState *OptimizerState    `json:"optimizer_state,omitempty"`
	Metadata       CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a named parameter or buffer
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"` // owning module, e.g. "layer4.2.bn3"
	Type  string    `json:"type"`  // "weight", "bias", "running_mean", "running_var"
}

// TrainingState captures training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	BestLoss     float32 `json:"best_loss"`
	BestAccuracy float32 `json:"best_accuracy"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures optimizer state
type OptimizerState struct {
	Type       string                 `json:"type"`
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "exp_avg", "exp_avg_sq", "momentum"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description"`
	Tags        []string  `json:"tags"`
	// ClassNames lists the labels in output order
	ClassNames []string `json:"class_names,omitempty"`
}

// CheckpointSaver handles saving and loading checkpoints
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// NewCheckpointSaverForPath creates a saver for the format implied by path
func NewCheckpointSaverForPath(path string) (*CheckpointSaver, error) {
	format, err := FormatForPath(path)
	if err != nil {
		return nil, err
	}
	return NewCheckpointSaver(format), nil
}

// Format returns the format the saver writes
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint saves a complete model checkpoint. The file is written
// next to path and renamed into place so readers never see a partial file.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = FrameworkName
		checkpoint.Metadata.Version = FormatVersion
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	var data []byte
	var err error
	switch cs.format {
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	case FormatONNX:
		data, err = NewONNXExporter().Marshal(checkpoint)
	case FormatSafeTensors:
		data, err = MarshalSafeTensors(checkpoint)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return fmt.Errorf("failed to encode %s checkpoint: %w", cs.format, err)
	}
	return writeFileAtomic(path, data)
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}

	switch cs.format {
	case FormatJSON:
		var checkpoint Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
		return &checkpoint, nil
	case FormatONNX:
		return NewONNXImporter().Unmarshal(data)
	case FormatSafeTensors:
		return UnmarshalSafeTensors(data)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}

// splitName splits "layer4.2.bn3.running_mean" into its module and tensor kind
func splitName(name string) (layer, kind string) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}

func newWeightTensor(name string, t *tensor.Tensor) WeightTensor {
	layer, kind := splitName(name)
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return WeightTensor{
		Name:  name,
		Shape: append([]int(nil), t.Shape...),
		Data:  data,
		Layer: layer,
		Type:  kind,
	}
}

// ExtractWeights copies every parameter and buffer into checkpoint tensors,
// parameters first, each in declaration order
func ExtractWeights(params []*layers.Parameter, buffers []*layers.Buffer) []WeightTensor {
	weights := make([]WeightTensor, 0, len(params)+len(buffers))
	for _, p := range params {
		weights = append(weights, newWeightTensor(p.Name, p.Value))
	}
	for _, b := range buffers {
		weights = append(weights, newWeightTensor(b.Name, b.Value))
	}
	return weights
}

// LoadOptions relaxes LoadWeights for partial loads such as pretrained backbones
type LoadOptions struct {
	// AllowMissing leaves model tensors absent from the checkpoint untouched
	AllowMissing bool
	// AllowUnexpected ignores checkpoint tensors the model does not have
	AllowUnexpected bool
	// Skip excludes checkpoint tensors by name before any check
	Skip func(name string) bool
}

// LoadReport lists what LoadWeights did
type LoadReport struct {
	Loaded     []string
	Skipped    []string
	Missing    []string
	Unexpected []string
}

// LoadWeights copies checkpoint tensors into params and buffers by name.
// With zero LoadOptions every model tensor must be present with the same
// shape and the checkpoint may hold nothing else.
func LoadWeights(weights []WeightTensor, params []*layers.Parameter, buffers []*layers.Buffer, opts LoadOptions) (LoadReport, error) {
	targets := make(map[string]*tensor.Tensor, len(params)+len(buffers))
	var order []string
	for _, p := range params {
		targets[p.Name] = p.Value
		order = append(order, p.Name)
	}
	for _, b := range buffers {
		targets[b.Name] = b.Value
		order = append(order, b.Name)
	}

	var report LoadReport
	seen := make(map[string]bool, len(weights))
	for _, w := range weights {
		if opts.Skip != nil && opts.Skip(w.Name) {
			report.Skipped = append(report.Skipped, w.Name)
			continue
		}
		dst, ok := targets[w.Name]
		if !ok {
			report.Unexpected = append(report.Unexpected, w.Name)
			continue
		}
		if !tensor.ShapesEqual(dst.Shape, w.Shape) {
			return report, fmt.Errorf("%w: %s is %v in the checkpoint but %v in the model", ErrShapeMismatch, w.Name, w.Shape, dst.Shape)
		}
		if len(w.Data) != len(dst.Data) {
			return report, fmt.Errorf("%w: %s holds %d values for shape %v", ErrShapeMismatch, w.Name, len(w.Data), w.Shape)
		}
		copy(dst.Data, w.Data)
		seen[w.Name] = true
		report.Loaded = append(report.Loaded, w.Name)
	}

	for _, name := range order {
		if !seen[name] {
			report.Missing = append(report.Missing, name)
		}
	}
	if len(report.Missing) > 0 && !opts.AllowMissing {
		return report, fmt.Errorf("%w: %s (and %d more)", ErrMissingTensor, report.Missing[0], len(report.Missing)-1)
	}
	if len(report.Unexpected) > 0 && !opts.AllowUnexpected {
		return report, fmt.Errorf("%w: %s (and %d more)", ErrUnexpectedTensor, report.Unexpected[0], len(report.Unexpected)-1)
	}
	return report, nil
}
