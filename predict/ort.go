package predict

import (
	"fmt"
	"sync"

	"github.com/Sandiematt/Medi-Care/checkpoints"
	"github.com/Sandiematt/Medi-Care/tensor"
	ort "github.com/yalue/onnxruntime_go"
)

var (
	ortMu    sync.Mutex
	ortUsers int
)

// acquireEnvironment initialises the process-wide ONNX Runtime environment
// on first use. libPath, when set, must name the onnxruntime shared library.
func acquireEnvironment(libPath string) error {
	ortMu.Lock()
	defer ortMu.Unlock()
	if ortUsers == 0 && !ort.IsInitialized() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}
	ortUsers++
	return nil
}

func releaseEnvironment() error {
	ortMu.Lock()
	defer ortMu.Unlock()
	ortUsers--
	if ortUsers > 0 {
		return nil
	}
	return ort.DestroyEnvironment()
}

// ORTEngine runs an exported ONNX model through ONNX Runtime with a batch of
// one image
type ORTEngine struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	inputShape   []int
	numClasses   int
	checkpoint   *checkpoints.Checkpoint
}

// NewORTEngine opens modelPath, an ONNX file written by the checkpoint
// exporter. Input shape and class count come from the graph and its
// metadata.
func NewORTEngine(modelPath, libPath string) (*ORTEngine, error) {
	cp, err := checkpoints.NewONNXImporter().ImportFromONNX(modelPath)
	if err != nil {
		return nil, err
	}
	if cp.ModelSpec == nil || len(cp.ModelSpec.InputShape) != 3 || cp.ModelSpec.NumClasses < 1 {
		return nil, fmt.Errorf("%s does not describe an image classifier", modelPath)
	}
	spec := cp.ModelSpec

	if err := acquireEnvironment(libPath); err != nil {
		return nil, err
	}

	dims := []int64{1}
	for _, d := range spec.InputShape {
		dims = append(dims, int64(d))
	}
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(dims...))
	if err != nil {
		releaseEnvironment()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(spec.NumClasses)))
	if err != nil {
		inputTensor.Destroy()
		releaseEnvironment()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{checkpoints.ONNXInputName}, []string{checkpoints.ONNXOutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		releaseEnvironment()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ORTEngine{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		inputShape:   append([]int{1}, spec.InputShape...),
		numClasses:   spec.NumClasses,
		checkpoint:   cp,
	}, nil
}

// Checkpoint returns the metadata and weights read from the model file
func (e *ORTEngine) Checkpoint() *checkpoints.Checkpoint {
	return e.checkpoint
}

// NumClasses returns the width of the model output
func (e *ORTEngine) NumClasses() int {
	return e.numClasses
}

// Logits runs a single image. x must match the model input shape exactly.
func (e *ORTEngine) Logits(x *tensor.Tensor) (*tensor.Tensor, error) {
	if !tensor.ShapesEqual(x.Shape, e.inputShape) {
		return nil, fmt.Errorf("expected input %v, got %v", e.inputShape, x.Shape)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	copy(e.inputTensor.GetData(), x.Data)
	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	out := append([]float32(nil), e.outputTensor.GetData()...)
	return tensor.New(out, []int{1, e.numClasses})
}

// Close destroys the session and its tensors and releases the environment
func (e *ORTEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	e.inputTensor.Destroy()
	e.outputTensor.Destroy()
	err := e.session.Destroy()
	e.session = nil
	if rerr := releaseEnvironment(); err == nil {
		err = rerr
	}
	return err
}
