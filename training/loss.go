package training

import (
	"fmt"
	"math"

	"github.com/Sandiematt/Medi-Care/tensor"
)

// Loss interface defines methods that all loss functions must implement.
// Targets are class indices, one per row of the logits.
type Loss interface {
	Forward(logits *tensor.Tensor, targets []int) (float64, error)
	Backward(logits *tensor.Tensor, targets []int) (*tensor.Tensor, error)
}

// CrossEntropyLoss is softmax cross-entropy over raw logits with optional
// per-class weights. With reduction "mean" the weighted losses are divided
// by the summed weights of the targets, so uniform weights give the plain
// batch mean.
type CrossEntropyLoss struct {
	reduction string // "mean" or "sum"
	weights   []float32
}

// NewCrossEntropyLoss creates a cross-entropy loss. classWeights may be nil.
func NewCrossEntropyLoss(reduction string, classWeights []float32) *CrossEntropyLoss {
	if reduction == "" {
		reduction = "mean"
	}
	var w []float32
	if len(classWeights) > 0 {
		w = append([]float32(nil), classWeights...)
	}
	return &CrossEntropyLoss{reduction: reduction, weights: w}
}

// Weights returns the class weights, nil when unweighted
func (ce *CrossEntropyLoss) Weights() []float32 {
	return ce.weights
}

func (ce *CrossEntropyLoss) weight(class int) float64 {
	if ce.weights == nil {
		return 1
	}
	return float64(ce.weights[class])
}

func (ce *CrossEntropyLoss) validate(logits *tensor.Tensor, targets []int) error {
	if logits.Rank() != 2 {
		return fmt.Errorf("expected logits [N,C], got %v", logits.Shape)
	}
	n, c := logits.Shape[0], logits.Shape[1]
	if len(targets) != n {
		return fmt.Errorf("got %d targets for %d rows", len(targets), n)
	}
	if ce.weights != nil && len(ce.weights) != c {
		return fmt.Errorf("got %d class weights for %d classes", len(ce.weights), c)
	}
	if ce.reduction != "mean" && ce.reduction != "sum" {
		return fmt.Errorf("unsupported reduction %q", ce.reduction)
	}
	for i, y := range targets {
		if y < 0 || y >= c {
			return fmt.Errorf("target %d of row %d is out of range [0, %d)", y, i, c)
		}
	}
	return nil
}

// Compute returns the reduced loss and, when wantGrad is set, its gradient
// with respect to the logits
func (ce *CrossEntropyLoss) Compute(logits *tensor.Tensor, targets []int, wantGrad bool) (float64, *tensor.Tensor, error) {
	if err := ce.validate(logits, targets); err != nil {
		return 0, nil, err
	}

	var grad *tensor.Tensor
	if wantGrad {
		grad = logits.Clone()
	}

	var total, norm float64
	for i, y := range targets {
		row := logits.Row(i)
		w := ce.weight(y)
		total += w * (tensor.LogSumExp(row) - float64(row[y]))
		norm += w

		if grad != nil {
			g := grad.Row(i)
			tensor.SoftmaxInPlace(g)
			g[y] -= 1
			tensor.ScaleInPlace(g, float32(w))
		}
	}

	if ce.reduction == "mean" {
		if norm == 0 {
			return math.NaN(), grad, nil
		}
		total /= norm
		if grad != nil {
			tensor.ScaleInPlace(grad.Data, float32(1/norm))
		}
	}
	return total, grad, nil
}

// Forward computes the reduced loss
func (ce *CrossEntropyLoss) Forward(logits *tensor.Tensor, targets []int) (float64, error) {
	loss, _, err := ce.Compute(logits, targets, false)
	return loss, err
}

// Backward computes dLoss/dLogits: weight * (softmax - onehot), divided by
// the summed target weights under "mean"
func (ce *CrossEntropyLoss) Backward(logits *tensor.Tensor, targets []int) (*tensor.Tensor, error) {
	_, grad, err := ce.Compute(logits, targets, true)
	return grad, err
}
