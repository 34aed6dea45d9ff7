package training

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Sandiematt/Medi-Care/tensor"
	"k8s.io/klog/v2"
)

// DataSource yields labelled batches. ForEach stops at the first error fn
// returns and when ctx is cancelled.
type DataSource interface {
	NumSamples() int
	NumBatches() int
	ForEach(ctx context.Context, fn func(inputs *tensor.Tensor, labels []int) error) error
}

// InferenceModel is the part of a model evaluation needs
type InferenceModel interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Eval()
}

// EvaluationResult holds metrics computed once over every evaluated batch
type EvaluationResult struct {
	Accuracy  float64
	Precision float64 // support-weighted
	Recall    float64 // support-weighted
	F1        float64 // support-weighted
	// Loss is the mean criterion value, set only when a criterion was given
	Loss float64

	Samples        int
	SkippedBatches int
	Confusion      *ConfusionMatrix

	Predictions   []int
	Labels        []int
	Probabilities [][]float32
}

// Evaluate runs model in evaluation mode over source and computes accuracy
// plus weighted precision, recall and F1
func Evaluate(ctx context.Context, model InferenceModel, source DataSource, numClasses int) (*EvaluationResult, error) {
	return evaluate(ctx, model, source, numClasses, nil, nil)
}

// errBatchSkipped marks a batch that failed and was left out of the metrics
var errBatchSkipped = errors.New("batch skipped")

func evaluate(ctx context.Context, model InferenceModel, source DataSource, numClasses int, criterion *CrossEntropyLoss, progress *ProgressBar) (*EvaluationResult, error) {
	if numClasses < 2 {
		return nil, fmt.Errorf("number of classes must be at least 2, got %d", numClasses)
	}
	model.Eval()

	result := &EvaluationResult{Confusion: NewConfusionMatrix(numClasses)}
	var lossSum float64
	batch := 0
	err := source.ForEach(ctx, func(inputs *tensor.Tensor, labels []int) error {
		batch++
		loss, probs, err := evaluateBatch(model, inputs, labels, numClasses, criterion)
		if err != nil {
			klog.Warningf("Skipping evaluation batch %d: %v", batch, err)
			result.SkippedBatches++
			return nil
		}
		preds := tensor.ArgMaxRows(probs)
		if err := result.Confusion.Update(preds, labels); err != nil {
			klog.Warningf("Skipping evaluation batch %d: %v", batch, err)
			result.SkippedBatches++
			return nil
		}

		lossSum += loss * float64(len(labels))
		result.Samples += len(labels)
		result.Predictions = append(result.Predictions, preds...)
		result.Labels = append(result.Labels, labels...)
		for i := range labels {
			result.Probabilities = append(result.Probabilities, append([]float32(nil), probs.Row(i)...))
		}
		if progress != nil {
			progress.Update(batch, map[string]float64{"acc": result.Confusion.Accuracy()})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Samples == 0 && result.SkippedBatches > 0 {
		return nil, fmt.Errorf("all %d evaluation batches failed: %w", result.SkippedBatches, errBatchSkipped)
	}

	cm := result.Confusion
	result.Accuracy = cm.GetMetric(Accuracy)
	result.Precision = cm.GetMetric(WeightedPrecision)
	result.Recall = cm.GetMetric(WeightedRecall)
	result.F1 = cm.GetMetric(WeightedF1)
	if criterion != nil && result.Samples > 0 {
		result.Loss = lossSum / float64(result.Samples)
	}
	return result, nil
}

func evaluateBatch(model InferenceModel, inputs *tensor.Tensor, labels []int, numClasses int, criterion *CrossEntropyLoss) (float64, *tensor.Tensor, error) {
	logits, err := model.Forward(inputs)
	if err != nil {
		return 0, nil, fmt.Errorf("forward pass failed: %w", err)
	}
	if logits.Rank() != 2 || logits.Shape[1] != numClasses || logits.Shape[0] != len(labels) {
		return 0, nil, fmt.Errorf("expected logits [%d %d], got %v", len(labels), numClasses, logits.Shape)
	}
	var loss float64
	if criterion != nil {
		if loss, err = criterion.Forward(logits, labels); err != nil {
			return 0, nil, err
		}
	}
	probs, err := tensor.Softmax(logits)
	if err != nil {
		return 0, nil, err
	}
	return loss, probs, nil
}

// WriteSummary prints the headline metrics, the confusion matrix and the
// per-class report
func (r *EvaluationResult) WriteSummary(w io.Writer, classNames []string) error {
	fmt.Fprintf(w, "Test Accuracy: %.4f\n", r.Accuracy)
	fmt.Fprintf(w, "Precision: %.4f\n", r.Precision)
	fmt.Fprintf(w, "Recall: %.4f\n", r.Recall)
	fmt.Fprintf(w, "F1 Score: %.4f\n", r.F1)
	fmt.Fprintf(w, "\nConfusion Matrix:\n")
	if err := r.Confusion.WriteTable(w, classNames); err != nil {
		return err
	}
	fmt.Fprintf(w, "\nClassification Report:\n")
	return r.Confusion.WriteClassReport(w, classNames)
}
