package training

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// MetricType represents different evaluation metrics
type MetricType int

const (
	Accuracy MetricType = iota
	// Support-weighted averages over classes
	WeightedPrecision
	WeightedRecall
	WeightedF1
	// Unweighted averages over classes
	MacroPrecision
	MacroRecall
	MacroF1
)

func (mt MetricType) String() string {
	switch mt {
	case Accuracy:
		return "Accuracy"
	case WeightedPrecision:
		return "WeightedPrecision"
	case WeightedRecall:
		return "WeightedRecall"
	case WeightedF1:
		return "WeightedF1"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix represents a confusion matrix for classification tasks.
// Undefined ratios (no predictions or no samples for a class) count as 0.
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int

	cachedMetrics map[MetricType]float64
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{
		NumClasses:    numClasses,
		Matrix:        matrix,
		cachedMetrics: make(map[MetricType]float64),
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		clear(cm.Matrix[i])
	}
	cm.TotalSamples = 0
	clear(cm.cachedMetrics)
}

// Update adds predicted and true class indices pairwise
func (cm *ConfusionMatrix) Update(predictions, labels []int) error {
	if len(predictions) != len(labels) {
		return fmt.Errorf("predictions length mismatch: expected %d, got %d", len(labels), len(predictions))
	}
	for i := range labels {
		y, p := labels[i], predictions[i]
		if y < 0 || y >= cm.NumClasses {
			return fmt.Errorf("invalid true label %d (must be 0-%d)", y, cm.NumClasses-1)
		}
		if p < 0 || p >= cm.NumClasses {
			return fmt.Errorf("invalid prediction %d (must be 0-%d)", p, cm.NumClasses-1)
		}
	}
	for i := range labels {
		cm.Matrix[labels[i]][predictions[i]]++
	}
	cm.TotalSamples += len(labels)
	clear(cm.cachedMetrics)
	return nil
}

// Support is the number of samples whose true class is class
func (cm *ConfusionMatrix) Support(class int) int {
	n := 0
	for _, v := range cm.Matrix[class] {
		n += v
	}
	return n
}

func (cm *ConfusionMatrix) predicted(class int) int {
	n := 0
	for i := range cm.Matrix {
		n += cm.Matrix[i][class]
	}
	return n
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// ClassPrecision is TP / (TP + FP) for one class
func (cm *ConfusionMatrix) ClassPrecision(class int) float64 {
	return ratio(cm.Matrix[class][class], cm.predicted(class))
}

// ClassRecall is TP / (TP + FN) for one class
func (cm *ConfusionMatrix) ClassRecall(class int) float64 {
	return ratio(cm.Matrix[class][class], cm.Support(class))
}

// ClassF1 is the harmonic mean of ClassPrecision and ClassRecall
func (cm *ConfusionMatrix) ClassF1(class int) float64 {
	p, r := cm.ClassPrecision(class), cm.ClassRecall(class)
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// Accuracy is the fraction of samples on the diagonal
func (cm *ConfusionMatrix) Accuracy() float64 {
	correct := 0
	for i := range cm.Matrix {
		correct += cm.Matrix[i][i]
	}
	return ratio(correct, cm.TotalSamples)
}

func (cm *ConfusionMatrix) weighted(per func(int) float64) float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	var sum float64
	for c := 0; c < cm.NumClasses; c++ {
		sum += float64(cm.Support(c)) * per(c)
	}
	return sum / float64(cm.TotalSamples)
}

func (cm *ConfusionMatrix) macro(per func(int) float64) float64 {
	if cm.NumClasses == 0 {
		return 0
	}
	var sum float64
	for c := 0; c < cm.NumClasses; c++ {
		sum += per(c)
	}
	return sum / float64(cm.NumClasses)
}

// GetMetric computes and caches a metric
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	if v, ok := cm.cachedMetrics[metric]; ok {
		return v
	}
	var v float64
	switch metric {
	case Accuracy:
		v = cm.Accuracy()
	case WeightedPrecision:
		v = cm.weighted(cm.ClassPrecision)
	case WeightedRecall:
		v = cm.weighted(cm.ClassRecall)
	case WeightedF1:
		v = cm.weighted(cm.ClassF1)
	case MacroPrecision:
		v = cm.macro(cm.ClassPrecision)
	case MacroRecall:
		v = cm.macro(cm.ClassRecall)
	case MacroF1:
		v = cm.macro(cm.ClassF1)
	}
	cm.cachedMetrics[metric] = v
	return v
}

// WriteTable renders the matrix with class names as row and column labels
func (cm *ConfusionMatrix) WriteTable(w io.Writer, classNames []string) error {
	label := func(i int) string {
		if i < len(classNames) {
			return classNames[i]
		}
		return fmt.Sprintf("class_%d", i)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	header := []string{"true\\pred"}
	for j := 0; j < cm.NumClasses; j++ {
		header = append(header, label(j))
	}
	fmt.Fprintln(tw, strings.Join(header, "\t")+"\t")
	for i := 0; i < cm.NumClasses; i++ {
		row := []string{label(i)}
		for j := 0; j < cm.NumClasses; j++ {
			row = append(row, fmt.Sprintf("%d", cm.Matrix[i][j]))
		}
		fmt.Fprintln(tw, strings.Join(row, "\t")+"\t")
	}
	return tw.Flush()
}

// WriteClassReport renders per-class precision, recall, F1 and support
// followed by the weighted averages
func (cm *ConfusionMatrix) WriteClassReport(w io.Writer, classNames []string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "\tprecision\trecall\tf1-score\tsupport\t")
	for c := 0; c < cm.NumClasses; c++ {
		name := fmt.Sprintf("class_%d", c)
		if c < len(classNames) {
			name = classNames[c]
		}
		fmt.Fprintf(tw, "%s\t%.4f\t%.4f\t%.4f\t%d\t\n", name,
			cm.ClassPrecision(c), cm.ClassRecall(c), cm.ClassF1(c), cm.Support(c))
	}
	fmt.Fprintf(tw, "weighted avg\t%.4f\t%.4f\t%.4f\t%d\t\n",
		cm.GetMetric(WeightedPrecision), cm.GetMetric(WeightedRecall), cm.GetMetric(WeightedF1), cm.TotalSamples)
	return tw.Flush()
}
