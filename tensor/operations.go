package tensor

import (
	"fmt"
	"math"
)

// Softmax applies a numerically stable softmax over the last dimension of a 2D tensor
func Softmax(t *Tensor) (*Tensor, error) {
	if t.Rank() != 2 {
		return nil, fmt.Errorf("softmax requires a 2D tensor, got shape %v", t.Shape)
	}
	out := t.Clone()
	out.DType = Float32
	for i := 0; i < t.Shape[0]; i++ {
		SoftmaxInPlace(out.Row(i))
	}
	return out, nil
}

// SoftmaxInPlace replaces row with its softmax
func SoftmaxInPlace(row []float32) {
	if len(row) == 0 {
		return
	}
	maxVal := row[0]
	for _, v := range row[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float64
	for i, v := range row {
		e := math.Exp(float64(v - maxVal))
		row[i] = float32(e)
		sum += e
	}
	for i := range row {
		row[i] = float32(float64(row[i]) / sum)
	}
}

// LogSumExp returns log(sum(exp(row))) computed stably
func LogSumExp(row []float32) float64 {
	maxVal := float64(row[0])
	for _, v := range row[1:] {
		if float64(v) > maxVal {
			maxVal = float64(v)
		}
	}
	var sum float64
	for _, v := range row {
		sum += math.Exp(float64(v) - maxVal)
	}
	return maxVal + math.Log(sum)
}

// ArgMax returns the index of the largest value; ties go to the lowest index
func ArgMax(row []float32) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}

// ArgMaxRows returns the per-row argmax of a 2D tensor
func ArgMaxRows(t *Tensor) []int {
	rows := t.Shape[0]
	out := make([]int, rows)
	for i := 0; i < rows; i++ {
		out[i] = ArgMax(t.Row(i))
	}
	return out
}

// AddInPlace adds src to dst element-wise
func AddInPlace(dst, src []float32) {
	for i, v := range src {
		dst[i] += v
	}
}

// ScaleInPlace multiplies every element of data by s
func ScaleInPlace(data []float32, s float32) {
	for i := range data {
		data[i] *= s
	}
}

// Add returns a + b for equally shaped tensors
func Add(a, b *Tensor) (*Tensor, error) {
	if !a.SameShape(b) {
		return nil, fmt.Errorf("shape mismatch for add: %v and %v", a.Shape, b.Shape)
	}
	out := a.Clone()
	AddInPlace(out.Data, b.Data)
	return out, nil
}
