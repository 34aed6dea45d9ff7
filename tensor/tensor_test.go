package tensor

import (
	"math"
	"reflect"
	"testing"
)

func TestDTypeString(t *testing.T) {
	tests := []struct {
		dtype    DType
		expected string
	}{
		{Float32, "Float32"},
		{Float16, "Float16"},
		{DType(999), "Unknown"},
	}

	for _, test := range tests {
		if got := test.dtype.String(); got != test.expected {
			t.Errorf("DType.String() = %s, expected %s", got, test.expected)
		}
	}
}

func TestCalculateStrides(t *testing.T) {
	tests := []struct {
		shape    []int
		expected []int
	}{
		{[]int{}, []int{}},
		{[]int{5}, []int{1}},
		{[]int{2, 3}, []int{3, 1}},
		{[]int{2, 3, 4}, []int{12, 4, 1}},
	}

	for _, test := range tests {
		if got := calculateStrides(test.shape); !reflect.DeepEqual(got, test.expected) {
			t.Errorf("calculateStrides(%v) = %v, expected %v", test.shape, got, test.expected)
		}
	}
}

func TestNewValidatesShape(t *testing.T) {
	if _, err := New(make([]float32, 6), []int{2, 3}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := New(make([]float32, 5), []int{2, 3}); err == nil {
		t.Error("Expected error for mismatched data length")
	}
	if _, err := Zeros(2, 0); err == nil {
		t.Error("Expected error for zero dimension")
	}
	if _, err := Zeros(); err == nil {
		t.Error("Expected error for empty shape")
	}
}

func TestReshape(t *testing.T) {
	x, _ := FromSlice([]float32{1, 2, 3, 4, 5, 6}, 2, 3)

	t.Run("explicit", func(t *testing.T) {
		r, err := x.Reshape(3, 2)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if !reflect.DeepEqual(r.Shape, []int{3, 2}) {
			t.Errorf("Expected shape [3 2], got %v", r.Shape)
		}
		r.Data[0] = 42
		if x.Data[0] != 42 {
			t.Error("Expected reshape to share data")
		}
	})

	t.Run("inferred", func(t *testing.T) {
		r, err := x.Reshape(-1)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if !reflect.DeepEqual(r.Shape, []int{6}) {
			t.Errorf("Expected shape [6], got %v", r.Shape)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		if _, err := x.Reshape(4, 2); err == nil {
			t.Error("Expected error for size mismatch")
		}
		if _, err := x.Reshape(-1, -1); err == nil {
			t.Error("Expected error for two inferred dimensions")
		}
	})
}

func TestStack(t *testing.T) {
	a, _ := FromSlice([]float32{1, 2}, 2)
	b, _ := FromSlice([]float32{3, 4}, 2)
	s, err := Stack([]*Tensor{a, b})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !reflect.DeepEqual(s.Shape, []int{2, 2}) {
		t.Errorf("Expected shape [2 2], got %v", s.Shape)
	}
	if !reflect.DeepEqual(s.Data, []float32{1, 2, 3, 4}) {
		t.Errorf("Unexpected data %v", s.Data)
	}

	c, _ := FromSlice([]float32{1, 2, 3}, 3)
	if _, err := Stack([]*Tensor{a, c}); err == nil {
		t.Error("Expected error for mismatched shapes")
	}
}

func TestSoftmax(t *testing.T) {
	x, _ := FromSlice([]float32{1, 2, 3, 1000, 1000, 1000}, 2, 3)
	p, err := Softmax(x)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	for i := 0; i < 2; i++ {
		var sum float64
		for _, v := range p.Row(i) {
			if math.IsNaN(float64(v)) {
				t.Fatalf("Softmax produced NaN in row %d", i)
			}
			sum += float64(v)
		}
		if math.Abs(sum-1) > 1e-5 {
			t.Errorf("Row %d sums to %f, expected 1", i, sum)
		}
	}
	if ArgMax(p.Row(0)) != 2 {
		t.Errorf("Expected argmax 2, got %d", ArgMax(p.Row(0)))
	}
	if math.Abs(float64(p.Row(1)[0])-1.0/3) > 1e-6 {
		t.Errorf("Expected uniform row, got %v", p.Row(1))
	}
}

func TestArgMaxTiesGoLow(t *testing.T) {
	if got := ArgMax([]float32{0.5, 0.5}); got != 0 {
		t.Errorf("Expected 0, got %d", got)
	}
}

func TestLogSumExp(t *testing.T) {
	got := LogSumExp([]float32{0, 0})
	if math.Abs(got-math.Log(2)) > 1e-9 {
		t.Errorf("Expected log(2), got %f", got)
	}
}

func TestHasNonFinite(t *testing.T) {
	if HasNonFinite([]float32{1, 2, 3}) {
		t.Error("Expected finite data")
	}
	if !HasNonFinite([]float32{1, float32(math.Inf(1))}) {
		t.Error("Expected +Inf to be detected")
	}
	if !HasNonFinite([]float32{float32(math.NaN())}) {
		t.Error("Expected NaN to be detected")
	}
}
