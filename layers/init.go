package layers

import (
	"math"
	"math/rand"

	"github.com/Sandiematt/Medi-Care/tensor"
)

// KaimingNormal fills a conv weight with N(0, 2/fan_out), the ResNet default
func KaimingNormal(rng *rand.Rand, t *tensor.Tensor) {
	fanOut := t.Shape[0]
	for _, d := range t.Shape[2:] {
		fanOut *= d
	}
	std := math.Sqrt(2.0 / float64(fanOut))
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64() * std)
	}
}

// UniformFanIn fills t with U(-1/√fanIn, 1/√fanIn), the default for linear layers
func UniformFanIn(rng *rand.Rand, t *tensor.Tensor, fanIn int) {
	bound := 1.0 / math.Sqrt(float64(fanIn))
	for i := range t.Data {
		t.Data[i] = float32((rng.Float64()*2 - 1) * bound)
	}
}

// Fill sets every element of t to v
func Fill(t *tensor.Tensor, v float32) {
	for i := range t.Data {
		t.Data[i] = v
	}
}
