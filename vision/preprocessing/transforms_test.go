package preprocessing

import (
	"image"
	"image/color"
	"testing"

	"github.com/Sandiematt/Medi-Care/tensor"
)

func uniformImage(width, height int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestResize(t *testing.T) {
	out := NewResize(7).Apply(createGradientImage(20, 11))
	if out.Rect.Dx() != 7 || out.Rect.Dy() != 7 {
		t.Errorf("Expected 7x7, got %v", out.Rect)
	}

	same := createGradientImage(7, 7)
	if NewResize(7).Apply(same) != same {
		t.Error("Expected an image of the target size to pass through")
	}
}

func TestFlips(t *testing.T) {
	img := createGradientImage(4, 3)
	always := NewRand(1)

	h := (&RandomHorizontalFlip{P: 1, Rng: always}).Apply(img)
	v := (&RandomVerticalFlip{P: 1, Rng: always}).Apply(img)
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			if h.RGBAAt(x, y) != img.RGBAAt(3-x, y) {
				t.Errorf("Horizontal flip mismatch at (%d,%d)", x, y)
			}
			if v.RGBAAt(x, y) != img.RGBAAt(x, 2-y) {
				t.Errorf("Vertical flip mismatch at (%d,%d)", x, y)
			}
		}
	}

	if (&RandomHorizontalFlip{P: 0, Rng: always}).Apply(img) != img {
		t.Error("Expected p=0 to leave the image untouched")
	}
}

func TestFlipProbability(t *testing.T) {
	flip := &RandomVerticalFlip{P: 0.2, Rng: NewRand(7)}
	img := createGradientImage(2, 2)
	flipped := 0
	const trials = 5000
	for i := 0; i < trials; i++ {
		if flip.Apply(img) != img {
			flipped++
		}
	}
	if rate := float64(flipped) / trials; !approxEqual(rate, 0.2, 0.03) {
		t.Errorf("Expected flip rate near 0.2, got %.3f", rate)
	}
}

func TestRotateKeepsCentre(t *testing.T) {
	img := uniformImage(21, 21, color.RGBA{200, 100, 50, 255})
	out := rotate(img, 0.2)
	if out.Rect != img.Rect {
		t.Fatalf("Expected size to be preserved, got %v", out.Rect)
	}
	if c := out.RGBAAt(10, 10); !approxEqual(float64(c.R), 200, 2) || !approxEqual(float64(c.G), 100, 2) {
		t.Errorf("Expected centre colour to survive rotation, got %v", c)
	}
	// Rotating by a non-right angle exposes the corners
	if c := out.RGBAAt(0, 0); c.R != 0 {
		t.Errorf("Expected exposed corner to be black, got %v", c)
	}
}

func TestRandomAffineRange(t *testing.T) {
	img := uniformImage(40, 40, color.RGBA{255, 255, 255, 255})
	affine := &RandomAffine{Translate: 0.1, ScaleMin: 0.9, ScaleMax: 1.1, Rng: NewRand(3)}
	for i := 0; i < 20; i++ {
		out := affine.Apply(img)
		if out.Rect != img.Rect {
			t.Fatalf("Expected size to be preserved, got %v", out.Rect)
		}
		// Shifts are at most 4 pixels and scaling at most 10%, so the centre
		// stays covered
		if c := out.RGBAAt(20, 20); c.R < 250 {
			t.Errorf("Expected centre to stay white, got %v", c)
		}
	}
}

func TestColorJitterIdentity(t *testing.T) {
	img := createGradientImage(6, 6)
	out := (&ColorJitter{Rng: NewRand(1)}).Apply(img)
	for y := 0; y < 6; y++ {
		for x := 0; x < 6; x++ {
			if out.RGBAAt(x, y) != img.RGBAAt(x, y) {
				t.Fatalf("Expected zero jitter to be the identity at (%d,%d)", x, y)
			}
		}
	}
}

func TestColorAdjustments(t *testing.T) {
	t.Run("Brightness", func(t *testing.T) {
		px := []float64{0.5, 0.2, 0.9}
		adjustBrightness(px, 1.5)
		if !approxEqual(px[0], 0.75, 1e-9) || px[2] != 1 {
			t.Errorf("Unexpected brightness result %v", px)
		}
	})
	t.Run("ContrastZero", func(t *testing.T) {
		px := []float64{1, 1, 1, 0, 0, 0}
		adjustContrast(px, 0)
		for _, v := range px {
			if !approxEqual(v, 0.5, 1e-9) {
				t.Errorf("Expected every value to collapse to the mean, got %v", px)
			}
		}
	})
	t.Run("SaturationZero", func(t *testing.T) {
		px := []float64{1, 0, 0}
		adjustSaturation(px, 0)
		if !approxEqual(px[0], 0.299, 1e-9) || !approxEqual(px[1], 0.299, 1e-9) {
			t.Errorf("Expected greyscale, got %v", px)
		}
	})
	t.Run("HueRoundTrip", func(t *testing.T) {
		for _, c := range [][3]float64{{1, 0, 0}, {0.2, 0.7, 0.4}, {0.3, 0.3, 0.9}, {0.5, 0.5, 0.5}} {
			h, s, v := rgbToHSV(c[0], c[1], c[2])
			r, g, b := hsvToRGB(h, s, v)
			if !approxEqual(r, c[0], 1e-9) || !approxEqual(g, c[1], 1e-9) || !approxEqual(b, c[2], 1e-9) {
				t.Errorf("HSV round trip of %v gave (%f %f %f)", c, r, g, b)
			}
		}
	})
	t.Run("HueShift", func(t *testing.T) {
		px := []float64{1, 0, 0}
		adjustHue(px, 1.0/3)
		if !approxEqual(px[0], 0, 1e-9) || !approxEqual(px[1], 1, 1e-9) {
			t.Errorf("Expected red to become green, got %v", px)
		}
	})
}

func TestToTensorAndNormalize(t *testing.T) {
	img := uniformImage(3, 2, color.RGBA{255, 0, 51, 255})
	out := ToTensor(img)
	if !tensor.ShapesEqual(out.Shape, []int{3, 2, 3}) {
		t.Fatalf("Expected shape [3 2 3], got %v", out.Shape)
	}
	if out.Data[0] != 1 || out.Data[6] != 0 || !approxEqual(float64(out.Data[12]), 0.2, 1e-6) {
		t.Errorf("Unexpected channel values %v", out.Data)
	}

	norm := &Normalize{Mean: ImageNetMean, Std: ImageNetStd}
	if err := norm.Apply(out); err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	want := (1 - 0.485) / 0.229
	if !approxEqual(float64(out.Data[0]), want, 1e-5) {
		t.Errorf("Expected %f, got %f", want, out.Data[0])
	}

	flat := tensor.MustZeros(4)
	if err := norm.Apply(flat); err == nil {
		t.Error("Expected error for a non-image tensor")
	}
}

func TestEvalTransform(t *testing.T) {
	transform := EvalTransform(16)
	if !transform.Deterministic() {
		t.Error("Expected the evaluation pipeline to be deterministic")
	}
	img := createGradientImage(50, 30)
	a, err := transform.Transform(img)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	b, _ := transform.Transform(img)
	if !tensor.ShapesEqual(a.Shape, []int{3, 16, 16}) {
		t.Errorf("Expected shape [3 16 16], got %v", a.Shape)
	}
	if !tensor.AllClose(a.Data, b.Data, 0) {
		t.Error("Expected identical outputs for identical inputs")
	}

	if _, err := transform.Transform(image.NewRGBA(image.Rect(0, 0, 0, 0))); err == nil {
		t.Error("Expected error for an empty image")
	}
}

func TestTrainTransform(t *testing.T) {
	img := createGradientImage(40, 40)
	a := TrainTransform(24, 42)
	b := TrainTransform(24, 42)
	if a.Deterministic() {
		t.Error("Expected the training pipeline to be random")
	}

	var differs bool
	var prev *tensor.Tensor
	for i := 0; i < 5; i++ {
		x, err := a.Transform(img)
		if err != nil {
			t.Fatalf("Transform failed: %v", err)
		}
		y, _ := b.Transform(img)
		if !tensor.ShapesEqual(x.Shape, []int{3, 24, 24}) {
			t.Fatalf("Expected shape [3 24 24], got %v", x.Shape)
		}
		if !tensor.AllClose(x.Data, y.Data, 0) {
			t.Error("Expected equal seeds to give equal augmentations")
		}
		if prev != nil && !tensor.AllClose(prev.Data, x.Data, 1e-6) {
			differs = true
		}
		prev = x
	}
	if !differs {
		t.Error("Expected augmentations to vary between calls")
	}
}
