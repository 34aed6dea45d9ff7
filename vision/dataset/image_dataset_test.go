package dataset

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/Sandiematt/Medi-Care/vision/preprocessing"
)

// writePNG writes a solid-colour PNG of the given size
func writePNG(t *testing.T, path string, size int, c color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("Failed to encode %s: %v", path, err)
	}
}

func createImageCorpus(t *testing.T) *ImageFolderDataset {
	t.Helper()
	root := t.TempDir()
	for _, class := range []string{"authentic", "counterfeit"} {
		if err := os.MkdirAll(filepath.Join(root, class), 0755); err != nil {
			t.Fatal(err)
		}
	}
	writePNG(t, filepath.Join(root, "authentic", "good.png"), 12, color.RGBA{255, 255, 255, 255})
	writePNG(t, filepath.Join(root, "counterfeit", "fake.png"), 20, color.RGBA{0, 0, 0, 255})
	// A file with an image extension that does not decode
	if err := os.WriteFile(filepath.Join(root, "counterfeit", "corrupt.jpg"), []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}

	corpus, err := NewImageFolderDataset(root, nil)
	if err != nil {
		t.Fatalf("Failed to build corpus: %v", err)
	}
	return corpus
}

func TestImageDatasetSample(t *testing.T) {
	corpus := createImageCorpus(t)
	ds := NewImageDataset(corpus, preprocessing.EvalTransform(8), 0)
	if ds.Len() != 3 || !ds.Deterministic() {
		t.Fatalf("Expected 3 deterministic samples, got %d", ds.Len())
	}

	// Sorted order: authentic/good.png, counterfeit/corrupt.jpg, counterfeit/fake.png
	x, label := ds.Sample(0)
	if label != 0 || x.Shape[1] != 8 || x.Shape[2] != 8 {
		t.Errorf("Expected an 8x8 authentic sample, got label %d shape %v", label, x.Shape)
	}
	// White normalised with ImageNet statistics is positive on every channel
	if x.Data[0] <= 0 {
		t.Errorf("Expected normalised white to be positive, got %f", x.Data[0])
	}

	x, label = ds.Sample(2)
	if label != 1 || x.Shape[1] != 8 {
		t.Errorf("Expected an 8x8 counterfeit sample, got label %d shape %v", label, x.Shape)
	}
}

func TestImageDatasetPlaceholder(t *testing.T) {
	corpus := createImageCorpus(t)
	ds := NewImageDataset(corpus, preprocessing.EvalTransform(8), 0)

	if _, _, err := ds.Load(1); err == nil {
		t.Fatal("Expected Load to report the corrupt file")
	}
	x, label := ds.Sample(1)
	if label != 0 {
		t.Errorf("Expected placeholder label 0, got %d", label)
	}
	if len(x.Shape) != 3 || x.Shape[0] != 3 || x.Shape[1] != 224 || x.Shape[2] != 224 {
		t.Fatalf("Expected a 3x224x224 placeholder, got %v", x.Shape)
	}
	for _, v := range x.Data {
		if v != 0 {
			t.Fatal("Expected an all-zero placeholder")
		}
	}

	// Out of range indices also fall back instead of failing
	if x, label := ds.Sample(99); label != 0 || x.NumElems != 3*224*224 {
		t.Error("Expected placeholder for an out-of-range index")
	}

	small := NewImageDataset(corpus, preprocessing.EvalTransform(8), 8)
	if x, _ := small.Sample(1); x.Shape[1] != 8 {
		t.Errorf("Expected configured placeholder size 8, got %v", x.Shape)
	}
}

func TestImageDatasetRandomTransformNotDeterministic(t *testing.T) {
	ds := NewImageDataset(createImageCorpus(t), preprocessing.TrainTransform(8, 1), 0)
	if ds.Deterministic() {
		t.Error("Expected augmenting datasets to be reported as random")
	}
	if path, err := ds.Path(0); err != nil || filepath.Base(path) != "good.png" {
		t.Errorf("Expected good.png first, got %s (%v)", path, err)
	}
}

func TestImageDatasetNilTransform(t *testing.T) {
	ds := NewImageDataset(createImageCorpus(t), nil, 0)
	if !ds.Deterministic() {
		t.Error("Expected the default transform to be deterministic")
	}

	x, label := ds.Sample(0)
	if label != 0 || len(x.Shape) != 3 || x.Shape[1] != 12 || x.Shape[2] != 12 {
		t.Fatalf("Expected the 12x12 authentic image unchanged, got label %d shape %v", label, x.Shape)
	}
	for _, v := range x.Data {
		if v != 1 {
			t.Fatalf("Expected white to scale to 1, got %f", v)
		}
	}

	if _, _, err := ds.Load(1); err == nil {
		t.Error("Expected Load to report the corrupt file")
	}
}
