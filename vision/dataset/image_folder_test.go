package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// createTestDataset creates a temporary directory structure with mock image files
func createTestDataset(t *testing.T, classes []string, imagesPerClass int) string {
	t.Helper()
	tempDir := t.TempDir()

	for _, className := range classes {
		classDir := filepath.Join(tempDir, className)
		if err := os.MkdirAll(classDir, 0755); err != nil {
			t.Fatalf("Failed to create class directory %s: %v", classDir, err)
		}

		for i := 0; i < imagesPerClass; i++ {
			imagePath := filepath.Join(classDir, fmt.Sprintf("image_%03d.jpg", i))
			if err := createMockImageFile(imagePath); err != nil {
				t.Fatalf("Failed to create mock image %s: %v", imagePath, err)
			}
		}
	}

	return tempDir
}

// createMockImageFile creates a simple file to simulate an image
func createMockImageFile(path string) error {
	return os.WriteFile(path, []byte("mock image content"), 0644)
}

// TestNewImageFolderDataset tests dataset creation from directory structure
func TestNewImageFolderDataset(t *testing.T) {
	t.Run("ValidDataset", func(t *testing.T) {
		tempDir := createTestDataset(t, []string{"counterfeit", "authentic"}, 5)

		dataset, err := NewImageFolderDataset(tempDir, nil)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if dataset.Len() != 10 || dataset.IsEmpty() {
			t.Errorf("Expected 10 images, got %d", dataset.Len())
		}
		if dataset.Root() != tempDir {
			t.Errorf("Expected root %s, got %s", tempDir, dataset.Root())
		}

		// Classes are sorted regardless of creation order
		names := dataset.ClassNames()
		if len(names) != 2 || names[0] != "authentic" || names[1] != "counterfeit" {
			t.Errorf("Expected [authentic counterfeit], got %v", names)
		}
		for i := 0; i < dataset.Len(); i++ {
			path, label, _ := dataset.GetItem(i)
			if filepath.Base(filepath.Dir(path)) != names[label] {
				t.Errorf("Sample %s labelled %s", path, names[label])
			}
		}
	})

	t.Run("Extensions", func(t *testing.T) {
		tempDir := t.TempDir()
		classDir := filepath.Join(tempDir, "authentic")
		if err := os.MkdirAll(classDir, 0755); err != nil {
			t.Fatalf("Failed to create class directory: %v", err)
		}
		for _, name := range []string{"a.jpg", "b.JPEG", "c.Png", "d.bmp", "e.tif", "f.TIFF", "g.gif", "notes.txt"} {
			if err := createMockImageFile(filepath.Join(classDir, name)); err != nil {
				t.Fatalf("Failed to create image: %v", err)
			}
		}
		if err := os.Mkdir(filepath.Join(classDir, "nested.jpg"), 0755); err != nil {
			t.Fatalf("Failed to create nested directory: %v", err)
		}

		dataset, err := NewImageFolderDataset(tempDir, nil)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if dataset.Len() != 6 {
			t.Errorf("Expected 6 images with default extensions, got %d", dataset.Len())
		}

		custom, err := NewImageFolderDataset(tempDir, []string{".GIF"})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if custom.Len() != 1 {
			t.Errorf("Expected 1 gif, got %d", custom.Len())
		}
	})

	t.Run("DirectoryWithNoClasses", func(t *testing.T) {
		tempDir := t.TempDir()
		for i := 0; i < 3; i++ {
			if err := createMockImageFile(filepath.Join(tempDir, fmt.Sprintf("image_%d.jpg", i))); err != nil {
				t.Fatalf("Failed to create image: %v", err)
			}
		}

		dataset, err := NewImageFolderDataset(tempDir, nil)
		if err != nil {
			t.Fatalf("Expected an empty dataset, got error %v", err)
		}
		if !dataset.IsEmpty() || dataset.NumClasses() != 0 {
			t.Errorf("Expected no samples and no classes, got %d and %d", dataset.Len(), dataset.NumClasses())
		}
		if _, err := dataset.ClassWeights(); !errors.Is(err, ErrNoClasses) {
			t.Errorf("Expected ErrNoClasses, got %v", err)
		}
	})

	t.Run("NonexistentDirectory", func(t *testing.T) {
		if _, err := NewImageFolderDataset(filepath.Join(t.TempDir(), "missing"), nil); err == nil {
			t.Error("Expected error for nonexistent directory")
		}
	})

	t.Run("ClassWithNoImages", func(t *testing.T) {
		tempDir := createTestDataset(t, []string{"full_class"}, 3)
		if err := os.MkdirAll(filepath.Join(tempDir, "empty_class"), 0755); err != nil {
			t.Fatalf("Failed to create class directory: %v", err)
		}

		dataset, err := NewImageFolderDataset(tempDir, nil)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if dataset.Len() != 3 || dataset.NumClasses() != 2 {
			t.Errorf("Expected 3 images in 2 classes, got %d in %d", dataset.Len(), dataset.NumClasses())
		}
		if counts := dataset.ClassCounts(); counts[0] != 0 || counts[1] != 3 {
			t.Errorf("Expected counts [0 3], got %v", counts)
		}
	})
}

// TestImageFolderDatasetGetItem tests individual item retrieval
func TestImageFolderDatasetGetItem(t *testing.T) {
	dataset, err := NewImageFolderDataset(createTestDataset(t, []string{"a", "b"}, 2), nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	path, label, err := dataset.GetItem(3)
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if label != 1 || !strings.HasSuffix(path, filepath.Join("b", "image_001.jpg")) {
		t.Errorf("Unexpected item %s with label %d", path, label)
	}

	for _, idx := range []int{-1, 4} {
		if _, _, err := dataset.GetItem(idx); err == nil {
			t.Errorf("Expected error for index %d", idx)
		}
	}
}

func TestClassWeights(t *testing.T) {
	tempDir := createTestDataset(t, []string{"authentic"}, 30)
	counterfeit := filepath.Join(tempDir, "counterfeit")
	if err := os.MkdirAll(counterfeit, 0755); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if err := createMockImageFile(filepath.Join(counterfeit, fmt.Sprintf("c_%d.png", i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(tempDir, "unknown"), 0755); err != nil {
		t.Fatal(err)
	}

	dataset, err := NewImageFolderDataset(tempDir, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	weights, err := dataset.ClassWeights()
	if err != nil {
		t.Fatalf("ClassWeights failed: %v", err)
	}

	// 40 samples over 3 classes: 40/(3*30), 40/(3*10), and 1 for the empty class
	want := []float32{40.0 / 90, 40.0 / 30, 1}
	for i := range want {
		if diff := weights[i] - want[i]; diff > 1e-6 || diff < -1e-6 {
			t.Errorf("Class %d: expected weight %f, got %f", i, want[i], weights[i])
		}
	}
}

func TestRandomSplit(t *testing.T) {
	dataset, err := NewImageFolderDataset(createTestDataset(t, []string{"a", "b"}, 25), nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	train, val, err := dataset.RandomSplit(0.8, 42)
	if err != nil {
		t.Fatalf("RandomSplit failed: %v", err)
	}
	if train.Len() != 40 || val.Len() != 10 {
		t.Errorf("Expected 40/10, got %d/%d", train.Len(), val.Len())
	}

	seen := make(map[string]bool)
	for _, part := range []*ImageFolderDataset{train, val} {
		if part.NumClasses() != 2 {
			t.Errorf("Expected subsets to keep the class list")
		}
		for i := 0; i < part.Len(); i++ {
			path, _, _ := part.GetItem(i)
			if seen[path] {
				t.Errorf("Sample %s appears twice", path)
			}
			seen[path] = true
		}
	}
	if len(seen) != 50 {
		t.Errorf("Expected every sample exactly once, got %d", len(seen))
	}

	again, _, _ := dataset.RandomSplit(0.8, 42)
	for i := 0; i < train.Len(); i++ {
		a, _, _ := train.GetItem(i)
		b, _, _ := again.GetItem(i)
		if a != b {
			t.Fatal("Expected the same seed to give the same split")
		}
	}

	if _, _, err := dataset.RandomSplit(1.5, 42); err == nil {
		t.Error("Expected error for a fraction above 1")
	}
}

// TestImageFolderDatasetSubset tests subset creation
func TestImageFolderDatasetSubset(t *testing.T) {
	dataset, err := NewImageFolderDataset(createTestDataset(t, []string{"a", "b"}, 3), nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	subset := dataset.Subset([]int{5, 0})
	if subset.Len() != 2 {
		t.Fatalf("Expected 2 samples, got %d", subset.Len())
	}
	if labels := subset.Labels(); labels[0] != 1 || labels[1] != 0 {
		t.Errorf("Expected labels [1 0], got %v", labels)
	}
	if idx, ok := subset.ClassIndex("b"); !ok || idx != 1 {
		t.Errorf("Expected class b at index 1, got %d", idx)
	}
}

// TestImageFolderDatasetString tests string representation
func TestImageFolderDatasetString(t *testing.T) {
	dataset, err := NewImageFolderDataset(createTestDataset(t, []string{"authentic", "counterfeit"}, 2), nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	str := dataset.String()
	for _, want := range []string{"4 samples, 2 classes", "authentic: 2 samples", "counterfeit: 2 samples"} {
		if !strings.Contains(str, want) {
			t.Errorf("Expected %q in %q", want, str)
		}
	}
}

func BenchmarkImageFolderDatasetCreation(b *testing.B) {
	tempDir := b.TempDir()
	for _, className := range []string{"authentic", "counterfeit"} {
		classDir := filepath.Join(tempDir, className)
		if err := os.MkdirAll(classDir, 0755); err != nil {
			b.Fatal(err)
		}
		for i := 0; i < 500; i++ {
			if err := createMockImageFile(filepath.Join(classDir, fmt.Sprintf("image_%d.jpg", i))); err != nil {
				b.Fatal(err)
			}
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := NewImageFolderDataset(tempDir, nil); err != nil {
			b.Fatal(err)
		}
	}
}
