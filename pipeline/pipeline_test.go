package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Sandiematt/Medi-Care/audit"
	"github.com/Sandiematt/Medi-Care/checkpoints"
	"github.com/Sandiematt/Medi-Care/models"
	"github.com/Sandiematt/Medi-Care/vision/dataset"
)

func writePNG(t *testing.T, path string, size int, c color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			shade := uint8((x + y) * 4)
			img.SetRGBA(x, y, color.RGBA{c.R ^ shade, c.G, c.B ^ shade, 255})
		}
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

// createCorpus writes perClass images for each class under root
func createCorpus(t *testing.T, root string, perClass int) {
	t.Helper()
	colors := map[string]color.RGBA{
		"authentic":   {230, 40, 40, 255},
		"counterfeit": {40, 40, 230, 255},
	}
	for class, c := range colors {
		dir := filepath.Join(root, class)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < perClass; i++ {
			writePNG(t, filepath.Join(dir, fmt.Sprintf("pack_%03d.png", i)), 20, c)
		}
	}
}

func testConfig(dir string) Config {
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.Checkpoint = filepath.Join(dir, "best.safetensors")
	cfg.Architecture = models.TinyResNetConfig().Name
	cfg.HeadHidden = 8
	cfg.InputSize = 32
	cfg.Epochs = 2
	cfg.BatchSize = 4
	cfg.Workers = 2
	cfg.Progress = false
	return cfg
}

// saveTinyModel writes an untrained tiny classifier to cfg.Checkpoint
func saveTinyModel(t *testing.T, cfg Config, classNames []string) {
	t.Helper()
	mc := models.DefaultClassifierConfig(len(classNames))
	mc.Backbone = models.TinyResNetConfig()
	mc.HeadHidden = cfg.HeadHidden
	model, err := models.NewClassifier(mc)
	if err != nil {
		t.Fatal(err)
	}
	saver, err := checkpoints.NewCheckpointSaverForPath(cfg.Checkpoint)
	if err != nil {
		t.Fatal(err)
	}
	if err := saver.SaveCheckpoint(model.Checkpoint(cfg.InputSize, classNames, "test"), cfg.Checkpoint); err != nil {
		t.Fatal(err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"unknown architecture", func(c *Config) { c.Architecture = "vgg16" }},
		{"bad freeze policy", func(c *Config) { c.Freeze = "bottom-3" }},
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }},
		{"zero workers", func(c *Config) { c.Workers = 0 }},
		{"zero epochs", func(c *Config) { c.Epochs = 0 }},
		{"bad precision", func(c *Config) { c.Precision = "int8" }},
		{"bad scheduler", func(c *Config) { c.Scheduler = "warmup" }},
		{"bad optimizer", func(c *Config) { c.Optimizer = "lion" }},
		{"no checkpoint path", func(c *Config) { c.Checkpoint = "" }},
		{"zero input size", func(c *Config) { c.InputSize = 0 }},
		{"zero head size", func(c *Config) { c.HeadHidden = 0 }},
		{"zero patience", func(c *Config) { c.Patience = 0 }},
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("Expected default config to be valid, got %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestResolveLayout(t *testing.T) {
	dir := t.TempDir()
	l := ResolveLayout(dir)
	if l.Train != dir || l.Val != "" || l.Test != "" {
		t.Errorf("Expected the data directory as training set, got %+v", l)
	}
	for _, sub := range []string{"train", "val"} {
		os.MkdirAll(filepath.Join(dir, sub), 0755)
	}
	l = ResolveLayout(dir)
	if l.Train != filepath.Join(dir, "train") || l.Val != filepath.Join(dir, "val") || l.Test != "" {
		t.Errorf("Unexpected layout %+v", l)
	}
}

func TestSplitData(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	createCorpus(t, cfg.DataDir, 100)

	var out bytes.Buffer
	splitDir, err := SplitData(context.Background(), cfg, &out)
	if err != nil {
		t.Fatalf("SplitData failed: %v", err)
	}
	if splitDir != filepath.Join(dir, SplitDirName) {
		t.Errorf("Expected split directory next to the data, got %s", splitDir)
	}
	if !strings.Contains(out.String(), "Class authentic: 70 train, 15 val, 15 test") {
		t.Errorf("Expected per-class counts, got %q", out.String())
	}
	test, err := dataset.NewImageFolderDataset(filepath.Join(splitDir, "test"), nil)
	if err != nil || test.Len() != 30 {
		t.Errorf("Expected 30 test images, got %v (%v)", test, err)
	}
}

func TestTrainWithHeldOutValidation(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.ExportONNX = filepath.Join(dir, "model.onnx")
	createCorpus(t, cfg.DataDir, 6)

	var out bytes.Buffer
	result, err := Train(context.Background(), cfg, cfg.DataDir, &out)
	if err != nil {
		t.Fatalf("Train failed: %v\n%s", err, out.String())
	}

	if !result.ValidationAsTest {
		t.Error("Expected validation reuse to be flagged")
	}
	// 12 images, 80% kept for training
	if result.Evaluation.Samples != 3 {
		t.Errorf("Expected 3 test samples, got %d", result.Evaluation.Samples)
	}
	if len(result.History.Epochs) == 0 || result.History.BestEpoch == 0 {
		t.Errorf("Expected at least one epoch, got %+v", result.History)
	}
	if strings.Join(result.ClassNames, ",") != "authentic,counterfeit" {
		t.Errorf("Expected sorted class names, got %v", result.ClassNames)
	}
	for _, want := range []string{"Using class names", "Split dataset: 9 training, 3 validation samples", "Starting training...", "Test Accuracy", "Exported ONNX model"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("Expected output to contain %q", want)
		}
	}

	_, cp, err := models.LoadClassifier(cfg.Checkpoint)
	if err != nil {
		t.Fatalf("Failed to load best checkpoint: %v", err)
	}
	if len(cp.Metadata.Tags) != 1 || cp.Metadata.Tags[0] != TagValidationAsTest {
		t.Errorf("Expected validation tag, got %v", cp.Metadata.Tags)
	}
	if _, _, err := models.LoadClassifier(cfg.ExportONNX); err != nil {
		t.Errorf("Failed to load exported ONNX model: %v", err)
	}
}

func TestTrainSavesOptimizerAndResumes(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Epochs = 1
	cfg.SaveOptimizer = true
	createCorpus(t, cfg.DataDir, 6)

	var out bytes.Buffer
	if _, err := Train(context.Background(), cfg, cfg.DataDir, &out); err != nil {
		t.Fatalf("Train failed: %v\n%s", err, out.String())
	}
	saver, err := checkpoints.NewCheckpointSaverForPath(cfg.Checkpoint)
	if err != nil {
		t.Fatal(err)
	}
	first, err := saver.LoadCheckpoint(cfg.Checkpoint)
	if err != nil {
		t.Fatal(err)
	}
	if first.OptimizerState == nil || first.OptimizerState.Type != "AdamW" || len(first.OptimizerState.StateData) == 0 {
		t.Fatalf("Expected AdamW moments in the checkpoint, got %+v", first.OptimizerState)
	}

	resumed := cfg
	resumed.Resume = cfg.Checkpoint
	resumed.Checkpoint = filepath.Join(dir, "resumed.safetensors")
	resumed.SaveOptimizer = false
	out.Reset()
	if _, err := Train(context.Background(), resumed, cfg.DataDir, &out); err != nil {
		t.Fatalf("Resumed training failed: %v\n%s", err, out.String())
	}
	for _, want := range []string{"Resuming from " + cfg.Checkpoint, "Restored AdamW optimizer state"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("Expected output to contain %q, got %q", want, out.String())
		}
	}
	second, err := saver.LoadCheckpoint(resumed.Checkpoint)
	if err != nil {
		t.Fatal(err)
	}
	if second.OptimizerState != nil {
		t.Error("Expected no optimizer state unless requested")
	}

	mismatched := resumed
	mismatched.HeadHidden = 4
	if _, err := Train(context.Background(), mismatched, cfg.DataDir, &bytes.Buffer{}); err == nil {
		t.Error("Expected resuming into a different head to fail")
	}
}

func TestRunSplitAndTrain(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Epochs = 1
	cfg.SplitData = true
	cfg.Train = true
	createCorpus(t, cfg.DataDir, 10)

	var out bytes.Buffer
	if err := Run(context.Background(), cfg, strings.NewReader(""), &out); err != nil {
		t.Fatalf("Run failed: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "Model training completed") {
		t.Errorf("Expected completion message, got %q", out.String())
	}
	if strings.Contains(out.String(), "Split dataset:") {
		t.Error("Expected the split val/ directory to be used instead of a held-out split")
	}
	if _, err := os.Stat(cfg.Checkpoint); err != nil {
		t.Errorf("Expected checkpoint to be written: %v", err)
	}
}

func TestTrainEmptyCorpus(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	os.MkdirAll(cfg.DataDir, 0755)
	if _, err := Train(context.Background(), cfg, cfg.DataDir, &bytes.Buffer{}); !errors.Is(err, dataset.ErrNoClasses) {
		t.Errorf("Expected ErrNoClasses, got %v", err)
	}
}

func TestTrainSingleClass(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	classDir := filepath.Join(cfg.DataDir, "authentic")
	os.MkdirAll(classDir, 0755)
	writePNG(t, filepath.Join(classDir, "only.png"), 20, color.RGBA{230, 40, 40, 255})

	_, err := Train(context.Background(), cfg, cfg.DataDir, &bytes.Buffer{})
	if !errors.Is(err, ErrTooFewClasses) {
		t.Fatalf("Expected ErrTooFewClasses, got %v", err)
	}
	if !strings.Contains(err.Error(), "[authentic]") {
		t.Errorf("Expected the error to name the class found, got %v", err)
	}
}

func TestClassWeightsUseWholeCorpus(t *testing.T) {
	root := t.TempDir()
	for class, n := range map[string]int{"authentic": 8, "counterfeit": 2} {
		classDir := filepath.Join(root, class)
		os.MkdirAll(classDir, 0755)
		for i := 0; i < n; i++ {
			writePNG(t, filepath.Join(classDir, fmt.Sprintf("pack_%d.png", i)), 8, color.RGBA{uint8(i), 0, 0, 255})
		}
	}

	c, err := loadCorpora(root)
	if err != nil {
		t.Fatalf("loadCorpora failed: %v", err)
	}
	if !c.heldOut || c.train.Len() != 8 || c.val.Len() != 2 {
		t.Fatalf("Expected an 8/2 hold-out split, got %d/%d", c.train.Len(), c.val.Len())
	}
	if counts := c.full.ClassCounts(); counts[0] != 8 || counts[1] != 2 {
		t.Errorf("Expected counts over all 10 images, got %v", counts)
	}
	weights, err := c.full.ClassWeights()
	if err != nil {
		t.Fatal(err)
	}
	if weights[0] != 0.625 || weights[1] != 2.5 {
		t.Errorf("Expected weights [0.625 2.5], got %v", weights)
	}
}

func TestCheckImageWithoutModel(t *testing.T) {
	cfg := testConfig(t.TempDir())
	var out bytes.Buffer
	err := CheckImage(context.Background(), cfg, "pack.png", &out)
	if !errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("Expected ErrNoCheckpoint, got %v", err)
	}
	if !strings.Contains(out.String(), "Please train the model first") {
		t.Errorf("Expected hint to train, got %q", out.String())
	}

	out.Reset()
	if err := Interactive(context.Background(), cfg, strings.NewReader("quit\n"), &out); !errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("Expected ErrNoCheckpoint, got %v", err)
	}
}

func TestCheckImage(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	saveTinyModel(t, cfg, []string{"Authentic", "Counterfeit"})
	img := filepath.Join(dir, "pack.png")
	writePNG(t, img, 24, color.RGBA{120, 60, 0, 255})

	var out bytes.Buffer
	cfg.Check = img
	if err := Run(context.Background(), cfg, nil, &out); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	for _, want := range []string{"Checking image: " + img, "Drug Package Authentication Report", "Image: pack.png", "Result: "} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("Expected output to contain %q, got %q", want, out.String())
		}
	}

	out.Reset()
	cfg.JSON = true
	if err := CheckImage(context.Background(), cfg, img, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), `"is_counterfeit"`) || strings.Contains(out.String(), "Checking image") {
		t.Errorf("Expected JSON only, got %q", out.String())
	}

	out.Reset()
	if err := CheckImage(context.Background(), cfg, filepath.Join(dir, "missing.png"), &out); err == nil {
		t.Error("Expected error for a missing image")
	}
}

func TestInteractive(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.AuditDB = filepath.Join(dir, "audit.db")
	saveTinyModel(t, cfg, []string{"Authentic", "Counterfeit"})
	img := filepath.Join(dir, "pack.png")
	writePNG(t, img, 24, color.RGBA{0, 200, 90, 255})

	input := strings.Join([]string{"missing.png", "", img, "QUIT", img}, "\n") + "\n"
	var out bytes.Buffer
	if err := Interactive(context.Background(), cfg, strings.NewReader(input), &out); err != nil {
		t.Fatalf("Interactive failed: %v", err)
	}
	if !strings.Contains(out.String(), "Image not found at: missing.png") {
		t.Errorf("Expected not-found message, got %q", out.String())
	}
	if n := strings.Count(out.String(), "Drug Package Authentication Report"); n != 1 {
		t.Errorf("Expected 1 report before quitting, got %d", n)
	}

	store, err := audit.Open(cfg.AuditDB)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	checks, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(checks) != 1 || checks[0].Image != img || checks[0].Model != cfg.Checkpoint {
		t.Errorf("Expected one recorded check of %s, got %+v", img, checks)
	}
}

func TestInteractiveEndOfInput(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	saveTinyModel(t, cfg, []string{"Authentic", "Counterfeit"})
	if err := Interactive(context.Background(), cfg, strings.NewReader(""), &bytes.Buffer{}); err != nil {
		t.Errorf("Expected end of input to stop cleanly, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Interactive(ctx, cfg, strings.NewReader("x\n"), &bytes.Buffer{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestCheckDirectory(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.AuditDB = filepath.Join(dir, "audit.db")
	saveTinyModel(t, cfg, []string{"Authentic", "Counterfeit"})
	images := filepath.Join(dir, "incoming")
	if err := os.MkdirAll(images, 0755); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		writePNG(t, filepath.Join(images, fmt.Sprintf("box_%d.png", i)), 24, color.RGBA{uint8(60 * i), 90, 30, 255})
	}

	var out bytes.Buffer
	if err := CheckImage(context.Background(), cfg, images, &out); err != nil {
		t.Fatalf("Directory check failed: %v\n%s", err, out.String())
	}
	if n := strings.Count(out.String(), "Drug Package Authentication Report"); n != 3 {
		t.Errorf("Expected 3 reports, got %d", n)
	}
	for _, want := range []string{"Checking images in: " + images, "Checked 3 images", "  Authentic: ", "  Counterfeit: "} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("Expected output to contain %q", want)
		}
	}

	if err := os.WriteFile(filepath.Join(images, "broken.png"), []byte("not an image"), 0644); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	if err := CheckImage(context.Background(), cfg, images, &out); err == nil {
		t.Error("Expected an error when an image cannot be checked")
	}
	if !strings.Contains(out.String(), "  failed: 1") {
		t.Errorf("Expected one failure in the tally, got %q", out.String())
	}

	if err := CheckImage(context.Background(), cfg, t.TempDir(), &bytes.Buffer{}); err == nil {
		t.Error("Expected an error for a directory without images")
	}
}

func TestAuditReport(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.AuditDB = filepath.Join(dir, "audit.db")
	cfg.AuditReport = true

	if err := Run(context.Background(), cfg, nil, &bytes.Buffer{}); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected a missing audit log to be reported, got %v", err)
	}

	store, err := audit.Open(cfg.AuditDB)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, c := range []audit.Check{
		{Image: "a.png", Class: "Authentic", Confidence: 0.9, Model: "m"},
		{Image: "b.png", Class: "Counterfeit", Confidence: 0.8, Counterfeit: true, Model: "m"},
		{Image: "c.png", Class: "Counterfeit", Confidence: 0.7, Counterfeit: true, Model: "m"},
		{Image: "d.png", Model: "m", Error: "cannot decode"},
	} {
		if _, err := store.Record(ctx, c); err != nil {
			t.Fatal(err)
		}
	}
	store.Close()

	var out bytes.Buffer
	if err := Run(ctx, cfg, nil, &out); err != nil {
		t.Fatalf("Audit report failed: %v", err)
	}
	for _, want := range []string{"4 checks", "  Authentic: 1\n", "  Counterfeit: 2\n", "  failed: 1\n", "Most recent checks:", "error: cannot decode", "90.00%"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("Expected report to contain %q, got:\n%s", want, out.String())
		}
	}
	if strings.Index(out.String(), "d.png") > strings.Index(out.String(), "a.png") {
		t.Error("Expected the newest check first")
	}

	cfg.AuditDB = ""
	if err := cfg.Validate(); err == nil {
		t.Error("Expected an audit report without a database to be rejected")
	}
}
