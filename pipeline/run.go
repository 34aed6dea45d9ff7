package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/Sandiematt/Medi-Care/audit"
	"github.com/Sandiematt/Medi-Care/predict"
	"github.com/Sandiematt/Medi-Care/vision/dataset"
	"k8s.io/klog/v2"
)

// ErrNoCheckpoint is returned when checking images before a model exists
var ErrNoCheckpoint = errors.New("no pre-trained model found")

// SplitDirName is created next to the data directory by SplitData
const SplitDirName = "split_data"

const (
	// checkChunk bounds how many decoded images a directory check holds
	checkChunk = 64
	// auditReportLimit is the number of recent checks AuditReport lists
	auditReportLimit = 20
)

// Run executes the mode selected by cfg: check one image, split and/or
// train, or read image paths from in until a quit command
func Run(ctx context.Context, cfg Config, in io.Reader, out io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	switch {
	case cfg.AuditReport:
		return AuditReport(ctx, cfg, out)
	case cfg.Check != "":
		return CheckImage(ctx, cfg, cfg.Check, out)
	case cfg.Train || cfg.SplitData:
		dataDir := cfg.DataDir
		if cfg.SplitData {
			var err error
			if dataDir, err = SplitData(ctx, cfg, out); err != nil {
				return err
			}
		}
		if !cfg.Train {
			return nil
		}
		if _, err := Train(ctx, cfg, dataDir, out); err != nil {
			return err
		}
		fmt.Fprintln(out, "\nModel training completed. You can now use --check to check images.")
		return nil
	default:
		return Interactive(ctx, cfg, in, out)
	}
}

// SplitData copies cfg.DataDir into train/val/test folders under
// <parent>/split_data and returns that directory
func SplitData(ctx context.Context, cfg Config, out io.Writer) (string, error) {
	output := filepath.Join(filepath.Dir(filepath.Clean(cfg.DataDir)), SplitDirName)
	fmt.Fprintln(out, "Splitting data into train/val/test sets...")

	splitConfig := dataset.DefaultSplitConfig()
	splitConfig.Seed = cfg.Seed
	splitConfig.Workers = cfg.Workers
	counts, err := dataset.SplitDirectory(ctx, cfg.DataDir, output, splitConfig)
	if err != nil {
		return "", err
	}
	for _, c := range counts {
		fmt.Fprintf(out, "Class %s: %d train, %d val, %d test\n", c.Class, c.Train, c.Val, c.Test)
	}
	return output, nil
}

// checker classifies images and optionally records each check
type checker struct {
	cfg       Config
	predictor *predict.Predictor
	store     *audit.Store
	out       io.Writer
}

func newChecker(cfg Config, out io.Writer) (*checker, error) {
	if _, err := os.Stat(cfg.Checkpoint); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w at %s", ErrNoCheckpoint, cfg.Checkpoint)
	}
	predictor, err := predict.Load(predict.LoadConfig{
		Checkpoint: cfg.Checkpoint,
		CorpusRoot: cfg.DataDir,
		InputSize:  cfg.InputSize,
		UseORT:     cfg.ORTLibrary != "",
		ORTLibrary: cfg.ORTLibrary,
	})
	if err != nil {
		return nil, err
	}
	c := &checker{cfg: cfg, predictor: predictor, out: out}
	if cfg.AuditDB != "" {
		if c.store, err = audit.Open(cfg.AuditDB); err != nil {
			predictor.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *checker) close() {
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			klog.Errorf("Failed to close audit log: %v", err)
		}
	}
	if err := c.predictor.Close(); err != nil {
		klog.Errorf("Failed to release model: %v", err)
	}
}

// check classifies path, prints the outcome and records it
func (c *checker) check(ctx context.Context, path string) predict.Prediction {
	p := c.predictor.Predict(path)
	c.report(ctx, path, p)
	return p
}

// checkDir classifies every image directly inside dir and prints a tally.
// It fails when any image could not be classified.
func (c *checker) checkDir(ctx context.Context, dir string) error {
	paths, err := dataset.ListImages(dir)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no images found in %s", dir)
	}

	tally := make(map[string]int)
	failed := 0
	for start := 0; start < len(paths); start += checkChunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := paths[start:min(start+checkChunk, len(paths))]
		for i, p := range c.predictor.PredictFiles(chunk, c.cfg.Workers) {
			c.report(ctx, chunk[i], p)
			if p.OK() {
				tally[p.Class]++
			} else {
				failed++
			}
		}
	}

	if !c.cfg.JSON {
		fmt.Fprintf(c.out, "Checked %d images\n", len(paths))
		for _, name := range c.predictor.Classes().Names {
			fmt.Fprintf(c.out, "  %s: %d\n", name, tally[name])
		}
		if failed > 0 {
			fmt.Fprintf(c.out, "  failed: %d\n", failed)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d images could not be checked", failed, len(paths))
	}
	return nil
}

// report prints p and appends it to the audit log
func (c *checker) report(ctx context.Context, path string, p predict.Prediction) {
	if c.cfg.JSON {
		if err := predict.WriteJSON(c.out, p); err != nil {
			klog.Errorf("Failed to write result: %v", err)
		}
	} else {
		predict.WriteReport(c.out, p)
		predict.WriteResult(c.out, p)
	}
	if c.store != nil {
		if _, err := c.store.Record(ctx, audit.FromPrediction(path, c.cfg.Checkpoint, p)); err != nil {
			klog.Errorf("Failed to record check of %s: %v", path, err)
		}
	}
}

// CheckImage classifies the image at path with the model in
// cfg.Checkpoint. A directory has every image inside it checked.
func CheckImage(ctx context.Context, cfg Config, path string, out io.Writer) error {
	info, statErr := os.Stat(path)
	isDir := statErr == nil && info.IsDir()
	if !cfg.JSON {
		if isDir {
			fmt.Fprintf(out, "Checking images in: %s\n", path)
		} else {
			fmt.Fprintf(out, "Checking image: %s\n", path)
		}
	}
	c, err := newChecker(cfg, out)
	if err != nil {
		if errors.Is(err, ErrNoCheckpoint) {
			fmt.Fprintf(out, "Model not found at %s. Please train the model first.\n", cfg.Checkpoint)
		}
		return err
	}
	defer c.close()
	if isDir {
		return c.checkDir(ctx, path)
	}
	return c.check(ctx, path).Err
}

// Interactive prompts for image paths on in and checks each one until a
// quit command, end of input or cancellation
func Interactive(ctx context.Context, cfg Config, in io.Reader, out io.Writer) error {
	c, err := newChecker(cfg, out)
	if err != nil {
		if errors.Is(err, ErrNoCheckpoint) {
			fmt.Fprintf(out, "No pre-trained model found at '%s'. Please train the model first.\n", cfg.Checkpoint)
		}
		return err
	}
	defer c.close()

	scanner := bufio.NewScanner(in)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fmt.Fprint(out, "\nEnter the path to an image to check (or 'quit' to exit): ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		path := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(path) {
		case "quit", "exit", "q":
			return nil
		case "":
			continue
		}
		if _, err := os.Stat(path); err != nil {
			fmt.Fprintf(out, "Image not found at: %s\n", path)
			continue
		}
		c.check(ctx, path)
	}
}

// AuditReport prints the per-class totals of the audit log in cfg.AuditDB
// followed by its most recent checks
func AuditReport(ctx context.Context, cfg Config, out io.Writer) error {
	if _, err := os.Stat(cfg.AuditDB); err != nil {
		return fmt.Errorf("audit log %s: %w", cfg.AuditDB, err)
	}
	store, err := audit.Open(cfg.AuditDB)
	if err != nil {
		return err
	}
	defer store.Close()

	counts, err := store.Counts(ctx)
	if err != nil {
		return fmt.Errorf("failed to count checks: %w", err)
	}
	recent, err := store.Recent(ctx, auditReportLimit)
	if err != nil {
		return fmt.Errorf("failed to read recent checks: %w", err)
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	fmt.Fprintf(out, "Audit log %s: %d checks\n", cfg.AuditDB, total)
	for _, class := range slices.Sorted(maps.Keys(counts)) {
		label := class
		if label == "" {
			label = "failed"
		}
		fmt.Fprintf(out, "  %s: %d\n", label, counts[class])
	}
	if len(recent) == 0 {
		return nil
	}

	fmt.Fprintf(out, "\nMost recent checks:\n")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tIMAGE\tCLASS\tCONFIDENCE\tMODEL")
	for _, c := range recent {
		class, confidence := c.Class, fmt.Sprintf("%.2f%%", c.Confidence*100)
		if c.Error != "" {
			class, confidence = "error: "+c.Error, "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.Time.Local().Format("2006-01-02 15:04:05"), c.Image, class, confidence, c.Model)
	}
	return w.Flush()
}
