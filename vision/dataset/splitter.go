package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// ErrInvalidRatios is returned when split ratios do not sum to one
var ErrInvalidRatios = errors.New("split ratios must sum to 1")

// Split directory names created under the output root
const (
	TrainDir = "train"
	ValDir   = "val"
	TestDir  = "test"
)

// SplitConfig configures SplitDirectory
type SplitConfig struct {
	Train, Val, Test float64
	Seed             int64 // Seeds the per-class shuffle
	Workers          int   // Concurrent file copies
	Extensions       []string
}

// DefaultSplitConfig returns the 70/15/15 split
func DefaultSplitConfig() SplitConfig {
	return SplitConfig{
		Train:   0.7,
		Val:     0.15,
		Test:    0.15,
		Seed:    42,
		Workers: runtime.NumCPU(),
	}
}

// Validate checks the ratios
func (c SplitConfig) Validate() error {
	if c.Train < 0 || c.Val < 0 || c.Test < 0 {
		return fmt.Errorf("%w: got negative ratio (%g, %g, %g)", ErrInvalidRatios, c.Train, c.Val, c.Test)
	}
	if sum := c.Train + c.Val + c.Test; math.Abs(sum-1) >= 1e-5 {
		return fmt.Errorf("%w: got %g", ErrInvalidRatios, sum)
	}
	return nil
}

// SplitCounts records how many files of one class went to each split
type SplitCounts struct {
	Class            string
	Train, Val, Test int
}

// Total returns the number of files of the class
func (c SplitCounts) Total() int {
	return c.Train + c.Val + c.Test
}

// SplitDirectory copies the class subfolders of input into
// output/{train,val,test}/<class>/. Each class is shuffled independently;
// the first floor(n*Train) files go to train, the next floor(n*Val) to val
// and the remainder to test. Copies keep file mode and modification time.
// Ratios are checked before anything is written.
func SplitDirectory(ctx context.Context, input, output string, cfg SplitConfig) ([]SplitCounts, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = DefaultExtensions
	}

	entries, err := os.ReadDir(input)
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}
	var classes []string
	for _, entry := range entries {
		if isDir(input, entry) {
			classes = append(classes, entry.Name())
		}
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("%s: %w", input, ErrNoClasses)
	}
	sort.Strings(classes)

	rng := rand.New(rand.NewSource(cfg.Seed))
	var jobs []copyJob
	counts := make([]SplitCounts, 0, len(classes))
	for _, class := range classes {
		files, err := listImages(filepath.Join(input, class), cfg.Extensions)
		if err != nil {
			return nil, err
		}
		rng.Shuffle(len(files), func(i, j int) { files[i], files[j] = files[j], files[i] })

		n := len(files)
		nTrain, nVal := splitSizes(n, cfg.Train, cfg.Val)
		parts := []struct {
			dir   string
			files []string
		}{
			{TrainDir, files[:nTrain]},
			{ValDir, files[nTrain : nTrain+nVal]},
			{TestDir, files[nTrain+nVal:]},
		}
		for _, part := range parts {
			dst := filepath.Join(output, part.dir, class)
			if err := os.MkdirAll(dst, 0755); err != nil {
				return nil, fmt.Errorf("failed to create %s: %w", dst, err)
			}
			for _, f := range part.files {
				jobs = append(jobs, copyJob{src: f, dst: filepath.Join(dst, filepath.Base(f))})
			}
		}

		counts = append(counts, SplitCounts{Class: class, Train: nTrain, Val: nVal, Test: n - nTrain - nVal})
		klog.Infof("Class %s: %d train, %d validation, %d test", class, nTrain, nVal, n-nTrain-nVal)
	}

	if err := copyFiles(ctx, jobs, cfg.Workers); err != nil {
		return nil, err
	}
	return counts, nil
}

type copyJob struct {
	src, dst string
}

func copyFiles(ctx context.Context, jobs []copyJob, workers int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, job := range jobs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return copyFile(job.src, job.dst)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// copyFile copies src to dst along with its permission bits and timestamps
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

// splitSizes returns floor(n*train) and floor(n*val), clamped so that
// ratios summing slightly above one never exceed n
func splitSizes(n int, train, val float64) (nTrain, nVal int) {
	nTrain = min(int(float64(n)*train), n)
	nVal = min(int(float64(n)*val), n-nTrain)
	return nTrain, nVal
}
