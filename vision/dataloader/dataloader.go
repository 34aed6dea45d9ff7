package dataloader

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/Sandiematt/Medi-Care/tensor"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Dataset is an indexed collection of preprocessed samples. Sample never
// fails; unreadable items come back as a placeholder.
type Dataset interface {
	Len() int
	Sample(index int) (*tensor.Tensor, int)
}

// CacheableDataset is a Dataset whose samples can be cached by file path.
// Only datasets reporting Deterministic are cached.
type CacheableDataset interface {
	Dataset
	Path(index int) (string, error)
	Load(index int) (*tensor.Tensor, int, error)
	Deterministic() bool
}

// Batch is one mini-batch in loader order
type Batch struct {
	Inputs  *tensor.Tensor // [N, ...sample shape]
	Labels  []int
	Indices []int // dataset indices of the samples
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize  int
	Shuffle    bool
	Seed       int64 // Seeds the shuffle order; each pass draws a new permutation
	NumWorkers int   // Samples decoded concurrently
	Prefetch   int   // Batches prepared ahead of the consumer
	// CacheSize bounds a private sample cache; zero disables it unless
	// Cache supplies a shared one
	CacheSize int
	Cache     *CacheManager
}

// DefaultConfig returns batch size 32 with four workers
func DefaultConfig() Config {
	return Config{
		BatchSize:  32,
		Seed:       42,
		NumWorkers: 4,
		Prefetch:   2,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.NumWorkers <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", c.NumWorkers)
	}
	if c.Prefetch < 0 {
		return fmt.Errorf("prefetch must be non-negative, got %d", c.Prefetch)
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("cache size must be non-negative, got %d", c.CacheSize)
	}
	return nil
}

// DataLoader produces ordered mini-batches from a Dataset, decoding samples
// on a bounded worker pool while earlier batches are consumed
type DataLoader struct {
	dataset   Dataset
	cacheable CacheableDataset
	config    Config
	cache     *CacheManager

	mu  sync.Mutex
	rng *rand.Rand
}

// NewDataLoader creates a new data loader
func NewDataLoader(dataset Dataset, config Config) (*DataLoader, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	dl := &DataLoader{
		dataset: dataset,
		config:  config,
		rng:     rand.New(rand.NewSource(config.Seed)),
	}

	cache := config.Cache
	if cache == nil && config.CacheSize > 0 {
		cache = NewCacheManager(config.CacheSize)
	}
	if cache != nil {
		if cd, ok := dataset.(CacheableDataset); ok && cd.Deterministic() {
			dl.cacheable = cd
			dl.cache = cache
		} else {
			klog.V(1).Info("Sample cache disabled: dataset transform is not deterministic")
		}
	}
	return dl, nil
}

// NumSamples returns the dataset size
func (dl *DataLoader) NumSamples() int {
	return dl.dataset.Len()
}

// NumBatches returns the number of batches per pass, counting a final
// partial batch
func (dl *DataLoader) NumBatches() int {
	return (dl.dataset.Len() + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// BatchSize returns the configured batch size
func (dl *DataLoader) BatchSize() int {
	return dl.config.BatchSize
}

// Reset reseeds the shuffle so the next pass repeats the first pass order
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.rng = rand.New(rand.NewSource(dl.config.Seed))
}

// CacheManager returns the sample cache, nil when caching is off
func (dl *DataLoader) CacheManager() *CacheManager {
	return dl.cache
}

// Stats returns cache statistics
func (dl *DataLoader) Stats() string {
	if dl.cache == nil {
		return "Cache: disabled"
	}
	return dl.cache.Stats().String()
}

func (dl *DataLoader) order() []int {
	n := dl.dataset.Len()
	if !dl.config.Shuffle {
		indices := make([]int, n)
		for i := range indices {
			indices[i] = i
		}
		return indices
	}
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.rng.Perm(n)
}

// ForEach runs one pass over the dataset, calling fn for every batch in
// order. It stops at the first error returned by fn or on cancellation.
func (dl *DataLoader) ForEach(ctx context.Context, fn func(inputs *tensor.Tensor, labels []int) error) error {
	return dl.ForEachBatch(ctx, func(b Batch) error {
		return fn(b.Inputs, b.Labels)
	})
}

// ForEachBatch is ForEach with the dataset indices of each batch
func (dl *DataLoader) ForEachBatch(ctx context.Context, fn func(Batch) error) error {
	order := dl.order()
	if len(order) == 0 {
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	batches := make(chan Batch, dl.config.Prefetch)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(batches)
		return dl.produce(gctx, order, batches)
	})

	var consumeErr error
	for b := range batches {
		if consumeErr != nil {
			continue
		}
		if err := fn(b); err != nil {
			consumeErr = err
			cancel()
		}
	}
	if err := g.Wait(); err != nil && consumeErr == nil {
		return err
	}
	return consumeErr
}

func (dl *DataLoader) produce(ctx context.Context, order []int, out chan<- Batch) error {
	for start := 0; start < len(order); start += dl.config.BatchSize {
		end := min(start+dl.config.BatchSize, len(order))
		batch, err := dl.loadBatch(ctx, order[start:end])
		if err != nil {
			return err
		}
		select {
		case out <- batch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (dl *DataLoader) loadBatch(ctx context.Context, indices []int) (Batch, error) {
	samples := make([]*tensor.Tensor, len(indices))
	labels := make([]int, len(indices))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dl.config.NumWorkers)
	for j, idx := range indices {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			samples[j], labels[j] = dl.sample(idx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Batch{}, err
	}

	inputs, err := tensor.Stack(samples)
	if err != nil {
		return Batch{}, fmt.Errorf("failed to stack batch: %w", err)
	}
	return Batch{Inputs: inputs, Labels: labels, Indices: indices}, nil
}

// sample loads one sample through the cache when caching is enabled
func (dl *DataLoader) sample(idx int) (*tensor.Tensor, int) {
	if dl.cache == nil {
		return dl.dataset.Sample(idx)
	}
	key, err := dl.cacheable.Path(idx)
	if err != nil {
		return dl.dataset.Sample(idx)
	}
	if entry, ok := dl.cache.Get(key); ok {
		return entry.Input, entry.Label
	}
	x, label, err := dl.cacheable.Load(idx)
	if err != nil {
		// Failures are not cached; Sample logs and substitutes the placeholder
		return dl.dataset.Sample(idx)
	}
	dl.cache.Put(key, CacheEntry{Input: x, Label: label})
	return x, label
}
