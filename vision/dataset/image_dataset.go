package dataset

import (
	"fmt"

	"github.com/Sandiematt/Medi-Care/tensor"
	"github.com/Sandiematt/Medi-Care/vision/preprocessing"
	"k8s.io/klog/v2"
)

// DefaultPlaceholderSize is the edge of the zero image substituted for
// samples that fail to load
const DefaultPlaceholderSize = 224

// ImageDataset binds a corpus to the transform that turns its files into
// model inputs
type ImageDataset struct {
	corpus          *ImageFolderDataset
	transform       preprocessing.Transform
	placeholderSize int
}

// NewImageDataset creates a dataset over corpus. A nil transform converts
// images to tensors unchanged and a placeholderSize of zero selects
// DefaultPlaceholderSize.
func NewImageDataset(corpus *ImageFolderDataset, transform preprocessing.Transform, placeholderSize int) *ImageDataset {
	if transform == nil {
		transform = &preprocessing.Pipeline{}
	}
	if placeholderSize <= 0 {
		placeholderSize = DefaultPlaceholderSize
	}
	return &ImageDataset{
		corpus:          corpus,
		transform:       transform,
		placeholderSize: placeholderSize,
	}
}

// Corpus returns the underlying file listing
func (d *ImageDataset) Corpus() *ImageFolderDataset {
	return d.corpus
}

// Len returns the number of samples
func (d *ImageDataset) Len() int {
	return d.corpus.Len()
}

// Deterministic reports whether Load returns the same tensor every time for
// a given index, which makes its results safe to cache
func (d *ImageDataset) Deterministic() bool {
	if dt, ok := d.transform.(interface{ Deterministic() bool }); ok {
		return dt.Deterministic()
	}
	return false
}

// Path returns the file backing sample i
func (d *ImageDataset) Path(i int) (string, error) {
	path, _, err := d.corpus.GetItem(i)
	return path, err
}

// Load decodes and transforms sample i, returning any failure
func (d *ImageDataset) Load(i int) (*tensor.Tensor, int, error) {
	path, label, err := d.corpus.GetItem(i)
	if err != nil {
		return nil, 0, err
	}
	img, err := preprocessing.Open(path)
	if err != nil {
		return nil, 0, err
	}
	x, err := d.transform.Transform(img)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to transform %s: %w", path, err)
	}
	return x, label, nil
}

// Sample returns sample i. A sample that cannot be loaded is logged and
// replaced by a zero image of the placeholder size with label 0.
func (d *ImageDataset) Sample(i int) (*tensor.Tensor, int) {
	x, label, err := d.Load(i)
	if err != nil {
		klog.Warningf("Error loading image at index %d: %v", i, err)
		return d.Placeholder(), 0
	}
	return x, label
}

// Placeholder returns the zero image used for unreadable samples
func (d *ImageDataset) Placeholder() *tensor.Tensor {
	return tensor.MustZeros(3, d.placeholderSize, d.placeholderSize)
}
