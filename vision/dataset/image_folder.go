package dataset

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"k8s.io/klog/v2"
)

// DefaultExtensions are the image file extensions picked up by a corpus.
// Matching ignores case.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".tif", ".tiff"}

// ErrNoClasses is returned by operations that need at least one class
var ErrNoClasses = errors.New("no class subdirectories found")

// ImageFolderDataset represents a dataset loaded from a directory structure
// where each subdirectory represents a class. Classes are indexed by the
// sorted order of their directory names.
type ImageFolderDataset struct {
	root       string
	imagePaths []string
	labels     []int
	classNames []string
	classToIdx map[string]int
}

// NewImageFolderDataset creates a dataset from a directory structure.
// A root without class subdirectories yields an empty dataset and a warning,
// not an error; only an unreadable root fails.
func NewImageFolderDataset(root string, extensions []string) (*ImageFolderDataset, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}

	dataset := &ImageFolderDataset{
		root:       root,
		classToIdx: make(map[string]int),
	}
	for _, entry := range entries {
		if isDir(root, entry) {
			dataset.classNames = append(dataset.classNames, entry.Name())
		}
	}
	if len(dataset.classNames) == 0 {
		klog.Warningf("No class subfolders found in %s. Please organize images into class subfolders such as 'authentic' and 'counterfeit'.", root)
		return dataset, nil
	}
	sort.Strings(dataset.classNames)

	for classIdx, className := range dataset.classNames {
		dataset.classToIdx[className] = classIdx

		files, err := listImages(filepath.Join(root, className), extensions)
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			dataset.imagePaths = append(dataset.imagePaths, file)
			dataset.labels = append(dataset.labels, classIdx)
		}
	}

	klog.Infof("Found %d images across %d classes in %s", len(dataset.imagePaths), len(dataset.classNames), root)
	klog.V(1).Infof("Class distribution: %v, class names: %v", dataset.ClassCounts(), dataset.classNames)
	return dataset, nil
}

func isDir(root string, entry os.DirEntry) bool {
	if entry.IsDir() {
		return true
	}
	if entry.Type()&os.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(filepath.Join(root, entry.Name()))
	return err == nil && info.IsDir()
}

// listImages returns the sorted paths of files in dir with a matching extension
func listImages(dir string, extensions []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list images in %s: %w", dir, err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && hasExtension(entry.Name(), extensions) {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	return files, nil
}

// ListImages returns the sorted image files directly inside dir
func ListImages(dir string) ([]string, error) {
	return listImages(dir, DefaultExtensions)
}

func hasExtension(name string, extensions []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range extensions {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

// Root returns the directory the dataset was read from
func (d *ImageFolderDataset) Root() string {
	return d.root
}

// Len returns the number of items in the dataset
func (d *ImageFolderDataset) Len() int {
	return len(d.imagePaths)
}

// IsEmpty reports whether the dataset holds no samples
func (d *ImageFolderDataset) IsEmpty() bool {
	return len(d.imagePaths) == 0
}

// GetItem returns the image path and label at the given index
func (d *ImageFolderDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

// Labels returns the label of every sample in order
func (d *ImageFolderDataset) Labels() []int {
	return d.labels
}

// NumClasses returns the number of classes
func (d *ImageFolderDataset) NumClasses() int {
	return len(d.classNames)
}

// ClassNames returns the sorted list of class names
func (d *ImageFolderDataset) ClassNames() []string {
	return d.classNames
}

// ClassDistribution returns the distribution of samples per class
func (d *ImageFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, label := range d.labels {
		className := d.classNames[label]
		dist[className]++
	}
	return dist
}

// ClassCounts returns the number of samples per class index
func (d *ImageFolderDataset) ClassCounts() []int {
	counts := make([]int, len(d.classNames))
	for _, label := range d.labels {
		counts[label]++
	}
	return counts
}

// ClassWeights returns total / (numClasses * count) per class, the inverse
// frequency weighting used by the loss. A class with no samples gets 1.
func (d *ImageFolderDataset) ClassWeights() ([]float32, error) {
	if len(d.classNames) == 0 {
		return nil, ErrNoClasses
	}
	counts := d.ClassCounts()
	total := float64(len(d.labels))
	weights := make([]float32, len(counts))
	for i, count := range counts {
		if count == 0 {
			weights[i] = 1
			continue
		}
		weights[i] = float32(total / (float64(len(counts)) * float64(count)))
	}
	return weights, nil
}

// RandomSplit shuffles the samples with the given seed and returns the
// first floor(n*fraction) as one dataset and the rest as another
func (d *ImageFolderDataset) RandomSplit(fraction float64, seed int64) (*ImageFolderDataset, *ImageFolderDataset, error) {
	if fraction < 0 || fraction > 1 {
		return nil, nil, fmt.Errorf("split fraction must be in [0, 1], got %f", fraction)
	}
	n := len(d.imagePaths)
	firstSize := int(float64(n) * fraction)

	indices := rand.New(rand.NewSource(seed)).Perm(n)
	return d.Subset(indices[:firstSize]), d.Subset(indices[firstSize:]), nil
}

// Subset creates a subset of the dataset with the specified indices
func (d *ImageFolderDataset) Subset(indices []int) *ImageFolderDataset {
	subset := &ImageFolderDataset{
		root:       d.root,
		imagePaths: make([]string, len(indices)),
		labels:     make([]int, len(indices)),
		classNames: d.classNames,
		classToIdx: d.classToIdx,
	}

	for i, idx := range indices {
		subset.imagePaths[i] = d.imagePaths[idx]
		subset.labels[i] = d.labels[idx]
	}

	return subset
}

// ClassIndex returns the index of className
func (d *ImageFolderDataset) ClassIndex(className string) (int, bool) {
	idx, ok := d.classToIdx[className]
	return idx, ok
}

// String returns a string representation of the dataset
func (d *ImageFolderDataset) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ImageFolderDataset: %d samples, %d classes\n", len(d.imagePaths), len(d.classNames))
	sb.WriteString("Class distribution:\n")

	counts := d.ClassCounts()
	for i, className := range d.classNames {
		fmt.Fprintf(&sb, "  %s: %d samples\n", className, counts[i])
	}

	return sb.String()
}
