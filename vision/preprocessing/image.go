package preprocessing

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/Sandiematt/Medi-Care/tensor"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	"golang.org/x/sync/errgroup"
)

// Decode reads an image in any registered format (JPEG, PNG, GIF, BMP, TIFF)
// and converts it to an RGBA image anchored at the origin
func Decode(r io.Reader) (*image.RGBA, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("decoded %s image is empty", format)
	}
	return toRGBA(img), nil
}

// Open decodes the image file at path
func Open(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// toRGBA returns img as an opaque RGBA image whose bounds start at (0, 0).
// Alpha is discarded. Opaque RGBA images at the origin are returned as is.
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) && rgba.Opaque() {
		return rgba
	}
	// Go through NRGBA so transparent pixels keep their colour instead of
	// being premultiplied towards black, then drop alpha.
	b := img.Bounds()
	nrgba := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(nrgba, nrgba.Rect, img, b.Min, draw.Src)
	dst := image.NewRGBA(nrgba.Rect)
	for i := 0; i < len(nrgba.Pix); i += 4 {
		dst.Pix[i] = nrgba.Pix[i]
		dst.Pix[i+1] = nrgba.Pix[i+1]
		dst.Pix[i+2] = nrgba.Pix[i+2]
		dst.Pix[i+3] = 0xff
	}
	return dst
}

// ImageProcessor decodes images and runs them through a transform pipeline
type ImageProcessor struct {
	transform Transform
}

// NewImageProcessor creates a processor applying transform to every decoded image
func NewImageProcessor(transform Transform) *ImageProcessor {
	return &ImageProcessor{transform: transform}
}

// ProcessImage transforms an already decoded image
func (p *ImageProcessor) ProcessImage(img image.Image) (*tensor.Tensor, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, fmt.Errorf("empty image")
	}
	return p.transform.Transform(img)
}

// DecodeAndPreprocess decodes an image and returns the transformed CHW tensor
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*tensor.Tensor, error) {
	img, err := Decode(reader)
	if err != nil {
		return nil, err
	}
	return p.ProcessImage(img)
}

// ProcessFile decodes and transforms the image at path
func (p *ImageProcessor) ProcessFile(path string) (*tensor.Tensor, error) {
	img, err := Open(path)
	if err != nil {
		return nil, err
	}
	out, err := p.ProcessImage(img)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}

// PreprocessBatch decodes and transforms imagePaths on up to maxWorkers
// goroutines. Results and errors are indexed like imagePaths; a failing
// image leaves a nil tensor and its error without stopping the others.
func (p *ImageProcessor) PreprocessBatch(imagePaths []string, maxWorkers int) ([]*tensor.Tensor, []error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	results := make([]*tensor.Tensor, len(imagePaths))
	errs := make([]error, len(imagePaths))

	var g errgroup.Group
	g.SetLimit(maxWorkers)
	for i, path := range imagePaths {
		g.Go(func() error {
			results[i], errs[i] = p.ProcessFile(path)
			return nil
		})
	}
	_ = g.Wait()
	return results, errs
}
