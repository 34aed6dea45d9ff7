package preprocessing

import (
	"fmt"
	"image"
	"math"
	"math/rand"
	"sync"

	"github.com/Sandiematt/Medi-Care/tensor"
	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// ImageNet channel statistics used by the pretrained backbone
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Transform turns a decoded image into a model input tensor
type Transform interface {
	Transform(img image.Image) (*tensor.Tensor, error)
}

// ImageTransform maps an RGBA image to another RGBA image
type ImageTransform interface {
	Apply(img *image.RGBA) *image.RGBA
}

// Rand is a seeded random source safe for use by concurrent loader workers
type Rand struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewRand creates a random source with the given seed
func NewRand(seed int64) *Rand {
	return &Rand{r: rand.New(rand.NewSource(seed))}
}

// Float64 returns a value in [0, 1)
func (r *Rand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.r.Float64()
}

// Uniform returns a value in [lo, hi)
func (r *Rand) Uniform(lo, hi float64) float64 {
	return lo + (hi-lo)*r.Float64()
}

// Perm returns a random permutation of [0, n)
func (r *Rand) Perm(n int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.r.Perm(n)
}

// Resize scales an image to Width x Height, ignoring aspect ratio
type Resize struct {
	Width, Height int
	Interp        resize.InterpolationFunction
}

// NewResize creates a bilinear resize to a size x size square
func NewResize(size int) *Resize {
	return &Resize{Width: size, Height: size, Interp: resize.Bilinear}
}

func (t *Resize) Apply(img *image.RGBA) *image.RGBA {
	if img.Rect.Dx() == t.Width && img.Rect.Dy() == t.Height {
		return img
	}
	return toRGBA(resize.Resize(uint(t.Width), uint(t.Height), img, t.Interp))
}

// RandomHorizontalFlip mirrors the image left to right with probability P
type RandomHorizontalFlip struct {
	P   float64
	Rng *Rand
}

func (t *RandomHorizontalFlip) Apply(img *image.RGBA) *image.RGBA {
	if t.Rng.Float64() >= t.P {
		return img
	}
	return flipHorizontal(img)
}

// RandomVerticalFlip mirrors the image top to bottom with probability P
type RandomVerticalFlip struct {
	P   float64
	Rng *Rand
}

func (t *RandomVerticalFlip) Apply(img *image.RGBA) *image.RGBA {
	if t.Rng.Float64() >= t.P {
		return img
	}
	return flipVertical(img)
}

func flipHorizontal(img *image.RGBA) *image.RGBA {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		src := img.Pix[y*img.Stride:]
		row := dst.Pix[y*dst.Stride:]
		for x := 0; x < w; x++ {
			copy(row[4*(w-1-x):4*(w-x)], src[4*x:4*x+4])
		}
	}
	return dst
}

func flipVertical(img *image.RGBA) *image.RGBA {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		copy(dst.Pix[(h-1-y)*dst.Stride:(h-1-y)*dst.Stride+4*w], img.Pix[y*img.Stride:y*img.Stride+4*w])
	}
	return dst
}

// RandomRotation rotates the image about its centre by an angle drawn
// uniformly from [-Degrees, Degrees]. Uncovered pixels are black.
type RandomRotation struct {
	Degrees float64
	Rng     *Rand
}

func (t *RandomRotation) Apply(img *image.RGBA) *image.RGBA {
	angle := t.Rng.Uniform(-t.Degrees, t.Degrees) * math.Pi / 180
	return rotate(img, angle)
}

func rotate(img *image.RGBA, angle float64) *image.RGBA {
	cx, cy := float64(img.Rect.Dx())/2, float64(img.Rect.Dy())/2
	cos, sin := math.Cos(angle), math.Sin(angle)
	return warp(img, f64.Aff3{
		cos, sin, cx - cos*cx - sin*cy,
		-sin, cos, cy + sin*cx - cos*cy,
	})
}

// RandomAffine translates the image by up to Translate of its size on each
// axis and scales it about the centre by a factor in [ScaleMin, ScaleMax]
type RandomAffine struct {
	Translate          float64
	ScaleMin, ScaleMax float64
	Rng                *Rand
}

func (t *RandomAffine) Apply(img *image.RGBA) *image.RGBA {
	w, h := float64(img.Rect.Dx()), float64(img.Rect.Dy())
	dx := math.Round(t.Rng.Uniform(-t.Translate*w, t.Translate*w))
	dy := math.Round(t.Rng.Uniform(-t.Translate*h, t.Translate*h))
	s := t.Rng.Uniform(t.ScaleMin, t.ScaleMax)
	cx, cy := w/2, h/2
	return warp(img, f64.Aff3{
		s, 0, cx - s*cx + dx,
		0, s, cy - s*cy + dy,
	})
}

// warp maps img through the source-to-destination affine transform m
func warp(img *image.RGBA, m f64.Aff3) *image.RGBA {
	dst := image.NewRGBA(img.Rect)
	draw.BiLinear.Transform(dst, m, img, img.Rect, draw.Src, nil)
	return dst
}

// ColorJitter randomly perturbs brightness, contrast, saturation and hue.
// Brightness, contrast and saturation factors are drawn from [1-x, 1+x];
// the hue shift from [-Hue, Hue] as a fraction of the colour wheel. The four
// adjustments run in random order.
type ColorJitter struct {
	Brightness, Contrast, Saturation, Hue float64
	Rng                                   *Rand
}

func (t *ColorJitter) Apply(img *image.RGBA) *image.RGBA {
	px := rgbFloats(img)
	for _, op := range t.Rng.Perm(4) {
		switch op {
		case 0:
			if t.Brightness > 0 {
				adjustBrightness(px, t.factor(t.Brightness))
			}
		case 1:
			if t.Contrast > 0 {
				adjustContrast(px, t.factor(t.Contrast))
			}
		case 2:
			if t.Saturation > 0 {
				adjustSaturation(px, t.factor(t.Saturation))
			}
		case 3:
			if t.Hue > 0 {
				adjustHue(px, t.Rng.Uniform(-t.Hue, t.Hue))
			}
		}
	}
	return fromRGBFloats(px, img)
}

func (t *ColorJitter) factor(x float64) float64 {
	return t.Rng.Uniform(math.Max(0, 1-x), 1+x)
}

// rgbFloats unpacks the RGB channels of img into interleaved values in [0, 1]
func rgbFloats(img *image.RGBA) []float64 {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	px := make([]float64, 0, 3*w*h)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			px = append(px, float64(row[4*x])/255, float64(row[4*x+1])/255, float64(row[4*x+2])/255)
		}
	}
	return px
}

func fromRGBFloats(px []float64, like *image.RGBA) *image.RGBA {
	w, h := like.Rect.Dx(), like.Rect.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		row := dst.Pix[y*dst.Stride:]
		src := like.Pix[y*like.Stride:]
		for x := 0; x < w; x++ {
			i := 3 * (y*w + x)
			row[4*x] = toByte(px[i])
			row[4*x+1] = toByte(px[i+1])
			row[4*x+2] = toByte(px[i+2])
			row[4*x+3] = src[4*x+3]
		}
	}
	return dst
}

func toByte(v float64) uint8 {
	return uint8(math.Round(clamp01(v) * 255))
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

func gray(r, g, b float64) float64 {
	return 0.299*r + 0.587*g + 0.114*b
}

func adjustBrightness(px []float64, f float64) {
	for i := range px {
		px[i] = clamp01(px[i] * f)
	}
}

func adjustContrast(px []float64, f float64) {
	var mean float64
	for i := 0; i < len(px); i += 3 {
		mean += gray(px[i], px[i+1], px[i+2])
	}
	mean /= float64(len(px) / 3)
	for i := range px {
		px[i] = clamp01(f*px[i] + (1-f)*mean)
	}
}

func adjustSaturation(px []float64, f float64) {
	for i := 0; i < len(px); i += 3 {
		g := gray(px[i], px[i+1], px[i+2])
		for c := 0; c < 3; c++ {
			px[i+c] = clamp01(f*px[i+c] + (1-f)*g)
		}
	}
}

func adjustHue(px []float64, shift float64) {
	for i := 0; i < len(px); i += 3 {
		h, s, v := rgbToHSV(px[i], px[i+1], px[i+2])
		h = math.Mod(h+shift+1, 1)
		px[i], px[i+1], px[i+2] = hsvToRGB(h, s, v)
	}
}

// rgbToHSV returns hue in [0, 1) with saturation and value in [0, 1]
func rgbToHSV(r, g, b float64) (h, s, v float64) {
	maxc := math.Max(r, math.Max(g, b))
	minc := math.Min(r, math.Min(g, b))
	v = maxc
	d := maxc - minc
	if maxc == 0 || d == 0 {
		return 0, 0, v
	}
	s = d / maxc
	switch maxc {
	case r:
		h = (g - b) / d
	case g:
		h = 2 + (b-r)/d
	default:
		h = 4 + (r-g)/d
	}
	h = math.Mod(h/6+1, 1)
	return h, s, v
}

func hsvToRGB(h, s, v float64) (r, g, b float64) {
	if s == 0 {
		return v, v, v
	}
	h6 := h * 6
	i := math.Floor(h6)
	f := h6 - i
	p := v * (1 - s)
	q := v * (1 - s*f)
	t := v * (1 - s*(1-f))
	switch int(i) % 6 {
	case 0:
		return v, t, p
	case 1:
		return q, v, p
	case 2:
		return p, v, t
	case 3:
		return p, q, v
	case 4:
		return t, p, v
	default:
		return v, p, q
	}
}

// ToTensor converts an RGBA image to a [3, H, W] tensor with values in [0, 1]
func ToTensor(img *image.RGBA) *tensor.Tensor {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	plane := w * h
	data := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			idx := y*w + x
			data[idx] = float32(row[4*x]) / 255
			data[plane+idx] = float32(row[4*x+1]) / 255
			data[2*plane+idx] = float32(row[4*x+2]) / 255
		}
	}
	t, _ := tensor.New(data, []int{3, h, w})
	return t
}

// Normalize standardises each channel of a [3, H, W] tensor in place
type Normalize struct {
	Mean, Std [3]float32
}

func (n *Normalize) Apply(t *tensor.Tensor) error {
	if t.Rank() != 3 || t.Shape[0] != 3 {
		return fmt.Errorf("normalize expects a [3, H, W] tensor, got %v", t.Shape)
	}
	plane := t.Shape[1] * t.Shape[2]
	for c := 0; c < 3; c++ {
		ch := t.Data[c*plane : (c+1)*plane]
		for i := range ch {
			ch[i] = (ch[i] - n.Mean[c]) / n.Std[c]
		}
	}
	return nil
}

// Pipeline applies image transforms in order, converts to a tensor and
// optionally normalises it
type Pipeline struct {
	Steps     []ImageTransform
	Normalize *Normalize
	// Random marks pipelines whose output varies between calls; their results
	// must not be cached
	Random bool
}

// Transform runs the pipeline on img
func (p *Pipeline) Transform(img image.Image) (*tensor.Tensor, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, fmt.Errorf("cannot transform an empty image")
	}
	rgba := toRGBA(img)
	for _, step := range p.Steps {
		rgba = step.Apply(rgba)
	}
	out := ToTensor(rgba)
	if p.Normalize != nil {
		if err := p.Normalize.Apply(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Deterministic reports whether equal inputs always give equal outputs
func (p *Pipeline) Deterministic() bool {
	return !p.Random
}

// EvalTransform resizes to size x size, converts to a tensor and applies
// ImageNet normalisation
func EvalTransform(size int) *Pipeline {
	return &Pipeline{
		Steps:     []ImageTransform{NewResize(size)},
		Normalize: &Normalize{Mean: ImageNetMean, Std: ImageNetStd},
	}
}

// TrainTransform is EvalTransform preceded by the training augmentations:
// horizontal flip (p=0.5), vertical flip (p=0.2), rotation up to 15 degrees,
// colour jitter and a small random affine
func TrainTransform(size int, seed int64) *Pipeline {
	rng := NewRand(seed)
	return &Pipeline{
		Steps: []ImageTransform{
			NewResize(size),
			&RandomHorizontalFlip{P: 0.5, Rng: rng},
			&RandomVerticalFlip{P: 0.2, Rng: rng},
			&RandomRotation{Degrees: 15, Rng: rng},
			&ColorJitter{Brightness: 0.1, Contrast: 0.1, Saturation: 0.1, Hue: 0.05, Rng: rng},
			&RandomAffine{Translate: 0.1, ScaleMin: 0.9, ScaleMax: 1.1, Rng: rng},
		},
		Normalize: &Normalize{Mean: ImageNetMean, Std: ImageNetStd},
		Random:    true,
	}
}
