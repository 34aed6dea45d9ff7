package tensor

// ConvGeometry describes a 2D convolution or pooling window over one image
type ConvGeometry struct {
	Channels, Height, Width int
	KernelH, KernelW        int
	StrideH, StrideW        int
	PadH, PadW              int
}

// OutputSize returns the spatial output dimensions of the window
func (g ConvGeometry) OutputSize() (int, int) {
	oh := (g.Height+2*g.PadH-g.KernelH)/g.StrideH + 1
	ow := (g.Width+2*g.PadW-g.KernelW)/g.StrideW + 1
	return oh, ow
}

// ColRows is the row count of the im2col matrix
func (g ConvGeometry) ColRows() int {
	return g.Channels * g.KernelH * g.KernelW
}

// Im2Col unfolds one CHW image into a (C·kh·kw)×(oh·ow) matrix
func Im2Col(img []float32, g ConvGeometry, cols []float32) {
	oh, ow := g.OutputSize()
	plane := oh * ow
	row := 0
	for c := 0; c < g.Channels; c++ {
		src := img[c*g.Height*g.Width : (c+1)*g.Height*g.Width]
		for kh := 0; kh < g.KernelH; kh++ {
			for kw := 0; kw < g.KernelW; kw++ {
				dst := cols[row*plane : (row+1)*plane]
				for y := 0; y < oh; y++ {
					iy := y*g.StrideH + kh - g.PadH
					out := dst[y*ow : (y+1)*ow]
					if iy < 0 || iy >= g.Height {
						clear(out)
						continue
					}
					line := src[iy*g.Width : (iy+1)*g.Width]
					for x := 0; x < ow; x++ {
						ix := x*g.StrideW + kw - g.PadW
						if ix < 0 || ix >= g.Width {
							out[x] = 0
						} else {
							out[x] = line[ix]
						}
					}
				}
				row++
			}
		}
	}
}

// Col2Im folds an im2col matrix back into a CHW image, summing overlaps
func Col2Im(cols []float32, g ConvGeometry, img []float32) {
	clear(img[:g.Channels*g.Height*g.Width])
	oh, ow := g.OutputSize()
	plane := oh * ow
	row := 0
	for c := 0; c < g.Channels; c++ {
		dst := img[c*g.Height*g.Width : (c+1)*g.Height*g.Width]
		for kh := 0; kh < g.KernelH; kh++ {
			for kw := 0; kw < g.KernelW; kw++ {
				src := cols[row*plane : (row+1)*plane]
				for y := 0; y < oh; y++ {
					iy := y*g.StrideH + kh - g.PadH
					if iy < 0 || iy >= g.Height {
						continue
					}
					line := dst[iy*g.Width : (iy+1)*g.Width]
					for x := 0; x < ow; x++ {
						ix := x*g.StrideW + kw - g.PadW
						if ix >= 0 && ix < g.Width {
							line[ix] += src[y*ow+x]
						}
					}
				}
				row++
			}
		}
	}
}
