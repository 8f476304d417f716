package tensor

import (
	"github.com/chewxy/math32"
)

// bicubic support is 4 taps at scale 1
const bicubicSize = 4

// Keys cubic with a = -0.5, the coefficient used for anti-aliased resampling.
func cubicFilter(x float32) float32 {
	const a = -0.5
	x = math32.Abs(x)
	if x < 1 {
		return ((a+2)*x-(a+3))*x*x + 1
	}
	if x < 2 {
		return (((x-5)*x+8)*x - 4) * a
	}
	return 0
}

type taps struct {
	start   []int
	weights [][]float32
}

// computeTaps returns, for every output index, the first input index and the
// normalized weights of the input samples that contribute to it. When
// downsampling the filter is stretched by the scale factor, which low-pass
// filters the input (anti-aliasing).
func computeTaps(inSize, outSize int) taps {
	scale := float32(inSize) / float32(outSize)
	support := float32(bicubicSize) * 0.5
	invScale := float32(1)
	if scale >= 1 {
		support *= scale
		invScale = 1 / scale
	}
	tp := taps{
		start:   make([]int, outSize),
		weights: make([][]float32, outSize),
	}
	for i := 0; i < outSize; i++ {
		center := scale * (float32(i) + 0.5)
		xmin := int(center - support + 0.5)
		if xmin < 0 {
			xmin = 0
		}
		xmax := int(center + support + 0.5)
		if xmax > inSize {
			xmax = inSize
		}
		w := make([]float32, xmax-xmin)
		var total float32
		for j := range w {
			w[j] = cubicFilter((float32(j+xmin) - center + 0.5) * invScale)
			total += w[j]
		}
		if total != 0 {
			for j := range w {
				w[j] /= total
			}
		}
		tp.start[i] = xmin
		tp.weights[i] = w
	}
	return tp
}

// Resize resamples the last two dimensions of t to (h, w) with a bicubic,
// anti-aliased filter (align_corners=false). Leading dimensions are kept.
// Values are not clamped.
func Resize(t *Tensor, h, w int) *Tensor {
	inH, inW := t.Height(), t.Width()
	shape := append([]int(nil), t.Shape...)
	shape[len(shape)-2] = h
	shape[len(shape)-1] = w
	out := New(shape...)
	if inH == h && inW == w {
		copy(out.Data, t.Data)
		return out
	}

	tx := computeTaps(inW, w)
	ty := computeTaps(inH, h)
	tmp := make([]float32, inH*w)
	planes := len(t.Data) / (inH * inW)
	for p := 0; p < planes; p++ {
		src := t.Data[p*inH*inW : (p+1)*inH*inW]
		dst := out.Data[p*h*w : (p+1)*h*w]

		for y := 0; y < inH; y++ {
			row := src[y*inW : (y+1)*inW]
			for x := 0; x < w; x++ {
				var acc float32
				s := tx.start[x]
				for k, wt := range tx.weights[x] {
					acc += row[s+k] * wt
				}
				tmp[y*w+x] = acc
			}
		}

		for y := 0; y < h; y++ {
			s := ty.start[y]
			for x := 0; x < w; x++ {
				var acc float32
				for k, wt := range ty.weights[y] {
					acc += tmp[(s+k)*w+x] * wt
				}
				dst[y*w+x] = acc
			}
		}
	}
	return out
}
