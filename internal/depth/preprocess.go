package depth

import (
	"math"

	"github.com/Brownie44l1/depth-api/internal/tensor"
)

const (
	// LowerBound is the minimum length of the shorter side fed to the network.
	LowerBound = 518
	// PatchSize is the ViT patch size; input sides must be a multiple of it.
	PatchSize = 14
)

var (
	mean = [3]float32{0.485, 0.456, 0.406}
	std  = [3]float32{0.229, 0.224, 0.225}
)

// TargetSize returns the network input size for an h x w image. The shorter
// side is scaled to LowerBound, then every side is padded up by
// PatchSize - side%PatchSize. A side that is already aligned still grows by a
// full patch.
func TargetSize(h, w int) (int, int) {
	short := min(h, w)
	fit := func(side int) int {
		n := int(math.Round(float64(side) * LowerBound / float64(short)))
		n += PatchSize - n%PatchSize
		return max(n, LowerBound)
	}
	return fit(h), fit(w)
}

// Preprocess resizes a (B,3,H,W) batch with values in [0,1] to TargetSize and
// normalizes it per channel. The input is not modified.
func Preprocess(x *tensor.Tensor) *tensor.Tensor {
	newH, newW := TargetSize(x.Height(), x.Width())
	out := tensor.Resize(x, newH, newW)
	out.Clamp(0, 1)

	plane := newH * newW
	for b := 0; b < out.Shape[0]; b++ {
		for c := 0; c < 3; c++ {
			off := (b*3 + c) * plane
			px := out.Data[off : off+plane]
			for i, v := range px {
				px[i] = (v - mean[c]) / std[c]
			}
		}
	}
	return out
}
