package depth

import (
	"github.com/Brownie44l1/depth-api/internal/tensor"
)

// Postprocess turns raw (N,1,h,w) model output into inverse depth at the
// original (orgH, orgW) size. With flipAug the second half of the batch holds
// the predictions for the mirrored inputs and the result has N/2 samples.
func Postprocess(out *tensor.Tensor, orgH, orgW int, flipAug bool) *tensor.Tensor {
	if out.Height() != orgH || out.Width() != orgW {
		out = tensor.Resize(out, orgH, orgW)
	} else {
		out = out.Clone()
	}

	// One max over the whole batch, including the mirrored half.
	maxV := out.Max()
	for i, v := range out.Data {
		out.Data[i] = maxV - v
	}

	if flipAug {
		return mergeFlip(out)
	}
	out.Scale(256)
	return out
}

// mergeFlip returns z[i] = (out[i] + flip(out[i+n])) * 128 for a 2n batch.
func mergeFlip(out *tensor.Tensor) *tensor.Tensor {
	n := out.Shape[0] / 2
	z := tensor.New(append([]int{n}, out.Shape[1:]...)...)
	mirrored := out.SliceBatch(n, 2*n).FlipW()
	for i := range z.Data {
		z.Data[i] = (out.Data[i] + mirrored.Data[i]) * 128
	}
	return z
}
