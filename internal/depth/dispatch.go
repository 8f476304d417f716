package depth

import (
	"fmt"

	"github.com/Brownie44l1/depth-api/internal/tensor"
)

// forward runs one pass and inserts the channel dimension: (B,H,W) -> (B,1,H,W).
// With amp set to a reduced format, models that cannot do it themselves get
// their input and output rounded to that format.
func forward(m Model, x *tensor.Tensor, amp tensor.Precision) (*tensor.Tensor, error) {
	var (
		out *tensor.Tensor
		err error
	)
	switch {
	case amp == tensor.FP32:
		out, err = m.Forward(x)
	case supportsPrecision(m, amp):
		out, err = m.(PrecisionForwarder).ForwardPrecision(x, amp)
	default:
		out, err = m.Forward(x.RoundTo(amp))
		if err == nil {
			out = out.RoundTo(amp)
		}
	}
	if err != nil {
		return nil, err
	}
	if out.Rank() != 3 || out.Shape[0] != x.Shape[0] {
		return nil, fmt.Errorf("%w: model returned %v for input %v", tensor.ErrShapeMismatch, out.Shape, x.Shape)
	}
	return out.Unsqueeze(1), nil
}

func supportsPrecision(m Model, p tensor.Precision) bool {
	f, ok := m.(PrecisionForwarder)
	return ok && f.SupportsPrecision(p)
}

// dispatch runs the model over a preprocessed batch. With flipAug the output
// holds 2B samples: the predictions for x followed by those for flip(x).
// lowVRAM runs the flipped half as a second pass instead of one double batch.
func dispatch(m Model, x *tensor.Tensor, flipAug, lowVRAM bool, amp tensor.Precision) (*tensor.Tensor, error) {
	if !lowVRAM {
		if flipAug {
			var err error
			x, err = tensor.Concat(x, x.FlipW())
			if err != nil {
				return nil, err
			}
		}
		return forward(m, x, amp)
	}

	out, err := forward(m, x, amp)
	if err != nil {
		return nil, err
	}
	if flipAug {
		out2, err := forward(m, x.FlipW(), amp)
		if err != nil {
			return nil, err
		}
		return tensor.Concat(out, out2)
	}
	return out, nil
}
