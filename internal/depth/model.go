package depth

import (
	"github.com/Brownie44l1/depth-api/internal/tensor"
)

// Model is a depth network. Forward takes a normalized (B,3,H,W) batch and
// returns a (B,H,W) relative depth batch. Implementations must not keep x.
type Model interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
}

// PrecisionForwarder is implemented by models that can run their own compute
// in a reduced precision format. ForwardPrecision is only called with formats
// SupportsPrecision accepts.
type PrecisionForwarder interface {
	SupportsPrecision(p tensor.Precision) bool
	ForwardPrecision(x *tensor.Tensor, p tensor.Precision) (*tensor.Tensor, error)
}

// Capabilities describes what the device behind a model supports.
type Capabilities struct {
	BF16 bool
}

// CapabilityReporter is implemented by models that know their device.
type CapabilityReporter interface {
	Capabilities() Capabilities
}

// Placer is implemented by models that can place results somewhere other than
// host memory.
type Placer interface {
	Place(t *tensor.Tensor, p Placement) (*tensor.Tensor, error)
}

// SelectPrecision picks the reduced precision format for a model: bf16 when
// its device supports it, fp16 otherwise.
func SelectPrecision(m Model) tensor.Precision {
	if r, ok := m.(CapabilityReporter); ok && r.Capabilities().BF16 {
		return tensor.BF16
	}
	return tensor.FP16
}
