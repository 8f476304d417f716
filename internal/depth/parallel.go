package depth

import (
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/depth-api/internal/tensor"
)

// DataParallel splits each batch evenly across replicas of the same network,
// one per device, and joins the results back in batch order. A failure in
// any replica fails the whole batch.
type DataParallel struct {
	replicas []Model
}

func NewDataParallel(replicas ...Model) (*DataParallel, error) {
	if len(replicas) == 0 {
		return nil, errors.New("data parallel needs at least one replica")
	}
	return &DataParallel{replicas: replicas}, nil
}

func (d *DataParallel) Replicas() int {
	return len(d.replicas)
}

// Forward implements Model.
func (d *DataParallel) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return d.split(x, func(m Model, chunk *tensor.Tensor) (*tensor.Tensor, error) {
		return m.Forward(chunk)
	})
}

// SupportsPrecision implements PrecisionForwarder. A format is only supported
// when every replica can run it.
func (d *DataParallel) SupportsPrecision(p tensor.Precision) bool {
	for _, r := range d.replicas {
		if !supportsPrecision(r, p) {
			return false
		}
	}
	return true
}

// ForwardPrecision implements PrecisionForwarder.
func (d *DataParallel) ForwardPrecision(x *tensor.Tensor, p tensor.Precision) (*tensor.Tensor, error) {
	return d.split(x, func(m Model, chunk *tensor.Tensor) (*tensor.Tensor, error) {
		return m.(PrecisionForwarder).ForwardPrecision(chunk, p)
	})
}

func (d *DataParallel) split(x *tensor.Tensor, run func(Model, *tensor.Tensor) (*tensor.Tensor, error)) (*tensor.Tensor, error) {
	b := x.Shape[0]
	chunk := (b + len(d.replicas) - 1) / len(d.replicas)
	if len(d.replicas) == 1 || chunk == b {
		return run(d.replicas[0], x)
	}

	n := (b + chunk - 1) / chunk
	outs := make([]*tensor.Tensor, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		from, to := i*chunk, min((i+1)*chunk, b)
		g.Go(func() error {
			out, err := run(d.replicas[i], x.SliceBatch(from, to))
			if err != nil {
				return err
			}
			outs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tensor.Concat(outs...)
}

// Capabilities implements CapabilityReporter. A feature is only reported when
// every replica has it.
func (d *DataParallel) Capabilities() Capabilities {
	caps := Capabilities{BF16: true}
	for _, r := range d.replicas {
		rep, ok := r.(CapabilityReporter)
		if !ok || !rep.Capabilities().BF16 {
			caps.BF16 = false
		}
	}
	return caps
}
