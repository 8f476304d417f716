package depth_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/depth-api/internal/depth"
	"github.com/Brownie44l1/depth-api/internal/tensor"
)

// halfModel runs lumaModel and records which entry point served each pass.
type halfModel struct {
	lumaModel
	supported map[tensor.Precision]bool

	mu     sync.Mutex
	native []tensor.Precision
	plain  int
}

func (m *halfModel) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	m.mu.Lock()
	m.plain++
	m.mu.Unlock()
	return m.lumaModel.Forward(x)
}

func (m *halfModel) SupportsPrecision(p tensor.Precision) bool {
	return p == tensor.FP32 || m.supported[p]
}

func (m *halfModel) ForwardPrecision(x *tensor.Tensor, p tensor.Precision) (*tensor.Tensor, error) {
	m.mu.Lock()
	m.native = append(m.native, p)
	m.mu.Unlock()
	out, err := m.lumaModel.Forward(x.RoundTo(p))
	if err != nil {
		return nil, err
	}
	return out.RoundTo(p), nil
}

func ampOpts() depth.Options {
	opts := floatOpts()
	opts.EnableAMP = true
	return opts
}

func TestAMPUsesNativePrecision(t *testing.T) {
	m := &halfModel{supported: map[tensor.Precision]bool{tensor.FP16: true}}
	_, err := newPipeline(m).Infer(gradient(2, 3, 20, 30), ampOpts())
	require.NoError(t, err)
	require.Equal(t, []tensor.Precision{tensor.FP16}, m.native)
	require.Zero(t, m.plain)

	_, err = newPipeline(m).Infer(gradient(2, 3, 20, 30), floatOpts())
	require.NoError(t, err)
	require.Len(t, m.native, 1)
	require.Equal(t, 1, m.plain)
}

func TestAMPEmulatesUnsupportedPrecision(t *testing.T) {
	m := &halfModel{lumaModel: lumaModel{bf16: true}, supported: map[tensor.Precision]bool{tensor.FP16: true}}
	p := newPipeline(m)
	require.Equal(t, tensor.BF16, p.Precision())

	_, err := p.Infer(gradient(3, 20, 30), ampOpts())
	require.NoError(t, err)
	require.Empty(t, m.native)
	require.Equal(t, 1, m.plain)
}

func TestDataParallelNativePrecision(t *testing.T) {
	fp16 := map[tensor.Precision]bool{tensor.FP16: true}
	a, b := &halfModel{supported: fp16}, &halfModel{supported: fp16}
	dp, err := depth.NewDataParallel(a, b)
	require.NoError(t, err)
	require.True(t, dp.SupportsPrecision(tensor.FP16))
	require.False(t, dp.SupportsPrecision(tensor.BF16))

	x := gradient(4, 3, 16, 16)
	_, err = newPipeline(dp).Infer(x, ampOpts())
	require.NoError(t, err)
	require.Equal(t, []tensor.Precision{tensor.FP16}, a.native)
	require.Equal(t, []tensor.Precision{tensor.FP16}, b.native)
	require.Equal(t, []int{4}, a.batches)
	require.Equal(t, []int{4}, b.batches)

	mixed, err := depth.NewDataParallel(&halfModel{supported: fp16}, &lumaModel{})
	require.NoError(t, err)
	require.False(t, mixed.SupportsPrecision(tensor.FP16))
}
