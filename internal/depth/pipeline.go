package depth

import (
	"errors"
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"

	"github.com/Brownie44l1/depth-api/internal/tensor"
)

var (
	ErrInvalidRank          = errors.New("input must be a rank 3 image or a rank 4 batch")
	ErrUnsupportedPlacement = errors.New("model cannot place output there")
)

// Placement is where the final depth map should live.
type Placement string

const (
	PlacementHost   Placement = "cpu"
	PlacementDevice Placement = "device"
)

// Options control a single inference call.
type Options struct {
	FlipAug   bool      `json:"flip_aug"`
	LowVRAM   bool      `json:"low_vram"`
	Int16     bool      `json:"int16"`
	EnableAMP bool      `json:"enable_amp"`
	Output    Placement `json:"output"`
}

func DefaultOptions() Options {
	return Options{
		FlipAug: true,
		Int16:   true,
		Output:  PlacementHost,
	}
}

// Output holds the result of one inference call. Exactly one of Float and
// Int16 is set, depending on Options.Int16.
type Output struct {
	Float     *tensor.Tensor
	Int16     *tensor.Int16
	Placement Placement
}

func (o *Output) Shape() []int {
	if o.Int16 != nil {
		return o.Int16.Shape
	}
	return o.Float.Shape
}

// Sample returns sample i of a batch output as a single-image (1,H,W) output
// sharing the same data.
func (o *Output) Sample(i int) *Output {
	shape := o.Shape()
	per := shape[1] * shape[2] * shape[3]
	s := &Output{Placement: o.Placement}
	if o.Int16 != nil {
		s.Int16 = &tensor.Int16{Shape: shape[1:], Data: o.Int16.Data[i*per : (i+1)*per]}
	} else {
		s.Float = &tensor.Tensor{Shape: shape[1:], Data: o.Float.Data[i*per : (i+1)*per]}
	}
	return s
}

// Pipeline runs batch depth inference with a fixed model. The reduced
// precision format is chosen once, when the pipeline is built.
type Pipeline struct {
	model     Model
	precision tensor.Precision
	logger    *zap.Logger
}

func NewPipeline(m Model, logger *zap.Logger) *Pipeline {
	p := &Pipeline{
		model:     m,
		precision: SelectPrecision(m),
		logger:    logger,
	}
	logger.Debug("depth pipeline ready", zap.String("amp_precision", string(p.precision)))
	return p
}

// Precision is the format used when Options.EnableAMP is set.
func (p *Pipeline) Precision() tensor.Precision {
	return p.precision
}

// InferImage runs inference on a single decoded image.
func (p *Pipeline) InferImage(img image.Image, opts Options) (*Output, error) {
	return p.Infer(tensor.FromImage(img), opts)
}

// Infer runs inference on a (3,H,W) image or a (B,3,H,W) batch with values in
// [0,1]. The result is (1,H,W) or (B,1,H,W) at the input resolution.
func (p *Pipeline) Infer(x *tensor.Tensor, opts Options) (*Output, error) {
	batch := false
	switch x.Rank() {
	case 3:
		x = x.Unsqueeze(0)
	case 4:
		batch = true
	default:
		return nil, fmt.Errorf("%w: got shape %v", ErrInvalidRank, x.Shape)
	}
	if err := tensor.CheckShape(x.Shape); err != nil {
		return nil, err
	}
	if x.Shape[1] != 3 {
		return nil, fmt.Errorf("%w: expected 3 channels, got shape %v", tensor.ErrShapeMismatch, x.Shape)
	}
	if opts.Output == "" {
		opts.Output = PlacementHost
	}
	if opts.Output != PlacementHost {
		if _, ok := p.model.(Placer); !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedPlacement, opts.Output)
		}
	}

	start := time.Now()
	orgH, orgW := x.Height(), x.Width()
	in := Preprocess(x)

	amp := tensor.FP32
	if opts.EnableAMP {
		amp = p.precision
	}
	raw, err := dispatch(p.model, in, opts.FlipAug, opts.LowVRAM, amp)
	if err != nil {
		return nil, fmt.Errorf("depth forward pass failed: %w", err)
	}

	z := Postprocess(raw, orgH, orgW, opts.FlipAug)
	if !batch {
		if z.Shape[0] != 1 {
			return nil, fmt.Errorf("%w: expected one sample, got %v", tensor.ErrShapeMismatch, z.Shape)
		}
		z, err = z.Squeeze(0)
		if err != nil {
			return nil, err
		}
	}

	if opts.Output != PlacementHost {
		z, err = p.model.(Placer).Place(z, opts.Output)
		if err != nil {
			return nil, fmt.Errorf("failed to place depth output: %w", err)
		}
	}

	result := &Output{Placement: opts.Output}
	if opts.Int16 {
		result.Int16 = z.ToInt16()
	} else {
		result.Float = z
	}

	p.logger.Debug("depth inference",
		zap.Ints("input_shape", x.Shape),
		zap.Ints("model_shape", in.Shape),
		zap.Bool("flip_aug", opts.FlipAug),
		zap.Bool("low_vram", opts.LowVRAM),
		zap.String("precision", string(amp)),
		zap.Duration("elapsed", time.Since(start)))

	return result, nil
}
