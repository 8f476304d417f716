package model

import (
	"fmt"
	"strconv"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/depth-api/internal/depth"
	"github.com/Brownie44l1/depth-api/internal/tensor"
)

// CPU is the device id for running without an accelerator.
const CPU = -1

var (
	envMu   sync.Mutex
	envRefs int
)

// acquireEnvironment initializes onnxruntime on first use. Every call must be
// paired with releaseEnvironment.
func acquireEnvironment(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() {
	envMu.Lock()
	defer envMu.Unlock()
	envRefs--
	if envRefs == 0 {
		ort.DestroyEnvironment()
	}
}

// Session runs a Depth-Anything ONNX export on one device. Input and output
// shapes are dynamic, so any batch size and patch-aligned resolution works.
// Half precision exports, when present, are opened alongside the fp32 one and
// serve ForwardPrecision.
type Session struct {
	session  *ort.DynamicAdvancedSession
	reduced  map[tensor.Precision]*ort.DynamicAdvancedSession
	metadata Metadata
	device   int
}

func elementType(p tensor.Precision) ort.TensorElementDataType {
	if p == tensor.BF16 {
		return ort.TensorElementDataTypeBFloat16
	}
	return ort.TensorElementDataTypeFloat16
}

// NewSession opens weightsPath, and every export in reduced, on device (CPU,
// or a CUDA device id).
func NewSession(weightsPath string, reduced map[tensor.Precision]string, metadata Metadata, device int, libraryPath string) (*Session, error) {
	if err := acquireEnvironment(libraryPath); err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		releaseEnvironment()
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	if device != CPU {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			releaseEnvironment()
			return nil, fmt.Errorf("failed to create CUDA options: %w", err)
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": strconv.Itoa(device)}); err != nil {
			releaseEnvironment()
			return nil, fmt.Errorf("failed to select CUDA device %d: %w", device, err)
		}
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			releaseEnvironment()
			return nil, fmt.Errorf("failed to enable CUDA on device %d: %w", device, err)
		}
	}

	s := &Session{
		reduced:  make(map[tensor.Precision]*ort.DynamicAdvancedSession),
		metadata: metadata,
		device:   device,
	}
	s.session, err = ort.NewDynamicAdvancedSession(weightsPath,
		[]string{metadata.InputName}, []string{metadata.OutputName}, options)
	if err != nil {
		releaseEnvironment()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	for p, path := range reduced {
		session, err := ort.NewDynamicAdvancedSession(path,
			[]string{metadata.InputName}, []string{metadata.OutputName}, options)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to create %s ONNX session: %w", p, err)
		}
		s.reduced[p] = session
	}
	return s, nil
}

func dims(shape []int) ort.Shape {
	d := make([]int64, len(shape))
	for i, v := range shape {
		d[i] = int64(v)
	}
	return ort.NewShape(d...)
}

// Forward implements depth.Model.
func (s *Session) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	input, err := ort.NewTensor(dims(x.Shape), x.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer input.Destroy()
	return run(s.session, input, tensor.FP32)
}

// SupportsPrecision implements depth.PrecisionForwarder.
func (s *Session) SupportsPrecision(p tensor.Precision) bool {
	return p == tensor.FP32 || s.reduced[p] != nil
}

// ForwardPrecision implements depth.PrecisionForwarder. The input is packed in
// format p and fed to the matching half precision export.
func (s *Session) ForwardPrecision(x *tensor.Tensor, p tensor.Precision) (*tensor.Tensor, error) {
	if p == tensor.FP32 {
		return s.Forward(x)
	}
	session := s.reduced[p]
	if session == nil {
		return nil, fmt.Errorf("no %s export loaded for %s", p, s.metadata.Encoder)
	}
	input, err := ort.NewCustomDataTensor(dims(x.Shape), x.Encode(p), elementType(p))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s input tensor: %w", p, err)
	}
	defer input.Destroy()
	return run(session, input, p)
}

func run(session *ort.DynamicAdvancedSession, input ort.Value, p tensor.Precision) (*tensor.Tensor, error) {
	outputs := []ort.Value{nil}
	if err := session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	defer outputs[0].Destroy()

	var (
		out *tensor.Tensor
		err error
	)
	switch output := outputs[0].(type) {
	case *ort.Tensor[float32]:
		data := append([]float32(nil), output.GetData()...)
		out, err = tensor.FromData(data, shapeOf(output.GetShape())...)
	case *ort.CustomDataTensor:
		out, err = tensor.Decode(output.GetData(), p, shapeOf(output.GetShape())...)
	default:
		return nil, fmt.Errorf("unexpected output type %T", outputs[0])
	}
	if err != nil {
		return nil, err
	}
	// some exports keep the channel dimension
	if out.Rank() == 4 {
		return out.Squeeze(1)
	}
	return out, nil
}

func shapeOf(s ort.Shape) []int {
	shape := make([]int, len(s))
	for i, d := range s {
		shape[i] = int(d)
	}
	return shape
}

// Capabilities implements depth.CapabilityReporter. bf16 is reported only
// on an accelerator with a bf16 export loaded.
func (s *Session) Capabilities() depth.Capabilities {
	return depth.Capabilities{BF16: s.device != CPU && s.reduced[tensor.BF16] != nil}
}

func (s *Session) Device() int {
	return s.device
}

func (s *Session) Close() {
	if s.session == nil {
		return
	}
	for p, session := range s.reduced {
		session.Destroy()
		delete(s.reduced, p)
	}
	s.session.Destroy()
	s.session = nil
	releaseEnvironment()
}
