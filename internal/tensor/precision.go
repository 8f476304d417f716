package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// Precision names a floating point format used for model compute.
type Precision string

const (
	FP32 Precision = "fp32"
	FP16 Precision = "fp16"
	BF16 Precision = "bf16"
)

func roundBF16(f float32) float32 {
	if f != f {
		return f
	}
	bits := math.Float32bits(f)
	// round to nearest, ties to even, on the upper 16 bits
	bits += 0x7fff + ((bits >> 16) & 1)
	return math.Float32frombits(bits & 0xffff0000)
}

// RoundTo returns a copy of t with every value rounded to p and widened back
// to float32.
func (t *Tensor) RoundTo(p Precision) *Tensor {
	out := t.Clone()
	switch p {
	case FP16:
		for i, v := range out.Data {
			out.Data[i] = float16.Fromfloat32(v).Float32()
		}
	case BF16:
		for i, v := range out.Data {
			out.Data[i] = roundBF16(v)
		}
	}
	return out
}

// Int16 is a dense row-major int16 array.
type Int16 struct {
	Shape []int
	Data  []int16
}

// ToInt16 truncates toward zero and keeps the low 16 bits, so values in
// [32768, 65535] wrap to negative and read back unchanged as uint16. NaN
// becomes 0.
func (t *Tensor) ToInt16() *Int16 {
	out := &Int16{
		Shape: append([]int(nil), t.Shape...),
		Data:  make([]int16, len(t.Data)),
	}
	for i, v := range t.Data {
		if v != v {
			continue
		}
		f := math.Max(math.MinInt32, math.Min(math.MaxInt32, float64(v)))
		out.Data[i] = int16(int32(f))
	}
	return out
}

// Encode packs t as little-endian values of format p, the layout ONNX Runtime
// expects for fp16 and bf16 tensors.
func (t *Tensor) Encode(p Precision) []byte {
	if p == FP32 {
		b := make([]byte, 4*len(t.Data))
		for i, v := range t.Data {
			binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
		}
		return b
	}
	b := make([]byte, 2*len(t.Data))
	for i, v := range t.Data {
		var u uint16
		if p == BF16 {
			u = uint16(math.Float32bits(roundBF16(v)) >> 16)
		} else {
			u = float16.Fromfloat32(v).Bits()
		}
		binary.LittleEndian.PutUint16(b[2*i:], u)
	}
	return b
}

// Decode unpacks little-endian values of format p into a float32 tensor.
func Decode(b []byte, p Precision, shape ...int) (*Tensor, error) {
	size := 2
	if p == FP32 {
		size = 4
	}
	if len(b)%size != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of %s values", ErrShapeMismatch, len(b), p)
	}
	data := make([]float32, len(b)/size)
	for i := range data {
		switch p {
		case FP32:
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
		case BF16:
			data[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(b[2*i:])) << 16)
		default:
			data[i] = float16.Frombits(binary.LittleEndian.Uint16(b[2*i:])).Float32()
		}
	}
	return FromData(data, shape...)
}
