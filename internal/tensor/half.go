package tensor

import (
	"encoding/binary"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Half rounds every value to IEEE binary16 and marks the tensor F16.
// Integer tensors are left untouched.
func (t *Tensor) Half() {
	if t == nil || !t.IsFloat() {
		return
	}
	RoundHalf(t.Data)
	t.DType = F16
}

// RoundHalf rounds every value of xs to the nearest binary16 value.
func RoundHalf(xs []float32) {
	for i, v := range xs {
		xs[i] = float16.Fromfloat32(v).Float32()
	}
}

// EncodeF16 encodes xs as little-endian binary16.
func EncodeF16(xs []float32) []byte {
	out := make([]byte, len(xs)*2)
	for i, v := range xs {
		binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
	}
	return out
}

// DecodeF16 decodes little-endian binary16 values.
func DecodeF16(raw []byte) []float32 {
	out := make([]float32, len(raw)/2)
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
	}
	return out
}

// DecodeBF16 decodes little-endian bfloat16 values.
func DecodeBF16(raw []byte) []float32 {
	return bfloat16.DecodeFloat32(raw)
}

// EncodeBF16 encodes xs as little-endian bfloat16.
func EncodeBF16(xs []float32) []byte {
	return bfloat16.EncodeFloat32(xs)
}
