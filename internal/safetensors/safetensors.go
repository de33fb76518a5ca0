// Package safetensors reads and writes safetensors weight shards and loads
// model checkpoints made of one or more shards.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/qllm/internal/tensor"
)

// ErrTensorNotFound is returned when a shard does not hold a tensor.
var ErrTensorNotFound = errors.New("tensor not found")

// maxHeaderLen bounds the JSON header size accepted by Open.
const maxHeaderLen = 100 << 20

const metadataKey = "__metadata__"

// DType is a safetensors element type.
type DType string

const (
	F32  DType = "F32"
	F16  DType = "F16"
	BF16 DType = "BF16"
	I32  DType = "I32"
)

// Size is the element width in bytes, or 0 for a type this package cannot
// decode.
func (d DType) Size() int {
	switch d {
	case F32, I32:
		return 4
	case F16, BF16:
		return 2
	default:
		return 0
	}
}

// TensorInfo locates one tensor inside the data section.
type TensorInfo struct {
	DType DType
	Shape []int
	Start int64
	End   int64
}

// File is an open shard. Close releases the underlying handle.
type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string

	r *os.File
}

type tensorHeader struct {
	DType       DType   `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open parses the header of the shard at path. Every tensor must lie inside
// the data section.
func Open(path string) (*File, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	f, err := parse(path, r)
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	return f, nil
}

func parse(path string, r *os.File) (*File, error) {
	st, err := r.Stat()
	if err != nil {
		return nil, err
	}
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%s: read header length: %w", path, err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen > maxHeaderLen || int64(headerLen)+8 > st.Size() {
		return nil, fmt.Errorf("%s: header length %d out of range", path, headerLen)
	}
	hb := make([]byte, headerLen)
	if _, err := io.ReadFull(r, hb); err != nil {
		return nil, fmt.Errorf("%s: read header: %w", path, err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(hb, &raw); err != nil {
		return nil, fmt.Errorf("%s: parse header: %w", path, err)
	}

	f := &File{
		Path:      path,
		DataStart: int64(8 + headerLen),
		Tensors:   make(map[string]TensorInfo, len(raw)),
		r:         r,
	}
	dataLen := st.Size() - f.DataStart
	for name, msg := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &f.Metadata); err != nil {
				return nil, fmt.Errorf("%s: parse metadata: %w", path, err)
			}
			continue
		}
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("%s: parse tensor %s: %w", path, name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("%s: tensor %s: invalid data_offsets", path, name)
		}
		info := TensorInfo{DType: th.DType, Shape: th.Shape, Start: th.DataOffsets[0], End: th.DataOffsets[1]}
		if info.Start < 0 || info.End < info.Start || info.End > dataLen {
			return nil, fmt.Errorf("%s: tensor %s: offsets [%d,%d) outside %d data bytes", path, name, info.Start, info.End, dataLen)
		}
		f.Tensors[name] = info
	}
	return f, nil
}

// Close releases the shard.
func (f *File) Close() error {
	if f.r == nil {
		return nil
	}
	err := f.r.Close()
	f.r = nil
	return err
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// ReadTensor returns the raw bytes of name.
func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	if f.r == nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, os.ErrClosed)
	}
	buf := make([]byte, t.End-t.Start)
	if _, err := f.r.ReadAt(buf, f.DataStart+t.Start); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, t, nil
}

// readSized reads name and checks the payload against its shape.
func (f *File) readSized(name string) ([]byte, TensorInfo, int, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, 0, err
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, 0, fmt.Errorf("tensor %s: %w", name, err)
	}
	width := info.DType.Size()
	if width == 0 {
		return nil, TensorInfo{}, 0, fmt.Errorf("tensor %s: unsupported dtype %s", name, info.DType)
	}
	if len(raw) != n*width {
		return nil, TensorInfo{}, 0, fmt.Errorf("tensor %s: %d bytes do not hold %d %s values", name, len(raw), n, info.DType)
	}
	return raw, info, n, nil
}

// ReadTensorF32 decodes a floating point tensor (F32, F16 or BF16) to
// float32 values.
func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, n, err := f.readSized(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	switch info.DType {
	case F32:
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
		return out, info, nil
	case BF16:
		return tensor.DecodeBF16(raw), info, nil
	case F16:
		return tensor.DecodeF16(raw), info, nil
	default:
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %s is not a float type", name, info.DType)
	}
}

// ReadTensorI32 decodes an I32 tensor.
func (f *File) ReadTensorI32(name string) ([]int32, TensorInfo, error) {
	raw, info, n, err := f.readSized(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	if info.DType != I32 {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: expected I32, got %s", name, info.DType)
	}
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out, info, nil
}

// ReadInto decodes name into dst, which must have the same number of
// elements and a compatible dtype. F16 destinations are rounded to half
// precision.
func (f *File) ReadInto(name string, dst *tensor.Tensor) error {
	info, ok := f.Tensors[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return fmt.Errorf("tensor %s: %w", name, err)
	}
	if n != dst.Numel() {
		return fmt.Errorf("tensor %s: shape %v does not fit %v", name, info.Shape, dst.Shape)
	}
	if dst.DType == tensor.I32 {
		ints, _, err := f.ReadTensorI32(name)
		if err != nil {
			return err
		}
		copy(dst.Ints, ints)
		return nil
	}
	vals, _, err := f.ReadTensorF32(name)
	if err != nil {
		return err
	}
	copy(dst.Data, vals)
	if dst.DType == tensor.F16 {
		tensor.RoundHalf(dst.Data)
	}
	return nil
}

func numElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("empty shape")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > math.MaxInt/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}
