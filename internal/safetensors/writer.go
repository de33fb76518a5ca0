package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/qllm/internal/tensor"
)

// Named pairs a tensor with the name it is stored under.
type Named struct {
	Name string
	T    *tensor.Tensor
}

// Write stores tensors in a single safetensors file at path. F32 and F16
// tensors keep their dtype; I32 tensors are stored as I32.
func Write(path string, tensors []Named, meta map[string]string) error {
	header := make(map[string]any, len(tensors)+1)
	if len(meta) > 0 {
		header[metadataKey] = meta
	}
	payloads := make([][]byte, len(tensors))
	var off int64
	for i, nt := range tensors {
		if _, dup := header[nt.Name]; dup {
			return fmt.Errorf("duplicate tensor %q", nt.Name)
		}
		raw, dtype := encode(nt.T)
		payloads[i] = raw
		header[nt.Name] = tensorHeader{
			DType:       dtype,
			Shape:       nt.T.Shape,
			DataOffsets: []int64{off, off + int64(len(raw))},
		}
		off += int64(len(raw))
	}

	hb, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	for len(hb)%8 != 0 {
		hb = append(hb, ' ')
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hb)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		_ = f.Close()
		return err
	}
	if _, err := w.Write(hb); err != nil {
		_ = f.Close()
		return err
	}
	for _, p := range payloads {
		if _, err := w.Write(p); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func encode(t *tensor.Tensor) ([]byte, DType) {
	switch t.DType {
	case tensor.I32:
		out := make([]byte, len(t.Ints)*4)
		for i, v := range t.Ints {
			binary.LittleEndian.PutUint32(out[i*4:], uint32(v))
		}
		return out, I32
	case tensor.F16:
		return tensor.EncodeF16(t.Data), F16
	default:
		out := make([]byte, len(t.Data)*4)
		for i, v := range t.Data {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
		return out, F32
	}
}
