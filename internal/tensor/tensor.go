package tensor

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"strconv"
	"strings"
)

// DType describes how a tensor's elements are stored.
type DType uint8

const (
	F32 DType = iota
	F16
	I32
)

func (d DType) String() string {
	switch d {
	case F32:
		return "F32"
	case F16:
		return "F16"
	case I32:
		return "I32"
	default:
		return "DType(" + strconv.Itoa(int(d)) + ")"
	}
}

// Device names the placement of a tensor. Placement is logical: every device
// is executed by the host runtime, but compute kernels refuse to mix tensors
// that live on different devices.
type Device string

const CPU Device = "cpu"

// ParseDevice normalises a device name. A bare index such as "1" becomes
// "cpu:1".
func ParseDevice(s string) (Device, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", errors.New("empty device name")
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return "", fmt.Errorf("invalid device index %d", n)
		}
		return Device("cpu:" + strconv.Itoa(n)), nil
	}
	kind, idx, found := strings.Cut(s, ":")
	if kind == "" {
		return "", fmt.Errorf("invalid device %q", s)
	}
	if found {
		n, err := strconv.Atoi(idx)
		if err != nil || n < 0 {
			return "", fmt.Errorf("invalid device index in %q", s)
		}
	}
	return Device(s), nil
}

// ParseDeviceList parses a colon or comma separated device list such as
// "0:1" or "cpu:0,cpu:1".
func ParseDeviceList(s string) ([]Device, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var parts []string
	if strings.Contains(s, ",") {
		parts = strings.Split(s, ",")
	} else {
		parts = strings.Split(s, ":")
		// "cpu:0" alone is one device, not two.
		if len(parts) == 2 {
			if _, err := strconv.Atoi(parts[0]); err != nil {
				parts = []string{s}
			}
		}
	}
	out := make([]Device, 0, len(parts))
	for _, p := range parts {
		d, err := ParseDevice(p)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// ErrDeviceMismatch is returned by compute kernels when operands live on
// different devices.
var ErrDeviceMismatch = errors.New("tensor: device mismatch")

// Tensor is a dense row-major tensor. Floating point tensors keep their
// values in Data; F16 tensors hold values already rounded to half precision.
// I32 tensors keep their values in Ints.
type Tensor struct {
	Shape  []int
	DType  DType
	Device Device

	Data []float32
	Ints []int32
}

// New allocates a zeroed F32 tensor on the CPU.
func New(shape ...int) *Tensor {
	n := numel(shape)
	return &Tensor{
		Shape:  slices.Clone(shape),
		DType:  F32,
		Device: CPU,
		Data:   make([]float32, n),
	}
}

// NewInt allocates a zeroed I32 tensor on the CPU.
func NewInt(shape ...int) *Tensor {
	n := numel(shape)
	return &Tensor{
		Shape:  slices.Clone(shape),
		DType:  I32,
		Device: CPU,
		Ints:   make([]int32, n),
	}
}

// FromData wraps data without copying. It panics if the length does not
// match the shape.
func FromData(data []float32, shape ...int) *Tensor {
	if numel(shape) != len(data) {
		panic("tensor: data length mismatch")
	}
	return &Tensor{Shape: slices.Clone(shape), DType: F32, Device: CPU, Data: data}
}

// FromInts wraps integer data without copying.
func FromInts(data []int32, shape ...int) *Tensor {
	if numel(shape) != len(data) {
		panic("tensor: data length mismatch")
	}
	return &Tensor{Shape: slices.Clone(shape), DType: I32, Device: CPU, Ints: data}
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic("tensor: negative dimension")
		}
		n *= d
	}
	return n
}

// Numel returns the number of elements.
func (t *Tensor) Numel() int { return numel(t.Shape) }

// Cols returns the size of the last dimension.
func (t *Tensor) Cols() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[len(t.Shape)-1]
}

// Rows returns the product of all dimensions except the last.
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return numel(t.Shape[:len(t.Shape)-1])
}

// Row returns a view of row i of a floating point tensor.
func (t *Tensor) Row(i int) []float32 {
	c := t.Cols()
	if i < 0 || i >= t.Rows() {
		panic("tensor: row index out of range")
	}
	return t.Data[i*c : (i+1)*c]
}

// At returns element (i, j) of a rank-2 floating point tensor.
func (t *Tensor) At(i, j int) float32 { return t.Data[i*t.Cols()+j] }

// Set stores element (i, j) of a rank-2 floating point tensor.
func (t *Tensor) Set(i, j int, v float32) { t.Data[i*t.Cols()+j] = v }

// IsFloat reports whether the tensor stores floating point values.
func (t *Tensor) IsFloat() bool { return t.DType != I32 }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}
	return &Tensor{
		Shape:  slices.Clone(t.Shape),
		DType:  t.DType,
		Device: t.Device,
		Data:   slices.Clone(t.Data),
		Ints:   slices.Clone(t.Ints),
	}
}

// To returns t when it already lives on dev, otherwise a copy placed on dev.
func (t *Tensor) To(dev Device) *Tensor {
	if t == nil || t.Device == dev {
		return t
	}
	c := t.Clone()
	c.Device = dev
	return c
}

// MoveTo relocates t in place.
func (t *Tensor) MoveTo(dev Device) {
	t.Device = dev
}

// CopyFrom copies values from src, converting between float dtypes. Shapes
// must match.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !slices.Equal(t.Shape, src.Shape) {
		return fmt.Errorf("tensor: shape mismatch: have %v, want %v", src.Shape, t.Shape)
	}
	if t.IsFloat() != src.IsFloat() {
		return fmt.Errorf("tensor: cannot copy %s into %s", src.DType, t.DType)
	}
	if t.DType == I32 {
		copy(t.Ints, src.Ints)
		return nil
	}
	copy(t.Data, src.Data)
	if t.DType == F16 {
		RoundHalf(t.Data)
	}
	return nil
}

// Equal reports whether a and b have the same shape, dtype and values.
func Equal(a, b *Tensor) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.DType == b.DType &&
		slices.Equal(a.Shape, b.Shape) &&
		slices.Equal(a.Data, b.Data) &&
		slices.Equal(a.Ints, b.Ints)
}

// FillRand fills a floating point tensor with reproducible pseudo-random
// values in roughly (-scale, scale).
func FillRand(t *Tensor, seed int64, scale float32) {
	if !t.IsFloat() {
		panic("tensor: FillRand only supports float tensors")
	}
	rng := rand.New(rand.NewSource(seed))
	for i := range t.Data {
		t.Data[i] = (rng.Float32()*2 - 1) * scale
	}
	if t.DType == F16 {
		RoundHalf(t.Data)
	}
}

// SameDevice returns ErrDeviceMismatch when any of ts lives on a different
// device than the first non-nil tensor.
func SameDevice(ts ...*Tensor) error {
	var dev Device
	seen := false
	for _, t := range ts {
		if t == nil {
			continue
		}
		if !seen {
			dev, seen = t.Device, true
			continue
		}
		if t.Device != dev {
			return fmt.Errorf("%w: %s vs %s", ErrDeviceMismatch, dev, t.Device)
		}
	}
	return nil
}
