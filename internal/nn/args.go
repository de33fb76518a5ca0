package nn

import (
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/samcharles93/qllm/internal/tensor"
)

// Args carries the positional and keyword arguments of a module call.
// Values may be tensors or anything else; only tensors are relocated by
// device hooks.
type Args struct {
	Pos []any
	Kw  map[string]any
}

// Call builds Args from positional values.
func Call(pos ...any) *Args {
	return &Args{Pos: pos}
}

// With sets a keyword argument and returns a for chaining.
func (a *Args) With(key string, v any) *Args {
	if a.Kw == nil {
		a.Kw = make(map[string]any)
	}
	a.Kw[key] = v
	return a
}

// Clone returns a shallow copy whose slices and maps can be edited without
// touching a.
func (a *Args) Clone() *Args {
	if a == nil {
		return &Args{}
	}
	return &Args{Pos: slices.Clone(a.Pos), Kw: maps.Clone(a.Kw)}
}

// Tensor returns positional argument i as a tensor.
func (a *Args) Tensor(i int) (*tensor.Tensor, error) {
	if a == nil || i >= len(a.Pos) {
		return nil, fmt.Errorf("nn: missing positional argument %d", i)
	}
	t, ok := a.Pos[i].(*tensor.Tensor)
	if !ok || t == nil {
		return nil, fmt.Errorf("nn: positional argument %d is %T, not a tensor", i, a.Pos[i])
	}
	return t, nil
}

// KwTensor returns keyword argument key as a tensor, or nil when absent.
func (a *Args) KwTensor(key string) (*tensor.Tensor, error) {
	if a == nil || a.Kw == nil {
		return nil, nil
	}
	v, ok := a.Kw[key]
	if !ok || v == nil {
		return nil, nil
	}
	t, ok := v.(*tensor.Tensor)
	if !ok {
		return nil, fmt.Errorf("nn: keyword argument %q is %T, not a tensor", key, v)
	}
	return t, nil
}

// KwInts returns keyword argument key as an int slice, or nil when absent.
func (a *Args) KwInts(key string) ([]int, error) {
	if a == nil || a.Kw == nil {
		return nil, nil
	}
	v, ok := a.Kw[key]
	if !ok || v == nil {
		return nil, nil
	}
	xs, ok := v.([]int)
	if !ok {
		return nil, fmt.Errorf("nn: keyword argument %q is %T, not []int", key, v)
	}
	return xs, nil
}

func itoa(i int) string { return strconv.Itoa(i) }

func atoi(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	return n, err == nil
}

// To returns a copy of a with every tensor argument placed on dev.
// Non-tensor values are carried over unchanged.
func (a *Args) To(dev tensor.Device) *Args {
	out := a.Clone()
	for i, v := range out.Pos {
		if t, ok := v.(*tensor.Tensor); ok {
			out.Pos[i] = t.To(dev)
		}
	}
	for k, v := range out.Kw {
		if t, ok := v.(*tensor.Tensor); ok {
			out.Kw[k] = t.To(dev)
		}
	}
	return out
}

// Replace returns a copy of a with positional argument i set to v.
func (a *Args) Replace(i int, v any) *Args {
	out := a.Clone()
	for len(out.Pos) <= i {
		out.Pos = append(out.Pos, nil)
	}
	out.Pos[i] = v
	return out
}
