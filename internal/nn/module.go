// Package nn defines the module tree that models are built from: named
// modules with ordered children and their own parameter tensors, call
// arguments with positional and keyword values, and pre-call hooks.
package nn

import (
	"errors"
	"fmt"

	"github.com/samcharles93/qllm/internal/tensor"
)

// Module kinds used for discovery.
const (
	KindLinear    = "linear"
	KindEmbedding = "embedding"
	KindRMSNorm   = "rmsnorm"
	KindList      = "list"
)

var (
	// ErrNotCallable is returned by containers that have no forward pass.
	ErrNotCallable = errors.New("nn: module is not callable")
	// ErrNoChild is returned when a child name does not exist on a parent.
	ErrNoChild = errors.New("nn: no such child")
)

// Module is a node of the model tree.
type Module interface {
	// Kind identifies the module type for discovery.
	Kind() string
	// Forward runs the module on in.
	Forward(in *Args) (*tensor.Tensor, error)
	// Children returns the direct children in declaration order.
	Children() []Child
	// Params returns the module's own parameters, excluding children.
	Params() []Param
}

// Parent is a module whose child slots can be replaced.
type Parent interface {
	Module
	SetChild(name string, m Module) error
}

// Child is a named edge of the tree.
type Child struct {
	Name   string
	Module Module
}

// Param is a named parameter tensor owned by a module. T may be nil for an
// absent optional parameter such as a bias.
type Param struct {
	Name string
	T    *tensor.Tensor
}

// Linear computes y = x Wᵀ + b with W of shape [Out, In].
type Linear struct {
	In, Out int
	Weight  *tensor.Tensor
	Bias    *tensor.Tensor
}

// NewLinear allocates a zeroed linear layer.
func NewLinear(in, out int, bias bool) *Linear {
	l := &Linear{In: in, Out: out, Weight: tensor.New(out, in)}
	if bias {
		l.Bias = tensor.New(out)
	}
	return l
}

func (l *Linear) Kind() string { return KindLinear }

func (l *Linear) Forward(in *Args) (*tensor.Tensor, error) {
	x, err := in.Tensor(0)
	if err != nil {
		return nil, err
	}
	y, err := tensor.MatMulT(x, l.Weight)
	if err != nil {
		return nil, fmt.Errorf("linear: %w", err)
	}
	if err := tensor.AddBias(y, l.Bias); err != nil {
		return nil, fmt.Errorf("linear: %w", err)
	}
	return y, nil
}

func (l *Linear) Children() []Child { return nil }

func (l *Linear) Params() []Param {
	ps := []Param{{Name: "weight", T: l.Weight}}
	if l.Bias != nil {
		ps = append(ps, Param{Name: "bias", T: l.Bias})
	}
	return ps
}

// Embedding maps token ids to rows of Weight [Vocab, Dim].
type Embedding struct {
	Vocab, Dim int
	Weight     *tensor.Tensor
}

func NewEmbedding(vocab, dim int) *Embedding {
	return &Embedding{Vocab: vocab, Dim: dim, Weight: tensor.New(vocab, dim)}
}

func (e *Embedding) Kind() string { return KindEmbedding }

// Forward expects a rank-1 tensor of token ids stored as floats.
func (e *Embedding) Forward(in *Args) (*tensor.Tensor, error) {
	ids, err := in.Tensor(0)
	if err != nil {
		return nil, err
	}
	if err := tensor.SameDevice(ids, e.Weight); err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}
	n := ids.Numel()
	out := tensor.New(n, e.Dim)
	out.Device = ids.Device
	for i, f := range ids.Data {
		tok := int(f)
		if tok < 0 || tok >= e.Vocab {
			return nil, fmt.Errorf("embedding: token %d out of range [0,%d)", tok, e.Vocab)
		}
		copy(out.Row(i), e.Weight.Row(tok))
	}
	return out, nil
}

func (e *Embedding) Children() []Child { return nil }

func (e *Embedding) Params() []Param { return []Param{{Name: "weight", T: e.Weight}} }

// RMSNorm normalises each row and scales it by Weight.
type RMSNorm struct {
	Dim    int
	Eps    float32
	Weight *tensor.Tensor
}

func NewRMSNorm(dim int, eps float32) *RMSNorm {
	w := tensor.New(dim)
	for i := range w.Data {
		w.Data[i] = 1
	}
	return &RMSNorm{Dim: dim, Eps: eps, Weight: w}
}

func (n *RMSNorm) Kind() string { return KindRMSNorm }

func (n *RMSNorm) Forward(in *Args) (*tensor.Tensor, error) {
	x, err := in.Tensor(0)
	if err != nil {
		return nil, err
	}
	if err := tensor.SameDevice(x, n.Weight); err != nil {
		return nil, fmt.Errorf("rmsnorm: %w", err)
	}
	out := tensor.New(x.Shape...)
	out.Device = x.Device
	for i := 0; i < x.Rows(); i++ {
		tensor.RMSNorm(out.Row(i), x.Row(i), n.Weight.Data, n.Eps)
	}
	return out, nil
}

func (n *RMSNorm) Children() []Child { return nil }

func (n *RMSNorm) Params() []Param { return []Param{{Name: "weight", T: n.Weight}} }

// List is an ordered container whose children are named "0", "1", ...
type List struct {
	Items []Module
}

func (l *List) Kind() string { return KindList }

func (l *List) Forward(*Args) (*tensor.Tensor, error) { return nil, ErrNotCallable }

func (l *List) Len() int { return len(l.Items) }

func (l *List) Children() []Child {
	out := make([]Child, len(l.Items))
	for i, m := range l.Items {
		out[i] = Child{Name: itoa(i), Module: m}
	}
	return out
}

func (l *List) Params() []Param { return nil }

func (l *List) SetChild(name string, m Module) error {
	i, ok := atoi(name)
	if !ok || i < 0 || i >= len(l.Items) {
		return fmt.Errorf("%w: %q", ErrNoChild, name)
	}
	l.Items[i] = m
	return nil
}

// Stack is a model whose body is an ordered list of transformer blocks
// preceded by a prefix (the token embedding).
type Stack interface {
	Module
	// Blocks returns the block list. Items may be wrapped by hooks.
	Blocks() *List
	// BlockPrefix is the dotted path of the block list below the root.
	BlockPrefix() string
	// Prefix runs everything before block 0 on ids and returns the
	// arguments block 0 is called with.
	Prefix(ids *tensor.Tensor) (*Args, error)
}

// BlockPath returns the dotted path of block i of s.
func BlockPath(s Stack, i int) string {
	return Join(s.BlockPrefix(), itoa(i))
}
