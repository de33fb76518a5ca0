// Package toy provides a minimal block-stacked language model used to test
// the quantization pipeline without a full transformer.
package toy

import (
	"fmt"

	"github.com/samcharles93/qllm/internal/nn"
	"github.com/samcharles93/qllm/internal/tensor"
)

// KwScale is a non-tensor keyword argument passed to every block.
const KwScale = "scale"

// LM embeds tokens, runs them through Blocks residual blocks and projects
// back to the vocabulary. Its tree is:
//
//	embed            Embedding [Vocab, Hidden]
//	layers.N.proj    Linear [Hidden, Hidden] with bias
//	head             Linear [Vocab, Hidden]
type LM struct {
	nn.Slots
	Vocab, Hidden int
	Layers        *nn.List
}

// Block computes x + proj(x) * scale, where scale is an optional float
// keyword argument. A tensor keyword argument "bias" is added when present.
type Block struct {
	nn.Slots
}

// New builds a model with seeded random weights.
func New(vocab, hidden, blocks int, seed int64) *LM {
	m := &LM{Vocab: vocab, Hidden: hidden, Layers: &nn.List{Items: make([]nn.Module, blocks)}}
	emb := nn.NewEmbedding(vocab, hidden)
	tensor.FillRand(emb.Weight, seed+11, 1)
	for i := range m.Layers.Items {
		proj := nn.NewLinear(hidden, hidden, true)
		tensor.FillRand(proj.Weight, seed+int64(100+i), 0.5)
		tensor.FillRand(proj.Bias, seed+int64(200+i), 0.1)
		b := &Block{}
		b.Put("proj", proj)
		m.Layers.Items[i] = b
	}
	head := nn.NewLinear(hidden, vocab, false)
	tensor.FillRand(head.Weight, seed+23, 0.5)
	m.Put("embed", emb)
	m.Put("layers", m.Layers)
	m.Put("head", head)
	return m
}

func (m *LM) Kind() string        { return "toy" }
func (m *LM) Params() []nn.Param  { return nil }
func (m *LM) Blocks() *nn.List    { return m.Layers }
func (m *LM) BlockPrefix() string { return "layers" }

// Block returns block i without hook decorators.
func (m *LM) Block(i int) *Block { return nn.Unwrap(m.Layers.Items[i]).(*Block) }

// Prefix embeds ids and returns the arguments of block 0.
func (m *LM) Prefix(ids *tensor.Tensor) (*nn.Args, error) {
	h, err := m.CallSlot("embed", nn.Call(ids))
	if err != nil {
		return nil, err
	}
	return nn.Call(h), nil
}

// Forward maps ids [seq] to logits [seq, Vocab]. Keyword arguments of the
// call are forwarded to every block.
func (m *LM) Forward(in *nn.Args) (*tensor.Tensor, error) {
	ids, err := in.Tensor(0)
	if err != nil {
		return nil, err
	}
	args, err := m.Prefix(ids)
	if err != nil {
		return nil, err
	}
	args.Kw = in.Kw
	for i, blk := range m.Layers.Items {
		h, err := blk.Forward(args)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		args = args.Replace(0, h)
	}
	h, _ := args.Tensor(0)
	return m.CallSlot("head", nn.Call(h))
}

func (b *Block) Kind() string       { return "toy_block" }
func (b *Block) Params() []nn.Param { return nil }

func (b *Block) Forward(in *nn.Args) (*tensor.Tensor, error) {
	x, err := in.Tensor(0)
	if err != nil {
		return nil, err
	}
	y, err := b.CallSlot("proj", nn.Call(x))
	if err != nil {
		return nil, err
	}
	if err := tensor.SameDevice(x, y); err != nil {
		return nil, err
	}
	scale := float32(1)
	if v, ok := in.Kw[KwScale].(float64); ok {
		scale = float32(v)
	}
	extra, err := in.KwTensor("bias")
	if err != nil {
		return nil, err
	}
	if err := tensor.SameDevice(x, extra); err != nil {
		return nil, fmt.Errorf("bias: %w", err)
	}
	for i := range y.Data {
		y.Data[i] = x.Data[i] + y.Data[i]*scale
		if extra != nil {
			y.Data[i] += extra.Data[i%extra.Numel()]
		}
	}
	return y, nil
}

// Samples returns n seeded token sequences of length seq.
func Samples(n, seq, vocab int, seed int64) []*tensor.Tensor {
	out := make([]*tensor.Tensor, n)
	state := uint64(seed)*6364136223846793005 + 1442695040888963407
	for i := range out {
		ids := tensor.New(seq)
		for j := range ids.Data {
			state = state*6364136223846793005 + 1442695040888963407
			ids.Data[j] = float32((state >> 33) % uint64(vocab))
		}
		out[i] = ids
	}
	return out
}
