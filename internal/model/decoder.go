// Package model builds decoder-only transformers as nn module trees using
// Hugging Face llama naming (model.layers.N.self_attn.q_proj, ...), so that
// dotted module paths match checkpoint tensor names.
package model

import (
	"fmt"
	"math"

	"github.com/samcharles93/qllm/internal/nn"
	"github.com/samcharles93/qllm/internal/tensor"
)

// Keyword arguments passed from the prefix to every block.
const (
	KwAttentionMask = "attention_mask"
	KwPositionIDs   = "position_ids"
)

// Module kinds of the composite modules.
const (
	KindDecoder   = "decoder"
	KindBackbone  = "backbone"
	KindBlock     = "block"
	KindAttention = "attention"
	KindMLP       = "mlp"
)

const blockPrefix = "model.layers"

// maskValue is added to attention scores of masked positions.
const maskValue = -1e9

// Decoder is the root of the tree: a backbone followed by the output head.
type Decoder struct {
	nn.Slots
	Cfg *Config
}

// Backbone holds the embedding, the block list and the final norm.
type Backbone struct {
	nn.Slots
	Layers *nn.List
}

// Block is one pre-norm transformer layer.
type Block struct {
	nn.Slots
}

// Attention is causal multi-head attention with rotary positions and
// grouped key/value heads.
type Attention struct {
	nn.Slots
	Heads, KVHeads, HeadDim int

	rope *rotary
}

// MLP is the gated feed-forward network down(silu(gate(x)) * up(x)).
type MLP struct {
	nn.Slots
}

// New builds a decoder for cfg. Weights are zeroed for InitSkip and filled
// with seeded random values for InitRandom.
func New(cfg *Config, mode InitMode) (*Decoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	layers := &nn.List{Items: make([]nn.Module, cfg.Layers)}
	for i := range layers.Items {
		layers.Items[i] = newBlock(cfg)
	}
	bb := &Backbone{Layers: layers}
	bb.Put("embed_tokens", nn.NewEmbedding(cfg.Vocab, cfg.Hidden))
	bb.Put("layers", layers)
	bb.Put("norm", nn.NewRMSNorm(cfg.Hidden, cfg.RMSEps))

	d := &Decoder{Cfg: cfg}
	d.Put("model", bb)
	d.Put("lm_head", nn.NewLinear(cfg.Hidden, cfg.Vocab, false))

	if mode == InitRandom {
		initRandom(d)
	}
	return d, nil
}

func newBlock(cfg *Config) *Block {
	q := cfg.Heads * cfg.HeadDim
	kv := cfg.KVHeads * cfg.HeadDim
	attn := &Attention{Heads: cfg.Heads, KVHeads: cfg.KVHeads, HeadDim: cfg.HeadDim}
	attn.rope = newRotary(cfg.HeadDim, cfg.RopeTheta, cfg.RopeScaling)
	attn.Put("q_proj", nn.NewLinear(cfg.Hidden, q, cfg.QKVBias))
	attn.Put("k_proj", nn.NewLinear(cfg.Hidden, kv, cfg.QKVBias))
	attn.Put("v_proj", nn.NewLinear(cfg.Hidden, kv, cfg.QKVBias))
	attn.Put("o_proj", nn.NewLinear(q, cfg.Hidden, false))

	mlp := &MLP{}
	mlp.Put("gate_proj", nn.NewLinear(cfg.Hidden, cfg.Intermediate, false))
	mlp.Put("up_proj", nn.NewLinear(cfg.Hidden, cfg.Intermediate, false))
	mlp.Put("down_proj", nn.NewLinear(cfg.Intermediate, cfg.Hidden, false))

	b := &Block{}
	b.Put("input_layernorm", nn.NewRMSNorm(cfg.Hidden, cfg.RMSEps))
	b.Put("self_attn", attn)
	b.Put("post_attention_layernorm", nn.NewRMSNorm(cfg.Hidden, cfg.RMSEps))
	b.Put("mlp", mlp)
	return b
}

func (d *Decoder) Kind() string       { return KindDecoder }
func (d *Decoder) Params() []nn.Param { return nil }

// Blocks returns the transformer block list.
func (d *Decoder) Blocks() *nn.List { return d.backbone().Layers }

// BlockPrefix returns the dotted path of the block list.
func (d *Decoder) BlockPrefix() string { return blockPrefix }

func (d *Decoder) backbone() *Backbone {
	return nn.Unwrap(d.Slot("model")).(*Backbone)
}

// Prefix embeds ids and returns the arguments of block 0: the hidden states
// plus the causal mask and position ids as keyword arguments.
func (d *Decoder) Prefix(ids *tensor.Tensor) (*nn.Args, error) {
	h, err := d.backbone().CallSlot("embed_tokens", nn.Call(ids))
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	return blockArgs(h), nil
}

// Forward takes a rank-1 tensor of token ids and returns logits
// [seq, vocab].
func (d *Decoder) Forward(in *nn.Args) (*tensor.Tensor, error) {
	h, err := d.CallSlot("model", in)
	if err != nil {
		return nil, err
	}
	return d.CallSlot("lm_head", nn.Call(h))
}

func blockArgs(h *tensor.Tensor) *nn.Args {
	seq := h.Rows()
	mask := CausalMask(seq)
	mask.Device = h.Device
	pos := make([]int, seq)
	for i := range pos {
		pos[i] = i
	}
	return nn.Call(h).With(KwAttentionMask, mask).With(KwPositionIDs, pos)
}

// CausalMask returns an additive [seq, seq] mask that hides future
// positions.
func CausalMask(seq int) *tensor.Tensor {
	m := tensor.New(seq, seq)
	for i := 0; i < seq; i++ {
		for j := i + 1; j < seq; j++ {
			m.Set(i, j, maskValue)
		}
	}
	return m
}

func (b *Backbone) Kind() string       { return KindBackbone }
func (b *Backbone) Params() []nn.Param { return nil }

func (b *Backbone) Forward(in *nn.Args) (*tensor.Tensor, error) {
	ids, err := in.Tensor(0)
	if err != nil {
		return nil, err
	}
	h, err := b.CallSlot("embed_tokens", nn.Call(ids))
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	args := blockArgs(h)
	for i, blk := range b.Layers.Items {
		h, err = blk.Forward(args)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		args = nn.Call(h).With(KwAttentionMask, args.Kw[KwAttentionMask]).With(KwPositionIDs, args.Kw[KwPositionIDs])
	}
	return b.CallSlot("norm", nn.Call(h))
}

func (b *Block) Kind() string       { return KindBlock }
func (b *Block) Params() []nn.Param { return nil }

func (b *Block) Forward(in *nn.Args) (*tensor.Tensor, error) {
	x, err := in.Tensor(0)
	if err != nil {
		return nil, err
	}
	xn, err := b.CallSlot("input_layernorm", nn.Call(x))
	if err != nil {
		return nil, err
	}
	attnIn := nn.Call(xn)
	for k, v := range in.Kw {
		attnIn.With(k, v)
	}
	a, err := b.CallSlot("self_attn", attnIn)
	if err != nil {
		return nil, fmt.Errorf("self_attn: %w", err)
	}
	h, err := residual(x, a)
	if err != nil {
		return nil, err
	}
	hn, err := b.CallSlot("post_attention_layernorm", nn.Call(h))
	if err != nil {
		return nil, err
	}
	m, err := b.CallSlot("mlp", nn.Call(hn))
	if err != nil {
		return nil, fmt.Errorf("mlp: %w", err)
	}
	return residual(h, m)
}

func residual(x, y *tensor.Tensor) (*tensor.Tensor, error) {
	if err := tensor.SameDevice(x, y); err != nil {
		return nil, err
	}
	if x.Numel() != y.Numel() {
		return nil, fmt.Errorf("residual: size %d vs %d", x.Numel(), y.Numel())
	}
	out := y.Clone()
	tensor.Add(out.Data, x.Data)
	return out, nil
}

func (a *Attention) Kind() string       { return KindAttention }
func (a *Attention) Params() []nn.Param { return nil }

func (a *Attention) Forward(in *nn.Args) (*tensor.Tensor, error) {
	x, err := in.Tensor(0)
	if err != nil {
		return nil, err
	}
	seq := x.Rows()
	mask, err := in.KwTensor(KwAttentionMask)
	if err != nil {
		return nil, err
	}
	if mask == nil {
		mask = CausalMask(seq)
		mask.Device = x.Device
	}
	if err := tensor.SameDevice(x, mask); err != nil {
		return nil, fmt.Errorf("attention mask: %w", err)
	}
	pos, err := in.KwInts(KwPositionIDs)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		pos = make([]int, seq)
		for i := range pos {
			pos[i] = i
		}
	}
	if len(pos) != seq || mask.Rows() != seq || mask.Cols() != seq {
		return nil, fmt.Errorf("attention: %d positions and %v mask for %d tokens", len(pos), mask.Shape, seq)
	}

	q, err := a.CallSlot("q_proj", nn.Call(x))
	if err != nil {
		return nil, err
	}
	k, err := a.CallSlot("k_proj", nn.Call(x))
	if err != nil {
		return nil, err
	}
	v, err := a.CallSlot("v_proj", nn.Call(x))
	if err != nil {
		return nil, err
	}

	hd := a.HeadDim
	group := a.Heads / a.KVHeads
	for t := 0; t < seq; t++ {
		qr, kr := q.Row(t), k.Row(t)
		for h := 0; h < a.Heads; h++ {
			a.rope.apply(qr[h*hd:(h+1)*hd], pos[t])
		}
		for h := 0; h < a.KVHeads; h++ {
			a.rope.apply(kr[h*hd:(h+1)*hd], pos[t])
		}
	}

	ctx := tensor.New(seq, a.Heads*hd)
	ctx.Device = x.Device
	scale := float32(1 / math.Sqrt(float64(hd)))
	scores := make([]float32, seq)
	for h := 0; h < a.Heads; h++ {
		kvh := h / group
		for t := 0; t < seq; t++ {
			qh := q.Row(t)[h*hd : (h+1)*hd]
			for s := 0; s < seq; s++ {
				kh := k.Row(s)[kvh*hd : (kvh+1)*hd]
				scores[s] = tensor.Dot(qh, kh)*scale + mask.At(t, s)
			}
			tensor.Softmax(scores)
			out := ctx.Row(t)[h*hd : (h+1)*hd]
			for s := 0; s < seq; s++ {
				w := scores[s]
				if w == 0 {
					continue
				}
				vh := v.Row(s)[kvh*hd : (kvh+1)*hd]
				for i := range out {
					out[i] += w * vh[i]
				}
			}
		}
	}
	return a.CallSlot("o_proj", nn.Call(ctx))
}

func (m *MLP) Kind() string       { return KindMLP }
func (m *MLP) Params() []nn.Param { return nil }

func (m *MLP) Forward(in *nn.Args) (*tensor.Tensor, error) {
	x, err := in.Tensor(0)
	if err != nil {
		return nil, err
	}
	g, err := m.CallSlot("gate_proj", nn.Call(x))
	if err != nil {
		return nil, err
	}
	u, err := m.CallSlot("up_proj", nn.Call(x))
	if err != nil {
		return nil, err
	}
	if err := tensor.SameDevice(g, u); err != nil {
		return nil, err
	}
	for i, gv := range g.Data {
		g.Data[i] = tensor.Silu(gv) * u.Data[i]
	}
	return m.CallSlot("down_proj", nn.Call(g))
}

var (
	_ nn.Stack  = (*Decoder)(nil)
	_ nn.Parent = (*Decoder)(nil)
	_ nn.Parent = (*Backbone)(nil)
	_ nn.Parent = (*Block)(nil)
	_ nn.Parent = (*Attention)(nil)
	_ nn.Parent = (*MLP)(nil)
)
