package model

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/samcharles93/qllm/internal/logger"
	"github.com/samcharles93/qllm/internal/nn"
	"github.com/samcharles93/qllm/internal/safetensors"
	"github.com/samcharles93/qllm/internal/tensor"
)

// InitMode controls how a freshly built decoder's weights are initialised.
type InitMode int

const (
	// InitSkip leaves weights zeroed (norm weights at one); they are
	// expected to be overwritten from a checkpoint.
	InitSkip InitMode = iota
	// InitRandom fills weights with small seeded random values.
	InitRandom
)

func (m InitMode) String() string {
	switch m {
	case InitSkip:
		return "skip"
	case InitRandom:
		return "random"
	default:
		return fmt.Sprintf("InitMode(%d)", int(m))
	}
}

const randomScale = 0.05

// initRandom seeds every non-norm parameter from a hash of its name so the
// result does not depend on construction order.
func initRandom(root nn.Module) {
	for _, p := range nn.StateDict(root) {
		if p.T.DType == tensor.I32 {
			continue
		}
		if isNormWeight(p.Name) {
			continue
		}
		h := fnv.New64a()
		_, _ = h.Write([]byte(p.Name))
		tensor.FillRand(p.T, int64(h.Sum64()>>1), randomScale)
	}
}

func isNormWeight(name string) bool {
	return strings.HasSuffix(name, "layernorm.weight") || name == "model.norm.weight"
}

// Load builds a decoder from the model directory dir. With InitSkip the
// weights are read from the directory's safetensors checkpoint; with
// InitRandom only config.json is read.
func Load(ctx context.Context, dir string, mode InitMode) (*Decoder, error) {
	cfg, err := LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	d, err := New(cfg, mode)
	if err != nil {
		return nil, err
	}
	if mode == InitRandom {
		return d, nil
	}
	if err := LoadWeights(ctx, d, dir); err != nil {
		return nil, err
	}
	return d, nil
}

// LoadWeights fills root's parameters from the checkpoint in dir. A tied
// output head missing from the checkpoint is copied from the embedding.
func LoadWeights(ctx context.Context, root nn.Module, dir string) error {
	log := logger.FromContext(ctx)
	dst := make(map[string]*tensor.Tensor)
	for _, p := range nn.StateDict(root) {
		dst[p.Name] = p.T
	}
	var optional []string
	if _, ok := root.(*Decoder); ok {
		optional = append(optional, tiedHead)
	}
	missing, err := safetensors.LoadCheckpoint(ctx, dir, dst, optional...)
	if err != nil {
		return fmt.Errorf("load weights: %w", err)
	}
	if d, ok := root.(*Decoder); ok {
		missing = tieHead(d, missing)
	}
	if len(missing) > 0 {
		log.Warn("checkpoint is missing tensors", "count", len(missing), "first", missing[0])
	}
	return nil
}

const tiedHead = "lm_head.weight"

func tieHead(d *Decoder, missing []string) []string {
	out := missing[:0]
	for _, name := range missing {
		if name != tiedHead {
			out = append(out, name)
			continue
		}
		lm, ok := nn.Unwrap(d.Slot("lm_head")).(*nn.Linear)
		emb, eok := nn.Unwrap(d.backbone().Slot("embed_tokens")).(*nn.Embedding)
		if !ok || !eok || lm.Weight.CopyFrom(emb.Weight) != nil {
			out = append(out, name)
		}
	}
	return out
}
