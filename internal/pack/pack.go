package pack

import (
	"errors"
	"fmt"
	"slices"

	"github.com/samcharles93/qllm/internal/kernels"
	"github.com/samcharles93/qllm/internal/logger"
	"github.com/samcharles93/qllm/internal/nn"
	"github.com/samcharles93/qllm/internal/quant"
)

// ErrPackMismatch is returned when packed storage does not reproduce the
// quantized weight it was built from.
var ErrPackMismatch = errors.New("pack: packed layer does not match quantized weight")

// Options controls Pack.
type Options struct {
	// Verify unpacks every layer after packing and checks it against the
	// quantize-dequantized dense weight, which is also written back into
	// the dense layer.
	Verify   bool
	Selector *kernels.Selector
	Log      logger.Logger
	// Config supplies the run-wide bits and group size recorded in the
	// kernel config. Nil means quant.DefaultConfig.
	Config *quant.Config
}

// Pack replaces every layer of res in root with a packed kernel. It returns
// the per-layer record and the kernel config to save with the model.
func Pack(root nn.Module, res *quant.Result, opts Options) (*quant.Info, quant.KernelConfig, error) {
	log := opts.Log
	if log == nil {
		log = logger.Discard()
	}
	var kc quant.KernelConfig
	done := logger.Stage(log, "pack", "layers", len(res.Paths))

	dense := make(map[string]*nn.Linear, len(res.Paths))
	for _, path := range res.Paths {
		m, err := nn.Resolve(root, path)
		if err != nil {
			return nil, kc, fmt.Errorf("%w: %v", quant.ErrConfig, err)
		}
		lin, ok := m.(*nn.Linear)
		if !ok {
			return nil, kc, fmt.Errorf("%w: %s is %s, not a dense linear layer", quant.ErrConfig, path, m.Kind())
		}
		dense[path] = lin
	}
	targets := nn.Find(root, "", nn.KindLinear).Filter(func(p string, _ nn.Module) bool {
		_, ok := dense[p]
		return ok
	})

	info := res.Info()
	qs, err := Substitute(root, targets, info, opts.Selector, log)
	if err != nil {
		return nil, kc, err
	}

	allOptimized := true
	for _, path := range targets.Paths() {
		q, prm, lin := qs[path], res.Params[path], dense[path]
		if q == nil {
			continue
		}
		if q.Layout == kernels.Optimized && !contiguous(prm.GIdx, prm.GroupSize) {
			log.Info("act-order groups need the portable kernel", "layer", path)
			if q, err = portable(root, path, q); err != nil {
				return nil, kc, err
			}
		}
		in := prm.PackInput(lin.Weight, lin.Bias)
		if err := q.Pack(in); err != nil {
			return nil, kc, fmt.Errorf("pack %s: %w", path, err)
		}
		if opts.Verify {
			if err := verify(q, lin, prm, in); err != nil {
				return nil, kc, fmt.Errorf("%s: %w", path, err)
			}
		}
		lc := info.Layers[path]
		lc.Kernel = q.Layout.Version()
		info.Layers[path] = lc
		allOptimized = allOptimized && q.Layout == kernels.Optimized
		log.Debug("layer packed", "layer", path, "kernel", lc.Kernel, "bits", lc.Bits)
	}

	global := quant.DefaultConfig()
	if opts.Config != nil {
		global = *opts.Config
	}
	kc = quant.KernelConfig{ZeroPoint: true, Bits: global.Bits, GroupSize: global.GroupSize, Version: kernels.Portable.Version()}
	if len(res.Paths) > 0 && allOptimized {
		kc.Version = kernels.Optimized.Version()
	}
	done()
	return info, kc, nil
}

func contiguous(gidx []int, groupSize int) bool {
	for i, g := range gidx {
		want := 0
		if groupSize > 0 {
			want = i / groupSize
		}
		if g != want {
			return false
		}
	}
	return true
}

// portable replaces the kernel at path with a portable one of the same
// shape.
func portable(root nn.Module, path string, q *kernels.QuantLinear) (*kernels.QuantLinear, error) {
	p, err := kernels.New(kernels.Portable, q.In, q.Out, q.Bits, q.GroupSize, q.Bias != nil)
	if err != nil {
		return nil, err
	}
	if q.ActScale != nil {
		p.WithActScale()
	}
	nn.MoveParams(p, q.QWeight.Device)
	if err := nn.Replace(root, path, p); err != nil {
		return nil, err
	}
	return p, nil
}

// verify checks that q reproduces the quantize-dequantized dense weight
// bit for bit and writes that weight back into lin.
func verify(q *kernels.QuantLinear, lin *nn.Linear, prm *quant.Params, in kernels.PackInput) error {
	want, err := kernels.Codes(in, q.Bits, q.GroupSize)
	if err != nil {
		return err
	}
	codes, _ := q.Unpack()
	if !slices.Equal(codes, want) {
		return fmt.Errorf("%w: codes differ", ErrPackMismatch)
	}
	qdq := quant.QDQ(lin.Weight, prm)
	deq := q.Dequantize()
	if q.ActScale != nil {
		for o := range deq.Rows() {
			row := deq.Row(o)
			for i := range row {
				row[i] /= q.ActScale.Data[i]
			}
		}
	}
	if !slices.Equal(deq.Data, qdq.Data) {
		return fmt.Errorf("%w: dequantized weight differs", ErrPackMismatch)
	}
	return lin.Weight.CopyFrom(qdq)
}
