package quant

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/samcharles93/qllm/internal/logger"
	"github.com/samcharles93/qllm/internal/nn"
	"github.com/samcharles93/qllm/internal/tensor"
)

// Result holds the fitted parameters of every quantized layer.
type Result struct {
	// Paths lists the layers in the order they were solved.
	Paths  []string
	Params map[string]*Params

	base Method
}

func newResult(base Method) *Result {
	return &Result{Params: make(map[string]*Params), base: base}
}

func (r *Result) add(path string, p *Params) {
	if _, ok := r.Params[path]; !ok {
		r.Paths = append(r.Paths, path)
	}
	r.Params[path] = p
}

// Method returns the method of the whole run. Layers that fell back to
// another method are appended, as in "gptq+rtn".
func (r *Result) Method() Method {
	return Overall(r.base, r.Params)
}

// Overall summarises the per-layer methods of params under base.
func Overall(base Method, params map[string]*Params) Method {
	seen := map[Method]bool{}
	for _, p := range params {
		seen[p.Method] = true
	}
	if len(seen) == 0 {
		return base
	}
	var others []string
	for m := range seen {
		if m != base {
			others = append(others, string(m))
		}
	}
	slices.Sort(others)
	if !seen[base] {
		return Method(strings.Join(others, "+"))
	}
	return Method(strings.Join(append([]string{string(base)}, others...), "+"))
}

// Info returns the quant.op.json record of r.
func (r *Result) Info() *Info {
	info := NewInfo(r.Method())
	for p, prm := range r.Params {
		info.Layers[p] = LayerConfig{Bits: prm.Bits, GroupSize: prm.GroupSize}
	}
	return info
}

// Sequential quantizes a Stack one block at a time. The inputs of block
// i+1 are produced by block i after its layers have been quantized, so
// every block is calibrated against the error of the blocks before it.
type Sequential struct {
	Config Config
	Log    logger.Logger
}

// Quantize calibrates every linear layer inside the blocks of m with the
// token id samples and returns the fitted parameters keyed by layer path.
// Layers configured with DenseBits or more are left alone.
func (s *Sequential) Quantize(ctx context.Context, m nn.Stack, samples []*tensor.Tensor) (*Result, error) {
	cfg := s.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no calibration samples", ErrConfig)
	}
	if cfg.Device == "" {
		cfg.Device = tensor.CPU
	}
	log := s.Log
	if log == nil {
		log = logger.Discard()
	}

	inps := make([]*nn.Args, len(samples))
	for j, ids := range samples {
		a, err := m.Prefix(ids)
		if err != nil {
			return nil, fmt.Errorf("prefix of sample %d: %w", j, err)
		}
		inps[j] = a.To(cfg.Device)
	}

	res := newResult(cfg.Method)
	n := m.Blocks().Len()
	for i := range n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		done := logger.Stage(log, "block", "index", i, "of", n)
		if err := s.block(m, i, cfg, inps, res, log); err != nil {
			return nil, fmt.Errorf("%s: %w", nn.BlockPath(m, i), err)
		}
		done()
	}
	return res, nil
}

func (s *Sequential) block(m nn.Stack, i int, cfg Config, inps []*nn.Args, res *Result, log logger.Logger) error {
	blk := m.Blocks().Items[i]
	path := nn.BlockPath(m, i)
	if home, ok := nn.Device(blk); ok && home != cfg.Device {
		nn.MoveParams(blk, cfg.Device)
		defer nn.MoveParams(blk, home)
	}

	targets := nn.Find(blk, path, nn.KindLinear).Filter(func(p string, _ nn.Module) bool {
		if cfg.For(p).Dense() {
			log.Debug("keeping layer dense", "layer", p)
			return false
		}
		return true
	})

	// Capture.
	stats := make(map[string]*Stats, targets.Len())
	var removes []func()
	removeAll := func() {
		for _, r := range removes {
			r()
		}
		removes = nil
	}
	defer removeAll()
	for _, p := range targets.Paths() {
		mod, _ := targets.Get(p)
		lin, ok := mod.(*nn.Linear)
		if !ok {
			return fmt.Errorf("%w: %s is not a dense linear layer", ErrConfig, p)
		}
		st := NewStats(lin.In)
		rm, err := nn.InstallHook(m, p, st.Hook())
		if err != nil {
			return fmt.Errorf("capture %s: %w", p, err)
		}
		removes = append(removes, rm)
		stats[p] = st
	}
	for j, a := range inps {
		if _, err := blk.Forward(a); err != nil {
			return fmt.Errorf("capture sample %d: %w", j, err)
		}
	}
	removeAll()

	// Solve and substitute.
	for _, p := range targets.Paths() {
		mod, _ := targets.Get(p)
		lin := mod.(*nn.Linear)
		lc := cfg.For(p)
		prm, q, err := s.solve(p, lin, stats[p], lc, cfg, log)
		if err != nil {
			return fmt.Errorf("solve %s: %w", p, err)
		}
		if cfg.WriteBack {
			if err := lin.Weight.CopyFrom(q); err != nil {
				return fmt.Errorf("write back %s: %w", p, err)
			}
		}
		res.add(p, prm)
		log.Debug("layer quantized", "layer", p, "method", prm.Method, "bits", lc.Bits, "group_size", lc.GroupSize)
	}

	// Advance.
	for j, a := range inps {
		y, err := blk.Forward(a)
		if err != nil {
			return fmt.Errorf("advance sample %d: %w", j, err)
		}
		inps[j] = a.Replace(0, y)
	}
	return nil
}

// solve returns the layer parameters and its quantized dense weight.
func (s *Sequential) solve(path string, lin *nn.Linear, st *Stats, lc LayerConfig, cfg Config, log logger.Logger) (*Params, *tensor.Tensor, error) {
	switch cfg.Method {
	case MethodRTN:
		p := RTN(lin.Weight, lc, cfg.Sym)
		return p, QDQ(lin.Weight, p), nil
	case MethodAWQ:
		p := AWQ{Sym: cfg.Sym}.Solve(lin.Weight, st, lc)
		return p, QDQ(lin.Weight, p), nil
	}
	g := GPTQ{PercDamp: cfg.PercDamp, ActOrder: cfg.ActOrder, StaticGroups: cfg.StaticGroups, Sym: cfg.Sym}
	p, q, err := g.Solve(lin.Weight, st.Hessian(), lc)
	if errors.Is(err, ErrNumeric) {
		log.Warn("gptq failed, falling back to round-to-nearest", "layer", path, "err", err)
		p = RTN(lin.Weight, lc, cfg.Sym)
		return p, QDQ(lin.Weight, p), nil
	}
	return p, q, err
}
