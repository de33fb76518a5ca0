package pack

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/qllm/internal/backend"
	"github.com/samcharles93/qllm/internal/kernels"
	"github.com/samcharles93/qllm/internal/nn"
	"github.com/samcharles93/qllm/internal/quant"
	"github.com/samcharles93/qllm/internal/toy"
)

var avx2 = backend.Static(backend.Capabilities{Backend: backend.CPU, Arch: "amd64", AVX2: true, FMA: true})

func selector(t *testing.T, mode string) *kernels.Selector {
	t.Helper()
	s, err := kernels.NewSelector(mode, avx2, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func quantized(t *testing.T, hidden int, cfg quant.Config) (*toy.LM, *quant.Result) {
	t.Helper()
	m := toy.New(32, hidden, 2, 1)
	res, err := (&quant.Sequential{Config: cfg}).Quantize(context.Background(), m, toy.Samples(8, 12, 32, 3))
	if err != nil {
		t.Fatalf("Quantize: %v", err)
	}
	return m, res
}

func TestPackTwoBlocks(t *testing.T) {
	t.Parallel()
	m, res := quantized(t, 16, quant.DefaultConfig())
	info, kc, err := Pack(m, res, Options{Verify: true, Selector: selector(t, kernels.ModeAuto)})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if n := nn.Find(m, "", kernels.KindQuantLinear).Len(); n != 2 {
		t.Fatalf("expected 2 packed layers, got %d", n)
	}
	if n := nn.Find(m, "", nn.KindLinear).Len(); n != 1 {
		t.Fatalf("expected only the head to stay dense, got %d", n)
	}
	raw, err := json.Marshal(info)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	if len(doc) != 3 || doc["method"] != "gptq" {
		t.Fatalf("expected 2 layer entries plus method, got %s", raw)
	}
	want := quant.KernelConfig{ZeroPoint: true, GroupSize: 128, Bits: 4, Version: "GEMM"}
	if kc != want {
		t.Fatalf("expected %+v, got %+v", want, kc)
	}
}

func TestPackPreservesOutputs(t *testing.T) {
	t.Parallel()
	m, res := quantized(t, 16, quant.DefaultConfig())
	ids := toy.Samples(1, 9, 32, 42)[0]
	before, err := m.Forward(nn.Call(ids))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := Pack(m, res, Options{Verify: true, Selector: selector(t, kernels.ModeDQ)}); err != nil {
		t.Fatal(err)
	}
	after, err := m.Forward(nn.Call(ids))
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(before.Shape, after.Shape) || !slices.Equal(before.Data, after.Data) {
		t.Fatal("expected packed model to reproduce the quantized dense model exactly")
	}
	for i := range 2 {
		q := m.Block(i).Slot("proj").(*kernels.QuantLinear)
		if q.In != 16 || q.Out != 16 || q.Bias == nil {
			t.Fatalf("block %d: unexpected kernel shape %dx%d", i, q.Out, q.In)
		}
	}
}

func TestPackIdempotent(t *testing.T) {
	t.Parallel()
	a, resA := quantized(t, 16, quant.DefaultConfig())
	b, resB := quantized(t, 16, quant.DefaultConfig())
	for _, c := range []struct {
		m   *toy.LM
		res *quant.Result
	}{{a, resA}, {b, resB}} {
		if _, _, err := Pack(c.m, c.res, Options{Selector: selector(t, kernels.ModeDQ)}); err != nil {
			t.Fatal(err)
		}
	}
	sa, sb := nn.StateDict(a), nn.StateDict(b)
	if len(sa) != len(sb) {
		t.Fatalf("expected equal state dicts, got %d vs %d entries", len(sa), len(sb))
	}
	for i := range sa {
		if sa[i].Name != sb[i].Name || !slices.Equal(sa[i].T.Ints, sb[i].T.Ints) || !slices.Equal(sa[i].T.Data, sb[i].T.Data) {
			t.Fatalf("%s: storage differs between identical packs", sa[i].Name)
		}
	}
}

func TestPackSameParamsTwice(t *testing.T) {
	t.Parallel()
	m, res := quantized(t, 16, quant.DefaultConfig())
	lin := m.Block(0).Slot("proj").(*nn.Linear)
	prm := res.Params["layers.0.proj"]
	for _, k := range []kernels.Kind{kernels.Portable, kernels.Optimized} {
		var packed [2]*kernels.QuantLinear
		for i := range packed {
			q, err := kernels.New(k, 16, 16, prm.Bits, prm.GroupSize, true)
			if err != nil {
				t.Fatal(err)
			}
			if err := q.Pack(prm.PackInput(lin.Weight, lin.Bias)); err != nil {
				t.Fatalf("%s: Pack: %v", k, err)
			}
			packed[i] = q
		}
		a, b := packed[0], packed[1]
		if !slices.Equal(a.QWeight.Ints, b.QWeight.Ints) || !slices.Equal(a.QZeros.Ints, b.QZeros.Ints) || !slices.Equal(a.Scales.Data, b.Scales.Data) {
			t.Fatalf("%s: expected identical storage from the same params", k)
		}
	}
}

func TestPackRecordsRunWideConfig(t *testing.T) {
	t.Parallel()
	cfg := quant.DefaultConfig()
	cfg.Mix = map[string]quant.LayerConfig{"layers.0.proj": {Bits: 8, GroupSize: 8}}
	m, res := quantized(t, 16, cfg)
	info, kc, err := Pack(m, res, Options{Verify: true, Selector: selector(t, kernels.ModeAuto), Config: &cfg})
	if err != nil {
		t.Fatal(err)
	}
	if kc.Bits != 4 || kc.GroupSize != 128 {
		t.Fatalf("expected 4 bits and group 128 in the kernel config, got %+v", kc)
	}
	if lc := info.Layers["layers.0.proj"]; lc.Bits != 8 || lc.GroupSize != 8 {
		t.Fatalf("expected the override in the layer record, got %+v", lc)
	}
}

func TestPackFallsBackToPortable(t *testing.T) {
	t.Parallel()
	// 12 outputs do not fill whole interleaved words.
	m, res := quantized(t, 12, quant.DefaultConfig())
	info, kc, err := Pack(m, res, Options{Verify: true, Selector: selector(t, kernels.ModeGEMM)})
	if err != nil {
		t.Fatal(err)
	}
	if kc.Version != "DQ" || info.Layers["layers.0.proj"].Kernel != "DQ" {
		t.Fatalf("expected the portable layout, got %+v / %+v", kc, info.Layers["layers.0.proj"])
	}
}

func TestPackActOrderUsesPortable(t *testing.T) {
	t.Parallel()
	cfg := quant.DefaultConfig()
	cfg.GroupSize = 8
	cfg.ActOrder = true
	m, res := quantized(t, 16, cfg)
	info, _, err := Pack(m, res, Options{Verify: true, Selector: selector(t, kernels.ModeGEMM)})
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range res.Paths {
		want := "GEMM"
		if !contiguous(res.Params[p].GIdx, 8) {
			want = "DQ"
		}
		if got := info.Layers[p].Kernel; got != want {
			t.Fatalf("%s: expected %s, got %s", p, want, got)
		}
	}
}

func TestPackMissingLayer(t *testing.T) {
	t.Parallel()
	m, res := quantized(t, 16, quant.DefaultConfig())
	res.Paths = append(res.Paths, "layers.7.proj")
	res.Params["layers.7.proj"] = res.Params["layers.0.proj"]
	if _, _, err := Pack(m, res, Options{}); !errors.Is(err, quant.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestSubstituteMissingRecord(t *testing.T) {
	t.Parallel()
	m := toy.New(8, 8, 2, 1)
	targets := nn.Find(m, "", nn.KindLinear)
	info := quant.NewInfo(quant.MethodGPTQ)
	info.Layers["layers.0.proj"] = quant.LayerConfig{Bits: 4, GroupSize: -1}
	_, err := Substitute(m, targets, info, nil, nil)
	if !errors.Is(err, quant.ErrConfig) || !strings.Contains(err.Error(), "layers.1.proj") {
		t.Fatalf("expected ErrConfig naming layers.1.proj, got %v", err)
	}
}

func TestSubstituteMixedBits(t *testing.T) {
	t.Parallel()
	m := toy.New(8, 16, 2, 1)
	targets := nn.Find(m, "", nn.KindLinear).Filter(func(p string, _ nn.Module) bool { return p != "head" })
	info := quant.NewInfo(quant.MethodAWQ)
	info.Layers["layers.0.proj"] = quant.LayerConfig{Bits: 3, GroupSize: 8}
	info.Layers["layers.1.proj"] = quant.LayerConfig{Bits: 4, GroupSize: 8}
	qs, err := Substitute(m, targets, info, selector(t, kernels.ModeAuto), nil)
	if err != nil {
		t.Fatal(err)
	}
	if qs["layers.0.proj"].Layout != kernels.Portable || qs["layers.0.proj"].Bits != 3 {
		t.Fatalf("expected a 3-bit portable kernel, got %+v", qs["layers.0.proj"])
	}
	if qs["layers.1.proj"].Layout != kernels.Optimized {
		t.Fatalf("expected the optimized kernel for 4 bits, got %s", qs["layers.1.proj"].Layout)
	}
	if qs["layers.1.proj"].ActScale == nil {
		t.Fatal("expected an act scale for awq records")
	}
	if m.Block(1).Slot("proj") != nn.Module(qs["layers.1.proj"]) {
		t.Fatal("expected the kernel in the block's slot")
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	t.Parallel()
	m, res := quantized(t, 16, quant.DefaultConfig())
	lin := m.Block(0).Slot("proj").(*nn.Linear)
	prm := res.Params["layers.0.proj"]
	q, err := kernels.New(kernels.Portable, 16, 16, 4, 128, true)
	if err != nil {
		t.Fatal(err)
	}
	in := prm.PackInput(lin.Weight, lin.Bias)
	if err := q.Pack(in); err != nil {
		t.Fatal(err)
	}
	q.QWeight.Ints[0] ^= 1
	if err := verify(q, lin, prm, in); !errors.Is(err, ErrPackMismatch) {
		t.Fatalf("expected ErrPackMismatch, got %v", err)
	}
}
