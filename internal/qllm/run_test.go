package qllm

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/samcharles93/qllm/internal/backend"
	"github.com/samcharles93/qllm/internal/calib"
	"github.com/samcharles93/qllm/internal/kernels"
	"github.com/samcharles93/qllm/internal/logger"
	"github.com/samcharles93/qllm/internal/model"
	"github.com/samcharles93/qllm/internal/nn"
	"github.com/samcharles93/qllm/internal/quant"
	"github.com/samcharles93/qllm/internal/safetensors"
	"github.com/samcharles93/qllm/internal/toy"
)

const tinyConfig = `{
  "model_type": "llama",
  "hidden_size": 16,
  "intermediate_size": 32,
  "num_hidden_layers": 2,
  "num_attention_heads": 4,
  "num_key_value_heads": 2,
  "vocab_size": 32,
  "max_position_embeddings": 64,
  "rms_norm_eps": 1e-5
}`

var avx2 = backend.Static(backend.Capabilities{Backend: backend.CPU, Arch: "amd64", AVX2: true, FMA: true})

func quiet() context.Context {
	return logger.WithContext(context.Background(), logger.Discard())
}

// writeModel stores a randomly initialised tiny decoder in a temp dir.
func writeModel(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, model.ConfigFile), []byte(tinyConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := model.ParseConfig([]byte(tinyConfig))
	if err != nil {
		t.Fatal(err)
	}
	d, err := model.New(cfg, model.InitRandom)
	if err != nil {
		t.Fatal(err)
	}
	var named []safetensors.Named
	for _, p := range nn.StateDict(d) {
		named = append(named, safetensors.Named{Name: p.Name, T: p.T})
	}
	if err := safetensors.Write(filepath.Join(dir, safetensors.SingleFile), named, nil); err != nil {
		t.Fatal(err)
	}
	return dir
}

func options(t *testing.T, src string) Options {
	t.Helper()
	opts := DefaultOptions()
	opts.Model = src
	opts.NSamples = 4
	opts.SeqLen = 8
	opts.CacheDir = t.TempDir()
	opts.Prober = avx2
	return opts
}

func TestRunSavesArtifacts(t *testing.T) {
	t.Parallel()
	src := writeModel(t)
	out := t.TempDir()
	opts := options(t, src)
	opts.Save = out
	opts.QuantDirectory = out

	rep, err := Run(quiet(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.RunID == "" || rep.Saved != out {
		t.Fatalf("unexpected report %+v", rep)
	}
	// Seven projections in each of two blocks.
	if n := len(rep.Info.Layers); n != 14 {
		t.Fatalf("expected 14 layer records, got %d", n)
	}
	if rep.Kernel.Version != "GEMM" || rep.Kernel.Bits != 4 {
		t.Fatalf("expected a 4-bit GEMM kernel config, got %+v", rep.Kernel)
	}
	for _, name := range []string{safetensors.SingleFile, quant.InfoFile, quant.KernelConfigFile, model.ConfigFile, TableFile} {
		if _, err := os.Stat(filepath.Join(out, name)); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}
	if _, err := os.Stat(calib.CachePath(opts.CacheDir, src, calib.Random)); err != nil {
		t.Fatalf("expected a calibration cache file: %v", err)
	}
	info, err := quant.ReadInfo(filepath.Join(out, quant.InfoFile))
	if err != nil {
		t.Fatal(err)
	}
	if lc := info.Layers["model.layers.0.self_attn.q_proj"]; lc.Bits != 4 || lc.GroupSize != 128 {
		t.Fatalf("unexpected record %+v", lc)
	}
}

func TestRunLoadReproducesModel(t *testing.T) {
	t.Parallel()
	src := writeModel(t)
	out := t.TempDir()
	opts := options(t, src)
	opts.Save = out
	rep, err := Run(quiet(), opts)
	if err != nil {
		t.Fatal(err)
	}

	loaded, err := Run(quiet(), Options{Load: out, PackMode: kernels.ModeDQ, Prober: avx2})
	if err != nil {
		t.Fatalf("Run load: %v", err)
	}
	if got, _ := nn.Resolve(loaded.Model, "model.layers.1.mlp.down_proj"); got.Kind() != kernels.KindQuantLinear {
		t.Fatalf("expected a packed layer, got %s", got.Kind())
	}
	ids := toy.Samples(1, 6, 32, 5)[0]
	want, err := rep.Model.Forward(nn.Call(ids))
	if err != nil {
		t.Fatal(err)
	}
	got, err := loaded.Model.Forward(nn.Call(ids))
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(want.Data, got.Data) {
		t.Fatal("expected the reloaded model to reproduce the packed model's logits")
	}
}

func TestRunReloadsMixedPrecision(t *testing.T) {
	t.Parallel()
	src := writeModel(t)
	out := t.TempDir()
	opts := options(t, src)
	opts.Save = out
	opts.Quant.Mix = map[string]quant.LayerConfig{
		"model.layers.0.self_attn.q_proj": {Bits: 8, GroupSize: 8},
		"model.layers.0.mlp.down_proj":    {Bits: 16},
	}
	rep, err := Run(quiet(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if n := len(rep.Info.Layers); n != 13 {
		t.Fatalf("expected 13 layer records, got %d", n)
	}
	kc, err := quant.ReadKernelConfig(filepath.Join(out, quant.KernelConfigFile))
	if err != nil {
		t.Fatal(err)
	}
	if kc.Bits != 4 || kc.GroupSize != 128 {
		t.Fatalf("expected the run-wide 4 bits and group 128, got %+v", kc)
	}

	loaded, err := Run(quiet(), Options{Load: out, PackMode: kernels.ModeDQ, Prober: avx2})
	if err != nil {
		t.Fatalf("Run load: %v", err)
	}
	if got, _ := nn.Resolve(loaded.Model, "model.layers.0.mlp.down_proj"); got.Kind() != nn.KindLinear {
		t.Fatalf("expected the dense override to stay dense, got %s", got.Kind())
	}
	if got, _ := nn.Resolve(loaded.Model, "model.layers.0.self_attn.q_proj"); got.(*kernels.QuantLinear).Bits != 8 {
		t.Fatalf("expected an 8-bit kernel for the override")
	}
	ids := toy.Samples(1, 6, 32, 5)[0]
	want, err := rep.Model.Forward(nn.Call(ids))
	if err != nil {
		t.Fatal(err)
	}
	got, err := loaded.Model.Forward(nn.Call(ids))
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(want.Data, got.Data) {
		t.Fatal("expected the reloaded mixed model to reproduce the packed model's logits")
	}
}

func TestLoadQuantizedWritesDefaultRecords(t *testing.T) {
	t.Parallel()
	src := writeModel(t)
	out := t.TempDir()
	opts := options(t, src)
	opts.Save = out
	if _, err := Run(quiet(), opts); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(out, quant.InfoFile)
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	sel, err := kernels.NewSelector(kernels.ModeAuto, avx2, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, info, kc, err := LoadQuantized(quiet(), out, sel)
	if err != nil {
		t.Fatalf("LoadQuantized: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected %s to be written: %v", quant.InfoFile, err)
	}
	if len(info.Layers) != 14 {
		t.Fatalf("expected 14 default records, got %d", len(info.Layers))
	}
	for p, lc := range info.Layers {
		if lc.Bits != kc.Bits || lc.GroupSize != kc.GroupSize || lc.Kernel != kc.Version {
			t.Fatalf("%s: expected defaults from %+v, got %+v", p, kc, lc)
		}
	}
}

func TestRunObserveWritesNothing(t *testing.T) {
	t.Parallel()
	out := t.TempDir()
	opts := options(t, writeModel(t))
	opts.Save = out
	opts.Observe = true
	opts.Quant.Method = quant.MethodRTN
	rep, err := Run(quiet(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Saved != "" {
		t.Fatalf("expected nothing saved, got %s", rep.Saved)
	}
	entries, err := os.ReadDir(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected an empty output dir, got %d entries", len(entries))
	}
}

func TestRunDistributes(t *testing.T) {
	t.Parallel()
	opts := options(t, writeModel(t))
	opts.LayersDist = "0:1"
	rep, err := Run(quiet(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := rep.Model.(*nn.Hooked); !ok {
		t.Fatalf("expected the distributed root, got %T", rep.Model)
	}
	blk, err := nn.Resolve(rep.Model, "model.layers.1")
	if err != nil {
		t.Fatal(err)
	}
	if dev, _ := nn.Device(blk); dev != "cpu:1" {
		t.Fatalf("expected block 1 on cpu:1, got %s", dev)
	}
}

func TestRunConfigErrors(t *testing.T) {
	t.Parallel()
	src := writeModel(t)
	tests := []struct {
		name string
		edit func(*Options)
	}{
		{"no source", func(o *Options) { o.Model = "" }},
		{"bad devices", func(o *Options) { o.LayersDist = "gpu:x" }},
		{"too many devices", func(o *Options) { o.LayersDist = "0:1:2" }},
		{"bad pack mode", func(o *Options) { o.PackMode = "fast" }},
		{"bad bits", func(o *Options) { o.Quant.Bits = 1 }},
		{"no samples", func(o *Options) { o.NSamples = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			opts := options(t, src)
			tc.edit(&opts)
			if _, err := Run(quiet(), opts); !errors.Is(err, quant.ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestWriteTable(t *testing.T) {
	t.Parallel()
	info := quant.NewInfo(quant.MethodGPTQ)
	info.Layers["b.proj"] = quant.LayerConfig{Bits: 3, GroupSize: -1, Kernel: "DQ"}
	info.Layers["a.proj"] = quant.LayerConfig{Bits: 4, GroupSize: 128, Kernel: "GEMM"}
	var buf bytes.Buffer
	if err := WriteTable(&buf, info); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	a, b := strings.Index(out, "a.proj"), strings.Index(out, "b.proj")
	if a < 0 || b < 0 || a > b {
		t.Fatalf("expected sorted rows for both layers, got:\n%s", out)
	}
	if !strings.Contains(out, "GEMM") || !strings.Contains(out, "method: gptq") {
		t.Fatalf("expected kernel and method in table, got:\n%s", out)
	}
}
