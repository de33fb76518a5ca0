package qllm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/samcharles93/qllm/internal/kernels"
	"github.com/samcharles93/qllm/internal/logger"
	"github.com/samcharles93/qllm/internal/model"
	"github.com/samcharles93/qllm/internal/nn"
	"github.com/samcharles93/qllm/internal/pack"
	"github.com/samcharles93/qllm/internal/quant"
	"github.com/samcharles93/qllm/internal/safetensors"
)

// LoadQuantized rebuilds a packed model saved in dir. The decoder skeleton
// is allocated without initialisation, every recorded linear layer in the
// blocks is swapped for the kernel its record describes, and the weights
// are read from the checkpoint.
//
// A directory without quant.op.json gets one built from quant_config.json
// (or the default config) covering every block layer; it is written to dir
// and read back before use.
func LoadQuantized(ctx context.Context, dir string, sel *kernels.Selector) (*model.Decoder, *quant.Info, quant.KernelConfig, error) {
	log := logger.FromContext(ctx)
	var kc quant.KernelConfig

	cfg, err := model.LoadConfig(dir)
	if err != nil {
		return nil, nil, kc, err
	}
	d, err := model.New(cfg, model.InitSkip)
	if err != nil {
		return nil, nil, kc, err
	}
	prefix := d.BlockPrefix() + "."
	targets := nn.Find(d, "", nn.KindLinear).Filter(func(p string, _ nn.Module) bool {
		return strings.HasPrefix(p, prefix)
	})

	kc, err = quant.ReadKernelConfig(filepath.Join(dir, quant.KernelConfigFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		def := quant.DefaultConfig()
		kc = quant.KernelConfig{ZeroPoint: true, Bits: def.Bits, GroupSize: def.GroupSize}
		log.Warn("no kernel config, assuming defaults", "bits", kc.Bits, "group_size", kc.GroupSize)
	case err != nil:
		return nil, nil, kc, err
	}

	infoPath := filepath.Join(dir, quant.InfoFile)
	if _, err := os.Stat(infoPath); errors.Is(err, fs.ErrNotExist) {
		info := quant.NewInfo(quant.MethodGPTQ)
		for _, p := range targets.Paths() {
			info.Layers[p] = quant.LayerConfig{Bits: kc.Bits, GroupSize: kc.GroupSize}
		}
		if err := info.Write(infoPath); err != nil {
			return nil, nil, kc, fmt.Errorf("write default %s: %w", quant.InfoFile, err)
		}
		log.Warn("no layer records, wrote defaults", "path", infoPath, "layers", len(info.Layers))
	}
	info, err := quant.ReadInfo(infoPath)
	if err != nil {
		return nil, nil, kc, fmt.Errorf("%w: %v", quant.ErrConfig, err)
	}

	// Records without a kernel key follow the model-wide layout.
	for p, lc := range info.Layers {
		if lc.Kernel == "" && kc.Version != "" {
			lc.Kernel = kc.Version
			info.Layers[p] = lc
		}
	}
	// Layers kept dense by a mix override have no record.
	targets = targets.Filter(func(p string, _ nn.Module) bool {
		_, ok := info.Layers[p]
		if !ok {
			log.Debug("layer has no record, keeping it dense", "layer", p)
		}
		return ok
	})
	if _, err := pack.Substitute(d, targets, info, sel, log); err != nil {
		return nil, nil, kc, err
	}
	if err := model.LoadWeights(ctx, d, dir); err != nil {
		return nil, nil, kc, err
	}
	return d, info, kc, nil
}

// Save writes the packed model, its records and a copy of the source
// model's config.json into dir.
func Save(dir string, root nn.Module, info *quant.Info, kc quant.KernelConfig, src string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	var named []safetensors.Named
	for _, p := range nn.StateDict(root) {
		named = append(named, safetensors.Named{Name: p.Name, T: p.T})
	}
	meta := map[string]string{"format": "pt", "quant_method": string(info.Method)}
	if err := safetensors.Write(filepath.Join(dir, safetensors.SingleFile), named, meta); err != nil {
		return fmt.Errorf("write weights: %w", err)
	}
	if err := info.Write(filepath.Join(dir, quant.InfoFile)); err != nil {
		return err
	}
	if err := kc.Write(filepath.Join(dir, quant.KernelConfigFile)); err != nil {
		return err
	}
	raw, err := os.ReadFile(filepath.Join(src, model.ConfigFile))
	if err != nil {
		return fmt.Errorf("copy config: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, model.ConfigFile), raw, 0o644)
}
