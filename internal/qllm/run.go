// Package qllm runs a quantization job end to end: it loads a model and its
// calibration data, quantizes and packs it, optionally spreads it over
// several devices and writes the artifacts.
package qllm

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/samcharles93/qllm/internal/backend"
	"github.com/samcharles93/qllm/internal/calib"
	"github.com/samcharles93/qllm/internal/kernels"
	"github.com/samcharles93/qllm/internal/logger"
	"github.com/samcharles93/qllm/internal/model"
	"github.com/samcharles93/qllm/internal/nn"
	"github.com/samcharles93/qllm/internal/pack"
	"github.com/samcharles93/qllm/internal/pipeline"
	"github.com/samcharles93/qllm/internal/quant"
	"github.com/samcharles93/qllm/internal/tensor"
)

// TableFile is written into Options.QuantDirectory.
const TableFile = "quant_table.txt"

// Options configures Run.
type Options struct {
	// Model is a full precision model directory to quantize.
	Model string
	// Load is a directory written by an earlier run; when set, Model is
	// ignored and no quantization happens.
	Load string
	// Save is the output directory. Nothing is written when empty or when
	// Observe is set.
	Save    string
	Observe bool

	Quant    quant.Config
	PackMode string

	Dataset  string
	NSamples int
	Seed     int64
	SeqLen   int
	CacheDir string

	// LayersDist is a device list such as "0:1"; empty keeps the model on
	// one device.
	LayersDist     string
	QuantDirectory string

	Prober backend.Prober
	Calib  calib.Provider
}

// DefaultOptions returns the settings of a plain 4-bit GPTQ run.
func DefaultOptions() Options {
	return Options{
		Quant:    quant.DefaultConfig(),
		PackMode: kernels.ModeAuto,
		Dataset:  calib.Random,
		NSamples: 128,
		SeqLen:   2048,
	}
}

// Report describes a finished run.
type Report struct {
	RunID string
	// Model is the packed model, behind relocation hooks when it was
	// distributed.
	Model  nn.Module
	Info   *quant.Info
	Kernel quant.KernelConfig
	// Saved is the output directory, empty when nothing was written.
	Saved string
}

// Run executes one job. The logger is taken from ctx and tagged with a
// fresh run id.
func Run(ctx context.Context, opts Options) (*Report, error) {
	ctx, id := logger.WithRun(ctx)
	log := logger.FromContext(ctx)
	if opts.Model == "" && opts.Load == "" {
		return nil, fmt.Errorf("%w: one of model or load is required", quant.ErrConfig)
	}
	var devices []tensor.Device
	if opts.LayersDist != "" {
		var err error
		if devices, err = tensor.ParseDeviceList(opts.LayersDist); err != nil {
			return nil, fmt.Errorf("%w: layers-dist: %v", quant.ErrConfig, err)
		}
	}
	sel, err := kernels.NewSelector(opts.PackMode, opts.Prober, log)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", quant.ErrConfig, err)
	}

	rep := &Report{RunID: id}
	var (
		d       *model.Decoder
		samples []*tensor.Tensor
	)
	if opts.Load != "" {
		done := logger.Stage(log, "load quantized", "dir", opts.Load)
		if d, rep.Info, rep.Kernel, err = LoadQuantized(ctx, opts.Load, sel); err != nil {
			return nil, err
		}
		done()
	} else {
		if err := opts.Quant.Validate(); err != nil {
			return nil, err
		}
		done := logger.Stage(log, "load model", "dir", opts.Model)
		if d, err = model.Load(ctx, opts.Model, model.InitSkip); err != nil {
			return nil, err
		}
		done()
		checkMemory(d, opts.Prober, log)

		if samples, err = calibrate(ctx, d, opts); err != nil {
			return nil, err
		}
		res, err := (&quant.Sequential{Config: opts.Quant, Log: log}).Quantize(ctx, d, samples)
		if err != nil {
			return nil, err
		}
		if rep.Info, rep.Kernel, err = pack.Pack(d, res, pack.Options{Verify: true, Selector: sel, Log: log, Config: &opts.Quant}); err != nil {
			return nil, err
		}
		log.Info("model quantized", "layers", len(res.Paths), "method", rep.Info.Method, "kernel", rep.Kernel.Version)
	}
	rep.Model = d

	if opts.QuantDirectory != "" {
		path := filepath.Join(opts.QuantDirectory, TableFile)
		if err := WriteTableFile(path, rep.Info); err != nil {
			return nil, fmt.Errorf("quant table: %w", err)
		}
		log.Info("quant table written", "path", path)
	}

	if opts.Save != "" && !opts.Observe && opts.Load != opts.Save {
		src := opts.Model
		if opts.Load != "" {
			src = opts.Load
		}
		done := logger.Stage(log, "save", "dir", opts.Save)
		if err := Save(opts.Save, d, rep.Info, rep.Kernel, src); err != nil {
			return nil, err
		}
		done()
		rep.Saved = opts.Save
	}

	if len(devices) > 0 {
		sample := probeSample(samples, d.Cfg)
		root, err := pipeline.Distribute(d, devices, sample, log)
		if err != nil {
			return nil, err
		}
		rep.Model = root
	}
	return rep, nil
}

func calibrate(ctx context.Context, d *model.Decoder, opts Options) ([]*tensor.Tensor, error) {
	prov := opts.Calib
	if prov == nil {
		prov = &calib.Source{CacheDir: opts.CacheDir, Log: logger.FromContext(ctx)}
	}
	seq := opts.SeqLen
	if seq <= 0 || seq > d.Cfg.MaxPosition {
		seq = d.Cfg.MaxPosition
	}
	samples, err := prov.Samples(ctx, calib.Request{
		Model:   opts.Model,
		Dataset: opts.Dataset,
		N:       opts.NSamples,
		Seed:    opts.Seed,
		SeqLen:  seq,
		Vocab:   d.Cfg.Vocab,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: calibration data: %w", quant.ErrConfig, err)
	}
	return samples, nil
}

// probeSample returns the first calibration sample, or a short fixed
// sequence when the model was loaded without calibration.
func probeSample(samples []*tensor.Tensor, cfg *model.Config) *tensor.Tensor {
	if len(samples) > 0 {
		return samples[0].Clone()
	}
	n := min(8, cfg.MaxPosition)
	ids := tensor.New(n)
	for i := range ids.Data {
		ids.Data[i] = float32(i % cfg.Vocab)
	}
	return ids
}

// checkMemory warns when the model's float weights would not fit in the
// available host memory.
func checkMemory(d *model.Decoder, p backend.Prober, log logger.Logger) {
	if p == nil {
		p = backend.HostProber{}
	}
	host, err := backend.DetectHost(p)
	if err != nil {
		log.Debug("host detection failed", "err", err)
		return
	}
	var bytes int64
	for _, np := range nn.StateDict(d) {
		bytes += int64(np.T.Numel()) * 4
	}
	if !host.FitsInMemory(bytes) {
		log.Warn("model may not fit in available memory", "model_gb", float64(bytes)/(1<<30), "available_gb", host.AvailableRAMGB)
	}
}
