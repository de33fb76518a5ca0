package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qllm/internal/backend"
	"github.com/samcharles93/qllm/internal/logger"
	"github.com/samcharles93/qllm/internal/qllm"
	"github.com/samcharles93/qllm/internal/quant"
	"github.com/samcharles93/qllm/internal/tensor"
)

func quantizeCmd() *cli.Command {
	var flags []cli.Flag
	flags = append(flags, sourceFlags()...)
	flags = append(flags, calibFlags()...)
	flags = append(flags, quantFlags()...)
	flags = append(flags, backendFlag())
	flags = append(flags, loggingFlags()...)

	return &cli.Command{
		Name:  "quantize",
		Usage: "Quantize a model block by block and pack it into low-bit kernels",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			applyQuantizeConfig(c, LoadConfig())
			log := logger.Setup(os.Stderr, logFormat, logLevel, debug)
			ctx = logger.WithContext(ctx, log)

			opts, err := quantizeOptions()
			if err != nil {
				return err
			}
			rep, err := qllm.Run(ctx, opts)
			if err != nil {
				return fmt.Errorf("quantize: %w", err)
			}
			fmt.Printf("run:      %s\n", rep.RunID)
			fmt.Printf("method:   %s\n", rep.Info.Method)
			fmt.Printf("layers:   %d\n", len(rep.Info.Layers))
			fmt.Printf("kernel:   %s (%d-bit, group %d)\n", rep.Kernel.Version, rep.Kernel.Bits, rep.Kernel.GroupSize)
			if rep.Saved != "" {
				fmt.Printf("saved:    %s\n", rep.Saved)
			}
			return nil
		},
	}
}

// quantizeOptions turns the parsed flags into run options.
func quantizeOptions() (qllm.Options, error) {
	opts := qllm.DefaultOptions()
	prober, err := backend.ForBackend(backendName)
	if err != nil {
		return opts, err
	}
	m, err := quant.ParseMethod(method)
	if err != nil {
		return opts, err
	}
	if nearest {
		m = quant.MethodRTN
	}
	dev, err := tensor.ParseDevice(calibDevice)
	if err != nil {
		return opts, fmt.Errorf("%w: device: %v", quant.ErrConfig, err)
	}

	q := quant.DefaultConfig()
	q.Bits = wBits
	q.GroupSize = groupSize
	q.Method = m
	q.ActOrder = actOrder
	q.StaticGroups = staticGroups
	q.Sym = sym
	q.PercDamp = percDamp
	q.Device = dev
	if mixConf != "" {
		if q.Mix, err = quant.LoadMix(mixConf); err != nil {
			return opts, err
		}
	}

	opts.Model = modelDir
	opts.Load = loadDir
	opts.Save = saveDir
	opts.Observe = observe
	opts.Quant = q
	opts.PackMode = packMode
	opts.Dataset = dataset
	opts.NSamples = nSamples
	opts.Seed = seed
	opts.SeqLen = seqLen
	opts.CacheDir = cacheDir
	opts.LayersDist = layersDist
	opts.QuantDirectory = quantDirectory
	opts.Prober = prober
	return opts, nil
}
