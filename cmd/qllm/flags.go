package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qllm/internal/calib"
	"github.com/samcharles93/qllm/internal/kernels"
	"github.com/samcharles93/qllm/internal/quant"
)

var (
	backendName string
	logLevel    string
	logFormat   string
	debug       bool
)

// quantize flags
var (
	modelDir       string
	loadDir        string
	saveDir        string
	observe        bool
	nSamples       int
	seed           int64
	seqLen         int
	dataset        string
	cacheDir       string
	wBits          int
	groupSize      int
	method         string
	nearest        bool
	actOrder       bool
	staticGroups   bool
	sym            bool
	percDamp       float64
	calibDevice    string
	mixConf        string
	packMode       string
	layersDist     string
	quantDirectory string
)

func backendFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "backend",
		Usage:       "execution backend (auto, cpu, cuda)",
		Value:       "auto",
		Destination: &backendName,
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func sourceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "full precision model directory (config.json + safetensors)",
			Destination: &modelDir,
		},
		&cli.StringFlag{
			Name:        "load",
			Usage:       "directory of an already quantized model",
			Destination: &loadDir,
		},
		&cli.StringFlag{
			Name:        "save",
			Usage:       "output directory for the quantized model",
			Destination: &saveDir,
		},
		&cli.BoolFlag{
			Name:        "observe",
			Usage:       "run without saving anything",
			Destination: &observe,
		},
	}
}

func calibFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "nsamples",
			Usage:       "number of calibration samples",
			Value:       128,
			Destination: &nSamples,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "calibration sampling seed",
			Destination: &seed,
		},
		&cli.IntFlag{
			Name:        "seqlen",
			Usage:       "calibration sequence length (capped by the model's context)",
			Value:       2048,
			Destination: &seqLen,
		},
		&cli.StringFlag{
			Name:        "dataset",
			Usage:       "calibration dataset: random or a token file",
			Value:       calib.Random,
			Destination: &dataset,
		},
		&cli.StringFlag{
			Name:        "cache-dir",
			Usage:       "calibration sample cache directory (empty disables)",
			Destination: &cacheDir,
		},
	}
}

func quantFlags() []cli.Flag {
	def := quant.DefaultConfig()
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "wbits",
			Usage:       "weight bits (2, 3, 4 or 8)",
			Value:       def.Bits,
			Destination: &wBits,
		},
		&cli.IntFlag{
			Name:        "groupsize",
			Usage:       "quantization group size; -1 for one group per row",
			Value:       def.GroupSize,
			Destination: &groupSize,
		},
		&cli.StringFlag{
			Name:        "method",
			Usage:       "quantization method (gptq, awq, rtn)",
			Value:       string(def.Method),
			Destination: &method,
		},
		&cli.BoolFlag{
			Name:        "nearest",
			Usage:       "round to nearest instead of calibrating (same as --method rtn)",
			Destination: &nearest,
		},
		&cli.BoolFlag{
			Name:        "act-order",
			Usage:       "quantize columns by decreasing activation importance",
			Destination: &actOrder,
		},
		&cli.BoolFlag{
			Name:        "static-groups",
			Usage:       "fix group parameters before error compensation",
			Destination: &staticGroups,
		},
		&cli.BoolFlag{
			Name:        "sym",
			Usage:       "symmetric quantization",
			Destination: &sym,
		},
		&cli.Float64Flag{
			Name:        "percdamp",
			Usage:       "Hessian damping as a fraction of its mean diagonal",
			Value:       def.PercDamp,
			Destination: &percDamp,
		},
		&cli.StringFlag{
			Name:        "device",
			Usage:       "device each block is calibrated on",
			Value:       string(def.Device),
			Destination: &calibDevice,
		},
		&cli.StringFlag{
			Name:        "mix-qlayer-conf",
			Usage:       "per-layer bits/group size overrides (quant.op.json layout)",
			Destination: &mixConf,
		},
		&cli.StringFlag{
			Name:        "pack-mode",
			Usage:       "kernel layout (auto, gemm, dq)",
			Value:       kernels.ModeAuto,
			Destination: &packMode,
		},
		&cli.StringFlag{
			Name:        "layers-dist",
			Usage:       "spread blocks over devices, e.g. 0:1",
			Destination: &layersDist,
		},
		&cli.StringFlag{
			Name:        "quant-directory",
			Usage:       "write quant_table.txt into this directory",
			Destination: &quantDirectory,
		},
	}
}
