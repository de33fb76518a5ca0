package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qllm/internal/qllm"
	"github.com/samcharles93/qllm/internal/quant"
)

func inspectCmd() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Print the layer records of a quantized model",
		ArgsUsage: "<dir|quant.op.json>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return fmt.Errorf("inspect: expected one path, got %d", c.Args().Len())
			}
			return inspect(os.Stdout, c.Args().First())
		},
	}
}

func inspect(out io.Writer, path string) error {
	dir := filepath.Dir(path)
	if st, err := os.Stat(path); err == nil && st.IsDir() {
		dir = path
		path = filepath.Join(path, quant.InfoFile)
	}
	info, err := quant.ReadInfo(path)
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	kc, err := quant.ReadKernelConfig(filepath.Join(dir, quant.KernelConfigFile))
	switch {
	case err == nil:
		fmt.Fprintf(out, "kernel: %s, %d-bit, group %d, zero point %t\n", kc.Version, kc.Bits, kc.GroupSize, kc.ZeroPoint)
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("inspect: %w", err)
	}
	return qllm.WriteTable(out, info)
}
