package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qllm/internal/backend"
	"github.com/samcharles93/qllm/internal/kernels"
)

func devicesCmd() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "Show host capabilities and the kernel chosen per bit width",
		Flags: []cli.Flag{backendFlag()},
		Action: func(ctx context.Context, c *cli.Command) error {
			applyCommonConfig(c, LoadConfig())
			p, err := backend.ForBackend(backendName)
			if err != nil {
				return err
			}
			host, err := backend.DetectHost(p)
			if err != nil {
				return fmt.Errorf("devices: %w", err)
			}
			return printDevices(os.Stdout, host, p)
		},
	}
}

func printDevices(out io.Writer, host *backend.Host, p backend.Prober) error {
	features := strings.Join(host.Features(), ",")
	if features == "" {
		features = "none"
	}
	fmt.Fprintf(out, "cpu:      %s (%d cores, %s)\n", host.CPUName, host.Cores, host.Arch)
	fmt.Fprintf(out, "memory:   %.1f GB total, %.1f GB available\n", host.TotalRAMGB, host.AvailableRAMGB)
	fmt.Fprintf(out, "backend:  %s (available: %s)\n", host.Backend, backend.Join(backend.Available()))
	fmt.Fprintf(out, "features: %s\n\n", features)

	tbl := tablewriter.NewWriter(out)
	tbl.Header("Bits", "Kernel", "Layout")
	for _, bits := range kernels.PortableBits {
		k := kernels.Select(bits, p)
		_ = tbl.Append([]string{strconv.Itoa(bits), k.String(), k.Version()})
	}
	return tbl.Render()
}
