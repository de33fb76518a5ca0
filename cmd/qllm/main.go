package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qllm/internal/quant"
	"github.com/samcharles93/qllm/internal/version"
)

// Exit codes.
const (
	exitFailure  = 1
	exitConfig   = 2
	exitCanceled = 130
)

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "qllm",
		Usage:   "Sequential low-bit quantization for decoder LLMs",
		Version: version.String(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			quantizeCmd(),
			inspectCmd(),
			devicesCmd(),
			versionCmd(),
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newApp().Run(ctx, os.Args)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return exitCanceled
	case errors.Is(err, quant.ErrConfig):
		return exitConfig
	default:
		return exitFailure
	}
}
