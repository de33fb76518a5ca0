package main

import (
	"context"
	"fmt"
	"io"
	"os"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qllm/internal/version"
)

func versionCmd() *cli.Command {
	var asJSON bool
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "Print as JSON", Destination: &asJSON},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return printVersion(os.Stdout, version.Resolve(), asJSON)
		},
	}
}

func printVersion(out io.Writer, info version.Info, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintf(out, "version:    %s\n", info)
	if info.Commit != "" {
		fmt.Fprintf(out, "commit:     %s\n", info.Commit)
	}
	if info.BuildTime != "" {
		fmt.Fprintf(out, "build time: %s\n", info.BuildTime)
	}
	fmt.Fprintf(out, "go:         %s\n", info.GoVersion)
	return nil
}
