package qllm

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/samcharles93/qllm/internal/quant"
)

// WriteTable prints one row per layer record of info to out.
func WriteTable(out io.Writer, info *quant.Info) error {
	fmt.Fprintf(out, "method: %s, layers: %d\n", info.Method, len(info.Layers))
	tbl := tablewriter.NewWriter(out)
	tbl.Header("Layer", "Bits", "Group", "Kernel")
	for _, p := range info.Paths() {
		lc := info.Layers[p]
		group := strconv.Itoa(lc.GroupSize)
		if lc.GroupSize < 0 {
			group = "-"
		}
		kernel := lc.Kernel
		if lc.Dense() {
			kernel = "dense"
		}
		_ = tbl.Append([]string{p, strconv.Itoa(lc.Bits), group, kernel})
	}
	return tbl.Render()
}

// WriteTableFile writes the table of info to path, creating its directory.
func WriteTableFile(path string, info *quant.Info) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteTable(f, info); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
