package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// RunKey is the attribute the pretty handler lifts out of the key/value
// list and prints as a short prefix.
const RunKey = "run"

const runPrefixLen = 8

type palette struct {
	time, key, run *color.Color
	levels         [4]*color.Color
}

func newPalette(enabled bool) *palette {
	p := &palette{
		time: color.New(color.FgHiBlack),
		key:  color.New(color.FgCyan),
		run:  color.New(color.FgMagenta),
		levels: [4]*color.Color{
			color.New(color.FgHiBlack),
			color.New(color.FgBlue, color.Bold),
			color.New(color.FgYellow, color.Bold),
			color.New(color.FgRed, color.Bold),
		},
	}
	for _, c := range append([]*color.Color{p.time, p.key, p.run}, p.levels[:]...) {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// colorable reports whether w is a terminal that accepts ANSI colors.
func colorable(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// PrettyHandler writes one line per record for interactive runs:
//
//	15:04:05.000 INF [1a2b3c4d] layer packed layer=model.layers.0.mlp.up_proj bits=4
//
// Colors are used only when the writer is a terminal.
type PrettyHandler struct {
	opts   slog.HandlerOptions
	w      io.Writer
	mu     *sync.Mutex
	colors *palette
	prefix string
	run    string
	attrs  []byte
}

// NewPrettyHandler returns a handler writing to w. A nil opts logs at info.
func NewPrettyHandler(w io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	h := &PrettyHandler{w: w, mu: &sync.Mutex{}, colors: newPalette(colorable(w))}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	var sb strings.Builder
	if !r.Time.IsZero() {
		sb.WriteString(h.colors.time.Sprint(r.Time.Format("15:04:05.000")))
		sb.WriteByte(' ')
	}
	sb.WriteString(h.levelTag(r.Level))
	sb.WriteByte(' ')

	run := h.run
	var attrs []byte
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		if h.prefix == "" && a.Key == RunKey {
			run = a.Value.String()
			return true
		}
		attrs = h.appendAttr(attrs, h.prefix, a)
		return true
	})
	if run != "" {
		sb.WriteString(h.colors.run.Sprint("[" + shortRun(run) + "]"))
		sb.WriteByte(' ')
	}
	sb.WriteString(r.Message)
	sb.Write(attrs)
	sb.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, sb.String())
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := h.clone()
	for _, a := range attrs {
		if h.prefix == "" && a.Key == RunKey {
			c.run = a.Value.String()
			continue
		}
		c.attrs = c.appendAttr(c.attrs, c.prefix, a)
	}
	return c
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	c.prefix = h.prefix + name + "."
	return c
}

func (h *PrettyHandler) clone() *PrettyHandler {
	c := *h
	c.attrs = append([]byte(nil), h.attrs...)
	return &c
}

func (h *PrettyHandler) levelTag(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return h.colors.levels[3].Sprint("ERR")
	case l >= slog.LevelWarn:
		return h.colors.levels[2].Sprint("WRN")
	case l >= slog.LevelInfo:
		return h.colors.levels[1].Sprint("INF")
	default:
		return h.colors.levels[0].Sprint("DBG")
	}
}

// appendAttr writes " key=value", flattening groups into dotted keys.
func (h *PrettyHandler) appendAttr(buf []byte, prefix string, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}
	if a.Value.Kind() == slog.KindGroup {
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, g := range a.Value.Group() {
			buf = h.appendAttr(buf, prefix, g)
		}
		return buf
	}
	buf = append(buf, ' ')
	buf = append(buf, h.colors.key.Sprint(prefix+a.Key+"=")...)
	return appendValue(buf, a.Value)
}

func appendValue(buf []byte, v slog.Value) []byte {
	switch v.Kind() {
	case slog.KindString:
		return appendString(buf, v.String())
	case slog.KindFloat64:
		return strconv.AppendFloat(buf, v.Float64(), 'g', 6, 64)
	case slog.KindDuration:
		return append(buf, v.Duration().String()...)
	case slog.KindTime:
		return v.Time().AppendFormat(buf, time.RFC3339)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return appendString(buf, err.Error())
		}
		return appendString(buf, fmt.Sprint(v.Any()))
	default:
		return append(buf, v.String()...)
	}
}

func appendString(buf []byte, s string) []byte {
	if needsQuoting(s) {
		return strconv.AppendQuote(buf, s)
	}
	return append(buf, s...)
}

func needsQuoting(s string) bool {
	return strings.ContainsAny(s, " \t\n\"=")
}

func shortRun(id string) string {
	if len(id) > runPrefixLen {
		return id[:runPrefixLen]
	}
	return id
}
