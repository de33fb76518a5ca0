// Package logger provides the structured logger used across qllm.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Logger is the logging surface handed to every stage of a run. The
// context carries one so deep call sites need no extra parameter.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
	WithGroup(name string) Logger
}

// Format selects the record encoding.
type Format string

const (
	FormatPretty Format = "pretty"
	FormatJSON   Format = "json"
	FormatText   Format = "text"
)

// ParseFormat accepts pretty, json or text in any case.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatPretty, FormatJSON, FormatText:
		return f, nil
	case "":
		return FormatPretty, nil
	default:
		return "", fmt.Errorf("logger: unknown format %q", s)
	}
}

type slogLogger struct {
	l *slog.Logger
}

// New wraps a slog handler.
func New(h slog.Handler) Logger {
	return &slogLogger{l: slog.New(h)}
}

// NewHandler builds the handler for format f. JSON records carry their
// source location.
func NewHandler(w io.Writer, f Format, level slog.Level) slog.Handler {
	switch f {
	case FormatJSON:
		return slog.NewJSONHandler(w, &slog.HandlerOptions{AddSource: true, Level: level})
	case FormatText:
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return NewPrettyHandler(w, &slog.HandlerOptions{Level: level})
	}
}

// Setup builds the Logger selected by the CLI flags. An unknown format
// falls back to pretty; debug forces the debug level.
func Setup(w io.Writer, format, level string, debug bool) Logger {
	f, err := ParseFormat(format)
	if err != nil {
		f = FormatPretty
	}
	lvl := ParseLevel(level)
	if debug {
		lvl = slog.LevelDebug
	}
	return New(NewHandler(w, f, lvl))
}

// Discard returns a Logger that drops every record.
func Discard() Logger {
	return New(slog.DiscardHandler)
}

// WithRun attaches a fresh run id to the context's logger and returns the
// new context together with the id.
func WithRun(ctx context.Context) (context.Context, string) {
	id := uuid.NewString()
	return WithContext(ctx, FromContext(ctx).With(RunKey, id)), id
}

// Stage logs the start of a named pipeline stage and returns a function
// that logs its completion with the elapsed time.
func Stage(l Logger, name string, args ...any) func() {
	start := time.Now()
	l.Debug(name+" started", args...)
	return func() {
		l.Info(name+" done", append(args, "elapsed", time.Since(start).Round(time.Millisecond))...)
	}
}

type ctxKey struct{}

// FromContext returns the context's Logger, or a pretty stderr logger at
// info level when none is attached.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok {
		return l
	}
	return New(NewPrettyHandler(os.Stderr, nil))
}

// WithContext attaches l to ctx.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

func (s *slogLogger) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }
func (s *slogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s *slogLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s *slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }

func (s *slogLogger) With(args ...any) Logger {
	return &slogLogger{l: s.l.With(args...)}
}

func (s *slogLogger) WithGroup(name string) Logger {
	return &slogLogger{l: s.l.WithGroup(name)}
}

// ParseLevel maps debug, info, warn and error to slog levels. Anything
// else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
