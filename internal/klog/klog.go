// Package klog is the kernel's structured logger: a log/slog logger with
// a custom "severity" attribute (TRACE/DEBUG/INFO/WARNING/ERROR instead
// of slog's default level names) and an optional lumberjack-backed sink
// for long-running boots that would otherwise grow one log file forever.
package klog

import (
	"context"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity levels, spaced the way slog recommends for custom levels:
// multiples of 4 around the built-in Debug/Info/Warn/Error values, with
// Trace sitting below Debug.
const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
)

var severityNames = map[slog.Level]string{
	LevelTrace:   "TRACE",
	LevelDebug:   "DEBUG",
	LevelInfo:    "INFO",
	LevelWarning: "WARNING",
	LevelError:   "ERROR",
}

// Options configures New.
type Options struct {
	// Level is the minimum severity that reaches the sink.
	Level slog.Level
	// JSON selects slog's JSON handler instead of the text handler.
	JSON bool
	// RotateFile, if non-empty, routes output through a lumberjack
	// logger at that path instead of stderr.
	RotateFile string
	// MaxSizeMB bounds a rotated file's size before lumberjack rolls it.
	MaxSizeMB int
	// MaxBackups bounds how many rotated files lumberjack keeps.
	MaxBackups int
}

// New builds a logger per opts. A zero-valued Options gives a
// stderr-backed, INFO-and-above, text-format logger.
func New(opts Options) *slog.Logger {
	var w io.Writer = os.Stderr
	if opts.RotateFile != "" {
		w = &lumberjack.Logger{
			Filename:   opts.RotateFile,
			MaxSize:    firstNonZero(opts.MaxSizeMB, 50),
			MaxBackups: firstNonZero(opts.MaxBackups, 5),
		}
	}

	handlerOpts := &slog.HandlerOptions{
		Level:       opts.Level,
		ReplaceAttr: replaceAttr,
	}

	var h slog.Handler
	if opts.JSON {
		h = slog.NewJSONHandler(w, handlerOpts)
	} else {
		h = slog.NewTextHandler(w, handlerOpts)
	}

	return slog.New(h)
}

// replaceAttr renames slog's "level" key to "severity" and maps the
// numeric level to this package's custom severity names.
func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	level, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	name, ok := severityNames[level]
	if !ok {
		name = level.String()
	}
	a.Key = "severity"
	a.Value = slog.StringValue(name)
	return a
}

func firstNonZero(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// Trace logs at LevelTrace, below slog's own Debug, for the highest
// verbosity tier (page-fault-by-page-fault tracing).
func Trace(ctx context.Context, l *slog.Logger, msg string, args ...any) {
	l.Log(ctx, LevelTrace, msg, args...)
}

// Warning logs at LevelWarning (slog's LevelWarn), spelled out to match
// the severity name this package uses everywhere else.
func Warning(ctx context.Context, l *slog.Logger, msg string, args ...any) {
	l.Log(ctx, LevelWarning, msg, args...)
}
