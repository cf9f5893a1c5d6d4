// Package obslog wires up the process-wide structured logger. Every
// other package just calls slog.Default() (or takes a *slog.Logger
// argument) the way the teacher's packages do — this package is the
// one place that decides where those records end up.
package obslog

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where and how log records are written.
type Options struct {
	// FilePath, if non-empty, routes logs through a rotating file
	// sink instead of stderr.
	FilePath string
	// MaxSizeMB is the rotation threshold in megabytes.
	MaxSizeMB int
	// MaxBackups is how many rotated files to keep.
	MaxBackups int
	// MaxAgeDays is how long to keep rotated files.
	MaxAgeDays int
	// JSON selects slog.JSONHandler over slog.TextHandler.
	JSON bool
	// Level sets the minimum record level (defaults to Info).
	Level slog.Level
}

// New builds a *slog.Logger per opts but does not install it as the
// process default — callers decide that with slog.SetDefault.
func New(opts Options) *slog.Logger {
	var w io.Writer = os.Stderr
	if opts.FilePath != "" {
		w = &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    nonZero(opts.MaxSizeMB, 50),
			MaxBackups: nonZero(opts.MaxBackups, 5),
			MaxAge:     nonZero(opts.MaxAgeDays, 28),
			Compress:   true,
		}
	}

	handlerOpts := &slog.HandlerOptions{Level: opts.Level}
	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	return slog.New(handler)
}

func nonZero(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}
