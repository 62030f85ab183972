// Package logging builds the tracer's structured logger: a log/slog
// Logger whose handler fans out to multiple destinations via
// samber/slog-multi -- a plain stderr handler in normal use, plus an
// optional JSON handler over a file when --log-file is set.
package logging

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// Options configures the logger built by New.
type Options struct {
	// Verbose raises the minimum level from Info to Debug.
	Verbose bool
	// JSONFile, when non-nil, additionally receives JSON-formatted
	// records regardless of the text handler's level.
	JSONFile io.Writer
}

// New builds the tracer's root logger. All tracer components log through
// this, not through the top-level slog default logger, so callers can
// construct more than one independently-configured Logger (useful in
// tests).
func New(opt Options) *slog.Logger {
	level := slog.LevelInfo
	if opt.Verbose {
		level = slog.LevelDebug
	}

	handlers := []slog.Handler{
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	}
	if opt.JSONFile != nil {
		handlers = append(handlers, slog.NewJSONHandler(opt.JSONFile, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	return slog.New(slogmulti.Fanout(handlers...))
}

// Discard is a logger that drops every record, for tests and library
// callers that don't want tracer diagnostics on stderr.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
