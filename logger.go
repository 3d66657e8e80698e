package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"

	"github.com/KossiPascal/health-map-project/internal/config"
)

const logFilePermissions = 0o600

// buildLogger creates the process logger. The config level is the baseline;
// --verbose and --quiet override it. Format "auto" picks text on a terminal
// and JSON otherwise. A configured log_file receives a JSON copy of every
// record. The returned func closes the log file.
func buildLogger(lc *config.LoggingConfig, flags CLIFlags, stderr *os.File) (*slog.Logger, func(), error) {
	level := logLevel(lc.LogLevel)

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler

	switch lc.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(stderr, opts)
	case "text":
		handler = slog.NewTextHandler(stderr, opts)
	default:
		if isTerminal(stderr) {
			handler = slog.NewTextHandler(stderr, opts)
		} else {
			handler = slog.NewJSONHandler(stderr, opts)
		}
	}

	if lc.LogFile == "" {
		return slog.New(handler), func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(lc.LogFile), 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	f, err := os.OpenFile(lc.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, logFilePermissions)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	fileHandler := slog.NewJSONHandler(f, opts)

	return slog.New(teeHandler{handler, fileHandler}), func() { f.Close() }, nil
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// teeHandler fans records out to several handlers.
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}

	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range t {
		if !h.Enabled(ctx, r.Level) {
			continue
		}

		if err := h.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}

	return nil
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}

	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}

	return out
}
