/*
Package logging configures structured logging with file rotation.

Logs are written to both stderr (text format, for human reading) and a
rotated JSON log file (for machine parsing and post-hoc analysis).
The file logger uses lumberjack for size-based rotation.
*/
package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultFileName is the log file created inside LogDir.
const DefaultFileName = "sniffd.log"

// Config holds logging configuration.
type Config struct {
	// LogDir is the directory for log files. If empty, file logging is disabled.
	LogDir string
	// FileName overrides DefaultFileName.
	FileName string
	// Verbose enables DEBUG-level logging. Default is INFO.
	Verbose bool
	// Console receives the text output. Defaults to os.Stderr.
	Console io.Writer
	// Extra handlers receive every record alongside the console and file.
	// They apply their own level filtering.
	Extra []slog.Handler
}

// Setup creates a logger that writes to stderr and optionally to a rotated
// log file. Returns the logger and a cleanup function to close the file.
func Setup(cfg Config) (logger *slog.Logger, cleanup func()) {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	if cfg.Console == nil {
		cfg.Console = os.Stderr
	}
	if cfg.FileName == "" {
		cfg.FileName = DefaultFileName
	}

	consoleHandler := slog.NewTextHandler(cfg.Console, &slog.HandlerOptions{
		Level: level,
	})

	handlers := append([]slog.Handler{consoleHandler}, cfg.Extra...)

	if cfg.LogDir == "" {
		return newLogger(handlers), func() {}
	}

	if err := os.MkdirAll(cfg.LogDir, 0o750); err != nil { //nolint:gosec // log directory
		// Fall back to console-only if we can't create the directory.
		slog.New(consoleHandler).Warn("failed to create log directory, file logging disabled",
			"dir", cfg.LogDir,
			"error", err,
		)
		return newLogger(handlers), func() {}
	}

	lj := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, cfg.FileName),
		MaxSize:    10, // MB per file
		MaxBackups: 3,
		MaxAge:     7, // days
		Compress:   true,
	}

	fileHandler := slog.NewJSONHandler(lj, &slog.HandlerOptions{
		Level: level,
	})

	cleanup = func() {
		_ = lj.Close()
	}

	return newLogger(append(handlers, fileHandler)), cleanup
}

func newLogger(handlers []slog.Handler) *slog.Logger {
	if len(handlers) == 1 {
		return slog.New(handlers[0])
	}
	return slog.New(&multiHandler{handlers: handlers})
}

// multiHandler fans out log records to multiple slog.Handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle passes a clone of r to every enabled handler, so one failing sink
// does not starve the others.
func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	var errs []error
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}
