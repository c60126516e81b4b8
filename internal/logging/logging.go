// Package logging provides the structured logger shared across parquedb's
// components. It wraps log/slog with an optional rotating file sink,
// mirroring the teacher's debug.Logf + lumberjack pairing but without a
// package-level singleton: callers get an explicit *Logger.
package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where log output goes and at what level.
type Config struct {
	// FilePath, if set, rotates logs through lumberjack instead of stderr.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Level      slog.Level
}

// Logger is a thin handle around a *slog.Logger plus the rotating writer,
// so callers can Close it on facade disposal.
type Logger struct {
	*slog.Logger
	closer io.Closer
}

// New builds a Logger from cfg. A zero Config logs to stderr at Info level.
func New(cfg Config) *Logger {
	var w io.Writer = os.Stderr
	var closer io.Closer
	if cfg.FilePath != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    orDefault(cfg.MaxSizeMB, 50),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
			Compress:   true,
		}
		w = lj
		closer = lj
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.Level})
	return &Logger{Logger: slog.New(h), closer: closer}
}

// Discard returns a Logger that drops every record; useful as a default
// for components constructed without an explicit logger in tests.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// Close releases the rotating file sink, if any. Safe to call on a
// stderr-backed Logger.
func (l *Logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// OrDefault returns l, or a discard Logger if l is nil — lets components
// accept an optional *Logger constructor argument without a nil check at
// every call site.
func OrDefault(l *Logger) *Logger {
	if l == nil {
		return Discard()
	}
	return l
}
