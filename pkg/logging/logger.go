// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the process logger for kbcache commands.
//
// Every component logs through *slog.Logger. This package decides where the
// records go:
//
//   - Console: stderr by default, text or JSON
//   - File: optional, always JSON, one file per service per day
//
// # Usage
//
//	logger, err := logging.New(logging.Config{
//	    Level:   "info",
//	    Dir:     "~/.kbcache/logs",
//	    Service: "kbcache",
//	})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//	slog.SetDefault(logger.Slog())
//
// # Thread Safety
//
// Logger is safe for concurrent use.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// ErrInvalidLevel is returned for an unknown level name.
var ErrInvalidLevel = errors.New("invalid log level")

// ParseLevel maps "debug", "info", "warn" or "error" to a slog level. The
// empty string means info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("%w: %q", ErrInvalidLevel, name)
	}
}

// Config configures the logger. The zero value logs info and above to
// stderr as text.
type Config struct {
	// Level is the minimum level name. Default: "info".
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`

	// Format is "text", "json" or "auto" for console output. "auto" picks
	// text on a terminal and JSON otherwise. File output is always JSON.
	// Default: "text".
	Format string `yaml:"format" validate:"omitempty,oneof=text json auto"`

	// Dir enables file logging. "~" expands to the home directory. The file
	// is named "{Service}_{YYYY-MM-DD}.log".
	Dir string `yaml:"dir"`

	// Service is attached to every record as the "service" attribute.
	Service string `yaml:"service"`

	// Quiet disables console output.
	Quiet bool `yaml:"quiet"`

	// Console overrides stderr. Used by tests.
	Console io.Writer `yaml:"-"`
}

// Logger owns the handlers and the optional log file.
type Logger struct {
	slog *slog.Logger
	file *os.File
	path string
	mu   sync.Mutex
}

// New creates a logger.
//
// Outputs:
//
//	*Logger - Must be closed to flush the log file.
//	error - ErrInvalidLevel, or a file error when Dir cannot be used.
func New(cfg Config) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var handlers []slog.Handler
	if !cfg.Quiet {
		w := cfg.Console
		if w == nil {
			w = os.Stderr
		}
		if consoleJSON(cfg.Format, w) {
			handlers = append(handlers, slog.NewJSONHandler(w, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(w, opts))
		}
	}

	l := &Logger{}
	if cfg.Dir != "" {
		dir := expandPath(cfg.Dir)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		service := cfg.Service
		if service == "" {
			service = "kbcache"
		}
		l.path = filepath.Join(dir, fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02")))
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.file = f
		handlers = append(handlers, slog.NewJSONHandler(f, opts))
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &fanout{handlers: handlers}
	}
	if cfg.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", cfg.Service)})
	}
	l.slog = slog.New(handler)
	return l, nil
}

// Slog returns the underlying logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// FilePath is the log file path, or "" without file logging.
func (l *Logger) FilePath() string {
	return l.path
}

// Close syncs and closes the log file. Safe to call more than once.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	return errors.Join(f.Sync(), f.Close())
}

// fanout sends each record to every handler enabled for its level.
type fanout struct {
	handlers []slog.Handler
}

func (h *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			errs = append(errs, handler.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (h *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		out[i] = handler.WithAttrs(attrs)
	}
	return &fanout{handlers: out}
}

func (h *fanout) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		out[i] = handler.WithGroup(name)
	}
	return &fanout{handlers: out}
}

// consoleJSON decides the console encoding. "auto" is JSON unless w is a
// terminal.
func consoleJSON(format string, w io.Writer) bool {
	switch format {
	case "json":
		return true
	case "auto":
		f, ok := w.(*os.File)
		if !ok {
			return true
		}
		return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
	default:
		return false
	}
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
