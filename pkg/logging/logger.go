// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the slog logger shared by the cascade CLI and
// server.
//
// Records go to the console (text or JSON) and, when Config.LogDir is set,
// also to a JSON file named {service}_{yyyy-mm-dd}.log in that directory.
// Packages under services/cascade take a *slog.Logger; only cmd/cascade
// imports this package.
//
//	logger := logging.New(logging.Config{Level: slog.LevelInfo, Service: "cascade"})
//	defer logger.Close()
//	eng, err := engine.New(store, engine.WithLogger(logger.Slog()))
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
)

// ParseLevel maps a config level name to a slog.Level. Matching ignores
// case and surrounding space; "" means info and "warning" is accepted.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Config selects level and destinations. The zero value logs Info and
// above as text to stderr.
type Config struct {
	Level slog.Level

	// LogDir adds a JSON file destination. A leading ~ is expanded.
	LogDir string

	// Service is attached to every record as "service" and names the file.
	Service string

	// JSON formats console records as JSON instead of text.
	JSON bool

	// Output is the console writer. Nil means os.Stderr.
	Output io.Writer
}

// Logger is a slog.Logger that owns its log file.
//
// Thread Safety: Safe for concurrent use.
type Logger struct {
	*slog.Logger

	mu   sync.Mutex
	file *os.File
}

// New builds a Logger. A log file that cannot be opened does not fail
// construction: the console keeps working and one warning says why.
func New(cfg Config) *Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var console slog.Handler = slog.NewTextHandler(out, opts)
	if cfg.JSON {
		console = slog.NewJSONHandler(out, opts)
	}

	l := &Logger{}
	handler := console
	var fileErr error
	if cfg.LogDir != "" {
		l.file, fileErr = openLogFile(cfg.LogDir, cfg.Service, time.Now())
		if fileErr == nil {
			handler = teeHandler{console, slog.NewJSONHandler(l.file, opts)}
		}
	}
	if cfg.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", cfg.Service)})
	}

	l.Logger = slog.New(handler)
	if fileErr != nil {
		l.Warn("file logging disabled", slog.String("error", fileErr.Error()))
	}
	return l
}

// Slog returns the logger for packages that take a *slog.Logger.
func (l *Logger) Slog() *slog.Logger { return l.Logger }

// Close flushes and closes the log file. Later calls are no-ops.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := errors.Join(l.file.Sync(), l.file.Close())
	l.file = nil
	if err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	return nil
}

// teeHandler hands each record to every handler that accepts its level.
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
	var errs []error
	for _, h := range t {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
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

func openLogFile(dir, service string, now time.Time) (*os.File, error) {
	if strings.HasPrefix(dir, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, dir[1:])
		}
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if service == "" {
		service = "cascade"
	}
	path := filepath.Join(dir, service+"_"+now.Format(time.DateOnly)+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}
