// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging builds the structured logr.Logger shared by every
// component. Output is one JSON object per line.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
)

// Level names accepted by ParseLevel, mapped onto logr verbosity.
type Level string

const (
	LevelError Level = "error"
	LevelInfo  Level = "info"
	LevelDebug Level = "debug"
	LevelTrace Level = "trace"
)

// Verbosity returns the logr V-level enabled by l. Errors are always
// emitted by logr, so "error" and "info" both map to V(0).
func (l Level) Verbosity() int {
	switch l {
	case LevelDebug:
		return 1
	case LevelTrace:
		return 2
	default:
		return 0
	}
}

// ParseLevel validates a level name. Empty means info.
func ParseLevel(s string) (Level, error) {
	switch lvl := Level(strings.ToLower(strings.TrimSpace(s))); lvl {
	case "":
		return LevelInfo, nil
	case LevelError, LevelInfo, LevelDebug, LevelTrace:
		return lvl, nil
	default:
		return "", fmt.Errorf("unknown log level %q (want error, info, debug or trace)", s)
	}
}

// Options configures New.
type Options struct {
	Level Level
	// Path is an optional log file. Empty writes to stderr.
	Path string
	// Writer overrides Path and stderr, mainly for tests.
	Writer io.Writer
}

// New returns a JSON logger and a closer for any file it opened.
func New(opts Options) (logr.Logger, io.Closer, error) {
	var (
		out    io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)

	switch {
	case opts.Writer != nil:
		out = opts.Writer
	case opts.Path != "":
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0750); err != nil {
			return logr.Discard(), nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return logr.Discard(), nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out, closer = f, f
	}

	errorsOnly := opts.Level == LevelError
	logger := funcr.NewJSON(func(obj string) {
		fmt.Fprintln(out, obj)
	}, funcr.Options{
		LogTimestamp:    true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		Verbosity:       opts.Level.Verbosity(),
		LogCaller:       funcr.None,
	})

	if errorsOnly {
		logger = logr.New(&errorOnlySink{LogSink: logger.GetSink()})
	}
	return logger, closer, nil
}

// errorOnlySink drops Info calls at every verbosity.
type errorOnlySink struct {
	logr.LogSink
}

func (s *errorOnlySink) Enabled(int) bool { return false }

func (s *errorOnlySink) WithValues(kv ...any) logr.LogSink {
	return &errorOnlySink{LogSink: s.LogSink.WithValues(kv...)}
}

func (s *errorOnlySink) WithName(name string) logr.LogSink {
	return &errorOnlySink{LogSink: s.LogSink.WithName(name)}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
