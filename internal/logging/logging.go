// Package logging holds the process-wide structured logger shared by every
// framecore package.
//
// The logger is stored atomically so Setup/SetLogger may be called while
// workers are logging. Until one of them is called, Logger returns
// slog.Default().
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
)

var (
	// ErrUnknownLevel is returned by Setup for an unrecognised level name.
	ErrUnknownLevel = errors.New("unknown log level")
	// ErrUnknownFormat is returned by Setup for a format other than text or json.
	ErrUnknownFormat = errors.New("unknown log format")
)

var loggerPtr atomic.Pointer[slog.Logger]

// Logger returns the current process logger.
func Logger() *slog.Logger {
	if l := loggerPtr.Load(); l != nil {
		return l
	}
	return slog.Default()
}

// SetLogger replaces the process logger. Passing nil restores slog.Default().
func SetLogger(l *slog.Logger) {
	loggerPtr.Store(l)
}

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels.
// An empty string means info.
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
	}
	return slog.LevelInfo, fmt.Errorf("%w: %q", ErrUnknownLevel, name)
}

// Setup builds a text or json handler writing to w, installs it as the
// process logger and returns it.
//
// Parameters:
//   - level: debug, info, warn or error
//   - format: text or json (empty means text)
//   - w: destination of log records
func Setup(level, format string, w io.Writer) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	l := slog.New(h)
	SetLogger(l)
	return l, nil
}
