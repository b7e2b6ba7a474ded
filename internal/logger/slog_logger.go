package logger

import (
	"io"
	"log/slog"
	"os"
	"time"
)

// NewSlogLogger returns a Logger writing text to w at the given level.
// A nil writer means stdout. Tests pass a bytes.Buffer or io.Discard.
func NewSlogLogger(w io.Writer, level LogLevel, tz *time.Location) Logger {
	if w == nil {
		w = os.Stdout
	}
	lvl := parseLogLevel(string(level))
	return &moduleLogger{
		logger: slog.New(newTextHandler(w, lvl, tz)),
		level:  lvl,
	}
}

// NopLogger returns a Logger that discards everything
func NopLogger() Logger {
	return NewSlogLogger(io.Discard, LogLevelError, time.UTC)
}
