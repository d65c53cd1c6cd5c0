// Package logger is the structured logger every component receives.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger defines structured logging interface
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
	With(args ...any) Logger
}

type slogLogger struct {
	*slog.Logger
}

// New creates a JSON logger on stdout
func New(level string) Logger {
	return NewWithWriter(os.Stdout, level)
}

// NewWithWriter creates a JSON logger writing to w. Records carry service=funnelsync.
func NewWithWriter(w io.Writer, level string) Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slogLogger{slog.New(h).With("service", "funnelsync")}
}

// NewText creates a human-readable logger for the command line tools
func NewText(w io.Writer, level string) Logger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slogLogger{slog.New(h)}
}

// ParseLevel reads LOG_LEVEL; unknown values mean info
func ParseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
	}
	return l
}

func (l slogLogger) With(args ...any) Logger {
	return slogLogger{l.Logger.With(args...)}
}

// Default returns an info-level stdout logger
func Default() Logger {
	return New("info")
}

// Discard drops everything
func Discard() Logger {
	return slogLogger{slog.New(slog.DiscardHandler)}
}
