// Package logger builds the slog logger shared by the client and the dev
// backend, plus a few attribute helpers.
//
// Attribute helpers return an empty slog.Attr for zero inputs so callers can
// write log.Info("msg", logger.Error(err)) without nil checks.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// New returns a logger writing to stderr. format is "json" or "text".
func New(level, format string) *slog.Logger {
	return NewWithWriter(os.Stderr, level, format)
}

func NewWithWriter(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Error creates an attribute for err under the key "error".
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// RequestID creates an attribute for a correlation id.
func RequestID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("request_id", id)
}

func Latency(d time.Duration) slog.Attr {
	return slog.Duration("latency", d)
}

// Component tags log lines with the subsystem that produced them.
func Component(name string) slog.Attr {
	return slog.String("component", name)
}
