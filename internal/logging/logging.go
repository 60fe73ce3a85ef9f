// Package logging configures the structured log output shared by the
// detection engine and the control plane. Detection events are emitted as
// JSON envelopes keyed by correlationId so a single request can be traced
// across analyzers, scoring, and the audit trail.
package logging

import (
	"io"
	"log/slog"
	"strings"

	"warden/internal/request"
)

// New builds a slog.Logger writing to w. format is "json" or "text";
// anything else falls back to JSON. JSON output uses the detection
// envelope keys: the message becomes "event" and the time becomes
// "timestamp" in epoch milliseconds.
func New(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: envelopeKeys,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	default:
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

func envelopeKeys(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return a
	}
	switch a.Key {
	case slog.TimeKey:
		a.Key = "timestamp"
		a.Value = slog.Int64Value(a.Value.Time().UnixMilli())
	case slog.MessageKey:
		a.Key = "event"
	}
	return a
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// RequestAttrs returns the standard envelope attributes for a detection
// log line. Every detection event carries these so log consumers can join
// lines on correlationId.
func RequestAttrs(correlationID string, v request.View) []any {
	return []any{
		"correlationId", correlationID,
		"requestId", v.RequestID,
		"ip", v.IP,
		"userAgent", v.UserAgent,
		"path", v.Path,
		"method", v.Method,
	}
}
