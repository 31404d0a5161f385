// Package logging configures the process-wide slog logger from gateway
// configuration and provides header redaction for request logs.
package logging

import (
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
)

// Setup builds a slog.Logger per the logging config and installs it as the
// default. Unknown levels fall back to INFO; unknown outputs to stdout.
func Setup(level, format, output string) *slog.Logger {
	var w io.Writer
	switch output {
	case "stderr":
		w = os.Stderr
	case "", "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			slog.Warn("open log file failed, using stdout", "path", output, "error", err)
			w = os.Stdout
		} else {
			w = f
		}
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps config level names onto slog levels. CRITICAL collapses
// into ERROR; slog has no higher built-in.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARNING", "WARN":
		return slog.LevelWarn
	case "ERROR", "CRITICAL":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Redactor replaces configured sensitive header values with a placeholder
// before they reach the log stream.
type Redactor struct {
	names map[string]bool // canonical header names
}

// NewRedactor builds a redactor for the given header names.
func NewRedactor(headers []string) *Redactor {
	names := make(map[string]bool, len(headers))
	for _, h := range headers {
		names[http.CanonicalHeaderKey(h)] = true
	}
	return &Redactor{names: names}
}

const redacted = "[REDACTED]"

// Headers returns a flat copy of h with sensitive values replaced.
// Multi-valued headers are joined with ", ".
func (r *Redactor) Headers(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if r.names[http.CanonicalHeaderKey(name)] {
			out[name] = redacted
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}
