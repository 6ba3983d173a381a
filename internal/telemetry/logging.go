package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/go-amplifier/internal/shared"
)

// NewLogger builds the server's JSON logger. Records go to
// <homeDir>/logs/system.jsonl and, unless quiet, to stdout as well. The
// returned LevelVar lets a config reload change verbosity without rebuilding
// the handler.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, *slog.LevelVar, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, nil, err
	}

	logFilePath := filepath.Join(logDir, "system.jsonl")
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, nil, err
	}

	lvl := new(slog.LevelVar)
	lvl.Set(ParseLevel(level))
	var w io.Writer
	if quiet {
		w = file
	} else {
		w = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl, ReplaceAttr: replaceAttr})
	logger := slog.New(handler).With("component", "server", "trace_id", "-")
	return logger, lvl, file, nil
}

// WithContext returns logger annotated with the trace and session ids carried
// by ctx.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	l := logger.With("trace_id", shared.TraceID(ctx))
	if sid := shared.SessionID(ctx); sid != "" {
		l = l.With("session_id", sid)
	}
	return l
}

// replaceAttr renames the time key and masks secrets. Secret-named keys are
// masked whole, credential maps key by key, and any string carrying an auth
// header is dropped entirely.
func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if shared.SensitiveKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	switch a.Value.Kind() {
	case slog.KindString:
		v := a.Value.String()
		if strings.Contains(strings.ToLower(v), "authorization:") {
			return slog.String(a.Key, "[REDACTED]")
		}
		if redacted := shared.Redact(v); redacted != v {
			return slog.String(a.Key, redacted)
		}
	case slog.KindAny:
		if m, ok := a.Value.Any().(map[string]any); ok {
			return slog.Any(a.Key, shared.RedactMap(m))
		}
	}
	return a
}

// ParseLevel maps a config level name to a slog level. Unknown names map to info.
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
