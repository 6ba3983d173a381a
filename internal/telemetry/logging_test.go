package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-amplifier/internal/shared"
)

func readLastEntry(t *testing.T, home string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		t.Fatalf("expected at least one log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	return entry
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, _, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("startup phase", "phase", "config_loaded", "session_id", "s-1")

	entry := readLastEntry(t, home)
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "server" {
		t.Fatalf("expected component=server, got %#v", entry["component"])
	}
	if entry["trace_id"] != "-" {
		t.Fatalf("expected trace_id='-', got %#v", entry["trace_id"])
	}
	if entry["session_id"] != "s-1" {
		t.Fatalf("expected session_id propagation, got %#v", entry["session_id"])
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	home := t.TempDir()
	logger, _, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("credential check",
		"anthropic_api_key", "abc123",
		"auth_header", "Authorization: Bearer super-secret-token",
		"detail", "provider rejected sk-ant-REDACTED",
	)

	entry := readLastEntry(t, home)
	if entry["anthropic_api_key"] != "[REDACTED]" {
		t.Fatalf("expected api key redaction, got %#v", entry["anthropic_api_key"])
	}
	if entry["auth_header"] != "[REDACTED]" {
		t.Fatalf("expected auth_header redaction, got %#v", entry["auth_header"])
	}
	if strings.Contains(entry["detail"].(string), "abcdefghijklmnop") {
		t.Fatalf("expected key pattern redaction, got %#v", entry["detail"])
	}
}

func TestNewLogger_LevelVarChangesAtRuntime(t *testing.T) {
	home := t.TempDir()
	logger, lvl, closer, err := NewLogger(home, "warn", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("dropped")
	lvl.Set(slog.LevelDebug)
	logger.Debug("kept")

	entry := readLastEntry(t, home)
	if entry["msg"] != "kept" {
		t.Fatalf("msg = %#v, want kept", entry["msg"])
	}
	raw, _ := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if strings.Contains(string(raw), "dropped") {
		t.Fatal("info record should have been filtered at warn level")
	}
}

func TestWithContext_AddsIDs(t *testing.T) {
	home := t.TempDir()
	logger, _, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	ctx := shared.WithSessionID(shared.WithTraceID(context.Background(), "trace-9"), "s-9")
	WithContext(ctx, logger).Info("hello")

	entry := readLastEntry(t, home)
	if entry["trace_id"] != "trace-9" {
		t.Fatalf("trace_id = %#v", entry["trace_id"])
	}
	if entry["session_id"] != "s-9" {
		t.Fatalf("session_id = %#v", entry["session_id"])
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger_RedactsCredentialMaps(t *testing.T) {
	home := t.TempDir()
	logger, _, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("provider mounted", "config", map[string]any{"api_key": "sk-live", "model": "claude-sonnet"})

	entry := readLastEntry(t, home)
	cfg, ok := entry["config"].(map[string]any)
	if !ok {
		t.Fatalf("config = %#v", entry["config"])
	}
	if cfg["api_key"] != "[REDACTED]" || cfg["model"] != "claude-sonnet" {
		t.Fatalf("config = %#v", cfg)
	}
}
