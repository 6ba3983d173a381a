package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-amplifier/internal/config"
)

// setTestConfig points AMPLIFIER_HOME at a temp dir whose config.yaml
// targets addr.
func setTestConfig(t *testing.T, addr, token string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("AMPLIFIER_HOME", home)
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %s: %v", addr, err)
	}
	yaml := "host: \"" + host + "\"\nport: " + port + "\n"
	if token != "" {
		yaml += "auth_token: \"" + token + "\"\n"
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestRunStatusCommand_ExtraArgs(t *testing.T) {
	code := runStatusCommand(context.Background(), []string{"extra"}, &bytes.Buffer{})
	if code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunStatusCommand_HealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "healthy", "version": "1.0.0", "active_sessions": 2})
	}))
	defer ts.Close()
	setTestConfig(t, ts.Listener.Addr().String(), "")

	var out bytes.Buffer
	code := runStatusCommand(context.Background(), nil, &out)
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if !strings.Contains(out.String(), `"status":"healthy"`) {
		t.Fatalf("non-terminal output should be raw JSON, got %q", out.String())
	}
}

func TestRunStatusCommand_UnhealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"unhealthy"}`))
	}))
	defer ts.Close()
	setTestConfig(t, ts.Listener.Addr().String(), "")

	code := runStatusCommand(context.Background(), nil, &bytes.Buffer{})
	if code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestRunStatusCommand_ConnectionRefused(t *testing.T) {
	setTestConfig(t, "127.0.0.1:1", "")
	code := runStatusCommand(context.Background(), nil, &bytes.Buffer{})
	if code != 1 {
		t.Fatalf("got exit code %d, want 1 for connection refused", code)
	}
}

func TestRenderHealth(t *testing.T) {
	out := renderHealth(healthResponse{Status: "healthy", Version: "1.0.0", UptimeSeconds: 90, ActiveSessions: 3}, http.StatusOK)
	for _, want := range []string{"healthy", "1.0.0", "1m30s", "3"} {
		if !strings.Contains(out, want) {
			t.Fatalf("render missing %q: %q", want, out)
		}
	}
	out = renderHealth(healthResponse{}, http.StatusServiceUnavailable)
	if !strings.Contains(out, "unhealthy (503)") {
		t.Fatalf("render = %q", out)
	}
}

func TestRunSessionsCommand_SendsTokenAndFilters(t *testing.T) {
	var gotAuth, gotStatus string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotStatus = r.URL.Query().Get("status")
		json.NewEncoder(w).Encode(map[string]any{
			"sessions": []map[string]any{{
				"session_id": "sess-1", "status": "idle", "profile": "dev", "created_at": "2026-10-01T10:00:00Z",
			}},
			"total": 4,
		})
	}))
	defer ts.Close()
	setTestConfig(t, ts.Listener.Addr().String(), "secret")

	var out bytes.Buffer
	code := runSessionsCommand(context.Background(), []string{"-status", "idle"}, &out)
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if gotAuth != "Bearer secret" || gotStatus != "idle" {
		t.Fatalf("auth=%q status=%q", gotAuth, gotStatus)
	}
	if !strings.Contains(out.String(), "sess-1") || !strings.Contains(out.String(), "1 shown, 4 total") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestRunSessionsCommand_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"code":"UNAUTHORIZED"}}`))
	}))
	defer ts.Close()
	setTestConfig(t, ts.Listener.Addr().String(), "")

	if code := runSessionsCommand(context.Background(), nil, &bytes.Buffer{}); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestServerURL_WildcardHost(t *testing.T) {
	got := serverURL(config.Config{Host: "0.0.0.0", Port: 9000})
	if got != "http://127.0.0.1:9000" {
		t.Fatalf("serverURL = %q", got)
	}
	got = serverURL(config.Config{Host: "::1", Port: 9000})
	if got != "http://[::1]:9000" {
		t.Fatalf("serverURL = %q", got)
	}
}
