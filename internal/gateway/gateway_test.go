package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-amplifier/internal/config"
	"github.com/basket/go-amplifier/internal/engine"
	"github.com/basket/go-amplifier/internal/gateway"
	"github.com/basket/go-amplifier/internal/hooks"
	"github.com/basket/go-amplifier/internal/persistence"
	"github.com/basket/go-amplifier/internal/profile"
	"github.com/basket/go-amplifier/internal/session"
)

const gatewayTestAuthToken = "test-token"

// testEngine streams a short reply. When gate is set, Execute blocks until
// it is closed or the context ends.
type testEngine struct {
	coord    *engine.Coordinator
	approver engine.Approver
	gate     chan struct{}
	initErr  error
}

func (e *testEngine) Coordinator() *engine.Coordinator { return e.coord }

func (e *testEngine) Initialize(context.Context) error { return e.initErr }

func (e *testEngine) Execute(ctx context.Context, prompt string) (string, error) {
	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	h := e.coord.Hooks()
	_, _ = h.Emit(ctx, hooks.ContentBlockStart, map[string]any{"block_index": 0, "block_type": "text"})
	_, _ = h.Emit(ctx, hooks.ContentBlockDelta, map[string]any{"index": 0, "delta": map[string]any{"type": "text_delta", "text": "ok"}})
	_, _ = h.Emit(ctx, hooks.ContentBlockEnd, map[string]any{
		"block_index":  0,
		"total_blocks": 1,
		"usage":        map[string]any{"input_tokens": 3, "output_tokens": 1},
	})
	return "ok", nil
}

func (e *testEngine) Cleanup(context.Context) error { return nil }

type testFactory struct {
	mu      sync.Mutex
	gate    chan struct{}
	initErr error
}

func (f *testFactory) New(_ *profile.MountPlan, _ string, approver engine.Approver) (engine.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &testEngine{coord: engine.NewCoordinator(), approver: approver, gate: f.gate, initErr: f.initErr}, nil
}

type fakeHistory struct {
	records []persistence.HistoryRecord
	err     error
	limit   int
}

func (h *fakeHistory) ListHistory(_ context.Context, limit int) ([]persistence.HistoryRecord, error) {
	h.limit = limit
	return h.records, h.err
}

func writeProfile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func testProfiles(t *testing.T) *profile.Loader {
	t.Helper()
	search := t.TempDir()
	collections := t.TempDir()
	writeProfile(t, filepath.Join(search, "dev.yaml"), `name: dev
description: Development profile
providers:
  - module: provider-anthropic
tools:
  - module: tool-filesystem
agents: [explorer]
`)
	writeProfile(t, filepath.Join(collections, "design", "profiles", "designer.yaml"), `name: designer
description: Design work
extends: dev
`)
	return profile.NewLoader([]string{search}, []string{collections})
}

type testServer struct {
	URL      string
	Registry *session.Registry
	Factory  *testFactory
}

func apiTestServer(t *testing.T, mutate ...func(*gateway.Config)) *testServer {
	t.Helper()
	factory := &testFactory{}
	reg := session.NewRegistry(0, nil)
	cfg := gateway.Config{
		Registry:          reg,
		Profiles:          testProfiles(t),
		Factory:           factory,
		Version:           "1.2.3",
		Host:              "127.0.0.1",
		Port:              8765,
		ConfigFingerprint: "abc123",
		AuthToken:         gatewayTestAuthToken,
		CORS:              config.CORSConfig{AllowedOrigins: []string{"vscode-webview://*", "http://localhost:*"}},
		ApprovalTimeout:   5 * time.Second,
		Keepalive:         5 * time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	srv := gateway.New(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cfg.Registry.StopAll(context.Background())
	})
	return &testServer{URL: ts.URL, Registry: cfg.Registry, Factory: factory}
}

func doRequest(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+gatewayTestAuthToken)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func expectError(t *testing.T, resp *http.Response, status int, code string) map[string]any {
	t.Helper()
	if resp.StatusCode != status {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, status, body)
	}
	body := decodeJSON(t, resp)
	env, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("missing error envelope: %v", body)
	}
	if env["code"] != code {
		t.Fatalf("code = %v, want %s", env["code"], code)
	}
	if _, ok := env["details"].(map[string]any); !ok {
		t.Fatalf("details missing from envelope: %v", env)
	}
	return env
}

func TestHealth_NoAuthRequired(t *testing.T) {
	ts := apiTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeJSON(t, resp)
	if body["status"] != "healthy" || body["version"] != "1.2.3" {
		t.Fatalf("unexpected health body: %v", body)
	}
	if body["active_sessions"] != float64(0) {
		t.Fatalf("active_sessions = %v, want 0", body["active_sessions"])
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID response header")
	}
}

func TestRequestID_Echoed(t *testing.T) {
	ts := apiTestServer(t)
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("X-Request-ID", "client-supplied")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "client-supplied" {
		t.Fatalf("X-Request-ID = %q, want client-supplied", got)
	}
}

func TestInfo_ReportsCapabilitiesAndConfig(t *testing.T) {
	ts := apiTestServer(t)
	body := decodeJSON(t, doRequest(t, http.MethodGet, ts.URL+"/info", ""))
	if body["api_version"] != "v1" {
		t.Fatalf("api_version = %v", body["api_version"])
	}
	caps, _ := body["capabilities"].(map[string]any)
	for _, k := range []string{"sessions", "sse", "websocket", "profiles", "streaming", "extended_thinking", "tool_use"} {
		if caps[k] != true {
			t.Fatalf("capability %s = %v, want true", k, caps[k])
		}
	}
	cfg, _ := body["config"].(map[string]any)
	if cfg["host"] != "127.0.0.1" || cfg["port"] != float64(8765) || cfg["fingerprint"] != "abc123" {
		t.Fatalf("unexpected config block: %v", cfg)
	}
	if paths, _ := cfg["profiles_path"].([]any); len(paths) == 0 {
		t.Fatalf("profiles_path empty: %v", cfg)
	}
}

func TestAuth_MissingAndInvalidToken(t *testing.T) {
	ts := apiTestServer(t)

	resp, err := http.Get(ts.URL + "/sessions")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	expectError(t, resp, http.StatusUnauthorized, "UNAUTHORIZED")

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/sessions", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	expectError(t, resp, http.StatusForbidden, "FORBIDDEN")

	resp, err = http.Get(ts.URL + "/sessions?api_key=" + gatewayTestAuthToken)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query token status = %d, want 200", resp.StatusCode)
	}
}

func TestAuth_DisabledWithoutToken(t *testing.T) {
	ts := apiTestServer(t, func(cfg *gateway.Config) { cfg.AuthToken = "" })
	resp, err := http.Get(ts.URL + "/sessions")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestCORS_WildcardOrigins(t *testing.T) {
	ts := apiTestServer(t)

	cases := []struct {
		origin  string
		allowed bool
	}{
		{"vscode-webview://abc123", true},
		{"http://localhost:3000", true},
		{"https://evil.example", false},
	}
	for _, tc := range cases {
		req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/sessions", nil)
		req.Header.Set("Origin", tc.origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("OPTIONS: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("%s: preflight status = %d, want 204", tc.origin, resp.StatusCode)
		}
		got := resp.Header.Get("Access-Control-Allow-Origin")
		if tc.allowed && got != tc.origin {
			t.Fatalf("%s: Allow-Origin = %q", tc.origin, got)
		}
		if !tc.allowed && got != "" {
			t.Fatalf("%s: unexpected Allow-Origin %q", tc.origin, got)
		}
	}
}

func TestRequestSizeLimit(t *testing.T) {
	ts := apiTestServer(t, func(cfg *gateway.Config) { cfg.MaxRequestBytes = 64 })
	body := `{"profile":"` + strings.Repeat("x", 200) + `"}`
	expectError(t, doRequest(t, http.MethodPost, ts.URL+"/sessions", body), http.StatusRequestEntityTooLarge, "REQUEST_TOO_LARGE")
}

func TestProfiles_ListAndFilter(t *testing.T) {
	ts := apiTestServer(t)

	body := decodeJSON(t, doRequest(t, http.MethodGet, ts.URL+"/profiles", ""))
	list, _ := body["profiles"].([]any)
	if len(list) != 2 {
		t.Fatalf("profiles = %v, want 2 entries", body["profiles"])
	}

	body = decodeJSON(t, doRequest(t, http.MethodGet, ts.URL+"/profiles?collection=design", ""))
	list, _ = body["profiles"].([]any)
	if len(list) != 1 {
		t.Fatalf("filtered profiles = %v, want 1 entry", list)
	}
	entry := list[0].(map[string]any)
	if entry["name"] != "designer" || entry["collection"] != "design" || entry["extends"] != "dev" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestProfiles_Detail(t *testing.T) {
	ts := apiTestServer(t)

	body := decodeJSON(t, doRequest(t, http.MethodGet, ts.URL+"/profiles/dev", ""))
	if body["name"] != "dev" || body["description"] != "Development profile" {
		t.Fatalf("unexpected detail: %v", body)
	}
	if body["collection"] != nil || body["extends"] != nil {
		t.Fatalf("collection/extends should be null: %v", body)
	}
	providers, _ := body["providers"].([]any)
	if len(providers) != 1 {
		t.Fatalf("providers = %v", body["providers"])
	}
	if hooksList, ok := body["hooks"].([]any); !ok || len(hooksList) != 0 {
		t.Fatalf("hooks = %v, want empty list", body["hooks"])
	}

	env := expectError(t, doRequest(t, http.MethodGet, ts.URL+"/profiles/missing", ""), http.StatusNotFound, "PROFILE_NOT_FOUND")
	if env["details"].(map[string]any)["profile_name"] != "missing" {
		t.Fatalf("details = %v", env["details"])
	}
}

func TestHistory(t *testing.T) {
	hist := &fakeHistory{records: []persistence.HistoryRecord{{SessionID: "s1", Profile: "dev", Status: "stopped"}}}
	ts := apiTestServer(t, func(cfg *gateway.Config) { cfg.History = hist })

	body := decodeJSON(t, doRequest(t, http.MethodGet, ts.URL+"/history?limit=5", ""))
	if body["total"] != float64(1) {
		t.Fatalf("total = %v, want 1", body["total"])
	}
	if hist.limit != 5 {
		t.Fatalf("limit = %d, want 5", hist.limit)
	}

	hist.err = errors.New("disk gone")
	expectError(t, doRequest(t, http.MethodGet, ts.URL+"/history", ""), http.StatusInternalServerError, "HISTORY_FAILED")
}

func TestHistory_Unconfigured(t *testing.T) {
	ts := apiTestServer(t)
	expectError(t, doRequest(t, http.MethodGet, ts.URL+"/history", ""), http.StatusNotImplemented, "HISTORY_UNAVAILABLE")
}

func TestUnknownRoute(t *testing.T) {
	ts := apiTestServer(t)
	resp := doRequest(t, http.MethodGet, ts.URL+"/nope", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
