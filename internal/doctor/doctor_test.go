package doctor

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/basket/go-amplifier/internal/config"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Profiles.SearchPaths = []string{filepath.Join(home, "profiles")}
	cfg.Profiles.CollectionPaths = nil
	cfg.Port = 0
	return &cfg
}

func writeProfile(t *testing.T, cfg *config.Config, name, body string) {
	t.Helper()
	dir := cfg.Profiles.SearchPaths[0]
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
}

func find(t *testing.T, d Diagnosis, name string) CheckResult {
	t.Helper()
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no %s check in %+v", name, d.Results)
	return CheckResult{}
}

func TestRun_HealthyHome(t *testing.T) {
	cfg := testConfig(t)
	writeProfile(t, cfg, cfg.Profiles.Default, "name: "+cfg.Profiles.Default+"\n")

	d := Run(context.Background(), cfg, "1.2.3", Options{})
	if d.System.Version != "1.2.3" {
		t.Fatalf("version = %q", d.System.Version)
	}
	if d.Failed() {
		t.Fatalf("unexpected failure: %+v", d.Results)
	}
	if got := find(t, d, "Config").Status; got != "WARN" {
		t.Fatalf("Config status = %s, want WARN without config.yaml", got)
	}
	for _, name := range []string{"Permissions", "Database", "Profiles", "Port"} {
		if got := find(t, d, name).Status; got != "PASS" {
			t.Fatalf("%s status = %s, want PASS (%+v)", name, got, find(t, d, name))
		}
	}
	if got := find(t, d, "Sandbox").Status; got != "SKIP" {
		t.Fatalf("Sandbox status = %s, want SKIP", got)
	}
}

func TestCheckConfig_NilConfig(t *testing.T) {
	if r := checkConfig(context.Background(), nil); r.Status != "FAIL" {
		t.Fatalf("expected FAIL for nil config, got %s", r.Status)
	}
}

func TestCheckProfiles_MissingDefault(t *testing.T) {
	cfg := testConfig(t)
	writeProfile(t, cfg, "other", "name: other\n")

	r := checkProfiles(context.Background(), cfg)
	if r.Status != "WARN" {
		t.Fatalf("expected WARN for missing default, got %+v", r)
	}
}

func TestCheckProfiles_NoneFound(t *testing.T) {
	cfg := testConfig(t)
	r := checkProfiles(context.Background(), cfg)
	if r.Status != "WARN" || r.Message != "No profiles found" {
		t.Fatalf("got %+v", r)
	}
}

func TestCheckDatabase_UnwritablePath(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(cfg.HomeDir, "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg.Store.Path = filepath.Join(blocker, "nested", "amplifier.db")

	if r := checkDatabase(context.Background(), cfg); r.Status != "FAIL" {
		t.Fatalf("expected FAIL, got %+v", r)
	}
}

func TestCheckSandbox(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tools.Bash.Sandbox = true

	ok := checkSandbox(context.Background(), cfg, func(*config.Config) (Pinger, error) { return fakePinger{}, nil })
	if ok.Status != "PASS" {
		t.Fatalf("reachable daemon: %+v", ok)
	}
	down := checkSandbox(context.Background(), cfg, func(*config.Config) (Pinger, error) {
		return fakePinger{err: errors.New("connection refused")}, nil
	})
	if down.Status != "FAIL" {
		t.Fatalf("unreachable daemon: %+v", down)
	}
	broken := checkSandbox(context.Background(), cfg, func(*config.Config) (Pinger, error) {
		return nil, errors.New("bad DOCKER_HOST")
	})
	if broken.Status != "FAIL" {
		t.Fatalf("client error: %+v", broken)
	}
}

func TestCheckPort_InUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Host = "127.0.0.1"
	cfg.Port = ln.Addr().(*net.TCPAddr).Port

	r := checkPort(context.Background(), cfg)
	if r.Status != "WARN" {
		t.Fatalf("expected WARN for busy port %s, got %+v", strconv.Itoa(cfg.Port), r)
	}
}

func TestDiagnosisFailed(t *testing.T) {
	d := Diagnosis{Results: []CheckResult{{Status: "PASS"}, {Status: "WARN"}}}
	if d.Failed() {
		t.Fatal("WARN should not fail")
	}
	d.Results = append(d.Results, CheckResult{Status: "FAIL"})
	if !d.Failed() {
		t.Fatal("FAIL should fail")
	}
}
