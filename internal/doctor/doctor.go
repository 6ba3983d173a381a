package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/go-amplifier/internal/config"
	"github.com/basket/go-amplifier/internal/engine"
	"github.com/basket/go-amplifier/internal/persistence"
	"github.com/basket/go-amplifier/internal/profile"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Pinger reports whether the sandbox daemon answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options overrides collaborators for tests.
type Options struct {
	// Sandbox returns the daemon to ping when bash sandboxing is enabled.
	// Nil dials docker from the environment.
	Sandbox func(cfg *config.Config) (Pinger, error)
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string, opts Options) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}
	if opts.Sandbox == nil {
		opts.Sandbox = dockerPinger
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkProfiles,
		func(ctx context.Context, cfg *config.Config) CheckResult { return checkSandbox(ctx, cfg, opts.Sandbox) },
		checkPort,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	path := config.ConfigPath(cfg.HomeDir)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing, using defaults", Detail: path}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", path), Detail: cfg.Fingerprint()}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(cfg.Store.Path)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err), Detail: cfg.Store.Path}
	}
	defer store.Close()

	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	if _, err := store.ListHistory(ctx, 1); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("History query failed: %v", err)}
	}

	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: fmt.Sprintf("Connection and schema valid (v%d)", version),
		Detail:  cfg.Store.Path,
	}
}

func checkProfiles(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Profiles", Status: "SKIP", Message: "Config missing"}
	}

	loader := profile.NewLoader(cfg.Profiles.SearchPaths, cfg.Profiles.CollectionPaths)
	list, err := loader.List()
	if err != nil {
		return CheckResult{Name: "Profiles", Status: "FAIL", Message: fmt.Sprintf("Discovery failed: %v", err)}
	}
	if len(list) == 0 {
		return CheckResult{
			Name:    "Profiles",
			Status:  "WARN",
			Message: "No profiles found",
			Detail:  fmt.Sprintf("searched %v", loader.Dirs()),
		}
	}
	if _, err := loader.Load(cfg.Profiles.Default); err != nil {
		status := "FAIL"
		if errors.Is(err, profile.ErrNotFound) {
			status = "WARN"
		}
		return CheckResult{
			Name:    "Profiles",
			Status:  status,
			Message: fmt.Sprintf("Default profile %q unusable: %v", cfg.Profiles.Default, err),
		}
	}

	return CheckResult{
		Name:    "Profiles",
		Status:  "PASS",
		Message: fmt.Sprintf("%d profiles, default %q resolves", len(list), cfg.Profiles.Default),
	}
}

func checkSandbox(ctx context.Context, cfg *config.Config, dial func(*config.Config) (Pinger, error)) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Sandbox", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.Tools.Bash.Sandbox {
		return CheckResult{Name: "Sandbox", Status: "SKIP", Message: "docker: skipped (sandbox disabled)"}
	}

	p, err := dial(cfg)
	if err != nil {
		return CheckResult{Name: "Sandbox", Status: "FAIL", Message: fmt.Sprintf("docker client: %v", err)}
	}
	if c, ok := p.(interface{ Close() error }); ok {
		defer c.Close()
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.Ping(pingCtx); err != nil {
		return CheckResult{
			Name:    "Sandbox",
			Status:  "FAIL",
			Message: fmt.Sprintf("docker: daemon unreachable (%v)", err),
			Detail:  "bash commands will fail while tools.bash.sandbox is enabled",
		}
	}
	return CheckResult{Name: "Sandbox", Status: "PASS", Message: "docker: ok", Detail: "image=" + cfg.Tools.Bash.SandboxImage}
}

func dockerPinger(cfg *config.Config) (Pinger, error) {
	b := cfg.Tools.Bash
	return engine.NewDockerSandbox(b.SandboxImage, b.SandboxMemoryMB, b.SandboxNetwork, "")
}

func checkPort(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Port", Status: "SKIP", Message: "Config missing"}
	}

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		// A running server holds the port; that is the common case.
		return CheckResult{
			Name:    "Port",
			Status:  "WARN",
			Message: fmt.Sprintf("%s unavailable", cfg.Addr()),
			Detail:  err.Error(),
		}
	}
	ln.Close()
	return CheckResult{Name: "Port", Status: "PASS", Message: fmt.Sprintf("%s is free", cfg.Addr())}
}
