package config

import (
	"fmt"
	"hash/fnv"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHost           = "127.0.0.1"
	DefaultPort           = 8765
	DefaultProfile        = "dev"
	defaultApprovalSecs   = 300
	defaultKeepaliveSecs  = 5
	defaultReapSchedule   = "@every 1m"
	defaultRetentionDays  = 30
	defaultSandboxImage   = "alpine:3.20"
	defaultSandboxMemory  = 512
	defaultSandboxNetwork = "none"
)

type CORSConfig struct {
	// AllowedOrigins accepts exact origins and "*" wildcard patterns such as
	// "vscode-webview://*".
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

type ApprovalConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

type StreamConfig struct {
	KeepaliveSeconds int `yaml:"keepalive_seconds"`
}

type SessionsConfig struct {
	// MaxSessions caps concurrently live sessions. 0 = unlimited.
	MaxSessions int `yaml:"max_sessions"`
	// IdleTimeoutMinutes stops sessions idle for longer than this. 0 disables reaping.
	IdleTimeoutMinutes int    `yaml:"idle_timeout_minutes"`
	ReapSchedule       string `yaml:"reap_schedule"`
}

type ProfilesConfig struct {
	SearchPaths     []string `yaml:"search_paths"`
	CollectionPaths []string `yaml:"collection_paths"`
	Default         string   `yaml:"default"`
}

type EngineConfig struct {
	DefaultModel string `yaml:"default_model"`
	MaxTurns     int    `yaml:"max_turns"`
}

type BashConfig struct {
	Sandbox         bool   `yaml:"sandbox"`
	SandboxImage    string `yaml:"sandbox_image"`
	SandboxMemoryMB int64  `yaml:"sandbox_memory_mb"`
	SandboxNetwork  string `yaml:"sandbox_network"`
}

type ToolsConfig struct {
	Bash BashConfig `yaml:"bash"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type TelegramConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	AuthToken string `yaml:"auth_token"`

	CORS     CORSConfig     `yaml:"cors"`
	Approval ApprovalConfig `yaml:"approval"`
	Stream   StreamConfig   `yaml:"stream"`
	Sessions SessionsConfig `yaml:"sessions"`
	Profiles ProfilesConfig `yaml:"profiles"`
	Engine   EngineConfig   `yaml:"engine"`
	Tools    ToolsConfig    `yaml:"tools"`
	Store    StoreConfig    `yaml:"store"`
	OTel     OTelConfig     `yaml:"otel"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// Addr returns host:port for the HTTP listener.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Approval.TimeoutSeconds) * time.Second
}

func (c Config) KeepaliveInterval() time.Duration {
	return time.Duration(c.Stream.KeepaliveSeconds) * time.Second
}

// IdleTimeout returns the idle reaping threshold, zero when reaping is off.
func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.Sessions.IdleTimeoutMinutes) * time.Minute
}

// Fingerprint returns a stable hash of the settings that shape server behavior.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "host=%s|port=%d|log=%s|approval=%d|keepalive=%d|max=%d|idle=%d|profiles=%v|origins=%v|sandbox=%t",
		c.Host, c.Port, c.LogLevel, c.Approval.TimeoutSeconds, c.Stream.KeepaliveSeconds,
		c.Sessions.MaxSessions, c.Sessions.IdleTimeoutMinutes, c.Profiles.SearchPaths,
		c.CORS.AllowedOrigins, c.Tools.Bash.Sandbox)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		Host:     DefaultHost,
		Port:     DefaultPort,
		LogLevel: "info",
		CORS: CORSConfig{
			AllowedOrigins: []string{"vscode-webview://*"},
		},
		Approval: ApprovalConfig{TimeoutSeconds: defaultApprovalSecs},
		Stream:   StreamConfig{KeepaliveSeconds: defaultKeepaliveSecs},
		Sessions: SessionsConfig{ReapSchedule: defaultReapSchedule},
		Profiles: ProfilesConfig{Default: DefaultProfile},
		Tools: ToolsConfig{Bash: BashConfig{
			SandboxImage:    defaultSandboxImage,
			SandboxMemoryMB: defaultSandboxMemory,
			SandboxNetwork:  defaultSandboxNetwork,
		}},
		Store: StoreConfig{RetentionDays: defaultRetentionDays},
		OTel: OTelConfig{
			Exporter:    "none",
			ServiceName: "amplifierd",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("AMPLIFIER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".amplifier")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml over the defaults. A missing file is
// not an error.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create amplifier home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Approval.TimeoutSeconds <= 0 {
		cfg.Approval.TimeoutSeconds = defaultApprovalSecs
	}
	if cfg.Stream.KeepaliveSeconds <= 0 {
		cfg.Stream.KeepaliveSeconds = defaultKeepaliveSecs
	}
	if strings.TrimSpace(cfg.Sessions.ReapSchedule) == "" {
		cfg.Sessions.ReapSchedule = defaultReapSchedule
	}
	if strings.TrimSpace(cfg.Profiles.Default) == "" {
		cfg.Profiles.Default = DefaultProfile
	}
	if len(cfg.Profiles.SearchPaths) == 0 {
		cfg.Profiles.SearchPaths = []string{
			filepath.Join(cfg.HomeDir, "profiles"),
			filepath.Join(".amplifier", "profiles"),
		}
	}
	if len(cfg.Profiles.CollectionPaths) == 0 {
		cfg.Profiles.CollectionPaths = []string{filepath.Join(cfg.HomeDir, "collections")}
		if home, err := os.UserHomeDir(); err == nil && home != "" {
			cfg.Profiles.CollectionPaths = append(cfg.Profiles.CollectionPaths,
				filepath.Join(home, ".local", "share", "amplifier", "collections"))
		}
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.HomeDir, "amplifier.db")
	}
	if cfg.Store.RetentionDays < 0 {
		cfg.Store.RetentionDays = 0
	}
	if cfg.Tools.Bash.SandboxImage == "" {
		cfg.Tools.Bash.SandboxImage = defaultSandboxImage
	}
	if cfg.Tools.Bash.SandboxMemoryMB <= 0 {
		cfg.Tools.Bash.SandboxMemoryMB = defaultSandboxMemory
	}
	if cfg.Tools.Bash.SandboxNetwork == "" {
		cfg.Tools.Bash.SandboxNetwork = defaultSandboxNetwork
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = "amplifierd"
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = "none"
	}
	if cfg.OTel.SampleRate <= 0 || cfg.OTel.SampleRate > 1 {
		cfg.OTel.SampleRate = 1.0
	}
}

func validate(cfg Config) error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("port %d out of range", cfg.Port)
	}
	if cfg.Sessions.MaxSessions < 0 {
		return fmt.Errorf("sessions.max_sessions must be >= 0, got %d", cfg.Sessions.MaxSessions)
	}
	if cfg.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.enabled requires telegram.token (or TELEGRAM_TOKEN)")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AMPLIFIER_HOST"); raw != "" {
		cfg.Host = raw
	}
	if raw := os.Getenv("AMPLIFIER_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Port = v
		}
	}
	if raw := os.Getenv("AMPLIFIER_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AMPLIFIER_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("AMPLIFIER_APPROVAL_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Approval.TimeoutSeconds = v
		}
	}
	if raw := os.Getenv("AMPLIFIER_MAX_SESSIONS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Sessions.MaxSessions = v
		}
	}
	if raw := os.Getenv("AMPLIFIER_DB_PATH"); raw != "" {
		cfg.Store.Path = raw
	}
	if raw := os.Getenv("AMPLIFIER_OTEL_EXPORTER"); raw != "" {
		cfg.OTel.Exporter = raw
		cfg.OTel.Enabled = raw != "none"
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
}
