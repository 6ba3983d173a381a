package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/go-amplifier/internal/audit"
	"github.com/basket/go-amplifier/internal/bus"
	"github.com/basket/go-amplifier/internal/channels"
	"github.com/basket/go-amplifier/internal/config"
	"github.com/basket/go-amplifier/internal/cron"
	"github.com/basket/go-amplifier/internal/engine"
	"github.com/basket/go-amplifier/internal/gateway"
	otelPkg "github.com/basket/go-amplifier/internal/otel"
	"github.com/basket/go-amplifier/internal/persistence"
	"github.com/basket/go-amplifier/internal/profile"
	"github.com/basket/go-amplifier/internal/session"
	"github.com/basket/go-amplifier/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = otelPkg.Version

const shutdownTimeout = 5 * time.Second

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: amplifierd [flags] [command]

COMMANDS:
  serve                   Run the session server (default)
  status                  Show health of a running server
  sessions                List live sessions of a running server
  doctor                  Check config, database, profiles and sandbox
  version                 Print the version

FLAGS:
  -quiet                  Log to ~/.amplifier/logs only, not stdout

ENVIRONMENT VARIABLES:
  AMPLIFIER_HOME          Data directory (default: ~/.amplifier)
  AMPLIFIER_HOST          Listen host (default: %s)
  AMPLIFIER_PORT          Listen port (default: %d)
  AMPLIFIER_AUTH_TOKEN    Bearer token required by the API
  AMPLIFIER_DB_PATH       Session history database (default: ~/.amplifier/amplifier.db)
  TELEGRAM_TOKEN          Bot token for the approval relay
`, config.DefaultHost, config.DefaultPort)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to file only")
	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := "serve", flag.Args()
	if len(args) > 0 {
		cmd, args = strings.ToLower(strings.TrimSpace(args[0])), args[1:]
	}

	switch cmd {
	case "help", "-h", "--help":
		printUsage(os.Stdout)
	case "version":
		fmt.Println("amplifierd", Version)
	case "status":
		os.Exit(runStatusCommand(ctx, args, os.Stdout))
	case "sessions":
		os.Exit(runSessionsCommand(ctx, args, os.Stdout))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args, os.Stdout))
	case "serve":
		if len(args) != 0 {
			fmt.Fprintln(os.Stderr, "usage: amplifierd serve")
			os.Exit(2)
		}
		os.Exit(runServe(ctx, *quiet))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage(os.Stderr)
		os.Exit(2)
	}
}

func runServe(ctx context.Context, quiet bool) int {
	cfg, err := config.Load()
	if err != nil {
		return fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit first so logger failures are recorded too.
	if err := audit.Init(cfg.HomeDir); err != nil {
		return fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, levelVar, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())

	if host, _, err := net.SplitHostPort(cfg.Addr()); err == nil {
		h := strings.ToLower(strings.TrimSpace(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.AuthToken == "" {
			logger.Warn("listening on a non-loopback address without auth_token", "addr", cfg.Addr())
		}
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		return fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fatalStartup(logger, "E_METRICS_INIT", err)
	}
	metrics.WatchBus(ctx, eventBus)

	store, err := persistence.Open(cfg.Store.Path)
	if err != nil {
		return fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	// History outlives the signal context so shutdown stops are recorded.
	historyCtx, stopHistory := context.WithCancel(context.Background())
	defer stopHistory()
	historyDone := store.WatchBus(historyCtx, eventBus, logger)
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.Store.Path)

	profiles := profile.NewLoader(cfg.Profiles.SearchPaths, cfg.Profiles.CollectionPaths)
	if list, err := profiles.List(); err != nil {
		logger.Warn("profile discovery failed", "error", err)
	} else {
		logger.Info("startup phase", "phase", "profiles_discovered", "count", len(list))
	}

	registry := session.NewRegistry(cfg.Sessions.MaxSessions, logger)
	factory := &engine.GenkitFactory{
		DefaultModel: cfg.Engine.DefaultModel,
		MaxTurns:     cfg.Engine.MaxTurns,
		Bash: engine.BashOptions{
			Sandbox:  cfg.Tools.Bash.Sandbox,
			Image:    cfg.Tools.Bash.SandboxImage,
			MemoryMB: cfg.Tools.Bash.SandboxMemoryMB,
			Network:  cfg.Tools.Bash.SandboxNetwork,
		},
		Logger: logger,
	}

	sched, err := cron.NewScheduler(cron.Config{
		Sessions:      registry,
		Store:         store,
		Logger:        logger,
		ReapSchedule:  cfg.Sessions.ReapSchedule,
		IdleTimeout:   cfg.IdleTimeout(),
		RetentionDays: cfg.Store.RetentionDays,
	})
	if err != nil {
		return fatalStartup(logger, "E_CRON_INIT", err)
	}
	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started", "jobs", sched.Jobs())

	watcher := config.NewWatcher(cfg.HomeDir, profiles.Dirs(), logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		go watchReloads(watcher.Events(), cfg, levelVar, profiles, logger)
	}

	if cfg.Telegram.Enabled {
		tg := channels.NewTelegramChannel(cfg.Telegram.Token, cfg.Telegram.AllowedIDs,
			channels.RegistryApprovals{Registry: registry}, eventBus, logger)
		channels.Run(ctx, logger, tg)
		logger.Info("startup phase", "phase", "telegram_started")
	}

	gw := gateway.New(gateway.Config{
		Registry:          registry,
		Profiles:          profiles,
		Factory:           factory,
		History:           store,
		Bus:               eventBus,
		Metrics:           metrics,
		Tracer:            otelProvider.Tracer,
		Logger:            logger,
		Version:           Version,
		Host:              cfg.Host,
		Port:              cfg.Port,
		ConfigFingerprint: cfg.Fingerprint(),
		DefaultProfile:    cfg.Profiles.Default,
		DefaultModel:      cfg.Engine.DefaultModel,
		AuthToken:         cfg.AuthToken,
		CORS:              cfg.CORS,
		ApprovalTimeout:   cfg.ApprovalTimeout(),
		Keepalive:         cfg.KeepaliveInterval(),
	})
	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		if isAddrInUse(err) {
			logger.Error("port already in use", "addr", cfg.Addr(),
				"hint", "Stop the other process or change port in config.yaml.")
		}
		return fatalStartup(logger, "E_LISTEN", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "gateway_listening", "addr", cfg.Addr(), "version", Version)

	exit := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
		exit = 1
	}

	shutdownGateway(server, registry, stopHistory, historyDone, logger)
	logger.Info("shutdown complete")
	return exit
}

// watchReloads applies config.yaml and profile changes. Only the log level
// is live; other config changes are reported and take effect on restart.
func watchReloads(events <-chan config.ReloadEvent, current config.Config, levelVar *slog.LevelVar, profiles *profile.Loader, logger *slog.Logger) {
	for ev := range events {
		switch ev.Kind {
		case config.ReloadProfile:
			profiles.Invalidate()
			logger.Info("profile cache invalidated", "path", ev.Path)
		case config.ReloadConfig:
			next, err := config.LoadFrom(current.HomeDir)
			if err != nil {
				logger.Warn("config reload failed", "error", err)
				continue
			}
			if next.LogLevel != current.LogLevel {
				levelVar.Set(telemetry.ParseLevel(next.LogLevel))
				logger.Info("log level changed", "level", next.LogLevel)
			}
			if next.Fingerprint() != current.Fingerprint() {
				logger.Warn("config changed; restart to apply", "old_fingerprint", current.Fingerprint(),
					"new_fingerprint", next.Fingerprint())
			}
			current = next
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) int {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), audit.ActionStartupFatal, reasonCode, "Deny", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"server","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	return 1
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}
