// Command equipguard runs the resilience layer in front of the hospital
// equipment backend and serves its admin API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/equipguard/internal/app"
	"github.com/MrWong99/equipguard/internal/config"
	"github.com/MrWong99/equipguard/internal/observe"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

const defaultShutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "equipguard: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "equipguard: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(cfg.Server.LogFormat, &level))

	slog.Info("equipguard starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"backends", len(cfg.Backend.BaseURLs),
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Registerer:     reg,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, app.WithGatherer(reg))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		_ = shutdownTelemetry(context.Background())
		return 1
	}

	// ── Serve ─────────────────────────────────────────────────────────────────
	var newWatcher func() (*config.Watcher, error)
	if *watch {
		newWatcher = func() (*config.Watcher, error) {
			return config.NewWatcher(*configPath, func(c config.Change) {
				application.Reload(c)
				if c.Diff.LogLevelChanged {
					level.Set(slogLevel(c.Diff.NewLogLevel))
					slog.Info("log level changed", "level", c.Diff.NewLogLevel)
				}
			}, config.WithRecorder(application.Metrics()))
		}
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout == 0 {
		timeout = defaultShutdownTimeout
	}
	code := serve(ctx, application, newWatcher, timeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Serve ──────────────────────────────────────────────────────────────────────

// service is the part of [app.App] that serve drives.
type service interface {
	Run(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// serve runs svc until ctx is done or svc fails. When newWatcher is non-nil
// the config watcher runs alongside; if it cannot start, the run is cancelled.
// svc is always shut down within shutdownTimeout. serve returns the process
// exit code.
func serve(ctx context.Context, svc service, newWatcher func() (*config.Watcher, error), shutdownTimeout time.Duration) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	code := 0
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})

	if newWatcher != nil {
		w, err := newWatcher()
		if err != nil {
			slog.Error("failed to start config watcher", "err", err)
			code = 1
			cancel()
		} else {
			g.Go(func() error {
				return w.Run(gctx)
			})
		}
	}
	if code == 0 {
		slog.Info("server ready; press Ctrl+C to shut down")
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	slog.Info("shutting down")
	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	return code
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(format config.LogFormat, level slog.Leveler) *slog.Logger {
	switch format {
	case config.LogFormatJSON:
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	case config.LogFormatConsole:
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.RFC3339}))
	default:
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
}
