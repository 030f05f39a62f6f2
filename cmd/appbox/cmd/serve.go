package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hkuds/appbox/internal/api"
	"github.com/hkuds/appbox/internal/bus"
	"github.com/hkuds/appbox/internal/config"
	"github.com/hkuds/appbox/internal/sandbox"
)

var logJSON bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sandbox engine",
	Long:  "Start the engine: HTTP API, health monitor, and expiry sweeper.",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runtime, err := sandbox.NewDockerRuntime(ctx)
	if err != nil {
		return fmt.Errorf("container runtime: %w", err)
	}
	defer runtime.Close()

	events := bus.NewEventBus(256)
	defer events.Close()

	manager, err := sandbox.NewManager(ctx, runtime, sandbox.ManagerOptions{
		WorkspaceRoot:  config.ExpandPath(cfg.Workspace.Root),
		PreviewHost:    cfg.Ports.PreviewHost,
		StopGrace:      cfg.StopGrace(),
		PortRangeStart: cfg.Ports.Start,
		PortRangeEnd:   cfg.Ports.End,
		Defaults: sandbox.Overrides{
			MemoryMB:       cfg.Sandbox.MemoryMB,
			CPUPercent:     cfg.Sandbox.CPUPercent,
			NetworkEnabled: cfg.Sandbox.NetworkEnabled,
			CommandTimeout: cfg.CommandTimeout(),
			IdleTimeout:    cfg.IdleTimeout(),
			MaxLifetime:    cfg.MaxLifetime(),
		},
		Logger:         logger,
		Events:         events,
	})
	if err != nil {
		return fmt.Errorf("lifecycle manager: %w", err)
	}

	guard := &sandbox.Guard{}
	if cfg.Guard.WhitelistEnabled {
		guard.Whitelist = cfg.Guard.Whitelist
	}
	streamer := sandbox.NewStreamer(manager, guard, logger)

	monitor := sandbox.NewMonitor(manager, sandbox.MonitorOptions{
		ProbeTimeout:   time.Duration(cfg.Health.ProbeTimeoutSec) * time.Second,
		MaxRestarts:    cfg.Health.MaxRestarts,
		RestartBackoff: time.Duration(cfg.Health.BackoffSec) * time.Second,
		Logger:         logger,
		Events:         events,
	})

	events.Subscribe("", func(evt bus.Event) {
		logger.Info("sandbox event",
			"type", evt.Type,
			"project", evt.ProjectID,
			"reason", evt.Reason,
			"restarts", evt.Restarts,
		)
	})

	go events.Dispatch(ctx)
	go monitor.Run(ctx, cfg.HealthInterval())
	go manager.RunSweeper(ctx, cfg.SweepInterval())

	server := api.NewServer(
		fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		api.Engine{Manager: manager, Streamer: streamer, Monitor: monitor},
		logger,
	)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if logJSON || cfg.Log.JSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
