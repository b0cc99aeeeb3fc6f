package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/reelmix/internal/app"
	"github.com/MrWong99/reelmix/internal/config"
	"github.com/MrWong99/reelmix/internal/health"
	"github.com/MrWong99/reelmix/internal/observe"
)

// shutdownTimeout bounds the graceful stop after a signal.
const shutdownTimeout = 15 * time.Second

func newServeCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the recording HTTP API",
		Long: "Serves the recordings API, health probes and Prometheus metrics. " +
			"When --config is given the file is watched and recorder, output " +
			"and log level changes apply without a restart.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, g, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func runServe(ctx context.Context, g *globalFlags, stdout, stderr io.Writer) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}

	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := newLogger(stderr, level)
	slog.SetDefault(logger)

	slog.Info("reelmix starting",
		"version", version,
		"config", g.configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		InstanceID:     cfg.Telemetry.InstanceID,
		SampleRatio:    cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	application, err := app.New(cfg, app.WithLogger(logger), app.WithMetrics(tel.Metrics))
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}

	if g.configPath != "" {
		w, err := config.NewWatcher(g.configPath, func(r config.Reload) {
			if r.Diff.LogLevelChanged && g.logLevel == "" {
				level.Set(slogLevel(r.Diff.NewLogLevel))
				slog.Info("log level changed", "level", r.Diff.NewLogLevel)
			}
			application.Reload(r.Old, r.New)
		}, config.WithLogger(logger))
		if err != nil {
			return err
		}
		defer w.Stop()
		application.Health().Add(health.Checker{
			Name:     "config_file",
			Optional: true,
			Check:    func(context.Context) error { return w.Err() },
		})
	}

	fmt.Fprintln(stdout, startupSummary(cfg, application))
	slog.Info("server ready; press Ctrl+C to shut down")

	runErr := application.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		if runErr == nil {
			runErr = err
		}
	}
	if runErr != nil {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}

func startupSummary(cfg *config.Config, a *app.App) string {
	rc := cfg.Recorder
	upload := "(disabled)"
	if cfg.Output.Upload.Endpoint != "" {
		upload = cfg.Output.Upload.Endpoint
		if cfg.Output.Upload.Auto {
			upload += " (auto)"
		}
	}
	maxSessions := "unlimited"
	if cfg.Server.MaxSessions > 0 {
		maxSessions = strconv.Itoa(cfg.Server.MaxSessions)
	}
	return renderKeyValues("reelmix startup summary", [][2]string{
		{"Listen addr", cfg.Server.ListenAddr},
		{"Canvas", fmt.Sprintf("%dx%d @ %d fps", rc.Canvas.Width, rc.Canvas.Height, rc.Canvas.FPS)},
		{"Audio", fmt.Sprintf("%d Hz, %d ch", rc.Audio.SampleRate, rc.Audio.Channels)},
		{"Chunk interval", rc.ChunkInterval.String()},
		{"Formats", strconv.Itoa(len(a.Registry().Capabilities()))},
		{"Preferences", strings.Join(rc.Preferences, "\n")},
		{"Output dir", cfg.Output.Dir},
		{"Upload", upload},
		{"Max sessions", maxSessions},
	})
}
