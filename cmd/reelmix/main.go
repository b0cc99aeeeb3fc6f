// Command reelmix records live audio/video sources into a single chunked
// media file. It can run as an HTTP service, record synthetic participants
// from the command line, or list the formats this build can produce.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/reelmix/internal/config"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "reelmix:", err)
		}
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

// loadConfig reads the config file, or returns the defaults when no path was
// given. A --log-level flag overrides the file.
func (g *globalFlags) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if g.configPath == "" {
		cfg = config.Default()
	} else {
		var err error
		cfg, err = config.Load(g.configPath)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", g.configPath)
		}
		if err != nil {
			return nil, err
		}
	}
	if g.logLevel != "" {
		lvl := config.LogLevel(g.logLevel)
		if !lvl.IsValid() {
			return nil, fmt.Errorf("invalid --log-level %q", g.logLevel)
		}
		cfg.Server.LogLevel = lvl
	}
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "reelmix",
		Short:         "Live multi-source audio/video recorder",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "YAML configuration file (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override server.log_level (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCommand(g))
	rootCmd.AddCommand(newRecordCommand(g))
	rootCmd.AddCommand(newFormatsCommand(g))

	return rootCmd
}

// slogLevel maps a config level to its slog counterpart.
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

// newLogger returns a text logger whose level follows lvl, so a config reload
// can change verbosity without rebuilding the handler.
func newLogger(w io.Writer, lvl *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}
