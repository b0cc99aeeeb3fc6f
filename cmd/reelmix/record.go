package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/MrWong99/reelmix/internal/app"
	"github.com/MrWong99/reelmix/internal/config"
	"github.com/MrWong99/reelmix/internal/observe"
	"github.com/MrWong99/reelmix/pkg/encoding"
	"github.com/MrWong99/reelmix/pkg/encoding/container"
	"github.com/MrWong99/reelmix/pkg/media"
)

// recordOptions are the flags of the record command.
type recordOptions struct {
	participants int
	duration     time.Duration
	outDir       string
	pattern      string
	noAudio      bool
	noVideo      bool
	upload       bool
}

func newRecordCommand(g *globalFlags) *cobra.Command {
	opts := recordOptions{}
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record synthetic participants to a local file",
		Long: "Records N generated participants (test pattern video and a sine " +
			"tone each) for a fixed duration using the configured recorder " +
			"settings, saves the artifact and optionally uploads it. Ctrl+C " +
			"stops the recording early and still saves it.",
		Example: "  reelmix record -n 4 -d 30s --out ./recordings\n" +
			"  reelmix record -c config.yaml --upload",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			level := new(slog.LevelVar)
			level.Set(slogLevel(cfg.Server.LogLevel))
			logger := newLogger(cmd.ErrOrStderr(), level)

			reg := encoding.NewRegistry()
			if err := container.Register(reg, container.WithLogger(logger)); err != nil {
				return err
			}
			return runRecord(ctx, cfg, opts, reg, clock.RealClock{}, logger, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.IntVarP(&opts.participants, "participants", "n", 2, "number of synthetic participants")
	f.DurationVarP(&opts.duration, "duration", "d", 10*time.Second, "recording length")
	f.StringVarP(&opts.outDir, "out", "o", "", "output directory (overrides output.dir)")
	f.StringVar(&opts.pattern, "pattern", "movingbox", "video pattern (colorbars, gradient, checkerboard, solid, movingbox)")
	f.BoolVar(&opts.noAudio, "no-audio", false, "record video only")
	f.BoolVar(&opts.noVideo, "no-video", false, "record audio only")
	f.BoolVar(&opts.upload, "upload", false, "upload the artifact to output.upload.endpoint")
	return cmd
}

func runRecord(ctx context.Context, cfg *config.Config, opts recordOptions, reg *encoding.Registry, clk clock.WithTicker, logger *slog.Logger, out io.Writer) error {
	if opts.participants < 1 {
		return fmt.Errorf("--participants must be at least 1, got %d", opts.participants)
	}
	if opts.noAudio && opts.noVideo {
		return errors.New("--no-audio and --no-video together leave nothing to record")
	}
	if opts.duration <= 0 {
		return fmt.Errorf("--duration must be positive, got %s", opts.duration)
	}
	if opts.outDir != "" {
		cfg.Output.Dir = opts.outDir
	}
	// The command reports upload results itself.
	cfg.Output.Upload.Auto = false
	if opts.upload && cfg.Output.Upload.Endpoint == "" {
		return errors.New("--upload needs output.upload.endpoint in the config")
	}

	rc := cfg.Recorder
	sm, err := app.NewSessionManager(app.SessionManagerConfig{
		Config: cfg,
		Sources: app.SyntheticSources{
			Width:  rc.Canvas.Width / 2,
			Height: rc.Canvas.Height / 2,
			FPS:    rc.Canvas.FPS,
			Format: media.Format{SampleRate: rc.Audio.SampleRate, Channels: rc.Audio.Channels},
			Clock:  clk,
		},
		Registry: reg,
		Metrics:  observe.DefaultMetrics(),
		Logger:   logger,
		Clock:    clk,
	})
	if err != nil {
		return err
	}

	specs := make([]app.ParticipantSpec, opts.participants)
	for i := range specs {
		specs[i] = app.ParticipantSpec{
			ID:      fmt.Sprintf("participant-%d", i+1),
			Video:   !opts.noVideo,
			Audio:   !opts.noAudio,
			Pattern: opts.pattern,
		}
	}

	info, err := sm.Start(ctx, specs)
	if err != nil {
		return err
	}
	logger.Info("recording", "session_id", info.ID, "format", info.MIMEType, "duration", opts.duration)

	timer := clk.NewTimer(opts.duration)
	select {
	case <-timer.C():
	case <-ctx.Done():
		timer.Stop()
		logger.Info("interrupted, finalizing recording")
	}
	if err := sm.Stop(info.ID); err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	info, err = sm.Wait(waitCtx, info.ID)
	if err != nil {
		return fmt.Errorf("wait for recording: %w", err)
	}

	var uploadErr error
	if opts.upload && info.Error == "" {
		uploadErr = sm.Upload(waitCtx, info.ID)
		info, _ = sm.Get(info.ID)
	}

	fmt.Fprintln(out, recordSummary(info))

	if info.Error != "" {
		return fmt.Errorf("recording failed: %s", info.Error)
	}
	if uploadErr != nil {
		return fmt.Errorf("upload: %w", uploadErr)
	}
	return nil
}

func recordSummary(info app.RecordingInfo) string {
	saved := info.SavedPath
	if saved == "" {
		saved = "(not saved)"
	}
	upload := "(skipped)"
	switch {
	case info.Uploaded:
		upload = "ok"
	case info.UploadError != "":
		upload = "failed: " + info.UploadError
	}
	audio := "mixed"
	if !info.AudioMixed {
		audio = "(none)"
	}
	pairs := [][2]string{
		{"Session", info.ID},
		{"State", info.State},
		{"Format", info.MIMEType},
		{"Sources", fmt.Sprint(len(info.Sources))},
		{"Audio", audio},
		{"Chunks", humanize.Comma(int64(info.Chunks))},
		{"Size", humanize.IBytes(uint64(info.Bytes))},
		{"Duration", (time.Duration(info.DurationMS) * time.Millisecond).String()},
		{"Saved to", saved},
		{"Upload", upload},
	}
	if info.FellBack {
		pairs = append(pairs, [2]string{"Note", "no preferred format usable; used platform default"})
	}
	for _, e := range info.ReleaseErrors {
		pairs = append(pairs, [2]string{"Release error", e})
	}
	return renderKeyValues("reelmix recording", pairs)
}
