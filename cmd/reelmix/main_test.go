package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"k8s.io/utils/clock"

	"github.com/MrWong99/reelmix/internal/app"
	"github.com/MrWong99/reelmix/internal/config"
	"github.com/MrWong99/reelmix/pkg/encoding"
	"github.com/MrWong99/reelmix/pkg/encoding/container"
	"github.com/MrWong99/reelmix/pkg/media"
)

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := slogLevel(tt.in); got != tt.want {
			t.Errorf("slogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_FollowsLevelVar(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	lvl := new(slog.LevelVar)
	lvl.Set(slog.LevelWarn)
	logger := newLogger(&buf, lvl)

	logger.Info("hidden")
	lvl.Set(slog.LevelDebug)
	logger.Debug("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info logged at warn level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("debug not logged after lowering the level")
	}
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "reelmix.yaml")
	if err := os.WriteFile(path, []byte("server:\n  log_level: warn\n  listen_addr: \":9999\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		cfg, err := (&globalFlags{}).loadConfig()
		if err != nil {
			t.Fatalf("loadConfig: %v", err)
		}
		if cfg.Server.ListenAddr != config.DefaultListenAddr {
			t.Errorf("listen addr = %q", cfg.Server.ListenAddr)
		}
	})
	t.Run("file", func(t *testing.T) {
		t.Parallel()
		cfg, err := (&globalFlags{configPath: path}).loadConfig()
		if err != nil {
			t.Fatalf("loadConfig: %v", err)
		}
		if cfg.Server.ListenAddr != ":9999" || cfg.Server.LogLevel != config.LogWarn {
			t.Errorf("server = %+v", cfg.Server)
		}
	})
	t.Run("flag overrides file", func(t *testing.T) {
		t.Parallel()
		cfg, err := (&globalFlags{configPath: path, logLevel: "debug"}).loadConfig()
		if err != nil {
			t.Fatalf("loadConfig: %v", err)
		}
		if cfg.Server.LogLevel != config.LogDebug {
			t.Errorf("log level = %q, want debug", cfg.Server.LogLevel)
		}
	})
	t.Run("invalid flag", func(t *testing.T) {
		t.Parallel()
		if _, err := (&globalFlags{logLevel: "loud"}).loadConfig(); err == nil {
			t.Error("want error for --log-level loud")
		}
	})
	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := (&globalFlags{configPath: filepath.Join(dir, "nope.yaml")}).loadConfig()
		if err == nil || !strings.Contains(err.Error(), "not found") {
			t.Errorf("err = %v, want not found hint", err)
		}
	})
}

func failingProbe() error { return errors.New("codec missing") }

func stereoOnly(p encoding.Params) error {
	if p.Audio.Channels != 2 {
		return errors.New("stereo only")
	}
	return nil
}

func TestFormatsTable(t *testing.T) {
	t.Parallel()

	newEnc := func(encoding.Params) (encoding.Encoder, error) { return nil, errors.New("unused") }
	reg := encoding.NewRegistry()
	for _, c := range []encoding.Capability{
		{Descriptor: `video/webm;codecs="vp9,opus"`, Description: "WebM VP9", Probe: failingProbe, New: newEnc},
		{Descriptor: `video/x-matroska;codecs="mjpeg,opus"`, Description: "Matroska", New: newEnc, Accepts: stereoOnly},
		{Descriptor: `video/mp4;codecs="mjpeg,lpcm"`, Description: "MP4 MJPEG", Default: true, New: newEnc},
	} {
		if err := reg.Register(c); err != nil {
			t.Fatal(err)
		}
	}

	stereo := encoding.Params{Audio: media.Format{SampleRate: 48000, Channels: 2}}
	mono := encoding.Params{Audio: media.Format{SampleRate: 48000, Channels: 1}}
	tests := []struct {
		name   string
		prefs  []encoding.Descriptor
		params encoding.Params
		want   []string
	}{
		{
			name:   "preference honoured",
			prefs:  []encoding.Descriptor{`video/mp4;codecs="mjpeg,lpcm"`},
			params: stereo,
			want:   []string{"WebM VP9", "unavailable: codec missing", "negotiated: video/mp4"},
		},
		{
			name:   "fallback",
			prefs:  []encoding.Descriptor{`video/webm;codecs="vp9,opus"`},
			params: stereo,
			want:   []string{"platform default"},
		},
		{
			name:   "session rejected",
			prefs:  []encoding.Descriptor{`video/x-matroska;codecs="mjpeg,opus"`, `video/mp4;codecs="mjpeg,lpcm"`},
			params: mono,
			want:   []string{"not for this session: stereo only", "negotiated: video/mp4"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out := formatsTable(reg, tt.prefs, tt.params)
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output missing %q:\n%s", w, out)
				}
			}
		})
	}

	if out := formatsTable(encoding.NewRegistry(), nil, stereo); !strings.Contains(out, "no usable format") {
		t.Errorf("empty registry output:\n%s", out)
	}
}

func TestFormatsCommand(t *testing.T) {
	t.Parallel()

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"formats"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for _, d := range []encoding.Descriptor{container.MatroskaMJPEGOpus, container.MP4MJPEGOpus, container.MP4MJPEGLPCM} {
		if !strings.Contains(out.String(), string(d)) {
			t.Errorf("output missing %s", d)
		}
	}
}

func recordConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Recorder.Canvas.Width = 64
	cfg.Recorder.Canvas.Height = 36
	cfg.Recorder.Canvas.FPS = 10
	cfg.Recorder.ChunkInterval = 200 * time.Millisecond
	cfg.Recorder.Preferences = []string{string(container.MP4MJPEGLPCM)}
	cfg.Output.Dir = t.TempDir()
	return cfg
}

func testRegistry(t *testing.T) *encoding.Registry {
	t.Helper()
	reg := encoding.NewRegistry()
	if err := container.Register(reg); err != nil {
		t.Fatal(err)
	}
	return reg
}

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestRunRecord_SavesArtifact(t *testing.T) {
	t.Parallel()

	cfg := recordConfig(t)
	var out bytes.Buffer
	opts := recordOptions{participants: 3, duration: 700 * time.Millisecond, pattern: "checkerboard"}
	if err := runRecord(context.Background(), cfg, opts, testRegistry(t), clock.RealClock{}, discardLogger(), &out); err != nil {
		t.Fatalf("runRecord: %v\n%s", err, out.String())
	}

	entries, err := os.ReadDir(cfg.Output.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || filepath.Ext(entries[0].Name()) != ".mp4" {
		t.Fatalf("output dir = %v, want one .mp4", entries)
	}
	fi, err := entries[0].Info()
	if err != nil || fi.Size() == 0 {
		t.Fatalf("artifact size = %v, %v", fi, err)
	}
	for _, want := range []string{"stopped", string(container.MP4MJPEGLPCM), "Saved to", "(skipped)"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("summary missing %q:\n%s", want, out.String())
		}
	}
}

func TestRunRecord_InterruptStillSaves(t *testing.T) {
	t.Parallel()

	cfg := recordConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(300*time.Millisecond, cancel)

	var out bytes.Buffer
	opts := recordOptions{participants: 1, duration: time.Hour, pattern: "solid", noAudio: true}
	if err := runRecord(ctx, cfg, opts, testRegistry(t), clock.RealClock{}, discardLogger(), &out); err != nil {
		t.Fatalf("runRecord: %v", err)
	}
	entries, _ := os.ReadDir(cfg.Output.Dir)
	if len(entries) != 1 {
		t.Fatalf("output dir has %d files, want 1", len(entries))
	}
	if !strings.Contains(out.String(), "(none)") {
		t.Errorf("video-only summary should show no audio:\n%s", out.String())
	}
}

func TestRunRecord_Upload(t *testing.T) {
	t.Parallel()

	var uploads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, _, err := r.FormFile("file"); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		uploads.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(srv.Close)

	cfg := recordConfig(t)
	cfg.Output.Upload.Endpoint = srv.URL
	var out bytes.Buffer
	opts := recordOptions{participants: 1, duration: 400 * time.Millisecond, pattern: "gradient", upload: true}
	if err := runRecord(context.Background(), cfg, opts, testRegistry(t), clock.RealClock{}, discardLogger(), &out); err != nil {
		t.Fatalf("runRecord: %v", err)
	}
	if uploads.Load() != 1 {
		t.Errorf("uploads = %d, want 1", uploads.Load())
	}
	if !strings.Contains(out.String(), "Upload") || !strings.Contains(out.String(), "ok") {
		t.Errorf("summary:\n%s", out.String())
	}
}

func TestRunRecord_RejectsBadOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts recordOptions
		cfg  func(*config.Config)
	}{
		{"no participants", recordOptions{participants: 0, duration: time.Second}, nil},
		{"nothing to record", recordOptions{participants: 1, duration: time.Second, noAudio: true, noVideo: true}, nil},
		{"zero duration", recordOptions{participants: 1}, nil},
		{"upload without endpoint", recordOptions{participants: 1, duration: time.Second, upload: true}, nil},
		{"unknown pattern", recordOptions{participants: 1, duration: time.Second, pattern: "plaid"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := recordConfig(t)
			if tt.cfg != nil {
				tt.cfg(cfg)
			}
			err := runRecord(context.Background(), cfg, tt.opts, testRegistry(t), clock.RealClock{}, discardLogger(), &bytes.Buffer{})
			if err == nil {
				t.Fatal("want error")
			}
		})
	}
}

func TestRecordSummary(t *testing.T) {
	t.Parallel()

	out := recordSummary(app.RecordingInfo{
		ID:            "abc",
		State:         "stopped",
		MIMEType:      string(container.MP4MJPEGLPCM),
		FellBack:      true,
		Chunks:        1200,
		Bytes:         3 << 20,
		DurationMS:    1500,
		Sources:       []string{"a", "b"},
		AudioMixed:    true,
		UploadError:   "quota exceeded",
		ReleaseErrors: []string{"mic busy"},
	})
	for _, want := range []string{"abc", "1,200", "3.0 MiB", "1.5s", "(not saved)", "failed: quota exceeded", "platform default", "mic busy", "mixed"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}
