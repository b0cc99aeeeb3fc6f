package config

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/reelmix/internal/capture"
	"github.com/MrWong99/reelmix/pkg/encoding"
	"github.com/MrWong99/reelmix/pkg/encoding/container"
	"github.com/MrWong99/reelmix/pkg/media"
	"github.com/MrWong99/reelmix/pkg/media/compositor"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr    = ":8080"
	DefaultOutputDir     = "./recordings"
	DefaultServiceName   = "reelmix"
	DefaultJPEGQuality   = 75
	DefaultUploadField   = "file"
	DefaultUploadTimeout = 60 * time.Second

	// minChunkInterval keeps the collector from drowning in tiny chunks.
	minChunkInterval = 100 * time.Millisecond
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected. An empty document yields the default
// configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every zero field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	def := capture.DefaultConfig()
	rc := &cfg.Recorder
	if rc.Canvas.Width == 0 {
		rc.Canvas.Width = def.Canvas.Width
	}
	if rc.Canvas.Height == 0 {
		rc.Canvas.Height = def.Canvas.Height
	}
	if rc.Canvas.FPS == 0 {
		rc.Canvas.FPS = def.Canvas.FPS
	}
	if rc.Canvas.Background == "" {
		rc.Canvas.Background = FormatColor(def.Canvas.Background)
	}
	if rc.ChunkInterval == 0 {
		rc.ChunkInterval = def.ChunkInterval
	}
	if len(rc.Preferences) == 0 {
		for _, d := range container.DefaultPreferences() {
			rc.Preferences = append(rc.Preferences, string(d))
		}
	}
	if rc.Audio.SampleRate == 0 {
		rc.Audio.SampleRate = def.AudioFormat.SampleRate
	}
	if rc.Audio.Channels == 0 {
		rc.Audio.Channels = def.AudioFormat.Channels
	}
	if rc.JPEGQuality == 0 {
		rc.JPEGQuality = DefaultJPEGQuality
	}

	if cfg.Output.Dir == "" {
		cfg.Output.Dir = DefaultOutputDir
	}
	if cfg.Output.Upload.FieldName == "" {
		cfg.Output.Upload.FieldName = DefaultUploadField
	}
	if cfg.Output.Upload.Timeout == 0 {
		cfg.Output.Upload.Timeout = DefaultUploadTimeout
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions %d must not be negative", cfg.Server.MaxSessions))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Recorder
	rc := cfg.Recorder
	if rc.Canvas.Width <= 0 || rc.Canvas.Height <= 0 {
		errs = append(errs, fmt.Errorf("recorder.canvas %dx%d must be positive", rc.Canvas.Width, rc.Canvas.Height))
	}
	if rc.Canvas.FPS <= 0 || rc.Canvas.FPS > 120 {
		errs = append(errs, fmt.Errorf("recorder.canvas.fps %d is out of range [1, 120]", rc.Canvas.FPS))
	}
	if rc.Canvas.Background != "" {
		if _, err := ParseColor(rc.Canvas.Background); err != nil {
			errs = append(errs, fmt.Errorf("recorder.canvas.background: %w", err))
		}
	}
	if rc.ChunkInterval != 0 && rc.ChunkInterval < minChunkInterval {
		errs = append(errs, fmt.Errorf("recorder.chunk_interval %s is below the minimum %s", rc.ChunkInterval, minChunkInterval))
	}
	for i, p := range rc.Preferences {
		if _, _, err := encoding.Descriptor(p).Parse(); err != nil {
			errs = append(errs, fmt.Errorf("recorder.preferences[%d] %q: %w", i, p, err))
		}
	}
	if err := (media.Format{SampleRate: rc.Audio.SampleRate, Channels: rc.Audio.Channels}).Validate(); err != nil {
		errs = append(errs, fmt.Errorf("recorder.audio: %w", err))
	}
	if rc.JPEGQuality < 0 || rc.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("recorder.jpeg_quality %d is out of range [1, 100]", rc.JPEGQuality))
	}

	// Output
	up := cfg.Output.Upload
	if up.Endpoint != "" {
		u, err := url.Parse(up.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("output.upload.endpoint %q must be an absolute http(s) URL", up.Endpoint))
		}
		for i, fb := range up.FallbackEndpoints {
			u, err := url.Parse(fb)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				errs = append(errs, fmt.Errorf("output.upload.fallback_endpoints[%d] %q must be an absolute http(s) URL", i, fb))
			}
		}
	} else if len(up.FallbackEndpoints) > 0 {
		errs = append(errs, errors.New("output.upload.fallback_endpoints requires output.upload.endpoint"))
	} else if up.Auto {
		errs = append(errs, errors.New("output.upload.auto requires output.upload.endpoint"))
	}
	if up.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("output.upload.max_failures %d must not be negative", up.MaxFailures))
	}
	if up.BreakerReset < 0 {
		errs = append(errs, fmt.Errorf("output.upload.breaker_reset %s must not be negative", up.BreakerReset))
	}
	if up.Timeout < 0 {
		errs = append(errs, fmt.Errorf("output.upload.timeout %s must not be negative", up.Timeout))
	}
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %g is out of range [0, 1]", r))
	}
	if cfg.Output.Dir == "" {
		slog.Warn("output.dir is empty; artifacts will only be kept in memory until downloaded")
	}

	return errors.Join(errs...)
}

// Capture converts the recorder section into an engine configuration.
func (rc RecorderConfig) Capture() (capture.Config, error) {
	bg, err := ParseColor(rc.Canvas.Background)
	if err != nil {
		return capture.Config{}, fmt.Errorf("config: canvas background: %w", err)
	}
	prefs := make([]encoding.Descriptor, 0, len(rc.Preferences))
	for _, p := range rc.Preferences {
		prefs = append(prefs, encoding.Descriptor(p))
	}
	return capture.Config{
		Canvas: compositor.Config{
			Width:      rc.Canvas.Width,
			Height:     rc.Canvas.Height,
			FPS:        rc.Canvas.FPS,
			Background: bg,
		},
		ChunkInterval: rc.ChunkInterval,
		Preferences:   prefs,
		AudioFormat:   media.Format{SampleRate: rc.Audio.SampleRate, Channels: rc.Audio.Channels},
		JPEGQuality:   rc.JPEGQuality,
	}, nil
}

// ParseColor parses "#rrggbb" (the leading # is optional) into an opaque
// colour.
func ParseColor(s string) (color.RGBA, error) {
	h := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(h) != 6 {
		return color.RGBA{}, fmt.Errorf("colour %q must have the form #rrggbb", s)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("colour %q: %w", s, err)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}

// FormatColor renders c as "#rrggbb".
func FormatColor(c color.RGBA) string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}
