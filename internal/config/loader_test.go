package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/reelmix/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{"log level", "server:\n  log_level: loud\n", "server.log_level"},
		{"max sessions", "server:\n  max_sessions: -1\n", "server.max_sessions"},
		{"tls pair", "server:\n  tls:\n    cert_file: a.pem\n", "server.tls"},
		{"canvas size", "recorder:\n  canvas:\n    width: -5\n", "recorder.canvas"},
		{"fps", "recorder:\n  canvas:\n    fps: 500\n", "recorder.canvas.fps"},
		{"background", "recorder:\n  canvas:\n    background: red\n", "recorder.canvas.background"},
		{"chunk interval", "recorder:\n  chunk_interval: 10ms\n", "recorder.chunk_interval"},
		{"preference", "recorder:\n  preferences: [\"not a mime type\"]\n", "recorder.preferences[0]"},
		{"sample rate", "recorder:\n  audio:\n    sample_rate: 4000\n", "recorder.audio"},
		{"channels", "recorder:\n  audio:\n    channels: 6\n", "recorder.audio"},
		{"jpeg quality", "recorder:\n  jpeg_quality: 150\n", "recorder.jpeg_quality"},
		{"endpoint", "output:\n  upload:\n    endpoint: ftp://x\n", "output.upload.endpoint"},
		{"auto without endpoint", "output:\n  upload:\n    auto: true\n", "output.upload.auto"},
		{"fallback without endpoint", "output:\n  upload:\n    fallback_endpoints: [\"https://m\"]\n", "output.upload.fallback_endpoints"},
		{"bad fallback", "output:\n  upload:\n    endpoint: https://a.example\n    fallback_endpoints: [\"ftp://m\"]\n", "output.upload.fallback_endpoints[0]"},
		{"max failures", "output:\n  upload:\n    max_failures: -1\n", "output.upload.max_failures"},
		{"breaker reset", "output:\n  upload:\n    breaker_reset: -1s\n", "output.upload.breaker_reset"},
		{"sample ratio", "telemetry:\n  trace_sample_ratio: 1.5\n", "telemetry.trace_sample_ratio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error should mention %q, got: %v", tt.wantMsg, err)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
recorder:
  jpeg_quality: 500
  audio:
    sample_rate: 1000
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"server.log_level", "recorder.jpeg_quality", "recorder.audio"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestValidate_DefaultIsValid(t *testing.T) {
	t.Parallel()
	if err := config.Validate(config.Default()); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoad_NonOpusSampleRate(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("recorder:\n  audio:\n    sample_rate: 44100\n"))
	if err != nil {
		t.Fatalf("44.1 kHz rejected: %v", err)
	}
	cc, err := cfg.Recorder.Capture()
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if cc.AudioFormat.SampleRate != 44100 || cc.AudioFormat.Channels != 2 {
		t.Errorf("AudioFormat = %v", cc.AudioFormat)
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error("trace should be invalid")
	}
}
