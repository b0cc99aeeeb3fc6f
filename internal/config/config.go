// Package config provides the configuration schema, loader, and hot-reload
// watcher for the reelmix recorder.
package config

import (
	"time"
)

// LogLevel controls log verbosity for the reelmix server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for reelmix.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Recorder  RecorderConfig  `yaml:"recorder"`
	Output    OutputConfig    `yaml:"output"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the HTTP API.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// MaxSessions caps concurrently recording sessions. Zero means unlimited.
	MaxSessions int `yaml:"max_sessions"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// RecorderConfig describes how sessions are mixed and encoded. Changes apply
// to sessions started after a reload.
type RecorderConfig struct {
	Canvas CanvasConfig `yaml:"canvas"`

	// ChunkInterval is the encoder timeslice (e.g., "1s").
	ChunkInterval time.Duration `yaml:"chunk_interval"`

	// Preferences is the ordered list of format descriptors to negotiate,
	// most preferred first (e.g., `video/x-matroska;codecs="mjpeg,opus"`).
	Preferences []string `yaml:"preferences"`

	Audio AudioConfig `yaml:"audio"`

	// JPEGQuality is the Motion JPEG quality in [1, 100].
	JPEGQuality int `yaml:"jpeg_quality"`
}

// CanvasConfig is the composite frame geometry.
type CanvasConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
	FPS    int `yaml:"fps"`

	// Background is the fill colour as "#rrggbb".
	Background string `yaml:"background"`
}

// AudioConfig is the format of the mixed audio track. Opus formats are only
// negotiated for the sample rates Opus accepts (8, 12, 16, 24 or 48 kHz).
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
}

// OutputConfig controls where finished artifacts go.
type OutputConfig struct {
	// Dir is the directory for locally saved artifacts.
	Dir string `yaml:"dir"`

	// Upload configures the optional remote upload handler.
	Upload UploadConfig `yaml:"upload"`
}

// UploadConfig configures multipart uploads of finished artifacts. Uploads
// are disabled when Endpoint is empty.
type UploadConfig struct {
	// Endpoint is the http(s) URL receiving the multipart POST.
	Endpoint string `yaml:"endpoint"`

	// FieldName is the multipart field carrying the file. Default "file".
	FieldName string `yaml:"field_name"`

	// Timeout bounds one upload.
	Timeout time.Duration `yaml:"timeout"`

	// Headers are added to every upload request.
	Headers map[string]string `yaml:"headers"`

	// Auto uploads every artifact as soon as its session stops.
	Auto bool `yaml:"auto"`

	// FallbackEndpoints are tried in order when the endpoint is unreachable
	// or answers 5xx.
	FallbackEndpoints []string `yaml:"fallback_endpoints"`

	// MaxFailures is how many consecutive failures open an endpoint's
	// circuit breaker. Default 5.
	MaxFailures int `yaml:"max_failures"`

	// BreakerReset is how long an open endpoint is skipped before it is
	// probed again. Default 30s.
	BreakerReset time.Duration `yaml:"breaker_reset"`
}

// TelemetryConfig configures the OpenTelemetry resource and trace sampling.
type TelemetryConfig struct {
	// ServiceName is reported in telemetry. Default "reelmix".
	ServiceName string `yaml:"service_name"`

	// InstanceID distinguishes recorder replicas. Default: the host name.
	InstanceID string `yaml:"instance_id"`

	// TraceSampleRatio is the share of new traces that are sampled, in
	// [0, 1]. Zero samples every trace. Traces continued from a caller
	// follow the caller's decision.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}
