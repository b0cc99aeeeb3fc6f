package config

import (
	"maps"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; server address,
// TLS and telemetry changes require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RecorderChanged is true when any recorder setting changed. The new
	// settings apply to sessions started afterwards.
	RecorderChanged bool

	// OutputDirChanged is true when the local save directory moved.
	OutputDirChanged bool

	// UploadChanged is true when any upload setting changed.
	UploadChanged bool

	// RestartRequired lists changed settings that are ignored until restart.
	RestartRequired []string
}

// Changed reports whether d holds any change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.RecorderChanged || d.OutputDirChanged || d.UploadChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.RecorderChanged = !recorderEqual(old.Recorder, new.Recorder)
	d.OutputDirChanged = old.Output.Dir != new.Output.Dir
	d.UploadChanged = !uploadEqual(old.Output.Upload, new.Output.Upload)

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if old.Server.MaxSessions != new.Server.MaxSessions {
		d.RestartRequired = append(d.RestartRequired, "server.max_sessions")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func recorderEqual(a, b RecorderConfig) bool {
	return a.Canvas == b.Canvas &&
		a.ChunkInterval == b.ChunkInterval &&
		slices.Equal(a.Preferences, b.Preferences) &&
		a.Audio == b.Audio &&
		a.JPEGQuality == b.JPEGQuality
}

func uploadEqual(a, b UploadConfig) bool {
	return a.Endpoint == b.Endpoint &&
		a.FieldName == b.FieldName &&
		a.Timeout == b.Timeout &&
		a.Auto == b.Auto &&
		a.MaxFailures == b.MaxFailures &&
		a.BreakerReset == b.BreakerReset &&
		slices.Equal(a.FallbackEndpoints, b.FallbackEndpoints) &&
		maps.Equal(a.Headers, b.Headers)
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
