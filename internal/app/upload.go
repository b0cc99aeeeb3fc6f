package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/reelmix/internal/artifact"
	"github.com/MrWong99/reelmix/internal/capture"
	"github.com/MrWong99/reelmix/internal/config"
	"github.com/MrWong99/reelmix/internal/observe"
	"github.com/MrWong99/reelmix/internal/resilience"
)

// uploadTargets is the retry policy applied on top of the single-shot
// uploaders. With fallback endpoints configured, endpoints are tried in order
// behind per-endpoint circuit breakers and a 4xx answer is final. Without
// fallbacks the primary is called directly and its error is returned as is.
type uploadTargets struct {
	primary *artifact.Uploader
	group   *resilience.FallbackGroup[*artifact.Uploader]
}

func newUploadTargets(c config.UploadConfig, m *observe.Metrics, l *slog.Logger) (*uploadTargets, error) {
	if c.Endpoint == "" {
		return nil, nil
	}
	opts := []artifact.UploaderOption{
		artifact.WithFieldName(c.FieldName),
		artifact.WithHeaders(c.Headers),
		artifact.WithTimeout(c.Timeout),
		artifact.WithUploadLogger(l),
		artifact.WithUploadMetrics(m),
	}
	primary, err := artifact.NewUploader(c.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("app: uploader: %w", err)
	}
	t := &uploadTargets{primary: primary}
	if len(c.FallbackEndpoints) == 0 {
		return t, nil
	}

	t.group = resilience.NewFallbackGroup(primary, c.Endpoint, resilience.CircuitBreakerConfig{
		MaxFailures:  c.MaxFailures,
		ResetTimeout: c.BreakerReset,
		IsFailure:    endpointFault,
		OnStateChange: func(endpoint string, _, to resilience.State) {
			m.RecordBreakerTransition(context.Background(), endpoint, to.String())
		},
		Logger: l,
	})
	for i, ep := range c.FallbackEndpoints {
		up, err := artifact.NewUploader(ep, opts...)
		if err != nil {
			return nil, fmt.Errorf("app: fallback uploader %d: %w", i, err)
		}
		t.group.AddFallback(ep, up)
	}
	return t, nil
}

// endpointFault reports whether err means the endpoint itself is unwell. A
// 4xx answer is a verdict on the artifact.
func endpointFault(err error) bool {
	var uerr *artifact.UploadError
	return !errors.As(err, &uerr) || uerr.StatusCode >= 500
}

// Upload sends a under sessionID to the first endpoint that takes it.
func (t *uploadTargets) Upload(ctx context.Context, a capture.Artifact, sessionID string) error {
	if t.group == nil {
		return t.primary.Upload(ctx, a, sessionID)
	}
	return t.group.Execute(func(_ string, up *artifact.Uploader) error {
		return up.Upload(ctx, a, sessionID)
	})
}
