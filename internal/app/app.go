// Package app wires the recorder subsystems into a running HTTP service.
//
// The App struct owns the full lifecycle: New creates the session manager
// and the HTTP handler, Run serves until the context ends, and Shutdown
// stops the server and every running recording in order.
//
// For testing, inject doubles via functional options (WithSourceProvider,
// WithRegistry, WithClock, etc.). When an option is not provided, New uses
// synthetic sources and the built-in container encoders.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/utils/clock"

	"github.com/MrWong99/reelmix/internal/capture"
	"github.com/MrWong99/reelmix/internal/config"
	"github.com/MrWong99/reelmix/internal/health"
	"github.com/MrWong99/reelmix/internal/observe"
	"github.com/MrWong99/reelmix/pkg/encoding"
	"github.com/MrWong99/reelmix/pkg/encoding/container"
	"github.com/MrWong99/reelmix/pkg/media"
)

// App owns all subsystem lifetimes of the recorder service.
type App struct {
	cfg      *config.Config
	sources  SourceProvider
	registry *encoding.Registry
	metrics  *observe.Metrics
	clk      clock.WithTicker
	logger   *slog.Logger
	engOpts  []capture.Option
	metricsH http.Handler

	sessions *SessionManager
	health   *health.Handler
	handler  http.Handler
	server   *http.Server

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSourceProvider replaces the synthetic participant generator.
func WithSourceProvider(p SourceProvider) Option {
	return func(a *App) { a.sources = p }
}

// WithRegistry injects the capability table instead of the built-in
// containers.
func WithRegistry(r *encoding.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics sets the metric instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithClock sets the clock driving every engine and synthetic source.
func WithClock(c clock.WithTicker) Option {
	return func(a *App) { a.clk = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithEngineOptions appends options to every capture engine.
func WithEngineOptions(opts ...capture.Option) Option {
	return func(a *App) { a.engOpts = append(a.engOpts, opts...) }
}

// WithMetricsHandler replaces the /metrics handler. Defaults to
// promhttp.Handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsH = h }
}

// New creates an App from cfg. It performs all initialisation synchronously;
// nothing listens until Run.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.clk == nil {
		a.clk = clock.RealClock{}
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsH == nil {
		a.metricsH = promhttp.Handler()
	}
	if a.registry == nil {
		a.registry = encoding.NewRegistry()
		if err := container.Register(a.registry, container.WithLogger(a.logger), container.WithClock(a.clk)); err != nil {
			return nil, fmt.Errorf("app: register containers: %w", err)
		}
	}
	if a.sources == nil {
		rc := cfg.Recorder
		a.sources = SyntheticSources{
			Width:  rc.Canvas.Width / 2,
			Height: rc.Canvas.Height / 2,
			FPS:    rc.Canvas.FPS,
			Format: media.Format{SampleRate: rc.Audio.SampleRate, Channels: rc.Audio.Channels},
			Clock:  a.clk,
		}
	}

	sm, err := NewSessionManager(SessionManagerConfig{
		Config:        cfg,
		Sources:       a.sources,
		Registry:      a.registry,
		Metrics:       a.metrics,
		Logger:        a.logger,
		Clock:         a.clk,
		EngineOptions: a.engOpts,
	})
	if err != nil {
		return nil, err
	}
	a.sessions = sm
	a.handler = a.routes()
	return a, nil
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Registry returns the capability table shared by every session.
func (a *App) Registry() *encoding.Registry { return a.registry }

// Health returns the readiness checks served on /readyz.
func (a *App) Health() *health.Handler { return a.health }

// Handler returns the full HTTP surface: the recordings API, health probes
// and /metrics, wrapped in the tracing and metrics middleware.
func (a *App) Handler() http.Handler { return a.handler }

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	api := &api{sessions: a.sessions, logger: a.logger.With("component", "api")}
	api.register(mux)

	a.health = health.New(
		health.Formats(a.registry),
		health.Checker{
			Name: "output_dir",
			Check: func(ctx context.Context) error {
				dir := a.sessions.OutputDir()
				if dir == "" {
					return nil
				}
				return health.WritableDir("output_dir", dir).Check(ctx)
			},
		},
		health.Endpoint("upload_endpoint", a.sessions.UploadEndpoint, &http.Client{Timeout: 3 * time.Second}),
	)
	a.health.Register(mux)
	mux.Handle("GET /metrics", a.metricsH)

	return observe.Middleware(a.metrics)(mux)
}

// Reload applies a changed configuration. Recorder and output settings take
// effect for the next recording; settings listed in the diff's
// RestartRequired are logged and ignored.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}
	for _, key := range d.RestartRequired {
		a.logger.Warn("config change requires a restart", "setting", key)
	}
	if d.RecorderChanged || d.OutputDirChanged || d.UploadChanged {
		if err := a.sessions.Reconfigure(new); err != nil {
			a.logger.Error("config reload rejected", "err", err)
			return
		}
		a.logger.Info("recorder settings reloaded",
			"recorder", d.RecorderChanged,
			"output_dir", d.OutputDirChanged,
			"upload", d.UploadChanged,
		)
	}
}

// Run serves HTTP on the configured address until ctx is cancelled. It
// returns nil after a clean stop; call Shutdown afterwards to stop the
// recordings.
func (a *App) Run(ctx context.Context) error {
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", "addr", a.cfg.Server.ListenAddr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		return nil
	}
}

// Shutdown stops accepting requests, then stops every running recording
// and waits for their artifacts. It respects the context deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "recordings", a.sessions.Active())

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				a.logger.Warn("http shutdown error", "err", err)
				errs = append(errs, err)
			}
		}
		if err := a.sessions.StopAll(ctx); err != nil {
			errs = append(errs, err)
		}

		a.logger.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
