// Package capture runs recording sessions: it negotiates a format, wires the
// compositor and audio mixer into an encoder, collects the chunked output in
// emission order and assembles the final [Artifact].
//
// An [Engine] owns at most one session at a time. Sessions are started with
// [Engine.Start] and ended with [Engine.Stop]; completion is signalled through
// [Handlers] and [Engine.Wait]. Engines that are abandoned while recording
// must be torn down with [Engine.Dispose].
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/MrWong99/reelmix/internal/observe"
	"github.com/MrWong99/reelmix/pkg/encoding"
	"github.com/MrWong99/reelmix/pkg/encoding/container"
	"github.com/MrWong99/reelmix/pkg/media"
	"github.com/MrWong99/reelmix/pkg/media/compositor"
	"github.com/MrWong99/reelmix/pkg/media/mixer"
)

// DefaultChunkInterval is the encoder timeslice used when none is configured.
const DefaultChunkInterval = time.Second

// Config holds the per-session recording parameters.
type Config struct {
	// Canvas is the output frame geometry and rate.
	Canvas compositor.Config

	// ChunkInterval is the encoder timeslice. Zero means [DefaultChunkInterval].
	ChunkInterval time.Duration

	// Preferences is the ordered list of formats to negotiate. Empty means
	// [container.DefaultPreferences].
	Preferences []encoding.Descriptor

	// AudioFormat is the format of the mixed audio track.
	AudioFormat media.Format

	// JPEGQuality is passed to encoders that compress frames as JPEG.
	JPEGQuality int
}

// DefaultConfig returns a 1280x720@30 canvas, one-second chunks and
// 48 kHz stereo audio.
func DefaultConfig() Config {
	return Config{
		Canvas:        compositor.DefaultConfig(),
		ChunkInterval: DefaultChunkInterval,
		Preferences:   container.DefaultPreferences(),
		AudioFormat:   media.Format{SampleRate: 48000, Channels: 2},
		JPEGQuality:   75,
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if err := c.Canvas.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.ChunkInterval < 0 {
		errs = append(errs, fmt.Errorf("chunk interval %s must not be negative", c.ChunkInterval))
	}
	if err := c.AudioFormat.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("audio format: %w", err))
	}
	if c.JPEGQuality < 0 || c.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("jpeg quality %d out of range [0,100]", c.JPEGQuality))
	}
	return errors.Join(errs...)
}

// AudioGraph is the mixed audio stream of a session together with the
// handle that releases its mixing context.
type AudioGraph interface {
	media.AudioStream
	Close() error
}

// AudioMixerFactory builds the audio graph for the audio tracks of one
// session. It is only called with at least one track.
type AudioMixerFactory func(format media.Format, tracks []media.AudioTrack) (AudioGraph, error)

// Option configures an [Engine].
type Option func(*Engine)

// WithRegistry sets the capability table. The default registry holds the
// capabilities of the container package.
func WithRegistry(r *encoding.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithClock sets the clock driving the compositor and mixer tickers, and
// the chunk timeslices of the default registry's encoders.
func WithClock(c clock.WithTicker) Option {
	return func(e *Engine) { e.clk = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metric instruments. Nil disables metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithAudioMixerFactory replaces the audio graph constructor.
func WithAudioMixerFactory(f AudioMixerFactory) Option {
	return func(e *Engine) { e.newGraph = f }
}

// WithHandlers sets the lifecycle handlers.
func WithHandlers(h Handlers) Option {
	return func(e *Engine) { e.handlers = h }
}

// session is the engine-owned state of one recording.
type session struct {
	id       string
	desc     encoding.Descriptor
	fellBack bool
	logger   *slog.Logger

	startedAt time.Time
	stoppedAt time.Time

	sources []media.Source
	comp    *compositor.Compositor
	graph   AudioGraph
	enc     encoding.Encoder

	ctx    context.Context
	cancel context.CancelFunc

	// Guarded by Engine.mu.
	chunks      [][]byte
	total       int64
	releaseErrs []error
	err         error
	artifact    *Artifact
	partial     *Artifact

	started      chan struct{}
	done         chan struct{}
	teardownOnce sync.Once
}

// Engine is the session controller. All exported methods are safe for
// concurrent use.
type Engine struct {
	cfg      Config
	registry *encoding.Registry
	clk      clock.WithTicker
	logger   *slog.Logger
	metrics  *observe.Metrics
	newGraph AudioMixerFactory
	handlers Handlers

	mu       sync.Mutex
	state    State
	sess     *session
	disposed bool
}

// New validates cfg and constructs an idle engine.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if cfg.ChunkInterval == 0 {
		cfg.ChunkInterval = DefaultChunkInterval
	}
	if len(cfg.Preferences) == 0 {
		cfg.Preferences = container.DefaultPreferences()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("capture: invalid config: %w", err)
	}

	e := &Engine{
		cfg: cfg,
		clk: clock.RealClock{},
	}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "capture")
	if e.registry == nil {
		e.registry = encoding.NewRegistry()
		if err := container.Register(e.registry, container.WithClock(e.clk), container.WithLogger(e.logger)); err != nil {
			return nil, fmt.Errorf("capture: register containers: %w", err)
		}
	}
	if e.newGraph == nil {
		e.newGraph = func(format media.Format, tracks []media.AudioTrack) (AudioGraph, error) {
			g, err := mixer.New(format, tracks, mixer.WithClock(e.clk), mixer.WithLogger(e.logger))
			if err != nil {
				return nil, err
			}
			return g, nil
		}
	}
	return e, nil
}

// Config returns the configuration sessions are started with.
func (e *Engine) Config() Config { return e.cfg }

// Registry returns the capability table used for negotiation.
func (e *Engine) Registry() *encoding.Registry { return e.registry }

// Start begins a session recording sources. It is a no-op while a session is
// recording or stopping. An empty source list records a blank, silent canvas.
//
// Start returns an error only when no encoder can be created or started; the
// session then ends in [StateError] with every source released. ctx scopes
// setup only; the session itself runs until Stop.
func (e *Engine) Start(ctx context.Context, sources []media.Source) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}
	if e.state == StateRecording || e.state == StateStopping {
		id, state := e.sess.id, e.state
		e.mu.Unlock()
		e.logger.Warn("start ignored, a session is already active", "session_id", id, "state", state)
		return nil
	}
	s, err := e.begin(ctx, sources)
	e.mu.Unlock()

	if err != nil {
		e.abort(s, err)
		return err
	}

	e.metrics.RecordSessionStarted(ctx)
	s.logger.Info("recording started",
		"format", s.desc.String(),
		"sources", len(s.sources),
		"audio", s.graph != nil,
		"chunk_interval", e.cfg.ChunkInterval,
	)
	go e.collect(s)
	if h := e.handlers.OnStart; h != nil {
		h()
	}
	close(s.started)
	return nil
}

// begin builds and starts the session pipeline. Called with e.mu held. On
// error the returned session still needs [Engine.abort].
func (e *Engine) begin(ctx context.Context, sources []media.Source) (*session, error) {
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		id:        uuid.NewString(),
		sources:   media.SortSources(sources),
		startedAt: e.clk.Now(),
		ctx:       sessCtx,
		cancel:    cancel,
		started:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.logger = e.logger.With("session_id", s.id)
	e.sess = s
	e.state = StateError

	params := encoding.Params{Audio: e.cfg.AudioFormat, JPEGQuality: e.cfg.JPEGQuality}
	s.desc, s.fellBack = e.registry.Resolve(e.cfg.Preferences, params)
	if s.fellBack {
		s.logger.Warn("falling back to the platform default format",
			"err", ErrNegotiationExhausted,
			"preferences", len(e.cfg.Preferences),
			"format", s.desc.String(),
		)
		e.metrics.RecordNegotiationFallback(ctx, s.desc.MediaType())
	}

	var videos []media.VideoTrack
	var audios []media.AudioTrack
	for _, src := range s.sources {
		if src.Video != nil {
			videos = append(videos, src.Video)
		}
		if src.Audio != nil {
			audios = append(audios, src.Audio)
		}
	}

	comp, err := compositor.New(e.cfg.Canvas, videos,
		compositor.WithClock(e.clk),
		compositor.WithLogger(s.logger),
		compositor.WithTickFunc(func(n int, took time.Duration) {
			e.metrics.RecordComposite(sessCtx, n, took)
		}),
	)
	if err != nil {
		return s, fmt.Errorf("capture: build compositor: %w", err)
	}
	s.comp = comp

	if len(audios) > 0 {
		g, err := e.newGraph(e.cfg.AudioFormat, audios)
		if err != nil {
			s.logger.Warn("recording without audio", "err", errors.Join(ErrAudioGraphInit, err), "tracks", len(audios))
			e.metrics.RecordAudioGraphFailure(ctx)
		} else {
			s.graph = g
		}
	}

	out := media.Assemble(comp, nil)
	if s.graph != nil {
		out = media.Assemble(comp, s.graph)
	}

	enc, err := e.registry.New(s.desc, params)
	if err != nil {
		return s, fmt.Errorf("capture: create encoder: %w", err)
	}
	s.enc = enc
	s.desc = enc.MIMEType()

	e.state = StateRecording
	if err := comp.Start(func() bool { return e.tickActive(s) }); err != nil {
		return s, fmt.Errorf("capture: start compositor: %w", err)
	}
	if err := enc.Start(sessCtx, out, e.cfg.ChunkInterval); err != nil {
		e.state = StateError
		return s, fmt.Errorf("capture: start encoder: %w", err)
	}
	return s, nil
}

// abort finishes a session whose setup failed.
func (e *Engine) abort(s *session, err error) {
	if s == nil {
		return
	}
	e.mu.Lock()
	e.state = StateError
	e.mu.Unlock()
	e.teardown(s)
	e.mu.Lock()
	s.err = err
	s.stoppedAt = e.clk.Now()
	e.mu.Unlock()
	s.logger.Error("recording failed to start", "err", err)
	close(s.started)
	close(s.done)
}

func (e *Engine) tickActive(s *session) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess == s && e.state == StateRecording
}

// Stop asks the encoder to finalize the current session. It returns
// immediately; completion is reported through OnStop or OnError and
// [Engine.Wait]. Stop is a no-op unless the engine is recording.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state != StateRecording {
		state := e.state
		e.mu.Unlock()
		e.logger.Debug("stop ignored, not recording", "state", state)
		return
	}
	s := e.sess
	e.state = StateStopping
	e.mu.Unlock()

	s.logger.Info("stopping recording")
	s.enc.Stop()
}

// collect appends chunks in emission order and drives the session to its
// terminal state once the encoder's channel closes.
func (e *Engine) collect(s *session) {
	defer close(s.done)
	<-s.started

	format := s.desc.MediaType()
	chunks := s.enc.Chunks()
	var final, forced bool
loop:
	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				break loop
			}
			e.mu.Lock()
			s.chunks = append(s.chunks, c.Data)
			s.total += int64(len(c.Data))
			e.mu.Unlock()
			e.metrics.RecordChunk(s.ctx, format, len(c.Data))
			if c.Final {
				final = true
			}
			if h := e.handlers.OnDataAvailable; h != nil {
				h(c)
			}
		case <-s.ctx.Done():
			forced = true
			break loop
		}
	}

	err := s.enc.Err()
	switch {
	case err != nil:
	case forced:
		err = fmt.Errorf("session abandoned: %w", context.Cause(s.ctx))
	case !final:
		err = errors.New("encoder closed without a final chunk")
	}
	if err != nil {
		e.fail(s, err)
		return
	}
	e.finish(s)
}

// finish completes a successful session.
func (e *Engine) finish(s *session) {
	e.teardown(s)

	e.mu.Lock()
	a := e.assemble(s, false)
	s.artifact = &a
	s.stoppedAt = e.clk.Now()
	e.state = StateStopped
	took := s.stoppedAt.Sub(s.startedAt)
	e.mu.Unlock()

	e.metrics.RecordSessionEnded(context.Background(), "stopped", took)
	s.logger.Info("recording stopped", "chunks", a.Chunks, "bytes", a.Size(), "duration", a.Duration)
	if h := e.handlers.OnStop; h != nil {
		h(a)
	}
}

// fail ends a session after an encoder fault. The state changes before
// teardown so the compositor stops scheduling on its next tick.
func (e *Engine) fail(s *session, cause error) {
	fault := &EncoderFaultError{SessionID: s.id, Err: cause}
	e.mu.Lock()
	e.state = StateError
	e.mu.Unlock()

	e.teardown(s)

	e.mu.Lock()
	s.err = fault
	a := e.assemble(s, true)
	s.partial = &a
	s.stoppedAt = e.clk.Now()
	took := s.stoppedAt.Sub(s.startedAt)
	e.mu.Unlock()

	e.metrics.RecordEncoderFault(context.Background(), s.desc.MediaType())
	e.metrics.RecordSessionEnded(context.Background(), "error", took)
	s.logger.Error("recording aborted", "err", cause, "chunks", a.Chunks, "partial_bytes", a.Size())
	if h := e.handlers.OnError; h != nil {
		h(fault)
	}
}

// assemble concatenates the collected chunks. Called with e.mu held.
func (e *Engine) assemble(s *session, partial bool) Artifact {
	return Artifact{
		SessionID: s.id,
		Data:      bytes.Join(s.chunks, nil),
		MIMEType:  s.desc,
		Chunks:    len(s.chunks),
		Duration:  time.Duration(len(s.chunks)) * e.cfg.ChunkInterval,
		Partial:   partial,
	}
}

// teardown halts the compositor, closes the audio graph and releases every
// source. Release failures are collected and never abort the teardown.
func (e *Engine) teardown(s *session) {
	s.teardownOnce.Do(func() {
		if s.comp != nil {
			s.comp.Stop()
		}
		if s.graph != nil {
			if err := s.graph.Close(); err != nil {
				s.logger.Warn("close audio graph", "err", err)
			}
		}
		var releaseErrs []error
		for _, src := range s.sources {
			if err := src.Release(); err != nil {
				rerr := &SourceReleaseError{SourceID: src.ID, Err: err}
				releaseErrs = append(releaseErrs, rerr)
				s.logger.Warn("source release failed", "source", src.ID, "err", err)
				e.metrics.RecordSourceReleaseFailure(context.Background(), src.ID)
			}
		}
		e.mu.Lock()
		s.releaseErrs = releaseErrs
		e.mu.Unlock()
		s.cancel()
	})
}

// Wait blocks until the current session reaches a terminal state and
// returns its artifact, or the session error. It returns ctx.Err() when ctx
// ends first.
func (e *Engine) Wait(ctx context.Context) (Artifact, error) {
	e.mu.Lock()
	s := e.sess
	e.mu.Unlock()
	if s == nil {
		return Artifact{}, errors.New("capture: no session")
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return Artifact{}, ctx.Err()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if s.err != nil {
		return Artifact{}, s.err
	}
	return *s.artifact, nil
}

// Done returns a channel closed when the current session ends, or nil when
// no session was started.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return nil
	}
	return e.sess.done
}

// Dispose refuses further sessions, stops the current one and waits for its
// teardown. When ctx ends before the encoder finalizes, the session is
// forced into [StateError] and Dispose returns ctx.Err() after teardown.
func (e *Engine) Dispose(ctx context.Context) error {
	e.mu.Lock()
	e.disposed = true
	s := e.sess
	e.mu.Unlock()
	if s == nil {
		return nil
	}

	e.Stop()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
	}
	s.logger.Warn("encoder did not finalize before dispose deadline, forcing teardown")
	s.cancel()
	<-s.done
	return ctx.Err()
}

// IsRecording reports whether a session is in [StateRecording].
func (e *Engine) IsRecording() bool {
	return e.State() == StateRecording
}

// State returns the lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Duration estimates the recorded length as chunk count times the chunk
// interval.
func (e *Engine) Duration() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return 0
	}
	return time.Duration(len(e.sess.chunks)) * e.cfg.ChunkInterval
}

// Size returns the number of bytes collected so far.
func (e *Engine) Size() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return 0
	}
	return e.sess.total
}

// Session returns a snapshot of the current or last session.
func (e *Engine) Session() Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.sess
	if s == nil {
		return Session{State: e.state}
	}
	ids := make([]string, 0, len(s.sources))
	for _, src := range s.sources {
		ids = append(ids, src.ID)
	}
	return Session{
		ID:            s.id,
		State:         e.state,
		MIMEType:      s.desc,
		FellBack:      s.fellBack,
		StartedAt:     s.startedAt,
		StoppedAt:     s.stoppedAt,
		Chunks:        len(s.chunks),
		TotalBytes:    s.total,
		Sources:       ids,
		AudioMixed:    s.graph != nil,
		ReleaseErrors: append([]error(nil), s.releaseErrs...),
		Err:           s.err,
	}
}

// Artifact returns the artifact of the last successful session.
func (e *Engine) Artifact() (Artifact, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil || e.sess.artifact == nil {
		return Artifact{}, false
	}
	return *e.sess.artifact, true
}

// PartialArtifact returns the chunks collected before an encoder fault.
func (e *Engine) PartialArtifact() (Artifact, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil || e.sess.partial == nil {
		return Artifact{}, false
	}
	return *e.sess.partial, true
}
