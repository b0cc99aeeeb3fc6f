package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/MrWong99/reelmix/internal/artifact"
	"github.com/MrWong99/reelmix/internal/capture"
	"github.com/MrWong99/reelmix/internal/config"
	"github.com/MrWong99/reelmix/internal/observe"
	"github.com/MrWong99/reelmix/pkg/encoding"
)

var (
	// ErrSourceInUse is returned by [SessionManager.Start] when a requested
	// track is already part of a running recording.
	ErrSourceInUse = errors.New("app: source is already being recorded")

	// ErrTooManySessions is returned when server.max_sessions is reached.
	ErrTooManySessions = errors.New("app: session limit reached")

	// ErrNotFound is returned for unknown recording IDs.
	ErrNotFound = errors.New("app: recording not found")

	// ErrNoArtifact is returned while a recording is still running, or when
	// it failed before producing any chunk.
	ErrNoArtifact = errors.New("app: recording has no artifact")

	// ErrStillRecording is returned when removing a recording that has not
	// finished.
	ErrStillRecording = errors.New("app: recording is still running")

	// ErrUploadDisabled is returned when no upload endpoint is configured.
	ErrUploadDisabled = errors.New("app: upload is not configured")
)

// liveBuffer is the per-subscriber chunk backlog. Subscribers that fall
// further behind miss chunks.
const liveBuffer = 64

// RecordingInfo is the JSON view of one managed recording.
type RecordingInfo struct {
	ID            string     `json:"id"`
	State         string     `json:"state"`
	MIMEType      string     `json:"mime_type"`
	FellBack      bool       `json:"fell_back"`
	StartedAt     time.Time  `json:"started_at"`
	StoppedAt     *time.Time `json:"stopped_at,omitempty"`
	Chunks        int        `json:"chunks"`
	Bytes         int64      `json:"bytes"`
	DurationMS    int64      `json:"duration_ms"`
	Sources       []string   `json:"sources"`
	AudioMixed    bool       `json:"audio_mixed"`
	SavedPath     string     `json:"saved_path,omitempty"`
	Uploaded      bool       `json:"uploaded"`
	UploadError   string     `json:"upload_error,omitempty"`
	Error         string     `json:"error,omitempty"`
	ReleaseErrors []string   `json:"release_errors,omitempty"`
}

// recording is one engine plus the bookkeeping around it.
type recording struct {
	id       string
	engine   *capture.Engine
	set      SourceSet
	trackIDs []string

	mu        sync.Mutex
	subs      map[chan encoding.Chunk]struct{}
	closed    bool
	savedPath string
	uploaded  bool
	uploadErr error

	// finished is closed after the artifact was saved and uploaded.
	finished chan struct{}
}

func (r *recording) broadcast(c encoding.Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

func (r *recording) subscribe() (<-chan encoding.Chunk, func()) {
	ch := make(chan encoding.Chunk, liveBuffer)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		close(ch)
		return ch, func() {}
	}
	r.subs[ch] = struct{}{}
	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.subs[ch]; ok {
			delete(r.subs, ch)
			close(ch)
		}
	}
}

func (r *recording) closeSubscribers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for ch := range r.subs {
		close(ch)
	}
	clear(r.subs)
}

func (r *recording) running() bool {
	select {
	case <-r.finished:
		return false
	default:
		return true
	}
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	// Config provides recorder, output and server.max_sessions settings.
	Config *config.Config

	// Sources builds the tracks for each recording.
	Sources SourceProvider

	// Registry is shared by every engine. Nil means each engine registers
	// the built-in containers.
	Registry *encoding.Registry

	Metrics *observe.Metrics
	Logger  *slog.Logger
	Clock   clock.WithTicker

	// EngineOptions are appended to the options of every engine.
	EngineOptions []capture.Option
}

// SessionManager runs concurrent recordings over disjoint sources. All
// exported methods are safe for concurrent use.
type SessionManager struct {
	sources  SourceProvider
	registry *encoding.Registry
	metrics  *observe.Metrics
	logger   *slog.Logger
	clk      clock.WithTicker
	engOpts  []capture.Option

	mu       sync.Mutex
	cfg      *config.Config
	uploader *uploadTargets
	recs     map[string]*recording
	order    []string
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) (*SessionManager, error) {
	sm := &SessionManager{
		sources:  cfg.Sources,
		registry: cfg.Registry,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		clk:      cfg.Clock,
		engOpts:  cfg.EngineOptions,
		recs:     make(map[string]*recording),
	}
	if sm.logger == nil {
		sm.logger = slog.Default()
	}
	sm.logger = sm.logger.With("component", "session_manager")
	if sm.clk == nil {
		sm.clk = clock.RealClock{}
	}
	if sm.sources == nil {
		return nil, errors.New("app: session manager needs a source provider")
	}
	c := cfg.Config
	if c == nil {
		c = config.Default()
	}
	if err := sm.Reconfigure(c); err != nil {
		return nil, err
	}
	return sm, nil
}

// Reconfigure swaps the settings used for recordings started afterwards.
// Running recordings keep the settings they started with.
func (sm *SessionManager) Reconfigure(cfg *config.Config) error {
	if _, err := cfg.Recorder.Capture(); err != nil {
		return fmt.Errorf("app: recorder config: %w", err)
	}
	up, err := newUploadTargets(cfg.Output.Upload, sm.metrics, sm.logger)
	if err != nil {
		return err
	}
	sm.mu.Lock()
	sm.cfg = cfg
	sm.uploader = up
	sm.mu.Unlock()
	return nil
}

// OutputDir returns the directory artifacts are saved to.
func (sm *SessionManager) OutputDir() string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.cfg.Output.Dir
}

// UploadEndpoint returns the primary upload URL, or "" when uploads are off.
func (sm *SessionManager) UploadEndpoint() string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.cfg.Output.Upload.Endpoint
}

// Start opens the requested participants and starts recording them. It
// returns [ErrSourceInUse] when any track is already being recorded and
// [ErrTooManySessions] at the configured limit.
func (sm *SessionManager) Start(ctx context.Context, participants []ParticipantSpec) (RecordingInfo, error) {
	set, err := sm.sources.Open(ctx, participants)
	if err != nil {
		return RecordingInfo{}, fmt.Errorf("app: open sources: %w", err)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	rec := &recording{
		set:      set,
		subs:     make(map[chan encoding.Chunk]struct{}),
		finished: make(chan struct{}),
	}
	for _, src := range set.Sources {
		rec.trackIDs = append(rec.trackIDs, src.TrackIDs()...)
	}
	if err := sm.admit(rec); err != nil {
		set.close()
		return RecordingInfo{}, err
	}

	capCfg, err := sm.cfg.Recorder.Capture()
	if err != nil {
		set.close()
		return RecordingInfo{}, err
	}
	opts := []capture.Option{
		capture.WithClock(sm.clk),
		capture.WithLogger(sm.logger),
		capture.WithMetrics(sm.metrics),
		capture.WithHandlers(capture.Handlers{OnDataAvailable: rec.broadcast}),
	}
	if sm.registry != nil {
		opts = append(opts, capture.WithRegistry(sm.registry))
	}
	opts = append(opts, sm.engOpts...)
	eng, err := capture.New(capCfg, opts...)
	if err != nil {
		set.close()
		return RecordingInfo{}, fmt.Errorf("app: new engine: %w", err)
	}
	rec.engine = eng

	if err := eng.Start(ctx, set.Sources); err != nil {
		set.close()
		return RecordingInfo{}, err
	}
	rec.id = eng.Session().ID
	sm.recs[rec.id] = rec
	sm.order = append(sm.order, rec.id)

	go sm.watch(rec, sm.cfg.Output, sm.uploader)

	sm.logger.Info("recording registered", "session_id", rec.id, "participants", len(participants))
	return sm.info(rec), nil
}

// admit checks the session limit and source overlap. Called with sm.mu held.
func (sm *SessionManager) admit(rec *recording) error {
	running := 0
	for _, other := range sm.recs {
		if !other.running() {
			continue
		}
		running++
		for _, id := range rec.trackIDs {
			if slices.Contains(other.trackIDs, id) {
				return fmt.Errorf("%w: track %q (recording %s)", ErrSourceInUse, id, other.id)
			}
		}
	}
	if limit := sm.cfg.Server.MaxSessions; limit > 0 && running >= limit {
		return fmt.Errorf("%w (%d)", ErrTooManySessions, limit)
	}
	return nil
}

// watch finishes a recording once its engine reaches a terminal state: the
// live feed is closed, sources are handed back and the artifact is saved
// and optionally uploaded.
func (sm *SessionManager) watch(rec *recording, out config.OutputConfig, up *uploadTargets) {
	defer close(rec.finished)
	<-rec.engine.Done()

	rec.closeSubscribers()
	rec.set.close()

	log := sm.logger.With(observe.SessionIDKey, rec.id)
	a, ok := rec.engine.Artifact()
	if !ok {
		return
	}
	ctx, span := observe.StartSpan(observe.WithSessionID(context.Background(), rec.id), "recording.finalize",
		attribute.Int("artifact.bytes", a.Size()),
		attribute.String("artifact.mime_type", string(a.MIMEType)),
	)
	var finalErr error
	defer func() { observe.EndSpan(span, finalErr) }()

	if out.Dir != "" {
		path, err := artifact.SaveLocal(a, out.Dir, "")
		if err != nil {
			finalErr = err
			log.Error("save artifact", "err", err)
		} else {
			rec.mu.Lock()
			rec.savedPath = path
			rec.mu.Unlock()
			log.Info("artifact saved", "path", path, "bytes", a.Size())
		}
	}
	if up != nil && out.Upload.Auto {
		err := up.Upload(ctx, a, rec.id)
		finalErr = errors.Join(finalErr, err)
		rec.mu.Lock()
		rec.uploaded = err == nil
		rec.uploadErr = err
		rec.mu.Unlock()
	}
}

func (sm *SessionManager) get(id string) (*recording, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	rec, ok := sm.recs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// Stop asks the recording to finalize. It returns immediately.
func (sm *SessionManager) Stop(id string) error {
	rec, err := sm.get(id)
	if err != nil {
		return err
	}
	rec.engine.Stop()
	return nil
}

// Wait blocks until the recording finished, including saving and automatic
// upload, and returns its final info.
func (sm *SessionManager) Wait(ctx context.Context, id string) (RecordingInfo, error) {
	rec, err := sm.get(id)
	if err != nil {
		return RecordingInfo{}, err
	}
	select {
	case <-rec.finished:
		return sm.info(rec), nil
	case <-ctx.Done():
		return RecordingInfo{}, ctx.Err()
	}
}

// Get returns the current info of one recording.
func (sm *SessionManager) Get(id string) (RecordingInfo, error) {
	rec, err := sm.get(id)
	if err != nil {
		return RecordingInfo{}, err
	}
	return sm.info(rec), nil
}

// List returns every known recording in start order.
func (sm *SessionManager) List() []RecordingInfo {
	sm.mu.Lock()
	recs := make([]*recording, 0, len(sm.order))
	for _, id := range sm.order {
		recs = append(recs, sm.recs[id])
	}
	sm.mu.Unlock()

	out := make([]RecordingInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, sm.info(rec))
	}
	return out
}

// Active returns the number of recordings that have not finished.
func (sm *SessionManager) Active() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	n := 0
	for _, rec := range sm.recs {
		if rec.running() {
			n++
		}
	}
	return n
}

// Artifact returns the finished artifact. A recording that ended in an
// encoder fault yields its partial artifact instead.
func (sm *SessionManager) Artifact(id string) (capture.Artifact, error) {
	rec, err := sm.get(id)
	if err != nil {
		return capture.Artifact{}, err
	}
	if a, ok := rec.engine.Artifact(); ok {
		return a, nil
	}
	if a, ok := rec.engine.PartialArtifact(); ok && a.Size() > 0 {
		return a, nil
	}
	return capture.Artifact{}, fmt.Errorf("%w: %s is %s", ErrNoArtifact, id, rec.engine.State())
}

// Upload sends the finished artifact to the configured endpoint, failing
// over to the fallback endpoints on 5xx answers or transport errors.
func (sm *SessionManager) Upload(ctx context.Context, id string) error {
	rec, err := sm.get(id)
	if err != nil {
		return err
	}
	sm.mu.Lock()
	up := sm.uploader
	sm.mu.Unlock()
	if up == nil {
		return ErrUploadDisabled
	}
	a, ok := rec.engine.Artifact()
	if !ok {
		return fmt.Errorf("%w: %s is %s", ErrNoArtifact, id, rec.engine.State())
	}
	err = up.Upload(observe.WithSessionID(ctx, id), a, id)
	rec.mu.Lock()
	if err == nil {
		rec.uploaded = true
	}
	rec.uploadErr = err
	rec.mu.Unlock()
	return err
}

// Subscribe returns a feed of the recording's chunks from now on. The
// channel is closed when the recording ends or cancel is called. Chunks are
// dropped for subscribers that fall behind.
func (sm *SessionManager) Subscribe(id string) (<-chan encoding.Chunk, func(), error) {
	rec, err := sm.get(id)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := rec.subscribe()
	return ch, cancel, nil
}

// Remove forgets a finished recording and frees its artifact.
func (sm *SessionManager) Remove(id string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	rec, ok := sm.recs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.running() {
		return fmt.Errorf("%w: %s", ErrStillRecording, id)
	}
	delete(sm.recs, id)
	sm.order = slices.DeleteFunc(sm.order, func(s string) bool { return s == id })
	return nil
}

// StopAll stops every running recording and waits for each to finish.
// Recordings whose encoder does not finalize before ctx ends are torn down
// forcibly.
func (sm *SessionManager) StopAll(ctx context.Context) error {
	sm.mu.Lock()
	var running []*recording
	for _, rec := range sm.recs {
		if rec.running() {
			running = append(running, rec)
		}
	}
	sm.mu.Unlock()

	var g errgroup.Group
	for _, rec := range running {
		g.Go(func() error {
			if err := rec.engine.Dispose(ctx); err != nil {
				return fmt.Errorf("app: dispose %s: %w", rec.id, err)
			}
			<-rec.finished
			return nil
		})
	}
	err := g.Wait()
	if len(running) > 0 {
		sm.logger.Info("all recordings stopped", "count", len(running), "err", err)
	}
	return err
}

func (sm *SessionManager) info(rec *recording) RecordingInfo {
	s := rec.engine.Session()
	info := RecordingInfo{
		ID:         rec.id,
		State:      s.State.String(),
		MIMEType:   string(s.MIMEType),
		FellBack:   s.FellBack,
		StartedAt:  s.StartedAt,
		Chunks:     s.Chunks,
		Bytes:      s.TotalBytes,
		DurationMS: rec.engine.Duration().Milliseconds(),
		Sources:    s.Sources,
		AudioMixed: s.AudioMixed,
	}
	if !s.StoppedAt.IsZero() {
		t := s.StoppedAt
		info.StoppedAt = &t
	}
	if s.Err != nil {
		info.Error = s.Err.Error()
	}
	for _, e := range s.ReleaseErrors {
		info.ReleaseErrors = append(info.ReleaseErrors, e.Error())
	}
	rec.mu.Lock()
	info.SavedPath = rec.savedPath
	info.Uploaded = rec.uploaded
	if rec.uploadErr != nil {
		info.UploadError = rec.uploadErr.Error()
	}
	rec.mu.Unlock()
	return info
}
