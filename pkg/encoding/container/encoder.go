// Package container implements chunked recording encoders on top of real
// container muxers: fragmented MP4 (mediacommon) and Matroska (ebml-go).
// Video is stored as Motion JPEG; audio as Opus or little-endian LPCM.
package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/MrWong99/reelmix/pkg/encoding"
	"github.com/MrWong99/reelmix/pkg/media"
)

// Compile-time interface assertion.
var _ encoding.Encoder = (*Encoder)(nil)

// muxer writes one container into a sink.
type muxer interface {
	writeVideo(f media.VideoFrame) error
	writeAudio(f media.AudioFrame) error
	// flush pushes everything muxed so far into the sink.
	flush() error
	// close finalizes the container. All output is in the sink on return.
	close() error
}

type muxerFactory func(w *sink, out media.MixedOutput, p encoding.Params, o options) (muxer, error)

// Option configures encoders created by [Register] and [New].
type Option func(*options)

type options struct {
	clock       clock.WithTicker
	logger      *slog.Logger
	opusBitrate int
	closeWait   time.Duration
}

// WithClock sets the clock that drives the timeslice ticker.
func WithClock(c clock.WithTicker) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithOpusBitrate sets the Opus target bitrate in bits per second.
func WithOpusBitrate(bps int) Option {
	return func(o *options) { o.opusBitrate = bps }
}

func buildOptions(opts []Option) options {
	o := options{
		clock:       clock.RealClock{},
		logger:      slog.Default(),
		opusBitrate: 96000,
		closeWait:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Encoder emits the output of a muxer as one chunk per timeslice.
type Encoder struct {
	desc     encoding.Descriptor
	params   encoding.Params
	newMuxer muxerFactory
	opts     options
	logger   *slog.Logger

	sink     *sink
	chunks   chan encoding.Chunk
	stop     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	started bool
	err     error
}

func newEncoder(desc encoding.Descriptor, p encoding.Params, f muxerFactory, o options) *Encoder {
	return &Encoder{
		desc:     desc,
		params:   p,
		newMuxer: f,
		opts:     o,
		logger:   o.logger.With("component", "encoder", "format", string(desc)),
		sink:     newSink(),
		chunks:   make(chan encoding.Chunk, 16),
		stop:     make(chan struct{}),
	}
}

// MIMEType implements [encoding.Encoder].
func (e *Encoder) MIMEType() encoding.Descriptor { return e.desc }

// Chunks implements [encoding.Encoder].
func (e *Encoder) Chunks() <-chan encoding.Chunk { return e.chunks }

// Err implements [encoding.Encoder].
func (e *Encoder) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// BytesWritten returns the total container size produced so far.
func (e *Encoder) BytesWritten() int64 { return e.sink.Total() }

// Start implements [encoding.Encoder].
func (e *Encoder) Start(ctx context.Context, out media.MixedOutput, timeslice time.Duration) error {
	if timeslice <= 0 {
		return fmt.Errorf("container: timeslice must be positive, got %v", timeslice)
	}
	if out.Video == nil {
		return errors.New("container: mixed output has no video stream")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("container: encoder already started")
	}
	mux, err := e.newMuxer(e.sink, out, e.params, e.opts)
	if err != nil {
		return fmt.Errorf("container: init muxer: %w", err)
	}
	e.started = true
	ticker := e.opts.clock.NewTicker(timeslice)
	go e.run(ctx, out, mux, ticker)
	e.logger.Debug("encoder started", "timeslice", timeslice, "audio", out.HasAudio())
	return nil
}

// Stop implements [encoding.Encoder].
func (e *Encoder) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

func (e *Encoder) fail(err error) {
	e.mu.Lock()
	if e.err == nil {
		e.err = err
	}
	e.mu.Unlock()
	e.logger.Error("encoder fault", "err", err)
}

func (e *Encoder) run(ctx context.Context, out media.MixedOutput, mux muxer, ticker clock.Ticker) {
	defer close(e.chunks)
	defer ticker.Stop()

	video := out.Video.Frames()
	var audio <-chan media.AudioFrame
	if out.Audio != nil {
		audio = out.Audio.Frames()
	}

	seq := 0
	emit := func(final bool) {
		e.chunks <- encoding.Chunk{Seq: seq, Data: e.sink.Take(), Final: final}
		seq++
	}
	abort := func(err error) {
		e.fail(err)
		if cerr := mux.close(); cerr != nil {
			e.logger.Debug("closing muxer after fault", "err", cerr)
		}
	}

	for {
		select {
		case <-e.stop:
			if err := mux.close(); err != nil {
				e.fail(fmt.Errorf("container: finalize: %w", err))
				return
			}
			emit(true)
			return
		case <-ctx.Done():
			abort(fmt.Errorf("container: %w", ctx.Err()))
			return
		case f, ok := <-video:
			if !ok {
				video = nil
				continue
			}
			if err := mux.writeVideo(f); err != nil {
				abort(fmt.Errorf("container: write video: %w", err))
				return
			}
		case f, ok := <-audio:
			if !ok {
				audio = nil
				continue
			}
			if err := mux.writeAudio(f); err != nil {
				abort(fmt.Errorf("container: write audio: %w", err))
				return
			}
		case <-ticker.C():
			if err := mux.flush(); err != nil {
				abort(fmt.Errorf("container: flush: %w", err))
				return
			}
			emit(false)
		}
	}
}

// encodeJPEG compresses one frame for Motion JPEG storage.
func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality < 1 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}
