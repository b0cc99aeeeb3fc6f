// Package mixer implements the audio mixing graph: every input track is
// converted to a common PCM format, buffered, and summed into a single output
// stream once per mix period.
package mixer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/MrWong99/reelmix/pkg/media"
)

// Compile-time interface assertion.
var _ media.AudioStream = (*Graph)(nil)

const (
	// DefaultPeriod is the length of one mixed output frame.
	DefaultPeriod = 20 * time.Millisecond

	// defaultBufferPeriods bounds how far an input may run ahead of the mix
	// clock before its oldest samples are discarded.
	defaultBufferPeriods = 25
)

// ErrNoInputs is returned by [New] when no audio tracks are supplied. Callers
// should skip building a graph instead.
var ErrNoInputs = errors.New("mixer: no audio inputs")

// Option configures a [Graph] during construction.
type Option func(*Graph)

// WithPeriod sets the mix period. Non-positive values are ignored.
func WithPeriod(d time.Duration) Option {
	return func(g *Graph) {
		if d > 0 {
			g.period = d
		}
	}
}

// WithClock sets the clock that drives the mix loop.
func WithClock(c clock.WithTicker) Option {
	return func(g *Graph) { g.clk = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Graph) { g.logger = l }
}

// WithBufferPeriods bounds per-input buffering to n mix periods.
func WithBufferPeriods(n int) Option {
	return func(g *Graph) {
		if n > 0 {
			g.bufferPeriods = n
		}
	}
}

// input is one buffered source node of the graph.
type input struct {
	id    string
	track media.AudioTrack
	conv  media.FormatConverter

	buf   []byte
	ended bool
}

// Graph sums any number of PCM tracks into one [media.AudioStream]. A graph
// with a single input still runs the full path so that teardown is identical
// regardless of input count.
//
// All exported methods are safe for concurrent use.
type Graph struct {
	format        media.Format
	period        time.Duration
	bufferPeriods int
	clk           clock.WithTicker
	logger        *slog.Logger

	mu     sync.Mutex
	inputs []*input
	frames int64

	out       chan media.AudioFrame
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    bool
}

// New allocates the mixing context for tracks and starts mixing immediately.
// The output format is fixed to format; inputs in other formats are converted.
//
// Call [Graph.Close] to stop the graph and release its goroutines.
func New(format media.Format, tracks []media.AudioTrack, opts ...Option) (*Graph, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("mixer: %w", err)
	}
	if len(tracks) == 0 {
		return nil, ErrNoInputs
	}

	g := &Graph{
		format:        format,
		period:        DefaultPeriod,
		bufferPeriods: defaultBufferPeriods,
		clk:           clock.RealClock{},
		out:           make(chan media.AudioFrame, 8),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("component", "mixer")

	for _, t := range tracks {
		if t == nil {
			return nil, errors.New("mixer: nil audio track")
		}
		in := &input{id: t.ID(), track: t}
		in.conv = media.FormatConverter{Target: format, Logger: g.logger.With("track", t.ID())}
		g.inputs = append(g.inputs, in)
	}

	ticker := g.clk.NewTicker(g.period)
	for _, in := range g.inputs {
		g.wg.Add(1)
		go g.read(in)
	}
	g.wg.Add(1)
	go g.run(ticker)

	g.logger.Debug("mixing graph started", "inputs", len(g.inputs), "format", format.String())
	return g, nil
}

// Frames implements [media.AudioStream].
func (g *Graph) Frames() <-chan media.AudioFrame { return g.out }

// Format implements [media.AudioStream].
func (g *Graph) Format() media.Format { return g.format }

// Period returns the duration of each output frame.
func (g *Graph) Period() time.Duration { return g.period }

// Inputs returns the number of inputs that are still live.
func (g *Graph) Inputs() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, in := range g.inputs {
		if !in.ended || len(in.buf) > 0 {
			n++
		}
	}
	return n
}

// Buffered returns the number of PCM bytes waiting across all inputs.
func (g *Graph) Buffered() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, in := range g.inputs {
		n += len(in.buf)
	}
	return n
}

// Closed reports whether [Graph.Close] has released the mixing context.
func (g *Graph) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Close stops the mix loop and every input reader, then closes the output
// channel. The input tracks themselves are not released. Close is idempotent.
func (g *Graph) Close() error {
	g.closeOnce.Do(func() {
		close(g.done)
		g.wg.Wait()
		g.mu.Lock()
		g.closed = true
		g.inputs = nil
		g.mu.Unlock()
		close(g.out)
		g.logger.Debug("mixing graph closed")
	})
	return nil
}

// read pulls frames from one input track into its buffer until the track
// ends or the graph closes.
func (g *Graph) read(in *input) {
	defer g.wg.Done()
	frames := in.track.Frames()
	limit := g.bufferPeriods * g.format.BytesPer(g.period)
	for {
		select {
		case <-g.done:
			return
		case f, ok := <-frames:
			if !ok {
				g.mu.Lock()
				in.ended = true
				g.mu.Unlock()
				g.logger.Info("audio input ended, dropping from mix", "track", in.id)
				return
			}
			conv := in.conv.Convert(f)
			if len(conv.Data) == 0 {
				continue
			}
			g.mu.Lock()
			in.buf = append(in.buf, conv.Data...)
			if over := len(in.buf) - limit; over > 0 {
				in.buf = in.buf[over:]
			}
			g.mu.Unlock()
		}
	}
}

// run emits one mixed frame per tick.
func (g *Graph) run(ticker clock.Ticker) {
	defer g.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-g.done:
			return
		case <-ticker.C():
			frame := g.mix()
			select {
			case g.out <- frame:
			default:
				g.logger.Debug("mixed frame dropped, consumer behind")
			}
		}
	}
}

// mix sums one period from every input. Inputs that have not delivered
// enough samples contribute silence for the remainder. Inputs that ended
// and are fully drained are removed.
func (g *Graph) mix() media.AudioFrame {
	size := g.format.BytesPer(g.period)
	acc := make([]int32, size/2)

	g.mu.Lock()
	live := g.inputs[:0]
	for _, in := range g.inputs {
		n := min(len(in.buf), size)
		for i := 0; i < n/2; i++ {
			acc[i] += int32(media.Sample(in.buf, i))
		}
		in.buf = in.buf[n:]
		if in.ended && len(in.buf) == 0 {
			continue
		}
		live = append(live, in)
	}
	g.inputs = live
	ts := time.Duration(g.frames) * g.period
	g.frames++
	g.mu.Unlock()

	data := make([]byte, size)
	for i, v := range acc {
		media.PutSample(data, i, media.Clamp16(v))
	}
	return media.AudioFrame{
		Data:       data,
		SampleRate: g.format.SampleRate,
		Channels:   g.format.Channels,
		Timestamp:  ts,
	}
}
