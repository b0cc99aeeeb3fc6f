// Package compositor draws a variable number of live video tracks onto one
// canvas per tick using the count-dependent grid from [Layout].
package compositor

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"
	"k8s.io/utils/clock"

	"github.com/MrWong99/reelmix/pkg/media"
)

// Compile-time interface assertion.
var _ media.VideoStream = (*Compositor)(nil)

// Config describes the output canvas.
type Config struct {
	Width      int
	Height     int
	FPS        int
	Background color.RGBA
}

// DefaultConfig returns a 1280x720 canvas at 30 fps on a near-black fill.
func DefaultConfig() Config {
	return Config{
		Width:      1280,
		Height:     720,
		FPS:        30,
		Background: color.RGBA{R: 16, G: 16, B: 16, A: 255},
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.Width <= 0 || c.Height <= 0 {
		errs = append(errs, fmt.Errorf("compositor: canvas %dx%d must be positive", c.Width, c.Height))
	}
	if c.FPS <= 0 || c.FPS > 120 {
		errs = append(errs, fmt.Errorf("compositor: fps %d out of range (0, 120]", c.FPS))
	}
	return errors.Join(errs...)
}

// TickFunc observes each produced frame: how many sources were drawn and how
// long composition took.
type TickFunc func(sources int, took time.Duration)

// Option configures a [Compositor] during construction.
type Option func(*Compositor)

// WithClock sets the clock that drives the tick loop.
func WithClock(c clock.WithTicker) Option {
	return func(comp *Compositor) { comp.clk = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(comp *Compositor) { comp.logger = l }
}

// WithScaler overrides the interpolator used to stretch sources into their
// cells. Defaults to draw.ApproxBiLinear.
func WithScaler(s draw.Scaler) Option {
	return func(comp *Compositor) { comp.scaler = s }
}

// WithTickFunc registers an observer called after every produced frame.
func WithTickFunc(fn TickFunc) Option {
	return func(comp *Compositor) { comp.onTick = fn }
}

// WithBuffer sets the capacity of the output channel. Frames are dropped
// when the consumer lets it fill up.
func WithBuffer(n int) Option {
	return func(comp *Compositor) {
		if n > 0 {
			comp.buffer = n
		}
	}
}

// layer is one registered video track.
type layer struct {
	track   media.VideoTrack
	dropped bool
}

// Compositor produces one composite frame per tick from its registered
// tracks. Only ready tracks (live and with at least one frame) are laid out;
// tracks that end are dropped for the rest of the session.
type Compositor struct {
	cfg    Config
	clk    clock.WithTicker
	logger *slog.Logger
	scaler draw.Scaler
	onTick TickFunc
	buffer int
	layers []*layer

	out     chan media.VideoFrame
	ticks   atomic.Int64
	dropped atomic.Int64

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates a compositor over tracks in registration order. It does not
// start ticking until [Compositor.Start].
func New(cfg Config, tracks []media.VideoTrack, opts ...Option) (*Compositor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Compositor{
		cfg:    cfg,
		clk:    clock.RealClock{},
		scaler: draw.ApproxBiLinear,
		buffer: 4,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "compositor")
	for _, t := range tracks {
		if t == nil {
			return nil, errors.New("compositor: nil video track")
		}
		c.layers = append(c.layers, &layer{track: t})
	}
	c.out = make(chan media.VideoFrame, c.buffer)
	return c, nil
}

// Frames implements [media.VideoStream]. The channel is closed once the tick
// loop has exited.
func (c *Compositor) Frames() <-chan media.VideoFrame { return c.out }

// Bounds implements [media.VideoStream].
func (c *Compositor) Bounds() image.Rectangle { return image.Rect(0, 0, c.cfg.Width, c.cfg.Height) }

// FrameRate implements [media.VideoStream].
func (c *Compositor) FrameRate() int { return c.cfg.FPS }

// Ticks returns the number of frames produced so far.
func (c *Compositor) Ticks() int64 { return c.ticks.Load() }

// DroppedFrames returns the number of frames discarded because the consumer
// was behind.
func (c *Compositor) DroppedFrames() int64 { return c.dropped.Load() }

// Start arms the tick loop. active is consulted at the beginning of every
// tick; the first tick that sees false ends the loop and disarms the ticker.
// Start may be called only once.
func (c *Compositor) Start(active func() bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("compositor: already started")
	}
	c.started = true
	ticker := c.clk.NewTicker(time.Second / time.Duration(c.cfg.FPS))
	go c.loop(ticker, active)
	return nil
}

// Stop halts the tick loop and waits for it to exit. Safe to call more than
// once and before Start.
func (c *Compositor) Stop() {
	c.mu.Lock()
	started := c.started
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	if !started {
		c.started = true
		close(c.done)
		close(c.out)
	}
	c.mu.Unlock()
	<-c.done
}

// Running reports whether the tick loop is still scheduled.
func (c *Compositor) Running() bool {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *Compositor) loop(ticker clock.Ticker, active func() bool) {
	defer close(c.done)
	defer close(c.out)
	defer ticker.Stop()

	period := time.Second / time.Duration(c.cfg.FPS)
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C():
			if !active() {
				c.logger.Debug("session no longer recording, disarming tick loop", "ticks", c.ticks.Load())
				return
			}
			start := time.Now()
			img, n := c.compose()
			ts := time.Duration(c.ticks.Load()) * period
			c.ticks.Add(1)
			if c.onTick != nil {
				c.onTick(n, time.Since(start))
			}
			select {
			case c.out <- media.VideoFrame{Image: img, Timestamp: ts}:
			default:
				c.dropped.Add(1)
			}
		}
	}
}

// compose renders one frame and returns it with the number of sources drawn.
func (c *Compositor) compose() (*image.RGBA, int) {
	canvas := image.NewRGBA(c.Bounds())
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(c.cfg.Background), image.Point{}, draw.Src)

	ready := c.ready()
	for i, cell := range Layout(len(ready), canvas.Bounds()) {
		src := ready[i]
		c.scaler.Scale(canvas, cell, src, src.Bounds(), draw.Src, nil)
	}
	return canvas, len(ready)
}

// ready collects the latest frame of every live track that has produced
// one. Tracks observed in the ended state are dropped permanently.
func (c *Compositor) ready() []image.Image {
	imgs := make([]image.Image, 0, len(c.layers))
	for _, l := range c.layers {
		if l.dropped {
			continue
		}
		if l.track.State() == media.TrackEnded {
			l.dropped = true
			c.logger.Info("video track ended, dropping from layout", "track", l.track.ID())
			continue
		}
		f, ok := l.track.LatestFrame()
		if !ok || f.Image == nil || f.Image.Bounds().Empty() {
			continue
		}
		imgs = append(imgs, f.Image)
	}
	return imgs
}
