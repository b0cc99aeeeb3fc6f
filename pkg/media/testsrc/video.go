// Package testsrc provides synthetic video and audio tracks. They are used as
// stand-in participants by the CLI, by the HTTP API when no transport is
// attached, and by tests.
package testsrc

import (
	"context"
	"image"
	"image/color"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/MrWong99/reelmix/pkg/media"
)

// Pattern selects what a [Video] track draws.
type Pattern int

const (
	PatternColorBars    Pattern = iota // vertical colour bars
	PatternGradient                    // horizontal luma ramp
	PatternCheckerboard                // 32px checkerboard
	PatternSolid                       // VideoConfig.Color
	PatternMovingBox                   // white box bouncing over VideoConfig.Color
)

// String returns the pattern name.
func (p Pattern) String() string {
	switch p {
	case PatternColorBars:
		return "colorbars"
	case PatternGradient:
		return "gradient"
	case PatternCheckerboard:
		return "checkerboard"
	case PatternSolid:
		return "solid"
	case PatternMovingBox:
		return "movingbox"
	default:
		return "unknown"
	}
}

// ParsePattern maps a pattern name back to its value. Unknown names yield
// PatternColorBars and false.
func ParsePattern(s string) (Pattern, bool) {
	for p := PatternColorBars; p <= PatternMovingBox; p++ {
		if p.String() == s {
			return p, true
		}
	}
	return PatternColorBars, false
}

// VideoConfig configures a synthetic video track.
type VideoConfig struct {
	Width   int     // default 320
	Height  int     // default 180
	FPS     int     // default 15
	Pattern Pattern // default PatternColorBars
	Color   color.RGBA
}

func (c *VideoConfig) applyDefaults() {
	if c.Width <= 0 {
		c.Width = 320
	}
	if c.Height <= 0 {
		c.Height = 180
	}
	if c.FPS <= 0 {
		c.FPS = 15
	}
	if c.Color.A == 0 {
		c.Color = color.RGBA{R: 40, G: 90, B: 160, A: 255}
	}
}

// Option configures [Video] and [Tone] tracks.
type Option func(*options)

type options struct {
	clock clock.WithTicker
}

// WithClock sets the clock that drives frame generation. Defaults to the real
// wall clock.
func WithClock(c clock.WithTicker) Option {
	return func(o *options) { o.clock = c }
}

func buildOptions(opts []Option) options {
	o := options{clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Video is a synthetic [media.VideoTrack]. The first frame is available
// immediately after construction; [Video.Start] animates it.
type Video struct {
	id  string
	cfg VideoConfig
	clk clock.WithTicker

	mu       sync.Mutex
	frame    media.VideoFrame
	n        int
	state    media.TrackState
	releases int
	cancel   context.CancelFunc
	done     chan struct{}
}

var _ media.VideoTrack = (*Video)(nil)

// NewVideo creates a synthetic video track.
func NewVideo(id string, cfg VideoConfig, opts ...Option) *Video {
	cfg.applyDefaults()
	o := buildOptions(opts)
	v := &Video{id: id, cfg: cfg, clk: o.clock}
	v.frame = media.VideoFrame{Image: v.render(0)}
	return v
}

// Start launches the frame generator. It runs until ctx is cancelled or
// [Video.End] is called. Calling Start twice is a no-op.
func (v *Video) Start(ctx context.Context) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cancel != nil || v.state == media.TrackEnded {
		return
	}
	ctx, v.cancel = context.WithCancel(ctx)
	v.done = make(chan struct{})
	ticker := v.clk.NewTicker(time.Second / time.Duration(v.cfg.FPS))
	go v.loop(ctx, ticker)
}

func (v *Video) loop(ctx context.Context, ticker clock.Ticker) {
	defer close(v.done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			v.mu.Lock()
			v.n++
			n := v.n
			v.mu.Unlock()

			img := v.render(n)

			v.mu.Lock()
			v.frame = media.VideoFrame{Image: img, Timestamp: time.Duration(n) * time.Second / time.Duration(v.cfg.FPS)}
			v.mu.Unlock()
		}
	}
}

// End stops the generator and marks the track ended.
func (v *Video) End() {
	v.mu.Lock()
	cancel, done := v.cancel, v.done
	v.state = media.TrackEnded
	v.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// ID implements [media.Track].
func (v *Video) ID() string { return v.id }

// State implements [media.Track].
func (v *Video) State() media.TrackState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Release implements [media.Track]. The generator keeps running; it belongs
// to whoever created the track.
func (v *Video) Release() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.releases++
	return nil
}

// Releases returns how many times Release was called.
func (v *Video) Releases() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.releases
}

// LatestFrame implements [media.VideoTrack].
func (v *Video) LatestFrame() (media.VideoFrame, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.frame, true
}

func (v *Video) render(n int) *image.RGBA {
	w, h := v.cfg.Width, v.cfg.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	switch v.cfg.Pattern {
	case PatternColorBars:
		drawBars(img)
	case PatternGradient:
		for x := range w {
			l := uint8(x * 255 / max(w-1, 1))
			fillRect(img, image.Rect(x, 0, x+1, h), color.RGBA{R: l, G: l, B: l, A: 255})
		}
	case PatternCheckerboard:
		const size = 32
		for y := 0; y < h; y += size {
			for x := 0; x < w; x += size {
				c := color.RGBA{A: 255}
				if (x/size+y/size)%2 == 0 {
					c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
				}
				fillRect(img, image.Rect(x, y, x+size, y+size), c)
			}
		}
	case PatternSolid:
		fillRect(img, img.Bounds(), v.cfg.Color)
	case PatternMovingBox:
		fillRect(img, img.Bounds(), v.cfg.Color)
		box := min(w, h) / 4
		span := max(w-box, 1)
		x := n * 4 % (2 * span)
		if x > span {
			x = 2*span - x
		}
		y := (h - box) / 2
		fillRect(img, image.Rect(x, y, x+box, y+box), color.RGBA{R: 255, G: 255, B: 255, A: 255})
	}
	return img
}

var barColors = []color.RGBA{
	{R: 192, G: 192, B: 192, A: 255},
	{R: 192, G: 192, A: 255},
	{G: 192, B: 192, A: 255},
	{G: 192, A: 255},
	{R: 192, B: 192, A: 255},
	{R: 192, A: 255},
	{B: 192, A: 255},
}

func drawBars(img *image.RGBA) {
	b := img.Bounds()
	for i, c := range barColors {
		x0 := b.Dx() * i / len(barColors)
		x1 := b.Dx() * (i + 1) / len(barColors)
		fillRect(img, image.Rect(x0, 0, x1, b.Dy()), c)
	}
}

func fillRect(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	r = r.Intersect(img.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		off := img.PixOffset(r.Min.X, y)
		for x := r.Min.X; x < r.Max.X; x++ {
			img.Pix[off] = c.R
			img.Pix[off+1] = c.G
			img.Pix[off+2] = c.B
			img.Pix[off+3] = c.A
			off += 4
		}
	}
}
