package testsrc

import (
	"context"
	"math"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/MrWong99/reelmix/pkg/media"
)

// FramePeriod is the length of every PCM frame a [Tone] emits.
const FramePeriod = 20 * time.Millisecond

// ToneConfig configures a synthetic sine-wave audio track.
type ToneConfig struct {
	Frequency float64      // Hz, default 440
	Amplitude float64      // 0..1, default 0.25
	Format    media.Format // default 48 kHz mono
}

func (c *ToneConfig) applyDefaults() {
	if c.Frequency <= 0 {
		c.Frequency = 440
	}
	if c.Amplitude <= 0 || c.Amplitude > 1 {
		c.Amplitude = 0.25
	}
	if c.Format.SampleRate <= 0 {
		c.Format.SampleRate = 48000
	}
	if c.Format.Channels <= 0 {
		c.Format.Channels = 1
	}
}

// Tone is a synthetic [media.AudioTrack] producing a continuous sine wave in
// [FramePeriod] frames. Frames are dropped when the consumer falls behind.
type Tone struct {
	id  string
	cfg ToneConfig
	clk clock.WithTicker
	ch  chan media.AudioFrame

	mu       sync.Mutex
	phase    float64
	sent     int
	state    media.TrackState
	releases int
	cancel   context.CancelFunc
	done     chan struct{}
}

var _ media.AudioTrack = (*Tone)(nil)

// NewTone creates a synthetic audio track.
func NewTone(id string, cfg ToneConfig, opts ...Option) *Tone {
	cfg.applyDefaults()
	o := buildOptions(opts)
	return &Tone{id: id, cfg: cfg, clk: o.clock, ch: make(chan media.AudioFrame, 16)}
}

// Start launches the generator. It runs until ctx is cancelled or
// [Tone.End] is called. Calling Start twice is a no-op.
func (t *Tone) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil || t.state == media.TrackEnded {
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	ticker := t.clk.NewTicker(FramePeriod)
	go t.loop(ctx, ticker)
}

func (t *Tone) loop(ctx context.Context, ticker clock.Ticker) {
	defer close(t.done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			frame := t.next()
			select {
			case t.ch <- frame:
			default:
			}
		}
	}
}

// next renders one frame and advances the oscillator.
func (t *Tone) next() media.AudioFrame {
	t.mu.Lock()
	defer t.mu.Unlock()

	f := t.cfg.Format
	n := f.SampleRate * int(FramePeriod) / int(time.Second)
	data := make([]byte, n*f.Channels*2)
	step := 2 * math.Pi * t.cfg.Frequency / float64(f.SampleRate)
	for i := range n {
		v := int16(t.cfg.Amplitude * 32767 * math.Sin(t.phase))
		for ch := range f.Channels {
			media.PutSample(data, i*f.Channels+ch, v)
		}
		t.phase += step
	}
	t.phase = math.Mod(t.phase, 2*math.Pi)
	ts := time.Duration(t.sent) * FramePeriod
	t.sent++
	return media.AudioFrame{Data: data, SampleRate: f.SampleRate, Channels: f.Channels, Timestamp: ts}
}

// End stops the generator, marks the track ended and closes the frame channel.
func (t *Tone) End() {
	t.mu.Lock()
	if t.state == media.TrackEnded {
		t.mu.Unlock()
		return
	}
	t.state = media.TrackEnded
	cancel, done := t.cancel, t.done
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	close(t.ch)
}

// ID implements [media.Track].
func (t *Tone) ID() string { return t.id }

// Format implements [media.AudioTrack].
func (t *Tone) Format() media.Format { return t.cfg.Format }

// Frames implements [media.AudioTrack].
func (t *Tone) Frames() <-chan media.AudioFrame { return t.ch }

// State implements [media.Track].
func (t *Tone) State() media.TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Release implements [media.Track]. The generator keeps running.
func (t *Tone) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releases++
	return nil
}

// Releases returns how many times Release was called.
func (t *Tone) Releases() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.releases
}
