package rtcsource

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/rtp/codecs"

	"github.com/MrWong99/reelmix/pkg/media"
	"github.com/MrWong99/reelmix/pkg/media/opus"
)

// opusClockRate is the RTP clock of every Opus stream, regardless of the
// decoded sample rate.
const opusClockRate = 48000

// AudioTrack decodes a remote Opus track into PCM.
type AudioTrack struct {
	id     string
	reader RTPReader
	format media.Format
	dec    *opus.Decoder
	ch     chan media.AudioFrame
	logger *slog.Logger

	mu       sync.Mutex
	state    media.TrackState
	releases int
	dropped  int
	err      error
	done     chan struct{}
}

var _ media.AudioTrack = (*AudioTrack)(nil)

// NewAudioTrack starts decoding r into PCM of format f. The track ends when
// r returns an error.
func NewAudioTrack(id string, r RTPReader, f media.Format, opts ...Option) (*AudioTrack, error) {
	dec, err := opus.NewDecoder(f)
	if err != nil {
		return nil, fmt.Errorf("rtcsource: audio track %q: %w", id, err)
	}
	o := buildOptions(opts)
	t := &AudioTrack{
		id:     id,
		reader: r,
		format: f,
		dec:    dec,
		ch:     make(chan media.AudioFrame, o.buffer),
		logger: o.logger.With("component", "rtcsource", "track", id, "kind", "audio"),
		done:   make(chan struct{}),
	}
	go t.run()
	return t, nil
}

func (t *AudioTrack) run() {
	defer close(t.done)
	defer close(t.ch)

	var (
		depack codecs.OpusPacket
		base   uint32
		seen   bool
	)
	for {
		pkt, _, err := t.reader.ReadRTP()
		if err != nil {
			t.finish(err)
			return
		}
		payload, err := depack.Unmarshal(pkt.Payload)
		if err != nil || len(payload) == 0 {
			continue
		}
		pcm, err := t.dec.Decode(payload)
		if err != nil {
			t.logger.Debug("dropping undecodable packet", "seq", pkt.SequenceNumber, "err", err)
			continue
		}
		if !seen {
			base, seen = pkt.Timestamp, true
		}
		frame := media.AudioFrame{
			Data:       pcm,
			SampleRate: t.format.SampleRate,
			Channels:   t.format.Channels,
			Timestamp:  time.Duration(pkt.Timestamp-base) * time.Second / opusClockRate,
		}
		select {
		case t.ch <- frame:
		default:
			t.mu.Lock()
			t.dropped++
			t.mu.Unlock()
		}
	}
}

func (t *AudioTrack) finish(err error) {
	t.mu.Lock()
	t.state = media.TrackEnded
	if !ended(err) {
		t.err = err
	}
	t.mu.Unlock()
	if ended(err) {
		t.logger.Debug("remote track ended")
	} else {
		t.logger.Warn("remote track failed", "err", err)
	}
}

// ID implements [media.Track].
func (t *AudioTrack) ID() string { return t.id }

// Format implements [media.AudioTrack].
func (t *AudioTrack) Format() media.Format { return t.format }

// Frames implements [media.AudioTrack].
func (t *AudioTrack) Frames() <-chan media.AudioFrame { return t.ch }

// State implements [media.Track].
func (t *AudioTrack) State() media.TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Release implements [media.Track]. The remote track keeps running.
func (t *AudioTrack) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releases++
	return nil
}

// Releases returns how many times Release was called.
func (t *AudioTrack) Releases() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.releases
}

// Dropped returns how many decoded frames were discarded because the
// consumer fell behind.
func (t *AudioTrack) Dropped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Err returns the read error that ended the track, or nil when the remote
// ended normally or is still live.
func (t *AudioTrack) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed when the read loop has exited.
func (t *AudioTrack) Done() <-chan struct{} { return t.done }
