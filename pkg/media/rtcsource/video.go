package rtcsource

import (
	"bytes"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
	"golang.org/x/image/vp8"

	"github.com/MrWong99/reelmix/pkg/media"
)

// videoClockRate is the RTP clock of every video codec.
const videoClockRate = 90000

// DecodeFunc turns one reassembled VP8 frame into a picture. Returning a nil
// image and nil error keeps the previous picture.
type DecodeFunc func(frame []byte) (image.Image, error)

// DecodeVP8Keyframes returns a decoder that renders VP8 key frames and
// skips inter frames, so the picture refreshes once per key frame. Pass a
// full decoder through [WithDecoder] for smooth video.
func DecodeVP8Keyframes() DecodeFunc {
	dec := vp8.NewDecoder()
	return func(frame []byte) (image.Image, error) {
		dec.Init(bytes.NewReader(frame), len(frame))
		fh, err := dec.DecodeFrameHeader()
		if err != nil {
			return nil, err
		}
		if !fh.KeyFrame {
			return nil, nil
		}
		return dec.DecodeFrame()
	}
}

// VideoTrack reassembles a remote VP8 track and keeps its latest decoded
// picture.
type VideoTrack struct {
	id     string
	reader RTPReader
	decode DecodeFunc
	sb     *samplebuilder.SampleBuilder
	logger *slog.Logger

	mu       sync.Mutex
	frame    media.VideoFrame
	hasFrame bool
	state    media.TrackState
	releases int
	decoded  int
	failed   int
	err      error
	done     chan struct{}
}

var _ media.VideoTrack = (*VideoTrack)(nil)

// NewVideoTrack starts reading r. The track ends when r returns an error.
func NewVideoTrack(id string, r RTPReader, opts ...Option) *VideoTrack {
	o := buildOptions(opts)
	t := &VideoTrack{
		id:     id,
		reader: r,
		decode: o.decode,
		sb:     samplebuilder.New(o.maxLate, &codecs.VP8Packet{}, videoClockRate),
		logger: o.logger.With("component", "rtcsource", "track", id, "kind", "video"),
		done:   make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *VideoTrack) run() {
	defer close(t.done)

	var base uint32
	var seen bool
	for {
		pkt, _, err := t.reader.ReadRTP()
		if err != nil {
			t.finish(err)
			return
		}
		t.sb.Push(pkt)
		for s := t.sb.Pop(); s != nil; s = t.sb.Pop() {
			if !seen {
				base, seen = s.PacketTimestamp, true
			}
			img, err := t.decode(s.Data)
			t.mu.Lock()
			switch {
			case err != nil:
				t.failed++
			case img != nil:
				t.decoded++
				t.frame = media.VideoFrame{
					Image:     img,
					Timestamp: time.Duration(s.PacketTimestamp-base) * time.Second / videoClockRate,
				}
				t.hasFrame = true
			}
			t.mu.Unlock()
			if err != nil {
				t.logger.Debug("dropping undecodable frame", "err", err)
			}
		}
	}
}

func (t *VideoTrack) finish(err error) {
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
func (t *VideoTrack) ID() string { return t.id }

// State implements [media.Track].
func (t *VideoTrack) State() media.TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LatestFrame implements [media.VideoTrack].
func (t *VideoTrack) LatestFrame() (media.VideoFrame, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frame, t.hasFrame
}

// Release implements [media.Track]. The remote track keeps running.
func (t *VideoTrack) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releases++
	return nil
}

// Releases returns how many times Release was called.
func (t *VideoTrack) Releases() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.releases
}

// Stats returns the number of decoded and undecodable frames.
func (t *VideoTrack) Stats() (decoded, failed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.decoded, t.failed
}

// Err returns the read error that ended the track, or nil when the remote
// ended normally or is still live.
func (t *VideoTrack) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed when the read loop has exited.
func (t *VideoTrack) Done() <-chan struct{} { return t.done }
