// Package mock provides in-memory implementations of [media.VideoTrack] and
// [media.AudioTrack] for unit tests.
//
// All mocks are safe for concurrent use. They count Release calls and expose
// exported fields that control return values.
//
// Typical usage:
//
//	v := mock.NewVideoTrack("cam-1")
//	v.SetFrame(img)
//	src := media.Source{ID: "alice", Video: v}
//	// ... run a session ...
//	if v.ReleaseCount() != 1 { ... }
package mock

import (
	"image"
	"sync"
	"time"

	"github.com/MrWong99/reelmix/pkg/media"
)

// ─── VideoTrack ───────────────────────────────────────────────────────────────

// VideoTrack is a mock [media.VideoTrack].
type VideoTrack struct {
	mu sync.Mutex

	id       string
	frame    media.VideoFrame
	hasFrame bool
	state    media.TrackState
	releases int

	// ReleaseError is returned by [VideoTrack.Release].
	ReleaseError error
}

var _ media.VideoTrack = (*VideoTrack)(nil)

// NewVideoTrack returns a live track with no frame yet.
func NewVideoTrack(id string) *VideoTrack {
	return &VideoTrack{id: id}
}

// NewSolidVideoTrack returns a live track whose latest frame is a w×h image
// filled with c.
func NewSolidVideoTrack(id string, w, h int, c Color) *VideoTrack {
	t := NewVideoTrack(id)
	t.SetFrame(Solid(w, h, c))
	return t
}

// ID implements [media.Track].
func (t *VideoTrack) ID() string { return t.id }

// State implements [media.Track].
func (t *VideoTrack) State() media.TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Release implements [media.Track]. Returns ReleaseError.
func (t *VideoTrack) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releases++
	return t.ReleaseError
}

// ReleaseCount returns how many times Release was called.
func (t *VideoTrack) ReleaseCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.releases
}

// LatestFrame implements [media.VideoTrack].
func (t *VideoTrack) LatestFrame() (media.VideoFrame, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frame, t.hasFrame
}

// SetFrame replaces the latest frame.
func (t *VideoTrack) SetFrame(img image.Image) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frame = media.VideoFrame{Image: img}
	t.hasFrame = true
}

// End marks the track as ended.
func (t *VideoTrack) End() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = media.TrackEnded
}

// ─── AudioTrack ───────────────────────────────────────────────────────────────

// AudioTrack is a mock [media.AudioTrack] backed by a buffered channel that the
// test feeds through [AudioTrack.Push].
type AudioTrack struct {
	mu sync.Mutex

	id       string
	format   media.Format
	ch       chan media.AudioFrame
	state    media.TrackState
	releases int
	ended    bool

	// ReleaseError is returned by [AudioTrack.Release].
	ReleaseError error
}

var _ media.AudioTrack = (*AudioTrack)(nil)

// NewAudioTrack returns a live track with the given native format.
func NewAudioTrack(id string, format media.Format) *AudioTrack {
	return &AudioTrack{id: id, format: format, ch: make(chan media.AudioFrame, 64)}
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

// Release implements [media.Track]. Returns ReleaseError. The frame channel is
// left open; only [AudioTrack.End] closes it.
func (t *AudioTrack) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releases++
	return t.ReleaseError
}

// ReleaseCount returns how many times Release was called.
func (t *AudioTrack) ReleaseCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.releases
}

// Push enqueues a frame of the given samples in the track's native format.
// It is a no-op after End.
func (t *AudioTrack) Push(samples []int16, ts time.Duration) {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		media.PutSample(data, i, s)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return
	}
	t.ch <- media.AudioFrame{
		Data:       data,
		SampleRate: t.format.SampleRate,
		Channels:   t.format.Channels,
		Timestamp:  ts,
	}
}

// End marks the track as ended and closes its frame channel. Safe to call
// more than once.
func (t *AudioTrack) End() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return
	}
	t.ended = true
	t.state = media.TrackEnded
	close(t.ch)
}
