// Package rtcsource adapts WebRTC remote tracks into [media.AudioTrack] and
// [media.VideoTrack] so remote participants can be recorded.
//
// Both adapters read RTP from an [RTPReader], usually a
// *webrtc.TrackRemote, on their own goroutine until the reader fails. The
// remote track and its peer connection stay owned by the caller: Release
// only counts the detach and never stops the reader.
package rtcsource

import (
	"errors"
	"io"
	"log/slog"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// RTPReader is the read side of a remote track.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

var _ RTPReader = (*webrtc.TrackRemote)(nil)

// Option configures the adapters.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	buffer  int
	maxLate uint16
	decode  DecodeFunc
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBuffer sets how many decoded audio frames are queued before new ones
// are dropped. Default 50 (one second of 20 ms frames).
func WithBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// WithMaxLate sets how many packets the video sample builder waits for a
// missing packet before giving up on a frame. Default 64.
func WithMaxLate(n uint16) Option {
	return func(o *options) {
		if n > 0 {
			o.maxLate = n
		}
	}
}

// WithDecoder replaces the video frame decoder. Default [DecodeVP8Keyframes].
func WithDecoder(fn DecodeFunc) Option {
	return func(o *options) { o.decode = fn }
}

func buildOptions(opts []Option) options {
	o := options{buffer: 50, maxLate: 64}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.decode == nil {
		o.decode = DecodeVP8Keyframes()
	}
	return o
}

// ended reports whether err means the remote will send nothing more.
func ended(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}
