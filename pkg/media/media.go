// Package media defines the track, source and stream types that flow through
// the recorder.
//
// The input side is a list of [Source] values, each contributing at most one
// [VideoTrack] and at most one [AudioTrack]. Tracks are owned by whoever
// supplied them: a recording session only ever calls [Track.Release] to detach
// itself, it never stops the underlying device or remote transport.
//
// The output side is a [MixedOutput], the pairing of one composited
// [VideoStream] with at most one mixed [AudioStream], built by [Assemble].
//
// This package lives under pkg/ because transport adapters outside this module
// are expected to implement [VideoTrack] and [AudioTrack].
package media

import (
	"cmp"
	"errors"
	"fmt"
	"image"
	"slices"
	"time"
)

// Role tells whether a source is captured on this machine or received from a
// remote participant. It does not influence layout or mixing.
type Role int

const (
	// RoleLocal marks a source captured from a local device.
	RoleLocal Role = iota

	// RoleRemote marks a source received from another participant.
	RoleRemote
)

// String returns the human-readable name of the role.
func (r Role) String() string {
	switch r {
	case RoleLocal:
		return "local"
	case RoleRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// TrackState is the lifecycle state of a live track.
type TrackState int

const (
	// TrackLive means the track is still producing media.
	TrackLive TrackState = iota

	// TrackEnded means the track will never produce media again.
	TrackEnded
)

// String returns the human-readable name of the state.
func (s TrackState) String() string {
	switch s {
	case TrackLive:
		return "live"
	case TrackEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Track is the behaviour shared by video and audio tracks.
type Track interface {
	// ID uniquely identifies the track within its supplier.
	ID() string

	// State reports whether the track is still live.
	State() TrackState

	// Release detaches the caller from the track. It must not stop the
	// underlying capture device; that belongs to the supplier.
	Release() error
}

// VideoFrame is one decoded picture.
type VideoFrame struct {
	// Image holds the pixels. Consumers must treat it as read-only.
	Image image.Image

	// Timestamp is the presentation time relative to the stream start.
	Timestamp time.Duration
}

// VideoTrack is a live video input.
type VideoTrack interface {
	Track

	// LatestFrame returns the most recently decoded frame. ok is false until
	// the track has produced its first frame.
	LatestFrame() (frame VideoFrame, ok bool)
}

// AudioTrack is a live audio input delivering signed 16-bit little-endian PCM.
type AudioTrack interface {
	Track

	// Frames returns the PCM stream. The channel is closed when the track ends.
	Frames() <-chan AudioFrame

	// Format reports the native sample rate and channel count of the track.
	Format() Format
}

// Source is one participant's contribution to a recording.
type Source struct {
	// ID identifies the participant.
	ID string

	// Role is informational.
	Role Role

	// Order is the registration order. Sources with equal Order keep the order
	// in which they were passed in.
	Order int

	// Video is nil when the participant has no camera.
	Video VideoTrack

	// Audio is nil when the participant has no microphone.
	Audio AudioTrack
}

// TrackIDs returns the IDs of the tracks attached to s.
func (s Source) TrackIDs() []string {
	var ids []string
	if s.Video != nil {
		ids = append(ids, s.Video.ID())
	}
	if s.Audio != nil {
		ids = append(ids, s.Audio.ID())
	}
	return ids
}

// Release releases every track attached to s. All tracks are attempted even
// when an earlier one fails.
func (s Source) Release() error {
	var errs []error
	if s.Video != nil {
		if err := s.Video.Release(); err != nil {
			errs = append(errs, fmt.Errorf("video track %q: %w", s.Video.ID(), err))
		}
	}
	if s.Audio != nil {
		if err := s.Audio.Release(); err != nil {
			errs = append(errs, fmt.Errorf("audio track %q: %w", s.Audio.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// SortSources returns a copy of sources stably ordered by [Source.Order].
func SortSources(sources []Source) []Source {
	out := slices.Clone(sources)
	slices.SortStableFunc(out, func(a, b Source) int { return cmp.Compare(a.Order, b.Order) })
	return out
}
