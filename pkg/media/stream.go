package media

import "image"

// VideoStream is a derived video output produced by the compositor.
type VideoStream interface {
	// Frames delivers composited frames. The channel is closed when the
	// producer stops.
	Frames() <-chan VideoFrame

	// Bounds is the canvas rectangle every frame is drawn onto.
	Bounds() image.Rectangle

	// FrameRate is the nominal number of frames per second.
	FrameRate() int
}

// AudioStream is a derived audio output produced by the mixing graph.
type AudioStream interface {
	// Frames delivers mixed PCM. The channel is closed when the graph closes.
	Frames() <-chan AudioFrame

	// Format is the fixed output format of every frame.
	Format() Format
}

// MixedOutput pairs the composited video with the mixed audio of a session.
// Audio is nil when no source contributed an audio track or the mixing graph
// could not be built.
type MixedOutput struct {
	Video VideoStream
	Audio AudioStream
}

// HasAudio reports whether the output carries an audio track.
func (m MixedOutput) HasAudio() bool { return m.Audio != nil }

// Assemble combines the compositor output and the optional mixer output into a
// single [MixedOutput]. Pass a nil interface, not a typed nil pointer, when
// there is no audio.
func Assemble(video VideoStream, audio AudioStream) MixedOutput {
	return MixedOutput{Video: video, Audio: audio}
}
