package media

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// AudioFrame is a block of interleaved signed 16-bit little-endian PCM.
type AudioFrame struct {
	// Data holds the interleaved samples.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels is 1 for mono, 2 for stereo.
	Channels int

	// Timestamp is the capture time relative to the stream start.
	Timestamp time.Duration
}

// Format returns the sample rate and channel count of the frame.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// SamplesPerChannel returns the number of sample frames held in Data.
func (f AudioFrame) SamplesPerChannel() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / (2 * f.Channels)
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.SamplesPerChannel()) * time.Second / time.Duration(f.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Validate reports whether the format can be mixed.
func (f Format) Validate() error {
	if f.SampleRate < 8000 || f.SampleRate > 192000 {
		return fmt.Errorf("media: sample rate %d out of range [8000, 192000]", f.SampleRate)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("media: unsupported channel count %d", f.Channels)
	}
	return nil
}

// BytesPer returns the PCM byte length of d at this format.
func (f Format) BytesPer(d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * f.Channels * 2
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// FormatConverter converts frames to a fixed target format. It logs once on
// the first mismatch. One converter serves one input; it is not safe for
// concurrent use.
type FormatConverter struct {
	Target Format
	Logger *slog.Logger

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

func (c *FormatConverter) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Convert returns frame in the target format. Frames that already match are
// returned untouched. Frames with a torn sample are returned with nil Data.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if len(frame.Data)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			c.logger().Warn("pcm converter: odd byte count, dropping frame",
				"bytes", len(frame.Data),
				"format", frame.Format().String(),
			)
		})
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}
	if frame.Format() == c.Target {
		return frame
	}

	c.warnedMismatch.Do(func() {
		c.logger().Debug("pcm converter: converting input",
			"from", frame.Format().String(),
			"to", c.Target.String(),
		)
	})

	// Resample before changing the channel layout so a stereo-to-mono input
	// is only resampled once per sample frame.
	pcm := frame.Data
	if frame.SampleRate != c.Target.SampleRate {
		pcm = Resample16(pcm, frame.Channels, frame.SampleRate, c.Target.SampleRate)
	}
	switch {
	case frame.Channels == 1 && c.Target.Channels == 2:
		pcm = MonoToStereo(pcm)
	case frame.Channels == 2 && c.Target.Channels == 1:
		pcm = StereoToMono(pcm)
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

// Sample reads the i-th int16 sample from pcm.
func Sample(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

// PutSample writes v as the i-th int16 sample of pcm.
func PutSample(pcm []byte, i int, v int16) {
	binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
}

// Clamp16 saturates v to the int16 range.
func Clamp16(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	default:
		return int16(v)
	}
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := range n {
		s := Sample(pcm, i)
		PutSample(out, 2*i, s)
		PutSample(out, 2*i+1, s)
	}
	return out
}

// StereoToMono averages each L+R pair.
func StereoToMono(pcm []byte) []byte {
	n := len(pcm) / 4
	out := make([]byte, n*2)
	for i := range n {
		l := int32(Sample(pcm, 2*i))
		r := int32(Sample(pcm, 2*i+1))
		PutSample(out, i, Clamp16((l+r)/2))
	}
	return out
}

// Resample16 resamples interleaved int16 PCM with the given channel count from
// srcRate to dstRate using linear interpolation. Input is returned unchanged
// when the rates match or are invalid.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*channels*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for ch := range channels {
			s0 := float64(Sample(pcm, idx*channels+ch))
			s1 := float64(Sample(pcm, next*channels+ch))
			PutSample(out, i*channels+ch, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

// Drain reads from ch until it is closed, discarding every value.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
