// Package opus wraps the libopus bindings with the framing the recorder
// needs: a streaming encoder that cuts arbitrary PCM into 20 ms packets and
// a per-stream decoder.
package opus

import (
	"encoding/binary"
	"fmt"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/reelmix/pkg/media"
)

// FrameDuration is the length of every encoded packet.
const FrameDuration = 20 * time.Millisecond

// maxPacketBytes bounds a single encoded packet.
const maxPacketBytes = 4000

// maxPacketDuration is the longest frame a single Opus packet can carry.
const maxPacketDuration = 120 * time.Millisecond

// Supported reports whether libopus accepts f.
func Supported(f media.Format) error {
	switch f.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("opus: unsupported sample rate %d", f.SampleRate)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("opus: unsupported channel count %d", f.Channels)
	}
	return nil
}

// Probe checks that an encoder can be created on this platform.
func Probe() error {
	_, err := gopus.NewEncoder(48000, 2, gopus.Audio)
	if err != nil {
		return fmt.Errorf("opus: create probe encoder: %w", err)
	}
	return nil
}

// Packet is one encoded Opus frame.
type Packet struct {
	Data []byte

	// Timestamp is the presentation time of the first sample.
	Timestamp time.Duration

	// Samples is the per-channel sample count (960 at 48 kHz).
	Samples int
}

// Encoder buffers PCM and emits one [Packet] per complete frame.
// Not safe for concurrent use.
type Encoder struct {
	enc     *gopus.Encoder
	format  media.Format
	frame   int // samples per channel per packet
	pending []int16
	sent    int
}

// NewEncoder creates an encoder for f.
func NewEncoder(f media.Format, bitrate int) (*Encoder, error) {
	if err := Supported(f); err != nil {
		return nil, err
	}
	enc, err := gopus.NewEncoder(f.SampleRate, f.Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	if bitrate > 0 {
		enc.SetBitrate(bitrate)
	}
	return &Encoder{
		enc:    enc,
		format: f,
		frame:  f.SampleRate * int(FrameDuration) / int(time.Second),
	}, nil
}

// Format returns the PCM format the encoder accepts.
func (e *Encoder) Format() media.Format { return e.format }

// FrameSamples returns the per-channel sample count of every packet.
func (e *Encoder) FrameSamples() int { return e.frame }

// Write appends little-endian PCM and returns every packet that became
// complete. Leftover samples stay buffered for the next call.
func (e *Encoder) Write(pcm []byte) ([]Packet, error) {
	for i := 0; i+1 < len(pcm); i += 2 {
		e.pending = append(e.pending, int16(binary.LittleEndian.Uint16(pcm[i:])))
	}
	var out []Packet
	step := e.frame * e.format.Channels
	for len(e.pending) >= step {
		data, err := e.enc.Encode(e.pending[:step], e.frame, maxPacketBytes)
		if err != nil {
			return out, fmt.Errorf("opus: encode: %w", err)
		}
		out = append(out, Packet{
			Data:      data,
			Timestamp: time.Duration(e.sent) * FrameDuration,
			Samples:   e.frame,
		})
		e.sent++
		e.pending = e.pending[step:]
	}
	return out, nil
}

// Decoder turns Opus packets of any frame duration back into PCM. Not safe
// for concurrent use.
type Decoder struct {
	dec    *gopus.Decoder
	format media.Format
	frame  int // capacity in samples per channel
}

// NewDecoder creates a decoder producing f.
func NewDecoder(f media.Format) (*Decoder, error) {
	if err := Supported(f); err != nil {
		return nil, err
	}
	dec, err := gopus.NewDecoder(f.SampleRate, f.Channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{dec: dec, format: f, frame: f.SampleRate * int(maxPacketDuration) / int(time.Second)}, nil
}

// Decode decodes one packet into little-endian PCM.
func (d *Decoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, d.frame, false)
	if err != nil {
		return nil, fmt.Errorf("opus: decode: %w", err)
	}
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out, nil
}

// Head returns the 19-byte OpusHead identification header stored as codec
// private data by Matroska and WebM.
func Head(f media.Format) []byte {
	h := make([]byte, 19)
	copy(h, "OpusHead")
	h[8] = 1 // version
	h[9] = byte(f.Channels)
	binary.LittleEndian.PutUint16(h[10:], 3840) // pre-skip, 80 ms at 48 kHz
	binary.LittleEndian.PutUint32(h[12:], uint32(f.SampleRate))
	binary.LittleEndian.PutUint16(h[16:], 0) // output gain
	h[18] = 0                                // channel mapping family
	return h
}
