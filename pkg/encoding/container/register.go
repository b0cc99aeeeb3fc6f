package container

import (
	"errors"
	"fmt"

	"github.com/MrWong99/reelmix/pkg/encoding"
	"github.com/MrWong99/reelmix/pkg/media/opus"
)

// Descriptors produced by this package.
const (
	MatroskaMJPEGOpus encoding.Descriptor = `video/x-matroska;codecs="mjpeg,opus"`
	MP4MJPEGOpus      encoding.Descriptor = `video/mp4;codecs="mjpeg,opus"`
	MP4MJPEGLPCM      encoding.Descriptor = `video/mp4;codecs="mjpeg,lpcm"`
)

// DefaultPreferences is the preference order used when none is configured.
// The WebM entries are not produced by any registered capability and are
// negotiated away on this platform.
func DefaultPreferences() []encoding.Descriptor {
	return []encoding.Descriptor{
		`video/webm;codecs="vp9,opus"`,
		`video/webm;codecs="vp8,opus"`,
		MatroskaMJPEGOpus,
		MP4MJPEGOpus,
		MP4MJPEGLPCM,
	}
}

// New creates an encoder for one of the descriptors of this package.
func New(d encoding.Descriptor, p encoding.Params, opts ...Option) (*Encoder, error) {
	o := buildOptions(opts)
	switch {
	case d.Equal(MatroskaMJPEGOpus):
		return newEncoder(MatroskaMJPEGOpus, p, newMKVMuxer, o), nil
	case d.Equal(MP4MJPEGOpus):
		return newEncoder(MP4MJPEGOpus, p, newFMP4Muxer(true), o), nil
	case d.Equal(MP4MJPEGLPCM):
		return newEncoder(MP4MJPEGLPCM, p, newFMP4Muxer(false), o), nil
	default:
		return nil, fmt.Errorf("%w: %s", encoding.ErrUnsupported, d)
	}
}

// opusAudio rejects sessions whose mixed audio Opus cannot carry.
func opusAudio(p encoding.Params) error {
	return opus.Supported(p.Audio)
}

// Register adds the capabilities of this package to reg. The LPCM variant
// has no native dependency and is the platform default.
func Register(reg *encoding.Registry, opts ...Option) error {
	caps := []encoding.Capability{
		{
			Descriptor:  MatroskaMJPEGOpus,
			Description: "Matroska, Motion JPEG video, Opus audio",
			Probe:       opus.Probe,
			Accepts:     opusAudio,
		},
		{
			Descriptor:  MP4MJPEGOpus,
			Description: "Fragmented MP4, Motion JPEG video, Opus audio",
			Probe:       opus.Probe,
			Accepts:     opusAudio,
		},
		{
			Descriptor:  MP4MJPEGLPCM,
			Description: "Fragmented MP4, Motion JPEG video, 16-bit PCM audio",
			Default:     true,
		},
	}
	var errs []error
	for _, c := range caps {
		d := c.Descriptor
		c.New = func(p encoding.Params) (encoding.Encoder, error) {
			return New(d, p, opts...)
		}
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
