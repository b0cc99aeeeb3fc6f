// Package encoding negotiates a recording format against a capability table
// and defines the chunked [Encoder] contract implemented by the container
// packages.
package encoding

import (
	"context"
	"errors"
	"mime"
	"strings"
	"time"

	"github.com/MrWong99/reelmix/pkg/media"
)

// Descriptor is a MIME type with an optional codecs parameter, for example
// `video/mp4;codecs="mjpeg,opus"`.
type Descriptor string

// UseDefault is returned by [Negotiate] when no preference is supported. The
// caller should then fall back to the platform default.
const UseDefault Descriptor = ""

// ErrMalformedDescriptor is returned by [Descriptor.Parse] for strings that
// are not valid media types.
var ErrMalformedDescriptor = errors.New("encoding: malformed descriptor")

// Parse splits d into its lower-cased media type and codec list.
func (d Descriptor) Parse() (mediaType string, codecs []string, err error) {
	mt, params, err := mime.ParseMediaType(string(d))
	if err != nil {
		return "", nil, errors.Join(ErrMalformedDescriptor, err)
	}
	if c, ok := params["codecs"]; ok {
		for _, part := range strings.Split(c, ",") {
			if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
				codecs = append(codecs, part)
			}
		}
	}
	return mt, codecs, nil
}

// Equal reports whether d and other name the same media type and the same
// codecs in the same order, ignoring case and whitespace.
func (d Descriptor) Equal(other Descriptor) bool {
	mt1, c1, err := d.Parse()
	if err != nil {
		return false
	}
	mt2, c2, err := other.Parse()
	if err != nil {
		return false
	}
	if mt1 != mt2 || len(c1) != len(c2) {
		return false
	}
	for i := range c1 {
		if c1[i] != c2[i] {
			return false
		}
	}
	return true
}

// MediaType returns the bare media type, or the raw string when d does not
// parse.
func (d Descriptor) MediaType() string {
	mt, _, err := d.Parse()
	if err != nil {
		return string(d)
	}
	return mt
}

// String implements fmt.Stringer.
func (d Descriptor) String() string {
	if d == UseDefault {
		return "<default>"
	}
	return string(d)
}

// Negotiate returns the first descriptor in prefs for which supported
// returns true, or [UseDefault] when none is. It has no side effects.
func Negotiate(prefs []Descriptor, supported func(Descriptor) bool) Descriptor {
	for _, d := range prefs {
		if supported(d) {
			return d
		}
	}
	return UseDefault
}

// Chunk is one slice of encoded output. Concatenating every chunk of a
// session in Seq order yields a playable file.
type Chunk struct {
	// Seq starts at 0 and increases by one per chunk.
	Seq int

	// Data may be empty when nothing was muxed during the timeslice.
	Data []byte

	// Final is set on the last chunk, emitted after the encoder finalized.
	Final bool
}

// Encoder turns a [media.MixedOutput] into a sequence of [Chunk] values.
//
// Implementations emit one chunk per timeslice while running. After
// [Encoder.Stop] they finalize the container, emit a Final chunk and close
// the channel returned by [Encoder.Chunks]. If encoding fails, the channel
// is closed without a Final chunk and [Encoder.Err] reports the cause.
type Encoder interface {
	// MIMEType is the descriptor of the produced container.
	MIMEType() Descriptor

	// Start begins consuming out. It must not block.
	Start(ctx context.Context, out media.MixedOutput, timeslice time.Duration) error

	// Chunks delivers encoded chunks in emission order.
	Chunks() <-chan Chunk

	// Stop asks the encoder to finalize. It returns immediately; completion
	// is signalled by Chunks closing.
	Stop()

	// Err returns the fault that aborted encoding, if any. Only meaningful
	// after Chunks has closed.
	Err() error
}
