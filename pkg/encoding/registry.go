package encoding

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/reelmix/pkg/media"
)

// Params carries the session parameters an encoder is built for.
type Params struct {
	// Audio is the PCM format of MixedOutput.Audio, if present.
	Audio media.Format

	// JPEGQuality is used by encoders that store frames as JPEG (1-100).
	JPEGQuality int
}

// Factory builds a fresh encoder for one session.
type Factory func(p Params) (Encoder, error)

// Capability is one entry of the capability table.
type Capability struct {
	// Descriptor is the format this capability produces.
	Descriptor Descriptor

	// Description is a short human-readable summary.
	Description string

	// Probe verifies at runtime that the capability is usable on this
	// platform. Nil means always usable.
	Probe func() error

	// Accepts reports why the capability cannot record a session with the
	// given parameters. Nil accepts every session.
	Accepts func(p Params) error

	// New builds the encoder.
	New Factory

	// Default marks the platform default used when negotiation is exhausted.
	Default bool
}

// ErrUnsupported is returned by [Registry.New] for descriptors that no
// registered capability can produce.
var ErrUnsupported = errors.New("encoding: unsupported descriptor")

// Registry is the capability table. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	caps  []Capability
	probe map[Descriptor]error
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{probe: make(map[Descriptor]error)}
}

// Register adds c. Registering a descriptor twice replaces the earlier entry.
func (r *Registry) Register(c Capability) error {
	if c.New == nil {
		return fmt.Errorf("encoding: capability %s has no factory", c.Descriptor)
	}
	if _, _, err := c.Descriptor.Parse(); err != nil {
		return fmt.Errorf("encoding: register %q: %w", string(c.Descriptor), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.probe, c.Descriptor)
	for i := range r.caps {
		if r.caps[i].Descriptor.Equal(c.Descriptor) {
			r.caps[i] = c
			return nil
		}
	}
	r.caps = append(r.caps, c)
	return nil
}

// Capabilities returns a copy of the table in registration order.
func (r *Registry) Capabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, len(r.caps))
	copy(out, r.caps)
	return out
}

// lookup returns the entry matching d.
func (r *Registry) lookup(d Descriptor) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.caps {
		if c.Descriptor.Equal(d) {
			return c, true
		}
	}
	return Capability{}, false
}

// ProbeError runs the probe of the capability matching d and returns its
// result. Probe results are cached per registered descriptor.
func (r *Registry) ProbeError(d Descriptor) error {
	c, ok := r.lookup(d)
	if !ok {
		return ErrUnsupported
	}
	if c.Probe == nil {
		return nil
	}
	r.mu.RLock()
	err, cached := r.probe[c.Descriptor]
	r.mu.RUnlock()
	if cached {
		return err
	}
	err = c.Probe()
	r.mu.Lock()
	r.probe[c.Descriptor] = err
	r.mu.Unlock()
	return err
}

// Supports reports whether d can be produced on this platform. It has the
// signature [Negotiate] expects.
func (r *Registry) Supports(d Descriptor) bool {
	return r.ProbeError(d) == nil
}

// Usable returns why d cannot record a session with parameters p, or nil.
// Unlike [Registry.ProbeError] the result is not cached.
func (r *Registry) Usable(d Descriptor, p Params) error {
	c, ok := r.lookup(d)
	if !ok {
		return ErrUnsupported
	}
	if err := r.ProbeError(d); err != nil {
		return err
	}
	if c.Accepts != nil {
		return c.Accepts(p)
	}
	return nil
}

// Default returns the platform default descriptor: the first capability
// marked Default that passes its probe, else the first capability that
// passes its probe. It returns [UseDefault] when nothing is usable.
func (r *Registry) Default() Descriptor {
	return r.pickDefault(r.Supports)
}

func (r *Registry) pickDefault(usable func(Descriptor) bool) Descriptor {
	caps := r.Capabilities()
	for _, c := range caps {
		if c.Default && usable(c.Descriptor) {
			return c.Descriptor
		}
	}
	for _, c := range caps {
		if usable(c.Descriptor) {
			return c.Descriptor
		}
	}
	return UseDefault
}

// Resolve negotiates prefs for a session with parameters p and falls back to
// the default among the capabilities that accept p. fellBack is true when
// no preference was usable.
func (r *Registry) Resolve(prefs []Descriptor, p Params) (d Descriptor, fellBack bool) {
	usable := func(d Descriptor) bool { return r.Usable(d, p) == nil }
	if d = Negotiate(prefs, usable); d != UseDefault {
		return d, false
	}
	return r.pickDefault(usable), true
}

// New builds an encoder for d. d may be [UseDefault].
func (r *Registry) New(d Descriptor, p Params) (Encoder, error) {
	if d == UseDefault {
		d, _ = r.Resolve(nil, p)
	}
	c, ok := r.lookup(d)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, d)
	}
	if err := r.Usable(d, p); err != nil {
		return nil, fmt.Errorf("encoding: %s unusable: %w", d, err)
	}
	enc, err := c.New(p)
	if err != nil {
		return nil, fmt.Errorf("encoding: create %s encoder: %w", d, err)
	}
	return enc, nil
}
