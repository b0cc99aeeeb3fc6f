// Package mock provides a scriptable [encoding.Encoder] for unit tests.
//
// The mock never touches its media input. Tests drive it explicitly:
//
//	enc := mock.NewEncoder(`video/mp4;codecs="mjpeg,lpcm"`)
//	reg := encoding.NewRegistry()
//	reg.Register(enc.Capability(true))
//	// ... start a session using reg ...
//	enc.Emit([]byte("chunk-0"))
//	enc.Fail(errors.New("disk full"))
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/reelmix/pkg/encoding"
	"github.com/MrWong99/reelmix/pkg/media"
)

// Compile-time interface assertion.
var _ encoding.Encoder = (*Encoder)(nil)

// Encoder is a mock [encoding.Encoder]. All methods are safe for concurrent
// use.
type Encoder struct {
	mu sync.Mutex

	desc   encoding.Descriptor
	chunks chan encoding.Chunk
	seq    int
	err    error
	closed bool

	// StartError is returned by Start.
	StartError error

	// FinalData is the payload of the Final chunk emitted on Stop.
	FinalData []byte

	// HoldStop defers finalization after Stop until [Encoder.Finalize].
	HoldStop bool

	// Recorded inputs.
	Output    media.MixedOutput
	Timeslice time.Duration
	Params    encoding.Params

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int
}

// NewEncoder returns a mock producing d.
func NewEncoder(d encoding.Descriptor) *Encoder {
	return &Encoder{desc: d, chunks: make(chan encoding.Chunk, 256)}
}

// Capability returns a capability entry whose factory always hands out this
// encoder. Use one mock per session.
func (e *Encoder) Capability(isDefault bool) encoding.Capability {
	return encoding.Capability{
		Descriptor:  e.desc,
		Description: "mock encoder",
		Default:     isDefault,
		New: func(p encoding.Params) (encoding.Encoder, error) {
			e.mu.Lock()
			e.Params = p
			e.mu.Unlock()
			return e, nil
		},
	}
}

// MIMEType implements [encoding.Encoder].
func (e *Encoder) MIMEType() encoding.Descriptor { return e.desc }

// Start implements [encoding.Encoder].
func (e *Encoder) Start(_ context.Context, out media.MixedOutput, timeslice time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountStart++
	e.Output = out
	e.Timeslice = timeslice
	return e.StartError
}

// Chunks implements [encoding.Encoder].
func (e *Encoder) Chunks() <-chan encoding.Chunk { return e.chunks }

// Stop implements [encoding.Encoder].
func (e *Encoder) Stop() {
	e.mu.Lock()
	e.CallCountStop++
	hold := e.HoldStop
	e.mu.Unlock()
	if !hold {
		e.Finalize()
	}
}

// Finalize emits the Final chunk and closes the channel. No-op once closed.
func (e *Encoder) Finalize() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.chunks <- encoding.Chunk{Seq: e.seq, Data: e.FinalData, Final: true}
	e.seq++
	e.closed = true
	close(e.chunks)
}

// Emit sends a regular chunk. No-op once closed.
func (e *Encoder) Emit(data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.chunks <- encoding.Chunk{Seq: e.seq, Data: data}
	e.seq++
}

// Fail aborts encoding with err: the channel closes without a Final chunk.
func (e *Encoder) Fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.err = err
	e.closed = true
	close(e.chunks)
}

// Err implements [encoding.Encoder].
func (e *Encoder) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// StopCount returns CallCountStop under the lock.
func (e *Encoder) StopCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.CallCountStop
}
