package capture

import (
	"time"

	"github.com/MrWong99/reelmix/pkg/encoding"
)

// State is the lifecycle state of an [Engine].
type State int

const (
	StateIdle State = iota
	StateRecording
	StateStopping
	StateStopped
	StateError
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends a session.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateError
}

// Artifact is the final recording: the concatenation of every chunk in
// emission order.
type Artifact struct {
	SessionID string
	Data      []byte
	MIMEType  encoding.Descriptor

	// Chunks is the number of chunks the artifact was assembled from.
	Chunks int

	// Duration is the chunk-count estimate of the recorded length.
	Duration time.Duration

	// Partial marks an artifact salvaged from a session that ended in a
	// fault. Partial artifacts are never passed to OnStop.
	Partial bool
}

// Size returns the artifact length in bytes.
func (a Artifact) Size() int { return len(a.Data) }

// Handlers receive session lifecycle events. Every handler is optional.
// OnStart fires before any OnDataAvailable; OnStop or OnError fires once,
// after the last OnDataAvailable. Handlers run on the engine's collector
// goroutine except OnStart, which runs on the goroutine calling Start.
type Handlers struct {
	OnStart         func()
	OnDataAvailable func(encoding.Chunk)
	OnStop          func(Artifact)
	OnError         func(error)
}

// Session is a point-in-time snapshot of the current or last session.
type Session struct {
	ID         string
	State      State
	MIMEType   encoding.Descriptor
	FellBack   bool
	StartedAt  time.Time
	StoppedAt  time.Time
	Chunks     int
	TotalBytes int64

	// Sources lists the source IDs in layout order.
	Sources []string

	// AudioMixed is false when the session records video only.
	AudioMixed bool

	ReleaseErrors []error
	Err           error
}
