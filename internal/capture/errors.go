package capture

import (
	"errors"
	"fmt"
)

// ErrNegotiationExhausted is logged when none of the configured preferences
// is supported and the session falls back to the platform default format.
// It is not returned to callers while a default exists.
var ErrNegotiationExhausted = errors.New("capture: no preferred format is supported")

// ErrAudioGraphInit marks a session that could not build its audio mixing
// graph and continues video-only.
var ErrAudioGraphInit = errors.New("capture: audio graph initialisation failed")

// ErrDisposed is returned by [Engine.Start] after [Engine.Dispose].
var ErrDisposed = errors.New("capture: engine disposed")

// EncoderFaultError is delivered through [Handlers.OnError] when the encoder
// aborts a session.
type EncoderFaultError struct {
	SessionID string
	Err       error
}

func (e *EncoderFaultError) Error() string {
	return fmt.Sprintf("capture: encoder fault in session %s: %v", e.SessionID, e.Err)
}

func (e *EncoderFaultError) Unwrap() error { return e.Err }

// SourceReleaseError records a source whose tracks could not be released
// during teardown. Release failures never block session completion.
type SourceReleaseError struct {
	SourceID string
	Err      error
}

func (e *SourceReleaseError) Error() string {
	return fmt.Sprintf("capture: release source %s: %v", e.SourceID, e.Err)
}

func (e *SourceReleaseError) Unwrap() error { return e.Err }
