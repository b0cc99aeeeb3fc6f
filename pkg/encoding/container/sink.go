package container

import (
	"bytes"
	"sync"
)

// sink collects muxer output between chunk boundaries. Muxers may write to
// it from their own goroutines, so every method locks.
type sink struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	total  int64
	once   sync.Once
	closed chan struct{}
}

func newSink() *sink {
	return &sink{closed: make(chan struct{})}
}

// Write implements io.Writer.
func (s *sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total += int64(len(p))
	return s.buf.Write(p)
}

// Close implements io.Closer. It only signals; buffered data stays
// available to take.
func (s *sink) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// Done is closed once the writer side called Close.
func (s *sink) Done() <-chan struct{} { return s.closed }

// Take returns everything written since the previous Take.
func (s *sink) Take() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.Len() == 0 {
		return nil
	}
	out := bytes.Clone(s.buf.Bytes())
	s.buf.Reset()
	return out
}

// Total returns the number of bytes ever written.
func (s *sink) Total() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}
