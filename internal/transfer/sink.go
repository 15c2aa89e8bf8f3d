// ABOUTME: Size-bounded write sink used while streaming plugin downloads.
// ABOUTME: Rejects whole chunks that would push the total past the cap.

package transfer

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrCapExceeded indicates a write would have pushed the sink past its byte cap.
var ErrCapExceeded = errors.New("transfer cap exceeded")

// DefaultCap is the default byte cap for plugin downloads (128 MiB).
const DefaultCap = 128 << 20

// Sink is an in-memory io.Writer that accepts at most Cap bytes in total.
// A write that would exceed the cap fails as a whole: no partial bytes from
// the offending chunk are retained. Not safe for concurrent use.
type Sink struct {
	buf bytes.Buffer
	cap int64
}

// NewSink creates a sink that accepts at most max bytes. A non-positive max
// falls back to DefaultCap.
func NewSink(max int64) *Sink {
	if max <= 0 {
		max = DefaultCap
	}
	return &Sink{cap: max}
}

// Write appends p to the sink, or fails with ErrCapExceeded if the total
// would pass the cap.
func (s *Sink) Write(p []byte) (int, error) {
	if int64(s.buf.Len())+int64(len(p)) > s.cap {
		return 0, fmt.Errorf("%w: %d bytes would exceed cap of %d", ErrCapExceeded, int64(s.buf.Len())+int64(len(p)), s.cap)
	}
	return s.buf.Write(p)
}

// Bytes returns the accumulated bytes. The slice is owned by the sink.
func (s *Sink) Bytes() []byte {
	return s.buf.Bytes()
}

// Len returns the number of bytes accepted so far.
func (s *Sink) Len() int64 {
	return int64(s.buf.Len())
}

// Cap returns the byte cap.
func (s *Sink) Cap() int64 {
	return s.cap
}
