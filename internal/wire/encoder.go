package wire

import (
	"io"
	"sync"
	"sync/atomic"

	"torrentd/internal/metrics"
)

// Encoder writes frames to an underlying stream. It is safe for concurrent
// use; each frame is emitted with a single Write so frames never
// interleave.
type Encoder struct {
	mu   sync.Mutex
	w    io.Writer
	sent atomic.Int64
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode frames v and writes it.
func (e *Encoder) Encode(v any) error {
	frame, err := Frame(v)
	if err != nil {
		return err
	}

	e.mu.Lock()
	n, err := e.w.Write(frame)
	e.mu.Unlock()

	e.sent.Add(int64(n))
	metrics.WireBytesSent.Add(float64(n))
	return err
}

// BytesSent returns the cumulative number of bytes written.
func (e *Encoder) BytesSent() int64 {
	return e.sent.Load()
}
