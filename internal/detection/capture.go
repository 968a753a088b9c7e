package detection

import (
	"context"
	"sync"
)

// ring keeps the most recent samples read from the microphone.
type ring struct {
	mu    sync.Mutex
	buf   []float64
	pos   int
	total int
}

func newRing(size int) *ring {
	return &ring{buf: make([]float64, size)}
}

func (r *ring) Write(samples []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range samples {
		r.buf[r.pos] = v
		r.pos = (r.pos + 1) % len(r.buf)
	}
	r.total += len(samples)
}

// Latest copies the newest len(dst) samples in order. It reports false until the ring is full.
func (r *ring) Latest(dst []float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.total < len(r.buf) {
		return false
	}
	n := copy(dst, r.buf[r.pos:])
	copy(dst[n:], r.buf[:r.pos])
	return true
}

// capture pumps samples from stream into buf until ctx is done or the stream fails.
func capture(ctx context.Context, stream Stream, buf *ring) error {
	chunk := make([]float64, readChunk)
	for {
		n, err := stream.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
