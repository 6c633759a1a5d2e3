package audio

import (
	"fmt"
	"sync"
)

// Ring is a bounded byte buffer shared between a producer (the microphone
// callback) and a consumer (the network sender). Writes never block and never
// fail: when a write would push the length past the capacity, the oldest bytes
// are discarded first and the overflow callback fires, at most once for the
// lifetime of the ring.
//
// All methods hold the internal lock only for the duration of the slice
// operations, never across I/O.
type Ring struct {
	mu       sync.Mutex
	buf      []byte
	max      int
	overflow func(dropped int)
	fired    bool

	// Statistics
	totalWritten uint64
	totalDropped uint64
}

// RingStats is a snapshot of ring counters for monitoring.
type RingStats struct {
	Length       int    `json:"length"`
	Capacity     int    `json:"capacity"`
	TotalWritten uint64 `json:"total_written"`
	TotalDropped uint64 `json:"total_dropped"`
}

// NewRing creates a ring with the given capacity in bytes. The overflow
// callback may be nil; when set, it is invoked (once, under the ring lock)
// with the number of bytes dropped by the first overflowing write.
func NewRing(max int, overflow func(dropped int)) (*Ring, error) {
	if max <= 0 {
		return nil, fmt.Errorf("ring capacity must be positive, got %d", max)
	}

	return &Ring{
		buf:      make([]byte, 0, max),
		max:      max,
		overflow: overflow,
	}, nil
}

// Write appends p, discarding the oldest bytes first when the capacity would
// be exceeded. The ring copies p; the caller may reuse it immediately.
func (r *Ring) Write(p []byte) {
	if len(p) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.totalWritten += uint64(len(p))

	dropped := 0
	if len(p) >= r.max {
		// Single write larger than the whole ring: keep only its tail.
		dropped = len(r.buf) + len(p) - r.max
		r.buf = r.buf[:0]
		p = p[len(p)-r.max:]
	} else if excess := len(r.buf) + len(p) - r.max; excess > 0 {
		dropped = excess
		r.buf = r.buf[:copy(r.buf, r.buf[excess:])]
	}

	r.buf = append(r.buf, p...)

	if dropped > 0 {
		r.totalDropped += uint64(dropped)
		if !r.fired {
			r.fired = true
			if r.overflow != nil {
				r.overflow(dropped)
			}
		}
	}
}

// ReadChunk removes and returns exactly n bytes, or nil when fewer than n are
// buffered.
func (r *Ring) ReadChunk(n int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.buf) < n {
		return nil
	}

	chunk := make([]byte, n)
	copy(chunk, r.buf[:n])
	r.buf = r.buf[:copy(r.buf, r.buf[n:])]

	return chunk
}

// Drain removes and returns everything currently buffered. Returns nil when
// the ring is empty.
func (r *Ring) Drain() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.buf) == 0 {
		return nil
	}

	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	r.buf = r.buf[:0]

	return out
}

// Len returns the number of buffered bytes.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Stats returns a snapshot of the ring counters.
func (r *Ring) Stats() RingStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return RingStats{
		Length:       len(r.buf),
		Capacity:     r.max,
		TotalWritten: r.totalWritten,
		TotalDropped: r.totalDropped,
	}
}
