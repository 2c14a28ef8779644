// Package recorder implements the sequence recorder: a ring buffer
// that continuously absorbs every capturable
// event, and a sequence-aware writer that re-labels and flushes the
// pre-sequence window when a sequence opens, then streams events
// directly to the store until it closes.
package recorder

import (
	"time"

	"github.com/pyde1/pyde1-go/internal/bus"
)

// ring is a fixed-capacity FIFO of recently seen envelopes, holding
// the pre-sequence window.
type ring struct {
	items []bus.Envelope
	cap   int
	head  int
	size  int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 500
	}
	return &ring{items: make([]bus.Envelope, capacity), cap: capacity}
}

func (r *ring) push(env bus.Envelope) {
	idx := (r.head + r.size) % r.cap
	r.items[idx] = env
	if r.size < r.cap {
		r.size++
	} else {
		r.head = (r.head + 1) % r.cap
	}
}

// drain returns, oldest-first, every buffered envelope with an
// EventTime at or after cutoff, and clears the buffer. A zero cutoff
// keeps everything.
func (r *ring) drain(cutoff time.Time) []bus.Envelope {
	out := make([]bus.Envelope, 0, r.size)
	for i := 0; i < r.size; i++ {
		env := r.items[(r.head+i)%r.cap]
		if cutoff.IsZero() || !env.EventTime.Before(cutoff) {
			out = append(out, env)
		}
	}
	r.head = 0
	r.size = 0
	return out
}
