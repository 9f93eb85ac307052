package channels

import (
	"sync"
	"time"
)

const (
	// maxTrackedSenders caps the tracked sender keys so a transport
	// flooding with rotating ids cannot exhaust memory.
	maxTrackedSenders = 4096

	// inboundWindow is the sliding window for inbound counting.
	inboundWindow = 60 * time.Second

	// inboundMaxMessages is the max accepted messages per sender within
	// a window. Beyond it the sender's traffic is dropped until the
	// window rolls over.
	inboundMaxMessages = 30
)

type inboundEntry struct {
	windowStart time.Time
	count       int
}

// InboundRateLimiter bounds per-sender inbound message rates so one
// chat cannot monopolize the run queues. Safe for concurrent use.
type InboundRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*inboundEntry
}

// NewInboundRateLimiter creates a bounded inbound limiter.
func NewInboundRateLimiter() *InboundRateLimiter {
	return &InboundRateLimiter{entries: make(map[string]*inboundEntry)}
}

// Allow reports whether the sender key is within its rate budget,
// counting this call. Stale entries are pruned when the tracking map
// approaches its cap.
func (r *InboundRateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	if len(r.entries) >= maxTrackedSenders {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= inboundWindow {
				delete(r.entries, k)
			}
		}
		for len(r.entries) >= maxTrackedSenders {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= inboundWindow {
		r.entries[key] = &inboundEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= inboundMaxMessages
}
