package gateway

import (
	"sync"
	"time"
)

const (
	// maxTrackedAddrs caps the number of tracked remote addresses to
	// prevent memory exhaustion from attackers rotating source IPs.
	maxTrackedAddrs = 4096

	// authFailWindow is the sliding window for counting failed attempts.
	authFailWindow = 60 * time.Second

	// authFailMaxHits is the max failed auth attempts per address within
	// a window before further attempts are refused outright.
	authFailMaxHits = 10
)

type authFailEntry struct {
	windowStart time.Time
	count       int
}

// authLimiter bounds failed authentication attempts per remote address.
// Successful auths are never counted. Safe for concurrent use.
type authLimiter struct {
	mu      sync.Mutex
	entries map[string]*authFailEntry
}

func newAuthLimiter() *authLimiter {
	return &authLimiter{entries: make(map[string]*authFailEntry)}
}

// allow reports whether addr may attempt authentication right now.
func (l *authLimiter) allow(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[addr]
	if !ok || time.Since(e.windowStart) >= authFailWindow {
		return true
	}
	return e.count < authFailMaxHits
}

// recordFailure counts one failed attempt against addr. Stale entries are
// pruned when the table approaches its cap, with hard eviction as a
// backstop.
func (l *authLimiter) recordFailure(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()

	if len(l.entries) >= maxTrackedAddrs {
		for k, e := range l.entries {
			if now.Sub(e.windowStart) >= authFailWindow {
				delete(l.entries, k)
			}
		}
		for len(l.entries) >= maxTrackedAddrs {
			for k := range l.entries {
				delete(l.entries, k)
				break
			}
		}
	}

	e, ok := l.entries[addr]
	if !ok || now.Sub(e.windowStart) >= authFailWindow {
		l.entries[addr] = &authFailEntry{windowStart: now, count: 1}
		return
	}
	e.count++
}
