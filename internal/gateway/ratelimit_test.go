package gateway

import (
	"fmt"
	"testing"
	"time"
)

// TestAuthLimiter verifies the failed-auth window: attempts are allowed
// until the per-address cap, refused inside the window afterwards, and
// allowed again once the window expires.
func TestAuthLimiter(t *testing.T) {
	l := newAuthLimiter()
	addr := "192.0.2.10"

	for i := 0; i < authFailMaxHits; i++ {
		if !l.allow(addr) {
			t.Fatalf("attempt %d refused before cap", i+1)
		}
		l.recordFailure(addr)
	}
	if l.allow(addr) {
		t.Fatal("attempt allowed after cap reached")
	}
	if !l.allow("192.0.2.11") {
		t.Fatal("unrelated address refused")
	}

	l.mu.Lock()
	l.entries[addr].windowStart = time.Now().Add(-authFailWindow - time.Second)
	l.mu.Unlock()
	if !l.allow(addr) {
		t.Fatal("attempt refused after window expired")
	}
}

// TestAuthLimiterEviction verifies the tracked-address cap holds under
// address rotation.
func TestAuthLimiterEviction(t *testing.T) {
	l := newAuthLimiter()
	for i := 0; i < maxTrackedAddrs+100; i++ {
		l.recordFailure(fmt.Sprintf("198.51.100.%d:%d", i%250, i))
	}
	l.mu.Lock()
	n := len(l.entries)
	l.mu.Unlock()
	if n > maxTrackedAddrs {
		t.Fatalf("tracked addrs = %d, want <= %d", n, maxTrackedAddrs)
	}
}
