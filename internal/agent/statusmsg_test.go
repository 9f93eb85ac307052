package agent

import (
	"testing"
)

// TestStatusMessageLifecycle covers send, forced edit, and deletion.
func TestStatusMessageLifecycle(t *testing.T) {
	gw := &fakeGateway{}
	s := startStatusMessage(gw, "telegram", "42")
	if s == nil {
		t.Fatal("status message not created")
	}

	if sent := gw.sentTexts(); len(sent) != 1 || sent[0] != statusPlaceholder {
		t.Fatalf("placeholder sends = %v", sent)
	}

	s.update("📖 Read `a.go`", true)
	gw.mu.Lock()
	edits := append([]string(nil), gw.edits...)
	gw.mu.Unlock()
	if len(edits) != 1 || edits[0] != "📖 Read `a.go`" {
		t.Fatalf("edits = %v", edits)
	}

	s.finish(false)
	if ids := gw.deletedIDs(); len(ids) != 1 || ids[0] != "m1" {
		t.Errorf("deletes = %v", ids)
	}

	// Late updates after finish are ignored.
	s.update("late", true)
	gw.mu.Lock()
	after := len(gw.edits)
	gw.mu.Unlock()
	if after != 1 {
		t.Errorf("edit after finish went through: %d edits", after)
	}
}

// TestStatusMessageThrottle drops unforced edits inside the window.
func TestStatusMessageThrottle(t *testing.T) {
	gw := &fakeGateway{}
	s := startStatusMessage(gw, "telegram", "42")
	if s == nil {
		t.Fatal("status message not created")
	}
	defer s.finish(false)

	s.update("throttled recompose", false)
	gw.mu.Lock()
	edits := len(gw.edits)
	gw.mu.Unlock()
	if edits != 0 {
		t.Errorf("unforced edit inside throttle window went through")
	}

	s.update("new tool detail", true)
	gw.mu.Lock()
	edits = len(gw.edits)
	gw.mu.Unlock()
	if edits != 1 {
		t.Errorf("forced edit was throttled")
	}
}

// TestStatusMessageKeep leaves the message in place for re-auth.
func TestStatusMessageKeep(t *testing.T) {
	gw := &fakeGateway{}
	s := startStatusMessage(gw, "telegram", "42")
	if s == nil {
		t.Fatal("status message not created")
	}

	s.finish(true)
	if ids := gw.deletedIDs(); len(ids) != 0 {
		t.Errorf("kept message was deleted: %v", ids)
	}
}

// TestStatusMessageSendFailure degrades to no status message at all.
func TestStatusMessageSendFailure(t *testing.T) {
	gw := &fakeGateway{failSend: true}
	s := startStatusMessage(gw, "telegram", "42")
	if s != nil {
		t.Fatal("expected nil status message on send failure")
	}

	// nil receivers are safe: the run proceeds without status updates.
	s.update("ignored", true)
	s.finish(false)
}
