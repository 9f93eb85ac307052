package gateway

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/pylonhq/pylon/internal/agent"
	"github.com/pylonhq/pylon/internal/store"
	"github.com/pylonhq/pylon/pkg/protocol"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func frameSeq(t *testing.T, frame []byte) int64 {
	t.Helper()
	var probe struct {
		Seq int64 `json:"seq"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return probe.Seq
}

// TestBroadcastSessionPersistsInOrder verifies session events land in
// the log before fan-out and subscribers see strictly increasing seqs.
func TestBroadcastSessionPersistsInOrder(t *testing.T) {
	st := openTestStore(t)
	h := NewHub(st, nil, nil)

	key := "telegram:dm:99"
	c := bareClient(key)
	h.register(c)

	for i := 0; i < 3; i++ {
		h.BroadcastSession(key, protocol.EventUserMessage, agent.UserMessagePayload{SessionKey: key, Text: "m"})
	}

	for want := int64(1); want <= 3; want++ {
		if got := frameSeq(t, recvFrame(t, c, time.Second)); got != want {
			t.Fatalf("frame seq = %d, want %d", got, want)
		}
	}

	last, err := st.LastSeq(context.Background())
	if err != nil {
		t.Fatalf("last seq: %v", err)
	}
	if last != 3 {
		t.Fatalf("store last seq = %d, want 3", last)
	}
}

// TestBroadcastSessionEphemeral verifies transient event types are
// fanned out with seq 0 and leave no trace in the log.
func TestBroadcastSessionEphemeral(t *testing.T) {
	st := openTestStore(t)
	h := NewHub(st, nil, nil)

	key := "desktop:dm:main"
	c := bareClient(key)
	h.register(c)

	h.BroadcastSession(key, protocol.EventError, agent.ErrorPayload{SessionKey: key, Error: "boom"})

	if got := frameSeq(t, recvFrame(t, c, time.Second)); got != 0 {
		t.Fatalf("ephemeral frame seq = %d, want 0", got)
	}
	last, err := st.LastSeq(context.Background())
	if err != nil {
		t.Fatalf("last seq: %v", err)
	}
	if last != 0 {
		t.Fatalf("store last seq = %d, want 0", last)
	}
}

// TestBroadcastGlobal verifies unkeyed events reach every client
// regardless of subscriptions.
func TestBroadcastGlobal(t *testing.T) {
	h := NewHub(nil, nil, nil)

	a := bareClient()
	a.id = "client-a"
	b := bareClient("some:dm:key")
	b.id = "client-b"
	h.register(a)
	h.register(b)

	h.BroadcastGlobal(protocol.EventStatusUpdate, agent.StatusUpdatePayload{SessionKey: "x:dm:1", ActiveRun: true})

	for _, c := range []*Client{a, b} {
		if got := frameEvent(t, recvFrame(t, c, time.Second)); got != protocol.EventStatusUpdate {
			t.Fatalf("client %s got %q, want status.update", c.id, got)
		}
	}
}

// TestSubscribeReplay verifies replay-then-live: events appended before
// subscribe arrive first, in seq order, and the count is reported.
func TestSubscribeReplay(t *testing.T) {
	st := openTestStore(t)
	h := NewHub(st, nil, nil)

	key := "whatsapp:group:7"
	for i := 0; i < 3; i++ {
		h.BroadcastSession(key, protocol.EventUserMessage, agent.UserMessagePayload{SessionKey: key, Text: "m"})
	}

	c := bareClient()
	h.register(c)

	replayed, err := h.Subscribe(context.Background(), c, []string{key}, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if replayed != 3 {
		t.Fatalf("replayed = %d, want 3", replayed)
	}
	for want := int64(1); want <= 3; want++ {
		if got := frameSeq(t, recvFrame(t, c, time.Second)); got != want {
			t.Fatalf("replay seq = %d, want %d", got, want)
		}
	}

	h.BroadcastSession(key, protocol.EventResult, agent.ResultPayload{SessionKey: key})
	if got := frameSeq(t, recvFrame(t, c, time.Second)); got != 4 {
		t.Fatalf("live seq = %d, want 4", got)
	}

	t.Run("resumes after lastSeq", func(t *testing.T) {
		c2 := bareClient()
		c2.id = "c-resume"
		h.register(c2)
		replayed, err := h.Subscribe(context.Background(), c2, []string{key}, 2)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		if replayed != 2 {
			t.Fatalf("replayed = %d, want 2", replayed)
		}
		if got := frameSeq(t, recvFrame(t, c2, time.Second)); got != 3 {
			t.Fatalf("first resumed seq = %d, want 3", got)
		}
	})
}

// TestSubscribeDeliversSnapshot verifies a key with a live run gets a
// session.snapshot right after replay so mid-run subscribers can render
// current state.
func TestSubscribeDeliversSnapshot(t *testing.T) {
	snaps := agent.NewSnapshotTable()
	key := "desktop:dm:main"
	snaps.Create(key)
	snaps.Mutate(key, func(s *agent.Snapshot) { s.Status = agent.StatusResponding })

	h := NewHub(nil, nil, snaps)
	c := bareClient()
	h.register(c)

	if _, err := h.Subscribe(context.Background(), c, []string{key, "idle:dm:1"}, 0); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	frame := recvFrame(t, c, time.Second)
	if got := frameEvent(t, frame); got != protocol.EventSessionSnapshot {
		t.Fatalf("event = %q, want session.snapshot", got)
	}
	var env struct {
		Data agent.Snapshot `json:"data"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if env.Data.Status != agent.StatusResponding {
		t.Fatalf("snapshot status = %q, want responding", env.Data.Status)
	}
	expectNoFrame(t, c, 30*time.Millisecond)
}

// TestSweepRecoversShedClient verifies the recovery sweep sends a
// snapshot for stale keys once the client's queue drains, and not
// before.
func TestSweepRecoversShedClient(t *testing.T) {
	snaps := agent.NewSnapshotTable()
	key := "desktop:dm:main"
	snaps.Create(key)

	h := NewHub(nil, nil, snaps)
	c := bareClient(key)
	h.register(c)

	c.queued.Store(highWatermark + 1)
	c.deliver(key, protocol.EventStream, streamFrame(t, 1))

	h.sweep()
	expectNoFrame(t, c, 30*time.Millisecond)

	c.queued.Store(0)
	h.sweep()
	if got := frameEvent(t, recvFrame(t, c, time.Second)); got != protocol.EventSessionSnapshot {
		t.Fatalf("event = %q, want session.snapshot after drain", got)
	}
}

// TestSendToClient verifies client-scoped delivery and the gone-client
// result.
func TestSendToClient(t *testing.T) {
	h := NewHub(nil, nil, nil)
	c := bareClient()
	h.register(c)

	if !h.SendToClient(c.id, protocol.EventFSWatch, map[string]string{"path": "/tmp/x"}) {
		t.Fatal("send to registered client failed")
	}
	if got := frameEvent(t, recvFrame(t, c, time.Second)); got != protocol.EventFSWatch {
		t.Fatalf("event = %q, want fs.watch", got)
	}
	if h.SendToClient("nope", protocol.EventFSWatch, nil) {
		t.Fatal("send to unknown client reported success")
	}
}

// TestUnregisterRunsCloseHooks verifies disconnect cleanup callbacks
// fire with the client id.
func TestUnregisterRunsCloseHooks(t *testing.T) {
	h := NewHub(nil, nil, nil)
	released := make(chan string, 1)
	h.AddCloseHook(func(clientID string) { released <- clientID })

	c := bareClient()
	h.register(c)
	h.unregister(c)

	select {
	case id := <-released:
		if id != c.id {
			t.Fatalf("hook got %q, want %q", id, c.id)
		}
	case <-time.After(time.Second):
		t.Fatal("close hook never ran")
	}
}
