package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pylonhq/pylon/pkg/protocol"
)

// bareClient builds a client with no socket attached: deliver and the
// batch machinery only touch the send queue, so fan-out rules can be
// tested without a connection.
func bareClient(keys ...string) *Client {
	c := &Client{
		id:         "c-test",
		send:       make(chan []byte, sendQueueFrames),
		done:       make(chan struct{}),
		subscribed: make(map[string]struct{}),
		staleKeys:  make(map[string]struct{}),
	}
	c.authed.Store(true)
	c.setSubscriptions(keys)
	return c
}

func streamFrame(t *testing.T, seq int64) []byte {
	t.Helper()
	frame, err := json.Marshal(protocol.Event{
		Event: protocol.EventStream,
		Data:  map[string]int64{"tick": seq},
		Seq:   seq,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return frame
}

func eventFrame(t *testing.T, event string) []byte {
	t.Helper()
	frame, err := json.Marshal(protocol.Event{Event: event, Data: map[string]string{}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return frame
}

// recvFrame pops the next outbound frame, mirroring the write pump's
// byte accounting so backpressure assertions stay accurate.
func recvFrame(t *testing.T, c *Client, within time.Duration) []byte {
	t.Helper()
	select {
	case frame := <-c.send:
		c.queued.Add(-int64(len(frame)))
		return frame
	case <-time.After(within):
		t.Fatalf("no frame within %v", within)
		return nil
	}
}

func expectNoFrame(t *testing.T, c *Client, within time.Duration) {
	t.Helper()
	select {
	case frame := <-c.send:
		t.Fatalf("unexpected frame: %s", frame)
	case <-time.After(within):
	}
}

func frameEvent(t *testing.T, frame []byte) string {
	t.Helper()
	var probe struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return probe.Event
}

// TestDeliverSubscriptionFilter verifies keyed events reach only
// subscribers of that key while unkeyed events always pass.
func TestDeliverSubscriptionFilter(t *testing.T) {
	c := bareClient("telegram:dm:1")

	c.deliver("telegram:dm:2", protocol.EventResult, eventFrame(t, protocol.EventResult))
	expectNoFrame(t, c, 30*time.Millisecond)

	c.deliver("telegram:dm:1", protocol.EventResult, eventFrame(t, protocol.EventResult))
	recvFrame(t, c, time.Second)

	c.deliver("", protocol.EventStatusUpdate, eventFrame(t, protocol.EventStatusUpdate))
	if got := frameEvent(t, recvFrame(t, c, time.Second)); got != protocol.EventStatusUpdate {
		t.Fatalf("event = %q, want %q", got, protocol.EventStatusUpdate)
	}
}

// TestDeliverRequiresAuth verifies nothing is queued before the
// handshake completes.
func TestDeliverRequiresAuth(t *testing.T) {
	c := bareClient("k")
	c.authed.Store(false)

	c.deliver("", protocol.EventStatusUpdate, eventFrame(t, protocol.EventStatusUpdate))
	expectNoFrame(t, c, 30*time.Millisecond)
}

// TestStreamBatchCoalesce verifies stream frames arriving inside the
// flush window are wrapped into one agent.stream_batch envelope holding
// the original frames in order.
func TestStreamBatchCoalesce(t *testing.T) {
	key := "desktop:dm:main"
	c := bareClient(key)

	for seq := int64(1); seq <= 3; seq++ {
		c.deliver(key, protocol.EventStream, streamFrame(t, seq))
	}

	frame := recvFrame(t, c, time.Second)
	var env struct {
		Event string            `json:"event"`
		Data  []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("unmarshal batch: %v", err)
	}
	if env.Event != protocol.EventStreamBatch {
		t.Fatalf("event = %q, want %q", env.Event, protocol.EventStreamBatch)
	}
	if len(env.Data) != 3 {
		t.Fatalf("batch size = %d, want 3", len(env.Data))
	}
	for i, raw := range env.Data {
		var inner struct {
			Seq int64 `json:"seq"`
		}
		if err := json.Unmarshal(raw, &inner); err != nil {
			t.Fatalf("unmarshal entry %d: %v", i, err)
		}
		if inner.Seq != int64(i+1) {
			t.Fatalf("entry %d seq = %d, want %d", i, inner.Seq, i+1)
		}
	}
}

// TestStreamSingleVerbatim verifies a lone stream frame is flushed as
// itself, not wrapped in a one-element batch.
func TestStreamSingleVerbatim(t *testing.T) {
	key := "desktop:dm:main"
	c := bareClient(key)

	original := streamFrame(t, 7)
	c.deliver(key, protocol.EventStream, original)

	frame := recvFrame(t, c, time.Second)
	if string(frame) != string(original) {
		t.Fatalf("frame = %s, want original %s", frame, original)
	}
}

// TestNonStreamFlushesBatch verifies any non-stream event forces the
// pending batch out first so relative order is preserved.
func TestNonStreamFlushesBatch(t *testing.T) {
	key := "desktop:dm:main"
	c := bareClient(key)

	c.deliver(key, protocol.EventStream, streamFrame(t, 1))
	c.deliver(key, protocol.EventStream, streamFrame(t, 2))
	c.deliver(key, protocol.EventResult, eventFrame(t, protocol.EventResult))

	first := recvFrame(t, c, time.Second)
	if got := frameEvent(t, first); got != protocol.EventStreamBatch {
		t.Fatalf("first frame = %q, want batch", got)
	}
	second := recvFrame(t, c, time.Second)
	if got := frameEvent(t, second); got != protocol.EventResult {
		t.Fatalf("second frame = %q, want result", got)
	}
}

// TestResponseFlushesBatch verifies an RPC response never overtakes
// stream frames already accepted for delivery.
func TestResponseFlushesBatch(t *testing.T) {
	key := "desktop:dm:main"
	c := bareClient(key)

	c.deliver(key, protocol.EventStream, streamFrame(t, 1))
	c.sendResponse(protocol.Response{ID: "42", Result: map[string]bool{"ok": true}})

	if got := frameEvent(t, recvFrame(t, c, time.Second)); got != protocol.EventStream {
		t.Fatalf("first frame = %q, want stream", got)
	}
	var resp protocol.Response
	if err := json.Unmarshal(recvFrame(t, c, time.Second), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.ID != "42" {
		t.Fatalf("response id = %q, want 42", resp.ID)
	}
}

// TestBackpressureShedsStreams verifies stream frames are dropped and
// the key marked stale once the send queue passes the high watermark,
// while other event types still get through.
func TestBackpressureShedsStreams(t *testing.T) {
	key := "desktop:dm:main"
	c := bareClient(key)
	c.queued.Store(highWatermark + 1)

	c.deliver(key, protocol.EventStream, streamFrame(t, 1))
	expectNoFrame(t, c, 30*time.Millisecond)

	c.mu.Lock()
	_, stale := c.staleKeys[key]
	c.mu.Unlock()
	if !stale {
		t.Fatal("key not marked stale after shed")
	}

	c.deliver(key, protocol.EventToolUse, eventFrame(t, protocol.EventToolUse))
	if got := frameEvent(t, recvFrame(t, c, time.Second)); got != protocol.EventToolUse {
		t.Fatalf("event = %q, want tool_use through backpressure", got)
	}
}

// TestRecoverStaleKeys verifies the stale set is held while the queue
// is congested and returned exactly once after it drains.
func TestRecoverStaleKeys(t *testing.T) {
	key := "desktop:dm:main"
	c := bareClient(key)

	c.queued.Store(highWatermark + 1)
	c.deliver(key, protocol.EventStream, streamFrame(t, 1))

	if keys := c.recoverStaleKeys(); keys != nil {
		t.Fatalf("recovered %v while congested", keys)
	}

	c.queued.Store(0)
	keys := c.recoverStaleKeys()
	if len(keys) != 1 || keys[0] != key {
		t.Fatalf("recovered = %v, want [%s]", keys, key)
	}
	if again := c.recoverStaleKeys(); again != nil {
		t.Fatalf("second recovery = %v, want nil", again)
	}
}

// TestDropSubscriptions verifies unsubscribing stops delivery and clears
// any stale marker for the key.
func TestDropSubscriptions(t *testing.T) {
	key := "desktop:dm:main"
	c := bareClient(key)

	c.queued.Store(highWatermark + 1)
	c.deliver(key, protocol.EventStream, streamFrame(t, 1))
	c.queued.Store(0)

	c.dropSubscriptions([]string{key, "never:dm:seen"})

	c.deliver(key, protocol.EventResult, eventFrame(t, protocol.EventResult))
	expectNoFrame(t, c, 30*time.Millisecond)

	if keys := c.recoverStaleKeys(); keys != nil {
		t.Fatalf("stale keys survived unsubscribe: %v", keys)
	}
}
