package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/pylonhq/pylon/internal/agent"
	"github.com/pylonhq/pylon/internal/sessions"
	"github.com/pylonhq/pylon/internal/store"
	"github.com/pylonhq/pylon/pkg/protocol"
)

const (
	// sweepInterval paces the backpressure recovery scan.
	sweepInterval = 500 * time.Millisecond

	// maxReplayEvents caps one subscribe replay. Older history stays
	// reachable through chat.history paging.
	maxReplayEvents = 1000
)

// Hub owns the subscriber set and implements the broadcast side of the
// agent runtime. Session events are persisted to the event log and
// stamped with their sequence number before any subscriber sees them;
// one mutex serializes append+fan-out so no client can observe
// sequence numbers out of order.
type Hub struct {
	store     *store.Store
	registry  *sessions.Registry
	snapshots *agent.SnapshotTable

	emitMu sync.Mutex

	mu         sync.RWMutex
	clients    map[string]*Client
	closeHooks []func(clientID string)
}

func NewHub(st *store.Store, registry *sessions.Registry, snapshots *agent.SnapshotTable) *Hub {
	return &Hub{
		store:     st,
		registry:  registry,
		snapshots: snapshots,
		clients:   make(map[string]*Client),
	}
}

// Run drives the backpressure recovery sweep until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// AddCloseHook registers a cleanup callback invoked with the client id
// on every disconnect. Used to release per-client resources held
// elsewhere (file watches).
func (h *Hub) AddCloseHook(fn func(clientID string)) {
	h.mu.Lock()
	h.closeHooks = append(h.closeHooks, fn)
	h.mu.Unlock()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	slog.Info("gateway.client connected", "client", c.id, "remote", c.remoteAddr)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	hooks := append([]func(string){}, h.closeHooks...)
	h.mu.Unlock()
	for _, fn := range hooks {
		fn(c.id)
	}
	slog.Info("gateway.client disconnected", "client", c.id)
}

// BroadcastSession persists a session-scoped event (when its type is in
// the log schema) and fans it out to subscribers of that key. Append
// failures drop the event: an event without a durable seq must never
// reach a replay cursor.
func (h *Hub) BroadcastSession(sessionKey, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		slog.Error("gateway.marshal event", "event", event, "error", err)
		return
	}

	h.emitMu.Lock()
	defer h.emitMu.Unlock()

	var seq int64
	if h.store != nil && protocol.Persistable(event) {
		seq, err = h.store.AppendEvent(context.Background(), sessionKey, event, payload)
		if err != nil {
			slog.Warn("gateway.event append failed, dropping", "event", event, "session", sessionKey, "error", err)
			return
		}
	}

	frame, err := json.Marshal(protocol.Event{Event: event, Data: json.RawMessage(payload), Seq: seq})
	if err != nil {
		slog.Error("gateway.marshal frame", "event", event, "error", err)
		return
	}

	h.mu.RLock()
	for _, c := range h.clients {
		c.deliver(sessionKey, event, frame)
	}
	h.mu.RUnlock()
}

// BroadcastGlobal fans an unkeyed event out to every authenticated
// client. Global events are never persisted.
func (h *Hub) BroadcastGlobal(event string, data any) {
	frame, err := marshalEvent(event, data, 0)
	if err != nil {
		slog.Error("gateway.marshal event", "event", event, "error", err)
		return
	}

	h.emitMu.Lock()
	defer h.emitMu.Unlock()

	h.mu.RLock()
	for _, c := range h.clients {
		c.deliver("", event, frame)
	}
	h.mu.RUnlock()
}

// SendToClient delivers a client-scoped event to one subscriber.
// Returns false when the client is gone.
func (h *Hub) SendToClient(clientID, event string, data any) bool {
	h.mu.RLock()
	c := h.clients[clientID]
	h.mu.RUnlock()
	if c == nil {
		return false
	}
	frame, err := marshalEvent(event, data, 0)
	if err != nil {
		slog.Error("gateway.marshal event", "event", event, "error", err)
		return false
	}
	c.deliver("", event, frame)
	return true
}

// Subscribe updates c's subscription set and replays history after
// lastSeq, followed by a snapshot for every key with a live run. The
// emit lock is held across the store read so nothing appended after the
// query can slip out before the replayed rows: the client observes no
// gap and no duplicate around the cut point.
func (h *Hub) Subscribe(ctx context.Context, c *Client, keys []string, lastSeq int64) (int, error) {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()

	c.setSubscriptions(keys)

	replayed := 0
	if h.store != nil {
		rows, err := h.store.QueryEvents(ctx, keys, lastSeq)
		if err != nil {
			return 0, err
		}
		if len(rows) > maxReplayEvents {
			rows = rows[len(rows)-maxReplayEvents:]
		}
		for _, row := range rows {
			frame, err := json.Marshal(protocol.Event{
				Event: row.EventType,
				Data:  json.RawMessage(row.Payload),
				Seq:   row.Seq,
			})
			if err != nil {
				continue
			}
			c.deliver(row.SessionKey, row.EventType, frame)
		}
		replayed = len(rows)
	}

	h.deliverSnapshots(c, keys)
	return replayed, nil
}

// Unsubscribe drops keys from c's subscription set. Unknown keys are
// ignored.
func (h *Hub) Unsubscribe(c *Client, keys []string) {
	c.dropSubscriptions(keys)
}

// welcome pushes the initial status.update carrying the full active-run
// set to a freshly authenticated client.
func (h *Hub) welcome(c *Client) {
	var active []string
	if h.registry != nil {
		active = h.registry.ActiveRunKeys()
	}
	frame, err := marshalEvent(protocol.EventStatusUpdate, agent.StatusUpdatePayload{ActiveKeys: active}, 0)
	if err != nil {
		return
	}
	c.deliver("", protocol.EventStatusUpdate, frame)
}

// sweep re-syncs subscribers that shed stream frames: once a client's
// queue drains, each stale key gets the current session snapshot and
// live streaming resumes.
func (h *Hub) sweep() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		keys := c.recoverStaleKeys()
		if len(keys) == 0 {
			continue
		}
		h.deliverSnapshots(c, keys)
		slog.Debug("gateway.backpressure recovered", "client", c.id, "keys", len(keys))
	}
}

func (h *Hub) deliverSnapshots(c *Client, keys []string) {
	if h.snapshots == nil {
		return
	}
	for _, key := range keys {
		snap := h.snapshots.Get(key)
		if snap == nil {
			continue
		}
		frame, err := marshalEvent(protocol.EventSessionSnapshot, snap, 0)
		if err != nil {
			continue
		}
		c.deliver(key, protocol.EventSessionSnapshot, frame)
	}
}

func marshalEvent(event string, data any, seq int64) ([]byte, error) {
	return json.Marshal(protocol.Event{Event: event, Data: data, Seq: seq})
}
