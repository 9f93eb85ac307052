package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pylonhq/pylon/pkg/protocol"
)

const (
	// authTimeout bounds the handshake: the first auth request must
	// arrive within it or the socket is closed.
	authTimeout   = 5 * time.Second
	authFailGrace = 250 * time.Millisecond

	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second

	maxInboundBytes = 1 << 20
	sendQueueFrames = 2048

	// highWatermark is the buffered-byte threshold past which
	// agent.stream frames are shed for a subscriber; lowWatermark is the
	// drain level at which the recovery sweep re-syncs it.
	highWatermark = 64 << 10
	lowWatermark  = 16 << 10

	// batchFlushDelay is how long stream frames may sit in the coalescing
	// buffer before a forced flush.
	batchFlushDelay = 16 * time.Millisecond
)

// Client is one WebSocket subscriber. The read loop dispatches RPC
// requests; the write pump drains the send queue. All outbound frames
// pass through deliver/sendResponse so ordering and backpressure rules
// hold regardless of origin.
type Client struct {
	id         string
	srv        *Server
	conn       *websocket.Conn
	remoteAddr string

	send      chan []byte
	queued    atomic.Int64 // bytes sitting in send
	authed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	subscribed map[string]struct{}
	staleKeys  map[string]struct{}
	batch      []json.RawMessage
	batchTimer *time.Timer
}

// NewClient wraps an upgraded connection. The client is inert until Run.
func NewClient(conn *websocket.Conn, srv *Server) *Client {
	addr := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return &Client{
		id:         uuid.NewString(),
		srv:        srv,
		conn:       conn,
		remoteAddr: addr,
		send:       make(chan []byte, sendQueueFrames),
		done:       make(chan struct{}),
		subscribed: make(map[string]struct{}),
		staleKeys:  make(map[string]struct{}),
	}
}

// ID returns the connection-scoped client id.
func (c *Client) ID() string { return c.id }

// Authed reports whether the handshake completed.
func (c *Client) Authed() bool { return c.authed.Load() }

// markAuthed flips the client into the authenticated state and relaxes
// the read deadline from the handshake window to keepalive terms. Runs
// on the read goroutine (called from the auth handler).
func (c *Client) markAuthed() {
	c.authed.Store(true)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
}

// Run pumps the connection until it drops. Blocks; the caller owns
// registration around it.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()

	c.conn.SetReadLimit(maxInboundBytes)
	c.conn.SetReadDeadline(time.Now().Add(authTimeout))
	c.conn.SetPongHandler(func(string) error {
		if c.authed.Load() {
			c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		}
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("gateway.read closed", "client", c.id, "error", err)
			}
			return
		}
		if protocol.SniffFrame(raw) != protocol.FrameRequest {
			continue
		}
		var req protocol.Request
		if err := json.Unmarshal(raw, &req); err != nil || req.ID == "" {
			slog.Debug("gateway.bad request frame", "client", c.id, "error", err)
			continue
		}
		c.srv.router.dispatch(ctx, c, &req)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			c.queued.Add(-int64(len(frame)))
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Close tears the connection down. Idempotent; safe from any goroutine.
// Registry cleanup happens in the connection handler, not here.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
		c.mu.Lock()
		if c.batchTimer != nil {
			c.batchTimer.Stop()
			c.batchTimer = nil
		}
		c.mu.Unlock()
	})
}

// deliver routes one marshaled event frame to this subscriber. key is
// empty for global and client-scoped frames. Stream frames are shed
// under backpressure and coalesced into batches; every other type
// flushes the batch first so relative order is preserved.
func (c *Client) deliver(key, event string, frame []byte) {
	if !c.authed.Load() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if key != "" {
		if _, ok := c.subscribed[key]; !ok {
			return
		}
	}

	if event == protocol.EventStream {
		if c.queued.Load() > highWatermark {
			c.staleKeys[key] = struct{}{}
			return
		}
		c.batch = append(c.batch, json.RawMessage(frame))
		if c.batchTimer == nil {
			c.batchTimer = time.AfterFunc(batchFlushDelay, c.flushBatch)
		}
		return
	}

	c.flushBatchLocked()
	c.enqueueLocked(frame)
}

// sendResponse enqueues an RPC response. The pending batch is flushed
// first so a response never overtakes events its handler emitted.
func (c *Client) sendResponse(resp protocol.Response) {
	frame, err := json.Marshal(resp)
	if err != nil {
		slog.Error("gateway.marshal response", "error", err)
		return
	}
	c.mu.Lock()
	c.flushBatchLocked()
	c.enqueueLocked(frame)
	c.mu.Unlock()
}

func (c *Client) flushBatch() {
	c.mu.Lock()
	c.flushBatchLocked()
	c.mu.Unlock()
}

// flushBatchLocked drains the coalescing buffer: one pending frame goes
// out verbatim, several wrap in an agent.stream_batch envelope whose
// data is the array of original event frames.
func (c *Client) flushBatchLocked() {
	if c.batchTimer != nil {
		c.batchTimer.Stop()
		c.batchTimer = nil
	}
	if len(c.batch) == 0 {
		return
	}
	batch := c.batch
	c.batch = nil

	if len(batch) == 1 {
		c.enqueueLocked([]byte(batch[0]))
		return
	}
	frame, err := json.Marshal(protocol.Event{Event: protocol.EventStreamBatch, Data: batch})
	if err != nil {
		slog.Error("gateway.marshal batch", "error", err)
		return
	}
	c.enqueueLocked(frame)
}

// enqueueLocked puts a frame on the send queue without blocking. A full
// queue means the write pump is wedged; the subscriber is dropped rather
// than stalling the hub. Close runs on its own goroutine because it
// re-acquires c.mu, which the caller holds.
func (c *Client) enqueueLocked(frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- frame:
		c.queued.Add(int64(len(frame)))
	default:
		slog.Warn("gateway.send queue full, dropping client", "client", c.id)
		go c.Close()
	}
}

// setSubscriptions merges keys into the subscription set.
func (c *Client) setSubscriptions(keys []string) {
	c.mu.Lock()
	for _, k := range keys {
		c.subscribed[k] = struct{}{}
	}
	c.mu.Unlock()
}

// dropSubscriptions removes keys; unknown keys are fine.
func (c *Client) dropSubscriptions(keys []string) {
	c.mu.Lock()
	for _, k := range keys {
		delete(c.subscribed, k)
		delete(c.staleKeys, k)
	}
	c.mu.Unlock()
}

// recoverStaleKeys returns and clears the stale set once the send queue
// has drained below the low watermark. Empty while still congested.
func (c *Client) recoverStaleKeys() []string {
	if c.queued.Load() > lowWatermark {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.staleKeys) == 0 {
		return nil
	}
	keys := make([]string, 0, len(c.staleKeys))
	for k := range c.staleKeys {
		keys = append(keys, k)
	}
	c.staleKeys = make(map[string]struct{})
	return keys
}
