package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/pylonhq/pylon/pkg/protocol"
)

// okResult is the response body for handlers that return nil.
var okResult = map[string]bool{"ok": true}

// HandlerFunc executes one RPC method. A non-nil *protocol.Error becomes
// `{id, error}`; otherwise the result (or `{ok:true}` when nil) is sent
// as `{id, result}`.
type HandlerFunc func(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.Error)

// MethodRouter dispatches authenticated RPC requests by method name.
// Registration happens during wiring; dispatch runs on client read loops.
type MethodRouter struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewMethodRouter() *MethodRouter {
	return &MethodRouter{handlers: make(map[string]HandlerFunc)}
}

// Register binds a method name to its handler. Later registrations
// replace earlier ones.
func (r *MethodRouter) Register(method string, h HandlerFunc) {
	r.mu.Lock()
	r.handlers[method] = h
	r.mu.Unlock()
}

// dispatch runs the handler for req and sends the response on c. Every
// method except auth and health requires a completed handshake.
func (r *MethodRouter) dispatch(ctx context.Context, c *Client, req *protocol.Request) {
	r.mu.RLock()
	h, ok := r.handlers[req.Method]
	r.mu.RUnlock()

	if !ok {
		c.sendResponse(protocol.Response{ID: req.ID, Error: protocol.Errorf(protocol.CodeNotFound, "unknown method: %s", req.Method)})
		return
	}

	if !c.Authed() && req.Method != protocol.MethodAuth && req.Method != protocol.MethodHealth {
		c.sendResponse(protocol.Response{ID: req.ID, Error: protocol.Errorf(protocol.CodeUnauthorized, "authenticate first")})
		return
	}

	result, rpcErr := h(ctx, c, req.Params)
	if rpcErr != nil {
		c.sendResponse(protocol.Response{ID: req.ID, Error: rpcErr})
		// Failed handshakes get their response flushed, then the socket
		// goes away.
		if req.Method == protocol.MethodAuth {
			slog.Warn("gateway.auth failed", "remote", c.remoteAddr)
			time.AfterFunc(authFailGrace, c.Close)
		}
		return
	}
	if result == nil {
		result = okResult
	}
	c.sendResponse(protocol.Response{ID: req.ID, Result: result})
}
