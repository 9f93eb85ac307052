// Package methods implements the gateway's RPC surface. Each group of
// related methods is one struct wired with exactly the dependencies its
// handlers touch; Register binds it onto the method router.
package methods

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/pylonhq/pylon/internal/agent"
	"github.com/pylonhq/pylon/internal/gateway"
	"github.com/pylonhq/pylon/internal/sessions"
	"github.com/pylonhq/pylon/internal/store"
	"github.com/pylonhq/pylon/pkg/protocol"
)

// SessionMethods covers subscription management and session lifecycle.
type SessionMethods struct {
	hub        *gateway.Hub
	registry   *sessions.Registry
	store      *store.Store
	dispatcher *agent.Dispatcher
}

func NewSessionMethods(hub *gateway.Hub, registry *sessions.Registry, st *store.Store, dispatcher *agent.Dispatcher) *SessionMethods {
	return &SessionMethods{hub: hub, registry: registry, store: st, dispatcher: dispatcher}
}

func (m *SessionMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodSessionsSubscribe, m.handleSubscribe)
	router.Register(protocol.MethodSessionsUnsubscribe, m.handleUnsubscribe)
	router.Register(protocol.MethodSessionsList, m.handleList)
	router.Register(protocol.MethodSessionsGet, m.handleGet)
	router.Register(protocol.MethodSessionsDelete, m.handleDelete)
	router.Register(protocol.MethodSessionsReset, m.handleReset)
	router.Register(protocol.MethodSessionsResume, m.handleResume)
}

func (m *SessionMethods) handleSubscribe(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		Keys    []string `json:"keys"`
		LastSeq int64    `json:"lastSeq"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.Errorf(protocol.CodeBadParams, "invalid params: %v", err)
	}
	if len(p.Keys) == 0 {
		return nil, protocol.Errorf(protocol.CodeBadParams, "keys required")
	}

	replayed, err := m.hub.Subscribe(ctx, c, p.Keys, p.LastSeq)
	if err != nil {
		slog.Error("sessions.subscribe replay failed", "error", err)
		return nil, protocol.Errorf(protocol.CodeInternal, "replay failed")
	}
	return map[string]int{"replayed": replayed}, nil
}

func (m *SessionMethods) handleUnsubscribe(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		Keys []string `json:"keys"`
	}
	if len(params) > 0 {
		json.Unmarshal(params, &p)
	}
	// Unknown keys unsubscribe cleanly; the call is idempotent.
	m.hub.Unsubscribe(c, p.Keys)
	return nil, nil
}

func (m *SessionMethods) handleList(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	return map[string]any{"sessions": m.registry.List()}, nil
}

func (m *SessionMethods) handleGet(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	key, rpcErr := sessionKeyParam(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	sess := m.registry.Get(key)
	if sess == nil {
		return nil, protocol.Errorf(protocol.CodeNotFound, "unknown session: %s", key)
	}
	return sess, nil
}

// handleDelete stops any live run, then drops the session and its event
// history. Deleting an unknown key succeeds.
func (m *SessionMethods) handleDelete(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	key, rpcErr := sessionKeyParam(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	if m.dispatcher != nil {
		m.dispatcher.Abort(key)
	}
	m.registry.Remove(key)
	if m.store != nil {
		if err := m.store.DeleteEventsForKey(ctx, key); err != nil {
			slog.Warn("sessions.delete events failed", "key", key, "error", err)
		}
	}
	m.hub.BroadcastGlobal(protocol.EventSessionUpdate, map[string]any{"sessionKey": key, "deleted": true})
	return nil, nil
}

func (m *SessionMethods) handleReset(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	key, rpcErr := sessionKeyParam(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	sess := m.registry.Reset(key)
	if sess == nil {
		return nil, protocol.Errorf(protocol.CodeNotFound, "unknown session: %s", key)
	}
	m.hub.BroadcastGlobal(protocol.EventSessionUpdate, sess)
	return sess, nil
}

// handleResume rebinds the provider conversation for a session: the next
// run continues from the given provider resume id (empty clears it).
func (m *SessionMethods) handleResume(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		ResumeID   string `json:"providerResumeId"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" {
		return nil, protocol.Errorf(protocol.CodeBadParams, "sessionKey required")
	}
	if m.registry.Get(p.SessionKey) == nil {
		return nil, protocol.Errorf(protocol.CodeNotFound, "unknown session: %s", p.SessionKey)
	}
	m.registry.SetProviderResumeID(p.SessionKey, p.ResumeID)
	return m.registry.Get(p.SessionKey), nil
}

func sessionKeyParam(params json.RawMessage) (string, *protocol.Error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" {
		return "", protocol.Errorf(protocol.CodeBadParams, "sessionKey required")
	}
	return p.SessionKey, nil
}
