package methods

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/pylonhq/pylon/internal/agent"
	"github.com/pylonhq/pylon/internal/gateway"
	"github.com/pylonhq/pylon/pkg/protocol"
)

// AgentMethods controls live runs: abort, interrupt, model switch,
// sub-task cancellation, and MCP server health.
type AgentMethods struct {
	dispatcher *agent.Dispatcher
}

func NewAgentMethods(dispatcher *agent.Dispatcher) *AgentMethods {
	return &AgentMethods{dispatcher: dispatcher}
}

func (m *AgentMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodAgentAbort, m.handleAbort)
	router.Register(protocol.MethodAgentInterrupt, m.handleInterrupt)
	router.Register(protocol.MethodAgentSetModel, m.handleSetModel)
	router.Register(protocol.MethodAgentStopTask, m.handleStopTask)
	router.Register(protocol.MethodAgentMCPStatus, m.handleMCPStatus)
}

func (m *AgentMethods) handleAbort(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	key, rpcErr := sessionKeyParam(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	// Aborting an idle session succeeds with aborted=false.
	return map[string]bool{"aborted": m.dispatcher.Abort(key)}, nil
}

func (m *AgentMethods) handleInterrupt(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	key, rpcErr := sessionKeyParam(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := m.dispatcher.Interrupt(key); err != nil {
		return nil, runControlError(key, err)
	}
	return nil, nil
}

func (m *AgentMethods) handleSetModel(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		Model      string `json:"model"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" || p.Model == "" {
		return nil, protocol.Errorf(protocol.CodeBadParams, "sessionKey and model required")
	}
	if err := m.dispatcher.SetModel(p.SessionKey, p.Model); err != nil {
		return nil, runControlError(p.SessionKey, err)
	}
	return nil, nil
}

func (m *AgentMethods) handleStopTask(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		TaskID     string `json:"taskId"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" || p.TaskID == "" {
		return nil, protocol.Errorf(protocol.CodeBadParams, "sessionKey and taskId required")
	}
	if err := m.dispatcher.StopTask(p.SessionKey, p.TaskID); err != nil {
		return nil, runControlError(p.SessionKey, err)
	}
	return nil, nil
}

func (m *AgentMethods) handleMCPStatus(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	key, rpcErr := sessionKeyParam(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	servers, err := m.dispatcher.MCPStatus(key)
	if err != nil {
		return nil, runControlError(key, err)
	}
	return map[string]any{"servers": servers}, nil
}

func runControlError(key string, err error) *protocol.Error {
	if errors.Is(err, agent.ErrNoActiveRun) {
		return protocol.Errorf(protocol.CodeNotFound, "no active run for %s", key)
	}
	return protocol.Errorf(protocol.CodeInternal, "%v", err)
}
