package methods

import (
	"context"
	"encoding/json"

	"github.com/pylonhq/pylon/internal/approvals"
	"github.com/pylonhq/pylon/internal/gateway"
	"github.com/pylonhq/pylon/pkg/protocol"
)

// ToolMethods resolves suspended tool approvals. The rendezvous is
// one-shot: whichever of RPC, channel button, or timeout writes first
// wins, so approving an already-resolved request reports not_found.
type ToolMethods struct {
	approvals *approvals.ApprovalRegistry
}

func NewToolMethods(reg *approvals.ApprovalRegistry) *ToolMethods {
	return &ToolMethods{approvals: reg}
}

func (m *ToolMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodToolApprove, m.handleApprove)
	router.Register(protocol.MethodToolDeny, m.handleDeny)
	router.Register(protocol.MethodToolPending, m.handlePending)
}

func (m *ToolMethods) handleApprove(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		RequestID    string          `json:"requestId"`
		UpdatedInput json.RawMessage `json:"updatedInput"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.RequestID == "" {
		return nil, protocol.Errorf(protocol.CodeBadParams, "requestId required")
	}

	ok := m.approvals.Resolve(p.RequestID, approvals.Resolution{
		Approved:     true,
		UpdatedInput: p.UpdatedInput,
	})
	if !ok {
		return nil, protocol.Errorf(protocol.CodeNotFound, "unknown or already resolved approval: %s", p.RequestID)
	}
	return nil, nil
}

func (m *ToolMethods) handleDeny(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		RequestID string `json:"requestId"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.RequestID == "" {
		return nil, protocol.Errorf(protocol.CodeBadParams, "requestId required")
	}
	if p.Reason == "" {
		p.Reason = "denied by user"
	}

	ok := m.approvals.Resolve(p.RequestID, approvals.Resolution{
		Approved: false,
		Reason:   p.Reason,
	})
	if !ok {
		return nil, protocol.Errorf(protocol.CodeNotFound, "unknown or already resolved approval: %s", p.RequestID)
	}
	return nil, nil
}

func (m *ToolMethods) handlePending(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	return map[string]any{"approvals": m.approvals.List()}, nil
}
