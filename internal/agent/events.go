package agent

import (
	"encoding/json"

	"github.com/pylonhq/pylon/internal/approvals"
)

// Broadcaster fans events out to gateway subscribers. Session events are
// persisted (when their type is persistable) before delivery; global
// events reach every authenticated client.
type Broadcaster interface {
	BroadcastSession(sessionKey, event string, data any)
	BroadcastGlobal(event string, data any)
}

// UserMessagePayload accompanies agent.user_message.
type UserMessagePayload struct {
	SessionKey string `json:"sessionKey"`
	Text       string `json:"text"`
	Sender     string `json:"sender,omitempty"`
	Channel    string `json:"channel,omitempty"`
	Injected   bool   `json:"injected,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// StreamPayload accompanies agent.stream: the provider's stream event
// verbatim, plus routing.
type StreamPayload struct {
	SessionKey string          `json:"sessionKey"`
	Event      json.RawMessage `json:"event"`
}

// MessagePayload accompanies agent.message: a full assistant message,
// used by non-streaming turns and subagent traffic.
type MessagePayload struct {
	SessionKey      string          `json:"sessionKey"`
	Message         json.RawMessage `json:"message"`
	ParentToolUseID *string         `json:"parentToolUseId"`
}

// ToolUsePayload accompanies agent.tool_use.
type ToolUsePayload struct {
	SessionKey string          `json:"sessionKey"`
	ToolID     string          `json:"toolId,omitempty"`
	Tool       string          `json:"tool"`
	Input      json.RawMessage `json:"input,omitempty"`
	Detail     string          `json:"detail,omitempty"`
}

// ToolResultPayload accompanies agent.tool_result. ParentToolUseID is
// null for top-level results and set for subagent traffic.
type ToolResultPayload struct {
	SessionKey      string          `json:"sessionKey"`
	ToolID          string          `json:"toolId,omitempty"`
	Content         json.RawMessage `json:"content,omitempty"`
	IsError         bool            `json:"isError,omitempty"`
	ParentToolUseID *string         `json:"parentToolUseId"`
}

// ToolNotifyPayload accompanies agent.tool_notify.
type ToolNotifyPayload struct {
	SessionKey string          `json:"sessionKey"`
	Tool       string          `json:"tool"`
	Input      json.RawMessage `json:"input,omitempty"`
	Detail     string          `json:"detail,omitempty"`
}

// ToolApprovalPayload accompanies agent.tool_approval.
type ToolApprovalPayload struct {
	SessionKey string          `json:"sessionKey"`
	RequestID  string          `json:"requestId"`
	Tool       string          `json:"tool"`
	Input      json.RawMessage `json:"input,omitempty"`
	Tier       approvals.Tier  `json:"tier"`
}

// AskUserPayload accompanies agent.ask_user.
type AskUserPayload struct {
	SessionKey string               `json:"sessionKey"`
	RequestID  string               `json:"requestId"`
	Questions  []approvals.Question `json:"questions"`
}

// ResultPayload accompanies agent.result.
type ResultPayload struct {
	SessionKey   string          `json:"sessionKey"`
	Text         string          `json:"text"`
	IsError      bool            `json:"isError,omitempty"`
	DurationMS   int64           `json:"durationMs,omitempty"`
	TotalCostUSD float64         `json:"totalCostUsd,omitempty"`
	Usage        json.RawMessage `json:"usage,omitempty"`
}

// ErrorPayload accompanies agent.error. Never persisted.
type ErrorPayload struct {
	SessionKey string `json:"sessionKey"`
	Error      string `json:"error"`
}

// StatusUpdatePayload accompanies status.update: per-key activeRun
// flips, and the full active set on connect.
type StatusUpdatePayload struct {
	SessionKey string   `json:"sessionKey,omitempty"`
	ActiveRun  bool     `json:"activeRun"`
	ActiveKeys []string `json:"activeKeys,omitempty"`
}

// ReauthPayload accompanies auth.reauth_required.
type ReauthPayload struct {
	AuthURL string `json:"authUrl"`
	Reason  string `json:"reason,omitempty"`
}

// QuestionDismissedPayload accompanies question.dismissed.
type QuestionDismissedPayload struct {
	SessionKey string `json:"sessionKey"`
	RequestID  string `json:"requestId"`
}
