package provider

import (
	"encoding/json"
	"fmt"
)

// Message types emitted by the CLI stream.
const (
	TypeSystem          = "system"
	TypeStreamEvent     = "stream_event"
	TypeAssistant       = "assistant"
	TypeUser            = "user"
	TypeResult          = "result"
	TypeControlRequest  = "control_request"
	TypeControlResponse = "control_response"
)

// Control request subtypes.
const (
	ControlCanUseTool = "can_use_tool"
	ControlInterrupt  = "interrupt"
	ControlSetModel   = "set_model"
	ControlStopTask   = "stop_task"
)

// Message is one line of the provider's NDJSON stream. Fields are a
// superset across message types; consult Type to know which apply. Raw
// always holds the original line so downstream consumers can broadcast
// payloads verbatim.
type Message struct {
	Type            string          `json:"type"`
	Subtype         string          `json:"subtype,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
	Event           json.RawMessage `json:"event,omitempty"`   // stream_event
	Message         json.RawMessage `json:"message,omitempty"` // assistant / user
	ParentToolUseID *string         `json:"parent_tool_use_id,omitempty"`
	RequestID       string          `json:"request_id,omitempty"` // control_request
	Request         *ControlRequest `json:"request,omitempty"`    // control_request
	Result          string          `json:"result,omitempty"`     // result
	IsError         bool            `json:"is_error,omitempty"`   // result
	DurationMS      int64           `json:"duration_ms,omitempty"`
	TotalCostUSD    float64         `json:"total_cost_usd,omitempty"`
	Usage           json.RawMessage `json:"usage,omitempty"`
	Model           string          `json:"model,omitempty"`
	MCPServers      []MCPServerInfo `json:"mcp_servers,omitempty"` // system/init

	Raw json.RawMessage `json:"-"`
}

// ControlRequest is the body of a control_request from the CLI. Only
// can_use_tool arrives inbound; the other subtypes are outbound.
type ControlRequest struct {
	Subtype               string          `json:"subtype"`
	ToolName              string          `json:"tool_name,omitempty"`
	Input                 json.RawMessage `json:"input,omitempty"`
	PermissionSuggestions json.RawMessage `json:"permission_suggestions,omitempty"`
}

// PermissionResult is the gateway's answer to a can_use_tool request.
type PermissionResult struct {
	Behavior     string          `json:"behavior"` // "allow" | "deny"
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// Allow builds an allow result, optionally with modified input.
func Allow(updatedInput json.RawMessage) PermissionResult {
	return PermissionResult{Behavior: "allow", UpdatedInput: updatedInput}
}

// Deny builds a deny result with a reason shown to the agent.
func Deny(reason string) PermissionResult {
	return PermissionResult{Behavior: "deny", Message: reason}
}

// ParseMessage decodes one NDJSON line, retaining the raw bytes.
func ParseMessage(line []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, fmt.Errorf("parse stream message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("stream message missing type")
	}
	m.Raw = append(json.RawMessage(nil), line...)
	return m, nil
}

// IsInit reports whether the message is the system/init handshake.
func (m Message) IsInit() bool {
	return m.Type == TypeSystem && m.Subtype == "init"
}

// IsPermissionRequest reports whether the message is a can_use_tool
// control request awaiting a decision.
func (m Message) IsPermissionRequest() bool {
	return m.Type == TypeControlRequest && m.Request != nil && m.Request.Subtype == ControlCanUseTool
}

// StreamEventType extracts the nested event type of a stream_event
// message ("content_block_start", "content_block_delta", ...). Empty on
// any other message type or malformed event.
func (m Message) StreamEventType() string {
	if m.Type != TypeStreamEvent || len(m.Event) == 0 {
		return ""
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(m.Event, &probe); err != nil {
		return ""
	}
	return probe.Type
}

// userTurn is the stdin envelope for an injected user message.
type userTurn struct {
	Type    string       `json:"type"`
	Message messageInner `json:"message"`
}

type messageInner struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// controlEnvelope is the stdin envelope for outbound control traffic.
type controlEnvelope struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Request   any    `json:"request,omitempty"`
	Response  any    `json:"response,omitempty"`
}

type controlResponseBody struct {
	Subtype   string `json:"subtype"`
	RequestID string `json:"request_id"`
	Response  any    `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
}
