package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame shapes exchanged with gateway clients over the WebSocket.
// Requests carry a method name; responses echo the request id with either
// a result or an error; events are server-push frames with no id.

// Request is a client → server RPC call.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers exactly one Request.
type Response struct {
	ID     string `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error is the structured error carried in a Response.
type Error struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

// Errorf builds a protocol error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Event is a server → client push frame. Seq is set only when the event
// was persisted to the event log; clients use it as their replay cursor.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
	Seq   int64  `json:"seq,omitempty"`
}

// FrameKind distinguishes the three wire shapes when sniffing raw frames.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameRequest
	FrameResponse
	FrameEvent
)

// SniffFrame inspects a raw frame and reports its kind without a full
// decode. A frame with a method is a request; with an event name, an
// event; with only an id, a response.
func SniffFrame(raw []byte) FrameKind {
	var probe struct {
		ID     string `json:"id"`
		Method string `json:"method"`
		Event  string `json:"event"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return FrameUnknown
	}
	switch {
	case probe.Method != "":
		return FrameRequest
	case probe.Event != "":
		return FrameEvent
	case probe.ID != "":
		return FrameResponse
	default:
		return FrameUnknown
	}
}

// Common error codes.
const (
	CodeBadParams    = "bad_params"
	CodeUnauthorized = "unauthorized"
	CodeNotFound     = "not_found"
	CodeUnavailable  = "unavailable"
	CodeInternal     = "internal"
)
