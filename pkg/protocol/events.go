package protocol

// Event names pushed from the gateway to subscribers. Session-scoped
// events carry a sessionKey in their payload and reach only clients
// subscribed to that key; the rest are global.

const (
	// Global.
	EventStatusUpdate  = "status.update"
	EventSessionUpdate = "session.update"
	EventChannelMsg    = "channel.message"
	EventChannelStatus = "channel.status"
	EventReauthNeeded  = "auth.reauth_required"

	// Session-scoped.
	EventSessionSnapshot   = "session.snapshot"
	EventUserMessage       = "agent.user_message"
	EventStream            = "agent.stream"
	EventStreamBatch       = "agent.stream_batch"
	EventMessage           = "agent.message"
	EventToolUse           = "agent.tool_use"
	EventToolResult        = "agent.tool_result"
	EventToolNotify        = "agent.tool_notify"
	EventToolApproval      = "agent.tool_approval"
	EventAskUser           = "agent.ask_user"
	EventResult            = "agent.result"
	EventError             = "agent.error"
	EventQuestionDismissed = "question.dismissed"

	// Client-scoped, never persisted.
	EventFSWatch = "fs.watch"
)

// Persistable reports whether an event type belongs in the event log.
// agent.error and question.dismissed are transient; snapshots and watch
// notifications are reconstructions, not history.
func Persistable(event string) bool {
	switch event {
	case EventUserMessage, EventStream, EventMessage,
		EventToolUse, EventToolResult, EventToolNotify,
		EventToolApproval, EventAskUser, EventResult:
		return true
	default:
		return false
	}
}
