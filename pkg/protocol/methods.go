package protocol

// RPC method names dispatched by the gateway router.

// Connection.
const (
	MethodAuth   = "auth"
	MethodHealth = "health"
)

// Session subscription and lifecycle.
const (
	MethodSessionsSubscribe   = "sessions.subscribe"
	MethodSessionsUnsubscribe = "sessions.unsubscribe"
	MethodSessionsList        = "sessions.list"
	MethodSessionsGet         = "sessions.get"
	MethodSessionsDelete      = "sessions.delete"
	MethodSessionsReset       = "sessions.reset"
	MethodSessionsResume      = "sessions.resume"
)

// Chat.
const (
	MethodChatSend           = "chat.send"
	MethodChatAnswerQuestion = "chat.answerQuestion"
	MethodChatHistory        = "chat.history"
)

// Live-run control.
const (
	MethodAgentAbort     = "agent.abort"
	MethodAgentInterrupt = "agent.interrupt"
	MethodAgentSetModel  = "agent.setModel"
	MethodAgentStopTask  = "agent.stopTask"
	MethodAgentMCPStatus = "agent.mcpStatus"
)

// Tool approval rendezvous.
const (
	MethodToolApprove = "tool.approve"
	MethodToolDeny    = "tool.deny"
	MethodToolPending = "tool.pending"
)

// Channels.
const (
	MethodChannelsList   = "channels.list"
	MethodChannelsStatus = "channels.status"
	MethodChannelsSend   = "channels.send"
)

// Calendar rules.
const (
	MethodCalendarList   = "calendar.list"
	MethodCalendarAdd    = "calendar.add"
	MethodCalendarRemove = "calendar.remove"
	MethodCalendarToggle = "calendar.toggle"
	MethodCalendarRun    = "calendar.run"
)

// Config.
const (
	MethodConfigGet = "config.get"
	MethodConfigSet = "config.set"
)

// Workspace filesystem.
const (
	MethodFSList       = "fs.list"
	MethodFSRead       = "fs.read"
	MethodFSWrite      = "fs.write"
	MethodFSMkdir      = "fs.mkdir"
	MethodFSDelete     = "fs.delete"
	MethodFSRename     = "fs.rename"
	MethodFSWatchStart = "fs.watch.start"
	MethodFSWatchStop  = "fs.watch.stop"
)
