// Package channels connects chat transports to the agent runtime. Each
// transport implements Adapter; the Manager owns adapter lifecycle,
// routes outbound operations from the run loop, and funnels everything
// adapters produce (messages, slash commands, button taps, transport
// state) through a single Handler.
package channels

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/pylonhq/pylon/internal/bus"
)

// Channels without a transport adapter. Desktop clients speak the
// gateway protocol directly; calendar and bg exist only as session
// namespaces.
var adapterless = map[string]bool{
	"desktop":  true,
	"calendar": true,
	"bg":       true,
}

// IsAdapterless reports whether a channel name has no transport.
func IsAdapterless(name string) bool { return adapterless[name] }

// Adapter is one chat transport. Start begins the receive loop and must
// be non-blocking after setup; the remaining methods are outbound
// operations issued through the Manager.
type Adapter interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running() bool

	Send(ctx context.Context, chatID, text string) (messageID string, err error)
	Edit(ctx context.Context, chatID, messageID, text string) error
	Delete(ctx context.Context, chatID, messageID string) error
	Typing(ctx context.Context, chatID string) error
	SendApproval(ctx context.Context, chatID string, req ApprovalPrompt) error
	SendQuestion(ctx context.Context, chatID string, q QuestionPrompt) error
}

// MediaSender is implemented by adapters that can deliver file
// attachments alongside or instead of text.
type MediaSender interface {
	SendMedia(ctx context.Context, chatID string, media []bus.MediaAttachment, caption string) error
}

// ApprovalPrompt is a pending tool approval rendered as an interactive
// channel message: inline keyboard on telegram, numbered reply on
// whatsapp.
type ApprovalPrompt struct {
	RequestID string
	Tool      string
	Detail    string
}

// QuestionPrompt is one agent question with its tappable options.
type QuestionPrompt struct {
	RequestID string
	Index     int
	Question  string
	Header    string
	Options   []string
}

// Command is a slash command addressed to the daemon rather than the
// agent.
type Command struct {
	Channel  string
	ChatID   string
	ChatType string // "dm" or "group"
	SenderID string
	Name     string // lowercased, no leading slash
	Args     string
}

// Handler receives everything adapters produce. HandleCommand returns
// the reply to show in the chat, empty for none. The response handlers
// report whether the request id was still pending.
type Handler interface {
	HandleInbound(msg bus.InboundMessage)
	HandleCommand(ctx context.Context, cmd Command) string
	HandleApprovalResponse(ctx context.Context, requestID string, approved bool, reason string) bool
	HandleQuestionResponse(ctx context.Context, requestID string, index int, label string) bool
	HandleStatus(channel, state, detail string)
}

// BaseAdapter carries the pieces every transport shares: name, running
// flag, allowlist, and the handler sink. Adapter implementations embed
// it.
type BaseAdapter struct {
	name    string
	handler Handler
	allow   []string
	running atomic.Bool
}

// NewBaseAdapter builds the shared adapter state. allowFrom entries may
// be numeric ids, usernames (with or without "@"), or compound
// "id|username".
func NewBaseAdapter(name string, handler Handler, allowFrom []string) *BaseAdapter {
	return &BaseAdapter{name: name, handler: handler, allow: allowFrom}
}

// Name returns the channel identifier.
func (b *BaseAdapter) Name() string { return b.name }

// Running reports whether the adapter is processing traffic.
func (b *BaseAdapter) Running() bool { return b.running.Load() }

// SetRunning updates the running flag.
func (b *BaseAdapter) SetRunning(v bool) { b.running.Store(v) }

// Handler returns the inbound sink.
func (b *BaseAdapter) Handler() Handler { return b.handler }

// HasAllowlist reports whether an allowlist is configured.
func (b *BaseAdapter) HasAllowlist() bool { return len(b.allow) > 0 }

// Allowed checks a sender against the allowlist. An empty allowlist
// admits everyone. senderID may be compound "id|username"; a sender
// matches when either part equals an entry's id or username.
func (b *BaseAdapter) Allowed(senderID string) bool {
	if len(b.allow) == 0 {
		return true
	}

	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range b.allow {
		trimmed := strings.TrimPrefix(allowed, "@")
		allowedID := trimmed
		allowedUser := ""
		if idx := strings.Index(trimmed, "|"); idx > 0 {
			allowedID = trimmed[:idx]
			allowedUser = trimmed[idx+1:]
		}

		if senderID == allowed ||
			idPart == allowed ||
			senderID == trimmed ||
			idPart == trimmed ||
			idPart == allowedID ||
			(allowedUser != "" && senderID == allowedUser) ||
			(userPart != "" && (userPart == allowed || userPart == trimmed || userPart == allowedUser)) {
			return true
		}
	}

	return false
}

// CheckGroupPolicy evaluates a group message: "open" (the default)
// accepts all, "allowlist" requires the sender to pass Allowed,
// "disabled" rejects.
func (b *BaseAdapter) CheckGroupPolicy(policy, senderID string) bool {
	switch policy {
	case "disabled":
		return false
	case "allowlist":
		return b.Allowed(senderID)
	default: // "open"
		return true
	}
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
