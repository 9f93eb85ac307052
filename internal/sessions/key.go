// Package sessions — session identity and lifecycle.
//
// Session keys follow the canonical format:
//
//	{channel}:{chatType}:{chatId}
//
// Where channel names the transport (desktop, whatsapp, telegram,
// calendar, bg), chatType is "dm" or "group", and chatId is an opaque
// conversation identifier owned by the transport.
//
// Examples:
//
//	telegram:dm:386246614
//	telegram:group:-100123456
//	whatsapp:dm:14155550100
//	desktop:dm:task-1718217600000-4821
//	calendar:dm:r1
package sessions

import (
	"fmt"
	"strings"
)

// Channel names accepted in session keys.
const (
	ChannelDesktop  = "desktop"
	ChannelWhatsApp = "whatsapp"
	ChannelTelegram = "telegram"
	ChannelCalendar = "calendar"
	ChannelBG       = "bg"
)

// ChatType distinguishes DM from group conversations.
const (
	ChatTypeDM    = "dm"
	ChatTypeGroup = "group"
)

// ChatRef identifies one conversational scope before it is keyed.
type ChatRef struct {
	Channel  string
	ChatType string
	ChatID   string
}

// MakeKey builds the canonical session key. An empty chatType defaults
// to "dm".
func MakeKey(channel, chatType, chatID string) string {
	if chatType == "" {
		chatType = ChatTypeDM
	}
	return fmt.Sprintf("%s:%s:%s", channel, chatType, chatID)
}

// Key returns the canonical session key for the ref.
func (r ChatRef) Key() string {
	return MakeKey(r.Channel, r.ChatType, r.ChatID)
}

// ParseKey splits a canonical session key into its parts. The chatId
// segment is opaque and may itself contain colons. Returns ok=false if
// the key has fewer than three segments.
func ParseKey(key string) (ref ChatRef, ok bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" {
		return ChatRef{}, false
	}
	return ChatRef{Channel: parts[0], ChatType: parts[1], ChatID: parts[2]}, true
}

// ChatTypeFromGroup returns "group" if isGroup is true, "dm" otherwise.
func ChatTypeFromGroup(isGroup bool) string {
	if isGroup {
		return ChatTypeGroup
	}
	return ChatTypeDM
}
