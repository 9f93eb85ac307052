package bus

import (
	"context"
	"time"
)

// InboundMessage is one user message arriving from a channel adapter,
// normalized before it reaches the agent runtime.
type InboundMessage struct {
	Channel     string            `json:"channel"`
	SenderID    string            `json:"sender_id"`
	SenderName  string            `json:"sender_name,omitempty"`
	ChatID      string            `json:"chat_id"`
	ChatType    string            `json:"chat_type"` // "dm" or "group"
	Content     string            `json:"content"`
	ReplyToID   string            `json:"reply_to_id,omitempty"`
	ReplyToBody string            `json:"reply_to_body,omitempty"`
	MediaType   string            `json:"media_type,omitempty"` // image, video, audio, document
	Media       []string          `json:"media,omitempty"`      // local file paths
	Metadata    map[string]string `json:"metadata,omitempty"`
	Timestamp   time.Time         `json:"timestamp,omitempty"`
}

// OutboundMessage is a message queued for delivery through a channel
// adapter.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []MediaAttachment `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MediaAttachment is a media file to send with an outbound message.
type MediaAttachment struct {
	URL         string `json:"url"`                    // file path or URL
	ContentType string `json:"content_type,omitempty"` // MIME type (e.g. "image/jpeg")
	Caption     string `json:"caption,omitempty"`
}

// MessageRouter abstracts inbound/outbound message routing between
// channel adapters and the agent runtime.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	ConsumeOutbound(ctx context.Context) (OutboundMessage, bool)
}
