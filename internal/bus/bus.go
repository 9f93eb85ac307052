package bus

import (
	"context"
	"log/slog"
)

const defaultQueueDepth = 256

// MessageBus routes messages between channel adapters and the agent
// runtime over buffered queues. Publishing never blocks: when a queue is
// full the message is dropped and logged, keeping a stuck consumer from
// wedging the transports.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, defaultQueueDepth),
		outbound: make(chan OutboundMessage, defaultQueueDepth),
	}
}

// PublishInbound queues a message from a channel for the agent runtime.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		slog.Warn("bus.inbound queue full, dropping message", "channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// ConsumeInbound blocks until a message arrives or ctx is cancelled.
// Returns ok=false on cancellation.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case <-ctx.Done():
		return InboundMessage{}, false
	case msg := <-b.inbound:
		return msg, true
	}
}

// PublishOutbound queues a message for delivery to a channel.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
		slog.Warn("bus.outbound queue full, dropping message", "channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// ConsumeOutbound blocks until a message is ready or ctx is cancelled.
// Returns ok=false on cancellation.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case <-ctx.Done():
		return OutboundMessage{}, false
	case msg := <-b.outbound:
		return msg, true
	}
}
