package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pylonhq/pylon/internal/agent"
	"github.com/pylonhq/pylon/internal/bus"
	"github.com/pylonhq/pylon/internal/channels"
	"github.com/pylonhq/pylon/internal/gateway"
	"github.com/pylonhq/pylon/internal/sessions"
	"github.com/pylonhq/pylon/pkg/protocol"
)

// consumeInboundMessages drains the bus and hands channel messages to
// the dispatcher. Each message becomes one framed prompt; media paths
// ride along as prompt tags, with images also attached for vision.
func consumeInboundMessages(ctx context.Context, msgBus *bus.MessageBus, dispatcher *agent.Dispatcher, reauth *agent.Reauth) {
	slog.Info("inbound message consumer started")

	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}

		// A pending re-auth for this chat swallows the next message when
		// it looks like a pasted authorization code.
		if reauth != nil && reauth.MaybeHandleCode(ctx, msg.Channel, msg.ChatID, msg.Content) {
			continue
		}

		ref := sessions.ChatRef{Channel: msg.Channel, ChatType: msg.ChatType, ChatID: msg.ChatID}
		if ref.ChatType == "" {
			ref.ChatType = sessions.ChatTypeDM
		}

		var tags, images []string
		for _, path := range msg.Media {
			kind := msg.MediaType
			if kind == "" {
				kind = "file"
			}
			tags = append(tags, agent.MediaTag(kind, path))
			if kind == "image" {
				images = append(images, path)
			}
		}

		prompt := agent.FramePrompt(agent.FrameInput{
			Channel:     msg.Channel,
			SenderName:  msg.SenderName,
			Body:        msg.Content,
			Timestamp:   msg.Timestamp,
			ReplyToBody: msg.ReplyToBody,
			MediaTags:   tags,
		})

		dispatcher.Submit(agent.Task{
			Ref:     ref,
			Sender:  agent.SanitizeSenderName(msg.SenderName),
			Prompt:  prompt,
			Display: msg.Content,
			Images:  images,
			Source:  agent.SourceChannel,
		})
	}
}

// makeCommandHandler wires the slash commands adapters surface (reset,
// cancel, status) onto the session registry and dispatcher. The return
// value is the reply shown in the chat; empty means stay silent.
func makeCommandHandler(registry *sessions.Registry, dispatcher *agent.Dispatcher, reauth *agent.Reauth, hub *gateway.Hub) func(ctx context.Context, cmd channels.Command) string {
	return func(ctx context.Context, cmd channels.Command) string {
		ref := sessions.ChatRef{Channel: cmd.Channel, ChatType: cmd.ChatType, ChatID: cmd.ChatID}
		if ref.ChatType == "" {
			ref.ChatType = sessions.ChatTypeDM
		}
		key := ref.Key()

		switch cmd.Name {
		case "reset", "new":
			dispatcher.Abort(key)
			if reauth != nil {
				reauth.Cancel(cmd.Channel, cmd.ChatID)
			}
			sess := registry.Reset(key)
			if sess == nil {
				return "Nothing to reset — no conversation for this chat yet."
			}
			hub.BroadcastGlobal(protocol.EventSessionUpdate, sess)
			return "Session reset. Your next message starts a fresh conversation."

		case "cancel", "stop":
			if reauth != nil && reauth.Cancel(cmd.Channel, cmd.ChatID) {
				return "Login cancelled."
			}
			if dispatcher.Abort(key) {
				return "Cancelled."
			}
			return "Nothing to cancel."

		case "status":
			sess := registry.Get(key)
			if sess == nil {
				return "No conversation for this chat yet. Send a message to start one."
			}
			state := "idle"
			if sess.ActiveRun {
				state = "working"
			}
			reply := fmt.Sprintf("Session %s — %s, %d messages", sess.SessionID, state, sess.MessageCount)
			if depth := dispatcher.QueueDepth(key); depth > 0 {
				reply += fmt.Sprintf(", %d queued", depth)
			}
			if !sess.LastMessageAt.IsZero() {
				reply += fmt.Sprintf(", last activity %s", sess.LastMessageAt.Format(time.Kitchen))
			}
			return reply

		default:
			return ""
		}
	}
}
