package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/pylonhq/pylon/internal/bus"
	"github.com/pylonhq/pylon/internal/channels"
)

// handleMessage normalizes one incoming Telegram message and hands it
// to the Handler. Slash commands are dispatched to the daemon instead;
// group traffic passes the policy and mention gates first.
func (c *Channel) handleMessage(ctx context.Context, message *telego.Message) {
	if isServiceMessage(message) {
		return
	}
	user := message.From
	if user == nil {
		return
	}

	userID := fmt.Sprintf("%d", user.ID)
	senderID := userID
	if user.Username != "" {
		senderID = userID + "|" + user.Username
	}

	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"
	chatID := fmt.Sprintf("%d", message.Chat.ID)
	chatType := "dm"
	if isGroup {
		chatType = "group"
	}

	if isGroup {
		if !c.CheckGroupPolicy(c.cfg.GroupPolicy, senderID) {
			slog.Debug("telegram.group message rejected", "chat_id", chatID, "sender_id", senderID, "policy", c.cfg.GroupPolicy)
			return
		}
	} else if !c.Allowed(senderID) {
		slog.Debug("telegram.dm rejected by allowlist", "sender_id", senderID)
		return
	}

	if name, args, ok, foreign := parseCommand(message.Text, c.bot.Username()); ok {
		if foreign {
			return
		}
		reply := c.Handler().HandleCommand(ctx, channels.Command{
			Channel:  c.Name(),
			ChatID:   chatID,
			ChatType: chatType,
			SenderID: senderID,
			Name:     name,
			Args:     args,
		})
		if reply != "" {
			if _, err := c.Send(ctx, chatID, reply); err != nil {
				slog.Warn("telegram.command reply failed", "chat_id", chatID, "error", err)
			}
		}
		return
	}

	if isGroup && c.requireMention && !c.detectMention(message, c.bot.Username()) {
		slog.Debug("telegram.group message ignored, bot not mentioned", "chat_id", chatID)
		return
	}

	if err := c.Typing(ctx, chatID); err != nil {
		slog.Debug("telegram.typing failed", "chat_id", chatID, "error", err)
	}

	content := message.Text
	if message.Caption != "" {
		if content != "" {
			content += "\n"
		}
		content += message.Caption
	}

	mediaType, mediaPaths := c.resolveMedia(ctx, message)
	if content == "" && len(mediaPaths) == 0 && mediaType == "" {
		content = "[empty message]"
	}

	senderName := user.FirstName
	if senderName == "" {
		senderName = user.Username
	}

	msg := bus.InboundMessage{
		Channel:    c.Name(),
		SenderID:   senderID,
		SenderName: senderName,
		ChatID:     chatID,
		ChatType:   chatType,
		Content:    content,
		MediaType:  mediaType,
		Media:      mediaPaths,
		Timestamp:  time.Unix(int64(message.Date), 0),
		Metadata: map[string]string{
			"message_id": fmt.Sprintf("%d", message.MessageID),
			"user_id":    userID,
			"username":   user.Username,
			"first_name": user.FirstName,
			"is_group":   fmt.Sprintf("%t", isGroup),
		},
	}
	if reply := message.ReplyToMessage; reply != nil {
		msg.ReplyToID = fmt.Sprintf("%d", reply.MessageID)
		msg.ReplyToBody = reply.Text
		if msg.ReplyToBody == "" {
			msg.ReplyToBody = reply.Caption
		}
	}

	c.Handler().HandleInbound(msg)
}

// handleCallback routes inline keyboard taps: apr:<id>:allow|deny for
// approvals, q:<id>:<index> for question options. The prompt message
// is rewritten with the outcome so stale buttons do not linger.
func (c *Channel) handleCallback(ctx context.Context, query *telego.CallbackQuery) {
	senderID := fmt.Sprintf("%d", query.From.ID)
	if query.From.Username != "" {
		senderID += "|" + query.From.Username
	}
	if !c.Allowed(senderID) {
		c.answerCallback(ctx, query.ID, "Not authorized")
		return
	}

	switch {
	case strings.HasPrefix(query.Data, "apr:"):
		parts := strings.Split(query.Data, ":")
		if len(parts) != 3 {
			return
		}
		requestID, approved := parts[1], parts[2] == "allow"

		reason := ""
		if !approved {
			reason = "denied by " + displayName(query.From)
		}
		pending := c.Handler().HandleApprovalResponse(ctx, requestID, approved, reason)

		switch {
		case !pending:
			c.answerCallback(ctx, query.ID, "Already handled")
			c.resolvePrompt(ctx, requestID, "handled elsewhere")
		case approved:
			c.answerCallback(ctx, query.ID, "Approved")
			c.resolvePrompt(ctx, requestID, "✅ approved")
		default:
			c.answerCallback(ctx, query.ID, "Denied")
			c.resolvePrompt(ctx, requestID, "❌ denied")
		}

	case strings.HasPrefix(query.Data, "q:"):
		parts := strings.Split(query.Data, ":")
		if len(parts) != 3 {
			return
		}
		requestID := parts[1]
		index, err := strconv.Atoi(parts[2])
		if err != nil || index < 0 {
			return
		}

		label := ""
		if ref, ok := c.prompts.peek(requestID); ok && index < len(ref.options) {
			label = ref.options[index]
		}

		if c.Handler().HandleQuestionResponse(ctx, requestID, index, label) {
			c.answerCallback(ctx, query.ID, "Answered")
			c.resolvePrompt(ctx, requestID, "→ "+label)
		} else {
			c.answerCallback(ctx, query.ID, "Already answered")
			c.resolvePrompt(ctx, requestID, "answered elsewhere")
		}
	}
}

func (c *Channel) answerCallback(ctx context.Context, queryID, text string) {
	err := c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: queryID,
		Text:            text,
	})
	if err != nil {
		slog.Debug("telegram.callback answer failed", "error", err)
	}
}

// resolvePrompt rewrites a remembered prompt message with its outcome,
// dropping the inline keyboard.
func (c *Channel) resolvePrompt(ctx context.Context, requestID, outcome string) {
	ref, ok := c.prompts.take(requestID)
	if !ok {
		return
	}
	_, err := c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(ref.chatID),
		MessageID: ref.messageID,
		Text:      ref.text + "\n\n" + outcome,
	})
	if err != nil {
		slog.Debug("telegram.prompt rewrite failed", "request_id", requestID, "error", err)
	}
}

func displayName(u telego.User) string {
	if u.Username != "" {
		return "@" + u.Username
	}
	if u.FirstName != "" {
		return u.FirstName
	}
	return fmt.Sprintf("%d", u.ID)
}

// parseCommand splits a "/name args" message. foreign reports a
// command addressed to a different bot ("/reset@other_bot"), which
// group members use to disambiguate between bots.
func parseCommand(text, botUsername string) (name, args string, ok, foreign bool) {
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return "", "", false, false
	}

	rest := ""
	head := text[1:]
	if idx := strings.IndexByte(head, ' '); idx >= 0 {
		head, rest = head[:idx], strings.TrimSpace(head[idx+1:])
	}
	if idx := strings.IndexByte(head, '@'); idx >= 0 {
		addressee := head[idx+1:]
		head = head[:idx]
		if !strings.EqualFold(addressee, botUsername) {
			return "", "", true, true
		}
	}
	if head == "" {
		return "", "", false, false
	}
	return strings.ToLower(head), rest, true, false
}

// detectMention reports whether the message addresses the bot: an
// @mention entity in text or caption, a bot_command entity naming it,
// a plain-text @username occurrence, or a reply to one of its
// messages.
func (c *Channel) detectMention(msg *telego.Message, botUsername string) bool {
	if botUsername == "" {
		return false
	}
	handle := "@" + strings.ToLower(botUsername)

	for _, pair := range []struct {
		entities []telego.MessageEntity
		text     string
	}{
		{msg.Entities, msg.Text},
		{msg.CaptionEntities, msg.Caption},
	} {
		if pair.text == "" {
			continue
		}
		for _, entity := range pair.entities {
			if entity.Offset < 0 || entity.Offset+entity.Length > len(pair.text) {
				continue
			}
			span := pair.text[entity.Offset : entity.Offset+entity.Length]
			switch entity.Type {
			case "mention":
				if strings.EqualFold(span, "@"+botUsername) {
					return true
				}
			case "bot_command":
				if strings.Contains(strings.ToLower(span), handle) {
					return true
				}
			}
		}
	}

	if strings.Contains(strings.ToLower(msg.Text), handle) ||
		strings.Contains(strings.ToLower(msg.Caption), handle) {
		return true
	}

	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil {
		return msg.ReplyToMessage.From.Username == botUsername
	}
	return false
}

// isServiceMessage reports Telegram housekeeping messages (member
// joins, title changes, pins) that carry no user content.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	if msg.Photo != nil || msg.Audio != nil || msg.Video != nil ||
		msg.Document != nil || msg.Voice != nil || msg.VideoNote != nil ||
		msg.Sticker != nil || msg.Animation != nil || msg.Contact != nil ||
		msg.Location != nil || msg.Venue != nil || msg.Poll != nil {
		return false
	}
	return true
}
