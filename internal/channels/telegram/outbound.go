package telegram

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode/utf16"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/pylonhq/pylon/internal/bus"
	"github.com/pylonhq/pylon/internal/channels"
)

const (
	// Telegram caps message text at 4096 UTF-16 units and media
	// captions at 1024.
	textLimit    = 4000
	captionLimit = 1024

	// approvalDetailLimit keeps tool invocations readable in chat.
	approvalDetailLimit = 1000

	// buttonLabelLimit is applied to inline keyboard labels.
	buttonLabelLimit = 64
)

// Send delivers text, splitting it across messages when it exceeds the
// Bot API limit. The id of the last chunk is returned so edits target
// the message holding the tail of the content.
func (c *Channel) Send(ctx context.Context, chatID, text string) (string, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return "", err
	}

	lastID := 0
	for _, chunk := range splitText(text, textLimit) {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
		msg, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(id), chunk))
		if err != nil {
			return "", fmt.Errorf("telegram send: %w", err)
		}
		lastID = msg.MessageID
	}
	return fmt.Sprintf("%d", lastID), nil
}

// Edit replaces the text of a previously sent message.
func (c *Channel) Edit(ctx context.Context, chatID, messageID, text string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	var msgID int
	if _, err := fmt.Sscanf(messageID, "%d", &msgID); err != nil {
		return fmt.Errorf("bad telegram message id %q: %w", messageID, err)
	}
	// Edits cannot split; over-limit text is clipped to the first chunk.
	clipped := splitText(text, textLimit)[0]
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(id),
		MessageID: msgID,
		Text:      clipped,
	}); err != nil {
		return fmt.Errorf("telegram edit: %w", err)
	}
	return nil
}

// Delete removes a previously sent message.
func (c *Channel) Delete(ctx context.Context, chatID, messageID string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	var msgID int
	if _, err := fmt.Sscanf(messageID, "%d", &msgID); err != nil {
		return fmt.Errorf("bad telegram message id %q: %w", messageID, err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := c.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID:    tu.ID(id),
		MessageID: msgID,
	}); err != nil {
		return fmt.Errorf("telegram delete: %w", err)
	}
	return nil
}

// Typing shows the "typing..." indicator. Telegram clears it after a
// few seconds or on the next message, so the run loop refreshes it
// periodically.
func (c *Channel) Typing(ctx context.Context, chatID string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(id), telego.ChatActionTyping))
}

// SendApproval renders a pending tool approval with Approve/Deny
// buttons. The sent message is remembered so the callback handler can
// rewrite it with the outcome.
func (c *Channel) SendApproval(ctx context.Context, chatID string, req channels.ApprovalPrompt) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "⚙️ Approval required: %s", req.Tool)
	if req.Detail != "" {
		b.WriteString("\n\n")
		b.WriteString(channels.Truncate(req.Detail, approvalDetailLimit))
	}
	text := b.String()

	keyboard := tu.InlineKeyboard(tu.InlineKeyboardRow(
		tu.InlineKeyboardButton("✅ Approve").WithCallbackData("apr:"+req.RequestID+":allow"),
		tu.InlineKeyboardButton("❌ Deny").WithCallbackData("apr:"+req.RequestID+":deny"),
	))

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	msg, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(id), text).WithReplyMarkup(keyboard))
	if err != nil {
		return fmt.Errorf("telegram approval: %w", err)
	}
	c.prompts.put(req.RequestID, promptRef{chatID: id, messageID: msg.MessageID, text: text})
	return nil
}

// SendQuestion renders one agent question. With options it becomes an
// inline keyboard, one button per option; without options it is plain
// text and the user answers by replying.
func (c *Channel) SendQuestion(ctx context.Context, chatID string, q channels.QuestionPrompt) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString("❓ ")
	if q.Header != "" {
		b.WriteString(q.Header)
		b.WriteString("\n")
	}
	b.WriteString(q.Question)
	text := b.String()

	params := tu.Message(tu.ID(id), text)
	if len(q.Options) > 0 {
		rows := make([][]telego.InlineKeyboardButton, 0, len(q.Options))
		for i, opt := range q.Options {
			data := fmt.Sprintf("q:%s:%d", q.RequestID, i)
			rows = append(rows, tu.InlineKeyboardRow(
				tu.InlineKeyboardButton(clipLabel(opt)).WithCallbackData(data),
			))
		}
		params = params.WithReplyMarkup(tu.InlineKeyboard(rows...))
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	msg, err := c.bot.SendMessage(ctx, params)
	if err != nil {
		return fmt.Errorf("telegram question: %w", err)
	}
	if len(q.Options) > 0 {
		c.prompts.put(q.RequestID, promptRef{chatID: id, messageID: msg.MessageID, text: text, options: q.Options})
	}
	return nil
}

// SendMedia uploads attachments. Images go as photos, everything else
// as documents. The caption rides on the first attachment when it
// fits, otherwise it is sent as a separate text message first.
func (c *Channel) SendMedia(ctx context.Context, chatID string, media []bus.MediaAttachment, caption string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}

	if caption != "" && utf16Len(caption) > captionLimit {
		if _, err := c.Send(ctx, chatID, caption); err != nil {
			return err
		}
		caption = ""
	}

	for i, att := range media {
		f, err := os.Open(att.URL)
		if err != nil {
			return fmt.Errorf("open attachment: %w", err)
		}

		itemCaption := att.Caption
		if itemCaption == "" && i == 0 {
			itemCaption = caption
		}

		if err := c.limiter.Wait(ctx); err != nil {
			f.Close()
			return err
		}

		if strings.HasPrefix(att.ContentType, "image/") && att.ContentType != "image/gif" {
			_, err = c.bot.SendPhoto(ctx, tu.Photo(tu.ID(id), tu.File(f)).WithCaption(itemCaption))
		} else {
			_, err = c.bot.SendDocument(ctx, tu.Document(tu.ID(id), tu.File(f)).WithCaption(itemCaption))
		}
		f.Close()
		if err != nil {
			return fmt.Errorf("telegram media send: %w", err)
		}
	}
	return nil
}

// splitText breaks s into chunks of at most limit UTF-16 units,
// preferring newline boundaries, then spaces, then a hard cut.
func splitText(s string, limit int) []string {
	if s == "" {
		return []string{""}
	}

	var chunks []string
	for utf16Len(s) > limit {
		cut := cutIndex(s, limit)
		chunk := s[:cut]
		if idx := strings.LastIndexByte(chunk, '\n'); idx > limit/2 {
			cut = idx + 1
		} else if idx := strings.LastIndexByte(chunk, ' '); idx > limit/2 {
			cut = idx + 1
		}
		chunks = append(chunks, strings.TrimRight(s[:cut], "\n "))
		s = s[cut:]
	}
	return append(chunks, s)
}

// cutIndex returns the byte offset where s reaches limit UTF-16 units.
func cutIndex(s string, limit int) int {
	units := 0
	for i, r := range s {
		u := utf16.RuneLen(r)
		if u < 0 {
			u = 1
		}
		if units+u > limit {
			return i
		}
		units += u
	}
	return len(s)
}

func utf16Len(s string) int {
	units := 0
	for _, r := range s {
		u := utf16.RuneLen(r)
		if u < 0 {
			u = 1
		}
		units += u
	}
	return units
}

func clipLabel(s string) string {
	runes := []rune(s)
	if len(runes) <= buttonLabelLimit {
		return s
	}
	return string(runes[:buttonLabelLimit-1]) + "…"
}
