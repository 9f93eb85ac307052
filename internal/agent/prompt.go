package agent

import (
	"fmt"
	"html"
	"strings"
	"time"
	"unicode"
)

// Inbound channel messages are framed before they reach the provider so
// the agent can tell transport context apart from user text:
//
//	<incoming_message channel="telegram" sender="Alice" time="2026-08-25T10:04:05Z">
//	body
//	</incoming_message>
//
// The body is HTML-escaped; the sender name is sanitized so a display
// name can never break out of the attribute or smuggle control bytes.

// FrameInput carries one inbound message plus its transport context.
type FrameInput struct {
	Channel     string
	SenderName  string
	Body        string
	Timestamp   time.Time
	ReplyToBody string   // quoted message text, when the user replied
	MediaTags   []string // pre-built media tags appended after the body
}

// FramePrompt renders the provider prompt for one inbound message.
func FramePrompt(in FrameInput) string {
	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<incoming_message channel=%q sender=%q time=%q>\n",
		in.Channel, SanitizeSenderName(in.SenderName), ts.Format(time.RFC3339))

	if in.ReplyToBody != "" {
		b.WriteString("[replying to] ")
		b.WriteString(html.EscapeString(clipRunes(in.ReplyToBody, 200)))
		b.WriteString("\n")
	}

	b.WriteString(html.EscapeString(in.Body))
	for _, tag := range in.MediaTags {
		b.WriteString("\n")
		b.WriteString(tag)
	}
	b.WriteString("\n</incoming_message>")
	return b.String()
}

// MediaTag frames a downloaded attachment path for the prompt body, e.g.
// <media:image>/tmp/pylon-media/photo.jpg</media:image>.
func MediaTag(kind, path string) string {
	return fmt.Sprintf("<media:%s>%s</media:%s>", kind, path, kind)
}

const senderNameMax = 64

// SanitizeSenderName strips control characters and markup-significant
// bytes from a channel display name and caps its length. Empty input
// (or input that sanitizes to nothing) falls back to "user".
func SanitizeSenderName(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsControl(r):
			return -1
		case r == '<' || r == '>' || r == '&' || r == '"' || r == '\'':
			return -1
		}
		return r
	}, name)
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return "user"
	}
	return clipRunes(cleaned, senderNameMax)
}

// clipRunes caps a string at n runes, appending an ellipsis when cut.
func clipRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
