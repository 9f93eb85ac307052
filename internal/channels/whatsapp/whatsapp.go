// Package whatsapp connects the daemon to a local WhatsApp bridge
// process over a WebSocket. The bridge owns the WhatsApp protocol and
// session; this adapter exchanges small JSON ops with it: message,
// edit, delete, typing, media, presence out; message and status in.
//
// WhatsApp has no inline buttons, so approvals and questions render as
// numbered prompts and the user answers by replying with the number.
package whatsapp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/pylonhq/pylon/internal/bus"
	"github.com/pylonhq/pylon/internal/channels"
	"github.com/pylonhq/pylon/internal/config"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	pongTimeout      = 60 * time.Second
	pingInterval     = 30 * time.Second

	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
	stopGrace    = 5 * time.Second

	// promptTTL bounds how long a numbered prompt waits for a reply.
	promptTTL = 10 * time.Minute
)

// bridgeOp is one outbound JSON operation to the bridge.
type bridgeOp struct {
	Type        string `json:"type"`
	ID          string `json:"id,omitempty"`
	To          string `json:"to,omitempty"`
	Content     string `json:"content,omitempty"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
	Data        string `json:"data,omitempty"` // base64 media payload
	State       string `json:"state,omitempty"`
}

// bridgeFrame is one inbound JSON frame from the bridge.
type bridgeFrame struct {
	Type        string   `json:"type"`
	ID          string   `json:"id"`
	From        string   `json:"from"`
	FromName    string   `json:"from_name"`
	Chat        string   `json:"chat"`
	Content     string   `json:"content"`
	MediaType   string   `json:"media_type"`
	Media       []string `json:"media"`
	ReplyToID   string   `json:"reply_to_id"`
	ReplyToBody string   `json:"reply_to_body"`
	Timestamp   int64    `json:"timestamp"`
	State       string   `json:"state"`
	Detail      string   `json:"detail"`
}

// Channel is the WhatsApp bridge adapter.
type Channel struct {
	*channels.BaseAdapter
	cfg config.WhatsAppConfig

	mu   sync.Mutex
	conn *websocket.Conn

	prompts *replyPrompts

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds the adapter. The bridge connection is established by
// Start and supervised with reconnects after that.
func New(cfg config.WhatsAppConfig, handler channels.Handler) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}
	return &Channel{
		BaseAdapter: channels.NewBaseAdapter("whatsapp", handler, cfg.AllowFrom),
		cfg:         cfg,
		prompts:     newReplyPrompts(),
	}, nil
}

// Start launches the supervised bridge connection. A dead bridge is
// not fatal: the adapter keeps reconnecting until Stop.
func (c *Channel) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(runCtx)

	c.SetRunning(true)
	return nil
}

// Stop tears the bridge connection down and waits for the supervisor
// to exit.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	if c.done != nil {
		select {
		case <-c.done:
		case <-time.After(stopGrace):
			slog.Warn("whatsapp.supervisor did not exit in time")
		}
	}
	return nil
}

// run dials the bridge and serves the connection, reconnecting with
// exponential backoff on failure.
func (c *Channel) run(ctx context.Context) {
	defer close(c.done)

	backoff := reconnectMin
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("whatsapp.bridge dial failed", "url", c.cfg.BridgeURL, "backoff", backoff, "error", err)
			c.Handler().HandleStatus(c.Name(), "error", err.Error())
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, reconnectMax)
			continue
		}
		backoff = reconnectMin

		c.setConn(conn)
		slog.Info("whatsapp.bridge connected", "url", c.cfg.BridgeURL)
		c.Handler().HandleStatus(c.Name(), "running", "")
		if err := c.writeOp(bridgeOp{Type: "presence", State: "available"}); err != nil {
			slog.Debug("whatsapp.presence announce failed", "error", err)
		}

		err = c.serve(ctx, conn)
		c.setConn(nil)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		slog.Warn("whatsapp.bridge connection lost", "error", err)
		c.Handler().HandleStatus(c.Name(), "error", "bridge connection lost")
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.BridgeURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial whatsapp bridge %s: %w", c.cfg.BridgeURL, err)
	}
	return conn, nil
}

func (c *Channel) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// serve pumps one bridge connection: a read loop, a keepalive pinger,
// and a watcher that closes the socket on cancellation so the read
// unblocks. Returns when any of them fails.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return fmt.Errorf("bridge read: %w", err)
			}
			c.handleFrame(gctx, raw)
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					return fmt.Errorf("bridge ping: %w", err)
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		conn.Close()
		return gctx.Err()
	})

	return g.Wait()
}

// writeOp marshals and sends one op. Writes are serialized under the
// connection mutex.
func (c *Channel) writeOp(op bridgeOp) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal bridge op: %w", err)
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("bridge write: %w", err)
	}
	return nil
}

// Send delivers text. The message id is generated here so later edits
// and deletes can reference it; the bridge echoes it to WhatsApp.
func (c *Channel) Send(_ context.Context, chatID, text string) (string, error) {
	id := uuid.NewString()
	if err := c.writeOp(bridgeOp{Type: "message", ID: id, To: chatID, Content: text}); err != nil {
		return "", err
	}
	return id, nil
}

// Edit replaces a previously sent message.
func (c *Channel) Edit(_ context.Context, chatID, messageID, text string) error {
	return c.writeOp(bridgeOp{Type: "edit", ID: messageID, To: chatID, Content: text})
}

// Delete removes a previously sent message.
func (c *Channel) Delete(_ context.Context, chatID, messageID string) error {
	return c.writeOp(bridgeOp{Type: "delete", ID: messageID, To: chatID})
}

// Typing signals composing state to the chat.
func (c *Channel) Typing(_ context.Context, chatID string) error {
	return c.writeOp(bridgeOp{Type: "typing", To: chatID})
}

// SendMedia uploads attachments inline as base64 so the bridge needs
// no filesystem access and the temp file can be removed as soon as
// this returns.
func (c *Channel) SendMedia(ctx context.Context, chatID string, media []bus.MediaAttachment, caption string) error {
	for i, att := range media {
		data, err := os.ReadFile(att.URL)
		if err != nil {
			return fmt.Errorf("read attachment: %w", err)
		}
		itemCaption := att.Caption
		if itemCaption == "" && i == 0 {
			itemCaption = caption
		}
		err = c.writeOp(bridgeOp{
			Type:        "media",
			To:          chatID,
			Filename:    filepath.Base(att.URL),
			ContentType: att.ContentType,
			Caption:     itemCaption,
			Data:        base64.StdEncoding.EncodeToString(data),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// SendApproval renders a tool approval as a numbered prompt. The reply
// "1" approves, "2" denies.
func (c *Channel) SendApproval(ctx context.Context, chatID string, req channels.ApprovalPrompt) error {
	var b strings.Builder
	fmt.Fprintf(&b, "⚙️ Approval required: %s\n", req.Tool)
	if req.Detail != "" {
		b.WriteString("\n")
		b.WriteString(channels.Truncate(req.Detail, 1000))
		b.WriteString("\n")
	}
	b.WriteString("\nReply 1 to approve, 2 to deny.")

	if _, err := c.Send(ctx, chatID, b.String()); err != nil {
		return err
	}
	c.prompts.put(chatID, replyPrompt{requestID: req.RequestID})
	return nil
}

// SendQuestion renders one agent question with numbered options. A
// question without options is plain text and the answer arrives as a
// normal message.
func (c *Channel) SendQuestion(ctx context.Context, chatID string, q channels.QuestionPrompt) error {
	var b strings.Builder
	b.WriteString("❓ ")
	if q.Header != "" {
		b.WriteString(q.Header)
		b.WriteString("\n")
	}
	b.WriteString(q.Question)
	if len(q.Options) > 0 {
		b.WriteString("\n")
		for i, opt := range q.Options {
			fmt.Fprintf(&b, "\n%d. %s", i+1, opt)
		}
		b.WriteString("\n\nReply with a number.")
	}

	if _, err := c.Send(ctx, chatID, b.String()); err != nil {
		return err
	}
	if len(q.Options) > 0 {
		c.prompts.put(chatID, replyPrompt{requestID: q.RequestID, options: q.Options})
	}
	return nil
}

// handleFrame decodes one bridge frame and routes it.
func (c *Channel) handleFrame(ctx context.Context, raw []byte) {
	var frame bridgeFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		slog.Warn("whatsapp.bad bridge frame", "error", err)
		return
	}

	switch frame.Type {
	case "message":
		c.handleInbound(ctx, frame)
	case "status":
		c.handleBridgeStatus(frame)
	default:
		slog.Debug("whatsapp.bridge frame skipped", "type", frame.Type)
	}
}

// handleBridgeStatus forwards bridge-side transport state. The bridge
// reports "connected" once the WhatsApp session is live and
// "disconnected" or "qr" when it needs attention.
func (c *Channel) handleBridgeStatus(frame bridgeFrame) {
	switch frame.State {
	case "connected":
		c.Handler().HandleStatus(c.Name(), "running", "")
	case "qr":
		c.Handler().HandleStatus(c.Name(), "error", "login required, scan the QR code in the bridge")
	default:
		detail := frame.Detail
		if detail == "" {
			detail = "bridge reports " + frame.State
		}
		c.Handler().HandleStatus(c.Name(), "error", detail)
	}
}

// handleInbound normalizes one user message: allowlist gate, numbered
// prompt replies, slash commands, then the Handler.
func (c *Channel) handleInbound(ctx context.Context, frame bridgeFrame) {
	senderID := frame.From
	if senderID == "" {
		return
	}
	chatID := frame.Chat
	if chatID == "" {
		chatID = senderID
	}

	if !c.allowed(senderID) {
		slog.Debug("whatsapp.message rejected by allowlist", "sender_id", senderID)
		return
	}

	// Group chats end in "@g.us"; everything else is a DM.
	chatType := "dm"
	if strings.HasSuffix(chatID, "@g.us") {
		chatType = "group"
	}

	content := frame.Content

	if c.resolveNumberedReply(ctx, chatID, frame.FromName, content) {
		return
	}

	if name, args, ok := parseCommand(content); ok {
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
				slog.Warn("whatsapp.command reply failed", "chat_id", chatID, "error", err)
			}
		}
		return
	}

	mediaType := frame.MediaType
	if strings.Contains(mediaType, "/") {
		mediaType = channels.KindFromMIME(mediaType)
	}
	if content == "" && len(frame.Media) == 0 && mediaType == "" {
		content = "[empty message]"
	}

	ts := time.Now()
	if frame.Timestamp > 0 {
		ts = time.Unix(frame.Timestamp, 0)
	}

	c.Handler().HandleInbound(bus.InboundMessage{
		Channel:     c.Name(),
		SenderID:    senderID,
		SenderName:  frame.FromName,
		ChatID:      chatID,
		ChatType:    chatType,
		Content:     content,
		ReplyToID:   frame.ReplyToID,
		ReplyToBody: frame.ReplyToBody,
		MediaType:   mediaType,
		Media:       frame.Media,
		Timestamp:   ts,
		Metadata: map[string]string{
			"message_id": frame.ID,
			"from_name":  frame.FromName,
		},
	})
}

// resolveNumberedReply intercepts a bare-number reply when the chat
// has a pending prompt. Returns true when the message was consumed.
func (c *Channel) resolveNumberedReply(ctx context.Context, chatID, senderName, content string) bool {
	n, err := strconv.Atoi(strings.TrimSpace(content))
	if err != nil {
		return false
	}
	prompt, ok := c.prompts.peek(chatID)
	if !ok {
		return false
	}

	if prompt.options == nil {
		// Approval: 1 approves, 2 denies, anything else is a message.
		if n != 1 && n != 2 {
			return false
		}
		c.prompts.take(chatID)
		approved := n == 1
		reason := ""
		if !approved {
			reason = "denied by " + senderName
		}
		if !c.Handler().HandleApprovalResponse(ctx, prompt.requestID, approved, reason) {
			c.reply(ctx, chatID, "Already handled.")
			return true
		}
		if approved {
			c.reply(ctx, chatID, "✅ Approved.")
		} else {
			c.reply(ctx, chatID, "❌ Denied.")
		}
		return true
	}

	if n < 1 || n > len(prompt.options) {
		return false
	}
	c.prompts.take(chatID)
	label := prompt.options[n-1]
	if !c.Handler().HandleQuestionResponse(ctx, prompt.requestID, n-1, label) {
		c.reply(ctx, chatID, "Already answered.")
		return true
	}
	c.reply(ctx, chatID, "→ "+label)
	return true
}

func (c *Channel) reply(ctx context.Context, chatID, text string) {
	if _, err := c.Send(ctx, chatID, text); err != nil {
		slog.Debug("whatsapp.reply failed", "chat_id", chatID, "error", err)
	}
}

// allowed checks the sender against the allowlist, matching both the
// full JID ("4917...@s.whatsapp.net") and the bare number.
func (c *Channel) allowed(senderID string) bool {
	if c.Allowed(senderID) {
		return true
	}
	if idx := strings.IndexByte(senderID, '@'); idx > 0 {
		return c.Allowed(senderID[:idx])
	}
	return false
}

// parseCommand splits a "/name args" message.
func parseCommand(text string) (name, args string, ok bool) {
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return "", "", false
	}
	head := text[1:]
	if idx := strings.IndexByte(head, ' '); idx >= 0 {
		head, args = head[:idx], strings.TrimSpace(head[idx+1:])
	}
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), args, true
}

// replyPrompts tracks the newest numbered prompt per chat. WhatsApp
// prompts are sequential per chat, so one slot per chat suffices; a
// newer prompt supersedes the previous one.
type replyPrompts struct {
	mu      sync.Mutex
	entries map[string]replyPrompt
}

type replyPrompt struct {
	requestID string
	options   []string // nil for approvals
	createdAt time.Time
}

func newReplyPrompts() *replyPrompts {
	return &replyPrompts{entries: make(map[string]replyPrompt)}
}

func (p *replyPrompts) put(chatID string, prompt replyPrompt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for id, e := range p.entries {
		if now.Sub(e.createdAt) > promptTTL {
			delete(p.entries, id)
		}
	}
	prompt.createdAt = now
	p.entries[chatID] = prompt
}

func (p *replyPrompts) peek(chatID string) (replyPrompt, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[chatID]
	if ok && time.Since(e.createdAt) > promptTTL {
		delete(p.entries, chatID)
		return replyPrompt{}, false
	}
	return e, ok
}

func (p *replyPrompts) take(chatID string) (replyPrompt, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[chatID]
	if ok {
		delete(p.entries, chatID)
	}
	return e, ok
}
