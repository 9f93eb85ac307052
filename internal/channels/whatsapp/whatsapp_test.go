package whatsapp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pylonhq/pylon/internal/bus"
	"github.com/pylonhq/pylon/internal/channels"
	"github.com/pylonhq/pylon/internal/config"
)

type approvalCall struct {
	requestID string
	approved  bool
	reason    string
}

type questionCall struct {
	requestID string
	index     int
	label     string
}

type stubHandler struct {
	mu             sync.Mutex
	inbound        []bus.InboundMessage
	commands       []channels.Command
	approvals      []approvalCall
	questions      []questionCall
	statuses       []string
	approvalResult bool
	questionResult bool
	commandReply   string
}

func (s *stubHandler) HandleInbound(msg bus.InboundMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbound = append(s.inbound, msg)
}

func (s *stubHandler) HandleCommand(_ context.Context, cmd channels.Command) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
	return s.commandReply
}

func (s *stubHandler) HandleApprovalResponse(_ context.Context, requestID string, approved bool, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals = append(s.approvals, approvalCall{requestID, approved, reason})
	return s.approvalResult
}

func (s *stubHandler) HandleQuestionResponse(_ context.Context, requestID string, index int, label string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.questions = append(s.questions, questionCall{requestID, index, label})
	return s.questionResult
}

func (s *stubHandler) HandleStatus(channel, state, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, state+"|"+detail)
}

func newTestChannel(t *testing.T, handler *stubHandler, allowFrom []string) *Channel {
	t.Helper()
	c, err := New(config.WhatsAppConfig{BridgeURL: "ws://127.0.0.1:9", AllowFrom: allowFrom}, handler)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// TestNewRequiresBridgeURL verifies the adapter refuses to build
// without a bridge endpoint.
func TestNewRequiresBridgeURL(t *testing.T) {
	if _, err := New(config.WhatsAppConfig{}, &stubHandler{}); err == nil {
		t.Fatal("New: expected error for empty bridge_url")
	}
}

// TestParseCommand checks slash command splitting.
func TestParseCommand(t *testing.T) {
	tests := []struct {
		text     string
		wantName string
		wantArgs string
		wantOK   bool
	}{
		{"/reset", "reset", "", true},
		{"/CANCEL now", "cancel", "now", true},
		{"/status  extra  spaces", "status", "extra  spaces", true},
		{"reset", "", "", false},
		{"/", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		name, args, ok := parseCommand(tt.text)
		if ok != tt.wantOK || name != tt.wantName || args != tt.wantArgs {
			t.Errorf("parseCommand(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.text, name, args, ok, tt.wantName, tt.wantArgs, tt.wantOK)
		}
	}
}

// TestHandleInboundRoutesMessage verifies a bridge message frame
// reaches the handler with chat type derived from the JID suffix.
func TestHandleInboundRoutesMessage(t *testing.T) {
	h := &stubHandler{}
	c := newTestChannel(t, h, nil)

	c.handleInbound(context.Background(), bridgeFrame{
		Type:      "message",
		ID:        "m1",
		From:      "4917000000001@s.whatsapp.net",
		FromName:  "Alice",
		Chat:      "4917000000001@s.whatsapp.net",
		Content:   "hello there",
		Timestamp: 1756100000,
	})

	if len(h.inbound) != 1 {
		t.Fatalf("inbound = %d messages, want 1", len(h.inbound))
	}
	got := h.inbound[0]
	if got.ChatType != "dm" || got.Channel != "whatsapp" || got.Content != "hello there" {
		t.Errorf("inbound = %+v", got)
	}
	if got.Metadata["message_id"] != "m1" || got.SenderName != "Alice" {
		t.Errorf("metadata = %v, sender = %q", got.Metadata, got.SenderName)
	}
	if got.Timestamp.Unix() != 1756100000 {
		t.Errorf("timestamp = %v", got.Timestamp)
	}

	c.handleInbound(context.Background(), bridgeFrame{
		From:    "4917000000001@s.whatsapp.net",
		Chat:    "1234567-890@g.us",
		Content: "group message",
	})
	if len(h.inbound) != 2 || h.inbound[1].ChatType != "group" {
		t.Fatalf("group message not classified: %+v", h.inbound)
	}
}

// TestHandleInboundAllowlist verifies the allowlist matches both the
// full JID and the bare number.
func TestHandleInboundAllowlist(t *testing.T) {
	h := &stubHandler{}
	c := newTestChannel(t, h, []string{"4917000000001"})

	c.handleInbound(context.Background(), bridgeFrame{
		From: "4917000000001@s.whatsapp.net", Content: "allowed",
	})
	c.handleInbound(context.Background(), bridgeFrame{
		From: "4999999999999@s.whatsapp.net", Content: "blocked",
	})

	if len(h.inbound) != 1 || h.inbound[0].Content != "allowed" {
		t.Fatalf("inbound = %+v, want only the allowed sender", h.inbound)
	}
}

// TestHandleInboundCommand verifies slash commands are dispatched to
// the command handler instead of the agent.
func TestHandleInboundCommand(t *testing.T) {
	h := &stubHandler{}
	c := newTestChannel(t, h, nil)

	c.handleInbound(context.Background(), bridgeFrame{
		From: "49170@s.whatsapp.net", Content: "/reset please",
	})

	if len(h.inbound) != 0 {
		t.Fatalf("command leaked to inbound: %+v", h.inbound)
	}
	if len(h.commands) != 1 || h.commands[0].Name != "reset" || h.commands[0].Args != "please" {
		t.Fatalf("commands = %+v", h.commands)
	}
}

// TestNumberedApprovalReply walks the approval prompt flow: "1"
// approves, "2" denies, other numbers fall through as messages.
func TestNumberedApprovalReply(t *testing.T) {
	h := &stubHandler{approvalResult: true}
	c := newTestChannel(t, h, nil)
	chat := "49170@s.whatsapp.net"

	c.prompts.put(chat, replyPrompt{requestID: "req-1"})
	c.handleInbound(context.Background(), bridgeFrame{From: chat, Content: " 1 "})

	if len(h.approvals) != 1 || !h.approvals[0].approved || h.approvals[0].requestID != "req-1" {
		t.Fatalf("approvals = %+v", h.approvals)
	}
	if len(h.inbound) != 0 {
		t.Fatalf("numbered reply leaked to inbound: %+v", h.inbound)
	}
	if _, ok := c.prompts.peek(chat); ok {
		t.Fatal("prompt should be consumed after resolution")
	}

	c.prompts.put(chat, replyPrompt{requestID: "req-2"})
	c.handleInbound(context.Background(), bridgeFrame{From: chat, FromName: "Bob", Content: "2"})
	if len(h.approvals) != 2 || h.approvals[1].approved || h.approvals[1].reason != "denied by Bob" {
		t.Fatalf("approvals = %+v", h.approvals)
	}

	c.prompts.put(chat, replyPrompt{requestID: "req-3"})
	c.handleInbound(context.Background(), bridgeFrame{From: chat, Content: "3"})
	if len(h.approvals) != 2 {
		t.Fatalf("out-of-range reply resolved an approval: %+v", h.approvals)
	}
	if len(h.inbound) != 1 || h.inbound[0].Content != "3" {
		t.Fatalf("out-of-range reply should pass through: %+v", h.inbound)
	}
}

// TestNumberedQuestionReply verifies option selection by number and
// that only in-range numbers resolve.
func TestNumberedQuestionReply(t *testing.T) {
	h := &stubHandler{questionResult: true}
	c := newTestChannel(t, h, nil)
	chat := "49170@s.whatsapp.net"

	c.prompts.put(chat, replyPrompt{requestID: "q-1", options: []string{"red", "green", "blue"}})
	c.handleInbound(context.Background(), bridgeFrame{From: chat, Content: "2"})

	if len(h.questions) != 1 {
		t.Fatalf("questions = %+v", h.questions)
	}
	got := h.questions[0]
	if got.requestID != "q-1" || got.index != 1 || got.label != "green" {
		t.Errorf("question call = %+v", got)
	}

	c.prompts.put(chat, replyPrompt{requestID: "q-2", options: []string{"yes"}})
	c.handleInbound(context.Background(), bridgeFrame{From: chat, Content: "9"})
	if len(h.questions) != 1 {
		t.Fatalf("out-of-range option resolved: %+v", h.questions)
	}
	if len(h.inbound) != 1 {
		t.Fatalf("out-of-range option should pass through: %+v", h.inbound)
	}
}

// TestReplyPromptsExpiry verifies stale prompts stop intercepting
// replies.
func TestReplyPromptsExpiry(t *testing.T) {
	p := newReplyPrompts()
	p.put("chat", replyPrompt{requestID: "old"})

	p.mu.Lock()
	e := p.entries["chat"]
	e.createdAt = time.Now().Add(-promptTTL - time.Minute)
	p.entries["chat"] = e
	p.mu.Unlock()

	if _, ok := p.peek("chat"); ok {
		t.Fatal("expired prompt should not be returned")
	}
}

// TestHandleFrameStatus verifies bridge status frames reach the
// handler and malformed frames are dropped without effect.
func TestHandleFrameStatus(t *testing.T) {
	h := &stubHandler{}
	c := newTestChannel(t, h, nil)

	raw, _ := json.Marshal(bridgeFrame{Type: "status", State: "connected"})
	c.handleFrame(context.Background(), raw)
	raw, _ = json.Marshal(bridgeFrame{Type: "status", State: "disconnected", Detail: "phone offline"})
	c.handleFrame(context.Background(), raw)
	c.handleFrame(context.Background(), []byte("{not json"))

	if len(h.statuses) != 2 {
		t.Fatalf("statuses = %v", h.statuses)
	}
	if h.statuses[0] != "running|" {
		t.Errorf("statuses[0] = %q", h.statuses[0])
	}
	if h.statuses[1] != "error|phone offline" {
		t.Errorf("statuses[1] = %q", h.statuses[1])
	}
}
