package channels

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pylonhq/pylon/internal/agent"
	"github.com/pylonhq/pylon/internal/approvals"
	"github.com/pylonhq/pylon/internal/bus"
	"github.com/pylonhq/pylon/pkg/protocol"
)

type fakeAdapter struct {
	name     string
	startErr error

	mu        sync.Mutex
	running   bool
	sent      []string
	edited    []string
	deleted   []string
	typed     int
	approvals []ApprovalPrompt
	questions []QuestionPrompt
	media     [][]bus.MediaAttachment
}

func newFakeAdapter(name string) *fakeAdapter { return &fakeAdapter{name: name} }

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.running = true
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeAdapter) Send(ctx context.Context, chatID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, chatID+": "+text)
	return fmt.Sprintf("m%d", len(f.sent)), nil
}

func (f *fakeAdapter) Edit(ctx context.Context, chatID, messageID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edited = append(f.edited, messageID+": "+text)
	return nil
}

func (f *fakeAdapter) Delete(ctx context.Context, chatID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeAdapter) Typing(ctx context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typed++
	return nil
}

func (f *fakeAdapter) SendApproval(ctx context.Context, chatID string, req ApprovalPrompt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvals = append(f.approvals, req)
	return nil
}

func (f *fakeAdapter) SendQuestion(ctx context.Context, chatID string, q QuestionPrompt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.questions = append(f.questions, q)
	return nil
}

func (f *fakeAdapter) SendMedia(ctx context.Context, chatID string, media []bus.MediaAttachment, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, media)
	return nil
}

func (f *fakeAdapter) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []string
	data   []any
}

func (f *fakeBroadcaster) BroadcastSession(sessionKey, event string, data any) {}

func (f *fakeBroadcaster) BroadcastGlobal(event string, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	f.data = append(f.data, data)
}

func (f *fakeBroadcaster) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e == event {
			n++
		}
	}
	return n
}

func (f *fakeBroadcaster) lastData(event string) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i] == event {
			return f.data[i]
		}
	}
	return nil
}

func newTestManager(t *testing.T) (*Manager, *bus.MessageBus, *fakeBroadcaster) {
	t.Helper()
	b := bus.NewMessageBus()
	bc := &fakeBroadcaster{}
	owners := LoadOwnerRegistry(filepath.Join(t.TempDir(), "owner-chat-ids.json"))
	m := NewManager(b, bc, approvals.NewApprovalRegistry(), approvals.NewQuestionRegistry(), owners)
	return m, b, bc
}

// inbound builds a message that bypasses the debounce window (media
// flushes immediately) so tests observe the bus without waiting.
func inbound(id, content string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:    "telegram",
		SenderID:   "123|alice",
		SenderName: "Alice",
		ChatID:     "555",
		ChatType:   "dm",
		Content:    content,
		MediaType:  "image",
		Media:      []string{"/tmp/img.jpg"},
		Metadata:   map[string]string{"message_id": id},
		Timestamp:  time.Now(),
	}
}

func consumeOne(t *testing.T, b *bus.MessageBus) (bus.InboundMessage, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return b.ConsumeInbound(ctx)
}

// TestHandleInboundPipeline checks that an accepted message reaches the
// bus, is mirrored as channel.message, and captures the owner chat.
func TestHandleInboundPipeline(t *testing.T) {
	m, b, bc := newTestManager(t)

	m.HandleInbound(inbound("1", "hello"))

	got, ok := consumeOne(t, b)
	if !ok {
		t.Fatal("message never reached the bus")
	}
	if got.Content != "hello" || got.ChatID != "555" {
		t.Errorf("published %+v", got)
	}

	if n := bc.count(protocol.EventChannelMsg); n != 1 {
		t.Errorf("channel.message broadcasts = %d, want 1", n)
	}
	notice, ok := bc.lastData(protocol.EventChannelMsg).(MessageNotice)
	if !ok {
		t.Fatalf("channel.message data has type %T", bc.lastData(protocol.EventChannelMsg))
	}
	if notice.SenderName != "Alice" || notice.MediaType != "image" {
		t.Errorf("notice = %+v", notice)
	}

	if chat, ok := m.owners.Get("telegram"); !ok || chat != "555" {
		t.Errorf("owner chat = %q, %v", chat, ok)
	}
}

// TestHandleInboundDedupe verifies that a redelivered message id is
// dropped before the bus.
func TestHandleInboundDedupe(t *testing.T) {
	m, b, bc := newTestManager(t)

	m.HandleInbound(inbound("42", "first"))
	m.HandleInbound(inbound("42", "first again"))

	if _, ok := consumeOne(t, b); !ok {
		t.Fatal("first delivery missing")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if msg, ok := b.ConsumeInbound(ctx); ok {
		t.Errorf("duplicate reached the bus: %+v", msg)
	}
	if n := bc.count(protocol.EventChannelMsg); n != 1 {
		t.Errorf("channel.message broadcasts = %d, want 1", n)
	}
}

// TestHandleInboundRateLimit floods one sender past the window budget
// and counts what survives.
func TestHandleInboundRateLimit(t *testing.T) {
	m, b, _ := newTestManager(t)

	total := inboundMaxMessages + 5
	for i := 0; i < total; i++ {
		m.HandleInbound(inbound(fmt.Sprintf("msg-%d", i), "spam"))
	}

	delivered := 0
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		_, ok := b.ConsumeInbound(ctx)
		cancel()
		if !ok {
			break
		}
		delivered++
	}
	if delivered != inboundMaxMessages {
		t.Errorf("delivered %d messages, want %d", delivered, inboundMaxMessages)
	}
}

// TestStartStopLifecycle walks an adapter through start and stop and
// watches the status transitions.
func TestStartStopLifecycle(t *testing.T) {
	m, _, bc := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	good := newFakeAdapter("telegram")
	bad := newFakeAdapter("whatsapp")
	bad.startErr = errors.New("bridge unreachable")
	m.Register(good)
	m.Register(bad)

	m.StartAll(ctx)

	if !m.Has("telegram") {
		t.Error("telegram not running after StartAll")
	}
	if m.Has("whatsapp") {
		t.Error("whatsapp reported running despite start failure")
	}
	if m.Has("desktop") {
		t.Error("adapter-less channel reported a transport")
	}

	statuses := m.Statuses()
	if len(statuses) != 2 {
		t.Fatalf("Statuses() returned %d entries", len(statuses))
	}
	if statuses[0].Name != "telegram" || statuses[0].State != "running" {
		t.Errorf("telegram status = %+v", statuses[0])
	}
	if statuses[1].Name != "whatsapp" || statuses[1].State != "error" || statuses[1].Detail == "" {
		t.Errorf("whatsapp status = %+v", statuses[1])
	}

	if bc.count(protocol.EventChannelStatus) == 0 {
		t.Error("no channel.status broadcasts during start")
	}

	m.StopAll(context.Background())
	if m.Has("telegram") {
		t.Error("telegram still running after StopAll")
	}
}

// TestSendRequiresRunningAdapter pins the error for unknown and stopped
// channels.
func TestSendRequiresRunningAdapter(t *testing.T) {
	m, _, _ := newTestManager(t)

	if _, err := m.Send(context.Background(), "telegram", "1", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("unknown channel error = %v", err)
	}

	a := newFakeAdapter("telegram")
	m.Register(a)
	if _, err := m.Send(context.Background(), "telegram", "1", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("stopped adapter error = %v", err)
	}
}

// TestPromptConversion routes agent-side prompts through the manager
// and checks the adapter receives the same fields.
func TestPromptConversion(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	a := newFakeAdapter("telegram")
	m.Register(a)
	a.Start(ctx)

	req := agent.ApprovalPrompt{RequestID: "req-1", Tool: "Bash", Detail: "rm -rf ./build"}
	if err := m.SendApproval(ctx, "telegram", "555", req); err != nil {
		t.Fatalf("SendApproval: %v", err)
	}
	if len(a.approvals) != 1 || a.approvals[0].RequestID != "req-1" || a.approvals[0].Tool != "Bash" {
		t.Errorf("adapter approval = %+v", a.approvals)
	}

	q := agent.QuestionPrompt{RequestID: "req-2", Index: 0, Question: "Deploy?", Options: []string{"yes", "no"}}
	if err := m.SendQuestion(ctx, "telegram", "555", q); err != nil {
		t.Fatalf("SendQuestion: %v", err)
	}
	if len(a.questions) != 1 || len(a.questions[0].Options) != 2 {
		t.Errorf("adapter question = %+v", a.questions)
	}
}

// TestApprovalResponseResolution resolves a real pending approval
// through the handler surface.
func TestApprovalResponseResolution(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	p := m.approvals.Create("telegram:dm:555", "Bash", nil, approvals.TierApproval)

	if m.HandleApprovalResponse(ctx, "no-such-id", true, "") {
		t.Error("unknown request id resolved")
	}
	if !m.HandleApprovalResponse(ctx, p.RequestID, false, "") {
		t.Fatal("pending approval did not resolve")
	}
	res := p.Wait(ctx, time.Second)
	if res.Approved {
		t.Error("deny resolved as approval")
	}
	if res.Reason != "denied by user" {
		t.Errorf("default deny reason = %q", res.Reason)
	}
}

// TestQuestionResponseResolution answers a pending question by option
// index.
func TestQuestionResponseResolution(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	q := m.questions.Create("telegram:dm:555", []approvals.Question{
		{Question: "Which env?", Options: []string{"dev", "staging", "prod"}},
	})

	if !m.HandleQuestionResponse(ctx, q.RequestID, 1, "staging") {
		t.Fatal("pending question did not resolve")
	}
	answers, answered := q.Wait(ctx, time.Second, nil)
	if !answered {
		t.Fatal("question reported dismissed")
	}
	if answers["Which env?"] != "staging" {
		t.Errorf("answer = %q", answers["Which env?"])
	}
}

// TestDispatchOutbound publishes to the bus and expects the adapter to
// receive the send.
func TestDispatchOutbound(t *testing.T) {
	m, b, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newFakeAdapter("telegram")
	m.Register(a)
	m.StartAll(ctx)

	b.PublishOutbound(bus.OutboundMessage{Channel: "telegram", ChatID: "555", Content: "queued reply"})

	deadline := time.Now().Add(2 * time.Second)
	for a.sentCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if a.sentCount() != 1 {
		t.Fatal("outbound message never reached the adapter")
	}
}

// TestCommandHandler checks dispatch through the configured command
// function and the nil default.
func TestCommandHandler(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if reply := m.HandleCommand(ctx, Command{Name: "status"}); reply != "" {
		t.Errorf("unwired command handler replied %q", reply)
	}

	m.SetCommandHandler(func(ctx context.Context, cmd Command) string {
		return "cmd:" + cmd.Name
	})
	if reply := m.HandleCommand(ctx, Command{Name: "reset"}); reply != "cmd:reset" {
		t.Errorf("reply = %q", reply)
	}
}
