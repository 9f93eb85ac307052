package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pylonhq/pylon/internal/agent"
	"github.com/pylonhq/pylon/internal/approvals"
	"github.com/pylonhq/pylon/internal/bus"
	"github.com/pylonhq/pylon/pkg/protocol"
)

const (
	dedupeTTL       = 5 * time.Minute
	dedupeMax       = 4096
	debounceWindow  = time.Second
	outboundTimeout = 15 * time.Second
)

// ErrNotConnected is returned for operations on a channel with no
// running adapter.
var ErrNotConnected = errors.New("channel not connected")

// Status is one adapter's health, returned by channels.list/status and
// broadcast as channel.status on transitions.
type Status struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	State   string `json:"state"` // "running", "stopped", "error"
	Detail  string `json:"detail,omitempty"`
}

// MessageNotice accompanies channel.message: one accepted inbound,
// mirrored globally so desktop subscribers can observe channel traffic.
type MessageNotice struct {
	Channel    string `json:"channel"`
	ChatID     string `json:"chatId"`
	ChatType   string `json:"chatType"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName,omitempty"`
	Body       string `json:"body"`
	MediaType  string `json:"mediaType,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// Manager owns the transport adapters. Outbound it implements the
// gateway surface the run loop uses (sends, edits, typing, interactive
// prompts). Inbound it is the Handler adapters deliver into: messages
// are rate-limited, deduplicated, mirrored as channel.message, and
// debounced before the bus publish; approval and question taps resolve
// their rendezvous; transport state changes broadcast channel.status.
type Manager struct {
	bus       *bus.MessageBus
	broadcast agent.Broadcaster
	approvals *approvals.ApprovalRegistry
	questions *approvals.QuestionRegistry
	owners    *OwnerRegistry

	dedupe   *bus.DedupeCache
	debounce *bus.InboundDebouncer
	limiter  *InboundRateLimiter

	mu        sync.RWMutex
	adapters  map[string]Adapter
	states    map[string]Status
	commandFn func(ctx context.Context, cmd Command) string
}

// NewManager builds a manager. broadcast and owners may be nil in
// tests; approval and question registries may be nil when the agent
// runtime is not wired.
func NewManager(b *bus.MessageBus, broadcast agent.Broadcaster, apr *approvals.ApprovalRegistry, questions *approvals.QuestionRegistry, owners *OwnerRegistry) *Manager {
	m := &Manager{
		bus:       b,
		broadcast: broadcast,
		approvals: apr,
		questions: questions,
		owners:    owners,
		dedupe:    bus.NewDedupeCache(dedupeTTL, dedupeMax),
		limiter:   NewInboundRateLimiter(),
		adapters:  make(map[string]Adapter),
		states:    make(map[string]Status),
	}
	m.debounce = bus.NewInboundDebouncer(debounceWindow, m.publish)
	return m
}

// Register adds an adapter. A later registration with the same name
// replaces the earlier one.
func (m *Manager) Register(a Adapter) {
	m.mu.Lock()
	m.adapters[a.Name()] = a
	m.states[a.Name()] = Status{Name: a.Name(), Enabled: true, State: "stopped"}
	m.mu.Unlock()
}

// StartAll starts every registered adapter and the outbound dispatch
// loop. Adapter start failures are recorded and broadcast, not fatal:
// the gateway runs without the dead transport.
func (m *Manager) StartAll(ctx context.Context) {
	go m.dispatchOutbound(ctx)

	adapters := m.sorted()
	if len(adapters) == 0 {
		slog.Info("channels.none enabled")
		return
	}

	for _, a := range adapters {
		if err := a.Start(ctx); err != nil {
			slog.Error("channels.start failed", "channel", a.Name(), "error", err)
			m.HandleStatus(a.Name(), "error", err.Error())
			continue
		}
		slog.Info("channels.started", "channel", a.Name())
		m.HandleStatus(a.Name(), "running", "")
	}
}

// StopAll stops running adapters and flushes the inbound debouncer.
func (m *Manager) StopAll(ctx context.Context) {
	for _, a := range m.sorted() {
		if !a.Running() {
			continue
		}
		if err := a.Stop(ctx); err != nil {
			slog.Warn("channels.stop failed", "channel", a.Name(), "error", err)
		}
		m.HandleStatus(a.Name(), "stopped", "")
	}
	m.debounce.Stop()
	if m.owners != nil {
		m.owners.Flush()
	}
}

func (m *Manager) sorted() []Adapter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.adapters))
	for name := range m.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Adapter, 0, len(names))
	for _, name := range names {
		out = append(out, m.adapters[name])
	}
	return out
}

// dispatchOutbound drains the bus outbound queue into adapters, for
// producers that must not block on a slow transport. Temp media files
// are removed after the send attempt.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	for {
		msg, ok := m.bus.ConsumeOutbound(ctx)
		if !ok {
			return
		}

		a, err := m.adapter(msg.Channel)
		if err != nil {
			slog.Warn("channels.outbound dropped", "channel", msg.Channel, "error", err)
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, outboundTimeout)
		if ms, isMedia := a.(MediaSender); isMedia && len(msg.Media) > 0 {
			err = ms.SendMedia(sendCtx, msg.ChatID, msg.Media, msg.Content)
		} else {
			_, err = a.Send(sendCtx, msg.ChatID, msg.Content)
		}
		cancel()
		if err != nil {
			slog.Warn("channels.outbound send failed", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
		}

		for _, att := range msg.Media {
			if att.URL != "" {
				os.Remove(att.URL)
			}
		}
	}
}

// Statuses reports every registered adapter, sorted by name.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Has reports whether channel has a running adapter. Adapter-less
// channels (desktop, calendar, bg) always report false.
func (m *Manager) Has(channel string) bool {
	m.mu.RLock()
	a := m.adapters[channel]
	m.mu.RUnlock()
	return a != nil && a.Running()
}

func (m *Manager) adapter(channel string) (Adapter, error) {
	m.mu.RLock()
	a := m.adapters[channel]
	m.mu.RUnlock()
	if a == nil || !a.Running() {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, channel)
	}
	return a, nil
}

// Send delivers text to a chat and returns the transport message id.
func (m *Manager) Send(ctx context.Context, channel, chatID, text string) (string, error) {
	a, err := m.adapter(channel)
	if err != nil {
		return "", err
	}
	return a.Send(ctx, chatID, text)
}

// Edit replaces the text of a previously sent message.
func (m *Manager) Edit(ctx context.Context, channel, chatID, messageID, text string) error {
	a, err := m.adapter(channel)
	if err != nil {
		return err
	}
	return a.Edit(ctx, chatID, messageID, text)
}

// Delete removes a previously sent message.
func (m *Manager) Delete(ctx context.Context, channel, chatID, messageID string) error {
	a, err := m.adapter(channel)
	if err != nil {
		return err
	}
	return a.Delete(ctx, chatID, messageID)
}

// Typing signals typing activity to a chat.
func (m *Manager) Typing(ctx context.Context, channel, chatID string) error {
	a, err := m.adapter(channel)
	if err != nil {
		return err
	}
	return a.Typing(ctx, chatID)
}

// SendApproval renders a pending tool approval in the chat.
func (m *Manager) SendApproval(ctx context.Context, channel, chatID string, req agent.ApprovalPrompt) error {
	a, err := m.adapter(channel)
	if err != nil {
		return err
	}
	return a.SendApproval(ctx, chatID, ApprovalPrompt(req))
}

// SendQuestion renders one agent question in the chat.
func (m *Manager) SendQuestion(ctx context.Context, channel, chatID string, q agent.QuestionPrompt) error {
	a, err := m.adapter(channel)
	if err != nil {
		return err
	}
	return a.SendQuestion(ctx, chatID, QuestionPrompt(q))
}

// SetCommandHandler wires daemon command dispatch (reset, cancel,
// status). Set during startup, before adapters run.
func (m *Manager) SetCommandHandler(fn func(ctx context.Context, cmd Command) string) {
	m.mu.Lock()
	m.commandFn = fn
	m.mu.Unlock()
}

// HandleInbound runs the inbound pipeline: per-sender rate limit,
// dedupe, owner capture, a global channel.message notice, then the
// debounce window that merges rapid consecutive texts before the bus
// publish.
func (m *Manager) HandleInbound(msg bus.InboundMessage) {
	if !m.limiter.Allow(msg.Channel + "|" + msg.SenderID) {
		slog.Warn("channels.inbound rate limited", "channel", msg.Channel, "sender_id", msg.SenderID)
		return
	}

	key := msg.Channel + "|" + msg.ChatID + "|" + msg.Metadata["message_id"]
	if msg.Metadata["message_id"] == "" {
		key = msg.Channel + "|" + msg.ChatID + "|" + msg.SenderID + "|" + msg.Content
	}
	if m.dedupe.IsDuplicate(key) {
		slog.Debug("channels.inbound duplicate dropped", "channel", msg.Channel, "chat_id", msg.ChatID)
		return
	}

	if m.owners != nil && msg.ChatType == "dm" {
		m.owners.Capture(msg.Channel, msg.ChatID)
	}

	if m.broadcast != nil {
		ts := msg.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		m.broadcast.BroadcastGlobal(protocol.EventChannelMsg, MessageNotice{
			Channel:    msg.Channel,
			ChatID:     msg.ChatID,
			ChatType:   msg.ChatType,
			SenderID:   msg.SenderID,
			SenderName: msg.SenderName,
			Body:       msg.Content,
			MediaType:  msg.MediaType,
			Timestamp:  ts.UnixMilli(),
		})
	}

	m.debounce.Add(msg)
}

// publish is the debounce sink.
func (m *Manager) publish(msg bus.InboundMessage) {
	m.bus.PublishInbound(msg)
}

// HandleCommand dispatches a slash command and returns the chat reply.
func (m *Manager) HandleCommand(ctx context.Context, cmd Command) string {
	m.mu.RLock()
	fn := m.commandFn
	m.mu.RUnlock()
	if fn == nil {
		return ""
	}
	return fn(ctx, cmd)
}

// HandleApprovalResponse resolves a pending approval from a channel
// tap. Returns false when the id is unknown or already resolved.
func (m *Manager) HandleApprovalResponse(ctx context.Context, requestID string, approved bool, reason string) bool {
	if m.approvals == nil {
		return false
	}
	if approved {
		return m.approvals.Resolve(requestID, approvals.Resolution{Approved: true})
	}
	if reason == "" {
		reason = "denied by user"
	}
	return m.approvals.Resolve(requestID, approvals.Resolution{Approved: false, Reason: reason})
}

// HandleQuestionResponse answers every pending question in the set with
// the tapped option index.
func (m *Manager) HandleQuestionResponse(ctx context.Context, requestID string, index int, label string) bool {
	if m.questions == nil {
		return false
	}
	won := m.questions.ResolveOption(requestID, index)
	if won {
		slog.Debug("channels.question answered", "request_id", requestID, "option", index, "label", label)
	}
	return won
}

// HandleStatus records an adapter state transition and broadcasts
// channel.status when it changed. Adapters call it on connect,
// disconnect, and error; the manager calls it around start and stop.
func (m *Manager) HandleStatus(channel, state, detail string) {
	m.mu.Lock()
	st, ok := m.states[channel]
	if !ok {
		st = Status{Name: channel, Enabled: true}
	}
	changed := st.State != state || st.Detail != detail
	st.State = state
	st.Detail = detail
	m.states[channel] = st
	m.mu.Unlock()

	if changed && m.broadcast != nil {
		m.broadcast.BroadcastGlobal(protocol.EventChannelStatus, st)
	}
}
