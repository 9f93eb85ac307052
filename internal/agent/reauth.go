package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pylonhq/pylon/internal/provider"
	"github.com/pylonhq/pylon/pkg/protocol"
)

// Reauth drives the interactive OAuth recovery flow. When a run dies on
// an expired credential the prompt that triggered it is stashed, the
// user gets an auth URL, and the next message in that chat is sniffed
// for a pasted authorization code. A successful exchange saves the new
// credentials and re-submits the stashed prompt.
type Reauth struct {
	oauth     *provider.OAuth
	broadcast Broadcaster
	channels  ChannelGateway

	mu       sync.Mutex
	verifier string
	pending  map[string]Task // channel:chatID -> stashed task
	resubmit func(Task)
}

func NewReauth(oauth *provider.OAuth, broadcast Broadcaster, channels ChannelGateway) *Reauth {
	return &Reauth{
		oauth:     oauth,
		broadcast: broadcast,
		channels:  channels,
		pending:   make(map[string]Task),
	}
}

// SetResubmit wires the dispatcher entry point. Set once at startup,
// before any run can fail on auth.
func (r *Reauth) SetResubmit(fn func(Task)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resubmit = fn
}

func reauthKey(channel, chatID string) string {
	return channel + ":" + chatID
}

// Begin starts the recovery flow for a failed run. The auth URL is
// broadcast to desktop clients and, for channel-sourced runs, sent to
// the originating chat with the prompt stashed for replay.
func (r *Reauth) Begin(task Task, reason string) {
	if r == nil || r.oauth == nil {
		return
	}
	authURL, verifier := r.oauth.BeginAuth()

	r.mu.Lock()
	r.verifier = verifier
	channel := task.Ref.Channel
	chatID := task.Ref.ChatID
	if r.channels != nil && r.channels.Has(channel) {
		r.pending[reauthKey(channel, chatID)] = task
	}
	r.mu.Unlock()

	slog.Warn("agent.reauth required", "session", task.Ref.Key(), "reason", reason)
	r.broadcast.BroadcastGlobal(protocol.EventReauthNeeded, ReauthPayload{AuthURL: authURL, Reason: reason})

	if r.channels == nil || !r.channels.Has(channel) {
		return
	}
	text := fmt.Sprintf("🔑 Authentication expired. Open this link, sign in, then paste the code here:\n%s\n\nSend /cancel to drop the pending message.", authURL)
	ctx, cancel := context.WithTimeout(context.Background(), outboundGrace)
	defer cancel()
	if _, err := r.channels.Send(ctx, channel, chatID, text); err != nil {
		slog.Warn("agent.reauth prompt send failed", "channel", channel, "error", err)
	}
}

// Waiting reports whether a chat has a stashed prompt awaiting a code.
func (r *Reauth) Waiting(channel, chatID string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[reauthKey(channel, chatID)]
	return ok
}

// Cancel drops the stashed prompt for a chat.
func (r *Reauth) Cancel(channel, chatID string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := reauthKey(channel, chatID)
	if _, ok := r.pending[key]; !ok {
		return false
	}
	delete(r.pending, key)
	return true
}

// MaybeHandleCode intercepts a chat message while that chat is awaiting
// an authorization code. Returns true when the message was consumed by
// the flow, whether or not the exchange succeeded; a failed exchange
// keeps the stash so the user can paste again.
func (r *Reauth) MaybeHandleCode(ctx context.Context, channel, chatID, text string) bool {
	if r == nil {
		return false
	}
	key := reauthKey(channel, chatID)

	r.mu.Lock()
	task, waiting := r.pending[key]
	verifier := r.verifier
	resubmit := r.resubmit
	r.mu.Unlock()
	if !waiting || !provider.LooksLikeOAuthCode(text) {
		return false
	}

	creds, err := r.oauth.ExchangeCode(ctx, text, verifier)
	if err != nil {
		slog.Warn("agent.reauth exchange failed", "error", err)
		r.reply(channel, chatID, fmt.Sprintf("❌ That code didn't work (%v). Paste it again, or /cancel.", err))
		return true
	}

	r.mu.Lock()
	delete(r.pending, key)
	r.mu.Unlock()

	slog.Info("agent.reauth complete", "expires", creds.ExpiresAt.Format(time.RFC3339))
	r.reply(channel, chatID, "✅ Re-authenticated. Picking your message back up.")
	if resubmit != nil {
		resubmit(task)
	}
	return true
}

func (r *Reauth) reply(channel, chatID, text string) {
	if r.channels == nil || !r.channels.Has(channel) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), outboundGrace)
	defer cancel()
	if _, err := r.channels.Send(ctx, channel, chatID, text); err != nil {
		slog.Debug("agent.reauth reply failed", "channel", channel, "error", err)
	}
}
