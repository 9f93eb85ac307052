package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ChannelGateway is the slice of the channel manager the run loop needs:
// plain sends, status-message edits, and the interactive approval and
// question prompts. All methods are best-effort from the loop's point
// of view; a dead channel must never wedge a run.
type ChannelGateway interface {
	Has(channel string) bool
	Send(ctx context.Context, channel, chatID, text string) (messageID string, err error)
	Edit(ctx context.Context, channel, chatID, messageID, text string) error
	Delete(ctx context.Context, channel, chatID, messageID string) error
	Typing(ctx context.Context, channel, chatID string) error
	SendApproval(ctx context.Context, channel, chatID string, req ApprovalPrompt) error
	SendQuestion(ctx context.Context, channel, chatID string, q QuestionPrompt) error
}

// ApprovalPrompt is a tool approval rendered as an interactive channel
// message (inline keyboard on telegram, numbered reply on whatsapp).
type ApprovalPrompt struct {
	RequestID string
	Tool      string
	Detail    string
}

// QuestionPrompt is one agent question with its tappable options.
type QuestionPrompt struct {
	RequestID string
	Index     int
	Question  string
	Header    string
	Options   []string
}

const (
	typingInterval = 4500 * time.Millisecond
	editThrottle   = 2500 * time.Millisecond
	outboundGrace  = 10 * time.Second
)

// statusMessage is the placeholder a channel chat sees while a turn is
// running. It is sent once, edited in place as the tool log grows, and
// deleted when the turn ends. Edits are throttled to one per 2.5s; a
// new tool detail resets the throttle so the log never shows a stale
// step. Every operation is best-effort: edit and delete failures are
// logged at debug and otherwise ignored.
type statusMessage struct {
	gw      ChannelGateway
	channel string
	chatID  string

	mu        sync.Mutex
	messageID string
	lastText  string
	lastEdit  time.Time
	finished  bool

	stopTyping chan struct{}
	typingDone sync.WaitGroup
}

// startStatusMessage sends the placeholder and begins the typing
// heartbeat. Returns nil when the placeholder could not be sent; the
// run proceeds without a status message in that case.
func startStatusMessage(gw ChannelGateway, channel, chatID string) *statusMessage {
	ctx, cancel := context.WithTimeout(context.Background(), outboundGrace)
	defer cancel()

	id, err := gw.Send(ctx, channel, chatID, statusPlaceholder)
	if err != nil {
		slog.Debug("status.placeholder send failed", "channel", channel, "error", err)
		return nil
	}

	s := &statusMessage{
		gw:         gw,
		channel:    channel,
		chatID:     chatID,
		messageID:  id,
		lastText:   statusPlaceholder,
		lastEdit:   time.Now(),
		stopTyping: make(chan struct{}),
	}
	s.typingDone.Add(1)
	go s.typingLoop()
	return s
}

func (s *statusMessage) typingLoop() {
	defer s.typingDone.Done()
	ticker := time.NewTicker(typingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopTyping:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), outboundGrace)
			if err := s.gw.Typing(ctx, s.channel, s.chatID); err != nil {
				slog.Debug("status.typing failed", "channel", s.channel, "error", err)
			}
			cancel()
		}
	}
}

// update edits the status message to text. Updates inside the throttle
// window are dropped unless forced; the next recomposition carries the
// newer state anyway.
func (s *statusMessage) update(text string, force bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.finished || text == s.lastText {
		s.mu.Unlock()
		return
	}
	if !force && time.Since(s.lastEdit) < editThrottle {
		s.mu.Unlock()
		return
	}
	s.lastText = text
	s.lastEdit = time.Now()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), outboundGrace)
	defer cancel()
	if err := s.gw.Edit(ctx, s.channel, s.chatID, s.messageID, text); err != nil {
		slog.Debug("status.edit failed", "channel", s.channel, "error", err)
	}
}

// finish stops the typing heartbeat and, unless keep is set, deletes
// the status message. Re-auth keeps the message so the chat retains a
// visible anchor for the interrupted turn.
func (s *statusMessage) finish(keep bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.mu.Unlock()

	close(s.stopTyping)
	s.typingDone.Wait()

	if keep {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), outboundGrace)
	defer cancel()
	if err := s.gw.Delete(ctx, s.channel, s.chatID, s.messageID); err != nil {
		slog.Debug("status.delete failed", "channel", s.channel, "error", err)
	}
}
