// Package telegram connects the daemon to the Telegram Bot API over
// long polling. Approvals and questions render as inline keyboards;
// button taps come back as callback queries.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	"golang.org/x/time/rate"

	"github.com/pylonhq/pylon/internal/channels"
	"github.com/pylonhq/pylon/internal/config"
)

const (
	// pollTimeout is the long-poll wait passed to getUpdates.
	pollTimeout = 30

	// stopGrace bounds the wait for the polling goroutine on Stop so
	// Telegram releases the getUpdates lock before a restart.
	stopGrace = 10 * time.Second

	// Outbound Bot API budget. Telegram allows ~30 messages per second
	// across all chats; staying under it avoids 429 retry storms.
	sendRate  = 20
	sendBurst = 5
)

// Channel is the Telegram transport adapter.
type Channel struct {
	*channels.BaseAdapter
	bot *telego.Bot
	cfg config.TelegramConfig

	requireMention bool
	limiter        *rate.Limiter
	prompts        *promptRegistry

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New builds the adapter from config. The bot token is validated
// lazily on Start; this only constructs the API client.
func New(cfg config.TelegramConfig, handler channels.Handler) (*Channel, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}

	return &Channel{
		BaseAdapter:    channels.NewBaseAdapter("telegram", handler, cfg.AllowFrom),
		bot:            bot,
		cfg:            cfg,
		requireMention: requireMention,
		limiter:        rate.NewLimiter(rate.Limit(sendRate), sendBurst),
		prompts:        newPromptRegistry(),
	}, nil
}

// Start begins long polling and returns once the update stream is
// established. Updates are consumed on a background goroutine until
// Stop cancels the polling context.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout: pollTimeout,
		AllowedUpdates: []string{
			"message",
			"callback_query",
		},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram.connected", "username", c.bot.Username())

	go c.syncCommandMenu(pollCtx)

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					if pollCtx.Err() == nil {
						slog.Warn("telegram.updates stream closed")
						c.SetRunning(false)
						c.Handler().HandleStatus(c.Name(), "error", "updates stream closed")
					}
					return
				}
				switch {
				case update.Message != nil:
					c.handleMessage(pollCtx, update.Message)
				case update.CallbackQuery != nil:
					c.handleCallback(pollCtx, update.CallbackQuery)
				}
			}
		}
	}()

	return nil
}

// Stop cancels polling and waits for the update goroutine to exit.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(stopGrace):
			slog.Warn("telegram.poll goroutine did not exit in time")
		}
	}
	return nil
}

// syncCommandMenu registers the daemon's slash commands with the Bot
// API so clients offer them in the input menu. Failures only cost the
// menu, not the transport.
func (c *Channel) syncCommandMenu(ctx context.Context) {
	err := c.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{
		Commands: []telego.BotCommand{
			{Command: "status", Description: "Show session status"},
			{Command: "reset", Description: "Start a fresh session"},
			{Command: "cancel", Description: "Stop the current run"},
		},
	})
	if err != nil {
		slog.Warn("telegram.command menu sync failed", "error", err)
	}
}

// parseChatID converts the transport-neutral chat id string back to
// Telegram's numeric form.
func parseChatID(chatID string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(chatID, "%d", &id); err != nil {
		return 0, fmt.Errorf("bad telegram chat id %q: %w", chatID, err)
	}
	return id, nil
}

// promptRegistry remembers the chat and message id of approval and
// question prompts this adapter sent, keyed by request id, so a
// callback tap can rewrite the prompt without relying on the callback
// payload carrying the full message.
type promptRegistry struct {
	mu      sync.Mutex
	entries map[string]promptRef
}

type promptRef struct {
	chatID    int64
	messageID int
	text      string
	options   []string // question options, nil for approvals
	createdAt time.Time
}

const (
	promptTTL  = 30 * time.Minute
	promptsMax = 256
)

func newPromptRegistry() *promptRegistry {
	return &promptRegistry{entries: make(map[string]promptRef)}
}

func (p *promptRegistry) put(requestID string, ref promptRef) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for id, e := range p.entries {
		if now.Sub(e.createdAt) > promptTTL {
			delete(p.entries, id)
		}
	}
	for len(p.entries) >= promptsMax {
		oldest, oldestAt := "", now
		for id, e := range p.entries {
			if e.createdAt.Before(oldestAt) {
				oldest, oldestAt = id, e.createdAt
			}
		}
		delete(p.entries, oldest)
	}

	ref.createdAt = now
	p.entries[requestID] = ref
}

func (p *promptRegistry) peek(requestID string) (promptRef, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref, ok := p.entries[requestID]
	return ref, ok
}

func (p *promptRegistry) take(requestID string) (promptRef, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref, ok := p.entries[requestID]
	if ok {
		delete(p.entries, requestID)
	}
	return ref, ok
}
