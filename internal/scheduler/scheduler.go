// Package scheduler fires persisted calendar rules on their cron
// schedule and hands the resulting prompts to the agent dispatcher.
//
// Every rule runs on its own session key (calendar:dm:<ruleId>) so
// repeated firings of one rule share agent context while distinct
// rules stay isolated. Cron granularity is one minute; the scheduler
// polls twice per minute and fires rules whose stored next-run time
// has passed. Missed slots (daemon was down) collapse into a single
// firing: the rule runs once and re-anchors to the next future slot.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/sync/errgroup"

	"github.com/pylonhq/pylon/internal/agent"
	"github.com/pylonhq/pylon/internal/config"
	"github.com/pylonhq/pylon/internal/sessions"
	"github.com/pylonhq/pylon/internal/store"
)

const (
	tickInterval = 30 * time.Second

	// fireConcurrency bounds how many due rules submit at once. Firing
	// only enqueues dispatcher work, so a small bound is plenty.
	fireConcurrency = 4
)

// Dispatcher is the slice of agent.Dispatcher the scheduler needs.
type Dispatcher interface {
	Submit(task agent.Task)
}

// Scheduler polls calendar rules and submits due ones as agent tasks.
type Scheduler struct {
	store      *store.Store
	dispatcher Dispatcher
	cfg        *config.Config
}

func New(st *store.Store, dispatcher Dispatcher, cfg *config.Config) *Scheduler {
	return &Scheduler{store: st, dispatcher: dispatcher, cfg: cfg}
}

// Run polls for due rules until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	slog.Info("scheduler.started", "tick", tickInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler.stopped")
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if !s.cfg.CalendarSettings().CalendarEnabled() {
		return
	}
	rules, err := s.store.ListRules(ctx)
	if err != nil {
		slog.Error("scheduler.list rules failed", "error", err)
		return
	}

	var g errgroup.Group
	g.SetLimit(fireConcurrency)
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if rule.NextRunAt.IsZero() {
			// Rule row predates scheduling or its expression failed to
			// parse at save time. Anchor it without firing.
			if next, err := NextRun(rule.CronExpr, now); err == nil {
				s.store.MarkRuleRun(ctx, rule.ID, rule.LastRunAt, next)
			}
			continue
		}
		if rule.NextRunAt.After(now) {
			continue
		}
		rule := rule
		g.Go(func() error {
			return s.fire(ctx, rule, now)
		})
	}
	if err := g.Wait(); err != nil {
		slog.Error("scheduler.tick", "error", err)
	}
}

// fire records the run, re-anchors the schedule, and submits the task.
func (s *Scheduler) fire(ctx context.Context, rule store.Rule, now time.Time) error {
	next, err := NextRun(rule.CronExpr, now)
	if err != nil {
		// Keep the rule parked rather than firing it every tick.
		next = time.Time{}
	}
	if err := s.store.MarkRuleRun(ctx, rule.ID, now, next); err != nil {
		return fmt.Errorf("rule %s: %w", rule.ID, err)
	}
	slog.Info("scheduler.rule due", "rule", rule.ID, "name", rule.Name, "next", next)
	s.submit(rule, now)
	return nil
}

// RunNow fires rule immediately, bypassing the schedule. The stored
// next-run time is untouched so manual runs never shift the cadence.
func (s *Scheduler) RunNow(rule store.Rule) {
	slog.Info("scheduler.manual run", "rule", rule.ID, "name", rule.Name)
	s.submit(rule, time.Now())
}

func (s *Scheduler) submit(rule store.Rule, now time.Time) {
	s.dispatcher.Submit(agent.Task{
		Ref:     ruleRef(rule),
		Sender:  rule.Name,
		Prompt:  framePrompt(rule, now),
		Display: rule.Prompt,
		Source:  agent.SourceCalendar,
		Deliver: s.deliverTarget(rule),
	})
}

// deliverTarget resolves where the rule's final text goes: the rule's
// own channel/chatId when set, else the config-wide deliver_to target.
// Nil means the run stays silent outside the event log.
func (s *Scheduler) deliverTarget(rule store.Rule) *sessions.ChatRef {
	channel, chatID := rule.Channel, rule.ChatID
	if channel == "" || chatID == "" {
		channel, chatID = splitTarget(s.cfg.CalendarSettings().DeliverTo)
	}
	if channel == "" || chatID == "" {
		return nil
	}
	return &sessions.ChatRef{Channel: channel, ChatType: sessions.ChatTypeDM, ChatID: chatID}
}

// splitTarget parses a "channel:chatId" config value.
func splitTarget(target string) (channel, chatID string) {
	i := strings.Index(target, ":")
	if i <= 0 || i == len(target)-1 {
		return "", ""
	}
	return target[:i], target[i+1:]
}

// framePrompt wraps the rule body so the agent can tell a scheduled
// firing apart from a live user message.
func framePrompt(rule store.Rule, now time.Time) string {
	return fmt.Sprintf("<scheduled_task name=%q time=%q>\n%s\n</scheduled_task>",
		rule.Name, now.Format(time.RFC3339), rule.Prompt)
}

func ruleRef(rule store.Rule) sessions.ChatRef {
	return sessions.ChatRef{Channel: sessions.ChannelCalendar, ChatType: sessions.ChatTypeDM, ChatID: rule.ID}
}

// RuleSessionKey returns the session key rule runs execute under.
func RuleSessionKey(rule store.Rule) string {
	return ruleRef(rule).Key()
}

// ValidateExpr rejects cron expressions gronx cannot evaluate.
func ValidateExpr(expr string) error {
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("unparseable cron expression %q", expr)
	}
	return nil
}

// NextRun computes the first fire time strictly after t.
func NextRun(expr string, t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(expr, t, false)
}
