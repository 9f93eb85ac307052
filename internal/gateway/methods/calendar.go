package methods

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pylonhq/pylon/internal/gateway"
	"github.com/pylonhq/pylon/internal/scheduler"
	"github.com/pylonhq/pylon/internal/store"
	"github.com/pylonhq/pylon/pkg/protocol"
)

// CalendarMethods manages cron-scheduled prompt rules.
type CalendarMethods struct {
	store *store.Store
	sched *scheduler.Scheduler
}

func NewCalendarMethods(st *store.Store, sched *scheduler.Scheduler) *CalendarMethods {
	return &CalendarMethods{store: st, sched: sched}
}

func (m *CalendarMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodCalendarList, m.handleList)
	router.Register(protocol.MethodCalendarAdd, m.handleAdd)
	router.Register(protocol.MethodCalendarRemove, m.handleRemove)
	router.Register(protocol.MethodCalendarToggle, m.handleToggle)
	router.Register(protocol.MethodCalendarRun, m.handleRun)
}

func (m *CalendarMethods) handleList(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	rules, err := m.store.ListRules(ctx)
	if err != nil {
		slog.Error("calendar.list failed", "error", err)
		return nil, protocol.Errorf(protocol.CodeInternal, "list rules failed")
	}
	return map[string]any{"rules": rules}, nil
}

func (m *CalendarMethods) handleAdd(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		Name     string `json:"name"`
		CronExpr string `json:"cronExpr"`
		Prompt   string `json:"prompt"`
		Channel  string `json:"channel"`
		ChatID   string `json:"chatId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.Errorf(protocol.CodeBadParams, "invalid params: %v", err)
	}
	if p.Name == "" || p.CronExpr == "" || p.Prompt == "" {
		return nil, protocol.Errorf(protocol.CodeBadParams, "name, cronExpr, and prompt required")
	}
	if err := scheduler.ValidateExpr(p.CronExpr); err != nil {
		return nil, protocol.Errorf(protocol.CodeBadParams, "bad cron expression: %v", err)
	}

	next, _ := scheduler.NextRun(p.CronExpr, time.Now())
	rule := store.Rule{
		ID:        uuid.NewString(),
		Name:      p.Name,
		CronExpr:  p.CronExpr,
		Prompt:    p.Prompt,
		Channel:   p.Channel,
		ChatID:    p.ChatID,
		Enabled:   true,
		CreatedAt: time.Now(),
		NextRunAt: next,
	}
	if err := m.store.SaveRule(ctx, rule); err != nil {
		slog.Error("calendar.add failed", "error", err)
		return nil, protocol.Errorf(protocol.CodeInternal, "save rule failed")
	}
	return rule, nil
}

// handleRemove drops a rule. Removing an unknown id succeeds.
func (m *CalendarMethods) handleRemove(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	id, rpcErr := ruleIDParam(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := m.store.DeleteRule(ctx, id); err != nil {
		return nil, protocol.Errorf(protocol.CodeInternal, "delete rule failed")
	}
	return nil, nil
}

func (m *CalendarMethods) handleToggle(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		ID      string `json:"id"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, protocol.Errorf(protocol.CodeBadParams, "id required")
	}

	rule, err := m.store.GetRule(ctx, p.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, protocol.Errorf(protocol.CodeNotFound, "unknown rule: %s", p.ID)
		}
		return nil, protocol.Errorf(protocol.CodeInternal, "load rule failed")
	}

	if err := m.store.SetRuleEnabled(ctx, p.ID, p.Enabled); err != nil {
		return nil, protocol.Errorf(protocol.CodeInternal, "toggle rule failed")
	}
	rule.Enabled = p.Enabled
	if p.Enabled {
		// Re-enabling re-anchors the schedule at now, not at the stale
		// next-run time computed before the rule was paused.
		if next, err := scheduler.NextRun(rule.CronExpr, time.Now()); err == nil {
			rule.NextRunAt = next
			m.store.MarkRuleRun(ctx, rule.ID, rule.LastRunAt, next)
		}
	}
	return rule, nil
}

func (m *CalendarMethods) handleRun(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	id, rpcErr := ruleIDParam(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	rule, err := m.store.GetRule(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, protocol.Errorf(protocol.CodeNotFound, "unknown rule: %s", id)
		}
		return nil, protocol.Errorf(protocol.CodeInternal, "load rule failed")
	}

	m.sched.RunNow(rule)
	return map[string]string{"sessionKey": scheduler.RuleSessionKey(rule)}, nil
}

func ruleIDParam(params json.RawMessage) (string, *protocol.Error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return "", protocol.Errorf(protocol.CodeBadParams, "id required")
	}
	return p.ID, nil
}
