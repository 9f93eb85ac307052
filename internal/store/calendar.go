package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Rule is a persisted calendar rule. NextRunAt is recomputed by the
// scheduler after every tick; zero means not yet scheduled.
type Rule struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CronExpr  string    `json:"cronExpr"`
	Prompt    string    `json:"prompt"`
	Channel   string    `json:"channel,omitempty"`
	ChatID    string    `json:"chatId,omitempty"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt"`
	LastRunAt time.Time `json:"lastRunAt,omitempty"`
	NextRunAt time.Time `json:"nextRunAt,omitempty"`
}

// SaveRule upserts a calendar rule.
func (s *Store) SaveRule(ctx context.Context, r Rule) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calendar_rules (id, name, cron_expr, prompt, channel, chat_id,
		                             enabled, created_at, last_run_at, next_run_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name        = excluded.name,
		   cron_expr   = excluded.cron_expr,
		   prompt      = excluded.prompt,
		   channel     = excluded.channel,
		   chat_id     = excluded.chat_id,
		   enabled     = excluded.enabled,
		   last_run_at = excluded.last_run_at,
		   next_run_at = excluded.next_run_at`,
		r.ID, r.Name, r.CronExpr, r.Prompt, r.Channel, r.ChatID,
		boolToInt(r.Enabled), r.CreatedAt.UnixMilli(), unixOrZero(r.LastRunAt), unixOrZero(r.NextRunAt))
	if err != nil {
		return fmt.Errorf("save rule: %w", err)
	}
	return nil
}

// GetRule loads one rule by id. Returns ErrNotFound when absent.
func (s *Store) GetRule(ctx context.Context, id string) (Rule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, cron_expr, prompt, channel, chat_id,
		        enabled, created_at, last_run_at, next_run_at
		 FROM calendar_rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Rule{}, ErrNotFound
	}
	return r, err
}

// ListRules returns all rules ordered by creation time.
func (s *Store) ListRules(ctx context.Context) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, cron_expr, prompt, channel, chat_id,
		        enabled, created_at, last_run_at, next_run_at
		 FROM calendar_rules ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// DeleteRule removes a rule. Deleting an absent id is not an error.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM calendar_rules WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return nil
}

// SetRuleEnabled flips the enabled flag without touching the rest of the
// row.
func (s *Store) SetRuleEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE calendar_rules SET enabled = ? WHERE id = ?`, boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("set rule enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRuleRun records a fire of the rule and its next scheduled time.
func (s *Store) MarkRuleRun(ctx context.Context, id string, ranAt, nextAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE calendar_rules SET last_run_at = ?, next_run_at = ? WHERE id = ?`,
		ranAt.UnixMilli(), unixOrZero(nextAt), id)
	if err != nil {
		return fmt.Errorf("mark rule run: %w", err)
	}
	return nil
}

func scanRule(row rowScanner) (Rule, error) {
	var r Rule
	var enabled int
	var createdAt, lastRun, nextRun int64
	err := row.Scan(&r.ID, &r.Name, &r.CronExpr, &r.Prompt, &r.Channel, &r.ChatID,
		&enabled, &createdAt, &lastRun, &nextRun)
	if err != nil {
		return Rule{}, err
	}
	r.Enabled = enabled != 0
	r.CreatedAt = time.UnixMilli(createdAt)
	if lastRun > 0 {
		r.LastRunAt = time.UnixMilli(lastRun)
	}
	if nextRun > 0 {
		r.NextRunAt = time.UnixMilli(nextRun)
	}
	return r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
