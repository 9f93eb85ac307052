package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SessionRecord mirrors one row of the sessions table. The in-memory
// registry is the authority during runtime; rows are write-through.
type SessionRecord struct {
	SessionKey       string
	SessionID        string
	Channel          string
	ChatID           string
	ChatType         string
	SenderName       string
	ProviderResumeID string
	MessageCount     int
	LastMessageAt    time.Time
}

// SaveSession upserts a session row.
func (s *Store) SaveSession(ctx context.Context, rec SessionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_key, session_id, channel, chat_id, chat_type,
		                       sender_name, provider_resume_id, message_count, last_message_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_key) DO UPDATE SET
		   session_id         = excluded.session_id,
		   channel            = excluded.channel,
		   chat_id            = excluded.chat_id,
		   chat_type          = excluded.chat_type,
		   sender_name        = excluded.sender_name,
		   provider_resume_id = excluded.provider_resume_id,
		   message_count      = excluded.message_count,
		   last_message_at    = excluded.last_message_at`,
		rec.SessionKey, rec.SessionID, rec.Channel, rec.ChatID, rec.ChatType,
		rec.SenderName, rec.ProviderResumeID, rec.MessageCount, rec.LastMessageAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetSession loads one session row. Returns ErrNotFound when absent.
func (s *Store) GetSession(ctx context.Context, key string) (SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_key, session_id, channel, chat_id, chat_type,
		        sender_name, provider_resume_id, message_count, last_message_at
		 FROM sessions WHERE session_key = ?`, key)
	return scanSession(row)
}

// ListSessions returns all session rows ordered by recency.
func (s *Store) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_key, session_id, channel, chat_id, chat_type,
		        sender_name, provider_resume_id, message_count, last_message_at
		 FROM sessions ORDER BY last_message_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var recs []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var lastAt int64
		if err := rows.Scan(&rec.SessionKey, &rec.SessionID, &rec.Channel, &rec.ChatID,
			&rec.ChatType, &rec.SenderName, &rec.ProviderResumeID, &rec.MessageCount, &lastAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		rec.LastMessageAt = time.UnixMilli(lastAt)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DeleteSession removes a session row. Deleting an absent key is not an
// error.
func (s *Store) DeleteSession(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_key = ?`, key); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (SessionRecord, error) {
	var rec SessionRecord
	var lastAt int64
	err := row.Scan(&rec.SessionKey, &rec.SessionID, &rec.Channel, &rec.ChatID,
		&rec.ChatType, &rec.SenderName, &rec.ProviderResumeID, &rec.MessageCount, &lastAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("scan session: %w", err)
	}
	rec.LastMessageAt = time.UnixMilli(lastAt)
	return rec, nil
}
