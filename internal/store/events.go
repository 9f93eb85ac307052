package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Event is one persisted row of the event log.
type Event struct {
	Seq        int64
	SessionKey string
	EventType  string
	Payload    []byte
	CreatedAt  time.Time
}

// AppendEvent persists an event and returns its assigned sequence number.
// The sequence is strictly increasing in insertion order; callers must
// broadcast only after this returns so subscribers never observe a seq
// before it is durable.
func (s *Store) AppendEvent(ctx context.Context, sessionKey, eventType string, payload []byte) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO events (session_key, event_type, payload, created_at)
		 VALUES (?, ?, ?, ?) RETURNING seq`,
		sessionKey, eventType, payload, time.Now().UnixMilli(),
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return seq, nil
}

// QueryEvents returns all events for the given session keys with seq
// strictly greater than afterSeq, ordered by seq ascending.
func (s *Store) QueryEvents(ctx context.Context, keys []string, afterSeq int64) ([]Event, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(keys))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(keys)+1)
	for _, k := range keys {
		args = append(args, k)
	}
	args = append(args, afterSeq)

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, session_key, event_type, payload, created_at
		 FROM events
		 WHERE session_key IN (`+placeholders+`) AND seq > ?
		 ORDER BY seq ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// RecentEvents returns the last limit events for one session key in seq
// order. Used by chat.history.
func (s *Store) RecentEvents(ctx context.Context, key string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, session_key, event_type, payload, created_at FROM (
		   SELECT seq, session_key, event_type, payload, created_at
		   FROM events WHERE session_key = ?
		   ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq ASC`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LastSeq returns the highest sequence number ever assigned, or 0 when
// the log is empty.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq.Int64, nil
}

// DeleteEventsBefore drops events created before cutoff and returns the
// number removed. Sequence numbers are never reused (AUTOINCREMENT).
func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteEventsForKey drops all events of one session key (session delete).
func (s *Store) DeleteEventsForKey(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE session_key = ?`, key); err != nil {
		return fmt.Errorf("delete session events: %w", err)
	}
	return nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var e Event
		var createdAt int64
		if err := rows.Scan(&e.Seq, &e.SessionKey, &e.EventType, &e.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}
