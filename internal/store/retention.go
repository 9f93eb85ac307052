package store

import (
	"context"
	"log/slog"
	"time"
)

const (
	// DefaultRetention is how long persisted transcript events are kept.
	DefaultRetention = 24 * time.Hour

	// retentionSweepInterval is how often expired events are purged.
	retentionSweepInterval = 5 * time.Minute
)

// RunRetentionLoop deletes transcript events older than the retention
// window on a fixed interval until ctx is cancelled. Session and
// calendar rows are never expired; only the event log is bounded.
func (s *Store) RunRetentionLoop(ctx context.Context, retention time.Duration) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			n, err := s.DeleteEventsBefore(ctx, cutoff)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("store.retention sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("store.retention purged events", "count", n, "cutoff", cutoff.Format(time.RFC3339))
			}
		}
	}
}
