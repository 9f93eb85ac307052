package sessions

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pylonhq/pylon/internal/store"
)

// Session is the in-memory view of one conversational scope. The
// registry is the runtime authority; rows in the store are a
// write-through copy used to survive restarts.
type Session struct {
	Key              string    `json:"key"`
	SessionID        string    `json:"sessionId"`
	Channel          string    `json:"channel"`
	ChatID           string    `json:"chatId"`
	ChatType         string    `json:"chatType"`
	SenderName       string    `json:"senderName,omitempty"`
	ProviderResumeID string    `json:"providerResumeId,omitempty"`
	MessageCount     int       `json:"messageCount"`
	LastMessageAt    time.Time `json:"lastMessageAt"`

	// ActiveRun is runtime-only and never persisted.
	ActiveRun bool `json:"activeRun"`
}

// Registry owns session identity and lifecycle. All mutations for a key
// are serialized behind one mutex; reads take the read lock.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	db          *store.Store
	idleTimeout time.Duration
}

// NewRegistry builds a registry hydrated from the store. db may be nil,
// in which case sessions live only in memory.
func NewRegistry(db *store.Store, idleTimeout time.Duration) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = 4 * time.Hour
	}
	r := &Registry{
		sessions:    make(map[string]*Session),
		db:          db,
		idleTimeout: idleTimeout,
	}
	r.hydrate()
	return r
}

func (r *Registry) hydrate() {
	if r.db == nil {
		return
	}
	recs, err := r.db.ListSessions(context.Background())
	if err != nil {
		slog.Warn("sessions.hydrate failed", "error", err)
		return
	}
	for _, rec := range recs {
		r.sessions[rec.SessionKey] = &Session{
			Key:              rec.SessionKey,
			SessionID:        rec.SessionID,
			Channel:          rec.Channel,
			ChatID:           rec.ChatID,
			ChatType:         rec.ChatType,
			SenderName:       rec.SenderName,
			ProviderResumeID: rec.ProviderResumeID,
			MessageCount:     rec.MessageCount,
			LastMessageAt:    rec.LastMessageAt,
		}
	}
	if len(recs) > 0 {
		slog.Info("sessions.hydrated", "count", len(recs))
	}
}

// GetOrCreate returns the session for the ref, creating it on first
// contact. A session idle past the timeout is replaced in place: same
// key, fresh sessionId, resume id cleared. senderName updates the
// stored display name when non-empty.
func (r *Registry) GetOrCreate(ref ChatRef, senderName string) *Session {
	key := ref.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[key]
	if ok {
		if r.idleExpired(s) {
			slog.Info("sessions.idle reset", "key", key, "idle", time.Since(s.LastMessageAt).Round(time.Second).String())
			s.SessionID = uuid.NewString()
			s.ProviderResumeID = ""
			s.MessageCount = 0
		}
		if senderName != "" {
			s.SenderName = senderName
		}
		r.persistLocked(s)
		return s.clone()
	}

	s = &Session{
		Key:           key,
		SessionID:     uuid.NewString(),
		Channel:       ref.Channel,
		ChatID:        ref.ChatID,
		ChatType:      ref.ChatType,
		SenderName:    senderName,
		LastMessageAt: time.Now(),
	}
	if s.ChatType == "" {
		s.ChatType = ChatTypeDM
	}
	r.sessions[key] = s
	r.persistLocked(s)
	return s.clone()
}

func (r *Registry) idleExpired(s *Session) bool {
	return s.MessageCount > 0 && time.Since(s.LastMessageAt) > r.idleTimeout
}

// Get returns a copy of the session, or nil if absent.
func (r *Registry) Get(key string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[key]; ok {
		return s.clone()
	}
	return nil
}

// List returns copies of all sessions ordered by recency.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}

// IncrementMessages bumps the message counter and recency stamp for an
// inbound event that will consume or produce agent turns.
func (r *Registry) IncrementMessages(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		s.MessageCount++
		s.LastMessageAt = time.Now()
		r.persistLocked(s)
	}
}

// SetActiveRun flips the runtime active flag. Calls must be paired: one
// true at run start, one false at run end.
func (r *Registry) SetActiveRun(key string, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		s.ActiveRun = active
	}
}

// SetProviderResumeID records the provider's resume token for the
// session. Empty clears it.
func (r *Registry) SetProviderResumeID(key, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		s.ProviderResumeID = id
		r.persistLocked(s)
	}
}

// Reset clears the provider resume id and allocates a fresh sessionId,
// returning the updated session. Returns nil if the key is unknown.
func (r *Registry) Reset(key string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		return nil
	}
	s.SessionID = uuid.NewString()
	s.ProviderResumeID = ""
	s.MessageCount = 0
	r.persistLocked(s)
	return s.clone()
}

// Remove drops the session from the registry and the store.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	s, ok := r.sessions[key]
	if ok {
		s.ProviderResumeID = ""
		delete(r.sessions, key)
	}
	r.mu.Unlock()

	if ok && r.db != nil {
		if err := r.db.DeleteSession(context.Background(), key); err != nil {
			slog.Warn("sessions.remove persist failed", "key", key, "error", err)
		}
	}
}

// ActiveRunKeys lists keys with a run in flight, for replay on client
// auth.
func (r *Registry) ActiveRunKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var keys []string
	for key, s := range r.sessions {
		if s.ActiveRun {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// IdleTimeout reports the configured idle window.
func (r *Registry) IdleTimeout() time.Duration {
	return r.idleTimeout
}

// persistLocked writes the session through to the store. Persistence is
// best-effort: the registry stays authoritative and failures only log.
func (r *Registry) persistLocked(s *Session) {
	if r.db == nil {
		return
	}
	err := r.db.SaveSession(context.Background(), store.SessionRecord{
		SessionKey:       s.Key,
		SessionID:        s.SessionID,
		Channel:          s.Channel,
		ChatID:           s.ChatID,
		ChatType:         s.ChatType,
		SenderName:       s.SenderName,
		ProviderResumeID: s.ProviderResumeID,
		MessageCount:     s.MessageCount,
		LastMessageAt:    s.LastMessageAt,
	})
	if err != nil {
		slog.Warn("sessions.persist failed", "key", s.Key, "error", err)
	}
}

func (s *Session) clone() *Session {
	c := *s
	return &c
}
