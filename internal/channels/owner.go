package channels

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"
)

const ownerSaveDelay = time.Second

// OwnerRegistry remembers, per channel, the DM chat the daemon talks
// to, captured from allowed inbound traffic and persisted to
// owner-chat-ids.json. Proactive sends (calendar deliveries) target
// these ids. Writes are debounced so bursts of inbound traffic do not
// thrash the file.
type OwnerRegistry struct {
	path string

	mu    sync.Mutex
	chats map[string]string // channel -> chatID
	timer *time.Timer
}

// LoadOwnerRegistry reads the registry file, tolerating a missing or
// unreadable one.
func LoadOwnerRegistry(path string) *OwnerRegistry {
	r := &OwnerRegistry{path: path, chats: make(map[string]string)}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &r.chats); err != nil {
			slog.Warn("channels.owner registry unreadable, starting empty", "path", path, "error", err)
			r.chats = make(map[string]string)
		}
	}
	return r
}

// Capture records chatID as the owner chat for channel. The most
// recent allowed DM wins, so deliveries follow the owner to a new
// chat. A save is scheduled ownerSaveDelay out; repeated captures
// coalesce into one write.
func (r *OwnerRegistry) Capture(channel, chatID string) {
	if channel == "" || chatID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.chats[channel] == chatID {
		return
	}
	r.chats[channel] = chatID
	if r.timer == nil {
		r.timer = time.AfterFunc(ownerSaveDelay, r.save)
	} else {
		r.timer.Reset(ownerSaveDelay)
	}
}

// Get returns the owner chat id recorded for channel.
func (r *OwnerRegistry) Get(channel string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.chats[channel]
	return id, ok
}

// All returns a copy of the registry.
func (r *OwnerRegistry) All() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.chats))
	for k, v := range r.chats {
		out[k] = v
	}
	return out
}

func (r *OwnerRegistry) save() {
	r.mu.Lock()
	data, err := json.MarshalIndent(r.chats, "", "  ")
	r.mu.Unlock()
	if err != nil {
		return
	}
	if err := os.WriteFile(r.path, data, 0o600); err != nil {
		slog.Warn("channels.owner registry write failed", "path", r.path, "error", err)
	}
}

// Flush cancels any pending timer and writes immediately. Called on
// shutdown.
func (r *OwnerRegistry) Flush() {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()
	r.save()
}
