package agent

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pylonhq/pylon/internal/approvals"
)

// Snapshot statuses.
const (
	StatusThinking   = "thinking"
	StatusResponding = "responding"
	StatusToolUse    = "tool_use"
	StatusIdle       = "idle"
)

// Snapshot is the in-memory view of one active run, rebuilt for clients
// that subscribe mid-run or recover from backpressure. Only the
// streaming loop mutates it.
type Snapshot struct {
	SessionKey      string            `json:"sessionKey"`
	Status          string            `json:"status"`
	Text            string            `json:"text,omitempty"`
	CurrentTool     *SnapshotTool     `json:"currentTool,omitempty"`
	CompletedTools  []SnapshotTool    `json:"completedTools,omitempty"`
	PendingApproval *SnapshotApproval `json:"pendingApproval,omitempty"`
	PendingQuestion *SnapshotQuestion `json:"pendingQuestion,omitempty"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// SnapshotTool is one tool call in the snapshot.
type SnapshotTool struct {
	Name   string `json:"name"`
	Detail string `json:"detail,omitempty"`
}

// SnapshotApproval mirrors the pending approval for re-rendering.
type SnapshotApproval struct {
	RequestID string          `json:"requestId"`
	Tool      string          `json:"tool"`
	Input     json.RawMessage `json:"input,omitempty"`
	Tier      approvals.Tier  `json:"tier"`
}

// SnapshotQuestion mirrors the pending question set.
type SnapshotQuestion struct {
	RequestID string               `json:"requestId"`
	Questions []approvals.Question `json:"questions"`
}

// SnapshotTable holds the live snapshot per active session. The run loop
// is the single writer per key; reads copy under the lock.
type SnapshotTable struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot
}

func NewSnapshotTable() *SnapshotTable {
	return &SnapshotTable{snapshots: make(map[string]*Snapshot)}
}

// Create installs a fresh thinking snapshot for a run start.
func (t *SnapshotTable) Create(key string) *Snapshot {
	s := &Snapshot{SessionKey: key, Status: StatusThinking, UpdatedAt: time.Now()}
	t.mu.Lock()
	t.snapshots[key] = s
	t.mu.Unlock()
	return s
}

// Get returns a copy of the live snapshot, or nil when the key has no
// active run.
func (t *SnapshotTable) Get(key string) *Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.snapshots[key]
	if !ok {
		return nil
	}
	cp := *s
	cp.CompletedTools = append([]SnapshotTool(nil), s.CompletedTools...)
	return &cp
}

// Mutate applies fn to the live snapshot under the table lock and stamps
// UpdatedAt. No-op when the key has no snapshot.
func (t *SnapshotTable) Mutate(key string, fn func(*Snapshot)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.snapshots[key]; ok {
		fn(s)
		s.UpdatedAt = time.Now()
	}
}

// Delete drops the snapshot at turn end.
func (t *SnapshotTable) Delete(key string) {
	t.mu.Lock()
	delete(t.snapshots, key)
	t.mu.Unlock()
}

// Keys lists sessions with live snapshots.
func (t *SnapshotTable) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]string, 0, len(t.snapshots))
	for k := range t.snapshots {
		keys = append(keys, k)
	}
	return keys
}
