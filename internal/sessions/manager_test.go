package sessions

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pylonhq/pylon/internal/store"
)

// TestMakeKey verifies key construction including the dm default.
func TestMakeKey(t *testing.T) {
	tests := []struct {
		name     string
		channel  string
		chatType string
		chatID   string
		want     string
	}{
		{"telegram dm", "telegram", "dm", "386246614", "telegram:dm:386246614"},
		{"default chat type", "desktop", "", "task-1", "desktop:dm:task-1"},
		{"group", "telegram", "group", "-100123456", "telegram:group:-100123456"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MakeKey(tt.channel, tt.chatType, tt.chatID); got != tt.want {
				t.Errorf("MakeKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestParseKey verifies parsing, including opaque chatIds that contain
// colons.
func TestParseKey(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		want   ChatRef
		wantOK bool
	}{
		{"simple", "telegram:dm:42", ChatRef{"telegram", "dm", "42"}, true},
		{"chat id with colons", "whatsapp:dm:user:device:1", ChatRef{"whatsapp", "dm", "user:device:1"}, true},
		{"two segments", "telegram:42", ChatRef{}, false},
		{"empty channel", ":dm:42", ChatRef{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseKey(tt.key)
			if ok != tt.wantOK {
				t.Fatalf("ParseKey(%q) ok = %v, want %v", tt.key, ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("ParseKey(%q) = %+v, want %+v", tt.key, got, tt.want)
			}
		})
	}
}

// TestGetOrCreateStableIdentity verifies the same ref maps to one
// sessionId across calls.
func TestGetOrCreateStableIdentity(t *testing.T) {
	r := NewRegistry(nil, time.Hour)
	ref := ChatRef{Channel: "telegram", ChatType: "dm", ChatID: "42"}

	first := r.GetOrCreate(ref, "bob")
	second := r.GetOrCreate(ref, "")

	if first.SessionID == "" {
		t.Fatal("empty sessionId on create")
	}
	if second.SessionID != first.SessionID {
		t.Errorf("sessionId changed across calls: %q then %q", first.SessionID, second.SessionID)
	}
	if second.SenderName != "bob" {
		t.Errorf("sender name lost: %q", second.SenderName)
	}
}

// TestIdleResetReplacesSession verifies an inbound after the idle window
// gets a fresh sessionId with the resume id cleared.
func TestIdleResetReplacesSession(t *testing.T) {
	r := NewRegistry(nil, 30*time.Millisecond)
	ref := ChatRef{Channel: "telegram", ChatType: "dm", ChatID: "42"}

	first := r.GetOrCreate(ref, "")
	r.IncrementMessages(first.Key)
	r.SetProviderResumeID(first.Key, "resume-x")

	time.Sleep(50 * time.Millisecond)

	second := r.GetOrCreate(ref, "")
	if second.SessionID == first.SessionID {
		t.Error("sessionId not replaced after idle timeout")
	}
	if second.ProviderResumeID != "" {
		t.Errorf("resume id survived idle reset: %q", second.ProviderResumeID)
	}
	if second.MessageCount != 0 {
		t.Errorf("message count = %d after idle reset, want 0", second.MessageCount)
	}
}

// TestIdleResetSkipsFreshSessions verifies a session with no messages is
// never idle-reset.
func TestIdleResetSkipsFreshSessions(t *testing.T) {
	r := NewRegistry(nil, 10*time.Millisecond)
	ref := ChatRef{Channel: "desktop", ChatID: "task-1"}

	first := r.GetOrCreate(ref, "")
	time.Sleep(30 * time.Millisecond)
	second := r.GetOrCreate(ref, "")

	if second.SessionID != first.SessionID {
		t.Error("zero-message session was idle-reset")
	}
}

// TestResetAllocatesNewSessionID verifies the explicit reset path.
func TestResetAllocatesNewSessionID(t *testing.T) {
	r := NewRegistry(nil, time.Hour)
	ref := ChatRef{Channel: "telegram", ChatType: "dm", ChatID: "42"}

	s := r.GetOrCreate(ref, "")
	r.IncrementMessages(s.Key)
	r.SetProviderResumeID(s.Key, "resume-x")

	got := r.Reset(s.Key)
	if got == nil {
		t.Fatal("Reset returned nil for known key")
	}
	if got.SessionID == s.SessionID {
		t.Error("sessionId unchanged after reset")
	}
	if got.ProviderResumeID != "" || got.MessageCount != 0 {
		t.Errorf("reset left state behind: %+v", got)
	}

	if r.Reset("telegram:dm:unknown") != nil {
		t.Error("Reset of unknown key returned a session")
	}
}

// TestActiveRunKeys verifies the active flag drives the replay key list.
func TestActiveRunKeys(t *testing.T) {
	r := NewRegistry(nil, time.Hour)
	a := r.GetOrCreate(ChatRef{Channel: "telegram", ChatID: "1"}, "")
	b := r.GetOrCreate(ChatRef{Channel: "desktop", ChatID: "2"}, "")

	r.SetActiveRun(a.Key, true)
	r.SetActiveRun(b.Key, true)
	r.SetActiveRun(b.Key, false)

	keys := r.ActiveRunKeys()
	if len(keys) != 1 || keys[0] != a.Key {
		t.Errorf("ActiveRunKeys() = %v, want [%s]", keys, a.Key)
	}
}

// TestRegistryHydratesFromStore verifies write-through rows come back on
// restart with runtime flags zeroed.
func TestRegistryHydratesFromStore(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "pylon.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer db.Close()

	r1 := NewRegistry(db, time.Hour)
	s := r1.GetOrCreate(ChatRef{Channel: "whatsapp", ChatType: "dm", ChatID: "555"}, "carol")
	r1.IncrementMessages(s.Key)
	r1.SetProviderResumeID(s.Key, "resume-z")
	r1.SetActiveRun(s.Key, true)

	r2 := NewRegistry(db, time.Hour)
	got := r2.Get(s.Key)
	if got == nil {
		t.Fatal("session not hydrated")
	}
	if got.SessionID != s.SessionID || got.ProviderResumeID != "resume-z" || got.MessageCount != 1 {
		t.Errorf("hydrated session mismatch: %+v", got)
	}
	if got.ActiveRun {
		t.Error("runtime active flag leaked into persistence")
	}
}

// TestRemoveDropsRow verifies removal clears both registry and store.
func TestRemoveDropsRow(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "pylon.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer db.Close()

	r := NewRegistry(db, time.Hour)
	s := r.GetOrCreate(ChatRef{Channel: "telegram", ChatID: "9"}, "")
	r.Remove(s.Key)

	if r.Get(s.Key) != nil {
		t.Error("session still in registry after remove")
	}
	r2 := NewRegistry(db, time.Hour)
	if r2.Get(s.Key) != nil {
		t.Error("session row survived remove")
	}
}
