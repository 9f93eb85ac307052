package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pylonhq/pylon/internal/config"
	"github.com/pylonhq/pylon/internal/provider"
	"github.com/pylonhq/pylon/pkg/protocol"
)

func newTestReauth(t *testing.T, gw ChannelGateway) (*Reauth, *fakeBus, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"new-access","refresh_token":"new-refresh","token_type":"Bearer","expires_in":3600}`)
	}))
	t.Cleanup(srv.Close)

	credsPath := filepath.Join(t.TempDir(), "oauth-creds.json")
	oauth := provider.NewOAuth(config.OAuthConfig{
		ClientID:    "test-client",
		AuthURL:     srv.URL + "/authorize",
		TokenURL:    srv.URL + "/token",
		RedirectURL: "http://localhost:9999/callback",
	}, credsPath)

	bus := newFakeBus()
	return NewReauth(oauth, bus, gw), bus, credsPath
}

// TestReauthFlow walks the channel recovery path: stash, code paste,
// exchange, resubmit.
func TestReauthFlow(t *testing.T) {
	gw := &fakeGateway{}
	re, bus, credsPath := newTestReauth(t, gw)

	var mu sync.Mutex
	var resubmitted []Task
	re.SetResubmit(func(task Task) {
		mu.Lock()
		resubmitted = append(resubmitted, task)
		mu.Unlock()
	})

	re.Begin(telegramTask("deploy the thing"), "oauth token has expired")

	ev := bus.waitFor(t, protocol.EventReauthNeeded)
	if rp := ev.data.(ReauthPayload); rp.AuthURL == "" || rp.Reason == "" {
		t.Fatalf("reauth payload = %+v", rp)
	}
	if !re.Waiting("telegram", "42") {
		t.Fatal("prompt not stashed for the chat")
	}
	if sends := gw.sentTexts(); len(sends) != 1 || !strings.Contains(sends[0], "paste the code") {
		t.Fatalf("auth prompt sends = %v", sends)
	}

	// Ordinary chat while waiting passes through untouched.
	if re.MaybeHandleCode(context.Background(), "telegram", "42", "how long will this take?") {
		t.Error("consumed a normal message as a code")
	}

	code := strings.Repeat("a", 40) + "#state-bit"
	if !re.MaybeHandleCode(context.Background(), "telegram", "42", code) {
		t.Fatal("pasted code not consumed")
	}

	if re.Waiting("telegram", "42") {
		t.Error("stash survived a successful exchange")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(resubmitted) != 1 || !strings.Contains(resubmitted[0].Prompt, "deploy the thing") {
		t.Errorf("resubmitted = %+v", resubmitted)
	}

	creds, err := provider.LoadCredentials(credsPath)
	if err != nil {
		t.Fatalf("load credentials: %v", err)
	}
	if creds.AccessToken != "new-access" || creds.RefreshToken != "new-refresh" {
		t.Errorf("credentials = %+v", creds)
	}
}

// TestReauthCancel drops the stashed prompt.
func TestReauthCancel(t *testing.T) {
	gw := &fakeGateway{}
	re, _, _ := newTestReauth(t, gw)

	re.Begin(telegramTask("ignored"), "authentication_error")
	if !re.Cancel("telegram", "42") {
		t.Fatal("cancel found nothing")
	}
	if re.Waiting("telegram", "42") {
		t.Error("stash survived cancel")
	}
	if re.Cancel("telegram", "42") {
		t.Error("second cancel reported success")
	}
	if re.MaybeHandleCode(context.Background(), "telegram", "42", strings.Repeat("b", 32)) {
		t.Error("code consumed after cancel")
	}
}

// TestReauthDesktopOnlyBroadcasts skips the channel stash for runs that
// did not come from a channel.
func TestReauthDesktopOnlyBroadcasts(t *testing.T) {
	gw := &fakeGateway{}
	re, bus, _ := newTestReauth(t, gw)

	re.Begin(desktopTask("hello"), "invalid bearer token")

	bus.waitFor(t, protocol.EventReauthNeeded)
	if re.Waiting("desktop", "main") {
		t.Error("desktop run stashed a channel prompt")
	}
	if sends := gw.sentTexts(); len(sends) != 0 {
		t.Errorf("desktop reauth sent channel messages: %v", sends)
	}
}
