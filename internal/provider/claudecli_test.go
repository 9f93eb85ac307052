package provider

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeFakeAgent writes an executable script that plays the agent CLI
// for one test.
func writeFakeAgent(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755); err != nil {
		t.Fatalf("write fake agent: %v", err)
	}
	return path
}

func recvMsg(t *testing.T, h Handle) Message {
	t.Helper()
	select {
	case m, ok := <-h.Messages():
		if !ok {
			t.Fatal("message channel closed early")
		}
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

// TestCLIStreamsMessagesInOrder verifies stdout lines arrive as parsed
// messages in order and init caches the MCP server list.
func TestCLIStreamsMessagesInOrder(t *testing.T) {
	bin := writeFakeAgent(t, `
echo '{"type":"system","subtype":"init","session_id":"abc","mcp_servers":[{"name":"pylon","status":"connected"}]}'
echo '{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}'
echo '{"type":"result","subtype":"success","result":"hi"}'
cat > /dev/null
`)

	h, err := NewCLI(bin, nil, "").Start(context.Background(), RunOptions{Prompt: "hello"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Close()

	if m := recvMsg(t, h); !m.IsInit() || m.SessionID != "abc" {
		t.Errorf("first message = %+v, want init", m)
	}
	if got := h.MCPServerStatus(); len(got) != 1 || got[0].Status != "connected" {
		t.Errorf("MCPServerStatus() = %+v", got)
	}
	if m := recvMsg(t, h); m.Type != TypeAssistant {
		t.Errorf("second message type = %q", m.Type)
	}
	if m := recvMsg(t, h); m.Type != TypeResult || m.Result != "hi" {
		t.Errorf("third message = %+v", m)
	}
	if !h.Active() {
		t.Error("handle inactive while process still running")
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-h.Messages(); ok {
		t.Error("message channel not closed after exit")
	}
	if h.Active() {
		t.Error("handle still active after close")
	}
}

// TestCLIInjectRoundTrip verifies injected turns are written as NDJSON
// user messages, using a fake agent that echoes stdin.
func TestCLIInjectRoundTrip(t *testing.T) {
	bin := writeFakeAgent(t, `exec cat`)

	h, err := NewCLI(bin, nil, "").Start(context.Background(), RunOptions{Prompt: "first"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Close()

	assertUserText := func(m Message, want string) {
		t.Helper()
		if m.Type != TypeUser {
			t.Fatalf("message type = %q, want user", m.Type)
		}
		var inner struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(m.Message, &inner); err != nil {
			t.Fatalf("decode inner message: %v", err)
		}
		if len(inner.Content) != 1 || inner.Content[0].Text != want {
			t.Errorf("content = %+v, want text %q", inner.Content, want)
		}
	}

	assertUserText(recvMsg(t, h), "first")

	if err := h.Inject("second", nil); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	assertUserText(recvMsg(t, h), "second")
}

// TestCLISwallowsControlAcks verifies control_response lines never reach
// the consumer.
func TestCLISwallowsControlAcks(t *testing.T) {
	bin := writeFakeAgent(t, `
echo '{"type":"control_response","response":{"subtype":"success","request_id":"req_1"}}'
echo '{"type":"result","subtype":"success","result":"ok"}'
cat > /dev/null
`)

	h, err := NewCLI(bin, nil, "").Start(context.Background(), RunOptions{Prompt: "x"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Close()

	if m := recvMsg(t, h); m.Type != TypeResult {
		t.Errorf("got %q message, want result (ack should be swallowed)", m.Type)
	}
}

// TestCLIStderrTail verifies stderr is captured for failure
// classification.
func TestCLIStderrTail(t *testing.T) {
	bin := writeFakeAgent(t, `
echo 'OAuth token has expired. Please run /login' >&2
cat > /dev/null
`)

	h, err := NewCLI(bin, nil, "").Start(context.Background(), RunOptions{Prompt: "x"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if IsAuthError(h.StderrTail()) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stderr tail never captured auth error, got %q", h.StderrTail())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestCLICloseIsIdempotent verifies repeated Close calls return cleanly.
func TestCLICloseIsIdempotent(t *testing.T) {
	bin := writeFakeAgent(t, `cat > /dev/null`)

	h, err := NewCLI(bin, nil, "").Start(context.Background(), RunOptions{Prompt: "x"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := h.Inject("late", nil); err == nil {
		t.Error("Inject after Close succeeded")
	}
}
