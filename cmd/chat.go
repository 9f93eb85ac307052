package cmd

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/pylonhq/pylon/internal/config"
	"github.com/pylonhq/pylon/internal/gateway"
	"github.com/pylonhq/pylon/internal/sessions"
	"github.com/pylonhq/pylon/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var (
		addr   string
		token  string
		chatID string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent through a running gateway",
		Long: `Opens an interactive REPL against the gateway's WebSocket API.
Messages go through the same session machinery as any desktop client,
so this doubles as a quick way to verify a gateway end to end.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(addr, token, chatID)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gateway address (default: host:port from config)")
	cmd.Flags().StringVar(&token, "token", "", "gateway token (default: ~/.pylon/gateway-token)")
	cmd.Flags().StringVar(&chatID, "chat", "repl", "chat id for this conversation")
	return cmd
}

func runChat(addr, token, chatID string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gw := cfg.GatewaySettings()

	if addr == "" {
		addr = fmt.Sprintf("%s:%d", gw.Host, gw.Port)
	}
	if token == "" {
		token = gw.Token
	}
	if token == "" {
		token, err = gateway.LoadOrCreateToken(config.TokenPath())
		if err != nil {
			return fmt.Errorf("load token: %w", err)
		}
	}

	scheme := "ws"
	httpClient := http.DefaultClient
	if gw.TLSEnabled() {
		scheme = "wss"
		// The gateway presents a self-signed local certificate.
		httpClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
		}
	}
	url := fmt.Sprintf("%s://%s/ws", scheme, addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{HTTPClient: httpClient})
	dialCancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	conn.SetReadLimit(4 << 20)

	ref := sessions.ChatRef{Channel: sessions.ChannelDesktop, ChatType: sessions.ChatTypeDM, ChatID: chatID}
	cl := &replClient{conn: conn, key: ref.Key(), resp: make(chan protocol.Response, 1)}
	go cl.readLoop(ctx)

	if err := cl.call(ctx, protocol.MethodAuth, map[string]string{"token": token}); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := cl.call(ctx, protocol.MethodSessionsSubscribe, map[string]any{"keys": []string{cl.key}}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Connected to %s as %s.\n", addr, cl.key)
	fmt.Fprintln(os.Stderr, "Type a message. Commands: /new, /approve <id>, /deny <id>, exit.")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(os.Stderr, "\nYou: ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue

		case line == "exit" || line == "quit":
			return nil

		case line == "/new":
			if err := cl.call(ctx, protocol.MethodSessionsReset, map[string]string{"sessionKey": cl.key}); err != nil {
				fmt.Fprintf(os.Stderr, "reset failed: %v\n", err)
			} else {
				fmt.Fprintln(os.Stderr, "Session reset.")
			}

		case strings.HasPrefix(line, "/approve "):
			id := strings.TrimSpace(strings.TrimPrefix(line, "/approve "))
			if err := cl.call(ctx, protocol.MethodToolApprove, map[string]string{"requestId": id}); err != nil {
				fmt.Fprintf(os.Stderr, "approve failed: %v\n", err)
			}

		case strings.HasPrefix(line, "/deny "):
			id := strings.TrimSpace(strings.TrimPrefix(line, "/deny "))
			if err := cl.call(ctx, protocol.MethodToolDeny, map[string]string{"requestId": id}); err != nil {
				fmt.Fprintf(os.Stderr, "deny failed: %v\n", err)
			}

		default:
			if err := cl.call(ctx, protocol.MethodChatSend, map[string]any{
				"sessionKey": cl.key,
				"text":       line,
			}); err != nil {
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			}
		}
	}
}

// replClient is a minimal single-caller RPC client: one in-flight
// request at a time, events printed as they arrive.
type replClient struct {
	conn *websocket.Conn
	key  string

	mu   sync.Mutex
	seq  int
	resp chan protocol.Response

	// Printer state, touched only on the read goroutine.
	streaming bool
	sawStream bool
}

// call sends one request and waits for its response. An *Error result
// comes back as the error.
func (c *replClient) call(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Drop any stale response from a timed-out predecessor.
	select {
	case <-c.resp:
	default:
	}

	c.seq++
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(protocol.Request{ID: strconv.Itoa(c.seq), Method: method, Params: raw})
	if err != nil {
		return err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	select {
	case r := <-c.resp:
		if r.Error != nil {
			return r.Error
		}
		return nil
	case <-time.After(30 * time.Second):
		return fmt.Errorf("%s: no response within 30s", method)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *replClient) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "\nconnection closed: %v\n", err)
				os.Exit(1)
			}
			return
		}
		switch protocol.SniffFrame(data) {
		case protocol.FrameResponse:
			var resp protocol.Response
			if json.Unmarshal(data, &resp) == nil {
				select {
				case c.resp <- resp:
				default:
				}
			}
		case protocol.FrameEvent:
			c.printEvent(data)
		}
	}
}

func (c *replClient) printEvent(raw []byte) {
	var ev struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return
	}

	switch ev.Event {
	case protocol.EventStreamBatch:
		var frames []json.RawMessage
		if json.Unmarshal(ev.Data, &frames) == nil {
			for _, f := range frames {
				c.printEvent(f)
			}
		}

	case protocol.EventStream:
		var p struct {
			SessionKey string          `json:"sessionKey"`
			Event      json.RawMessage `json:"event"`
		}
		if json.Unmarshal(ev.Data, &p) != nil || p.SessionKey != c.key {
			return
		}
		c.printDelta(p.Event)

	case protocol.EventToolUse:
		var p struct {
			SessionKey string `json:"sessionKey"`
			Tool       string `json:"tool"`
			Detail     string `json:"detail"`
		}
		if json.Unmarshal(ev.Data, &p) != nil || p.SessionKey != c.key {
			return
		}
		c.breakLine()
		if p.Detail != "" {
			fmt.Printf("[tool] %s %s\n", p.Tool, p.Detail)
		} else {
			fmt.Printf("[tool] %s\n", p.Tool)
		}

	case protocol.EventToolApproval:
		var p struct {
			SessionKey string `json:"sessionKey"`
			RequestID  string `json:"requestId"`
			Tool       string `json:"tool"`
		}
		if json.Unmarshal(ev.Data, &p) != nil || p.SessionKey != c.key {
			return
		}
		c.breakLine()
		fmt.Printf("[approval] %s wants to run — /approve %s or /deny %s\n", p.Tool, p.RequestID, p.RequestID)

	case protocol.EventAskUser:
		var p struct {
			SessionKey string `json:"sessionKey"`
			RequestID  string `json:"requestId"`
			Questions  []struct {
				Question string   `json:"question"`
				Options  []string `json:"options"`
			} `json:"questions"`
		}
		if json.Unmarshal(ev.Data, &p) != nil || p.SessionKey != c.key {
			return
		}
		c.breakLine()
		for _, q := range p.Questions {
			fmt.Printf("[question %s] %s\n", p.RequestID, q.Question)
			for i, opt := range q.Options {
				fmt.Printf("  %d. %s\n", i+1, opt)
			}
		}

	case protocol.EventResult:
		var p struct {
			SessionKey   string  `json:"sessionKey"`
			Text         string  `json:"text"`
			IsError      bool    `json:"isError"`
			DurationMS   int64   `json:"durationMs"`
			TotalCostUSD float64 `json:"totalCostUsd"`
		}
		if json.Unmarshal(ev.Data, &p) != nil || p.SessionKey != c.key {
			return
		}
		c.breakLine()
		// Streamed turns already printed their text delta by delta.
		if !c.sawStream && p.Text != "" {
			fmt.Println(p.Text)
		}
		c.sawStream = false
		footer := fmt.Sprintf("(%.1fs", float64(p.DurationMS)/1000)
		if p.TotalCostUSD > 0 {
			footer += fmt.Sprintf(", $%.4f", p.TotalCostUSD)
		}
		footer += ")"
		if p.IsError {
			footer = "[error] " + footer
		}
		fmt.Fprintln(os.Stderr, footer)

	case protocol.EventError:
		var p struct {
			SessionKey string `json:"sessionKey"`
			Error      string `json:"error"`
		}
		if json.Unmarshal(ev.Data, &p) != nil || p.SessionKey != c.key {
			return
		}
		c.breakLine()
		fmt.Fprintf(os.Stderr, "[error] %s\n", p.Error)

	case protocol.EventReauthNeeded:
		var p struct {
			AuthURL string `json:"authUrl"`
			Reason  string `json:"reason"`
		}
		if json.Unmarshal(ev.Data, &p) != nil {
			return
		}
		c.breakLine()
		fmt.Fprintf(os.Stderr, "[auth] re-authentication required: %s\n", p.AuthURL)
	}
}

// printDelta prints assistant text deltas as they stream.
func (c *replClient) printDelta(event json.RawMessage) {
	var ev struct {
		Type  string `json:"type"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	}
	if json.Unmarshal(event, &ev) != nil {
		return
	}
	if ev.Type == "content_block_delta" && ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
		fmt.Print(ev.Delta.Text)
		c.streaming = true
		c.sawStream = true
	}
}

// breakLine terminates a partially printed stream line.
func (c *replClient) breakLine() {
	if c.streaming {
		fmt.Println()
		c.streaming = false
	}
}
