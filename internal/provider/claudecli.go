package provider

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// scanBufInitial / scanBufMax size the stdout line scanner. Stream
	// events carrying full tool results can run to megabytes.
	scanBufInitial = 64 * 1024
	scanBufMax     = 8 * 1024 * 1024

	// closeGrace is how long Close waits for a clean exit after end of
	// input before killing the process.
	closeGrace = 5 * time.Second

	// stderrTailLines bounds the captured stderr kept for error
	// classification.
	stderrTailLines = 40

	// maxImageBytes is the safety limit for reading attached image files.
	maxImageBytes = 10 * 1024 * 1024
)

// CLI runs the agent as a subprocess speaking NDJSON over stdio. Tool
// permission prompts arrive as control requests on stdout and are
// answered on stdin, which is what lets the gateway mediate every tool
// call.
type CLI struct {
	command   string
	extraArgs []string
	credsPath string
}

// NewCLI builds a subprocess provider. command defaults to "claude".
// credsPath, when non-empty, names a stored OAuth credentials file whose
// access token is exported to the subprocess.
func NewCLI(command string, extraArgs []string, credsPath string) *CLI {
	if command == "" {
		command = "claude"
	}
	return &CLI{command: command, extraArgs: extraArgs, credsPath: credsPath}
}

func (c *CLI) Name() string { return "claude-cli" }

// Start spawns the CLI and writes the opening user turn. The returned
// handle stays active until the process closes stdout.
func (c *CLI) Start(ctx context.Context, opts RunOptions) (Handle, error) {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--include-partial-messages",
		"--verbose",
		"--permission-prompt-tool", "stdio",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ResumeID != "" {
		args = append(args, "--resume", opts.ResumeID)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if opts.MCPConfig != "" {
		args = append(args, "--mcp-config", opts.MCPConfig)
	}
	args = append(args, c.extraArgs...)

	cmd := exec.CommandContext(ctx, c.command, args...)
	cmd.Dir = opts.WorkDir
	cmd.Env = c.environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent %q: %w", c.command, err)
	}
	slog.Debug("provider.started", "command", c.command, "pid", cmd.Process.Pid, "resume", opts.ResumeID != "")

	h := &cliHandle{
		cmd:      cmd,
		stdin:    stdin,
		messages: make(chan Message, 64),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	h.active.Store(true)

	go h.readStderr(stderr)
	go h.readStdout(stdout)

	if err := h.Inject(opts.Prompt, opts.Images); err != nil {
		h.Close()
		return nil, fmt.Errorf("send opening prompt: %w", err)
	}
	return h, nil
}

// environ exports stored OAuth credentials to the subprocess when
// available.
func (c *CLI) environ() []string {
	env := os.Environ()
	if c.credsPath == "" {
		return env
	}
	creds, err := LoadCredentials(c.credsPath)
	if err != nil || creds.AccessToken == "" {
		return env
	}
	return append(env, "CLAUDE_CODE_OAUTH_TOKEN="+creds.AccessToken)
}

type cliHandle struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	writeMu  sync.Mutex
	messages chan Message

	active  atomic.Bool
	reqSeq  atomic.Int64
	closing chan struct{}
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool

	mu         sync.Mutex
	mcpServers []MCPServerInfo
	stderrTail []string
	waitErr    error
}

func (h *cliHandle) Messages() <-chan Message { return h.messages }

func (h *cliHandle) Active() bool { return h.active.Load() }

func (h *cliHandle) MCPServerStatus() []MCPServerInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]MCPServerInfo, len(h.mcpServers))
	copy(out, h.mcpServers)
	return out
}

// Inject writes a user turn to the agent's stdin.
func (h *cliHandle) Inject(text string, images []string) error {
	blocks := make([]contentBlock, 0, 1+len(images))
	for _, path := range images {
		if b, ok := loadImageBlock(path); ok {
			blocks = append(blocks, b)
		}
	}
	blocks = append(blocks, contentBlock{Type: "text", Text: text})

	return h.writeLine(userTurn{
		Type:    "user",
		Message: messageInner{Role: "user", Content: blocks},
	})
}

// RespondControl answers a pending permission prompt.
func (h *cliHandle) RespondControl(requestID string, result PermissionResult) error {
	return h.writeLine(controlEnvelope{
		Type: TypeControlResponse,
		Response: controlResponseBody{
			Subtype:   "success",
			RequestID: requestID,
			Response:  result,
		},
	})
}

func (h *cliHandle) Interrupt() error {
	return h.sendControl(map[string]any{"subtype": ControlInterrupt})
}

func (h *cliHandle) SetModel(model string) error {
	return h.sendControl(map[string]any{"subtype": ControlSetModel, "model": model})
}

func (h *cliHandle) StopTask(taskID string) error {
	return h.sendControl(map[string]any{"subtype": ControlStopTask, "task_id": taskID})
}

func (h *cliHandle) sendControl(request map[string]any) error {
	id := fmt.Sprintf("req_%d", h.reqSeq.Add(1))
	return h.writeLine(controlEnvelope{Type: TypeControlRequest, RequestID: id, Request: request})
}

func (h *cliHandle) writeLine(v any) error {
	if !h.active.Load() {
		return fmt.Errorf("agent run is not active")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode stdin message: %w", err)
	}
	data = append(data, '\n')

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.stdin.Write(data); err != nil {
		return fmt.Errorf("write to agent: %w", err)
	}
	return nil
}

// Close ends input and waits briefly for a clean exit before killing.
func (h *cliHandle) Close() error {
	h.closeMu.Lock()
	if h.closed {
		h.closeMu.Unlock()
		return nil
	}
	h.closed = true
	h.closeMu.Unlock()

	h.active.Store(false)
	close(h.closing)
	h.stdin.Close()

	select {
	case <-h.done:
		return nil
	case <-time.After(closeGrace):
		if h.cmd.Process != nil {
			h.cmd.Process.Kill()
		}
		<-h.done
		return nil
	}
}

// readStdout parses NDJSON lines and forwards them on the message
// channel. Control response acks are consumed here; everything else is
// passed through. Once Close begins, remaining lines are drained without
// forwarding so the process can exit even if the consumer is gone. The
// channel closes when the stream ends.
func (h *cliHandle) readStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, scanBufInitial), scanBufMax)

	forward := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := ParseMessage(line)
		if err != nil {
			slog.Debug("provider.unparseable line", "error", err)
			continue
		}
		if msg.IsInit() {
			h.mu.Lock()
			h.mcpServers = msg.MCPServers
			h.mu.Unlock()
		}
		if msg.Type == TypeControlResponse || !forward {
			continue
		}
		select {
		case h.messages <- msg:
		case <-h.closing:
			forward = false
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Debug("provider.stdout read ended", "error", err)
	}

	h.active.Store(false)
	err := h.cmd.Wait()
	h.mu.Lock()
	h.waitErr = err
	h.mu.Unlock()
	close(h.done)
	close(h.messages)
}

// readStderr keeps a bounded tail for error classification.
func (h *cliHandle) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), 256*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		h.mu.Lock()
		h.stderrTail = append(h.stderrTail, line)
		if len(h.stderrTail) > stderrTailLines {
			h.stderrTail = h.stderrTail[len(h.stderrTail)-stderrTailLines:]
		}
		h.mu.Unlock()
	}
}

// StderrTail returns the last captured stderr lines joined by newlines.
func (h *cliHandle) StderrTail() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return strings.Join(h.stderrTail, "\n")
}

// WaitErr returns the process exit error once the stream has ended.
func (h *cliHandle) WaitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waitErr
}

// loadImageBlock reads a local image into a base64 content block.
// Non-image and unreadable files are skipped with a warning.
func loadImageBlock(path string) (contentBlock, bool) {
	mime := inferImageMime(path)
	if mime == "" {
		return contentBlock{}, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("provider.image read failed", "path", path, "error", err)
		return contentBlock{}, false
	}
	if len(data) > maxImageBytes {
		slog.Warn("provider.image too large, skipping", "path", path, "size", len(data))
		return contentBlock{}, false
	}
	return contentBlock{
		Type: "image",
		Source: &imageSource{
			Type:      "base64",
			MediaType: mime,
			Data:      base64.StdEncoding.EncodeToString(data),
		},
	}, true
}

// inferImageMime returns the MIME type for supported image extensions,
// or "" if not an image.
func inferImageMime(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return ""
	}
}
