// Package provider adapts the agent CLI subprocess behind a narrow
// run-handle contract. The gateway starts one run per session task,
// feeds user turns in over stdin, and consumes the CLI's NDJSON stream
// from stdout until the handle closes.
package provider

import "context"

// Provider launches agent runs.
type Provider interface {
	// Name returns the provider identifier (e.g. "claude-cli").
	Name() string

	// Start spawns a run and delivers the opening prompt. Cancelling ctx
	// aborts the run.
	Start(ctx context.Context, opts RunOptions) (Handle, error)
}

// RunOptions is the input for one run task.
type RunOptions struct {
	// Prompt is the opening user turn.
	Prompt string

	// Images are local file paths attached to the opening turn.
	Images []string

	// ResumeID resumes a previous provider conversation when non-empty.
	ResumeID string

	// Model overrides the configured default when non-empty.
	Model string

	// WorkDir is the agent's working directory.
	WorkDir string

	// SystemPrompt is appended to the provider's system prompt.
	SystemPrompt string

	// MCPConfig is an inline JSON document describing MCP servers the
	// run should connect to.
	MCPConfig string
}

// Handle is a live run. The message channel closes when the underlying
// stream ends; Active reports whether more turns can still be fed in.
type Handle interface {
	// Messages yields parsed stream messages in arrival order. Closed on
	// stream end.
	Messages() <-chan Message

	// Inject pushes another user turn into the running conversation.
	Inject(text string, images []string) error

	// RespondControl answers a pending control request (tool permission
	// prompt) by request id.
	RespondControl(requestID string, result PermissionResult) error

	// Interrupt asks the agent to stop the current turn without ending
	// the run.
	Interrupt() error

	// SetModel switches the model for subsequent turns.
	SetModel(model string) error

	// StopTask stops one in-flight subagent task by id.
	StopTask(taskID string) error

	// MCPServerStatus returns the MCP server states reported at init.
	MCPServerStatus() []MCPServerInfo

	// StderrTail returns recent provider stderr, used to classify auth
	// and stale-resume failures.
	StderrTail() string

	// WaitErr returns the process exit error once the stream has ended,
	// nil for a clean exit.
	WaitErr() error

	// Active reports whether the run still accepts injected turns.
	Active() bool

	// Close ends input, waits briefly for a clean exit, then kills.
	Close() error
}

// MCPServerInfo is one MCP server's connection state as reported by the
// provider at init.
type MCPServerInfo struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}
