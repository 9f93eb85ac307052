// Package approvals mediates every tool invocation the agent attempts.
// Classification maps a tool to a tier, config layers can short-circuit
// with hard allows or denies, and anything left requiring approval
// suspends on a one-shot rendezvous until a human answers.
package approvals

import (
	"encoding/json"
	"path/filepath"
	"strings"
)

// Tier is the risk class of a tool invocation.
type Tier string

const (
	// TierAutoAllow covers read-only operations.
	TierAutoAllow Tier = "auto-allow"
	// TierNotify covers side-effecting but low-risk operations.
	TierNotify Tier = "notify"
	// TierApproval covers everything else.
	TierApproval Tier = "require-approval"
)

// Action is the mediator's verdict for one invocation.
type Action string

const (
	ActionAllow  Action = "allow"
	ActionDeny   Action = "deny"
	ActionPrompt Action = "prompt"
)

// Decision is the outcome of classifying one tool call.
type Decision struct {
	Action Action
	Tier   Tier
	Reason string // set on deny
	Notify bool   // emit a tool_notify event on allow
}

// Operating modes. Empty means the standard overlay: auto-allow passes,
// notify passes with an event, require-approval prompts.
const (
	ModeAutonomous        = "autonomous"
	ModeBypassPermissions = "bypassPermissions"
	ModeAcceptEdits       = "acceptEdits"
	ModeLockdown          = "lockdown"
)

// readOnlyTools are auto-allowed: no side effects.
var readOnlyTools = map[string]bool{
	"Read":      true,
	"Glob":      true,
	"Grep":      true,
	"LS":        true,
	"WebFetch":  true,
	"WebSearch": true,
	"TodoWrite": true,
}

// fileEditTools create or modify files; inside the workspace they are
// notify tier, outside they require approval.
var fileEditTools = map[string]bool{
	"Write":        true,
	"Edit":         true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

// notifyTools are side-effecting but low-risk regardless of input.
var notifyTools = map[string]bool{
	"message": true, // messaging on an already-configured channel
	"Task":    true, // subagent tool calls are mediated individually
}

// Policy is the config surface the mediator evaluates. Kept as a narrow
// struct so callers can snapshot live config without handing the whole
// tree over.
type Policy struct {
	Mode       string
	NeverAllow []string
	Allow      []string
	Deny       []string
	ByChannel  map[string]ChannelPolicy
}

// ChannelPolicy is a per-channel allow/deny overlay.
type ChannelPolicy struct {
	Allow []string
	Deny  []string
}

// Mediator classifies tool invocations against the layered policy.
type Mediator struct {
	policy    func() Policy
	workspace string
}

// NewMediator builds a mediator. policy is called per decision so config
// changes apply without restart; workspace anchors the file-edit
// containment check.
func NewMediator(policy func() Policy, workspace string) *Mediator {
	return &Mediator{policy: policy, workspace: workspace}
}

// StripToolPrefix removes the MCP routing prefix from a tool name:
// "mcp__pylon__message" becomes "message". Non-prefixed names pass
// through.
func StripToolPrefix(name string) string {
	if !strings.HasPrefix(name, "mcp__") {
		return name
	}
	rest := strings.TrimPrefix(name, "mcp__")
	if i := strings.Index(rest, "__"); i >= 0 {
		return rest[i+2:]
	}
	return rest
}

// Decide produces the verdict for one tool invocation originating from
// the given channel. AskUserQuestion never reaches Decide; the runner
// routes it straight to the question rendezvous.
func (m *Mediator) Decide(channel, toolName string, input json.RawMessage) Decision {
	name := StripToolPrefix(toolName)
	p := m.policy()

	// Unconditional deny wins over every other layer.
	if matchList(p.NeverAllow, name) {
		return Decision{Action: ActionDeny, Reason: "tool disabled by policy"}
	}

	// Per-channel overlay next: a deny-list hit or an allow-list miss is
	// a hard deny before classification.
	if cp, ok := p.ByChannel[channel]; ok {
		if matchList(cp.Deny, name) {
			return Decision{Action: ActionDeny, Reason: "tool denied for this channel"}
		}
		if len(cp.Allow) > 0 && !matchList(cp.Allow, name) {
			return Decision{Action: ActionDeny, Reason: "tool not allowed for this channel"}
		}
	}

	// Global layer.
	if matchList(p.Deny, name) {
		return Decision{Action: ActionDeny, Reason: "tool denied by policy"}
	}
	if matchList(p.Allow, name) {
		return Decision{Action: ActionAllow, Tier: TierAutoAllow}
	}

	tier := m.classify(name, input)

	switch p.Mode {
	case ModeAutonomous, ModeBypassPermissions:
		return Decision{Action: ActionAllow, Tier: tier, Notify: tier != TierAutoAllow}
	case ModeAcceptEdits:
		if tier == TierApproval && fileEditTools[name] {
			return Decision{Action: ActionAllow, Tier: tier, Notify: true}
		}
	case ModeLockdown:
		if tier != TierAutoAllow {
			return Decision{Action: ActionPrompt, Tier: TierApproval}
		}
	}

	switch tier {
	case TierAutoAllow:
		return Decision{Action: ActionAllow, Tier: tier}
	case TierNotify:
		return Decision{Action: ActionAllow, Tier: tier, Notify: true}
	default:
		return Decision{Action: ActionPrompt, Tier: tier}
	}
}

// classify maps a stripped tool name and its input to a tier.
func (m *Mediator) classify(name string, input json.RawMessage) Tier {
	switch {
	case readOnlyTools[name]:
		return TierAutoAllow
	case fileEditTools[name]:
		if m.insideWorkspace(editTargetPath(input)) {
			return TierNotify
		}
		return TierApproval
	case notifyTools[name]:
		return TierNotify
	default:
		// Shell execution, browser actions, scheduling changes and every
		// unknown tool land here.
		return TierApproval
	}
}

// editTargetPath pulls the file path out of an edit-tool input. Returns
// "" when the input is malformed or carries no path.
func editTargetPath(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var probe struct {
		FilePath     string `json:"file_path"`
		Path         string `json:"path"`
		NotebookPath string `json:"notebook_path"`
	}
	if err := json.Unmarshal(input, &probe); err != nil {
		return ""
	}
	switch {
	case probe.FilePath != "":
		return probe.FilePath
	case probe.NotebookPath != "":
		return probe.NotebookPath
	default:
		return probe.Path
	}
}

func (m *Mediator) insideWorkspace(path string) bool {
	if path == "" || m.workspace == "" {
		return false
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(m.workspace, abs)
	}
	rel, err := filepath.Rel(m.workspace, filepath.Clean(abs))
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// matchList reports whether name appears in the list. Matching is exact
// and case-insensitive.
func matchList(list []string, name string) bool {
	for _, entry := range list {
		if strings.EqualFold(entry, name) {
			return true
		}
	}
	return false
}
