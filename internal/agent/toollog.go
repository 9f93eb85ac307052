package agent

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/mattn/go-runewidth"
)

// The channel status message shows a running markdown log of what the
// agent is doing: finished steps grouped by tool, then a trailing line
// for the step in flight. Consecutive calls to the same tool fold into
// one "Read 3 files" line; once the log grows past maxToolGroups the
// oldest groups collapse into a single "… N earlier steps" line.

const (
	statusPlaceholder = "⏳ Thinking…"
	maxToolGroups     = 4
	detailWidth       = 48
)

type toolStyle struct {
	done   string // past tense, leads a finished line
	active string // present participle, leads the in-flight line
	unit   string // pluralized with the group count
	emoji  string
}

var toolStyles = map[string]toolStyle{
	"Read":         {"Read", "Reading", "file", "📖"},
	"Write":        {"Wrote", "Writing", "file", "📝"},
	"Edit":         {"Edited", "Editing", "file", "✏️"},
	"MultiEdit":    {"Edited", "Editing", "file", "✏️"},
	"NotebookEdit": {"Edited", "Editing", "notebook", "✏️"},
	"Bash":         {"Ran", "Running", "command", "💻"},
	"Grep":         {"Searched", "Searching", "pattern", "🔍"},
	"Glob":         {"Matched", "Matching", "pattern", "🔍"},
	"LS":           {"Listed", "Listing", "folder", "📂"},
	"WebFetch":     {"Fetched", "Fetching", "page", "🌐"},
	"WebSearch":    {"Searched", "Searching", "query", "🌐"},
	"Task":         {"Ran", "Running", "subtask", "🤖"},
	"TodoWrite":    {"Updated", "Updating", "plan", "🗒️"},
	"message":      {"Sent", "Sending", "message", "💬"},
}

func styleFor(tool string) toolStyle {
	if s, ok := toolStyles[tool]; ok {
		return s
	}
	return toolStyle{done: "Used " + tool, active: "Using " + tool, unit: "call", emoji: "🔧"}
}

type toolGroup struct {
	tool   string
	count  int
	detail string // detail of the last call in the group
}

func groupTools(tools []SnapshotTool) []toolGroup {
	var groups []toolGroup
	for _, t := range tools {
		if n := len(groups); n > 0 && groups[n-1].tool == t.Name {
			groups[n-1].count++
			groups[n-1].detail = t.Detail
			continue
		}
		groups = append(groups, toolGroup{tool: t.Name, count: 1, detail: t.Detail})
	}
	return groups
}

// composeStatusText renders the status message body from a snapshot.
func composeStatusText(snap *Snapshot) string {
	if snap == nil {
		return statusPlaceholder
	}

	var lines []string
	groups := groupTools(snap.CompletedTools)
	if len(groups) > maxToolGroups {
		hidden := 0
		for _, g := range groups[:len(groups)-maxToolGroups] {
			hidden += g.count
		}
		lines = append(lines, fmt.Sprintf("… %d earlier %s", hidden, pluralize("step", hidden)))
		groups = groups[len(groups)-maxToolGroups:]
	}
	for _, g := range groups {
		lines = append(lines, finishedLine(g))
	}

	switch {
	case snap.CurrentTool != nil:
		lines = append(lines, activeLine(*snap.CurrentTool))
	case snap.Status == StatusResponding:
		lines = append(lines, "✍️ Writing reply…")
	case len(lines) == 0:
		return statusPlaceholder
	default:
		lines = append(lines, statusPlaceholder)
	}
	return strings.Join(lines, "\n")
}

func finishedLine(g toolGroup) string {
	s := styleFor(g.tool)
	if g.count == 1 && g.detail != "" {
		return fmt.Sprintf("%s %s `%s`", s.emoji, s.done, g.detail)
	}
	return fmt.Sprintf("%s %s %d %s", s.emoji, s.done, g.count, pluralize(s.unit, g.count))
}

func activeLine(t SnapshotTool) string {
	s := styleFor(t.Name)
	if t.Detail != "" {
		return fmt.Sprintf("⏳ %s `%s`…", s.active, t.Detail)
	}
	return fmt.Sprintf("⏳ %s…", s.active)
}

func pluralize(unit string, n int) string {
	if n == 1 {
		return unit
	}
	switch {
	case strings.HasSuffix(unit, "y") && !strings.HasSuffix(unit, "ey"):
		return unit[:len(unit)-1] + "ies"
	case strings.HasSuffix(unit, "s"), strings.HasSuffix(unit, "x"),
		strings.HasSuffix(unit, "ch"), strings.HasSuffix(unit, "sh"):
		return unit + "es"
	}
	return unit + "s"
}

// extractDetail pulls a short human-readable argument out of a tool
// input for the status log: file paths keep their tail, commands keep
// their first line, URLs reduce to the host. Malformed input yields "".
func extractDetail(tool string, input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var probe struct {
		FilePath     string `json:"file_path"`
		NotebookPath string `json:"notebook_path"`
		Path         string `json:"path"`
		Command      string `json:"command"`
		URL          string `json:"url"`
		Pattern      string `json:"pattern"`
		Description  string `json:"description"`
		Query        string `json:"query"`
	}
	if err := json.Unmarshal(input, &probe); err != nil {
		return ""
	}
	switch {
	case probe.FilePath != "":
		return shortenPath(probe.FilePath)
	case probe.NotebookPath != "":
		return shortenPath(probe.NotebookPath)
	case probe.Command != "":
		return truncateHead(firstLine(probe.Command), detailWidth)
	case probe.URL != "":
		if u, err := url.Parse(probe.URL); err == nil && u.Host != "" {
			return u.Host
		}
		return truncateHead(probe.URL, detailWidth)
	case probe.Pattern != "":
		return truncateHead(probe.Pattern, detailWidth)
	case probe.Query != "":
		return truncateHead(probe.Query, detailWidth)
	case probe.Description != "":
		return truncateHead(probe.Description, detailWidth)
	case probe.Path != "":
		return shortenPath(probe.Path)
	}
	return ""
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// shortenPath keeps the tail of a path, the informative end.
func shortenPath(p string) string {
	p = filepath.Clean(p)
	if runewidth.StringWidth(p) <= detailWidth {
		return p
	}
	return truncateTail(p, detailWidth)
}

// truncateHead keeps the leading w cells of s.
func truncateHead(s string, w int) string {
	return runewidth.Truncate(s, w, "…")
}

// truncateTail keeps the trailing w cells of s.
func truncateTail(s string, w int) string {
	if runewidth.StringWidth(s) <= w {
		return s
	}
	runes := []rune(s)
	width := 1 // leading ellipsis
	i := len(runes)
	for i > 0 {
		rw := runewidth.RuneWidth(runes[i-1])
		if width+rw > w {
			break
		}
		width += rw
		i--
	}
	return "…" + string(runes[i:])
}
