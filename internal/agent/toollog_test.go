package agent

import (
	"encoding/json"
	"strings"
	"testing"
)

// TestGroupTools folds consecutive same-tool calls into one group.
func TestGroupTools(t *testing.T) {
	groups := groupTools([]SnapshotTool{
		{Name: "Read", Detail: "a.go"},
		{Name: "Read", Detail: "b.go"},
		{Name: "Bash", Detail: "go vet"},
		{Name: "Read", Detail: "c.go"},
	})
	if len(groups) != 3 {
		t.Fatalf("got %d groups, want 3: %+v", len(groups), groups)
	}
	if groups[0].tool != "Read" || groups[0].count != 2 || groups[0].detail != "b.go" {
		t.Errorf("first group = %+v", groups[0])
	}
	if groups[2].tool != "Read" || groups[2].count != 1 {
		t.Errorf("third group = %+v", groups[2])
	}
}

// TestComposeStatusText covers the status message body states.
func TestComposeStatusText(t *testing.T) {
	t.Run("empty snapshot", func(t *testing.T) {
		if got := composeStatusText(&Snapshot{Status: StatusThinking}); got != statusPlaceholder {
			t.Errorf("got %q, want placeholder", got)
		}
	})

	t.Run("single finished call keeps its detail", func(t *testing.T) {
		got := composeStatusText(&Snapshot{
			Status:         StatusThinking,
			CompletedTools: []SnapshotTool{{Name: "Read", Detail: "main.go"}},
		})
		if !strings.Contains(got, "Read `main.go`") {
			t.Errorf("missing detail line: %q", got)
		}
		if !strings.Contains(got, statusPlaceholder) {
			t.Errorf("missing trailing thinking line: %q", got)
		}
	})

	t.Run("grouped calls pluralize", func(t *testing.T) {
		got := composeStatusText(&Snapshot{
			Status: StatusToolUse,
			CompletedTools: []SnapshotTool{
				{Name: "Read", Detail: "a.go"},
				{Name: "Read", Detail: "b.go"},
				{Name: "Read", Detail: "c.go"},
			},
			CurrentTool: &SnapshotTool{Name: "Bash", Detail: "go test ./..."},
		})
		if !strings.Contains(got, "Read 3 files") {
			t.Errorf("missing grouped line: %q", got)
		}
		if !strings.Contains(got, "⏳ Running `go test ./...`…") {
			t.Errorf("missing active line: %q", got)
		}
	})

	t.Run("responding tail", func(t *testing.T) {
		got := composeStatusText(&Snapshot{
			Status:         StatusResponding,
			CompletedTools: []SnapshotTool{{Name: "Bash", Detail: "ls"}},
		})
		if !strings.Contains(got, "Writing reply…") {
			t.Errorf("missing responding line: %q", got)
		}
	})
}

// TestComposeStatusTextCollapse hides older groups past the window.
func TestComposeStatusTextCollapse(t *testing.T) {
	tools := []SnapshotTool{
		{Name: "Read"}, {Name: "Read"}, // collapses: 2 steps
		{Name: "Bash"},
		{Name: "Grep"},
		{Name: "Edit"},
		{Name: "Write"},
	}
	got := composeStatusText(&Snapshot{Status: StatusThinking, CompletedTools: tools})
	if !strings.Contains(got, "… 2 earlier steps") {
		t.Errorf("missing collapse line: %q", got)
	}
	if strings.Contains(got, "Read") {
		t.Errorf("collapsed group still visible: %q", got)
	}
	for _, want := range []string{"Ran 1 command", "Searched 1 pattern", "Edited 1 file", "Wrote 1 file"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in %q", want, got)
		}
	}
}

// TestPluralize covers the unit table's irregulars.
func TestPluralize(t *testing.T) {
	tests := []struct {
		unit string
		n    int
		want string
	}{
		{"file", 1, "file"},
		{"file", 3, "files"},
		{"query", 2, "queries"},
		{"pattern", 2, "patterns"},
		{"search", 2, "searches"},
		{"step", 5, "steps"},
	}
	for _, tt := range tests {
		if got := pluralize(tt.unit, tt.n); got != tt.want {
			t.Errorf("pluralize(%q, %d) = %q, want %q", tt.unit, tt.n, got, tt.want)
		}
	}
}

// TestExtractDetail pulls the most useful argument per tool shape.
func TestExtractDetail(t *testing.T) {
	tests := []struct {
		name  string
		tool  string
		input string
		want  string
	}{
		{"file path", "Read", `{"file_path":"/src/main.go"}`, "/src/main.go"},
		{"command first line", "Bash", `{"command":"go test ./...\necho done"}`, "go test ./..."},
		{"url host", "WebFetch", `{"url":"https://pkg.go.dev/net/http"}`, "pkg.go.dev"},
		{"pattern", "Grep", `{"pattern":"func main"}`, "func main"},
		{"query", "WebSearch", `{"query":"go sqlite wal"}`, "go sqlite wal"},
		{"task description", "Task", `{"description":"audit deps"}`, "audit deps"},
		{"malformed", "Read", `{"file_path":`, ""},
		{"empty", "Read", ``, ""},
		{"no match", "TodoWrite", `{"todos":[]}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractDetail(tt.tool, json.RawMessage(tt.input)); got != tt.want {
				t.Errorf("extractDetail = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestExtractDetailLongPath keeps the tail of oversized paths.
func TestExtractDetailLongPath(t *testing.T) {
	long := "/home/user/projects/deeply/nested/module/internal/gateway/server.go"
	got := extractDetail("Read", json.RawMessage(`{"file_path":"`+long+`"}`))
	if !strings.HasPrefix(got, "…") {
		t.Errorf("long path not truncated from the left: %q", got)
	}
	if !strings.HasSuffix(got, "server.go") {
		t.Errorf("path tail lost: %q", got)
	}
}
