package fsops

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// testService returns a Service rooted at a fresh temp dir. The dir is
// pre-resolved through EvalSymlinks so assertions compare real paths.
func testService(t *testing.T, extra ...string) (*Service, string) {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("EvalSymlinks: %v", err)
	}
	roots := append([]string{root}, extra...)
	return New(func() []string { return roots }), root
}

func TestResolveContainment(t *testing.T) {
	extra, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("EvalSymlinks: %v", err)
	}
	svc, root := testService(t, extra)

	tests := []struct {
		name   string
		path   string
		want   string
		denied bool
	}{
		{"absolute inside", filepath.Join(root, "notes.md"), filepath.Join(root, "notes.md"), false},
		{"relative anchors at root", "sub/file.txt", filepath.Join(root, "sub/file.txt"), false},
		{"dot-dot stays inside", "sub/../notes.md", filepath.Join(root, "notes.md"), false},
		{"root itself", root, root, false},
		{"extra path", filepath.Join(extra, "x"), filepath.Join(extra, "x"), false},
		{"escape via dot-dot", "../outside", "", true},
		{"absolute outside", "/etc/passwd", "", true},
		{"empty", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.Resolve(tt.path)
			if tt.denied {
				if !errors.Is(err, ErrDenied) {
					t.Fatalf("Resolve(%q) err = %v, want ErrDenied", tt.path, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%q): %v", tt.path, err)
			}
			if got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

// TestResolveSymlinkEscape verifies a symlink inside the workspace
// cannot smuggle operations outside it.
func TestResolveSymlinkEscape(t *testing.T) {
	svc, root := testService(t)
	outside := t.TempDir()

	link := filepath.Join(root, "sneaky")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, err := svc.Resolve(filepath.Join(link, "target.txt")); !errors.Is(err, ErrDenied) {
		t.Errorf("Resolve through escaping symlink: %v, want ErrDenied", err)
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	svc, root := testService(t)

	if err := svc.Write("notes.md", "hello pylon", ""); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f, err := svc.Read("notes.md")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if f.Content != "hello pylon" || f.Encoding != "" {
		t.Errorf("Read = %+v, want utf-8 content", f)
	}
	if f.Path != filepath.Join(root, "notes.md") {
		t.Errorf("Read path = %q", f.Path)
	}

	// Binary payloads travel base64 both directions.
	if err := svc.Write("blob.bin", "/wD/", "base64"); err != nil {
		t.Fatalf("Write base64: %v", err)
	}
	f, err = svc.Read("blob.bin")
	if err != nil {
		t.Fatalf("Read blob: %v", err)
	}
	if f.Encoding != "base64" || f.Content != "/wD/" {
		t.Errorf("Read blob = %+v, want base64 round trip", f)
	}

	if err := svc.Write("x", "!!!", "base64"); err == nil {
		t.Error("Write with bad base64 succeeded")
	}
	if err := svc.Write("x", "hi", "utf-16"); err == nil {
		t.Error("Write with unsupported encoding succeeded")
	}
}

func TestReadErrors(t *testing.T) {
	svc, root := testService(t)

	if _, err := svc.Read("missing.txt"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Read missing: %v, want ErrNotExist", err)
	}
	if _, err := svc.Read("/etc/passwd"); !errors.Is(err, ErrDenied) {
		t.Errorf("Read outside: %v, want ErrDenied", err)
	}
	if _, err := svc.Read(root); err == nil || !strings.Contains(err.Error(), "directory") {
		t.Errorf("Read directory: %v, want directory error", err)
	}
}

func TestListEntries(t *testing.T) {
	svc, root := testService(t)

	if err := svc.Mkdir("docs"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := svc.Write("a.txt", "aa", ""); err != nil {
		t.Fatalf("Write: %v", err)
	}

	entries, err := svc.List(".")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Name != "a.txt" || entries[0].Dir || entries[0].Size != 2 {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].Name != "docs" || !entries[1].Dir {
		t.Errorf("entry 1 = %+v", entries[1])
	}
	if entries[0].Path != filepath.Join(root, "a.txt") {
		t.Errorf("entry path = %q", entries[0].Path)
	}
}

func TestDeleteGuards(t *testing.T) {
	svc, root := testService(t)

	if err := svc.Delete(root, true); !errors.Is(err, ErrDenied) {
		t.Errorf("Delete root: %v, want ErrDenied", err)
	}
	if err := svc.Delete("missing", false); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Delete missing: %v, want ErrNotExist", err)
	}

	if err := svc.Mkdir("dir"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := svc.Write("dir/f.txt", "x", ""); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := svc.Delete("dir", false); err == nil {
		t.Error("non-recursive delete of non-empty dir succeeded")
	}
	if err := svc.Delete("dir", true); err != nil {
		t.Fatalf("recursive delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "dir")); !errors.Is(err, os.ErrNotExist) {
		t.Error("dir survived recursive delete")
	}
}

func TestRenameStaysInsideWorkspace(t *testing.T) {
	svc, root := testService(t)

	if err := svc.Write("old.txt", "x", ""); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := svc.Rename("old.txt", "new.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "new.txt")); err != nil {
		t.Errorf("renamed file missing: %v", err)
	}

	if err := svc.Rename("new.txt", "/tmp/escape.txt"); !errors.Is(err, ErrDenied) {
		t.Errorf("Rename outside: %v, want ErrDenied", err)
	}
	if err := svc.Rename(root, "elsewhere"); !errors.Is(err, ErrDenied) {
		t.Errorf("Rename root: %v, want ErrDenied", err)
	}
}
