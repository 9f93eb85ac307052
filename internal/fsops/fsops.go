// Package fsops implements the workspace file operations behind the
// fs.* RPC surface. Every incoming path is resolved to an absolute,
// symlink-free form and checked against the configured allow-list
// before anything touches the disk; escapes fail with ErrDenied.
package fsops

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/pylonhq/pylon/internal/config"
)

// ErrDenied marks paths outside the workspace allow-list.
var ErrDenied = errors.New("path outside workspace")

// maxReadBytes caps a single fs.read payload. Larger files would blow
// through the client send buffer as one frame.
const maxReadBytes = 10 << 20

// Entry is one fs.list row.
type Entry struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Dir     bool   `json:"dir"`
	Size    int64  `json:"size"`
	ModTime int64  `json:"modTime"`
}

// File is the fs.read response. Content that is not valid UTF-8 is
// base64-encoded and flagged via Encoding.
type File struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"` // "" (utf-8) | "base64"
	Size     int64  `json:"size"`
	ModTime  int64  `json:"modTime"`
}

// Service guards file operations behind a workspace allow-list. The
// roots closure is re-read on every call so config.set changes apply
// without a restart.
type Service struct {
	roots func() []string
}

func New(roots func() []string) *Service {
	return &Service{roots: roots}
}

// Resolve expands and normalizes path and verifies it falls under one
// of the allowed roots. Relative paths anchor at the primary root. The
// target itself need not exist; symlinks in existing ancestors are
// followed before the containment check so a link cannot smuggle an
// operation outside the workspace.
func (s *Service) Resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrDenied)
	}
	roots := s.roots()
	if len(roots) == 0 || roots[0] == "" {
		return "", fmt.Errorf("%w: no workspace configured", ErrDenied)
	}

	p := config.ExpandHome(path)
	if !filepath.IsAbs(p) {
		p = filepath.Join(roots[0], p)
	}
	resolved, err := normalize(p)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrDenied, path)
	}

	for _, root := range roots {
		if root == "" {
			continue
		}
		base, err := normalize(config.ExpandHome(root))
		if err != nil {
			continue
		}
		if resolved == base || strings.HasPrefix(resolved, base+string(filepath.Separator)) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrDenied, path)
}

// List returns the direct children of a directory, sorted by name.
func (s *Service) List(path string) ([]Entry, error) {
	dir, err := s.Resolve(path)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, e := range dirEntries {
		info, err := e.Info()
		if err != nil {
			// Raced with a delete; skip the ghost entry.
			continue
		}
		entries = append(entries, Entry{
			Name:    e.Name(),
			Path:    filepath.Join(dir, e.Name()),
			Dir:     e.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime().UnixMilli(),
		})
	}
	return entries, nil
}

func (s *Service) Read(path string) (File, error) {
	resolved, err := s.Resolve(path)
	if err != nil {
		return File{}, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return File{}, err
	}
	if info.IsDir() {
		return File{}, fmt.Errorf("read %s: is a directory", resolved)
	}
	if info.Size() > maxReadBytes {
		return File{}, fmt.Errorf("read %s: file exceeds %d bytes", resolved, maxReadBytes)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return File{}, err
	}
	f := File{Path: resolved, Size: int64(len(data)), ModTime: info.ModTime().UnixMilli()}
	if utf8.Valid(data) {
		f.Content = string(data)
	} else {
		f.Content = base64.StdEncoding.EncodeToString(data)
		f.Encoding = "base64"
	}
	return f, nil
}

// Write replaces the file at path. The parent directory must already
// exist; clients create it with fs.mkdir first.
func (s *Service) Write(path, content, encoding string) error {
	resolved, err := s.Resolve(path)
	if err != nil {
		return err
	}
	var data []byte
	switch encoding {
	case "", "utf-8":
		data = []byte(content)
	case "base64":
		data, err = base64.StdEncoding.DecodeString(content)
		if err != nil {
			return fmt.Errorf("decode base64 content: %w", err)
		}
	default:
		return fmt.Errorf("unsupported encoding %q", encoding)
	}
	return os.WriteFile(resolved, data, 0o644)
}

func (s *Service) Mkdir(path string) error {
	resolved, err := s.Resolve(path)
	if err != nil {
		return err
	}
	return os.MkdirAll(resolved, 0o755)
}

// Delete removes a file or directory. Non-recursive deletes of
// non-empty directories fail; the allow-list roots themselves are
// never deletable.
func (s *Service) Delete(path string, recursive bool) error {
	resolved, err := s.Resolve(path)
	if err != nil {
		return err
	}
	if s.isRoot(resolved) {
		return fmt.Errorf("%w: refusing to delete workspace root", ErrDenied)
	}
	if _, err := os.Stat(resolved); err != nil {
		return err
	}
	if recursive {
		return os.RemoveAll(resolved)
	}
	return os.Remove(resolved)
}

func (s *Service) Rename(from, to string) error {
	src, err := s.Resolve(from)
	if err != nil {
		return err
	}
	if s.isRoot(src) {
		return fmt.Errorf("%w: refusing to move workspace root", ErrDenied)
	}
	dst, err := s.Resolve(to)
	if err != nil {
		return err
	}
	return os.Rename(src, dst)
}

func (s *Service) isRoot(resolved string) bool {
	for _, root := range s.roots() {
		if base, err := normalize(config.ExpandHome(root)); err == nil && base == resolved {
			return true
		}
	}
	return false
}

// normalize makes path absolute, cleans it, and follows symlinks. For
// paths that do not exist yet, symlinks are resolved on the deepest
// existing ancestor and the remainder re-joined, so containment checks
// always run against real locations.
func normalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)

	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}

	dir := abs
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
		if _, statErr := os.Stat(dir); statErr != nil {
			continue
		}
		resolved, err := filepath.EvalSymlinks(dir)
		if err != nil {
			return "", err
		}
		rel, err := filepath.Rel(dir, abs)
		if err != nil {
			return "", err
		}
		if rel == "." {
			return resolved, nil
		}
		return filepath.Join(resolved, rel), nil
	}
	return abs, nil
}
