// Package watcher multiplexes filesystem change notifications to
// gateway clients. One fsnotify watcher backs any number of fs.watch
// subscriptions: watches are refcounted per resolved path, and a
// client's refs are released in bulk when it disconnects.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pylonhq/pylon/pkg/protocol"
)

// Sender delivers a client-scoped event. Satisfied by gateway.Hub.
type Sender interface {
	SendToClient(clientID, event string, data any) bool
}

// ChangePayload is the fs.watch event body.
type ChangePayload struct {
	Path      string `json:"path"`
	Op        string `json:"op"` // create | write | remove | rename | chmod
	Timestamp int64  `json:"timestamp"`
}

// Registry tracks which clients watch which paths.
type Registry struct {
	send Sender
	fsw  *fsnotify.Watcher

	mu   sync.Mutex
	refs map[string]map[string]struct{} // resolved path -> client ids
}

func NewRegistry(send Sender) (*Registry, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &Registry{
		send: send,
		fsw:  fsw,
		refs: make(map[string]map[string]struct{}),
	}, nil
}

// Run forwards change events until ctx ends, then closes the
// underlying watcher.
func (r *Registry) Run(ctx context.Context) {
	defer r.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.fsw.Events:
			if !ok {
				return
			}
			r.dispatch(ev)
		case err, ok := <-r.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("watcher.error", "error", err)
		}
	}
}

// Watch adds one ref for clientID on path. The path must already be
// resolved through the workspace allow-list; the first ref arms the
// underlying OS watch.
func (r *Registry) Watch(clientID, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	clients := r.refs[path]
	if clients == nil {
		if err := r.fsw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		clients = make(map[string]struct{})
		r.refs[path] = clients
		slog.Debug("watcher.armed", "path", path)
	}
	clients[clientID] = struct{}{}
	return nil
}

// Unwatch drops clientID's ref on path. The last ref disarms the OS
// watch. Unwatching a path that was never watched is a no-op.
func (r *Registry) Unwatch(clientID, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drop(clientID, path)
}

// ReleaseClient drops every ref held by clientID. Wired as a hub close
// hook so watches never outlive their client.
func (r *Registry) ReleaseClient(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for path, clients := range r.refs {
		if _, ok := clients[clientID]; ok {
			r.drop(clientID, path)
		}
	}
}

// drop removes one ref and disarms the watch at zero. Callers hold mu.
func (r *Registry) drop(clientID, path string) {
	clients := r.refs[path]
	if clients == nil {
		return
	}
	delete(clients, clientID)
	if len(clients) > 0 {
		return
	}
	delete(r.refs, path)
	if err := r.fsw.Remove(path); err != nil {
		// Remove fails when the watched path itself was deleted; the
		// kernel watch is already gone then.
		slog.Debug("watcher.disarm", "path", path, "error", err)
	}
}

// dispatch fans one change out to subscribers of the changed path and
// of its parent directory (directory watches see child events).
func (r *Registry) dispatch(ev fsnotify.Event) {
	targets := r.subscribers(ev.Name)
	if len(targets) == 0 {
		return
	}
	payload := ChangePayload{Path: ev.Name, Op: opString(ev.Op), Timestamp: time.Now().UnixMilli()}
	for _, id := range targets {
		r.send.SendToClient(id, protocol.EventFSWatch, payload)
	}
}

func (r *Registry) subscribers(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{})
	var ids []string
	for _, path := range []string{name, filepath.Dir(name)} {
		for id := range r.refs[path] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

func opString(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Write):
		return "write"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	case op.Has(fsnotify.Chmod):
		return "chmod"
	}
	return op.String()
}
