package methods

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"github.com/pylonhq/pylon/internal/fsops"
	"github.com/pylonhq/pylon/internal/gateway"
	"github.com/pylonhq/pylon/internal/watcher"
	"github.com/pylonhq/pylon/pkg/protocol"
)

// FSMethods exposes the workspace filesystem. Every path is resolved
// against the configured allow-list before any operation runs; watches
// are refcounted per client and released on disconnect.
type FSMethods struct {
	svc     *fsops.Service
	watches *watcher.Registry
}

func NewFSMethods(svc *fsops.Service, watches *watcher.Registry) *FSMethods {
	return &FSMethods{svc: svc, watches: watches}
}

func (m *FSMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodFSList, m.handleList)
	router.Register(protocol.MethodFSRead, m.handleRead)
	router.Register(protocol.MethodFSWrite, m.handleWrite)
	router.Register(protocol.MethodFSMkdir, m.handleMkdir)
	router.Register(protocol.MethodFSDelete, m.handleDelete)
	router.Register(protocol.MethodFSRename, m.handleRename)
	router.Register(protocol.MethodFSWatchStart, m.handleWatchStart)
	router.Register(protocol.MethodFSWatchStop, m.handleWatchStop)
}

func (m *FSMethods) handleList(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	path, rpcErr := pathParam(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	entries, err := m.svc.List(path)
	if err != nil {
		return nil, fsError(err)
	}
	return map[string]any{"entries": entries}, nil
}

func (m *FSMethods) handleRead(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	path, rpcErr := pathParam(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	file, err := m.svc.Read(path)
	if err != nil {
		return nil, fsError(err)
	}
	return file, nil
}

func (m *FSMethods) handleWrite(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		Path     string `json:"path"`
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Path == "" {
		return nil, protocol.Errorf(protocol.CodeBadParams, "path required")
	}
	if err := m.svc.Write(p.Path, p.Content, p.Encoding); err != nil {
		return nil, fsError(err)
	}
	return nil, nil
}

func (m *FSMethods) handleMkdir(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	path, rpcErr := pathParam(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := m.svc.Mkdir(path); err != nil {
		return nil, fsError(err)
	}
	return nil, nil
}

func (m *FSMethods) handleDelete(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		Path      string `json:"path"`
		Recursive bool   `json:"recursive"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Path == "" {
		return nil, protocol.Errorf(protocol.CodeBadParams, "path required")
	}
	if err := m.svc.Delete(p.Path, p.Recursive); err != nil {
		return nil, fsError(err)
	}
	return nil, nil
}

func (m *FSMethods) handleRename(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.From == "" || p.To == "" {
		return nil, protocol.Errorf(protocol.CodeBadParams, "from and to required")
	}
	if err := m.svc.Rename(p.From, p.To); err != nil {
		return nil, fsError(err)
	}
	return nil, nil
}

func (m *FSMethods) handleWatchStart(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	path, rpcErr := pathParam(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	resolved, err := m.svc.Resolve(path)
	if err != nil {
		return nil, fsError(err)
	}
	if err := m.watches.Watch(c.ID(), resolved); err != nil {
		return nil, fsError(err)
	}
	return map[string]string{"path": resolved}, nil
}

// handleWatchStop releases one watch ref. Stopping a watch that was
// never started succeeds.
func (m *FSMethods) handleWatchStop(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	path, rpcErr := pathParam(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	resolved, err := m.svc.Resolve(path)
	if err != nil {
		return nil, fsError(err)
	}
	m.watches.Unwatch(c.ID(), resolved)
	return nil, nil
}

func pathParam(params json.RawMessage) (string, *protocol.Error) {
	var p struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Path == "" {
		return "", protocol.Errorf(protocol.CodeBadParams, "path required")
	}
	return p.Path, nil
}

func fsError(err error) *protocol.Error {
	switch {
	case errors.Is(err, fsops.ErrDenied):
		return protocol.Errorf(protocol.CodeUnauthorized, "%v", err)
	case errors.Is(err, os.ErrNotExist):
		return protocol.Errorf(protocol.CodeNotFound, "%v", err)
	default:
		return protocol.Errorf(protocol.CodeInternal, "%v", err)
	}
}
