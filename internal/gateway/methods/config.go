package methods

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/pylonhq/pylon/internal/config"
	"github.com/pylonhq/pylon/internal/gateway"
	"github.com/pylonhq/pylon/pkg/protocol"
)

// ConfigMethods reads and patches the live configuration. Secrets are
// masked on the way out; a patch that still carries the mask keeps the
// stored value.
type ConfigMethods struct {
	cfg  *config.Config
	path string
}

func NewConfigMethods(cfg *config.Config, path string) *ConfigMethods {
	return &ConfigMethods{cfg: cfg, path: path}
}

func (m *ConfigMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodConfigGet, m.handleGet)
	router.Register(protocol.MethodConfigSet, m.handleSet)
}

func (m *ConfigMethods) handleGet(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	return map[string]any{"config": m.cfg.MaskedCopy()}, nil
}

func (m *ConfigMethods) handleSet(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		Config json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(params, &p); err != nil || len(p.Config) == 0 {
		return nil, protocol.Errorf(protocol.CodeBadParams, "config required")
	}

	next, err := m.cfg.Patch(p.Config)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeBadParams, "%v", err)
	}

	m.cfg.ReplaceFrom(next)
	if err := config.Save(m.path, m.cfg); err != nil {
		slog.Error("config.set save failed", "error", err)
		return nil, protocol.Errorf(protocol.CodeInternal, "persist config failed")
	}
	// Env still outranks the file after a patch.
	m.cfg.ApplyEnvOverrides()

	slog.Info("config.updated", "path", m.path)
	return map[string]any{"config": m.cfg.MaskedCopy()}, nil
}
