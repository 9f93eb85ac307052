package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18789,
		},
		Agent: AgentConfig{
			Command:          "claude",
			MaxQueuedPrompts: 10,
			OAuth: &OAuthConfig{
				ClientID:    "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
				AuthURL:     "https://claude.ai/oauth/authorize",
				TokenURL:    "https://console.anthropic.com/v1/oauth/token",
				RedirectURL: "https://console.anthropic.com/oauth/code/callback",
				Scopes:      []string{"org:create_api_key", "user:profile", "user:inference"},
			},
		},
		Sessions: SessionsConfig{
			IdleTimeout: "4h",
		},
		Workspace: WorkspaceConfig{
			Root: "~/.pylon/workspace",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("PYLON_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("PYLON_HOST", &c.Gateway.Host)
	if v := os.Getenv("PYLON_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	if v := os.Getenv("PYLON_TLS"); v != "" {
		enabled := v == "true" || v == "1"
		c.Gateway.TLS = &enabled
	}

	envStr("PYLON_AGENT_COMMAND", &c.Agent.Command)
	envStr("PYLON_MODEL", &c.Agent.Model)
	envStr("PYLON_MODE", &c.Tools.Mode)
	envStr("PYLON_WORKSPACE", &c.Workspace.Root)

	envStr("PYLON_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("PYLON_WHATSAPP_BRIDGE_URL", &c.Channels.WhatsApp.BridgeURL)

	// Auto-enable channels when credentials arrive via env.
	if os.Getenv("PYLON_TELEGRAM_TOKEN") != "" {
		c.Channels.Telegram.Enabled = true
	}
	if os.Getenv("PYLON_WHATSAPP_BRIDGE_URL") != "" {
		c.Channels.WhatsApp.Enabled = true
	}

	// Allow-lists from env (comma-separated).
	if v := os.Getenv("PYLON_TELEGRAM_ALLOW_FROM"); v != "" {
		c.Channels.Telegram.AllowFrom = strings.Split(v, ",")
	}
	if v := os.Getenv("PYLON_WHATSAPP_ALLOW_FROM"); v != "" {
		c.Channels.WhatsApp.AllowFrom = strings.Split(v, ",")
	}
}

// ApplyEnvOverrides re-applies environment variable overrides onto the
// config. Call after mutating config to restore runtime secrets from env.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyEnvOverrides()
}

// Save writes the config atomically (temp file + rename).
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	cfg.mu.RUnlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields
// masked. Used by config.get so secrets never reach WebSocket clients.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Channels.Telegram.Token)
	maskNonEmpty(&cp.Gateway.Token)

	return cp
}

// StripMaskedSecrets strips fields that still contain the mask value.
// Real values (user-entered via config.set) are preserved so they persist.
func (c *Config) StripMaskedSecrets() {
	stripIfMasked := func(s *string) {
		if *s == secretMask {
			*s = ""
		}
	}
	stripIfMasked(&c.Channels.Telegram.Token)
	stripIfMasked(&c.Gateway.Token)
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// Patch applies a JSON document onto a copy of the current config and
// returns it. Absent fields keep their values; secret fields still
// holding the mask sentinel are restored from the live config, so
// clients can round-trip config.get output without clobbering secrets.
func (c *Config) Patch(raw []byte) (*Config, error) {
	c.mu.RLock()
	data, err := json.Marshal(c)
	realTelegram := c.Channels.Telegram.Token
	realGateway := c.Gateway.Token
	c.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	next := Default()
	if err := json.Unmarshal(data, next); err != nil {
		return nil, err
	}
	if err := json5.Unmarshal(raw, next); err != nil {
		return nil, fmt.Errorf("parse config patch: %w", err)
	}

	if next.Channels.Telegram.Token == secretMask {
		next.Channels.Telegram.Token = realTelegram
	}
	if next.Gateway.Token == secretMask {
		next.Gateway.Token = realGateway
	}
	return next, nil
}

// WorkspacePath returns the expanded workspace root.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Workspace.Root)
}

// AllowedPaths returns every expanded root the fs.* surface may touch.
func (c *Config) AllowedPaths() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	paths := []string{ExpandHome(c.Workspace.Root)}
	for _, p := range c.Workspace.ExtraPaths {
		paths = append(paths, ExpandHome(p))
	}
	return paths
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
