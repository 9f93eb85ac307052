package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the Pylon gateway.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Agent     AgentConfig     `json:"agent"`
	Channels  ChannelsConfig  `json:"channels"`
	Tools     ToolsConfig     `json:"tools"`
	Sessions  SessionsConfig  `json:"sessions"`
	Workspace WorkspaceConfig `json:"workspace"`
	Calendar  CalendarConfig  `json:"calendar,omitempty"`
	mu        sync.RWMutex
}

// GatewayConfig configures the WebSocket control plane.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	TLS            *bool    `json:"tls,omitempty"`             // default true (self-signed)
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // browser Origin allow-list
	Token          string   `json:"-"`                         // from env PYLON_GATEWAY_TOKEN only; file otherwise
}

// TLSEnabled reports whether the gateway serves wss (the default).
func (g GatewayConfig) TLSEnabled() bool {
	return g.TLS == nil || *g.TLS
}

// AgentConfig configures the provider CLI subprocess.
type AgentConfig struct {
	Command          string       `json:"command"`                      // provider binary on PATH
	Args             []string     `json:"args,omitempty"`               // extra args appended verbatim
	Model            string       `json:"model,omitempty"`              // optional model override
	SystemPromptFile string       `json:"system_prompt_file,omitempty"` // appended system prompt
	MaxQueuedPrompts int          `json:"max_queued_prompts,omitempty"` // per-key pending batch cap
	OAuth            *OAuthConfig `json:"oauth,omitempty"`              // re-auth endpoints
}

// OAuthConfig holds the PKCE endpoints used by the mid-run re-auth flow.
type OAuthConfig struct {
	ClientID    string   `json:"client_id,omitempty"`
	AuthURL     string   `json:"auth_url,omitempty"`
	TokenURL    string   `json:"token_url,omitempty"`
	RedirectURL string   `json:"redirect_url,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
}

// ChannelsConfig holds per-transport channel settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram,omitempty"`
	WhatsApp WhatsAppConfig `json:"whatsapp,omitempty"`
}

// TelegramConfig configures the Telegram Bot API channel.
type TelegramConfig struct {
	Enabled        bool                `json:"enabled,omitempty"`
	Token          string              `json:"token,omitempty"`
	AllowFrom      FlexibleStringSlice `json:"allow_from,omitempty"`      // user IDs or usernames
	GroupPolicy    string              `json:"group_policy,omitempty"`    // "open" | "allowlist" | "disabled"
	RequireMention *bool               `json:"require_mention,omitempty"` // groups only, default true
	Proxy          string              `json:"proxy,omitempty"`
	MediaMaxBytes  int64               `json:"media_max_bytes,omitempty"`
}

// WhatsAppConfig configures the local bridge channel.
type WhatsAppConfig struct {
	Enabled   bool                `json:"enabled,omitempty"`
	BridgeURL string              `json:"bridge_url,omitempty"` // ws endpoint of the bridge process
	AllowFrom FlexibleStringSlice `json:"allow_from,omitempty"`
}

// ToolsConfig layers the tool mediation policy.
type ToolsConfig struct {
	Mode       string                       `json:"mode,omitempty"`        // "" | "autonomous" | "bypassPermissions" | "acceptEdits" | "lockdown"
	NeverAllow []string                     `json:"never_allow,omitempty"` // unconditional deny, checked first
	Allow      []string                     `json:"allow,omitempty"`       // force auto-allow by name
	Deny       []string                     `json:"deny,omitempty"`        // global deny
	ByChannel  map[string]ChannelToolPolicy `json:"by_channel,omitempty"`
}

// ChannelToolPolicy is a per-channel allow/deny overlay, applied before
// tier classification.
type ChannelToolPolicy struct {
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}

// SessionsConfig controls session lifecycle.
type SessionsConfig struct {
	IdleTimeout string `json:"idle_timeout,omitempty"` // Go duration, default "4h"
}

// IdleTimeoutDuration parses the idle timeout with the 4h default.
func (s SessionsConfig) IdleTimeoutDuration() time.Duration {
	if s.IdleTimeout != "" {
		if d, err := time.ParseDuration(s.IdleTimeout); err == nil && d > 0 {
			return d
		}
	}
	return 4 * time.Hour
}

// WorkspaceConfig bounds the fs.* RPC surface.
type WorkspaceConfig struct {
	Root       string   `json:"root"`
	ExtraPaths []string `json:"extra_paths,omitempty"`
}

// CalendarConfig configures the cron rule scheduler.
type CalendarConfig struct {
	Enabled   *bool  `json:"enabled,omitempty"`    // default true
	DeliverTo string `json:"deliver_to,omitempty"` // optional "channel:chatId" target for rule output
}

// CalendarEnabled reports whether scheduled rules fire.
func (c CalendarConfig) CalendarEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.Agent = src.Agent
	c.Channels = src.Channels
	c.Tools = src.Tools
	c.Sessions = src.Sessions
	c.Workspace = src.Workspace
	c.Calendar = src.Calendar
}

// Section accessors return copies under the read lock so callers never
// observe a config.set swap mid-read. Slices and maps inside the copies
// are shared; treat them as read-only.

func (c *Config) GatewaySettings() GatewayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Gateway
}

func (c *Config) AgentSettings() AgentConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Agent
}

func (c *Config) ChannelSettings() ChannelsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Channels
}

func (c *Config) ToolsPolicy() ToolsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Tools
}

func (c *Config) SessionSettings() SessionsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Sessions
}

func (c *Config) CalendarSettings() CalendarConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Calendar
}

// --- State directory layout ---

// AppDirName is the dot-directory under the user home.
const AppDirName = ".pylon"

// Dir returns the expanded state directory (~/.pylon), creating nothing.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return AppDirName
	}
	return filepath.Join(home, AppDirName)
}

// DefaultConfigPath returns ~/.pylon/config.json5.
func DefaultConfigPath() string { return filepath.Join(Dir(), "config.json5") }

// StorePath returns the embedded store file path.
func StorePath() string { return filepath.Join(Dir(), "pylon.db") }

// TokenPath returns the gateway auth token file path.
func TokenPath() string { return filepath.Join(Dir(), "gateway-token") }

// TLSDir returns the directory holding the self-signed cert pair.
func TLSDir() string { return filepath.Join(Dir(), "tls") }

// OwnerIDsPath returns the owner chat-id registry file path.
func OwnerIDsPath() string { return filepath.Join(Dir(), "owner-chat-ids.json") }

// PidPath returns the gateway pid file path.
func PidPath() string { return filepath.Join(Dir(), "gateway.pid") }

// CredentialsPath returns the OAuth credential file written by re-auth.
func CredentialsPath() string { return filepath.Join(Dir(), "oauth-creds.json") }
