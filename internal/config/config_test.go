package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestLoadMissingFileReturnsDefaults verifies a nonexistent config path
// yields the default config instead of an error.
func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gateway.Port != 18789 {
		t.Errorf("default port = %d, want 18789", cfg.Gateway.Port)
	}
	if cfg.Agent.Command != "claude" {
		t.Errorf("default agent command = %q, want %q", cfg.Agent.Command, "claude")
	}
	if !cfg.Gateway.TLSEnabled() {
		t.Error("TLS should default to enabled")
	}
}

// TestLoadJSON5 verifies comments and trailing commas parse.
func TestLoadJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	content := `{
		// local overrides
		gateway: { host: "0.0.0.0", port: 19000, },
		channels: { telegram: { enabled: true, token: "tg-secret", allow_from: [42, "bob"], } },
		tools: { mode: "acceptEdits" },
	}`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gateway.Port != 19000 {
		t.Errorf("port = %d, want 19000", cfg.Gateway.Port)
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Error("telegram should be enabled")
	}
	if got := []string(cfg.Channels.Telegram.AllowFrom); len(got) != 2 || got[0] != "42" || got[1] != "bob" {
		t.Errorf("allow_from = %v, want [42 bob]", got)
	}
	if cfg.Tools.Mode != "acceptEdits" {
		t.Errorf("tools mode = %q, want acceptEdits", cfg.Tools.Mode)
	}
}

// TestEnvOverrides verifies PYLON_* env vars win over file values.
func TestEnvOverrides(t *testing.T) {
	t.Setenv("PYLON_PORT", "20001")
	t.Setenv("PYLON_TELEGRAM_TOKEN", "env-token")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gateway.Port != 20001 {
		t.Errorf("port = %d, want 20001", cfg.Gateway.Port)
	}
	if cfg.Channels.Telegram.Token != "env-token" {
		t.Errorf("telegram token = %q, want env-token", cfg.Channels.Telegram.Token)
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Error("telegram should auto-enable when token comes from env")
	}
}

// TestMaskedCopy verifies secrets are masked and the original untouched.
func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Channels.Telegram.Token = "real-token"

	masked := cfg.MaskedCopy()
	if masked.Channels.Telegram.Token != "***" {
		t.Errorf("masked token = %q, want ***", masked.Channels.Telegram.Token)
	}
	if cfg.Channels.Telegram.Token != "real-token" {
		t.Errorf("original mutated: %q", cfg.Channels.Telegram.Token)
	}
}

// TestStripMaskedSecrets verifies masked placeholders clear while real
// values survive a config.set round trip.
func TestStripMaskedSecrets(t *testing.T) {
	cfg := Default()
	cfg.Channels.Telegram.Token = "***"
	cfg.Gateway.Token = "kept-value"

	cfg.StripMaskedSecrets()
	if cfg.Channels.Telegram.Token != "" {
		t.Errorf("masked token should clear, got %q", cfg.Channels.Telegram.Token)
	}
	if cfg.Gateway.Token != "kept-value" {
		t.Errorf("real token should survive, got %q", cfg.Gateway.Token)
	}
}

// TestIdleTimeoutDuration verifies parsing and the 4h fallback.
func TestIdleTimeoutDuration(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want time.Duration
	}{
		{"default", "", 4 * time.Hour},
		{"custom", "30m", 30 * time.Minute},
		{"garbage", "soon", 4 * time.Hour},
		{"negative", "-1h", 4 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := SessionsConfig{IdleTimeout: tt.in}
			if got := s.IdleTimeoutDuration(); got != tt.want {
				t.Errorf("IdleTimeoutDuration(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// TestSaveAtomic verifies Save writes a loadable file with 0600 mode.
func TestSaveAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	cfg := Default()
	cfg.Gateway.Port = 12345

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config mode = %o, want 0600", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Gateway.Port != 12345 {
		t.Errorf("round-trip port = %d, want 12345", loaded.Gateway.Port)
	}
}
