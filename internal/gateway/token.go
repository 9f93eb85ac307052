package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// tokenBytes is the entropy of a generated gateway token (64 hex chars).
const tokenBytes = 32

// LoadOrCreateToken returns the shared gateway auth token, generating and
// persisting a fresh one on first run. The token file must not be
// readable by other users; loose permissions are a hard error so the
// daemon refuses to start rather than serve with a leakable secret.
func LoadOrCreateToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if fi, statErr := os.Stat(path); statErr == nil {
			if fi.Mode().Perm()&0o077 != 0 {
				return "", fmt.Errorf("token file %s has mode %o, want 0600", path, fi.Mode().Perm())
			}
		}
		token := strings.TrimSpace(string(data))
		if token == "" {
			return "", fmt.Errorf("token file %s is empty", path)
		}
		return token, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("read token file: %w", err)
	}

	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(buf)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write token file: %w", err)
	}
	return token, nil
}
