package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/pylonhq/pylon/internal/config"
)

// exchangeTimeout bounds the code-for-token exchange.
const exchangeTimeout = 120 * time.Second

// oauthCodePattern matches pasted authorization codes: a long
// base64url/hex blob with an optional #state suffix.
var oauthCodePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{20,}(#[A-Za-z0-9_-]+)?$`)

// LooksLikeOAuthCode reports whether a chat message is plausibly a
// pasted authorization code rather than a prompt.
func LooksLikeOAuthCode(s string) bool {
	return oauthCodePattern.MatchString(strings.TrimSpace(s))
}

// Credentials is the stored OAuth token set.
type Credentials struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
}

// OAuth drives the PKCE re-auth flow: build an authorization URL, then
// exchange the code the user pastes back.
type OAuth struct {
	conf      oauth2.Config
	credsPath string
}

// NewOAuth builds the flow from config. credsPath is where exchanged
// tokens are stored.
func NewOAuth(cfg config.OAuthConfig, credsPath string) *OAuth {
	return &OAuth{
		conf: oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURL,
			Scopes:      cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		credsPath: credsPath,
	}
}

// BeginAuth returns the authorization URL to hand to the user and the
// PKCE verifier that must accompany the later exchange.
func (o *OAuth) BeginAuth() (authURL, verifier string) {
	verifier = oauth2.GenerateVerifier()
	authURL = o.conf.AuthCodeURL(verifier,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("code", "true"),
	)
	return authURL, verifier
}

// ExchangeCode swaps a pasted authorization code for tokens and persists
// them. The pasted form may carry a "#state" suffix which is split off
// and sent as the state parameter.
func (o *OAuth) ExchangeCode(ctx context.Context, pasted, verifier string) (Credentials, error) {
	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()

	code := strings.TrimSpace(pasted)
	state := verifier
	if i := strings.IndexByte(code, '#'); i >= 0 {
		state = code[i+1:]
		code = code[:i]
	}

	tok, err := o.conf.Exchange(ctx, code,
		oauth2.VerifierOption(verifier),
		oauth2.SetAuthURLParam("state", state),
	)
	if err != nil {
		return Credentials{}, fmt.Errorf("oauth exchange: %w", err)
	}

	creds := Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if err := SaveCredentials(o.credsPath, creds); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

// SaveCredentials writes the token set atomically with owner-only
// permissions.
func SaveCredentials(path string, creds Credentials) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "creds-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp credentials: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	cleanup = false
	return nil
}

// LoadCredentials reads a stored token set.
func LoadCredentials(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, err
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("parse credentials: %w", err)
	}
	return creds, nil
}
