// Package oauth implements the authorization-code flow with PKCE for
// OAuth mailstore providers, token refresh, and persistence of token
// material in the secret store. Google is the baseline profile; other
// providers plug in through ProviderConfig.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/johannesmutter/amberize/internal/secrets"
)

// CallbackTimeout bounds how long we wait for the user to finish the
// consent screen in the browser.
const CallbackTimeout = 300 * time.Second

// tokenExpiryBuffer is subtracted from expires_in so a token is refreshed
// slightly before it actually lapses mid-login.
const tokenExpiryBuffer = 120 * time.Second

var (
	ErrCallbackTimeout     = errors.New("authorization was not completed in time")
	ErrAuthorizationDenied = errors.New("authorization was denied")
	ErrStateMismatch       = errors.New("authorization state mismatch")
	ErrTokenExchangeFailed = errors.New("token exchange failed")
)

// ProviderConfig names the endpoints and scopes of one OAuth provider.
type ProviderConfig struct {
	Name     string
	AuthURL  string
	TokenURL string
	Scopes   []string
	IMAPHost string
	IMAPPort int
}

// Google is the baseline provider profile.
var Google = ProviderConfig{
	Name:     "google",
	AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
	TokenURL: "https://oauth2.googleapis.com/token",
	Scopes:   []string{"https://mail.google.com/", "email"},
	IMAPHost: "imap.gmail.com",
	IMAPPort: 993,
}

// ProviderByName resolves a provider tag stored on an account row.
func ProviderByName(name string) (ProviderConfig, error) {
	switch name {
	case "", Google.Name:
		return Google, nil
	default:
		return ProviderConfig{}, fmt.Errorf("unknown oauth provider %q", name)
	}
}

// TokenData is the persisted token set for one account, stored as JSON in
// the secret store under the account's refresh-token ref.
type TokenData struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAtUTC string `json:"expires_at_utc"`
}

// ClientCredentials identify the OAuth application.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

// Manager runs authorization flows and keeps access tokens fresh.
type Manager struct {
	provider ProviderConfig
	secrets  secrets.Store
	logger   *logrus.Logger
	// openBrowser is swappable for tests.
	openBrowser func(url string) error
	now         func() time.Time
}

// NewManager builds a Manager for one provider over the given secret
// store.
func NewManager(provider ProviderConfig, store secrets.Store, logger *logrus.Logger) *Manager {
	return &Manager{
		provider:    provider,
		secrets:     store,
		logger:      logger,
		openBrowser: openSystemBrowser,
		now:         time.Now,
	}
}

func (m *Manager) oauthConfig(creds ClientCredentials, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       m.provider.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  m.provider.AuthURL,
			TokenURL: m.provider.TokenURL,
		},
	}
}

// Authorize runs the full browser-based authorization-code flow with
// PKCE:
//
//  1. Bind a loopback listener on an ephemeral port.
//  2. Open the system browser to the consent URL (S256 challenge, state
//     nonce, offline access).
//  3. Wait for the redirect callback and validate the state.
//  4. Exchange code + verifier for tokens.
//  5. Persist the token set in the secret store under tokenRef.
//
// It returns an access token usable for XOAUTH2 immediately.
func (m *Manager) Authorize(ctx context.Context, creds ClientCredentials, loginHint, tokenRef string) (string, error) {
	verifier := oauth2.GenerateVerifier()
	state := uuid.NewString()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("failed to bind callback listener: %w", err)
	}
	defer listener.Close()

	redirectURL := fmt.Sprintf("http://127.0.0.1:%d/", listener.Addr().(*net.TCPAddr).Port)
	conf := m.oauthConfig(creds, redirectURL)

	authURL := conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("login_hint", loginHint),
	)

	if err := m.openBrowser(authURL); err != nil {
		return "", fmt.Errorf("failed to open browser: %w", err)
	}

	code, err := awaitCallback(ctx, listener, state)
	if err != nil {
		return "", err
	}

	tok, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenExchangeFailed, err)
	}

	data := m.tokenData(tok)
	if err := m.saveTokenData(tokenRef, data); err != nil {
		return "", err
	}

	m.logger.WithField("provider", m.provider.Name).Info("OAuth authorization completed")
	return data.AccessToken, nil
}

// EnsureFreshToken returns a valid access token for the account, minting
// a new one through the stored refresh token when the cached access token
// is expired or close to it.
func (m *Manager) EnsureFreshToken(ctx context.Context, creds ClientCredentials, tokenRef string) (string, error) {
	data, err := m.loadTokenData(tokenRef)
	if err != nil {
		return "", err
	}

	if !m.tokenExpired(data.ExpiresAtUTC) {
		return data.AccessToken, nil
	}

	if data.RefreshToken == "" {
		return "", fmt.Errorf("%w: %s", secrets.ErrMissingSecret, tokenRef)
	}

	conf := m.oauthConfig(creds, "")
	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: data.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		// A dead refresh token reads as a missing secret so the shell
		// can route the user back through consent.
		return "", fmt.Errorf("%w: refresh failed: %v", secrets.ErrMissingSecret, err)
	}

	refreshed := m.tokenData(tok)
	if refreshed.RefreshToken == "" {
		// Providers may omit the refresh token on renewal; keep ours.
		refreshed.RefreshToken = data.RefreshToken
	}
	if err := m.saveTokenData(tokenRef, refreshed); err != nil {
		return "", err
	}

	return refreshed.AccessToken, nil
}

func (m *Manager) tokenData(tok *oauth2.Token) TokenData {
	expiry := tok.Expiry
	if !expiry.IsZero() {
		expiry = expiry.Add(-tokenExpiryBuffer)
	}
	return TokenData{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAtUTC: expiry.UTC().Format(time.RFC3339),
	}
}

func (m *Manager) tokenExpired(expiresAt string) bool {
	t, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		// Unparseable expiry forces a refresh.
		return true
	}
	return !m.now().Before(t)
}

func (m *Manager) loadTokenData(tokenRef string) (TokenData, error) {
	raw, err := m.secrets.Get(tokenRef)
	if err != nil {
		return TokenData{}, err
	}
	var data TokenData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return TokenData{}, fmt.Errorf("failed to parse stored token data: %w", err)
	}
	return data, nil
}

func (m *Manager) saveTokenData(tokenRef string, data TokenData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode token data: %w", err)
	}
	return m.secrets.Set(tokenRef, string(raw))
}

// awaitCallback serves a single HTTP request on the loopback listener and
// extracts the authorization code after validating the state nonce.
func awaitCallback(ctx context.Context, listener net.Listener, expectedState string) (string, error) {
	type callbackResult struct {
		code string
		err  error
	}
	results := make(chan callbackResult, 1)

	server := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			query := r.URL.Query()

			if errParam := query.Get("error"); errParam != "" {
				writeCallbackPage(w, "Authorization failed",
					"The provider returned an error: "+html.EscapeString(errParam)+". You can close this window and try again.")
				results <- callbackResult{err: fmt.Errorf("%w: %s", ErrAuthorizationDenied, errParam)}
				return
			}

			if query.Get("state") != expectedState {
				writeCallbackPage(w, "Authorization failed",
					"Security check failed (state mismatch). You can close this window and try again.")
				results <- callbackResult{err: ErrStateMismatch}
				return
			}

			code := query.Get("code")
			if code == "" {
				writeCallbackPage(w, "Authorization failed",
					"The callback did not contain an authorization code.")
				results <- callbackResult{err: fmt.Errorf("%w: missing code", ErrAuthorizationDenied)}
				return
			}

			writeCallbackPage(w, "Authorization successful",
				"You can close this window and return to Amberize.")
			results <- callbackResult{code: code}
		}),
	}

	go server.Serve(listener) //nolint:errcheck
	defer server.Close()

	select {
	case result := <-results:
		return result.code, result.err
	case <-time.After(CallbackTimeout):
		return "", ErrCallbackTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func writeCallbackPage(w http.ResponseWriter, title, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>%s</title></head>
<body style="font-family:system-ui,sans-serif;display:flex;justify-content:center;align-items:center;min-height:80vh">
<div style="text-align:center;max-width:400px"><h2>%s</h2><p>%s</p></div>
</body></html>`, html.EscapeString(title), html.EscapeString(title), body)
}

func openSystemBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
