package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/johannesmutter/amberize/internal/secrets"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// fakeTokenEndpoint serves the provider's token endpoint, recording the
// grant parameters it was called with.
func fakeTokenEndpoint(t *testing.T, accessToken, refreshToken string) (*httptest.Server, *url.Values) {
	t.Helper()
	var lastForm url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		lastForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	t.Cleanup(server.Close)
	return server, &lastForm
}

func TestAuthorizeRoundtripWithPKCE(t *testing.T) {
	tokenServer, lastForm := fakeTokenEndpoint(t, "access-1", "refresh-1")

	store := secrets.NewMemoryStore()
	provider := ProviderConfig{
		Name:     "test",
		AuthURL:  "https://auth.invalid/authorize",
		TokenURL: tokenServer.URL,
		Scopes:   []string{"mail"},
	}
	m := NewManager(provider, store, quietLogger())

	// The fake browser immediately follows the redirect with a code.
	m.openBrowser = func(authURL string) error {
		parsed, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		q := parsed.Query()
		require.Equal(t, "S256", q.Get("code_challenge_method"))
		require.NotEmpty(t, q.Get("code_challenge"))
		require.NotEmpty(t, q.Get("state"))

		redirect := q.Get("redirect_uri")
		go http.Get(redirect + "?code=test-code&state=" + url.QueryEscape(q.Get("state"))) //nolint:errcheck
		return nil
	}

	accessToken, err := m.Authorize(context.Background(),
		ClientCredentials{ClientID: "cid", ClientSecret: "csecret"},
		"user@example.org", "tok-ref")
	require.NoError(t, err)
	require.Equal(t, "access-1", accessToken)

	// The exchange carried the code and the PKCE verifier.
	require.Equal(t, "test-code", lastForm.Get("code"))
	require.NotEmpty(t, lastForm.Get("code_verifier"))

	// Tokens were persisted for later refresh.
	raw, err := store.Get("tok-ref")
	require.NoError(t, err)
	var data TokenData
	require.NoError(t, json.Unmarshal([]byte(raw), &data))
	require.Equal(t, "refresh-1", data.RefreshToken)
}

func TestAuthorizeRejectsStateMismatch(t *testing.T) {
	store := secrets.NewMemoryStore()
	m := NewManager(ProviderConfig{
		Name: "test", AuthURL: "https://auth.invalid/a", TokenURL: "https://auth.invalid/t",
	}, store, quietLogger())

	m.openBrowser = func(authURL string) error {
		parsed, _ := url.Parse(authURL)
		redirect := parsed.Query().Get("redirect_uri")
		go http.Get(redirect + "?code=x&state=wrong") //nolint:errcheck
		return nil
	}

	_, err := m.Authorize(context.Background(), ClientCredentials{ClientID: "cid"},
		"user@example.org", "tok-ref")
	require.ErrorIs(t, err, ErrStateMismatch)
}

func TestAuthorizeSurfacesDenial(t *testing.T) {
	store := secrets.NewMemoryStore()
	m := NewManager(ProviderConfig{
		Name: "test", AuthURL: "https://auth.invalid/a", TokenURL: "https://auth.invalid/t",
	}, store, quietLogger())

	m.openBrowser = func(authURL string) error {
		parsed, _ := url.Parse(authURL)
		redirect := parsed.Query().Get("redirect_uri")
		go http.Get(redirect + "?error=access_denied") //nolint:errcheck
		return nil
	}

	_, err := m.Authorize(context.Background(), ClientCredentials{ClientID: "cid"},
		"user@example.org", "tok-ref")
	require.ErrorIs(t, err, ErrAuthorizationDenied)
}

func TestEnsureFreshTokenReturnsCachedWhileValid(t *testing.T) {
	store := secrets.NewMemoryStore()
	data := TokenData{
		AccessToken:  "cached",
		RefreshToken: "refresh",
		ExpiresAtUTC: time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	}
	raw, _ := json.Marshal(data)
	require.NoError(t, store.Set("tok-ref", string(raw)))

	m := NewManager(ProviderConfig{Name: "test", TokenURL: "https://auth.invalid/t"}, store, quietLogger())

	token, err := m.EnsureFreshToken(context.Background(), ClientCredentials{ClientID: "cid"}, "tok-ref")
	require.NoError(t, err)
	require.Equal(t, "cached", token)
}

func TestEnsureFreshTokenRefreshesExpired(t *testing.T) {
	tokenServer, lastForm := fakeTokenEndpoint(t, "fresh-access", "")

	store := secrets.NewMemoryStore()
	data := TokenData{
		AccessToken:  "stale",
		RefreshToken: "refresh-keep",
		ExpiresAtUTC: time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
	}
	raw, _ := json.Marshal(data)
	require.NoError(t, store.Set("tok-ref", string(raw)))

	m := NewManager(ProviderConfig{Name: "test", TokenURL: tokenServer.URL}, store, quietLogger())

	token, err := m.EnsureFreshToken(context.Background(), ClientCredentials{ClientID: "cid"}, "tok-ref")
	require.NoError(t, err)
	require.Equal(t, "fresh-access", token)
	require.Equal(t, "refresh_token", lastForm.Get("grant_type"))

	// The provider omitted a rotated refresh token, so ours is kept.
	stored, err := store.Get("tok-ref")
	require.NoError(t, err)
	var updated TokenData
	require.NoError(t, json.Unmarshal([]byte(stored), &updated))
	require.Equal(t, "refresh-keep", updated.RefreshToken)
	require.Equal(t, "fresh-access", updated.AccessToken)
}

func TestEnsureFreshTokenMissingSecret(t *testing.T) {
	store := secrets.NewMemoryStore()
	m := NewManager(Google, store, quietLogger())

	_, err := m.EnsureFreshToken(context.Background(), ClientCredentials{}, "absent")
	require.ErrorIs(t, err, secrets.ErrMissingSecret)
}
