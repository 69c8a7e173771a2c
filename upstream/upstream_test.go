package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/valenzuelaomar/mcp-oauth-proxy/internal/testutil"
	"github.com/valenzuelaomar/mcp-oauth-proxy/security"
)

func TestNewValidation(t *testing.T) {
	base := Config{
		ClientID: "id",
		AuthURL:  "https://idp.example.com/authorize",
		TokenURL: "https://idp.example.com/token",
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"missing client id", func(c *Config) { c.ClientID = "" }, true},
		{"http auth url", func(c *Config) { c.AuthURL = "http://idp.example.com/authorize" }, true},
		{"private token url", func(c *Config) { c.TokenURL = "https://10.0.0.5/token" }, true},
		{"bad revoke url", func(c *Config) { c.RevokeURL = "https://127.0.0.1/revoke" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			_, err := New(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAuthorizationURL(t *testing.T) {
	b, err := New(Config{
		Name:            "test",
		ClientID:        "proxy-client",
		AuthURL:         "https://idp.example.com/authorize",
		TokenURL:        "https://idp.example.com/token",
		RedirectURL:     "https://proxy.example.com/oauth/callback",
		Scopes:          []string{"openid", "email"},
		ExtraAuthParams: map[string]string{"access_type": "offline"},
	})
	testutil.AssertNoError(t, err)

	verifier := testutil.GenerateRandomString(50)
	raw := b.AuthorizationURL("txn-123", verifier)

	u, err := url.Parse(raw)
	testutil.AssertNoError(t, err)
	q := u.Query()

	testutil.AssertEqual(t, q.Get("state"), "txn-123")
	testutil.AssertEqual(t, q.Get("client_id"), "proxy-client")
	testutil.AssertEqual(t, q.Get("code_challenge_method"), "S256")
	testutil.AssertEqual(t, q.Get("code_challenge"), security.S256Challenge(verifier))
	testutil.AssertEqual(t, q.Get("access_type"), "offline")
	if !strings.Contains(q.Get("scope"), "openid") {
		t.Errorf("scope = %q, want openid present", q.Get("scope"))
	}
}

func newTokenServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestExchangeCode(t *testing.T) {
	srv := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get("code"); got != "upstream-code" {
			t.Errorf("code = %q", got)
		}
		if got := r.PostForm.Get("code_verifier"); got == "" {
			t.Error("code_verifier missing from exchange")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "upstream-access",
			"refresh_token": "upstream-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})

	b, err := New(Config{
		Name:                "test",
		ClientID:            "proxy-client",
		AuthURL:             srv.URL + "/authorize",
		TokenURL:            srv.URL + "/token",
		AllowPrivateNetwork: true,
	})
	testutil.AssertNoError(t, err)

	token, err := b.ExchangeCode(context.Background(), "upstream-code", "the-verifier")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, token.AccessToken, "upstream-access")
	testutil.AssertEqual(t, token.RefreshToken, "upstream-refresh")
}

func TestExchangeCodeUpstreamError(t *testing.T) {
	srv := newTokenServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant"})
	})

	b, err := New(Config{
		ClientID:            "proxy-client",
		AuthURL:             srv.URL + "/authorize",
		TokenURL:            srv.URL + "/token",
		AllowPrivateNetwork: true,
	})
	testutil.AssertNoError(t, err)

	if _, err := b.ExchangeCode(context.Background(), "bad-code", "v"); err == nil {
		t.Error("expected error from upstream rejection")
	}
}

func TestRefresh(t *testing.T) {
	srv := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("refresh_token"); got != "old-refresh" {
			t.Errorf("refresh_token = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})

	b, err := New(Config{
		ClientID:            "proxy-client",
		AuthURL:             srv.URL + "/authorize",
		TokenURL:            srv.URL + "/token",
		AllowPrivateNetwork: true,
	})
	testutil.AssertNoError(t, err)

	token, err := b.Refresh(context.Background(), "old-refresh")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, token.AccessToken, "new-access")
}

func TestRevoke(t *testing.T) {
	revoked := false
	srv := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get("token"); got != "the-token" {
			t.Errorf("token = %q", got)
		}
		revoked = true
	})

	b, err := New(Config{
		ClientID:            "proxy-client",
		AuthURL:             srv.URL + "/authorize",
		TokenURL:            srv.URL + "/token",
		RevokeURL:           srv.URL + "/revoke",
		AllowPrivateNetwork: true,
	})
	testutil.AssertNoError(t, err)

	testutil.AssertNoError(t, b.Revoke(context.Background(), "the-token"))
	if !revoked {
		t.Error("revocation endpoint was not called")
	}
}

func TestRevokeWithoutEndpoint(t *testing.T) {
	b, err := New(Config{
		ClientID: "proxy-client",
		AuthURL:  "https://idp.example.com/authorize",
		TokenURL: "https://idp.example.com/token",
	})
	testutil.AssertNoError(t, err)

	// No revocation endpoint configured; Revoke is a no-op.
	testutil.AssertNoError(t, b.Revoke(context.Background(), "t"))
}

func TestPresets(t *testing.T) {
	cfg := PresetConfig{ClientID: "id", ClientSecret: "secret", RedirectURL: "https://proxy.example.com/oauth/callback"}

	gh, err := GitHub(cfg)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, gh.Name(), "github")

	g, err := Google(cfg)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, g.Name(), "google")

	w, err := WorkOS("https://auth.example.com", cfg)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, w.Name(), "workos")
	if !strings.Contains(w.AuthorizationURL("s", testutil.GenerateRandomString(50)), "auth.example.com/oauth2/authorize") {
		t.Error("workos auth URL not derived from domain")
	}

	az, err := AzureAD("common", cfg)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, az.Name(), "azuread")

	if _, err := WorkOS("", cfg); err == nil {
		t.Error("empty workos domain should fail")
	}
	if _, err := AzureAD("", cfg); err == nil {
		t.Error("empty azure tenant should fail")
	}
}
