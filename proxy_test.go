package oauthproxy

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/valenzuelaomar/mcp-oauth-proxy/internal/testutil"
	"github.com/valenzuelaomar/mcp-oauth-proxy/storage/memory"
	"github.com/valenzuelaomar/mcp-oauth-proxy/verifier"
)

// fakeBroker simulates the upstream provider.
type fakeBroker struct {
	mu          sync.Mutex
	exchangeErr error
	refreshErr  error
	exchanges   []string // verifiers presented at exchange
	revoked     []string
	counter     int
}

func (b *fakeBroker) Name() string { return "fake" }

func (b *fakeBroker) AuthorizationURL(state, verifier string) string {
	return "https://idp.example.com/authorize?state=" + url.QueryEscape(state)
}

func (b *fakeBroker) ExchangeCode(_ context.Context, code, verifier string) (*oauth2.Token, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exchangeErr != nil {
		return nil, b.exchangeErr
	}
	b.exchanges = append(b.exchanges, verifier)
	return &oauth2.Token{
		AccessToken:  "upstream-access",
		RefreshToken: "upstream-refresh",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

func (b *fakeBroker) Refresh(_ context.Context, refreshToken string) (*oauth2.Token, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refreshErr != nil {
		return nil, b.refreshErr
	}
	b.counter++
	return &oauth2.Token{
		AccessToken:  fmt.Sprintf("upstream-access-%d", b.counter),
		RefreshToken: "upstream-refresh",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

func (b *fakeBroker) Revoke(_ context.Context, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revoked = append(b.revoked, token)
	return nil
}

type testEnv struct {
	server *Server
	broker *fakeBroker
	client *ClientRegistrationResponse
	secret string
}

func newTestEnv(t *testing.T, mutate func(cfg *Config)) *testEnv {
	t.Helper()

	store := memory.NewWithInterval(nil, 0)
	t.Cleanup(store.Stop)

	// The static verifier recognizes every upstream token the fake
	// broker can mint.
	tokens := map[string]*verifier.Principal{
		"upstream-access": {Subject: "user-42", Scopes: []string{"openid", "read"}},
	}
	for i := 1; i < 10; i++ {
		tokens[fmt.Sprintf("upstream-access-%d", i)] = &verifier.Principal{
			Subject: "user-42", Scopes: []string{"openid", "read"},
		}
	}
	v, err := verifier.NewStatic(tokens)
	testutil.AssertNoError(t, err)

	cfg := &Config{
		Issuer:                  "https://proxy.example.com",
		AllowedRedirectPatterns: []string{"https://*.example.com/*"},
		EnableAuditLogging:      true,
	}
	if mutate != nil {
		mutate(cfg)
	}

	broker := &fakeBroker{}
	srv, err := NewServer(cfg, store, broker, v)
	testutil.AssertNoError(t, err)

	reg, err := srv.RegisterClient(context.Background(), &ClientRegistrationRequest{
		RedirectURIs:            []string{"https://app.example.com/cb"},
		TokenEndpointAuthMethod: "client_secret_basic",
		ClientName:              "Test App",
	}, "203.0.113.9")
	testutil.AssertNoError(t, err)

	return &testEnv{server: srv, broker: broker, client: reg, secret: reg.ClientSecret}
}

// runToCode drives a flow up to the minted authorization code.
func (e *testEnv) runToCode(t *testing.T, challenge string) *CallbackResult {
	t.Helper()
	ctx := context.Background()

	redirectURL, err := e.server.StartAuthorization(ctx, AuthorizationRequest{
		ClientID:            e.client.ClientID,
		RedirectURI:         "https://app.example.com/cb",
		ResponseType:        "code",
		Scope:               "openid read",
		State:               "client-state-xyz",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	})
	testutil.AssertNoError(t, err)

	u, err := url.Parse(redirectURL)
	testutil.AssertNoError(t, err)
	txnID := u.Query().Get("state")
	if txnID == "" {
		t.Fatal("upstream redirect carries no state")
	}

	result, err := e.server.HandleCallback(ctx, txnID, "upstream-code", "", "")
	testutil.AssertNoError(t, err)
	return result
}

func TestFullAuthorizationFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	challenge, codeVerifier := testutil.GeneratePKCEPair()

	result := env.runToCode(t, challenge)
	if result.Code == "" {
		t.Fatal("no code minted")
	}
	testutil.AssertEqual(t, result.State, "client-state-xyz")
	testutil.AssertEqual(t, result.RedirectURI, "https://app.example.com/cb")

	// The proxy sends its own PKCE verifier upstream, never the
	// client's.
	if len(env.broker.exchanges) != 1 {
		t.Fatalf("upstream exchanges = %d, want 1", len(env.broker.exchanges))
	}
	if env.broker.exchanges[0] == codeVerifier {
		t.Error("client PKCE verifier leaked upstream")
	}

	client, err := env.server.store.GetClient(ctx, env.client.ClientID)
	testutil.AssertNoError(t, err)

	resp, err := env.server.ExchangeCode(ctx, client, result.Code, "https://app.example.com/cb", codeVerifier)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, resp.TokenType, "Bearer")
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatal("token response incomplete")
	}
	// Opaque mode: the upstream token never reaches the client.
	if resp.AccessToken == "upstream-access" {
		t.Error("upstream token leaked to client")
	}

	principal, err := env.server.VerifyToken(ctx, resp.AccessToken)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, principal.Subject, "user-42")
	testutil.AssertEqual(t, principal.ClientID, env.client.ClientID)
}

func TestCodeReplayRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	challenge, codeVerifier := testutil.GeneratePKCEPair()

	result := env.runToCode(t, challenge)
	client, err := env.server.store.GetClient(ctx, env.client.ClientID)
	testutil.AssertNoError(t, err)

	_, err = env.server.ExchangeCode(ctx, client, result.Code, "https://app.example.com/cb", codeVerifier)
	testutil.AssertNoError(t, err)

	_, err = env.server.ExchangeCode(ctx, client, result.Code, "https://app.example.com/cb", codeVerifier)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestPKCEMismatchRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	challenge, _ := testutil.GeneratePKCEPair()
	_, wrongVerifier := testutil.GeneratePKCEPair()

	result := env.runToCode(t, challenge)
	client, err := env.server.store.GetClient(ctx, env.client.ClientID)
	testutil.AssertNoError(t, err)

	_, err = env.server.ExchangeCode(ctx, client, result.Code, "https://app.example.com/cb", wrongVerifier)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)

	// The code was consumed by the failed attempt; a retry with the
	// right verifier must not succeed either.
	challenge2, codeVerifier2 := testutil.GeneratePKCEPair()
	result2 := env.runToCode(t, challenge2)
	_, err = env.server.ExchangeCode(ctx, client, result2.Code, "https://app.example.com/cb", "short")
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
	_, err = env.server.ExchangeCode(ctx, client, result2.Code, "https://app.example.com/cb", codeVerifier2)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestExchangeBindingChecks(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	challenge, codeVerifier := testutil.GeneratePKCEPair()

	// A second registered client must not be able to redeem the code.
	other, err := env.server.RegisterClient(ctx, &ClientRegistrationRequest{
		RedirectURIs: []string{"https://other.example.com/cb"},
	}, "203.0.113.10")
	testutil.AssertNoError(t, err)
	otherClient, err := env.server.store.GetClient(ctx, other.ClientID)
	testutil.AssertNoError(t, err)

	result := env.runToCode(t, challenge)
	_, err = env.server.ExchangeCode(ctx, otherClient, result.Code, "https://app.example.com/cb", codeVerifier)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)

	// Redirect URI mismatch on a fresh code.
	challenge2, codeVerifier2 := testutil.GeneratePKCEPair()
	result2 := env.runToCode(t, challenge2)
	client, err := env.server.store.GetClient(ctx, env.client.ClientID)
	testutil.AssertNoError(t, err)
	_, err = env.server.ExchangeCode(ctx, client, result2.Code, "https://app.example.com/evil", codeVerifier2)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestStartAuthorizationValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	challenge, _ := testutil.GeneratePKCEPair()

	base := AuthorizationRequest{
		ClientID:            env.client.ClientID,
		RedirectURI:         "https://app.example.com/cb",
		ResponseType:        "code",
		State:               "client-state-xyz",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	}

	tests := []struct {
		name     string
		mutate   func(r *AuthorizationRequest)
		wantCode string
	}{
		{"unknown client", func(r *AuthorizationRequest) { r.ClientID = "nope" }, ErrorCodeInvalidClient},
		{"unregistered redirect", func(r *AuthorizationRequest) { r.RedirectURI = "https://evil.example.com/cb" }, ErrorCodeInvalidRedirectURI},
		{"wrong response type", func(r *AuthorizationRequest) { r.ResponseType = "token" }, ErrorCodeInvalidRequest},
		{"missing state", func(r *AuthorizationRequest) { r.State = "" }, ErrorCodeInvalidRequest},
		{"missing challenge", func(r *AuthorizationRequest) { r.CodeChallenge = "" }, ErrorCodeInvalidRequest},
		{"plain not allowed", func(r *AuthorizationRequest) { r.CodeChallengeMethod = "plain" }, ErrorCodeInvalidRequest},
		{"unknown method", func(r *AuthorizationRequest) { r.CodeChallengeMethod = "S512" }, ErrorCodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			_, err := env.server.StartAuthorization(ctx, req)
			assertOAuthError(t, err, tt.wantCode)
		})
	}
}

func TestCallbackUnknownTransaction(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.server.HandleCallback(context.Background(), "bogus-txn", "code", "", "")
	assertOAuthError(t, err, ErrorCodeInvalidRequest)
}

func TestCallbackReplayRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	challenge, _ := testutil.GeneratePKCEPair()

	redirectURL, err := env.server.StartAuthorization(ctx, AuthorizationRequest{
		ClientID:            env.client.ClientID,
		RedirectURI:         "https://app.example.com/cb",
		ResponseType:        "code",
		State:               "client-state-xyz",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	})
	testutil.AssertNoError(t, err)
	u, _ := url.Parse(redirectURL)
	txnID := u.Query().Get("state")

	_, err = env.server.HandleCallback(ctx, txnID, "upstream-code", "", "")
	testutil.AssertNoError(t, err)

	// The transaction was consumed; replaying the callback fails hard.
	_, err = env.server.HandleCallback(ctx, txnID, "upstream-code", "", "")
	assertOAuthError(t, err, ErrorCodeInvalidRequest)
}

func TestCallbackRelaysUpstreamDenial(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	challenge, _ := testutil.GeneratePKCEPair()

	redirectURL, err := env.server.StartAuthorization(ctx, AuthorizationRequest{
		ClientID:            env.client.ClientID,
		RedirectURI:         "https://app.example.com/cb",
		ResponseType:        "code",
		State:               "client-state-xyz",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	})
	testutil.AssertNoError(t, err)
	u, _ := url.Parse(redirectURL)

	result, err := env.server.HandleCallback(ctx, u.Query().Get("state"), "", "access_denied", "user said no")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, result.ErrorCode, "access_denied")
	testutil.AssertEqual(t, result.State, "client-state-xyz")
	if result.Code != "" {
		t.Error("denied flow must not mint a code")
	}

	// Unrecognized upstream error codes are normalized.
	redirectURL, err = env.server.StartAuthorization(ctx, AuthorizationRequest{
		ClientID:            env.client.ClientID,
		RedirectURI:         "https://app.example.com/cb",
		ResponseType:        "code",
		State:               "s2",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	})
	testutil.AssertNoError(t, err)
	u, _ = url.Parse(redirectURL)
	result, err = env.server.HandleCallback(ctx, u.Query().Get("state"), "", "weird_<script>", "")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, result.ErrorCode, ErrorCodeAccessDenied)
}

func TestGrantTypesEnforcedAtTokenEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	challenge, codeVerifier := testutil.GeneratePKCEPair()

	// A client registered for authorization_code only must not be able
	// to use the refresh_token grant.
	reg, err := env.server.RegisterClient(ctx, &ClientRegistrationRequest{
		RedirectURIs:            []string{"https://app.example.com/cb"},
		TokenEndpointAuthMethod: "client_secret_basic",
		GrantTypes:              []string{"authorization_code"},
	}, "203.0.113.10")
	testutil.AssertNoError(t, err)

	redirectURL, err := env.server.StartAuthorization(ctx, AuthorizationRequest{
		ClientID:            reg.ClientID,
		RedirectURI:         "https://app.example.com/cb",
		ResponseType:        "code",
		State:               "client-state-xyz",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	})
	testutil.AssertNoError(t, err)
	u, err := url.Parse(redirectURL)
	testutil.AssertNoError(t, err)
	result, err := env.server.HandleCallback(ctx, u.Query().Get("state"), "upstream-code", "", "")
	testutil.AssertNoError(t, err)

	client, err := env.server.store.GetClient(ctx, reg.ClientID)
	testutil.AssertNoError(t, err)
	resp, err := env.server.ExchangeCode(ctx, client, result.Code, "https://app.example.com/cb", codeVerifier)
	testutil.AssertNoError(t, err)

	_, err = env.server.Refresh(ctx, client, resp.RefreshToken)
	assertOAuthError(t, err, ErrorCodeUnauthorizedClient)

	// And the other way around: no authorization_code grant means no
	// code exchange.
	client.GrantTypes = []string{"refresh_token"}
	_, err = env.server.ExchangeCode(ctx, client, "whatever", "https://app.example.com/cb", codeVerifier)
	assertOAuthError(t, err, ErrorCodeUnauthorizedClient)
}

func TestRefreshRotation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	challenge, codeVerifier := testutil.GeneratePKCEPair()

	result := env.runToCode(t, challenge)
	client, err := env.server.store.GetClient(ctx, env.client.ClientID)
	testutil.AssertNoError(t, err)

	first, err := env.server.ExchangeCode(ctx, client, result.Code, "https://app.example.com/cb", codeVerifier)
	testutil.AssertNoError(t, err)

	second, err := env.server.Refresh(ctx, client, first.RefreshToken)
	testutil.AssertNoError(t, err)
	if second.AccessToken == first.AccessToken || second.RefreshToken == first.RefreshToken {
		t.Error("refresh must rotate both tokens")
	}

	// The old pair is dead.
	if _, err := env.server.VerifyToken(ctx, first.AccessToken); err == nil {
		t.Error("old access token still valid after rotation")
	}
	_, err = env.server.Refresh(ctx, client, first.RefreshToken)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)

	// The new pair works.
	principal, err := env.server.VerifyToken(ctx, second.AccessToken)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, principal.Subject, "user-42")
}

func TestRevoke(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	challenge, codeVerifier := testutil.GeneratePKCEPair()

	result := env.runToCode(t, challenge)
	client, err := env.server.store.GetClient(ctx, env.client.ClientID)
	testutil.AssertNoError(t, err)

	resp, err := env.server.ExchangeCode(ctx, client, result.Code, "https://app.example.com/cb", codeVerifier)
	testutil.AssertNoError(t, err)

	testutil.AssertNoError(t, env.server.Revoke(ctx, client, resp.AccessToken))
	if _, err := env.server.VerifyToken(ctx, resp.AccessToken); err == nil {
		t.Error("revoked token still valid")
	}
	if len(env.broker.revoked) == 0 {
		t.Error("upstream revocation not attempted")
	}

	// Unknown tokens succeed silently.
	testutil.AssertNoError(t, env.server.Revoke(ctx, client, "no-such-token"))
}

func TestPassthroughMode(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.TokenMode = TokenModePassthrough })
	ctx := context.Background()
	challenge, codeVerifier := testutil.GeneratePKCEPair()

	result := env.runToCode(t, challenge)
	client, err := env.server.store.GetClient(ctx, env.client.ClientID)
	testutil.AssertNoError(t, err)

	resp, err := env.server.ExchangeCode(ctx, client, result.Code, "https://app.example.com/cb", codeVerifier)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, resp.AccessToken, "upstream-access")
	testutil.AssertEqual(t, resp.RefreshToken, "upstream-refresh")

	// Verification goes to the verifier directly.
	principal, err := env.server.VerifyToken(ctx, "upstream-access")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, principal.Subject, "user-42")
}

func TestRegistrationRedirectValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.server.RegisterClient(ctx, &ClientRegistrationRequest{
		RedirectURIs: []string{"https://evil.attacker.net/cb"},
	}, "203.0.113.9")
	assertOAuthError(t, err, ErrorCodeInvalidRedirectURI)

	_, err = env.server.RegisterClient(ctx, &ClientRegistrationRequest{}, "203.0.113.9")
	assertOAuthError(t, err, ErrorCodeInvalidRequest)
}

func TestRegistrationPerIPLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.MaxClientsPerIP = 2 })
	ctx := context.Background()

	// The fixture already registered one client from 203.0.113.9.
	_, err := env.server.RegisterClient(ctx, &ClientRegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/cb"},
	}, "203.0.113.9")
	testutil.AssertNoError(t, err)

	_, err = env.server.RegisterClient(ctx, &ClientRegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/cb"},
	}, "203.0.113.9")
	assertOAuthError(t, err, ErrorCodeInvalidRequest)

	// A different IP is unaffected.
	_, err = env.server.RegisterClient(ctx, &ClientRegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/cb"},
	}, "198.51.100.7")
	testutil.AssertNoError(t, err)
}

func TestClientAuthentication(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.server.authenticateClient(ctx, env.client.ClientID, env.secret)
	testutil.AssertNoError(t, err)

	_, err = env.server.authenticateClient(ctx, env.client.ClientID, "wrong-secret")
	assertOAuthError(t, err, ErrorCodeInvalidClient)

	_, err = env.server.authenticateClient(ctx, env.client.ClientID, "")
	assertOAuthError(t, err, ErrorCodeInvalidClient)

	_, err = env.server.authenticateClient(ctx, "unknown", "secret")
	assertOAuthError(t, err, ErrorCodeInvalidClient)
}

func TestScopeValidation(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.SupportedScopes = []string{"openid", "read"} })
	ctx := context.Background()
	challenge, _ := testutil.GeneratePKCEPair()

	_, err := env.server.StartAuthorization(ctx, AuthorizationRequest{
		ClientID:            env.client.ClientID,
		RedirectURI:         "https://app.example.com/cb",
		ResponseType:        "code",
		Scope:               "openid admin",
		State:               "client-state-xyz",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	})
	assertOAuthError(t, err, ErrorCodeInvalidScope)
}

func assertOAuthError(t *testing.T, err error, wantCode string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", wantCode)
	}
	oauthErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("error type = %T (%v), want *Error", err, err)
	}
	if oauthErr.Code != wantCode {
		t.Fatalf("error code = %q, want %q", oauthErr.Code, wantCode)
	}
}
