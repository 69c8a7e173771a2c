// Package upstream talks to the upstream identity provider: building
// authorization redirects, exchanging and refreshing codes and tokens, and
// revoking upstream tokens.
package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/valenzuelaomar/mcp-oauth-proxy/security"
)

const revokeTimeout = 10 * time.Second

// Broker abstracts the upstream provider so the proxy core does not care
// which IdP sits behind it.
type Broker interface {
	// Name identifies the provider in logs.
	Name() string

	// AuthorizationURL builds the upstream authorization redirect.
	// state is the proxy's transaction ID and verifier is the proxy's
	// own PKCE verifier; the S256 challenge derived from it is what
	// goes upstream, never the client's challenge.
	AuthorizationURL(state, verifier string) string

	// ExchangeCode swaps the provider's authorization code for tokens,
	// presenting the PKCE verifier from AuthorizationURL.
	ExchangeCode(ctx context.Context, code, verifier string) (*oauth2.Token, error)

	// Refresh exchanges an upstream refresh token for fresh tokens.
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// Revoke revokes an upstream token. Providers without a revocation
	// endpoint return nil.
	Revoke(ctx context.Context, token string) error
}

// Config configures an OAuth2 broker.
type Config struct {
	// Name identifies the provider in logs, e.g. "github".
	Name string

	ClientID     string
	ClientSecret string

	// AuthURL and TokenURL are the provider's OAuth2 endpoints.
	AuthURL  string
	TokenURL string

	// RevokeURL is the RFC 7009 revocation endpoint. Empty disables
	// upstream revocation.
	RevokeURL string

	// RedirectURL is the proxy's own callback URL registered with the
	// provider.
	RedirectURL string

	// Scopes are requested on every authorization.
	Scopes []string

	// ExtraAuthParams are appended to every authorization URL, for
	// provider quirks such as Google's access_type=offline.
	ExtraAuthParams map[string]string

	// AllowPrivateNetwork permits http and private addresses for the
	// provider endpoints. Intended for tests and on-cluster IdPs.
	AllowPrivateNetwork bool

	// HTTPClient overrides the client used for token and revocation
	// requests.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// OAuth2Broker is the standard Broker implementation backed by
// golang.org/x/oauth2. All built-in presets produce one.
type OAuth2Broker struct {
	name      string
	oauth     oauth2.Config
	revokeURL string
	extra     []oauth2.AuthCodeOption
	client    *http.Client
	logger    *slog.Logger
}

var _ Broker = (*OAuth2Broker)(nil)

// New creates a broker from cfg. Endpoints are validated against SSRF at
// construction.
func New(cfg Config) (*OAuth2Broker, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("upstream: client ID is required")
	}
	for _, ep := range []string{cfg.AuthURL, cfg.TokenURL} {
		if err := security.ValidateUpstreamEndpoint(ep, cfg.AllowPrivateNetwork); err != nil {
			return nil, fmt.Errorf("upstream: %w", err)
		}
	}
	if cfg.RevokeURL != "" {
		if err := security.ValidateUpstreamEndpoint(cfg.RevokeURL, cfg.AllowPrivateNetwork); err != nil {
			return nil, fmt.Errorf("upstream: %w", err)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var extra []oauth2.AuthCodeOption
	for k, v := range cfg.ExtraAuthParams {
		extra = append(extra, oauth2.SetAuthURLParam(k, v))
	}

	return &OAuth2Broker{
		name: cfg.Name,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		revokeURL: cfg.RevokeURL,
		extra:     extra,
		client:    cfg.HTTPClient,
		logger:    logger,
	}, nil
}

// Name identifies the provider.
func (b *OAuth2Broker) Name() string { return b.name }

// AuthorizationURL builds the upstream redirect carrying the proxy's PKCE
// challenge.
func (b *OAuth2Broker) AuthorizationURL(state, verifier string) string {
	opts := append([]oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}, b.extra...)
	return b.oauth.AuthCodeURL(state, opts...)
}

// ExchangeCode swaps the provider code for tokens.
func (b *OAuth2Broker) ExchangeCode(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	token, err := b.oauth.Exchange(b.httpContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("upstream: exchange with %s failed: %w", b.name, err)
	}
	return token, nil
}

// Refresh exchanges an upstream refresh token for fresh tokens.
func (b *OAuth2Broker) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	src := b.oauth.TokenSource(b.httpContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("upstream: refresh with %s failed: %w", b.name, err)
	}
	return token, nil
}

// Revoke posts the token to the RFC 7009 revocation endpoint. Missing
// endpoints and upstream failures are logged but not returned; local
// revocation must not depend on the provider cooperating.
func (b *OAuth2Broker) Revoke(ctx context.Context, token string) error {
	if b.revokeURL == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, revokeTimeout)
	defer cancel()

	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("upstream: build revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(b.oauth.ClientID), url.QueryEscape(b.oauth.ClientSecret))

	client := b.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		b.logger.Warn("upstream revocation failed", "provider", b.name, "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b.logger.Warn("upstream revocation rejected", "provider", b.name, "status", resp.StatusCode)
	}
	return nil
}

// httpContext injects the configured HTTP client into the oauth2 library.
func (b *OAuth2Broker) httpContext(ctx context.Context) context.Context {
	if b.client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, b.client)
}
