package oauthproxy

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// TokenMode selects what the proxy's token endpoint hands to clients.
type TokenMode string

const (
	// TokenModeOpaque issues proxy-minted opaque tokens mapped to the
	// upstream tokens, which never leave the proxy. Default.
	TokenModeOpaque TokenMode = "opaque"

	// TokenModePassthrough returns the upstream tokens directly. Every
	// request to a protected resource is then verified against the
	// upstream, so pair it with a JWT verifier where possible.
	TokenModePassthrough TokenMode = "passthrough"
)

// Default lifetimes applied by applySecureDefaults.
const (
	DefaultFlowTTL         = 10 * time.Minute
	DefaultCodeTTL         = 5 * time.Minute
	DefaultAccessTokenTTL  = time.Hour
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
	DefaultMaxClientsPerIP = 20
	DefaultCallbackPath    = "/oauth/callback"
)

// RateLimitConfig holds per-IP rate limiting settings for the HTTP
// surface.
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables
	// limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool
}

// Config holds the proxy configuration.
type Config struct {
	// Issuer is the proxy's own base URL, e.g.
	// "https://mcp.example.com". It appears in metadata documents and
	// must match what clients are configured with.
	Issuer string

	// CallbackPath is the path on Issuer where the upstream provider
	// redirects back. Default "/oauth/callback".
	CallbackPath string

	// AllowedRedirectPatterns restricts which redirect URIs clients may
	// register. Patterns support "*" wildcards that never cross a path
	// segment. Nil means loopback redirects only; an explicit empty
	// slice allows everything.
	AllowedRedirectPatterns []string

	// SupportedScopes are advertised in metadata and, when non-empty,
	// requested scopes are validated against them.
	SupportedScopes []string

	// TokenMode selects opaque or passthrough token issuance.
	// Default opaque.
	TokenMode TokenMode

	// AllowPKCEPlain permits the "plain" code challenge method.
	// S256 is always accepted.
	AllowPKCEPlain bool

	// FlowTTL bounds how long an authorization transaction may stay
	// pending before the callback arrives.
	FlowTTL time.Duration

	// CodeTTL bounds the lifetime of minted authorization codes.
	CodeTTL time.Duration

	// AccessTokenTTL bounds opaque access token lifetime.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL bounds opaque refresh token lifetime.
	RefreshTokenTTL time.Duration

	// MaxClientsPerIP limits dynamic registrations per IP. Zero applies
	// the default; negative disables the limit.
	MaxClientsPerIP int

	// RateLimit configures per-IP request limiting.
	RateLimit RateLimitConfig

	// EnableAuditLogging turns on structured security event logging.
	EnableAuditLogging bool

	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger
}

// Validate checks the configuration for values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("oauthproxy: issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("oauthproxy: issuer must be an absolute URL")
	}
	if u.Scheme != "https" && !isLoopbackHost(u.Hostname()) {
		return fmt.Errorf("oauthproxy: issuer must use https")
	}
	if c.CallbackPath != "" && !strings.HasPrefix(c.CallbackPath, "/") {
		return fmt.Errorf("oauthproxy: callback path must start with /")
	}
	switch c.TokenMode {
	case "", TokenModeOpaque, TokenModePassthrough:
	default:
		return fmt.Errorf("oauthproxy: unknown token mode %q", c.TokenMode)
	}
	return nil
}

// applySecureDefaults fills zero values with the secure defaults and logs
// any weakening the caller opted into.
func applySecureDefaults(c *Config, logger *slog.Logger) {
	if c.CallbackPath == "" {
		c.CallbackPath = DefaultCallbackPath
	}
	if c.TokenMode == "" {
		c.TokenMode = TokenModeOpaque
	}
	if c.FlowTTL <= 0 {
		c.FlowTTL = DefaultFlowTTL
	}
	if c.CodeTTL <= 0 {
		c.CodeTTL = DefaultCodeTTL
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if c.MaxClientsPerIP == 0 {
		c.MaxClientsPerIP = DefaultMaxClientsPerIP
	}

	if c.AllowPKCEPlain {
		logger.Warn("plain PKCE method enabled; S256 is strongly preferred")
	}
	if len(c.AllowedRedirectPatterns) > 0 || c.AllowedRedirectPatterns == nil {
		return
	}
	logger.Warn("redirect URI validation disabled; any redirect URI may be registered")
}

// CallbackURL is the absolute URL the upstream provider redirects to. It
// applies the default callback path so the URL is usable before the
// configuration has been defaulted, e.g. when building the upstream
// broker ahead of NewServer.
func (c *Config) CallbackURL() string {
	path := c.CallbackPath
	if path == "" {
		path = DefaultCallbackPath
	}
	return strings.TrimRight(c.Issuer, "/") + path
}

func isLoopbackHost(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
