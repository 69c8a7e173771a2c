package upstream

import (
	"fmt"
	"strings"

	"golang.org/x/oauth2/endpoints"
)

// PresetConfig carries the per-deployment values a preset cannot know.
type PresetConfig struct {
	ClientID     string
	ClientSecret string

	// RedirectURL is the proxy's callback URL registered with the
	// provider.
	RedirectURL string

	// Scopes overrides the preset's defaults when non-empty.
	Scopes []string
}

// GitHub builds a broker for GitHub OAuth apps. Pair it with the GitHub
// verifier; GitHub tokens are opaque and cannot be validated offline.
func GitHub(cfg PresetConfig) (*OAuth2Broker, error) {
	return New(Config{
		Name:         "github",
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		AuthURL:      endpoints.GitHub.AuthURL,
		TokenURL:     endpoints.GitHub.TokenURL,
		Scopes:       scopesOrDefault(cfg.Scopes, []string{"read:user", "user:email"}),
	})
}

// Google builds a broker for Google OAuth. access_type=offline is always
// requested so refresh tokens are issued.
func Google(cfg PresetConfig) (*OAuth2Broker, error) {
	return New(Config{
		Name:         "google",
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		AuthURL:      endpoints.Google.AuthURL,
		TokenURL:     endpoints.Google.TokenURL,
		RevokeURL:    "https://oauth2.googleapis.com/revoke",
		Scopes:       scopesOrDefault(cfg.Scopes, []string{"openid", "email", "profile"}),
		ExtraAuthParams: map[string]string{
			"access_type": "offline",
			"prompt":      "consent",
		},
	})
}

// WorkOS builds a broker for a WorkOS AuthKit domain such as
// "https://auth.example.com". Pair it with a JWT verifier pointed at the
// domain's JWKS endpoint.
func WorkOS(domain string, cfg PresetConfig) (*OAuth2Broker, error) {
	domain = strings.TrimRight(domain, "/")
	if domain == "" {
		return nil, fmt.Errorf("upstream: workos domain is required")
	}
	return New(Config{
		Name:         "workos",
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		AuthURL:      domain + "/oauth2/authorize",
		TokenURL:     domain + "/oauth2/token",
		RevokeURL:    domain + "/oauth2/revoke",
		Scopes:       scopesOrDefault(cfg.Scopes, []string{"openid", "profile", "email"}),
	})
}

// AzureAD builds a broker for a Microsoft Entra ID tenant. Use tenant
// "common" for multi-tenant apps. Pair it with a JWT verifier pointed at
// the tenant's JWKS endpoint.
func AzureAD(tenant string, cfg PresetConfig) (*OAuth2Broker, error) {
	if tenant == "" {
		return nil, fmt.Errorf("upstream: azure tenant is required")
	}
	ep := endpoints.AzureAD(tenant)
	return New(Config{
		Name:         "azuread",
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		AuthURL:      ep.AuthURL,
		TokenURL:     ep.TokenURL,
		Scopes:       scopesOrDefault(cfg.Scopes, []string{"openid", "profile", "email", "offline_access"}),
	})
}

func scopesOrDefault(scopes, defaults []string) []string {
	if len(scopes) > 0 {
		return scopes
	}
	return defaults
}
