package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/valenzuelaomar/mcp-oauth-proxy/security"
)

const (
	introspectionTimeout    = 10 * time.Second
	maxIntrospectionBodyLen = 1 << 20
)

// IntrospectionConfig configures an RFC 7662 introspection verifier.
type IntrospectionConfig struct {
	// Endpoint is the introspection endpoint URL.
	Endpoint string

	// ClientID and ClientSecret authenticate the proxy to the
	// introspection endpoint via HTTP basic auth.
	ClientID     string
	ClientSecret string

	// RequiredScopes must all be present in the introspection response.
	RequiredScopes []string

	// AllowPrivateNetwork permits http and private addresses for the
	// endpoint. Intended for tests and on-cluster IdPs.
	AllowPrivateNetwork bool

	// HTTPClient overrides the default client.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Introspection validates tokens by posting them to an RFC 7662 token
// introspection endpoint.
type Introspection struct {
	endpoint       string
	clientID       string
	clientSecret   string
	requiredScopes []string
	client         *http.Client
	logger         *slog.Logger
}

var _ Verifier = (*Introspection)(nil)

// introspectionResponse is the subset of the RFC 7662 response the proxy
// consumes.
type introspectionResponse struct {
	Active   bool   `json:"active"`
	Subject  string `json:"sub"`
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
	Exp      int64  `json:"exp"`
	Username string `json:"username"`
}

// NewIntrospection creates an introspection verifier. The endpoint is
// validated against SSRF at construction.
func NewIntrospection(cfg IntrospectionConfig) (*Introspection, error) {
	if err := security.ValidateUpstreamEndpoint(cfg.Endpoint, cfg.AllowPrivateNetwork); err != nil {
		return nil, fmt.Errorf("verifier: introspection endpoint: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: introspectionTimeout}
	}
	return &Introspection{
		endpoint:       cfg.Endpoint,
		clientID:       cfg.ClientID,
		clientSecret:   cfg.ClientSecret,
		requiredScopes: cfg.RequiredScopes,
		client:         client,
		logger:         logger,
	}, nil
}

// Verify posts the token to the introspection endpoint. An inactive
// response is ErrInvalidToken; transport failures and non-200 statuses are
// infrastructure errors so the caller can answer 503 rather than 401.
func (v *Introspection) Verify(ctx context.Context, token string) (*Principal, error) {
	form := url.Values{
		"token":           {token},
		"token_type_hint": {"access_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("verifier: build introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if v.clientID != "" {
		req.SetBasicAuth(url.QueryEscape(v.clientID), url.QueryEscape(v.clientSecret))
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verifier: introspection request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("verifier: introspection endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxIntrospectionBodyLen))
	if err != nil {
		return nil, fmt.Errorf("verifier: read introspection response: %w", err)
	}

	var ir introspectionResponse
	if err := json.Unmarshal(body, &ir); err != nil {
		return nil, fmt.Errorf("verifier: decode introspection response: %w", err)
	}

	if !ir.Active {
		return nil, ErrInvalidToken
	}

	subject := ir.Subject
	if subject == "" {
		subject = ir.Username
	}
	if subject == "" {
		v.logger.Debug("active introspection response has no subject")
		return nil, ErrInvalidToken
	}

	p := &Principal{
		Subject:  subject,
		ClientID: ir.ClientID,
		Scopes:   strings.Fields(ir.Scope),
	}
	if ir.Exp > 0 {
		p.ExpiresAt = time.Unix(ir.Exp, 0)
		if time.Now().After(p.ExpiresAt) {
			return nil, ErrInvalidToken
		}
	}
	if !hasRequiredScopes(p.Scopes, v.requiredScopes) {
		v.logger.Debug("introspected token missing required scopes", "subject", p.Subject)
		return nil, ErrInvalidToken
	}
	return p, nil
}
