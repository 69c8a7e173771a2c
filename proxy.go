// Package oauthproxy implements an OAuth 2.1 authorization server that
// fronts an upstream identity provider for MCP servers. Clients register
// dynamically and run a full PKCE code flow against the proxy; the proxy
// runs its own PKCE flow against the upstream provider and never exposes
// the provider's client credentials.
package oauthproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"

	"github.com/valenzuelaomar/mcp-oauth-proxy/instrumentation"
	"github.com/valenzuelaomar/mcp-oauth-proxy/security"
	"github.com/valenzuelaomar/mcp-oauth-proxy/storage"
	"github.com/valenzuelaomar/mcp-oauth-proxy/upstream"
	"github.com/valenzuelaomar/mcp-oauth-proxy/verifier"
)

// PKCE constants per RFC 7636.
const (
	pkceMethodS256  = "S256"
	pkceMethodPlain = "plain"

	minVerifierLength = 43
	maxVerifierLength = 128
)

// Server implements the proxy's core flow logic. Handler adapts it to
// HTTP; the methods here take parsed parameters and return either results
// or *Error values ready for the wire.
type Server struct {
	cfg      *Config
	store    storage.Store
	broker   upstream.Broker
	verifier verifier.Verifier
	auditor  *security.Auditor
	metrics  *instrumentation.Metrics
	logger   *slog.Logger
}

// NewServer creates a proxy server. The store holds clients, flows, and
// issued tokens; the broker talks to the upstream provider; the verifier
// validates tokens at protected resources.
func NewServer(cfg *Config, store storage.Store, broker upstream.Broker, v verifier.Verifier) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("oauthproxy: store is required")
	}
	if broker == nil {
		return nil, fmt.Errorf("oauthproxy: upstream broker is required")
	}
	if v == nil {
		return nil, fmt.Errorf("oauthproxy: verifier is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	applySecureDefaults(cfg, logger)

	s := &Server{
		cfg:      cfg,
		store:    store,
		broker:   broker,
		verifier: v,
		metrics:  instrumentation.NewMetrics(logger),
		logger:   logger,
	}
	if cfg.EnableAuditLogging {
		s.auditor = security.NewAuditor(logger)
	}
	return s, nil
}

// Config returns the effective configuration after defaulting.
func (s *Server) Config() *Config { return s.cfg }

func (s *Server) audit(ev security.Event) {
	s.auditor.Log(ev)
}

// AuthorizationRequest carries the parsed parameters of an /authorize
// request.
type AuthorizationRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// StartAuthorization validates an authorization request, records the
// transaction, and returns the upstream redirect URL. The transaction ID
// doubles as the upstream state parameter; the client's PKCE challenge is
// held for the token endpoint and a fresh proxy-owned PKCE pair goes
// upstream instead.
func (s *Server) StartAuthorization(ctx context.Context, req AuthorizationRequest) (redirectURL string, err error) {
	ctx, span := instrumentation.StartSpan(ctx, "oauth.authorize",
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrProvider, s.broker.Name()))
	defer func() { instrumentation.EndSpan(span, err) }()

	client, err := s.store.GetClient(ctx, req.ClientID)
	if err != nil {
		// 401 belongs to the token endpoint; at /authorize an unknown
		// client is a malformed request.
		return "", NewError(ErrorCodeInvalidClient, "unknown client", http.StatusBadRequest)
	}

	// The redirect URI must exactly match a registered one. Pattern
	// matching happened at registration; echoing looser rules here
	// would let one registered URI authorize redirects to another.
	if !clientHasRedirectURI(client, req.RedirectURI) {
		s.audit(security.Event{
			Type:     security.EventRedirectRejected,
			ClientID: req.ClientID,
			Details:  map[string]any{"redirect_uri": req.RedirectURI},
		})
		return "", ErrInvalidRedirectURI("redirect URI is not registered for this client")
	}

	if req.ResponseType != "code" {
		return "", ErrInvalidRequest(fmt.Sprintf("unsupported response type %q", req.ResponseType))
	}
	if req.State == "" {
		return "", ErrInvalidRequest("state parameter is required")
	}
	if err := s.validatePKCERequest(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		return "", err
	}
	if err := s.validateScopes(strings.Fields(req.Scope)); err != nil {
		return "", err
	}

	now := time.Now()
	pa := &storage.PendingAuthorization{
		TxnID:               security.RandomToken(),
		ClientID:            client.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: normalizeChallengeMethod(req.CodeChallengeMethod),
		ProxyCodeVerifier:   oauth2.GenerateVerifier(),
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.cfg.FlowTTL),
	}
	if err := s.store.SavePendingAuthorization(ctx, pa); err != nil {
		return "", ErrServerError("failed to start authorization")
	}

	s.logger.Info("authorization flow started",
		"client_id", client.ClientID,
		"provider", s.broker.Name())
	s.audit(security.Event{
		Type:     security.EventAuthorizationStarted,
		ClientID: client.ClientID,
	})
	s.metrics.FlowStarted(ctx)

	return s.broker.AuthorizationURL(pa.TxnID, pa.ProxyCodeVerifier), nil
}

// validatePKCERequest checks challenge presence and method at the
// authorization endpoint. PKCE is mandatory for every client.
func (s *Server) validatePKCERequest(challenge, method string) error {
	if challenge == "" {
		return ErrInvalidRequest("code_challenge is required")
	}
	switch normalizeChallengeMethod(method) {
	case pkceMethodS256:
		return nil
	case pkceMethodPlain:
		if !s.cfg.AllowPKCEPlain {
			return ErrInvalidRequest("plain code_challenge_method is not allowed")
		}
		return nil
	default:
		return ErrInvalidRequest(fmt.Sprintf("unsupported code_challenge_method %q", method))
	}
}

func normalizeChallengeMethod(method string) string {
	if method == "" {
		return pkceMethodS256
	}
	return method
}

// clientAllowsGrant checks the grant types fixed at registration time.
func clientAllowsGrant(client *storage.Client, grant string) bool {
	for _, gt := range client.GrantTypes {
		if gt == grant {
			return true
		}
	}
	return false
}

func errGrantNotRegistered() *Error {
	return NewError(ErrorCodeUnauthorizedClient,
		"client is not registered for this grant type", http.StatusBadRequest)
}

func clientHasRedirectURI(client *storage.Client, uri string) bool {
	for _, registered := range client.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// CallbackResult tells the HTTP layer where to send the user-agent after
// the provider callback. ErrorCode is set when the flow failed in a way
// that still permits a redirect to the client.
type CallbackResult struct {
	RedirectURI string
	Code        string
	State       string
	ErrorCode   string
	ErrorDesc   string
}

// HandleCallback processes the upstream provider's redirect. The state
// parameter is the transaction ID; an unknown or reused one is a hard
// error with no redirect, since there is no trusted URI to redirect to.
// With a valid transaction, upstream denials are relayed to the client
// and a successful code is exchanged upstream and replaced with a
// proxy-minted single-use code bound to the client's PKCE challenge.
func (s *Server) HandleCallback(ctx context.Context, state, code, errCode, errDesc string) (result *CallbackResult, err error) {
	ctx, span := instrumentation.StartSpan(ctx, "oauth.callback",
		attribute.String(instrumentation.AttrProvider, s.broker.Name()))
	defer func() { instrumentation.EndSpan(span, err) }()

	if state == "" {
		return nil, ErrInvalidRequest("state is required")
	}

	pa, err := s.store.ConsumePendingAuthorization(ctx, state)
	if err != nil {
		s.logger.Warn("callback with unknown or expired transaction", "error", err)
		s.audit(security.Event{Type: security.EventCallbackRejected})
		s.metrics.CallbackRejected(ctx)
		return nil, ErrInvalidRequest("unknown or expired authorization transaction")
	}

	if errCode != "" {
		s.logger.Info("upstream denied authorization",
			"client_id", pa.ClientID, "error", errCode)
		s.metrics.CallbackRejected(ctx)
		return &CallbackResult{
			RedirectURI: pa.RedirectURI,
			State:       pa.State,
			ErrorCode:   sanitizeErrorCode(errCode),
			ErrorDesc:   errDesc,
		}, nil
	}
	if code == "" {
		return nil, ErrInvalidRequest("code is required")
	}

	token, err := s.broker.ExchangeCode(ctx, code, pa.ProxyCodeVerifier)
	if err != nil {
		s.logger.Error("upstream code exchange failed",
			"client_id", pa.ClientID, "provider", s.broker.Name(), "error", err)
		s.audit(security.Event{
			Type:     security.EventUpstreamExchangeError,
			ClientID: pa.ClientID,
		})
		s.metrics.CallbackRejected(ctx)
		return &CallbackResult{
			RedirectURI: pa.RedirectURI,
			State:       pa.State,
			ErrorCode:   ErrorCodeServerError,
			ErrorDesc:   "upstream authorization failed",
		}, nil
	}

	now := time.Now()
	ac := &storage.AuthorizationCode{
		Code:                security.RandomToken(),
		ClientID:            pa.ClientID,
		RedirectURI:         pa.RedirectURI,
		Scope:               pa.Scope,
		CodeChallenge:       pa.CodeChallenge,
		CodeChallengeMethod: pa.CodeChallengeMethod,
		UpstreamToken:       token,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.cfg.CodeTTL),
	}
	if err := s.store.SaveAuthorizationCode(ctx, ac); err != nil {
		return nil, ErrServerError("authorization failed")
	}

	s.logger.Info("authorization code issued", "client_id", pa.ClientID)
	s.audit(security.Event{
		Type:     security.EventCodeIssued,
		ClientID: pa.ClientID,
	})
	s.metrics.CodeIssued(ctx)

	return &CallbackResult{
		RedirectURI: pa.RedirectURI,
		Code:        ac.Code,
		State:       pa.State,
	}, nil
}

// sanitizeErrorCode restricts relayed upstream error codes to the RFC 6749
// vocabulary so arbitrary strings never reach the client's redirect URI.
func sanitizeErrorCode(code string) string {
	switch code {
	case "access_denied", "invalid_request", "unauthorized_client",
		"unsupported_response_type", "invalid_scope",
		"server_error", "temporarily_unavailable":
		return code
	}
	return ErrorCodeAccessDenied
}

// ExchangeCode handles the authorization_code grant. The code is consumed
// atomically, bound to client, redirect URI, and PKCE verifier. In opaque
// mode the upstream token is verified once to establish the principal and
// stored behind fresh proxy tokens; in passthrough mode the upstream token
// is returned directly.
func (s *Server) ExchangeCode(ctx context.Context, client *storage.Client, code, redirectURI, codeVerifier string) (resp *TokenResponse, err error) {
	ctx, span := instrumentation.StartSpan(ctx, "oauth.token",
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrGrantType, "authorization_code"))
	defer func() { instrumentation.EndSpan(span, err) }()

	if !clientAllowsGrant(client, "authorization_code") {
		return nil, errGrantNotRegistered()
	}

	ac, err := s.store.ConsumeAuthorizationCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.audit(security.Event{
				Type:     security.EventCodeReplayed,
				ClientID: client.ClientID,
			})
		}
		return nil, ErrInvalidGrant("authorization code is invalid or expired")
	}

	if ac.ClientID != client.ClientID {
		s.logger.Warn("code presented by wrong client",
			"issued_to", ac.ClientID, "presented_by", client.ClientID)
		return nil, ErrInvalidGrant("authorization code is invalid or expired")
	}
	if ac.RedirectURI != redirectURI {
		return nil, ErrInvalidGrant("redirect_uri does not match")
	}
	if err := s.validatePKCE(ac.CodeChallenge, ac.CodeChallengeMethod, codeVerifier); err != nil {
		s.audit(security.Event{
			Type:     security.EventPKCEFailed,
			ClientID: client.ClientID,
		})
		return nil, err
	}

	if s.cfg.TokenMode == TokenModePassthrough {
		s.metrics.TokenIssued(ctx, "authorization_code")
		return upstreamTokenResponse(ac.UpstreamToken, ac.Scope), nil
	}
	return s.issueTokens(ctx, client.ClientID, ac.Scope, ac.UpstreamToken, "authorization_code")
}

// issueTokens verifies the upstream token to establish the principal and
// mints an opaque proxy token pair mapped to it.
func (s *Server) issueTokens(ctx context.Context, clientID, scope string, upstreamToken *oauth2.Token, grantType string) (*TokenResponse, error) {
	principal, err := s.verifier.Verify(ctx, upstreamToken.AccessToken)
	if err != nil {
		s.logger.Error("upstream token failed verification",
			"client_id", clientID, "error", err)
		s.metrics.VerificationFailed(ctx)
		return nil, ErrInvalidGrant("authorization code is invalid or expired")
	}

	now := time.Now()
	record := &storage.AccessToken{
		Token:         security.RandomToken(),
		RefreshToken:  security.RandomToken(),
		ClientID:      clientID,
		Subject:       principal.Subject,
		Scope:         scope,
		UpstreamToken: upstreamToken,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.cfg.AccessTokenTTL),
	}
	if err := s.store.SaveToken(ctx, record); err != nil {
		return nil, ErrServerError("token issuance failed")
	}

	s.logger.Info("tokens issued",
		"client_id", clientID,
		"subject", principal.Subject,
		"grant_type", grantType)
	s.audit(security.Event{
		Type:     security.EventTokenIssued,
		ClientID: clientID,
		Subject:  principal.Subject,
		Details:  map[string]any{"token": security.TokenDigest(record.Token)},
	})
	s.metrics.TokenIssued(ctx, grantType)

	return &TokenResponse{
		AccessToken:  record.Token,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.cfg.AccessTokenTTL.Seconds()),
		RefreshToken: record.RefreshToken,
		Scope:        scope,
	}, nil
}

// Refresh handles the refresh_token grant. Opaque refresh tokens rotate:
// the presented token and its access token are invalidated atomically and
// a fresh pair is issued, refreshing upstream when the provider gave us a
// refresh token. Passthrough mode forwards the grant to the provider.
func (s *Server) Refresh(ctx context.Context, client *storage.Client, refreshToken string) (resp *TokenResponse, err error) {
	ctx, span := instrumentation.StartSpan(ctx, "oauth.token",
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrGrantType, "refresh_token"))
	defer func() { instrumentation.EndSpan(span, err) }()

	if !clientAllowsGrant(client, "refresh_token") {
		return nil, errGrantNotRegistered()
	}

	if s.cfg.TokenMode == TokenModePassthrough {
		token, err := s.broker.Refresh(ctx, refreshToken)
		if err != nil {
			return nil, ErrInvalidGrant("refresh token is invalid or expired")
		}
		s.metrics.TokenIssued(ctx, "refresh_token")
		return upstreamTokenResponse(token, ""), nil
	}

	record, err := s.store.ConsumeRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, ErrInvalidGrant("refresh token is invalid or expired")
	}
	if record.ClientID != client.ClientID {
		s.logger.Warn("refresh token presented by wrong client",
			"issued_to", record.ClientID, "presented_by", client.ClientID)
		return nil, ErrInvalidGrant("refresh token is invalid or expired")
	}
	if !record.CreatedAt.IsZero() && time.Since(record.CreatedAt) > s.cfg.RefreshTokenTTL {
		return nil, ErrInvalidGrant("refresh token is invalid or expired")
	}

	upstreamToken := record.UpstreamToken
	if upstreamToken != nil && upstreamToken.RefreshToken != "" {
		refreshed, err := s.broker.Refresh(ctx, upstreamToken.RefreshToken)
		if err != nil {
			s.logger.Error("upstream refresh failed",
				"client_id", client.ClientID, "error", err)
			return nil, ErrInvalidGrant("refresh token is invalid or expired")
		}
		if refreshed.RefreshToken == "" {
			refreshed.RefreshToken = upstreamToken.RefreshToken
		}
		upstreamToken = refreshed
	}

	return s.issueTokens(ctx, client.ClientID, record.Scope, upstreamToken, "refresh_token")
}

// Revoke handles RFC 7009 revocation. Revocation always succeeds from the
// client's perspective; upstream revocation is best effort.
func (s *Server) Revoke(ctx context.Context, client *storage.Client, token string) (err error) {
	ctx, span := instrumentation.StartSpan(ctx, "oauth.revoke",
		attribute.String(instrumentation.AttrClientID, client.ClientID))
	defer func() { instrumentation.EndSpan(span, err) }()

	if s.cfg.TokenMode == TokenModePassthrough {
		_ = s.broker.Revoke(ctx, token)
		return nil
	}

	record, err := s.store.GetByAccessToken(ctx, token)
	if err != nil {
		// Maybe a refresh token; consuming it revokes both halves.
		record, err = s.store.ConsumeRefreshToken(ctx, token)
		if err != nil {
			return nil
		}
	}
	if record.ClientID != client.ClientID {
		// RFC 7009: do not reveal that the token belongs to someone
		// else.
		return nil
	}

	if record.UpstreamToken != nil {
		_ = s.broker.Revoke(ctx, record.UpstreamToken.AccessToken)
	}
	if err := s.store.RevokeToken(ctx, record.Token); err != nil {
		s.logger.Error("local revocation failed", "error", err)
	}

	s.audit(security.Event{
		Type:     security.EventTokenRevoked,
		ClientID: client.ClientID,
		Subject:  record.Subject,
		Details:  map[string]any{"token": security.TokenDigest(record.Token)},
	})
	s.metrics.TokenRevoked(ctx)
	return nil
}

// VerifyToken validates a bearer token presented to a protected resource.
// Opaque tokens resolve through the store; passthrough tokens go to the
// verifier. All failures collapse to verifier.ErrInvalidToken.
func (s *Server) VerifyToken(ctx context.Context, token string) (*verifier.Principal, error) {
	if s.cfg.TokenMode == TokenModePassthrough {
		principal, err := s.verifier.Verify(ctx, token)
		if err != nil {
			s.metrics.VerificationFailed(ctx)
		}
		return principal, err
	}

	record, err := s.store.GetByAccessToken(ctx, token)
	if err != nil {
		s.metrics.VerificationFailed(ctx)
		s.audit(security.Event{
			Type:    security.EventVerificationFailed,
			Details: map[string]any{"token": security.TokenDigest(token)},
		})
		return nil, verifier.ErrInvalidToken
	}

	return &verifier.Principal{
		Subject:   record.Subject,
		ClientID:  record.ClientID,
		Scopes:    strings.Fields(record.Scope),
		ExpiresAt: record.ExpiresAt,
	}, nil
}

// validatePKCE checks the token-endpoint verifier against the stored
// challenge per RFC 7636.
func (s *Server) validatePKCE(challenge, method, verifierValue string) error {
	if challenge == "" {
		return nil
	}
	if verifierValue == "" {
		return ErrInvalidGrant("code_verifier is required")
	}
	if len(verifierValue) < minVerifierLength || len(verifierValue) > maxVerifierLength {
		return ErrInvalidGrant("code_verifier has invalid length")
	}
	for _, r := range verifierValue {
		if !isVerifierChar(r) {
			return ErrInvalidGrant("code_verifier contains invalid characters")
		}
	}

	switch method {
	case pkceMethodS256, "":
		if !security.ConstantTimeEquals(security.S256Challenge(verifierValue), challenge) {
			return ErrInvalidGrant("code_verifier does not match the challenge")
		}
	case pkceMethodPlain:
		if !s.cfg.AllowPKCEPlain || !security.ConstantTimeEquals(verifierValue, challenge) {
			return ErrInvalidGrant("code_verifier does not match the challenge")
		}
	default:
		return ErrInvalidGrant("unsupported code_challenge_method")
	}
	return nil
}

// isVerifierChar reports whether r is in the RFC 7636 unreserved set.
func isVerifierChar(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	case r == '-' || r == '.' || r == '_' || r == '~':
		return true
	}
	return false
}

// upstreamTokenResponse shapes an upstream token for the wire in
// passthrough mode.
func upstreamTokenResponse(token *oauth2.Token, scope string) *TokenResponse {
	resp := &TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: token.RefreshToken,
		Scope:        scope,
	}
	if !token.Expiry.IsZero() {
		if remaining := time.Until(token.Expiry); remaining > 0 {
			resp.ExpiresIn = int64(remaining.Seconds())
		}
	}
	return resp
}
