package oauthproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/valenzuelaomar/mcp-oauth-proxy/security"
	"github.com/valenzuelaomar/mcp-oauth-proxy/storage"
	"github.com/valenzuelaomar/mcp-oauth-proxy/verifier"
)

// Well-known metadata paths.
const (
	MetadataPathAuthorizationServer = "/.well-known/oauth-authorization-server"
	MetadataPathProtectedResource   = "/.well-known/oauth-protected-resource"
)

// Handler is a thin HTTP adapter for the Server. It parses requests,
// enforces rate limits, and delegates flow logic.
type Handler struct {
	server    *Server
	ipLimiter *security.RateLimiter
	logger    *slog.Logger
}

// NewHandler creates an HTTP handler for the server. A rate limiter is
// started when the configuration enables one; call Close to stop it.
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{server: server, logger: logger}
	if rl := server.cfg.RateLimit; rl.Rate > 0 {
		h.ipLimiter = security.NewRateLimiter(rl.Rate, rl.Burst, logger)
	}
	return h
}

// Close releases the handler's background resources.
func (h *Handler) Close() {
	if h.ipLimiter != nil {
		h.ipLimiter.Stop()
	}
}

// Routes registers all proxy endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc(MetadataPathAuthorizationServer, h.ServeAuthorizationServerMetadata)
	mux.HandleFunc(MetadataPathProtectedResource, h.ServeProtectedResourceMetadata)
	mux.HandleFunc("/register", h.ServeRegistration)
	mux.HandleFunc("/authorize", h.ServeAuthorization)
	mux.HandleFunc(h.server.cfg.CallbackPath, h.ServeCallback)
	mux.HandleFunc("/token", h.ServeToken)
	mux.HandleFunc("/revoke", h.ServeRevocation)
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.ClientIP(r, h.server.cfg.RateLimit.TrustProxy)
}

// checkRateLimit answers 429 and returns false when the client is over
// its budget.
func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request) bool {
	if h.ipLimiter == nil {
		return true
	}
	ip := h.clientIP(r)
	if h.ipLimiter.Allow(ip) {
		return true
	}
	h.server.audit(security.Event{Type: security.EventRateLimitExceeded, IP: ip})
	h.writeError(w, ErrorCodeRateLimitExceeded, "rate limit exceeded", http.StatusTooManyRequests)
	return false
}

// ServeAuthorizationServerMetadata serves the RFC 8414 document.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := h.server.cfg
	issuer := strings.TrimRight(cfg.Issuer, "/")
	challengeMethods := []string{pkceMethodS256}
	if cfg.AllowPKCEPlain {
		challengeMethods = append(challengeMethods, pkceMethodPlain)
	}

	h.writeJSON(w, http.StatusOK, AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/authorize",
		TokenEndpoint:                     issuer + "/token",
		RegistrationEndpoint:              issuer + "/register",
		RevocationEndpoint:                issuer + "/revoke",
		ScopesSupported:                   cfg.SupportedScopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{authMethodNone, authMethodSecretBasic, authMethodSecretPost},
		CodeChallengeMethodsSupported:     challengeMethods,
	})
}

// ServeProtectedResourceMetadata serves the RFC 9728 document.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issuer := strings.TrimRight(h.server.cfg.Issuer, "/")
	h.writeJSON(w, http.StatusOK, ProtectedResourceMetadata{
		Resource:               issuer,
		AuthorizationServers:   []string{issuer},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        h.server.cfg.SupportedScopes,
	})
}

// ServeRegistration handles RFC 7591 dynamic client registration.
func (h *Handler) ServeRegistration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.checkRateLimit(w, r) {
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "invalid registration request body", http.StatusBadRequest)
		return
	}

	resp, err := h.server.RegisterClient(r.Context(), &req, h.clientIP(r))
	if err != nil {
		h.writeOAuthError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

// ServeAuthorization handles GET /authorize. Validation failures answer
// with a JSON error and never redirect; only a fully validated request
// produces the upstream Location header.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.checkRateLimit(w, r) {
		return
	}

	q := r.URL.Query()
	redirectURL, err := h.server.StartAuthorization(r.Context(), AuthorizationRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	})
	if err != nil {
		h.writeOAuthError(w, err)
		return
	}
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// ServeCallback handles the upstream provider's redirect. An unknown
// transaction is a hard 400 with no Location header; with a valid
// transaction the user-agent is sent back to the client with either a
// code or a relayed error.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	result, err := h.server.HandleCallback(r.Context(),
		q.Get("state"), q.Get("code"), q.Get("error"), q.Get("error_description"))
	if err != nil {
		h.writeOAuthError(w, err)
		return
	}

	target, err := url.Parse(result.RedirectURI)
	if err != nil {
		h.writeError(w, ErrorCodeServerError, "authorization failed", http.StatusInternalServerError)
		return
	}
	values := target.Query()
	if result.ErrorCode != "" {
		values.Set("error", result.ErrorCode)
		if result.ErrorDesc != "" {
			values.Set("error_description", result.ErrorDesc)
		}
	} else {
		values.Set("code", result.Code)
	}
	values.Set("state", result.State)
	target.RawQuery = values.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}

// ServeToken handles POST /token for the authorization_code and
// refresh_token grants.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.checkRateLimit(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "failed to parse request", http.StatusBadRequest)
		return
	}

	client, err := h.authenticateTokenRequest(r)
	if err != nil {
		h.writeOAuthError(w, err)
		return
	}

	switch grantType := r.PostFormValue("grant_type"); grantType {
	case "authorization_code":
		code := r.PostFormValue("code")
		if code == "" {
			h.writeError(w, ErrorCodeInvalidRequest, "code is required", http.StatusBadRequest)
			return
		}
		resp, err := h.server.ExchangeCode(r.Context(), client, code,
			r.PostFormValue("redirect_uri"), r.PostFormValue("code_verifier"))
		if err != nil {
			h.writeOAuthError(w, err)
			return
		}
		h.writeTokenResponse(w, resp)

	case "refresh_token":
		refreshToken := r.PostFormValue("refresh_token")
		if refreshToken == "" {
			h.writeError(w, ErrorCodeInvalidRequest, "refresh_token is required", http.StatusBadRequest)
			return
		}
		resp, err := h.server.Refresh(r.Context(), client, refreshToken)
		if err != nil {
			h.writeOAuthError(w, err)
			return
		}
		h.writeTokenResponse(w, resp)

	default:
		h.writeError(w, ErrorCodeUnsupportedGrantType,
			fmt.Sprintf("grant type %q is not supported", grantType), http.StatusBadRequest)
	}
}

// ServeRevocation handles RFC 7009 POST /revoke. Revocation always
// answers 200 once the client is authenticated.
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.checkRateLimit(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "failed to parse request", http.StatusBadRequest)
		return
	}

	client, err := h.authenticateTokenRequest(r)
	if err != nil {
		h.writeOAuthError(w, err)
		return
	}

	token := r.PostFormValue("token")
	if token == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "token is required", http.StatusBadRequest)
		return
	}
	_ = h.server.Revoke(r.Context(), client, token)
	w.WriteHeader(http.StatusOK)
}

// authenticateTokenRequest resolves client credentials from HTTP basic
// auth or the form body, in that order of preference.
func (h *Handler) authenticateTokenRequest(r *http.Request) (*storage.Client, error) {
	clientID, clientSecret, ok := r.BasicAuth()
	if ok {
		clientID, _ = url.QueryUnescape(clientID)
		clientSecret, _ = url.QueryUnescape(clientSecret)
	} else {
		clientID = r.PostFormValue("client_id")
		clientSecret = r.PostFormValue("client_secret")
	}
	c, err := h.server.authenticateClient(r.Context(), clientID, clientSecret)
	if err != nil {
		h.logger.Warn("client authentication failed", "client_id", clientID, "ip", h.clientIP(r))
		return nil, err
	}
	return c, nil
}

type principalContextKey struct{}

// PrincipalFromContext returns the authenticated principal attached by
// Middleware, or nil.
func PrincipalFromContext(ctx context.Context) *verifier.Principal {
	p, _ := ctx.Value(principalContextKey{}).(*verifier.Principal)
	return p
}

// Middleware protects an MCP resource handler. Requests without a valid
// bearer token receive 401 with a WWW-Authenticate challenge pointing at
// the protected resource metadata; valid requests proceed with the
// principal in the context.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			h.writeUnauthorized(w, "missing bearer token")
			return
		}

		principal, err := h.server.VerifyToken(r.Context(), token)
		if err != nil {
			// Infrastructure failures and bad tokens both end the
			// request, but only the latter is the client's fault.
			if !errors.Is(err, verifier.ErrInvalidToken) {
				h.logger.Error("token verification infrastructure failure", "error", err)
				h.writeError(w, ErrorCodeServerError, "token verification unavailable", http.StatusServiceUnavailable)
				return
			}
			h.writeUnauthorized(w, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	return auth[len(prefix):], true
}

func (h *Handler) writeUnauthorized(w http.ResponseWriter, description string) {
	issuer := strings.TrimRight(h.server.cfg.Issuer, "/")
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(
		`Bearer resource_metadata=%q, error=%q, error_description=%q`,
		issuer+MetadataPathProtectedResource, ErrorCodeInvalidToken, description))
	h.writeError(w, ErrorCodeInvalidToken, description, http.StatusUnauthorized)
}

func (h *Handler) writeOAuthError(w http.ResponseWriter, err error) {
	if oauthErr, ok := err.(*Error); ok {
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}
	h.writeError(w, ErrorCodeServerError, "internal error", http.StatusInternalServerError)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, resp *TokenResponse) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
