package oauthproxy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/valenzuelaomar/mcp-oauth-proxy/security"
	"github.com/valenzuelaomar/mcp-oauth-proxy/storage"
)

const (
	clientTypePublic       = "public"
	clientTypeConfidential = "confidential"

	authMethodNone        = "none"
	authMethodSecretBasic = "client_secret_basic"
	authMethodSecretPost  = "client_secret_post"

	maxRedirectURIsPerClient = 10
	maxClientNameLength      = 256
)

// RegisterClient performs RFC 7591 dynamic client registration. Redirect
// URIs are validated against the configured patterns at registration time;
// the authorization endpoint later requires an exact match against what
// was registered here.
func (s *Server) RegisterClient(ctx context.Context, req *ClientRegistrationRequest, clientIP string) (*ClientRegistrationResponse, error) {
	if len(req.RedirectURIs) == 0 {
		return nil, ErrInvalidRequest("redirect_uris is required")
	}
	if len(req.RedirectURIs) > maxRedirectURIsPerClient {
		return nil, ErrInvalidRequest(fmt.Sprintf("at most %d redirect_uris allowed", maxRedirectURIsPerClient))
	}
	if len(req.ClientName) > maxClientNameLength {
		return nil, ErrInvalidRequest("client_name too long")
	}

	for _, uri := range req.RedirectURIs {
		if !security.ValidateRedirectURI(uri, s.cfg.AllowedRedirectPatterns) {
			s.audit(security.Event{
				Type: security.EventRedirectRejected,
				IP:   clientIP,
				Details: map[string]any{
					"redirect_uri": uri,
				},
			})
			return nil, ErrInvalidRedirectURI(fmt.Sprintf("redirect URI %q is not allowed", uri))
		}
	}

	if s.cfg.MaxClientsPerIP > 0 && clientIP != "" {
		count, err := s.store.CountClientsByIP(ctx, clientIP)
		if err != nil {
			return nil, ErrServerError("registration failed")
		}
		if count >= s.cfg.MaxClientsPerIP {
			s.logger.Warn("client registration limit reached", "ip", clientIP, "count", count)
			return nil, ErrInvalidRequest("registration limit reached for this address")
		}
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = authMethodNone
	}

	var clientType, secret, secretHash string
	switch authMethod {
	case authMethodNone:
		clientType = clientTypePublic
	case authMethodSecretBasic, authMethodSecretPost:
		clientType = clientTypeConfidential
		secret = security.RandomToken()
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, ErrServerError("registration failed")
		}
		secretHash = string(hash)
	default:
		return nil, ErrInvalidRequest(fmt.Sprintf("unsupported token_endpoint_auth_method %q", authMethod))
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	for _, gt := range grantTypes {
		if gt != "authorization_code" && gt != "refresh_token" {
			return nil, ErrInvalidRequest(fmt.Sprintf("unsupported grant type %q", gt))
		}
	}

	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	for _, rt := range responseTypes {
		if rt != "code" {
			return nil, ErrInvalidRequest(fmt.Sprintf("unsupported response type %q", rt))
		}
	}

	scopes := strings.Fields(req.Scope)
	if err := s.validateScopes(scopes); err != nil {
		return nil, err
	}

	client := &storage.Client{
		ClientID:                uuid.NewString(),
		ClientSecretHash:        secretHash,
		ClientType:              clientType,
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		ClientName:              req.ClientName,
		Scopes:                  scopes,
		RegistrationIP:          clientIP,
		CreatedAt:               time.Now(),
	}
	if err := s.store.SaveClient(ctx, client); err != nil {
		return nil, ErrServerError("registration failed")
	}

	s.logger.Info("client registered",
		"client_id", client.ClientID,
		"client_type", clientType,
		"redirect_uris", len(client.RedirectURIs))
	s.audit(security.Event{
		Type:     security.EventClientRegistered,
		ClientID: client.ClientID,
		IP:       clientIP,
	})
	s.metrics.ClientRegistered(ctx)

	return &ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            secret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		ClientSecretExpiresAt:   0,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		ClientName:              client.ClientName,
		Scope:                   req.Scope,
	}, nil
}

// authenticateClient verifies client credentials for the token and
// revocation endpoints. Public clients authenticate by client_id alone;
// confidential clients must present their secret.
func (s *Server) authenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	if clientID == "" {
		return nil, ErrInvalidClient("client authentication failed")
	}
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		// bcrypt on a dummy hash keeps unknown-client timing close to
		// wrong-secret timing.
		_ = bcrypt.CompareHashAndPassword(dummyBcryptHash, []byte(clientSecret))
		return nil, ErrInvalidClient("client authentication failed")
	}

	if client.ClientType == clientTypePublic {
		return client, nil
	}
	if clientSecret == "" {
		return nil, ErrInvalidClient("client authentication failed")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		return nil, ErrInvalidClient("client authentication failed")
	}
	return client, nil
}

// dummyBcryptHash is a hash of an unguessable value, used to equalize
// timing for unknown clients.
var dummyBcryptHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte(security.RandomToken()), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	return h
}()

// validateScopes checks requested scopes against the supported set when
// one is configured.
func (s *Server) validateScopes(scopes []string) error {
	if len(s.cfg.SupportedScopes) == 0 {
		return nil
	}
	for _, scope := range scopes {
		supported := false
		for _, allowed := range s.cfg.SupportedScopes {
			if scope == allowed {
				supported = true
				break
			}
		}
		if !supported {
			return ErrInvalidScope(fmt.Sprintf("scope %q is not supported", scope))
		}
	}
	return nil
}
