package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/valenzuelaomar/mcp-oauth-proxy/keycache"
)

// defaultAlgorithms are the signing algorithms accepted when none are
// configured. Symmetric algorithms are deliberately excluded so a leaked
// public key set can never be turned into a signing oracle.
var defaultAlgorithms = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}

// JWTConfig configures a JWT verifier.
type JWTConfig struct {
	// Keys resolves signing keys by key ID.
	Keys *keycache.Cache

	// Issuer is the required iss claim. Empty skips the check.
	Issuer string

	// Audience is the required aud claim. Empty skips the check.
	Audience string

	// RequiredScopes must all be present in the token's scope claim.
	RequiredScopes []string

	// Algorithms overrides defaultAlgorithms when non-empty.
	Algorithms []string

	Logger *slog.Logger
}

// JWT validates RFC 7519 bearer tokens signed by the upstream IdP.
type JWT struct {
	keys           *keycache.Cache
	requiredScopes []string
	parser         *jwt.Parser
	logger         *slog.Logger
}

var _ Verifier = (*JWT)(nil)

// NewJWT creates a JWT verifier.
func NewJWT(cfg JWTConfig) (*JWT, error) {
	if cfg.Keys == nil {
		return nil, fmt.Errorf("verifier: jwt verifier needs a key cache")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	algs := cfg.Algorithms
	if len(algs) == 0 {
		algs = defaultAlgorithms
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(algs),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &JWT{
		keys:           cfg.Keys,
		requiredScopes: cfg.RequiredScopes,
		parser:         jwt.NewParser(opts...),
		logger:         logger,
	}, nil
}

// Verify parses and validates the token. Signature, expiry, issuer,
// audience, and scope failures all collapse to ErrInvalidToken; only key
// fetch infrastructure failures surface as a distinct error.
func (v *JWT) Verify(ctx context.Context, token string) (*Principal, error) {
	var keyErr error
	parsed, err := v.parser.Parse(token, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, err := v.keys.Key(ctx, kid)
		if err != nil {
			keyErr = err
			return nil, err
		}
		return key, nil
	})
	if err != nil {
		if keyErr != nil && !errors.Is(keyErr, keycache.ErrKeyNotFound) {
			return nil, fmt.Errorf("verifier: resolve signing key: %w", keyErr)
		}
		v.logger.Debug("jwt validation failed", "error", err)
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	principal := principalFromClaims(claims)
	if principal.Subject == "" {
		v.logger.Debug("jwt has no subject claim")
		return nil, ErrInvalidToken
	}
	if !hasRequiredScopes(principal.Scopes, v.requiredScopes) {
		v.logger.Debug("jwt missing required scopes", "subject", principal.Subject)
		return nil, ErrInvalidToken
	}
	return principal, nil
}

// principalFromClaims maps common JWT claims onto a Principal. The scope
// claim may be a space-separated string per RFC 8693 or an scp array as
// some IdPs emit.
func principalFromClaims(claims jwt.MapClaims) *Principal {
	p := &Principal{Claims: claims}

	if sub, ok := claims["sub"].(string); ok {
		p.Subject = sub
	}
	if cid, ok := claims["client_id"].(string); ok {
		p.ClientID = cid
	} else if azp, ok := claims["azp"].(string); ok {
		p.ClientID = azp
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		p.ExpiresAt = exp.Time
	}

	switch scope := claims["scope"].(type) {
	case string:
		p.Scopes = strings.Fields(scope)
	case []any:
		for _, s := range scope {
			if str, ok := s.(string); ok {
				p.Scopes = append(p.Scopes, str)
			}
		}
	default:
		if scp, ok := claims["scp"].([]any); ok {
			for _, s := range scp {
				if str, ok := s.(string); ok {
					p.Scopes = append(p.Scopes, str)
				}
			}
		}
	}
	return p
}
