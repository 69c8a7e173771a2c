// Package verifier defines how bearer tokens presented to protected
// resources are validated, with implementations for signed JWTs, RFC 7662
// introspection, GitHub API validation, and static development tokens.
package verifier

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidToken is returned for every rejection reason: bad signature,
// expiry, wrong issuer or audience, missing scopes, unknown token. Callers
// must not surface a more specific reason to the wire, so a client cannot
// use error detail as a validity oracle.
var ErrInvalidToken = errors.New("verifier: invalid token")

// Principal is the authenticated identity extracted from a valid token.
type Principal struct {
	// Subject identifies the end user or machine identity.
	Subject string

	// ClientID identifies the OAuth client the token was issued to,
	// when the token format carries it.
	ClientID string

	// Scopes are the granted scopes.
	Scopes []string

	// ExpiresAt is the token expiry. Zero when the format has none.
	ExpiresAt time.Time

	// Claims carries the raw claims for handlers that need more than
	// the common fields.
	Claims map[string]any
}

// HasScope reports whether the principal holds the given scope.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Verifier validates a bearer token and returns the principal it
// represents. Implementations return ErrInvalidToken for any token that
// fails validation and a different error only for infrastructure failures
// such as an unreachable introspection endpoint.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Principal, error)
}

// hasRequiredScopes reports whether granted covers every required scope.
func hasRequiredScopes(granted, required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range granted {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
