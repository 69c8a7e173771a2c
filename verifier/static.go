package verifier

import (
	"context"
	"fmt"
	"time"

	"github.com/valenzuelaomar/mcp-oauth-proxy/security"
)

// Static validates tokens against a fixed in-memory set. It exists for
// development and tests; production deployments use JWT or introspection
// verification.
type Static struct {
	tokens map[string]*Principal
}

var _ Verifier = (*Static)(nil)

// NewStatic creates a static verifier from a token-to-principal map.
func NewStatic(tokens map[string]*Principal) (*Static, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("verifier: static verifier needs at least one token")
	}
	copied := make(map[string]*Principal, len(tokens))
	for tok, p := range tokens {
		if tok == "" {
			return nil, fmt.Errorf("verifier: empty static token")
		}
		copied[tok] = p
	}
	return &Static{tokens: copied}, nil
}

// Verify matches the token against the configured set in constant time
// per candidate.
func (s *Static) Verify(_ context.Context, token string) (*Principal, error) {
	for candidate, principal := range s.tokens {
		if security.ConstantTimeEquals(candidate, token) {
			if !principal.ExpiresAt.IsZero() && time.Now().After(principal.ExpiresAt) {
				return nil, ErrInvalidToken
			}
			return principal, nil
		}
	}
	return nil, ErrInvalidToken
}
