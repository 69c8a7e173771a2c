// Package storage defines interfaces for persisting OAuth clients,
// authorization flows, and issued tokens. Implementations may be in-memory,
// Redis, or database backed.
package storage

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"
)

// Sentinel errors shared by all implementations.
var (
	// ErrNotFound is returned when a record does not exist. Single-use
	// records (pending authorizations, codes, refresh tokens) return it
	// on replay as well, so callers cannot distinguish replay from
	// expiry.
	ErrNotFound = errors.New("storage: not found")

	// ErrExpired is returned when a record exists but its lifetime has
	// lapsed. Consume operations delete the record before returning it.
	ErrExpired = errors.New("storage: expired")
)

// ClientStore manages dynamically registered OAuth clients.
type ClientStore interface {
	// SaveClient persists a registered client.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// CountClientsByIP returns how many clients the given IP has
	// registered, for registration DoS limits.
	CountClientsByIP(ctx context.Context, ip string) (int, error)
}

// FlowStore manages in-flight authorization transactions and minted codes.
//
// A flow record carries TWO state values. State is the client's own CSRF
// token, echoed back to the client on the final redirect and never sent
// upstream. TxnID is generated by the proxy and doubles as the state
// parameter sent to the upstream provider, so the provider callback can be
// correlated to the transaction without trusting anything client-supplied.
type FlowStore interface {
	// SavePendingAuthorization records a transaction started at the
	// authorization endpoint.
	SavePendingAuthorization(ctx context.Context, pa *PendingAuthorization) error

	// ConsumePendingAuthorization atomically retrieves and deletes the
	// transaction for the given TxnID. A second call with the same
	// TxnID returns ErrNotFound, which makes callback replay
	// detectable.
	ConsumePendingAuthorization(ctx context.Context, txnID string) (*PendingAuthorization, error)

	// SaveAuthorizationCode records a code minted for the client after
	// a successful upstream exchange.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically retrieves and deletes the
	// code record. Codes are strictly single use; a replayed code
	// returns ErrNotFound.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// TokenStore manages tokens the proxy has issued to its clients.
type TokenStore interface {
	// SaveToken persists an issued token record, indexed by both the
	// access token and, when present, the refresh token.
	SaveToken(ctx context.Context, token *AccessToken) error

	// GetByAccessToken retrieves the record for an access token.
	GetByAccessToken(ctx context.Context, accessToken string) (*AccessToken, error)

	// ConsumeRefreshToken atomically retrieves and deletes the record
	// for a refresh token. Rotation depends on this being atomic: two
	// concurrent refreshes with the same token must not both succeed.
	ConsumeRefreshToken(ctx context.Context, refreshToken string) (*AccessToken, error)

	// RevokeToken removes the record matching the given access or
	// refresh token. Unknown tokens are not an error, per RFC 7009.
	RevokeToken(ctx context.Context, token string) error
}

// Store combines all storage interfaces with lifecycle management.
type Store interface {
	ClientStore
	FlowStore
	TokenStore

	// Stop releases background resources such as cleanup goroutines.
	Stop()
}

// Client represents a dynamically registered OAuth client.
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash, empty for public clients
	ClientType              string // "public" or "confidential"
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	ClientName              string
	Scopes                  []string
	RegistrationIP          string
	CreatedAt               time.Time
}

// PendingAuthorization is an authorization transaction that has been
// redirected upstream and is waiting for the provider callback.
type PendingAuthorization struct {
	TxnID               string // proxy-generated, sent upstream as state
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string // client's own state, echoed back verbatim
	CodeChallenge       string // client-to-proxy PKCE challenge
	CodeChallengeMethod string
	ProxyCodeVerifier   string // proxy-to-provider PKCE verifier
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// AuthorizationCode is a downstream code minted by the proxy. It carries
// the upstream token obtained during the callback so the token endpoint
// can complete without a second upstream round trip.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	Subject             string
	UpstreamToken       *oauth2.Token
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// AccessToken is a token record issued by the proxy. In opaque mode Token
// is a random value mapped to the upstream token; in passthrough mode no
// records are stored and verification goes straight to the verifier.
type AccessToken struct {
	Token         string
	RefreshToken  string
	ClientID      string
	Subject       string
	Scope         string
	UpstreamToken *oauth2.Token
	CreatedAt     time.Time
	ExpiresAt     time.Time
}
