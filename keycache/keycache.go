// Package keycache fetches and caches JWT signing keys, either from a
// remote JWKS endpoint or from locally configured PEM material.
package keycache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/sync/singleflight"

	"github.com/valenzuelaomar/mcp-oauth-proxy/security"
)

// Sentinel errors returned by Key.
var (
	// ErrKeyNotFound means the key ID is absent even after a refresh.
	ErrKeyNotFound = errors.New("keycache: signing key not found")
	// ErrUpstreamUnavailable means the JWKS endpoint could not be reached
	// and no previously cached key set is available.
	ErrUpstreamUnavailable = errors.New("keycache: jwks endpoint unavailable")
)

const (
	// DefaultTTL is how long a fetched key set is considered fresh.
	DefaultTTL = time.Hour

	// forcedRefreshInterval bounds how often an unknown key ID may
	// trigger an out-of-band refresh. Without this an attacker sending
	// garbage kids would turn every bad token into an upstream fetch.
	forcedRefreshInterval = 30 * time.Second

	fetchTimeout   = 10 * time.Second
	maxJWKSBodyLen = 1 << 20
)

// Config configures a Cache. Exactly one of JWKSURL or StaticKeyPEM must
// be set.
type Config struct {
	// JWKSURL is the remote JWK Set endpoint.
	JWKSURL string

	// StaticKeyPEM is a PEM-encoded public key used for all key IDs.
	StaticKeyPEM []byte

	// TTL overrides DefaultTTL when positive.
	TTL time.Duration

	// HTTPClient overrides the default client used for JWKS fetches.
	HTTPClient *http.Client

	// AllowPrivateNetwork permits http and private addresses for the
	// JWKS endpoint. Intended for tests and on-cluster IdPs.
	AllowPrivateNetwork bool

	Logger *slog.Logger
}

// Cache resolves key IDs to public keys. It caches the remote key set for
// a TTL, deduplicates concurrent fetches, and bounds how often unknown key
// IDs can force a refresh.
type Cache struct {
	jwksURL string
	ttl     time.Duration
	client  *http.Client
	logger  *slog.Logger

	staticKey any

	mu         sync.RWMutex
	set        jwk.Set
	fetchedAt  time.Time
	lastForced time.Time
	fetchGroup singleflight.Group
}

// New creates a Cache from cfg. The JWKS endpoint is validated against
// SSRF before any fetch happens; static key material is parsed eagerly so
// misconfiguration fails at startup rather than on the first token.
func New(cfg Config) (*Cache, error) {
	if (cfg.JWKSURL == "") == (len(cfg.StaticKeyPEM) == 0) {
		return nil, fmt.Errorf("keycache: exactly one of JWKSURL or StaticKeyPEM must be set")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cache{
		jwksURL: cfg.JWKSURL,
		ttl:     cfg.TTL,
		client:  cfg.HTTPClient,
		logger:  logger,
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: fetchTimeout}
	}

	if len(cfg.StaticKeyPEM) > 0 {
		key, err := jwk.ParseKey(cfg.StaticKeyPEM, jwk.WithPEM(true))
		if err != nil {
			return nil, fmt.Errorf("keycache: parse static key: %w", err)
		}
		var raw any
		if err := key.Raw(&raw); err != nil {
			return nil, fmt.Errorf("keycache: extract static key: %w", err)
		}
		c.staticKey = raw
		return c, nil
	}

	if err := security.ValidateUpstreamEndpoint(cfg.JWKSURL, cfg.AllowPrivateNetwork); err != nil {
		return nil, fmt.Errorf("keycache: jwks url: %w", err)
	}
	return c, nil
}

// Key returns the public key for kid. In static mode every kid resolves to
// the configured key. In JWKS mode a fresh cached set is consulted first;
// an unknown kid triggers at most one rate-limited refresh before
// ErrKeyNotFound is returned.
func (c *Cache) Key(ctx context.Context, kid string) (any, error) {
	if c.staticKey != nil {
		return c.staticKey, nil
	}

	c.mu.RLock()
	set, fetchedAt := c.set, c.fetchedAt
	c.mu.RUnlock()

	fresh := set != nil && time.Since(fetchedAt) < c.ttl
	if fresh {
		if key, ok := lookup(set, kid); ok {
			return key, nil
		}
	}

	// Cache miss. Refresh if the set is stale, or if an unknown kid is
	// allowed to force one (key rotation publishes new kids before the
	// cache TTL expires).
	if !fresh || c.mayForceRefresh() {
		refreshed, err := c.refresh(ctx)
		if err != nil {
			if set == nil {
				return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
			}
			// Serve the stale set rather than failing closed on a
			// transient upstream outage.
			c.logger.Warn("jwks refresh failed, serving cached set",
				"url", c.jwksURL, "error", err)
			refreshed = set
		}
		if key, ok := lookup(refreshed, kid); ok {
			return key, nil
		}
	}

	return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
}

// Prime fetches the key set immediately so the first verification does not
// pay the fetch latency. Static caches are always primed.
func (c *Cache) Prime(ctx context.Context) error {
	if c.staticKey != nil {
		return nil
	}
	if _, err := c.refresh(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return nil
}

func (c *Cache) mayForceRefresh() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.lastForced) < forcedRefreshInterval {
		return false
	}
	c.lastForced = time.Now()
	return true
}

// refresh fetches the key set, collapsing concurrent callers into a single
// HTTP request. A caller that reaches the group just after another one
// finished gets the freshly cached set instead of triggering a second
// fetch.
func (c *Cache) refresh(ctx context.Context) (jwk.Set, error) {
	c.mu.RLock()
	observed := c.fetchedAt
	c.mu.RUnlock()

	v, err, _ := c.fetchGroup.Do("jwks", func() (any, error) {
		c.mu.RLock()
		set, fetchedAt := c.set, c.fetchedAt
		c.mu.RUnlock()
		if set != nil && fetchedAt.After(observed) {
			return set, nil
		}

		set, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.set = set
		c.fetchedAt = time.Now()
		c.mu.Unlock()
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(jwk.Set), nil
}

func (c *Cache) fetch(ctx context.Context) (jwk.Set, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBodyLen))
	if err != nil {
		return nil, err
	}

	set, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse jwks: %w", err)
	}
	if set.Len() == 0 {
		return nil, fmt.Errorf("jwks endpoint returned an empty key set")
	}
	return set, nil
}

// lookup resolves kid within set and extracts the raw public key. An empty
// kid matches a single-key set, which some IdPs publish without key IDs.
func lookup(set jwk.Set, kid string) (any, bool) {
	var key jwk.Key
	if kid == "" {
		if set.Len() != 1 {
			return nil, false
		}
		key, _ = set.Key(0)
	} else {
		var ok bool
		key, ok = set.LookupKeyID(kid)
		if !ok {
			return nil, false
		}
	}

	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, false
	}
	return raw, true
}
