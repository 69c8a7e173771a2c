// Package memory provides an in-memory implementation of the storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/valenzuelaomar/mcp-oauth-proxy/storage"
)

// defaultCleanupInterval is how often expired records are swept.
const defaultCleanupInterval = time.Minute

// Store is an in-memory implementation of storage.Store. All operations
// are guarded by a single mutex; the consume methods delete under the same
// lock acquisition that reads, which makes single-use semantics atomic.
type Store struct {
	mu sync.Mutex

	clients      map[string]*storage.Client
	clientsPerIP map[string]int

	pending map[string]*storage.PendingAuthorization
	codes   map[string]*storage.AuthorizationCode

	tokens        map[string]*storage.AccessToken // access token -> record
	refreshTokens map[string]string               // refresh token -> access token

	stopOnce    sync.Once
	stopCleanup chan struct{}
	logger      *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates an in-memory store with the default cleanup interval.
func New(logger *slog.Logger) *Store {
	return NewWithInterval(logger, defaultCleanupInterval)
}

// NewWithInterval creates an in-memory store sweeping expired records at
// the given interval. An interval of zero disables the sweep.
func NewWithInterval(logger *slog.Logger, interval time.Duration) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		clients:       make(map[string]*storage.Client),
		clientsPerIP:  make(map[string]int),
		pending:       make(map[string]*storage.PendingAuthorization),
		codes:         make(map[string]*storage.AuthorizationCode),
		tokens:        make(map[string]*storage.AccessToken),
		refreshTokens: make(map[string]string),
		stopCleanup:   make(chan struct{}),
		logger:        logger,
	}
	if interval > 0 {
		go s.cleanupLoop(interval)
	}
	return s
}

// Stop terminates the background cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// SaveClient persists a registered client.
func (s *Store) SaveClient(_ context.Context, client *storage.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; !exists && client.RegistrationIP != "" {
		s.clientsPerIP[client.RegistrationIP]++
	}
	s.clients[client.ClientID] = client
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return client, nil
}

// CountClientsByIP returns how many clients the given IP has registered.
func (s *Store) CountClientsByIP(_ context.Context, ip string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientsPerIP[ip], nil
}

// SavePendingAuthorization records an in-flight authorization transaction.
func (s *Store) SavePendingAuthorization(_ context.Context, pa *storage.PendingAuthorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[pa.TxnID] = pa
	return nil
}

// ConsumePendingAuthorization atomically retrieves and deletes a
// transaction. Expired transactions are deleted and reported as expired.
func (s *Store) ConsumePendingAuthorization(_ context.Context, txnID string) (*storage.PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pa, ok := s.pending[txnID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.pending, txnID)

	if time.Now().After(pa.ExpiresAt) {
		return nil, storage.ErrExpired
	}
	return pa, nil
}

// SaveAuthorizationCode records a minted downstream code.
func (s *Store) SaveAuthorizationCode(_ context.Context, code *storage.AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code.Code] = code
	return nil
}

// ConsumeAuthorizationCode atomically retrieves and deletes a code record.
func (s *Store) ConsumeAuthorizationCode(_ context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ac, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.codes, code)

	if time.Now().After(ac.ExpiresAt) {
		return nil, storage.ErrExpired
	}
	return ac, nil
}

// SaveToken persists an issued token record under both its access and
// refresh token values.
func (s *Store) SaveToken(_ context.Context, token *storage.AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens[token.Token] = token
	if token.RefreshToken != "" {
		s.refreshTokens[token.RefreshToken] = token.Token
	}
	return nil
}

// GetByAccessToken retrieves the record for an access token.
func (s *Store) GetByAccessToken(_ context.Context, accessToken string) (*storage.AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[accessToken]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if time.Now().After(token.ExpiresAt) {
		s.deleteTokenLocked(token)
		return nil, storage.ErrExpired
	}
	return token, nil
}

// ConsumeRefreshToken atomically retrieves and deletes the record for a
// refresh token. The access token issued alongside it is invalidated too,
// so a rotated grant leaves nothing usable behind.
func (s *Store) ConsumeRefreshToken(_ context.Context, refreshToken string) (*storage.AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accessToken, ok := s.refreshTokens[refreshToken]
	if !ok {
		return nil, storage.ErrNotFound
	}
	token := s.tokens[accessToken]
	s.deleteTokenLocked(token)

	if token == nil {
		return nil, storage.ErrNotFound
	}
	return token, nil
}

// RevokeToken removes the record matching the given access or refresh
// token. Unknown tokens succeed silently.
func (s *Store) RevokeToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.tokens[token]; ok {
		s.deleteTokenLocked(rec)
		return nil
	}
	if accessToken, ok := s.refreshTokens[token]; ok {
		s.deleteTokenLocked(s.tokens[accessToken])
		delete(s.refreshTokens, token)
	}
	return nil
}

func (s *Store) deleteTokenLocked(token *storage.AccessToken) {
	if token == nil {
		return
	}
	delete(s.tokens, token.Token)
	if token.RefreshToken != "" {
		delete(s.refreshTokens, token.RefreshToken)
	}
}

func (s *Store) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup removes expired flow and token records. Clients are not expired;
// registrations live until the process restarts.
func (s *Store) cleanup() {
	now := time.Now()
	removed := 0

	s.mu.Lock()
	for id, pa := range s.pending {
		if now.After(pa.ExpiresAt) {
			delete(s.pending, id)
			removed++
		}
	}
	for code, ac := range s.codes {
		if now.After(ac.ExpiresAt) {
			delete(s.codes, code)
			removed++
		}
	}
	for _, token := range s.tokens {
		if now.After(token.ExpiresAt) {
			s.deleteTokenLocked(token)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Debug("cleaned up expired records", "count", removed)
	}
}
