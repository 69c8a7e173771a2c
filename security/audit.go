package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
)

// Audit event types. The internal taxonomy is deliberately richer than the
// wire-level error vocabulary: clients always see a generic failure, but
// operators need to distinguish a PKCE mismatch from a replayed code.
const (
	EventClientRegistered      = "client_registered"
	EventAuthorizationStarted  = "authorization_started"
	EventCallbackRejected      = "callback_rejected"
	EventCodeIssued            = "authorization_code_issued"
	EventCodeReplayed          = "authorization_code_replayed"
	EventPKCEFailed            = "pkce_validation_failed"
	EventTokenIssued           = "token_issued"
	EventTokenRevoked          = "token_revoked"
	EventVerificationFailed    = "token_verification_failed"
	EventRedirectRejected      = "redirect_uri_rejected"
	EventRateLimitExceeded     = "rate_limit_exceeded"
	EventUpstreamExchangeError = "upstream_exchange_failed"
)

// Event is a single security-relevant occurrence.
type Event struct {
	Type     string
	ClientID string
	Subject  string
	IP       string
	Details  map[string]any
}

// Auditor writes security events to a structured log. Token values are never
// logged; callers pass TokenDigest output when a token must be correlated.
type Auditor struct {
	logger *slog.Logger
}

// NewAuditor creates an auditor writing to the given logger.
func NewAuditor(logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger}
}

// Log records an event. Nil auditors are safe to call.
func (a *Auditor) Log(ev Event) {
	if a == nil {
		return
	}
	attrs := []any{"event", ev.Type}
	if ev.ClientID != "" {
		attrs = append(attrs, "client_id", ev.ClientID)
	}
	if ev.Subject != "" {
		attrs = append(attrs, "subject", ev.Subject)
	}
	if ev.IP != "" {
		attrs = append(attrs, "ip", ev.IP)
	}
	for k, v := range ev.Details {
		attrs = append(attrs, k, v)
	}
	a.logger.Info("security event", attrs...)
}

// TokenDigest returns a short stable digest of a token for log correlation.
func TokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:4])
}
