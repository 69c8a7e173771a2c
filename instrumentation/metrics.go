// Package instrumentation provides OpenTelemetry metrics for the proxy.
// Counters record against the global meter provider; without a configured
// SDK they are no-ops.
package instrumentation

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/valenzuelaomar/mcp-oauth-proxy"

// Metrics holds the proxy's metric instruments. A nil *Metrics is safe to
// call; every recorder is a no-op on it.
type Metrics struct {
	flowsStarted        metric.Int64Counter
	callbacksRejected   metric.Int64Counter
	codesIssued         metric.Int64Counter
	tokensIssued        metric.Int64Counter
	tokensRevoked       metric.Int64Counter
	clientsRegistered   metric.Int64Counter
	verificationsFailed metric.Int64Counter
}

// NewMetrics creates the proxy's metric instruments against the global
// meter provider. Instrument creation failures are logged and leave the
// affected counter as a no-op.
func NewMetrics(logger *slog.Logger) *Metrics {
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.GetMeterProvider().Meter(meterName)
	m := &Metrics{}

	instruments := []struct {
		counter     *metric.Int64Counter
		name        string
		description string
	}{
		{&m.flowsStarted, "oauth.proxy.flows_started", "Authorization flows started"},
		{&m.callbacksRejected, "oauth.proxy.callbacks_rejected", "Provider callbacks rejected or failed"},
		{&m.codesIssued, "oauth.proxy.codes_issued", "Authorization codes minted"},
		{&m.tokensIssued, "oauth.proxy.tokens_issued", "Tokens issued by grant type"},
		{&m.tokensRevoked, "oauth.proxy.tokens_revoked", "Tokens revoked"},
		{&m.clientsRegistered, "oauth.proxy.clients_registered", "Dynamic client registrations"},
		{&m.verificationsFailed, "oauth.proxy.verifications_failed", "Bearer token verification failures"},
	}
	for _, inst := range instruments {
		counter, err := meter.Int64Counter(inst.name, metric.WithDescription(inst.description))
		if err != nil {
			logger.Warn("failed to create metric instrument", "name", inst.name, "error", err)
			continue
		}
		*inst.counter = counter
	}
	return m
}

// FlowStarted records an authorization flow start.
func (m *Metrics) FlowStarted(ctx context.Context) {
	m.add(ctx, m.flowsStarted)
}

// CallbackRejected records a failed or rejected provider callback.
func (m *Metrics) CallbackRejected(ctx context.Context) {
	m.add(ctx, m.callbacksRejected)
}

// CodeIssued records a minted authorization code.
func (m *Metrics) CodeIssued(ctx context.Context) {
	m.add(ctx, m.codesIssued)
}

// TokenIssued records issued tokens labelled by grant type.
func (m *Metrics) TokenIssued(ctx context.Context, grantType string) {
	if m == nil || m.tokensIssued == nil {
		return
	}
	m.tokensIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("grant_type", grantType)))
}

// TokenRevoked records a revocation.
func (m *Metrics) TokenRevoked(ctx context.Context) {
	m.add(ctx, m.tokensRevoked)
}

// ClientRegistered records a dynamic client registration.
func (m *Metrics) ClientRegistered(ctx context.Context) {
	m.add(ctx, m.clientsRegistered)
}

// VerificationFailed records a bearer token verification failure.
func (m *Metrics) VerificationFailed(ctx context.Context) {
	m.add(ctx, m.verificationsFailed)
}

func (m *Metrics) add(ctx context.Context, counter metric.Int64Counter) {
	if m == nil || counter == nil {
		return
	}
	counter.Add(ctx, 1)
}
