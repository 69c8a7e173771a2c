package instrumentation

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. Attribute values carry metadata only; access
// tokens, authorization codes, and client secrets never go into traces.
const (
	AttrClientID   = "oauth.client_id"
	AttrGrantType  = "oauth.grant_type"
	AttrScope      = "oauth.scope"
	AttrProvider   = "oauth.provider"
	AttrTokenMode  = "oauth.token_mode"
	AttrClientType = "oauth.client_type"
	AttrPKCEMethod = "oauth.pkce.method"
)

// StartSpan opens a span on the global tracer provider. Without a
// configured SDK the span is a no-op.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.GetTracerProvider().Tracer(meterName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on the span, sets its status, and ends it.
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
