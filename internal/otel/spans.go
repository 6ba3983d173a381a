package otel

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

var (
	AttrSessionID  = attribute.Key("amplifier.session.id")
	AttrProfile    = attribute.Key("amplifier.profile")
	AttrApprovalID = attribute.Key("amplifier.approval.id")
	AttrDecision   = attribute.Key("amplifier.approval.decision")
	AttrReason     = attribute.Key("amplifier.approval.reason")
	AttrToolName   = attribute.Key("amplifier.tool.name")
	AttrErrorClass = attribute.Key("amplifier.error.class")
	AttrHTTPRoute  = attribute.Key("http.route")
	AttrHTTPMethod = attribute.Key("http.method")
	AttrHTTPStatus = attribute.Key("http.status_code")
)

// Span names.
const (
	SpanSessionStart = "session.start"
	SpanPrompt       = "session.prompt"
	SpanApprovalWait = "approval.wait"
	SpanHTTPRequest  = "http.request"
)

// TracerOrNoop returns t, or a noop tracer when t is nil.
func TracerOrNoop(t trace.Tracer) trace.Tracer {
	if t == nil {
		return nooptrace.NewTracerProvider().Tracer(TracerName)
	}
	return t
}

func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return TracerOrNoop(tracer).Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// ExtractHTTP returns ctx carrying any remote span context found in the
// traceparent and baggage headers.
func ExtractHTTP(ctx context.Context, h http.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(h))
}

// StartServerSpan starts a span for an inbound HTTP request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return TracerOrNoop(tracer).Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// EndSpan records err (if any) and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
