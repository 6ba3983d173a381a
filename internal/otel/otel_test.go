package otel

import (
	"context"
	"errors"
	"net/http"
	"testing"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected noop tracer and meter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:    true,
		Exporter:   "none",
		SampleRate: 0.5,
	})
	if err != nil {
		t.Fatalf("Init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.TracerProvider == nil {
		t.Fatal("expected non-nil TracerProvider")
	}
	_, span := StartSpan(context.Background(), p.Tracer, SpanSessionStart,
		AttrSessionID.String("s1"), AttrProfile.String("dev"))
	EndSpan(span, nil)
}

func TestInit_StdoutExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "stdout"})
	if err != nil {
		t.Fatalf("Init with stdout exporter: %v", err)
	}
	defer p.Shutdown(context.Background())
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "carrier-pigeon",
	})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestSpanHelpers_NilTracer(t *testing.T) {
	ctx, span := StartServerSpan(context.Background(), nil, SpanHTTPRequest,
		AttrHTTPMethod.String("GET"))
	if ctx == nil || span == nil {
		t.Fatal("expected usable noop span")
	}
	EndSpan(span, errors.New("boom"))
}

func TestExtractHTTP_ContinuesRemoteTrace(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	h := http.Header{}
	h.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	ctx := ExtractHTTP(context.Background(), h)
	_, span := StartServerSpan(ctx, p.Tracer, SpanHTTPRequest)
	defer span.End()

	if got := span.SpanContext().TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("trace id = %s, want the remote trace", got)
	}
}

func TestOTLPOptions(t *testing.T) {
	if n := len(otlpOptions("")); n != 2 {
		t.Fatalf("default options = %d, want endpoint+insecure", n)
	}
	if n := len(otlpOptions("collector:4318")); n != 2 {
		t.Fatalf("host:port options = %d", n)
	}
	if n := len(otlpOptions("https://collector.example.com/v1/traces")); n != 1 {
		t.Fatalf("url options = %d", n)
	}
}
