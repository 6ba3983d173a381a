package shared

import (
	"context"
	"strings"
	"testing"
)

func TestTraceID_DefaultsToDash(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("TraceID = %q, want -", got)
	}
	ctx := WithTraceID(context.Background(), "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("TraceID = %q, want abc", got)
	}
}

func TestSessionAndRequestID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if SessionID(ctx) != "" || RequestID(ctx) != "" {
		t.Fatal("expected empty ids on bare context")
	}
	ctx = WithSessionID(ctx, "s-1")
	ctx = WithRequestID(ctx, "req-1")
	if got := SessionID(ctx); got != "s-1" {
		t.Fatalf("SessionID = %q", got)
	}
	if got := RequestID(ctx); got != "req-1" {
		t.Fatalf("RequestID = %q", got)
	}
}

func TestShortIDs(t *testing.T) {
	req := NewRequestID()
	if !strings.HasPrefix(req, "req-") || len(req) != len("req-")+8 {
		t.Fatalf("unexpected request id %q", req)
	}
	appr := NewApprovalID()
	if !strings.HasPrefix(appr, "appr-") || len(appr) != len("appr-")+8 {
		t.Fatalf("unexpected approval id %q", appr)
	}
	if NewApprovalID() == appr {
		t.Fatal("approval ids should be unique")
	}
}
