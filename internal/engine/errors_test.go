package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorClass
	}{
		{nil, ErrorClassUnknown},
		{errors.New("HTTP 401: invalid api key"), ErrorClassAuth},
		{errors.New("status 429 too many requests"), ErrorClassRateLimit},
		{fmt.Errorf("stream error: %w", context.DeadlineExceeded), ErrorClassTimeout},
		{errors.New("your credit balance is too low"), ErrorClassBilling},
		{errors.New("prompt is too long: 210000 tokens"), ErrorClassContextOverflow},
		{errors.New("something else"), ErrorClassUnknown},
	}
	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.want {
			t.Errorf("ClassifyError(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestModuleSourceResolver(t *testing.T) {
	r := NewModuleSourceResolver(nil)

	res, err := r.Resolve("tool-bash", "git+https://example.com/tool-bash@main")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Kind != KindTool || !res.Builtin {
		t.Fatalf("resolution = %+v", res)
	}
	if _, err := r.Resolve("tool-nope", ""); !errors.Is(err, ErrUnknownModule) {
		t.Fatalf("expected ErrUnknownModule, got %v", err)
	}
}

func TestCoordinator_Mount(t *testing.T) {
	c := NewCoordinator()
	if _, ok := c.Mounted(ResolverMount); ok {
		t.Fatal("nothing mounted yet")
	}
	r := NewModuleSourceResolver(nil)
	c.Mount(ResolverMount, r)
	got, ok := c.Mounted(ResolverMount)
	if !ok || got != r {
		t.Fatalf("Mounted = %v, %v", got, ok)
	}
}
