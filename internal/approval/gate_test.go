package approval

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-amplifier/internal/hooks"
)

func TestBuildPrompt(t *testing.T) {
	long := strings.Repeat("x", 70)
	tests := []struct {
		name  string
		tool  string
		input map[string]any
		want  string
	}{
		{"write", "write_file", map[string]any{"file_path": "a.go", "content": "héllo"}, "Allow writing 5 characters to 'a.go'?"},
		{"write defaults", "write_file", map[string]any{}, "Allow writing 0 characters to 'file'?"},
		{"edit", "edit_file", map[string]any{"file_path": "b.go", "old_string": "abc", "new_string": "abcdef"}, "Allow editing 'b.go' (replacing 3 chars with 6 chars)?"},
		{"bash short", "bash", map[string]any{"command": "ls -la"}, "Allow running: ls -la"},
		{"bash long", "bash", map[string]any{"command": long}, "Allow running: " + strings.Repeat("x", 57) + "..."},
		{"bash exactly 60", "bash", map[string]any{"command": strings.Repeat("y", 60)}, "Allow running: " + strings.Repeat("y", 60)},
		{"bash default", "bash", nil, "Allow running: command"},
		{"git", "git", map[string]any{"operation": "push"}, "Allow git push?"},
		{"git default", "git", map[string]any{}, "Allow git operation?"},
		{"other", "deploy", map[string]any{}, "Allow deploy operation?"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := BuildPrompt(tc.tool, tc.input); got != tc.want {
				t.Fatalf("BuildPrompt = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestBuildPrompt_CountsRunes(t *testing.T) {
	cmd := strings.Repeat("é", 61)
	got := BuildPrompt("bash", map[string]any{"command": cmd})
	want := "Allow running: " + strings.Repeat("é", 57) + "..."
	if got != want {
		t.Fatalf("BuildPrompt = %q, want %q", got, want)
	}
}

func TestNormalizeDecision(t *testing.T) {
	cases := map[string]string{
		"allow":        Allow,
		"ALLOW":        Allow,
		" Deny ":       Deny,
		"alwaysallow":  AlwaysAllow,
		"AlwaysAllow":  AlwaysAllow,
		"always_allow": AlwaysAllow,
	}
	for in, want := range cases {
		got, err := NormalizeDecision(in)
		if err != nil || got != want {
			t.Fatalf("NormalizeDecision(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := NormalizeDecision("maybe"); !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("expected ErrInvalidDecision, got %v", err)
	}
	if _, err := NormalizeDecision("skip"); err == nil {
		t.Fatal("skip is only valid when offered")
	}
	if got, err := NormalizeDecision("skip", Allow, Deny, "Skip"); err != nil || got != "Skip" {
		t.Fatalf("offered option: got %q, %v", got, err)
	}
}

func TestGate_Handle(t *testing.T) {
	always := false
	g := &Gate{AlwaysAllow: func() bool { return always }, Timeout: 2 * time.Second}
	ctx := context.Background()

	res, _ := g.Handle(ctx, hooks.ToolPre, map[string]any{"tool_name": "read_file"})
	if res.Action != hooks.Continue {
		t.Fatalf("read_file should continue")
	}
	res, _ = g.Handle(ctx, hooks.ToolPre, map[string]any{})
	if res.Action != hooks.Continue {
		t.Fatalf("missing tool_name should continue")
	}

	input := map[string]any{"command": "rm -rf build"}
	res, _ = g.Handle(ctx, hooks.ToolPre, map[string]any{"tool_name": "bash", "input": input})
	if res.Action != hooks.AskUserAction {
		t.Fatalf("bash should ask user, got %v", res.Action)
	}
	ask := res.AskUser
	if ask.Prompt != "Allow running: rm -rf build" {
		t.Fatalf("prompt = %q", ask.Prompt)
	}
	if strings.Join(ask.Options, ",") != "AlwaysAllow,Allow,Deny" {
		t.Fatalf("options = %v", ask.Options)
	}
	if ask.Default != Deny || ask.Timeout != 2*time.Second {
		t.Fatalf("default/timeout = %q/%s", ask.Default, ask.Timeout)
	}
	if ask.Context["tool_name"] != "bash" || ask.Context["event"] != hooks.ToolPre {
		t.Fatalf("context = %v", ask.Context)
	}

	always = true
	res, _ = g.Handle(ctx, hooks.ToolPre, map[string]any{"tool_name": "write_file"})
	if res.Action != hooks.Continue {
		t.Fatalf("always_allow should continue")
	}
}

func TestGate_DefaultTimeoutAndRegistration(t *testing.T) {
	reg := hooks.NewRegistry()
	g := &Gate{}
	unregister := g.Register(reg)
	if names := reg.Names(hooks.ToolPre); len(names) != 1 || names[0] != GateName {
		t.Fatalf("names = %v", names)
	}
	res, err := reg.Emit(context.Background(), hooks.ToolPre, map[string]any{"tool_name": "git"})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if res.AskUser == nil || res.AskUser.Timeout != DefaultTimeout {
		t.Fatalf("expected default timeout, got %+v", res.AskUser)
	}
	if err := unregister(); err != nil {
		t.Fatalf("unregister: %v", err)
	}
}
