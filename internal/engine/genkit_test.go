package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/go-amplifier/internal/bridge"
	"github.com/basket/go-amplifier/internal/hooks"
	"github.com/basket/go-amplifier/internal/profile"
)

func echoPlan(t *testing.T) *profile.MountPlan {
	t.Helper()
	return profile.Compile(&profile.Profile{
		Name:      "dev",
		Providers: []profile.ModuleConfig{{Module: "provider-anthropic"}},
		Tools: []profile.ModuleConfig{
			{Module: "tool-filesystem", Config: map[string]any{"working_dir": t.TempDir()}},
			{Module: "tool-unknown"},
		},
		Orchestrator: &profile.ModuleConfig{Module: "loop-streaming", Config: map[string]any{"system_instruction": "be brief"}},
	})
}

func TestGenkitEngine_EchoWithoutCredentials(t *testing.T) {
	f := &GenkitFactory{}
	eng, err := f.New(echoPlan(t), "s1", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := eng.Execute(context.Background(), "hi"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Execute before Initialize: got %v", err)
	}

	var events []string
	b := bridge.New(func(event string, _ map[string]any) { events = append(events, event) }, nil)
	b.Register(eng.Coordinator().Hooks(), eng.Coordinator().Capabilities())

	if err := eng.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if p := eng.(*GenkitEngine).Provider(); p != "echo" {
		t.Fatalf("provider = %q, want echo", p)
	}

	reply, err := eng.Execute(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if reply != "Echo: hello world" {
		t.Fatalf("reply = %q", reply)
	}
	if len(events) != 3 {
		t.Fatalf("expected one delta per word, got %v", events)
	}
	usage := b.Usage()
	if usage.InputTokens != estimateTokens("hello world") || usage.OutputTokens != estimateTokens(reply) {
		t.Fatalf("usage = %+v", usage)
	}
	if err := eng.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
}

func TestGenkitFactory_NilPlan(t *testing.T) {
	if _, err := (&GenkitFactory{}).New(nil, "s", nil); err == nil {
		t.Fatal("expected error for nil plan")
	}
}

func TestBlockSignals_TypeChangeStartsNewBlock(t *testing.T) {
	type sig struct {
		event string
		data  map[string]any
	}
	var got []sig
	s := &blockSignals{emit: func(_ context.Context, event string, data map[string]any) {
		got = append(got, sig{event, data})
	}}
	ctx := context.Background()
	s.write(ctx, "thinking", "foo")
	s.write(ctx, "thinking", "bar")
	s.write(ctx, "text", "answer")
	s.finish(ctx, map[string]any{"input_tokens": 10, "output_tokens": 5})

	want := []string{
		hooks.ContentBlockStart, hooks.ContentBlockDelta, hooks.ContentBlockDelta, hooks.ContentBlockEnd,
		hooks.ContentBlockStart, hooks.ContentBlockDelta, hooks.ContentBlockEnd,
	}
	if len(got) != len(want) {
		t.Fatalf("got %d signals, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].event != w {
			t.Fatalf("signal %d = %s, want %s", i, got[i].event, w)
		}
	}
	if _, ok := got[3].data["usage"]; ok {
		t.Fatal("only the last block may carry usage")
	}
	last := got[6].data
	if last["block_index"] != 1 || last["total_blocks"] != 2 || last["usage"] == nil {
		t.Fatalf("last end = %v", last)
	}
}

func TestBlockSignals_UsageWithoutContent(t *testing.T) {
	var events []string
	s := &blockSignals{emit: func(_ context.Context, event string, _ map[string]any) { events = append(events, event) }}
	s.finish(context.Background(), map[string]any{"input_tokens": 1})
	if len(events) != 2 || events[0] != hooks.ContentBlockStart || events[1] != hooks.ContentBlockEnd {
		t.Fatalf("events = %v", events)
	}

	events = nil
	s = &blockSignals{emit: func(_ context.Context, event string, _ map[string]any) { events = append(events, event) }}
	s.finish(context.Background(), nil)
	if len(events) != 0 {
		t.Fatalf("empty stream without usage should emit nothing, got %v", events)
	}
}
