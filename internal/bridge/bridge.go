// Package bridge turns engine progress signals into UI events.
package bridge

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/basket/go-amplifier/internal/hooks"
)

const (
	Priority = 1000
	// TokenUsageCapability is the capability name under which the bridge
	// exposes a func() TokenUsage.
	TokenUsageCapability = "token_usage"
)

// TokenUsage is cumulative usage for a session.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// EmitFunc pushes a UI event; the caller adds session_id.
type EmitFunc func(event string, data map[string]any)

// Bridge holds the streaming state for one session.
type Bridge struct {
	emit   EmitFunc
	logger *slog.Logger

	mu            sync.Mutex
	thinking      strings.Builder
	thinkingIndex *int
	usage         TokenUsage
}

func New(emit EmitFunc, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{emit: emit, logger: logger}
}

// Register installs the bridge handlers and the token_usage capability. It
// returns one unregister function per handler.
func (b *Bridge) Register(reg *hooks.Registry, caps *hooks.Capabilities) []func() error {
	if caps != nil {
		caps.Register(TokenUsageCapability, b.Usage)
	}
	return []func() error{
		reg.Register(hooks.ContentBlockStart, Priority, "ide-streaming-start", b.onBlockStart),
		reg.Register(hooks.ContentBlockDelta, Priority, "ide-streaming-delta", b.onBlockDelta),
		reg.Register(hooks.ContentBlockEnd, Priority, "ide-streaming-end", b.onBlockEnd),
		reg.Register(hooks.ToolPre, Priority, "ide-tool-pre", b.onToolPre),
		reg.Register(hooks.ToolPost, Priority, "ide-tool-post", b.onToolPost),
	}
}

// Usage returns a copy of the accumulated token usage.
func (b *Bridge) Usage() TokenUsage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usage
}

func (b *Bridge) onBlockStart(_ context.Context, _ string, data map[string]any) (hooks.Result, error) {
	blockType, _ := data["block_type"].(string)
	if blockType != "thinking" {
		return hooks.ContinueResult(), nil
	}
	idx := firstInt(data, "block_index", "index")
	b.mu.Lock()
	b.thinking.Reset()
	b.thinkingIndex = &idx
	b.mu.Unlock()
	b.logger.Debug("thinking block started", "block_index", idx)
	return hooks.ContinueResult(), nil
}

func (b *Bridge) onBlockDelta(_ context.Context, _ string, data map[string]any) (hooks.Result, error) {
	delta, _ := data["delta"].(map[string]any)
	idx := firstInt(data, "index", "block_index")
	switch delta["type"] {
	case "text_delta":
		if text, _ := delta["text"].(string); text != "" {
			b.emit("content_block:delta", map[string]any{
				"block_index": idx,
				"delta":       text,
			})
		}
	case "thinking_delta":
		if text, _ := delta["thinking"].(string); text != "" {
			b.mu.Lock()
			b.thinking.WriteString(text)
			b.mu.Unlock()
		}
	}
	return hooks.ContinueResult(), nil
}

func (b *Bridge) onBlockEnd(_ context.Context, _ string, data map[string]any) (hooks.Result, error) {
	idx := firstInt(data, "block_index", "index")
	total, _ := intValue(data["total_blocks"])
	isLast := total > 0 && idx == total-1
	if flag, ok := data["is_last_block"].(bool); ok {
		isLast = flag
	}

	var thinking string
	b.mu.Lock()
	if usage, ok := data["usage"].(map[string]any); ok && isLast {
		in, _ := intValue(usage["input_tokens"])
		out, _ := intValue(usage["output_tokens"])
		b.usage.InputTokens += in
		b.usage.OutputTokens += out
	}
	if b.thinkingIndex != nil && *b.thinkingIndex == idx {
		thinking = b.thinking.String()
		if thinking == "" {
			block, _ := data["block"].(map[string]any)
			for _, key := range []string{"thinking", "content", "text"} {
				if s, _ := block[key].(string); s != "" {
					thinking = s
					break
				}
			}
		}
		if thinking != "" {
			b.thinking.Reset()
			b.thinkingIndex = nil
		}
	}
	b.mu.Unlock()

	if thinking != "" {
		b.emit("thinking:delta", map[string]any{"delta": thinking})
	}
	return hooks.ContinueResult(), nil
}

func (b *Bridge) onToolPre(_ context.Context, _ string, data map[string]any) (hooks.Result, error) {
	toolName := toolNameOf(data)
	input, _ := data["input"].(map[string]any)
	if input == nil {
		input = map[string]any{}
	}
	b.emit("tool:pre", map[string]any{
		"tool_name": toolName,
		"operation": operationOf(data, toolName),
		"input":     input,
	})
	return hooks.ContinueResult(), nil
}

func (b *Bridge) onToolPost(_ context.Context, _ string, data map[string]any) (hooks.Result, error) {
	toolName := toolNameOf(data)
	result := data["result"]
	if result == nil {
		result = map[string]any{}
	}
	b.emit("tool:post", map[string]any{
		"tool_name":   toolName,
		"operation":   operationOf(data, toolName),
		"result":      result,
		"duration_ms": data["duration_ms"],
	})
	return hooks.ContinueResult(), nil
}

func toolNameOf(data map[string]any) string {
	if s, _ := data["tool_name"].(string); s != "" {
		return s
	}
	return "unknown"
}

func operationOf(data map[string]any, toolName string) string {
	if use, ok := data["tool_use"].(map[string]any); ok {
		if name, _ := use["name"].(string); name != "" {
			return name
		}
	}
	return toolName
}

func firstInt(data map[string]any, keys ...string) int {
	for _, k := range keys {
		if v, ok := intValue(data[k]); ok {
			return v
		}
	}
	return 0
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	default:
		return 0, false
	}
}
