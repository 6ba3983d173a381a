// Package approval gates side-effecting tool calls behind a user decision.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/basket/go-amplifier/internal/hooks"
)

const (
	GatePriority   = 500
	GateName       = "ide-approval-gate"
	DefaultTimeout = 300 * time.Second
)

// Canonical decisions.
const (
	AlwaysAllow = "AlwaysAllow"
	Allow       = "Allow"
	Deny        = "Deny"
)

// Reasons attached to decisions that did not come from the user.
const (
	ReasonTimeout   = "timeout"
	ReasonStopped   = "session_stopped"
	ReasonCancelled = "cancelled"
)

var (
	ErrNoPending       = errors.New("no pending approval")
	ErrApprovalPending = errors.New("another approval is already pending")
	ErrInvalidDecision = errors.New("invalid approval decision")
	ErrStaleApproval   = errors.New("approval is no longer pending")
)

// RequiredTools lists tools that need a decision before they run.
var RequiredTools = map[string]bool{
	"write_file": true,
	"edit_file":  true,
	"bash":       true,
	"git":        true,
}

// GateOptions are the choices offered for a gated tool call.
var GateOptions = []string{AlwaysAllow, Allow, Deny}

// BuildPrompt renders the question shown to the user for a tool call.
func BuildPrompt(toolName string, input map[string]any) string {
	switch toolName {
	case "write_file":
		path := stringField(input, "file_path", "file")
		content := stringField(input, "content", "")
		return fmt.Sprintf("Allow writing %d characters to '%s'?", utf8.RuneCountInString(content), path)
	case "edit_file":
		path := stringField(input, "file_path", "file")
		oldLen := utf8.RuneCountInString(stringField(input, "old_string", ""))
		newLen := utf8.RuneCountInString(stringField(input, "new_string", ""))
		return fmt.Sprintf("Allow editing '%s' (replacing %d chars with %d chars)?", path, oldLen, newLen)
	case "bash":
		cmd := stringField(input, "command", "command")
		if utf8.RuneCountInString(cmd) > 60 {
			cmd = string([]rune(cmd)[:57]) + "..."
		}
		return "Allow running: " + cmd
	case "git":
		return fmt.Sprintf("Allow git %s?", stringField(input, "operation", "operation"))
	default:
		return fmt.Sprintf("Allow %s operation?", toolName)
	}
}

func stringField(m map[string]any, key, fallback string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return fallback
}

// NormalizeDecision maps user input onto a canonical decision. Extra options
// offered by the pending request (such as "Skip") are accepted verbatim.
func NormalizeDecision(decision string, offered ...string) (string, error) {
	d := strings.TrimSpace(decision)
	switch strings.ToLower(d) {
	case "alwaysallow", "always_allow", "always-allow", "always allow":
		return AlwaysAllow, nil
	case "allow":
		return Allow, nil
	case "deny":
		return Deny, nil
	}
	for _, opt := range offered {
		if d != "" && strings.EqualFold(opt, d) {
			return opt, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
}

// Gate is the tool:pre hook that turns gated tool calls into AskUser
// directives.
type Gate struct {
	// AlwaysAllow reports the session's sticky always-allow flag.
	AlwaysAllow func() bool
	Timeout     time.Duration
	Logger      *slog.Logger
}

func (g *Gate) Handle(ctx context.Context, event string, data map[string]any) (hooks.Result, error) {
	toolName, _ := data["tool_name"].(string)
	if toolName == "" {
		g.logger().Warn("tool:pre signal missing tool_name")
		return hooks.ContinueResult(), nil
	}
	if !RequiredTools[toolName] {
		return hooks.ContinueResult(), nil
	}
	if g.AlwaysAllow != nil && g.AlwaysAllow() {
		g.logger().Debug("tool auto-approved", "tool", toolName)
		return hooks.ContinueResult(), nil
	}
	input, _ := data["input"].(map[string]any)
	if input == nil {
		input = map[string]any{}
	}
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	prompt := BuildPrompt(toolName, input)
	g.logger().Info("tool requires approval", "tool", toolName, "prompt", prompt)
	return hooks.AskUserResult(hooks.AskUser{
		Prompt:  prompt,
		Options: append([]string(nil), GateOptions...),
		Timeout: timeout,
		Default: Deny,
		Context: map[string]any{
			"tool_name": toolName,
			"input":     input,
			"event":     event,
		},
	}), nil
}

func (g *Gate) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

// Register installs the gate on reg and returns its unregister function.
func (g *Gate) Register(reg *hooks.Registry) func() error {
	return reg.Register(hooks.ToolPre, GatePriority, GateName, g.Handle)
}
