package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/basket/go-amplifier/internal/hooks"
	"github.com/basket/go-amplifier/internal/profile"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

const defaultMaxTurns = 8

var ErrNotInitialized = errors.New("engine: not initialized")

var defaultModels = map[string]string{
	"provider-anthropic": "claude-sonnet-4-5",
	"provider-openai":    "gpt-4o",
	"provider-gemini":    "gemini-2.5-flash",
}

// BashOptions selects where the bash tool runs.
type BashOptions struct {
	Sandbox  bool
	Image    string
	MemoryMB int64
	Network  string
}

// GenkitFactory builds GenkitEngines.
type GenkitFactory struct {
	// DefaultModel overrides the per-provider default when the profile
	// names no model.
	DefaultModel string
	MaxTurns     int
	Bash         BashOptions
	Logger       *slog.Logger
}

func (f *GenkitFactory) New(plan *profile.MountPlan, sessionID string, approver Approver) (Engine, error) {
	if plan == nil {
		return nil, fmt.Errorf("engine: nil mount plan")
	}
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxTurns := f.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	return &GenkitEngine{
		plan:         plan,
		sessionID:    sessionID,
		approver:     approver,
		coord:        NewCoordinator(),
		defaultModel: f.DefaultModel,
		maxTurns:     maxTurns,
		bash:         f.Bash,
		logger:       logger.With("session_id", sessionID),
	}, nil
}

// GenkitEngine drives one provider through genkit. Without provider
// credentials it echoes prompts back so sessions stay usable offline.
type GenkitEngine struct {
	plan         *profile.MountPlan
	sessionID    string
	approver     Approver
	coord        *Coordinator
	defaultModel string
	maxTurns     int
	bash         BashOptions
	logger       *slog.Logger

	mu          sync.Mutex
	initialized bool
	g           *genkit.Genkit
	provider    string
	model       string
	system      string
	tools       []ai.ToolRef
	toolset     *Toolset
	sandbox     *DockerSandbox
	history     []*ai.Message
}

func (e *GenkitEngine) Coordinator() *Coordinator { return e.coord }

// Provider reports the active provider module, or "echo".
func (e *GenkitEngine) Provider() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.provider == "" {
		return "echo"
	}
	return e.provider
}

func (e *GenkitEngine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return nil
	}

	resolver := NewModuleSourceResolver(e.logger)
	if v, ok := e.coord.Mounted(ResolverMount); ok {
		if r, ok := v.(*ModuleSourceResolver); ok {
			resolver = r
		}
	}

	var provider *profile.ModuleConfig
	for i := range e.plan.Providers {
		m := &e.plan.Providers[i]
		if _, err := resolver.Resolve(m.Module, m.Source); err != nil {
			e.logger.Warn("skipping provider", "module", m.Module, "error", err)
			continue
		}
		if configString(m.Config, "api_key") != "" {
			provider = m
			break
		}
	}

	toolset, err := e.buildToolset(resolver)
	if err != nil {
		return err
	}
	e.toolset = toolset

	e.system = configString(e.plan.Orchestrator.Config, "system_instruction")
	if n := configInt(e.plan.Orchestrator.Config, "max_turns"); n > 0 {
		e.maxTurns = n
	}

	if provider == nil {
		e.logger.Warn("no provider credentials; using deterministic echo")
		e.initialized = true
		return nil
	}

	g, model, err := e.initProvider(ctx, provider)
	if err != nil {
		return err
	}
	e.g = g
	e.provider = provider.Module
	e.model = model
	e.tools = e.defineTools()
	e.initialized = true
	e.logger.Info("engine initialized", "provider", provider.Module, "model", model, "tools", len(e.tools))
	return nil
}

func (e *GenkitEngine) initProvider(ctx context.Context, m *profile.ModuleConfig) (*genkit.Genkit, string, error) {
	key := configString(m.Config, "api_key")
	model := configString(m.Config, "model")
	if model == "" {
		model = e.defaultModel
	}
	if model == "" {
		model = defaultModels[m.Module]
	}
	baseURL := configString(m.Config, "base_url")
	switch m.Module {
	case "provider-anthropic":
		if baseURL == "" {
			baseURL = os.Getenv("ANTHROPIC_BASE_URL")
		}
		g := genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{APIKey: key, BaseURL: baseURL}))
		return g, "anthropic/" + model, nil
	case "provider-openai":
		if baseURL == "" {
			baseURL = os.Getenv("OPENAI_BASE_URL")
		}
		g := genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{Provider: "openai", APIKey: key, BaseURL: baseURL}))
		return g, "openai/" + model, nil
	case "provider-gemini":
		g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{APIKey: key}))
		return g, "googleai/" + model, nil
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownModule, m.Module)
	}
}

func (e *GenkitEngine) buildToolset(resolver *ModuleSourceResolver) (*Toolset, error) {
	opts := ToolsetOptions{Logger: e.logger}
	for _, m := range e.plan.Tools {
		if _, err := resolver.Resolve(m.Module, m.Source); err != nil {
			e.logger.Warn("skipping tool", "module", m.Module, "error", err)
			continue
		}
		if wd := configString(m.Config, "working_dir"); wd != "" && opts.WorkDir == "" {
			opts.WorkDir = wd
		}
		if m.Module == "tool-filesystem" {
			opts.AllowedWritePaths = configStrings(m.Config, "allowed_write_paths")
		}
	}
	if e.bash.Sandbox && profile.Module(e.plan.Tools, "tool-bash") != nil {
		sb, err := NewDockerSandbox(e.bash.Image, e.bash.MemoryMB, e.bash.Network, opts.WorkDir)
		if err != nil {
			return nil, fmt.Errorf("bash sandbox: %w", err)
		}
		e.sandbox = sb
		opts.Executor = sb
	}
	return NewToolset(e.coord, e.approver, opts), nil
}

func (e *GenkitEngine) defineTools() []ai.ToolRef {
	ts := e.toolset
	var refs []ai.ToolRef
	if profile.Module(e.plan.Tools, "tool-filesystem") != nil {
		refs = append(refs,
			genkit.DefineTool(e.g, "read_file",
				"Read a text file (max 100KB). Relative paths resolve against the workspace.",
				func(ctx *ai.ToolContext, in ReadFileInput) (ReadFileOutput, error) {
					out, err := ts.ReadFile(ctx, in)
					err = soften(&out.Outcome, err)
					return out, err
				}),
			genkit.DefineTool(e.g, "write_file",
				"Write content to a file inside the allowed write paths. Requires user approval.",
				func(ctx *ai.ToolContext, in WriteFileInput) (WriteFileOutput, error) {
					out, err := ts.WriteFile(ctx, in)
					err = soften(&out.Outcome, err)
					return out, err
				}),
			genkit.DefineTool(e.g, "edit_file",
				"Replace old_string with new_string in a file. old_string must occur exactly once. Requires user approval.",
				func(ctx *ai.ToolContext, in EditFileInput) (EditFileOutput, error) {
					out, err := ts.EditFile(ctx, in)
					err = soften(&out.Outcome, err)
					return out, err
				}),
			genkit.DefineTool(e.g, "list_directory",
				"List a directory (max 200 entries).",
				func(ctx *ai.ToolContext, in ListDirectoryInput) (ListDirectoryOutput, error) {
					out, err := ts.ListDirectory(ctx, in)
					err = soften(&out.Outcome, err)
					return out, err
				}),
		)
	}
	if profile.Module(e.plan.Tools, "tool-search") != nil {
		refs = append(refs, genkit.DefineTool(e.g, "search_files",
			"Search workspace files for lines containing pattern.",
			func(ctx *ai.ToolContext, in SearchFilesInput) (SearchFilesOutput, error) {
				out, err := ts.SearchFiles(ctx, in)
				err = soften(&out.Outcome, err)
				return out, err
			}))
	}
	if profile.Module(e.plan.Tools, "tool-bash") != nil {
		refs = append(refs, genkit.DefineTool(e.g, "bash",
			"Run a shell command in the workspace. Output is truncated to 8KB. Requires user approval.",
			func(ctx *ai.ToolContext, in BashInput) (BashOutput, error) {
				out, err := ts.Bash(ctx, in)
				err = soften(&out.Outcome, err)
				return out, err
			}))
	}
	return refs
}

// soften reports tool failures to the model through Outcome. Only context
// cancellation aborts the generation.
func soften(o *Outcome, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	o.Error = err.Error()
	return nil
}

func (e *GenkitEngine) Execute(ctx context.Context, prompt string) (string, error) {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return "", ErrNotInitialized
	}
	g, model, system, tools, maxTurns := e.g, e.model, e.system, e.tools, e.maxTurns
	history := append([]*ai.Message(nil), e.history...)
	e.mu.Unlock()

	sig := &blockSignals{emit: e.signal}
	var reply string
	var err error
	if g == nil {
		reply, err = e.echo(ctx, sig, prompt)
	} else {
		reply, err = e.generate(ctx, sig, g, model, system, tools, maxTurns, history, prompt)
	}
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	e.history = append(e.history,
		&ai.Message{Role: ai.RoleUser, Content: []*ai.Part{ai.NewTextPart(prompt)}},
		&ai.Message{Role: ai.RoleModel, Content: []*ai.Part{ai.NewTextPart(reply)}},
	)
	e.mu.Unlock()
	return reply, nil
}

func (e *GenkitEngine) generate(ctx context.Context, sig *blockSignals, g *genkit.Genkit, model, system string, tools []ai.ToolRef, maxTurns int, history []*ai.Message, prompt string) (string, error) {
	opts := []ai.GenerateOption{
		ai.WithModelName(model),
		ai.WithPrompt(prompt),
	}
	if system != "" {
		// WithSystem formats its argument.
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(system, "%", "%%")))
	}
	if len(history) > 0 {
		opts = append(opts, ai.WithMessages(history...))
	}
	if len(tools) > 0 {
		opts = append(opts, ai.WithTools(tools...), ai.WithMaxTurns(maxTurns))
	}

	var streamed strings.Builder
	var final string
	var usage map[string]any
	for v, err := range genkit.GenerateStream(ctx, g, opts...) {
		if err != nil {
			return "", fmt.Errorf("stream error: %w", err)
		}
		if v.Chunk != nil {
			for _, part := range v.Chunk.Content {
				switch {
				case part.IsReasoning() && part.Text != "":
					sig.write(ctx, "thinking", part.Text)
				case part.Kind == ai.PartText && part.Text != "":
					sig.write(ctx, "text", part.Text)
					streamed.WriteString(part.Text)
				}
			}
		}
		if v.Done && v.Response != nil {
			final = v.Response.Text()
			if u := v.Response.Usage; u != nil {
				usage = map[string]any{"input_tokens": u.InputTokens, "output_tokens": u.OutputTokens}
			}
		}
	}
	sig.finish(ctx, usage)
	if streamed.Len() > 0 {
		return streamed.String(), nil
	}
	return final, nil
}

// echo streams the prompt back in word-sized chunks.
func (e *GenkitEngine) echo(ctx context.Context, sig *blockSignals, prompt string) (string, error) {
	reply := "Echo: " + prompt
	for _, word := range strings.SplitAfter(reply, " ") {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		sig.write(ctx, "text", word)
	}
	sig.finish(ctx, map[string]any{
		"input_tokens":  estimateTokens(prompt),
		"output_tokens": estimateTokens(reply),
	})
	return reply, nil
}

func estimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}

func (e *GenkitEngine) signal(ctx context.Context, event string, data map[string]any) {
	if _, err := e.coord.Hooks().Emit(ctx, event, data); err != nil {
		e.logger.Debug("hook handler failed", "event", event, "error", err)
	}
}

func (e *GenkitEngine) Cleanup(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = nil
	e.initialized = false
	if e.sandbox != nil {
		err := e.sandbox.Close()
		e.sandbox = nil
		return err
	}
	return nil
}

// blockSignals turns a stream of typed text fragments into
// content_block:start/delta/end signals. A block ends when the fragment type
// changes; the final block's end carries total_blocks and usage.
type blockSignals struct {
	emit  func(ctx context.Context, event string, data map[string]any)
	index int
	kind  string
	open  bool
	count int
}

func (s *blockSignals) write(ctx context.Context, kind, text string) {
	if s.open && s.kind != kind {
		s.emit(ctx, hooks.ContentBlockEnd, map[string]any{"block_index": s.index})
		s.index++
		s.open = false
	}
	if !s.open {
		s.kind, s.open = kind, true
		s.count++
		s.emit(ctx, hooks.ContentBlockStart, map[string]any{"block_index": s.index, "block_type": kind})
	}
	delta := map[string]any{"type": "text_delta", "text": text}
	if kind == "thinking" {
		delta = map[string]any{"type": "thinking_delta", "thinking": text}
	}
	s.emit(ctx, hooks.ContentBlockDelta, map[string]any{"index": s.index, "delta": delta})
}

func (s *blockSignals) finish(ctx context.Context, usage map[string]any) {
	if !s.open {
		if usage == nil {
			return
		}
		s.count++
		s.emit(ctx, hooks.ContentBlockStart, map[string]any{"block_index": s.index, "block_type": "text"})
	}
	data := map[string]any{"block_index": s.index, "total_blocks": s.count}
	if usage != nil {
		data["usage"] = usage
	}
	s.emit(ctx, hooks.ContentBlockEnd, data)
	s.open = false
}

func configString(cfg map[string]any, key string) string {
	s, _ := cfg[key].(string)
	return strings.TrimSpace(s)
}

func configInt(cfg map[string]any, key string) int {
	switch n := cfg[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func configStrings(cfg map[string]any, key string) []string {
	switch v := cfg[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}
