package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ResolverMount is the coordinator mount name of the module source resolver.
const ResolverMount = "module-source-resolver"

var ErrUnknownModule = errors.New("engine: unknown module")

// ModuleKind groups modules by the slot they fill in a mount plan.
type ModuleKind string

const (
	KindProvider     ModuleKind = "provider"
	KindTool         ModuleKind = "tool"
	KindHook         ModuleKind = "hook"
	KindOrchestrator ModuleKind = "orchestrator"
)

// Resolution is where a module's implementation comes from.
type Resolution struct {
	Module  string
	Kind    ModuleKind
	Source  string
	Builtin bool
}

var builtinModules = map[string]ModuleKind{
	"provider-anthropic": KindProvider,
	"provider-openai":    KindProvider,
	"provider-gemini":    KindProvider,
	"tool-filesystem":    KindTool,
	"tool-bash":          KindTool,
	"tool-search":        KindTool,
	"hooks-logging":      KindHook,
	"hooks-streaming-ui": KindHook,
	"loop-basic":         KindOrchestrator,
	"loop-streaming":     KindOrchestrator,
}

// ModuleSourceResolver maps profile module references onto the builtin
// implementations compiled into this binary. Remote sources (git+https and
// the like) are recorded but never fetched.
type ModuleSourceResolver struct {
	logger *slog.Logger
}

func NewModuleSourceResolver(logger *slog.Logger) *ModuleSourceResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModuleSourceResolver{logger: logger}
}

func (r *ModuleSourceResolver) Resolve(module, source string) (Resolution, error) {
	name := strings.TrimSpace(module)
	kind, ok := builtinModules[name]
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %q", ErrUnknownModule, name)
	}
	if source != "" && !strings.HasPrefix(source, "builtin") {
		r.logger.Debug("module source not fetched, using builtin", "module", name, "source", source)
	}
	return Resolution{Module: name, Kind: kind, Source: source, Builtin: true}, nil
}
