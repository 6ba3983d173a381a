// Package hooks is the priority-ordered hook registry shared by the engine,
// the approval gate and the streaming bridge.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Well-known engine signals.
const (
	ContentBlockStart = "content_block:start"
	ContentBlockDelta = "content_block:delta"
	ContentBlockEnd   = "content_block:end"
	ToolPre           = "tool:pre"
	ToolPost          = "tool:post"
)

type Action int

const (
	Continue Action = iota
	AskUserAction
)

func (a Action) String() string {
	switch a {
	case AskUserAction:
		return "ask_user"
	default:
		return "continue"
	}
}

// AskUser asks the session's approver for a decision before the engine
// proceeds.
type AskUser struct {
	Prompt  string
	Options []string
	Timeout time.Duration
	Default string
	Context map[string]any
}

// Result is the directive a handler returns. AskUser is set only when
// Action is AskUserAction.
type Result struct {
	Action  Action
	AskUser *AskUser
}

func ContinueResult() Result { return Result{Action: Continue} }

func AskUserResult(a AskUser) Result { return Result{Action: AskUserAction, AskUser: &a} }

type Handler func(ctx context.Context, event string, data map[string]any) (Result, error)

type registration struct {
	event    string
	priority int
	name     string
	seq      uint64
	handler  Handler
}

// Registry dispatches events to handlers in ascending priority; equal
// priorities keep registration order.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]registration
	seq      uint64
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]registration)}
}

// Register adds h for event and returns a function that removes it. The
// unregister function reports an error when called twice.
func (r *Registry) Register(event string, priority int, name string, h Handler) func() error {
	r.mu.Lock()
	r.seq++
	reg := registration{event: event, priority: priority, name: name, seq: r.seq, handler: h}
	list := append(r.handlers[event], reg)
	sort.SliceStable(list, func(i, j int) bool { return list[i].priority < list[j].priority })
	r.handlers[event] = list
	r.mu.Unlock()

	return func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.handlers[event]
		for i, existing := range list {
			if existing.seq == reg.seq {
				r.handlers[event] = append(list[:i:i], list[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("hook %q on %s already unregistered", name, event)
	}
}

// Emit runs every handler for event. The first AskUser directive is
// returned; later handlers still run so observers see the signal. Handler
// errors are joined and do not stop dispatch.
func (r *Registry) Emit(ctx context.Context, event string, data map[string]any) (Result, error) {
	r.mu.RLock()
	list := make([]registration, len(r.handlers[event]))
	copy(list, r.handlers[event])
	r.mu.RUnlock()

	out := ContinueResult()
	var errs []error
	for _, reg := range list {
		res, err := reg.handler(ctx, event, data)
		if err != nil {
			errs = append(errs, fmt.Errorf("hook %s: %w", reg.name, err))
			continue
		}
		if res.Action == AskUserAction && res.AskUser != nil && out.Action == Continue {
			out = res
		}
	}
	return out, errors.Join(errs...)
}

// Names lists handler names for event in dispatch order.
func (r *Registry) Names(event string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers[event]))
	for _, reg := range r.handlers[event] {
		names = append(names, reg.name)
	}
	return names
}

// Capabilities is a named registry of values modules expose to each other,
// such as the bridge's token_usage reader.
type Capabilities struct {
	mu   sync.RWMutex
	caps map[string]any
}

func NewCapabilities() *Capabilities {
	return &Capabilities{caps: make(map[string]any)}
}

func (c *Capabilities) Register(name string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caps[name] = v
}

func (c *Capabilities) Get(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.caps[name]
	return v, ok
}
