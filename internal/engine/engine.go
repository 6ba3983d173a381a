// Package engine is the orchestrator boundary of a session: the coordinator
// carrying hooks and capabilities, the genkit-backed engine and the
// workspace tools it exposes to the model.
package engine

import (
	"context"
	"sync"

	"github.com/basket/go-amplifier/internal/hooks"
	"github.com/basket/go-amplifier/internal/profile"
)

// Coordinator is the per-session registry the engine and its observers share.
type Coordinator struct {
	hooks *hooks.Registry
	caps  *hooks.Capabilities

	mu     sync.RWMutex
	mounts map[string]any
}

func NewCoordinator() *Coordinator {
	return &Coordinator{
		hooks:  hooks.NewRegistry(),
		caps:   hooks.NewCapabilities(),
		mounts: make(map[string]any),
	}
}

func (c *Coordinator) Hooks() *hooks.Registry { return c.hooks }

func (c *Coordinator) Capabilities() *hooks.Capabilities { return c.caps }

// Mount attaches a named component, replacing any previous mount.
func (c *Coordinator) Mount(name string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mounts[name] = v
}

func (c *Coordinator) Mounted(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.mounts[name]
	return v, ok
}

// Engine runs prompts for one session.
type Engine interface {
	Coordinator() *Coordinator
	Initialize(ctx context.Context) error
	Execute(ctx context.Context, prompt string) (string, error)
	Cleanup(ctx context.Context) error
}

// Approver blocks until the user answers an AskUser directive.
type Approver interface {
	RequestApproval(ctx context.Context, ask hooks.AskUser) (string, error)
}

// Factory builds an engine from a compiled mount plan.
type Factory interface {
	New(plan *profile.MountPlan, sessionID string, approver Approver) (Engine, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(plan *profile.MountPlan, sessionID string, approver Approver) (Engine, error)

func (f FactoryFunc) New(plan *profile.MountPlan, sessionID string, approver Approver) (Engine, error) {
	return f(plan, sessionID, approver)
}
