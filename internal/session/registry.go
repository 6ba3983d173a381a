package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Registry indexes live sessions by id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Runner
	max      int
	logger   *slog.Logger
}

// NewRegistry returns a registry holding at most max sessions; zero means
// unlimited.
func NewRegistry(max int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{sessions: make(map[string]*Runner), max: max, logger: logger}
}

func (g *Registry) Add(r *Runner) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.max > 0 && len(g.sessions) >= g.max {
		return &Error{
			Kind:    KindSessionLimit,
			Message: fmt.Sprintf("Maximum number of sessions (%d) reached", g.max),
			Details: map[string]any{"max_sessions": g.max},
		}
	}
	if _, exists := g.sessions[r.ID()]; exists {
		return &Error{Kind: KindInvalidState, Message: fmt.Sprintf("Session '%s' already exists", r.ID())}
	}
	g.sessions[r.ID()] = r
	return nil
}

// Reserve checks the session limit without inserting anything.
func (g *Registry) Reserve() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.max > 0 && len(g.sessions) >= g.max {
		return &Error{
			Kind:    KindSessionLimit,
			Message: fmt.Sprintf("Maximum number of sessions (%d) reached", g.max),
			Details: map[string]any{"max_sessions": g.max},
		}
	}
	return nil
}

func (g *Registry) Get(id string) (*Runner, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.sessions[id]
	if !ok {
		return nil, notFound(id)
	}
	return r, nil
}

// Remove deletes id and reports whether it was present.
func (g *Registry) Remove(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.sessions[id]
	delete(g.sessions, id)
	return ok
}

// List returns sessions ordered by creation time, oldest first.
func (g *Registry) List() []*Runner {
	g.mu.RLock()
	out := make([]*Runner, 0, len(g.sessions))
	for _, r := range g.sessions {
		out = append(out, r)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt().Equal(out[j].CreatedAt()) {
			return out[i].ID() < out[j].ID()
		}
		return out[i].CreatedAt().Before(out[j].CreatedAt())
	})
	return out
}

// Idle returns the ids of idle sessions inactive for longer than threshold.
func (g *Registry) Idle(now time.Time, threshold time.Duration) []string {
	var ids []string
	for _, r := range g.List() {
		if d, ok := r.IdleFor(now); ok && d > threshold {
			ids = append(ids, r.ID())
		}
	}
	return ids
}

func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// Stop stops id and removes it. The session is removed even when Stop
// fails.
func (g *Registry) Stop(ctx context.Context, id string) error {
	r, err := g.Get(id)
	if err != nil {
		return err
	}
	stopErr := r.Stop(ctx)
	g.Remove(id)
	return stopErr
}

// StopIdle stops and removes id only if it is still idle past threshold.
// It reports whether the session was stopped; a session that went busy or
// is already gone is left alone.
func (g *Registry) StopIdle(ctx context.Context, id string, now time.Time, threshold time.Duration) (bool, error) {
	r, err := g.Get(id)
	if err != nil {
		return false, nil
	}
	stopped, stopErr := r.StopIfIdle(ctx, now, threshold)
	if stopped {
		g.Remove(id)
	}
	return stopped, stopErr
}

// StopAll stops and removes every session.
func (g *Registry) StopAll(ctx context.Context) {
	for _, r := range g.List() {
		if err := g.Stop(ctx, r.ID()); err != nil {
			g.logger.Warn("stop session on shutdown", "session_id", r.ID(), "error", err)
		}
	}
}
