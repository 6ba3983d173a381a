package approval

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-amplifier/internal/hooks"
	"github.com/basket/go-amplifier/internal/shared"
)

// Pending describes the approval a session is waiting on.
type Pending struct {
	ApprovalID string         `json:"approval_id"`
	Prompt     string         `json:"prompt"`
	Options    []string       `json:"options"`
	Context    map[string]any `json:"context"`
	Timeout    time.Duration  `json:"-"`
	Default    string         `json:"-"`
	CreatedAt  time.Time      `json:"-"`
}

// Callbacks connect a Broker to its session. All are invoked without mu
// held; they must not call back into Resolve or Cancel.
type Callbacks struct {
	// Emit pushes a UI event.
	Emit func(event string, data map[string]any)
	// Opened runs after a pending approval is recorded.
	Opened func(p Pending)
	// Closed runs once per pending approval, after it was cleared.
	Closed func(p Pending, decision, reason string, waited time.Duration)
}

// Broker owns one session's pending approval and its signal. The two are
// always set and cleared together under mu. announce is held from recording
// a pending approval until approval:required is out, and by Resolve and
// Cancel, so an outcome never precedes its announcement.
type Broker struct {
	announce    sync.Mutex
	mu          sync.Mutex
	pending     *Pending
	signal      *Signal
	alwaysAllow atomic.Bool

	timeout time.Duration
	cb      Callbacks
	logger  *slog.Logger
}

func NewBroker(timeout time.Duration, cb Callbacks, logger *slog.Logger) *Broker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{timeout: timeout, cb: cb, logger: logger}
}

// AlwaysAllow reports the sticky flag set by an AlwaysAllow decision.
func (b *Broker) AlwaysAllow() bool {
	return b.alwaysAllow.Load()
}

// Pending returns a copy of the outstanding approval, or nil.
func (b *Broker) Pending() *Pending {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		return nil
	}
	p := *b.pending
	p.Options = append([]string(nil), b.pending.Options...)
	return &p
}

// Request publishes an approval:required event and blocks until the user
// decides, the timeout elapses or ctx ends. A second request while one is
// outstanding is denied with ErrApprovalPending.
func (b *Broker) Request(ctx context.Context, ask hooks.AskUser) (string, error) {
	options := ask.Options
	if len(options) == 0 {
		options = []string{Allow, Deny}
	}
	timeout := ask.Timeout
	if timeout <= 0 {
		timeout = b.timeout
	}
	def, err := NormalizeDecision(ask.Default, options...)
	if err != nil {
		def = Deny
	}
	ctxData := ask.Context
	if ctxData == nil {
		ctxData = map[string]any{}
	}

	p := Pending{
		ApprovalID: shared.NewApprovalID(),
		Prompt:     ask.Prompt,
		Options:    append([]string(nil), options...),
		Context:    ctxData,
		Timeout:    timeout,
		Default:    def,
		CreatedAt:  time.Now(),
	}
	sig := NewSignal()

	b.announce.Lock()
	b.mu.Lock()
	if b.pending != nil {
		b.mu.Unlock()
		b.announce.Unlock()
		b.logger.Warn("approval requested while another is pending", "prompt", ask.Prompt)
		return Deny, ErrApprovalPending
	}
	b.pending = &p
	b.signal = sig
	b.mu.Unlock()

	if b.cb.Opened != nil {
		b.cb.Opened(p)
	}
	b.emit("approval:required", map[string]any{
		"approval_id": p.ApprovalID,
		"prompt":      p.Prompt,
		"options":     p.Options,
		"timeout":     timeout.Seconds(),
		"default":     def,
		"context":     ctxData,
	})
	b.announce.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-sig.C():
		return out.Decision, nil
	case <-timer.C:
		if b.claim(sig) {
			b.finish(p, def, ReasonTimeout)
			return def, nil
		}
	case <-ctx.Done():
		if b.claim(sig) {
			b.finish(p, Deny, ReasonCancelled)
			return Deny, ctx.Err()
		}
	}
	// Lost the race to Resolve or Cancel, which already claimed the
	// pending state and are about to deliver.
	out := <-sig.C()
	return out.Decision, nil
}

// claim clears the pending state if sig is still current.
func (b *Broker) claim(sig *Signal) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.signal != sig {
		return false
	}
	b.pending = nil
	b.signal = nil
	return true
}

// take clears and returns the current pending state.
func (b *Broker) take() (*Pending, *Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, sig := b.pending, b.signal
	b.pending = nil
	b.signal = nil
	return p, sig
}

// finish emits the outcome event for a claimed approval.
func (b *Broker) finish(p Pending, decision, reason string) {
	if reason == "" {
		b.emit("approval:granted", map[string]any{
			"approval_id": p.ApprovalID,
			"decision":    decision,
		})
	} else {
		b.emit("approval:denied", map[string]any{
			"approval_id": p.ApprovalID,
			"decision":    decision,
			"reason":      reason,
		})
	}
	b.logger.Info("approval finished", "approval_id", p.ApprovalID, "decision", decision, "reason", reason)
	if b.cb.Closed != nil {
		b.cb.Closed(p, decision, reason, time.Since(p.CreatedAt))
	}
}

// Resolve records the user's decision for the outstanding approval and
// returns the canonical decision delivered to the engine. AlwaysAllow sets
// the sticky flag and is delivered as Allow. An invalid decision leaves the
// pending approval untouched.
func (b *Broker) Resolve(decision string) (string, error) {
	return b.ResolveID("", decision)
}

// ResolveID is Resolve restricted to the approval with the given id. An
// empty id matches whatever is pending; a different pending id yields
// ErrStaleApproval.
func (b *Broker) ResolveID(approvalID, decision string) (string, error) {
	b.announce.Lock()
	defer b.announce.Unlock()
	b.mu.Lock()
	if b.pending == nil {
		b.mu.Unlock()
		return "", ErrNoPending
	}
	if approvalID != "" && b.pending.ApprovalID != approvalID {
		b.mu.Unlock()
		return "", ErrStaleApproval
	}
	canonical, err := NormalizeDecision(decision, b.pending.Options...)
	if err != nil {
		b.mu.Unlock()
		return "", err
	}
	p, sig := *b.pending, b.signal
	b.pending = nil
	b.signal = nil
	b.mu.Unlock()

	if canonical == AlwaysAllow {
		b.alwaysAllow.Store(true)
		canonical = Allow
	}
	b.finish(p, canonical, "")
	sig.Resolve(Outcome{Decision: canonical})
	return canonical, nil
}

// Cancel denies the outstanding approval with reason, releasing the waiting
// engine. It reports whether anything was pending.
func (b *Broker) Cancel(reason string) bool {
	b.announce.Lock()
	defer b.announce.Unlock()
	p, sig := b.take()
	if p == nil {
		return false
	}
	b.finish(*p, Deny, reason)
	sig.Resolve(Outcome{Decision: Deny, Reason: reason})
	return true
}

func (b *Broker) emit(event string, data map[string]any) {
	if b.cb.Emit != nil {
		b.cb.Emit(event, data)
	}
}
