package otel

import (
	"context"

	"github.com/basket/go-amplifier/internal/bus"
)

// WatchBus keeps the session gauge and approval counters in step with
// lifecycle events until ctx ends.
func (m *Metrics) WatchBus(ctx context.Context, b *bus.Bus) {
	if m == nil || b == nil {
		return
	}
	sessions := b.Subscribe("session.")
	approvals := b.Subscribe(bus.TopicApprovalResolved)
	go func() {
		defer b.Unsubscribe(sessions)
		defer b.Unsubscribe(approvals)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sessions.Ch():
				if !ok {
					return
				}
				switch ev.Topic {
				case bus.TopicSessionCreated:
					m.SessionDelta(ctx, 1)
				case bus.TopicSessionStopped:
					m.SessionDelta(ctx, -1)
				}
			case ev, ok := <-approvals.Ch():
				if !ok {
					return
				}
				if p, ok := ev.Payload.(bus.ApprovalResolvedEvent); ok {
					m.ApprovalResolved(ctx, p.Decision, p.Reason, p.Waited)
				}
			}
		}
	}()
}
