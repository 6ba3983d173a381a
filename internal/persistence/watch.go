package persistence

import (
	"context"
	"log/slog"

	"github.com/basket/go-amplifier/internal/bus"
)

const historyBuffer = 1024

// WatchBus records session lifecycle events into session_history until ctx
// ends. The returned channel closes once the consumer has drained.
func (s *Store) WatchBus(ctx context.Context, b *bus.Bus, logger *slog.Logger) <-chan struct{} {
	done := make(chan struct{})
	if b == nil {
		close(done)
		return done
	}
	if logger == nil {
		logger = slog.Default()
	}
	sub := b.SubscribeSize("session.", historyBuffer)
	go func() {
		var reported uint64
		defer close(done)
		defer b.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				s.drain(ctx, sub, logger)
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				if err := s.apply(context.WithoutCancel(ctx), ev); err != nil {
					logger.Warn("session history write failed", "topic", ev.Topic, "error", err)
				}
				if n := sub.Dropped(); n > reported {
					logger.Warn("session history missed lifecycle events", "dropped", n-reported)
					reported = n
				}
			}
		}
	}()
	return done
}

// drain applies events already buffered when the watcher is cancelled, so
// sessions stopped during shutdown still reach the history table.
func (s *Store) drain(ctx context.Context, sub *bus.Subscription, logger *slog.Logger) {
	for {
		select {
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := s.apply(context.WithoutCancel(ctx), ev); err != nil {
				logger.Warn("session history write failed", "topic", ev.Topic, "error", err)
			}
		default:
			return
		}
	}
}

func (s *Store) apply(ctx context.Context, ev bus.Event) error {
	switch p := ev.Payload.(type) {
	case bus.SessionEvent:
		switch ev.Topic {
		case bus.TopicSessionCreated:
			return s.RecordCreated(ctx, p.SessionID, p.Profile, p.Status, p.CreatedAt)
		case bus.TopicSessionStopped:
			return s.RecordStopped(ctx, HistoryRecord{
				SessionID:    p.SessionID,
				Profile:      p.Profile,
				Reason:       p.Reason,
				MessageCount: p.MessageCount,
				InputTokens:  p.InputTokens,
				OutputTokens: p.OutputTokens,
				CreatedAt:    p.CreatedAt,
			})
		}
	case bus.StatusChangedEvent:
		if ev.Topic == bus.TopicSessionStatus && p.NewStatus != "stopped" {
			return s.RecordStatus(ctx, p.SessionID, p.NewStatus)
		}
	}
	return nil
}
