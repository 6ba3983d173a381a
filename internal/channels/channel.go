package channels

import (
	"context"
	"log/slog"
)

// Channel is an out-of-band relay that forwards approval prompts to a
// messaging service and feeds the answers back into live sessions.
type Channel interface {
	Name() string

	// Start blocks until ctx is cancelled or the relay fails.
	Start(ctx context.Context) error
}

// Run starts every relay on its own goroutine. A relay that stops before ctx
// ends is logged; the others keep running.
func Run(ctx context.Context, logger *slog.Logger, relays ...Channel) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, c := range relays {
		go func() {
			if err := c.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("approval relay stopped", "channel", c.Name(), "error", err)
			}
		}()
	}
}
