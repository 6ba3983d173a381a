package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// drainTimeout bounds session teardown and, separately, the history flush.
const drainTimeout = 10 * time.Second

type sessionStopper interface {
	StopAll(ctx context.Context)
}

// shutdownGateway closes the listener, stops every live session so open
// event streams end, waits for in-flight requests, then lets the history
// writer flush. Each phase gets its own deadline.
func shutdownGateway(server *http.Server, sessions sessionStopper, stopHistory context.CancelFunc, historyDone <-chan struct{}, logger *slog.Logger) {
	stopped := make(chan struct{})
	server.RegisterOnShutdown(func() {
		defer close(stopped)
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		sessions.StopAll(ctx)
	})

	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelHTTP()
	if err := server.Shutdown(httpCtx); err != nil {
		logger.Warn("gateway shutdown", "error", err)
	}

	select {
	case <-stopped:
	case <-time.After(drainTimeout):
		logger.Warn("sessions did not stop before shutdown deadline")
	}

	// Sessions created by requests that were already in flight.
	sweepCtx, cancelSweep := context.WithTimeout(context.Background(), drainTimeout)
	sessions.StopAll(sweepCtx)
	cancelSweep()

	stopHistory()
	select {
	case <-historyDone:
	case <-time.After(drainTimeout):
		logger.Warn("history writer did not drain before shutdown")
	}
}
