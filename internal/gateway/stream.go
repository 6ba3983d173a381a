package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/basket/go-amplifier/internal/events"
	"github.com/basket/go-amplifier/internal/session"
)

// pumpEvents feeds a client: session:start first, then every queued event in
// order. ping is called after each idle keepalive interval. It returns nil
// when the session's channel is closed and drained, or ctx.Err() when the
// client goes away.
func (s *Server) pumpEvents(ctx context.Context, runner *session.Runner, send func(events.Event) error, ping func() error) error {
	start := events.Event{Event: "session:start", Data: map[string]any{
		"session_id": runner.ID(),
		"profile":    runner.Profile(),
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}}
	if err := send(start); err != nil {
		return err
	}

	ch := runner.Events()
	for {
		waitCtx, cancel := context.WithTimeout(ctx, s.cfg.Keepalive)
		ev, err := ch.Next(waitCtx)
		cancel()
		switch {
		case err == nil:
			if err := send(ev); err != nil {
				return err
			}
		case errors.Is(err, events.ErrClosed):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			if err := ping(); err != nil {
				return err
			}
		default:
			return err
		}
	}
}

func streamError(sessionID string, err error) events.Event {
	return events.Event{Event: "error", Data: map[string]any{
		"session_id": sessionID,
		"error":      err.Error(),
	}}
}

// handleEvents serves the session's events as Server-Sent Events. Every
// frame is "event: message" carrying {event, data}; idle periods produce
// "event: ping" frames.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	runner, ok := s.lookup(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "STREAM_UNSUPPORTED", "Streaming not supported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(ev events.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal %s event: %w", ev.Event, err)
		}
		if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	ping := func() error {
		if _, err := fmt.Fprint(w, "event: ping\ndata: keepalive\n\n"); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	ctx := r.Context()
	s.logger.Debug("sse: client connected", "session_id", runner.ID())
	err := s.pumpEvents(ctx, runner, send, ping)
	switch {
	case err == nil:
		s.logger.Debug("sse: session stream ended", "session_id", runner.ID())
	case ctx.Err() != nil:
		s.logger.Debug("sse: client disconnected", "session_id", runner.ID())
	default:
		s.logger.Error("sse: stream failed", "session_id", runner.ID(), "error", err)
		_ = send(streamError(runner.ID(), err))
	}
}
