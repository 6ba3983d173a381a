package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-amplifier/internal/events"
	"github.com/basket/go-amplifier/internal/session"
)

// wsInbound is a client frame on the session socket.
type wsInbound struct {
	Type     string `json:"type"`
	Decision string `json:"decision,omitempty"`
}

// handleWS is the WebSocket variant of handleEvents. Outbound frames are the
// same {event, data} objects; inbound frames may carry approval decisions.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	runner, ok := s.lookup(w, r)
	if !ok {
		return
	}

	opts := &websocket.AcceptOptions{}
	// Same-origin requests are always accepted by the library; cross-origin
	// ones must match the CORS allowlist.
	if origin := r.Header.Get("Origin"); origin != "" && originAllowed(s.origins, origin) {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Debug("ws: accept failed", "session_id", runner.ID(), "error", err)
		return
	}
	s.logger.Info("ws: client connected", "session_id", runner.ID())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go s.readWS(ctx, cancel, conn, runner)

	send := func(ev events.Event) error { return wsjson.Write(ctx, conn, ev) }
	ping := func() error {
		return wsjson.Write(ctx, conn, events.Event{Event: "ping", Data: map[string]any{"session_id": runner.ID()}})
	}

	err = s.pumpEvents(ctx, runner, send, ping)
	switch {
	case err == nil:
		_ = conn.Close(websocket.StatusNormalClosure, "session ended")
	case ctx.Err() != nil:
		s.logger.Info("ws: client disconnected", "session_id", runner.ID())
		_ = conn.CloseNow()
	default:
		s.logger.Error("ws: stream failed", "session_id", runner.ID(), "error", err)
		_ = wsjson.Write(ctx, conn, streamError(runner.ID(), err))
		_ = conn.Close(websocket.StatusInternalError, "stream failed")
	}
}

// readWS handles inbound frames until the socket fails, then cancels the
// writer.
func (s *Server) readWS(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, runner *session.Runner) {
	defer cancel()
	for {
		var msg wsInbound
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				s.logger.Debug("ws: read error, closing", "session_id", runner.ID(), "error", err)
			}
			return
		}
		switch msg.Type {
		case "approval":
			s.wsApproval(ctx, conn, runner, msg.Decision)
		case "ping":
			_ = wsjson.Write(ctx, conn, events.Event{Event: "pong", Data: map[string]any{"session_id": runner.ID()}})
		default:
			_ = wsjson.Write(ctx, conn, streamError(runner.ID(), errors.New("unsupported frame type "+msg.Type)))
		}
	}
}

func (s *Server) wsApproval(ctx context.Context, conn *websocket.Conn, runner *session.Runner, decision string) {
	canonical, err := runner.ResolveApproval(decision)
	if err != nil {
		data := map[string]any{"session_id": runner.ID(), "error": err.Error()}
		if se, ok := session.AsError(err); ok {
			data["code"] = se.Code()
			data["error"] = se.Message
		}
		_ = wsjson.Write(ctx, conn, events.Event{Event: "error", Data: data})
		return
	}
	s.logger.Info("ws: approval recorded", "session_id", runner.ID(), "decision", canonical)
}
