package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/basket/go-amplifier/internal/session"
	"github.com/basket/go-amplifier/internal/shared"
)

const (
	defaultListLimit = 50
	stopTimeout      = 10 * time.Second
)

type createSessionRequest struct {
	Profile     string                    `json:"profile"`
	Model       string                    `json:"model"`
	Credentials session.Credentials       `json:"credentials"`
	Context     *session.WorkspaceContext `json:"context"`
}

type promptRequest struct {
	Prompt        string                    `json:"prompt"`
	ContextUpdate *session.WorkspaceContext `json:"context_update"`
}

type approvalRequest struct {
	Decision string `json:"decision"`
}

type sessionSummary struct {
	SessionID string         `json:"session_id"`
	Status    session.Status `json:"status"`
	Profile   string         `json:"profile"`
	CreatedAt time.Time      `json:"created_at"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, schemaCreateSession, &req, true); err != nil {
		writeRequestError(w, err)
		return
	}
	if req.Profile == "" {
		req.Profile = s.cfg.DefaultProfile
	}
	if req.Model == "" {
		req.Model = s.cfg.DefaultModel
	}

	if err := s.cfg.Registry.Reserve(); err != nil {
		writeSessionError(w, err, "SESSION_CREATE_FAILED", "Failed to create session: ", nil)
		return
	}

	runner := session.NewRunner(session.Options{
		SessionID:       shared.NewSessionID(),
		Profile:         req.Profile,
		Model:           req.Model,
		Credentials:     req.Credentials,
		Workspace:       req.Context,
		Profiles:        s.cfg.Profiles,
		Factory:         s.cfg.Factory,
		ApprovalTimeout: s.cfg.ApprovalTimeout,
		Bus:             s.cfg.Bus,
		Metrics:         s.cfg.Metrics,
		Tracer:          s.tracer,
		Logger:          s.cfg.Logger,
	})

	// The engine outlives this request; only its start is bound to it.
	ctx := shared.WithSessionID(r.Context(), runner.ID())
	if err := runner.Start(ctx); err != nil {
		s.discard(ctx, runner)
		details := map[string]any{"profile": req.Profile, "error_type": fmt.Sprintf("%T", err)}
		if se, ok := session.AsError(err); ok && se.Kind == session.KindInitialization {
			cause := se.Err
			if cause == nil {
				cause = se
			}
			writeError(w, http.StatusInternalServerError, "SESSION_CREATE_FAILED",
				"Failed to create session: "+cause.Error(), mergeDetails(details, se.Details))
			return
		}
		writeSessionError(w, err, "SESSION_CREATE_FAILED", "Failed to create session: ", details)
		return
	}

	if err := s.cfg.Registry.Add(runner); err != nil {
		s.discard(ctx, runner)
		writeSessionError(w, err, "SESSION_CREATE_FAILED", "Failed to create session: ", nil)
		return
	}

	s.logger.Info("session created", "session_id", runner.ID(), "profile", req.Profile,
		"trace_id", shared.TraceID(ctx))
	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": runner.ID(),
		"status":     "created",
		"profile":    runner.Profile(),
		"created_at": runner.CreatedAt(),
	})
}

// discard stops a runner that never made it into the registry.
func (s *Server) discard(ctx context.Context, runner *session.Runner) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	if err := runner.Stop(stopCtx); err != nil {
		s.logger.Warn("stop unregistered session", "session_id", runner.ID(), "error", err)
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit := queryInt(r, "limit", defaultListLimit)

	all := s.cfg.Registry.List()
	out := make([]sessionSummary, 0, min(len(all), limit))
	for _, runner := range all {
		if len(out) >= limit {
			break
		}
		st := runner.Status()
		if status != "" && string(st) != status {
			continue
		}
		out = append(out, sessionSummary{
			SessionID: runner.ID(),
			Status:    st,
			Profile:   runner.Profile(),
			CreatedAt: runner.CreatedAt(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out, "total": len(all)})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	runner, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, runner.Snapshot())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), stopTimeout)
	defer cancel()

	err := s.cfg.Registry.Stop(ctx, id)
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeSessionError(w, err, "SESSION_NOT_FOUND", "", nil)
		return
	case err != nil:
		s.logger.Error("stop session", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "SESSION_DELETE_FAILED",
			"Failed to stop session: "+err.Error(), map[string]any{"session_id": id})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "stopped",
		"message": "Session stopped and cleaned up",
	})
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	runner, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req promptRequest
	if err := decodeBody(r, schemaPrompt, &req, false); err != nil {
		writeRequestError(w, err)
		return
	}

	requestID := shared.NewRequestID()
	ctx := shared.WithRequestID(r.Context(), requestID)
	if err := runner.Submit(ctx, req.Prompt, req.ContextUpdate); err != nil {
		writeSessionError(w, err, "PROMPT_FAILED", "Failed to submit prompt: ", nil)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"request_id": requestID,
		"status":     "processing",
		"message":    "Prompt submitted, subscribe to events for response",
	})
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	runner, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req approvalRequest
	if err := decodeBody(r, schemaApproval, &req, false); err != nil {
		writeRequestError(w, err)
		return
	}
	if _, err := runner.ResolveApproval(req.Decision); err != nil {
		writeSessionError(w, err, "APPROVAL_FAILED", "Failed to record approval: ", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "approved",
		"message": "Approval decision recorded",
	})
}

func (s *Server) handleTestApproval(w http.ResponseWriter, r *http.Request) {
	runner, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := runner.TestApproval(r.Context()); err != nil {
		writeSessionError(w, err, "APPROVAL_FAILED", "Failed to request approval: ", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "approval_requested",
		"message": "Check the client for the approval dialog",
	})
}

// lookup resolves the {id} path value, writing a 404 when it is unknown.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Runner, bool) {
	runner, err := s.cfg.Registry.Get(r.PathValue("id"))
	if err != nil {
		writeSessionError(w, err, "SESSION_NOT_FOUND", "", nil)
		return nil, false
	}
	return runner, true
}

func queryInt(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func mergeDetails(base, over map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}
