// Package gateway exposes sessions over HTTP: a JSON API, an SSE event
// stream and a WebSocket variant of the stream.
package gateway

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/basket/go-amplifier/internal/bus"
	"github.com/basket/go-amplifier/internal/config"
	"github.com/basket/go-amplifier/internal/engine"
	"github.com/basket/go-amplifier/internal/otel"
	"github.com/basket/go-amplifier/internal/persistence"
	"github.com/basket/go-amplifier/internal/profile"
	"github.com/basket/go-amplifier/internal/session"
	"github.com/basket/go-amplifier/internal/shared"
	"go.opentelemetry.io/otel/trace"
)

const (
	ServerName = "Amplifier Server"
	APIVersion = "v1"

	defaultKeepalive = 5 * time.Second
	requestIDHeader  = "X-Request-ID"
)

// ProfileCatalog lists and resolves profiles.
type ProfileCatalog interface {
	List() ([]profile.Summary, error)
	Load(name string) (*profile.Profile, error)
	Dirs() []string
}

// HistoryStore serves past session summaries.
type HistoryStore interface {
	ListHistory(ctx context.Context, limit int) ([]persistence.HistoryRecord, error)
}

type Config struct {
	Registry *session.Registry
	Profiles ProfileCatalog
	Factory  engine.Factory
	History  HistoryStore // nil disables /history
	Bus      *bus.Bus
	Metrics  *otel.Metrics
	Tracer   trace.Tracer
	Logger   *slog.Logger

	Version           string
	Host              string
	Port              int
	ConfigFingerprint string
	DefaultProfile    string
	DefaultModel      string

	AuthToken       string
	CORS            config.CORSConfig
	MaxRequestBytes int64
	ApprovalTimeout time.Duration
	Keepalive       time.Duration
}

type Server struct {
	cfg       Config
	origins   []string
	logger    *slog.Logger
	tracer    trace.Tracer
	startedAt time.Time
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = defaultKeepalive
	}
	if cfg.DefaultProfile == "" {
		cfg.DefaultProfile = config.DefaultProfile
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return &Server{
		cfg:       cfg,
		origins:   originPatterns(cfg.CORS.AllowedOrigins),
		logger:    cfg.Logger.With("component", "gateway"),
		tracer:    otel.TracerOrNoop(cfg.Tracer),
		startedAt: time.Now(),
	}
}

// Handler returns the routed API wrapped in request tracing, CORS, auth and
// the body size limit, outermost first.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /info", s.handleInfo)

	mux.HandleFunc("GET /profiles", s.handleListProfiles)
	mux.HandleFunc("GET /profiles/{name}", s.handleGetProfile)

	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /sessions/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /sessions/{id}/ws", s.handleWS)
	mux.HandleFunc("POST /sessions/{id}/prompt", s.handlePrompt)
	mux.HandleFunc("POST /sessions/{id}/approval", s.handleApproval)
	mux.HandleFunc("POST /sessions/{id}/test-approval", s.handleTestApproval)

	mux.HandleFunc("GET /history", s.handleHistory)

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(s.cfg.MaxRequestBytes)(h)
	h = NewAuthMiddleware(s.cfg.AuthToken).Wrap(h)
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	h = s.traceRequests(h)
	return h
}

// traceRequests assigns a request id, opens the http.request span and
// records request metrics.
func (s *Server) traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" {
			reqID = shared.NewTraceID()
		}
		ctx := otel.ExtractHTTP(r.Context(), r.Header)
		ctx = shared.WithTraceID(ctx, reqID)
		ctx = shared.WithRequestID(ctx, reqID)
		ctx, span := otel.StartServerSpan(ctx, s.tracer, otel.SpanHTTPRequest,
			otel.AttrHTTPMethod.String(r.Method))
		w.Header().Set(requestIDHeader, reqID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		req := r.WithContext(ctx)
		next.ServeHTTP(rec, req)

		route := req.Pattern
		if route == "" {
			route = "unmatched"
		}
		span.SetAttributes(otel.AttrHTTPRoute.String(route), otel.AttrHTTPStatus.Int(rec.status))
		var spanErr error
		if rec.status >= http.StatusInternalServerError {
			spanErr = errors.New(http.StatusText(rec.status))
		}
		otel.EndSpan(span, spanErr)
		s.cfg.Metrics.Request(ctx, r.Method, route, rec.status, time.Since(start))
		s.logger.Debug("http request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(), "trace_id", reqID)
	})
}

// statusRecorder captures the response status while keeping streaming and
// hijacking available to handlers.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("gateway: response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"version":         s.cfg.Version,
		"uptime_seconds":  int64(time.Since(s.startedAt).Seconds()),
		"active_sessions": s.cfg.Registry.Len(),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	var profilesPath []string
	if s.cfg.Profiles != nil {
		profilesPath = s.cfg.Profiles.Dirs()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        ServerName,
		"version":     s.cfg.Version,
		"api_version": APIVersion,
		"capabilities": map[string]bool{
			"sessions":          true,
			"sse":               true,
			"websocket":         true,
			"profiles":          true,
			"streaming":         true,
			"extended_thinking": true,
			"tool_use":          true,
			"history":           s.cfg.History != nil,
		},
		"config": map[string]any{
			"host":          s.cfg.Host,
			"port":          s.cfg.Port,
			"profiles_path": profilesPath,
			"fingerprint":   s.cfg.ConfigFingerprint,
		},
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeError(w, http.StatusNotImplemented, "HISTORY_UNAVAILABLE", "Session history store is not configured", nil)
		return
	}
	limit := queryInt(r, "limit", 50)
	records, err := s.cfg.History.ListHistory(r.Context(), limit)
	if err != nil {
		s.logger.Error("list history", "error", err)
		writeError(w, http.StatusInternalServerError, "HISTORY_FAILED", "Failed to list session history: "+err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": records, "total": len(records)})
}
