// Package session implements the per-session state machine that ties an
// engine to its hook bridge, approval broker and event channel, and the
// registry the transport looks sessions up in.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/basket/go-amplifier/internal/approval"
	"github.com/basket/go-amplifier/internal/audit"
	"github.com/basket/go-amplifier/internal/bridge"
	"github.com/basket/go-amplifier/internal/bus"
	"github.com/basket/go-amplifier/internal/engine"
	"github.com/basket/go-amplifier/internal/events"
	"github.com/basket/go-amplifier/internal/hooks"
	"github.com/basket/go-amplifier/internal/otel"
	"github.com/basket/go-amplifier/internal/profile"
	"github.com/basket/go-amplifier/internal/shared"
	"go.opentelemetry.io/otel/trace"
)

const (
	testApprovalTimeout = 30 * time.Second
	stopReasonUser      = "user_stopped"
)

// ProfileSource resolves profile names.
type ProfileSource interface {
	Load(name string) (*profile.Profile, error)
}

type Options struct {
	SessionID   string
	Profile     string
	Model       string
	Credentials Credentials
	Workspace   *WorkspaceContext

	Profiles        ProfileSource
	Factory         engine.Factory
	ApprovalTimeout time.Duration

	Bus     *bus.Bus
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

// Runner owns one session. Status, counters and the engine handle are
// guarded by mu; approval state lives in the broker, which never calls back
// into the runner while holding its own lock.
type Runner struct {
	id          string
	profileName string
	opts        Options
	logger      *slog.Logger
	tracer      trace.Tracer

	events *events.Channel
	broker *approval.Broker
	bridge *bridge.Bridge

	baseCtx context.Context
	cancel  context.CancelFunc

	mu           sync.Mutex
	status       Status
	createdAt    time.Time
	lastActivity time.Time
	messageCount int
	usage        bridge.TokenUsage
	eng          engine.Engine
	unregister   []func() error
	started      bool
	stopped      bool
}

func NewRunner(opts Options) *Runner {
	if opts.SessionID == "" {
		opts.SessionID = shared.NewSessionID()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	now := time.Now()
	baseCtx, cancel := context.WithCancel(shared.WithSessionID(context.Background(), opts.SessionID))
	r := &Runner{
		id:           opts.SessionID,
		profileName:  opts.Profile,
		opts:         opts,
		logger:       opts.Logger.With("session_id", opts.SessionID),
		tracer:       otel.TracerOrNoop(opts.Tracer),
		events:       events.NewChannel(),
		baseCtx:      baseCtx,
		cancel:       cancel,
		status:       StatusStarting,
		createdAt:    now,
		lastActivity: now,
	}
	r.bridge = bridge.New(r.emit, r.logger)
	r.broker = approval.NewBroker(opts.ApprovalTimeout, approval.Callbacks{
		Emit:   r.emit,
		Opened: r.approvalOpened,
		Closed: r.approvalClosed,
	}, r.logger)
	return r
}

func (r *Runner) ID() string { return r.id }

func (r *Runner) Profile() string { return r.profileName }

func (r *Runner) Events() *events.Channel { return r.events }

func (r *Runner) CreatedAt() time.Time { return r.createdAt }

func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// AlwaysAllow reports the sticky always-allow flag.
func (r *Runner) AlwaysAllow() bool { return r.broker.AlwaysAllow() }

// PendingApproval returns a copy of the outstanding approval, or nil.
func (r *Runner) PendingApproval() *approval.Pending { return r.broker.Pending() }

// Start builds and initializes the engine. On failure the session is left
// in error and an InitializationError is returned.
func (r *Runner) Start(ctx context.Context) error {
	ctx = shared.WithSessionID(ctx, r.id)
	ctx, span := otel.StartSpan(ctx, r.tracer, otel.SpanSessionStart,
		otel.AttrSessionID.String(r.id), otel.AttrProfile.String(r.profileName))
	err := r.start(ctx)
	otel.EndSpan(span, err)
	return err
}

func (r *Runner) start(ctx context.Context) error {
	r.mu.Lock()
	if r.status != StatusStarting {
		st := r.status
		r.mu.Unlock()
		return &Error{Kind: KindInvalidState, Message: fmt.Sprintf("Session is %s, cannot start", st)}
	}
	r.mu.Unlock()

	if r.opts.Profiles == nil || r.opts.Factory == nil {
		return r.startFailed(ctx, "configure", errors.New("session: profile source and engine factory are required"))
	}
	prof, err := r.opts.Profiles.Load(r.profileName)
	if err != nil {
		return r.startFailed(ctx, "load profile", err)
	}

	plan := profile.Compile(prof)
	injectCredentials(plan, r.opts.Credentials, r.opts.Model)
	injectWorkspace(plan, r.opts.Workspace)
	injectSystemContext(plan, r.opts.Workspace)
	for _, p := range plan.Providers {
		r.logger.Debug("provider mounted", "module", p.Module, "config", shared.RedactMap(p.Config))
	}

	eng, err := r.opts.Factory.New(plan, r.id, r)
	if err != nil {
		return r.startFailed(ctx, "create engine", err)
	}
	coord := eng.Coordinator()
	coord.Mount(engine.ResolverMount, engine.NewModuleSourceResolver(r.logger))

	unregs := r.bridge.Register(coord.Hooks(), coord.Capabilities())
	gate := &approval.Gate{AlwaysAllow: r.broker.AlwaysAllow, Timeout: r.opts.ApprovalTimeout, Logger: r.logger}
	unregs = append(unregs, gate.Register(coord.Hooks()))

	r.mu.Lock()
	r.eng = eng
	r.unregister = unregs
	r.mu.Unlock()

	if err := eng.Initialize(ctx); err != nil {
		r.unregisterHooks()
		if cerr := eng.Cleanup(context.WithoutCancel(ctx)); cerr != nil {
			r.logger.Warn("engine cleanup after failed start", "error", cerr)
		}
		r.mu.Lock()
		r.eng = nil
		r.mu.Unlock()
		return r.startFailed(ctx, "initialize engine", err)
	}

	r.mu.Lock()
	if !r.transitionLocked(StatusIdle) {
		r.mu.Unlock()
		return &Error{Kind: KindInvalidState, Message: "session stopped during start"}
	}
	r.started = true
	r.lastActivity = time.Now()
	r.mu.Unlock()

	r.logger.Info("session started", "profile", r.profileName, "trace_id", shared.TraceID(ctx))
	r.opts.Bus.Publish(bus.TopicSessionCreated, bus.SessionEvent{
		SessionID: r.id,
		Profile:   r.profileName,
		Status:    string(StatusIdle),
		CreatedAt: r.createdAt,
	})
	audit.Record(ctx, audit.ActionSessionCreate, r.id, "", r.profileName)
	return nil
}

func (r *Runner) startFailed(ctx context.Context, step string, cause error) error {
	r.mu.Lock()
	r.transitionLocked(StatusError)
	r.mu.Unlock()

	r.logger.Error("session start failed", "step", step, "error", cause, "trace_id", shared.TraceID(ctx))
	r.emit("error", map[string]any{
		"error": cause.Error(),
		"code":  KindInitialization.Code(),
	})
	return &Error{
		Kind:    KindInitialization,
		Message: fmt.Sprintf("Failed to %s", step),
		Details: map[string]any{"profile": r.profileName, "error_type": fmt.Sprintf("%T", cause)},
		Err:     cause,
	}
}

// Prompt runs text through the engine and blocks until it completes.
func (r *Runner) Prompt(ctx context.Context, text string, update *WorkspaceContext) (string, error) {
	eng, err := r.begin(text, update)
	if err != nil {
		return "", err
	}
	return r.execute(shared.WithSessionID(ctx, r.id), eng, text, update)
}

// Submit accepts a prompt and runs it in the background. Acceptance is
// synchronous: a busy session fails here. The execution outlives ctx and is
// cancelled only by Stop.
func (r *Runner) Submit(ctx context.Context, text string, update *WorkspaceContext) error {
	eng, err := r.begin(text, update)
	if err != nil {
		return err
	}
	execCtx, cancel := context.WithCancel(shared.WithSessionID(context.WithoutCancel(ctx), r.id))
	stop := context.AfterFunc(r.baseCtx, cancel)
	go func() {
		defer cancel()
		defer stop()
		_, _ = r.execute(execCtx, eng, text, update)
	}()
	return nil
}

// begin enforces the single-flight rule: only an idle session accepts a
// prompt, and a rejected prompt changes nothing.
func (r *Runner) begin(text string, update *WorkspaceContext) (engine.Engine, error) {
	r.mu.Lock()
	switch {
	case r.eng == nil:
		st := r.status
		r.mu.Unlock()
		return nil, &Error{Kind: KindInvalidState, Message: fmt.Sprintf("Session is %s, cannot accept prompt", st)}
	case r.status != StatusIdle:
		r.mu.Unlock()
		return nil, &Error{
			Kind:    KindBusy,
			Message: "Session is already processing another prompt",
			Details: map[string]any{"session_id": r.id, "status": string(r.status)},
		}
	}
	r.transitionLocked(StatusProcessing)
	r.messageCount++
	r.lastActivity = time.Now()
	eng := r.eng
	r.mu.Unlock()

	var cu any
	if update != nil {
		cu = update
	}
	r.emit("prompt:submit", map[string]any{"prompt": text, "context_update": cu})
	return eng, nil
}

func (r *Runner) execute(ctx context.Context, eng engine.Engine, text string, update *WorkspaceContext) (string, error) {
	ctx, span := otel.StartSpan(ctx, r.tracer, otel.SpanPrompt, otel.AttrSessionID.String(r.id))
	r.opts.Metrics.PromptStarted(ctx)

	full := text
	if !update.IsEmpty() {
		snapshot := FormatContext(update)
		full = snapshot + "\n\n# User Message:\n" + text
		r.logger.Debug("prompt enhanced with workspace context", "chars", len(snapshot))
	}

	reply, err := eng.Execute(ctx, full)
	if err != nil {
		err = r.executeFailed(ctx, err)
		otel.EndSpan(span, err)
		return "", err
	}

	usage := r.readUsage(eng)
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		otel.EndSpan(span, nil)
		return reply, nil
	}
	prev := r.usage
	r.usage = usage
	r.mu.Unlock()
	r.opts.Metrics.Tokens(ctx, usage.InputTokens-prev.InputTokens, usage.OutputTokens-prev.OutputTokens)

	r.emit("prompt:complete", map[string]any{
		"response":    reply,
		"token_usage": usage,
	})

	r.mu.Lock()
	r.transitionLocked(StatusIdle)
	r.lastActivity = time.Now()
	r.mu.Unlock()
	otel.EndSpan(span, nil)
	return reply, nil
}

func (r *Runner) executeFailed(ctx context.Context, cause error) error {
	class := engine.ClassifyError(cause)
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		r.logger.Debug("prompt ended by stop", "error", cause)
		return &Error{Kind: KindInvalidState, Message: "Session stopped", Err: cause}
	}
	r.transitionLocked(StatusError)
	r.lastActivity = time.Now()
	r.mu.Unlock()

	r.logger.Error("prompt failed", "error", cause, "error_class", class, "trace_id", shared.TraceID(ctx))
	r.opts.Metrics.PromptFailed(ctx, string(class))
	r.emit("error", map[string]any{
		"error":       cause.Error(),
		"code":        KindExecution.Code(),
		"error_class": string(class),
	})
	return &Error{
		Kind:    KindExecution,
		Message: "Prompt execution failed",
		Details: map[string]any{"error_class": string(class)},
		Err:     cause,
	}
}

func (r *Runner) readUsage(eng engine.Engine) bridge.TokenUsage {
	v, ok := eng.Coordinator().Capabilities().Get(bridge.TokenUsageCapability)
	if !ok {
		r.logger.Warn("token usage capability not available")
		return r.snapshotUsage()
	}
	getter, ok := v.(func() bridge.TokenUsage)
	if !ok {
		r.logger.Warn("token usage capability has unexpected type", "type", fmt.Sprintf("%T", v))
		return r.snapshotUsage()
	}
	return getter()
}

func (r *Runner) snapshotUsage() bridge.TokenUsage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usage
}

// RequestApproval implements engine.Approver.
func (r *Runner) RequestApproval(ctx context.Context, ask hooks.AskUser) (string, error) {
	ctx, span := otel.StartSpan(ctx, r.tracer, otel.SpanApprovalWait, otel.AttrSessionID.String(r.id))
	decision, err := r.broker.Request(ctx, ask)
	span.SetAttributes(otel.AttrDecision.String(decision))
	otel.EndSpan(span, err)
	return decision, err
}

// ResolveApproval delivers the user's decision to the waiting engine and
// returns the canonical decision.
func (r *Runner) ResolveApproval(decision string) (string, error) {
	return r.ResolveApprovalID("", decision)
}

// ResolveApprovalID resolves only if approvalID is still the pending
// approval. An empty id accepts whatever is pending.
func (r *Runner) ResolveApprovalID(approvalID, decision string) (string, error) {
	canonical, err := r.broker.ResolveID(approvalID, decision)
	switch {
	case errors.Is(err, approval.ErrNoPending):
		return "", &Error{Kind: KindNoPendingApproval, Message: "No pending approval for this session", Err: err}
	case errors.Is(err, approval.ErrStaleApproval):
		return "", &Error{
			Kind:    KindNoPendingApproval,
			Message: fmt.Sprintf("Approval %s is no longer pending", approvalID),
			Details: map[string]any{"approval_id": approvalID},
			Err:     err,
		}
	case errors.Is(err, approval.ErrInvalidDecision):
		return "", &Error{
			Kind:    KindInvalidDecision,
			Message: fmt.Sprintf("Invalid approval decision %q", decision),
			Details: map[string]any{"decision": decision},
			Err:     err,
		}
	case err != nil:
		return "", err
	}
	r.mu.Lock()
	r.lastActivity = time.Now()
	r.mu.Unlock()
	return canonical, nil
}

// TestApproval raises a synthetic approval so a client can exercise its
// approval UI. The request resolves in the background.
func (r *Runner) TestApproval(ctx context.Context) error {
	if r.Status() == StatusStopped {
		return &Error{Kind: KindInvalidState, Message: "Session is stopped"}
	}
	if r.broker.Pending() != nil {
		return &Error{Kind: KindInvalidState, Message: "An approval is already pending"}
	}
	reqCtx, cancel := context.WithCancel(shared.WithSessionID(context.WithoutCancel(ctx), r.id))
	stop := context.AfterFunc(r.baseCtx, cancel)
	go func() {
		defer cancel()
		defer stop()
		decision, err := r.RequestApproval(reqCtx, hooks.AskUser{
			Prompt:  "Test approval: Allow this test operation?",
			Options: []string{approval.Allow, approval.Deny, "Skip"},
			Timeout: testApprovalTimeout,
			Default: approval.Deny,
			Context: map[string]any{"test": true, "operation": "test_approval_flow"},
		})
		r.logger.Info("test approval finished", "decision", decision, "error", err)
	}()
	return nil
}

func (r *Runner) approvalOpened(p approval.Pending) {
	r.mu.Lock()
	if r.status == StatusProcessing {
		r.transitionLocked(StatusAwaitingApproval)
	}
	r.mu.Unlock()
	r.opts.Bus.Publish(bus.TopicApprovalRequired, bus.ApprovalRequiredEvent{
		SessionID:  r.id,
		ApprovalID: p.ApprovalID,
		Prompt:     p.Prompt,
		Options:    append([]string(nil), p.Options...),
		Timeout:    p.Timeout,
		Default:    p.Default,
	})
}

func (r *Runner) approvalClosed(p approval.Pending, decision, reason string, waited time.Duration) {
	r.mu.Lock()
	if r.status == StatusAwaitingApproval && reason != approval.ReasonStopped {
		r.transitionLocked(StatusProcessing)
	}
	r.mu.Unlock()
	r.opts.Bus.Publish(bus.TopicApprovalResolved, bus.ApprovalResolvedEvent{
		SessionID:  r.id,
		ApprovalID: p.ApprovalID,
		Decision:   decision,
		Reason:     reason,
		Waited:     waited,
	})
	audit.Record(r.baseCtx, audit.ActionApprovalResolve, r.id+"/"+p.ApprovalID, decision, reason)
}

// Stop tears the session down. It always reaches stopped; a second call is
// a no-op. Teardown failures are logged and reported as warning events.
func (r *Runner) Stop(ctx context.Context) error {
	_, err := r.stop(ctx, nil)
	return err
}

// StopIfIdle stops the session only if, at the moment of stopping, it is
// idle and has been inactive for longer than threshold as of now. A session
// that accepted a prompt since it was found idle is left running.
func (r *Runner) StopIfIdle(ctx context.Context, now time.Time, threshold time.Duration) (bool, error) {
	return r.stop(ctx, func() bool {
		return r.status == StatusIdle && now.Sub(r.lastActivity) > threshold
	})
}

// stop tears the session down unless it already stopped or eligible
// (checked under mu) refuses.
func (r *Runner) stop(ctx context.Context, eligible func() bool) (bool, error) {
	r.mu.Lock()
	if r.stopped || (eligible != nil && !eligible()) {
		r.mu.Unlock()
		return false, nil
	}
	r.stopped = true
	eng := r.eng
	r.eng = nil
	r.mu.Unlock()

	r.unregisterHooks()
	if r.broker.Cancel(approval.ReasonStopped) {
		r.logger.Info("pending approval cancelled by stop")
	}

	var stopErr error
	if eng != nil {
		if err := eng.Cleanup(ctx); err != nil {
			r.logger.Warn("CleanupWarning", "error", err)
			r.emit("warning", map[string]any{"message": "Cleanup error: " + err.Error()})
		}
		if ctx.Err() != nil {
			stopErr = fmt.Errorf("stop session %s: %w", r.id, ctx.Err())
		}
	}
	r.cancel()

	r.mu.Lock()
	r.transitionLocked(StatusStopped)
	usage := r.usage
	started := r.started
	count := r.messageCount
	r.mu.Unlock()

	r.emit("session:end", map[string]any{
		"reason":      stopReasonUser,
		"token_usage": usage,
	})
	r.events.Close()

	if started {
		r.opts.Bus.Publish(bus.TopicSessionStopped, bus.SessionEvent{
			SessionID:    r.id,
			Profile:      r.profileName,
			Status:       string(StatusStopped),
			Reason:       stopReasonUser,
			CreatedAt:    r.createdAt,
			MessageCount: count,
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
		})
		audit.Record(ctx, audit.ActionSessionStop, r.id, "", stopReasonUser)
	}
	r.logger.Info("session stopped", "messages", count)
	return true, stopErr
}

func (r *Runner) unregisterHooks() {
	r.mu.Lock()
	unregs := r.unregister
	r.unregister = nil
	r.mu.Unlock()
	for _, unregister := range unregs {
		if err := unregister(); err != nil {
			r.logger.Warn("HookUnregistrationWarning", "error", err)
		}
	}
}

// Snapshot returns the externally visible state.
func (r *Runner) Snapshot() Snapshot {
	pending := r.broker.Pending()
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{
		SessionID:       r.id,
		Status:          r.status,
		Profile:         r.profileName,
		CreatedAt:       r.createdAt,
		LastActivity:    r.lastActivity,
		MessageCount:    r.messageCount,
		PendingApproval: pending,
	}
	if r.usage.InputTokens > 0 {
		u := r.usage
		s.TokenUsage = &u
	}
	return s
}

// IdleFor reports how long an idle session has been inactive. ok is false
// for any other status.
func (r *Runner) IdleFor(now time.Time) (d time.Duration, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusIdle {
		return 0, false
	}
	return now.Sub(r.lastActivity), true
}

// emit pushes a UI event tagged with the session id.
func (r *Runner) emit(event string, data map[string]any) {
	payload := make(map[string]any, len(data)+1)
	maps.Copy(payload, data)
	payload["session_id"] = r.id
	if r.events.Push(events.Event{Event: event, Data: payload}) {
		r.opts.Metrics.EventEmitted(r.baseCtx, event)
	}
}

// transitionLocked moves to next if the table allows it. Callers hold mu.
func (r *Runner) transitionLocked(next Status) bool {
	prev := r.status
	if prev == next {
		return true
	}
	if !CanTransition(prev, next) {
		r.logger.Error("illegal status transition refused", "from", prev, "to", next)
		return false
	}
	r.status = next
	r.opts.Bus.Publish(bus.TopicSessionStatus, bus.StatusChangedEvent{
		SessionID: r.id,
		OldStatus: string(prev),
		NewStatus: string(next),
	})
	return true
}
