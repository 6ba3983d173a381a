package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the amplifierd instruments. A nil *Metrics records nothing,
// so callers never need to guard.
type Metrics struct {
	SessionsActive  metric.Int64UpDownCounter
	PromptsTotal    metric.Int64Counter
	PromptErrors    metric.Int64Counter
	ApprovalsTotal  metric.Int64Counter
	ApprovalWait    metric.Float64Histogram
	EventsEmitted   metric.Int64Counter
	TokensInput     metric.Int64Counter
	TokensOutput    metric.Int64Counter
	RequestDuration metric.Float64Histogram
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.SessionsActive, err = meter.Int64UpDownCounter("amplifier.sessions.active",
		metric.WithDescription("Sessions currently registered"),
	); err != nil {
		return nil, err
	}
	if m.PromptsTotal, err = meter.Int64Counter("amplifier.prompts.total",
		metric.WithDescription("Prompts accepted for execution"),
	); err != nil {
		return nil, err
	}
	if m.PromptErrors, err = meter.Int64Counter("amplifier.prompts.errors",
		metric.WithDescription("Prompts that ended in an execution error"),
	); err != nil {
		return nil, err
	}
	if m.ApprovalsTotal, err = meter.Int64Counter("amplifier.approvals.total",
		metric.WithDescription("Approval waits by outcome"),
	); err != nil {
		return nil, err
	}
	if m.ApprovalWait, err = meter.Float64Histogram("amplifier.approval.wait",
		metric.WithDescription("Time spent waiting for an approval decision"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.EventsEmitted, err = meter.Int64Counter("amplifier.events.emitted",
		metric.WithDescription("Events pushed onto session channels"),
	); err != nil {
		return nil, err
	}
	if m.TokensInput, err = meter.Int64Counter("amplifier.tokens.input",
		metric.WithDescription("Input tokens reported by the engine"),
	); err != nil {
		return nil, err
	}
	if m.TokensOutput, err = meter.Int64Counter("amplifier.tokens.output",
		metric.WithDescription("Output tokens reported by the engine"),
	); err != nil {
		return nil, err
	}
	if m.RequestDuration, err = meter.Float64Histogram("amplifier.http.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) SessionDelta(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.SessionsActive.Add(ctx, delta)
}

func (m *Metrics) PromptStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.PromptsTotal.Add(ctx, 1)
}

func (m *Metrics) PromptFailed(ctx context.Context, errorClass string) {
	if m == nil {
		return
	}
	m.PromptErrors.Add(ctx, 1, metric.WithAttributes(AttrErrorClass.String(errorClass)))
}

func (m *Metrics) ApprovalResolved(ctx context.Context, decision, reason string, waited time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrDecision.String(decision), AttrReason.String(reason))
	m.ApprovalsTotal.Add(ctx, 1, attrs)
	m.ApprovalWait.Record(ctx, float64(waited.Microseconds())/1000, attrs)
}

func (m *Metrics) EventEmitted(ctx context.Context, event string) {
	if m == nil {
		return
	}
	m.EventsEmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

func (m *Metrics) Tokens(ctx context.Context, input, output int) {
	if m == nil {
		return
	}
	if input > 0 {
		m.TokensInput.Add(ctx, int64(input))
	}
	if output > 0 {
		m.TokensOutput.Add(ctx, int64(output))
	}
}

func (m *Metrics) Request(ctx context.Context, method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		AttrHTTPMethod.String(method), AttrHTTPRoute.String(route), AttrHTTPStatus.Int(status)))
}
