package core

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/olserra/pap/core"

// Metrics counts router outcomes. A nil *Metrics records nothing.
type Metrics struct {
	accepted metric.Int64Counter
	rejected metric.Int64Counter
	resolved metric.Int64Counter
	expired  metric.Int64Counter
}

// NewMetrics registers the router instruments on meter. A nil meter uses
// the global provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(ProtocolVersion))
	}
	m := &Metrics{}
	var err error
	if m.accepted, err = meter.Int64Counter("pap.envelopes.accepted",
		metric.WithDescription("Inbound envelopes that passed every check"),
		metric.WithUnit("{envelope}"),
	); err != nil {
		return nil, fmt.Errorf("metrics: accepted counter: %w", err)
	}
	if m.rejected, err = meter.Int64Counter("pap.envelopes.rejected",
		metric.WithDescription("Envelopes rejected, by reason"),
		metric.WithUnit("{envelope}"),
	); err != nil {
		return nil, fmt.Errorf("metrics: rejected counter: %w", err)
	}
	if m.resolved, err = meter.Int64Counter("pap.invocations.resolved",
		metric.WithDescription("Invocations answered before their deadline"),
		metric.WithUnit("{invocation}"),
	); err != nil {
		return nil, fmt.Errorf("metrics: resolved counter: %w", err)
	}
	if m.expired, err = meter.Int64Counter("pap.invocations.expired",
		metric.WithDescription("Invocations removed by deadline or session close"),
		metric.WithUnit("{invocation}"),
	); err != nil {
		return nil, fmt.Errorf("metrics: expired counter: %w", err)
	}
	return m, nil
}

func (m *Metrics) envelopeAccepted(ctx context.Context, f Family) {
	if m == nil {
		return
	}
	m.accepted.Add(ctx, 1, metric.WithAttributes(attribute.String("family", f.String())))
}

func (m *Metrics) envelopeRejected(ctx context.Context, direction string, err error) {
	if m == nil {
		return
	}
	m.rejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", Reason(err)),
		attribute.String("direction", direction),
	))
}

func (m *Metrics) invocationResolved(ctx context.Context) {
	if m == nil {
		return
	}
	m.resolved.Add(ctx, 1)
}

func (m *Metrics) invocationsExpired(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.expired.Add(ctx, int64(n))
}
