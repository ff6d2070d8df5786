package tokengate

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricNameGateRequests     = "tokengate.gate.requests"
	metricNameManageOperations = "tokengate.manage.operations"
	metricNameStoreDuration    = "tokengate.store.duration"

	instrumentationName = "github.com/jassus213/go-token-gate"
)

// metrics holds the instruments of one component. A nil *metrics records nothing.
type metrics struct {
	gateRequests     metric.Int64Counter
	manageOperations metric.Int64Counter
	storeDuration    metric.Float64Histogram
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	if mp == nil {
		return nil, nil
	}
	meter := mp.Meter(instrumentationName)

	gateRequests, err := meter.Int64Counter(
		metricNameGateRequests,
		metric.WithDescription("Gated requests by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	manageOperations, err := meter.Int64Counter(
		metricNameManageOperations,
		metric.WithDescription("Token management operations by outcome"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	storeDuration, err := meter.Float64Histogram(
		metricNameStoreDuration,
		metric.WithDescription("Latency of store calls"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	)
	if err != nil {
		return nil, err
	}

	return &metrics{
		gateRequests:     gateRequests,
		manageOperations: manageOperations,
		storeDuration:    storeDuration,
	}, nil
}

// outcome is "ok" for a nil error, otherwise the error kind.
func outcome(e *Error) string {
	if e == nil {
		return "ok"
	}
	return e.Kind.String()
}

func (m *metrics) recordGate(ctx context.Context, gate string, e *Error) {
	if m == nil {
		return
	}
	m.gateRequests.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("gate", gate),
		attribute.String("outcome", outcome(e)),
	))
}

func (m *metrics) recordManage(ctx context.Context, action Action, e *Error) {
	if m == nil {
		return
	}
	m.manageOperations.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("action", string(action)),
		attribute.String("outcome", outcome(e)),
	))
}

func (m *metrics) recordStore(ctx context.Context, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.storeDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("op", op),
		attribute.Bool("error", err != nil),
	))
}
