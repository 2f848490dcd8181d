// Package observe provides application-wide observability primitives for
// equipguard: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
//
// [*Metrics] satisfies the telemetry recorders of the resilience and
// errhandler packages.
package observe

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all equipguard metrics.
const meterName = "github.com/MrWong99/equipguard"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Circuit breakers ---

	// BreakerCalls counts admitted calls. Use with attributes:
	//   attribute.String("breaker", ...), attribute.String("outcome", ...)
	BreakerCalls metric.Int64Counter

	// BreakerCallDuration tracks the latency of admitted calls per breaker.
	BreakerCallDuration metric.Float64Histogram

	// BreakerRejections counts calls short-circuited by an open breaker.
	BreakerRejections metric.Int64Counter

	// BreakerTransitions counts state changes. Use with attributes:
	//   attribute.String("breaker", ...), attribute.String("from", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// OpenBreakers tracks the number of breakers currently open.
	OpenBreakers metric.Int64UpDownCounter

	// --- Error handling ---

	// Errors counts classified errors. Use with attributes:
	//   attribute.String("type", ...), attribute.String("category", ...), attribute.String("status", ...)
	Errors metric.Int64Counter

	// Escalations counts alerts sent to the alert sinks by error type.
	Escalations metric.Int64Counter

	// Recoveries counts finished remediations. Use with attributes:
	//   attribute.String("type", ...), attribute.String("result", ...)
	Recoveries metric.Int64Counter

	// --- Configuration ---

	// ConfigReloads counts evaluated edits of the config file. Use with attributes:
	//   attribute.String("outcome", ...)
	ConfigReloads metric.Int64Counter

	// --- Admin surface ---

	// EventSubscribers tracks connected event-stream clients.
	EventSubscribers metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for calls
// to the equipment backend.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Breakers.
	if met.BreakerCalls, err = m.Int64Counter("equipguard.breaker.calls",
		metric.WithDescription("Calls admitted by a circuit breaker by breaker and outcome."),
	); err != nil {
		return nil, err
	}
	if met.BreakerCallDuration, err = m.Float64Histogram("equipguard.breaker.call.duration",
		metric.WithDescription("Latency of calls admitted by a circuit breaker."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BreakerRejections, err = m.Int64Counter("equipguard.breaker.rejections",
		metric.WithDescription("Calls rejected by an open circuit breaker."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("equipguard.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker, source and target state."),
	); err != nil {
		return nil, err
	}
	if met.OpenBreakers, err = m.Int64UpDownCounter("equipguard.breaker.open",
		metric.WithDescription("Number of circuit breakers currently open."),
	); err != nil {
		return nil, err
	}

	// Errors.
	if met.Errors, err = m.Int64Counter("equipguard.errors",
		metric.WithDescription("Classified errors by type, category, and HTTP status."),
	); err != nil {
		return nil, err
	}
	if met.Escalations, err = m.Int64Counter("equipguard.escalations",
		metric.WithDescription("Errors escalated to alert sinks by type."),
	); err != nil {
		return nil, err
	}
	if met.Recoveries, err = m.Int64Counter("equipguard.recoveries",
		metric.WithDescription("Finished automatic recoveries by type and result."),
	); err != nil {
		return nil, err
	}

	// Configuration.
	if met.ConfigReloads, err = m.Int64Counter("equipguard.config.reloads",
		metric.WithDescription("Config file edits by outcome: applied, unchanged or rejected."),
	); err != nil {
		return nil, err
	}

	// Admin surface.
	if met.EventSubscribers, err = m.Int64UpDownCounter("equipguard.events.subscribers",
		metric.WithDescription("Number of connected event-stream clients."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("equipguard.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordBreakerCall records one admitted call and its latency.
func (m *Metrics) RecordBreakerCall(ctx context.Context, name, outcome string, d time.Duration) {
	m.BreakerCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", name),
			attribute.String("outcome", outcome),
		),
	)
	m.BreakerCallDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("breaker", name)),
	)
}

// RecordBreakerRejection records a call rejected by an open breaker.
func (m *Metrics) RecordBreakerRejection(ctx context.Context, name string) {
	m.BreakerRejections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("breaker", name)),
	)
}

// RecordBreakerTransition records a state change and keeps the open-breaker
// gauge in step.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, from, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", name),
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
	switch {
	case to == "open" && from != "open":
		m.OpenBreakers.Add(ctx, 1)
	case from == "open" && to != "open":
		m.OpenBreakers.Add(ctx, -1)
	}
}

// RecordError records a classified error. A zero status is reported as
// "none".
func (m *Metrics) RecordError(ctx context.Context, typ, category string, status int) {
	s := "none"
	if status != 0 {
		s = strconv.Itoa(status)
	}
	m.Errors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("type", typ),
			attribute.String("category", category),
			attribute.String("status", s),
		),
	)
}

// RecordEscalation records an alert sent for an error type.
func (m *Metrics) RecordEscalation(ctx context.Context, typ string) {
	m.Escalations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", typ)),
	)
}

// RecordRecovery records a finished remediation.
func (m *Metrics) RecordRecovery(ctx context.Context, typ string, ok bool) {
	result := "failed"
	if ok {
		result = "succeeded"
	}
	m.Recoveries.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("type", typ),
			attribute.String("result", result),
		),
	)
}

// RecordConfigReload records the outcome of one config file edit.
func (m *Metrics) RecordConfigReload(ctx context.Context, outcome string) {
	m.ConfigReloads.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}
