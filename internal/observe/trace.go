package observe

import (
	"context"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the equipguard tracer.
const tracerName = "github.com/MrWong99/equipguard"

// Span attribute keys for equipment backend calls and classified errors.
const (
	AttrRequestMethod = attribute.Key("http.request.method")
	AttrURLPath       = attribute.Key("url.path")
	AttrErrorType     = attribute.Key("error.type")
	AttrErrorCategory = attribute.Key("equipguard.error.category")
	AttrCorrelationID = attribute.Key("equipguard.correlation_id")
	AttrEscalated     = attribute.Key("equipguard.error.escalated")
)

// ErrorEventName is the span event added for every classified error.
const ErrorEventName = "equipguard.error"

// Tracer returns the package-level [trace.Tracer] for equipguard. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartBackendCall starts the client span of one logical call to the
// equipment backend. Failover attempts of the call share the span.
func StartBackendCall(ctx context.Context, method, path string) (context.Context, trace.Span) {
	return StartSpan(ctx, "equipment "+method+" "+path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrRequestMethod.String(method),
			AttrURLPath.String(path),
		),
	)
}

// FailBackendCall marks a backend call span failed with the classified error
// type as status description.
func FailBackendCall(span trace.Span, err error, errType, correlationID string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, errType)
	span.SetAttributes(
		AttrErrorType.String(errType),
		AttrCorrelationID.String(correlationID),
	)
}

// ErrorEvent adds a classified-error event to the span in ctx. It does
// nothing when ctx carries no recording span.
func ErrorEvent(ctx context.Context, errType, category, correlationID string, escalated bool) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(ErrorEventName, trace.WithAttributes(
		AttrErrorType.String(errType),
		AttrErrorCategory.String(category),
		AttrCorrelationID.String(correlationID),
		AttrEscalated.Bool(escalated),
	))
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
//
// The middleware echoes it as the X-Correlation-ID response header. It is
// distinct from the per-error correlation IDs minted by the classifier.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx. When no active span is present, the returned
// logger is the default slog logger without extra attributes.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

// Inject writes the trace context of ctx into the headers of an outgoing
// backend request using the globally registered propagator.
func Inject(ctx context.Context, h http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
}
