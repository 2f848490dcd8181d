// Package alert delivers escalated errors to external alerting sinks.
//
// An [Alert] is built from an escalated [apierror.ProcessedError] and handed
// to a [Sink]. Sinks in this package log the alert ([LogSink]), persist it to
// PostgreSQL ([PostgresStore]) or fan it out to several sinks ([Multi]).
package alert

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/equipguard/internal/apierror"
)

// Alert is a single escalation.
type Alert struct {
	ID            string            `json:"id"`
	CorrelationID string            `json:"correlation_id"`
	Type          apierror.Type     `json:"type"`
	Family        apierror.Family   `json:"family"`
	Category      apierror.Category `json:"category"`
	Message       string            `json:"message"`
	StatusCode    int               `json:"status_code,omitempty"`
	URL           string            `json:"url,omitempty"`
	Method        string            `json:"method,omitempty"`
	TraceID       string            `json:"trace_id,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// FromProcessed builds an [Alert] for p stamped with now.
func FromProcessed(p *apierror.ProcessedError, now time.Time) Alert {
	return Alert{
		ID:            uuid.NewString(),
		CorrelationID: p.CorrelationID,
		Type:          p.Type,
		Family:        p.Family,
		Category:      p.Category,
		Message:       p.Message,
		StatusCode:    p.StatusCode,
		URL:           p.Context.URL,
		Method:        p.Context.Method,
		TraceID:       p.Context.TraceID,
		CreatedAt:     now,
	}
}

// Sink receives alerts. Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, a Alert) error
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, a Alert) error

// Send calls f.
func (f SinkFunc) Send(ctx context.Context, a Alert) error { return f(ctx, a) }

// LogSink writes alerts to a structured logger.
type LogSink struct {
	// Logger receives the alerts. Nil means [slog.Default].
	Logger *slog.Logger
}

// Send logs a at error level.
func (s LogSink) Send(ctx context.Context, a Alert) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	l.LogAttrs(ctx, slog.LevelError, "error escalated",
		slog.String("alert_id", a.ID),
		slog.String("correlation_id", a.CorrelationID),
		slog.String("type", string(a.Type)),
		slog.String("category", string(a.Category)),
		slog.String("message", a.Message),
		slog.Int("status", a.StatusCode),
		slog.String("url", a.URL),
	)
	return nil
}

// Multi sends every alert to all of its sinks. One failing sink does not stop
// delivery to the rest; the errors are joined.
type Multi []Sink

// Send delivers a to every sink.
func (m Multi) Send(ctx context.Context, a Alert) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
