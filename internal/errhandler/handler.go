// Package errhandler processes failed backend calls: it classifies them, keeps
// a bounded log, runs automatic recovery, escalates to alert sinks under a
// throttle and sends user notifications.
//
// [Handler] is the entry point. Classification and logging happen
// synchronously inside [Handler.Process]; recovery and alert delivery run in
// background goroutines that [Handler.Wait] joins.
package errhandler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/equipguard/internal/alert"
	"github.com/MrWong99/equipguard/internal/apierror"
	"github.com/MrWong99/equipguard/internal/observe"
)

// Recorder receives error telemetry. Implementations must be safe for
// concurrent use.
type Recorder interface {
	RecordError(ctx context.Context, typ, category string, status int)
	RecordEscalation(ctx context.Context, typ string)
	RecordRecovery(ctx context.Context, typ string, ok bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordError(context.Context, string, string, int) {}
func (nopRecorder) RecordEscalation(context.Context, string)         {}
func (nopRecorder) RecordRecovery(context.Context, string, bool)     {}

// Config holds the tunables of a [Handler].
type Config struct {
	// MaxLogSize caps the error log. Default: 100.
	MaxLogSize int

	// Escalation configures the escalation throttle.
	Escalation ThrottleConfig

	// RecoveryTimeout bounds each remediation. Default: 10s.
	RecoveryTimeout time.Duration

	// UserAgent is stamped into every error context.
	UserAgent string

	// SessionID is stamped into every error context. Default: a random UUID
	// per Handler.
	SessionID string

	// Now is the clock. Default: [time.Now].
	Now func() time.Time
}

// Option configures a [Handler].
type Option func(*Handler)

// WithNotifier sets the user notification channel. Default: [LogNotifier].
func WithNotifier(n Notifier) Option {
	return func(h *Handler) { h.notifier = n }
}

// WithAlertSink sets the escalation sink. Default: [alert.LogSink].
func WithAlertSink(s alert.Sink) Option {
	return func(h *Handler) { h.sink = s }
}

// WithRecorder sets the telemetry recorder.
func WithRecorder(r Recorder) Option {
	return func(h *Handler) { h.recorder = r }
}

// WithRemediation registers fn as the remediation for t.
func WithRemediation(t apierror.Type, fn Remediation) Option {
	return func(h *Handler) { h.recovery.Register(t, fn) }
}

// WithCredentialRefresher registers r as the remediation for expired tokens.
func WithCredentialRefresher(r CredentialRefresher) Option {
	return WithRemediation(apierror.TypeTokenExpired, RefreshCredentials(r))
}

// Handler is the error processing facade. It is safe for concurrent use.
type Handler struct {
	classifier apierror.Classifier
	now        func() time.Time
	log        *ErrorLog
	throttle   *Throttle
	recovery   *Recovery
	notifier   Notifier
	sink       alert.Sink
	recorder   Recorder

	wg sync.WaitGroup
}

// New creates a [Handler].
func New(cfg Config, opts ...Option) *Handler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	session := cfg.SessionID
	if session == "" {
		session = uuid.NewString()
	}

	h := &Handler{
		classifier: apierror.Classifier{
			UserAgent: cfg.UserAgent,
			SessionID: session,
			Now:       now,
		},
		now:      now,
		log:      NewErrorLog(cfg.MaxLogSize),
		throttle: NewThrottle(cfg.Escalation, now),
		recovery: NewRecovery(cfg.RecoveryTimeout),
		notifier: LogNotifier{},
		sink:     alert.LogSink{},
		recorder: nopRecorder{},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Process classifies err, logs it, appends it to the error log and adds an
// error event to the span in ctx. When the error's type has a remediation it
// is started in the background, and when the throttle lets the error escalate
// an alert is delivered in the background. The returned error's recovery flags change once the remediation
// finishes.
//
// An err that already is a [*apierror.ProcessedError] is returned as is,
// without being logged or escalated again.
func (h *Handler) Process(ctx context.Context, err error) *apierror.ProcessedError {
	var done *apierror.ProcessedError
	if errors.As(err, &done) {
		return done
	}

	p := h.classifier.Classify(ctx, err)
	h.logError(ctx, p)
	h.log.Add(p)
	h.recorder.RecordError(ctx, string(p.Type), string(p.Category), p.StatusCode)
	escalate := h.throttle.ShouldEscalate(p)
	observe.ErrorEvent(ctx, string(p.Type), string(p.Category), p.CorrelationID, escalate)

	bg := context.WithoutCancel(ctx)
	if p.Recoverable && h.recovery.Handles(p.Type) {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			res := h.recovery.Recover(bg, p)
			if res != RecoverySkipped {
				h.recorder.RecordRecovery(bg, string(p.Type), res == RecoverySucceeded)
			}
		}()
	}
	if escalate {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.escalate(bg, p)
		}()
	}
	return p
}

func (h *Handler) logError(ctx context.Context, p *apierror.ProcessedError) {
	level := slog.LevelWarn
	switch p.Category {
	case apierror.CategoryCritical, apierror.CategoryHigh:
		level = slog.LevelError
	case apierror.CategoryLow:
		level = slog.LevelInfo
	}
	attrs := []slog.Attr{
		slog.String("type", string(p.Type)),
		slog.String("category", string(p.Category)),
		slog.String("correlation_id", p.CorrelationID),
		slog.String("message", p.Message),
	}
	if p.StatusCode != 0 {
		attrs = append(attrs, slog.Int("status", p.StatusCode))
	}
	if p.Context.URL != "" {
		attrs = append(attrs, slog.String("url", p.Context.URL))
	}
	observe.Logger(ctx).LogAttrs(ctx, level, "backend error", attrs...)
}

func (h *Handler) escalate(ctx context.Context, p *apierror.ProcessedError) {
	a := alert.FromProcessed(p, h.now())
	h.recorder.RecordEscalation(ctx, string(p.Type))
	if err := h.sink.Send(ctx, a); err != nil {
		slog.Warn("alert delivery failed",
			"alert_id", a.ID,
			"type", string(p.Type),
			"err", err)
	}
}

// ShowError processes err and sends one notification for it.
func (h *Handler) ShowError(ctx context.Context, err error) *apierror.ProcessedError {
	p := h.Process(ctx, err)
	h.notifier.Notify(ctx, h.notification(p, "", p.UserMessage))
	return p
}

// ShowValidationError processes err and sends one notification per invalid
// field message. Errors without field details get a single notification.
func (h *Handler) ShowValidationError(ctx context.Context, err error) *apierror.ProcessedError {
	p := h.Process(ctx, err)
	msgs := apierror.FieldMessages(p.Details)
	if len(msgs) == 0 {
		h.notifier.Notify(ctx, h.notification(p, "", p.UserMessage))
		return p
	}
	for _, m := range msgs {
		h.notifier.Notify(ctx, h.notification(p, m.Field, m.Message))
	}
	return p
}

func (h *Handler) notification(p *apierror.ProcessedError, field, msg string) Notification {
	return Notification{
		Level:         levelFor(p.Category),
		Message:       msg,
		Field:         field,
		Type:          p.Type,
		CorrelationID: p.CorrelationID,
		Time:          h.now(),
	}
}

// ErrorLog returns the logged errors, oldest first.
func (h *Handler) ErrorLog() []*apierror.ProcessedError { return h.log.Entries() }

// ClearErrorLog empties the error log.
func (h *Handler) ClearErrorLog() { h.log.Clear() }

// AdvancedMetrics aggregates the error log.
func (h *Handler) AdvancedMetrics() AdvancedMetrics { return h.log.Metrics() }

// SetEscalation replaces the escalation throttle configuration.
func (h *Handler) SetEscalation(cfg ThrottleConfig) { h.throttle.SetConfig(cfg) }

// Wait blocks until all background recovery and alert delivery started so
// far has finished.
func (h *Handler) Wait() { h.wg.Wait() }
