package errhandler

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/equipguard/internal/apierror"
)

// Level is the visual weight of a [Notification].
type Level string

const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelInfo    Level = "info"
)

// levelFor maps a severity onto a notification level.
func levelFor(c apierror.Category) Level {
	switch c {
	case apierror.CategoryCritical, apierror.CategoryHigh:
		return LevelError
	case apierror.CategoryMedium:
		return LevelWarning
	default:
		return LevelInfo
	}
}

// Notification is one user-facing message, typically rendered as a toast.
type Notification struct {
	Level         Level         `json:"level"`
	Message       string        `json:"message"`
	Field         string        `json:"field,omitempty"`
	Type          apierror.Type `json:"type"`
	CorrelationID string        `json:"correlation_id"`
	Time          time.Time     `json:"time"`
}

// Notifier delivers notifications to users. Implementations must be safe for
// concurrent use and must not block for long.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotifierFunc adapts a function to [Notifier].
type NotifierFunc func(ctx context.Context, n Notification)

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	// Logger receives the notifications. Nil means [slog.Default].
	Logger *slog.Logger
}

// Notify logs n at info level.
func (l LogNotifier) Notify(ctx context.Context, n Notification) {
	lg := l.Logger
	if lg == nil {
		lg = slog.Default()
	}
	attrs := []slog.Attr{
		slog.String("notify_level", string(n.Level)),
		slog.String("type", string(n.Type)),
		slog.String("correlation_id", n.CorrelationID),
	}
	if n.Field != "" {
		attrs = append(attrs, slog.String("field", n.Field))
	}
	lg.LogAttrs(ctx, slog.LevelInfo, "notification: "+n.Message, attrs...)
}

// MultiNotifier fans a notification out to several notifiers.
type MultiNotifier []Notifier

// Notify delivers n to every notifier.
func (m MultiNotifier) Notify(ctx context.Context, n Notification) {
	for _, x := range m {
		x.Notify(ctx, n)
	}
}
