package errhandler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MrWong99/equipguard/internal/alert"
	"github.com/MrWong99/equipguard/internal/apierror"
	"github.com/MrWong99/equipguard/internal/observe"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []alert.Alert
	err    error
}

func (s *recordingSink) Send(_ context.Context, a alert.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return s.err
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (n *recordingNotifier) Notify(_ context.Context, x Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, x)
}

type countingErrRecorder struct {
	mu          sync.Mutex
	errors      int
	escalations int
	recoveries  map[bool]int
}

func (r *countingErrRecorder) RecordError(context.Context, string, string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors++
}

func (r *countingErrRecorder) RecordEscalation(context.Context, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.escalations++
}

func (r *countingErrRecorder) RecordRecovery(_ context.Context, _ string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recoveries == nil {
		r.recoveries = make(map[bool]int)
	}
	r.recoveries[ok]++
}

func response(status int, body string) error {
	return &apierror.ResponseError{Status: status, Body: []byte(body), URL: "https://equipment.example/api", Method: "GET"}
}

func TestHandler_ProcessLogsAndClassifies(t *testing.T) {
	t.Parallel()
	rec := &countingErrRecorder{}
	h := New(Config{MaxLogSize: 10}, WithRecorder(rec), WithAlertSink(&recordingSink{}))

	p := h.Process(context.Background(), response(404, ""))
	h.Wait()

	if p.Type != apierror.TypeUnknown || p.Category != apierror.CategoryMedium {
		t.Fatalf("processed = %s/%s", p.Type, p.Category)
	}
	if p.Context.SessionID == "" {
		t.Error("session id not stamped")
	}
	if log := h.ErrorLog(); len(log) != 1 || log[0] != p {
		t.Fatalf("ErrorLog = %v", log)
	}
	if rec.errors != 1 {
		t.Errorf("recorded errors = %d, want 1", rec.errors)
	}
}

func TestHandler_ProcessIsIdempotentForProcessedErrors(t *testing.T) {
	t.Parallel()
	h := New(Config{}, WithAlertSink(&recordingSink{}))
	p := h.Process(context.Background(), response(500, ""))
	again := h.Process(context.Background(), fmt.Errorf("wrapped: %w", p))
	h.Wait()
	if again != p {
		t.Fatal("re-processing returned a new error")
	}
	if len(h.ErrorLog()) != 1 {
		t.Fatalf("log length = %d, want 1", len(h.ErrorLog()))
	}
}

func TestHandler_TokenExpiredTriggersRefreshOnce(t *testing.T) {
	t.Parallel()
	ref := &fakeRefresher{}
	rec := &countingErrRecorder{}
	h := New(Config{}, WithCredentialRefresher(ref), WithRecorder(rec), WithAlertSink(&recordingSink{}))

	p := h.Process(context.Background(), response(401, `{"message":"Token expired"}`))
	h.Wait()

	if ref.calls.Load() != 1 {
		t.Fatalf("refresh calls = %d, want 1", ref.calls.Load())
	}
	if !p.RecoveryAttempted() || p.RecoveryFailed() {
		t.Fatalf("flags = %v/%v", p.RecoveryAttempted(), p.RecoveryFailed())
	}
	if rec.recoveries[true] != 1 {
		t.Errorf("recoveries = %v", rec.recoveries)
	}
	if got := h.AdvancedMetrics().RecoveryRate; got != 1 {
		t.Errorf("RecoveryRate = %v, want 1", got)
	}
}

func TestHandler_RecoveryFailureOnlySetsFlags(t *testing.T) {
	t.Parallel()
	ref := &fakeRefresher{err: errors.New("refresh rejected")}
	h := New(Config{}, WithCredentialRefresher(ref), WithAlertSink(&recordingSink{}))

	p := h.Process(context.Background(), response(401, `{"message":"Token expired"}`))
	h.Wait()
	if !p.RecoveryAttempted() || !p.RecoveryFailed() {
		t.Fatalf("flags = %v/%v, want true/true", p.RecoveryAttempted(), p.RecoveryFailed())
	}
}

func TestHandler_NoRemediationLeavesFlagsUnset(t *testing.T) {
	t.Parallel()
	h := New(Config{}, WithAlertSink(&recordingSink{}))
	p := h.Process(context.Background(), response(401, `{"message":"Token expired"}`))
	h.Wait()
	if p.RecoveryAttempted() {
		t.Fatal("recovery attempted without a registered remediation")
	}
}

func TestHandler_CriticalEscalatesOnceWithinCooldown(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	rec := &countingErrRecorder{}
	h := New(Config{Escalation: ThrottleConfig{Cooldown: time.Hour}}, WithAlertSink(sink), WithRecorder(rec))

	for range 3 {
		h.Process(context.Background(), response(500, `{"message":"deadlock detected"}`))
	}
	h.Wait()

	if sink.len() != 1 {
		t.Fatalf("alerts = %d, want 1", sink.len())
	}
	if sink.alerts[0].Type != apierror.TypeDeadlock {
		t.Errorf("alert type = %s", sink.alerts[0].Type)
	}
	if rec.escalations != 1 {
		t.Errorf("recorded escalations = %d, want 1", rec.escalations)
	}
}

func TestHandler_RecurringHighEscalates(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	clk := newFakeClock()
	h := New(Config{
		Now:        clk.Now,
		Escalation: ThrottleConfig{RecurrenceThreshold: 3, Window: time.Minute},
	}, WithAlertSink(sink))

	for range 2 {
		h.Process(context.Background(), response(500, `{"message":"boom"}`))
	}
	h.Wait()
	if sink.len() != 0 {
		t.Fatalf("alerts = %d below threshold", sink.len())
	}
	h.Process(context.Background(), response(500, `{"message":"boom"}`))
	h.Wait()
	if sink.len() != 1 {
		t.Fatalf("alerts = %d, want 1", sink.len())
	}
}

func TestHandler_SinkFailureIsContained(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{err: errors.New("pager down")}
	h := New(Config{}, WithAlertSink(sink))
	p := h.Process(context.Background(), response(500, `{"message":"deadlock"}`))
	h.Wait()
	if p == nil || sink.len() != 1 {
		t.Fatal("sink not called")
	}
}

func TestHandler_ShowError(t *testing.T) {
	t.Parallel()
	n := &recordingNotifier{}
	h := New(Config{}, WithNotifier(n), WithAlertSink(&recordingSink{}))

	p := h.ShowError(context.Background(), response(403, ""))
	h.Wait()

	if len(n.sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(n.sent))
	}
	got := n.sent[0]
	if got.Level != LevelWarning || got.CorrelationID != p.CorrelationID || got.Message != p.UserMessage {
		t.Errorf("notification = %+v", got)
	}
}

func TestHandler_ShowValidationErrorOnePerField(t *testing.T) {
	t.Parallel()
	n := &recordingNotifier{}
	h := New(Config{}, WithNotifier(n), WithAlertSink(&recordingSink{}))

	body := `{"errors":{"serial_number":["is required","must be 12 characters"],"department":"unknown"}}`
	h.ShowValidationError(context.Background(), response(422, body))
	h.Wait()

	if len(n.sent) != 3 {
		t.Fatalf("notifications = %d, want 3: %+v", len(n.sent), n.sent)
	}
	if n.sent[0].Field != "department" || n.sent[1].Message != "is required" {
		t.Errorf("notifications = %+v", n.sent)
	}
}

func TestHandler_ShowValidationErrorWithoutDetails(t *testing.T) {
	t.Parallel()
	n := &recordingNotifier{}
	h := New(Config{}, WithNotifier(n), WithAlertSink(&recordingSink{}))
	h.ShowValidationError(context.Background(), response(500, ""))
	h.Wait()
	if len(n.sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(n.sent))
	}
}

func TestHandler_ThousandErrorsStayCapped(t *testing.T) {
	t.Parallel()
	h := New(Config{MaxLogSize: 100}, WithAlertSink(&recordingSink{}))

	start := time.Now()
	for i := range 1000 {
		h.Process(context.Background(), response(500, fmt.Sprintf(`{"message":"failure %d"}`, i)))
	}
	h.Wait()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("processing 1000 errors took %v", elapsed)
	}

	log := h.ErrorLog()
	if len(log) != 100 {
		t.Fatalf("log length = %d, want 100", len(log))
	}
	if log[0].Message != "failure 900" || log[99].Message != "failure 999" {
		t.Errorf("log spans %q..%q", log[0].Message, log[99].Message)
	}

	m := h.AdvancedMetrics()
	if m.Total != 100 || m.ByStatusCode[500] != 100 {
		t.Errorf("metrics = %+v", m)
	}

	h.ClearErrorLog()
	if len(h.ErrorLog()) != 0 {
		t.Fatal("ClearErrorLog left entries")
	}
}

func TestHandler_SetEscalation(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	h := New(Config{}, WithAlertSink(sink))
	h.SetEscalation(ThrottleConfig{RecurrenceThreshold: 1})

	h.Process(context.Background(), response(404, ""))
	h.Wait()
	if sink.len() != 1 {
		t.Fatalf("alerts = %d, want 1 after lowering the threshold", sink.len())
	}
}

func TestHandler_ProcessAddsErrorEventToSpan(t *testing.T) {
	t.Parallel()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	h := New(Config{}, WithAlertSink(&recordingSink{}))
	ctx, span := tp.Tracer("test").Start(context.Background(), "equipment PUT /api/v1/equipment/42")
	first := h.Process(ctx, response(500, `{"message":"deadlock detected"}`))
	h.Process(ctx, response(500, `{"message":"deadlock detected"}`))
	span.End()
	h.Wait()

	events := exp.GetSpans()[0].Events
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	for i, wantEscalated := range []bool{true, false} {
		ev := events[i]
		if ev.Name != observe.ErrorEventName {
			t.Errorf("event %d name = %q", i, ev.Name)
		}
		var typ string
		var escalated bool
		for _, kv := range ev.Attributes {
			switch kv.Key {
			case observe.AttrErrorType:
				typ = kv.Value.AsString()
			case observe.AttrEscalated:
				escalated = kv.Value.AsBool()
			}
		}
		if typ != string(apierror.TypeDeadlock) || escalated != wantEscalated {
			t.Errorf("event %d: type=%s escalated=%v, want %s/%v", i, typ, escalated, apierror.TypeDeadlock, wantEscalated)
		}
	}
	for _, kv := range events[0].Attributes {
		if kv.Key == observe.AttrCorrelationID && kv.Value.AsString() != first.CorrelationID {
			t.Errorf("correlation id = %q, want %q", kv.Value.AsString(), first.CorrelationID)
		}
	}
}
