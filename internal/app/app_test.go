package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/equipguard/internal/alert"
	"github.com/MrWong99/equipguard/internal/apiclient"
	"github.com/MrWong99/equipguard/internal/apierror"
	"github.com/MrWong99/equipguard/internal/app"
	"github.com/MrWong99/equipguard/internal/config"
	"github.com/MrWong99/equipguard/internal/observe"
	"github.com/MrWong99/equipguard/internal/resilience"
)

// testMetrics returns metrics backed by a no-op provider so tests do not
// share the global instruments.
func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// newApp builds an App with test metrics and an empty Prometheus registry.
func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{
		app.WithMetrics(testMetrics(t)),
		app.WithGatherer(prometheus.NewRegistry()),
	}, opts...)
	a, err := app.New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", target, nil))
	return rec
}

// recordingSink collects delivered alerts.
type recordingSink struct {
	mu  sync.Mutex
	got []alert.Alert
}

func (s *recordingSink) Send(_ context.Context, a alert.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, a)
	return nil
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

// fakeDB records executed statements. Queries are not supported.
type fakeDB struct {
	mu    sync.Mutex
	execs []string
}

func (d *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.execs = append(d.execs, sql)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (d *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("fakeDB: query not supported")
}

func (d *fakeDB) count(substr string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.execs {
		if strings.Contains(s, substr) {
			n++
		}
	}
	return n
}

func TestNew_Minimal(t *testing.T) {
	t.Parallel()
	a := newApp(t, &config.Config{})

	if rec := get(t, a.Handler(), "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("/healthz status = %d, want 200", rec.Code)
	}
	if rec := get(t, a.Handler(), "/readyz"); rec.Code != http.StatusOK {
		t.Errorf("/readyz status = %d, want 200", rec.Code)
	}
	if rec := get(t, a.Handler(), "/metrics"); rec.Code != http.StatusOK {
		t.Errorf("/metrics status = %d, want 200", rec.Code)
	}
	if rec := get(t, a.Handler(), "/v1/equipment"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/v1/equipment without backend = %d, want 503", rec.Code)
	}
	if rec := get(t, a.Handler(), "/v1/alerts"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/v1/alerts without store = %d, want 503", rec.Code)
	}
	if a.Client() != nil {
		t.Error("Client() should be nil without backend.base_urls")
	}
}

func TestNew_ProxiesEquipmentThroughBreakers(t *testing.T) {
	t.Parallel()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "equipguard-test" {
			t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"eq-1","name":"Infusion pump","department":"icu","status":"operational"}]`))
	}))
	t.Cleanup(backend.Close)

	a := newApp(t, &config.Config{Backend: config.BackendConfig{
		BaseURLs:  []string{backend.URL},
		UserAgent: "equipguard-test",
	}})

	rec := get(t, a.Handler(), "/v1/equipment?department=icu")
	if rec.Code != http.StatusOK {
		t.Fatalf("/v1/equipment status = %d, body %q", rec.Code, rec.Body.String())
	}
	var list []map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil || len(list) != 1 {
		t.Fatalf("decode: %v, list = %v", err, list)
	}

	names := a.Breakers().Names()
	if len(names) != 1 || !strings.HasPrefix(names[0], "equipment-api:") {
		t.Fatalf("breakers = %v", names)
	}
	snap := a.Breakers().AllMetrics()[names[0]]
	if snap.Metrics.SuccessfulRequests != 1 {
		t.Errorf("SuccessfulRequests = %d, want 1", snap.Metrics.SuccessfulRequests)
	}
}

func TestNew_AlertStoreReceivesEscalations(t *testing.T) {
	t.Parallel()
	db := &fakeDB{}
	a := newApp(t, &config.Config{Alerts: config.AlertsConfig{Sinks: []string{config.SinkLog, config.SinkPostgres}}}, app.WithAlertDB(db))

	if db.count("CREATE TABLE") != 1 {
		t.Fatal("alert schema was not migrated")
	}

	a.Errors().Process(context.Background(), &apierror.ResponseError{Status: 500, Body: []byte(`{"message":"deadlock detected"}`)})
	a.Errors().Wait()

	if got := db.count("INSERT INTO escalated_alerts"); got != 1 {
		t.Fatalf("alert inserts = %d, want 1", got)
	}
}

func TestNew_PostgresSinkWithoutStore(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Alerts: config.AlertsConfig{Sinks: []string{config.SinkPostgres}}}
	_, err := app.New(context.Background(), cfg, app.WithMetrics(testMetrics(t)))
	if err == nil {
		t.Fatal("expected error for postgres sink without a store, got nil")
	}
	if !strings.Contains(err.Error(), "postgres_dsn") {
		t.Errorf("error should mention postgres_dsn, got: %v", err)
	}
}

func TestNew_UnknownSink(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Alerts: config.AlertsConfig{Sinks: []string{"pager"}}}
	_, err := app.New(context.Background(), cfg, app.WithMetrics(testMetrics(t)))
	if !errors.Is(err, config.ErrSinkNotRegistered) {
		t.Fatalf("expected ErrSinkNotRegistered, got %v", err)
	}
}

func TestNew_CustomSink(t *testing.T) {
	t.Parallel()
	pager := &recordingSink{}
	a := newApp(t,
		&config.Config{Alerts: config.AlertsConfig{Sinks: []string{"pager"}}},
		app.WithSink("pager", func() (alert.Sink, error) { return pager, nil }),
	)

	a.Errors().Process(context.Background(), &apierror.ResponseError{Status: 500, Body: []byte(`{"message":"database connection failed"}`)})
	a.Errors().Wait()

	if pager.len() != 1 {
		t.Fatalf("pager alerts = %d, want 1", pager.len())
	}
}

func TestReload_AppliesEscalation(t *testing.T) {
	t.Parallel()
	pager := &recordingSink{}
	old := &config.Config{Alerts: config.AlertsConfig{Sinks: []string{"pager"}}}
	a := newApp(t, old, app.WithSink("pager", func() (alert.Sink, error) { return pager, nil }))

	unavailable := &apierror.ResponseError{Status: 503}
	a.Errors().Process(context.Background(), unavailable)
	a.Errors().Wait()
	if pager.len() != 0 {
		t.Fatalf("single non-critical error escalated before reload")
	}

	updated := &config.Config{
		Errors: config.ErrorsConfig{Escalation: config.EscalationConfig{RecurrenceThreshold: 1}},
		Alerts: old.Alerts,
	}
	c := config.NewChange(old, updated)
	if !c.Diff.EscalationChanged {
		t.Fatalf("diff = %+v", c.Diff)
	}
	a.Reload(c)

	a.Errors().Process(context.Background(), &apierror.ResponseError{Status: 502})
	a.Errors().Wait()
	if pager.len() != 1 {
		t.Errorf("escalations after reload = %d, want 1", pager.len())
	}
}

func TestReload_RetunesLiveBackendBreakers(t *testing.T) {
	t.Parallel()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(backend.Close)

	old := &config.Config{Backend: config.BackendConfig{BaseURLs: []string{backend.URL}}}
	a := newApp(t, old)

	names := a.Breakers().Names()
	if len(names) != 1 {
		t.Fatalf("breakers at startup = %v", names)
	}
	cb := a.Breakers().Breaker(names[0])

	updated := &config.Config{
		Backend: old.Backend,
		Breakers: config.BreakersConfig{Overrides: map[string]config.BreakerSettings{
			names[0]: {FailureThreshold: 1, Timeout: time.Hour},
		}},
	}
	c := config.NewChange(old, updated)
	if !c.Diff.BreakersChanged {
		t.Fatalf("diff = %+v", c.Diff)
	}
	a.Reload(c)
	if a.Breakers().Breaker(names[0]) != cb {
		t.Fatal("reload replaced the backend breaker")
	}

	if _, err := a.Client().ListEquipment(context.Background(), apiclient.ListOptions{}); err == nil {
		t.Fatal("expected backend error")
	}
	if cb.State() != resilience.StateOpen {
		t.Errorf("override not applied to live breaker: state = %s after one failure", cb.State())
	}
}

func TestRun_ServesUntilCanceled(t *testing.T) {
	t.Parallel()
	a := newApp(t, &config.Config{Server: config.ServerConfig{ListenAddr: "127.0.0.1:0"}})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}

func TestRun_ListenError(t *testing.T) {
	t.Parallel()
	a := newApp(t, &config.Config{Server: config.ServerConfig{ListenAddr: "256.0.0.1:99999"}})
	if err := a.Run(context.Background()); err == nil {
		t.Fatal("expected listen error, got nil")
	}
}
