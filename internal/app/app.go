// Package app wires all equipguard subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the admin HTTP API, Reload applies hot-reloadable
// config changes, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithAlertDB,
// WithHTTPClient, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/equipguard/internal/admin"
	"github.com/MrWong99/equipguard/internal/alert"
	"github.com/MrWong99/equipguard/internal/apiclient"
	"github.com/MrWong99/equipguard/internal/auth"
	"github.com/MrWong99/equipguard/internal/config"
	"github.com/MrWong99/equipguard/internal/errhandler"
	"github.com/MrWong99/equipguard/internal/health"
	"github.com/MrWong99/equipguard/internal/observe"
	"github.com/MrWong99/equipguard/internal/resilience"
)

const (
	// DefaultListenAddr is used when server.listen_addr is empty.
	DefaultListenAddr = ":8080"

	readHeaderTimeout = 10 * time.Second
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	// Injected or defaulted in New.
	metrics  *observe.Metrics
	gatherer prometheus.Gatherer
	db       alert.DB
	http     *http.Client
	registry *config.Registry

	// Subsystems, initialised in New and torn down in Shutdown.
	pool     *pgxpool.Pool
	store    *alert.PostgresStore
	hub      *admin.Hub
	breakers *resilience.Manager
	tokens   *auth.TokenSource
	errors   *errhandler.Handler
	client   *apiclient.Client
	handler  http.Handler

	mu     sync.Mutex
	server *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics records telemetry on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer serves GET /metrics from g instead of the default Prometheus
// registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithAlertDB stores alerts in db instead of a pool opened from
// alerts.postgres_dsn.
func WithAlertDB(db alert.DB) Option {
	return func(a *App) { a.db = db }
}

// WithHTTPClient uses hc for backend and token requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(a *App) { a.http = hc }
}

// WithSink registers an additional alert sink factory under name, so that
// alerts.sinks may select it.
func WithSink(name string, factory config.SinkFactory) Option {
	return func(a *App) { a.registry.RegisterSink(name, factory) }
}

// New creates an App by wiring all subsystems together.
//
// New performs all initialisation synchronously: alert store connection and
// migration, breaker registry, OAuth token source, error handler with its
// alert sinks, backend client and HTTP routes.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		gatherer: prometheus.DefaultGatherer,
		registry: config.NewRegistry(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.hub = admin.NewHub(admin.WithHubMetrics(a.metrics))

	// ── 1. Alert store ───────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init alert store: %w", err)
	}

	// ── 2. Circuit breakers ──────────────────────────────────────────────
	a.initBreakers()

	// ── 3. Credentials ───────────────────────────────────────────────────
	if err := a.initAuth(); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init auth: %w", err)
	}

	// ── 4. Error handler ─────────────────────────────────────────────────
	if err := a.initErrors(); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init error handler: %w", err)
	}

	// ── 5. Backend client ────────────────────────────────────────────────
	if err := a.initClient(); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init backend client: %w", err)
	}

	// ── 6. Routes ────────────────────────────────────────────────────────
	a.initRoutes()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects the alert store when one is injected or configured.
func (a *App) initStore(ctx context.Context) error {
	if a.db == nil && a.cfg.Alerts.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, a.cfg.Alerts.PostgresDSN)
		if err != nil {
			return fmt.Errorf("create pool: %w", err)
		}
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping: %w", err)
		}
		a.pool = pool
		a.db = pool
	}
	if a.db == nil {
		return nil
	}

	a.store = alert.NewPostgresStore(a.db)
	if err := a.store.Migrate(ctx); err != nil {
		return err
	}
	slog.Info("alert store ready")
	return nil
}

// initBreakers creates the breaker registry from the config defaults and
// overrides. Every transition is recorded and published on the event hub.
func (a *App) initBreakers() {
	defaults := a.cfg.Breakers.Defaults.CircuitBreakerConfig()
	defaults.Recorder = a.metrics
	a.breakers = resilience.NewManager(
		resilience.WithDefaults(defaults),
		resilience.WithOverrides(a.cfg.Breakers.OverrideConfigs()),
		resilience.WithStateChangeHook(a.hub.BreakerStateChanged),
	)
}

// initAuth creates the OAuth token source when backend.auth is set.
func (a *App) initAuth() error {
	oc := a.cfg.Backend.Auth
	if oc == nil {
		return nil
	}
	ts, err := auth.New(auth.Config{
		TokenURL:     oc.TokenURL,
		ClientID:     oc.ClientID,
		ClientSecret: oc.ClientSecret,
		Scopes:       oc.Scopes,
		HTTPClient:   a.http,
	})
	if err != nil {
		return err
	}
	a.tokens = ts
	return nil
}

// initErrors registers the built-in alert sinks, resolves alerts.sinks and
// creates the error handler.
func (a *App) initErrors() error {
	a.registerBuiltinSinks()

	names := a.cfg.Alerts.Sinks
	if len(names) == 0 {
		names = []string{config.SinkLog}
	}
	sinks, err := a.registry.CreateSinks(names)
	if err != nil {
		return err
	}

	hc := a.cfg.Errors.HandlerConfig()
	hc.UserAgent = a.cfg.Backend.UserAgent
	opts := []errhandler.Option{
		errhandler.WithNotifier(errhandler.MultiNotifier{errhandler.LogNotifier{}, a.hub}),
		errhandler.WithAlertSink(sinks),
		errhandler.WithRecorder(a.metrics),
	}
	if a.tokens != nil {
		opts = append(opts, errhandler.WithCredentialRefresher(a.tokens))
	}
	a.errors = errhandler.New(hc, opts...)
	slog.Info("error handler ready", "alert_sinks", names)
	return nil
}

// registerBuiltinSinks wires the sinks that ship with equipguard into the
// registry. Sinks registered through [WithSink] under the same name win.
func (a *App) registerBuiltinSinks() {
	builtin := map[string]config.SinkFactory{
		config.SinkLog:    func() (alert.Sink, error) { return alert.LogSink{}, nil },
		config.SinkEvents: func() (alert.Sink, error) { return a.hub, nil },
		config.SinkPostgres: func() (alert.Sink, error) {
			if a.store == nil {
				return nil, errors.New("alerts.postgres_dsn is not configured")
			}
			return a.store, nil
		},
	}
	registered := a.registry.SinkNames()
	for name, factory := range builtin {
		if !slices.Contains(registered, name) {
			a.registry.RegisterSink(name, factory)
		}
	}
}

// initClient creates the backend client when backend.base_urls is set.
func (a *App) initClient() error {
	bc := a.cfg.Backend
	if len(bc.BaseURLs) == 0 {
		slog.Warn("backend.base_urls is empty; equipment routes are disabled")
		return nil
	}
	var opts []apiclient.Option
	if a.tokens != nil {
		opts = append(opts, apiclient.WithTokens(a.tokens))
	}
	if a.http != nil {
		opts = append(opts, apiclient.WithHTTPClient(a.http))
	}
	c, err := apiclient.New(apiclient.Config{
		BaseURLs:     bc.BaseURLs,
		Timeout:      bc.Timeout,
		UserAgent:    bc.UserAgent,
		MaxBodyBytes: bc.MaxBodyBytes,
	}, a.breakers, a.errors, opts...)
	if err != nil {
		return err
	}
	a.client = c
	slog.Info("backend client ready", "breakers", c.Breakers())
	return nil
}

// initRoutes builds the HTTP handler: health checks, Prometheus scrape
// endpoint and the admin API, all behind the observe middleware.
func (a *App) initRoutes() {
	mux := http.NewServeMux()

	checkers := []health.Checker{health.Breakers(a.breakers)}
	if a.pool != nil {
		checkers = append(checkers, health.Checker{Name: "database", Critical: true, Check: a.pool.Ping})
	}
	health.New(checkers...).Register(mux)

	mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))

	opts := []admin.Option{admin.WithHub(a.hub)}
	if a.client != nil {
		opts = append(opts, admin.WithEquipment(a.client))
	}
	if a.store != nil {
		opts = append(opts, admin.WithAlertStore(a.store))
	}
	admin.New(a.breakers, a.errors, opts...).Register(mux)

	a.handler = observe.Middleware(a.metrics)(mux)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Breakers returns the breaker registry.
func (a *App) Breakers() *resilience.Manager { return a.breakers }

// Errors returns the error handler.
func (a *App) Errors() *errhandler.Handler { return a.errors }

// Client returns the backend client, or nil when no backend is configured.
func (a *App) Client() *apiclient.Client { return a.client }

// Metrics returns the telemetry instruments the app records on.
func (a *App) Metrics() *observe.Metrics { return a.metrics }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API on server.listen_addr and blocks until ctx is
// cancelled or the server fails. On cancellation Run returns ctx.Err(); the
// server keeps serving until [App.Shutdown].
func (a *App) Run(ctx context.Context) error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = DefaultListenAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	a.mu.Lock()
	a.server = srv
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()
	slog.Info("app running", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable part of c: the escalation throttle and
// the breaker overrides, including those of breakers already in use. Settings
// that need a restart are logged and otherwise ignored; the log level is left
// to the owner of the logger.
func (a *App) Reload(c config.Change) {
	d := c.Diff
	if d.EscalationChanged {
		a.errors.SetEscalation(d.NewEscalation.ThrottleConfig())
		slog.Info("escalation throttle updated",
			"cooldown", d.NewEscalation.Cooldown,
			"recurrence_threshold", d.NewEscalation.RecurrenceThreshold,
			"window", d.NewEscalation.Window)
	}
	if d.BreakersChanged {
		retuned := a.breakers.SetOverrides(c.New.Breakers.OverrideConfigs())
		for _, bd := range d.BreakerChanges {
			slog.Info("breaker override updated",
				"name", bd.Name, "added", bd.Added, "removed", bd.Removed, "changed", bd.Changed,
				"live", slices.Contains(retuned, bd.Name))
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "settings", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server, waits for background recovery and
// escalation work, and releases the alert store. Only the first call has
// any effect.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.mu.Lock()
		srv := a.server
		a.mu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http server: %w", err))
			}
		}

		done := make(chan struct{})
		go func() {
			a.errors.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("wait for background work: %w", ctx.Err()))
		}

		if err := a.close(); err != nil {
			errs = append(errs, err)
		}
	})
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("app: shutdown: %w", err)
	}
	return nil
}

// close runs the closers in order and joins their errors.
func (a *App) close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
