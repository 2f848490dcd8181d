// Package admin serves the operator HTTP API: breaker and error telemetry,
// persisted alerts, a websocket event stream and a read-only proxy to the
// equipment backend.
package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/MrWong99/equipguard/internal/alert"
	"github.com/MrWong99/equipguard/internal/apiclient"
	"github.com/MrWong99/equipguard/internal/apierror"
	"github.com/MrWong99/equipguard/internal/errhandler"
	"github.com/MrWong99/equipguard/internal/observe"
	"github.com/MrWong99/equipguard/internal/resilience"
)

// maxAlertLimit caps the limit query parameter of GET /v1/alerts.
const maxAlertLimit = 500

// Equipment is the part of the backend client the proxy routes use.
type Equipment interface {
	ListEquipment(ctx context.Context, opts apiclient.ListOptions) ([]apiclient.Equipment, error)
	GetEquipment(ctx context.Context, id string) (apiclient.Equipment, error)
}

// AlertStore lists persisted alerts, newest first.
type AlertStore interface {
	Recent(ctx context.Context, limit int) ([]alert.Alert, error)
}

// Option configures a [Server].
type Option func(*Server)

// WithEquipment enables the /v1/equipment proxy routes.
func WithEquipment(e Equipment) Option {
	return func(s *Server) { s.equipment = e }
}

// WithAlertStore enables GET /v1/alerts.
func WithAlertStore(st AlertStore) Option {
	return func(s *Server) { s.alerts = st }
}

// WithHub enables the GET /v1/events websocket stream.
func WithHub(h *Hub) Option {
	return func(s *Server) { s.hub = h }
}

// Server holds the dependencies of the admin routes.
type Server struct {
	breakers  *resilience.Manager
	errors    *errhandler.Handler
	equipment Equipment
	alerts    AlertStore
	hub       *Hub
}

// New creates a [Server].
func New(breakers *resilience.Manager, errs *errhandler.Handler, opts ...Option) *Server {
	s := &Server{breakers: breakers, errors: errs}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the admin routes to mux:
//
//	GET    /v1/breakers          breaker snapshots by name
//	GET    /v1/breakers/health   breaker health by name
//	POST   /v1/breakers/reset    reset every breaker
//	GET    /v1/errors            error log, oldest first
//	DELETE /v1/errors            clear the error log
//	GET    /v1/errors/metrics    error log aggregates
//	GET    /v1/alerts            recent persisted alerts
//	GET    /v1/events            websocket event stream
//	GET    /v1/equipment         equipment list (proxied)
//	GET    /v1/equipment/{id}    single device (proxied)
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/breakers", s.handleBreakers)
	mux.HandleFunc("GET /v1/breakers/health", s.handleBreakerHealth)
	mux.HandleFunc("POST /v1/breakers/reset", s.handleBreakerReset)
	mux.HandleFunc("GET /v1/errors", s.handleErrors)
	mux.HandleFunc("DELETE /v1/errors", s.handleClearErrors)
	mux.HandleFunc("GET /v1/errors/metrics", s.handleErrorMetrics)
	mux.HandleFunc("GET /v1/alerts", s.handleAlerts)
	if s.hub != nil {
		mux.Handle("GET /v1/events", s.hub)
	}
	mux.HandleFunc("GET /v1/equipment", s.handleListEquipment)
	mux.HandleFunc("GET /v1/equipment/{id}", s.handleGetEquipment)
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.breakers.AllMetrics())
}

func (s *Server) handleBreakerHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.breakers.HealthStatus())
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	s.breakers.ResetAll()
	observe.Logger(r.Context()).Info("admin: all circuit breakers reset")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleErrors(w http.ResponseWriter, _ *http.Request) {
	log := s.errors.ErrorLog()
	if log == nil {
		log = []*apierror.ProcessedError{}
	}
	writeJSON(w, http.StatusOK, log)
}

func (s *Server) handleClearErrors(w http.ResponseWriter, r *http.Request) {
	s.errors.ClearErrorLog()
	observe.Logger(r.Context()).Info("admin: error log cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleErrorMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.errors.AdvancedMetrics())
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.alerts == nil {
		http.Error(w, "alert store not configured", http.StatusServiceUnavailable)
		return
	}
	limit := alert.DefaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxAlertLimit {
			http.Error(w, "limit must be between 1 and "+strconv.Itoa(maxAlertLimit), http.StatusBadRequest)
			return
		}
		limit = n
	}

	alerts, err := s.alerts.Recent(r.Context(), limit)
	if err != nil {
		observe.Logger(r.Context()).Error("admin: list alerts", "error", err)
		http.Error(w, "failed to list alerts", http.StatusInternalServerError)
		return
	}
	if alerts == nil {
		alerts = []alert.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleListEquipment(w http.ResponseWriter, r *http.Request) {
	if s.equipment == nil {
		http.Error(w, "equipment backend not configured", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	opts := apiclient.ListOptions{
		Department: q.Get("department"),
		Status:     apiclient.EquipmentStatus(q.Get("status")),
	}
	if opts.Status != "" && !opts.Status.Valid() {
		http.Error(w, "unknown status "+strconv.Quote(string(opts.Status)), http.StatusBadRequest)
		return
	}

	list, err := s.equipment.ListEquipment(r.Context(), opts)
	if err != nil {
		writeProblem(w, err)
		return
	}
	if list == nil {
		list = []apiclient.Equipment{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetEquipment(w http.ResponseWriter, r *http.Request) {
	if s.equipment == nil {
		http.Error(w, "equipment backend not configured", http.StatusServiceUnavailable)
		return
	}
	eq, err := s.equipment.GetEquipment(r.Context(), r.PathValue("id"))
	if err != nil {
		writeProblem(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eq)
}

// problem is the JSON body of a failed proxy call.
type problem struct {
	Type          apierror.Type `json:"type"`
	Message       string        `json:"message"`
	CorrelationID string        `json:"correlation_id,omitempty"`
}

// writeProblem reports a failed backend call. Backend 4xx statuses are passed
// through; everything else is a 502.
func writeProblem(w http.ResponseWriter, err error) {
	var p *apierror.ProcessedError
	if !errors.As(err, &p) {
		writeJSON(w, http.StatusBadGateway, problem{Type: apierror.TypeUnknown, Message: err.Error()})
		return
	}
	status := http.StatusBadGateway
	if p.StatusCode >= 400 && p.StatusCode < 500 {
		status = p.StatusCode
	}
	writeJSON(w, status, problem{Type: p.Type, Message: p.UserMessage, CorrelationID: p.CorrelationID})
}

// writeJSON encodes v as JSON and writes it with the given status code. When
// v cannot be encoded nothing of it is sent and the response is a 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		slog.Error("admin: encode response", "err", err)
		buf.Reset()
		buf.WriteString(`{"status":"error"}` + "\n")
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}
