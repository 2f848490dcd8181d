package resilience

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// HealthStatus is the coarse health of a single breaker.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "HEALTHY"
	HealthDegraded  HealthStatus = "DEGRADED"
	HealthUnhealthy HealthStatus = "UNHEALTHY"
)

// Health is the derived health view of a breaker.
type Health struct {
	Status              HealthStatus `json:"status"`
	State               State        `json:"state"`
	SuccessRate         float64      `json:"success_rate"`
	AverageResponseTime float64      `json:"average_response_time_ms"`
}

// Health derives the breaker's health from its state and execution history.
// Expected errors count as healthy responses. An open breaker is unhealthy,
// a half-open one degraded, and a closed one unhealthy only when its success
// rate over the history falls below the configured floor.
func (cb *CircuitBreaker) Health() Health {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	h := Health{State: cb.state, SuccessRate: 1}
	if n := cb.history.Len(); n > 0 {
		var ok int
		var total float64
		cb.history.Do(func(e Execution) {
			if e.Outcome != OutcomeFailure {
				ok++
			}
			total += float64(e.Duration.Microseconds()) / 1000
		})
		h.SuccessRate = float64(ok) / float64(n)
		h.AverageResponseTime = total / float64(n)
	}

	switch {
	case cb.state == StateOpen:
		h.Status = HealthUnhealthy
	case cb.state == StateHalfOpen:
		h.Status = HealthDegraded
	case h.SuccessRate < cb.cfg.HealthySuccessRate:
		h.Status = HealthUnhealthy
	default:
		h.Status = HealthHealthy
	}
	return h
}

// ManagerOption configures a [Manager].
type ManagerOption func(*Manager)

// WithDefaults sets the base configuration of every breaker the manager
// creates.
func WithDefaults(cfg CircuitBreakerConfig) ManagerOption {
	return func(m *Manager) { m.defaults = cfg }
}

// WithOverrides sets per-name configuration overrides.
func WithOverrides(overrides map[string]CircuitBreakerConfig) ManagerOption {
	return func(m *Manager) { m.overrides = maps.Clone(overrides) }
}

// WithStateChangeHook registers fn to be called on every state transition of
// every breaker the manager creates, after the breaker's own callback.
func WithStateChangeHook(fn func(from, to State, ev Event)) ManagerOption {
	return func(m *Manager) { m.hooks = append(m.hooks, fn) }
}

// Manager is a registry of named circuit breakers. The first configuration
// used for a name wins; later lookups with different configuration return the
// existing breaker unchanged. Only [Manager.SetOverrides] retunes a breaker
// after creation.
//
// Manager is safe for concurrent use.
type Manager struct {
	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	explicit  map[string]CircuitBreakerConfig // cfg passed to Breaker on creation
	defaults  CircuitBreakerConfig
	overrides map[string]CircuitBreakerConfig
	hooks     []func(from, to State, ev Event)
}

// NewManager creates an empty [Manager].
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		breakers:  make(map[string]*CircuitBreaker),
		explicit:  make(map[string]CircuitBreakerConfig),
		overrides: make(map[string]CircuitBreakerConfig),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Breaker returns the breaker registered under name, creating it on first use.
// The creation config is built from the manager defaults, overlaid with the
// override for name and then with the non-zero fields of cfg.
func (m *Manager) Breaker(name string, cfg ...CircuitBreakerConfig) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb
	}

	var explicit CircuitBreakerConfig
	if len(cfg) > 0 {
		explicit = cfg[0]
	}
	c := m.configLocked(name, explicit)
	c.Name = name
	c.OnStateChange = m.chain(c.OnStateChange)

	cb = NewCircuitBreaker(c)
	m.breakers[name] = cb
	m.explicit[name] = explicit
	return cb
}

// configLocked builds the effective config for name. Must be called with
// m.mu held.
func (m *Manager) configLocked(name string, explicit CircuitBreakerConfig) CircuitBreakerConfig {
	c := m.defaults
	if o, ok := m.overrides[name]; ok {
		c = merge(c, o)
	}
	return merge(c, explicit)
}

// Get returns the breaker registered under name without creating it.
func (m *Manager) Get(name string) (*CircuitBreaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cb, ok := m.breakers[name]
	return cb, ok
}

// SetOverrides replaces the per-name overrides. Breakers created afterwards
// use the new values. Existing breakers whose override was added, changed or
// removed are retuned in place via [CircuitBreaker.Reconfigure]; their names
// are returned in sorted order.
func (m *Manager) SetOverrides(overrides map[string]CircuitBreakerConfig) []string {
	m.mu.Lock()
	old := m.overrides
	m.overrides = maps.Clone(overrides)
	if m.overrides == nil {
		m.overrides = make(map[string]CircuitBreakerConfig)
	}

	type retune struct {
		cb  *CircuitBreaker
		cfg CircuitBreakerConfig
	}
	var pending []retune
	var names []string
	for name, cb := range m.breakers {
		prev, hadPrev := old[name]
		next, hasNext := m.overrides[name]
		if hadPrev == hasNext && limitsEqual(prev, next) {
			continue
		}
		pending = append(pending, retune{cb, m.configLocked(name, m.explicit[name])})
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, r := range pending {
		r.cb.Reconfigure(r.cfg)
	}
	slices.Sort(names)
	return names
}

// limitsEqual compares the fields that [CircuitBreaker.Reconfigure] applies.
func limitsEqual(a, b CircuitBreakerConfig) bool {
	return a.FailureThreshold == b.FailureThreshold &&
		a.SuccessThreshold == b.SuccessThreshold &&
		a.Timeout == b.Timeout &&
		a.MaxHistorySize == b.MaxHistorySize &&
		a.HealthySuccessRate == b.HealthySuccessRate &&
		a.HalfOpenMaxConcurrent == b.HalfOpenMaxConcurrent
}

// Names returns the registered breaker names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.breakers))
}

// AllMetrics returns a snapshot of every registered breaker keyed by name.
func (m *Manager) AllMetrics() map[string]Snapshot {
	out := make(map[string]Snapshot)
	for name, cb := range m.all() {
		out[name] = cb.Snapshot()
	}
	return out
}

// HealthStatus returns the health of every registered breaker keyed by name.
func (m *Manager) HealthStatus() map[string]Health {
	out := make(map[string]Health)
	for name, cb := range m.all() {
		out[name] = cb.Health()
	}
	return out
}

// ResetAll resets every registered breaker.
func (m *Manager) ResetAll() {
	for _, cb := range m.all() {
		cb.Reset()
	}
}

// Check reports an error naming every breaker currently open. It has the
// signature of a readiness check.
func (m *Manager) Check(_ context.Context) error {
	var open []string
	for name, cb := range m.all() {
		if cb.State() == StateOpen {
			open = append(open, name)
		}
	}
	if len(open) == 0 {
		return nil
	}
	slices.Sort(open)
	return fmt.Errorf("resilience: %w: %s", ErrBreakersOpen, strings.Join(open, ", "))
}

// ErrBreakersOpen is wrapped by [Manager.Check] when any breaker is open.
var ErrBreakersOpen = errors.New("circuit breakers open")

// all copies the registry so callers can iterate without the lock.
func (m *Manager) all() map[string]*CircuitBreaker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.breakers)
}

func (m *Manager) chain(own func(from, to State, ev Event)) func(from, to State, ev Event) {
	hooks := slices.Clone(m.hooks)
	if own == nil && len(hooks) == 0 {
		return nil
	}
	return func(from, to State, ev Event) {
		if own != nil {
			own(from, to, ev)
		}
		for _, h := range hooks {
			h(from, to, ev)
		}
	}
}

// merge overlays the non-zero fields of o onto base.
func merge(base, o CircuitBreakerConfig) CircuitBreakerConfig {
	if o.FailureThreshold > 0 {
		base.FailureThreshold = o.FailureThreshold
	}
	if o.SuccessThreshold > 0 {
		base.SuccessThreshold = o.SuccessThreshold
	}
	if o.Timeout > 0 {
		base.Timeout = o.Timeout
	}
	if o.MaxHistorySize > 0 {
		base.MaxHistorySize = o.MaxHistorySize
	}
	if o.HealthySuccessRate > 0 {
		base.HealthySuccessRate = o.HealthySuccessRate
	}
	if o.HalfOpenMaxConcurrent > 0 {
		base.HalfOpenMaxConcurrent = o.HalfOpenMaxConcurrent
	}
	if o.IsExpected != nil {
		base.IsExpected = o.IsExpected
	}
	if o.OnStateChange != nil {
		base.OnStateChange = o.OnStateChange
	}
	if o.OnSuccess != nil {
		base.OnSuccess = o.OnSuccess
	}
	if o.OnFailure != nil {
		base.OnFailure = o.OnFailure
	}
	if o.Recorder != nil {
		base.Recorder = o.Recorder
	}
	if o.Now != nil {
		base.Now = o.Now
	}
	return base
}
