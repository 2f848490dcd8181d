// Package resilience provides the per-dependency circuit breaker, the
// registry that owns breakers by name, and endpoint failover built on top.
//
// The central type is [CircuitBreaker], a classic three-state breaker
// (closed → open → half-open) that protects callers from hammering a failing
// dependency. The open → half-open transition is evaluated lazily when a call
// arrives; there are no background timers, so the state machine is purely a
// function of call arrival times and the injected clock.
//
// [Manager] is the single point of lookup for named breakers and exposes
// aggregate metrics, health and bulk reset. [FallbackGroup] composes several
// replicas of an endpoint with a breaker per entry.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/equipguard/internal/ring"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is in
// the open state and the timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Defaults applied by [NewCircuitBreaker] to zero-value config fields.
const (
	DefaultFailureThreshold   = 5
	DefaultSuccessThreshold   = 2
	DefaultTimeout            = 60 * time.Second
	DefaultMaxHistorySize     = 100
	DefaultHealthySuccessRate = 0.5

	// recentActivitySize is the number of history entries in a [Snapshot].
	recentActivitySize = 10
)

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state: all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive failures.
	// Calls are rejected immediately with [ErrCircuitOpen] until the timeout
	// elapses.
	StateOpen

	// StateHalfOpen is the trial state entered on the first call after the
	// timeout. Trial calls are let through; successThreshold successes close
	// the breaker and a single failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state as its string name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by [State.MarshalText].
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "closed":
		*s = StateClosed
	case "open":
		*s = StateOpen
	case "half-open":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("resilience: unknown state %q", b)
	}
	return nil
}

// Outcome classifies a completed call.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"

	// OutcomeExpected marks a call that returned an error the breaker was
	// configured to treat as a normal business response.
	OutcomeExpected Outcome = "expected"
)

// Execution is one entry in a breaker's execution history.
type Execution struct {
	Timestamp time.Time     `json:"timestamp"`
	Outcome   Outcome       `json:"outcome"`
	Duration  time.Duration `json:"duration_ns"`
}

// Event is the context handed to breaker callbacks.
type Event struct {
	Name         string        `json:"name"`
	State        State         `json:"state"`
	FailureCount int           `json:"failure_count"`
	SuccessCount int           `json:"success_count"`
	Duration     time.Duration `json:"duration_ns,omitempty"`
	Time         time.Time     `json:"time"`
}

// Recorder receives breaker telemetry. Implementations must be safe for
// concurrent use. Values are plain strings so that metric backends do not need
// to import this package.
type Recorder interface {
	RecordBreakerCall(ctx context.Context, name, outcome string, d time.Duration)
	RecordBreakerRejection(ctx context.Context, name string)
	RecordBreakerTransition(ctx context.Context, name, from, to string)
}

type nopRecorder struct{}

func (nopRecorder) RecordBreakerCall(context.Context, string, string, time.Duration) {}
func (nopRecorder) RecordBreakerRejection(context.Context, string)                   {}
func (nopRecorder) RecordBreakerTransition(context.Context, string, string, string)  {}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name identifies the protected dependency. Used in logs and metrics.
	Name string

	// FailureThreshold is the number of consecutive failures in the closed
	// state before the breaker opens. Default: 5.
	FailureThreshold int

	// SuccessThreshold is the number of successful trial calls in the
	// half-open state required to close the breaker. Default: 2.
	SuccessThreshold int

	// Timeout is how long the breaker stays open before the next call is let
	// through as a trial call. Default: 60s.
	Timeout time.Duration

	// MaxHistorySize bounds the execution history. Default: 100.
	MaxHistorySize int

	// HealthySuccessRate is the success-rate floor (0..1) over the history
	// below which a closed breaker reports unhealthy. Default: 0.5.
	HealthySuccessRate float64

	// HalfOpenMaxConcurrent limits concurrent trial calls in the half-open
	// state. Zero means unlimited.
	HalfOpenMaxConcurrent int

	// IsExpected reports whether err is a business error that must be
	// returned to the caller without counting as a failure. Default: matches
	// [context.Canceled].
	IsExpected func(err error) bool

	// OnStateChange is called after every state transition.
	OnStateChange func(from, to State, ev Event)

	// OnSuccess is called after every successful call.
	OnSuccess func(ev Event)

	// OnFailure is called after every call that counted as a failure.
	OnFailure func(err error, ev Event)

	// Recorder receives telemetry. Default: no-op.
	Recorder Recorder

	// Now is the clock. Default: [time.Now].
	Now func() time.Time
}

// withDefaults fills zero-value fields.
func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxHistorySize <= 0 {
		c.MaxHistorySize = DefaultMaxHistorySize
	}
	if c.HealthySuccessRate <= 0 {
		c.HealthySuccessRate = DefaultHealthySuccessRate
	}
	if c.HalfOpenMaxConcurrent < 0 {
		c.HalfOpenMaxConcurrent = 0
	}
	if c.IsExpected == nil {
		c.IsExpected = isCanceled
	}
	if c.Recorder == nil {
		c.Recorder = nopRecorder{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// Metrics holds the monotonic counters of a [CircuitBreaker].
type Metrics struct {
	TotalRequests       int64         `json:"total_requests"`
	SuccessfulRequests  int64         `json:"successful_requests"`
	FailedRequests      int64         `json:"failed_requests"`
	RejectedRequests    int64         `json:"rejected_requests"`
	ExpectedErrors      int64         `json:"expected_errors"`
	TotalResponseTime   time.Duration `json:"total_response_time_ns"`
	AverageResponseTime time.Duration `json:"average_response_time_ns"`
}

// Snapshot is a read-only view of a breaker.
type Snapshot struct {
	Name           string      `json:"name"`
	State          State       `json:"state"`
	FailureCount   int         `json:"failure_count"`
	SuccessCount   int         `json:"success_count"`
	OpenedAt       *time.Time  `json:"opened_at,omitempty"`
	Metrics        Metrics     `json:"metrics"`
	RecentActivity []Execution `json:"recent_activity"`
}

// CircuitBreaker implements the three-state circuit breaker pattern.
// It is safe for concurrent use from multiple goroutines. The lock is never
// held while the wrapped operation or a callback runs.
type CircuitBreaker struct {
	name string
	cfg  CircuitBreakerConfig

	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	openedAt     time.Time
	generation   uint64 // bumped on every transition and reset
	trials       int    // in-flight half-open trial calls of the current generation
	history      *ring.Buffer[Execution]
	metrics      Metrics
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with sensible defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg = cfg.withDefaults()
	return &CircuitBreaker{
		name:    cfg.Name,
		cfg:     cfg,
		state:   StateClosed,
		history: ring.New[Execution](cfg.MaxHistorySize),
	}
}

// Name returns the breaker's immutable name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// IsExpected reports whether err would be treated as an expected business
// error by this breaker.
func (cb *CircuitBreaker) IsExpected(err error) bool {
	return err != nil && cb.cfg.IsExpected(err)
}

// transition describes a state change to be announced after the lock is
// released.
type transition struct {
	from, to State
	ev       Event
}

// ticket is the admission record of a single call.
type ticket struct {
	generation uint64
	trial      bool
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn. The error returned by fn is passed back
// unchanged.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := Do(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do runs fn through cb and returns its result. This is a package-level
// function because Go does not support method-level type parameters.
func Do[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (result T, err error) {
	t, err := cb.admit(ctx)
	if err != nil {
		return result, err
	}

	start := cb.cfg.Now()
	defer func() {
		if r := recover(); r != nil {
			cb.complete(ctx, t, start, fmt.Errorf("resilience: operation panicked: %v", r))
			panic(r)
		}
	}()

	result, err = fn(ctx)
	cb.complete(ctx, t, start, err)
	return result, err
}

// admit decides whether a call may proceed and performs the lazy
// open → half-open transition.
func (cb *CircuitBreaker) admit(ctx context.Context) (ticket, error) {
	cb.mu.Lock()

	var tr *transition
	switch cb.state {
	case StateOpen:
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.Timeout {
			cb.metrics.RejectedRequests++
			cb.mu.Unlock()
			cb.cfg.Recorder.RecordBreakerRejection(ctx, cb.name)
			return ticket{}, ErrCircuitOpen
		}
		tr = cb.transitionLocked(StateHalfOpen)

	case StateHalfOpen:
		if limit := cb.cfg.HalfOpenMaxConcurrent; limit > 0 && cb.trials >= limit {
			cb.metrics.RejectedRequests++
			cb.mu.Unlock()
			cb.cfg.Recorder.RecordBreakerRejection(ctx, cb.name)
			return ticket{}, ErrCircuitOpen
		}
	}

	t := ticket{generation: cb.generation}
	if cb.state == StateHalfOpen {
		t.trial = true
		cb.trials++
	}
	cb.mu.Unlock()

	if tr != nil {
		cb.announce(ctx, tr)
	}
	return t, nil
}

// complete records the outcome of an admitted call and applies the state
// transition rules against the current state.
func (cb *CircuitBreaker) complete(ctx context.Context, t ticket, start time.Time, err error) {
	now := cb.cfg.Now()
	d := now.Sub(start)

	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
		if cb.cfg.IsExpected(err) {
			outcome = OutcomeExpected
		}
	}

	cb.mu.Lock()
	if t.trial && t.generation == cb.generation {
		cb.trials--
	}
	cb.history.Push(Execution{Timestamp: now, Outcome: outcome, Duration: d})
	cb.metrics.TotalRequests++
	cb.metrics.TotalResponseTime += d

	var tr *transition
	switch outcome {
	case OutcomeSuccess:
		cb.metrics.SuccessfulRequests++
		switch cb.state {
		case StateClosed:
			cb.failureCount = 0
		case StateHalfOpen:
			cb.successCount++
			if cb.successCount >= cb.cfg.SuccessThreshold {
				tr = cb.transitionLocked(StateClosed)
			}
		}

	case OutcomeFailure:
		cb.metrics.FailedRequests++
		switch cb.state {
		case StateClosed:
			cb.failureCount++
			if cb.failureCount >= cb.cfg.FailureThreshold {
				tr = cb.transitionLocked(StateOpen)
			}
		case StateHalfOpen:
			// Any failure in half-open immediately re-opens.
			tr = cb.transitionLocked(StateOpen)
		}

	case OutcomeExpected:
		cb.metrics.ExpectedErrors++
	}

	ev := cb.eventLocked(now)
	ev.Duration = d
	cb.mu.Unlock()

	cb.cfg.Recorder.RecordBreakerCall(ctx, cb.name, string(outcome), d)

	switch outcome {
	case OutcomeSuccess:
		if cb.cfg.OnSuccess != nil {
			cb.cfg.OnSuccess(ev)
		}
	case OutcomeFailure:
		if cb.cfg.OnFailure != nil {
			cb.cfg.OnFailure(err, ev)
		}
	}
	if tr != nil {
		cb.announce(ctx, tr)
	}
}

// transitionLocked moves the breaker to state to and resets the counters that
// belong to the new state. Must be called with cb.mu held.
func (cb *CircuitBreaker) transitionLocked(to State) *transition {
	from := cb.state
	now := cb.cfg.Now()

	cb.state = to
	cb.generation++
	cb.trials = 0

	switch to {
	case StateClosed:
		cb.failureCount = 0
		cb.successCount = 0
	case StateOpen:
		cb.openedAt = now
		cb.successCount = 0
		// The failure streak that tripped the breaker stays visible.
		cb.failureCount = cb.cfg.FailureThreshold
	case StateHalfOpen:
		cb.failureCount = 0
		cb.successCount = 0
	}

	return &transition{from: from, to: to, ev: cb.eventLocked(now)}
}

// eventLocked builds an [Event] from the current state. Must be called with
// cb.mu held.
func (cb *CircuitBreaker) eventLocked(now time.Time) Event {
	return Event{
		Name:         cb.name,
		State:        cb.state,
		FailureCount: cb.failureCount,
		SuccessCount: cb.successCount,
		Time:         now,
	}
}

// announce logs, records and dispatches a transition. Must be called without
// cb.mu held.
func (cb *CircuitBreaker) announce(ctx context.Context, tr *transition) {
	switch tr.to {
	case StateOpen:
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"from", tr.from.String(),
			"consecutive_failures", tr.ev.FailureCount)
	case StateHalfOpen:
		slog.Info("circuit breaker transitioning to half-open",
			"name", cb.name)
	case StateClosed:
		slog.Info("circuit breaker closed",
			"name", cb.name,
			"from", tr.from.String())
	}
	cb.cfg.Recorder.RecordBreakerTransition(ctx, cb.name, tr.from.String(), tr.to.String())
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(tr.from, tr.to, tr.ev)
	}
}

// Reconfigure applies new limits to a live breaker. Only FailureThreshold,
// SuccessThreshold, Timeout, MaxHistorySize, HealthySuccessRate and
// HalfOpenMaxConcurrent are taken from cfg; zero values restore the defaults.
// State, counters and metrics are kept. A smaller history keeps the newest
// executions.
func (cb *CircuitBreaker) Reconfigure(cfg CircuitBreakerConfig) {
	cfg = cfg.withDefaults()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.cfg.FailureThreshold = cfg.FailureThreshold
	cb.cfg.SuccessThreshold = cfg.SuccessThreshold
	cb.cfg.Timeout = cfg.Timeout
	cb.cfg.HealthySuccessRate = cfg.HealthySuccessRate
	cb.cfg.HalfOpenMaxConcurrent = cfg.HalfOpenMaxConcurrent
	if cfg.MaxHistorySize != cb.history.Cap() {
		h := ring.New[Execution](cfg.MaxHistorySize)
		for _, e := range cb.history.Slice() {
			h.Push(e)
		}
		cb.history = h
	}
	cb.cfg.MaxHistorySize = cfg.MaxHistorySize
}

// State returns the stored [State] of the breaker. An open breaker whose
// timeout has elapsed still reports [StateOpen]; the transition to half-open
// happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns the breaker's counters, metrics and recent activity.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Snapshot{
		Name:           cb.name,
		State:          cb.state,
		FailureCount:   cb.failureCount,
		SuccessCount:   cb.successCount,
		Metrics:        cb.metrics,
		RecentActivity: cb.history.Last(recentActivitySize),
	}
	if s.RecentActivity == nil {
		s.RecentActivity = []Execution{}
	}
	if cb.metrics.TotalRequests > 0 {
		s.Metrics.AverageResponseTime = cb.metrics.TotalResponseTime / time.Duration(cb.metrics.TotalRequests)
	}
	if cb.state == StateOpen {
		opened := cb.openedAt
		s.OpenedAt = &opened
	}
	return s
}

// Reset manually forces the breaker back to [StateClosed], clearing all
// counters, metrics and history. Name and configuration are kept.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.openedAt = time.Time{}
	cb.generation++
	cb.trials = 0
	cb.metrics = Metrics{}
	cb.history.Clear()
	ev := cb.eventLocked(cb.cfg.Now())
	cb.mu.Unlock()

	slog.Info("circuit breaker manually reset", "name", cb.name)
	if from != StateClosed {
		cb.cfg.Recorder.RecordBreakerTransition(context.Background(), cb.name, from.String(), StateClosed.String())
		if cb.cfg.OnStateChange != nil {
			cb.cfg.OnStateChange(from, StateClosed, ev)
		}
	}
}
