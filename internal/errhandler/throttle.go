package errhandler

import (
	"sync"
	"time"

	"github.com/MrWong99/equipguard/internal/apierror"
)

// Escalation defaults.
const (
	DefaultCooldown            = 5 * time.Minute
	DefaultRecurrenceThreshold = 5
	DefaultWindow              = time.Minute
)

// ThrottleConfig tunes a [Throttle].
type ThrottleConfig struct {
	// Cooldown is the minimum time between two escalations of the same
	// signature. Default: 5m.
	Cooldown time.Duration

	// RecurrenceThreshold is the number of occurrences within Window after
	// which a non-critical signature escalates. Default: 5.
	RecurrenceThreshold int

	// Window is the sliding window occurrences are counted in. Default: 1m.
	Window time.Duration
}

func (c ThrottleConfig) withDefaults() ThrottleConfig {
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.RecurrenceThreshold <= 0 {
		c.RecurrenceThreshold = DefaultRecurrenceThreshold
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}

type signature struct {
	occurrences   []time.Time // within the window, oldest first
	lastEscalated time.Time
}

// Throttle decides whether an error escalates to the alert sink. State is
// kept per error type, so its size is bounded by the taxonomy.
//
// Rules, in order: a signature that escalated less than Cooldown ago is
// suppressed; a CRITICAL error escalates on its first occurrence; any other
// error escalates once its signature occurred RecurrenceThreshold times within
// Window. Escalating clears the signature's occurrences.
//
// Throttle is safe for concurrent use.
type Throttle struct {
	now func() time.Time

	mu   sync.Mutex
	cfg  ThrottleConfig
	sigs map[apierror.Type]*signature
}

// NewThrottle creates a [Throttle]. now may be nil to use [time.Now].
func NewThrottle(cfg ThrottleConfig, now func() time.Time) *Throttle {
	if now == nil {
		now = time.Now
	}
	return &Throttle{
		now:  now,
		cfg:  cfg.withDefaults(),
		sigs: make(map[apierror.Type]*signature),
	}
}

// SetConfig replaces the configuration. Recorded occurrences are kept.
func (t *Throttle) SetConfig(cfg ThrottleConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg = cfg.withDefaults()
}

// Config returns the active configuration.
func (t *Throttle) Config() ThrottleConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

// ShouldEscalate records one occurrence of p's signature and reports whether
// it escalates.
func (t *Throttle) ShouldEscalate(p *apierror.ProcessedError) bool {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sigs[p.Type]
	if !ok {
		s = &signature{}
		t.sigs[p.Type] = s
	}

	cutoff := now.Add(-t.cfg.Window)
	i := 0
	for i < len(s.occurrences) && !s.occurrences[i].After(cutoff) {
		i++
	}
	s.occurrences = append(s.occurrences[i:], now)
	if n := len(s.occurrences); n > t.cfg.RecurrenceThreshold {
		s.occurrences = s.occurrences[n-t.cfg.RecurrenceThreshold:]
	}

	if !s.lastEscalated.IsZero() && now.Sub(s.lastEscalated) < t.cfg.Cooldown {
		return false
	}
	if p.Category != apierror.CategoryCritical && len(s.occurrences) < t.cfg.RecurrenceThreshold {
		return false
	}

	s.lastEscalated = now
	s.occurrences = s.occurrences[:0]
	return true
}

// Reset forgets all signatures.
func (t *Throttle) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.sigs)
}
