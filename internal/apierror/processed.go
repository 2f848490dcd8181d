package apierror

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// Context is the request context captured when an error is classified.
type Context struct {
	Timestamp time.Time `json:"timestamp"`
	URL       string    `json:"url,omitempty"`
	Method    string    `json:"method,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
}

// ProcessedError is a classified failure. All fields are fixed once
// classification returns, except the two recovery flags which are set later
// by the recovery coordinator and read through [ProcessedError.RecoveryAttempted]
// and [ProcessedError.RecoveryFailed].
//
// A ProcessedError must not be copied after first use.
type ProcessedError struct {
	Type          Type
	Family        Family
	Category      Category
	Recoverable   bool
	Retryable     bool
	CorrelationID string
	Context       Context

	// Details holds the per-field validation map for
	// VALIDATION.SCHEMA_VIOLATION, exactly as received.
	Details map[string]any

	Message     string
	UserMessage string
	StatusCode  int
	Stack       string

	// Raw is a cycle-safe rendering of the input, safe to log.
	Raw any

	// Err is the error that was classified.
	Err error

	recoveryClaimed   atomic.Bool
	recoveryAttempted atomic.Bool
	recoveryFailed    atomic.Bool
}

// Error implements error.
func (p *ProcessedError) Error() string {
	if p.Message == "" {
		return string(p.Type)
	}
	return string(p.Type) + ": " + p.Message
}

// Unwrap returns the classified error.
func (p *ProcessedError) Unwrap() error { return p.Err }

// RecoveryAttempted reports whether a remediation ran for this error.
func (p *ProcessedError) RecoveryAttempted() bool { return p.recoveryAttempted.Load() }

// RecoveryFailed reports whether the remediation for this error failed.
func (p *ProcessedError) RecoveryFailed() bool { return p.recoveryFailed.Load() }

// ClaimRecovery reports whether the caller is the first to claim the right to
// run a remediation for this error. It returns true at most once.
func (p *ProcessedError) ClaimRecovery() bool {
	return p.recoveryClaimed.CompareAndSwap(false, true)
}

// MarkRecovered records a successful remediation.
func (p *ProcessedError) MarkRecovered() {
	p.recoveryAttempted.Store(true)
}

// MarkRecoveryFailed records a failed remediation.
func (p *ProcessedError) MarkRecoveryFailed() {
	p.recoveryFailed.Store(true)
	p.recoveryAttempted.Store(true)
}

// processedJSON is the wire shape of a [ProcessedError].
type processedJSON struct {
	Type              Type     `json:"type"`
	Family            Family   `json:"family"`
	Category          Category `json:"category"`
	Recoverable       bool     `json:"recoverable"`
	Retryable         bool     `json:"retryable"`
	CorrelationID     string   `json:"correlation_id"`
	Context           Context  `json:"context"`
	Details           any      `json:"details,omitempty"`
	Message           string   `json:"message"`
	UserMessage       string   `json:"user_message"`
	StatusCode        int      `json:"status_code,omitempty"`
	Stack             string   `json:"stack,omitempty"`
	Raw               any      `json:"raw,omitempty"`
	RecoveryAttempted bool     `json:"recovery_attempted"`
	RecoveryFailed    bool     `json:"recovery_failed"`
}

// MarshalJSON encodes the error including the current recovery flags.
func (p *ProcessedError) MarshalJSON() ([]byte, error) {
	return json.Marshal(processedJSON{
		Type:              p.Type,
		Family:            p.Family,
		Category:          p.Category,
		Recoverable:       p.Recoverable,
		Retryable:         p.Retryable,
		CorrelationID:     p.CorrelationID,
		Context:           p.Context,
		Details:           details(p.Details),
		Message:           p.Message,
		UserMessage:       p.UserMessage,
		StatusCode:        p.StatusCode,
		Stack:             p.Stack,
		Raw:               p.Raw,
		RecoveryAttempted: p.RecoveryAttempted(),
		RecoveryFailed:    p.RecoveryFailed(),
	})
}

func details(m map[string]any) any {
	if len(m) == 0 {
		return nil
	}
	return Sanitize(m)
}
