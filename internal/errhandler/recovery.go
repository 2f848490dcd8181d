package errhandler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/equipguard/internal/apierror"
)

// DefaultRecoveryTimeout bounds a single remediation.
const DefaultRecoveryTimeout = 10 * time.Second

// Remediation attempts to repair the cause of p.
type Remediation func(ctx context.Context, p *apierror.ProcessedError) error

// CredentialRefresher obtains fresh credentials for the backend.
type CredentialRefresher interface {
	Refresh(ctx context.Context) error
}

// RefreshCredentials returns a [Remediation] that calls r.Refresh.
func RefreshCredentials(r CredentialRefresher) Remediation {
	return func(ctx context.Context, _ *apierror.ProcessedError) error {
		return r.Refresh(ctx)
	}
}

// RecoveryResult tells what [Recovery.Recover] did.
type RecoveryResult int

const (
	// RecoverySkipped means no remediation ran: the type has none registered,
	// or another caller already claimed this error.
	RecoverySkipped RecoveryResult = iota
	RecoverySucceeded
	RecoveryFailed
)

// Recovery runs type-keyed remediations. Each [apierror.ProcessedError] is
// remediated at most once. Failures and panics of a remediation are contained
// and surface only through the error's recovery flags.
type Recovery struct {
	timeout time.Duration

	mu           sync.RWMutex
	remediations map[apierror.Type]Remediation
}

// NewRecovery creates a [Recovery] whose remediations are cut off after
// timeout. A non-positive timeout selects [DefaultRecoveryTimeout].
func NewRecovery(timeout time.Duration) *Recovery {
	if timeout <= 0 {
		timeout = DefaultRecoveryTimeout
	}
	return &Recovery{
		timeout:      timeout,
		remediations: make(map[apierror.Type]Remediation),
	}
}

// Register sets the remediation for t, replacing any earlier one.
func (r *Recovery) Register(t apierror.Type, fn Remediation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remediations[t] = fn
}

// Handles reports whether a remediation is registered for t.
func (r *Recovery) Handles(t apierror.Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.remediations[t]
	return ok
}

// Recover runs the remediation for p and blocks until it finishes or the
// timeout expires. Cancellation of ctx does not cut the remediation short.
func (r *Recovery) Recover(ctx context.Context, p *apierror.ProcessedError) RecoveryResult {
	r.mu.RLock()
	fn, ok := r.remediations[p.Type]
	r.mu.RUnlock()
	if !ok || !p.ClaimRecovery() {
		return RecoverySkipped
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				done <- fmt.Errorf("errhandler: remediation panicked: %v", v)
			}
		}()
		done <- fn(ctx, p)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("errhandler: remediation for %s: %w", p.Type, ctx.Err())
	}

	if err != nil {
		p.MarkRecoveryFailed()
		slog.Warn("error recovery failed",
			"type", string(p.Type),
			"correlation_id", p.CorrelationID,
			"err", err)
		return RecoveryFailed
	}
	p.MarkRecovered()
	slog.Info("error recovered",
		"type", string(p.Type),
		"correlation_id", p.CorrelationID)
	return RecoverySucceeded
}
