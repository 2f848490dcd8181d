package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is the polling interval of a [Watcher].
const DefaultWatchInterval = 5 * time.Second

// Reload outcomes reported to a [ReloadRecorder].
const (
	ReloadApplied   = "applied"   // a setting changed; the callback ran
	ReloadUnchanged = "unchanged" // content changed, effective settings did not
	ReloadRejected  = "rejected"  // the file no longer parses or validates
)

// Change is a validated edit of the watched config file.
type Change struct {
	Old  *Config
	New  *Config
	Diff ConfigDiff
}

// NewChange computes the [Change] from old to new.
func NewChange(old, new *Config) Change {
	return Change{Old: old, New: new, Diff: Diff(old, new)}
}

// ReloadRecorder receives one outcome per detected edit. [*observe.Metrics]
// implements it.
type ReloadRecorder interface {
	RecordConfigReload(ctx context.Context, outcome string)
}

// Watcher polls a config file and hands every effective change to a
// callback. Edits that fail validation are rejected and the last valid
// config stays current. Each distinct file content is evaluated once.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(Change)
	recorder ReloadRecorder

	mu       sync.Mutex
	current  *Config
	seen     [sha256.Size]byte // hash of the last evaluated content, valid or not
	rejected error             // validation error of seen, if it was rejected
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithRecorder reports reload outcomes to r.
func WithRecorder(r ReloadRecorder) WatcherOption {
	return func(w *Watcher) { w.recorder = r }
}

// NewWatcher loads and validates the config at path. Polling starts with
// [Watcher.Run]. onChange may be nil.
func NewWatcher(path string, onChange func(Change), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
	}
	for _, opt := range opts {
		opt(w)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current = cfg
	w.seen = sha256.Sum256(data)
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls the file until ctx is done. Read and validation failures are
// logged and polling continues.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.Check(ctx); err != nil {
				slog.Warn("config watcher: reload rejected", "path", w.path, "err", err)
			}
		}
	}
}

// Check reads the file once. New content that validates becomes current and,
// when [Diff] reports any change, is passed to the callback. New content that
// does not validate is rejected and its error returned; the same content is
// not reported twice.
func (w *Watcher) Check(ctx context.Context) error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("config: watch %s: %w", w.path, err)
	}
	hash := sha256.Sum256(data)

	w.mu.Lock()
	if hash == w.seen {
		w.mu.Unlock()
		return nil
	}
	w.seen = hash

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		w.rejected = err
		w.mu.Unlock()
		w.record(ctx, ReloadRejected)
		return fmt.Errorf("config: reload %s: %w", w.path, err)
	}
	w.rejected = nil
	c := NewChange(w.current, cfg)
	w.current = cfg
	w.mu.Unlock()

	if c.Diff.Empty() {
		w.record(ctx, ReloadUnchanged)
		return nil
	}
	w.record(ctx, ReloadApplied)
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"log_level", c.Diff.LogLevelChanged,
		"escalation", c.Diff.EscalationChanged,
		"breakers", len(c.Diff.BreakerChanges),
		"restart_required", c.Diff.RestartRequired,
	)
	if w.onChange != nil {
		w.onChange(c)
	}
	return nil
}

// Rejected returns the validation error of the file's current content, or
// nil when that content was accepted.
func (w *Watcher) Rejected() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rejected
}

func (w *Watcher) record(ctx context.Context, outcome string) {
	if w.recorder != nil {
		w.recorder.RecordConfigReload(ctx, outcome)
	}
}
