package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Built-in alert sink names.
const (
	SinkLog      = "log"
	SinkPostgres = "postgres"
	SinkEvents   = "events"
)

// ValidSinkNames lists the alert sinks registered by the equipguard binary.
// Used by [Validate] to warn about unrecognised sink names.
var ValidSinkNames = []string{SinkLog, SinkPostgres, SinkEvents}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json, console", cfg.Server.LogFormat))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Telemetry
	if r := cfg.Telemetry.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio %.2f is out of range [0, 1]", r))
	}

	// Backend
	seen := make(map[string]int, len(cfg.Backend.BaseURLs))
	for i, raw := range cfg.Backend.BaseURLs {
		prefix := fmt.Sprintf("backend.base_urls[%d]", i)
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s %q must be an absolute http(s) URL", prefix, raw))
			continue
		}
		if prev, ok := seen[u.Host]; ok {
			errs = append(errs, fmt.Errorf("%s host %q is a duplicate of backend.base_urls[%d]", prefix, u.Host, prev))
		}
		seen[u.Host] = i
	}
	if cfg.Backend.Timeout < 0 {
		errs = append(errs, fmt.Errorf("backend.timeout %s must not be negative", cfg.Backend.Timeout))
	}
	if cfg.Backend.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("backend.max_body_bytes %d must not be negative", cfg.Backend.MaxBodyBytes))
	}
	if a := cfg.Backend.Auth; a != nil {
		if a.TokenURL == "" {
			errs = append(errs, errors.New("backend.auth.token_url is required"))
		}
		if a.ClientID == "" {
			errs = append(errs, errors.New("backend.auth.client_id is required"))
		}
		if len(cfg.Backend.BaseURLs) == 0 {
			slog.Warn("backend.auth is configured but backend.base_urls is empty; no requests will be authenticated")
		}
	}

	// Breakers
	errs = append(errs, validateBreaker("breakers.defaults", cfg.Breakers.Defaults)...)
	for name, s := range cfg.Breakers.Overrides {
		if name == "" {
			errs = append(errs, errors.New("breakers.overrides has an empty breaker name"))
			continue
		}
		errs = append(errs, validateBreaker(fmt.Sprintf("breakers.overrides[%q]", name), s)...)
	}

	// Errors
	if cfg.Errors.MaxLogSize < 0 {
		errs = append(errs, fmt.Errorf("errors.max_log_size %d must not be negative", cfg.Errors.MaxLogSize))
	}
	if cfg.Errors.RecoveryTimeout < 0 {
		errs = append(errs, fmt.Errorf("errors.recovery_timeout %s must not be negative", cfg.Errors.RecoveryTimeout))
	}
	esc := cfg.Errors.Escalation
	if esc.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("errors.escalation.cooldown %s must not be negative", esc.Cooldown))
	}
	if esc.RecurrenceThreshold < 0 {
		errs = append(errs, fmt.Errorf("errors.escalation.recurrence_threshold %d must not be negative", esc.RecurrenceThreshold))
	}
	if esc.Window < 0 {
		errs = append(errs, fmt.Errorf("errors.escalation.window %s must not be negative", esc.Window))
	}

	// Alerts
	sinksSeen := make(map[string]int, len(cfg.Alerts.Sinks))
	for i, name := range cfg.Alerts.Sinks {
		prefix := fmt.Sprintf("alerts.sinks[%d]", i)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s is empty", prefix))
			continue
		}
		if prev, ok := sinksSeen[name]; ok {
			errs = append(errs, fmt.Errorf("%s %q is a duplicate of alerts.sinks[%d]", prefix, name, prev))
		}
		sinksSeen[name] = i
		validateSinkName(name)
	}
	if _, ok := sinksSeen[SinkPostgres]; ok && cfg.Alerts.PostgresDSN == "" {
		errs = append(errs, fmt.Errorf("alerts.postgres_dsn is required when the %q sink is selected", SinkPostgres))
	}

	return errors.Join(errs...)
}

// validateBreaker checks the ranges of one breaker settings block.
func validateBreaker(prefix string, s BreakerSettings) []error {
	var errs []error
	if s.FailureThreshold < 0 {
		errs = append(errs, fmt.Errorf("%s.failure_threshold %d must not be negative", prefix, s.FailureThreshold))
	}
	if s.SuccessThreshold < 0 {
		errs = append(errs, fmt.Errorf("%s.success_threshold %d must not be negative", prefix, s.SuccessThreshold))
	}
	if s.Timeout < 0 {
		errs = append(errs, fmt.Errorf("%s.timeout %s must not be negative", prefix, s.Timeout))
	}
	if s.MaxHistorySize < 0 {
		errs = append(errs, fmt.Errorf("%s.max_history_size %d must not be negative", prefix, s.MaxHistorySize))
	}
	if s.HealthySuccessRate < 0 || s.HealthySuccessRate > 1 {
		errs = append(errs, fmt.Errorf("%s.healthy_success_rate %.2f is out of range [0, 1]", prefix, s.HealthySuccessRate))
	}
	if s.HalfOpenMaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("%s.half_open_max_concurrent %d must not be negative", prefix, s.HalfOpenMaxConcurrent))
	}
	return errs
}

// validateSinkName logs a warning if name is not in [ValidSinkNames].
func validateSinkName(name string) {
	if slices.Contains(ValidSinkNames, name) {
		return
	}
	slog.Warn("unknown alert sink name; it must be registered before startup",
		"name", name,
		"known", ValidSinkNames,
	)
}
