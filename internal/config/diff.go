package config

import (
	"slices"
	"sort"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else is
// listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	EscalationChanged bool
	NewEscalation     EscalationConfig

	BreakersChanged bool
	BreakerChanges  []BreakerDiff // sorted by name

	// RestartRequired lists the changed settings that only take effect after
	// a restart, by their YAML path.
	RestartRequired []string
}

// Empty reports whether no setting changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.EscalationChanged && !d.BreakersChanged && len(d.RestartRequired) == 0
}

// BreakerDiff describes what changed for a single breaker override.
type BreakerDiff struct {
	Name    string
	Added   bool
	Removed bool
	Changed bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Escalation throttle
	if old.Errors.Escalation != new.Errors.Escalation {
		d.EscalationChanged = true
		d.NewEscalation = new.Errors.Escalation
	}

	// Breaker overrides
	for name, o := range old.Breakers.Overrides {
		n, exists := new.Breakers.Overrides[name]
		switch {
		case !exists:
			d.BreakerChanges = append(d.BreakerChanges, BreakerDiff{Name: name, Removed: true})
		case o != n:
			d.BreakerChanges = append(d.BreakerChanges, BreakerDiff{Name: name, Changed: true})
		}
	}
	for name := range new.Breakers.Overrides {
		if _, exists := old.Breakers.Overrides[name]; !exists {
			d.BreakerChanges = append(d.BreakerChanges, BreakerDiff{Name: name, Added: true})
		}
	}
	sort.Slice(d.BreakerChanges, func(i, j int) bool {
		return d.BreakerChanges[i].Name < d.BreakerChanges[j].Name
	})
	d.BreakersChanged = len(d.BreakerChanges) > 0

	// Settings read once at startup.
	restart := func(path string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, path)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.log_format", old.Server.LogFormat != new.Server.LogFormat)
	restart("server.tls", !equalTLS(old.Server.TLS, new.Server.TLS))
	restart("server.shutdown_timeout", old.Server.ShutdownTimeout != new.Server.ShutdownTimeout)
	restart("telemetry", old.Telemetry != new.Telemetry)
	restart("backend.base_urls", !slices.Equal(old.Backend.BaseURLs, new.Backend.BaseURLs))
	restart("backend.timeout", old.Backend.Timeout != new.Backend.Timeout)
	restart("backend.user_agent", old.Backend.UserAgent != new.Backend.UserAgent)
	restart("backend.max_body_bytes", old.Backend.MaxBodyBytes != new.Backend.MaxBodyBytes)
	restart("backend.auth", !equalAuth(old.Backend.Auth, new.Backend.Auth))
	restart("breakers.defaults", old.Breakers.Defaults != new.Breakers.Defaults)
	restart("errors.max_log_size", old.Errors.MaxLogSize != new.Errors.MaxLogSize)
	restart("errors.recovery_timeout", old.Errors.RecoveryTimeout != new.Errors.RecoveryTimeout)
	restart("alerts", !slices.Equal(old.Alerts.Sinks, new.Alerts.Sinks) || old.Alerts.PostgresDSN != new.Alerts.PostgresDSN)

	return d
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalAuth(a, b *OAuthConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ClientID == b.ClientID &&
		a.ClientSecret == b.ClientSecret &&
		a.TokenURL == b.TokenURL &&
		slices.Equal(a.Scopes, b.Scopes)
}
