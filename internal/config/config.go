// Package config loads transport_config.yaml and resolves environment
// overrides for the transport layer.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level transport_config.yaml structure.
type Config struct {
	API      APISettings      `yaml:"api"`
	Breaker  BreakerSettings  `yaml:"breaker"`
	Dispatch DispatchSettings `yaml:"dispatch"`
	Stream   StreamSettings   `yaml:"stream"`
	Cache    CacheSettings    `yaml:"cache"`
	Admin    AdminSettings    `yaml:"admin"`
	Fallback FallbackSettings `yaml:"fallback"`

	EnvironmentVariables map[string]string `yaml:"environment_variables,omitempty"`
}

// APISettings configures the backend HTTP client.
type APISettings struct {
	BaseURL       string   `yaml:"base_url"`
	Timeout       Duration `yaml:"timeout,omitempty"`
	SigningSecret string   `yaml:"signing_secret,omitempty"`
}

// BreakerSettings configures circuit breakers and their retry wrapper.
type BreakerSettings struct {
	FailureThreshold  int      `yaml:"failure_threshold,omitempty"`
	SuccessThreshold  int      `yaml:"success_threshold,omitempty"`
	CallTimeout       Duration `yaml:"call_timeout,omitempty"`
	ResetTimeout      Duration `yaml:"reset_timeout,omitempty"`
	MaxRetries        int      `yaml:"max_retries,omitempty"`
	RetryBaseDelay    Duration `yaml:"retry_base_delay,omitempty"`
	RetryMaxDelay     Duration `yaml:"retry_max_delay,omitempty"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier,omitempty"`
}

// DispatchSettings configures single-flight coalescing and backoff.
type DispatchSettings struct {
	MaxRetries    int      `yaml:"max_retries,omitempty"`
	BaseDelay     Duration `yaml:"base_delay,omitempty"`
	MaxDelay      Duration `yaml:"max_delay,omitempty"`
	Multiplier    float64  `yaml:"multiplier,omitempty"`
	JitterFactor  float64  `yaml:"jitter_factor,omitempty"`
	InFlightTTL   Duration `yaml:"in_flight_ttl,omitempty"`
	SweepInterval Duration `yaml:"sweep_interval,omitempty"`
}

// StreamSettings configures the streaming transport timers.
type StreamSettings struct {
	NoDataTimeout Duration `yaml:"no_data_timeout,omitempty"`
	TotalTimeout  Duration `yaml:"total_timeout,omitempty"`
}

// CacheSettings selects the cache backend for response caching and the
// fallback snapshot store.
type CacheSettings struct {
	Type        string   `yaml:"type,omitempty"` // memory | redis
	RedisURL    string   `yaml:"redis_url,omitempty"`
	SnapshotTTL Duration `yaml:"snapshot_ttl,omitempty"`
	ResponseTTL Duration `yaml:"response_ttl,omitempty"`
}

// AdminSettings configures the operator HTTP surface.
type AdminSettings struct {
	Port string `yaml:"port,omitempty"`
}

// FallbackSettings toggles cache-backed fallback synthesis.
type FallbackSettings struct {
	Enabled *bool `yaml:"enabled,omitempty"`
}

// FallbackEnabled defaults to true when unset.
func (f FallbackSettings) FallbackEnabled() bool {
	return f.Enabled == nil || *f.Enabled
}
