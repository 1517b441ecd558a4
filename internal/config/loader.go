package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads a transport_config.yaml, applies env overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnvironmentVariables(&cfg)
	applyOverrides(&cfg)
	setDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config built purely from defaults and env overrides,
// for callers running without a config file.
func Default() *Config {
	cfg := &Config{}
	applyOverrides(cfg)
	setDefaults(cfg)
	return cfg
}

// applyEnvironmentVariables sets OS env vars from the config's
// environment_variables section.
func applyEnvironmentVariables(cfg *Config) {
	for k, v := range cfg.EnvironmentVariables {
		os.Setenv(k, ResolveEnvVar(v))
	}
}

// applyOverrides lets deploy-time env vars win over file values.
func applyOverrides(cfg *Config) {
	if v := os.Getenv("BRIE_API_BASE_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("BRIE_SIGNING_SECRET"); v != "" {
		cfg.API.SigningSecret = v
	}
	if v := os.Getenv("BRIE_REDIS_URL"); v != "" {
		cfg.Cache.RedisURL = v
		if cfg.Cache.Type == "" {
			cfg.Cache.Type = "redis"
		}
	}
	if v := os.Getenv("ADMIN_PORT"); v != "" {
		cfg.Admin.Port = v
	}

	cfg.API.BaseURL = ResolveEnvVar(cfg.API.BaseURL)
	cfg.API.SigningSecret = ResolveEnvVar(cfg.API.SigningSecret)
	cfg.Cache.RedisURL = ResolveEnvVar(cfg.Cache.RedisURL)
}

// ResolveEnvVar resolves values using the "os.environ/VAR" syntax.
func ResolveEnvVar(value string) string {
	if envKey, ok := strings.CutPrefix(value, "os.environ/"); ok {
		return os.Getenv(envKey)
	}
	return value
}

func setDefaults(cfg *Config) {
	if cfg.API.Timeout <= 0 {
		cfg.API.Timeout = Duration(30 * time.Second)
	}

	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker.FailureThreshold = 3
	}
	if cfg.Breaker.SuccessThreshold <= 0 {
		cfg.Breaker.SuccessThreshold = 2
	}
	if cfg.Breaker.CallTimeout <= 0 {
		cfg.Breaker.CallTimeout = Duration(15 * time.Second)
	}
	if cfg.Breaker.ResetTimeout <= 0 {
		cfg.Breaker.ResetTimeout = Duration(30 * time.Second)
	}
	if cfg.Breaker.MaxRetries <= 0 {
		cfg.Breaker.MaxRetries = 2
	}
	if cfg.Breaker.RetryBaseDelay <= 0 {
		cfg.Breaker.RetryBaseDelay = Duration(500 * time.Millisecond)
	}
	if cfg.Breaker.RetryMaxDelay <= 0 {
		cfg.Breaker.RetryMaxDelay = Duration(10 * time.Second)
	}
	if cfg.Breaker.BackoffMultiplier < 1 {
		cfg.Breaker.BackoffMultiplier = 2
	}

	if cfg.Dispatch.MaxRetries <= 0 {
		cfg.Dispatch.MaxRetries = 3
	}
	if cfg.Dispatch.BaseDelay <= 0 {
		cfg.Dispatch.BaseDelay = Duration(500 * time.Millisecond)
	}
	if cfg.Dispatch.MaxDelay <= 0 {
		cfg.Dispatch.MaxDelay = Duration(30 * time.Second)
	}
	if cfg.Dispatch.Multiplier < 1 {
		cfg.Dispatch.Multiplier = 2
	}
	if cfg.Dispatch.JitterFactor <= 0 {
		cfg.Dispatch.JitterFactor = 0.3
	}
	if cfg.Dispatch.InFlightTTL <= 0 {
		cfg.Dispatch.InFlightTTL = Duration(60 * time.Second)
	}
	if cfg.Dispatch.SweepInterval <= 0 {
		cfg.Dispatch.SweepInterval = Duration(30 * time.Second)
	}

	if cfg.Stream.NoDataTimeout <= 0 {
		cfg.Stream.NoDataTimeout = Duration(5 * time.Second)
	}
	if cfg.Stream.TotalTimeout <= 0 {
		cfg.Stream.TotalTimeout = Duration(120 * time.Second)
	}

	if cfg.Cache.Type == "" {
		cfg.Cache.Type = "memory"
	}
	if cfg.Cache.SnapshotTTL <= 0 {
		cfg.Cache.SnapshotTTL = Duration(24 * time.Hour)
	}
	if cfg.Cache.ResponseTTL <= 0 {
		cfg.Cache.ResponseTTL = Duration(5 * time.Minute)
	}

	if cfg.Admin.Port == "" {
		cfg.Admin.Port = ":8085"
	}
	if cfg.Admin.Port[0] != ':' {
		cfg.Admin.Port = ":" + cfg.Admin.Port
	}
}

// Validate rejects configurations the transport cannot run with.
func Validate(cfg *Config) error {
	if cfg.API.BaseURL == "" {
		return fmt.Errorf("config: api.base_url is required (or set BRIE_API_BASE_URL)")
	}
	if !strings.HasPrefix(cfg.API.BaseURL, "http://") && !strings.HasPrefix(cfg.API.BaseURL, "https://") {
		return fmt.Errorf("config: api.base_url must be an http(s) URL, got %q", cfg.API.BaseURL)
	}
	if cfg.Cache.Type != "memory" && cfg.Cache.Type != "redis" {
		return fmt.Errorf("config: unknown cache type %q", cfg.Cache.Type)
	}
	if cfg.Cache.Type == "redis" && cfg.Cache.RedisURL == "" {
		return fmt.Errorf("config: cache.redis_url is required for the redis backend")
	}
	if cfg.Dispatch.JitterFactor > cfg.Dispatch.Multiplier-1 {
		return fmt.Errorf("config: dispatch.jitter_factor must not exceed multiplier-1 (delay monotonicity)")
	}
	return nil
}
