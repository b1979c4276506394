// Package config loads and validates kindred configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all kindred configuration.
type Config struct {
	Provider ProviderConfig `yaml:"provider"`
	Queue    QueueConfig    `yaml:"queue"`
	Executor ExecutorConfig `yaml:"executor"`
	Ceremony CeremonyConfig `yaml:"ceremony"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ProviderConfig selects and configures the model provider.
type ProviderConfig struct {
	Name    string `yaml:"name"` // openai, gemini
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`

	// MinRequestGap is the minimum delay between consecutive outbound
	// calls, for providers that throttle bursts.
	MinRequestGap string `yaml:"min_request_gap"`
}

// QueueConfig tunes retry and ordering behavior. Rate-limited failures get
// their own backoff profile; whether it should differ from the generic one
// is a deployment decision, so both are configuration points.
type QueueConfig struct {
	MaxAttempts          int    `yaml:"max_attempts"`
	BackoffBase          string `yaml:"backoff_base"`
	BackoffMax           string `yaml:"backoff_max"`
	RateLimitBackoffBase string `yaml:"rate_limit_backoff_base"`
	RateLimitBackoffMax  string `yaml:"rate_limit_backoff_max"`

	// Paused suppresses dequeuing at startup and is honored on reload, so a
	// maintenance window is a config edit away.
	Paused bool `yaml:"paused"`
}

// ExecutorConfig tunes the model executor.
type ExecutorConfig struct {
	// CallTimeout is the default per-item deadline when the item carries none.
	CallTimeout string `yaml:"call_timeout"`
}

// CeremonyConfig drives the nightly maintenance pass.
type CeremonyConfig struct {
	Hour   int `yaml:"hour"`
	Minute int `yaml:"minute"`

	// MinActiveTopics triggers the explore phase when a persona drops below
	// this many topics after expiry.
	MinActiveTopics int `yaml:"min_active_topics"`

	// ActiveTopicWeight is the weight at or above which a topic counts as
	// active.
	ActiveTopicWeight float64 `yaml:"active_topic_weight"`

	// ExpireBelowWeight is the floor under which the expire phase removes
	// topics outright.
	ExpireBelowWeight float64 `yaml:"expire_below_weight"`

	// LastPersona is the persona ID always scheduled last in a cycle.
	LastPersona string `yaml:"last_persona"`
}

// StorageConfig locates the SQLite database and audit log.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	AuditLogPath string `yaml:"audit_log_path"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Debug bool   `yaml:"debug"`
	Level string `yaml:"level"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Name:          "openai",
			Model:         "gpt-4o-mini",
			Timeout:       "2m",
			MinRequestGap: "500ms",
		},
		Queue: QueueConfig{
			MaxAttempts:          3,
			BackoffBase:          "2s",
			BackoffMax:           "2m",
			RateLimitBackoffBase: "15s",
			RateLimitBackoffMax:  "10m",
		},
		Executor: ExecutorConfig{
			CallTimeout: "2m",
		},
		Ceremony: CeremonyConfig{
			Hour:              3,
			Minute:            30,
			MinActiveTopics:   3,
			ActiveTopicWeight: 0.2,
			ExpireBelowWeight: 0.05,
		},
		Storage: StorageConfig{
			DatabasePath: ".kindred/kindred.db",
			AuditLogPath: ".kindred/audit.jsonl",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads YAML configuration from path, layered over defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault reads path if it exists, otherwise returns defaults.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return Load(path)
}

// Validate checks ranges and duration syntax.
func (c *Config) Validate() error {
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be >= 1")
	}
	if c.Ceremony.Hour < 0 || c.Ceremony.Hour > 23 {
		return fmt.Errorf("ceremony.hour must be in 0..23")
	}
	if c.Ceremony.Minute < 0 || c.Ceremony.Minute > 59 {
		return fmt.Errorf("ceremony.minute must be in 0..59")
	}
	if c.Ceremony.MinActiveTopics < 0 {
		return fmt.Errorf("ceremony.min_active_topics must be >= 0")
	}
	for name, s := range map[string]string{
		"provider.timeout":              c.Provider.Timeout,
		"provider.min_request_gap":      c.Provider.MinRequestGap,
		"queue.backoff_base":            c.Queue.BackoffBase,
		"queue.backoff_max":             c.Queue.BackoffMax,
		"queue.rate_limit_backoff_base": c.Queue.RateLimitBackoffBase,
		"queue.rate_limit_backoff_max":  c.Queue.RateLimitBackoffMax,
		"executor.call_timeout":         c.Executor.CallTimeout,
	} {
		if s == "" {
			continue
		}
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// parseDurationOr parses s, falling back to def when empty or malformed.
// Validate has already rejected malformed values on the load path.
func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// ProviderTimeout returns the provider HTTP timeout.
func (c *Config) ProviderTimeout() time.Duration {
	return parseDurationOr(c.Provider.Timeout, 2*time.Minute)
}

// MinRequestGap returns the minimum spacing between provider calls.
func (c *Config) MinRequestGap() time.Duration {
	return parseDurationOr(c.Provider.MinRequestGap, 500*time.Millisecond)
}

// CallTimeout returns the default per-item execution deadline.
func (c *Config) CallTimeout() time.Duration {
	return parseDurationOr(c.Executor.CallTimeout, 2*time.Minute)
}

// BackoffBase returns the generic retry backoff base.
func (c *Config) BackoffBase() time.Duration {
	return parseDurationOr(c.Queue.BackoffBase, 2*time.Second)
}

// BackoffMax returns the generic retry backoff ceiling.
func (c *Config) BackoffMax() time.Duration {
	return parseDurationOr(c.Queue.BackoffMax, 2*time.Minute)
}

// RateLimitBackoffBase returns the rate-limit retry backoff base.
func (c *Config) RateLimitBackoffBase() time.Duration {
	return parseDurationOr(c.Queue.RateLimitBackoffBase, 15*time.Second)
}

// RateLimitBackoffMax returns the rate-limit retry backoff ceiling.
func (c *Config) RateLimitBackoffMax() time.Duration {
	return parseDurationOr(c.Queue.RateLimitBackoffMax, 10*time.Minute)
}
