// ABOUTME: Configuration loading and parsing for crm-bridge
// ABOUTME: Supports YAML files with environment variable expansion and env overrides

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete crm-bridge configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Session  SessionConfig  `yaml:"session"`
	CRM      CRMConfig      `yaml:"crm"`
	Webhooks WebhooksConfig `yaml:"webhooks"`
	Send     SendConfig     `yaml:"send"`
	Dedupe   DedupeConfig   `yaml:"dedupe"`
	Media    MediaConfig    `yaml:"media"`
	Audit    AuditConfig    `yaml:"audit"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds the HTTP API configuration.
type ServerConfig struct {
	HTTPAddr       string  `yaml:"http_addr"`
	APIKey         string  `yaml:"api_key"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// SessionConfig holds the protocol-session sidecar connection settings.
type SessionConfig struct {
	URL string `yaml:"url"`

	OpenTimeout    time.Duration `yaml:"-"`
	OpenTimeoutRaw string        `yaml:"open_timeout"`
}

// CRMConfig holds the CRM API connection settings.
type CRMConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// WebhooksConfig holds webhook override addresses and refresh policy.
// An override address, when set, wins permanently over anything the CRM
// settings endpoint returns.
type WebhooksConfig struct {
	InboundOverride  string `yaml:"inbound_override"`
	OutboundOverride string `yaml:"outbound_override"`

	RefreshInterval    time.Duration `yaml:"-"`
	RefreshIntervalRaw string        `yaml:"refresh_interval"`
	Timeout            time.Duration `yaml:"-"`
	TimeoutRaw         string        `yaml:"timeout"`
}

// SendConfig holds the send queue retry policy.
type SendConfig struct {
	MaxRetries int `yaml:"max_retries"`

	RetryDelay    time.Duration `yaml:"-"`
	RetryDelayRaw string        `yaml:"retry_delay"`
}

// DedupeConfig holds the dedupe cache bounds.
type DedupeConfig struct {
	MaxSize int `yaml:"max_size"`

	TTL              time.Duration `yaml:"-"`
	TTLRaw           string        `yaml:"ttl"`
	SweepInterval    time.Duration `yaml:"-"`
	SweepIntervalRaw string        `yaml:"sweep_interval"`
}

// MediaConfig holds the media cache bounds.
type MediaConfig struct {
	MaxBytes int64 `yaml:"max_bytes"`

	TTL              time.Duration `yaml:"-"`
	TTLRaw           string        `yaml:"ttl"`
	Timeout          time.Duration `yaml:"-"`
	TimeoutRaw       string        `yaml:"timeout"`
	SweepInterval    time.Duration `yaml:"-"`
	SweepIntervalRaw string        `yaml:"sweep_interval"`
}

// AuditConfig holds the audit sink configuration.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded,
// durations are parsed, env overrides and defaults are applied, and the
// result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration built purely from defaults and
// environment overrides, for running without a config file.
func Default() (*Config, error) {
	var cfg Config
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// finish applies duration parsing, env overrides, defaults, and validation.
func (c *Config) finish() error {
	if err := parseDurations(c); err != nil {
		return fmt.Errorf("parsing durations: %w", err)
	}
	c.applyEnvOverrides()
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// firstEnv returns the value of the first set environment variable among
// names. Earlier names take precedence over later ones.
func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// applyEnvOverrides layers environment variables over the file values.
// Webhook overrides accept two aliases each; the WEBHOOK_URL_* form wins.
func (c *Config) applyEnvOverrides() {
	if v := firstEnv("WEBHOOK_URL_INBOUND", "CRM_INBOUND_WEBHOOK"); v != "" {
		c.Webhooks.InboundOverride = v
	}
	if v := firstEnv("WEBHOOK_URL_OUTBOUND", "CRM_OUTBOUND_WEBHOOK"); v != "" {
		c.Webhooks.OutboundOverride = v
	}
	if v := os.Getenv("CRM_BASE_URL"); v != "" {
		c.CRM.BaseURL = v
	}
	if v := os.Getenv("CRM_API_KEY"); v != "" {
		c.CRM.APIKey = v
	}
	if v := os.Getenv("SESSION_URL"); v != "" {
		c.Session.URL = v
	}
	if v := os.Getenv("BRIDGE_API_KEY"); v != "" {
		c.Server.APIKey = v
	}
}

// applyDefaults fills zero values with production defaults.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Server.RateLimitRPS == 0 {
		c.Server.RateLimitRPS = 10
	}
	if c.Server.RateLimitBurst == 0 {
		c.Server.RateLimitBurst = 20
	}
	if c.Session.OpenTimeout == 0 {
		c.Session.OpenTimeout = 60 * time.Second
	}
	if c.CRM.Timeout == 0 {
		c.CRM.Timeout = 10 * time.Second
	}
	if c.Webhooks.RefreshInterval == 0 {
		c.Webhooks.RefreshInterval = 5 * time.Minute
	}
	if c.Webhooks.Timeout == 0 {
		c.Webhooks.Timeout = 10 * time.Second
	}
	if c.Send.MaxRetries == 0 {
		c.Send.MaxRetries = 3
	}
	if c.Send.RetryDelay == 0 {
		c.Send.RetryDelay = time.Second
	}
	if c.Dedupe.MaxSize == 0 {
		c.Dedupe.MaxSize = 10_000
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = 10 * time.Minute
	}
	if c.Dedupe.SweepInterval == 0 {
		c.Dedupe.SweepInterval = time.Minute
	}
	if c.Media.MaxBytes == 0 {
		c.Media.MaxBytes = 50 << 20 // 50 MiB
	}
	if c.Media.TTL == 0 {
		c.Media.TTL = 30 * time.Minute
	}
	if c.Media.Timeout == 0 {
		c.Media.Timeout = 30 * time.Second
	}
	if c.Media.SweepInterval == 0 {
		c.Media.SweepInterval = time.Minute
	}
	if c.Audit.Path == "" {
		c.Audit.Path = "data/audit.db"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Session.URL == "" {
		return fmt.Errorf("session.url is required (or set SESSION_URL)")
	}

	// Without a CRM base URL there is nothing to resolve webhooks from,
	// so both directions must be overridden explicitly.
	if c.CRM.BaseURL == "" {
		if c.Webhooks.InboundOverride == "" || c.Webhooks.OutboundOverride == "" {
			return fmt.Errorf("crm.base_url is required unless both webhook overrides are set")
		}
	}

	if c.Send.MaxRetries < 0 {
		return fmt.Errorf("send.max_retries must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Session.OpenTimeoutRaw, &cfg.Session.OpenTimeout, "session.open_timeout"},
		{cfg.CRM.TimeoutRaw, &cfg.CRM.Timeout, "crm.timeout"},
		{cfg.Webhooks.RefreshIntervalRaw, &cfg.Webhooks.RefreshInterval, "webhooks.refresh_interval"},
		{cfg.Webhooks.TimeoutRaw, &cfg.Webhooks.Timeout, "webhooks.timeout"},
		{cfg.Send.RetryDelayRaw, &cfg.Send.RetryDelay, "send.retry_delay"},
		{cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL, "dedupe.ttl"},
		{cfg.Dedupe.SweepIntervalRaw, &cfg.Dedupe.SweepInterval, "dedupe.sweep_interval"},
		{cfg.Media.TTLRaw, &cfg.Media.TTL, "media.ttl"},
		{cfg.Media.TimeoutRaw, &cfg.Media.Timeout, "media.timeout"},
		{cfg.Media.SweepIntervalRaw, &cfg.Media.SweepInterval, "media.sweep_interval"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
