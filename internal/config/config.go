// Package config provides YAML-based configuration loading for Arena.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Arena configuration, loaded from config.yaml.
type Config struct {
	DB            DBConfig            `yaml:"db"`
	Server        ServerConfig        `yaml:"server"`
	Provider      ProviderConfig      `yaml:"provider"`
	Orchestration OrchestrationConfig `yaml:"orchestration"`
	Credits       CreditsConfig       `yaml:"credits"`
	Notify        NotifyConfig        `yaml:"notify"`
}

// DBConfig holds connection settings for the MySQL server.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// ServerConfig holds settings for the HTTP gateway.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// ProviderConfig holds settings for the completion provider.
type ProviderConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	AppURL         string `yaml:"app_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the completion call timeout.
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// OrchestrationConfig tunes the job queue and turn workers.
type OrchestrationConfig struct {
	Workers             int `yaml:"workers"`
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	LockTTLSeconds      int `yaml:"lock_ttl_seconds"`
	SessionTTLHours     int `yaml:"session_ttl_hours"`
	MaxAttempts         int `yaml:"max_attempts"`
	BackoffBaseMillis   int `yaml:"backoff_base_ms"`
}

// PollInterval returns the worker poll interval.
func (o OrchestrationConfig) PollInterval() time.Duration {
	return time.Duration(o.PollIntervalSeconds) * time.Second
}

// LockTTL returns the per-conversation lock lease duration.
func (o OrchestrationConfig) LockTTL() time.Duration {
	return time.Duration(o.LockTTLSeconds) * time.Second
}

// SessionTTL returns the session state record lifetime.
func (o OrchestrationConfig) SessionTTL() time.Duration {
	return time.Duration(o.SessionTTLHours) * time.Hour
}

// BackoffBase returns the initial retry backoff delay.
func (o OrchestrationConfig) BackoffBase() time.Duration {
	return time.Duration(o.BackoffBaseMillis) * time.Millisecond
}

// CreditsConfig tunes the credit ledger.
type CreditsConfig struct {
	DailyFreeCents      int `yaml:"daily_free_cents"`
	CacheTTLSeconds     int `yaml:"cache_ttl_seconds"`
	MinimumBalanceCents int `yaml:"minimum_balance_cents"`
}

// CacheTTL returns the balance cache entry lifetime.
func (c CreditsConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// NotifyConfig configures ops escalation sinks. Sinks with empty tokens are
// disabled.
type NotifyConfig struct {
	Discord DiscordConfig `yaml:"discord"`
	Slack   SlackConfig   `yaml:"slack"`
}

// DiscordConfig holds Discord bot credentials for ops notifications.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// SlackConfig holds Slack bot credentials for ops notifications.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.DB.Host == "" {
		c.DB.Host = "127.0.0.1"
	}
	if c.DB.Port == 0 {
		c.DB.Port = 3306
	}
	if c.DB.User == "" {
		c.DB.User = "root"
	}
	if c.DB.Database == "" {
		c.DB.Database = "arena"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = "https://openrouter.ai/api/v1"
	}
	if c.Provider.AppURL == "" {
		c.Provider.AppURL = "http://localhost:3000"
	}
	if c.Provider.TimeoutSeconds == 0 {
		c.Provider.TimeoutSeconds = 45
	}
	if c.Orchestration.Workers == 0 {
		c.Orchestration.Workers = 2
	}
	if c.Orchestration.PollIntervalSeconds == 0 {
		c.Orchestration.PollIntervalSeconds = 1
	}
	if c.Orchestration.LockTTLSeconds == 0 {
		c.Orchestration.LockTTLSeconds = 60
	}
	if c.Orchestration.SessionTTLHours == 0 {
		c.Orchestration.SessionTTLHours = 24
	}
	if c.Orchestration.MaxAttempts == 0 {
		c.Orchestration.MaxAttempts = 3
	}
	if c.Orchestration.BackoffBaseMillis == 0 {
		c.Orchestration.BackoffBaseMillis = 1000
	}
	if c.Credits.DailyFreeCents == 0 {
		c.Credits.DailyFreeCents = 100
	}
	if c.Credits.CacheTTLSeconds == 0 {
		c.Credits.CacheTTLSeconds = 60
	}
	if c.Credits.MinimumBalanceCents == 0 {
		c.Credits.MinimumBalanceCents = 1
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Provider.APIKey == "" {
		errs = append(errs, "provider.api_key is required")
	}
	if c.Provider.TimeoutSeconds >= c.Orchestration.LockTTLSeconds {
		errs = append(errs, "provider.timeout_seconds must be shorter than orchestration.lock_ttl_seconds")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
