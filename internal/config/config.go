package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/Esekyi/mailSage/internal/models"
)

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Engine    EngineConfig     `yaml:"engine"`
	Delivery  DeliveryConfig   `yaml:"delivery"`
	Quota     QuotaConfig      `yaml:"quota"`
	Health    HealthConfig     `yaml:"health"`
	Providers []ProviderConfig `yaml:"providers"`
	Templates []TemplateConfig `yaml:"templates"`
	APIKeys   []APIKeyConfig   `yaml:"api_keys"`
	Storage   StorageConfig    `yaml:"storage"`
	Events    EventsConfig     `yaml:"events"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains HTTP API server settings
type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Default: 1MB
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // Default: 30s
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // Default: 30s
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // Default: 60s
}

// EngineConfig contains job coordinator settings
type EngineConfig struct {
	Workers           int           `yaml:"workers"`             // Concurrent task ceiling, default: 8
	StorageRetries    int           `yaml:"storage_retries"`     // Default: 3
	StorageRetryDelay time.Duration `yaml:"storage_retry_delay"` // Default: 200ms
	StaleAfter        time.Duration `yaml:"stale_after"`         // Default: 1h
	SweepInterval     time.Duration `yaml:"sweep_interval"`      // Default: 5m
}

// DeliveryConfig contains per-task delivery settings
type DeliveryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`      // Per provider, default: 3
	BaseDelay       time.Duration `yaml:"base_delay"`        // First backoff delay, default: 500ms
	MaxDelay        time.Duration `yaml:"max_delay"`         // Backoff cap, default: 30s
	PerProviderRate float64       `yaml:"per_provider_rate"` // Sends per second per provider, 0 = unpaced
}

// QuotaConfig contains quota ledger settings
type QuotaConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"` // Counter persistence interval, default: 10s
}

// HealthConfig contains provider health tracking settings
type HealthConfig struct {
	Window           time.Duration `yaml:"window"`            // Trailing outcome window, default: 10m
	FailureThreshold float64       `yaml:"failure_threshold"` // Degraded above this rate, default: 0.5
	MinSamples       int           `yaml:"min_samples"`       // Outcomes needed before judging, default: 20
}

// ProviderConfig declares one outbound SMTP provider
type ProviderConfig struct {
	ID         string `yaml:"id"`
	OwnerID    string `yaml:"owner_id"`
	Name       string `yaml:"name"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	UseTLS     bool   `yaml:"use_tls"`
	FromEmail  string `yaml:"from_email"`
	IsDefault  bool   `yaml:"is_default"`
	Disabled   bool   `yaml:"disabled"`
	DailyLimit int    `yaml:"daily_limit"` // 0 = unlimited
}

// TemplateConfig declares one reusable message template
type TemplateConfig struct {
	ID        string           `yaml:"id"`
	OwnerID   string           `yaml:"owner_id"`
	Name      string           `yaml:"name"`
	Subject   string           `yaml:"subject"`
	HTMLBody  string           `yaml:"html_body"`
	TextBody  string           `yaml:"text_body"`
	Variables []VariableConfig `yaml:"variables"`
}

// VariableConfig declares a template variable
type VariableConfig struct {
	Name     string `yaml:"name"`
	Required bool   `yaml:"required"`
	Default  string `yaml:"default"`
}

// APIKeyConfig declares one API key and its plan limits
type APIKeyConfig struct {
	ID            string `yaml:"id"`
	Key           string `yaml:"key"`
	OwnerID       string `yaml:"owner_id"`
	RatePerMinute int    `yaml:"rate_per_minute"` // 0 = unlimited
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path string `yaml:"path"` // bbolt database file
}

// EventsConfig contains delivery event bus settings
type EventsConfig struct {
	Buffer int `yaml:"buffer"` // Per-subscriber buffer, default: 256
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // Default: /metrics
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file, then applies environment
// overrides with the MAILSAGE_ prefix
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process("mailsage", cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.MaxHeaderBytes == 0 {
		c.Server.MaxHeaderBytes = 1 << 20
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}

	if c.Engine.Workers == 0 {
		c.Engine.Workers = 8
	}
	if c.Engine.StorageRetries == 0 {
		c.Engine.StorageRetries = 3
	}
	if c.Engine.StorageRetryDelay == 0 {
		c.Engine.StorageRetryDelay = 200 * time.Millisecond
	}
	if c.Engine.StaleAfter == 0 {
		c.Engine.StaleAfter = time.Hour
	}
	if c.Engine.SweepInterval == 0 {
		c.Engine.SweepInterval = 5 * time.Minute
	}

	if c.Delivery.MaxAttempts == 0 {
		c.Delivery.MaxAttempts = 3
	}
	if c.Delivery.BaseDelay == 0 {
		c.Delivery.BaseDelay = 500 * time.Millisecond
	}
	if c.Delivery.MaxDelay == 0 {
		c.Delivery.MaxDelay = 30 * time.Second
	}

	if c.Quota.FlushInterval == 0 {
		c.Quota.FlushInterval = 10 * time.Second
	}

	if c.Health.Window == 0 {
		c.Health.Window = 10 * time.Minute
	}
	if c.Health.FailureThreshold == 0 {
		c.Health.FailureThreshold = 0.5
	}
	if c.Health.MinSamples == 0 {
		c.Health.MinSamples = 20
	}

	if c.Events.Buffer == 0 {
		c.Events.Buffer = 256
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/mailsage/mailsage.db"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	for i := range c.Providers {
		if c.Providers[i].Port == 0 {
			c.Providers[i].Port = 587
		}
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Health.FailureThreshold < 0 || c.Health.FailureThreshold > 1 {
		return fmt.Errorf("health.failure_threshold must be between 0 and 1, got %v", c.Health.FailureThreshold)
	}

	if err := c.validateProviders(); err != nil {
		return err
	}
	if err := c.validateAPIKeys(); err != nil {
		return err
	}
	return c.validateTemplates()
}

func (c *Config) validateProviders() error {
	seen := make(map[string]bool)
	defaults := make(map[string]bool) // owner -> has default
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("providers[%d]: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
		if p.OwnerID == "" {
			return fmt.Errorf("provider %q: owner_id is required", p.ID)
		}
		if p.Host == "" {
			return fmt.Errorf("provider %q: host is required", p.ID)
		}
		if p.DailyLimit < 0 {
			return fmt.Errorf("provider %q: daily_limit must not be negative", p.ID)
		}
		if p.IsDefault && !p.Disabled {
			if defaults[p.OwnerID] {
				return fmt.Errorf("owner %q has more than one default provider", p.OwnerID)
			}
			defaults[p.OwnerID] = true
		}
	}
	return nil
}

func (c *Config) validateAPIKeys() error {
	seen := make(map[string]bool)
	for i, k := range c.APIKeys {
		if k.Key == "" {
			return fmt.Errorf("api_keys[%d]: key is required", i)
		}
		if seen[k.Key] {
			return fmt.Errorf("api_keys[%d]: duplicate key", i)
		}
		seen[k.Key] = true
		if k.OwnerID == "" {
			return fmt.Errorf("api_keys[%d]: owner_id is required", i)
		}
		if k.RatePerMinute < 0 {
			return fmt.Errorf("api_keys[%d]: rate_per_minute must not be negative", i)
		}
	}
	return nil
}

func (c *Config) validateTemplates() error {
	seen := make(map[string]bool)
	for i, t := range c.Templates {
		if t.ID == "" {
			return fmt.Errorf("templates[%d]: id is required", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate template id %q", t.ID)
		}
		seen[t.ID] = true
		if t.Subject == "" && t.HTMLBody == "" && t.TextBody == "" {
			return fmt.Errorf("template %q: subject or body is required", t.ID)
		}
	}
	return nil
}

// ModelProviders converts the provider declarations to their model form
func (c *Config) ModelProviders() []models.Provider {
	out := make([]models.Provider, len(c.Providers))
	for i, p := range c.Providers {
		out[i] = models.Provider{
			ID:         p.ID,
			OwnerID:    p.OwnerID,
			Name:       p.Name,
			Host:       p.Host,
			Port:       p.Port,
			Username:   p.Username,
			Password:   p.Password,
			UseTLS:     p.UseTLS,
			FromEmail:  p.FromEmail,
			IsDefault:  p.IsDefault,
			IsActive:   !p.Disabled,
			DailyLimit: p.DailyLimit,
		}
	}
	return out
}

// ModelTemplates converts the template declarations to their model form
func (c *Config) ModelTemplates() []models.Template {
	out := make([]models.Template, len(c.Templates))
	for i, t := range c.Templates {
		vars := make([]models.TemplateVariable, len(t.Variables))
		for j, v := range t.Variables {
			vars[j] = models.TemplateVariable{Name: v.Name, Required: v.Required, Default: v.Default}
		}
		out[i] = models.Template{
			ID:        t.ID,
			OwnerID:   t.OwnerID,
			Name:      t.Name,
			Subject:   t.Subject,
			HTMLBody:  t.HTMLBody,
			TextBody:  t.TextBody,
			Variables: vars,
			Version:   1,
		}
	}
	return out
}
