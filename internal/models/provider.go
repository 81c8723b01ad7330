package models

import "time"

// HealthState is a derived view over a provider's recent delivery outcomes.
// It is recomputed from the failure window, never persisted as ground truth.
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthDisabled HealthState = "disabled"
)

// Provider is an outbound SMTP provider configuration.
// At most one default active provider exists per owner; the config store
// enforces that on write.
type Provider struct {
	ID         string `json:"id"`
	OwnerID    string `json:"owner_id"`
	Name       string `json:"name"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"-"`
	UseTLS     bool   `json:"use_tls"`
	FromEmail  string `json:"from_email,omitempty"`
	IsDefault  bool   `json:"is_default"`
	IsActive   bool   `json:"is_active"`
	DailyLimit int    `json:"daily_limit"`

	// Usage bookkeeping, updated by the engine
	FailureCount int        `json:"failure_count"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}
