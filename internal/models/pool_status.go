package models

import "time"

// PoolStatus is the operator view of the pool
type PoolStatus struct {
	TotalAccounts int `json:"total_accounts"`
	PendingCount  int `json:"pending_count"`
	ActiveCount   int `json:"active_count"`
	InvalidCount  int `json:"invalid_count"`
	CooldownCount int `json:"cooldown_count"`
	BlockedCount  int `json:"blocked_count"`
	LeasedCount   int `json:"leased_count"`

	PausedForCircuitBreaker bool      `json:"paused_for_circuit_breaker"`
	PauseReason             string    `json:"pause_reason,omitempty"`
	PausedAt                time.Time `json:"paused_at,omitempty"`

	ValidationFailureRate float64 `json:"validation_failure_rate"`
	UseFailureRate        float64 `json:"use_failure_rate"`
}
