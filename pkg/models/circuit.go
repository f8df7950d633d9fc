package models

import "time"

// CircuitState is the state of a provider's circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitSnapshot is a point-in-time copy of one provider's breaker entry.
type CircuitSnapshot struct {
	ProviderID            string       `json:"provider_id"`
	State                 CircuitState `json:"state"`
	ConsecutiveFailures   int          `json:"consecutive_failures"`
	LastFailureAt         time.Time    `json:"last_failure_at,omitempty"`
	OpenedAt              time.Time    `json:"opened_at,omitempty"`
	HalfOpenProbeInFlight bool         `json:"half_open_probe_in_flight"`
}
