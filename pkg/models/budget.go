package models

import "time"

// BudgetConstraint defines token and cost ceilings for a session.
// Zero limits are unlimited.
type BudgetConstraint struct {
	SessionID             string  `json:"session_id,omitempty" yaml:"-"`
	MaxTokensPerOperation int64   `json:"max_tokens_per_operation,omitempty" yaml:"max_tokens_per_operation"`
	MaxCostPerOperation   float64 `json:"max_cost_per_operation,omitempty" yaml:"max_cost_per_operation"`
	MaxTokensPerSession   int64   `json:"max_tokens_per_session,omitempty" yaml:"max_tokens_per_session"`
	MaxCostPerSession     float64 `json:"max_cost_per_session,omitempty" yaml:"max_cost_per_session"`
	EnforceHardLimits     bool    `json:"enforce_hard_limits" yaml:"enforce_hard_limits"`
	// SoftThreshold overrides the configured warning ratio (0 < t <= 1).
	SoftThreshold float64 `json:"soft_threshold,omitempty" yaml:"soft_threshold"`
}

// Unlimited reports whether no limit is set at all.
func (c BudgetConstraint) Unlimited() bool {
	return c.MaxTokensPerOperation == 0 && c.MaxCostPerOperation == 0 &&
		c.MaxTokensPerSession == 0 && c.MaxCostPerSession == 0
}

// SessionUsage is the running budget total of one session.
type SessionUsage struct {
	SessionID      string    `json:"session_id"`
	TokensUsed     int64     `json:"tokens_used"`
	CostUsed       float64   `json:"cost_used"`
	TokensReserved int64     `json:"tokens_reserved"`
	CostReserved   float64   `json:"cost_reserved"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}

// BudgetDecision is the outcome of a budget check.
type BudgetDecision string

const (
	BudgetAllow BudgetDecision = "allow"
	BudgetWarn  BudgetDecision = "warn"
	BudgetBlock BudgetDecision = "block"
)
