package models

import "time"

// Outcome is the terminal state recorded for an operation or resolution.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeResolved is used for standalone resolutions not tied to a dispatch.
	OutcomeResolved Outcome = "resolved"
)

// NoteDeprecated marks an entry that resolved to a deprecated model.
const NoteDeprecated = "Deprecated"

// AuditEntry is one append-only record explaining a resolution and its outcome.
type AuditEntry struct {
	OperationID      string        `json:"operation_id"`
	SessionID        string        `json:"session_id"`
	JobID            string        `json:"job_id,omitempty"`
	Stage            string        `json:"stage"`
	OperationType    OperationType `json:"operation_type,omitempty"`
	ProviderID       string        `json:"provider_id,omitempty"`
	ModelID          string        `json:"model_id,omitempty"`
	ResolutionSource ScopeLevel    `json:"resolution_source"`
	FallbackReason   string        `json:"fallback_reason,omitempty"`
	Outcome          Outcome       `json:"outcome"`
	ErrorKind        string        `json:"error_kind,omitempty"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	Notes            []string      `json:"notes,omitempty"`
	TokensIn         int64         `json:"tokens_in"`
	TokensOut        int64         `json:"tokens_out"`
	EstimatedCost    float64       `json:"estimated_cost"`
	LatencyMs        int64         `json:"latency_ms"`
	RetryCount       int           `json:"retry_count"`
	CacheHit         bool          `json:"cache_hit"`
	Timestamp        time.Time     `json:"timestamp"`
}

// AuditQueryOpts specifies filters for querying audit entries.
type AuditQueryOpts struct {
	SessionID   string
	JobID       string
	OperationID string
	ProviderID  string
	Outcome     Outcome
	Since       time.Time
	Limit       int
}

// AuditStat holds aggregate audit counts for a provider/day/outcome combination.
type AuditStat struct {
	ProviderID string  `json:"provider_id"`
	Day        string  `json:"day"`
	Outcome    Outcome `json:"outcome"`
	Count      int     `json:"count"`
	Tokens     int64   `json:"tokens"`
	Cost       float64 `json:"cost"`
}

// SessionTotals aggregates persisted usage of one session.
type SessionTotals struct {
	SessionID  string  `json:"session_id"`
	Operations int     `json:"operations"`
	TokensIn   int64   `json:"tokens_in"`
	TokensOut  int64   `json:"tokens_out"`
	Cost       float64 `json:"cost"`
}
