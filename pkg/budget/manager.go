// Package budget tracks token and cost consumption per session and enforces
// soft and hard limits with reservations.
package budget

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/itsacoffee/aura-orchestrator/pkg/config"
	"github.com/itsacoffee/aura-orchestrator/pkg/errs"
	"github.com/itsacoffee/aura-orchestrator/pkg/metrics"
	"github.com/itsacoffee/aura-orchestrator/pkg/models"
)

// Settings are the reloadable manager defaults.
type Settings struct {
	SoftThreshold          float64
	ProviderSoftThresholds map[string]float64
	Defaults               models.BudgetConstraint
	ProviderDefaults       map[string]models.BudgetConstraint
}

// SettingsFrom converts the YAML budget section.
func SettingsFrom(c config.BudgetConfig) Settings {
	return Settings{
		SoftThreshold:          c.SoftThreshold,
		ProviderSoftThresholds: c.ProviderSoftThresholds,
		Defaults:               c.Defaults,
		ProviderDefaults:       c.ProviderDefaults,
	}
}

// Request describes one operation's expected consumption.
type Request struct {
	SessionID  string
	ProviderID string
	// Constraint overrides the configured defaults when set.
	Constraint *models.BudgetConstraint
	Estimate   Amount
}

// Reservation is held by an admitted operation until Commit or Release.
type Reservation struct {
	SessionID string
	Amount    Amount
	settled   atomic.Bool
}

// Decision is the outcome of CheckAndReserve.
type Decision struct {
	Decision models.BudgetDecision
	Reason   string
	Usage    models.SessionUsage
	// Reservation is nil when the decision is Block.
	Reservation *Reservation
}

// Err returns a *errs.BudgetExceededError for Block decisions.
func (d Decision) Err() error {
	if d.Decision != models.BudgetBlock {
		return nil
	}
	return &errs.BudgetExceededError{SessionID: d.Usage.SessionID, Limit: d.Reason, Usage: d.Usage}
}

// Manager applies budget constraints on top of a Store.
type Manager struct {
	store    Store
	settings atomic.Pointer[Settings]
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewManager creates a Manager.
func NewManager(store Store, s Settings, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	mgr := &Manager{store: store, logger: logger, metrics: m}
	mgr.Configure(s)
	return mgr
}

// Configure replaces the defaults.
func (m *Manager) Configure(s Settings) {
	if s.SoftThreshold <= 0 || s.SoftThreshold > 1 {
		s.SoftThreshold = 0.8
	}
	m.settings.Store(&s)
}

// Constraint returns the constraint that applies to r.
func (m *Manager) Constraint(r Request) models.BudgetConstraint {
	s := m.settings.Load()
	if r.Constraint != nil {
		return *r.Constraint
	}
	if c, ok := s.ProviderDefaults[r.ProviderID]; ok {
		return c
	}
	return s.Defaults
}

func (m *Manager) softThreshold(r Request, c models.BudgetConstraint) float64 {
	if c.SoftThreshold > 0 && c.SoftThreshold <= 1 {
		return c.SoftThreshold
	}
	s := m.settings.Load()
	if t, ok := s.ProviderSoftThresholds[r.ProviderID]; ok && t > 0 {
		return t
	}
	return s.SoftThreshold
}

// CheckAndReserve decides whether an operation may run and, unless it is
// blocked, reserves its estimate against the session. The returned error
// reports store failures only; a Block is a Decision.
func (m *Manager) CheckAndReserve(ctx context.Context, r Request) (Decision, error) {
	if r.SessionID == "" {
		return Decision{}, errs.Validation("sessionId", "required for budget accounting")
	}
	c := m.Constraint(r)
	if r.Estimate.Tokens < 0 {
		r.Estimate.Tokens = 0
	}
	if r.Estimate.Cost < 0 {
		r.Estimate.Cost = 0
	}

	var warnings []string
	if reason := perOperationBreach(c, r.Estimate); reason != "" {
		if c.EnforceHardLimits {
			usage, err := m.store.Usage(ctx, r.SessionID)
			if err != nil {
				return Decision{}, err
			}
			return m.block(r, usage, reason), nil
		}
		warnings = append(warnings, reason)
	}

	var lim Limits
	if c.EnforceHardLimits {
		lim = Limits{MaxTokens: c.MaxTokensPerSession, MaxCost: c.MaxCostPerSession}
	}
	usage, ok, err := m.store.Reserve(ctx, r.SessionID, r.Estimate, lim)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return m.block(r, usage, sessionBreach(c, usage, r.Estimate)), nil
	}

	d := Decision{
		Decision:    models.BudgetAllow,
		Usage:       usage,
		Reservation: &Reservation{SessionID: r.SessionID, Amount: r.Estimate},
	}
	ratio := sessionRatio(c, usage)
	switch {
	case ratio > 1:
		warnings = append(warnings, fmt.Sprintf("session at %.0f%% of its limit", ratio*100))
	case ratio >= m.softThreshold(r, c):
		warnings = append(warnings, fmt.Sprintf("session at %.0f%% of its limit (soft threshold %.0f%%)", ratio*100, m.softThreshold(r, c)*100))
	}
	if len(warnings) > 0 {
		d.Decision = models.BudgetWarn
		d.Reason = errs.JoinReasons(warnings)
	}
	m.metrics.BudgetDecision(string(d.Decision))
	return d, nil
}

func (m *Manager) block(r Request, usage models.SessionUsage, reason string) Decision {
	m.metrics.BudgetDecision(string(models.BudgetBlock))
	m.logger.Warn("budget blocked operation",
		zap.String("session_id", r.SessionID),
		zap.String("provider_id", r.ProviderID),
		zap.String("reason", reason),
		zap.Int64("tokens_used", usage.TokensUsed),
		zap.Float64("cost_used", usage.CostUsed),
	)
	return Decision{Decision: models.BudgetBlock, Reason: reason, Usage: usage}
}

// Commit charges the actual consumption and drops the reservation. It is a
// no-op on an already settled reservation.
func (m *Manager) Commit(ctx context.Context, res *Reservation, actual Amount) (models.SessionUsage, error) {
	if res == nil || !res.settled.CompareAndSwap(false, true) {
		return models.SessionUsage{}, nil
	}
	return m.store.Settle(ctx, res.SessionID, res.Amount, actual)
}

// Release drops the reservation without charging.
func (m *Manager) Release(ctx context.Context, res *Reservation) error {
	if res == nil || !res.settled.CompareAndSwap(false, true) {
		return nil
	}
	_, err := m.store.Settle(ctx, res.SessionID, res.Amount, Amount{})
	return err
}

// Usage returns the session's running totals.
func (m *Manager) Usage(ctx context.Context, sessionID string) (models.SessionUsage, error) {
	return m.store.Usage(ctx, sessionID)
}

// Sessions lists every tracked session.
func (m *Manager) Sessions(ctx context.Context) ([]models.SessionUsage, error) {
	return m.store.Sessions(ctx)
}

// ClearSession resets usage when a session completes.
func (m *Manager) ClearSession(ctx context.Context, sessionID string) error {
	if err := m.store.Clear(ctx, sessionID); err != nil {
		return err
	}
	m.logger.Info("budget session cleared", zap.String("session_id", sessionID))
	return nil
}

func perOperationBreach(c models.BudgetConstraint, est Amount) string {
	switch {
	case c.MaxTokensPerOperation > 0 && est.Tokens > c.MaxTokensPerOperation:
		return fmt.Sprintf("operation estimate of %d tokens exceeds max_tokens_per_operation %d", est.Tokens, c.MaxTokensPerOperation)
	case c.MaxCostPerOperation > 0 && decimal.NewFromFloat(est.Cost).GreaterThan(decimal.NewFromFloat(c.MaxCostPerOperation)):
		return fmt.Sprintf("operation estimate of %.4f exceeds max_cost_per_operation %.4f", est.Cost, c.MaxCostPerOperation)
	}
	return ""
}

func sessionBreach(c models.BudgetConstraint, u models.SessionUsage, est Amount) string {
	if c.MaxTokensPerSession > 0 && u.TokensUsed+u.TokensReserved+est.Tokens > c.MaxTokensPerSession {
		return fmt.Sprintf("max_tokens_per_session %d would be exceeded", c.MaxTokensPerSession)
	}
	return fmt.Sprintf("max_cost_per_session %.4f would be exceeded", c.MaxCostPerSession)
}

// sessionRatio is the highest used+reserved share of any session limit.
func sessionRatio(c models.BudgetConstraint, u models.SessionUsage) float64 {
	var r float64
	if c.MaxTokensPerSession > 0 {
		r = float64(u.TokensUsed+u.TokensReserved) / float64(c.MaxTokensPerSession)
	}
	if c.MaxCostPerSession > 0 {
		cost := decimal.NewFromFloat(u.CostUsed).Add(decimal.NewFromFloat(u.CostReserved))
		if cr := cost.Div(decimal.NewFromFloat(c.MaxCostPerSession)).InexactFloat64(); cr > r {
			r = cr
		}
	}
	return r
}
