package budget

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/itsacoffee/aura-orchestrator/pkg/models"
)

// Amount is a token and cost quantity.
type Amount struct {
	Tokens int64
	Cost   float64
}

// Limits are the hard session ceilings a Store enforces atomically with a
// reservation. Zero means unlimited.
type Limits struct {
	MaxTokens int64
	MaxCost   float64
}

// Store keeps per-session usage. Reserve must check and reserve as one
// atomic step so concurrent operations in one session cannot overspend.
type Store interface {
	// Reserve adds amt to the session's reservations unless
	// used+reserved+amt would exceed lim. It returns the usage after the
	// call and whether the reservation was made.
	Reserve(ctx context.Context, sessionID string, amt Amount, lim Limits) (models.SessionUsage, bool, error)
	// Settle drops a reservation and adds actual to the used totals.
	Settle(ctx context.Context, sessionID string, reserved, actual Amount) (models.SessionUsage, error)
	Usage(ctx context.Context, sessionID string) (models.SessionUsage, error)
	Sessions(ctx context.Context) ([]models.SessionUsage, error)
	Clear(ctx context.Context, sessionID string) error
}

type memSession struct {
	mu sync.Mutex

	tokensUsed     int64
	tokensReserved int64
	costUsed       decimal.Decimal
	costReserved   decimal.Decimal
	updatedAt      time.Time
}

func (s *memSession) usage(id string) models.SessionUsage {
	return models.SessionUsage{
		SessionID:      id,
		TokensUsed:     s.tokensUsed,
		CostUsed:       s.costUsed.InexactFloat64(),
		TokensReserved: s.tokensReserved,
		CostReserved:   s.costReserved.InexactFloat64(),
		UpdatedAt:      s.updatedAt,
	}
}

// MemoryStore is an in-process Store with one lock per session. Costs are
// accumulated as decimals so repeated small charges do not drift.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memSession
	now      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memSession), now: time.Now}
}

func (m *MemoryStore) session(id string, create bool) *memSession {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok || !create {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.sessions[id]; ok {
		return s
	}
	s = &memSession{}
	m.sessions[id] = s
	return s
}

// Reserve implements Store.
func (m *MemoryStore) Reserve(_ context.Context, sessionID string, amt Amount, lim Limits) (models.SessionUsage, bool, error) {
	s := m.session(sessionID, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	cost := decimal.NewFromFloat(amt.Cost)
	if lim.MaxTokens > 0 && s.tokensUsed+s.tokensReserved+amt.Tokens > lim.MaxTokens {
		return s.usage(sessionID), false, nil
	}
	if lim.MaxCost > 0 && s.costUsed.Add(s.costReserved).Add(cost).GreaterThan(decimal.NewFromFloat(lim.MaxCost)) {
		return s.usage(sessionID), false, nil
	}
	s.tokensReserved += amt.Tokens
	s.costReserved = s.costReserved.Add(cost)
	s.updatedAt = m.now()
	return s.usage(sessionID), true, nil
}

// Settle implements Store.
func (m *MemoryStore) Settle(_ context.Context, sessionID string, reserved, actual Amount) (models.SessionUsage, error) {
	s := m.session(sessionID, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokensReserved -= reserved.Tokens
	if s.tokensReserved < 0 {
		s.tokensReserved = 0
	}
	s.costReserved = s.costReserved.Sub(decimal.NewFromFloat(reserved.Cost))
	if s.costReserved.IsNegative() {
		s.costReserved = decimal.Zero
	}
	if actual.Tokens > 0 {
		s.tokensUsed += actual.Tokens
	}
	if actual.Cost > 0 {
		s.costUsed = s.costUsed.Add(decimal.NewFromFloat(actual.Cost))
	}
	s.updatedAt = m.now()
	return s.usage(sessionID), nil
}

// Usage implements Store.
func (m *MemoryStore) Usage(_ context.Context, sessionID string) (models.SessionUsage, error) {
	s := m.session(sessionID, false)
	if s == nil {
		return models.SessionUsage{SessionID: sessionID}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage(sessionID), nil
}

// Sessions implements Store.
func (m *MemoryStore) Sessions(ctx context.Context) ([]models.SessionUsage, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	out := make([]models.SessionUsage, 0, len(ids))
	for _, id := range ids {
		u, _ := m.Usage(ctx, id)
		out = append(out, u)
	}
	return out, nil
}

// Clear implements Store.
func (m *MemoryStore) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	return nil
}
