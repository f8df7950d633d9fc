// Package selection persists the model selections the resolver consults.
// A selection occupies one slot per (scope, session, stage, family); a later
// Put for the same slot supersedes the earlier one.
package selection

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/itsacoffee/aura-orchestrator/pkg/errs"
	"github.com/itsacoffee/aura-orchestrator/pkg/models"
)

// Store is a key-value store of selections.
type Store interface {
	// Put inserts or replaces the selection occupying sel.Key().
	Put(ctx context.Context, sel models.ModelSelection) error
	// Delete removes the selection in slot key and reports whether one existed.
	Delete(ctx context.Context, key models.SelectionKey) (bool, error)
	// List returns run-scoped selections of sessionID plus every selection
	// that is not run-scoped. An empty sessionID lists everything.
	List(ctx context.Context, sessionID string) ([]models.ModelSelection, error)
	// ClearSession removes every run-scoped selection of sessionID.
	ClearSession(ctx context.Context, sessionID string) (int, error)
	Close() error
}

// Prepare validates and normalizes sel before it is stored.
func Prepare(sel models.ModelSelection, now time.Time) (models.ModelSelection, error) {
	sel = sel.Normalize()
	switch {
	case sel.Scope == models.ScopeUnknown:
		return sel, errs.Validation("scope", "is required")
	case sel.ProviderID == "":
		return sel, errs.Validation("providerId", "is required")
	case sel.Scope.RunScoped() && sel.SessionID == "":
		return sel, errs.Validation("sessionId", "is required for %s selections", sel.Scope)
	}
	if sel.Family != "" && !sel.Family.Valid() {
		return sel, errs.Validation("family", "unknown provider family %q", sel.Family)
	}
	if sel.CreatedAt.IsZero() {
		sel.CreatedAt = now
	}
	return sel, nil
}

func visible(sel models.ModelSelection, sessionID string) bool {
	return sessionID == "" || !sel.Scope.RunScoped() || sel.SessionID == sessionID
}

// Sort orders selections by precedence, then stage, family and age.
func Sort(sels []models.ModelSelection) {
	sort.SliceStable(sels, func(i, j int) bool {
		a, b := sels[i], sels[j]
		if a.Scope != b.Scope {
			return a.Scope < b.Scope
		}
		if a.SessionID != b.SessionID {
			return a.SessionID < b.SessionID
		}
		if a.Stage != b.Stage {
			return a.Stage < b.Stage
		}
		if a.Family != b.Family {
			return a.Family < b.Family
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

// MemoryStore keeps selections in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	sels map[models.SelectionKey]models.ModelSelection
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sels: make(map[models.SelectionKey]models.ModelSelection)}
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, sel models.ModelSelection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sels[sel.Key()] = sel
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, key models.SelectionKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sels[key]
	delete(m.sels, key)
	return ok, nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, sessionID string) ([]models.ModelSelection, error) {
	m.mu.RLock()
	out := make([]models.ModelSelection, 0, len(m.sels))
	for _, sel := range m.sels {
		if visible(sel, sessionID) {
			out = append(out, sel)
		}
	}
	m.mu.RUnlock()
	Sort(out)
	return out, nil
}

// ClearSession implements Store.
func (m *MemoryStore) ClearSession(_ context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, sel := range m.sels {
		if sel.Scope.RunScoped() && sel.SessionID == sessionID {
			delete(m.sels, k)
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
