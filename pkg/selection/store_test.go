package selection

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsacoffee/aura-orchestrator/pkg/errs"
	"github.com/itsacoffee/aura-orchestrator/pkg/models"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sq,
		"redis":  NewRedisStore(client, "test"),
	}
}

func mustPrepare(t *testing.T, sel models.ModelSelection, at time.Time) models.ModelSelection {
	t.Helper()
	out, err := Prepare(sel, at)
	require.NoError(t, err)
	return out
}

func TestPrepare(t *testing.T) {
	now := time.Now()

	sel := mustPrepare(t, models.ModelSelection{
		Scope: models.ScopeRunOverride, SessionID: "s1", ProviderID: "openai", IsPinned: true,
	}, now)
	assert.Equal(t, models.ScopeRunPinned, sel.Scope)
	assert.True(t, sel.IsPinned)
	assert.Equal(t, now, sel.CreatedAt)

	sel = mustPrepare(t, models.ModelSelection{
		Scope: models.ScopeGlobalDefault, SessionID: "ignored", ProviderID: "openai", IsPinned: true,
	}, now)
	assert.Empty(t, sel.SessionID)
	assert.False(t, sel.IsPinned)

	bad := []models.ModelSelection{
		{ProviderID: "openai"},
		{Scope: models.ScopeGlobalDefault},
		{Scope: models.ScopeRunOverride, ProviderID: "openai"},
		{Scope: models.ScopeGlobalDefault, ProviderID: "openai", Family: "music"},
	}
	for _, b := range bad {
		_, err := Prepare(b, now)
		assert.Equal(t, errs.KindValidation, errs.KindOf(err), "%+v", b)
	}
}

func TestStores(t *testing.T) {
	base := time.Now().Truncate(time.Millisecond)
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			global := mustPrepare(t, models.ModelSelection{Scope: models.ScopeGlobalDefault, ProviderID: "openai", ModelID: "gpt-4o"}, base)
			stage := mustPrepare(t, models.ModelSelection{Scope: models.ScopeStagePinned, Stage: "script", ProviderID: "anthropic", ModelID: "claude"}, base)
			run1 := mustPrepare(t, models.ModelSelection{Scope: models.ScopeRunOverride, SessionID: "s1", ProviderID: "local"}, base)
			run2 := mustPrepare(t, models.ModelSelection{Scope: models.ScopeRunPinned, SessionID: "s2", ProviderID: "local"}, base)
			for _, sel := range []models.ModelSelection{global, stage, run1, run2} {
				require.NoError(t, store.Put(ctx, sel))
			}

			all, err := store.List(ctx, "")
			require.NoError(t, err)
			require.Len(t, all, 4)
			assert.Equal(t, models.ScopeRunPinned, all[0].Scope)
			assert.Equal(t, models.ScopeGlobalDefault, all[3].Scope)

			s1, err := store.List(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, s1, 3)
			assert.Equal(t, models.ScopeRunOverride, s1[0].Scope)
			assert.Equal(t, "s1", s1[0].SessionID)
			assert.Equal(t, base, s1[0].CreatedAt.Truncate(time.Millisecond))

			replaced := global
			replaced.ModelID = "gpt-4o-mini"
			require.NoError(t, store.Put(ctx, replaced))
			s1, _ = store.List(ctx, "s1")
			assert.Equal(t, "gpt-4o-mini", s1[2].ModelID)
			assert.Len(t, s1, 3, "same slot is superseded, not duplicated")

			n, err := store.ClearSession(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			all, _ = store.List(ctx, "")
			assert.Len(t, all, 3)

			ok, err := store.Delete(ctx, stage.Key())
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = store.Delete(ctx, stage.Key())
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestRedisStoreRejectsUndecodableEntry(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStore(client, "test")

	require.NoError(t, store.Put(ctx, mustPrepare(t, models.ModelSelection{Scope: models.ScopeGlobalDefault, ProviderID: "openai"}, time.Now())))
	require.NoError(t, client.HSet(ctx, "test:selections", "stage_pinned||script|", "{not json").Err())

	_, err := store.List(ctx, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage_pinned||script|")
}
