package budget

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/itsacoffee/aura-orchestrator/pkg/models"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "test", time.Hour), mr
}

func TestRedisReserveAndSettle(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)

	u, ok, err := s.Reserve(ctx, "s1", Amount{Tokens: 100, Cost: 0.6}, Limits{MaxCost: 1.0})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(100), u.TokensReserved)
	assert.InDelta(t, 0.6, u.CostReserved, 1e-9)
	assert.Equal(t, time.Hour, mr.TTL("test:budget:s1"))

	_, ok, err = s.Reserve(ctx, "s1", Amount{Tokens: 100, Cost: 0.6}, Limits{MaxCost: 1.0})
	require.NoError(t, err)
	assert.False(t, ok)

	u, err = s.Settle(ctx, "s1", Amount{Tokens: 100, Cost: 0.6}, Amount{Tokens: 80, Cost: 0.5})
	require.NoError(t, err)
	assert.Equal(t, int64(80), u.TokensUsed)
	assert.InDelta(t, 0.5, u.CostUsed, 1e-9)
	assert.Zero(t, u.TokensReserved)
	assert.InDelta(t, 0, u.CostReserved, 1e-9)

	got, err := s.Usage(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(80), got.TokensUsed)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestRedisTokenLimit(t *testing.T) {
	ctx := context.Background()
	s, _ := newRedisStore(t)

	_, ok, err := s.Reserve(ctx, "s", Amount{Tokens: 900}, Limits{MaxTokens: 1000})
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = s.Reserve(ctx, "s", Amount{Tokens: 101}, Limits{MaxTokens: 1000})
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = s.Reserve(ctx, "s", Amount{Tokens: 100}, Limits{MaxTokens: 1000})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisManagerConcurrent(t *testing.T) {
	ctx := context.Background()
	s, _ := newRedisStore(t)
	m := NewManager(s, Settings{SoftThreshold: 0.8}, nil, nil)

	results := make([]models.BudgetDecision, 10)
	var g errgroup.Group
	for i := range results {
		g.Go(func() error {
			d, err := m.CheckAndReserve(ctx, Request{SessionID: "s", Constraint: hardCost(1.0), Estimate: Amount{Cost: 0.6}})
			results[i] = d.Decision
			return err
		})
	}
	require.NoError(t, g.Wait())

	var blocked int
	for _, d := range results {
		if d == models.BudgetBlock {
			blocked++
		}
	}
	assert.Equal(t, 9, blocked)
}

func TestRedisSessionsAndClear(t *testing.T) {
	ctx := context.Background()
	s, _ := newRedisStore(t)

	for _, id := range []string{"b", "a"} {
		_, err := s.Settle(ctx, id, Amount{}, Amount{Tokens: 1, Cost: 0.01})
		require.NoError(t, err)
	}
	sessions, err := s.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "a", sessions[0].SessionID)

	require.NoError(t, s.Clear(ctx, "a"))
	u, err := s.Usage(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, u.TokensUsed)
	sessions, _ = s.Sessions(ctx)
	assert.Len(t, sessions, 1)
}
