package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsacoffee/aura-orchestrator/pkg/cache/memory"
	"github.com/itsacoffee/aura-orchestrator/pkg/models"
)

func newTestCache(t *testing.T, now func() time.Time) *Cache {
	t.Helper()
	store, err := memory.New(100, 0)
	require.NoError(t, err)
	return New(store, Options{
		DefaultTTL:     time.Hour,
		VolatileFields: []string{"timestamp", "request_id", "requestId"},
		Now:            now,
	})
}

func TestKeyIgnoresVolatileFieldsAndKeyOrder(t *testing.T) {
	c := newTestCache(t, nil)
	base := KeyInput{OperationType: models.OpPlanning, Stage: "script", ProviderID: "openai", ModelID: "gpt-4o"}

	a := base
	a.Payload = json.RawMessage(`{"topic":"bees","timestamp":"2026-01-01T00:00:00Z","opts":{"len":3,"request_id":"r1"}}`)
	b := base
	b.Payload = json.RawMessage(`{"opts":{"request_id":"r2","len":3},"topic":"bees","TIMESTAMP":"later"}`)
	assert.Equal(t, c.Key(a), c.Key(b))

	d := base
	d.Payload = json.RawMessage(`{"topic":"wasps"}`)
	assert.NotEqual(t, c.Key(a), c.Key(d))
}

func TestKeyIncludesTuple(t *testing.T) {
	c := newTestCache(t, nil)
	base := KeyInput{OperationType: models.OpPlanning, Stage: "script", ProviderID: "openai", ModelID: "gpt-4o", Prompt: "hi"}

	variants := []KeyInput{base, base, base, base, base}
	variants[1].OperationType = models.OpSceneAnalysis
	variants[2].Stage = "storyboard"
	variants[3].ProviderID = "anthropic"
	variants[4].ModelID = "gpt-4o-mini"

	seen := map[string]bool{}
	for _, v := range variants {
		seen[c.Key(v)] = true
	}
	assert.Len(t, seen, len(variants))

	spaced := base
	spaced.Prompt = "  hi\r\n"
	assert.Equal(t, c.Key(base), c.Key(spaced))
}

func TestKeyToleratesNonJSONPayload(t *testing.T) {
	c := newTestCache(t, nil)
	in := KeyInput{Payload: json.RawMessage("not json")}
	assert.Equal(t, c.Key(in), c.Key(in))
	assert.Len(t, c.Key(in), 64)
}

func TestLookupStoreAndStats(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newTestCache(t, func() time.Time { return now })

	_, ok := c.Lookup(ctx, "k")
	assert.False(t, ok)

	require.NoError(t, c.Store(ctx, "k", "content", "openai", "gpt-4o", 0))
	e, ok := c.Lookup(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "content", e.Content)
	assert.Equal(t, now.Add(time.Hour), e.ExpiresAt)

	require.NoError(t, c.Store(ctx, "short", "x", "", "", time.Second))
	now = now.Add(2 * time.Second)
	_, ok = c.Lookup(ctx, "short")
	assert.False(t, ok)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, int64(1), stats.Entries)

	require.NoError(t, c.Invalidate(ctx, "k"))
	_, ok = c.Lookup(ctx, "k")
	assert.False(t, ok)
}

func TestEligible(t *testing.T) {
	assert.True(t, Eligible(&models.OperationRequest{EnableCache: true, OperationType: models.OpPlanning}))
	assert.False(t, Eligible(&models.OperationRequest{EnableCache: false, OperationType: models.OpPlanning}))
	assert.False(t, Eligible(&models.OperationRequest{EnableCache: true, OperationType: models.OpCreative}))
	assert.False(t, Eligible(&models.OperationRequest{EnableCache: true, OperationType: models.OpImageGeneration}))
}
