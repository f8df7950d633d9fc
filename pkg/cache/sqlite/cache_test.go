package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/itsacoffee/aura-orchestrator/pkg/models"
)

func newTestStore(t *testing.T, maxEntries int, maxBytes int64) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "cache_test.db")
	s, err := New(dbPath, maxEntries, maxBytes)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func entry(key, content string, now time.Time, ttl time.Duration) models.CacheEntry {
	return models.CacheEntry{
		Key:        key,
		Content:    content,
		ProviderID: "openai",
		ModelID:    "gpt-4o",
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
}

func TestPutAndGet(t *testing.T) {
	s := newTestStore(t, 0, 0)
	ctx := context.Background()
	now := time.Now()

	if err := s.Put(ctx, entry("k1", `{"response":"hello"}`, now, time.Hour)); err != nil {
		t.Fatal(err)
	}

	e, ok, err := s.Get(ctx, "k1", now)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected cache hit")
	}
	if e.Content != `{"response":"hello"}` {
		t.Errorf("unexpected content: %s", e.Content)
	}
	if e.ProviderID != "openai" || e.ModelID != "gpt-4o" {
		t.Errorf("unexpected provenance: %s/%s", e.ProviderID, e.ModelID)
	}

	if _, ok, _ := s.Get(ctx, "k2", now); ok {
		t.Error("expected cache miss for unknown key")
	}
}

func TestTTLExpiration(t *testing.T) {
	s := newTestStore(t, 0, 0)
	ctx := context.Background()
	now := time.Now()

	if err := s.Put(ctx, entry("k", "data", now, time.Minute)); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := s.Get(ctx, "k", now.Add(2*time.Minute)); ok {
		t.Error("expected cache miss after TTL expiration")
	}
	stats, _ := s.Stats(ctx)
	if stats.Entries != 0 {
		t.Errorf("expired entry should be deleted, got %d entries", stats.Entries)
	}
}

func TestEntryCeilingEvictsLeastRecentlyUsed(t *testing.T) {
	s := newTestStore(t, 2, 0)
	ctx := context.Background()
	now := time.Now()

	_ = s.Put(ctx, entry("a", "1", now, time.Hour))
	_ = s.Put(ctx, entry("b", "2", now, time.Hour))
	if _, ok, _ := s.Get(ctx, "a", now); !ok {
		t.Fatal("expected hit for a")
	}
	_ = s.Put(ctx, entry("c", "3", now, time.Hour))

	if _, ok, _ := s.Get(ctx, "b", now); ok {
		t.Error("b was least recently used and should be evicted")
	}
	for _, k := range []string{"a", "c"} {
		if _, ok, _ := s.Get(ctx, k, now); !ok {
			t.Errorf("expected %s to survive", k)
		}
	}
	stats, _ := s.Stats(ctx)
	if stats.Evictions != 1 {
		t.Errorf("expected 1 eviction, got %d", stats.Evictions)
	}
}

func TestByteCeiling(t *testing.T) {
	big := strings.Repeat("x", 100)
	one := entry("a", big, time.Now(), time.Hour).Size()
	s := newTestStore(t, 0, 2*one)
	ctx := context.Background()
	now := time.Now()

	for _, k := range []string{"a", "b", "c"} {
		if err := s.Put(ctx, entry(k, big, now, time.Hour)); err != nil {
			t.Fatal(err)
		}
	}
	stats, _ := s.Stats(ctx)
	if stats.Entries != 2 {
		t.Errorf("expected 2 entries under byte ceiling, got %d", stats.Entries)
	}
	if stats.Bytes > 2*one {
		t.Errorf("bytes %d exceed ceiling %d", stats.Bytes, 2*one)
	}
	if _, ok, _ := s.Get(ctx, "a", now); ok {
		t.Error("oldest entry should be evicted")
	}
}

func TestClear(t *testing.T) {
	s := newTestStore(t, 0, 0)
	ctx := context.Background()
	now := time.Now()

	_ = s.Put(ctx, entry("h1", "data", now, time.Minute))
	_ = s.Put(ctx, entry("h2", "data", now, time.Hour))

	n, err := s.Clear(ctx, true, now.Add(10*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired entry removed, got %d", n)
	}

	if _, err := s.Clear(ctx, false, now); err != nil {
		t.Fatal(err)
	}
	stats, _ := s.Stats(ctx)
	if stats.Entries != 0 {
		t.Errorf("expected 0 entries after clear, got %d", stats.Entries)
	}
}

func TestClockSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache_test.db")
	ctx := context.Background()
	now := time.Now()

	s, err := New(dbPath, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Put(ctx, entry("old", "1", now, time.Hour))
	_ = s.Put(ctx, entry("new", "2", now, time.Hour))
	_ = s.Close()

	s, err = New(dbPath, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	_ = s.Put(ctx, entry("newest", "3", now, time.Hour))

	if _, ok, _ := s.Get(ctx, "old", now); ok {
		t.Error("entries written before reopen must still age out first")
	}
}
