// Package cache is the content-addressed response cache consulted before
// dispatch. Keys hash the normalized request so semantically identical
// requests collide regardless of volatile fields.
package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/itsacoffee/aura-orchestrator/pkg/metrics"
	"github.com/itsacoffee/aura-orchestrator/pkg/models"
)

// Store persists entries. Implementations evict least-recently-used entries
// once their entry or byte ceiling is reached.
type Store interface {
	Get(ctx context.Context, key string, now time.Time) (models.CacheEntry, bool, error)
	Put(ctx context.Context, e models.CacheEntry) error
	Delete(ctx context.Context, key string) error
	// Clear removes all entries, or only those expired at now.
	Clear(ctx context.Context, expiredOnly bool, now time.Time) (int64, error)
	// Stats fills Entries, Bytes and Evictions.
	Stats(ctx context.Context) (models.CacheStats, error)
	Close() error
}

// KeyInput is the tuple a cache key is derived from.
type KeyInput struct {
	OperationType models.OperationType
	Stage         string
	ProviderID    string
	ModelID       string
	Prompt        string
	Payload       json.RawMessage
}

// Options configure a Cache.
type Options struct {
	DefaultTTL     time.Duration
	VolatileFields []string
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

// Cache wraps a Store with key derivation and hit accounting.
type Cache struct {
	store      Store
	defaultTTL time.Duration
	volatile   map[string]bool
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a Cache over store.
func New(store Store, opts Options) *Cache {
	c := &Cache{
		store:      store,
		defaultTTL: opts.DefaultTTL,
		volatile:   make(map[string]bool, len(opts.VolatileFields)),
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		now:        opts.Now,
	}
	for _, f := range opts.VolatileFields {
		c.volatile[strings.ToLower(f)] = true
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Eligible reports whether a request may be served from or stored in the
// cache. Non-deterministic operation types never are.
func Eligible(req *models.OperationRequest) bool {
	return req.EnableCache && req.OperationType.Deterministic()
}

// Key returns a stable hash of the normalized input.
func (c *Cache) Key(in KeyInput) string {
	canonical := struct {
		OperationType models.OperationType `json:"op"`
		Stage         string               `json:"stage"`
		ProviderID    string               `json:"provider"`
		ModelID       string               `json:"model"`
		Prompt        string               `json:"prompt"`
		Payload       any                  `json:"payload"`
	}{
		OperationType: in.OperationType,
		Stage:         in.Stage,
		ProviderID:    in.ProviderID,
		ModelID:       in.ModelID,
		Prompt:        normalizeText(in.Prompt),
		Payload:       c.normalizePayload(in.Payload),
	}
	// Maps marshal with sorted keys, so the encoding is canonical.
	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func normalizeText(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
}

func (c *Cache) normalizePayload(raw json.RawMessage) any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return normalizeText(string(raw))
	}
	return c.strip(v)
}

// strip removes volatile fields at any depth.
func (c *Cache) strip(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if c.volatile[strings.ToLower(k)] {
				continue
			}
			out[k] = c.strip(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = c.strip(val)
		}
		return out
	case string:
		return normalizeText(t)
	}
	return v
}

// Lookup returns the cached entry for key. Store errors count as misses.
func (c *Cache) Lookup(ctx context.Context, key string) (models.CacheEntry, bool) {
	e, ok, err := c.store.Get(ctx, key, c.now())
	if err != nil {
		c.logger.Warn("cache lookup failed", zap.String("cache_key", key), zap.Error(err))
		ok = false
	}
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	c.metrics.CacheLookup(ok)
	return e, ok
}

// Store saves content under key for ttl, or the default TTL when ttl is zero.
func (c *Cache) Store(ctx context.Context, key, content, providerID, modelID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := c.now()
	e := models.CacheEntry{
		Key:        key,
		Content:    content,
		ProviderID: providerID,
		ModelID:    modelID,
		CreatedAt:  now,
	}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	if err := c.store.Put(ctx, e); err != nil {
		return fmt.Errorf("cache store: %w", err)
	}
	return nil
}

// Invalidate removes key.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	return c.store.Delete(ctx, key)
}

// Clear removes entries; see Store.Clear.
func (c *Cache) Clear(ctx context.Context, expiredOnly bool) (int64, error) {
	return c.store.Clear(ctx, expiredOnly, c.now())
}

// Stats combines store counters with hit accounting.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	s, err := c.store.Stats(ctx)
	if err != nil {
		return models.CacheStats{}, err
	}
	s.Hits = c.hits.Load()
	s.Misses = c.misses.Load()
	return s, nil
}

// Close closes the store.
func (c *Cache) Close() error {
	return c.store.Close()
}
