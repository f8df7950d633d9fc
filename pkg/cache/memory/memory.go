// Package memory is an in-process LRU cache store.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/itsacoffee/aura-orchestrator/pkg/models"
)

// Store keeps entries in an LRU list bounded by entry count and total bytes.
type Store struct {
	mu        sync.Mutex
	lru       *simplelru.LRU[string, models.CacheEntry]
	maxBytes  int64
	bytes     int64
	evictions int64
	// explicit is set while an entry is removed on request rather than
	// under pressure.
	explicit bool
}

// New creates a Store. maxEntries must be positive; maxBytes of zero
// disables the byte ceiling.
func New(maxEntries int, maxBytes int64) (*Store, error) {
	s := &Store{maxBytes: maxBytes}
	l, err := simplelru.NewLRU[string, models.CacheEntry](maxEntries, s.onEvict)
	if err != nil {
		return nil, err
	}
	s.lru = l
	return s, nil
}

func (s *Store) onEvict(_ string, e models.CacheEntry) {
	s.bytes -= e.Size()
	if !s.explicit {
		s.evictions++
	}
}

func (s *Store) remove(key string) {
	s.explicit = true
	s.lru.Remove(key)
	s.explicit = false
}

// Get returns a live entry and marks it recently used.
func (s *Store) Get(_ context.Context, key string, now time.Time) (models.CacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lru.Get(key)
	if !ok {
		return models.CacheEntry{}, false, nil
	}
	if e.Expired(now) {
		s.remove(key)
		return models.CacheEntry{}, false, nil
	}
	return e, true, nil
}

// Put inserts or replaces an entry, evicting the least recently used
// entries while over the byte ceiling.
func (s *Store) Put(_ context.Context, e models.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lru.Contains(e.Key) {
		s.remove(e.Key)
	}
	s.lru.Add(e.Key, e)
	s.bytes += e.Size()
	for s.maxBytes > 0 && s.bytes > s.maxBytes && s.lru.Len() > 1 {
		s.lru.RemoveOldest()
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(key)
	return nil
}

// Clear implements cache.Store.
func (s *Store) Clear(_ context.Context, expiredOnly bool, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, k := range s.lru.Keys() {
		e, ok := s.lru.Peek(k)
		if !ok || (expiredOnly && !e.Expired(now)) {
			continue
		}
		s.remove(k)
		n++
	}
	return n, nil
}

// Stats implements cache.Store.
func (s *Store) Stats(context.Context) (models.CacheStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.CacheStats{
		Entries:   int64(s.lru.Len()),
		Bytes:     s.bytes,
		Evictions: s.evictions,
	}, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
