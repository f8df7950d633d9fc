// Package sqlite is a persistent cache store backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/itsacoffee/aura-orchestrator/pkg/models"
)

// Store keeps cache entries in SQLite, evicting by last access.
type Store struct {
	db         *sql.DB
	maxEntries int
	maxBytes   int64
	evictions  atomic.Int64
	// clock orders accesses; last_access holds its value, not wall time.
	clock atomic.Int64
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	cache_key TEXT PRIMARY KEY,
	content BLOB NOT NULL,
	provider_id TEXT NOT NULL DEFAULT '',
	model_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0,
	last_access INTEGER NOT NULL,
	size INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_last_access ON cache_entries(last_access);
`

// New opens (or creates) the cache database at dbPath. Zero ceilings are
// unlimited.
func New(dbPath string, maxEntries int, maxBytes int64) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	s := &Store{db: db, maxEntries: maxEntries, maxBytes: maxBytes}
	var last int64
	if err := db.QueryRow(`SELECT COALESCE(MAX(last_access), 0) FROM cache_entries`).Scan(&last); err != nil {
		db.Close()
		return nil, fmt.Errorf("read cache clock: %w", err)
	}
	s.clock.Store(last)
	return s, nil
}

// Get retrieves a live entry and refreshes its last access time.
func (s *Store) Get(ctx context.Context, key string, now time.Time) (models.CacheEntry, bool, error) {
	var (
		e                    models.CacheEntry
		content              []byte
		createdAt, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT content, provider_id, model_id, created_at, expires_at FROM cache_entries WHERE cache_key = ?`,
		key,
	).Scan(&content, &e.ProviderID, &e.ModelID, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CacheEntry{}, false, nil
	}
	if err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("cache get: %w", err)
	}

	e.Key = key
	e.Content = string(content)
	e.CreatedAt = time.UnixMilli(createdAt)
	if expiresAt > 0 {
		e.ExpiresAt = time.UnixMilli(expiresAt)
	}
	if e.Expired(now) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_key = ?`, key); err != nil {
			return models.CacheEntry{}, false, fmt.Errorf("cache expire: %w", err)
		}
		return models.CacheEntry{}, false, nil
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE cache_entries SET last_access = ? WHERE cache_key = ?`, s.clock.Add(1), key,
	); err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("cache touch: %w", err)
	}
	return e, true, nil
}

// Put stores an entry and evicts least recently used entries beyond the
// ceilings.
func (s *Store) Put(ctx context.Context, e models.CacheEntry) error {
	var expiresAt int64
	if !e.ExpiresAt.IsZero() {
		expiresAt = e.ExpiresAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries
		 (cache_key, content, provider_id, model_id, created_at, expires_at, last_access, size)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Key, []byte(e.Content), e.ProviderID, e.ModelID,
		e.CreatedAt.UnixMilli(), expiresAt, s.clock.Add(1), e.Size(),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return s.evict(ctx)
}

func (s *Store) evict(ctx context.Context) error {
	if s.maxEntries > 0 {
		var count int64
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&count); err != nil {
			return fmt.Errorf("cache count: %w", err)
		}
		if over := count - int64(s.maxEntries); over > 0 {
			res, err := s.db.ExecContext(ctx,
				`DELETE FROM cache_entries WHERE cache_key IN (
					SELECT cache_key FROM cache_entries ORDER BY last_access ASC LIMIT ?)`,
				over,
			)
			if err != nil {
				return fmt.Errorf("cache evict: %w", err)
			}
			n, _ := res.RowsAffected()
			s.evictions.Add(n)
		}
	}
	if s.maxBytes <= 0 {
		return nil
	}
	for {
		var total, count int64
		if err := s.db.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(size), 0), COUNT(*) FROM cache_entries`,
		).Scan(&total, &count); err != nil {
			return fmt.Errorf("cache size: %w", err)
		}
		if total <= s.maxBytes || count <= 1 {
			return nil
		}
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE cache_key = (
				SELECT cache_key FROM cache_entries ORDER BY last_access ASC LIMIT 1)`,
		); err != nil {
			return fmt.Errorf("cache evict: %w", err)
		}
		s.evictions.Add(1)
	}
}

// Delete removes one entry.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_key = ?`, key); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// Clear removes cache entries. If expiredOnly is true, only expired entries are removed.
func (s *Store) Clear(ctx context.Context, expiredOnly bool, now time.Time) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if expiredOnly {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE expires_at > 0 AND expires_at <= ?`, now.UnixMilli())
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	}
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Stats returns entry, byte and eviction counts.
func (s *Store) Stats(ctx context.Context) (models.CacheStats, error) {
	var count, size int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM cache_entries`,
	).Scan(&count, &size)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{
		Entries:   count,
		Bytes:     size,
		Evictions: s.evictions.Load(),
	}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
