package models

import "time"

// CacheEntry stores a cached provider response.
type CacheEntry struct {
	Key        string    `json:"cache_key"`
	Content    string    `json:"content"`
	ProviderID string    `json:"provider_id,omitempty"`
	ModelID    string    `json:"model_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the entry is past its TTL at now.
func (e CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Size approximates the entry's memory footprint in bytes.
func (e CacheEntry) Size() int64 {
	return int64(len(e.Key) + len(e.Content) + len(e.ProviderID) + len(e.ModelID))
}

// CacheStats reports cache performance metrics.
type CacheStats struct {
	Entries   int64 `json:"entries"`
	Bytes     int64 `json:"bytes"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}
