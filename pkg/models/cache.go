package models

import "time"

// CacheEntry is the persisted form of a cached generation result.
type CacheEntry struct {
	Key       string    `json:"key"`
	Result    Result    `json:"result"`
	CreatedAt time.Time `json:"created_at"`
}

// CacheStats reports cache performance metrics.
type CacheStats struct {
	Entries     int64 `json:"entries"`
	Bytes       int64 `json:"bytes"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
	Rejected    int64 `json:"rejected"`
}
