// Package store defines the optional key/value persistence used to carry the
// response cache and offline queue across restarts. Losing its contents is
// always safe.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("store: not found")

// Store is a host-provided key/value store.
type Store interface {
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores value under key. A zero ttl never expires.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Scan returns every live entry whose key starts with prefix, keyed by
	// the full key.
	Scan(ctx context.Context, prefix string) (map[string][]byte, error)
	// Close releases resources.
	Close() error
}

// RangeStore is implemented by stores that can count and clear a key range
// without loading it.
type RangeStore interface {
	Count(ctx context.Context, prefix string) (int64, error)
	Clear(ctx context.Context, prefix string, expiredOnly bool) (int64, error)
}

// CountPrefix returns the number of live entries under prefix.
func CountPrefix(ctx context.Context, s Store, prefix string) (int64, error) {
	if rs, ok := s.(RangeStore); ok {
		return rs.Count(ctx, prefix)
	}
	entries, err := s.Scan(ctx, prefix)
	if err != nil {
		return 0, err
	}
	return int64(len(entries)), nil
}

// ClearPrefix removes entries under prefix and returns how many went. Stores
// without range deletes expire entries themselves, so expiredOnly has nothing
// to do there.
func ClearPrefix(ctx context.Context, s Store, prefix string, expiredOnly bool) (int64, error) {
	if rs, ok := s.(RangeStore); ok {
		return rs.Clear(ctx, prefix, expiredOnly)
	}
	if expiredOnly {
		return 0, nil
	}
	entries, err := s.Scan(ctx, prefix)
	if err != nil {
		return 0, err
	}
	var removed int64
	for key := range entries {
		if err := s.Delete(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
