// Package sqlite implements store.Store on a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/genrelay/pkg/store"
)

// Store is a key/value table with per-entry expiry.
type Store struct {
	db *sql.DB
}

const createKVTable = `
CREATE TABLE IF NOT EXISTS kv_entries (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	expires_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv_entries(expires_at);
`

// New opens (or creates) the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}

	if _, err := db.Exec(createKVTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store db: %w", err)
	}

	return &Store{db: db}, nil
}

func expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return time.Now().Add(ttl).UnixNano()
}

// Get retrieves a live value.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv_entries WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store get: %w", err)
	}
	if expiresAt != 0 && time.Now().UnixNano() > expiresAt {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key)
		return nil, store.ErrNotFound
	}
	return value, nil
}

// Put stores a value with an optional TTL.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv_entries (key, value, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		key, value, time.Now().UTC(), expiry(ttl),
	)
	if err != nil {
		return fmt.Errorf("store put: %w", err)
	}
	return nil
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("store delete: %w", err)
	}
	return nil
}

// Scan returns all live entries under prefix.
func (s *Store) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv_entries
		 WHERE key >= ? AND (expires_at = 0 OR expires_at > ?)
		 ORDER BY key`,
		prefix, time.Now().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("store scan: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if !strings.HasPrefix(key, prefix) {
			break
		}
		out[key] = value
	}
	return out, rows.Err()
}

// Count returns the number of live entries under prefix.
func (s *Store) Count(ctx context.Context, prefix string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM kv_entries WHERE substr(key, 1, ?) = ? AND (expires_at = 0 OR expires_at > ?)`,
		len(prefix), prefix, time.Now().UnixNano(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store count: %w", err)
	}
	return count, nil
}

// Clear removes entries under prefix. If expiredOnly is true, only expired
// entries are removed.
func (s *Store) Clear(ctx context.Context, prefix string, expiredOnly bool) (int64, error) {
	query := `DELETE FROM kv_entries WHERE substr(key, 1, ?) = ?`
	args := []any{len(prefix), prefix}
	if expiredOnly {
		query += ` AND expires_at != 0 AND expires_at <= ?`
		args = append(args, time.Now().UnixNano())
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("store clear: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

var (
	_ store.Store      = (*Store)(nil)
	_ store.RangeStore = (*Store)(nil)
)
