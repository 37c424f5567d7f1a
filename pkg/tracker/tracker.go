package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/genrelay/pkg/models"
)

// Tracker records and queries outbound call usage.
type Tracker interface {
	// Record stores a usage record.
	Record(ctx context.Context, rec models.UsageRecord) error
	// Recent returns usage records since a given time, newest first.
	Recent(ctx context.Context, since time.Time, limit int) ([]models.UsageRecord, error)
	// TotalByModel returns total tokens used by a model since a given time.
	// An empty model or "*" sums every model.
	TotalByModel(ctx context.Context, model string, since time.Time) (int64, error)
	// Summary returns per-model aggregates.
	Summary(ctx context.Context) ([]models.UsageSummary, error)
	// Close releases resources.
	Close() error
}

// SQLiteTracker implements Tracker with a SQLite database.
type SQLiteTracker struct {
	db *sql.DB
}

const createTable = `
CREATE TABLE IF NOT EXISTS usage_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_key TEXT NOT NULL,
	model TEXT NOT NULL,
	style TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	status_code INTEGER NOT NULL DEFAULT 0,
	outcome TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_usage_model_time ON usage_records(model, created_at);
CREATE INDEX IF NOT EXISTS idx_usage_key ON usage_records(request_key);
`

// New creates a SQLiteTracker and runs auto-migration.
func New(dbPath string) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tracker db: %w", err)
	}

	return &SQLiteTracker{db: db}, nil
}

// Record stores a usage record.
func (t *SQLiteTracker) Record(ctx context.Context, rec models.UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO usage_records (request_key, model, style, provider, status_code, outcome,
		 prompt_tokens, completion_tokens, total_tokens, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestKey, rec.Model, rec.Style, rec.Provider, rec.StatusCode, rec.Outcome,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.LatencyMs, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Recent returns usage records since a given time, newest first. A
// non-positive limit returns every match.
func (t *SQLiteTracker) Recent(ctx context.Context, since time.Time, limit int) ([]models.UsageRecord, error) {
	query := `SELECT id, request_key, model, style, provider, status_code, outcome,
		 prompt_tokens, completion_tokens, total_tokens, latency_ms, created_at
		 FROM usage_records WHERE created_at >= ? ORDER BY created_at DESC, id DESC`
	args := []any{since}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var records []models.UsageRecord
	for rows.Next() {
		var r models.UsageRecord
		if err := rows.Scan(&r.ID, &r.RequestKey, &r.Model, &r.Style, &r.Provider, &r.StatusCode, &r.Outcome,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.LatencyMs, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// TotalByModel returns total tokens used by a model since a given time.
func (t *SQLiteTracker) TotalByModel(ctx context.Context, model string, since time.Time) (int64, error) {
	query := `SELECT COALESCE(SUM(total_tokens), 0) FROM usage_records WHERE created_at >= ?`
	args := []any{since}
	if model != "" && model != "*" {
		query += ` AND model = ? COLLATE NOCASE`
		args = append(args, model)
	}
	var total int64
	if err := t.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("total usage: %w", err)
	}
	return total, nil
}

// Summary returns aggregated usage grouped by model.
func (t *SQLiteTracker) Summary(ctx context.Context) ([]models.UsageSummary, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT model, COUNT(*), SUM(CASE WHEN outcome = 'ok' THEN 0 ELSE 1 END),
		 SUM(prompt_tokens), SUM(completion_tokens), SUM(total_tokens), CAST(AVG(latency_ms) AS INTEGER)
		 FROM usage_records GROUP BY model ORDER BY model`)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.UsageSummary
	for rows.Next() {
		var s models.UsageSummary
		if err := rows.Scan(&s.Model, &s.Calls, &s.Failures, &s.TotalPrompt, &s.TotalCompletion, &s.TotalTokens, &s.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Close releases the database connection.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}
