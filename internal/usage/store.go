// Package usage keeps an append-only ledger of model token usage in
// SQLite. It is telemetry only: conversations never read from it.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Record is the token usage of one model call.
type Record struct {
	ID           string
	Timestamp    time.Time
	TraceID      string
	SessionKey   string // sender id; empty for the console
	Source       string // "whatsapp" or "console"
	Model        string
	Provider     string
	InputTokens  int
	OutputTokens int
}

// Summary is an aggregate over a set of records.
type Summary struct {
	Records      int   `json:"records"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

const schema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id            TEXT PRIMARY KEY,
	at            INTEGER NOT NULL,
	trace_id      TEXT NOT NULL,
	session_key   TEXT NOT NULL DEFAULT '',
	source        TEXT NOT NULL,
	model         TEXT NOT NULL,
	provider      TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS usage_records_at ON usage_records(at);
`

// Store is the ledger. Methods are safe for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore opens the ledger at path, creating it when missing.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open usage ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create usage schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Record appends rec. A missing ID gets a UUIDv7 and a zero Timestamp
// means now.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("usage record id: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records (id, at, trace_id, session_key, source, model, provider, input_tokens, output_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.Unix(), rec.TraceID, rec.SessionKey, rec.Source,
		rec.Model, rec.Provider, rec.InputTokens, rec.OutputTokens)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary totals the records in [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	var sum Summary
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records WHERE at >= ? AND at < ?`,
		start.Unix(), end.Unix(),
	).Scan(&sum.Records, &sum.InputTokens, &sum.OutputTokens)
	if err != nil {
		return nil, fmt.Errorf("usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel totals the records in [start, end) per model.
func (s *Store) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.grouped(ctx, "model", start, end)
}

// SummaryBySource totals the records in [start, end) per source.
func (s *Store) SummaryBySource(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.grouped(ctx, "source", start, end)
}

// SummaryBySender totals the records in [start, end) per sender. The
// console is grouped under "".
func (s *Store) SummaryBySender(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.grouped(ctx, "session_key", start, end)
}

// grouped is only called with the fixed column names above.
func (s *Store) grouped(ctx context.Context, column string, start, end time.Time) (map[string]*Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+column+`, COUNT(*), SUM(input_tokens), SUM(output_tokens)
		 FROM usage_records WHERE at >= ? AND at < ? GROUP BY `+column,
		start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("usage by %s: %w", column, err)
	}
	defer rows.Close()

	out := make(map[string]*Summary)
	for rows.Next() {
		var key string
		sum := new(Summary)
		if err := rows.Scan(&key, &sum.Records, &sum.InputTokens, &sum.OutputTokens); err != nil {
			return nil, fmt.Errorf("usage by %s: %w", column, err)
		}
		out[key] = sum
	}
	return out, rows.Err()
}

// Prune deletes records older than before and reports how many went.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM usage_records WHERE at < ?`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune usage: %w", err)
	}
	return res.RowsAffected()
}
