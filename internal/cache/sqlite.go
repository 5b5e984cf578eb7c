package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jsoneaday/ao/internal/model"
	_ "modernc.org/sqlite"
)

// SQLite is a durable, single-file evaluation cache for development and
// single-node deployment, adapted from dshills-langgraph-go's
// graph/store/sqlite.go: same WAL/busy-timeout/single-writer posture, same
// upsert-via-ON-CONFLICT pattern, re-keyed from (run_id, step) to
// (process_id, sort_key).
type SQLite struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLite opens (creating if absent) a SQLite-backed cache at path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: opening sqlite %q: %w", path, err)
	}
	// SQLite allows exactly one writer; serialise through a single
	// connection rather than racing writers across a pool.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("cache: applying %q: %w", p, err)
		}
	}

	s := &SQLite{db: db, path: path}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) createTables() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS evaluation_records (
	process_id TEXT NOT NULL,
	sort_key   TEXT NOT NULL,
	action     BLOB NOT NULL,
	output     BLOB NOT NULL,
	state      BLOB,
	cached_at  DATETIME NOT NULL,
	PRIMARY KEY (process_id, sort_key)
);
CREATE INDEX IF NOT EXISTS idx_evaluation_records_range
	ON evaluation_records (process_id, sort_key);
`)
	if err != nil {
		return fmt.Errorf("cache: creating tables: %w", err)
	}
	return nil
}

func (s *SQLite) LatestAtOrBefore(ctx context.Context, processID, sortKey string) (*model.EvaluationRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, fmt.Errorf("cache: sqlite store closed")
	}

	row := s.db.QueryRowContext(ctx, `
SELECT process_id, sort_key, action, output, state, cached_at
FROM evaluation_records
WHERE process_id = ? AND sort_key <= ?
ORDER BY sort_key DESC LIMIT 1`, processID, sortKey)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: querying latest-at-or-before: %w", err)
	}
	return rec, true, nil
}

func (s *SQLite) Save(ctx context.Context, record model.EvaluationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("cache: sqlite store closed")
	}

	row := s.db.QueryRowContext(ctx, `
SELECT process_id, sort_key, action, output, state, cached_at
FROM evaluation_records WHERE process_id = ? AND sort_key = ?`, record.ProcessID, record.SortKey)
	existing, err := scanRecord(row)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("cache: checking existing record: %w", err)
	}
	if err == nil {
		return checkWriteOnce(existing, record)
	}

	outputBytes, err := json.Marshal(record.Output)
	if err != nil {
		return fmt.Errorf("cache: marshaling output: %w", err)
	}
	if record.CachedAt.IsZero() {
		record.CachedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO evaluation_records (process_id, sort_key, action, output, state, cached_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(process_id, sort_key) DO NOTHING`,
		record.ProcessID, record.SortKey, []byte(record.Action), outputBytes, nullableBytes(record.State), record.CachedAt)
	if err != nil {
		return fmt.Errorf("cache: inserting record: %w", err)
	}
	return nil
}

func (s *SQLite) Range(ctx context.Context, processID, from, to string) ([]model.EvaluationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("cache: sqlite store closed")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT process_id, sort_key, action, output, state, cached_at
FROM evaluation_records
WHERE process_id = ? AND sort_key > ? AND sort_key <= ?
ORDER BY sort_key ASC`, processID, from, to)
	if err != nil {
		return nil, fmt.Errorf("cache: querying range: %w", err)
	}
	defer rows.Close()

	var out []model.EvaluationRecord
	for rows.Next() {
		rec, err := scanRecordRows(rows)
		if err != nil {
			return nil, fmt.Errorf("cache: scanning range row: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// RangeStream streams rows as they are scanned rather than materialising
// them first, so a caller auditing a process with a very long history never
// holds its full record set in memory at once.
func (s *SQLite) RangeStream(ctx context.Context, processID, from, to string) (<-chan model.EvaluationRecord, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, fmt.Errorf("cache: sqlite store closed")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT process_id, sort_key, action, output, state, cached_at
FROM evaluation_records
WHERE process_id = ? AND sort_key > ? AND sort_key <= ?
ORDER BY sort_key ASC`, processID, from, to)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("cache: querying range stream: %w", err)
	}

	out := make(chan model.EvaluationRecord)
	go func() {
		defer close(out)
		defer rows.Close()
		for rows.Next() {
			rec, err := scanRecordRows(rows)
			if err != nil {
				return
			}
			select {
			case out <- *rec:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *SQLite) EvictBefore(ctx context.Context, processID, keepAfterSortKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("cache: sqlite store closed")
	}
	_, err := s.db.ExecContext(ctx, `
DELETE FROM evaluation_records WHERE process_id = ? AND sort_key < ?`, processID, keepAfterSortKey)
	if err != nil {
		return fmt.Errorf("cache: evicting: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the file path this store was opened against.
func (s *SQLite) Path() string { return s.path }

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row *sql.Row) (*model.EvaluationRecord, error) {
	return scanRecordFrom(row)
}

func scanRecordRows(rows *sql.Rows) (*model.EvaluationRecord, error) {
	return scanRecordFrom(rows)
}

func scanRecordFrom(s rowScanner) (*model.EvaluationRecord, error) {
	var rec model.EvaluationRecord
	var action, output, state []byte
	if err := s.Scan(&rec.ProcessID, &rec.SortKey, &action, &output, &state, &rec.CachedAt); err != nil {
		return nil, err
	}
	rec.Action = action
	rec.State = state
	if err := json.Unmarshal(output, &rec.Output); err != nil {
		return nil, fmt.Errorf("unmarshaling stored output: %w", err)
	}
	return &rec, nil
}

// nullableBytes turns a possibly-nil json.RawMessage into a value the SQL
// driver stores as NULL rather than an empty blob, so LatestAtOrBefore's
// genesis-state records (State never set) round-trip back as nil instead of
// a zero-length, non-nil slice.
func nullableBytes(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return []byte(b)
}
