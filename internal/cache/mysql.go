package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jsoneaday/ao/internal/model"
)

// MySQL is a durable, horizontally-shared evaluation cache for multi-node
// deployment — the backend SQLite cannot provide, since SQLite is pinned to
// a single writer and a single file. Schema and upsert conventions mirror
// SQLite's, translated to MySQL's dialect (ON DUPLICATE KEY UPDATE instead
// of ON CONFLICT DO NOTHING).
type MySQL struct {
	db *sql.DB
}

// NewMySQL opens a pooled connection to dsn and ensures the schema exists.
func NewMySQL(dsn string) (*MySQL, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("cache: opening mysql: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxLifetime(30 * time.Minute)

	m := &MySQL{db: db}
	if err := m.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *MySQL) createTables() error {
	_, err := m.db.Exec(`
CREATE TABLE IF NOT EXISTS evaluation_records (
	process_id VARCHAR(191) NOT NULL,
	sort_key   VARCHAR(191) NOT NULL,
	action     LONGBLOB NOT NULL,
	output     LONGBLOB NOT NULL,
	state      LONGBLOB,
	cached_at  DATETIME(6) NOT NULL,
	PRIMARY KEY (process_id, sort_key),
	INDEX idx_evaluation_records_range (process_id, sort_key)
) ENGINE=InnoDB`)
	if err != nil {
		return fmt.Errorf("cache: creating tables: %w", err)
	}
	return nil
}

func (m *MySQL) LatestAtOrBefore(ctx context.Context, processID, sortKey string) (*model.EvaluationRecord, bool, error) {
	row := m.db.QueryRowContext(ctx, `
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

func (m *MySQL) Save(ctx context.Context, record model.EvaluationRecord) error {
	row := m.db.QueryRowContext(ctx, `
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

	_, err = m.db.ExecContext(ctx, `
INSERT INTO evaluation_records (process_id, sort_key, action, output, state, cached_at)
VALUES (?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE process_id = process_id`,
		record.ProcessID, record.SortKey, []byte(record.Action), outputBytes, nullableBytes(record.State), record.CachedAt)
	if err != nil {
		return fmt.Errorf("cache: inserting record: %w", err)
	}
	return nil
}

func (m *MySQL) Range(ctx context.Context, processID, from, to string) ([]model.EvaluationRecord, error) {
	rows, err := m.db.QueryContext(ctx, `
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
// them first, matching cache.SQLite's streaming contract.
func (m *MySQL) RangeStream(ctx context.Context, processID, from, to string) (<-chan model.EvaluationRecord, error) {
	rows, err := m.db.QueryContext(ctx, `
SELECT process_id, sort_key, action, output, state, cached_at
FROM evaluation_records
WHERE process_id = ? AND sort_key > ? AND sort_key <= ?
ORDER BY sort_key ASC`, processID, from, to)
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

func (m *MySQL) EvictBefore(ctx context.Context, processID, keepAfterSortKey string) error {
	_, err := m.db.ExecContext(ctx, `
DELETE FROM evaluation_records WHERE process_id = ? AND sort_key < ?`, processID, keepAfterSortKey)
	if err != nil {
		return fmt.Errorf("cache: evicting: %w", err)
	}
	return nil
}

func (m *MySQL) Close() error { return m.db.Close() }
