// Package storage persists validated findings in SQLite and exports them as
// JSON or CSV.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/exploopio/reconx/pkg/core"
	"github.com/exploopio/reconx/pkg/errors"
	"github.com/exploopio/reconx/pkg/finding"
	"github.com/exploopio/reconx/pkg/metrics"
)

// Columns is the findings table layout, in order. The CSV export header is
// exactly this list.
var Columns = []string{
	"id", "target", "module", "type", "confidence", "priority", "evidence", "meta", "scanned_at",
}

const schema = `
CREATE TABLE IF NOT EXISTS findings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	target TEXT,
	module TEXT,
	type TEXT,
	confidence REAL,
	priority INTEGER,
	evidence TEXT,
	meta TEXT,
	scanned_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_findings_target ON findings(target);
`

// Record is one stored row. Evidence and Meta hold the stored JSON text.
type Record struct {
	ID         int64   `json:"id"`
	Target     string  `json:"target"`
	Module     string  `json:"module"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Priority   int64   `json:"priority"`
	Evidence   string  `json:"evidence"`
	Meta       string  `json:"meta"`
	ScannedAt  string  `json:"scanned_at"`
}

// Store is the SQLite findings store.
type Store struct {
	db      *sql.DB
	mu      sync.RWMutex
	path    string
	logger  core.Logger
	metrics metrics.Collector
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l core.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(s *Store) { s.metrics = m }
}

// Open opens (creating if needed) the database at path. The schema is not
// touched until Init.
func Open(path string, opts ...Option) (*Store, error) {
	const op = "storage.Open"

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.E(errors.KindStorage, op, "create storage directory", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.E(errors.KindStorage, op, "open database", err)
	}
	// PRAGMAs below are per connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.E(errors.KindStorage, op, "set pragma", err)
		}
	}

	s := &Store{
		db:      db,
		path:    path,
		logger:  &core.NopLogger{},
		metrics: &metrics.NopCollector{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Init creates the findings table if it does not exist. It is safe to call
// on every scan.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.E(errors.KindStorage, "storage.Init", "create schema", err)
	}
	return nil
}

// Append inserts fs in one transaction: either every finding is stored or
// none is.
func (s *Store) Append(ctx context.Context, fs []finding.Finding) error {
	const op = "storage.Append"
	if len(fs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.E(errors.KindStorage, op, "begin transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO findings (target, module, type, confidence, priority, evidence, meta, scanned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return errors.E(errors.KindStorage, op, "prepare insert", err)
	}
	defer stmt.Close()

	for i, f := range fs {
		evidence := f.Evidence
		if evidence == nil {
			evidence = []finding.Evidence{}
		}
		evidenceJSON, err := json.Marshal(evidence)
		if err != nil {
			return errors.E(errors.KindStorage, op, fmt.Sprintf("encode evidence of finding %d", i), err)
		}
		meta := f.Meta
		if meta == nil {
			meta = map[string]any{}
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return errors.E(errors.KindStorage, op, fmt.Sprintf("encode meta of finding %d", i), err)
		}

		if _, err := stmt.ExecContext(ctx,
			f.Target, f.Module, f.Type, f.Confidence, f.Priority,
			string(evidenceJSON), string(metaJSON), finding.Timestamp(f.ScannedAt),
		); err != nil {
			return errors.E(errors.KindStorage, op, fmt.Sprintf("insert finding %d", i), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.E(errors.KindStorage, op, "commit", err)
	}

	s.metrics.CounterAdd(metrics.StorageAppended.Name, float64(len(fs)))
	s.logger.Debug("stored %d findings", len(fs))
	return nil
}

// Count returns the number of stored findings.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM findings`).Scan(&n); err != nil {
		return 0, errors.E(errors.KindStorage, "storage.Count", err)
	}
	return n, nil
}

// Records returns every stored row in insertion order.
func (s *Store) Records(ctx context.Context) ([]Record, error) {
	const op = "storage.Records"

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, target, module, type, confidence, priority, evidence, meta, scanned_at
		FROM findings ORDER BY id
	`)
	if err != nil {
		return nil, errors.E(errors.KindStorage, op, "query findings", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r                         Record
			target, module, typ       sql.NullString
			evidence, meta, scannedAt sql.NullString
			confidence                sql.NullFloat64
			priority                  sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &target, &module, &typ, &confidence, &priority, &evidence, &meta, &scannedAt); err != nil {
			return nil, errors.E(errors.KindStorage, op, "scan row", err)
		}
		r.Target = target.String
		r.Module = module.String
		r.Type = typ.String
		r.Confidence = confidence.Float64
		r.Priority = priority.Int64
		r.Evidence = evidence.String
		r.Meta = meta.String
		r.ScannedAt = scannedAt.String
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.E(errors.KindStorage, op, "iterate rows", err)
	}
	return records, nil
}
