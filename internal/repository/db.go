// Package repository persists the audit trace, the operative queue and the
// supplier master data. It speaks plain SQL over database/sql so the same
// code serves PostgreSQL in production and embedded SQLite in tests and
// single-user installs.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/confirmd/confirmd/internal/common"
)

// DB wraps the sql handle with the driver-specific placeholder style.
type DB struct {
	sql    *sql.DB
	pool   *pgxpool.Pool // nil when backed by sqlite
	pg     bool
	logger *slog.Logger
}

// Open connects to the database named by the DSN. postgres:// DSNs go
// through pgxpool; everything else is treated as a SQLite path or URI.
func Open(ctx context.Context, cfg common.DatabaseConfig, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DSN == "" {
		return nil, common.NewAppError("CONFIGURATION", "database DSN is empty", common.ErrConfiguration)
	}

	if strings.HasPrefix(cfg.DSN, "postgres://") || strings.HasPrefix(cfg.DSN, "postgresql://") {
		pc, err := pgxpool.ParseConfig(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse postgres dsn: %w", err)
		}
		if cfg.MaxConns > 0 {
			pc.MaxConns = cfg.MaxConns
		}
		if cfg.MinConns > 0 {
			pc.MinConns = cfg.MinConns
		}
		if cfg.MaxConnLifetime > 0 {
			pc.MaxConnLifetime = cfg.MaxConnLifetime
		}
		if cfg.MaxConnIdleTime > 0 {
			pc.MaxConnIdleTime = cfg.MaxConnIdleTime
		}
		if cfg.DialTimeout > 0 {
			pc.ConnConfig.ConnectTimeout = cfg.DialTimeout
		}
		if cfg.StatementTimeout > 0 {
			if pc.ConnConfig.RuntimeParams == nil {
				pc.ConnConfig.RuntimeParams = map[string]string{}
			}
			pc.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%d", cfg.StatementTimeout.Milliseconds())
		}
		pool, err := pgxpool.NewWithConfig(ctx, pc)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		db := &DB{sql: stdlib.OpenDBFromPool(pool), pool: pool, pg: true, logger: logger}
		if err := db.HealthCheck(ctx); err != nil {
			db.Close()
			return nil, err
		}
		logger.Info("repository.open", "driver", "postgres")
		return db, nil
	}

	sdb, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection avoids busy errors.
	sdb.SetMaxOpenConns(1)
	db := &DB{sql: sdb, logger: logger}
	if err := db.HealthCheck(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("repository.open", "driver", "sqlite", "dsn", cfg.DSN)
	return db, nil
}

// Close releases all connections.
func (d *DB) Close() {
	if err := d.sql.Close(); err != nil {
		d.logger.Warn("repository.close_error", "error", err)
	}
	if d.pool != nil {
		d.pool.Close()
	}
}

// HealthCheck pings the database with a short deadline.
func (d *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := d.sql.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}
	return nil
}

// rebind converts ?-style placeholders to $N for postgres. Queries in this
// package are written with ? and never contain a literal question mark.
func (d *DB) rebind(query string) string {
	if !d.pg {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.sql.ExecContext(ctx, d.rebind(query), args...)
}

func (d *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.sql.QueryContext(ctx, d.rebind(query), args...)
}

func (d *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return d.sql.QueryRowContext(ctx, d.rebind(query), args...)
}

// inTx runs fn inside a transaction, rolling back on error.
func (d *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			d.logger.Warn("repository.rollback_error", "error", rerr)
		}
		return err
	}
	return tx.Commit()
}

// migrations are ordered, idempotent DDL statements valid in both dialects.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS processing_runs (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		file_size_bytes INTEGER NOT NULL DEFAULT 0,
		page_count INTEGER NOT NULL DEFAULT 0,
		is_scanned INTEGER NOT NULL DEFAULT 0,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		final_status TEXT NOT NULL DEFAULT '',
		pipeline_mode TEXT NOT NULL DEFAULT '',
		ocr_model TEXT NOT NULL DEFAULT '',
		judge_model TEXT NOT NULL DEFAULT '',
		raw_json TEXT NOT NULL DEFAULT '',
		reasoning_text TEXT NOT NULL DEFAULT '',
		schema_repair_attempted INTEGER NOT NULL DEFAULT 0,
		schema_repair_success INTEGER NOT NULL DEFAULT 0,
		business_repair_attempted INTEGER NOT NULL DEFAULT 0,
		business_repair_success INTEGER NOT NULL DEFAULT 0,
		initial_score INTEGER NOT NULL DEFAULT 0,
		final_score INTEGER NOT NULL DEFAULT 0,
		score_improvement INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS extracted_documents (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES processing_runs(id),
		document_index INTEGER NOT NULL,
		ba_number TEXT NOT NULL DEFAULT '',
		vendor_number INTEGER NOT NULL DEFAULT 0,
		vendor_name TEXT NOT NULL DEFAULT '',
		document_date TEXT,
		document_type TEXT NOT NULL DEFAULT '',
		net_total REAL,
		item_count INTEGER NOT NULL DEFAULT 0,
		score INTEGER NOT NULL DEFAULT 0,
		initial_score INTEGER NOT NULL DEFAULT 0,
		needs_review INTEGER NOT NULL DEFAULT 0,
		has_template INTEGER NOT NULL DEFAULT 0,
		export_xml TEXT NOT NULL DEFAULT '',
		queue_document_id TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS score_penalties (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES extracted_documents(id),
		points INTEGER NOT NULL,
		reason TEXT NOT NULL,
		category TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS score_signals (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES extracted_documents(id),
		text TEXT NOT NULL,
		bonus INTEGER NOT NULL DEFAULT 0,
		bonus_points INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS queue_documents (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		ba_number TEXT NOT NULL DEFAULT '',
		vendor_name TEXT NOT NULL DEFAULT '',
		total_value REAL,
		score INTEGER,
		filename TEXT NOT NULL,
		file_path TEXT NOT NULL DEFAULT '',
		claimed_by TEXT NOT NULL DEFAULT '',
		claim_expires_at TEXT,
		version INTEGER NOT NULL DEFAULT 0,
		supplier_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS annotations (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES queue_documents(id),
		author TEXT NOT NULL,
		source TEXT NOT NULL,
		fields_json TEXT NOT NULL,
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (document_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS suppliers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		supplier_code TEXT NOT NULL DEFAULT '',
		contact_email TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS supplier_templates (
		id TEXT PRIMARY KEY,
		supplier_id TEXT NOT NULL REFERENCES suppliers(id),
		coordinates_json TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS valid_ba_numbers (
		ba_number TEXT PRIMARY KEY,
		supplier_id TEXT NOT NULL REFERENCES suppliers(id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_documents_status ON queue_documents(status)`,
	`CREATE INDEX IF NOT EXISTS idx_extracted_documents_run ON extracted_documents(run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_annotations_document ON annotations(document_id)`,
}

// Migrate applies the schema. Safe to run on every startup.
func (d *DB) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := d.sql.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	d.logger.Info("repository.migrated", "statements", len(migrations))
	return nil
}

// timeText is the stored timestamp encoding.
const timeText = time.RFC3339Nano

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeText)
}

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTime(s string) (time.Time, error) {
	return time.Parse(timeText, s)
}

func decodeTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := decodeTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
