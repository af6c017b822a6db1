// Package postgres provides the Postgres-backed upload ledger.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/realtime-feed-rater/internal/rotation"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "archive_uploads"

// Config controls the Postgres connection pool used for ledger rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// UploadLedger records completed archive uploads keyed by object key.
type UploadLedger struct {
	pool  pool
	table string
}

// NewUploadLedger connects to Postgres and ensures the ledger table exists.
func NewUploadLedger(ctx context.Context, cfg Config) (*UploadLedger, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("ledger.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	l, err := NewUploadLedgerWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := l.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return l, nil
}

// NewUploadLedgerWithPool constructs a ledger from an existing pool.
func NewUploadLedgerWithPool(p pool, table string) (*UploadLedger, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &UploadLedger{pool: p, table: table}, nil
}

// EnsureSchema creates the ledger table when missing.
func (l *UploadLedger) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	object_key   TEXT PRIMARY KEY,
	feed_id      TEXT NOT NULL,
	archive_date DATE NOT NULL,
	uri          TEXT NOT NULL,
	sha256       TEXT NOT NULL,
	size_bytes   BIGINT NOT NULL,
	row_count    INTEGER NOT NULL,
	uploaded_at  TIMESTAMPTZ NOT NULL
)`, l.table)
	if _, err := l.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", l.table, err)
	}
	return nil
}

// Lookup returns the recorded upload for objectKey or rotation.ErrNotFound.
func (l *UploadLedger) Lookup(ctx context.Context, objectKey string) (rotation.Entry, error) {
	query := fmt.Sprintf(`
SELECT object_key, feed_id, archive_date, uri, sha256, size_bytes, row_count, uploaded_at
FROM %s WHERE object_key = $1`, l.table)

	var e rotation.Entry
	err := l.pool.QueryRow(ctx, query, objectKey).Scan(
		&e.ObjectKey, &e.FeedID, &e.Date, &e.URI, &e.SHA256, &e.Size, &e.Rows, &e.UploadedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return rotation.Entry{}, rotation.ErrNotFound
	}
	if err != nil {
		return rotation.Entry{}, fmt.Errorf("lookup %s: %w", objectKey, err)
	}
	return e, nil
}

// Record upserts entry; a re-upload of the same key overwrites the row.
func (l *UploadLedger) Record(ctx context.Context, e rotation.Entry) error {
	if e.ObjectKey == "" {
		return fmt.Errorf("object key is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (object_key, feed_id, archive_date, uri, sha256, size_bytes, row_count, uploaded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (object_key) DO UPDATE SET
	uri = EXCLUDED.uri,
	sha256 = EXCLUDED.sha256,
	size_bytes = EXCLUDED.size_bytes,
	row_count = EXCLUDED.row_count,
	uploaded_at = EXCLUDED.uploaded_at`, l.table)

	if _, err := l.pool.Exec(ctx, query,
		e.ObjectKey, e.FeedID, e.Date, e.URI, e.SHA256, e.Size, e.Rows, e.UploadedAt,
	); err != nil {
		return fmt.Errorf("record %s: %w", e.ObjectKey, err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (l *UploadLedger) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}
