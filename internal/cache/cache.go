// Package cache provides the local record store on embedded SQLite.
//
// The local store is the always-available side of the hybrid storage
// layer. It holds the current record per (owner, kind), the durable
// offline change queue, the persisted tail of the error log, and the
// last-sync state. WAL mode keeps reads concurrent with writes.
//
// Layout:
//   - Database file: <data dir>/kompass.db
//   - records: one row per (owner, kind), soft-delete marker, LWW timestamp
//   - offline_queue: pending remote writes, never deleted, only marked
//   - error_log: most recent errors persisted for postmortem access
//   - sync_state: last sync time and status per owner
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/majidka99/kompass-app/internal/record"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound indicates no current record exists for the (owner, kind).
var ErrNotFound = errors.New("cache: record not found")

// DB wraps the SQLite connection with local-store functionality.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return db, nil
}

// Close closes the database connection after checkpointing the WAL.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the tables and indexes if they don't exist.
// Idempotent; safe to call on every startup.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		owner_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '',
		deleted INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (owner_id, kind)
	);

	CREATE TABLE IF NOT EXISTS offline_queue (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		operation TEXT NOT NULL,  -- insert, update, delete
		payload TEXT NOT NULL DEFAULT '',
		queued_at TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		processed_at TEXT,
		error_message TEXT
	);

	CREATE TABLE IF NOT EXISTS error_log (
		id TEXT PRIMARY KEY,
		message TEXT NOT NULL,
		category TEXT NOT NULL,
		severity TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		owner_id TEXT,
		context TEXT,  -- sanitized JSON object
		resolved INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		owner_id TEXT PRIMARY KEY,
		last_sync_time TEXT,
		status TEXT NOT NULL DEFAULT 'idle',
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_queue_pending
	    ON offline_queue(owner_id, processed, queued_at);
	CREATE INDEX IF NOT EXISTS idx_records_owner ON records(owner_id);
	CREATE INDEX IF NOT EXISTS idx_errors_time ON error_log(timestamp);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// PutRecord inserts or updates the current record for (owner, kind).
func (db *DB) PutRecord(ctx context.Context, rec *record.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	query := `
	INSERT INTO records (owner_id, kind, payload, deleted, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(owner_id, kind) DO UPDATE SET
		payload = excluded.payload,
		deleted = excluded.deleted,
		updated_at = excluded.updated_at
	`

	_, err := db.conn.ExecContext(ctx, query,
		rec.OwnerID,
		string(rec.Kind),
		string(rec.Payload),
		boolToInt(rec.Deleted),
		rec.LastModified.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert record %s/%s: %w", rec.OwnerID, rec.Kind, err)
	}

	return nil
}

// GetRecord returns the current record for (owner, kind), including
// soft-deleted markers. Returns ErrNotFound when no row exists.
func (db *DB) GetRecord(ctx context.Context, ownerID string, kind record.Kind) (*record.Record, error) {
	query := `
	SELECT payload, deleted, updated_at
	FROM records WHERE owner_id = ? AND kind = ?
	`

	var (
		payload   string
		deleted   int
		updatedAt string
	)
	err := db.conn.QueryRowContext(ctx, query, ownerID, string(kind)).
		Scan(&payload, &deleted, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record %s/%s: %w", ownerID, kind, err)
	}

	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("corrupt timestamp for %s/%s: %w", ownerID, kind, err)
	}

	rec := &record.Record{
		OwnerID:      ownerID,
		Kind:         kind,
		Deleted:      deleted != 0,
		LastModified: ts,
	}
	if payload != "" {
		rec.Payload = []byte(payload)
	}
	return rec, nil
}

// DeleteRecord soft-deletes the record, keeping a marker row so
// reconciliation can distinguish "deleted locally" from "never existed".
func (db *DB) DeleteRecord(ctx context.Context, ownerID string, kind record.Kind, at time.Time) error {
	query := `
	INSERT INTO records (owner_id, kind, payload, deleted, updated_at)
	VALUES (?, ?, '', 1, ?)
	ON CONFLICT(owner_id, kind) DO UPDATE SET
		payload = '',
		deleted = 1,
		updated_at = excluded.updated_at
	`

	_, err := db.conn.ExecContext(ctx, query,
		ownerID, string(kind), at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to delete record %s/%s: %w", ownerID, kind, err)
	}
	return nil
}

// Timestamp returns the last-modified time for (owner, kind), or false
// when no row exists. Used by reconciliation to compare sides cheaply.
func (db *DB) Timestamp(ctx context.Context, ownerID string, kind record.Kind) (time.Time, bool, error) {
	var updatedAt string
	err := db.conn.QueryRowContext(ctx,
		`SELECT updated_at FROM records WHERE owner_id = ? AND kind = ?`,
		ownerID, string(kind)).Scan(&updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read timestamp %s/%s: %w", ownerID, kind, err)
	}

	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt timestamp for %s/%s: %w", ownerID, kind, err)
	}
	return ts, true, nil
}

// RecordCount returns the number of live (non-deleted) records for owner.
func (db *DB) RecordCount(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE owner_id = ? AND deleted = 0`,
		ownerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
