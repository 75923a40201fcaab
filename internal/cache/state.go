package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SyncState is the persisted outcome of the most recent sync run.
type SyncState struct {
	OwnerID      string
	LastSyncTime time.Time
	Status       string
}

// SaveSyncState upserts the owner's sync state.
func (db *DB) SaveSyncState(ctx context.Context, state *SyncState) error {
	query := `
	INSERT INTO sync_state (owner_id, last_sync_time, status, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(owner_id) DO UPDATE SET
		last_sync_time = excluded.last_sync_time,
		status = excluded.status,
		updated_at = excluded.updated_at
	`

	now := time.Now().UTC().Format(time.RFC3339Nano)
	var lastSync any
	if !state.LastSyncTime.IsZero() {
		lastSync = state.LastSyncTime.UTC().Format(time.RFC3339Nano)
	}

	if _, err := db.conn.ExecContext(ctx, query, state.OwnerID, lastSync, state.Status, now); err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	return nil
}

// GetSyncState returns the owner's sync state, or nil when never synced.
func (db *DB) GetSyncState(ctx context.Context, ownerID string) (*SyncState, error) {
	var (
		lastSync *string
		status   string
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT last_sync_time, status FROM sync_state WHERE owner_id = ?`,
		ownerID).Scan(&lastSync, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sync state: %w", err)
	}

	state := &SyncState{OwnerID: ownerID, Status: status}
	if lastSync != nil {
		ts, err := time.Parse(time.RFC3339Nano, *lastSync)
		if err != nil {
			return nil, fmt.Errorf("corrupt last_sync_time: %w", err)
		}
		state.LastSyncTime = ts
	}
	return state, nil
}

// ErrorEntry is the persisted shape of a handled error, the tail of the
// in-memory recovery log kept across sessions for postmortems.
type ErrorEntry struct {
	ID         string
	Message    string
	Category   string
	Severity   string
	Timestamp  time.Time
	OwnerID    string
	Context    string // sanitized JSON object
	Resolved   bool
	RetryCount int
	MaxRetries int
}

// SaveErrorLog replaces the persisted error log with entries (the most
// recent tail of the in-memory log).
func (db *DB) SaveErrorLog(ctx context.Context, entries []*ErrorEntry) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin error log transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM error_log`); err != nil {
		return fmt.Errorf("failed to clear error log: %w", err)
	}

	query := `
	INSERT INTO error_log (id, message, category, severity, timestamp, owner_id, context, resolved, retry_count, max_retries)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, e := range entries {
		_, err := tx.ExecContext(ctx, query,
			e.ID, e.Message, e.Category, e.Severity,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.OwnerID, e.Context, boolToInt(e.Resolved), e.RetryCount, e.MaxRetries)
		if err != nil {
			return fmt.Errorf("failed to persist error %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit error log: %w", err)
	}
	return nil
}

// LoadErrorLog returns the persisted error entries, oldest first.
func (db *DB) LoadErrorLog(ctx context.Context) ([]*ErrorEntry, error) {
	query := `
	SELECT id, message, category, severity, timestamp, owner_id, context, resolved, retry_count, max_retries
	FROM error_log ORDER BY timestamp ASC
	`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load error log: %w", err)
	}
	defer rows.Close()

	var entries []*ErrorEntry
	for rows.Next() {
		var (
			e       ErrorEntry
			ts      string
			ownerID *string
			ctxJSON *string
			res     int
		)
		if err := rows.Scan(&e.ID, &e.Message, &e.Category, &e.Severity, &ts,
			&ownerID, &ctxJSON, &res, &e.RetryCount, &e.MaxRetries); err != nil {
			return nil, fmt.Errorf("failed to scan error entry: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("corrupt timestamp on error %s: %w", e.ID, err)
		}
		e.Timestamp = parsed
		if ownerID != nil {
			e.OwnerID = *ownerID
		}
		if ctxJSON != nil {
			e.Context = *ctxJSON
		}
		e.Resolved = res != 0
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate error log: %w", err)
	}
	return entries, nil
}
