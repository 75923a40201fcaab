package cache

import (
	"context"
	"fmt"
	"time"
)

// QueueEntry is one pending (or completed) offline mutation as persisted
// in the offline_queue table. Entries are never deleted, only marked
// processed, so the queue doubles as an audit trail of deferred writes.
type QueueEntry struct {
	ID           string
	OwnerID      string
	Kind         string
	Operation    string // insert, update, delete
	Payload      string // encoded record payload
	QueuedAt     time.Time
	Processed    bool
	ProcessedAt  *time.Time
	ErrorMessage string
}

// EnqueueChange appends a pending mutation to the offline queue.
func (db *DB) EnqueueChange(ctx context.Context, entry *QueueEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("queue entry id is required")
	}

	query := `
	INSERT INTO offline_queue (id, owner_id, kind, operation, payload, queued_at, processed)
	VALUES (?, ?, ?, ?, ?, ?, 0)
	`

	_, err := db.conn.ExecContext(ctx, query,
		entry.ID,
		entry.OwnerID,
		entry.Kind,
		entry.Operation,
		entry.Payload,
		entry.QueuedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue change for %s/%s: %w", entry.OwnerID, entry.Kind, err)
	}
	return nil
}

// PendingChanges returns the owner's unprocessed entries in enqueue order.
// The id is the tie-breaker for entries queued in the same instant.
func (db *DB) PendingChanges(ctx context.Context, ownerID string) ([]*QueueEntry, error) {
	query := `
	SELECT id, owner_id, kind, operation, payload, queued_at, processed, processed_at, error_message
	FROM offline_queue
	WHERE owner_id = ? AND processed = 0
	ORDER BY queued_at ASC, id ASC
	`

	rows, err := db.conn.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending changes: %w", err)
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending changes: %w", err)
	}
	return entries, nil
}

// MarkChangeProcessed records a successful replay of the entry.
func (db *DB) MarkChangeProcessed(ctx context.Context, id string, at time.Time) error {
	query := `
	UPDATE offline_queue
	SET processed = 1, processed_at = ?, error_message = NULL
	WHERE id = ?
	`
	_, err := db.conn.ExecContext(ctx, query, at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to mark change %s processed: %w", id, err)
	}
	return nil
}

// MarkChangeFailed attaches the failure message; the entry stays pending
// for the next drain.
func (db *DB) MarkChangeFailed(ctx context.Context, id, message string) error {
	query := `UPDATE offline_queue SET error_message = ? WHERE id = ?`
	if _, err := db.conn.ExecContext(ctx, query, message, id); err != nil {
		return fmt.Errorf("failed to mark change %s failed: %w", id, err)
	}
	return nil
}

// PendingChangeCount returns how many entries await replay for owner.
func (db *DB) PendingChangeCount(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM offline_queue WHERE owner_id = ? AND processed = 0`,
		ownerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending changes: %w", err)
	}
	return count, nil
}

// GetChange returns one queue entry by id, or nil when absent.
func (db *DB) GetChange(ctx context.Context, id string) (*QueueEntry, error) {
	query := `
	SELECT id, owner_id, kind, operation, payload, queued_at, processed, processed_at, error_message
	FROM offline_queue WHERE id = ?
	`

	rows, err := db.conn.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read change %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanQueueEntry(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueEntry(row rowScanner) (*QueueEntry, error) {
	var (
		entry       QueueEntry
		queuedAt    string
		processed   int
		processedAt *string
		errMsg      *string
	)
	if err := row.Scan(&entry.ID, &entry.OwnerID, &entry.Kind, &entry.Operation,
		&entry.Payload, &queuedAt, &processed, &processedAt, &errMsg); err != nil {
		return nil, fmt.Errorf("failed to scan queue entry: %w", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, queuedAt)
	if err != nil {
		return nil, fmt.Errorf("corrupt queued_at on entry %s: %w", entry.ID, err)
	}
	entry.QueuedAt = ts
	entry.Processed = processed != 0
	if processedAt != nil {
		pts, err := time.Parse(time.RFC3339Nano, *processedAt)
		if err != nil {
			return nil, fmt.Errorf("corrupt processed_at on entry %s: %w", entry.ID, err)
		}
		entry.ProcessedAt = &pts
	}
	if errMsg != nil {
		entry.ErrorMessage = *errMsg
	}
	return &entry, nil
}
