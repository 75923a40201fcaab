// Package queue implements the durable offline change queue.
//
// Writes that cannot reach the remote store are enqueued here and
// replayed, strictly in enqueue order per owner, once connectivity
// returns. Entries are persisted in the local cache database and are
// never deleted, only marked processed, so the queue doubles as an audit
// trail of deferred delivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/majidka99/kompass-app/internal/audit"
	"github.com/majidka99/kompass-app/internal/cache"
	"github.com/majidka99/kompass-app/internal/codec"
	"github.com/majidka99/kompass-app/internal/identity"
	"github.com/majidka99/kompass-app/internal/record"
	"github.com/majidka99/kompass-app/internal/remote"
)

// Operation is the kind of mutation a queue entry carries.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func validOperation(op Operation) bool {
	return op == OpInsert || op == OpUpdate || op == OpDelete
}

// Queue replays pending mutations against the remote store. Replayed
// mutations are audited the same way live coordinator writes are.
type Queue struct {
	db     *cache.DB
	remote remote.Store
	codec  codec.Codec
	sink   audit.Sink
	logger *log.Logger
}

// New creates a Queue. A nil sink discards audit events; if logger is
// nil, a default stderr logger is used.
func New(db *cache.DB, store remote.Store, c codec.Codec, sink audit.Sink, logger *log.Logger) *Queue {
	if sink == nil {
		sink = audit.NopSink{}
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Queue{db: db, remote: store, codec: c, sink: sink, logger: logger}
}

// Enqueue appends a pending mutation for later delivery.
func (q *Queue) Enqueue(ctx context.Context, ownerID string, kind record.Kind, op Operation, encodedPayload string) (*cache.QueueEntry, error) {
	if !validOperation(op) {
		return nil, fmt.Errorf("invalid operation %q", op)
	}
	if !record.Known(kind) {
		return nil, fmt.Errorf("unknown kind %q", kind)
	}

	entry := &cache.QueueEntry{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Kind:      string(kind),
		Operation: string(op),
		Payload:   encodedPayload,
		QueuedAt:  time.Now(),
	}
	if err := q.db.EnqueueChange(ctx, entry); err != nil {
		return nil, err
	}

	q.logger.Printf("Queued %s for %s (entry %s)", op, kind, entry.ID)
	return entry, nil
}

// Pending returns the owner's unprocessed entries in enqueue order.
func (q *Queue) Pending(ctx context.Context, ownerID string) ([]*cache.QueueEntry, error) {
	return q.db.PendingChanges(ctx, ownerID)
}

// PendingCount returns how many entries await replay.
func (q *Queue) PendingCount(ctx context.Context, ownerID string) (int, error) {
	return q.db.PendingChangeCount(ctx, ownerID)
}

// DrainResult summarizes one replay pass.
type DrainResult struct {
	Processed int
	Failed    int
	Skipped   int
}

// Drain replays all pending entries for the session's owner, in order.
//
// Each entry's outcome is recorded before the next entry is attempted.
// A failed entry stays pending with its error message attached; later
// entries for the same kind are skipped for this pass so a dependent
// mutation (say a delete queued after a failed update) can never land
// out of order.
func (q *Queue) Drain(ctx context.Context, session identity.Session) (*DrainResult, error) {
	entries, err := q.db.PendingChanges(ctx, session.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending changes: %w", err)
	}

	result := &DrainResult{}
	failedKinds := make(map[string]bool)

	for _, entry := range entries {
		if failedKinds[entry.Kind] {
			result.Skipped++
			continue
		}

		if err := q.replay(ctx, session, entry); err != nil {
			q.logger.Printf("WARNING: Failed to replay entry %s (%s %s): %v",
				entry.ID, entry.Operation, entry.Kind, err)
			if markErr := q.db.MarkChangeFailed(ctx, entry.ID, err.Error()); markErr != nil {
				return result, fmt.Errorf("failed to record replay failure: %w", markErr)
			}
			failedKinds[entry.Kind] = true
			result.Failed++
			continue
		}

		if err := q.db.MarkChangeProcessed(ctx, entry.ID, time.Now()); err != nil {
			return result, fmt.Errorf("failed to record replay success: %w", err)
		}
		result.Processed++
	}

	if result.Processed > 0 || result.Failed > 0 {
		q.logger.Printf("Drain complete: processed=%d failed=%d skipped=%d",
			result.Processed, result.Failed, result.Skipped)
	}
	return result, nil
}

// replay dispatches one entry to the remote store.
func (q *Queue) replay(ctx context.Context, session identity.Session, entry *cache.QueueEntry) error {
	kind := record.Kind(entry.Kind)

	switch Operation(entry.Operation) {
	case OpDelete:
		err := q.remote.Delete(ctx, session.Token, entry.OwnerID, kind, entry.QueuedAt)
		q.audit("delete", kind, entry.OwnerID)
		return err

	case OpInsert, OpUpdate:
		var value any
		if err := q.codec.Decode(entry.Payload, &value); err != nil {
			return fmt.Errorf("failed to decode payload: %w", err)
		}
		payload, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to re-encode payload: %w", err)
		}
		err = q.remote.Put(ctx, session.Token, &record.Record{
			OwnerID:      entry.OwnerID,
			Kind:         kind,
			Payload:      payload,
			LastModified: entry.QueuedAt,
		})
		q.audit("write", kind, entry.OwnerID)
		return err

	default:
		// A corrupt operation can never succeed; mark it so it stops
		// blocking the kind, but keep it visible in the table.
		return errors.New("unknown operation " + entry.Operation)
	}
}

// audit emits one event per replayed remote mutation. Sink failures are
// logged and never fail the replay.
func (q *Queue) audit(action string, kind record.Kind, ownerID string) {
	event := audit.Event{
		Action:    action,
		Kind:      kind,
		OwnerID:   ownerID,
		Timestamp: time.Now(),
	}
	if err := q.sink.Record(event); err != nil {
		q.logger.Printf("WARNING: audit sink failed for %s %s: %v", action, kind, err)
	}
}
