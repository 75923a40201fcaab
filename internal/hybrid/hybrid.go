// Package hybrid composes the local cache store and the remote record
// store behind one read/write contract.
//
// Reads prefer the remote store when online and mirror its answers into
// the local cache; network failures degrade silently to the cache.
// Writes commit locally first, then attempt remote delivery, deferring
// failed deliveries to the offline change queue. Identity and ownership
// violations are never absorbed: returning cached data under a mismatched
// identity would be a data-isolation breach.
package hybrid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/majidka99/kompass-app/internal/audit"
	"github.com/majidka99/kompass-app/internal/cache"
	"github.com/majidka99/kompass-app/internal/codec"
	"github.com/majidka99/kompass-app/internal/connectivity"
	"github.com/majidka99/kompass-app/internal/identity"
	"github.com/majidka99/kompass-app/internal/queue"
	"github.com/majidka99/kompass-app/internal/record"
	"github.com/majidka99/kompass-app/internal/recovery"
	"github.com/majidka99/kompass-app/internal/remote"
)

// ErrOwnerMismatch indicates the requested owner does not match the
// active identity. Fatal to the call; never degraded.
var ErrOwnerMismatch = errors.New("hybrid: owner does not match active identity")

// Coordinator is the hybrid storage front door.
type Coordinator struct {
	local    *cache.DB
	remote   remote.Store
	queue    *queue.Queue
	recovery *recovery.Engine
	provider identity.Provider
	monitor  connectivity.Monitor
	codec    codec.Codec
	sink     audit.Sink
	logger   *log.Logger
}

// Deps bundles the coordinator's collaborators.
type Deps struct {
	Local    *cache.DB
	Remote   remote.Store
	Queue    *queue.Queue
	Recovery *recovery.Engine
	Identity identity.Provider
	Monitor  connectivity.Monitor
	Codec    codec.Codec
	Audit    audit.Sink
	Logger   *log.Logger
}

// New creates a Coordinator. Audit defaults to a no-op sink and logger to
// a stderr logger.
func New(deps Deps) *Coordinator {
	if deps.Audit == nil {
		deps.Audit = audit.NopSink{}
	}
	if deps.Logger == nil {
		deps.Logger = log.New(os.Stderr, "[hybrid] ", log.LstdFlags)
	}
	return &Coordinator{
		local:    deps.Local,
		remote:   deps.Remote,
		queue:    deps.Queue,
		recovery: deps.Recovery,
		provider: deps.Identity,
		monitor:  deps.Monitor,
		codec:    deps.Codec,
		sink:     deps.Audit,
		logger:   deps.Logger,
	}
}

// session resolves the active identity and enforces owner isolation.
func (c *Coordinator) session(ctx context.Context, ownerID string) (identity.Session, error) {
	session, err := c.provider.Current(ctx)
	if err != nil {
		return identity.Session{}, fmt.Errorf("%w: %v", ErrOwnerMismatch, err)
	}
	if session.OwnerID != ownerID {
		return identity.Session{}, ErrOwnerMismatch
	}
	return session, nil
}

// Read returns the current value for (kind, owner), or nil when absent.
//
// When online the remote store is authoritative: its answer is mirrored
// into the local cache before being returned. Remote failures that are
// not identity violations fall back to the cache silently.
func (c *Coordinator) Read(ctx context.Context, kind record.Kind, ownerID string) (json.RawMessage, error) {
	if !record.Known(kind) {
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	session, err := c.session(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	if c.monitor.Online() {
		rec, err := c.remote.Get(ctx, session.Token, ownerID, kind)
		c.audit("read", kind, ownerID)

		switch {
		case err == nil:
			if err := c.local.PutRecord(ctx, rec); err != nil {
				c.logger.Printf("WARNING: failed to mirror %s into cache: %v", kind, err)
			}
			if rec.Deleted {
				return nil, nil
			}
			return rec.Payload, nil

		case errors.Is(err, remote.ErrUnauthorized):
			return nil, fmt.Errorf("read %s: %w", kind, err)

		case errors.Is(err, remote.ErrNotFound):
			// Absent remotely; the cache may still hold a value queued
			// for delivery.

		default:
			c.recovery.Handle(ctx, err, recovery.CategoryNetwork, recovery.SeverityLow,
				map[string]any{"operation": "read", "kind": string(kind), "owner_id": ownerID})
		}
	}

	return c.readLocal(ctx, kind, ownerID)
}

func (c *Coordinator) readLocal(ctx context.Context, kind record.Kind, ownerID string) (json.RawMessage, error) {
	rec, err := c.local.GetRecord(ctx, ownerID, kind)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s from cache: %w", kind, err)
	}
	if rec.Deleted {
		return nil, nil
	}
	return rec.Payload, nil
}

// ReadWithDefault wraps Read, returning def on any non-critical failure
// or absence. Identity violations still propagate.
//
// The skills kind gets the seed-set merge rule: an empty stored list
// yields the default unchanged, a non-empty one yields the union with the
// default's items first, de-duplicated.
func (c *Coordinator) ReadWithDefault(ctx context.Context, kind record.Kind, ownerID string, def json.RawMessage) (json.RawMessage, error) {
	value, err := c.Read(ctx, kind, ownerID)
	if err != nil {
		if errors.Is(err, ErrOwnerMismatch) || errors.Is(err, remote.ErrUnauthorized) {
			return nil, err
		}
		c.logger.Printf("Read %s failed, using default: %v", kind, err)
		return def, nil
	}

	if kind == record.KindSkills {
		return mergeSkillLists(def, value)
	}
	if value == nil {
		return def, nil
	}
	return value, nil
}

// mergeSkillLists applies the canonical-seed rule for the skills kind.
func mergeSkillLists(def, stored json.RawMessage) (json.RawMessage, error) {
	var defaults []string
	if len(def) > 0 {
		if err := json.Unmarshal(def, &defaults); err != nil {
			return nil, fmt.Errorf("invalid default skill list: %w", err)
		}
	}

	var current []string
	if len(stored) > 0 {
		if err := json.Unmarshal(stored, &current); err != nil {
			// A malformed stored list falls back to the seed set.
			current = nil
		}
	}

	if len(current) == 0 {
		return def, nil
	}

	seen := make(map[string]bool, len(defaults)+len(current))
	merged := make([]string, 0, len(defaults)+len(current))
	for _, s := range defaults {
		if !seen[s] {
			seen[s] = true
			merged = append(merged, s)
		}
	}
	for _, s := range current {
		if !seen[s] {
			seen[s] = true
			merged = append(merged, s)
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to encode merged skill list: %w", err)
	}
	return out, nil
}

// Write stores value as the new current record for (kind, owner).
//
// The local write is the durability commit and always happens first.
// The remote attempt is best-effort: failures (or being offline) enqueue
// the change for later delivery and report a sync-category error, while
// the call still succeeds. Identity violations fail the whole call.
func (c *Coordinator) Write(ctx context.Context, kind record.Kind, value json.RawMessage, ownerID string) error {
	if !record.Known(kind) {
		return fmt.Errorf("unknown kind %q", kind)
	}
	session, err := c.session(ctx, ownerID)
	if err != nil {
		return err
	}

	now := time.Now()
	existing, err := c.local.GetRecord(ctx, ownerID, kind)
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return fmt.Errorf("write %s: %w", kind, err)
	}

	rec := &record.Record{
		OwnerID:      ownerID,
		Kind:         kind,
		Payload:      value,
		LastModified: now,
	}
	if err := c.local.PutRecord(ctx, rec); err != nil {
		c.recovery.Handle(ctx, err, recovery.CategoryStorage, recovery.SeverityHigh,
			map[string]any{"operation": "write", "kind": string(kind), "owner_id": ownerID})
		return fmt.Errorf("write %s to cache: %w", kind, err)
	}

	op := queue.OpUpdate
	if existing == nil || existing.Deleted {
		op = queue.OpInsert
	}

	if !c.monitor.Online() {
		return c.deferDelivery(ctx, session, kind, value, op, errors.New("offline"))
	}

	err = c.remote.Put(ctx, session.Token, rec)
	c.audit("write", kind, ownerID)
	if err == nil {
		return nil
	}
	if errors.Is(err, remote.ErrUnauthorized) {
		return fmt.Errorf("write %s: %w", kind, err)
	}
	return c.deferDelivery(ctx, session, kind, value, op, err)
}

// deferDelivery enqueues the change and reports the delivery failure.
// The write itself has already succeeded locally, so this returns nil
// unless the queue itself is broken.
func (c *Coordinator) deferDelivery(ctx context.Context, session identity.Session, kind record.Kind, value json.RawMessage, op queue.Operation, cause error) error {
	encoded, err := c.codec.Encode(value)
	if err != nil {
		c.recovery.Handle(ctx, err, recovery.CategoryEncryption, recovery.SeverityHigh,
			map[string]any{"operation": "enqueue", "kind": string(kind), "owner_id": session.OwnerID})
		return fmt.Errorf("encode %s for queue: %w", kind, err)
	}

	entry, err := c.queue.Enqueue(ctx, session.OwnerID, kind, op, encoded)
	if err != nil {
		c.recovery.Handle(ctx, err, recovery.CategoryStorage, recovery.SeverityHigh,
			map[string]any{"operation": "enqueue", "kind": string(kind), "owner_id": session.OwnerID})
		return fmt.Errorf("enqueue %s: %w", kind, err)
	}

	c.recovery.Handle(ctx, cause, recovery.CategorySync, recovery.SeverityMedium, map[string]any{
		"operation": "write",
		"kind":      string(kind),
		"owner_id":  session.OwnerID,
		"entry_id":  entry.ID,
	})
	c.logger.Printf("Remote write for %s deferred to queue (entry %s): %v", kind, entry.ID, cause)
	return nil
}

// Delete removes the record for (kind, owner). The local delete is
// immediate (a soft-delete marker); the remote delete is best-effort.
// When offline the delete is queued like a write; a live failure is only
// logged and left to reconciliation.
func (c *Coordinator) Delete(ctx context.Context, kind record.Kind, ownerID string) error {
	if !record.Known(kind) {
		return fmt.Errorf("unknown kind %q", kind)
	}
	session, err := c.session(ctx, ownerID)
	if err != nil {
		return err
	}

	now := time.Now()
	if err := c.local.DeleteRecord(ctx, ownerID, kind, now); err != nil {
		return fmt.Errorf("delete %s from cache: %w", kind, err)
	}

	if !c.monitor.Online() {
		if _, err := c.queue.Enqueue(ctx, ownerID, kind, queue.OpDelete, ""); err != nil {
			return fmt.Errorf("enqueue delete for %s: %w", kind, err)
		}
		return nil
	}

	err = c.remote.Delete(ctx, session.Token, ownerID, kind, now)
	c.audit("delete", kind, ownerID)
	if err != nil {
		if errors.Is(err, remote.ErrUnauthorized) {
			return fmt.Errorf("delete %s: %w", kind, err)
		}
		c.recovery.Handle(ctx, err, recovery.CategoryNetwork, recovery.SeverityLow,
			map[string]any{"operation": "delete", "kind": string(kind), "owner_id": ownerID})
		c.logger.Printf("Remote delete for %s failed (reconciliation will settle it): %v", kind, err)
	}
	return nil
}

// RemotePut pushes a record straight to the remote store under the
// session's token. Used by the reconciliation engine's push path.
func (c *Coordinator) RemotePut(ctx context.Context, session identity.Session, rec *record.Record) error {
	err := c.remote.Put(ctx, session.Token, rec)
	c.audit("write", rec.Kind, rec.OwnerID)
	return err
}

// RemoteDelete removes a record from the remote store, leaving a tombstone
// dated at. Used by the reconciliation engine when a delete wins.
func (c *Coordinator) RemoteDelete(ctx context.Context, session identity.Session, kind record.Kind, at time.Time) error {
	err := c.remote.Delete(ctx, session.Token, session.OwnerID, kind, at)
	c.audit("delete", kind, session.OwnerID)
	return err
}

// RemoteGet pulls a record straight from the remote store.
func (c *Coordinator) RemoteGet(ctx context.Context, session identity.Session, kind record.Kind) (*record.Record, error) {
	rec, err := c.remote.Get(ctx, session.Token, session.OwnerID, kind)
	c.audit("read", kind, session.OwnerID)
	return rec, err
}

// Local exposes the cache store for components that share it.
func (c *Coordinator) Local() *cache.DB { return c.local }

// Queue exposes the offline change queue.
func (c *Coordinator) Queue() *queue.Queue { return c.queue }

// audit emits one event per remote-store operation. Sink failures are
// logged and never abort the primary operation.
func (c *Coordinator) audit(action string, kind record.Kind, ownerID string) {
	event := audit.Event{
		Action:    action,
		Kind:      kind,
		OwnerID:   ownerID,
		Timestamp: time.Now(),
	}
	if err := c.sink.Record(event); err != nil {
		c.logger.Printf("WARNING: audit sink failed for %s %s: %v", action, kind, err)
	}
}
