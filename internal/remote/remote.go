// Package remote provides the client for the authoritative record store.
//
// The remote store is reachable only when online and only with a valid
// session token. Records are organized per kind with per-owner isolation;
// the server rejects any request whose token does not match the requested
// owner.
package remote

import (
	"context"
	"errors"
	"time"

	"github.com/majidka99/kompass-app/internal/record"
)

var (
	// ErrNotFound indicates the remote store has no record for the
	// (owner, kind).
	ErrNotFound = errors.New("remote: record not found")

	// ErrUnauthorized indicates an identity/ownership violation: missing
	// or invalid session, or a token that does not match the requested
	// owner. Callers must never fall back to cached data on this error.
	ErrUnauthorized = errors.New("remote: unauthorized")

	// ErrUnavailable indicates a network or server failure. Callers
	// degrade to local-only operation.
	ErrUnavailable = errors.New("remote: store unavailable")
)

// Store is the remote record store contract.
type Store interface {
	// Get returns the current record, ErrNotFound when absent.
	Get(ctx context.Context, token, ownerID string, kind record.Kind) (*record.Record, error)

	// Put writes the record as the new current value.
	Put(ctx context.Context, token string, rec *record.Record) error

	// Delete removes the record, leaving a tombstone dated at.
	Delete(ctx context.Context, token, ownerID string, kind record.Kind, at time.Time) error
}
