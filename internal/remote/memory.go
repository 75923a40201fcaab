package remote

import (
	"context"
	"sync"
	"time"

	"github.com/majidka99/kompass-app/internal/record"
)

// Memory is an in-process Store used in dev mode and tests. It enforces
// the same ownership rule as the real server (token must equal the token
// registered for the owner) and can simulate outages.
type Memory struct {
	mu      sync.Mutex
	records map[string]*record.Record // key: owner/kind
	tokens  map[string]string         // owner -> expected token
	failure error                     // when set, every call fails with it
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*record.Record),
		tokens:  make(map[string]string),
	}
}

// Authorize registers the token accepted for owner. Calls for an owner
// with no registered token fail with ErrUnauthorized.
func (m *Memory) Authorize(ownerID, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[ownerID] = token
}

// Fail makes every subsequent call return err; Fail(nil) restores service.
func (m *Memory) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
}

// Len returns the number of stored records, tombstones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, token, ownerID string, kind record.Kind) (*record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(token, ownerID); err != nil {
		return nil, err
	}
	rec, ok := m.records[key(ownerID, kind)]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

// Put implements Store.
func (m *Memory) Put(_ context.Context, token string, rec *record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(token, rec.OwnerID); err != nil {
		return err
	}
	clone := *rec
	m.records[key(rec.OwnerID, rec.Kind)] = &clone
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, token, ownerID string, kind record.Kind, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(token, ownerID); err != nil {
		return err
	}
	m.records[key(ownerID, kind)] = &record.Record{
		OwnerID:      ownerID,
		Kind:         kind,
		Deleted:      true,
		LastModified: at,
	}
	return nil
}

func (m *Memory) check(token, ownerID string) error {
	if m.failure != nil {
		return m.failure
	}
	expected, ok := m.tokens[ownerID]
	if !ok || expected != token {
		return ErrUnauthorized
	}
	return nil
}

func key(ownerID string, kind record.Kind) string {
	return ownerID + "/" + string(kind)
}
