// Package record defines the data model for Kompass user records.
//
// A record is the current value for one (owner, kind) pair. Kinds are a
// fixed registry of the data categories the client tracks (goals, symptoms,
// skills, ...). Every record carries a last-modified timestamp used for
// last-write-wins reconciliation between the local cache and the remote
// store.
package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies a category of user data, analogous to a table.
type Kind string

const (
	KindSymptoms     Kind = "symptoms"
	KindGoals        Kind = "goals"
	KindSkills       Kind = "skills"
	KindAchievements Kind = "achievements"
	KindJournal      Kind = "journal"
	KindCalendar     Kind = "calendar"
	KindPreferences  Kind = "preferences"
)

// Kinds returns the tracked kinds in reconciliation order.
// Health-related kinds come first so a partial sync covers them earliest.
func Kinds() []Kind {
	return []Kind{
		KindSymptoms,
		KindJournal,
		KindGoals,
		KindSkills,
		KindAchievements,
		KindCalendar,
		KindPreferences,
	}
}

// Known reports whether k is a tracked kind.
func Known(k Kind) bool {
	for _, known := range Kinds() {
		if known == k {
			return true
		}
	}
	return false
}

// Record is the current value plus last-modified timestamp for one
// (owner, kind) pair. The payload is opaque to the sync layer; it is a
// kind-specific JSON structure (list, map, or scalar).
type Record struct {
	OwnerID string          `json:"owner_id"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	Deleted bool            `json:"deleted,omitempty"`

	// LastModified resolves conflicts under last-write-wins.
	LastModified time.Time `json:"last_modified"`
}

// Validate checks that the record can be persisted.
func (r *Record) Validate() error {
	if r.OwnerID == "" {
		return fmt.Errorf("owner id is required")
	}
	if r.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if !Known(r.Kind) {
		return fmt.Errorf("unknown kind %q", r.Kind)
	}
	if !r.Deleted && len(r.Payload) == 0 {
		return fmt.Errorf("payload is required for kind %q", r.Kind)
	}
	if r.LastModified.IsZero() {
		return fmt.Errorf("last modified timestamp is required")
	}
	return nil
}

// PayloadEqual reports whether two payloads are serialized-equal after
// normalization, so formatting differences do not count as divergence.
func PayloadEqual(a, b json.RawMessage) bool {
	na, err := normalize(a)
	if err != nil {
		return string(a) == string(b)
	}
	nb, err := normalize(b)
	if err != nil {
		return string(a) == string(b)
	}
	return na == nb
}

func normalize(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
