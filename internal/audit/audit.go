// Package audit records access and mutation events against the remote
// record store. The sink is append-only and best-effort: a failing sink
// must never abort the operation that produced the event.
package audit

import (
	"log"
	"time"

	"github.com/majidka99/kompass-app/internal/record"
)

// Event is one audited access or mutation.
type Event struct {
	Action    string      `json:"action"` // read, write, delete
	Kind      record.Kind `json:"kind"`
	OwnerID   string      `json:"owner_id"`
	Timestamp time.Time   `json:"timestamp"`
}

// Sink receives audit events.
type Sink interface {
	Record(event Event) error
}

// LogSink writes events to a logger.
type LogSink struct {
	Logger *log.Logger
}

// Record implements Sink.
func (s *LogSink) Record(event Event) error {
	if s.Logger == nil {
		return nil
	}
	s.Logger.Printf("audit action=%s kind=%s owner=%s at=%s",
		event.Action, event.Kind, event.OwnerID, event.Timestamp.Format(time.RFC3339))
	return nil
}

// NopSink discards events.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(Event) error { return nil }
