package cache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/majidka99/kompass-app/internal/record"
)

// setupTestDB creates an initialized database in a temp directory.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	return db
}

func TestPutAndGetRecord(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	rec := &record.Record{
		OwnerID:      "user-1",
		Kind:         record.KindJournal,
		Payload:      []byte(`[{"text":"first entry"}]`),
		LastModified: time.Now(),
	}
	if err := db.PutRecord(ctx, rec); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}

	got, err := db.GetRecord(ctx, "user-1", record.KindJournal)
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if string(got.Payload) != string(rec.Payload) {
		t.Errorf("payload mismatch: got %s", got.Payload)
	}
	if got.Deleted {
		t.Errorf("fresh record marked deleted")
	}
	if got.LastModified.Unix() != rec.LastModified.Unix() {
		t.Errorf("timestamp mismatch: got %v, want %v", got.LastModified, rec.LastModified)
	}
}

func TestGetRecordNotFound(t *testing.T) {
	db := setupTestDB(t)

	_, err := db.GetRecord(context.Background(), "user-1", record.KindGoals)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutRecordUpsert(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	first := &record.Record{
		OwnerID:      "user-1",
		Kind:         record.KindGoals,
		Payload:      []byte(`["v1"]`),
		LastModified: time.Now().Add(-time.Hour),
	}
	if err := db.PutRecord(ctx, first); err != nil {
		t.Fatalf("first put failed: %v", err)
	}

	second := &record.Record{
		OwnerID:      "user-1",
		Kind:         record.KindGoals,
		Payload:      []byte(`["v2"]`),
		LastModified: time.Now(),
	}
	if err := db.PutRecord(ctx, second); err != nil {
		t.Fatalf("second put failed: %v", err)
	}

	got, err := db.GetRecord(ctx, "user-1", record.KindGoals)
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if string(got.Payload) != `["v2"]` {
		t.Errorf("upsert did not replace payload: %s", got.Payload)
	}

	count, err := db.RecordCount(ctx, "user-1")
	if err != nil {
		t.Fatalf("RecordCount failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 record after upsert, got %d", count)
	}
}

func TestDeleteRecordKeepsMarker(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	rec := &record.Record{
		OwnerID:      "user-1",
		Kind:         record.KindSymptoms,
		Payload:      []byte(`[{"level":3}]`),
		LastModified: time.Now().Add(-time.Minute),
	}
	if err := db.PutRecord(ctx, rec); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}

	at := time.Now()
	if err := db.DeleteRecord(ctx, "user-1", record.KindSymptoms, at); err != nil {
		t.Fatalf("DeleteRecord failed: %v", err)
	}

	got, err := db.GetRecord(ctx, "user-1", record.KindSymptoms)
	if err != nil {
		t.Fatalf("marker row missing after delete: %v", err)
	}
	if !got.Deleted {
		t.Errorf("expected deleted marker")
	}
	if len(got.Payload) != 0 {
		t.Errorf("deleted marker kept payload: %s", got.Payload)
	}

	count, err := db.RecordCount(ctx, "user-1")
	if err != nil {
		t.Fatalf("RecordCount failed: %v", err)
	}
	if count != 0 {
		t.Errorf("deleted record still counted: %d", count)
	}
}

func TestTimestamp(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, ok, err := db.Timestamp(ctx, "user-1", record.KindCalendar)
	if err != nil {
		t.Fatalf("Timestamp failed: %v", err)
	}
	if ok {
		t.Fatalf("expected no timestamp for missing record")
	}

	at := time.Now()
	rec := &record.Record{
		OwnerID:      "user-1",
		Kind:         record.KindCalendar,
		Payload:      []byte(`[]`),
		LastModified: at,
	}
	if err := db.PutRecord(ctx, rec); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}

	ts, ok, err := db.Timestamp(ctx, "user-1", record.KindCalendar)
	if err != nil {
		t.Fatalf("Timestamp failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected timestamp after put")
	}
	if ts.Unix() != at.Unix() {
		t.Errorf("timestamp mismatch: got %v, want %v", ts, at)
	}
}

func TestRecordsIsolatedByOwner(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	rec := &record.Record{
		OwnerID:      "user-1",
		Kind:         record.KindPreferences,
		Payload:      []byte(`{"theme":"dark"}`),
		LastModified: time.Now(),
	}
	if err := db.PutRecord(ctx, rec); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}

	if _, err := db.GetRecord(ctx, "user-2", record.KindPreferences); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other owner, got %v", err)
	}
}
