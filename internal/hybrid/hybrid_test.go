package hybrid

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
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

// captureSink records audit events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *captureSink) Record(e audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *captureSink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Action + " " + string(e.Kind)
	}
	return out
}

type fixture struct {
	coord    *Coordinator
	db       *cache.DB
	remote   *remote.Memory
	monitor  *connectivity.Manual
	recovery *recovery.Engine
	sink     *captureSink
	session  identity.Session
}

func setupCoordinator(t *testing.T) *fixture {
	t.Helper()

	db, err := cache.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	session := identity.Session{OwnerID: "user-1", Token: "tok", Authenticated: true}
	mem := remote.NewMemory()
	mem.Authorize(session.OwnerID, session.Token)

	quiet := log.New(io.Discard, "", 0)
	recCfg := recovery.DefaultConfig()
	recCfg.Logger = quiet
	rec := recovery.New(nil, recCfg)

	payloadCodec := &codec.Fallback{Primary: codec.Plain{}, AllowDegraded: true}
	sink := &captureSink{}
	q := queue.New(db, mem, payloadCodec, sink, quiet)
	monitor := connectivity.NewManual(true)

	coord := New(Deps{
		Local:    db,
		Remote:   mem,
		Queue:    q,
		Recovery: rec,
		Identity: &identity.Static{Session: session},
		Monitor:  monitor,
		Codec:    payloadCodec,
		Audit:    sink,
		Logger:   quiet,
	})

	return &fixture{
		coord:    coord,
		db:       db,
		remote:   mem,
		monitor:  monitor,
		recovery: rec,
		sink:     sink,
		session:  session,
	}
}

func TestWriteOnlineLandsBothSides(t *testing.T) {
	f := setupCoordinator(t)
	ctx := context.Background()

	if err := f.coord.Write(ctx, record.KindGoals, []byte(`["walk daily"]`), "user-1"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	local, err := f.db.GetRecord(ctx, "user-1", record.KindGoals)
	if err != nil {
		t.Fatalf("local record missing: %v", err)
	}
	if string(local.Payload) != `["walk daily"]` {
		t.Errorf("local payload mismatch: %s", local.Payload)
	}

	remoteRec, err := f.remote.Get(ctx, "tok", "user-1", record.KindGoals)
	if err != nil {
		t.Fatalf("remote record missing: %v", err)
	}
	if string(remoteRec.Payload) != `["walk daily"]` {
		t.Errorf("remote payload mismatch: %s", remoteRec.Payload)
	}

	count, err := f.db.PendingChangeCount(ctx, "user-1")
	if err != nil {
		t.Fatalf("PendingChangeCount failed: %v", err)
	}
	if count != 0 {
		t.Errorf("online write should not enqueue, got %d pending", count)
	}
}

func TestWriteOfflineCommitsLocallyAndQueues(t *testing.T) {
	f := setupCoordinator(t)
	ctx := context.Background()
	f.monitor.SetOnline(false)

	if err := f.coord.Write(ctx, record.KindJournal, []byte(`[{"text":"offline note"}]`), "user-1"); err != nil {
		t.Fatalf("offline Write failed: %v", err)
	}

	// Local commit happened.
	local, err := f.db.GetRecord(ctx, "user-1", record.KindJournal)
	if err != nil {
		t.Fatalf("local record missing: %v", err)
	}
	if local.Deleted {
		t.Errorf("fresh write marked deleted")
	}

	// Remote untouched, change queued as an insert.
	if f.remote.Len() != 0 {
		t.Errorf("offline write reached remote")
	}
	pending, err := f.db.PendingChanges(ctx, "user-1")
	if err != nil {
		t.Fatalf("PendingChanges failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 queued change, got %d", len(pending))
	}
	if pending[0].Operation != string(queue.OpInsert) {
		t.Errorf("first write should queue an insert, got %s", pending[0].Operation)
	}

	// A second offline write to the same kind queues an update.
	if err := f.coord.Write(ctx, record.KindJournal, []byte(`[{"text":"edited"}]`), "user-1"); err != nil {
		t.Fatalf("second offline Write failed: %v", err)
	}
	pending, err = f.db.PendingChanges(ctx, "user-1")
	if err != nil {
		t.Fatalf("PendingChanges failed: %v", err)
	}
	if len(pending) != 2 || pending[1].Operation != string(queue.OpUpdate) {
		t.Fatalf("second write should queue an update: %+v", pending)
	}
}

func TestWriteRemoteOutageDefersDelivery(t *testing.T) {
	f := setupCoordinator(t)
	ctx := context.Background()
	f.remote.Fail(remote.ErrUnavailable)

	if err := f.coord.Write(ctx, record.KindGoals, []byte(`["v1"]`), "user-1"); err != nil {
		t.Fatalf("Write should absorb remote outage: %v", err)
	}

	count, err := f.db.PendingChangeCount(ctx, "user-1")
	if err != nil {
		t.Fatalf("PendingChangeCount failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected deferred delivery in queue, got %d", count)
	}

	// The outage was reported to recovery as a sync failure.
	records := f.recovery.Records()
	if len(records) == 0 || records[len(records)-1].Category != recovery.CategorySync {
		t.Errorf("outage not reported to recovery: %+v", records)
	}
}

func TestWriteRejectsForeignOwner(t *testing.T) {
	f := setupCoordinator(t)

	err := f.coord.Write(context.Background(), record.KindGoals, []byte(`["x"]`), "user-2")
	if !errors.Is(err, ErrOwnerMismatch) {
		t.Fatalf("expected ErrOwnerMismatch, got %v", err)
	}

	// Nothing was written anywhere.
	if _, err := f.db.GetRecord(context.Background(), "user-2", record.KindGoals); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("foreign-owner write reached the cache")
	}
}

func TestReadPrefersRemoteAndMirrors(t *testing.T) {
	f := setupCoordinator(t)
	ctx := context.Background()

	// Remote has newer truth; cache has a stale copy.
	stale := &record.Record{
		OwnerID: "user-1", Kind: record.KindGoals,
		Payload: []byte(`["stale"]`), LastModified: time.Now().Add(-time.Hour),
	}
	if err := f.db.PutRecord(ctx, stale); err != nil {
		t.Fatalf("seed cache failed: %v", err)
	}
	fresh := &record.Record{
		OwnerID: "user-1", Kind: record.KindGoals,
		Payload: []byte(`["fresh"]`), LastModified: time.Now(),
	}
	if err := f.remote.Put(ctx, "tok", fresh); err != nil {
		t.Fatalf("seed remote failed: %v", err)
	}

	value, err := f.coord.Read(ctx, record.KindGoals, "user-1")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(value) != `["fresh"]` {
		t.Errorf("expected remote value, got %s", value)
	}

	// The remote answer was mirrored into the cache.
	local, err := f.db.GetRecord(ctx, "user-1", record.KindGoals)
	if err != nil {
		t.Fatalf("mirror read failed: %v", err)
	}
	if string(local.Payload) != `["fresh"]` {
		t.Errorf("cache not refreshed: %s", local.Payload)
	}
}

func TestReadFallsBackToCacheOnOutage(t *testing.T) {
	f := setupCoordinator(t)
	ctx := context.Background()

	cached := &record.Record{
		OwnerID: "user-1", Kind: record.KindJournal,
		Payload: []byte(`[{"text":"kept"}]`), LastModified: time.Now(),
	}
	if err := f.db.PutRecord(ctx, cached); err != nil {
		t.Fatalf("seed cache failed: %v", err)
	}
	f.remote.Fail(remote.ErrUnavailable)

	value, err := f.coord.Read(ctx, record.KindJournal, "user-1")
	if err != nil {
		t.Fatalf("Read should degrade to cache: %v", err)
	}
	if string(value) != `[{"text":"kept"}]` {
		t.Errorf("expected cached value, got %s", value)
	}
}

func TestReadOfflineServesCache(t *testing.T) {
	f := setupCoordinator(t)
	ctx := context.Background()

	cached := &record.Record{
		OwnerID: "user-1", Kind: record.KindGoals,
		Payload: []byte(`["local"]`), LastModified: time.Now(),
	}
	if err := f.db.PutRecord(ctx, cached); err != nil {
		t.Fatalf("seed cache failed: %v", err)
	}
	f.monitor.SetOnline(false)

	value, err := f.coord.Read(ctx, record.KindGoals, "user-1")
	if err != nil {
		t.Fatalf("offline Read failed: %v", err)
	}
	if string(value) != `["local"]` {
		t.Errorf("expected cached value, got %s", value)
	}
}

func TestReadNeverDegradesIdentityViolations(t *testing.T) {
	f := setupCoordinator(t)
	ctx := context.Background()

	// Cache holds data, but the server rejects the token. The cached copy
	// must NOT be served.
	cached := &record.Record{
		OwnerID: "user-1", Kind: record.KindSymptoms,
		Payload: []byte(`[{"level":5}]`), LastModified: time.Now(),
	}
	if err := f.db.PutRecord(ctx, cached); err != nil {
		t.Fatalf("seed cache failed: %v", err)
	}
	f.remote.Authorize("user-1", "rotated-token")

	value, err := f.coord.Read(ctx, record.KindSymptoms, "user-1")
	if !errors.Is(err, remote.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v (value %s)", err, value)
	}
	if value != nil {
		t.Errorf("unauthorized read returned data")
	}
}

func TestReadTombstoneYieldsNil(t *testing.T) {
	f := setupCoordinator(t)
	ctx := context.Background()

	if err := f.remote.Delete(ctx, "tok", "user-1", record.KindGoals, time.Now()); err != nil {
		t.Fatalf("seed tombstone failed: %v", err)
	}

	value, err := f.coord.Read(ctx, record.KindGoals, "user-1")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if value != nil {
		t.Errorf("tombstone should read as absent, got %s", value)
	}
}

func TestReadWithDefault(t *testing.T) {
	f := setupCoordinator(t)
	ctx := context.Background()
	def := json.RawMessage(`{"theme":"light"}`)

	value, err := f.coord.ReadWithDefault(ctx, record.KindPreferences, "user-1", def)
	if err != nil {
		t.Fatalf("ReadWithDefault failed: %v", err)
	}
	if string(value) != string(def) {
		t.Errorf("expected default for absent record, got %s", value)
	}

	// Identity violations still propagate instead of defaulting.
	if _, err := f.coord.ReadWithDefault(ctx, record.KindPreferences, "user-2", def); !errors.Is(err, ErrOwnerMismatch) {
		t.Errorf("expected ErrOwnerMismatch, got %v", err)
	}
}

func TestReadWithDefaultSkillsMerge(t *testing.T) {
	f := setupCoordinator(t)
	ctx := context.Background()
	def := json.RawMessage(`["breathing","grounding"]`)

	// Empty stored list yields the seed set unchanged.
	if err := f.coord.Write(ctx, record.KindSkills, []byte(`[]`), "user-1"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	value, err := f.coord.ReadWithDefault(ctx, record.KindSkills, "user-1", def)
	if err != nil {
		t.Fatalf("ReadWithDefault failed: %v", err)
	}
	if string(value) != string(def) {
		t.Errorf("empty skills should yield seed set, got %s", value)
	}

	// Non-empty stored list yields the union, seed items first, deduped.
	if err := f.coord.Write(ctx, record.KindSkills, []byte(`["grounding","journaling"]`), "user-1"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	value, err = f.coord.ReadWithDefault(ctx, record.KindSkills, "user-1", def)
	if err != nil {
		t.Fatalf("ReadWithDefault failed: %v", err)
	}

	var merged []string
	if err := json.Unmarshal(value, &merged); err != nil {
		t.Fatalf("merged list unparsable: %v", err)
	}
	want := []string{"breathing", "grounding", "journaling"}
	if len(merged) != len(want) {
		t.Fatalf("merge mismatch: got %v, want %v", merged, want)
	}
	for i := range want {
		if merged[i] != want[i] {
			t.Fatalf("merge mismatch: got %v, want %v", merged, want)
		}
	}
}

func TestDeleteOfflineQueuesTombstone(t *testing.T) {
	f := setupCoordinator(t)
	ctx := context.Background()

	if err := f.coord.Write(ctx, record.KindGoals, []byte(`["x"]`), "user-1"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	f.monitor.SetOnline(false)

	if err := f.coord.Delete(ctx, record.KindGoals, "user-1"); err != nil {
		t.Fatalf("offline Delete failed: %v", err)
	}

	// Local side reads as absent.
	value, err := f.coord.Read(ctx, record.KindGoals, "user-1")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if value != nil {
		t.Errorf("deleted record still readable: %s", value)
	}

	pending, err := f.db.PendingChanges(ctx, "user-1")
	if err != nil {
		t.Fatalf("PendingChanges failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Operation != string(queue.OpDelete) {
		t.Fatalf("expected queued delete, got %+v", pending)
	}
}

func TestRemoteOperationsAreAudited(t *testing.T) {
	f := setupCoordinator(t)
	ctx := context.Background()

	if err := f.coord.Write(ctx, record.KindGoals, []byte(`["x"]`), "user-1"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := f.coord.Read(ctx, record.KindGoals, "user-1"); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if err := f.coord.Delete(ctx, record.KindGoals, "user-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	want := []string{"write goals", "read goals", "delete goals"}
	got := f.sink.actions()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
