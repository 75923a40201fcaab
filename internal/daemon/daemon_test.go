package daemon

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/majidka99/kompass-app/internal/cache"
	"github.com/majidka99/kompass-app/internal/codec"
	"github.com/majidka99/kompass-app/internal/connectivity"
	"github.com/majidka99/kompass-app/internal/hybrid"
	"github.com/majidka99/kompass-app/internal/identity"
	"github.com/majidka99/kompass-app/internal/queue"
	"github.com/majidka99/kompass-app/internal/record"
	"github.com/majidka99/kompass-app/internal/recovery"
	"github.com/majidka99/kompass-app/internal/remote"
	"github.com/majidka99/kompass-app/internal/syncer"
)

type fixture struct {
	daemon   *Daemon
	remote   *remote.Memory
	monitor  *connectivity.Manual
	recovery *recovery.Engine
	inboxDir string
}

func setupDaemon(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	db, err := cache.Open(filepath.Join(dir, "test.db"))
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
	rec := recovery.New(db, recCfg)

	payloadCodec := &codec.Fallback{Primary: codec.Plain{}, AllowDegraded: true}
	q := queue.New(db, mem, payloadCodec, nil, quiet)
	monitor := connectivity.NewManual(true)
	provider := &identity.Static{Session: session}

	coord := hybrid.New(hybrid.Deps{
		Local:    db,
		Remote:   mem,
		Queue:    q,
		Recovery: rec,
		Identity: provider,
		Monitor:  monitor,
		Codec:    payloadCodec,
		Logger:   quiet,
	})

	syncCfg := syncer.DefaultConfig()
	syncCfg.AutoSync = false
	syncCfg.Logger = quiet
	engine := syncer.New(coord, provider, monitor, rec, nil, syncCfg)

	inbox := filepath.Join(dir, "inbox")
	cfg := DefaultConfig()
	cfg.InboxDir = inbox
	cfg.DebounceInterval = 20 * time.Millisecond
	cfg.Logger = quiet

	d, err := New(coord, engine, rec, monitor, provider, cfg)
	if err != nil {
		t.Fatalf("failed to create daemon: %v", err)
	}

	return &fixture{
		daemon:   d,
		remote:   mem,
		monitor:  monitor,
		recovery: rec,
		inboxDir: inbox,
	}
}

func TestNewRequiresCoreComponents(t *testing.T) {
	if _, err := New(nil, nil, nil, nil, nil, nil); err == nil {
		t.Fatalf("nil coordinator accepted")
	}
}

func TestDaemonImportsInboxFiles(t *testing.T) {
	f := setupDaemon(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.daemon.Start(ctx) }()

	// Wait for the watcher to come up.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(f.inboxDir); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("inbox directory never created")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(f.inboxDir, "goals.json")
	if err := os.WriteFile(path, []byte(`["imported goal"]`), 0644); err != nil {
		t.Fatalf("failed to write inbox file: %v", err)
	}

	// The import lands on the remote store through the coordinator and the
	// file is consumed.
	deadline = time.Now().Add(3 * time.Second)
	for {
		rec, err := f.remote.Get(context.Background(), "tok", "user-1", record.KindGoals)
		if err == nil && string(rec.Payload) == `["imported goal"]` {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("inbox file never imported (last err: %v)", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	deadline = time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("imported file not removed from inbox")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("daemon exited with error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}

func TestDaemonPumpsRetryQueueOnReconnect(t *testing.T) {
	f := setupDaemon(t)

	// Queue a retryable network failure while offline.
	f.monitor.SetOnline(false)
	attempts := 0
	f.recovery.Register(recovery.Strategy{
		Name: "test-retry", Category: recovery.CategoryNetwork, Priority: 1,
		CanRetry: true, MaxRetries: 3,
		Handler: func(context.Context, *recovery.ErrorRecord) error {
			attempts++
			if !f.monitor.Online() {
				return remote.ErrUnavailable
			}
			return nil
		},
	})
	result := f.recovery.Handle(context.Background(), remote.ErrUnavailable,
		recovery.CategoryNetwork, recovery.SeverityMedium, nil)
	if !result.Queued {
		t.Fatalf("failure not queued for retry: %+v", result)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.daemon.Start(ctx) }()
	time.Sleep(100 * time.Millisecond)

	f.monitor.SetOnline(true)

	deadline := time.Now().Add(2 * time.Second)
	for f.recovery.RetryQueueLen() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("retry queue never pumped after reconnect")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if attempts < 2 {
		t.Errorf("expected a retry attempt after reconnect, got %d attempts", attempts)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("daemon exited with error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}
