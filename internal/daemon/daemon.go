// Package daemon hosts the background sync process.
//
// The daemon:
// 1. Starts the reconciliation engine's timer and reconnect trigger
// 2. Pumps the error-recovery retry queue when connectivity returns
// 3. Watches an inbox directory for record files to import
// 4. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/majidka99/kompass-app/internal/connectivity"
	"github.com/majidka99/kompass-app/internal/hybrid"
	"github.com/majidka99/kompass-app/internal/identity"
	"github.com/majidka99/kompass-app/internal/record"
	"github.com/majidka99/kompass-app/internal/recovery"
	"github.com/majidka99/kompass-app/internal/syncer"
)

// Config holds daemon configuration.
type Config struct {
	// InboxDir is watched for <kind>.json drops to import. Empty
	// disables the watcher.
	InboxDir string

	// DebounceInterval batches rapid writes to the same inbox file.
	DebounceInterval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 200 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates the sync engine, recovery retries and inbox import.
type Daemon struct {
	coord    *hybrid.Coordinator
	engine   *syncer.Engine
	recovery *recovery.Engine
	monitor  connectivity.Monitor
	provider identity.Provider
	config   *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // inbox path -> last event
	changeQueueMu sync.Mutex

	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New creates a Daemon. Use Start to begin operation.
func New(coord *hybrid.Coordinator, engine *syncer.Engine, rec *recovery.Engine, monitor connectivity.Monitor, provider identity.Provider, config *Config) (*Daemon, error) {
	if coord == nil {
		return nil, fmt.Errorf("coordinator cannot be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("sync engine cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 200 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		coord:       coord,
		engine:      engine,
		recovery:    rec,
		monitor:     monitor,
		provider:    provider,
		config:      config,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins daemon operation and blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	d.registerRecoveryDefaults()
	d.engine.Start()

	d.unsubscribe = d.monitor.Subscribe(func(online bool) {
		if !online {
			d.config.Logger.Println("Connectivity lost; operating locally")
			return
		}
		d.config.Logger.Println("Connectivity restored; pumping recovery retries")
		d.recovery.ProcessRetryQueue(d.ctx)
	})

	if d.config.InboxDir != "" {
		if err := d.startInboxWatcher(); err != nil {
			d.Stop()
			return err
		}
	}

	// Kick one sync immediately when we come up online.
	if d.monitor.Online() {
		if _, err := d.engine.Sync(d.ctx); err != nil && !errors.Is(err, syncer.ErrSyncInProgress) {
			d.config.Logger.Printf("Initial sync failed: %v", err)
		}
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts the daemon down.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()
	d.engine.Stop()
	if d.unsubscribe != nil {
		d.unsubscribe()
		d.unsubscribe = nil
	}
	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}
	}

	d.wg.Wait()
	d.config.Logger.Println("Daemon stopped")
	return nil
}

// registerRecoveryDefaults wires the standard fallback ladder to this
// process's components. Hooks without a meaningful local action succeed
// as logged no-ops so the degraded modes are reachable.
func (d *Daemon) registerRecoveryDefaults() {
	recovery.RegisterDefaults(d.recovery, recovery.Hooks{
		EnterOfflineMode: func(context.Context) error {
			d.config.Logger.Println("Degrading to offline mode")
			return nil
		},
		LocalOnlyMode: func(context.Context) error {
			d.config.Logger.Println("Degrading to local-storage-only mode")
			return nil
		},
		DeferSync: func(context.Context) error {
			// Deferred changes already sit in the offline queue; the
			// next drain delivers them.
			return nil
		},
		PrioritySync: func(ctx context.Context) error {
			_, err := d.engine.PrioritySync(ctx)
			return err
		},
	})
}

// startInboxWatcher begins watching the inbox directory.
func (d *Daemon) startInboxWatcher() error {
	if err := os.MkdirAll(d.config.InboxDir, 0755); err != nil {
		return fmt.Errorf("failed to create inbox directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(d.config.InboxDir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch inbox directory: %w", err)
	}
	d.watcher = watcher
	d.config.Logger.Printf("Watching inbox: %s", d.config.InboxDir)

	d.wg.Add(2)
	go d.watchInboxEvents()
	go d.processChangeQueue()
	return nil
}

// watchInboxEvents monitors filesystem events and queues changes.
func (d *Daemon) watchInboxEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			d.config.Logger.Printf("Inbox event: %s %s", event.Op, event.Name)
			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange adds a file to the change queue with debouncing.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()
	d.changeQueue[path] = time.Now()
}

// processChangeQueue imports inbox files once their events settle.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

func (d *Daemon) processPendingChanges() {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	now := time.Now()
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}

		if err := d.importInboxFile(path); err != nil {
			d.config.Logger.Printf("Error importing %s: %v", path, err)
		}
		delete(d.changeQueue, path)
	}
}

// importInboxFile writes one dropped <kind>.json file through the
// coordinator, then removes it from the inbox.
func (d *Daemon) importInboxFile(path string) error {
	kind := record.Kind(strings.TrimSuffix(filepath.Base(path), ".json"))
	if !record.Known(kind) {
		return fmt.Errorf("inbox file %s does not name a known kind", filepath.Base(path))
	}

	payload, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // removed before we got to it
		}
		return fmt.Errorf("failed to read inbox file: %w", err)
	}

	session, err := d.provider.Current(d.ctx)
	if err != nil {
		return fmt.Errorf("cannot import without a session: %w", err)
	}

	if err := d.coord.Write(d.ctx, kind, payload, session.OwnerID); err != nil {
		return fmt.Errorf("failed to import %s: %w", kind, err)
	}

	d.config.Logger.Printf("Imported %s from inbox", kind)
	return os.Remove(path)
}
