package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/majidka99/kompass-app/internal/audit"
	"github.com/majidka99/kompass-app/internal/cache"
	"github.com/majidka99/kompass-app/internal/codec"
	"github.com/majidka99/kompass-app/internal/connectivity"
	"github.com/majidka99/kompass-app/internal/hybrid"
	"github.com/majidka99/kompass-app/internal/identity"
	"github.com/majidka99/kompass-app/internal/queue"
	"github.com/majidka99/kompass-app/internal/recovery"
	"github.com/majidka99/kompass-app/internal/remote"
	"github.com/majidka99/kompass-app/internal/sched"
	"github.com/majidka99/kompass-app/internal/syncer"
)

// app bundles the constructed component graph for one CLI invocation.
type app struct {
	db       *cache.DB
	coord    *hybrid.Coordinator
	engine   *syncer.Engine
	recovery *recovery.Engine
	monitor  connectivity.Monitor
	provider identity.Provider
	session  identity.Session
	wsm      *connectivity.WSMonitor
}

func (a *app) close() {
	if a.wsm != nil {
		a.wsm.Stop()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

// dataDir resolves the local data directory.
func dataDir() (string, error) {
	if dir := viper.GetString("data_dir"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".kompass"), nil
}

// logWriter returns the daemon log destination: a rotating file when
// log_file is configured, stderr otherwise.
func logWriter() io.Writer {
	if path := viper.GetString("log_file"); path != "" {
		return &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
	}
	return os.Stderr
}

// buildApp constructs the full component graph from configuration.
// heartbeat selects whether the WebSocket connectivity monitor is
// started; one-shot commands skip it and assume online.
func buildApp(heartbeat bool) (*app, error) {
	owner := viper.GetString("owner")
	if owner == "" {
		return nil, fmt.Errorf("owner is not configured (set owner in config or --owner)")
	}

	dir, err := dataDir()
	if err != nil {
		return nil, err
	}

	db, err := cache.Open(filepath.Join(dir, "kompass.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open local cache: %w", err)
	}
	if err := db.InitSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}

	out := logWriter()
	devMode := viper.GetBool("dev_mode")
	session := identity.Session{
		OwnerID:       owner,
		Token:         viper.GetString("token"),
		Authenticated: true,
	}
	provider := &identity.Static{Session: session}

	var store remote.Store
	if url := viper.GetString("remote_url"); url != "" {
		store = remote.NewHTTPStore(url, nil)
	} else if devMode {
		mem := remote.NewMemory()
		mem.Authorize(session.OwnerID, session.Token)
		store = mem
	} else {
		_ = db.Close()
		return nil, fmt.Errorf("remote_url is not configured")
	}

	a := &app{db: db, provider: provider, session: session}

	if hb := viper.GetString("heartbeat_url"); heartbeat && hb != "" {
		wsc := connectivity.DefaultWSConfig(hb)
		wsc.Logger = log.New(out, "[connectivity] ", log.LstdFlags)
		a.wsm = connectivity.NewWSMonitor(wsc)
		a.wsm.Start()
		a.monitor = a.wsm
	} else {
		// One-shot commands assume online; per-call failures degrade
		// through the normal fallback paths.
		a.monitor = connectivity.NewManual(true)
	}

	a.recovery = recovery.New(db, &recovery.Config{
		Logger: log.New(out, "[recovery] ", log.LstdFlags),
	})

	payloadCodec := &codec.Fallback{
		Primary:       codec.Plain{},
		AllowDegraded: devMode,
	}

	sink := &audit.LogSink{Logger: log.New(out, "[audit] ", log.LstdFlags)}
	q := queue.New(db, store, payloadCodec, sink, log.New(out, "[queue] ", log.LstdFlags))

	a.coord = hybrid.New(hybrid.Deps{
		Local:    db,
		Remote:   store,
		Queue:    q,
		Recovery: a.recovery,
		Identity: provider,
		Monitor:  a.monitor,
		Codec:    payloadCodec,
		Audit:    sink,
		Logger:   log.New(out, "[hybrid] ", log.LstdFlags),
	})

	interval, err := time.ParseDuration(viper.GetString("sync.interval"))
	if err != nil {
		interval = 5 * time.Minute
	}
	syncCfg := syncer.DefaultConfig()
	syncCfg.Interval = interval
	syncCfg.Policy = syncer.Policy(viper.GetString("sync.policy"))
	syncCfg.AutoSync = viper.GetBool("sync.auto")
	syncCfg.Logger = log.New(out, "[sync] ", log.LstdFlags)

	a.engine = syncer.New(a.coord, provider, a.monitor, a.recovery, sched.Ticker{}, syncCfg)
	return a, nil
}
