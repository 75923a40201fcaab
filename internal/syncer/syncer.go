// Package syncer implements the reconciliation engine.
//
// The engine periodically (and on demand) compares every tracked kind
// between the local cache and the remote store, pulls or pushes missing
// sides, and turns genuine divergence into conflicts that are either
// resolved by the configured policy or surfaced for manual resolution.
//
// State machine: idle -> syncing -> {idle, conflict, error}; conflict
// returns to idle once the pending set empties. Offline is orthogonal:
// while offline the engine refuses to run and keeps its current state.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/majidka99/kompass-app/internal/cache"
	"github.com/majidka99/kompass-app/internal/connectivity"
	"github.com/majidka99/kompass-app/internal/hybrid"
	"github.com/majidka99/kompass-app/internal/identity"
	"github.com/majidka99/kompass-app/internal/queue"
	"github.com/majidka99/kompass-app/internal/record"
	"github.com/majidka99/kompass-app/internal/recovery"
	"github.com/majidka99/kompass-app/internal/remote"
	"github.com/majidka99/kompass-app/internal/sched"
)

var (
	// ErrSyncInProgress rejects a sync request while one is running.
	// Single-flight per process; requests are rejected, not queued.
	ErrSyncInProgress = errors.New("syncer: sync already in progress")

	// ErrOffline rejects a sync request while connectivity is down.
	ErrOffline = errors.New("syncer: offline")

	// ErrNoConflict indicates a manual resolution for a kind with no
	// pending conflict.
	ErrNoConflict = errors.New("syncer: no pending conflict for kind")

	// ErrMergeValueRequired indicates a merge resolution without a
	// caller-supplied value. Usage error, never defaulted.
	ErrMergeValueRequired = errors.New("syncer: merge resolution requires a merged value")
)

// State is the engine's lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateSyncing  State = "syncing"
	StateConflict State = "conflict"
	StateError    State = "error"
)

// Policy selects how detected conflicts are resolved.
type Policy string

const (
	PolicyLocalWins  Policy = "localWins"
	PolicyRemoteWins Policy = "remoteWins"

	// PolicyLatestTimestamp picks the side with the greater-or-equal
	// timestamp; exact ties favor local.
	PolicyLatestTimestamp Policy = "latestTimestamp"

	// PolicyManual keeps every conflict pending for ResolveConflict.
	PolicyManual Policy = "manual"
)

// ConflictType classifies a detected divergence.
type ConflictType string

const (
	ConflictUpdate         ConflictType = "update"
	ConflictDelete         ConflictType = "delete"
	ConflictConcurrentEdit ConflictType = "concurrentEdit"
)

// Resolution is a manual conflict decision.
type Resolution string

const (
	ResolutionUseLocal  Resolution = "useLocal"
	ResolutionUseRemote Resolution = "useRemote"
	ResolutionMerge     Resolution = "merge"
)

// Conflict is a detected divergence between local and remote versions of
// one kind.
type Conflict struct {
	Kind            record.Kind     `json:"key"`
	LocalValue      json.RawMessage `json:"local_value,omitempty"`
	RemoteValue     json.RawMessage `json:"remote_value,omitempty"`
	LocalDeleted    bool            `json:"local_deleted,omitempty"`
	RemoteDeleted   bool            `json:"remote_deleted,omitempty"`
	LocalTimestamp  time.Time       `json:"local_timestamp"`
	RemoteTimestamp time.Time       `json:"remote_timestamp"`
	Type            ConflictType    `json:"conflict_type"`
	DetectedAt      time.Time       `json:"detected_at"`
}

// KindError pairs a kind with the error that failed its comparison.
type KindError struct {
	Kind  record.Kind `json:"kind"`
	Error string      `json:"error"`
}

// Result aggregates one reconciliation run.
type Result struct {
	Success      []record.Kind `json:"success"`
	Failed       []KindError   `json:"failed"`
	Conflicts    []*Conflict   `json:"conflicts"`
	TotalSynced  int           `json:"total_synced"`
	LastSyncTime time.Time     `json:"last_sync_time"`
	SyncDuration time.Duration `json:"sync_duration"`
}

// Config holds engine tuning.
type Config struct {
	// Interval between automatic runs while AutoSync is enabled.
	Interval time.Duration

	// BatchSize bounds how many kinds are compared concurrently.
	BatchSize int

	// Policy is the active resolution policy.
	Policy Policy

	// AutoSync enables the repeating timer.
	AutoSync bool

	// ConcurrentEditWindow is the timestamp proximity treated as truly
	// simultaneous. A plain heuristic, not a causality model.
	ConcurrentEditWindow time.Duration

	// PriorityKinds is how many of the registry's leading (sensitive)
	// kinds a partial priority sync covers.
	PriorityKinds int

	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:             5 * time.Minute,
		BatchSize:            5,
		Policy:               PolicyLatestTimestamp,
		AutoSync:             true,
		ConcurrentEditWindow: 60 * time.Second,
		PriorityKinds:        2,
		Logger:               log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// Engine reconciles local and remote records.
type Engine struct {
	coord     *hybrid.Coordinator
	queue     *queue.Queue
	local     *cache.DB
	provider  identity.Provider
	monitor   connectivity.Monitor
	recovery  *recovery.Engine
	scheduler sched.Scheduler
	config    *Config

	mu        sync.Mutex
	state     State
	syncing   bool
	conflicts map[record.Kind]*Conflict

	cancelTimer sched.CancelFunc
	unsubscribe func()
}

// New creates an Engine around the coordinator and its stores.
func New(coord *hybrid.Coordinator, provider identity.Provider, monitor connectivity.Monitor, rec *recovery.Engine, scheduler sched.Scheduler, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 5
	}
	if config.ConcurrentEditWindow <= 0 {
		config.ConcurrentEditWindow = 60 * time.Second
	}
	return &Engine{
		coord:     coord,
		queue:     coord.Queue(),
		local:     coord.Local(),
		provider:  provider,
		monitor:   monitor,
		recovery:  rec,
		scheduler: scheduler,
		config:    config,
		state:     StateIdle,
		conflicts: make(map[record.Kind]*Conflict),
	}
}

// Start enables automatic syncing: the repeating timer (when AutoSync is
// on) and the connectivity-restored trigger.
func (e *Engine) Start() {
	if e.config.AutoSync && e.scheduler != nil {
		e.cancelTimer = e.scheduler.ScheduleRepeating(e.config.Interval, func() {
			if _, err := e.Sync(context.Background()); err != nil {
				if !errors.Is(err, ErrOffline) && !errors.Is(err, ErrSyncInProgress) {
					e.config.Logger.Printf("Scheduled sync failed: %v", err)
				}
			}
		})
	}

	e.unsubscribe = e.monitor.Subscribe(func(online bool) {
		if !online {
			return
		}
		if _, err := e.Sync(context.Background()); err != nil {
			if !errors.Is(err, ErrSyncInProgress) {
				e.config.Logger.Printf("Reconnect sync failed: %v", err)
			}
		}
	})
}

// Stop cancels the timer and the connectivity subscription.
func (e *Engine) Stop() {
	if e.cancelTimer != nil {
		e.cancelTimer()
		e.cancelTimer = nil
	}
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Conflicts returns the pending conflicts in registry order.
func (e *Engine) Conflicts() []*Conflict {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*Conflict, 0, len(e.conflicts))
	for _, kind := range record.Kinds() {
		if c, ok := e.conflicts[kind]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Sync runs one full reconciliation pass over every tracked kind.
func (e *Engine) Sync(ctx context.Context) (*Result, error) {
	return e.sync(ctx, record.Kinds())
}

// PrioritySync reconciles only the leading (sensitive) kinds. Used as the
// sync category's first fallback strategy.
func (e *Engine) PrioritySync(ctx context.Context) (*Result, error) {
	kinds := record.Kinds()
	n := e.config.PriorityKinds
	if n <= 0 || n > len(kinds) {
		n = len(kinds)
	}
	return e.sync(ctx, kinds[:n])
}

func (e *Engine) sync(ctx context.Context, kinds []record.Kind) (result *Result, err error) {
	if err := e.begin(); err != nil {
		return nil, err
	}

	started := time.Now()
	result = &Result{}

	defer func() {
		if r := recover(); r != nil {
			e.finish(StateError)
			err = fmt.Errorf("sync panicked: %v", r)
			return
		}
		if err != nil {
			e.finish(StateError)
			return
		}
		result.LastSyncTime = time.Now()
		result.SyncDuration = time.Since(started)
		result.Conflicts = e.Conflicts()
		if len(result.Conflicts) > 0 {
			e.finish(StateConflict)
		} else {
			e.finish(StateIdle)
		}
	}()

	session, err := e.provider.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot sync: %w", err)
	}

	// Pending offline changes replay before comparison so the remote
	// side reflects everything this device already committed locally.
	if _, err := e.queue.Drain(ctx, session); err != nil {
		return nil, fmt.Errorf("queue drain failed: %w", err)
	}

	e.compareKinds(ctx, session, kinds, result)
	e.saveState(ctx, session.OwnerID)

	e.config.Logger.Printf("Sync complete: synced=%d failed=%d conflicts=%d in %v",
		result.TotalSynced, len(result.Failed), len(e.Conflicts()), time.Since(started))
	return result, nil
}

// begin enforces the single-flight and offline guards.
func (e *Engine) begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.syncing {
		return ErrSyncInProgress
	}
	if !e.monitor.Online() {
		return ErrOffline
	}
	e.syncing = true
	e.state = StateSyncing
	return nil
}

func (e *Engine) finish(state State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncing = false
	e.state = state
}

// compareKinds processes kinds in fixed-size batches, concurrent within a
// batch and sequential across batches, to bound simultaneous network
// calls.
func (e *Engine) compareKinds(ctx context.Context, session identity.Session, kinds []record.Kind, result *Result) {
	var resultMu sync.Mutex

	for start := 0; start < len(kinds); start += e.config.BatchSize {
		end := start + e.config.BatchSize
		if end > len(kinds) {
			end = len(kinds)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, kind := range kinds[start:end] {
			g.Go(func() error {
				changed, err := e.syncKind(gctx, session, kind)

				resultMu.Lock()
				defer resultMu.Unlock()
				if err != nil {
					result.Failed = append(result.Failed, KindError{Kind: kind, Error: err.Error()})
					e.recovery.Handle(gctx, err, recovery.CategorySync, recovery.SeverityMedium,
						map[string]any{"kind": string(kind), "owner_id": session.OwnerID})
					return nil
				}
				result.Success = append(result.Success, kind)
				if changed {
					result.TotalSynced++
				}
				return nil
			})
		}
		_ = g.Wait()
	}
}

// syncKind compares one kind across stores. Returns whether data moved.
func (e *Engine) syncKind(ctx context.Context, session identity.Session, kind record.Kind) (bool, error) {
	local, err := e.local.GetRecord(ctx, session.OwnerID, kind)
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return false, fmt.Errorf("local read: %w", err)
	}

	remoteRec, err := e.coord.RemoteGet(ctx, session, kind)
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		return false, fmt.Errorf("remote read: %w", err)
	}

	switch {
	case local == nil && remoteRec == nil:
		return false, nil

	case local == nil:
		// Pull remote into local.
		if err := e.local.PutRecord(ctx, remoteRec); err != nil {
			return false, fmt.Errorf("pull %s: %w", kind, err)
		}
		return true, nil

	case remoteRec == nil:
		if local.Deleted {
			// Nothing to push; remote never had it.
			return false, nil
		}
		if err := e.coord.RemotePut(ctx, session, local); err != nil {
			return false, fmt.Errorf("push %s: %w", kind, err)
		}
		return true, nil
	}

	if local.Deleted == remoteRec.Deleted &&
		(local.Deleted || record.PayloadEqual(local.Payload, remoteRec.Payload)) {
		e.clearConflict(kind)
		return false, nil
	}

	conflict := e.classify(kind, local, remoteRec)
	if e.config.Policy == PolicyManual {
		e.storeConflict(conflict)
		return false, nil
	}

	winner := e.pickWinner(local, remoteRec)
	if err := e.applyWinner(ctx, session, winner, local); err != nil {
		e.storeConflict(conflict)
		return false, fmt.Errorf("resolve %s: %w", kind, err)
	}
	e.clearConflict(kind)
	return true, nil
}

// classify builds the conflict for divergent records. Timestamps within
// the concurrent-edit window count as truly simultaneous; a tombstone on
// either side makes it a delete conflict.
func (e *Engine) classify(kind record.Kind, local, remoteRec *record.Record) *Conflict {
	conflict := &Conflict{
		Kind:            kind,
		LocalValue:      local.Payload,
		RemoteValue:     remoteRec.Payload,
		LocalDeleted:    local.Deleted,
		RemoteDeleted:   remoteRec.Deleted,
		LocalTimestamp:  local.LastModified,
		RemoteTimestamp: remoteRec.LastModified,
		DetectedAt:      time.Now(),
	}

	switch {
	case local.Deleted != remoteRec.Deleted:
		conflict.Type = ConflictDelete
	case absDuration(local.LastModified.Sub(remoteRec.LastModified)) < e.config.ConcurrentEditWindow:
		conflict.Type = ConflictConcurrentEdit
	default:
		conflict.Type = ConflictUpdate
	}
	return conflict
}

// pickWinner applies the active policy. Under latestTimestamp a tie
// favors local.
func (e *Engine) pickWinner(local, remoteRec *record.Record) *record.Record {
	switch e.config.Policy {
	case PolicyLocalWins:
		return local
	case PolicyRemoteWins:
		return remoteRec
	default: // PolicyLatestTimestamp
		if !local.LastModified.Before(remoteRec.LastModified) {
			return local
		}
		return remoteRec
	}
}

// applyWinner writes the winning record to the side that doesn't hold it.
func (e *Engine) applyWinner(ctx context.Context, session identity.Session, winner, local *record.Record) error {
	if winner == local {
		return e.coord.RemotePut(ctx, session, winner)
	}
	return e.local.PutRecord(ctx, winner)
}

// ResolveConflict applies a manual decision for kind. merge requires the
// caller-supplied mergedValue; its absence is a usage error. The chosen
// side is written to both stores, timestamped now, and the conflict
// leaves the pending set. Choosing the deleted side of a delete conflict
// propagates the tombstone instead of a live value.
func (e *Engine) ResolveConflict(ctx context.Context, kind record.Kind, resolution Resolution, mergedValue json.RawMessage) error {
	e.mu.Lock()
	conflict, ok := e.conflicts[kind]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoConflict, kind)
	}

	session, err := e.provider.Current(ctx)
	if err != nil {
		return fmt.Errorf("cannot resolve conflict: %w", err)
	}

	var (
		value     json.RawMessage
		tombstone bool
	)
	switch resolution {
	case ResolutionUseLocal:
		value, tombstone = conflict.LocalValue, conflict.LocalDeleted
	case ResolutionUseRemote:
		value, tombstone = conflict.RemoteValue, conflict.RemoteDeleted
	case ResolutionMerge:
		if len(mergedValue) == 0 {
			return ErrMergeValueRequired
		}
		value = mergedValue
	default:
		return fmt.Errorf("unknown resolution %q", resolution)
	}

	now := time.Now()
	if tombstone {
		if err := e.local.DeleteRecord(ctx, session.OwnerID, kind, now); err != nil {
			return fmt.Errorf("apply resolution locally: %w", err)
		}
		if err := e.coord.RemoteDelete(ctx, session, kind, now); err != nil {
			return fmt.Errorf("apply resolution remotely: %w", err)
		}
	} else {
		resolved := &record.Record{
			OwnerID:      session.OwnerID,
			Kind:         kind,
			Payload:      value,
			LastModified: now,
		}
		if err := e.local.PutRecord(ctx, resolved); err != nil {
			return fmt.Errorf("apply resolution locally: %w", err)
		}
		if err := e.coord.RemotePut(ctx, session, resolved); err != nil {
			return fmt.Errorf("apply resolution remotely: %w", err)
		}
	}

	e.mu.Lock()
	delete(e.conflicts, kind)
	if len(e.conflicts) == 0 && e.state == StateConflict {
		e.state = StateIdle
	}
	e.mu.Unlock()

	e.config.Logger.Printf("Conflict for %s resolved (%s)", kind, resolution)
	return nil
}

func (e *Engine) storeConflict(c *Conflict) {
	e.mu.Lock()
	defer e.mu.Unlock()
	// A newer comparison pass supersedes the previous conflict.
	e.conflicts[c.Kind] = c
}

func (e *Engine) clearConflict(kind record.Kind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conflicts, kind)
}

// saveState persists the run outcome for the status surface.
func (e *Engine) saveState(ctx context.Context, ownerID string) {
	status := string(StateIdle)
	if len(e.Conflicts()) > 0 {
		status = string(StateConflict)
	}
	state := &cache.SyncState{
		OwnerID:      ownerID,
		LastSyncTime: time.Now(),
		Status:       status,
	}
	if err := e.local.SaveSyncState(ctx, state); err != nil {
		e.config.Logger.Printf("WARNING: failed to persist sync state: %v", err)
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
