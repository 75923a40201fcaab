// Package recovery implements the categorized error-recovery engine.
//
// Every component reports failures here instead of handling them ad hoc.
// The engine classifies the failure, runs the fallback strategies
// registered for its category in priority order, and escalates unresolved
// failures by severity. Strategies that opt into retrying are queued and
// re-run when connectivity returns.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/majidka99/kompass-app/internal/cache"
)

// Category classifies a handled failure.
type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryAuthentication Category = "authentication"
	CategoryEncryption     Category = "encryption"
	CategoryStorage        Category = "storage"
	CategoryValidation     Category = "validation"
	CategorySync           Category = "sync"
	CategoryCompliance     Category = "compliance"
	CategoryUserAction     Category = "userAction"
	CategorySystem         Category = "system"
)

// Categories lists every declared category.
func Categories() []Category {
	return []Category{
		CategoryNetwork, CategoryAuthentication, CategoryEncryption,
		CategoryStorage, CategoryValidation, CategorySync,
		CategoryCompliance, CategoryUserAction, CategorySystem,
	}
}

// Severity grades a handled failure.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ErrorRecord is the engine's bookkeeping for one handled failure.
type ErrorRecord struct {
	ID         string         `json:"id"`
	Message    string         `json:"message"`
	Category   Category       `json:"category"`
	Severity   Severity       `json:"severity"`
	Timestamp  time.Time      `json:"timestamp"`
	OwnerID    string         `json:"owner_id,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	Resolved   bool           `json:"resolved"`
	RetryCount int            `json:"retry_count"`
	MaxRetries int            `json:"max_retries"`
}

// Strategy is a named, category-scoped, priority-ordered recovery handler.
// Lower priority runs first. Strategies are declared at process start and
// are not persisted.
type Strategy struct {
	Name       string
	Category   Category
	Priority   int
	CanRetry   bool
	MaxRetries int

	// Handler attempts recovery. A nil error marks the record resolved.
	Handler func(ctx context.Context, rec *ErrorRecord) error
}

// RecoveryAction is a user-facing remediation offered on critical
// escalation. Destructive actions require confirmation in the UI layer.
type RecoveryAction struct {
	Name                 string `json:"name"`
	Description          string `json:"description"`
	Destructive          bool   `json:"destructive"`
	RequiresConfirmation bool   `json:"requires_confirmation"`
}

// Result is the structured, non-throwing outcome of Handle.
type Result struct {
	RecordID    string           `json:"record_id"`
	Recovered   bool             `json:"recovered"`
	Strategy    string           `json:"strategy,omitempty"`
	Category    Category         `json:"category"`
	Severity    Severity         `json:"severity"`
	Message     string           `json:"message"`
	UserVisible bool             `json:"user_visible"`
	Queued      bool             `json:"queued_for_retry"`
	Actions     []RecoveryAction `json:"actions,omitempty"`
}

// Config holds engine tuning.
type Config struct {
	// LogCapacity bounds the in-memory error log; oldest entries are
	// pruned first.
	LogCapacity int

	// PersistTail is how many of the most recent records are mirrored
	// into the local cache for postmortem access across sessions.
	PersistTail int

	// DefaultMaxRetries applies to records handled by strategies that
	// don't set their own limit.
	DefaultMaxRetries int

	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogCapacity:       1000,
		PersistTail:       100,
		DefaultMaxRetries: 3,
		Logger:            log.New(os.Stderr, "[recovery] ", log.LstdFlags),
	}
}

type retryItem struct {
	record   *ErrorRecord
	strategy *Strategy
}

// Engine classifies failures and drives recovery.
type Engine struct {
	db     *cache.DB // optional; nil disables persistence
	config *Config

	mu         sync.Mutex
	strategies map[Category][]*Strategy
	records    []*ErrorRecord
	retryQueue []retryItem
}

// New creates an Engine. db may be nil to disable the persisted log.
func New(db *cache.DB, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[recovery] ", log.LstdFlags)
	}
	if config.LogCapacity <= 0 {
		config.LogCapacity = 1000
	}
	if config.PersistTail <= 0 || config.PersistTail > config.LogCapacity {
		config.PersistTail = 100
	}
	return &Engine{
		db:         db,
		config:     config,
		strategies: make(map[Category][]*Strategy),
	}
}

// Register adds a fallback strategy, keeping the category's list ordered
// by ascending priority.
func (e *Engine) Register(s Strategy) {
	e.mu.Lock()
	defer e.mu.Unlock()

	list := e.strategies[s.Category]
	list = append(list, &s)
	for i := len(list) - 1; i > 0 && list[i].Priority < list[i-1].Priority; i-- {
		list[i], list[i-1] = list[i-1], list[i]
	}
	e.strategies[s.Category] = list
}

// Handle processes one failure and returns a structured result. It never
// panics and never returns an error: unresolvable failures escalate into
// the result instead.
func (e *Engine) Handle(ctx context.Context, cause error, category Category, severity Severity, errCtx map[string]any) *Result {
	rec := &ErrorRecord{
		ID:         uuid.NewString(),
		Message:    cause.Error(),
		Category:   category,
		Severity:   severity,
		Timestamp:  time.Now(),
		Context:    sanitizeContext(errCtx),
		MaxRetries: e.config.DefaultMaxRetries,
	}
	if owner, ok := rec.Context["owner_id"].(string); ok {
		rec.OwnerID = owner
	}

	e.appendRecord(rec)
	e.config.Logger.Printf("Handling %s/%s error: %s", category, severity, rec.Message)

	result := &Result{
		RecordID: rec.ID,
		Category: category,
		Severity: severity,
		Message:  rec.Message,
	}

	for _, strategy := range e.strategiesFor(category) {
		err := e.runStrategy(ctx, strategy, rec)
		if err == nil {
			e.resolve(rec)
			result.Recovered = true
			result.Strategy = strategy.Name
			e.config.Logger.Printf("Recovered via %s", strategy.Name)
			e.persistTail(ctx)
			return result
		}

		e.config.Logger.Printf("Strategy %s failed: %v", strategy.Name, err)
		if strategy.CanRetry && rec.RetryCount < strategy.maxRetries(e.config.DefaultMaxRetries) {
			e.mu.Lock()
			rec.RetryCount++
			e.retryQueue = append(e.retryQueue, retryItem{record: rec, strategy: strategy})
			e.mu.Unlock()
			result.Queued = true
		}
	}

	e.escalate(result)
	e.persistTail(ctx)
	return result
}

func (s *Strategy) maxRetries(fallback int) int {
	if s.MaxRetries > 0 {
		return s.MaxRetries
	}
	return fallback
}

// runStrategy executes a strategy handler, converting panics into errors
// so one bad handler cannot take the engine down.
func (e *Engine) runStrategy(ctx context.Context, s *Strategy, rec *ErrorRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy %s panicked: %v", s.Name, r)
		}
	}()
	return s.Handler(ctx, rec)
}

// escalate fills in the unresolved outcome by severity.
func (e *Engine) escalate(result *Result) {
	switch result.Severity {
	case SeverityCritical:
		result.UserVisible = true
		result.Actions = actionsFor(result.Category)
	case SeverityHigh:
		result.UserVisible = true
	default:
		// medium and low stay log-only
	}
}

// ProcessRetryQueue re-runs queued (record, strategy) pairs. The daemon
// calls this when connectivity is restored. Pairs that succeed mark their
// record resolved; pairs that exhaust their retry budget are dropped from
// the queue but stay in the log for inspection.
func (e *Engine) ProcessRetryQueue(ctx context.Context) {
	e.mu.Lock()
	pending := e.retryQueue
	e.retryQueue = nil
	e.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	e.config.Logger.Printf("Processing %d queued recovery retries", len(pending))

	var requeue []retryItem
	for _, item := range pending {
		if item.record.Resolved {
			continue
		}
		if err := e.runStrategy(ctx, item.strategy, item.record); err == nil {
			e.resolve(item.record)
			e.config.Logger.Printf("Retry recovered via %s", item.strategy.Name)
			continue
		}

		e.mu.Lock()
		item.record.RetryCount++
		exhausted := item.record.RetryCount >= item.strategy.maxRetries(e.config.DefaultMaxRetries)
		e.mu.Unlock()

		if exhausted {
			e.config.Logger.Printf("Dropping retry for %s after %d attempts",
				item.record.ID, item.record.RetryCount)
			continue
		}
		requeue = append(requeue, item)
	}

	e.mu.Lock()
	e.retryQueue = append(e.retryQueue, requeue...)
	e.mu.Unlock()

	e.persistTail(ctx)
}

// RetryQueueLen returns the number of queued retry pairs.
func (e *Engine) RetryQueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.retryQueue)
}

// Records returns a snapshot of the in-memory log, oldest first.
func (e *Engine) Records() []*ErrorRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*ErrorRecord, len(e.records))
	copy(out, e.records)
	return out
}

func (e *Engine) strategiesFor(category Category) []*Strategy {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*Strategy, len(e.strategies[category]))
	copy(out, e.strategies[category])
	return out
}

func (e *Engine) appendRecord(rec *ErrorRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.records = append(e.records, rec)
	if excess := len(e.records) - e.config.LogCapacity; excess > 0 {
		e.records = append([]*ErrorRecord(nil), e.records[excess:]...)
	}
}

func (e *Engine) resolve(rec *ErrorRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec.Resolved = true
}

// persistTail mirrors the most recent records into the cache. Best-effort:
// a failing cache must not break recovery itself.
func (e *Engine) persistTail(ctx context.Context) {
	if e.db == nil {
		return
	}

	e.mu.Lock()
	tail := e.records
	if len(tail) > e.config.PersistTail {
		tail = tail[len(tail)-e.config.PersistTail:]
	}
	entries := make([]*cache.ErrorEntry, 0, len(tail))
	for _, rec := range tail {
		ctxJSON, err := json.Marshal(rec.Context)
		if err != nil {
			ctxJSON = []byte("{}")
		}
		entries = append(entries, &cache.ErrorEntry{
			ID:         rec.ID,
			Message:    rec.Message,
			Category:   string(rec.Category),
			Severity:   string(rec.Severity),
			Timestamp:  rec.Timestamp,
			OwnerID:    rec.OwnerID,
			Context:    string(ctxJSON),
			Resolved:   rec.Resolved,
			RetryCount: rec.RetryCount,
			MaxRetries: rec.MaxRetries,
		})
	}
	e.mu.Unlock()

	if err := e.db.SaveErrorLog(ctx, entries); err != nil {
		e.config.Logger.Printf("WARNING: failed to persist error log: %v", err)
	}
}

// redactedMarker replaces secret-bearing context values.
const redactedMarker = "[REDACTED]"

// maxContextValueLen truncates long string values in sanitized context.
const maxContextValueLen = 200

var secretKeySubstrings = []string{"password", "token", "secret", "key", "credential", "auth"}

// sanitizeContext redacts secret-bearing keys and truncates long string
// values so failures never leak credentials into logs.
func sanitizeContext(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}

	out := make(map[string]any, len(in))
	for k, v := range in {
		if isSecretKey(k) {
			out[k] = redactedMarker
			continue
		}
		if s, ok := v.(string); ok && len(s) > maxContextValueLen {
			out[k] = s[:maxContextValueLen] + "..."
			continue
		}
		out[k] = v
	}
	return out
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, sub := range secretKeySubstrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}
