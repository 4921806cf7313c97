// Package suggest holds medium-confidence matches in a cancellable pending
// state with a countdown to auto-execution. Resolving a suggestion and the
// timer firing are mutually exclusive: whichever wins removes the entry
// from the registry first, so each suggestion executes at most once.
package suggest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/engine"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/events"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/models"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/store"
)

// ErrNotFound is returned when a suggestion was already resolved or timed
// out. Callers treat it as a no-op, never as a retry signal.
var ErrNotFound = errors.New("suggestion not found")

// RejectionSink consumes human rejections so evolution can apply its small
// penalty.
type RejectionSink interface {
	RecordRejection(ctx context.Context, p *models.Pattern, reason string)
}

// Suggestion is the caller-facing view of a pending suggestion.
type Suggestion struct {
	ID         string    `json:"id"`
	PatternID  string    `json:"pattern_id"`
	Confidence float64   `json:"confidence"`
	Deadline   time.Time `json:"deadline"`
	TimeoutMs  int64     `json:"timeout_ms"`
}

type pending struct {
	id         string
	pattern    *models.Pattern
	event      *models.Event
	confidence float64
	deadline   time.Time
	timer      *time.Timer
}

// Registry owns the pending suggestions and their countdown timers.
type Registry struct {
	engine     *engine.Engine
	records    store.RecordStore
	rejections RejectionSink
	emitter    events.Emitter
	logger     *slog.Logger
	timeout    time.Duration
	execCtx    context.Context // parent context for timer-fired executions

	mu      sync.Mutex
	entries map[string]*pending
}

// NewRegistry creates a suggestion registry. execCtx bounds timer-fired
// executions; pass the service's root context.
func NewRegistry(execCtx context.Context, eng *engine.Engine, records store.RecordStore, rejections RejectionSink, emitter events.Emitter, timeout time.Duration, logger *slog.Logger) *Registry {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if execCtx == nil {
		execCtx = context.Background()
	}
	return &Registry{
		engine:     eng,
		records:    records,
		rejections: rejections,
		emitter:    emitter,
		logger:     logger,
		timeout:    timeout,
		execCtx:    execCtx,
		entries:    make(map[string]*pending),
	}
}

// Create registers a suggestion and starts its countdown.
func (r *Registry) Create(match *models.Match) *Suggestion {
	id := uuid.NewString()
	entry := &pending{
		id:         id,
		pattern:    match.Pattern,
		event:      match.Event,
		confidence: match.Confidence,
		deadline:   time.Now().Add(r.timeout),
	}

	r.mu.Lock()
	r.entries[id] = entry
	entry.timer = time.AfterFunc(r.timeout, func() { r.fire(id) })
	r.mu.Unlock()

	r.emitter.Emit(events.LifecycleEvent{
		Signal:    events.SignalSuggestionCreated,
		EventKind: match.Event.Kind,
		PatternID: match.Pattern.ID,
		RefID:     id,
		Timestamp: time.Now().UTC(),
	})

	return &Suggestion{
		ID:         id,
		PatternID:  match.Pattern.ID,
		Confidence: match.Confidence,
		Deadline:   entry.deadline,
		TimeoutMs:  r.timeout.Milliseconds(),
	}
}

// take atomically removes and returns a pending entry. Every resolution
// path, including the timer callback, goes through here; only one caller
// can win.
func (r *Registry) take(id string) (*pending, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	delete(r.entries, id)
	entry.timer.Stop()
	return entry, true
}

// Approve cancels the countdown and executes the pattern immediately. The
// result is tagged WasApproved so callers can tell it from a timer fire.
func (r *Registry) Approve(ctx context.Context, id string) (*engine.Result, error) {
	entry, ok := r.take(id)
	if !ok {
		return nil, ErrNotFound
	}
	return r.engine.Execute(ctx, entry.pattern, entry.event, engine.Options{WasApproved: true})
}

// Reject cancels the countdown and records the rejection. No execution
// occurs.
func (r *Registry) Reject(ctx context.Context, id, userID, reason string) error {
	entry, ok := r.take(id)
	if !ok {
		return ErrNotFound
	}

	if r.records != nil {
		now := time.Now().UTC()
		rejection := &models.ApprovalEntry{
			PatternID:     entry.pattern.ID,
			EventSnapshot: entry.event.Snapshot(),
			Confidence:    entry.confidence,
			Reasoning:     reason,
			Status:        models.ApprovalRejected,
			DecidedBy:     userID,
			DecidedAt:     &now,
		}
		if err := r.records.InsertApproval(ctx, rejection); err != nil {
			r.logger.Warn("failed to persist suggestion rejection",
				"suggestion_id", id, "error", err)
		}
	}
	if r.rejections != nil {
		r.rejections.RecordRejection(ctx, entry.pattern, reason)
	}
	return nil
}

// Modify cancels the countdown, merges the changes into a one-shot copy of
// the pattern logic, executes it, and persists the modification for fork
// analysis. The stored pattern is untouched.
func (r *Registry) Modify(ctx context.Context, id, userID string, changes map[string]interface{}) (*engine.Result, error) {
	entry, ok := r.take(id)
	if !ok {
		return nil, ErrNotFound
	}

	modified := entry.pattern.Clone()
	modified.Logic.MergeChanges(changes)

	result, execErr := r.engine.Execute(ctx, modified, entry.event, engine.Options{
		HumanModified: true,
		UserID:        userID,
	})

	if r.records != nil {
		changesJSON := marshalChanges(changes)
		mod := &models.Modification{
			PatternID: entry.pattern.ID,
			Changes:   changesJSON,
			UserID:    userID,
			Succeeded: execErr == nil,
		}
		if err := r.records.InsertModification(ctx, mod); err != nil {
			r.logger.Warn("failed to persist modification",
				"suggestion_id", id, "error", err)
		}
	}

	return result, execErr
}

// fire is the timer callback. It executes only when the suggestion is still
// registered, guarding against a race with a concurrent manual resolution.
func (r *Registry) fire(id string) {
	entry, ok := r.take(id)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.execCtx, 2*time.Minute)
	defer cancel()

	if _, err := r.engine.Execute(ctx, entry.pattern, entry.event, engine.Options{WasAuto: true}); err != nil {
		r.logger.Warn("timed-out suggestion execution failed",
			"suggestion_id", id, "pattern_id", entry.pattern.ID, "error", err)
	}
}

// PendingCount reports how many suggestions are live.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// CancelAll stops every pending timer without executing. Used on shutdown.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, entry := range r.entries {
		entry.timer.Stop()
		delete(r.entries, id)
	}
}

func marshalChanges(changes map[string]interface{}) []byte {
	b, err := json.Marshal(changes)
	if err != nil {
		return []byte("{}")
	}
	return b
}
