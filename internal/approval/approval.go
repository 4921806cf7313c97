// Package approval is the durable holding area for low-confidence matches
// awaiting a human verdict. No timer, no expiry; decisions are idempotent
// against an already-decided row.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/engine"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/events"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/models"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/store"
)

// RejectionSink consumes human rejections for the evolution penalty.
type RejectionSink interface {
	RecordRejection(ctx context.Context, p *models.Pattern, reason string)
}

// Queue manages approval rows.
type Queue struct {
	records    store.RecordStore
	patterns   store.PatternStore
	engine     *engine.Engine
	rejections RejectionSink
	emitter    events.Emitter
	logger     *slog.Logger
}

// NewQueue creates an approval queue over the durable record store.
func NewQueue(records store.RecordStore, patterns store.PatternStore, eng *engine.Engine, rejections RejectionSink, emitter events.Emitter, logger *slog.Logger) *Queue {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		records:    records,
		patterns:   patterns,
		engine:     eng,
		rejections: rejections,
		emitter:    emitter,
		logger:     logger,
	}
}

// Enqueue persists a pending row for the match.
func (q *Queue) Enqueue(ctx context.Context, match *models.Match, reasoning string) (*models.ApprovalEntry, error) {
	entry := &models.ApprovalEntry{
		PatternID:     match.Pattern.ID,
		EventSnapshot: match.Event.Snapshot(),
		Confidence:    match.Confidence,
		Reasoning:     reasoning,
		Status:        models.ApprovalPending,
	}
	if err := q.records.InsertApproval(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to queue approval: %w", err)
	}

	q.emitter.Emit(events.LifecycleEvent{
		Signal:    events.SignalApprovalQueued,
		EventKind: match.Event.Kind,
		PatternID: match.Pattern.ID,
		RefID:     entry.ID,
		Timestamp: time.Now().UTC(),
	})
	return entry, nil
}

// Approve transitions the row and executes the pattern against the stored
// event snapshot. A second decision on the same row returns
// store.ErrAlreadyDecided.
func (q *Queue) Approve(ctx context.Context, id, userID string) (*engine.Result, error) {
	entry, pattern, err := q.claim(ctx, id, models.ApprovalApproved, userID, "")
	if err != nil {
		return nil, err
	}
	if pattern == nil {
		return nil, fmt.Errorf("approval %s: %w", id, store.ErrNotFound)
	}

	ev, err := snapshotEvent(entry.EventSnapshot)
	if err != nil {
		return nil, err
	}
	return q.engine.Execute(ctx, pattern, ev, engine.Options{WasApproved: true, UserID: userID})
}

// Reject transitions the row; no execution occurs.
func (q *Queue) Reject(ctx context.Context, id, userID, reason string) error {
	_, pattern, err := q.claim(ctx, id, models.ApprovalRejected, userID, reason)
	if err != nil {
		return err
	}
	if q.rejections != nil && pattern != nil {
		q.rejections.RecordRejection(ctx, pattern, reason)
	}
	return nil
}

// Modify approves the row, merges the changes into a one-shot copy of the
// pattern logic, executes it and persists the modification for fork
// analysis.
func (q *Queue) Modify(ctx context.Context, id, userID string, changes map[string]interface{}) (*engine.Result, error) {
	entry, pattern, err := q.claim(ctx, id, models.ApprovalApproved, userID, "modified")
	if err != nil {
		return nil, err
	}
	if pattern == nil {
		return nil, fmt.Errorf("approval %s: %w", id, store.ErrNotFound)
	}

	ev, err := snapshotEvent(entry.EventSnapshot)
	if err != nil {
		return nil, err
	}

	modified := pattern.Clone()
	modified.Logic.MergeChanges(changes)

	result, execErr := q.engine.Execute(ctx, modified, ev, engine.Options{
		HumanModified: true,
		UserID:        userID,
	})

	changesJSON, _ := json.Marshal(changes)
	mod := &models.Modification{
		PatternID: pattern.ID,
		Changes:   changesJSON,
		UserID:    userID,
		Succeeded: execErr == nil,
	}
	if err := q.records.InsertModification(ctx, mod); err != nil {
		q.logger.Warn("failed to persist modification", "approval_id", id, "error", err)
	}

	return result, execErr
}

// Pending lists undecided rows, oldest first.
func (q *Queue) Pending(ctx context.Context, limit int) ([]*models.ApprovalEntry, error) {
	return q.records.PendingApprovals(ctx, limit)
}

// claim performs the row transition and loads the referenced pattern.
func (q *Queue) claim(ctx context.Context, id string, status models.ApprovalStatus, userID, reason string) (*models.ApprovalEntry, *models.Pattern, error) {
	entry, err := q.records.GetApproval(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	if err := q.records.DecideApproval(ctx, id, status, userID, reason); err != nil {
		return nil, nil, err
	}

	// The decision stands even if the pattern has since vanished; callers
	// that need the pattern check for nil.
	pattern, err := q.patterns.Get(ctx, entry.PatternID)
	if err != nil {
		q.logger.Warn("approval references unknown pattern",
			"approval_id", id, "pattern_id", entry.PatternID, "error", err)
		pattern = nil
	}
	return entry, pattern, nil
}

func snapshotEvent(snapshot []byte) (*models.Event, error) {
	var ev models.Event
	if err := json.Unmarshal(snapshot, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode event snapshot: %w", err)
	}
	return &ev, nil
}
