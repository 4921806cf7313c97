package approval

import (
	"context"
	"errors"
	"testing"

	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/engine"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/models"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/store"
)

type countingExecutor struct {
	actions []models.ActionLogic
}

func (e *countingExecutor) Execute(ctx context.Context, action models.ActionLogic, ev *models.Event) (*engine.ActionResult, error) {
	e.actions = append(e.actions, action)
	return &engine.ActionResult{Status: "ok"}, nil
}

type recordingRejections struct {
	reasons []string
}

func (r *recordingRejections) RecordRejection(ctx context.Context, p *models.Pattern, reason string) {
	r.reasons = append(r.reasons, reason)
}

type fixture struct {
	queue      *Queue
	records    *store.SQLiteRecordStore
	patterns   *store.BadgerPatternStore
	exec       *countingExecutor
	rejections *recordingRejections
	pattern    *models.Pattern
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	records, err := store.NewSQLiteRecordStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open record store: %v", err)
	}
	t.Cleanup(func() { records.Close() })

	patterns, err := store.NewInMemoryPatternStore()
	if err != nil {
		t.Fatalf("failed to open pattern store: %v", err)
	}
	t.Cleanup(func() { patterns.Close() })

	pattern := &models.Pattern{
		DecisionType:     "access",
		TriggerSignature: "access:grant:north-door-1",
		Logic: models.Logic{
			Kind:   models.LogicAction,
			Action: &models.ActionLogic{Type: "unlock_door", Params: map[string]interface{}{"hold_sec": 5}},
		},
		ConfidenceScore: 0.6,
	}
	if err := patterns.Save(context.Background(), pattern); err != nil {
		t.Fatalf("failed to save pattern: %v", err)
	}

	exec := &countingExecutor{}
	rejections := &recordingRejections{}
	eng := engine.New(exec, records, nil, nil, nil)

	return &fixture{
		queue:      NewQueue(records, patterns, eng, rejections, nil, nil),
		records:    records,
		patterns:   patterns,
		exec:       exec,
		rejections: rejections,
		pattern:    pattern,
	}
}

func (f *fixture) enqueue(t *testing.T) *models.ApprovalEntry {
	t.Helper()
	entry, err := f.queue.Enqueue(context.Background(), &models.Match{
		Pattern:    f.pattern,
		Event:      &models.Event{Kind: "access", Action: "grant", Context: map[string]interface{}{}},
		Confidence: 0.6,
	}, "below suggestion threshold")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return entry
}

// TestApproveExecutesSnapshot tests the approve path end to end
func TestApproveExecutesSnapshot(t *testing.T) {
	f := newFixture(t)
	entry := f.enqueue(t)

	res, err := f.queue.Approve(context.Background(), entry.ID, "operator1")
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if !res.Success {
		t.Error("Expected successful execution")
	}
	if !res.WasApproved {
		t.Error("Expected result tagged as approved")
	}
	if len(f.exec.actions) != 1 || f.exec.actions[0].Type != "unlock_door" {
		t.Errorf("Unexpected dispatch: %+v", f.exec.actions)
	}

	// The queue row is terminal now.
	pending, err := f.queue.Pending(context.Background(), 10)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected no pending rows, got %d", len(pending))
	}
}

// TestDoubleDecision tests that a second decision conflicts
func TestDoubleDecision(t *testing.T) {
	f := newFixture(t)
	entry := f.enqueue(t)

	if _, err := f.queue.Approve(context.Background(), entry.ID, "operator1"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	err := f.queue.Reject(context.Background(), entry.ID, "operator2", "no")
	if !errors.Is(err, store.ErrAlreadyDecided) {
		t.Errorf("Expected ErrAlreadyDecided, got %v", err)
	}
	if len(f.exec.actions) != 1 {
		t.Errorf("Expected exactly one execution, got %d", len(f.exec.actions))
	}
}

// TestRejectRecordsPenalty tests that rejection feeds the sink and skips execution
func TestRejectRecordsPenalty(t *testing.T) {
	f := newFixture(t)
	entry := f.enqueue(t)

	if err := f.queue.Reject(context.Background(), entry.ID, "operator1", "wrong door"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if len(f.exec.actions) != 0 {
		t.Error("Expected no execution after rejection")
	}
	if len(f.rejections.reasons) != 1 || f.rejections.reasons[0] != "wrong door" {
		t.Errorf("Expected rejection recorded, got %v", f.rejections.reasons)
	}
}

// TestModifyPersistsModification tests approve-with-changes
func TestModifyPersistsModification(t *testing.T) {
	f := newFixture(t)
	entry := f.enqueue(t)
	ctx := context.Background()

	res, err := f.queue.Modify(ctx, entry.ID, "operator1", map[string]interface{}{"hold_sec": 10})
	if err != nil {
		t.Fatalf("Modify failed: %v", err)
	}
	if !res.Success {
		t.Error("Expected successful execution")
	}
	if f.exec.actions[0].Params["hold_sec"] != 10 {
		t.Errorf("Expected merged param dispatched, got %v", f.exec.actions[0].Params)
	}

	// The stored pattern keeps its original logic.
	stored, err := f.patterns.Get(ctx, f.pattern.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Logic.Action.Params["hold_sec"] != float64(5) {
		t.Errorf("Expected stored logic untouched, got %v", stored.Logic.Action.Params)
	}

	count, err := f.records.CountModifications(ctx, f.pattern.ID, entry.CreatedAt.Add(-1))
	if err != nil {
		t.Fatalf("CountModifications failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 persisted modification, got %d", count)
	}
}

// TestApproveMissingRow tests the not-found path
func TestApproveMissingRow(t *testing.T) {
	f := newFixture(t)
	_, err := f.queue.Approve(context.Background(), "nope", "operator1")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
