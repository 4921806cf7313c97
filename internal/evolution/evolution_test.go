package evolution

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/engine"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/models"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/store"
)

type fixture struct {
	evolver  *Evolver
	patterns *store.BadgerPatternStore
	records  *store.SQLiteRecordStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	patterns, err := store.NewInMemoryPatternStore()
	if err != nil {
		t.Fatalf("failed to open pattern store: %v", err)
	}
	t.Cleanup(func() { patterns.Close() })

	records, err := store.NewSQLiteRecordStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open record store: %v", err)
	}
	t.Cleanup(func() { records.Close() })

	return &fixture{
		evolver:  New(DefaultParams(), patterns, records, nil, nil),
		patterns: patterns,
		records:  records,
	}
}

func (f *fixture) savePattern(t *testing.T, confidence float64) *models.Pattern {
	t.Helper()
	p := &models.Pattern{
		DecisionType:     "access",
		TriggerSignature: "access:grant:north-door-1",
		Logic:            models.Logic{Kind: models.LogicAction, Action: &models.ActionLogic{Type: "unlock_door"}},
		ConfidenceScore:  confidence,
		LastSeen:         time.Now().UTC(),
	}
	if err := f.patterns.Save(context.Background(), p); err != nil {
		t.Fatalf("failed to save pattern: %v", err)
	}
	return p
}

func (f *fixture) appendExecutions(t *testing.T, patternID string, successes, failures int, age time.Duration) {
	t.Helper()
	add := func(status models.ExecStatus, n int) {
		for i := 0; i < n; i++ {
			err := f.records.AppendExecution(context.Background(), &models.ExecutionRecord{
				PatternID:     patternID,
				EventSnapshot: []byte("{}"),
				Status:        status,
				CreatedAt:     time.Now().Add(-age),
			})
			if err != nil {
				t.Fatalf("failed to append execution: %v", err)
			}
		}
	}
	add(models.ExecSuccess, successes)
	add(models.ExecFailure, failures)
}

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// TestSuccessIncrement tests the per-success confidence bump and cap
func TestSuccessIncrement(t *testing.T) {
	f := newFixture(t)
	p := f.savePattern(t, 0.80)

	f.evolver.RecordOutcome(context.Background(), p, engine.Outcome{Success: true})
	if !almostEqual(p.ConfidenceScore, 0.85) {
		t.Errorf("Expected 0.85, got %v", p.ConfidenceScore)
	}

	p.ConfidenceScore = 0.98
	f.evolver.RecordOutcome(context.Background(), p, engine.Outcome{Success: true})
	if !almostEqual(p.ConfidenceScore, 0.99) {
		t.Errorf("Expected cap at 0.99, got %v", p.ConfidenceScore)
	}
}

// TestHotStreakMultiplier tests the accelerated increment on a hot week
func TestHotStreakMultiplier(t *testing.T) {
	f := newFixture(t)
	p := f.savePattern(t, 0.80)
	f.appendExecutions(t, p.ID, 20, 0, time.Hour) // 100% week

	f.evolver.RecordOutcome(context.Background(), p, engine.Outcome{Success: true})
	if !almostEqual(p.ConfidenceScore, 0.80+0.05*1.5) {
		t.Errorf("Expected hot streak increment, got %v", p.ConfidenceScore)
	}
}

// TestHumanModifiedIncrement tests the smaller bump for corrected successes
func TestHumanModifiedIncrement(t *testing.T) {
	f := newFixture(t)
	p := f.savePattern(t, 0.80)

	f.evolver.RecordOutcome(context.Background(), p, engine.Outcome{Success: true, HumanModified: true})
	if !almostEqual(p.ConfidenceScore, 0.82) {
		t.Errorf("Expected 0.82, got %v", p.ConfidenceScore)
	}
}

// TestFailurePenalties tests the severity-scaled penalties and the floor
func TestFailurePenalties(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		severity engine.FailureSeverity
		start    float64
		want     float64
	}{
		{engine.FailureMinor, 0.80, 0.75},
		{engine.FailureMajor, 0.80, 0.65},
		{engine.FailureCritical, 0.80, 0.50},
		{engine.FailureCritical, 0.15, 0.10}, // floor
	}
	for _, c := range cases {
		p := f.savePattern(t, c.start)
		f.evolver.RecordOutcome(context.Background(), p, engine.Outcome{Success: false, Severity: c.severity})
		if !almostEqual(p.ConfidenceScore, c.want) {
			t.Errorf("Severity %s from %v: expected %v, got %v", c.severity, c.start, c.want, p.ConfidenceScore)
		}
	}
}

// TestRepeatedFailuresDoublePenalty tests the bad-week multiplier
func TestRepeatedFailuresDoublePenalty(t *testing.T) {
	f := newFixture(t)
	p := f.savePattern(t, 0.80)
	f.appendExecutions(t, p.ID, 0, 4, time.Hour) // above the repeat threshold

	f.evolver.RecordOutcome(context.Background(), p, engine.Outcome{Success: false, Severity: engine.FailureMinor})
	if !almostEqual(p.ConfidenceScore, 0.70) {
		t.Errorf("Expected doubled penalty to 0.70, got %v", p.ConfidenceScore)
	}
}

// TestRejectionPenalty tests the small human-rejection decrement
func TestRejectionPenalty(t *testing.T) {
	f := newFixture(t)
	p := f.savePattern(t, 0.80)

	f.evolver.RecordRejection(context.Background(), p, "wrong door")
	if !almostEqual(p.ConfidenceScore, 0.78) {
		t.Errorf("Expected 0.78, got %v", p.ConfidenceScore)
	}

	stored, err := f.patterns.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !almostEqual(stored.ConfidenceScore, 0.78) {
		t.Errorf("Expected persisted 0.78, got %v", stored.ConfidenceScore)
	}
}

// TestPromotionGates tests that every gate must pass before auto-execution
func TestPromotionGates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// All gates pass: high confidence, volume, success rate, clean week.
	p := f.savePattern(t, 0.93)
	f.appendExecutions(t, p.ID, 24, 1, 10*24*time.Hour) // failure outside 7d window
	f.evolver.RecordOutcome(ctx, p, engine.Outcome{Success: true})

	if p.ConfidenceScore < DefaultParams().PromoteConfidence {
		t.Fatalf("Test setup error: confidence %v below gate", p.ConfidenceScore)
	}
	if !p.AutoExecutable {
		t.Error("Expected promotion with all gates passing")
	}

	// Insufficient volume blocks promotion.
	q := f.savePattern(t, 0.95)
	f.appendExecutions(t, q.ID, 5, 0, time.Hour)
	f.evolver.RecordOutcome(ctx, q, engine.Outcome{Success: true})
	if q.AutoExecutable {
		t.Error("Expected no promotion with insufficient executions")
	}

	// A failure inside the 7-day window blocks promotion.
	r := f.savePattern(t, 0.95)
	f.appendExecutions(t, r.ID, 30, 1, time.Hour)
	f.evolver.RecordOutcome(ctx, r, engine.Outcome{Success: true})
	if r.AutoExecutable {
		t.Error("Expected no promotion with a recent failure")
	}
}

// TestCriticalFailureDemotes tests immediate demotion on a critical failure
func TestCriticalFailureDemotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.savePattern(t, 0.96)
	p.AutoExecutable = true
	if err := f.patterns.SetAutoExecutable(ctx, p.ID, true); err != nil {
		t.Fatalf("SetAutoExecutable failed: %v", err)
	}

	f.evolver.RecordOutcome(ctx, p, engine.Outcome{Success: false, Severity: engine.FailureCritical})
	if p.AutoExecutable {
		t.Error("Expected demotion after critical failure")
	}

	stored, err := f.patterns.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.AutoExecutable {
		t.Error("Expected demotion persisted")
	}
}

// TestConfidenceLossDemotes tests demotion when confidence drops below the gate
func TestConfidenceLossDemotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.savePattern(t, 0.82)
	p.AutoExecutable = true
	if err := f.patterns.SetAutoExecutable(ctx, p.ID, true); err != nil {
		t.Fatalf("SetAutoExecutable failed: %v", err)
	}

	// A minor failure drops confidence to 0.77, below the 0.80 gate.
	f.evolver.RecordOutcome(ctx, p, engine.Outcome{Success: false, Severity: engine.FailureMinor})
	if p.AutoExecutable {
		t.Error("Expected demotion after confidence loss")
	}
}

// TestDecaySweep tests the unused-pattern decay and its floor
func TestDecaySweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := f.savePattern(t, 0.80)
	if err := f.patterns.UpdateConfidence(ctx, stale.ID, 0.80); err != nil {
		t.Fatalf("UpdateConfidence failed: %v", err)
	}
	// Age the pattern past the decay window.
	aged := stale.Clone()
	aged.LastSeen = time.Now().Add(-10 * 24 * time.Hour)
	if err := f.patterns.Save(ctx, aged); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	fresh := f.savePattern(t, 0.80)

	floor := f.savePattern(t, 0.50)
	agedFloor := floor.Clone()
	agedFloor.LastSeen = time.Now().Add(-10 * 24 * time.Hour)
	if err := f.patterns.Save(ctx, agedFloor); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := f.evolver.Sweep(ctx); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	got, _ := f.patterns.Get(ctx, stale.ID)
	if !almostEqual(got.ConfidenceScore, 0.79) {
		t.Errorf("Expected stale pattern decayed to 0.79, got %v", got.ConfidenceScore)
	}
	got, _ = f.patterns.Get(ctx, fresh.ID)
	if !almostEqual(got.ConfidenceScore, 0.80) {
		t.Errorf("Expected fresh pattern untouched, got %v", got.ConfidenceScore)
	}
	got, _ = f.patterns.Get(ctx, floor.ID)
	if !almostEqual(got.ConfidenceScore, 0.50) {
		t.Errorf("Expected floored pattern untouched at 0.50, got %v", got.ConfidenceScore)
	}
}

// TestForkAfterRepeatedModification tests fork materialization
func TestForkAfterRepeatedModification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.savePattern(t, 0.80)
	for i := 0; i < DefaultParams().ForkModifications; i++ {
		err := f.records.InsertModification(ctx, &models.Modification{
			PatternID: p.ID,
			Changes:   []byte(`{"hold_sec":10}`),
			UserID:    "operator1",
		})
		if err != nil {
			t.Fatalf("InsertModification failed: %v", err)
		}
	}

	f.evolver.RecordOutcome(ctx, p, engine.Outcome{Success: true, HumanModified: true})

	all, err := f.patterns.All(ctx)
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Expected a fork to be materialized, got %d patterns", len(all))
	}

	var fork *models.Pattern
	for _, cand := range all {
		if cand.ID != p.ID {
			fork = cand
		}
	}
	if fork.SourceModule != "evolution" {
		t.Errorf("Expected evolution source, got %q", fork.SourceModule)
	}
	if fork.AutoExecutable {
		t.Error("Expected fork to start non-auto-executable")
	}
	if fork.ExecutionCount != 0 {
		t.Error("Expected fork stats reset")
	}
	if fork.TriggerSignature != p.TriggerSignature {
		t.Error("Expected fork to inherit the trigger signature")
	}
}
