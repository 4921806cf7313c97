package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/models"
)

func newTestRecordStore(t *testing.T) *SQLiteRecordStore {
	t.Helper()
	s, err := NewSQLiteRecordStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// TestExecutionStats tests windowed aggregation including the empty window
func TestExecutionStats(t *testing.T) {
	s := newTestRecordStore(t)
	ctx := context.Background()

	empty, err := s.ExecutionStats(ctx, "p1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Executions)
	assert.Equal(t, 0.0, empty.SuccessRate())

	for _, status := range []models.ExecStatus{models.ExecSuccess, models.ExecSuccess, models.ExecFailure} {
		require.NoError(t, s.AppendExecution(ctx, &models.ExecutionRecord{
			PatternID:     "p1",
			EventSnapshot: []byte("{}"),
			Status:        status,
		}))
	}
	// A record outside the window is excluded.
	require.NoError(t, s.AppendExecution(ctx, &models.ExecutionRecord{
		PatternID:     "p1",
		EventSnapshot: []byte("{}"),
		Status:        models.ExecSuccess,
		CreatedAt:     time.Now().Add(-48 * time.Hour),
	}))

	stats, err := s.ExecutionStats(ctx, "p1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Executions)
	assert.Equal(t, 2, stats.Successes)
	assert.Equal(t, 1, stats.Failures)
	assert.InDelta(t, 2.0/3.0, stats.SuccessRate(), 1e-9)
}

// TestApprovalLifecycle tests enqueue, decide, and the idempotency guard
func TestApprovalLifecycle(t *testing.T) {
	s := newTestRecordStore(t)
	ctx := context.Background()

	entry := &models.ApprovalEntry{
		PatternID:     "p1",
		EventSnapshot: []byte(`{"kind":"access"}`),
		Confidence:    0.6,
		Reasoning:     "below suggestion threshold",
	}
	require.NoError(t, s.InsertApproval(ctx, entry))
	require.NotEmpty(t, entry.ID)

	got, err := s.GetApproval(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, got.Status)
	assert.Equal(t, entry.PatternID, got.PatternID)

	pending, err := s.PendingApprovals(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.DecideApproval(ctx, entry.ID, models.ApprovalApproved, "operator1", ""))

	// Deciding twice conflicts instead of silently overwriting.
	err = s.DecideApproval(ctx, entry.ID, models.ApprovalRejected, "operator2", "changed my mind")
	assert.ErrorIs(t, err, ErrAlreadyDecided)

	got, err = s.GetApproval(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, got.Status)
	assert.Equal(t, "operator1", got.DecidedBy)
	require.NotNil(t, got.DecidedAt)

	pending, err = s.PendingApprovals(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// TestDecideApprovalMissing tests the missing-row path
func TestDecideApprovalMissing(t *testing.T) {
	s := newTestRecordStore(t)
	err := s.DecideApproval(context.Background(), "nope", models.ApprovalApproved, "op", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestDecideApprovalRejectsNonTerminal tests status validation
func TestDecideApprovalRejectsNonTerminal(t *testing.T) {
	s := newTestRecordStore(t)
	err := s.DecideApproval(context.Background(), "x", models.ApprovalPending, "op", "")
	assert.Error(t, err)
}

// TestAnomalyPersistence tests insert, severity filtering and escalation rows
func TestAnomalyPersistence(t *testing.T) {
	s := newTestRecordStore(t)
	ctx := context.Background()

	low := &models.Anomaly{
		Types:         []models.AnomalyType{models.AnomalyDataQuality},
		Severity:      models.SeverityLow,
		Confidence:    0.8,
		EventSnapshot: []byte("{}"),
		Reasons:       []string{"missing event kind"},
	}
	critical := &models.Anomaly{
		Types:         []models.AnomalyType{models.AnomalySecurityThreat},
		Severity:      models.SeverityCritical,
		Confidence:    0.95,
		EventSnapshot: []byte("{}"),
		Reasons:       []string{"injection signature in context.query"},
		RequiresHuman: true,
		Escalated:     true,
	}
	require.NoError(t, s.InsertAnomaly(ctx, low))
	require.NoError(t, s.InsertAnomaly(ctx, critical))
	require.NoError(t, s.InsertEscalation(ctx, critical.ID, critical.Severity))

	all, err := s.ListAnomalies(ctx, models.SeverityLow, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	severe, err := s.ListAnomalies(ctx, models.SeverityHigh, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, severe, 1)
	assert.Equal(t, models.SeverityCritical, severe[0].Severity)
	assert.True(t, severe[0].RequiresHuman)
}

// TestModifications tests the windowed modification count used for forking
func TestModifications(t *testing.T) {
	s := newTestRecordStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertModification(ctx, &models.Modification{
			PatternID: "p1",
			Changes:   []byte(`{"hold_sec":10}`),
			UserID:    "operator1",
			Succeeded: true,
		}))
	}
	require.NoError(t, s.InsertModification(ctx, &models.Modification{
		PatternID: "other",
		Changes:   []byte("{}"),
	}))

	count, err := s.CountModifications(ctx, "p1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = s.CountModifications(ctx, "p1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

// TestRecordSignature tests the occurrence counter upsert
func TestRecordSignature(t *testing.T) {
	s := newTestRecordStore(t)
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		got, err := s.RecordSignature(ctx, "access:grant:north-door-1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	got, err := s.RecordSignature(ctx, "booking:extend:bay7")
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}
