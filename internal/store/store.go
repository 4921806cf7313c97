// Package store holds the durable collaborators: the pattern store
// (BadgerDB), the record store (SQLite) and the optional fork lineage store
// (Dgraph). Writes on the decision path are fire-and-forget; callers log
// persistence failures and keep going.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/models"
)

// ErrNotFound is returned when a requested row or key does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyDecided is returned when a second decision is attempted against
// an approval row that is no longer pending.
var ErrAlreadyDecided = errors.New("approval already decided")

// PatternStore is the durable home of decision templates.
type PatternStore interface {
	// Save persists a pattern, validating its logic first.
	Save(ctx context.Context, p *models.Pattern) error

	// Get retrieves a pattern by id.
	Get(ctx context.Context, id string) (*models.Pattern, error)

	// FindBySignature returns patterns whose trigger signature equals sig.
	FindBySignature(ctx context.Context, sig string) ([]*models.Pattern, error)

	// FindByDecisionType returns patterns of the given decision type.
	FindByDecisionType(ctx context.Context, decisionType string) ([]*models.Pattern, error)

	// All returns every stored pattern (decay sweeps iterate this).
	All(ctx context.Context) ([]*models.Pattern, error)

	// RecordExecution applies stat increments and the new confidence in a
	// single transaction.
	RecordExecution(ctx context.Context, id string, success bool, newConfidence float64) error

	// UpdateConfidence sets a pattern's confidence score.
	UpdateConfidence(ctx context.Context, id string, confidence float64) error

	// SetAutoExecutable flips the promotion flag.
	SetAutoExecutable(ctx context.Context, id string, autoExecutable bool) error

	// Close releases the underlying database.
	Close() error
}

// ExecStats aggregates a pattern's execution history over a window.
type ExecStats struct {
	Executions int
	Successes  int
	Failures   int
}

// SuccessRate returns the windowed success ratio, 0 when empty.
func (s ExecStats) SuccessRate() float64 {
	if s.Executions == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Executions)
}

// RecordStore owns the append-only and row-locked durable records:
// executions, approvals, anomalies, escalations, human modifications and
// signature occurrence counts.
type RecordStore interface {
	AppendExecution(ctx context.Context, rec *models.ExecutionRecord) error
	ExecutionStats(ctx context.Context, patternID string, since time.Time) (ExecStats, error)

	InsertApproval(ctx context.Context, entry *models.ApprovalEntry) error
	GetApproval(ctx context.Context, id string) (*models.ApprovalEntry, error)
	// DecideApproval transitions a pending row to approved/rejected. Returns
	// ErrAlreadyDecided when the row is not pending, ErrNotFound when absent.
	DecideApproval(ctx context.Context, id string, status models.ApprovalStatus, decidedBy, reason string) error
	PendingApprovals(ctx context.Context, limit int) ([]*models.ApprovalEntry, error)

	InsertAnomaly(ctx context.Context, a *models.Anomaly) error
	InsertEscalation(ctx context.Context, anomalyID string, severity models.Severity) error
	ListAnomalies(ctx context.Context, minSeverity models.Severity, since time.Time, limit int) ([]*models.Anomaly, error)

	InsertModification(ctx context.Context, mod *models.Modification) error
	CountModifications(ctx context.Context, patternID string, since time.Time) (int, error)

	// RecordSignature increments and returns the historical occurrence count
	// for an event signature; the edge-case detector keys off this.
	RecordSignature(ctx context.Context, sig string) (int, error)

	Close() error
}

// LineageStore records fork ancestry between patterns. Optional; a nil
// lineage store disables lineage tracking without affecting decisions.
type LineageStore interface {
	RecordFork(ctx context.Context, parentID, childID, reason string) error
	Ancestors(ctx context.Context, patternID string, depth int) ([]string, error)
	Close() error
}
