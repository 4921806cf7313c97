// Package evolution is the feedback loop that raises, lowers, decays and
// forks pattern confidence from execution history and human corrections. It
// runs synchronously per outcome and periodically as a batch sweep.
package evolution

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/engine"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/models"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/store"
)

// Params are the evolution tunables. Defaults are production values.
type Params struct {
	SuccessIncrement    float64 `yaml:"success_increment"`     // per clean success
	HotStreakMultiplier float64 `yaml:"hot_streak_multiplier"` // applied when 7d success rate > HotStreakRate
	HotStreakRate       float64 `yaml:"hot_streak_rate"`
	ModifiedIncrement   float64 `yaml:"modified_increment"`    // success after human edit
	ConfidenceCap       float64 `yaml:"confidence_cap"`

	PenaltyMinor    float64 `yaml:"penalty_minor"`
	PenaltyMajor    float64 `yaml:"penalty_major"`
	PenaltyCritical float64 `yaml:"penalty_critical"`
	PenaltyFloor    float64 `yaml:"penalty_floor"`
	RepeatFailures  int     `yaml:"repeat_failures"` // 7d failures above this double the penalty

	RejectionPenalty float64 `yaml:"rejection_penalty"`

	PromoteConfidence  float64 `yaml:"promote_confidence"`
	PromoteExecutions  int     `yaml:"promote_executions"` // trailing 30 days
	PromoteSuccessRate float64 `yaml:"promote_success_rate"`

	DemoteConfidence  float64 `yaml:"demote_confidence"`
	DemoteSuccessRate float64 `yaml:"demote_success_rate"` // trailing 7 days
	DemoteFailures    int     `yaml:"demote_failures"`     // trailing 7 days

	DecayAfter  time.Duration `yaml:"decay_after"`
	DecayAmount float64       `yaml:"decay_amount"`
	DecayFloor  float64       `yaml:"decay_floor"`

	ForkModifications int           `yaml:"fork_modifications"` // within ForkWindow
	ForkWindow        time.Duration `yaml:"fork_window"`
}

// DefaultParams returns the production evolution tunables.
func DefaultParams() Params {
	return Params{
		SuccessIncrement:    0.05,
		HotStreakMultiplier: 1.5,
		HotStreakRate:       0.95,
		ModifiedIncrement:   0.02,
		ConfidenceCap:       0.99,
		PenaltyMinor:        0.05,
		PenaltyMajor:        0.15,
		PenaltyCritical:     0.30,
		PenaltyFloor:        0.1,
		RepeatFailures:      3,
		RejectionPenalty:    0.02,
		PromoteConfidence:   0.95,
		PromoteExecutions:   20,
		PromoteSuccessRate:  0.90,
		DemoteConfidence:    0.80,
		DemoteSuccessRate:   0.70,
		DemoteFailures:      5,
		DecayAfter:          7 * 24 * time.Hour,
		DecayAmount:         0.01,
		DecayFloor:          0.5,
		ForkModifications:   5,
		ForkWindow:          30 * 24 * time.Hour,
	}
}

// Evolver mutates pattern confidence and eligibility from outcomes.
type Evolver struct {
	params   Params
	patterns store.PatternStore
	records  store.RecordStore
	lineage  store.LineageStore
	logger   *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates an evolver. lineage may be nil; fork ancestry is then not
// tracked.
func New(params Params, patterns store.PatternStore, records store.RecordStore, lineage store.LineageStore, logger *slog.Logger) *Evolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evolver{
		params:   params,
		patterns: patterns,
		records:  records,
		lineage:  lineage,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// RecordOutcome consumes one execution outcome, applies the confidence
// delta, persists the stat increments, and evaluates promotion, demotion
// and forking. Persistence failures are logged; the in-memory pattern still
// reflects the adjustment.
func (e *Evolver) RecordOutcome(ctx context.Context, p *models.Pattern, o engine.Outcome) {
	week := time.Now().Add(-7 * 24 * time.Hour)
	weekStats, statsErr := e.weekStats(ctx, p.ID, week)

	var next float64
	if o.Success {
		inc := e.params.SuccessIncrement
		if o.HumanModified {
			inc = e.params.ModifiedIncrement
		} else if statsErr == nil && weekStats.SuccessRate() > e.params.HotStreakRate && weekStats.Executions > 0 {
			inc *= e.params.HotStreakMultiplier
		}
		next = p.ConfidenceScore + inc
		if next > e.params.ConfidenceCap {
			next = e.params.ConfidenceCap
		}
	} else {
		penalty := e.penaltyFor(o.Severity)
		if statsErr == nil && weekStats.Failures > e.params.RepeatFailures {
			penalty *= 2
		}
		next = p.ConfidenceScore - penalty
		if next < e.params.PenaltyFloor {
			next = e.params.PenaltyFloor
		}
	}
	next = models.Clamp01(next)

	// Keep the in-memory copy consistent with what we persist.
	p.ExecutionCount++
	if o.Success {
		p.SuccessCount++
	} else {
		p.FailureCount++
	}
	p.ConfidenceScore = next
	p.LastSeen = time.Now().UTC()

	if err := e.patterns.RecordExecution(ctx, p.ID, o.Success, next); err != nil {
		e.logger.Warn("failed to persist pattern stats", "pattern_id", p.ID, "error", err)
	}

	if o.Success {
		e.maybePromote(ctx, p)
		if o.HumanModified {
			e.maybeFork(ctx, p)
		}
	} else {
		critical := o.Severity == engine.FailureCritical
		e.maybeDemote(ctx, p, critical)
	}
}

// RecordRejection applies the small human-rejection penalty.
func (e *Evolver) RecordRejection(ctx context.Context, p *models.Pattern, reason string) {
	next := p.ConfidenceScore - e.params.RejectionPenalty
	if next < e.params.PenaltyFloor {
		next = e.params.PenaltyFloor
	}
	p.ConfidenceScore = models.Clamp01(next)

	if err := e.patterns.UpdateConfidence(ctx, p.ID, p.ConfidenceScore); err != nil {
		e.logger.Warn("failed to persist rejection penalty", "pattern_id", p.ID, "error", err)
	}
	e.logger.Info("suggestion rejected", "pattern_id", p.ID, "reason", reason,
		"confidence", p.ConfidenceScore)
}

// maybePromote grants auto-execution when every gate passes: confidence,
// 30-day execution volume, 30-day success rate, and zero failures in 7 days.
func (e *Evolver) maybePromote(ctx context.Context, p *models.Pattern) {
	if p.AutoExecutable || p.ConfidenceScore < e.params.PromoteConfidence {
		return
	}
	if e.records == nil {
		return
	}
	now := time.Now()
	month, err := e.records.ExecutionStats(ctx, p.ID, now.Add(-30*24*time.Hour))
	if err != nil || month.Executions < e.params.PromoteExecutions {
		return
	}
	if month.SuccessRate() < e.params.PromoteSuccessRate {
		return
	}
	week, err := e.records.ExecutionStats(ctx, p.ID, now.Add(-7*24*time.Hour))
	if err != nil || week.Failures > 0 {
		return
	}

	p.AutoExecutable = true
	if err := e.patterns.SetAutoExecutable(ctx, p.ID, true); err != nil {
		e.logger.Warn("failed to persist promotion", "pattern_id", p.ID, "error", err)
		return
	}
	e.logger.Info("pattern promoted to auto-executable",
		"pattern_id", p.ID, "confidence", p.ConfidenceScore)
}

// maybeDemote revokes auto-execution on confidence loss, a bad week, heavy
// failures, or any critical failure. Demotion does not cancel suggestions
// already pending against the pattern; that remains a product decision.
func (e *Evolver) maybeDemote(ctx context.Context, p *models.Pattern, criticalFailure bool) {
	if !p.AutoExecutable {
		return
	}
	demote := criticalFailure || p.ConfidenceScore < e.params.DemoteConfidence
	if !demote && e.records != nil {
		week, err := e.records.ExecutionStats(ctx, p.ID, time.Now().Add(-7*24*time.Hour))
		if err == nil {
			if week.Executions > 0 && week.SuccessRate() < e.params.DemoteSuccessRate {
				demote = true
			}
			if week.Failures > e.params.DemoteFailures {
				demote = true
			}
		}
	}
	if !demote {
		return
	}

	p.AutoExecutable = false
	if err := e.patterns.SetAutoExecutable(ctx, p.ID, false); err != nil {
		e.logger.Warn("failed to persist demotion", "pattern_id", p.ID, "error", err)
		return
	}
	e.logger.Warn("pattern demoted from auto-executable",
		"pattern_id", p.ID, "confidence", p.ConfidenceScore, "critical", criticalFailure)
}

// maybeFork materializes a new pattern when the original accumulates enough
// human modifications inside the fork window.
func (e *Evolver) maybeFork(ctx context.Context, p *models.Pattern) {
	if e.records == nil {
		return
	}
	count, err := e.records.CountModifications(ctx, p.ID, time.Now().Add(-e.params.ForkWindow))
	if err != nil || count < e.params.ForkModifications {
		return
	}

	fork := p.Clone()
	fork.ID = uuid.NewString()
	fork.SourceModule = "evolution"
	fork.AutoExecutable = false
	fork.ExecutionCount = 0
	fork.SuccessCount = 0
	fork.FailureCount = 0
	fork.ConfidenceScore = 0.6
	fork.CreatedAt = time.Now().UTC()

	if err := e.patterns.Save(ctx, fork); err != nil {
		e.logger.Warn("failed to materialize fork", "pattern_id", p.ID, "error", err)
		return
	}
	if e.lineage != nil {
		if err := e.lineage.RecordFork(ctx, p.ID, fork.ID, "repeated human modification"); err != nil {
			e.logger.Warn("failed to record fork lineage",
				"parent_id", p.ID, "fork_id", fork.ID, "error", err)
		}
	}
	e.logger.Info("pattern forked after repeated human modification",
		"parent_id", p.ID, "fork_id", fork.ID, "modifications", count)
}

// Sweep runs one batch pass: decay unused patterns and re-evaluate
// promotion for patterns sitting at the gate.
func (e *Evolver) Sweep(ctx context.Context) error {
	patterns, err := e.patterns.All(ctx)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-e.params.DecayAfter)
	for _, p := range patterns {
		if !p.LastSeen.IsZero() && p.LastSeen.Before(cutoff) && p.ConfidenceScore > e.params.DecayFloor {
			next := p.ConfidenceScore - e.params.DecayAmount
			if next < e.params.DecayFloor {
				next = e.params.DecayFloor
			}
			if err := e.patterns.UpdateConfidence(ctx, p.ID, next); err != nil {
				e.logger.Warn("failed to persist decay", "pattern_id", p.ID, "error", err)
				continue
			}
			p.ConfidenceScore = next
		}
		e.maybePromote(ctx, p)
	}
	return nil
}

// StartSweeper runs Sweep on the interval until Stop or context
// cancellation.
func (e *Evolver) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stop:
				return
			case <-ticker.C:
				if err := e.Sweep(ctx); err != nil {
					e.logger.Warn("evolution sweep failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the periodic sweeper.
func (e *Evolver) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

func (e *Evolver) penaltyFor(sev engine.FailureSeverity) float64 {
	switch sev {
	case engine.FailureCritical:
		return e.params.PenaltyCritical
	case engine.FailureMajor:
		return e.params.PenaltyMajor
	default:
		return e.params.PenaltyMinor
	}
}

func (e *Evolver) weekStats(ctx context.Context, patternID string, since time.Time) (store.ExecStats, error) {
	if e.records == nil {
		return store.ExecStats{}, errNoRecords
	}
	return e.records.ExecutionStats(ctx, patternID, since)
}

var errNoRecords = errors.New("no record store configured")
