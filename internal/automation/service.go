// Package automation is the decision router. It takes one operational event
// through anomaly pre-checks, pattern search and the confidence tiers, and
// returns a tagged result telling the caller exactly which path the event
// took.
package automation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/anomaly"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/config"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/engine"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/events"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/models"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/search"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/suggest"
)

// ResultType tags which tier handled the event.
type ResultType string

const (
	ResultExecuted         ResultType = "executed"
	ResultSuggestion       ResultType = "suggestion"
	ResultApprovalRequired ResultType = "approval_required"
	ResultAnomaly          ResultType = "anomaly"
)

// Result is the routing outcome. Exactly the field matching Type is set:
// Execution for executed, Suggestion for suggestion, Approval for
// approval_required, Anomaly for anomaly. Match carries the best match when
// one existed.
type Result struct {
	Type       ResultType            `json:"type"`
	Match      *models.Match         `json:"match,omitempty"`
	Execution  *engine.Result        `json:"execution,omitempty"`
	Suggestion *suggest.Suggestion   `json:"suggestion,omitempty"`
	Approval   *models.ApprovalEntry `json:"approval,omitempty"`
	Anomaly    *models.Anomaly       `json:"anomaly,omitempty"`
	Reasoning  string                `json:"reasoning,omitempty"`
}

// ApprovalQueue is the durable low-confidence holding area.
type ApprovalQueue interface {
	Enqueue(ctx context.Context, match *models.Match, reasoning string) (*models.ApprovalEntry, error)
}

// Stats are monotonic routing counters.
type Stats struct {
	Processed   int64 `json:"processed"`
	Executed    int64 `json:"executed"`
	Suggestions int64 `json:"suggestions"`
	Approvals   int64 `json:"approvals"`
	Anomalies   int64 `json:"anomalies"`
}

// Service routes events through the confidence tiers.
type Service struct {
	routing     config.RoutingConfig
	searcher    *search.Searcher
	engine      *engine.Engine
	suggestions *suggest.Registry
	approvals   ApprovalQueue
	detector    *anomaly.Detector
	emitter     events.Emitter
	logger      *slog.Logger

	processed atomic.Int64
	executed  atomic.Int64
	suggested atomic.Int64
	queued    atomic.Int64
	anomalies atomic.Int64
}

// New wires the router. All collaborators are required except emitter and
// logger.
func New(routing config.RoutingConfig, searcher *search.Searcher, eng *engine.Engine, suggestions *suggest.Registry, approvals ApprovalQueue, detector *anomaly.Detector, emitter events.Emitter, logger *slog.Logger) *Service {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		routing:     routing,
		searcher:    searcher,
		engine:      eng,
		suggestions: suggestions,
		approvals:   approvals,
		detector:    detector,
		emitter:     emitter,
		logger:      logger,
	}
}

// ProcessEvent routes one event: anomaly pre-check, pattern search, then the
// confidence tiers. Events that clear no tier become anomalies, never silent
// drops. A failed auto-execution returns the executed result alongside the
// engine's error so the caller can shape its own messaging.
func (s *Service) ProcessEvent(ctx context.Context, ev *models.Event) (*Result, error) {
	if ev == nil {
		return nil, fmt.Errorf("nil event")
	}
	s.processed.Add(1)

	s.emitter.Emit(events.LifecycleEvent{
		Signal:    events.SignalReceived,
		EventKind: ev.Kind,
		Timestamp: time.Now().UTC(),
	})

	// The pre-check sees the event as received; a missing timestamp is a
	// data-quality finding, not something to repair silently.
	var result *Result
	var routeErr error
	if a := s.detector.PreCheck(ctx, ev); a != nil {
		s.anomalies.Add(1)
		result = &Result{
			Type:      ResultAnomaly,
			Anomaly:   a,
			Reasoning: "pre-check flagged the event before pattern search",
		}
	} else {
		result, routeErr = s.route(ctx, ev)
	}

	s.emitter.Emit(events.LifecycleEvent{
		Signal:    events.SignalProcessed,
		EventKind: ev.Kind,
		Detail:    map[string]interface{}{"result": string(result.Type)},
		Timestamp: time.Now().UTC(),
	})
	return result, routeErr
}

func (s *Service) route(ctx context.Context, ev *models.Event) (*Result, error) {
	matches := s.searcher.Search(ctx, ev)
	if len(matches) == 0 {
		s.anomalies.Add(1)
		a := s.detector.Detect(ctx, ev, nil, anomaly.CauseNoMatchingPattern)
		return &Result{
			Type:      ResultAnomaly,
			Anomaly:   a,
			Reasoning: "no pattern matched this event",
		}, nil
	}

	best := matches[0]
	reasoning := explain(best)

	switch {
	case best.Confidence >= s.routing.AutoExecuteThreshold && best.Pattern.AutoExecutable:
		s.executed.Add(1)
		res, err := s.engine.Execute(ctx, best.Pattern, ev, engine.Options{WasAuto: true})
		if err != nil {
			s.logger.Warn("auto-execution failed",
				"pattern_id", best.Pattern.ID, "event_kind", ev.Kind, "error", err)
			return &Result{
				Type:      ResultExecuted,
				Match:     best,
				Execution: &engine.Result{Success: false},
				Reasoning: reasoning + "; execution failed: " + err.Error(),
			}, err
		}
		return &Result{Type: ResultExecuted, Match: best, Execution: res, Reasoning: reasoning}, nil

	case best.Confidence >= s.routing.SuggestionThreshold:
		s.suggested.Add(1)
		sug := s.suggestions.Create(best)
		return &Result{Type: ResultSuggestion, Match: best, Suggestion: sug, Reasoning: reasoning}, nil

	case best.Confidence >= s.routing.ApprovalThreshold:
		s.queued.Add(1)
		entry, err := s.approvals.Enqueue(ctx, best, reasoning)
		if err != nil {
			// Durable queueing failed; the event still must not execute
			// unattended, so it degrades to an anomaly.
			s.logger.Error("failed to queue approval; degrading to anomaly",
				"pattern_id", best.Pattern.ID, "error", err)
			s.anomalies.Add(1)
			a := s.detector.Detect(ctx, ev, best, anomaly.CauseLowConfidence)
			return &Result{Type: ResultAnomaly, Match: best, Anomaly: a, Reasoning: reasoning}, nil
		}
		return &Result{Type: ResultApprovalRequired, Match: best, Approval: entry, Reasoning: reasoning}, nil

	default:
		s.anomalies.Add(1)
		a := s.detector.Detect(ctx, ev, best, anomaly.CauseLowConfidence)
		return &Result{Type: ResultAnomaly, Match: best, Anomaly: a, Reasoning: reasoning}, nil
	}
}

// Stats snapshots the routing counters.
func (s *Service) Stats() Stats {
	return Stats{
		Processed:   s.processed.Load(),
		Executed:    s.executed.Load(),
		Suggestions: s.suggested.Load(),
		Approvals:   s.queued.Load(),
		Anomalies:   s.anomalies.Load(),
	}
}

// explain renders the match confidence and its factor breakdown for humans.
func explain(m *models.Match) string {
	bd := m.Breakdown
	return fmt.Sprintf(
		"matched pattern %s via %s with confidence %.2f (exact %.2f, context %.2f, semantic %.2f, temporal %.2f, history %.2f)",
		m.Pattern.ID, m.SourceModule, m.Confidence,
		bd.Exact, bd.Context, bd.Semantic, bd.Temporal, bd.History)
}
