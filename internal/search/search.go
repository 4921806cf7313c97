// Package search fans a classified event out to every capable domain module
// plus the general persisted-pattern lookup, then merges, deduplicates and
// ranks the resulting matches.
package search

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/models"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/modules"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/similarity"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/store"
)

// GeneralDecisionType is the catch-all decision type included in every
// durable lookup.
const GeneralDecisionType = "general"

// Searcher scores events against candidate patterns.
type Searcher struct {
	registry *modules.Registry
	patterns store.PatternStore
	weights  similarity.Weights
	logger   *slog.Logger
}

// New creates a searcher over the given module registry and pattern store.
func New(registry *modules.Registry, patterns store.PatternStore, weights similarity.Weights, logger *slog.Logger) *Searcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Searcher{
		registry: registry,
		patterns: patterns,
		weights:  weights,
		logger:   logger,
	}
}

// Search runs the module fan-out and the durable lookup concurrently, joins,
// deduplicates by (patternID, sourceModule) keeping the higher-confidence
// duplicate, and sorts descending by confidence. A module failure or panic
// contributes zero matches and never aborts the search.
func (s *Searcher) Search(ctx context.Context, ev *models.Event) []*models.Match {
	capable := s.registry.CapableOf(ev.Kind)

	results := make([][]*models.Match, len(capable)+1)
	var wg sync.WaitGroup

	for i, mod := range capable {
		wg.Add(1)
		go func(idx int, m modules.Module) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("domain module panicked during search",
						"module", m.Name(), "panic", r)
				}
			}()
			results[idx] = s.moduleMatches(ctx, m, ev)
		}(i, mod)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[len(capable)] = s.generalMatches(ctx, ev)
	}()

	wg.Wait()

	return rank(results)
}

// moduleMatches scores the event against every pattern in the module's
// decision types.
func (s *Searcher) moduleMatches(ctx context.Context, m modules.Module, ev *models.Event) []*models.Match {
	var candidates []*models.Pattern
	for _, dt := range m.DecisionTypes() {
		found, err := s.patterns.FindByDecisionType(ctx, dt)
		if err != nil {
			s.logger.Warn("pattern lookup failed",
				"module", m.Name(), "decision_type", dt, "error", err)
			continue
		}
		candidates = append(candidates, found...)
	}

	sig := m.GenerateSignature(ev)
	var matches []*models.Match
	for _, p := range candidates {
		f := similarity.Factors{
			Exact:    similarity.ExactScore(sig, p.TriggerSignature),
			Context:  models.Clamp01(m.ContextScore(p, ev)),
			Semantic: models.Clamp01(m.SemanticScore(p, ev)),
			Temporal: similarity.TemporalScore(ev.Timestamp, p.LastSeen),
			History:  similarity.HistoryScore(p),
		}
		conf, bd := similarity.Compose(f, s.weights, p.ConfidenceScore)
		if conf <= 0 {
			continue
		}
		matches = append(matches, &models.Match{
			Pattern:      p,
			Event:        ev,
			Confidence:   conf,
			Breakdown:    bd,
			SourceModule: m.Name(),
		})
	}
	return matches
}

// generalMatches performs the durable lookup: patterns whose decision type
// equals the event classification, whose signature equals the derived
// signature, or whose decision type is the catch-all.
func (s *Searcher) generalMatches(ctx context.Context, ev *models.Event) []*models.Match {
	sig := modules.GenericSignature(ev)

	seen := make(map[string]*models.Pattern)
	collect := func(ps []*models.Pattern, err error, what string) {
		if err != nil {
			s.logger.Warn("general pattern lookup failed", "lookup", what, "error", err)
			return
		}
		for _, p := range ps {
			seen[p.ID] = p
		}
	}

	byType, err := s.patterns.FindByDecisionType(ctx, ev.DecisionType())
	collect(byType, err, "decision_type")
	bySig, err := s.patterns.FindBySignature(ctx, sig)
	collect(bySig, err, "signature")
	catchAll, err := s.patterns.FindByDecisionType(ctx, GeneralDecisionType)
	collect(catchAll, err, "catch_all")

	var matches []*models.Match
	for _, p := range seen {
		f := similarity.Factors{
			Exact:    similarity.ExactScore(sig, p.TriggerSignature),
			Context:  modules.GenericContextScore(p, ev),
			Semantic: 0,
			Temporal: similarity.TemporalScore(ev.Timestamp, p.LastSeen),
			History:  similarity.HistoryScore(p),
		}
		conf, bd := similarity.Compose(f, s.weights, p.ConfidenceScore)
		if conf <= 0 {
			continue
		}
		matches = append(matches, &models.Match{
			Pattern:      p,
			Event:        ev,
			Confidence:   conf,
			Breakdown:    bd,
			SourceModule: GeneralDecisionType,
		})
	}
	return matches
}

// rank merges result sets, deduplicates by (patternID, sourceModule) keeping
// the higher confidence, and sorts descending.
func rank(results [][]*models.Match) []*models.Match {
	type key struct{ patternID, source string }
	best := make(map[key]*models.Match)
	for _, set := range results {
		for _, m := range set {
			k := key{m.Pattern.ID, m.SourceModule}
			if cur, ok := best[k]; !ok || m.Confidence > cur.Confidence {
				best[k] = m
			}
		}
	}

	merged := make([]*models.Match, 0, len(best))
	for _, m := range best {
		merged = append(merged, m)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Confidence != merged[j].Confidence {
			return merged[i].Confidence > merged[j].Confidence
		}
		return merged[i].Pattern.ID < merged[j].Pattern.ID
	})
	return merged
}
