// Package similarity provides the pure scoring functions shared by all
// domain modules: string distance, token overlap, temporal alignment and the
// weighted composition that turns per-factor scores into a match confidence.
package similarity

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/models"
)

// Weights holds the fixed composition weights. Tunable via config, but the
// defaults match production behavior.
type Weights struct {
	Exact    float64 `yaml:"exact"`
	Context  float64 `yaml:"context"`
	Semantic float64 `yaml:"semantic"`
	Temporal float64 `yaml:"temporal"`
	History  float64 `yaml:"history"`
}

// DefaultWeights returns the production composition weights.
func DefaultWeights() Weights {
	return Weights{
		Exact:    1.0,
		Context:  0.3,
		Semantic: 0.2,
		Temporal: 0.1,
		History:  0.2,
	}
}

// Factors holds the raw per-factor scores in [0,1] supplied by the generic
// engine and the owning domain module.
type Factors struct {
	Exact    float64
	Context  float64
	Semantic float64
	Temporal float64
	History  float64
}

// Compose combines factor scores into a final confidence: weighted sum of
// the factors, multiplied by the pattern's own confidence, clamped to [0,1].
// The raw sum can exceed 1 when several factors agree, which is what lets a
// trusted pattern reach the top tier; the clamp caps it. The returned
// breakdown carries the weighted contributions for explainability.
func Compose(f Factors, w Weights, patternConfidence float64) (float64, models.Breakdown) {
	bd := models.Breakdown{
		Exact:    f.Exact * w.Exact,
		Context:  f.Context * w.Context,
		Semantic: f.Semantic * w.Semantic,
		Temporal: f.Temporal * w.Temporal,
		History:  f.History * w.History,
	}
	sum := bd.Exact + bd.Context + bd.Semantic + bd.Temporal + bd.History
	conf := models.Clamp01(sum * models.Clamp01(patternConfidence))
	return conf, bd
}

// partialMatchThreshold is the normalized string similarity above which two
// unequal signatures still count as a partial match.
const partialMatchThreshold = 0.8

// ExactScore scores signature equality: 1.0 for an exact match, 0.5 for a
// partial string-distance match, 0 otherwise.
func ExactScore(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1.0
	}
	if StringSimilarity(a, b) >= partialMatchThreshold {
		return 0.5
	}
	return 0
}

// Levenshtein computes the edit distance between two strings.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := 0; j <= len(rb); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = minInt(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// StringSimilarity returns 1 - normalized edit distance, in [0,1].
func StringSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 1.0
	}
	return 1.0 - float64(Levenshtein(a, b))/float64(longest)
}

// TokenOverlap computes Jaccard similarity over two token sets.
func TokenOverlap(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, t := range a {
		setA[strings.ToLower(t)] = true
	}
	setB := make(map[string]bool, len(b))
	for _, t := range b {
		setB[strings.ToLower(t)] = true
	}
	intersection := 0
	for t := range setA {
		if setB[t] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// ContextOverlap scores key/value overlap between an event context and a set
// of expected values (typically a pattern's action parameters). Keys present
// in both with equal stringified values count fully; key-only overlap counts
// half.
func ContextOverlap(ctx map[string]interface{}, expected map[string]interface{}) float64 {
	if len(expected) == 0 {
		// Nothing to compare against; treat signature tokens as the fallback.
		return 0
	}
	if len(ctx) == 0 {
		return 0
	}
	score := 0.0
	for k, want := range expected {
		got, ok := ctx[k]
		if !ok {
			continue
		}
		if stringify(got) == stringify(want) {
			score += 1.0
		} else {
			score += 0.5
		}
	}
	return models.Clamp01(score / float64(len(expected)))
}

// NumericCloseness scores how close two numeric values are, on the given
// scale: equal values score 1, values a full scale apart score 0.
func NumericCloseness(a, b, scale float64) float64 {
	if scale <= 0 {
		return 0
	}
	return models.Clamp01(1.0 - math.Abs(a-b)/scale)
}

// TemporalScore measures hour-of-day and day-of-week alignment between the
// event time and the pattern's last observed occurrence. Hour alignment is
// circular; weight 60/40 hour/day.
func TemporalScore(eventTime, lastSeen time.Time) float64 {
	if lastSeen.IsZero() || eventTime.IsZero() {
		return 0
	}
	hourDiff := math.Abs(float64(eventTime.Hour() - lastSeen.Hour()))
	if hourDiff > 12 {
		hourDiff = 24 - hourDiff
	}
	hourScore := 1.0 - hourDiff/12.0

	dayScore := 0.0
	if eventTime.Weekday() == lastSeen.Weekday() {
		dayScore = 1.0
	}
	return models.Clamp01(hourScore*0.6 + dayScore*0.4)
}

// HistoryScore scores a pattern's own track record.
func HistoryScore(p *models.Pattern) float64 {
	if p == nil || p.ExecutionCount == 0 {
		return 0
	}
	return models.Clamp01(p.SuccessRate())
}

// SignatureTokens splits a colon-joined trigger signature into tokens.
func SignatureTokens(sig string) []string {
	if sig == "" {
		return nil
	}
	return strings.Split(strings.ToLower(sig), ":")
}

func stringify(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.ToLower(s)
	}
	return strings.ToLower(fmt.Sprint(v))
}

func minInt(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
