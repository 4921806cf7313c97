package similarity

import (
	"math"
	"testing"
	"time"

	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/models"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// TestExactScore tests the three-level signature match scoring
func TestExactScore(t *testing.T) {
	if got := ExactScore("access:door:grant", "access:door:grant"); got != 1.0 {
		t.Errorf("Expected 1.0 for identical signatures, got %v", got)
	}
	// One character off on a long signature is a partial match.
	if got := ExactScore("access:door:grant", "access:door:grans"); got != 0.5 {
		t.Errorf("Expected 0.5 for near-identical signatures, got %v", got)
	}
	if got := ExactScore("access:door:grant", "booking:simulator:cancel"); got != 0 {
		t.Errorf("Expected 0 for unrelated signatures, got %v", got)
	}
	if got := ExactScore("", "access:door:grant"); got != 0 {
		t.Errorf("Expected 0 for empty signature, got %v", got)
	}
}

// TestLevenshtein tests the edit distance implementation
func TestLevenshtein(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
		{"flaw", "lawn", 2},
		{"same", "same", 0},
	}
	for _, c := range cases {
		if got := Levenshtein(c.a, c.b); got != c.want {
			t.Errorf("Levenshtein(%q, %q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

// TestStringSimilarity tests the normalized similarity bounds
func TestStringSimilarity(t *testing.T) {
	if got := StringSimilarity("abc", "abc"); got != 1.0 {
		t.Errorf("Expected 1.0, got %v", got)
	}
	if got := StringSimilarity("", ""); got != 1.0 {
		t.Errorf("Expected 1.0 for two empty strings, got %v", got)
	}
	got := StringSimilarity("abcd", "abcx")
	if !almostEqual(got, 0.75) {
		t.Errorf("Expected 0.75, got %v", got)
	}
}

// TestTokenOverlap tests Jaccard similarity over token sets
func TestTokenOverlap(t *testing.T) {
	if got := TokenOverlap(nil, nil); got != 1.0 {
		t.Errorf("Expected 1.0 for two empty sets, got %v", got)
	}
	if got := TokenOverlap([]string{"a"}, nil); got != 0 {
		t.Errorf("Expected 0 for one empty set, got %v", got)
	}
	got := TokenOverlap([]string{"door", "grant"}, []string{"DOOR", "deny"})
	if !almostEqual(got, 1.0/3.0) {
		t.Errorf("Expected 1/3, got %v", got)
	}
}

// TestContextOverlap tests full and half credit for key/value overlap
func TestContextOverlap(t *testing.T) {
	ctx := map[string]interface{}{"bay": "7", "duration": 60}
	expected := map[string]interface{}{"bay": "7", "duration": 90}

	// bay matches fully (1.0), duration key-only (0.5), over 2 expected keys.
	got := ContextOverlap(ctx, expected)
	if !almostEqual(got, 0.75) {
		t.Errorf("Expected 0.75, got %v", got)
	}

	if got := ContextOverlap(ctx, nil); got != 0 {
		t.Errorf("Expected 0 with no expectations, got %v", got)
	}
	if got := ContextOverlap(nil, expected); got != 0 {
		t.Errorf("Expected 0 with empty context, got %v", got)
	}
}

// TestTemporalScore tests hour/weekday alignment including midnight wrap
func TestTemporalScore(t *testing.T) {
	base := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC) // Monday 14:00

	if got := TemporalScore(base, base); got != 1.0 {
		t.Errorf("Expected 1.0 for identical times, got %v", got)
	}
	if got := TemporalScore(base, time.Time{}); got != 0 {
		t.Errorf("Expected 0 with zero lastSeen, got %v", got)
	}

	// 23:00 vs 01:00 is 2 hours apart circularly, not 22.
	late := time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)
	early := time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)
	got := TemporalScore(late, early)
	want := (1.0-2.0/12.0)*0.6 + 0.4
	if !almostEqual(got, want) {
		t.Errorf("Expected %v for circular wrap, got %v", want, got)
	}

	// Same hour, different weekday loses the day component.
	tuesday := base.AddDate(0, 0, 1)
	if got := TemporalScore(base, tuesday); !almostEqual(got, 0.6) {
		t.Errorf("Expected 0.6, got %v", got)
	}
}

// TestHistoryScore tests the track record factor
func TestHistoryScore(t *testing.T) {
	if got := HistoryScore(nil); got != 0 {
		t.Errorf("Expected 0 for nil pattern, got %v", got)
	}
	p := &models.Pattern{ExecutionCount: 10, SuccessCount: 9}
	if got := HistoryScore(p); !almostEqual(got, 0.9) {
		t.Errorf("Expected 0.9, got %v", got)
	}
	if got := HistoryScore(&models.Pattern{}); got != 0 {
		t.Errorf("Expected 0 for unused pattern, got %v", got)
	}
}

// TestCompose tests the weighted composition and pattern confidence scaling
func TestCompose(t *testing.T) {
	w := DefaultWeights()

	// All factors perfect with a perfect pattern yields 1.0.
	perfect := Factors{Exact: 1, Context: 1, Semantic: 1, Temporal: 1, History: 1}
	conf, bd := Compose(perfect, w, 1.0)
	if !almostEqual(conf, 1.0) {
		t.Errorf("Expected 1.0, got %v", conf)
	}
	if !almostEqual(bd.Exact, 1.0) || !almostEqual(bd.Context, 0.3) {
		t.Errorf("Unexpected breakdown: %+v", bd)
	}

	// Pattern confidence scales the weighted sum (1.8 here) before the clamp.
	conf, _ = Compose(perfect, w, 0.5)
	if !almostEqual(conf, 0.9) {
		t.Errorf("Expected 0.9 with half pattern confidence, got %v", conf)
	}

	// An exact signature match alone carries the pattern's own confidence
	// through unchanged, so a trusted pattern stays in the top tier.
	conf, _ = Compose(Factors{Exact: 1}, w, 0.96)
	if !almostEqual(conf, 0.96) {
		t.Errorf("Expected 0.96, got %v", conf)
	}

	// The clamp caps the final product, which exceeds 1 here (1.3 x 0.99).
	conf, _ = Compose(Factors{Exact: 1, Context: 1}, w, 0.99)
	if !almostEqual(conf, 1.0) {
		t.Errorf("Expected clamp at 1.0, got %v", conf)
	}

	// Zero weights score zero.
	conf, _ = Compose(perfect, Weights{}, 1.0)
	if conf != 0 {
		t.Errorf("Expected 0 with zero weights, got %v", conf)
	}
}

// TestNumericCloseness tests scaled distance scoring
func TestNumericCloseness(t *testing.T) {
	if got := NumericCloseness(60, 60, 240); got != 1.0 {
		t.Errorf("Expected 1.0, got %v", got)
	}
	if got := NumericCloseness(0, 240, 240); got != 0 {
		t.Errorf("Expected 0, got %v", got)
	}
	if got := NumericCloseness(1, 2, 0); got != 0 {
		t.Errorf("Expected 0 for non-positive scale, got %v", got)
	}
}

// TestSignatureTokens tests signature splitting
func TestSignatureTokens(t *testing.T) {
	got := SignatureTokens("Access:Door:Grant")
	if len(got) != 3 || got[0] != "access" || got[2] != "grant" {
		t.Errorf("Unexpected tokens: %v", got)
	}
	if got := SignatureTokens(""); got != nil {
		t.Errorf("Expected nil for empty signature, got %v", got)
	}
}
