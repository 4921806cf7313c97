package modules

import (
	"strings"

	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/models"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/similarity"
)

// ErrorModule scores internal error events against error-resolution patterns.
type ErrorModule struct {
	base
}

// NewErrorModule creates the error domain module.
func NewErrorModule() *ErrorModule {
	return &ErrorModule{
		base: newBase("error", []string{"error", "incident"},
			"error", "exception", "failure", "incident"),
	}
}

// GenerateSignature keys errors by category and error code, falling back to
// the head of the normalized message.
func (m *ErrorModule) GenerateSignature(ev *models.Event) string {
	code := ctxString(ev, "code", "error_code")
	if code == "" {
		code = normalizeErrorMessage(ctxString(ev, "message", "error"))
	}
	return signature("error", ev.Category, code)
}

// SemanticScore compares error messages and severities.
func (m *ErrorModule) SemanticScore(p *models.Pattern, ev *models.Event) float64 {
	score := 0.0

	evMsg := normalizeErrorMessage(ctxString(ev, "message", "error"))
	expected := expectedContext(p)
	if want, ok := expected["message"].(string); ok && evMsg != "" {
		score += similarity.StringSimilarity(evMsg, normalizeErrorMessage(want)) * 0.6
	} else if evMsg != "" {
		// No declared message: compare against signature tokens.
		score += similarity.TokenOverlap(
			strings.Fields(evMsg),
			similarity.SignatureTokens(p.TriggerSignature),
		) * 0.6
	}

	evSev := strings.ToLower(ctxString(ev, "severity", "level"))
	if want, ok := expected["severity"].(string); ok && evSev != "" {
		if strings.EqualFold(want, evSev) {
			score += 0.4
		}
	} else if evSev != "" {
		score += 0.2
	}

	return models.Clamp01(score)
}

// ContextScore uses the generic parameter-overlap scorer.
func (m *ErrorModule) ContextScore(p *models.Pattern, ev *models.Event) float64 {
	return GenericContextScore(p, ev)
}

// normalizeErrorMessage lowercases and strips volatile parts (digits, hex
// ids) so recurring errors with changing identifiers collapse to one key.
func normalizeErrorMessage(msg string) string {
	msg = strings.ToLower(strings.TrimSpace(msg))
	if msg == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range msg {
		switch {
		case r >= '0' && r <= '9':
			// Drop digits; ids and counts churn between occurrences.
		case r == ' ' || r == '_' || r == '-' || (r >= 'a' && r <= 'z'):
			b.WriteRune(r)
		}
	}
	fields := strings.Fields(b.String())
	if len(fields) > 6 {
		fields = fields[:6]
	}
	return strings.Join(fields, "_")
}
