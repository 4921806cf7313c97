package modules

import (
	"strings"

	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/models"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/similarity"
)

// DecisionModule scores general operational decisions: customer messages,
// staff requests, anything conversational that maps to a canned treatment.
type DecisionModule struct {
	base
}

// NewDecisionModule creates the decision domain module.
func NewDecisionModule() *DecisionModule {
	return &DecisionModule{
		base: newBase("decision", []string{"decision", "message", "general"},
			"decision", "message", "customer_message", "request"),
	}
}

// GenerateSignature keys decisions by category, action and declared intent.
func (m *DecisionModule) GenerateSignature(ev *models.Event) string {
	return signature("decision", ev.Category, ev.Action, ctxString(ev, "intent", "topic"))
}

// SemanticScore compares declared intent and message text against the
// pattern's trigger.
func (m *DecisionModule) SemanticScore(p *models.Pattern, ev *models.Event) float64 {
	sigTokens := similarity.SignatureTokens(p.TriggerSignature)
	score := 0.0

	if intent := ctxString(ev, "intent", "topic"); intent != "" {
		score += similarity.TokenOverlap(strings.Fields(strings.ToLower(intent)), sigTokens) * 0.5
	}
	if msg := ctxString(ev, "message", "text", "body"); msg != "" {
		score += similarity.TokenOverlap(strings.Fields(strings.ToLower(msg)), sigTokens) * 0.5
	}
	return models.Clamp01(score)
}

// ContextScore uses the generic parameter-overlap scorer.
func (m *DecisionModule) ContextScore(p *models.Pattern, ev *models.Event) float64 {
	return GenericContextScore(p, ev)
}
