package modules

import (
	"strings"

	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/models"
)

// AccessModule scores physical access events: doors, gates, after-hours
// entry. Access is a sensitive module; anomaly severity escalates for it.
type AccessModule struct {
	base
}

// NewAccessModule creates the access domain module.
func NewAccessModule() *AccessModule {
	return &AccessModule{
		base: newBase("access", []string{"access"},
			"access", "door", "entry", "unlock"),
	}
}

// GenerateSignature keys access events by action and location.
func (m *AccessModule) GenerateSignature(ev *models.Event) string {
	return signature("access", ev.Action, ctxString(ev, "location", "door", "zone"))
}

// SemanticScore measures location proximity and security-level equality.
func (m *AccessModule) SemanticScore(p *models.Pattern, ev *models.Event) float64 {
	expected := expectedContext(p)
	score := 0.0

	evLoc := strings.ToLower(ctxString(ev, "location", "door", "zone"))
	wantLoc, _ := expected["location"].(string)
	wantLoc = strings.ToLower(wantLoc)
	switch {
	case evLoc != "" && evLoc == wantLoc:
		score += 0.6
	case evLoc != "" && wantLoc != "" && sameZone(evLoc, wantLoc):
		// Same building zone counts as proximate, not identical.
		score += 0.3
	case evLoc != "" && strings.Contains(p.TriggerSignature, evLoc):
		score += 0.5
	}

	evLevel := strings.ToLower(ctxString(ev, "security_level", "level"))
	if wantLevel, ok := expected["security_level"].(string); ok && evLevel != "" {
		if strings.EqualFold(wantLevel, evLevel) {
			score += 0.4
		}
	} else if evLevel != "" {
		score += 0.1
	}

	return models.Clamp01(score)
}

// ContextScore uses the generic parameter-overlap scorer.
func (m *AccessModule) ContextScore(p *models.Pattern, ev *models.Event) float64 {
	return GenericContextScore(p, ev)
}

// sameZone treats locations sharing a prefix segment ("north-door-1",
// "north-door-2") as proximate.
func sameZone(a, b string) bool {
	pa := strings.SplitN(a, "-", 2)
	pb := strings.SplitN(b, "-", 2)
	return pa[0] != "" && pa[0] == pb[0]
}
