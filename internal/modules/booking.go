package modules

import (
	"strings"

	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/models"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/similarity"
)

// Booking closeness scales: a four-hour duration gap or a ten-person
// difference zeroes that factor.
const (
	bookingDurationScaleMin = 240.0
	bookingPartyScale       = 10.0
)

// BookingModule scores booking and reservation events.
type BookingModule struct {
	base
}

// NewBookingModule creates the booking domain module.
func NewBookingModule() *BookingModule {
	return &BookingModule{
		base: newBase("booking", []string{"booking"},
			"booking", "reservation", "schedule"),
	}
}

// GenerateSignature keys bookings by action and resource.
func (m *BookingModule) GenerateSignature(ev *models.Event) string {
	return signature("booking", ev.Action, ctxString(ev, "resource", "bay", "room"))
}

// SemanticScore measures resource identity plus duration and party-size
// closeness against the pattern's declared parameters.
func (m *BookingModule) SemanticScore(p *models.Pattern, ev *models.Event) float64 {
	expected := expectedContext(p)
	score := 0.0

	evResource := strings.ToLower(ctxString(ev, "resource", "bay", "room"))
	if want, ok := expected["resource"].(string); ok && evResource != "" {
		if strings.EqualFold(want, evResource) {
			score += 0.4
		}
	} else if evResource != "" && strings.Contains(p.TriggerSignature, evResource) {
		score += 0.4
	}

	if dur, ok := ctxFloat(ev, "duration_min", "duration"); ok {
		if want, wok := floatParam(expected, "duration_min", "duration"); wok {
			score += similarity.NumericCloseness(dur, want, bookingDurationScaleMin) * 0.3
		}
	}

	if party, ok := ctxFloat(ev, "participants", "party_size"); ok {
		if want, wok := floatParam(expected, "participants", "party_size"); wok {
			score += similarity.NumericCloseness(party, want, bookingPartyScale) * 0.3
		}
	}

	return models.Clamp01(score)
}

// ContextScore uses the generic parameter-overlap scorer.
func (m *BookingModule) ContextScore(p *models.Pattern, ev *models.Event) float64 {
	return GenericContextScore(p, ev)
}

func floatParam(params map[string]interface{}, keys ...string) (float64, bool) {
	for _, k := range keys {
		v, ok := params[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n, true
		case int:
			return float64(n), true
		}
	}
	return 0, false
}
