// Package modules defines the pluggable domain modules that own signature
// generation and domain-specific scoring for their slice of events.
package modules

import (
	"fmt"
	"strings"
	"sync"

	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/models"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/similarity"
)

// Module is a pluggable domain scorer. Each module owns signature generation
// for its event kinds plus the semantic and context factors fed into the
// weighted composition; the generic factors (exact, temporal, history) are
// computed by the search layer.
type Module interface {
	// Name identifies the module in match provenance and logs.
	Name() string

	// DecisionTypes lists the pattern decision types this module owns.
	DecisionTypes() []string

	// CanHandle reports whether the module scores events of this kind.
	CanHandle(kind string) bool

	// GenerateSignature derives the colon-joined lowercase trigger key for
	// an event. Deliberately simple and debuggable.
	GenerateSignature(ev *models.Event) string

	// SemanticScore scores domain-specific closeness in [0,1].
	SemanticScore(p *models.Pattern, ev *models.Event) float64

	// ContextScore scores context key/value overlap in [0,1].
	ContextScore(p *models.Pattern, ev *models.Event) float64
}

// Registry holds registered modules keyed by name.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// NewRegistry creates an empty module registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

// Register adds a module. Registering a duplicate name is an error.
func (r *Registry) Register(m Module) error {
	if m == nil {
		return fmt.Errorf("cannot register nil module")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[m.Name()]; exists {
		return fmt.Errorf("module %s already registered", m.Name())
	}
	r.modules[m.Name()] = m
	return nil
}

// Get returns a module by name.
func (r *Registry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// All returns every registered module.
func (r *Registry) All() []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Module, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m)
	}
	return out
}

// CapableOf returns the modules whose CanHandle accepts the event kind.
func (r *Registry) CapableOf(kind string) []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Module
	for _, m := range r.modules {
		if m.CanHandle(kind) {
			out = append(out, m)
		}
	}
	return out
}

// NewDefaultRegistry returns a registry with the four production modules.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewErrorModule())
	r.Register(NewDecisionModule())
	r.Register(NewBookingModule())
	r.Register(NewAccessModule())
	return r
}

// base provides the shared plumbing for concrete modules.
type base struct {
	name  string
	kinds map[string]bool
	types []string
}

func newBase(name string, types []string, kinds ...string) base {
	set := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		set[strings.ToLower(k)] = true
	}
	return base{name: name, kinds: set, types: types}
}

func (b base) Name() string            { return b.name }
func (b base) DecisionTypes() []string { return b.types }

func (b base) CanHandle(kind string) bool {
	return b.kinds[strings.ToLower(kind)]
}

// expectedContext extracts the parameter map a pattern's logic declares, used
// as the comparison baseline for generic context scoring.
func expectedContext(p *models.Pattern) map[string]interface{} {
	switch p.Logic.Kind {
	case models.LogicAction:
		if p.Logic.Action != nil {
			return p.Logic.Action.Params
		}
	case models.LogicActionList:
		if len(p.Logic.ActionList) > 0 {
			return p.Logic.ActionList[0].Params
		}
	case models.LogicFunction:
		if p.Logic.Function != nil {
			return p.Logic.Function.Params
		}
	case models.LogicAPICall:
		if p.Logic.APICall != nil {
			return p.Logic.APICall.Body
		}
	case models.LogicPassthrough:
		return p.Logic.Passthrough
	}
	return nil
}

// GenericSignature derives a trigger key for events no module claims.
func GenericSignature(ev *models.Event) string {
	return signature(ev.Kind, ev.Category, ev.Action)
}

// GenericContextScore is the default context factor: parameter overlap when
// the pattern declares expectations, signature token overlap otherwise. The
// general persisted-pattern lookup uses it directly.
func GenericContextScore(p *models.Pattern, ev *models.Event) float64 {
	if expected := expectedContext(p); len(expected) > 0 {
		return similarity.ContextOverlap(ev.Context, expected)
	}
	return similarity.TokenOverlap(
		similarity.SignatureTokens(p.TriggerSignature),
		contextTokens(ev),
	)
}

// contextTokens flattens an event's identifying fields into tokens.
func contextTokens(ev *models.Event) []string {
	tokens := []string{strings.ToLower(ev.Kind)}
	if ev.Category != "" {
		tokens = append(tokens, strings.ToLower(ev.Category))
	}
	if ev.Action != "" {
		tokens = append(tokens, strings.ToLower(ev.Action))
	}
	for k, v := range ev.Context {
		tokens = append(tokens, strings.ToLower(k))
		if s, ok := v.(string); ok && len(s) < 64 {
			tokens = append(tokens, strings.ToLower(s))
		}
	}
	return tokens
}

// signature joins lowercase parts with colons, dropping empties.
func signature(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			kept = append(kept, strings.ReplaceAll(p, ":", "_"))
		}
	}
	return strings.Join(kept, ":")
}

// ctxString fetches a string field from event context.
func ctxString(ev *models.Event, keys ...string) string {
	for _, k := range keys {
		if v, ok := ev.Context[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

// ctxFloat fetches a numeric field from event context.
func ctxFloat(ev *models.Event, keys ...string) (float64, bool) {
	for _, k := range keys {
		v, ok := ev.Context[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n, true
		case int:
			return float64(n), true
		case int64:
			return float64(n), true
		}
	}
	return 0, false
}
