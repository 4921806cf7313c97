package models

import (
	"encoding/json"
	"fmt"
)

// LogicKind tags the closed set of executable logic payloads.
type LogicKind string

const (
	LogicFunction    LogicKind = "function"
	LogicSequence    LogicKind = "sequence"
	LogicAPICall     LogicKind = "apiCall"
	LogicAction      LogicKind = "action"
	LogicActionList  LogicKind = "actionList"
	LogicPassthrough LogicKind = "passthrough"
)

// Logic is the tagged union of executable pattern payloads. Exactly one
// payload field corresponding to Kind is set; Validate enforces this at
// pattern-load time so the execution engine can match exhaustively.
//
// Unknown or absent tags deserialize as Passthrough, which the engine
// returns as-is. That is the de-facto default for simple declarative
// patterns.
type Logic struct {
	Kind        LogicKind              `json:"type"`
	Function    *FunctionLogic         `json:"function,omitempty"`
	Sequence    *SequenceLogic         `json:"sequence,omitempty"`
	APICall     *APICallLogic          `json:"api_call,omitempty"`
	Action      *ActionLogic           `json:"action,omitempty"`
	ActionList  []ActionLogic          `json:"action_list,omitempty"`
	Passthrough map[string]interface{} `json:"passthrough,omitempty"`
	Conditions  []Condition            `json:"conditions,omitempty"`
	SideEffects []SideEffect           `json:"side_effects,omitempty"`
}

// FunctionLogic invokes a named handler with parameters.
type FunctionLogic struct {
	Name   string                 `json:"name"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// SequenceLogic runs an ordered list of steps, collecting results.
type SequenceLogic struct {
	Steps []SequenceStep `json:"steps"`
}

// SequenceStep is one step in a sequence.
type SequenceStep struct {
	Name   string                 `json:"name"`
	Action string                 `json:"action"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// APICallLogic describes an external call.
type APICallLogic struct {
	Method    string                 `json:"method"`
	URL       string                 `json:"url"`
	Headers   map[string]string      `json:"headers,omitempty"`
	Body      map[string]interface{} `json:"body,omitempty"`
	TimeoutMs int                    `json:"timeout_ms,omitempty"`
}

// ActionLogic is dispatched to the action-execution collaborator, which owns
// the physical side (door unlock, SMS send, CRM update).
type ActionLogic struct {
	Type   string                 `json:"type"`
	Target string                 `json:"target,omitempty"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Condition is a precondition evaluated against the event before any side
// effect runs.
type Condition struct {
	Field string      `json:"field"`
	Op    string      `json:"op"` // eq, ne, gt, gte, lt, lte, exists, contains
	Value interface{} `json:"value,omitempty"`
}

// SideEffect is a best-effort follow-up applied after successful execution.
// Side effect failures are logged, never rolled back.
type SideEffect struct {
	Type   string                 `json:"type"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Validate checks that the payload matching Kind is present. Called at
// pattern-load time rather than execution time.
func (l *Logic) Validate() error {
	switch l.Kind {
	case LogicFunction:
		if l.Function == nil || l.Function.Name == "" {
			return fmt.Errorf("function logic requires a handler name")
		}
	case LogicSequence:
		if l.Sequence == nil || len(l.Sequence.Steps) == 0 {
			return fmt.Errorf("sequence logic requires at least one step")
		}
	case LogicAPICall:
		if l.APICall == nil || l.APICall.URL == "" {
			return fmt.Errorf("apiCall logic requires a URL")
		}
	case LogicAction:
		if l.Action == nil || l.Action.Type == "" {
			return fmt.Errorf("action logic requires an action type")
		}
	case LogicActionList:
		if len(l.ActionList) == 0 {
			return fmt.Errorf("actionList logic requires at least one action")
		}
	case LogicPassthrough, "":
		// Always valid; empty kind normalizes to passthrough.
	default:
		return fmt.Errorf("unknown logic kind %q", l.Kind)
	}
	for i, c := range l.Conditions {
		if c.Field == "" || c.Op == "" {
			return fmt.Errorf("condition %d missing field or op", i)
		}
	}
	return nil
}

// Clone returns a copy safe for one-shot mutation (approve-with-changes).
func (l Logic) Clone() Logic {
	b, err := json.Marshal(l)
	if err != nil {
		return l
	}
	var cp Logic
	if err := json.Unmarshal(b, &cp); err != nil {
		return l
	}
	return cp
}

// UnmarshalJSON normalizes unknown or absent kinds to Passthrough, keeping
// the raw payload so the engine can return it untouched.
func (l *Logic) UnmarshalJSON(data []byte) error {
	type alias Logic
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	switch a.Kind {
	case LogicFunction, LogicSequence, LogicAPICall, LogicAction, LogicActionList, LogicPassthrough:
		*l = Logic(a)
		return nil
	}
	// Unknown tag: keep the whole payload as a passthrough map.
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*l = Logic(a)
	l.Kind = LogicPassthrough
	if l.Passthrough == nil {
		l.Passthrough = raw
	}
	return nil
}

// MergeChanges applies a one-shot human modification to the logic. Changes
// are shallow keyed overrides: params maps are merged, everything else is
// replaced when present in the change set.
func (l *Logic) MergeChanges(changes map[string]interface{}) {
	if len(changes) == 0 {
		return
	}
	switch l.Kind {
	case LogicFunction:
		if l.Function != nil {
			l.Function.Params = mergeParams(l.Function.Params, changes)
		}
	case LogicAction:
		if l.Action != nil {
			l.Action.Params = mergeParams(l.Action.Params, changes)
		}
	case LogicActionList:
		for i := range l.ActionList {
			l.ActionList[i].Params = mergeParams(l.ActionList[i].Params, changes)
		}
	case LogicAPICall:
		if l.APICall != nil {
			l.APICall.Body = mergeParams(l.APICall.Body, changes)
		}
	case LogicSequence:
		if l.Sequence != nil {
			for i := range l.Sequence.Steps {
				l.Sequence.Steps[i].Params = mergeParams(l.Sequence.Steps[i].Params, changes)
			}
		}
	default:
		l.Passthrough = mergeParams(l.Passthrough, changes)
	}
}

func mergeParams(base, overrides map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
