// Package engine interprets pattern logic and applies its effects: condition
// preflight, exhaustive dispatch over the logic kinds, best-effort side
// effects, durable execution records and outcome handoff to confidence
// evolution.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/events"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/models"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/store"
)

// FailureSeverity grades execution failures for the evolution penalty scale.
type FailureSeverity string

const (
	FailureMinor    FailureSeverity = "minor"
	FailureMajor    FailureSeverity = "major" // timeouts
	FailureCritical FailureSeverity = "critical"
)

// Outcome is handed to confidence evolution after every execution attempt.
type Outcome struct {
	Success       bool
	HumanModified bool
	WasAuto       bool
	Severity      FailureSeverity
	Err           error
}

// OutcomeSink consumes execution outcomes. Confidence evolution implements
// this; the engine never mutates confidence directly.
type OutcomeSink interface {
	RecordOutcome(ctx context.Context, p *models.Pattern, o Outcome)
}

// ValidationError reports a precondition failure. No side effects ran.
type ValidationError struct {
	Condition models.Condition
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("precondition failed: %s %s (%s)", e.Condition.Field, e.Condition.Op, e.Reason)
}

// Result is the outcome of one execution. WasApproved distinguishes an
// execution a human explicitly approved from a timer-fired or fully
// automatic one.
type Result struct {
	Success     bool        `json:"success"`
	WasApproved bool        `json:"was_approved,omitempty"`
	Output      interface{} `json:"output,omitempty"`
	DurationMs  int64       `json:"duration_ms"`
}

// Options qualifies how an execution was initiated.
type Options struct {
	WasAuto       bool
	WasApproved   bool
	HumanModified bool
	UserID        string
}

// Engine validates, interprets and records pattern executions.
type Engine struct {
	actions ActionExecutor
	records store.RecordStore
	outcome OutcomeSink
	emitter events.Emitter
	logger  *slog.Logger
	http    *http.Client

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates an execution engine. records and outcome may be nil in tests;
// persistence failures never abort the decision path either way.
func New(actions ActionExecutor, records store.RecordStore, outcome OutcomeSink, emitter events.Emitter, logger *slog.Logger) *Engine {
	if actions == nil {
		actions = NopActionExecutor{}
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		actions:  actions,
		records:  records,
		outcome:  outcome,
		emitter:  emitter,
		logger:   logger,
		http:     &http.Client{Timeout: 15 * time.Second},
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler names a function for function-kind logic.
func (e *Engine) RegisterHandler(name string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[strings.ToLower(name)] = h
}

func (e *Engine) handler(name string) (Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[strings.ToLower(name)]
	return h, ok
}

// Execute runs a pattern against an event. Precondition failures return a
// *ValidationError with no side effects and no execution record. Execution
// failures are recorded, penalized via the outcome sink, and propagated to
// the caller.
func (e *Engine) Execute(ctx context.Context, p *models.Pattern, ev *models.Event, opts Options) (*Result, error) {
	for _, cond := range p.Logic.Conditions {
		if ok, reason := evalCondition(cond, ev); !ok {
			return nil, &ValidationError{Condition: cond, Reason: reason}
		}
	}

	e.emitter.Emit(events.LifecycleEvent{
		Signal:    events.SignalExecutionStart,
		EventKind: ev.Kind,
		PatternID: p.ID,
		Timestamp: time.Now().UTC(),
	})

	start := time.Now()
	output, err := e.interpret(ctx, p, ev)
	duration := time.Since(start)

	if err != nil {
		e.recordExecution(ctx, p, ev, opts, models.ExecFailure, duration, "", err)
		e.emitter.Emit(events.LifecycleEvent{
			Signal:    events.SignalExecutionFailure,
			EventKind: ev.Kind,
			PatternID: p.ID,
			Timestamp: time.Now().UTC(),
		})
		if e.outcome != nil {
			e.outcome.RecordOutcome(ctx, p, Outcome{
				Success:       false,
				HumanModified: opts.HumanModified,
				WasAuto:       opts.WasAuto,
				Severity:      classifyFailure(ctx, err),
				Err:           err,
			})
		}
		return nil, fmt.Errorf("pattern %s execution failed: %w", p.ID, err)
	}

	e.applySideEffects(ctx, p, ev)
	e.recordExecution(ctx, p, ev, opts, models.ExecSuccess, duration, renderOutput(output), nil)
	e.emitter.Emit(events.LifecycleEvent{
		Signal:    events.SignalExecutionSuccess,
		EventKind: ev.Kind,
		PatternID: p.ID,
		Timestamp: time.Now().UTC(),
	})
	if e.outcome != nil {
		e.outcome.RecordOutcome(ctx, p, Outcome{
			Success:       true,
			HumanModified: opts.HumanModified,
			WasAuto:       opts.WasAuto,
		})
	}

	return &Result{
		Success:     true,
		WasApproved: opts.WasApproved,
		Output:      output,
		DurationMs:  duration.Milliseconds(),
	}, nil
}

// interpret dispatches on the closed logic union.
func (e *Engine) interpret(ctx context.Context, p *models.Pattern, ev *models.Event) (interface{}, error) {
	logic := p.Logic
	switch logic.Kind {
	case models.LogicFunction:
		h, ok := e.handler(logic.Function.Name)
		if !ok {
			return nil, fmt.Errorf("no handler registered for function %q", logic.Function.Name)
		}
		return h(ctx, logic.Function.Params, ev)

	case models.LogicSequence:
		results := make([]interface{}, 0, len(logic.Sequence.Steps))
		for i, step := range logic.Sequence.Steps {
			out, err := e.runStep(ctx, step, ev)
			if err != nil {
				return nil, fmt.Errorf("sequence step %d (%s): %w", i, step.Name, err)
			}
			results = append(results, out)
		}
		return results, nil

	case models.LogicAPICall:
		return e.callAPI(ctx, logic.APICall)

	case models.LogicAction:
		res, err := e.actions.Execute(ctx, *logic.Action, ev)
		if err != nil {
			return nil, err
		}
		return res, nil

	case models.LogicActionList:
		results := make([]*ActionResult, 0, len(logic.ActionList))
		for i, action := range logic.ActionList {
			res, err := e.actions.Execute(ctx, action, ev)
			if err != nil {
				return nil, fmt.Errorf("action %d (%s): %w", i, action.Type, err)
			}
			results = append(results, res)
		}
		return results, nil

	default:
		// Passthrough: the payload itself is the result.
		return logic.Passthrough, nil
	}
}

// runStep executes one sequence step: a registered handler when one matches
// the step action, the action collaborator otherwise.
func (e *Engine) runStep(ctx context.Context, step models.SequenceStep, ev *models.Event) (interface{}, error) {
	if h, ok := e.handler(step.Action); ok {
		return h(ctx, step.Params, ev)
	}
	return e.actions.Execute(ctx, models.ActionLogic{
		Type:   step.Action,
		Params: step.Params,
	}, ev)
}

// callAPI performs the described external call.
func (e *Engine) callAPI(ctx context.Context, call *models.APICallLogic) (interface{}, error) {
	var body *bytes.Reader
	if call.Body != nil {
		b, err := json.Marshal(call.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	if call.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(call.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	method := call.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, call.URL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range call.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("api call returned status %d", resp.StatusCode)
	}

	var payload interface{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		// Non-JSON responses are fine; the call succeeded.
		return map[string]interface{}{"status": resp.StatusCode}, nil
	}
	return payload, nil
}

// applySideEffects runs declared side effects best-effort. Failures are
// logged and never roll back prior effects.
func (e *Engine) applySideEffects(ctx context.Context, p *models.Pattern, ev *models.Event) {
	for _, effect := range p.Logic.SideEffects {
		if h, ok := e.handler("effect:" + effect.Type); ok {
			if _, err := h(ctx, effect.Params, ev); err != nil {
				e.logger.Warn("side effect failed",
					"pattern_id", p.ID, "effect", effect.Type, "error", err)
			}
			continue
		}
		if _, err := e.actions.Execute(ctx, models.ActionLogic{
			Type:   effect.Type,
			Params: effect.Params,
		}, ev); err != nil {
			e.logger.Warn("side effect failed",
				"pattern_id", p.ID, "effect", effect.Type, "error", err)
		}
	}
}

// recordExecution appends the durable record, fire-and-forget.
func (e *Engine) recordExecution(ctx context.Context, p *models.Pattern, ev *models.Event, opts Options, status models.ExecStatus, duration time.Duration, result string, execErr error) {
	if e.records == nil {
		return
	}
	rec := &models.ExecutionRecord{
		PatternID:             p.ID,
		EventSnapshot:         ev.Snapshot(),
		ConfidenceAtExecution: p.ConfidenceScore,
		WasAutoExecuted:       opts.WasAuto,
		WasHumanModified:      opts.HumanModified,
		Status:                status,
		DurationMs:            duration.Milliseconds(),
		Result:                result,
	}
	if execErr != nil {
		rec.Error = execErr.Error()
	}
	if err := e.records.AppendExecution(ctx, rec); err != nil {
		e.logger.Warn("failed to persist execution record",
			"pattern_id", p.ID, "error", err)
	}
}

// classifyFailure grades an error for the evolution penalty scale.
func classifyFailure(ctx context.Context, err error) FailureSeverity {
	if err == nil {
		return FailureMinor
	}
	if ctx.Err() == context.DeadlineExceeded || strings.Contains(err.Error(), "timeout") ||
		strings.Contains(err.Error(), "deadline exceeded") {
		return FailureMajor
	}
	return FailureMinor
}

func renderOutput(output interface{}) string {
	if output == nil {
		return ""
	}
	b, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprint(output)
	}
	if len(b) > 4096 {
		b = b[:4096]
	}
	return string(b)
}

// evalCondition evaluates one precondition against the event.
func evalCondition(cond models.Condition, ev *models.Event) (bool, string) {
	value, exists := lookupField(cond.Field, ev)

	switch strings.ToLower(cond.Op) {
	case "exists":
		if !exists {
			return false, "field missing"
		}
		return true, ""
	case "eq":
		if !exists {
			return false, "field missing"
		}
		if fmt.Sprint(value) != fmt.Sprint(cond.Value) {
			return false, fmt.Sprintf("got %v", value)
		}
		return true, ""
	case "ne":
		if exists && fmt.Sprint(value) == fmt.Sprint(cond.Value) {
			return false, fmt.Sprintf("got %v", value)
		}
		return true, ""
	case "contains":
		s, _ := value.(string)
		want := fmt.Sprint(cond.Value)
		if !exists || !strings.Contains(strings.ToLower(s), strings.ToLower(want)) {
			return false, "value not contained"
		}
		return true, ""
	case "gt", "gte", "lt", "lte":
		got, gok := toFloat(value)
		want, wok := toFloat(cond.Value)
		if !exists || !gok || !wok {
			return false, "not comparable"
		}
		switch strings.ToLower(cond.Op) {
		case "gt":
			return got > want, fmt.Sprintf("got %v", got)
		case "gte":
			return got >= want, fmt.Sprintf("got %v", got)
		case "lt":
			return got < want, fmt.Sprintf("got %v", got)
		default:
			return got <= want, fmt.Sprintf("got %v", got)
		}
	default:
		return false, fmt.Sprintf("unknown op %q", cond.Op)
	}
}

// lookupField resolves a condition field: event metadata first, context map
// second.
func lookupField(field string, ev *models.Event) (interface{}, bool) {
	switch strings.ToLower(field) {
	case "kind":
		return ev.Kind, ev.Kind != ""
	case "category":
		return ev.Category, ev.Category != ""
	case "action":
		return ev.Action, ev.Action != ""
	case "urgent":
		return ev.Urgent, true
	}
	key := strings.TrimPrefix(field, "context.")
	v, ok := ev.Context[key]
	return v, ok
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
