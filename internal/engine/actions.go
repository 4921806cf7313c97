package engine

import (
	"context"
	"log/slog"

	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/models"
)

// ActionResult is what the action-execution collaborator reports back.
type ActionResult struct {
	Status string      `json:"status"`
	Result interface{} `json:"result,omitempty"`
}

// ActionExecutor physically performs an action (door unlock, projector
// power, SMS send, CRM update). This core does not know how; it only
// dispatches descriptors. Retry/backoff belongs to the implementation.
type ActionExecutor interface {
	Execute(ctx context.Context, action models.ActionLogic, ev *models.Event) (*ActionResult, error)
}

// Handler is a named function invoked by function-kind logic.
type Handler func(ctx context.Context, params map[string]interface{}, ev *models.Event) (interface{}, error)

// NopActionExecutor acknowledges every action without performing it. Used
// by tests and dry runs.
type NopActionExecutor struct{}

// Execute acknowledges the action.
func (NopActionExecutor) Execute(ctx context.Context, action models.ActionLogic, ev *models.Event) (*ActionResult, error) {
	return &ActionResult{Status: "ok"}, nil
}

// LoggingActionExecutor logs each dispatched action, for the CLI run mode
// where no connectors are wired.
type LoggingActionExecutor struct {
	Logger *slog.Logger
}

// Execute logs and acknowledges the action.
func (e LoggingActionExecutor) Execute(ctx context.Context, action models.ActionLogic, ev *models.Event) (*ActionResult, error) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("dispatching action",
		"type", action.Type, "target", action.Target, "event_kind", ev.Kind)
	return &ActionResult{Status: "ok"}, nil
}
