package events

import "log/slog"

// LogEmitter writes lifecycle events to structured logs.
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates a log-backed emitter.
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger}
}

// Emit logs the event at debug level; escalations log at warn.
func (e *LogEmitter) Emit(ev LifecycleEvent) {
	attrs := []any{
		"signal", ev.Signal,
		"event_kind", ev.EventKind,
		"pattern_id", ev.PatternID,
		"ref_id", ev.RefID,
	}
	if ev.Signal == SignalAnomalyEscalated {
		e.logger.Warn("lifecycle event", attrs...)
		return
	}
	e.logger.Debug("lifecycle event", attrs...)
}
