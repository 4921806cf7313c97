// Package events carries the observable lifecycle signals. The core emits
// them on every processing step and functions identically with zero
// subscribers.
package events

import "time"

// Signal names emitted by the automation core.
const (
	SignalReceived          = "received"
	SignalProcessed         = "processed"
	SignalSuggestionCreated = "suggestionCreated"
	SignalApprovalQueued    = "approvalQueued"
	SignalAnomalyDetected   = "anomalyDetected"
	SignalAnomalyEscalated  = "anomalyEscalated"
	SignalExecutionStart    = "executionStart"
	SignalExecutionSuccess  = "executionSuccess"
	SignalExecutionFailure  = "executionFailure"
)

// LifecycleEvent is one observable signal.
type LifecycleEvent struct {
	Signal    string                 `json:"signal"`
	EventKind string                 `json:"event_kind,omitempty"`
	PatternID string                 `json:"pattern_id,omitempty"`
	RefID     string                 `json:"ref_id,omitempty"` // suggestion/approval/anomaly id
	Detail    map[string]interface{} `json:"detail,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Emitter receives lifecycle events. Implementations must not block the
// decision path.
type Emitter interface {
	Emit(ev LifecycleEvent)
}

// NopEmitter discards everything; the default when nothing subscribes.
type NopEmitter struct{}

// Emit discards the event.
func (NopEmitter) Emit(LifecycleEvent) {}

// MultiEmitter fans one event out to several emitters.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter combines emitters.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

// Emit forwards the event to every wrapped emitter.
func (m *MultiEmitter) Emit(ev LifecycleEvent) {
	for _, e := range m.emitters {
		e.Emit(ev)
	}
}

// ChannelEmitter writes events to a buffered channel, dropping when the
// consumer falls behind rather than blocking the core.
type ChannelEmitter struct {
	ch chan LifecycleEvent
}

// NewChannelEmitter creates a channel emitter with the given buffer.
func NewChannelEmitter(buffer int) *ChannelEmitter {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelEmitter{ch: make(chan LifecycleEvent, buffer)}
}

// Events returns the consumer side.
func (c *ChannelEmitter) Events() <-chan LifecycleEvent {
	return c.ch
}

// Emit enqueues the event, dropping it when the buffer is full.
func (c *ChannelEmitter) Emit(ev LifecycleEvent) {
	select {
	case c.ch <- ev:
	default:
	}
}
