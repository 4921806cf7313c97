// Package anomaly is the independent multi-factor risk scorer. It can veto
// automation entirely; its findings are always persisted and, at high
// severity, escalated outward.
package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/events"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/models"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/notify"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/store"
)

// Causes attached to routed anomalies.
const (
	CauseNoMatchingPattern = "no_matching_pattern"
	CauseLowConfidence     = "low_confidence"
)

// Thresholds are the empirically tuned magnitudes behind the edge-case and
// unusual-context checks. Overridable via config; the defaults are
// production values, deliberately not re-derived.
type Thresholds struct {
	NewPatternConfidence float64 `yaml:"new_pattern_confidence"` // best match below this is "new"
	RareComboOccurrences int     `yaml:"rare_combo_occurrences"` // fewer historical sightings is "rare"
	MaxEventsPerHour     int     `yaml:"max_events_per_hour"`    // per actor, rolling hour
	OffHoursStart        int     `yaml:"off_hours_start"`        // inclusive, 24h clock
	OffHoursEnd          int     `yaml:"off_hours_end"`          // exclusive
	MaxDurationMin       float64 `yaml:"max_duration_min"`
	MinDurationMin       float64 `yaml:"min_duration_min"`
	MaxNumericMagnitude  float64 `yaml:"max_numeric_magnitude"`
}

// DefaultThresholds returns the production anomaly thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		NewPatternConfidence: 0.3,
		RareComboOccurrences: 5,
		MaxEventsPerHour:     50,
		OffHoursStart:        22,
		OffHoursEnd:          6,
		MaxDurationMin:       480,
		MinDurationMin:       5,
		MaxNumericMagnitude:  1e6,
	}
}

// sensitiveKinds escalate new-pattern severity.
var sensitiveKinds = map[string]bool{
	"access": true, "door": true, "entry": true, "unlock": true, "security": true,
}

// injectionSignatures match SQL, script, template and prototype-pollution
// markers in any string field.
var injectionSignatures = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(drop|truncate|delete)\s+(table|from|database)\b`),
	regexp.MustCompile(`(?i)\bunion\s+select\b`),
	regexp.MustCompile(`(?i)'\s*or\s+'?1'?\s*=\s*'?1`),
	regexp.MustCompile(`(?i);\s*--`),
	regexp.MustCompile(`(?i)<\s*script\b`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`\{\{.+\}\}`),
	regexp.MustCompile(`\$\{.+\}`),
	regexp.MustCompile(`__proto__`),
	regexp.MustCompile(`constructor\s*\[?\s*['"]?prototype`),
}

// finding is one check's verdict.
type finding struct {
	kind              models.AnomalyType
	severity          models.Severity
	confidence        float64
	reasons           []string
	requiresHuman     bool
	requiresImmediate bool
}

// Detector runs the five independent checks and combines their findings.
type Detector struct {
	thresholds Thresholds
	records    store.RecordStore
	freq       FrequencyTracker
	notifier   notify.Notifier
	emitter    events.Emitter
	logger     *slog.Logger
}

// New creates a detector. records, freq and notifier may be nil; missing
// collaborators degrade the corresponding check rather than failing.
func New(thresholds Thresholds, records store.RecordStore, freq FrequencyTracker, notifier notify.Notifier, emitter events.Emitter, logger *slog.Logger) *Detector {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		thresholds: thresholds,
		records:    records,
		freq:       freq,
		notifier:   notifier,
		emitter:    emitter,
		logger:     logger,
	}
}

// PreCheck runs the security-threat and data-quality checks before pattern
// search. A security hit or missing required fields short-circuits routing;
// a nil return means search proceeds.
func (d *Detector) PreCheck(ctx context.Context, ev *models.Event) *models.Anomaly {
	var findings []finding
	if f := d.checkSecurityThreat(ev); f != nil {
		findings = append(findings, *f)
	}
	if f := d.checkDataQuality(ev); f != nil {
		findings = append(findings, *f)
	}
	if len(findings) == 0 {
		return nil
	}
	return d.combineAndPersist(ctx, ev, findings)
}

// Detect runs all five checks for an event the router declined to automate.
// cause is CauseNoMatchingPattern or CauseLowConfidence; best may be nil.
// An internal panic fails safe: the event becomes an anomaly requiring
// human review.
func (d *Detector) Detect(ctx context.Context, ev *models.Event, best *models.Match, cause string) (anomaly *models.Anomaly) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("anomaly detector panicked; failing safe", "panic", r)
			anomaly = d.combineAndPersist(ctx, ev, []finding{{
				kind:          models.AnomalyNewPattern,
				severity:      models.SeverityHigh,
				confidence:    0.5,
				reasons:       []string{"anomaly detector internal error; human review required"},
				requiresHuman: true,
			}})
		}
	}()

	var findings []finding
	if f := d.checkNewPattern(ev, best, cause); f != nil {
		findings = append(findings, *f)
	}
	if f := d.checkEdgeCase(ctx, ev); f != nil {
		findings = append(findings, *f)
	}
	if f := d.checkUnusualContext(ctx, ev); f != nil {
		findings = append(findings, *f)
	}
	if f := d.checkSecurityThreat(ev); f != nil {
		findings = append(findings, *f)
	}
	if f := d.checkDataQuality(ev); f != nil {
		findings = append(findings, *f)
	}

	if len(findings) == 0 {
		// Routed here for low confidence but nothing individually anomalous.
		findings = append(findings, finding{
			kind:       models.AnomalyNewPattern,
			severity:   models.SeverityLow,
			confidence: 0.4,
			reasons:    []string{fmt.Sprintf("routed to anomaly path: %s", cause)},
		})
	}
	return d.combineAndPersist(ctx, ev, findings)
}

// checkNewPattern flags events with no match or a best match below the
// new-pattern confidence floor.
func (d *Detector) checkNewPattern(ev *models.Event, best *models.Match, cause string) *finding {
	if best != nil && best.Confidence >= d.thresholds.NewPatternConfidence {
		return nil
	}
	f := &finding{
		kind:       models.AnomalyNewPattern,
		severity:   models.SeverityMedium,
		confidence: 0.7,
	}
	if best == nil {
		f.reasons = append(f.reasons, "no pattern matched this event")
	} else {
		f.reasons = append(f.reasons,
			fmt.Sprintf("best match confidence %.2f below %.2f", best.Confidence, d.thresholds.NewPatternConfidence))
	}
	if cause != "" {
		f.reasons = append(f.reasons, cause)
	}
	if ev.Urgent || sensitiveKinds[strings.ToLower(ev.Kind)] {
		f.severity = models.SeverityHigh
		f.requiresHuman = true
		f.reasons = append(f.reasons, "urgent or sensitive event kind")
	}
	return f
}

// checkEdgeCase flags events with two or more structural oddities.
func (d *Detector) checkEdgeCase(ctx context.Context, ev *models.Event) *finding {
	var reasons []string

	for k, v := range ev.Context {
		if n, ok := toNumber(v); ok {
			if n < 0 || n > d.thresholds.MaxNumericMagnitude {
				reasons = append(reasons, fmt.Sprintf("out-of-bounds numeric value %s=%v", k, v))
				break
			}
		}
	}

	if d.records != nil {
		sig := fmt.Sprintf("%s:%s:%s", strings.ToLower(ev.Kind), strings.ToLower(ev.Category), strings.ToLower(ev.Action))
		if count, err := d.records.RecordSignature(ctx, sig); err == nil && count < d.thresholds.RareComboOccurrences {
			reasons = append(reasons, fmt.Sprintf("rare attribute combination (seen %d times)", count))
		}
	}

	if dur, ok := toNumber(firstContext(ev, "duration_min", "duration")); ok {
		if dur > d.thresholds.MaxDurationMin || dur < d.thresholds.MinDurationMin {
			reasons = append(reasons, fmt.Sprintf("duration %v outside normal bounds", dur))
		}
	}

	if start, end, ok := timeRange(ev); ok && start.After(end) {
		reasons = append(reasons, "start time after end time")
	}

	if len(reasons) < 2 {
		return nil
	}
	return &finding{
		kind:       models.AnomalyEdgeCase,
		severity:   models.SeverityMedium,
		confidence: 0.6,
		reasons:    reasons,
	}
}

// checkUnusualContext flags events with two or more behavioral oddities.
func (d *Detector) checkUnusualContext(ctx context.Context, ev *models.Event) *finding {
	var reasons []string

	hour := ev.Timestamp.Hour()
	if isOffHours(hour, d.thresholds.OffHoursStart, d.thresholds.OffHoursEnd) {
		reasons = append(reasons, fmt.Sprintf("off-hours timing (%02d:00)", hour))
	}

	if d.freq != nil {
		if actor := actorKey(ev); actor != "" {
			if count, err := d.freq.Increment(ctx, actor); err == nil && count > d.thresholds.MaxEventsPerHour {
				reasons = append(reasons, fmt.Sprintf("abnormal frequency: %d events in the last hour from %s", count, actor))
			}
		}
	}

	if flag, ok := ev.Context["abnormal_behavior"].(bool); ok && flag {
		reasons = append(reasons, "abnormal user behavior flagged upstream")
	}
	if state, ok := ev.Context["system_state"].(string); ok && state != "" && !strings.EqualFold(state, "normal") {
		reasons = append(reasons, fmt.Sprintf("abnormal system state %q", state))
	}

	if len(reasons) < 2 {
		return nil
	}
	return &finding{
		kind:       models.AnomalyUnusualContext,
		severity:   models.SeverityMedium,
		confidence: 0.6,
		reasons:    reasons,
	}
}

// checkSecurityThreat scans every string field for injection signatures.
// Always critical; always requires a human and immediate attention.
func (d *Detector) checkSecurityThreat(ev *models.Event) *finding {
	var hits []string
	scan := func(field, value string) {
		for _, sig := range injectionSignatures {
			if sig.MatchString(value) {
				hits = append(hits, fmt.Sprintf("injection signature in %s", field))
				return
			}
		}
	}

	scan("kind", ev.Kind)
	scan("category", ev.Category)
	scan("action", ev.Action)
	for k, v := range ev.Context {
		if s, ok := v.(string); ok {
			scan("context."+k, s)
		}
	}

	if len(hits) == 0 {
		return nil
	}
	return &finding{
		kind:              models.AnomalySecurityThreat,
		severity:          models.SeverityCritical,
		confidence:        0.95,
		reasons:           hits,
		requiresHuman:     true,
		requiresImmediate: true,
	}
}

// checkDataQuality flags missing required fields and type mismatches.
// Always low severity.
func (d *Detector) checkDataQuality(ev *models.Event) *finding {
	var reasons []string
	if strings.TrimSpace(ev.Kind) == "" {
		reasons = append(reasons, "missing event kind")
	}
	if ev.Timestamp.IsZero() {
		reasons = append(reasons, "missing timestamp")
	}
	if ev.Context == nil {
		reasons = append(reasons, "missing context map")
	}
	if len(reasons) == 0 {
		return nil
	}
	return &finding{
		kind:       models.AnomalyDataQuality,
		severity:   models.SeverityLow,
		confidence: 0.8,
		reasons:    reasons,
	}
}

// combineAndPersist merges findings, persists the anomaly and escalates
// when severe. Persistence failures are logged; the anomaly result still
// returns.
func (d *Detector) combineAndPersist(ctx context.Context, ev *models.Event, findings []finding) *models.Anomaly {
	a := &models.Anomaly{
		Severity:      models.SeverityLow,
		EventSnapshot: ev.Snapshot(),
		CreatedAt:     time.Now().UTC(),
	}

	sum := 0.0
	for _, f := range findings {
		a.Types = append(a.Types, f.kind)
		a.Severity = models.MaxSeverity(a.Severity, f.severity)
		a.Reasons = append(a.Reasons, f.reasons...)
		sum += f.confidence
		if f.requiresHuman || f.requiresImmediate {
			a.RequiresHuman = true
		}
	}
	a.Confidence = models.Clamp01(sum / float64(len(findings)))
	if a.Severity == models.SeverityCritical || len(findings) >= 3 {
		a.RequiresHuman = true
	}
	a.Escalated = a.Severity.Rank() >= models.SeverityHigh.Rank()

	if d.records != nil {
		if err := d.records.InsertAnomaly(ctx, a); err != nil {
			d.logger.Warn("failed to persist anomaly", "error", err)
		}
	}

	d.emitter.Emit(events.LifecycleEvent{
		Signal:    events.SignalAnomalyDetected,
		EventKind: ev.Kind,
		RefID:     a.ID,
		Timestamp: time.Now().UTC(),
	})

	if a.Escalated {
		if d.records != nil {
			if err := d.records.InsertEscalation(ctx, a.ID, a.Severity); err != nil {
				d.logger.Warn("failed to persist escalation", "anomaly_id", a.ID, "error", err)
			}
		}
		d.notifier.NotifyEscalation(ctx, a)
		d.emitter.Emit(events.LifecycleEvent{
			Signal:    events.SignalAnomalyEscalated,
			EventKind: ev.Kind,
			RefID:     a.ID,
			Timestamp: time.Now().UTC(),
		})
	}
	return a
}

// isOffHours handles windows that wrap midnight.
func isOffHours(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// actorKey identifies the user or IP behind an event.
func actorKey(ev *models.Event) string {
	for _, k := range []string{"user_id", "userId", "ip", "client_ip"} {
		if v, ok := ev.Context[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func firstContext(ev *models.Event, keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := ev.Context[k]; ok {
			return v
		}
	}
	return nil
}

func timeRange(ev *models.Event) (time.Time, time.Time, bool) {
	start, ok1 := parseTime(firstContext(ev, "start", "start_time"))
	end, ok2 := parseTime(firstContext(ev, "end", "end_time"))
	return start, end, ok1 && ok2
}

func parseTime(v interface{}) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
