package models

import (
	"encoding/json"
	"time"
)

// Event is a transient operational input: a customer message, access request,
// booking change, internal error, or anything else a connector feeds in.
// Events are never persisted verbatim, only as JSON snapshots attached to
// queue, anomaly and execution records.
type Event struct {
	Kind      string                 `json:"kind"`               // e.g. "access", "booking", "error"
	Category  string                 `json:"category,omitempty"` // optional sub-classification
	Action    string                 `json:"action,omitempty"`   // e.g. "grant", "cancel"
	Context   map[string]interface{} `json:"context"`
	Timestamp time.Time              `json:"timestamp"`
	Urgent    bool                   `json:"urgent,omitempty"`
}

// DecisionType returns the classification used for durable pattern lookup:
// the category when present, otherwise the kind.
func (e *Event) DecisionType() string {
	if e.Category != "" {
		return e.Category
	}
	return e.Kind
}

// Snapshot serializes the event for attachment to durable records.
func (e *Event) Snapshot() []byte {
	b, err := json.Marshal(e)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// Pattern is the durable decision template. Created manually, by promotion
// from captured fixes, or by forking after repeated human modification.
// Mutated on every execution; never hard-deleted, only confidence-decayed.
type Pattern struct {
	ID               string    `json:"id"`
	DecisionType     string    `json:"decision_type"`
	TriggerSignature string    `json:"trigger_signature"`
	Logic            Logic     `json:"logic"`
	ConfidenceScore  float64   `json:"confidence_score"`
	AutoExecutable   bool      `json:"auto_executable"`
	ExecutionCount   int       `json:"execution_count"`
	SuccessCount     int       `json:"success_count"`
	FailureCount     int       `json:"failure_count"`
	LastSeen         time.Time `json:"last_seen"`
	SourceModule     string    `json:"source_module,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// SuccessRate returns the pattern's lifetime success ratio, 0 when unused.
func (p *Pattern) SuccessRate() float64 {
	if p.ExecutionCount == 0 {
		return 0
	}
	return float64(p.SuccessCount) / float64(p.ExecutionCount)
}

// Clone returns a deep enough copy for one-shot modification: the logic can
// be mutated without touching the stored pattern.
func (p *Pattern) Clone() *Pattern {
	cp := *p
	cp.Logic = p.Logic.Clone()
	return &cp
}

// Breakdown separates the contributions that produced a match confidence.
type Breakdown struct {
	Exact    float64 `json:"exact"`
	Context  float64 `json:"context"`
	Semantic float64 `json:"semantic"`
	Temporal float64 `json:"temporal"`
	History  float64 `json:"history"`
}

// Match is a transient scoring result pairing one event with one candidate
// pattern. It exists only for the duration of a single routing decision.
type Match struct {
	Pattern      *Pattern  `json:"pattern"`
	Event        *Event    `json:"event"`
	Confidence   float64   `json:"confidence"`
	Breakdown    Breakdown `json:"breakdown"`
	SourceModule string    `json:"source_module"`
}

// ApprovalStatus is the lifecycle of a durable approval queue row.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ApprovalEntry is a durable holding row for a low-confidence match awaiting
// a human decision. Terminal once decided.
type ApprovalEntry struct {
	ID            string         `json:"id"`
	PatternID     string         `json:"pattern_id"`
	EventSnapshot []byte         `json:"event_snapshot"`
	Confidence    float64        `json:"confidence"`
	Reasoning     string         `json:"reasoning"`
	Status        ApprovalStatus `json:"status"`
	DecidedBy     string         `json:"decided_by,omitempty"`
	DecidedAt     *time.Time     `json:"decided_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// AnomalyType tags one contributing anomaly finding.
type AnomalyType string

const (
	AnomalyNewPattern     AnomalyType = "new_pattern"
	AnomalyEdgeCase       AnomalyType = "edge_case"
	AnomalyUnusualContext AnomalyType = "unusual_context"
	AnomalySecurityThreat AnomalyType = "security_threat"
	AnomalyDataQuality    AnomalyType = "data_quality"
)

// Severity orders anomaly seriousness.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns a comparable ordering value for the severity.
func (s Severity) Rank() int {
	return severityRank[s]
}

// MaxSeverity returns the more severe of two severities.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Anomaly is a durable record of an event the system declined to automate.
type Anomaly struct {
	ID            string        `json:"id"`
	Types         []AnomalyType `json:"types"`
	Severity      Severity      `json:"severity"`
	Confidence    float64       `json:"confidence"`
	EventSnapshot []byte        `json:"event_snapshot"`
	Reasons       []string      `json:"reasons"`
	RequiresHuman bool          `json:"requires_human"`
	Escalated     bool          `json:"escalated"`
	CreatedAt     time.Time     `json:"created_at"`
}

// ExecStatus is the terminal status of one execution attempt.
type ExecStatus string

const (
	ExecSuccess ExecStatus = "success"
	ExecFailure ExecStatus = "failure"
)

// ExecutionRecord is an append-only durable record of one execution attempt.
type ExecutionRecord struct {
	ID                    string     `json:"id"`
	PatternID             string     `json:"pattern_id"`
	EventSnapshot         []byte     `json:"event_snapshot"`
	ConfidenceAtExecution float64    `json:"confidence_at_execution"`
	WasAutoExecuted       bool       `json:"was_auto_executed"`
	WasHumanModified      bool       `json:"was_human_modified"`
	Status                ExecStatus `json:"status"`
	DurationMs            int64      `json:"duration_ms"`
	Result                string     `json:"result,omitempty"`
	Error                 string     `json:"error,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
}

// Modification is a persisted human edit to a pattern's logic, kept for
// later fork analysis.
type Modification struct {
	ID        string    `json:"id"`
	PatternID string    `json:"pattern_id"`
	Changes   []byte    `json:"changes"`
	UserID    string    `json:"user_id,omitempty"`
	Succeeded bool      `json:"succeeded"`
	CreatedAt time.Time `json:"created_at"`
}

// Clamp01 clamps a confidence value into [0,1]. Every scoring and evolution
// step routes its output through this.
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
