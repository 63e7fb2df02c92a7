package models

import "time"

// MetricSample is a single observation reported by the simulated fleet.
type MetricSample struct {
	SystemID   string    `json:"system_id"`
	MetricName string    `json:"metric_name"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
}

// BaselineSnapshot freezes the baseline state an alert was judged against.
type BaselineSnapshot struct {
	Mean        float64   `json:"mean"`
	StdDev      float64   `json:"std_dev"`
	SampleCount int       `json:"sample_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AnomalyAlert records one detected deviation. Immutable once created.
type AnomalyAlert struct {
	ID            string           `json:"id"`
	SystemID      string           `json:"system_id"`
	MetricName    string           `json:"metric_name"`
	Category      Category         `json:"category"`
	ObservedValue float64          `json:"observed_value"`
	Baseline      BaselineSnapshot `json:"baseline"`
	Severity      Severity         `json:"severity"`
	DetectedAt    time.Time        `json:"detected_at"`
	Source        AlertSource      `json:"source"`
	Reason        string           `json:"reason"`
}

// CanaryResult summarises one staged-rollout evaluation. Immutable once created.
type CanaryResult struct {
	UpdateID       string    `json:"update_id"`
	Version        string    `json:"version"`
	SampledSystems []string  `json:"sampled_systems"`
	PassCount      int       `json:"pass_count"`
	FailCount      int       `json:"fail_count"`
	Verdict        Verdict   `json:"verdict"`
	Evidence       []string  `json:"evidence"`
	EvaluatedAt    time.Time `json:"evaluated_at"`
}

// RemediationDirective is the chosen remediation for one incident.
type RemediationDirective struct {
	IncidentID    string            `json:"incident_id"`
	Action        Action            `json:"action"`
	Parameters    map[string]string `json:"parameters,omitempty"`
	Rationale     string            `json:"rationale"`
	Confidence    float64           `json:"confidence"`
	Origin        DirectiveOrigin   `json:"origin"`
	LowConfidence bool              `json:"low_confidence"`
	IssuedAt      time.Time         `json:"issued_at"`
}

// Incident groups correlated alerts under one signature and tracks their lifecycle.
type Incident struct {
	ID         string                `json:"id"`
	Signature  string                `json:"signature"`
	OpenedAt   time.Time             `json:"opened_at"`
	Alerts     []AnomalyAlert        `json:"alerts"`
	Phase      Phase                 `json:"phase"`
	Directive  *RemediationDirective `json:"directive,omitempty"`
	Degraded   bool                  `json:"degraded"`
	Resolution string                `json:"resolution,omitempty"`
	ClosedAt   *time.Time            `json:"closed_at,omitempty"`
}

// AlertSource identifies which detection path produced an alert.
type AlertSource string

const (
	SourceMonitoring AlertSource = "monitoring"
	SourceCanary     AlertSource = "canary"
)

// Verdict enumerates canary rollout outcomes.
type Verdict string

const (
	VerdictDeploy   Verdict = "DEPLOY"
	VerdictRollback Verdict = "ROLLBACK"
)

// Action enumerates remediation actions a directive may carry.
type Action string

const (
	ActionRollback       Action = "ROLLBACK"
	ActionScaleUp        Action = "SCALE_UP"
	ActionRestart        Action = "RESTART"
	ActionCircuitBreaker Action = "ACTIVATE_CIRCUIT_BREAKER"
	ActionNoop           Action = "NOOP"
)

// KnownAction reports whether a is part of the directive vocabulary.
func KnownAction(a Action) bool {
	switch a {
	case ActionRollback, ActionScaleUp, ActionRestart, ActionCircuitBreaker, ActionNoop:
		return true
	}
	return false
}

// Phase enumerates incident lifecycle states in order.
type Phase string

const (
	PhaseDetecting Phase = "DETECTING"
	PhaseAssessing Phase = "ASSESSING"
	PhaseExecuting Phase = "EXECUTING"
	PhaseResolved  Phase = "RESOLVED"
)

// DirectiveOrigin identifies which decision path produced a directive.
type DirectiveOrigin string

const (
	OriginReasoning DirectiveOrigin = "reasoning"
	OriginRunbook   DirectiveOrigin = "runbook"
	OriginForced    DirectiveOrigin = "forced"
)

// Category classifies an alert by root-cause family.
type Category string

const (
	CategoryCPUSpike    Category = "cpu-spike"
	CategoryMemoryLeak  Category = "memory-leak"
	CategoryBadDeploy   Category = "bad-deploy"
	CategoryPoolExhaust Category = "connection-pool-exhaustion"
	CategoryErrorBurst  Category = "error-burst"
	CategoryLatency     Category = "latency-degradation"
	CategoryUnknown     Category = "unknown"
)

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)
