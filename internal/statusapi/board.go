package statusapi

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

// Counters are the dashboard's headline numbers.
type Counters struct {
	AnomaliesDetected   int `json:"anomalies_detected"`
	CanaryEvaluations   int `json:"canary_evaluations"`
	CanaryRollbacks     int `json:"canary_rollbacks"`
	IncidentsOpened     int `json:"incidents_opened"`
	AlertsSuppressed    int `json:"alerts_suppressed"`
	DirectivesIssued    int `json:"directives_issued"`
	DirectivesReasoned  int `json:"directives_reasoned"`
	DirectivesRunbook   int `json:"directives_runbook"`
	DirectivesForced    int `json:"directives_forced"`
	IncidentsResolved   int `json:"incidents_resolved"`
	DegradedResolutions int `json:"degraded_resolutions"`
	NotificationsSent   int `json:"notifications_sent"`
}

// Event is one line in the dashboard activity feed.
type Event struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
}

// Snapshot is the board state served to dashboard consumers.
type Snapshot struct {
	StartedAt     time.Time         `json:"started_at"`
	UptimeMinutes float64           `json:"uptime_minutes"`
	Counters      Counters          `json:"counters"`
	Roles         map[string]string `json:"roles"`
	RecentEvents  []Event           `json:"recent_events"`
}

// Board is the in-memory dashboard state. The communication role publishes
// pipeline progress here; HTTP handlers read it.
type Board struct {
	mu        sync.RWMutex
	counters  Counters
	events    []Event
	maxEvents int
	roles     map[models.Role]string
	startedAt time.Time

	clock  utils.Clock
	logger *slog.Logger
}

// NewBoard creates the dashboard state store.
func NewBoard(clock utils.Clock, logger *slog.Logger) *Board {
	if clock == nil {
		clock = utils.SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	roles := make(map[models.Role]string, len(models.Roles()))
	for _, role := range models.Roles() {
		roles[role] = "idle"
	}
	return &Board{
		maxEvents: 100,
		roles:     roles,
		startedAt: clock.Now(),
		clock:     clock,
		logger:    utils.ComponentLogger(logger, "board"),
	}
}

// RecordAnomaly publishes a raised alert.
func (b *Board) RecordAnomaly(alert models.AnomalyAlert) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters.AnomaliesDetected++
	b.pushEvent("anomaly", fmt.Sprintf("%s %s=%.2f (%s, %s)",
		alert.SystemID, alert.MetricName, alert.ObservedValue, alert.Severity, alert.Source))
}

// RecordCanary publishes a finished canary evaluation.
func (b *Board) RecordCanary(result models.CanaryResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters.CanaryEvaluations++
	if result.Verdict == models.VerdictRollback {
		b.counters.CanaryRollbacks++
	}
	b.pushEvent("canary", fmt.Sprintf("update %s verdict %s (%d/%d failed)",
		result.UpdateID, result.Verdict, result.FailCount, len(result.SampledSystems)))
}

// RecordIncidentOpened publishes a newly opened incident.
func (b *Board) RecordIncidentOpened(incidentID, signature string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters.IncidentsOpened++
	b.pushEvent("incident", fmt.Sprintf("incident %s opened (signature %s)", incidentID, signature))
}

// RecordAlertSuppressed counts a duplicate alert folded into an open incident.
func (b *Board) RecordAlertSuppressed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters.AlertsSuppressed++
}

// RecordDirective publishes an issued remediation directive.
func (b *Board) RecordDirective(directive models.RemediationDirective) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters.DirectivesIssued++
	switch directive.Origin {
	case models.OriginReasoning:
		b.counters.DirectivesReasoned++
	case models.OriginRunbook:
		b.counters.DirectivesRunbook++
	case models.OriginForced:
		b.counters.DirectivesForced++
	}
	b.counters.NotificationsSent++
	b.pushEvent("directive", fmt.Sprintf("incident %s: %s (%s, confidence %.2f)",
		directive.IncidentID, directive.Action, directive.Origin, directive.Confidence))
}

// RecordResolution publishes an incident's terminal status.
func (b *Board) RecordResolution(status models.StatusUpdatePayload) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters.IncidentsResolved++
	if status.Degraded {
		b.counters.DegradedResolutions++
	}
	b.counters.NotificationsSent++
	b.pushEvent("resolution", fmt.Sprintf("incident %s resolved via %s (degraded=%t)",
		status.IncidentID, status.Action, status.Degraded))
}

// RecordEvent publishes a free-form entry to the activity feed.
func (b *Board) RecordEvent(kind, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pushEvent(kind, message)
}

// SetRoleState updates the health display for one agent role.
func (b *Board) SetRoleState(role models.Role, state string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roles[role] = state
}

// Snapshot returns a copy of the current board state.
func (b *Board) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	roles := make(map[string]string, len(b.roles))
	for role, state := range b.roles {
		roles[string(role)] = state
	}
	now := b.clock.Now()
	return Snapshot{
		StartedAt:     b.startedAt,
		UptimeMinutes: utils.DurationMinutes(b.startedAt, now),
		Counters:      b.counters,
		Roles:         roles,
		RecentEvents:  append([]Event(nil), b.events...),
	}
}

// pushEvent appends to the feed, newest last. Callers hold b.mu.
func (b *Board) pushEvent(kind, message string) {
	b.events = append(b.events, Event{At: b.clock.Now(), Kind: kind, Message: message})
	if len(b.events) > b.maxEvents {
		b.events = b.events[len(b.events)-b.maxEvents:]
	}
}
