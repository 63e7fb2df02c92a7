package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/miradorstack/mirador-remediate/internal/correlator"
	"github.com/miradorstack/mirador-remediate/internal/metrics"
	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

// Incidents is the incident store surface the manager drives.
type Incidents interface {
	Advance(id string, next models.Phase) error
	AttachDirective(id string, directive models.RemediationDirective) error
	Close(id, resolution string, degraded bool) error
	Get(id string) (models.Incident, bool)
}

// Sender routes lifecycle messages between agent roles.
type Sender interface {
	Send(ctx context.Context, msg models.AgentMessage) error
}

// Executor applies a remediation action to the fleet.
type Executor interface {
	Execute(ctx context.Context, directive models.RemediationDirective) error
}

// Options tune the incident lifecycle.
type Options struct {
	// MaxAssessmentTime bounds how long an incident may sit in ASSESSING
	// before the watchdog forces a NOOP resolution.
	MaxAssessmentTime time.Duration
}

// Manager drives incidents through DETECTING, ASSESSING, EXECUTING,
// RESOLVED. Each transition emits a relay message. A watchdog per incident
// guarantees forward progress: if no directive arrives within the assessment
// window the incident is forced through with NOOP and marked degraded.
type Manager struct {
	incidents Incidents
	sender    Sender
	executor  Executor
	opts      Options
	clock     utils.Clock
	logger    *slog.Logger
	latency   *utils.LatencyTracker

	mu      sync.Mutex
	pending map[string]*assessment
	wg      sync.WaitGroup
}

// assessment tracks one incident awaiting a directive. decided flips exactly
// once, either by OnDirective or by the watchdog.
type assessment struct {
	decided bool
	stop    chan struct{}
}

// NewManager wires the lifecycle manager.
func NewManager(incidents Incidents, sender Sender, executor Executor, opts Options, clock utils.Clock, logger *slog.Logger) *Manager {
	if opts.MaxAssessmentTime <= 0 {
		opts.MaxAssessmentTime = 30 * time.Second
	}
	if clock == nil {
		clock = utils.SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		incidents: incidents,
		sender:    sender,
		executor:  executor,
		opts:      opts,
		clock:     clock,
		logger:    utils.ComponentLogger(logger, "lifecycle"),
		latency:   utils.NewLatencyTracker(256),
		pending:   make(map[string]*assessment),
	}
}

// Begin moves a freshly opened incident into ASSESSING, asks the response
// role for a decision, and arms the watchdog.
func (m *Manager) Begin(ctx context.Context, inc models.Incident) error {
	if err := m.incidents.Advance(inc.ID, models.PhaseAssessing); err != nil {
		return err
	}

	// Pending state must exist before the request goes out, or a fast
	// responder's directive would be dropped as unknown.
	entry := &assessment{stop: make(chan struct{})}
	m.mu.Lock()
	m.pending[inc.ID] = entry
	m.mu.Unlock()

	m.wg.Add(1)
	go m.watchdog(ctx, inc.ID, entry.stop)

	primary := correlator.PrimaryAlert(inc)
	msg, err := models.NewMessage(models.RoleMonitoring, models.RoleResponse,
		models.MessageAssessmentRequest, inc.ID, m.clock.Now(), models.AssessmentRequestPayload{
			IncidentID:   inc.ID,
			Signature:    inc.Signature,
			Category:     primary.Category,
			Severity:     primary.Severity,
			Systems:      affectedSystems(inc),
			AlertCount:   len(inc.Alerts),
			PrimaryAlert: primary,
			OpenedAt:     inc.OpenedAt,
		})
	if err != nil {
		return err
	}
	m.send(ctx, msg)

	m.logger.Info("assessment started",
		slog.String("incident_id", inc.ID),
		slog.String("signature", inc.Signature),
		slog.Duration("deadline", m.opts.MaxAssessmentTime))
	return nil
}

// OnDirective accepts the decision for an incident and carries it through
// execution and resolution. A directive arriving after the watchdog already
// forced the incident is ignored.
func (m *Manager) OnDirective(ctx context.Context, incidentID string, directive models.RemediationDirective) error {
	if !m.claim(incidentID) {
		m.logger.Warn("ignoring late or unknown directive",
			slog.String("incident_id", incidentID),
			slog.String("action", string(directive.Action)))
		return nil
	}
	directive.IncidentID = incidentID
	return m.complete(ctx, incidentID, directive, false)
}

// Wait blocks until all watchdogs have finished. Used at shutdown.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// RemediationLatency reports percentiles over recent incident resolutions.
func (m *Manager) RemediationLatency() utils.LatencySummary {
	return m.latency.Summary()
}

// watchdog forces the incident forward when the assessment window expires.
func (m *Manager) watchdog(ctx context.Context, incidentID string, stop <-chan struct{}) {
	defer m.wg.Done()
	select {
	case <-stop:
	case <-ctx.Done():
	case <-m.clock.After(m.opts.MaxAssessmentTime):
		if !m.claim(incidentID) {
			return
		}
		m.logger.Warn("assessment window expired, forcing resolution", slog.String("incident_id", incidentID))
		forced := models.RemediationDirective{
			IncidentID: incidentID,
			Action:     models.ActionNoop,
			Rationale:  "no directive within assessment window",
			Origin:     models.OriginForced,
			IssuedAt:   m.clock.Now(),
		}
		metrics.ObserveDirective(string(forced.Action), string(forced.Origin))
		if err := m.complete(ctx, incidentID, forced, true); err != nil {
			m.logger.Error("forced resolution failed", slog.String("incident_id", incidentID), slog.Any("error", err))
		}
	}
}

// claim marks an incident decided. It returns false when the incident is
// unknown or a decision already landed.
func (m *Manager) claim(incidentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.pending[incidentID]
	if !ok || entry.decided {
		return false
	}
	entry.decided = true
	close(entry.stop)
	return true
}

// complete runs an incident from decision to resolution: attach the
// directive, execute it, close the incident, and emit the transition
// messages.
func (m *Manager) complete(ctx context.Context, incidentID string, directive models.RemediationDirective, degraded bool) error {
	defer func() {
		m.mu.Lock()
		delete(m.pending, incidentID)
		m.mu.Unlock()
	}()

	if err := m.incidents.AttachDirective(incidentID, directive); err != nil {
		return err
	}
	if err := m.incidents.Advance(incidentID, models.PhaseExecuting); err != nil {
		return err
	}

	inc, _ := m.incidents.Get(incidentID)
	directiveMsg, err := models.NewMessage(models.RoleResponse, models.RoleCommunication,
		models.MessageRemediationDirective, incidentID, m.clock.Now(),
		models.RemediationDirectivePayload{Directive: directive})
	if err != nil {
		return err
	}
	m.send(ctx, directiveMsg)

	execErr := m.executor.Execute(ctx, directive)
	if execErr != nil {
		m.logger.Error("remediation action failed",
			slog.String("incident_id", incidentID),
			slog.String("action", string(directive.Action)),
			slog.Any("error", execErr))
		degraded = true
	}

	resolution := resolutionText(directive, execErr)
	if err := m.incidents.Close(incidentID, resolution, degraded); err != nil {
		return err
	}

	closed, _ := m.incidents.Get(incidentID)
	if closed.ClosedAt != nil {
		m.latency.Observe(closed.ClosedAt.Sub(closed.OpenedAt))
	}

	statusMsg, err := models.NewMessage(models.RoleResponse, models.RoleCommunication,
		models.MessageStatusUpdate, incidentID, m.clock.Now(), models.StatusUpdatePayload{
			IncidentID: incidentID,
			Signature:  inc.Signature,
			Phase:      models.PhaseResolved,
			Action:     directive.Action,
			Degraded:   degraded,
			Resolution: resolution,
			OpenedAt:   inc.OpenedAt,
			ClosedAt:   closed.ClosedAt,
		})
	if err != nil {
		return err
	}
	m.send(ctx, statusMsg)
	return nil
}

// send routes a lifecycle message. Routing problems are logged, not fatal:
// the state machine must keep moving even when the relay is misconfigured.
func (m *Manager) send(ctx context.Context, msg models.AgentMessage) {
	if err := m.sender.Send(ctx, msg); err != nil {
		m.logger.Error("lifecycle message not routable",
			slog.String("type", string(msg.Type)),
			slog.String("to", string(msg.To)),
			slog.String("correlation_id", msg.CorrelationID),
			slog.Any("error", err))
	}
}

func affectedSystems(inc models.Incident) []string {
	seen := make(map[string]struct{}, len(inc.Alerts))
	systems := make([]string, 0, len(inc.Alerts))
	for _, alert := range inc.Alerts {
		if _, ok := seen[alert.SystemID]; ok {
			continue
		}
		seen[alert.SystemID] = struct{}{}
		systems = append(systems, alert.SystemID)
	}
	return systems
}

func resolutionText(directive models.RemediationDirective, execErr error) string {
	switch {
	case execErr != nil:
		return fmt.Sprintf("%s failed: %v", directive.Action, execErr)
	case directive.Origin == models.OriginForced:
		return "forced NOOP after assessment timeout"
	default:
		return fmt.Sprintf("%s applied (%s)", directive.Action, directive.Origin)
	}
}
