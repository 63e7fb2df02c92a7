package correlator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-remediate/internal/metrics"
	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

// Options tune alert-to-incident correlation.
type Options struct {
	// DedupWindow flags a newly opened incident as a recurrence when the
	// same signature closed within it.
	DedupWindow time.Duration
	// RetainClosed bounds the in-memory ring of closed incidents.
	RetainClosed int
}

// Correlator folds anomaly alerts into incidents. At most one incident is
// open per signature; further alerts with the same signature are absorbed
// into the open incident until it resolves.
type Correlator struct {
	mu     sync.Mutex
	open   map[string]*models.Incident
	byID   map[string]*models.Incident
	closed []*models.Incident

	opts   Options
	clock  utils.Clock
	logger *slog.Logger
}

// NewCorrelator constructs the correlator with in-memory incident state.
func NewCorrelator(opts Options, clock utils.Clock, logger *slog.Logger) *Correlator {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 5 * time.Minute
	}
	if opts.RetainClosed <= 0 {
		opts.RetainClosed = 50
	}
	if clock == nil {
		clock = utils.SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		open:   make(map[string]*models.Incident),
		byID:   make(map[string]*models.Incident),
		opts:   opts,
		clock:  clock,
		logger: utils.ComponentLogger(logger, "correlator"),
	}
}

// Ingest routes an alert into its incident. It returns the incident id and
// whether a new incident was opened; duplicates of an open signature are
// suppressed into the existing incident.
func (c *Correlator) Ingest(alert models.AnomalyAlert) (string, bool) {
	sig := Signature(alert.SystemID, alert.Category)

	c.mu.Lock()
	defer c.mu.Unlock()

	if inc, ok := c.open[sig]; ok {
		inc.Alerts = append(inc.Alerts, alert)
		metrics.ObserveAlertSuppressed()
		c.logger.Debug("alert absorbed into open incident",
			slog.String("incident_id", inc.ID),
			slog.String("signature", sig),
			slog.String("alert_id", alert.ID),
			slog.Int("alerts", len(inc.Alerts)))
		return inc.ID, false
	}

	inc := &models.Incident{
		ID:        uuid.NewString(),
		Signature: sig,
		OpenedAt:  c.clock.Now(),
		Alerts:    []models.AnomalyAlert{alert},
		Phase:     models.PhaseDetecting,
	}
	c.open[sig] = inc
	c.byID[inc.ID] = inc
	metrics.ObserveIncidentOpened()

	if prev, ago := c.lastClosedLocked(sig); prev != nil && ago <= c.opts.DedupWindow {
		c.logger.Info("signature recurrence after recent resolution",
			slog.String("incident_id", inc.ID),
			slog.String("signature", sig),
			slog.String("previous_incident_id", prev.ID),
			slog.Duration("closed_ago", ago))
	}
	c.logger.Info("incident opened",
		slog.String("incident_id", inc.ID),
		slog.String("signature", sig),
		slog.String("system_id", alert.SystemID),
		slog.String("category", string(alert.Category)),
		slog.String("severity", string(alert.Severity)))
	return inc.ID, true
}

// Advance moves an incident to the next phase. Only the immediate successor
// in DETECTING, ASSESSING, EXECUTING, RESOLVED is legal.
func (c *Correlator) Advance(id string, next models.Phase) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	inc, ok := c.byID[id]
	if !ok {
		return fmt.Errorf("incident %s not found", id)
	}
	if nextPhase(inc.Phase) != next {
		return fmt.Errorf("incident %s: illegal phase transition %s -> %s", id, inc.Phase, next)
	}
	inc.Phase = next
	c.logger.Debug("incident phase advanced", slog.String("incident_id", id), slog.String("phase", string(next)))
	return nil
}

// AttachDirective records the remediation decision for an incident. The
// first directive wins; later attempts are rejected.
func (c *Correlator) AttachDirective(id string, directive models.RemediationDirective) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	inc, ok := c.byID[id]
	if !ok {
		return fmt.Errorf("incident %s not found", id)
	}
	if inc.Directive != nil {
		return fmt.Errorf("incident %s already has a directive (%s)", id, inc.Directive.Action)
	}
	inc.Directive = &directive
	return nil
}

// Close finalises an incident. The incident must be in EXECUTING; Close
// performs the terminal transition to RESOLVED and moves it to the closed
// ring, freeing the signature for future alerts.
func (c *Correlator) Close(id, resolution string, degraded bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	inc, ok := c.byID[id]
	if !ok {
		return fmt.Errorf("incident %s not found", id)
	}
	if nextPhase(inc.Phase) != models.PhaseResolved {
		return fmt.Errorf("incident %s: cannot close from phase %s", id, inc.Phase)
	}
	now := c.clock.Now()
	inc.Phase = models.PhaseResolved
	inc.Resolution = resolution
	inc.Degraded = degraded
	inc.ClosedAt = &now

	delete(c.open, inc.Signature)
	c.closed = append(c.closed, inc)
	if len(c.closed) > c.opts.RetainClosed {
		c.closed = c.closed[len(c.closed)-c.opts.RetainClosed:]
	}
	metrics.ObserveIncidentResolved(degraded)
	c.logger.Info("incident resolved",
		slog.String("incident_id", id),
		slog.String("signature", inc.Signature),
		slog.String("resolution", resolution),
		slog.Bool("degraded", degraded))
	return nil
}

// Get returns a snapshot of one incident.
func (c *Correlator) Get(id string) (models.Incident, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	inc, ok := c.byID[id]
	if !ok {
		return models.Incident{}, false
	}
	return cloneIncident(inc), true
}

// OpenIncidents returns snapshots of all open incidents, oldest first.
func (c *Correlator) OpenIncidents() []models.Incident {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.Incident, 0, len(c.open))
	for _, inc := range c.open {
		out = append(out, cloneIncident(inc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// RecentClosed returns snapshots of retained closed incidents, newest first.
func (c *Correlator) RecentClosed() []models.Incident {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.Incident, 0, len(c.closed))
	for i := len(c.closed) - 1; i >= 0; i-- {
		out = append(out, cloneIncident(c.closed[i]))
	}
	return out
}

// PrimaryAlert picks the alert that best explains an incident: highest
// severity first, earliest detection as the tie breaker.
func PrimaryAlert(inc models.Incident) models.AnomalyAlert {
	if len(inc.Alerts) == 0 {
		return models.AnomalyAlert{}
	}
	best := inc.Alerts[0]
	for _, a := range inc.Alerts[1:] {
		if severityWeight(a.Severity) > severityWeight(best.Severity) {
			best = a
			continue
		}
		if severityWeight(a.Severity) == severityWeight(best.Severity) && a.DetectedAt.Before(best.DetectedAt) {
			best = a
		}
	}
	return best
}

// Signature derives the stable dedup key for a (system, failure category)
// pair.
func Signature(systemID string, category models.Category) string {
	sum := sha256.Sum256([]byte(systemID + "|" + string(category)))
	return hex.EncodeToString(sum[:])[:12]
}

func (c *Correlator) lastClosedLocked(sig string) (*models.Incident, time.Duration) {
	for i := len(c.closed) - 1; i >= 0; i-- {
		if c.closed[i].Signature == sig && c.closed[i].ClosedAt != nil {
			return c.closed[i], c.clock.Now().Sub(*c.closed[i].ClosedAt)
		}
	}
	return nil, 0
}

func nextPhase(p models.Phase) models.Phase {
	switch p {
	case models.PhaseDetecting:
		return models.PhaseAssessing
	case models.PhaseAssessing:
		return models.PhaseExecuting
	case models.PhaseExecuting:
		return models.PhaseResolved
	default:
		return ""
	}
}

func severityWeight(s models.Severity) int {
	switch s {
	case models.SeverityCritical:
		return 4
	case models.SeverityHigh:
		return 3
	case models.SeverityMedium:
		return 2
	case models.SeverityLow:
		return 1
	default:
		return 0
	}
}

func cloneIncident(inc *models.Incident) models.Incident {
	out := *inc
	out.Alerts = append([]models.AnomalyAlert(nil), inc.Alerts...)
	if inc.Directive != nil {
		d := *inc.Directive
		out.Directive = &d
	}
	if inc.ClosedAt != nil {
		t := *inc.ClosedAt
		out.ClosedAt = &t
	}
	return out
}
