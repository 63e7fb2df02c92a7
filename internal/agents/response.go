package agents

import (
	"context"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/statusapi"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

// IncidentIntake correlates alerts into incidents.
type IncidentIntake interface {
	Ingest(alert models.AnomalyAlert) (string, bool)
	Get(id string) (models.Incident, bool)
}

// Decider chooses a remediation directive for an incident.
type Decider interface {
	Decide(ctx context.Context, inc models.Incident) models.RemediationDirective
}

// Lifecycle sequences incident phases from assessment to resolution.
type Lifecycle interface {
	Begin(ctx context.Context, inc models.Incident) error
	OnDirective(ctx context.Context, incidentID string, directive models.RemediationDirective) error
}

// ResponseOptions tune the decision step.
type ResponseOptions struct {
	// DecideTimeout bounds one decision, consult and fallback included.
	// Align it with the lifecycle assessment window so a consult cannot
	// outlive the watchdog that would discard its directive.
	DecideTimeout time.Duration
}

// ResponseAgent consumes alert notices and assessment requests from its
// mailbox: it opens incidents, decides remediations, and hands both to the
// lifecycle manager.
type ResponseAgent struct {
	mailbox   <-chan models.AgentMessage
	incidents IncidentIntake
	decider   Decider
	lifecycle Lifecycle
	board     *statusapi.Board
	opts      ResponseOptions
	logger    *slog.Logger
}

// NewResponseAgent wires the incident response role.
func NewResponseAgent(mailbox <-chan models.AgentMessage, incidents IncidentIntake, decider Decider, lifecycle Lifecycle, board *statusapi.Board, opts ResponseOptions, logger *slog.Logger) *ResponseAgent {
	if opts.DecideTimeout <= 0 {
		opts.DecideTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResponseAgent{
		mailbox:   mailbox,
		incidents: incidents,
		decider:   decider,
		lifecycle: lifecycle,
		board:     board,
		opts:      opts,
		logger:    utils.ComponentLogger(logger, "response-agent"),
	}
}

// Name implements Agent.
func (a *ResponseAgent) Name() string { return string(models.RoleResponse) }

// Run consumes the mailbox until the context ends.
func (a *ResponseAgent) Run(ctx context.Context) error {
	a.board.SetRoleState(models.RoleResponse, "listening")
	defer a.board.SetRoleState(models.RoleResponse, "stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-a.mailbox:
			a.handle(ctx, msg)
		}
	}
}

func (a *ResponseAgent) handle(ctx context.Context, msg models.AgentMessage) {
	switch msg.Type {
	case models.MessageAlertNotice:
		a.handleAlert(ctx, msg)
	case models.MessageAssessmentRequest:
		a.handleAssessment(ctx, msg)
	default:
		a.logger.Warn("unexpected message type", slog.String("type", string(msg.Type)), slog.String("from", string(msg.From)))
	}
}

func (a *ResponseAgent) handleAlert(ctx context.Context, msg models.AgentMessage) {
	payload, err := models.DecodeAlertNotice(msg)
	if err != nil {
		a.logger.Warn("dropping undecodable alert notice", slog.String("from", string(msg.From)), slog.Any("error", err))
		return
	}

	id, opened := a.incidents.Ingest(payload.Alert)
	if !opened {
		a.board.RecordAlertSuppressed()
		return
	}

	inc, ok := a.incidents.Get(id)
	if !ok {
		a.logger.Error("opened incident missing from store", slog.String("incident_id", id))
		return
	}
	a.board.RecordIncidentOpened(inc.ID, inc.Signature)
	if err := a.lifecycle.Begin(ctx, inc); err != nil {
		a.logger.Error("begin incident lifecycle", slog.String("incident_id", inc.ID), slog.Any("error", err))
	}
}

func (a *ResponseAgent) handleAssessment(ctx context.Context, msg models.AgentMessage) {
	payload, err := models.DecodeAssessmentRequest(msg)
	if err != nil {
		a.logger.Warn("dropping undecodable assessment request", slog.String("from", string(msg.From)), slog.Any("error", err))
		return
	}

	inc, ok := a.incidents.Get(payload.IncidentID)
	if !ok {
		a.logger.Warn("assessment for unknown incident", slog.String("incident_id", payload.IncidentID))
		return
	}

	decideCtx, cancel := context.WithTimeout(ctx, a.opts.DecideTimeout)
	directive := a.decider.Decide(decideCtx, inc)
	cancel()
	if err := a.lifecycle.OnDirective(ctx, inc.ID, directive); err != nil {
		a.logger.Error("apply directive", slog.String("incident_id", inc.ID), slog.Any("error", err))
	}
}
