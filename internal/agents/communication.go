package agents

import (
	"context"
	"log/slog"

	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/statusapi"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

// IncidentHistory exposes resolved incidents for pattern mining.
type IncidentHistory interface {
	RecentClosed() []models.Incident
}

// PatternMiner aggregates resolved incidents into remediation patterns.
type PatternMiner interface {
	Mine(ctx context.Context, incidents []models.Incident) ([]models.RemediationPattern, error)
}

// CommunicationAgent publishes pipeline progress to the dashboard board and
// refreshes remediation patterns after each resolution.
type CommunicationAgent struct {
	mailbox <-chan models.AgentMessage
	board   *statusapi.Board
	history IncidentHistory
	miner   PatternMiner
	logger  *slog.Logger
}

// NewCommunicationAgent wires the dashboard publishing role. history and
// miner may be nil; resolutions are then announced without pattern mining.
func NewCommunicationAgent(mailbox <-chan models.AgentMessage, board *statusapi.Board, history IncidentHistory, miner PatternMiner, logger *slog.Logger) *CommunicationAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommunicationAgent{
		mailbox: mailbox,
		board:   board,
		history: history,
		miner:   miner,
		logger:  utils.ComponentLogger(logger, "communication-agent"),
	}
}

// Name implements Agent.
func (a *CommunicationAgent) Name() string { return string(models.RoleCommunication) }

// Run consumes the mailbox until the context ends.
func (a *CommunicationAgent) Run(ctx context.Context) error {
	a.board.SetRoleState(models.RoleCommunication, "listening")
	defer a.board.SetRoleState(models.RoleCommunication, "stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-a.mailbox:
			a.handle(ctx, msg)
		}
	}
}

func (a *CommunicationAgent) handle(ctx context.Context, msg models.AgentMessage) {
	switch msg.Type {
	case models.MessageRemediationDirective:
		payload, err := models.DecodeRemediationDirective(msg)
		if err != nil {
			a.logger.Warn("dropping undecodable directive", slog.String("from", string(msg.From)), slog.Any("error", err))
			return
		}
		a.board.RecordDirective(payload.Directive)
	case models.MessageStatusUpdate:
		payload, err := models.DecodeStatusUpdate(msg)
		if err != nil {
			a.logger.Warn("dropping undecodable status update", slog.String("from", string(msg.From)), slog.Any("error", err))
			return
		}
		a.announce(ctx, payload)
	default:
		a.logger.Warn("unexpected message type", slog.String("type", string(msg.Type)), slog.String("from", string(msg.From)))
	}
}

func (a *CommunicationAgent) announce(ctx context.Context, status models.StatusUpdatePayload) {
	a.board.RecordResolution(status)
	a.logger.Info("incident resolved",
		slog.String("incident_id", status.IncidentID),
		slog.String("action", string(status.Action)),
		slog.Bool("degraded", status.Degraded),
		slog.String("resolution", status.Resolution))

	if a.miner == nil || a.history == nil {
		return
	}
	if _, err := a.miner.Mine(ctx, a.history.RecentClosed()); err != nil {
		a.logger.Warn("pattern refresh failed", slog.Any("error", err))
	}
}
