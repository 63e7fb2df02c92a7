package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/miradorstack/mirador-remediate/internal/metrics"
	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/statusapi"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

// UpdateEvaluator stages an update onto a sample of systems and scores it.
type UpdateEvaluator interface {
	Evaluate(ctx context.Context, updateID, version string, targets []string) (*models.CanaryResult, *models.AnomalyAlert, error)
}

// CanaryAgent owns staged rollout evaluation. Evaluations run on demand
// through RunEvaluation; the hosted loop only tracks role health.
type CanaryAgent struct {
	evaluator UpdateEvaluator
	sender    Sender
	board     *statusapi.Board
	clock     utils.Clock
	logger    *slog.Logger
}

// NewCanaryAgent wires the staged rollout role.
func NewCanaryAgent(evaluator UpdateEvaluator, sender Sender, board *statusapi.Board, clock utils.Clock, logger *slog.Logger) *CanaryAgent {
	if clock == nil {
		clock = utils.SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CanaryAgent{
		evaluator: evaluator,
		sender:    sender,
		board:     board,
		clock:     clock,
		logger:    utils.ComponentLogger(logger, "canary-agent"),
	}
}

// Name implements Agent.
func (a *CanaryAgent) Name() string { return string(models.RoleCanary) }

// Run parks until shutdown; evaluation requests arrive via RunEvaluation.
func (a *CanaryAgent) Run(ctx context.Context) error {
	a.board.SetRoleState(models.RoleCanary, "ready")
	defer a.board.SetRoleState(models.RoleCanary, "stopped")
	<-ctx.Done()
	return nil
}

// RunEvaluation stages version onto a sample of targets and reports the
// verdict. A ROLLBACK verdict raises an AlertNotice toward the response role.
func (a *CanaryAgent) RunEvaluation(ctx context.Context, updateID, version string, targets []string) (*models.CanaryResult, error) {
	a.board.SetRoleState(models.RoleCanary, "evaluating")
	defer a.board.SetRoleState(models.RoleCanary, "ready")

	result, alert, err := a.evaluator.Evaluate(ctx, updateID, version, targets)
	if err != nil {
		return nil, fmt.Errorf("evaluate update %s: %w", updateID, err)
	}

	metrics.ObserveCanaryEvaluation(string(result.Verdict))
	a.board.RecordCanary(*result)
	a.logger.Info("canary evaluation finished",
		slog.String("update_id", updateID),
		slog.String("version", version),
		slog.String("verdict", string(result.Verdict)),
		slog.Int("failed", result.FailCount),
		slog.Int("sampled", len(result.SampledSystems)))

	if alert == nil {
		return result, nil
	}
	msg, err := models.NewMessage(models.RoleCanary, models.RoleResponse,
		models.MessageAlertNotice, alert.ID, a.clock.Now(),
		models.AlertNoticePayload{Alert: *alert})
	if err != nil {
		return result, fmt.Errorf("encode rollback alert: %w", err)
	}
	if err := a.sender.Send(ctx, msg); err != nil {
		a.logger.Error("route rollback alert", slog.String("update_id", updateID), slog.Any("error", err))
	}
	return result, nil
}
