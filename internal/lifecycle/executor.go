package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/miradorstack/mirador-remediate/internal/metrics"
	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

// Fleet is the infrastructure surface the executor acts on.
type Fleet interface {
	Rollback(ctx context.Context, systemID string) error
}

// FleetExecutor applies directives to the simulated fleet. Rollback is the
// only action with a fleet endpoint; scale-up, restart, and circuit-breaker
// activation are applied as simulated state changes and recorded.
type FleetExecutor struct {
	fleet  Fleet
	logger *slog.Logger
}

// NewFleetExecutor builds the executor over a fleet client.
func NewFleetExecutor(fleet Fleet, logger *slog.Logger) *FleetExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FleetExecutor{fleet: fleet, logger: utils.ComponentLogger(logger, "executor")}
}

// Execute applies one directive. NOOP returns immediately.
func (e *FleetExecutor) Execute(ctx context.Context, directive models.RemediationDirective) error {
	var err error
	switch directive.Action {
	case models.ActionNoop:
	case models.ActionRollback:
		err = e.rollback(ctx, directive)
	case models.ActionScaleUp, models.ActionRestart, models.ActionCircuitBreaker:
		e.logger.Info("applying simulated action",
			slog.String("action", string(directive.Action)),
			slog.String("system_id", directive.Parameters["system_id"]),
			slog.String("incident_id", directive.IncidentID))
	default:
		err = fmt.Errorf("unsupported action %s", directive.Action)
	}

	metrics.ObserveActionExecuted(string(directive.Action), err)
	if err != nil {
		return err
	}
	e.logger.Info("action executed", slog.String("action", string(directive.Action)), slog.String("incident_id", directive.IncidentID))
	return nil
}

func (e *FleetExecutor) rollback(ctx context.Context, directive models.RemediationDirective) error {
	systemID := directive.Parameters["system_id"]
	if systemID == "" {
		return fmt.Errorf("rollback directive missing system_id parameter")
	}
	// Canary rollbacks revert the staged systems before the incident is
	// decided; the deploy/ pseudo-system has nothing left to roll back.
	if strings.HasPrefix(systemID, "deploy/") {
		e.logger.Info("staged rollout already reverted", slog.String("system_id", systemID))
		return nil
	}
	if e.fleet == nil {
		return fmt.Errorf("no fleet client configured for rollback")
	}
	return e.fleet.Rollback(ctx, systemID)
}
