package lifecycle

import (
	"context"
	"testing"

	"github.com/miradorstack/mirador-remediate/internal/models"
)

func TestExecutorRollsBackThroughFleet(t *testing.T) {
	fleet := &recordingFleet{}
	exec := NewFleetExecutor(fleet, nil)

	err := exec.Execute(context.Background(), models.RemediationDirective{
		Action:     models.ActionRollback,
		Parameters: map[string]string{"system_id": "server-07"},
	})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if len(fleet.rolledBack) != 1 || fleet.rolledBack[0] != "server-07" {
		t.Fatalf("expected fleet rollback of server-07, got %v", fleet.rolledBack)
	}
}

func TestExecutorSkipsRollbackForStagedPseudoSystem(t *testing.T) {
	fleet := &recordingFleet{}
	exec := NewFleetExecutor(fleet, nil)

	err := exec.Execute(context.Background(), models.RemediationDirective{
		Action:     models.ActionRollback,
		Parameters: map[string]string{"system_id": "deploy/v2.0.2"},
	})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if len(fleet.rolledBack) != 0 {
		t.Fatalf("staged pseudo-system must not hit the fleet, got %v", fleet.rolledBack)
	}
}

func TestExecutorSimulatesNonRollbackActions(t *testing.T) {
	exec := NewFleetExecutor(nil, nil)

	for _, action := range []models.Action{models.ActionScaleUp, models.ActionRestart, models.ActionCircuitBreaker, models.ActionNoop} {
		err := exec.Execute(context.Background(), models.RemediationDirective{
			Action:     action,
			Parameters: map[string]string{"system_id": "server-07"},
		})
		if err != nil {
			t.Fatalf("%s should execute without a fleet client: %v", action, err)
		}
	}
}

func TestExecutorRejectsUnknownAction(t *testing.T) {
	exec := NewFleetExecutor(nil, nil)
	err := exec.Execute(context.Background(), models.RemediationDirective{Action: models.Action("EXPLODE")})
	if err == nil {
		t.Fatal("expected error for unknown action")
	}
}

type recordingFleet struct {
	rolledBack []string
}

func (f *recordingFleet) Rollback(_ context.Context, systemID string) error {
	f.rolledBack = append(f.rolledBack, systemID)
	return nil
}
