package agents

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/statusapi"
)

type stubEvaluator struct {
	result *models.CanaryResult
	alert  *models.AnomalyAlert
	err    error

	gotUpdateID string
	gotVersion  string
	gotTargets  []string
}

func (s *stubEvaluator) Evaluate(ctx context.Context, updateID, version string, targets []string) (*models.CanaryResult, *models.AnomalyAlert, error) {
	s.gotUpdateID = updateID
	s.gotVersion = version
	s.gotTargets = targets
	return s.result, s.alert, s.err
}

func TestCanaryRollbackVerdictRaisesAlert(t *testing.T) {
	evaluator := &stubEvaluator{
		result: &models.CanaryResult{
			UpdateID:       "upd-1",
			Version:        "v2.1.0-rc1",
			SampledSystems: []string{"server-01", "server-02"},
			FailCount:      1,
			PassCount:      1,
			Verdict:        models.VerdictRollback,
		},
		alert: &models.AnomalyAlert{
			ID:       "alert-1",
			SystemID: "deploy/v2.1.0-rc1",
			Category: models.CategoryBadDeploy,
			Severity: models.SeverityCritical,
			Source:   models.SourceCanary,
		},
	}
	sender := &recordingSender{}
	board := statusapi.NewBoard(nil, nil)
	agent := NewCanaryAgent(evaluator, sender, board, nil, nil)

	result, err := agent.RunEvaluation(context.Background(), "upd-1", "v2.1.0-rc1", []string{"server-01", "server-02", "server-03"})
	if err != nil {
		t.Fatalf("RunEvaluation returned %v", err)
	}
	if result.Verdict != models.VerdictRollback {
		t.Fatalf("verdict %s, want %s", result.Verdict, models.VerdictRollback)
	}
	if evaluator.gotUpdateID != "upd-1" || evaluator.gotVersion != "v2.1.0-rc1" {
		t.Fatalf("evaluator saw %s/%s", evaluator.gotUpdateID, evaluator.gotVersion)
	}

	msgs := sender.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	if msgs[0].Type != models.MessageAlertNotice {
		t.Fatalf("message type %s, want %s", msgs[0].Type, models.MessageAlertNotice)
	}
	if msgs[0].From != models.RoleCanary || msgs[0].To != models.RoleResponse {
		t.Fatalf("alert routed %s -> %s", msgs[0].From, msgs[0].To)
	}
	if msgs[0].CorrelationID != "alert-1" {
		t.Fatalf("correlation id %s, want alert-1", msgs[0].CorrelationID)
	}

	counters := board.Snapshot().Counters
	if counters.CanaryEvaluations != 1 || counters.CanaryRollbacks != 1 {
		t.Fatalf("canary counters %+v, want one evaluation and one rollback", counters)
	}
}

func TestCanaryDeployVerdictStaysQuiet(t *testing.T) {
	evaluator := &stubEvaluator{
		result: &models.CanaryResult{
			UpdateID:       "upd-2",
			Version:        "v2.1.0-rc1",
			SampledSystems: []string{"server-01"},
			PassCount:      1,
			Verdict:        models.VerdictDeploy,
			EvaluatedAt:    time.Now(),
		},
	}
	sender := &recordingSender{}
	board := statusapi.NewBoard(nil, nil)
	agent := NewCanaryAgent(evaluator, sender, board, nil, nil)

	if _, err := agent.RunEvaluation(context.Background(), "upd-2", "v2.1.0-rc1", []string{"server-01"}); err != nil {
		t.Fatalf("RunEvaluation returned %v", err)
	}
	if got := len(sender.messages()); got != 0 {
		t.Fatalf("sent %d messages for a clean rollout, want 0", got)
	}

	counters := board.Snapshot().Counters
	if counters.CanaryEvaluations != 1 || counters.CanaryRollbacks != 0 {
		t.Fatalf("canary counters %+v, want one clean evaluation", counters)
	}
}

func TestCanaryEvaluationErrorPropagates(t *testing.T) {
	evaluator := &stubEvaluator{err: errors.New("deploy rejected")}
	sender := &recordingSender{}
	board := statusapi.NewBoard(nil, nil)
	agent := NewCanaryAgent(evaluator, sender, board, nil, nil)

	if _, err := agent.RunEvaluation(context.Background(), "upd-3", "v2.1.0-rc1", []string{"server-01"}); err == nil {
		t.Fatal("RunEvaluation returned nil, want evaluation error")
	}
	if got := len(sender.messages()); got != 0 {
		t.Fatalf("sent %d messages on failure, want 0", got)
	}
	if got := board.Snapshot().Counters.CanaryEvaluations; got != 0 {
		t.Fatalf("evaluation counter %d after failure, want 0", got)
	}
}
