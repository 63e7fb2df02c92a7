package canary

import (
	"context"
	"fmt"
	"testing"

	"github.com/miradorstack/mirador-remediate/internal/infra"
	"github.com/miradorstack/mirador-remediate/internal/models"
)

func TestHealthySampleDeploysUpdate(t *testing.T) {
	fleet := newFakeFleet("server-01", "server-02", "server-03", "server-04")
	eval := newTestEvaluator(fleet, 0.5, 0.5)

	result, alert, err := eval.Evaluate(context.Background(), "upd-1", "v2.0.1", fleet.systems)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if result.Verdict != models.VerdictDeploy {
		t.Fatalf("expected DEPLOY verdict, got %s", result.Verdict)
	}
	if alert != nil {
		t.Fatalf("expected no alert on DEPLOY verdict, got %+v", alert)
	}
	if result.PassCount != 2 || result.FailCount != 0 {
		t.Fatalf("expected 2 passed / 0 failed, got %d/%d", result.PassCount, result.FailCount)
	}
	if len(fleet.rolledBack) != 0 {
		t.Fatalf("expected no rollbacks, got %v", fleet.rolledBack)
	}
}

func TestFailureRateAtThresholdRollsBack(t *testing.T) {
	fleet := newFakeFleet("server-01", "server-02", "server-03", "server-04")
	fleet.metrics["server-01"] = []models.MetricSample{
		{SystemID: "server-01", MetricName: "error_rate", Value: 0.12},
	}
	eval := newTestEvaluator(fleet, 0.5, 0.5)

	result, alert, err := eval.Evaluate(context.Background(), "upd-2", "v2.0.2", fleet.systems)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if result.FailCount != 1 || result.PassCount != 1 {
		t.Fatalf("expected 1 failed / 1 passed, got %d/%d", result.FailCount, result.PassCount)
	}
	if result.Verdict != models.VerdictRollback {
		t.Fatalf("fail rate equal to threshold must roll back, got %s", result.Verdict)
	}
	if len(fleet.rolledBack) != 2 {
		t.Fatalf("expected both sampled systems rolled back, got %v", fleet.rolledBack)
	}
	if alert == nil {
		t.Fatal("expected a canary alert on ROLLBACK verdict")
	}
	if alert.Source != models.SourceCanary {
		t.Fatalf("expected canary source, got %s", alert.Source)
	}
	if alert.Category != models.CategoryBadDeploy {
		t.Fatalf("expected bad-deploy category, got %s", alert.Category)
	}
	if alert.ID == "" || alert.Reason == "" {
		t.Fatalf("expected populated alert id and reason, got %+v", alert)
	}
}

func TestUnreachableSystemCountsAsFailed(t *testing.T) {
	fleet := newFakeFleet("server-01", "server-02")
	fleet.unreachable["server-01"] = true
	eval := newTestEvaluator(fleet, 1.0, 0.5)

	result, alert, err := eval.Evaluate(context.Background(), "upd-3", "v2.0.3", fleet.systems)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if result.FailCount != 1 {
		t.Fatalf("unreachable system must count as failed, got %d failed", result.FailCount)
	}
	if result.Verdict != models.VerdictRollback {
		t.Fatalf("expected ROLLBACK verdict, got %s", result.Verdict)
	}
	if alert == nil || alert.ObservedValue != 0.5 {
		t.Fatalf("expected alert with fail rate 0.5, got %+v", alert)
	}
}

func TestRejectedDeployCountsAsFailed(t *testing.T) {
	fleet := newFakeFleet("server-01")
	fleet.rejected["server-01"] = true
	eval := newTestEvaluator(fleet, 1.0, 0.5)

	result, _, err := eval.Evaluate(context.Background(), "upd-4", "v2.0.4", fleet.systems)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if result.FailCount != 1 || result.Verdict != models.VerdictRollback {
		t.Fatalf("rejected deploy must fail the system, got %+v", result)
	}
	if len(fleet.polled) != 0 {
		t.Fatalf("rejected system must not be observed, polled %v", fleet.polled)
	}
}

func TestSampleSizeRoundsUpToAtLeastOne(t *testing.T) {
	cases := []struct {
		total    int
		fraction float64
		want     int
	}{
		{100, 0.01, 1},
		{250, 0.01, 3},
		{3, 0.5, 2},
		{1, 0.01, 1},
		{4, 1.0, 4},
	}
	for _, tc := range cases {
		if got := sampleSize(tc.total, tc.fraction); got != tc.want {
			t.Fatalf("sampleSize(%d, %.2f) = %d, want %d", tc.total, tc.fraction, got, tc.want)
		}
	}
}

func newTestEvaluator(fleet *fakeFleet, fraction, threshold float64) *Evaluator {
	return NewEvaluator(fleet, Options{
		SampleFraction:       fraction,
		FailureRateThreshold: threshold,
		ObservationWindow:    0,
		PollInterval:         1,
		HardThresholds:       map[string]float64{"error_rate": 0.05},
	}, nil, nil)
}

type fakeFleet struct {
	systems     []string
	metrics     map[string][]models.MetricSample
	rejected    map[string]bool
	unreachable map[string]bool
	polled      []string
	rolledBack  []string
}

func newFakeFleet(systems ...string) *fakeFleet {
	metrics := make(map[string][]models.MetricSample, len(systems))
	for _, id := range systems {
		metrics[id] = []models.MetricSample{
			{SystemID: id, MetricName: "cpu", Value: 35},
			{SystemID: id, MetricName: "error_rate", Value: 0.01},
		}
	}
	return &fakeFleet{
		systems:     systems,
		metrics:     metrics,
		rejected:    make(map[string]bool),
		unreachable: make(map[string]bool),
	}
}

func (f *fakeFleet) Deploy(_ context.Context, updateID, version string, targets []string) (*infra.DeployOutcome, error) {
	accepted := make(map[string]bool, len(targets))
	for _, id := range targets {
		accepted[id] = !f.rejected[id]
	}
	return &infra.DeployOutcome{UpdateID: updateID, Version: version, Accepted: accepted}, nil
}

func (f *fakeFleet) FetchSystemMetrics(_ context.Context, systemID string) ([]models.MetricSample, error) {
	f.polled = append(f.polled, systemID)
	if f.unreachable[systemID] {
		return nil, fmt.Errorf("dial tcp: connection refused")
	}
	return f.metrics[systemID], nil
}

func (f *fakeFleet) Rollback(_ context.Context, systemID string) error {
	f.rolledBack = append(f.rolledBack, systemID)
	return nil
}
