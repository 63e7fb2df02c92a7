package patterns

import (
	"context"
	"testing"
	"time"

	"github.com/miradorstack/mirador-remediate/internal/models"
)

type fakePatternStore struct {
	stored int
}

func (f *fakePatternStore) StorePatterns(ctx context.Context, patterns []models.RemediationPattern) error {
	f.stored += len(patterns)
	return nil
}

func TestMinerAggregatesResolvedIncidents(t *testing.T) {
	store := &fakePatternStore{}
	miner := NewMiner(nil, store)

	patterns, err := miner.Mine(context.Background(), []models.Incident{
		resolvedIncident("sig-cpu", models.ActionScaleUp, 10*time.Minute, false),
		resolvedIncident("sig-cpu", models.ActionScaleUp, 20*time.Minute, true),
		resolvedIncident("sig-cpu", models.ActionRestart, 30*time.Minute, false),
		resolvedIncident("sig-mem", models.ActionRestart, 5*time.Minute, false),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(patterns) != 2 {
		t.Fatalf("expected 2 patterns, got %d", len(patterns))
	}

	top := patterns[0]
	if top.Signature != "sig-cpu" || top.Occurrences != 3 {
		t.Fatalf("expected sig-cpu with 3 occurrences first, got %+v", top)
	}
	if top.PreferredAction != models.ActionScaleUp {
		t.Fatalf("expected SCALE_UP preferred, got %s", top.PreferredAction)
	}
	if top.DegradedShare < 0.33 || top.DegradedShare > 0.34 {
		t.Fatalf("expected degraded share 1/3, got %f", top.DegradedShare)
	}
	if top.MeanTimeToResolve != 20*time.Minute {
		t.Fatalf("expected 20m mean resolve time, got %s", top.MeanTimeToResolve)
	}
	if store.stored != 2 {
		t.Fatalf("expected patterns stored, got %d", store.stored)
	}
}

func TestMinerSkipsUnresolvedIncidents(t *testing.T) {
	miner := NewMiner(nil, nil)

	open := resolvedIncident("sig-open", models.ActionNoop, time.Minute, false)
	open.Phase = models.PhaseAssessing
	open.ClosedAt = nil

	patterns, err := miner.Mine(context.Background(), []models.Incident{open})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(patterns) != 0 {
		t.Fatalf("open incidents must not produce patterns, got %d", len(patterns))
	}
}

func resolvedIncident(signature string, action models.Action, resolveAfter time.Duration, degraded bool) models.Incident {
	opened := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	closed := opened.Add(resolveAfter)
	return models.Incident{
		ID:        signature + "-" + string(action),
		Signature: signature,
		OpenedAt:  opened,
		Phase:     models.PhaseResolved,
		Degraded:  degraded,
		ClosedAt:  &closed,
		Directive: &models.RemediationDirective{Action: action},
		Alerts: []models.AnomalyAlert{{
			SystemID: "server-07",
			Category: models.CategoryCPUSpike,
		}},
	}
}
