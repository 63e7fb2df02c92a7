package agents

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/patterns"
	"github.com/miradorstack/mirador-remediate/internal/statusapi"
)

type fixedHistory struct {
	incidents []models.Incident
}

func (h *fixedHistory) RecentClosed() []models.Incident {
	return append([]models.Incident(nil), h.incidents...)
}

type communicationEnv struct {
	t       *testing.T
	mailbox chan models.AgentMessage
	board   *statusapi.Board
	stored  chan []models.RemediationPattern
	cancel  context.CancelFunc
	done    chan struct{}
}

func newCommunicationEnv(t *testing.T, history IncidentHistory, withMiner bool) *communicationEnv {
	t.Helper()
	env := &communicationEnv{
		t:       t,
		mailbox: make(chan models.AgentMessage, 16),
		board:   statusapi.NewBoard(nil, nil),
		stored:  make(chan []models.RemediationPattern, 8),
		done:    make(chan struct{}),
	}

	var miner PatternMiner
	if withMiner {
		store := patterns.StoreFunc(func(ctx context.Context, mined []models.RemediationPattern) error {
			env.stored <- mined
			return nil
		})
		miner = patterns.NewMiner(nil, store)
	}
	agent := NewCommunicationAgent(env.mailbox, env.board, history, miner, nil)

	ctx, cancel := context.WithCancel(context.Background())
	env.cancel = cancel
	go func() {
		defer close(env.done)
		agent.Run(ctx)
	}()
	t.Cleanup(env.stop)
	return env
}

func (env *communicationEnv) stop() {
	env.cancel()
	select {
	case <-env.done:
	case <-time.After(2 * time.Second):
		env.t.Fatal("communication agent did not stop")
	}
}

func (env *communicationEnv) waitStored() []models.RemediationPattern {
	env.t.Helper()
	select {
	case mined := <-env.stored:
		return mined
	case <-time.After(2 * time.Second):
		env.t.Fatal("pattern store was not refreshed")
		return nil
	}
}

func resolvedHistoryIncident(signature string, action models.Action) models.Incident {
	opened := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	closed := opened.Add(10 * time.Minute)
	return models.Incident{
		ID:        "inc-" + signature,
		Signature: signature,
		OpenedAt:  opened,
		Phase:     models.PhaseResolved,
		Alerts: []models.AnomalyAlert{{
			SystemID: "server-07",
			Category: models.CategoryCPUSpike,
			Severity: models.SeverityCritical,
		}},
		Directive: &models.RemediationDirective{Action: action},
		ClosedAt:  &closed,
	}
}

func directiveMessage(t *testing.T, incidentID string, action models.Action) models.AgentMessage {
	t.Helper()
	msg, err := models.NewMessage(models.RoleResponse, models.RoleCommunication,
		models.MessageRemediationDirective, incidentID, time.Now(),
		models.RemediationDirectivePayload{Directive: models.RemediationDirective{
			IncidentID: incidentID,
			Action:     action,
			Origin:     models.OriginRunbook,
			Confidence: 1,
		}})
	if err != nil {
		t.Fatalf("build directive message: %v", err)
	}
	return msg
}

func statusMessage(t *testing.T, incidentID string, action models.Action, degraded bool) models.AgentMessage {
	t.Helper()
	msg, err := models.NewMessage(models.RoleResponse, models.RoleCommunication,
		models.MessageStatusUpdate, incidentID, time.Now(),
		models.StatusUpdatePayload{
			IncidentID: incidentID,
			Phase:      models.PhaseResolved,
			Action:     action,
			Degraded:   degraded,
			Resolution: "executed " + string(action),
		})
	if err != nil {
		t.Fatalf("build status message: %v", err)
	}
	return msg
}

func TestCommunicationPublishesPipelineProgress(t *testing.T) {
	history := &fixedHistory{incidents: []models.Incident{
		resolvedHistoryIncident("sig-cpu", models.ActionScaleUp),
	}}
	env := newCommunicationEnv(t, history, true)

	env.mailbox <- models.AgentMessage{
		From:          models.RoleResponse,
		To:            models.RoleCommunication,
		Type:          models.MessageRemediationDirective,
		Payload:       json.RawMessage(`{`),
		CorrelationID: "broken",
		SentAt:        time.Now(),
	}
	env.mailbox <- directiveMessage(t, "inc-sig-cpu", models.ActionScaleUp)
	env.mailbox <- statusMessage(t, "inc-sig-cpu", models.ActionScaleUp, false)
	env.waitStored()

	counters := env.board.Snapshot().Counters
	if counters.DirectivesIssued != 1 {
		t.Fatalf("directives counter %d, want only the decodable one", counters.DirectivesIssued)
	}
	if counters.DirectivesRunbook != 1 || counters.DirectivesReasoned != 0 || counters.DirectivesForced != 0 {
		t.Fatalf("directive origin counters %+v, want one runbook directive", counters)
	}
	if counters.IncidentsResolved != 1 || counters.DegradedResolutions != 0 {
		t.Fatalf("resolution counters %+v, want one clean resolution", counters)
	}
	if counters.NotificationsSent != 2 {
		t.Fatalf("notifications counter %d, want directive plus resolution", counters.NotificationsSent)
	}
}

func TestCommunicationMinesPatternsOnResolution(t *testing.T) {
	history := &fixedHistory{incidents: []models.Incident{
		resolvedHistoryIncident("sig-cpu", models.ActionScaleUp),
	}}
	env := newCommunicationEnv(t, history, true)

	env.mailbox <- statusMessage(t, "inc-sig-cpu", models.ActionScaleUp, false)

	mined := env.waitStored()
	if len(mined) != 1 {
		t.Fatalf("mined %d patterns, want 1", len(mined))
	}
	if mined[0].Signature != "sig-cpu" || mined[0].PreferredAction != models.ActionScaleUp {
		t.Fatalf("pattern %+v, want sig-cpu preferring %s", mined[0], models.ActionScaleUp)
	}
}

func TestCommunicationWithoutMinerStillAnnounces(t *testing.T) {
	env := newCommunicationEnv(t, nil, false)

	env.mailbox <- statusMessage(t, "inc-1", models.ActionRestart, true)

	deadline := time.Now().Add(2 * time.Second)
	for {
		counters := env.board.Snapshot().Counters
		if counters.IncidentsResolved == 1 && counters.DegradedResolutions == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("resolution not announced, counters %+v", counters)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
