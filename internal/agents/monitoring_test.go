package agents

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/statusapi"
)

type metricBatch struct {
	samples []models.MetricSample
	err     error
}

// feedSource hands out one prepared batch per FetchMetrics call.
type feedSource struct {
	mu      sync.Mutex
	batches []metricBatch
}

func (s *feedSource) FetchMetrics(ctx context.Context) ([]models.MetricSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == 0 {
		return nil, errors.New("feed exhausted")
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	return batch.samples, batch.err
}

// thresholdDetector flags every sample above a fixed limit.
type thresholdDetector struct {
	limit float64
}

func (d *thresholdDetector) Observe(sample models.MetricSample) (*models.AnomalyAlert, bool) {
	if sample.Value <= d.limit {
		return nil, false
	}
	return &models.AnomalyAlert{
		ID:            "alert-" + sample.SystemID,
		SystemID:      sample.SystemID,
		MetricName:    sample.MetricName,
		Category:      models.CategoryCPUSpike,
		ObservedValue: sample.Value,
		Severity:      models.SeverityCritical,
		DetectedAt:    sample.Timestamp,
		Source:        models.SourceMonitoring,
	}, true
}

type recordingSender struct {
	mu   sync.Mutex
	sent []models.AgentMessage
}

func (s *recordingSender) Send(ctx context.Context, msg models.AgentMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) messages() []models.AgentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AgentMessage(nil), s.sent...)
}

// countdownClock ends the polling loop by cancelling the run context after
// a fixed number of sleeps.
type countdownClock struct {
	cancel context.CancelFunc
	rounds int
}

func (c *countdownClock) Now() time.Time                       { return time.Unix(1700000000, 0) }
func (c *countdownClock) After(time.Duration) <-chan time.Time { return make(chan time.Time) }

func (c *countdownClock) Sleep(ctx context.Context, _ time.Duration) error {
	c.rounds--
	if c.rounds <= 0 {
		c.cancel()
	}
	return ctx.Err()
}

func runMonitoring(t *testing.T, source *feedSource, rounds int) (*recordingSender, *statusapi.Board) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender := &recordingSender{}
	board := statusapi.NewBoard(nil, nil)
	agent := NewMonitoringAgent(source, &thresholdDetector{limit: 90}, sender, board,
		MonitoringOptions{PollInterval: time.Millisecond},
		&countdownClock{cancel: cancel, rounds: rounds}, nil)

	if err := agent.Run(ctx); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	return sender, board
}

func TestMonitoringRaisesAlertNoticeForAnomalousSample(t *testing.T) {
	source := &feedSource{batches: []metricBatch{{samples: []models.MetricSample{
		{SystemID: "server-01", MetricName: "cpu", Value: 40},
		{SystemID: "server-07", MetricName: "cpu", Value: 95},
	}}}}

	sender, board := runMonitoring(t, source, 1)

	msgs := sender.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	msg := msgs[0]
	if msg.Type != models.MessageAlertNotice {
		t.Fatalf("message type %s, want %s", msg.Type, models.MessageAlertNotice)
	}
	if msg.From != models.RoleMonitoring || msg.To != models.RoleResponse {
		t.Fatalf("alert routed %s -> %s", msg.From, msg.To)
	}
	if msg.CorrelationID != "alert-server-07" {
		t.Fatalf("correlation id %s, want alert-server-07", msg.CorrelationID)
	}
	payload, err := models.DecodeAlertNotice(msg)
	if err != nil {
		t.Fatalf("decode alert notice: %v", err)
	}
	if payload.Alert.SystemID != "server-07" {
		t.Fatalf("alert system %s, want server-07", payload.Alert.SystemID)
	}

	snap := board.Snapshot()
	if snap.Counters.AnomaliesDetected != 1 {
		t.Fatalf("anomalies counter %d, want 1", snap.Counters.AnomaliesDetected)
	}
	if snap.Roles[string(models.RoleMonitoring)] != "stopped" {
		t.Fatalf("role state %q after shutdown", snap.Roles[string(models.RoleMonitoring)])
	}
}

func TestMonitoringQuietSamplesSendNothing(t *testing.T) {
	source := &feedSource{batches: []metricBatch{{samples: []models.MetricSample{
		{SystemID: "server-01", MetricName: "cpu", Value: 38},
		{SystemID: "server-02", MetricName: "cpu", Value: 42},
	}}}}

	sender, board := runMonitoring(t, source, 1)

	if got := len(sender.messages()); got != 0 {
		t.Fatalf("sent %d messages, want 0", got)
	}
	if got := board.Snapshot().Counters.AnomaliesDetected; got != 0 {
		t.Fatalf("anomalies counter %d, want 0", got)
	}
}

func TestMonitoringKeepsPollingAfterFetchFailure(t *testing.T) {
	source := &feedSource{batches: []metricBatch{
		{err: errors.New("fleet unreachable")},
		{samples: []models.MetricSample{{SystemID: "server-07", MetricName: "cpu", Value: 95}}},
	}}

	sender, _ := runMonitoring(t, source, 2)

	if got := len(sender.messages()); got != 1 {
		t.Fatalf("sent %d messages after recovery, want 1", got)
	}
}
