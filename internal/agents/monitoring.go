package agents

import (
	"context"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-remediate/internal/metrics"
	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/statusapi"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

// MetricsSource supplies the latest fleet-wide samples.
type MetricsSource interface {
	FetchMetrics(ctx context.Context) ([]models.MetricSample, error)
}

// AnomalyDetector folds samples into baselines and flags deviations.
type AnomalyDetector interface {
	Observe(sample models.MetricSample) (*models.AnomalyAlert, bool)
}

// Sender routes agent messages to their recipients.
type Sender interface {
	Send(ctx context.Context, msg models.AgentMessage) error
}

// MonitoringOptions tune the metric polling loop.
type MonitoringOptions struct {
	PollInterval time.Duration
}

// MonitoringAgent polls fleet metrics, feeds them through the anomaly
// detector, and raises an AlertNotice toward the response role for every
// anomalous sample.
type MonitoringAgent struct {
	source   MetricsSource
	detector AnomalyDetector
	sender   Sender
	board    *statusapi.Board
	opts     MonitoringOptions
	clock    utils.Clock
	logger   *slog.Logger
}

// NewMonitoringAgent wires the metric polling role.
func NewMonitoringAgent(source MetricsSource, detector AnomalyDetector, sender Sender, board *statusapi.Board, opts MonitoringOptions, clock utils.Clock, logger *slog.Logger) *MonitoringAgent {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if clock == nil {
		clock = utils.SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MonitoringAgent{
		source:   source,
		detector: detector,
		sender:   sender,
		board:    board,
		opts:     opts,
		clock:    clock,
		logger:   utils.ComponentLogger(logger, "monitoring-agent"),
	}
}

// Name implements Agent.
func (a *MonitoringAgent) Name() string { return string(models.RoleMonitoring) }

// Run polls on the configured interval until the context ends.
func (a *MonitoringAgent) Run(ctx context.Context) error {
	a.board.SetRoleState(models.RoleMonitoring, "polling")
	defer a.board.SetRoleState(models.RoleMonitoring, "stopped")

	for {
		a.poll(ctx)
		if err := a.clock.Sleep(ctx, a.opts.PollInterval); err != nil {
			return nil
		}
	}
}

// poll fetches one round of samples. Fetch failures are logged and skipped;
// the next tick retries.
func (a *MonitoringAgent) poll(ctx context.Context) {
	samples, err := a.source.FetchMetrics(ctx)
	if err != nil {
		a.logger.Warn("metric poll failed", slog.Any("error", err))
		return
	}

	for _, sample := range samples {
		alert, anomalous := a.detector.Observe(sample)
		if !anomalous {
			continue
		}
		a.raise(ctx, *alert)
	}
}

func (a *MonitoringAgent) raise(ctx context.Context, alert models.AnomalyAlert) {
	metrics.ObserveAnomaly(string(alert.Source), string(alert.Severity))
	a.board.RecordAnomaly(alert)
	a.logger.Info("anomaly detected",
		slog.String("system_id", alert.SystemID),
		slog.String("metric", alert.MetricName),
		slog.Float64("value", alert.ObservedValue),
		slog.String("severity", string(alert.Severity)),
		slog.String("reason", alert.Reason))

	msg, err := models.NewMessage(models.RoleMonitoring, models.RoleResponse,
		models.MessageAlertNotice, alert.ID, a.clock.Now(),
		models.AlertNoticePayload{Alert: alert})
	if err != nil {
		a.logger.Error("encode alert notice", slog.String("alert_id", alert.ID), slog.Any("error", err))
		return
	}
	if err := a.sender.Send(ctx, msg); err != nil {
		a.logger.Error("route alert notice", slog.String("alert_id", alert.ID), slog.Any("error", err))
	}
}
