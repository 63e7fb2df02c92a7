package canary

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-remediate/internal/infra"
	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

// Fleet is the infrastructure surface the evaluator depends on.
type Fleet interface {
	Deploy(ctx context.Context, updateID, version string, targets []string) (*infra.DeployOutcome, error)
	FetchSystemMetrics(ctx context.Context, systemID string) ([]models.MetricSample, error)
	Rollback(ctx context.Context, systemID string) error
}

// Options tune staged rollout evaluation.
type Options struct {
	// SampleFraction of the target systems receives the staged version.
	SampleFraction float64
	// FailureRateThreshold triggers ROLLBACK when failed/sampled reaches it.
	FailureRateThreshold float64
	// ObservationWindow bounds how long each sampled system is watched.
	ObservationWindow time.Duration
	// PollInterval spaces the metric polls inside the window.
	PollInterval time.Duration
	// HardThresholds classify a sampled system as failed when crossed.
	HardThresholds map[string]float64
}

// Evaluator runs staged rollouts against a small fleet sample and issues a
// deploy/rollback verdict. A verdict exactly at the failure threshold rolls
// back.
type Evaluator struct {
	fleet  Fleet
	opts   Options
	clock  utils.Clock
	logger *slog.Logger
}

// NewEvaluator constructs an evaluator over the given fleet client.
func NewEvaluator(fleet Fleet, opts Options, clock utils.Clock, logger *slog.Logger) *Evaluator {
	if opts.SampleFraction <= 0 || opts.SampleFraction > 1 {
		opts.SampleFraction = 0.01
	}
	if opts.FailureRateThreshold <= 0 || opts.FailureRateThreshold > 1 {
		opts.FailureRateThreshold = 0.5
	}
	if opts.ObservationWindow < 0 {
		opts.ObservationWindow = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.HardThresholds == nil {
		opts.HardThresholds = map[string]float64{"error_rate": 0.05}
	}
	if clock == nil {
		clock = utils.SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		fleet:  fleet,
		opts:   opts,
		clock:  clock,
		logger: utils.ComponentLogger(logger, "canary"),
	}
}

// Evaluate deploys version to a fraction of targets, watches the sample, and
// returns the verdict. On ROLLBACK the sampled systems are rolled back and a
// canary-sourced alert is returned for the correlation path; on DEPLOY the
// alert is nil.
func (e *Evaluator) Evaluate(ctx context.Context, updateID, version string, targets []string) (*models.CanaryResult, *models.AnomalyAlert, error) {
	if e == nil || e.fleet == nil {
		return nil, nil, fmt.Errorf("canary evaluator not initialised")
	}
	if len(targets) == 0 {
		return nil, nil, fmt.Errorf("canary evaluation requires target systems")
	}
	if updateID == "" {
		updateID = uuid.NewString()
	}

	sampled := targets[:sampleSize(len(targets), e.opts.SampleFraction)]
	e.logger.Info("starting canary evaluation",
		slog.String("update_id", updateID),
		slog.String("version", version),
		slog.Int("sampled", len(sampled)),
		slog.Int("targets", len(targets)))

	outcome, err := e.fleet.Deploy(ctx, updateID, version, sampled)
	if err != nil {
		return nil, nil, fmt.Errorf("canary deploy failed: %w", err)
	}

	evidence := make([]string, 0, len(sampled))
	failCount := 0
	for _, systemID := range sampled {
		if outcome != nil && !outcome.Accepted[systemID] {
			failCount++
			evidence = append(evidence, fmt.Sprintf("%s: deploy rejected", systemID))
			continue
		}
		ok, reason := e.watchSystem(ctx, systemID)
		if !ok {
			failCount++
		}
		evidence = append(evidence, fmt.Sprintf("%s: %s", systemID, reason))
	}

	failRate := float64(failCount) / float64(len(sampled))
	verdict := models.VerdictDeploy
	if failRate >= e.opts.FailureRateThreshold {
		verdict = models.VerdictRollback
	}

	result := &models.CanaryResult{
		UpdateID:       updateID,
		Version:        version,
		SampledSystems: sampled,
		PassCount:      len(sampled) - failCount,
		FailCount:      failCount,
		Verdict:        verdict,
		Evidence:       evidence,
		EvaluatedAt:    e.clock.Now(),
	}

	if verdict == models.VerdictDeploy {
		e.logger.Info("canary verdict", slog.String("update_id", updateID), slog.String("verdict", string(verdict)), slog.Float64("fail_rate", failRate))
		return result, nil, nil
	}

	for _, systemID := range sampled {
		if err := e.fleet.Rollback(ctx, systemID); err != nil {
			e.logger.Warn("canary rollback failed", slog.String("system_id", systemID), slog.Any("error", err))
		}
	}
	e.logger.Warn("canary verdict", slog.String("update_id", updateID), slog.String("verdict", string(verdict)), slog.Float64("fail_rate", failRate))

	alert := &models.AnomalyAlert{
		ID:            uuid.NewString(),
		SystemID:      "deploy/" + version,
		MetricName:    "canary_failure_rate",
		Category:      models.CategoryBadDeploy,
		ObservedValue: failRate,
		Severity:      severityFromFailRate(failRate, e.opts.FailureRateThreshold),
		DetectedAt:    e.clock.Now(),
		Source:        models.SourceCanary,
		Reason: fmt.Sprintf("canary rollout of %s failed %d/%d sampled systems (threshold %.2f)",
			version, failCount, len(sampled), e.opts.FailureRateThreshold),
	}
	return result, alert, nil
}

// watchSystem polls one sampled system through the observation window. An
// unreachable system counts as failed.
func (e *Evaluator) watchSystem(ctx context.Context, systemID string) (bool, string) {
	deadline := e.clock.Now().Add(e.opts.ObservationWindow)
	for {
		if ctx.Err() != nil {
			return false, fmt.Sprintf("observation aborted: %v", ctx.Err())
		}
		samples, err := e.fleet.FetchSystemMetrics(ctx, systemID)
		if err != nil {
			return false, fmt.Sprintf("unreachable: %v", err)
		}
		for _, s := range samples {
			if limit, ok := e.opts.HardThresholds[s.MetricName]; ok && s.Value > limit {
				return false, fmt.Sprintf("%s=%.2f exceeded %.2f", s.MetricName, s.Value, limit)
			}
		}
		if !e.clock.Now().Before(deadline) {
			return true, fmt.Sprintf("healthy through %s window", e.opts.ObservationWindow)
		}
		if err := e.clock.Sleep(ctx, e.opts.PollInterval); err != nil {
			return false, fmt.Sprintf("observation aborted: %v", err)
		}
	}
}

func sampleSize(total int, fraction float64) int {
	size := int(math.Ceil(float64(total) * fraction))
	if size < 1 {
		size = 1
	}
	if size > total {
		size = total
	}
	return size
}

func severityFromFailRate(failRate, threshold float64) models.Severity {
	ratio := failRate / threshold
	switch {
	case ratio >= 2:
		return models.SeverityCritical
	case ratio >= 1.5:
		return models.SeverityHigh
	default:
		return models.SeverityMedium
	}
}
