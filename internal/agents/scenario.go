package agents

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/miradorstack/mirador-remediate/internal/infra"
	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/statusapi"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

// FleetControl is the slice of the fleet API the demo scenario drives.
type FleetControl interface {
	CheckHealth(ctx context.Context) (*infra.Health, error)
	FetchMetrics(ctx context.Context) ([]models.MetricSample, error)
	SimulateFailure(ctx context.Context, systemID string) error
}

// ScenarioOptions name the demo storyline's moving parts.
type ScenarioOptions struct {
	// CanaryVersion is the version staged during the canary step.
	CanaryVersion string
	// FailureTarget is the system that receives the injected fault.
	FailureTarget string
}

// ScenarioRunner drives the end-to-end demo: verify the fleet, stage a
// canary rollout, then inject a fault for the monitoring loop to find.
// Runs are queued through Trigger and executed one at a time.
type ScenarioRunner struct {
	fleet    FleetControl
	canary   *CanaryAgent
	board    *statusapi.Board
	opts     ScenarioOptions
	requests chan string
	logger   *slog.Logger
}

// NewScenarioRunner wires the demo pipeline trigger.
func NewScenarioRunner(fleet FleetControl, canary *CanaryAgent, board *statusapi.Board, opts ScenarioOptions, logger *slog.Logger) *ScenarioRunner {
	if opts.CanaryVersion == "" {
		opts.CanaryVersion = "v2.1.0-rc1"
	}
	if opts.FailureTarget == "" {
		opts.FailureTarget = "server-07"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ScenarioRunner{
		fleet:    fleet,
		canary:   canary,
		board:    board,
		opts:     opts,
		requests: make(chan string, 1),
		logger:   utils.ComponentLogger(logger, "scenario"),
	}
}

// Name implements Agent.
func (s *ScenarioRunner) Name() string { return "scenario" }

// Trigger queues one demo run. A second trigger while a run is queued is
// rejected so runs never pile up.
func (s *ScenarioRunner) Trigger(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case s.requests <- runID:
		return nil
	default:
		return fmt.Errorf("scenario run already queued")
	}
}

// Run executes queued scenario runs until the context ends.
func (s *ScenarioRunner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case runID := <-s.requests:
			if err := s.runScenario(ctx, runID); err != nil {
				s.logger.Error("scenario run failed", slog.String("run_id", runID), slog.Any("error", err))
				s.board.RecordEvent("scenario", fmt.Sprintf("run %s failed: %v", runID, err))
			}
		}
	}
}

func (s *ScenarioRunner) runScenario(ctx context.Context, runID string) error {
	s.board.RecordEvent("scenario", fmt.Sprintf("run %s started", runID))
	s.logger.Info("scenario run starting", slog.String("run_id", runID))

	health, err := s.fleet.CheckHealth(ctx)
	if err != nil {
		return fmt.Errorf("fleet health check: %w", err)
	}
	s.logger.Info("fleet healthy", slog.String("run_id", runID), slog.Int("fleet_size", health.FleetSize))

	samples, err := s.fleet.FetchMetrics(ctx)
	if err != nil {
		return fmt.Errorf("fleet inventory: %w", err)
	}
	targets := systemsFromSamples(samples)
	if len(targets) == 0 {
		return fmt.Errorf("fleet reported no systems")
	}

	result, err := s.canary.RunEvaluation(ctx, runID+"-deploy", s.opts.CanaryVersion, targets)
	if err != nil {
		return fmt.Errorf("canary evaluation: %w", err)
	}
	s.board.RecordEvent("scenario", fmt.Sprintf("run %s canary verdict %s", runID, result.Verdict))

	if err := s.fleet.SimulateFailure(ctx, s.opts.FailureTarget); err != nil {
		return fmt.Errorf("fault injection: %w", err)
	}
	s.board.RecordEvent("scenario", fmt.Sprintf("run %s injected fault into %s", runID, s.opts.FailureTarget))
	return nil
}

// systemsFromSamples dedups sample system ids into a sorted target list.
func systemsFromSamples(samples []models.MetricSample) []string {
	seen := make(map[string]struct{}, len(samples))
	systems := make([]string, 0, len(samples))
	for _, sample := range samples {
		if _, ok := seen[sample.SystemID]; ok {
			continue
		}
		seen[sample.SystemID] = struct{}{}
		systems = append(systems, sample.SystemID)
	}
	sort.Strings(systems)
	return systems
}
