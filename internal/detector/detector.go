package detector

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

const stdDevFloor = 0.01

// Options tune baseline maintenance and anomaly thresholds.
type Options struct {
	// Alpha is the exponential weighting factor for mean/variance updates.
	Alpha float64
	// Deviation is the default sigma multiplier for the statistical trigger.
	Deviation float64
	// DeviationPer overrides the sigma multiplier for specific metric names.
	DeviationPer map[string]float64
	// MinSamples is the baseline maturity bar below which only hard thresholds fire.
	MinSamples int
	// HardThresholds fire regardless of baseline maturity.
	HardThresholds map[string]float64
	// Staleness resets a baseline untouched for longer than this window.
	Staleness time.Duration
}

// Detector maintains rolling statistical baselines per (system, metric) pair
// and flags deviations. Baselines are never updated from anomalous samples.
type Detector struct {
	mu        sync.Mutex
	baselines map[string]*baseline
	opts      Options
	clock     utils.Clock
	logger    *slog.Logger
}

type baseline struct {
	mean      float64
	variance  float64
	count     int
	updatedAt time.Time
}

// NewDetector constructs a detector with the provided thresholds.
func NewDetector(opts Options, clock utils.Clock, logger *slog.Logger) *Detector {
	if opts.Alpha <= 0 || opts.Alpha >= 1 {
		opts.Alpha = 0.1
	}
	if opts.Deviation <= 0 {
		opts.Deviation = 2.5
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = 10
	}
	if clock == nil {
		clock = utils.SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		baselines: make(map[string]*baseline),
		opts:      opts,
		clock:     clock,
		logger:    utils.ComponentLogger(logger, "detector"),
	}
}

// Observe folds one sample into the baseline table and reports whether it is
// anomalous. Anomalous samples leave the baseline untouched.
func (d *Detector) Observe(sample models.MetricSample) (*models.AnomalyAlert, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ts := sample.Timestamp
	if ts.IsZero() {
		ts = d.clock.Now()
	}

	key := baselineKey(sample.SystemID, sample.MetricName)
	b, ok := d.baselines[key]
	if !ok {
		b = &baseline{}
		d.baselines[key] = b
	} else if d.opts.Staleness > 0 && b.count > 0 && ts.Sub(b.updatedAt) > d.opts.Staleness {
		d.logger.Debug("baseline stale, resetting",
			slog.String("system_id", sample.SystemID),
			slog.String("metric", sample.MetricName),
			slog.Duration("idle", ts.Sub(b.updatedAt)))
		*b = baseline{}
	}

	stdDev := math.Sqrt(b.variance)
	if stdDev < stdDevFloor {
		stdDev = stdDevFloor
	}

	sigma := d.sigmaFor(sample.MetricName)
	mature := b.count >= d.opts.MinSamples

	var score float64
	if mature {
		score = math.Abs(sample.Value-b.mean) / stdDev
	}
	statHit := mature && score > sigma

	hard, hasHard := d.opts.HardThresholds[sample.MetricName]
	hardHit := hasHard && sample.Value > hard

	if !statHit && !hardHit {
		d.update(b, sample.Value, ts)
		return nil, false
	}

	severity := models.SeverityLow
	reason := ""
	if statHit {
		severity = severityFromRatio(score / sigma)
		reason = fmt.Sprintf("%s=%.2f deviates %.1f sigma from baseline mean %.2f", sample.MetricName, sample.Value, score, b.mean)
	}
	if hardHit {
		hardSeverity := severityFromRatio(sample.Value / hard)
		if severityRank(hardSeverity) > severityRank(severity) {
			severity = hardSeverity
		}
		if reason != "" {
			reason += "; "
		}
		reason += fmt.Sprintf("%s=%.2f exceeds hard threshold %.2f", sample.MetricName, sample.Value, hard)
	}

	alert := &models.AnomalyAlert{
		ID:            uuid.NewString(),
		SystemID:      sample.SystemID,
		MetricName:    sample.MetricName,
		Category:      categoryForMetric(sample.MetricName),
		ObservedValue: sample.Value,
		Baseline: models.BaselineSnapshot{
			Mean:        b.mean,
			StdDev:      stdDev,
			SampleCount: b.count,
			UpdatedAt:   b.updatedAt,
		},
		Severity:   severity,
		DetectedAt: ts,
		Source:     models.SourceMonitoring,
		Reason:     reason,
	}
	return alert, true
}

// Baseline returns a snapshot of the tracked baseline for a pair, if any.
func (d *Detector) Baseline(systemID, metricName string) (models.BaselineSnapshot, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.baselines[baselineKey(systemID, metricName)]
	if !ok {
		return models.BaselineSnapshot{}, false
	}
	return models.BaselineSnapshot{
		Mean:        b.mean,
		StdDev:      math.Sqrt(b.variance),
		SampleCount: b.count,
		UpdatedAt:   b.updatedAt,
	}, true
}

// Forget drops every baseline belonging to a decommissioned system.
func (d *Detector) Forget(systemID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prefix := systemID + "|"
	for key := range d.baselines {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(d.baselines, key)
		}
	}
}

func (d *Detector) update(b *baseline, value float64, ts time.Time) {
	if b.count == 0 {
		b.mean = value
		b.variance = 0
	} else {
		diff := value - b.mean
		incr := d.opts.Alpha * diff
		b.mean += incr
		b.variance = (1 - d.opts.Alpha) * (b.variance + diff*incr)
	}
	b.count++
	b.updatedAt = ts
}

func (d *Detector) sigmaFor(metricName string) float64 {
	if v, ok := d.opts.DeviationPer[metricName]; ok && v > 0 {
		return v
	}
	return d.opts.Deviation
}

func baselineKey(systemID, metricName string) string {
	return systemID + "|" + metricName
}

func severityFromRatio(ratio float64) models.Severity {
	switch {
	case ratio >= 2.0:
		return models.SeverityCritical
	case ratio >= 1.5:
		return models.SeverityHigh
	case ratio >= 1.25:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

func severityRank(s models.Severity) int {
	switch s {
	case models.SeverityCritical:
		return 3
	case models.SeverityHigh:
		return 2
	case models.SeverityMedium:
		return 1
	default:
		return 0
	}
}

func categoryForMetric(metricName string) models.Category {
	switch metricName {
	case "cpu":
		return models.CategoryCPUSpike
	case "memory":
		return models.CategoryMemoryLeak
	case "error_rate", "error_count":
		return models.CategoryErrorBurst
	case "latency_ms", "latency":
		return models.CategoryLatency
	case "connections", "pool_usage":
		return models.CategoryPoolExhaust
	default:
		return models.CategoryUnknown
	}
}
