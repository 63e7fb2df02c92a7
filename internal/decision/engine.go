package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-remediate/internal/cache"
	"github.com/miradorstack/mirador-remediate/internal/correlator"
	"github.com/miradorstack/mirador-remediate/internal/metrics"
	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/reasoning"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

// Reasoner is the external consult surface the engine depends on.
type Reasoner interface {
	Recommend(ctx context.Context, inc models.Incident, primary models.AnomalyAlert) (*reasoning.Recommendation, error)
}

// Options tune the decision path.
type Options struct {
	// ConfidenceFloor marks recommendations below it as low confidence.
	// The directive is still issued; the flag is reporting only.
	ConfidenceFloor float64
	// MaxRetries bounds additional consult attempts after a transient failure.
	MaxRetries int
	// RetryBackoff spaces consult retries.
	RetryBackoff time.Duration
	// RecommendationTTL bounds how long consult results are reused per signature.
	RecommendationTTL time.Duration
}

// Engine turns an incident into a remediation directive. It consults the
// reasoning path first and falls back to the runbook, so a decision is
// always produced.
type Engine struct {
	reasoner Reasoner
	runbook  *Runbook
	cache    cache.Provider
	opts     Options
	clock    utils.Clock
	logger   *slog.Logger
}

// NewEngine wires the decision engine. reasoner and cacheProvider may be nil;
// the runbook path carries the decision on its own.
func NewEngine(reasoner Reasoner, runbook *Runbook, cacheProvider cache.Provider, opts Options, clock utils.Clock, logger *slog.Logger) *Engine {
	if opts.ConfidenceFloor <= 0 || opts.ConfidenceFloor > 1 {
		opts.ConfidenceFloor = 0.5
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 1
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	if opts.RecommendationTTL <= 0 {
		opts.RecommendationTTL = 10 * time.Minute
	}
	if clock == nil {
		clock = utils.SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		reasoner: reasoner,
		runbook:  runbook,
		cache:    cacheProvider,
		opts:     opts,
		clock:    clock,
		logger:   utils.ComponentLogger(logger, "decision"),
	}
}

// Decide produces the remediation directive for an incident. The reasoning
// path is consulted with bounded retries; any failure there lands on the
// runbook, so the returned directive is always actionable.
func (e *Engine) Decide(ctx context.Context, inc models.Incident) models.RemediationDirective {
	primary := correlator.PrimaryAlert(inc)

	if rec, ok := e.cachedRecommendation(ctx, inc.Signature); ok {
		e.logger.Info("reusing cached recommendation",
			slog.String("incident_id", inc.ID),
			slog.String("signature", inc.Signature),
			slog.String("action", string(rec.Action)))
		return e.finish(e.fromRecommendation(inc, primary, rec))
	}

	rec, err := e.consult(ctx, inc, primary)
	if err == nil {
		e.storeRecommendation(ctx, inc.Signature, rec)
		return e.finish(e.fromRecommendation(inc, primary, rec))
	}

	e.logger.Info("falling back to runbook",
		slog.String("incident_id", inc.ID),
		slog.String("category", string(primary.Category)),
		slog.Any("error", err))
	return e.finish(e.fromRunbook(inc, primary))
}

// consult runs the reasoning call with retry. Malformed and rate-limited
// replies are terminal; transient failures get up to MaxRetries extra
// attempts.
func (e *Engine) consult(ctx context.Context, inc models.Incident, primary models.AnomalyAlert) (*reasoning.Recommendation, error) {
	if e.reasoner == nil {
		return nil, fmt.Errorf("no reasoner configured")
	}

	var lastErr error
	for attempt := 0; attempt <= e.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := e.clock.Sleep(ctx, e.opts.RetryBackoff); err != nil {
				return nil, err
			}
		}

		start := e.clock.Now()
		rec, err := e.reasoner.Recommend(ctx, inc, primary)
		elapsed := e.clock.Now().Sub(start)
		if err == nil {
			metrics.ObserveConsult(elapsed, "ok")
			return rec, nil
		}

		lastErr = err
		switch {
		case errors.Is(err, reasoning.ErrMalformed):
			metrics.ObserveConsult(elapsed, "malformed")
			return nil, err
		case errors.Is(err, reasoning.ErrRateLimited):
			metrics.ObserveConsult(elapsed, "rate_limited")
			return nil, err
		default:
			metrics.ObserveConsult(elapsed, "error")
			e.logger.Warn("reasoning consult failed",
				slog.String("incident_id", inc.ID),
				slog.Int("attempt", attempt+1),
				slog.Bool("timeout", utils.IsTimeout(err)),
				slog.Any("error", err))
		}
	}
	return nil, lastErr
}

func (e *Engine) fromRecommendation(inc models.Incident, primary models.AnomalyAlert, rec *reasoning.Recommendation) models.RemediationDirective {
	d := models.RemediationDirective{
		IncidentID:    inc.ID,
		Action:        rec.Action,
		Parameters:    actionParameters(rec.Action, primary),
		Rationale:     rec.Rationale,
		Confidence:    rec.Confidence,
		Origin:        models.OriginReasoning,
		LowConfidence: rec.Confidence < e.opts.ConfidenceFloor,
		IssuedAt:      e.clock.Now(),
	}
	if d.LowConfidence {
		e.logger.Warn("accepting low-confidence recommendation",
			slog.String("incident_id", inc.ID),
			slog.String("action", string(d.Action)),
			slog.Float64("confidence", d.Confidence))
	}
	return d
}

func (e *Engine) fromRunbook(inc models.Incident, primary models.AnomalyAlert) models.RemediationDirective {
	entry := e.runbook.Entry(primary.Category)
	return models.RemediationDirective{
		IncidentID: inc.ID,
		Action:     entry.Action,
		Parameters: actionParameters(entry.Action, primary),
		Rationale:  entry.Rationale,
		Confidence: 1,
		Origin:     models.OriginRunbook,
		IssuedAt:   e.clock.Now(),
	}
}

func (e *Engine) finish(d models.RemediationDirective) models.RemediationDirective {
	metrics.ObserveDirective(string(d.Action), string(d.Origin))
	e.logger.Info("directive issued",
		slog.String("incident_id", d.IncidentID),
		slog.String("action", string(d.Action)),
		slog.String("origin", string(d.Origin)),
		slog.Float64("confidence", d.Confidence))
	return d
}

func (e *Engine) cachedRecommendation(ctx context.Context, signature string) (*reasoning.Recommendation, bool) {
	if e.cache == nil || signature == "" {
		return nil, false
	}
	data, err := e.cache.Get(ctx, recommendationKey(signature))
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			e.logger.Debug("recommendation cache read failed", slog.String("signature", signature), slog.Any("error", err))
		}
		return nil, false
	}
	var rec reasoning.Recommendation
	if err := json.Unmarshal(data, &rec); err != nil || !models.KnownAction(rec.Action) {
		return nil, false
	}
	return &rec, true
}

func (e *Engine) storeRecommendation(ctx context.Context, signature string, rec *reasoning.Recommendation) {
	if e.cache == nil || signature == "" || rec == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, recommendationKey(signature), data, e.opts.RecommendationTTL); err != nil {
		e.logger.Debug("recommendation cache write failed", slog.String("signature", signature), slog.Any("error", err))
	}
}

func recommendationKey(signature string) string {
	return "recommendation:" + signature
}

func actionParameters(action models.Action, primary models.AnomalyAlert) map[string]string {
	if action == models.ActionNoop || primary.SystemID == "" {
		return nil
	}
	return map[string]string{"system_id": primary.SystemID}
}
