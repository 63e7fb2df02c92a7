package decision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/miradorstack/mirador-remediate/internal/cache"
	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/reasoning"
)

func TestDecideUsesReasoningRecommendation(t *testing.T) {
	reasoner := &stubReasoner{replies: []consultReply{
		{rec: &reasoning.Recommendation{Action: models.ActionRestart, Rationale: "leak", Confidence: 0.9}},
	}}
	engine := newTestEngine(t, reasoner, nil)

	d := engine.Decide(context.Background(), incidentFor(models.CategoryMemoryLeak))
	if d.Action != models.ActionRestart {
		t.Fatalf("expected RESTART from reasoner, got %s", d.Action)
	}
	if d.Origin != models.OriginReasoning {
		t.Fatalf("expected reasoning origin, got %s", d.Origin)
	}
	if d.LowConfidence {
		t.Fatal("0.9 confidence must not be flagged low")
	}
	if reasoner.calls != 1 {
		t.Fatalf("expected single consult, got %d", reasoner.calls)
	}
}

func TestDecideRetriesTransientConsultFailureOnce(t *testing.T) {
	reasoner := &stubReasoner{replies: []consultReply{
		{err: fmt.Errorf("dial tcp: connection refused")},
		{rec: &reasoning.Recommendation{Action: models.ActionScaleUp, Rationale: "cpu", Confidence: 0.8}},
	}}
	engine := newTestEngine(t, reasoner, nil)

	d := engine.Decide(context.Background(), incidentFor(models.CategoryCPUSpike))
	if d.Action != models.ActionScaleUp || d.Origin != models.OriginReasoning {
		t.Fatalf("expected SCALE_UP from retried consult, got %s/%s", d.Action, d.Origin)
	}
	if reasoner.calls != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", reasoner.calls)
	}
}

func TestDecideFallsBackDeterministicallyAfterRetries(t *testing.T) {
	reasoner := &stubReasoner{replies: []consultReply{
		{err: fmt.Errorf("dial tcp: connection refused")},
		{err: fmt.Errorf("dial tcp: connection refused")},
	}}
	engine := newTestEngine(t, reasoner, nil)

	d := engine.Decide(context.Background(), incidentFor(models.CategoryBadDeploy))
	if d.Action != models.ActionRollback {
		t.Fatalf("bad-deploy fallback must be ROLLBACK, got %s", d.Action)
	}
	if d.Origin != models.OriginRunbook {
		t.Fatalf("expected runbook origin, got %s", d.Origin)
	}
	if reasoner.calls != 2 {
		t.Fatalf("expected initial attempt plus one retry, got %d calls", reasoner.calls)
	}
}

func TestDecideDoesNotRetryMalformedReply(t *testing.T) {
	reasoner := &stubReasoner{replies: []consultReply{
		{err: fmt.Errorf("%w: no JSON object in reply", reasoning.ErrMalformed)},
	}}
	engine := newTestEngine(t, reasoner, nil)

	d := engine.Decide(context.Background(), incidentFor(models.CategoryCPUSpike))
	if d.Action != models.ActionScaleUp || d.Origin != models.OriginRunbook {
		t.Fatalf("expected runbook SCALE_UP after malformed reply, got %s/%s", d.Action, d.Origin)
	}
	if reasoner.calls != 1 {
		t.Fatalf("malformed reply must not be retried, got %d calls", reasoner.calls)
	}
}

func TestDecideFlagsLowConfidenceButStillActs(t *testing.T) {
	reasoner := &stubReasoner{replies: []consultReply{
		{rec: &reasoning.Recommendation{Action: models.ActionCircuitBreaker, Rationale: "pool", Confidence: 0.2}},
	}}
	engine := newTestEngine(t, reasoner, nil)

	d := engine.Decide(context.Background(), incidentFor(models.CategoryPoolExhaust))
	if d.Action != models.ActionCircuitBreaker {
		t.Fatalf("low confidence must not change the action, got %s", d.Action)
	}
	if !d.LowConfidence {
		t.Fatal("0.2 confidence must be flagged low")
	}
}

func TestDecideReusesCachedRecommendation(t *testing.T) {
	reasoner := &stubReasoner{replies: []consultReply{
		{rec: &reasoning.Recommendation{Action: models.ActionRestart, Rationale: "leak", Confidence: 0.9}},
	}}
	store := newStubCache()
	engine := newTestEngine(t, reasoner, store)
	inc := incidentFor(models.CategoryMemoryLeak)

	first := engine.Decide(context.Background(), inc)
	second := engine.Decide(context.Background(), inc)
	if reasoner.calls != 1 {
		t.Fatalf("second decision must come from cache, got %d consults", reasoner.calls)
	}
	if first.Action != second.Action || second.Origin != models.OriginReasoning {
		t.Fatalf("cached directive diverged: %+v vs %+v", first, second)
	}
}

func TestRunbookFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runbook.yaml")
	content := "entries:\n  - category: cpu-spike\n    action: RESTART\n    rationale: site policy\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write runbook: %v", err)
	}

	rb, err := NewRunbook(path, nil)
	if err != nil {
		t.Fatalf("NewRunbook returned error: %v", err)
	}
	if got := rb.Entry(models.CategoryCPUSpike).Action; got != models.ActionRestart {
		t.Fatalf("expected file to override cpu-spike to RESTART, got %s", got)
	}
	if got := rb.Entry(models.CategoryBadDeploy).Action; got != models.ActionRollback {
		t.Fatalf("untouched defaults must survive, got %s for bad-deploy", got)
	}
}

func TestRunbookMissingFileKeepsDefaults(t *testing.T) {
	rb, err := NewRunbook(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if got := rb.Entry(models.CategoryMemoryLeak).Action; got != models.ActionRestart {
		t.Fatalf("expected default RESTART for memory-leak, got %s", got)
	}
	if got := rb.Entry(models.Category("mystery")).Action; got != models.ActionNoop {
		t.Fatalf("unknown category must map to NOOP, got %s", got)
	}
}

func newTestEngine(t *testing.T, reasoner Reasoner, store *stubCache) *Engine {
	t.Helper()
	rb, err := NewRunbook("", nil)
	if err != nil {
		t.Fatalf("NewRunbook: %v", err)
	}
	opts := Options{ConfidenceFloor: 0.5, MaxRetries: 1, RetryBackoff: time.Millisecond}
	if store == nil {
		return NewEngine(reasoner, rb, nil, opts, nil, nil)
	}
	return NewEngine(reasoner, rb, store, opts, nil, nil)
}

func incidentFor(category models.Category) models.Incident {
	return models.Incident{
		ID:        "inc-" + string(category),
		Signature: "sig-" + string(category),
		Phase:     models.PhaseAssessing,
		Alerts: []models.AnomalyAlert{{
			ID:            "alert-1",
			SystemID:      "server-07",
			MetricName:    "cpu",
			Category:      category,
			ObservedValue: 95,
			Severity:      models.SeverityCritical,
			Source:        models.SourceMonitoring,
		}},
	}
}

type consultReply struct {
	rec *reasoning.Recommendation
	err error
}

type stubReasoner struct {
	replies []consultReply
	calls   int
}

func (s *stubReasoner) Recommend(context.Context, models.Incident, models.AnomalyAlert) (*reasoning.Recommendation, error) {
	idx := s.calls
	s.calls++
	if idx >= len(s.replies) {
		return nil, fmt.Errorf("unexpected consult %d", idx+1)
	}
	return s.replies[idx].rec, s.replies[idx].err
}

type stubCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newStubCache() *stubCache {
	return &stubCache{data: make(map[string][]byte)}
}

func (s *stubCache) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.data[key]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return value, nil
}

func (s *stubCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *stubCache) SetNX(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; ok {
		return false, nil
	}
	s.data[key] = value
	return true, nil
}

func (s *stubCache) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *stubCache) Close() error { return nil }
