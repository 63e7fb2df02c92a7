package patterns

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/miradorstack/mirador-remediate/internal/models"
)

// Store abstracts persistence for mined patterns.
type Store interface {
	StorePatterns(ctx context.Context, patterns []models.RemediationPattern) error
}

// Miner mines frequency-based remediation patterns from resolved incidents.
type Miner struct {
	store  Store
	logger *slog.Logger
}

// NewMiner constructs a Miner; store may be nil for dry runs.
func NewMiner(logger *slog.Logger, store Store) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Miner{store: store, logger: logger}
}

// Mine aggregates resolved incidents by signature and reports which actions
// settled them. Unresolved incidents are skipped.
func (m *Miner) Mine(ctx context.Context, incidents []models.Incident) ([]models.RemediationPattern, error) {
	if len(incidents) == 0 {
		return nil, nil
	}

	stats := make(map[string]*signatureAggregate)
	for _, inc := range incidents {
		if inc.Phase != models.PhaseResolved || inc.ClosedAt == nil {
			continue
		}
		agg := ensureAggregate(stats, inc.Signature)
		agg.occurrences++
		if inc.Degraded {
			agg.degraded++
		}
		agg.totalResolve += inc.ClosedAt.Sub(inc.OpenedAt)
		if inc.ClosedAt.After(agg.lastSeen) {
			agg.lastSeen = *inc.ClosedAt
		}
		if inc.Directive != nil {
			agg.actions[inc.Directive.Action]++
		}
		for _, alert := range inc.Alerts {
			if agg.category == "" || agg.category == models.CategoryUnknown {
				agg.category = alert.Category
			}
			agg.systems[alert.SystemID] = struct{}{}
		}
	}

	patterns := make([]models.RemediationPattern, 0, len(stats))
	for signature, agg := range stats {
		if agg.occurrences == 0 {
			continue
		}
		patterns = append(patterns, models.RemediationPattern{
			Signature:         signature,
			Category:          agg.category,
			Systems:           agg.systemList(),
			Occurrences:       agg.occurrences,
			Actions:           agg.actions,
			PreferredAction:   agg.preferredAction(),
			DegradedShare:     float64(agg.degraded) / float64(agg.occurrences),
			MeanTimeToResolve: agg.totalResolve / time.Duration(agg.occurrences),
			LastSeen:          agg.lastSeen,
		})
	}

	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Occurrences != patterns[j].Occurrences {
			return patterns[i].Occurrences > patterns[j].Occurrences
		}
		return patterns[i].Signature < patterns[j].Signature
	})

	if m.store != nil && len(patterns) > 0 {
		if err := m.store.StorePatterns(ctx, patterns); err != nil {
			m.logger.Warn("pattern store failed", slog.Any("error", err))
		}
	}

	return patterns, nil
}

type signatureAggregate struct {
	occurrences  int
	degraded     int
	totalResolve time.Duration
	lastSeen     time.Time
	category     models.Category
	actions      map[models.Action]int
	systems      map[string]struct{}
}

func ensureAggregate(m map[string]*signatureAggregate, signature string) *signatureAggregate {
	if signature == "" {
		signature = "unknown"
	}
	agg, ok := m[signature]
	if !ok {
		agg = &signatureAggregate{
			actions: make(map[models.Action]int),
			systems: make(map[string]struct{}),
		}
		m[signature] = agg
	}
	return agg
}

func (agg *signatureAggregate) systemList() []string {
	systems := make([]string, 0, len(agg.systems))
	for id := range agg.systems {
		systems = append(systems, id)
	}
	sort.Strings(systems)
	return systems
}

func (agg *signatureAggregate) preferredAction() models.Action {
	var best models.Action
	bestCount := -1
	for action, count := range agg.actions {
		if count > bestCount || (count == bestCount && action < best) {
			best = action
			bestCount = count
		}
	}
	if best == "" {
		return models.ActionNoop
	}
	return best
}
