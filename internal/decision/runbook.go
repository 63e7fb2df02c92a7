package decision

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-remediate/internal/models"
)

// Runbook maps failure categories to vetted remediation actions. It is the
// deterministic fallback when the reasoning path yields nothing usable.
type Runbook struct {
	entries map[models.Category]RunbookEntry
	logger  *slog.Logger
}

// RunbookEntry is one category-to-action mapping.
type RunbookEntry struct {
	Category  models.Category `yaml:"category"`
	Action    models.Action   `yaml:"action"`
	Rationale string          `yaml:"rationale"`
}

// runbookFile is the YAML root structure.
type runbookFile struct {
	Entries []RunbookEntry `yaml:"entries"`
}

// NewRunbook loads category mappings from path, layered over the built-in
// defaults. An empty or missing path keeps the defaults only.
func NewRunbook(path string, logger *slog.Logger) (*Runbook, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rb := &Runbook{entries: defaultEntries(), logger: logger}
	if path == "" {
		return rb, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("runbook file missing, using built-in defaults", slog.String("path", path))
			return rb, nil
		}
		return nil, err
	}
	var cfg runbookFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	for _, entry := range cfg.Entries {
		if entry.Category == "" || !models.KnownAction(entry.Action) {
			logger.Warn("skipping invalid runbook entry", slog.String("category", string(entry.Category)), slog.String("action", string(entry.Action)))
			continue
		}
		rb.entries[entry.Category] = entry
	}
	return rb, nil
}

// Entry returns the mapping for a category. Unknown categories map to NOOP
// so the fallback never fails to produce an action.
func (r *Runbook) Entry(category models.Category) RunbookEntry {
	if r != nil {
		if entry, ok := r.entries[category]; ok {
			return entry
		}
	}
	return RunbookEntry{
		Category:  category,
		Action:    models.ActionNoop,
		Rationale: "no runbook entry for category " + string(category),
	}
}

func defaultEntries() map[models.Category]RunbookEntry {
	defaults := []RunbookEntry{
		{Category: models.CategoryCPUSpike, Action: models.ActionScaleUp, Rationale: "cpu saturation relieved by adding capacity"},
		{Category: models.CategoryBadDeploy, Action: models.ActionRollback, Rationale: "revert the faulty version"},
		{Category: models.CategoryMemoryLeak, Action: models.ActionRestart, Rationale: "restart reclaims leaked memory"},
		{Category: models.CategoryPoolExhaust, Action: models.ActionCircuitBreaker, Rationale: "shed load until the pool recovers"},
		{Category: models.CategoryErrorBurst, Action: models.ActionRestart, Rationale: "restart clears wedged request handling"},
		{Category: models.CategoryLatency, Action: models.ActionScaleUp, Rationale: "spread load to restore latency headroom"},
	}
	entries := make(map[models.Category]RunbookEntry, len(defaults))
	for _, entry := range defaults {
		entries[entry.Category] = entry
	}
	return entries
}
