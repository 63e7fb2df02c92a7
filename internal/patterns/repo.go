package patterns

import (
	"context"

	"github.com/miradorstack/mirador-remediate/internal/models"
)

// StoreFunc adapts a function to the Store interface.
type StoreFunc func(ctx context.Context, patterns []models.RemediationPattern) error

// StorePatterns implements Store.
func (f StoreFunc) StorePatterns(ctx context.Context, patterns []models.RemediationPattern) error {
	return f(ctx, patterns)
}
