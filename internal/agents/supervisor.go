package agents

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-remediate/internal/utils"
)

// Agent is a long-running role hosted by the supervisor.
type Agent interface {
	Name() string
	Run(ctx context.Context) error
}

// Supervisor runs the agent roles as one group. The first agent failure
// cancels the rest; context cancellation is the normal shutdown path.
type Supervisor struct {
	agents []Agent
	logger *slog.Logger
}

// NewSupervisor groups agents under a shared lifecycle.
func NewSupervisor(logger *slog.Logger, agents ...Agent) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		agents: agents,
		logger: utils.ComponentLogger(logger, "supervisor"),
	}
}

// Run starts every agent and blocks until all have exited.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	for _, agent := range s.agents {
		s.logger.Info("starting agent", slog.String("agent", agent.Name()))
		g.Go(func() error {
			defer s.logger.Info("agent stopped", slog.String("agent", agent.Name()))
			if err := agent.Run(gCtx); err != nil {
				return fmt.Errorf("agent %s: %w", agent.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
