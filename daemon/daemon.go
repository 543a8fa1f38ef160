package daemon

import (
	"context"
	"errors"
	"time"
)

// shutdownBudget bounds graceful teardown once the run context ends.
const shutdownBudget = 15 * time.Second

// Run starts the health monitor and keeps the runtime alive until ctx ends,
// then tears everything down. The caller typically hands in a
// signal.NotifyContext so Ctrl+C lands here.
func Run(ctx context.Context, c *Container) error {
	if err := c.monitor.Start(ctx); err != nil {
		return err
	}
	c.logger.Info("skillhost daemon running",
		"data_dir", c.settings.DataDir,
		"skills", len(c.reg.List()),
		"mode", string(c.settings.Mode))

	<-ctx.Done()
	c.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()

	// Monitor first so no sweep races the pool teardown, then the
	// processes and the ledger with nothing left probing them.
	err := errors.Join(
		c.monitor.Stop(shutdownCtx),
		c.Close(shutdownCtx),
	)
	if err != nil {
		return err
	}
	c.logger.Info("shutdown complete")
	return nil
}
