package supervisor

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/SpideXD/mcp-swarm/pkg/logger"
	"github.com/SpideXD/mcp-swarm/pkg/process"
)

// restoreConcurrency bounds how many workers spawn at once during startup.
const restoreConcurrency = 8

// Restore brings the daemon back to its declared state after a restart:
// orphaned child processes from the previous run are terminated, the pid
// table is cleared, and every persisted worker config is re-declared.
// Individual worker failures are logged and skipped; a half-restored swarm
// beats no swarm.
func (s *Supervisor) Restore(ctx context.Context) error {
	pids, err := s.store.ListPIDs(ctx)
	if err != nil {
		return err
	}
	for name, pid := range pids {
		if pid <= 0 {
			logger.Warnw("skipping invalid pid record", "worker", name, "pid", pid)
			continue
		}
		// The pid may have been reused by an unrelated process since the
		// last run; the existence probe keeps us from signalling blindly.
		if !process.Alive(pid) {
			continue
		}
		logger.Infow("terminating orphaned worker process", "worker", name, "pid", pid)
		if err := process.Terminate(pid, pidKillGrace); err != nil {
			logger.Warnw("failed to terminate orphan", "worker", name, "pid", pid, "error", err)
		}
	}
	if err := s.store.ClearPIDs(ctx); err != nil {
		return err
	}

	configs, err := s.store.ListWorkers(ctx)
	if err != nil {
		return err
	}
	if len(configs) == 0 {
		return nil
	}

	logger.Infow("restoring persisted workers", "count", len(configs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(restoreConcurrency)
	for _, cfg := range configs {
		g.Go(func() error {
			if _, err := s.Declare(ctx, cfg); err != nil {
				logger.Warnw("failed to restore worker", "worker", cfg.Name, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}
