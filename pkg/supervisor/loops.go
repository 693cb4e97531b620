package supervisor

import (
	"context"
	"time"

	"github.com/SpideXD/mcp-swarm/pkg/events"
	"github.com/SpideXD/mcp-swarm/pkg/logger"
	"github.com/SpideXD/mcp-swarm/pkg/workers"
)

// reaperLoop kills scaled pool instances that have sat idle past the
// idle-kill threshold. Primaries and session-owned instances are never
// touched: primaries are the declared baseline, and session instances die
// with their session.
func (s *Supervisor) reaperLoop(ctx context.Context) {
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.reapIdle(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) reapIdle(now time.Time) {
	if s.isStopped() {
		return
	}

	s.mu.RLock()
	var candidates []*Instance
	for _, inst := range s.instances {
		if inst.isPrimary() || inst.isSessionOwned() {
			continue
		}
		busy, lastActive := inst.idleSince()
		if !busy && now.Sub(lastActive) >= s.opts.IdleKill {
			candidates = append(candidates, inst)
		}
	}
	s.mu.RUnlock()

	for _, inst := range candidates {
		unlock := s.spawnLocks.lock(inst.baseName)
		// The pool may have been stopped or the instance reused while this
		// sweep waited for the lock.
		if s.lookup(inst.internalName) != inst {
			unlock()
			continue
		}
		busy, lastActive := inst.idleSince()
		if busy || now.Sub(lastActive) < s.opts.IdleKill {
			unlock()
			continue
		}
		logger.Infow("reaping idle pool instance", "instance", inst.internalName, "idle", now.Sub(lastActive))
		s.queue.UnregisterInstance(inst.baseName, inst.internalName)
		s.cancelReconnect(inst.internalName)
		s.remove(inst)
		s.shutdownInstance(inst)
		unlock()
	}
}

// healthLoop probes every connected primary on the configured interval.
// A failed probe restarts just that worker; probes never touch scaled or
// session-owned instances.
func (s *Supervisor) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.probeAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) probeAll(ctx context.Context) {
	if s.isStopped() {
		return
	}

	s.mu.RLock()
	var primaries []*Instance
	for _, inst := range s.instances {
		if inst.isPrimary() && inst.State() == workers.StateConnected {
			primaries = append(primaries, inst)
		}
	}
	s.mu.RUnlock()

	for _, inst := range primaries {
		go s.probe(ctx, inst)
	}
}

func (s *Supervisor) probe(ctx context.Context, inst *Instance) {
	c := inst.Client()
	if c == nil {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, s.opts.HealthTimeout)
	defer cancel()

	if _, err := c.ListTools(probeCtx); err != nil {
		logger.Warnw("health probe failed, restarting worker", "instance", inst.internalName, "error", err)
		s.bus.Publish(events.TypeWorkerState, map[string]any{
			"name":   inst.internalName,
			"base":   inst.baseName,
			"state":  "restarting",
			"reason": "health_check_failed",
		})
		if _, err := s.Restart(ctx, inst.baseName); err != nil {
			logger.Warnw("health restart failed", "base", inst.baseName, "error", err)
		}
	}
}
