package supervisor

import (
	"context"
	"os"
	"strings"

	swarmerrors "github.com/SpideXD/mcp-swarm/pkg/errors"
	"github.com/SpideXD/mcp-swarm/pkg/logger"
	"github.com/SpideXD/mcp-swarm/pkg/workers"
)

// callSessionInstance routes a stateful call onto the calling session's
// dedicated instance, spawning it lazily on first use. Session instances
// bypass the admission queue entirely: they serve exactly one client, so
// the per-instance call mutex is all the serialization they need.
func (s *Supervisor) callSessionInstance(ctx context.Context, sessionID, base, tool string, args map[string]any) (*workers.CallResult, error) {
	if internal, ok := s.sessionInstance(sessionID, base); ok && s.lookup(internal) != nil {
		return s.executeOnInstance(ctx, internal, tool, args)
	}

	unlock := s.sessionLocks.lock(sessionID + "|" + base)
	// Re-check under the lock: a concurrent call from the same session may
	// have spawned the instance while this one waited.
	if internal, ok := s.sessionInstance(sessionID, base); ok && s.lookup(internal) != nil {
		unlock()
		return s.executeOnInstance(ctx, internal, tool, args)
	}

	internal, err := s.spawnSessionInstance(ctx, sessionID, base)
	unlock()
	if err != nil {
		return nil, err
	}
	return s.executeOnInstance(ctx, internal, tool, args)
}

// spawnSessionInstance clones the primary's config for one session and
// spawns the dedicated copy. Callers hold the (session, base) lock.
func (s *Supervisor) spawnSessionInstance(ctx context.Context, sessionID, base string) (string, error) {
	primary := s.lookup(base)
	if primary == nil {
		return "", swarmerrors.NewNotFoundError("no worker named "+base, nil)
	}

	internal := workers.SessionName(base, sessionID)
	cfg := primary.Config().Clone()
	s.mutateForSession(cfg, sessionID)

	inst := newInstance(internal, sessionIndex, cfg)
	s.insert(inst)
	s.publishState(inst, "session_spawn")
	logger.Infow("spawning session instance", "base", base, "instance", internal)

	if err := s.connectInstance(ctx, inst); err != nil {
		s.remove(inst)
		return "", swarmerrors.NewSpawnFailedError("failed to start session instance for "+base, err)
	}

	s.sessionsMu.Lock()
	if s.sessionInst[sessionID] == nil {
		s.sessionInst[sessionID] = make(map[string]string)
	}
	s.sessionInst[sessionID][base] = internal
	s.sessionsMu.Unlock()

	return internal, nil
}

// mutateForSession adjusts launch arguments for browser-automation workers
// so concurrent sessions do not share one browser profile. The heuristic is
// coarse on purpose: it matches the argument text, not the package.
func (s *Supervisor) mutateForSession(cfg *workers.Config, sessionID string) {
	if cfg.Transport != workers.TransportStdio {
		return
	}
	joined := strings.ToLower(strings.Join(append([]string{cfg.Command}, cfg.Args...), " "))
	switch {
	case strings.Contains(joined, "playwright"):
		cfg.Args = append(cfg.Args, "--isolated")
	case strings.Contains(joined, "puppeteer"):
		dir, err := os.MkdirTemp("", "swarm-profile-")
		if err != nil {
			logger.Warnw("failed to allocate profile directory, launching unisolated",
				"base", cfg.Name, "error", err)
			return
		}
		cfg.Args = append(cfg.Args, "--user-data-dir="+dir)
		s.recordSessionDir(sessionID, dir)
	}
}

func (s *Supervisor) recordSessionDir(sessionID, dir string) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sessionDirs[sessionID] = append(s.sessionDirs[sessionID], dir)
}

// sessionInstance looks up the dedicated instance name for (session, base).
func (s *Supervisor) sessionInstance(sessionID, base string) (string, bool) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	internal, ok := s.sessionInst[sessionID][base]
	return internal, ok
}

// SessionInstanceCount returns how many live instances the session owns.
func (s *Supervisor) SessionInstanceCount(sessionID string) int {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return len(s.sessionInst[sessionID])
}

// ReleaseSession stops and removes every instance owned by the session and
// deletes its temp directories. Called on session close and idle timeout.
func (s *Supervisor) ReleaseSession(sessionID string) {
	s.sessionsMu.Lock()
	mapping := s.sessionInst[sessionID]
	dirs := s.sessionDirs[sessionID]
	delete(s.sessionInst, sessionID)
	delete(s.sessionDirs, sessionID)
	s.sessionsMu.Unlock()

	for base, internal := range mapping {
		inst := s.lookup(internal)
		if inst == nil {
			continue
		}
		s.cancelReconnect(internal)
		s.remove(inst)
		s.shutdownInstance(inst)
		logger.Infow("released session instance", "base", base, "instance", internal, "session", workers.SessionPrefix(sessionID))
	}

	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warnw("failed to remove session profile directory", "dir", dir, "error", err)
		}
	}
}

// dropSessionMappings clears session mappings that point at base. Used when
// the whole base is stopped; the instances themselves are already gone.
func (s *Supervisor) dropSessionMappings(base string) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	for sessionID, mapping := range s.sessionInst {
		delete(mapping, base)
		if len(mapping) == 0 {
			delete(s.sessionInst, sessionID)
		}
	}
}
