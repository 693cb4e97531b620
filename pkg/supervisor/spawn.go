package supervisor

import (
	"context"
	"strings"
	"time"

	"github.com/SpideXD/mcp-swarm/pkg/events"
	"github.com/SpideXD/mcp-swarm/pkg/logger"
	"github.com/SpideXD/mcp-swarm/pkg/workers"
)

// permanentFailureMarkers are stderr substrings that mean the worker can
// never start: the package does not exist or the command is missing.
// Matched case-insensitively; reconnecting would only reproduce the failure.
var permanentFailureMarkers = []string{
	"e404",
	"not found",
	"enoent",
	"command not found",
	"not in this registry",
}

// lastErrorTailLines is how much stderr context is folded into last_error.
const lastErrorTailLines = 5

// connectInstance builds a worker client for inst, connects it and caches
// the tool list. On success the instance is CONNECTED with a live client;
// on failure it is left in ERROR with last_error set, and the error is
// returned for the caller to surface.
func (s *Supervisor) connectInstance(ctx context.Context, inst *Instance) error {
	cfg := inst.Config()
	c := s.factory(cfg)

	c.OnToolsChanged(func(tools []workers.ToolDescriptor) {
		inst.mu.Lock()
		inst.tools = tools
		inst.mu.Unlock()
		logger.Debugw("tool cache refreshed", "instance", inst.internalName, "tools", len(tools))
	})
	c.OnClosed(func(err error) {
		s.handleClosed(inst, err)
	})

	if err := c.Connect(ctx); err != nil {
		msg := err.Error()
		if tail := c.StderrTail(lastErrorTailLines); len(tail) > 0 {
			msg += "\n" + strings.Join(tail, "\n")
		}
		inst.mu.Lock()
		inst.state = workers.StateError
		inst.lastError = msg
		inst.client = nil
		inst.mu.Unlock()
		go func() { _ = c.Close() }()
		s.publishState(inst, "connect_failed")
		return err
	}

	// Eagerly cache the tool list. A failure here is a warning, not an
	// error: the worker is up and the cache refreshes on the next probe or
	// change notification.
	tools, err := c.ListTools(ctx)
	if err != nil {
		logger.Warnw("connected but failed to list tools", "instance", inst.internalName, "error", err)
	}

	pid := c.PID()
	inst.mu.Lock()
	inst.client = c
	inst.state = workers.StateConnected
	inst.tools = tools
	inst.pid = pid
	inst.lastError = ""
	inst.lastActiveAt = time.Now()
	inst.mu.Unlock()

	if cfg.Transport == workers.TransportStdio && pid > 0 {
		if err := s.store.SetPID(context.Background(), inst.internalName, pid); err != nil {
			logger.Warnw("failed to record pid", "instance", inst.internalName, "error", err)
		}
	}
	s.publishState(inst, "")
	return nil
}

// handleClosed reacts to a transport becoming unusable. Depending on what
// the stderr tail reveals, the instance either stays in ERROR permanently
// or gets an exponential-backoff reconnect.
func (s *Supervisor) handleClosed(inst *Instance, cause error) {
	if s.isStopped() {
		return
	}
	// Only a connected instance can "close"; spawn failures and deliberate
	// stops have their own paths.
	inst.mu.Lock()
	if inst.state != workers.StateConnected {
		inst.mu.Unlock()
		return
	}
	inst.state = workers.StateError
	if cause != nil {
		inst.lastError = cause.Error()
	}
	client := inst.client
	reconnects := inst.reconnectCount
	inst.mu.Unlock()

	if s.lookup(inst.internalName) != inst {
		return
	}
	s.publishState(inst, "transport_closed")

	// Session-owned instances never reconnect; their lifecycle belongs to
	// the session.
	if inst.isSessionOwned() {
		return
	}

	if client != nil {
		if tail := client.StderrTail(0); hasPermanentFailure(tail) {
			last := tail
			if len(last) > lastErrorTailLines {
				last = last[len(last)-lastErrorTailLines:]
			}
			inst.mu.Lock()
			inst.lastError = strings.Join(last, "\n")
			inst.mu.Unlock()
			logger.Warnw("permanent failure detected, not reconnecting",
				"instance", inst.internalName, "stderr", strings.Join(last, " | "))
			return
		}
	}

	if reconnects >= maxReconnectAttempts {
		logger.Warnw("reconnect attempts exhausted", "instance", inst.internalName, "attempts", reconnects)
		return
	}
	s.scheduleReconnect(inst)
}

// hasPermanentFailure scans a stderr tail for markers of unstartable workers.
func hasPermanentFailure(tail []string) bool {
	for _, line := range tail {
		lower := strings.ToLower(line)
		for _, marker := range permanentFailureMarkers {
			if strings.Contains(lower, marker) {
				return true
			}
		}
	}
	return false
}

// scheduleReconnect arms the backoff timer for inst.
func (s *Supervisor) scheduleReconnect(inst *Instance) {
	delay := inst.nextReconnectDelay(s.reconnectBase)
	logger.Infow("scheduling reconnect", "instance", inst.internalName, "delay", delay)

	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if prev, ok := s.timers[inst.internalName]; ok {
		prev.Stop()
	}
	s.timers[inst.internalName] = time.AfterFunc(delay, func() {
		s.attemptReconnect(inst)
	})
}

// cancelReconnect stops any pending reconnect for the named instance.
func (s *Supervisor) cancelReconnect(internalName string) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if timer, ok := s.timers[internalName]; ok {
		timer.Stop()
		delete(s.timers, internalName)
	}
}

// attemptReconnect runs one reconnect attempt. A success resets the backoff
// state; a failure carries the attempt count forward and re-arms the timer
// until the attempts are exhausted.
func (s *Supervisor) attemptReconnect(inst *Instance) {
	s.timersMu.Lock()
	delete(s.timers, inst.internalName)
	s.timersMu.Unlock()

	if s.isStopped() || s.lookup(inst.internalName) != inst {
		return
	}

	unlock := s.spawnLocks.lock(inst.baseName)
	defer unlock()
	if s.lookup(inst.internalName) != inst {
		return
	}

	inst.mu.Lock()
	if inst.state != workers.StateError {
		inst.mu.Unlock()
		return
	}
	inst.state = workers.StateConnecting
	inst.reconnectCount++
	attempt := inst.reconnectCount
	old := inst.client
	inst.client = nil
	inst.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	s.publishState(inst, "reconnecting")
	logger.Infow("reconnecting worker", "instance", inst.internalName, "attempt", attempt)

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()
	if err := s.connectInstance(ctx, inst); err != nil {
		logger.Warnw("reconnect failed", "instance", inst.internalName, "attempt", attempt, "error", err)
		inst.mu.Lock()
		exhausted := inst.reconnectCount >= maxReconnectAttempts
		inst.mu.Unlock()
		if !exhausted {
			s.scheduleReconnect(inst)
		}
		return
	}

	inst.resetReconnect()
	s.queue.RegisterInstance(inst.baseName, inst.internalName)
	logger.Infow("reconnected worker", "instance", inst.internalName)
}

// handleScaleUp is the queue's scale-up callback. It clones the primary's
// config under the lowest free pool index and spawns the copy; whatever the
// outcome, the queue's pending flag is cleared so pressure can re-signal.
func (s *Supervisor) handleScaleUp(base string) {
	defer s.queue.ScaleUpResolved(base)

	if s.isStopped() {
		return
	}
	primary := s.lookup(base)
	if primary == nil {
		return
	}
	cfg := primary.Config()
	// Network workers are a single remote endpoint; stateful workers
	// isolate per session. Neither pools horizontally.
	if cfg.Transport != workers.TransportStdio || cfg.Stateful {
		return
	}

	unlock := s.spawnLocks.lock(base)
	defer unlock()
	if s.lookup(base) != primary {
		return
	}

	used := make(map[int]bool)
	poolSize := 0
	s.mu.RLock()
	for _, inst := range s.instances {
		if inst.baseName == base && !inst.isSessionOwned() {
			used[inst.index] = true
			poolSize++
		}
	}
	s.mu.RUnlock()

	if poolSize >= s.opts.MaxPool {
		return
	}
	k := 1
	for used[k] {
		k++
	}

	internal := workers.ScaledName(base, k)
	inst := newInstance(internal, k, cfg.Clone())
	s.insert(inst)
	s.publishState(inst, "scale_up")
	logger.Infow("scaling pool", "base", base, "instance", internal, "size", poolSize+1)

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()
	if err := s.connectInstance(ctx, inst); err != nil {
		logger.Warnw("scale-up spawn failed", "base", base, "instance", internal, "error", err)
		s.remove(inst)
		return
	}

	s.queue.RegisterInstance(base, internal)
	s.bus.Publish(events.TypePoolScaled, map[string]any{"base": base, "size": poolSize + 1})
}
