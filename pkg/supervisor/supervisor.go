// Package supervisor owns the live index of worker instances and every
// transition between lifecycle states: spawn, stop, crash-reconnect, pool
// scale-up, idle reaping, health probing and session-scoped isolation.
// All other components either feed calls into it (session layer, admission
// queue) or observe it (event bus, control plane).
package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/SpideXD/mcp-swarm/pkg/config"
	swarmerrors "github.com/SpideXD/mcp-swarm/pkg/errors"
	"github.com/SpideXD/mcp-swarm/pkg/events"
	"github.com/SpideXD/mcp-swarm/pkg/logger"
	"github.com/SpideXD/mcp-swarm/pkg/queue"
	"github.com/SpideXD/mcp-swarm/pkg/store"
	"github.com/SpideXD/mcp-swarm/pkg/workers"
	workerclient "github.com/SpideXD/mcp-swarm/pkg/workers/client"
)

const (
	reconnectBaseDelay   = 2 * time.Second
	maxReconnectAttempts = 3
	reaperInterval       = 10 * time.Second
	pidKillGrace         = 2 * time.Second
)

// Options tunes supervisor behavior. Zero values fall back to the defaults
// from pkg/config.
type Options struct {
	MaxPool        int
	ScaleUpWait    time.Duration
	IdleKill       time.Duration
	QueueTTL       time.Duration
	HealthInterval time.Duration
	HealthTimeout  time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxPool <= 0 {
		o.MaxPool = 4
	}
	if o.ScaleUpWait <= 0 {
		o.ScaleUpWait = 5 * time.Second
	}
	if o.IdleKill <= 0 {
		o.IdleKill = time.Minute
	}
	if o.QueueTTL <= 0 {
		o.QueueTTL = time.Minute
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = 10 * time.Second
	}
	// HealthInterval zero stays zero: it means the watchdog is disabled.
}

// Supervisor is the singleton worker runtime shared by every session.
type Supervisor struct {
	opts    Options
	store   store.Store
	bus     events.Bus
	factory workerclient.Factory
	queue   *queue.Queue

	mu        sync.RWMutex
	instances map[string]*Instance

	spawnLocks   *mutexMap // per base
	sessionLocks *mutexMap // per session|base

	timersMu sync.Mutex
	timers   map[string]*time.Timer // pending reconnects by internal name

	sessionsMu  sync.Mutex
	sessionInst map[string]map[string]string // session -> base -> internal name
	sessionDirs map[string][]string          // session -> temp dirs to remove

	// reconnectBase is the first backoff step after a crash. Fixed in
	// production; shortened by tests.
	reconnectBase time.Duration

	loopCtx    context.Context
	loopCancel context.CancelFunc

	stoppedMu sync.Mutex
	stopped   bool
}

// New builds a supervisor over the given persistence gateway, event bus and
// worker-client factory.
func New(st store.Store, bus events.Bus, factory workerclient.Factory, opts Options) *Supervisor {
	opts.applyDefaults()
	s := &Supervisor{
		opts:          opts,
		store:         st,
		bus:           bus,
		factory:       factory,
		reconnectBase: reconnectBaseDelay,
		instances:     make(map[string]*Instance),
		spawnLocks:    newMutexMap(),
		sessionLocks:  newMutexMap(),
		timers:        make(map[string]*time.Timer),
		sessionInst:   make(map[string]map[string]string),
		sessionDirs:   make(map[string][]string),
	}
	s.queue = queue.New(s.executeOnInstance, s.handleScaleUp, queue.Options{
		TTL:         opts.QueueTTL,
		ScaleUpWait: opts.ScaleUpWait,
	})
	return s
}

// Queue exposes the admission queue for observability endpoints.
func (s *Supervisor) Queue() *queue.Queue { return s.queue }

// Start launches the queue tick, the idle reaper and the health watchdog.
func (s *Supervisor) Start(ctx context.Context) {
	s.loopCtx, s.loopCancel = context.WithCancel(ctx)
	s.queue.Start(s.loopCtx)
	go s.reaperLoop(s.loopCtx)
	if s.opts.HealthInterval > 0 {
		go s.healthLoop(s.loopCtx)
	}
}

func (s *Supervisor) isStopped() bool {
	s.stoppedMu.Lock()
	defer s.stoppedMu.Unlock()
	return s.stopped
}

// Declare creates or replaces the primary instance for cfg.Name. An
// existing primary (and its pool) is stopped first. The returned snapshot
// may be in the error state; the instance stays indexed either way so its
// failure is observable.
func (s *Supervisor) Declare(ctx context.Context, cfg *workers.Config) (workers.InstanceSnapshot, error) {
	if err := cfg.Validate(); err != nil {
		return workers.InstanceSnapshot{}, swarmerrors.NewBadInputError(err.Error(), nil)
	}
	cfg = cfg.Clone()
	// Well-known stateful names get the flag even when the caller omits it.
	if !cfg.Stateful && config.StatefulNames[cfg.Name] {
		cfg.Stateful = true
	}

	unlock := s.spawnLocks.lock(cfg.Name)
	defer unlock()

	if s.lookup(cfg.Name) != nil {
		s.stopBase(cfg.Name)
	}

	inst := newInstance(cfg.Name, 0, cfg)
	s.insert(inst)
	s.bus.Publish(events.TypeWorkerAdded, map[string]any{"name": cfg.Name})
	s.publishState(inst, "")

	if err := s.connectInstance(ctx, inst); err != nil {
		return inst.Snapshot(), err
	}
	s.queue.RegisterInstance(cfg.Name, cfg.Name)
	return inst.Snapshot(), nil
}

// Stop stops the named base: cancels pending reconnects, drains its queue,
// unregisters and closes every pool instance, and removes them from the
// live index. Idempotent.
func (s *Supervisor) Stop(name string) {
	unlock := s.spawnLocks.lock(name)
	defer unlock()
	s.stopBase(name)
}

// stopBase does the actual teardown. Callers hold the base's spawn lock.
func (s *Supervisor) stopBase(base string) {
	s.queue.Drain(base)

	s.mu.Lock()
	var pool []*Instance
	for name, inst := range s.instances {
		if inst.baseName == base {
			pool = append(pool, inst)
			delete(s.instances, name)
		}
	}
	s.mu.Unlock()

	if len(pool) == 0 {
		return
	}

	for _, inst := range pool {
		s.cancelReconnect(inst.internalName)
		s.shutdownInstance(inst)
	}
	s.dropSessionMappings(base)
	s.bus.Publish(events.TypeWorkerRemoved, map[string]any{"name": base})
}

// shutdownInstance closes one instance's client and marks it stopped. The
// instance must already be out of the live index.
func (s *Supervisor) shutdownInstance(inst *Instance) {
	inst.mu.Lock()
	c := inst.client
	inst.client = nil
	inst.state = workers.StateStopped
	inst.mu.Unlock()

	if c != nil {
		// Close is internally bounded by a single 5 s budget that covers the
		// protocol client and its transport together; there is no separate
		// transport budget.
		_ = c.Close()
	}
	if inst.Config().Transport == workers.TransportStdio {
		if err := s.store.DeletePID(context.Background(), inst.internalName); err != nil {
			logger.Debugw("failed to clear pid record", "instance", inst.internalName, "error", err)
		}
	}
	s.publishState(inst, "")
}

// StopAll stops every pool and pauses the periodic loops. Used on shutdown
// and before the daemon exits.
func (s *Supervisor) StopAll() {
	s.stoppedMu.Lock()
	s.stopped = true
	s.stoppedMu.Unlock()

	if s.loopCancel != nil {
		s.loopCancel()
	}
	s.queue.Stop()

	for _, base := range s.liveBases() {
		s.Stop(base)
	}
}

func (s *Supervisor) liveBases() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var bases []string
	for _, inst := range s.instances {
		if !seen[inst.baseName] {
			seen[inst.baseName] = true
			bases = append(bases, inst.baseName)
		}
	}
	sort.Strings(bases)
	return bases
}

// Restart stops the base and declares it again from its current config.
func (s *Supervisor) Restart(ctx context.Context, name string) (workers.InstanceSnapshot, error) {
	inst := s.lookup(name)
	if inst == nil {
		return workers.InstanceSnapshot{}, swarmerrors.NewNotFoundError("no live worker named "+name, nil)
	}
	cfg := inst.Config().Clone()
	s.Stop(name)
	return s.Declare(ctx, cfg)
}

// Call invokes a tool directly on the primary of base, bypassing the
// admission queue. Absent or unconnected targets yield an error result
// rather than an error: the failure belongs in the protocol payload.
func (s *Supervisor) Call(ctx context.Context, base, tool string, args map[string]any) *workers.CallResult {
	inst := s.lookup(base)
	if inst == nil {
		return workers.ErrorResult("no worker named %q", base)
	}
	if inst.State() != workers.StateConnected {
		return workers.ErrorResult("worker %q is not connected (state: %s)", base, inst.State())
	}
	result, err := s.executeOnInstance(ctx, base, tool, args)
	if err != nil {
		return workers.ErrorResult("%s", err.Error())
	}
	return result
}

// CallQueued is the concurrency-aware call path. Session calls against a
// stateful base route to that session's dedicated instance; everything else
// goes through the admission queue.
func (s *Supervisor) CallQueued(ctx context.Context, base, tool string, args map[string]any, sessionID string) (*workers.CallResult, error) {
	if s.isStopped() {
		return nil, swarmerrors.NewCancelledError("server stopped", nil)
	}
	primary := s.lookup(base)
	if primary == nil {
		return nil, swarmerrors.NewNotFoundError("no worker named "+base, nil)
	}

	s.bus.Publish(events.TypeToolCall, map[string]any{
		"server": base, "tool": tool, "session": workers.SessionPrefix(sessionID),
	})
	started := time.Now()

	var (
		result *workers.CallResult
		err    error
	)
	if sessionID != "" && primary.Config().Stateful {
		result, err = s.callSessionInstance(ctx, sessionID, base, tool, args)
	} else {
		result, err = s.queue.Enqueue(ctx, base, tool, args)
	}

	isError := err != nil || (result != nil && result.IsError)
	s.bus.Publish(events.TypeToolResult, map[string]any{
		"server": base, "tool": tool, "is_error": isError,
		"duration_ms": time.Since(started).Milliseconds(),
	})
	return result, err
}

// executeOnInstance runs one tool call on a specific instance. It is the
// queue's execute callback and the direct-dispatch path for session-owned
// instances. The per-instance call mutex keeps at most one call in flight.
func (s *Supervisor) executeOnInstance(ctx context.Context, internalName, tool string, args map[string]any) (*workers.CallResult, error) {
	inst := s.lookup(internalName)
	if inst == nil {
		return nil, swarmerrors.NewNotFoundError("no instance named "+internalName, nil)
	}
	if inst.State() != workers.StateConnected {
		return nil, swarmerrors.NewNotConnectedError(
			fmt.Sprintf("instance %s is %s", internalName, inst.State()), nil)
	}
	c := inst.Client()
	if c == nil {
		return nil, swarmerrors.NewNotConnectedError("instance "+internalName+" has no live client", nil)
	}

	inst.callMu.Lock()
	defer inst.callMu.Unlock()

	inst.setBusy(true)
	defer inst.setBusy(false)

	return c.CallTool(ctx, tool, args)
}

// lookup returns the live instance indexed under internalName, or nil.
func (s *Supervisor) lookup(internalName string) *Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instances[internalName]
}

func (s *Supervisor) insert(inst *Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.internalName] = inst
}

// remove drops an instance from the live index if it is still the one
// registered under its name.
func (s *Supervisor) remove(inst *Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.instances[inst.internalName] == inst {
		delete(s.instances, inst.internalName)
	}
}

// Get returns the snapshot of one live instance.
func (s *Supervisor) Get(internalName string) (workers.InstanceSnapshot, bool) {
	inst := s.lookup(internalName)
	if inst == nil {
		return workers.InstanceSnapshot{}, false
	}
	return inst.Snapshot(), true
}

// List returns snapshots of every live instance, ordered by internal name.
func (s *Supervisor) List() []workers.InstanceSnapshot {
	s.mu.RLock()
	instances := make([]*Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		instances = append(instances, inst)
	}
	s.mu.RUnlock()

	sort.Slice(instances, func(i, j int) bool {
		return instances[i].internalName < instances[j].internalName
	})
	snapshots := make([]workers.InstanceSnapshot, 0, len(instances))
	for _, inst := range instances {
		snapshots = append(snapshots, inst.Snapshot())
	}
	return snapshots
}

// StderrTail returns the captured stderr ring of a stdio worker.
func (s *Supervisor) StderrTail(internalName string) ([]string, error) {
	inst := s.lookup(internalName)
	if inst == nil {
		return nil, swarmerrors.NewNotFoundError("no live worker named "+internalName, nil)
	}
	c := inst.Client()
	if c == nil {
		return nil, nil
	}
	return c.StderrTail(0), nil
}

// PoolSize returns how many queue-fed instances (primary + scaled) are live
// for base.
func (s *Supervisor) PoolSize(base string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, inst := range s.instances {
		if inst.baseName == base && !inst.isSessionOwned() {
			n++
		}
	}
	return n
}

func (s *Supervisor) publishState(inst *Instance, reason string) {
	data := map[string]any{
		"name":  inst.internalName,
		"base":  inst.baseName,
		"state": string(inst.State()),
	}
	if reason != "" {
		data["reason"] = reason
	}
	s.bus.Publish(events.TypeWorkerState, data)
}
