package supervisor

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/SpideXD/mcp-swarm/pkg/workers"
	workerclient "github.com/SpideXD/mcp-swarm/pkg/workers/client"
)

// sessionIndex marks session-owned instances. They live in the base's pool
// but outside its index sequence: the pool index invariant (one primary at
// 0, scaled copies at distinct positive positions) only covers queue-fed
// instances, and session copies never enter the queue.
const sessionIndex = -1

// Instance is one live attempt to run a worker. All mutable fields are
// guarded by mu; callMu serializes tool calls so each instance has at most
// one call in flight.
type Instance struct {
	internalName string
	baseName     string
	index        int

	mu             sync.Mutex
	config         *workers.Config
	state          workers.State
	client         workerclient.Client
	pid            int
	tools          []workers.ToolDescriptor
	lastError      string
	reconnectCount int
	busy           bool
	lastActiveAt   time.Time

	// callMu is the busy gate: held for the duration of one tool call.
	callMu sync.Mutex

	// reconnectDelay produces the crash-restart backoff schedule. Created
	// on first crash, reset on successful reconnect.
	reconnectDelay *backoff.ExponentialBackOff
}

func newInstance(internalName string, index int, cfg *workers.Config) *Instance {
	return &Instance{
		internalName: internalName,
		baseName:     workers.BaseName(internalName),
		index:        index,
		config:       cfg,
		state:        workers.StateConnecting,
		lastActiveAt: time.Now(),
	}
}

// InternalName returns the name the instance is indexed under.
func (i *Instance) InternalName() string { return i.internalName }

// BaseName returns the declared worker name the instance belongs to.
func (i *Instance) BaseName() string { return i.baseName }

// isPrimary reports whether this is the index-0 instance of its base.
func (i *Instance) isPrimary() bool { return i.index == 0 }

// isSessionOwned reports whether the instance belongs to one session.
func (i *Instance) isSessionOwned() bool { return i.index == sessionIndex }

// State returns the current lifecycle state.
func (i *Instance) State() workers.State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Instance) setState(state workers.State) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = state
}

// Client returns the live worker client, or nil during transitions.
func (i *Instance) Client() workerclient.Client {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.client
}

func (i *Instance) setClient(c workerclient.Client) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.client = c
}

// Config returns the instance's config. For derived instances this is a
// clone of the primary's; treat it as read-only.
func (i *Instance) Config() *workers.Config {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.config
}

// markActive stamps the activity clock used by the idle reaper.
func (i *Instance) markActive() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lastActiveAt = time.Now()
}

func (i *Instance) setBusy(busy bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.busy = busy
	i.lastActiveAt = time.Now()
}

// idleSince reports busy state and last activity together so the reaper
// reads one consistent view.
func (i *Instance) idleSince() (bool, time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.busy, i.lastActiveAt
}

// nextReconnectDelay returns the delay before the next reconnect attempt,
// growing the exponential schedule from the given base.
func (i *Instance) nextReconnectDelay(base time.Duration) time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.reconnectDelay == nil {
		i.reconnectDelay = &backoff.ExponentialBackOff{
			InitialInterval:     base,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         time.Minute,
		}
		i.reconnectDelay.Reset()
	}
	return i.reconnectDelay.NextBackOff()
}

// resetReconnect clears the backoff state after a successful reconnect.
func (i *Instance) resetReconnect() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.reconnectCount = 0
	if i.reconnectDelay != nil {
		i.reconnectDelay.Reset()
	}
}

// Snapshot returns a read-only copy for the control plane.
func (i *Instance) Snapshot() workers.InstanceSnapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return workers.InstanceSnapshot{
		InternalName:   i.internalName,
		BaseName:       i.baseName,
		Index:          i.index,
		Config:         i.config.Clone(),
		State:          i.state,
		PID:            i.pid,
		Tools:          append([]workers.ToolDescriptor(nil), i.tools...),
		LastError:      i.lastError,
		ReconnectCount: i.reconnectCount,
		Busy:           i.busy,
		LastActiveAt:   i.lastActiveAt,
	}
}
