// Package queue implements the per-worker admission queue. Each worker base
// gets a FIFO of pending tool calls and an ordered list of registered pool
// instances; the queue dispatches calls onto idle instances, expires stale
// calls, and signals the supervisor when a pool is saturated long enough to
// deserve another instance.
//
// The queue holds no reference to the supervisor. The two callbacks supplied
// at construction (execute, scale-up) are the only edges back, which keeps
// the dependency graph acyclic.
package queue

import (
	"context"
	"sync"
	"time"

	swarmerrors "github.com/SpideXD/mcp-swarm/pkg/errors"
	"github.com/SpideXD/mcp-swarm/pkg/logger"
	"github.com/SpideXD/mcp-swarm/pkg/workers"
)

const tickInterval = time.Second

// ExecuteFunc runs one tool call on a specific pool instance. Supplied by
// the supervisor.
type ExecuteFunc func(ctx context.Context, internalName, tool string, args map[string]any) (*workers.CallResult, error)

// ScaleUpFunc asks the supervisor to grow the pool for a base. Invoked at
// most once per pending interval; the supervisor reports back through
// ScaleUpResolved.
type ScaleUpFunc func(base string)

// Options configures queue behavior.
type Options struct {
	// TTL is how long a call may sit queued before it is rejected (default 60 s).
	TTL time.Duration
	// ScaleUpWait is how long the queue head must wait with every instance
	// busy before a scale-up is signalled (default 5 s).
	ScaleUpWait time.Duration
}

// Queue is the admission queue over all worker bases.
type Queue struct {
	mu    sync.Mutex
	pools map[string]*basePool

	execute ExecuteFunc
	scaleUp ScaleUpFunc

	ttl         time.Duration
	scaleUpWait time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

type basePool struct {
	calls        []*queuedCall
	instances    []*instanceSlot
	scalePending bool
}

type instanceSlot struct {
	name string
	busy bool
}

type queuedCall struct {
	tool       string
	args       map[string]any
	enqueuedAt time.Time

	resolveOnce sync.Once
	done        chan outcome
}

type outcome struct {
	result *workers.CallResult
	err    error
}

func (c *queuedCall) resolve(result *workers.CallResult, err error) {
	c.resolveOnce.Do(func() {
		c.done <- outcome{result: result, err: err}
	})
}

// New creates an admission queue wired to the supervisor's callbacks.
func New(execute ExecuteFunc, scaleUp ScaleUpFunc, opts Options) *Queue {
	if opts.TTL <= 0 {
		opts.TTL = 60 * time.Second
	}
	if opts.ScaleUpWait <= 0 {
		opts.ScaleUpWait = 5 * time.Second
	}
	return &Queue{
		pools:       make(map[string]*basePool),
		execute:     execute,
		scaleUp:     scaleUp,
		ttl:         opts.TTL,
		scaleUpWait: opts.ScaleUpWait,
		stopCh:      make(chan struct{}),
	}
}

// Start runs the 1 Hz maintenance tick until Stop or context cancellation.
func (q *Queue) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				q.tick(time.Now())
			case <-ctx.Done():
				return
			case <-q.stopCh:
				return
			}
		}
	}()
}

// Stop halts the maintenance tick. Queued calls are not rejected; use Drain
// per base for that.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
}

func (q *Queue) pool(base string) *basePool {
	p, ok := q.pools[base]
	if !ok {
		p = &basePool{}
		q.pools[base] = p
	}
	return p
}

// Enqueue submits a call for base and blocks until it completes, expires, or
// the pool is drained. The caller's context abandons the wait but does not
// recall the queued entry; the TTL sweep owns its lifetime after that.
func (q *Queue) Enqueue(ctx context.Context, base, tool string, args map[string]any) (*workers.CallResult, error) {
	call := &queuedCall{
		tool:       tool,
		args:       args,
		enqueuedAt: time.Now(),
		done:       make(chan outcome, 1),
	}

	q.mu.Lock()
	p := q.pool(base)
	p.calls = append(p.calls, call)
	q.dispatchLocked(base, p)
	q.mu.Unlock()

	select {
	case out := <-call.done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, swarmerrors.NewCancelledError("caller abandoned queued call to "+base, ctx.Err())
	}
}

// RegisterInstance adds a pool instance in registration order and attempts
// an immediate dispatch.
func (q *Queue) RegisterInstance(base, internalName string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	p := q.pool(base)
	for _, slot := range p.instances {
		if slot.name == internalName {
			return
		}
	}
	p.instances = append(p.instances, &instanceSlot{name: internalName})
	q.dispatchLocked(base, p)
}

// UnregisterInstance removes a pool instance. Any call already executing on
// it runs to completion.
func (q *Queue) UnregisterInstance(base, internalName string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, ok := q.pools[base]
	if !ok {
		return
	}
	for i, slot := range p.instances {
		if slot.name == internalName {
			p.instances = append(p.instances[:i], p.instances[i+1:]...)
			return
		}
	}
}

// Drain rejects every queued call for base with a server-stopped error,
// clears the instance list and the pending scale-up flag.
func (q *Queue) Drain(base string) {
	q.mu.Lock()
	p, ok := q.pools[base]
	if !ok {
		q.mu.Unlock()
		return
	}
	calls := p.calls
	p.calls = nil
	p.instances = nil
	p.scalePending = false
	q.mu.Unlock()

	for _, call := range calls {
		call.resolve(nil, swarmerrors.NewCancelledError("server stopped", nil))
	}
}

// ScaleUpResolved clears the pending scale-up flag for base, re-arming the
// scale check. Called by the supervisor whether the scale-up succeeded or not.
func (q *Queue) ScaleUpResolved(base string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p, ok := q.pools[base]; ok {
		p.scalePending = false
	}
}

// Depth returns the number of queued calls for base.
func (q *Queue) Depth(base string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p, ok := q.pools[base]; ok {
		return len(p.calls)
	}
	return 0
}

// dispatchLocked pairs idle instances with queued calls until one side runs
// out. Instances are scanned in registration order; calls leave in FIFO
// order. Callers hold q.mu.
func (q *Queue) dispatchLocked(base string, p *basePool) {
	for _, slot := range p.instances {
		if len(p.calls) == 0 {
			return
		}
		if slot.busy {
			continue
		}
		call := p.calls[0]
		p.calls = p.calls[1:]
		slot.busy = true
		go q.run(base, slot.name, call)
	}
}

// run executes one dispatched call and re-triggers dispatch afterwards.
// Execution deliberately uses a fresh context: an abandoned caller must not
// cancel work already running on the worker.
func (q *Queue) run(base, internalName string, call *queuedCall) {
	result, err := q.execute(context.Background(), internalName, call.tool, call.args)
	call.resolve(result, err)

	q.mu.Lock()
	p, ok := q.pools[base]
	if ok {
		for _, slot := range p.instances {
			if slot.name == internalName {
				slot.busy = false
				break
			}
		}
		q.dispatchLocked(base, p)
	}
	q.mu.Unlock()
}

// tick expires stale calls and checks each pool for scale-up pressure.
func (q *Queue) tick(now time.Time) {
	type scaleTarget struct{ base string }

	var expired []*queuedCall
	var targets []scaleTarget

	q.mu.Lock()
	for base, p := range q.pools {
		// Expire before the scale check so a stale head cannot trigger a
		// pointless scale-up.
		kept := p.calls[:0]
		for _, call := range p.calls {
			if now.Sub(call.enqueuedAt) >= q.ttl {
				expired = append(expired, call)
			} else {
				kept = append(kept, call)
			}
		}
		p.calls = kept

		if len(p.calls) == 0 || len(p.instances) == 0 || p.scalePending {
			continue
		}
		allBusy := true
		for _, slot := range p.instances {
			if !slot.busy {
				allBusy = false
				break
			}
		}
		if allBusy && now.Sub(p.calls[0].enqueuedAt) >= q.scaleUpWait {
			p.scalePending = true
			targets = append(targets, scaleTarget{base: base})
		}
	}
	q.mu.Unlock()

	for _, call := range expired {
		call.resolve(nil, swarmerrors.NewTimeoutError("queued call expired after "+q.ttl.String(), nil))
	}
	for _, target := range targets {
		logger.Debugw("admission queue requesting scale-up", "base", target.base)
		go q.scaleUp(target.base)
	}
}
