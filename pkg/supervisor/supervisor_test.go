package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	swarmerrors "github.com/SpideXD/mcp-swarm/pkg/errors"
	"github.com/SpideXD/mcp-swarm/pkg/events"
	"github.com/SpideXD/mcp-swarm/pkg/store"
	"github.com/SpideXD/mcp-swarm/pkg/workers"
	workerclient "github.com/SpideXD/mcp-swarm/pkg/workers/client"
)

// fakeClient is a scriptable in-memory worker client.
type fakeClient struct {
	cfg *workers.Config

	mu         sync.Mutex
	connectErr error
	tools      []workers.ToolDescriptor
	callFn     func(tool string, args map[string]any) (*workers.CallResult, error)
	stderr     []string
	pid        int

	closedFn func(error)
	toolsFn  func([]workers.ToolDescriptor)

	connects atomic.Int32
	closes   atomic.Int32
}

func (f *fakeClient) Connect(context.Context) error {
	f.connects.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectErr
}

func (f *fakeClient) ListTools(context.Context) ([]workers.ToolDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tools, nil
}

func (f *fakeClient) CallTool(_ context.Context, tool string, args map[string]any) (*workers.CallResult, error) {
	f.mu.Lock()
	fn := f.callFn
	f.mu.Unlock()
	if fn != nil {
		return fn(tool, args)
	}
	return workers.TextResult("echo:" + tool), nil
}

func (f *fakeClient) OnToolsChanged(fn func([]workers.ToolDescriptor)) { f.toolsFn = fn }
func (f *fakeClient) OnClosed(fn func(err error))                      { f.closedFn = fn }

func (f *fakeClient) Close() error {
	f.closes.Add(1)
	return nil
}

func (f *fakeClient) PID() int { return f.pid }

func (f *fakeClient) StderrTail(n int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n > 0 && len(f.stderr) > n {
		return f.stderr[len(f.stderr)-n:]
	}
	return f.stderr
}

// crash simulates the transport closing out from under the supervisor.
func (f *fakeClient) crash(err error) {
	if f.closedFn != nil {
		f.closedFn(err)
	}
}

// fakeFactory builds fakeClients and remembers every one it made.
type fakeFactory struct {
	mu sync.Mutex
	// prepare, when set, customizes each new client.
	prepare func(*fakeClient)
	made    []*fakeClient
}

func (f *fakeFactory) factory(cfg *workers.Config) workerclient.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeClient{
		cfg:   cfg,
		tools: []workers.ToolDescriptor{{Name: "ping"}},
		pid:   1000 + len(f.made),
	}
	if f.prepare != nil {
		f.prepare(c)
	}
	f.made = append(f.made, c)
	return c
}

func (f *fakeFactory) clients() []*fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeClient(nil), f.made...)
}

func (f *fakeFactory) last() *fakeClient {
	clients := f.clients()
	if len(clients) == 0 {
		return nil
	}
	return clients[len(clients)-1]
}

func newTestSupervisor(t *testing.T, factory *fakeFactory) (*Supervisor, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore()
	bus := events.NewMemBus(events.MemBusConfig{})
	t.Cleanup(func() { _ = bus.Close() })

	s := New(st, bus, factory.factory, Options{
		MaxPool:     4,
		ScaleUpWait: 50 * time.Millisecond,
		IdleKill:    time.Minute,
		QueueTTL:    time.Minute,
	})
	s.reconnectBase = 10 * time.Millisecond
	t.Cleanup(s.StopAll)
	return s, st
}

func stdioConfig(name string) *workers.Config {
	return &workers.Config{
		Name:      name,
		Transport: workers.TransportStdio,
		Command:   "fake-server",
	}
}

func TestDeclareConnects(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	s, _ := newTestSupervisor(t, factory)

	snap, err := s.Declare(context.Background(), stdioConfig("fetch"))
	require.NoError(t, err)

	assert.Equal(t, workers.StateConnected, snap.State)
	assert.Equal(t, "fetch", snap.InternalName)
	assert.Equal(t, 0, snap.Index)
	assert.Equal(t, []workers.ToolDescriptor{{Name: "ping"}}, snap.Tools)
	assert.NotZero(t, snap.PID)
	assert.Zero(t, snap.ReconnectCount)
}

func TestDeclareRecordsPID(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	s, st := newTestSupervisor(t, factory)

	snap, err := s.Declare(context.Background(), stdioConfig("fetch"))
	require.NoError(t, err)

	pids, err := st.ListPIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snap.PID, pids["fetch"])
}

func TestDeclareInvalidConfig(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	s, _ := newTestSupervisor(t, factory)

	_, err := s.Declare(context.Background(), &workers.Config{Name: "x", Transport: workers.TransportStdio})
	assert.True(t, swarmerrors.IsBadInput(err))
}

func TestDeclareReplacesExistingPrimary(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	s, _ := newTestSupervisor(t, factory)

	_, err := s.Declare(context.Background(), stdioConfig("fetch"))
	require.NoError(t, err)
	first := factory.last()

	_, err = s.Declare(context.Background(), stdioConfig("fetch"))
	require.NoError(t, err)

	assert.Equal(t, int32(1), first.closes.Load(), "replaced client must be closed")
	assert.Len(t, s.List(), 1)
}

func TestDeclareSpawnFailureLeavesErrorState(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{prepare: func(c *fakeClient) {
		c.connectErr = errors.New("connect: connection refused")
	}}
	s, _ := newTestSupervisor(t, factory)

	snap, err := s.Declare(context.Background(), stdioConfig("fetch"))
	require.Error(t, err)
	assert.Equal(t, workers.StateError, snap.State)
	assert.Contains(t, snap.LastError, "connection refused")

	// The failed instance stays visible.
	got, ok := s.Get("fetch")
	require.True(t, ok)
	assert.Equal(t, workers.StateError, got.State)
}

func TestDeclareAutoSetsStatefulFromNameSet(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	s, _ := newTestSupervisor(t, factory)

	snap, err := s.Declare(context.Background(), stdioConfig("playwright"))
	require.NoError(t, err)
	assert.True(t, snap.Config.Stateful)

	snap, err = s.Declare(context.Background(), stdioConfig("fetch"))
	require.NoError(t, err)
	assert.False(t, snap.Config.Stateful)
}

func TestStopRemovesInstanceAndIsIdempotent(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	s, st := newTestSupervisor(t, factory)

	_, err := s.Declare(context.Background(), stdioConfig("fetch"))
	require.NoError(t, err)

	s.Stop("fetch")
	_, ok := s.Get("fetch")
	assert.False(t, ok)
	assert.Equal(t, int32(1), factory.last().closes.Load())

	pids, err := st.ListPIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pids)

	s.Stop("fetch") // no-op
	s.Stop("never-existed")
}

func TestRestartKeepsConfig(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	s, _ := newTestSupervisor(t, factory)

	cfg := stdioConfig("fetch")
	cfg.Args = []string{"--flag"}
	_, err := s.Declare(context.Background(), cfg)
	require.NoError(t, err)

	snap, err := s.Restart(context.Background(), "fetch")
	require.NoError(t, err)
	assert.Equal(t, []string{"--flag"}, snap.Config.Args)
	assert.Len(t, factory.clients(), 2)
}

func TestRestartUnknownWorker(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	s, _ := newTestSupervisor(t, factory)

	_, err := s.Restart(context.Background(), "ghost")
	assert.True(t, swarmerrors.IsNotFound(err))
}

func TestCallDirect(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	s, _ := newTestSupervisor(t, factory)

	_, err := s.Declare(context.Background(), stdioConfig("fetch"))
	require.NoError(t, err)

	res := s.Call(context.Background(), "fetch", "ping", nil)
	require.False(t, res.IsError)
	assert.Equal(t, "echo:ping", res.Content[0].Text)

	res = s.Call(context.Background(), "ghost", "ping", nil)
	assert.True(t, res.IsError)
}

func TestCallQueuedRoundTrip(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	s, _ := newTestSupervisor(t, factory)
	s.Start(context.Background())

	_, err := s.Declare(context.Background(), stdioConfig("fetch"))
	require.NoError(t, err)

	res, err := s.CallQueued(context.Background(), "fetch", "ping", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "echo:ping", res.Content[0].Text)
}

func TestCallQueuedUnknownBase(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	s, _ := newTestSupervisor(t, factory)

	_, err := s.CallQueued(context.Background(), "ghost", "ping", nil, "")
	assert.True(t, swarmerrors.IsNotFound(err))
}

func TestQueuedCallsRejectOnStop(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	s, _ := newTestSupervisor(t, factory)
	s.Start(context.Background())

	block := make(chan struct{})
	factory.prepare = func(c *fakeClient) {
		c.callFn = func(string, map[string]any) (*workers.CallResult, error) {
			<-block
			return workers.TextResult("late"), nil
		}
	}
	_, err := s.Declare(context.Background(), stdioConfig("slow"))
	require.NoError(t, err)

	// First call occupies the instance; the second sits in the queue.
	go func() { _, _ = s.CallQueued(context.Background(), "slow", "t", nil, "") }()
	require.Eventually(t, func() bool {
		busy, _ := s.lookup("slow").idleSince()
		return busy
	}, time.Second, time.Millisecond)

	queued := make(chan error, 1)
	go func() {
		_, err := s.CallQueued(context.Background(), "slow", "t", nil, "")
		queued <- err
	}()
	require.Eventually(t, func() bool { return s.queue.Depth("slow") == 1 }, time.Second, time.Millisecond)

	s.Stop("slow")

	select {
	case err := <-queued:
		require.Error(t, err)
		assert.True(t, swarmerrors.IsCancelled(err))
		assert.Contains(t, err.Error(), "server stopped")
	case <-time.After(5 * time.Second):
		t.Fatal("queued call hung through stop")
	}
	close(block)
}

func TestReconnectAfterCrash(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	s, _ := newTestSupervisor(t, factory)

	_, err := s.Declare(context.Background(), stdioConfig("fetch"))
	require.NoError(t, err)
	first := factory.last()

	first.crash(errors.New("process exited"))

	// The supervisor reconnects with a fresh client and resets the counter.
	require.Eventually(t, func() bool {
		snap, ok := s.Get("fetch")
		return ok && snap.State == workers.StateConnected && len(factory.clients()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	snap, _ := s.Get("fetch")
	assert.Zero(t, snap.ReconnectCount)
}

func TestReconnectExhaustionStaysInError(t *testing.T) {
	t.Parallel()

	// Every client after the first refuses to connect.
	var n atomic.Int32
	factory := &fakeFactory{}
	factory.prepare = func(c *fakeClient) {
		if n.Add(1) > 1 {
			c.connectErr = errors.New("connect: connection refused")
		}
	}
	s, _ := newTestSupervisor(t, factory)

	_, err := s.Declare(context.Background(), stdioConfig("fetch"))
	require.NoError(t, err)

	factory.clients()[0].crash(errors.New("process exited"))

	require.Eventually(t, func() bool {
		snap, ok := s.Get("fetch")
		return ok && snap.ReconnectCount == maxReconnectAttempts && snap.State == workers.StateError
	}, 5*time.Second, 10*time.Millisecond)

	// 1 original + 3 reconnect attempts, then nothing more.
	assert.Len(t, factory.clients(), 1+maxReconnectAttempts)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, factory.clients(), 1+maxReconnectAttempts)

	s.timersMu.Lock()
	pending := len(s.timers)
	s.timersMu.Unlock()
	assert.Zero(t, pending, "no further reconnect may be scheduled")
}

func TestPermanentFailureMarkerSkipsReconnect(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{prepare: func(c *fakeClient) {
		c.stderr = []string{
			"npm warn something",
			"npm error code E404",
			"npm error 404 'no-such-server' is not in this registry.",
		}
	}}
	s, _ := newTestSupervisor(t, factory)

	_, err := s.Declare(context.Background(), stdioConfig("broken"))
	require.NoError(t, err)

	factory.last().crash(errors.New("process exited"))

	require.Eventually(t, func() bool {
		snap, ok := s.Get("broken")
		return ok && snap.State == workers.StateError
	}, time.Second, time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, factory.clients(), 1, "permanent failures must not reconnect")

	snap, _ := s.Get("broken")
	assert.Contains(t, snap.LastError, "not in this registry")
}

func TestScaleUpClonesPrimary(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	s, _ := newTestSupervisor(t, factory)

	_, err := s.Declare(context.Background(), stdioConfig("fetch"))
	require.NoError(t, err)

	s.handleScaleUp("fetch")

	snap, ok := s.Get("fetch#1")
	require.True(t, ok)
	assert.Equal(t, 1, snap.Index)
	assert.Equal(t, workers.StateConnected, snap.State)
	assert.Equal(t, 2, s.PoolSize("fetch"))
}

func TestScaleUpPicksSmallestFreeIndex(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	s, _ := newTestSupervisor(t, factory)

	_, err := s.Declare(context.Background(), stdioConfig("fetch"))
	require.NoError(t, err)

	s.handleScaleUp("fetch") // #1
	s.handleScaleUp("fetch") // #2

	// Reap #1 by hand, then scale again: the free slot is reused.
	inst := s.lookup("fetch#1")
	require.NotNil(t, inst)
	s.queue.UnregisterInstance("fetch", "fetch#1")
	s.remove(inst)
	s.shutdownInstance(inst)

	s.handleScaleUp("fetch")
	_, ok := s.Get("fetch#1")
	assert.True(t, ok, "freed index must be reused")
}

func TestScaleUpRefusals(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	s, _ := newTestSupervisor(t, factory)

	// Network transport never scales.
	_, err := s.Declare(context.Background(), &workers.Config{
		Name: "remote", Transport: workers.TransportSSE, URL: "http://localhost:1/sse",
	})
	require.NoError(t, err)
	s.handleScaleUp("remote")
	assert.Equal(t, 1, s.PoolSize("remote"))

	// Stateful workers never scale.
	statefulCfg := stdioConfig("browser")
	statefulCfg.Stateful = true
	_, err = s.Declare(context.Background(), statefulCfg)
	require.NoError(t, err)
	s.handleScaleUp("browser")
	assert.Equal(t, 1, s.PoolSize("browser"))

	// The pool cap holds.
	_, err = s.Declare(context.Background(), stdioConfig("fetch"))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		s.handleScaleUp("fetch")
	}
	assert.Equal(t, s.opts.MaxPool, s.PoolSize("fetch"))
}

func TestIdleReaperKillsScaledNotPrimary(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	s, _ := newTestSupervisor(t, factory)

	_, err := s.Declare(context.Background(), stdioConfig("fetch"))
	require.NoError(t, err)
	s.handleScaleUp("fetch")
	require.Equal(t, 2, s.PoolSize("fetch"))

	// Far future: everything is long idle.
	s.reapIdle(time.Now().Add(time.Hour))

	_, ok := s.Get("fetch#1")
	assert.False(t, ok, "idle scaled instance must be reaped")
	snap, ok := s.Get("fetch")
	require.True(t, ok)
	assert.Equal(t, workers.StateConnected, snap.State, "primary is never reaped")
}

func TestIdleReaperSkipsBusyInstances(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	s, _ := newTestSupervisor(t, factory)

	_, err := s.Declare(context.Background(), stdioConfig("fetch"))
	require.NoError(t, err)
	s.handleScaleUp("fetch")

	inst := s.lookup("fetch#1")
	require.NotNil(t, inst)
	inst.setBusy(true)

	s.reapIdle(time.Now().Add(time.Hour))

	_, ok := s.Get("fetch#1")
	assert.True(t, ok, "busy instances must survive the reaper")
}

func TestHealthProbeRestartsFailingPrimary(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	s, _ := newTestSupervisor(t, factory)

	_, err := s.Declare(context.Background(), stdioConfig("fetch"))
	require.NoError(t, err)
	first := factory.last()

	// Swap in a client whose probe fails, then drive one probe by hand.
	failing := &failingProbeClient{fakeClient: first, err: errors.New("probe: no response")}
	inst := s.lookup("fetch")
	inst.mu.Lock()
	inst.client = failing
	inst.mu.Unlock()

	s.probe(context.Background(), inst)

	require.Eventually(t, func() bool {
		snap, ok := s.Get("fetch")
		return ok && snap.State == workers.StateConnected && len(factory.clients()) == 2
	}, 2*time.Second, 5*time.Millisecond, "probe failure must respawn the worker")
}

// failingProbeClient fails ListTools while delegating everything else.
type failingProbeClient struct {
	*fakeClient
	err error
}

func (f *failingProbeClient) ListTools(context.Context) ([]workers.ToolDescriptor, error) {
	return nil, f.err
}

func TestStopAllStopsEverything(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	s, _ := newTestSupervisor(t, factory)

	for _, name := range []string{"a", "b", "c"} {
		_, err := s.Declare(context.Background(), stdioConfig(name))
		require.NoError(t, err)
	}

	s.StopAll()
	assert.Empty(t, s.List())

	// New queued calls are rejected outright.
	_, err := s.CallQueued(context.Background(), "a", "t", nil, "")
	assert.True(t, swarmerrors.IsCancelled(err))
}

func TestToolsChangedUpdatesCache(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	s, _ := newTestSupervisor(t, factory)

	_, err := s.Declare(context.Background(), stdioConfig("fetch"))
	require.NoError(t, err)

	updated := []workers.ToolDescriptor{{Name: "ping"}, {Name: "fetch_url"}}
	factory.last().toolsFn(updated)

	snap, _ := s.Get("fetch")
	assert.Equal(t, updated, snap.Tools)
}

func TestRestore(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	s, st := newTestSupervisor(t, factory)
	ctx := context.Background()

	require.NoError(t, st.UpsertWorker(ctx, stdioConfig("fetch")))
	require.NoError(t, st.UpsertWorker(ctx, stdioConfig("files")))
	// A stale pid record with an invalid value must be skipped, not fatal.
	require.NoError(t, st.SetPID(ctx, "fetch", -4))

	require.NoError(t, s.Restore(ctx))

	for _, name := range []string{"fetch", "files"} {
		snap, ok := s.Get(name)
		require.True(t, ok, "worker %s not restored", name)
		assert.Equal(t, workers.StateConnected, snap.State)
	}

	// The pid table was cleared before restoration re-populated it.
	pids, err := st.ListPIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, pids, 2)
	for name, pid := range pids {
		snap, _ := s.Get(name)
		assert.Equal(t, snap.PID, pid)
	}
}

func TestRestoreSurvivesFailingWorker(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{prepare: func(c *fakeClient) {
		if c.cfg.Name == "bad" {
			c.connectErr = errors.New("connection refused")
		}
	}}
	s, st := newTestSupervisor(t, factory)
	ctx := context.Background()

	require.NoError(t, st.UpsertWorker(ctx, stdioConfig("bad")))
	require.NoError(t, st.UpsertWorker(ctx, stdioConfig("good")))

	require.NoError(t, s.Restore(ctx))

	snap, ok := s.Get("good")
	require.True(t, ok)
	assert.Equal(t, workers.StateConnected, snap.State)

	snap, ok = s.Get("bad")
	require.True(t, ok)
	assert.Equal(t, workers.StateError, snap.State)
}

func TestPoolIndexInvariant(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	s, _ := newTestSupervisor(t, factory)

	_, err := s.Declare(context.Background(), stdioConfig("fetch"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		s.handleScaleUp("fetch")
	}

	seen := make(map[int]bool)
	for _, snap := range s.List() {
		if snap.BaseName != "fetch" {
			continue
		}
		assert.False(t, seen[snap.Index], "duplicate index %d", snap.Index)
		seen[snap.Index] = true
	}
	assert.True(t, seen[0])
	for i := 1; i < s.PoolSize("fetch"); i++ {
		assert.True(t, seen[i], "pool indices must be contiguous, missing %d", i)
	}
}

func TestConcurrentDeclareSameBaseKeepsOnePrimary(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	s, _ := newTestSupervisor(t, factory)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Declare(context.Background(), stdioConfig("fetch"))
		}()
	}
	wg.Wait()

	assert.Len(t, s.List(), 1)
	snap, ok := s.Get("fetch")
	require.True(t, ok)
	assert.Equal(t, workers.StateConnected, snap.State)
}

func TestListOrdering(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	s, _ := newTestSupervisor(t, factory)

	for _, name := range []string{"zeta", "alpha"} {
		_, err := s.Declare(context.Background(), stdioConfig(name))
		require.NoError(t, err)
	}

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].InternalName)
	assert.Equal(t, "zeta", list[1].InternalName)
}

func TestHasPermanentFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		tail []string
		want bool
	}{
		{"e404", []string{"npm error code E404"}, true},
		{"enoent case-insensitive", []string{"spawn ENOENT"}, true},
		{"command not found", []string{"sh: foo: command not found"}, true},
		{"registry", []string{"'x' is not in this registry"}, true},
		{"not found phrase", []string{"module not found"}, true},
		{"clean", []string{"listening on stdio"}, false},
		{"empty", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, hasPermanentFailure(tt.tail))
		})
	}
}

func TestSnapshotIsDetached(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	s, _ := newTestSupervisor(t, factory)

	_, err := s.Declare(context.Background(), stdioConfig("fetch"))
	require.NoError(t, err)

	snap, _ := s.Get("fetch")
	snap.Config.Command = "mutated"
	snap.Tools[0].Name = "mutated"

	fresh, _ := s.Get("fetch")
	assert.Equal(t, "fake-server", fresh.Config.Command)
	assert.Equal(t, "ping", fresh.Tools[0].Name)
}

func fmtSession(i int) string {
	return fmt.Sprintf("%08d-0000-4000-8000-000000000000", i)
}
